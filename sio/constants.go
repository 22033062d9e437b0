// Package sio holds the wire-level pieces of the Atari SIO protocol that both
// the peripheral engine (package server) and the host engine (package host)
// have to agree on: frame layout, checksum, handshake codes, timing and the
// Pokey divisor tables.
package sio

import "time"

// Handshake bytes.
const (
	ACK      = 0x41 // 'A'
	NAK      = 0x4E // 'N'
	COMPLETE = 0x43 // 'C'
	ERROR    = 0x45 // 'E'
)

// Device classes. The id on the wire is class + unit - 1.
const (
	DeviceDisk    = 0x31
	DevicePrinter = 0x40
	DeviceRS232   = 0x50
	DeviceRemote  = 0x61
	DeviceTape    = 0x60
)

// Commands understood by disk drives.
const (
	CMD_FORMAT          = 0x21 // '!'
	CMD_FORMAT_ENHANCED = 0x22 // '"'
	CMD_GET_SPEED       = 0x3F // '?', Ultra speed divisor query
	CMD_PERCOM_GET      = 0x4E // 'N'
	CMD_PERCOM_PUT      = 0x4F // 'O'
	CMD_PUT_SECTOR      = 0x50 // 'P', write without verify
	CMD_READ_SECTOR     = 0x52 // 'R'
	CMD_STATUS          = 0x53 // 'S'
	CMD_WRITE_SECTOR    = 0x57 // 'W', write with verify
)

var CommandStrings = map[byte]string{
	CMD_FORMAT:          "FORMAT",
	CMD_FORMAT_ENHANCED: "FORMAT_ENHANCED",
	CMD_GET_SPEED:       "GET_SPEED",
	CMD_PERCOM_GET:      "PERCOM_GET",
	CMD_PERCOM_PUT:      "PERCOM_PUT",
	CMD_PUT_SECTOR:      "PUT_SECTOR",
	CMD_READ_SECTOR:     "READ_SECTOR",
	CMD_STATUS:          "STATUS",
	CMD_WRITE_SECTOR:    "WRITE_SECTOR",
}

const (
	CommandFrameSize = 5

	// MaxBlockSize bounds a single data frame. Large enough for the
	// biggest sector sizes in use plus some slack.
	MaxBlockSize = 8192

	// BufferSize is what each ring buffer is sized to: one command frame
	// plus the largest block and its checksum.
	BufferSize = CommandFrameSize + MaxBlockSize + 1
)

// Baud rates.
const (
	StandardBaudrate  = 19200
	Baudrate2x        = 38400
	Baudrate3x        = 57600
	HighspeedBaudrate = Baudrate3x
	TapeBaudrate      = 600

	// BitsPerByte counts start and stop bits.
	BitsPerByte = 10
)

// Protocol delays. T0..T5 are named after the Atari OS manual; the remaining
// ones are the floors the peripheral side honours before each handshake byte.
// All are minimums unless the name says otherwise.
const (
	DelayT0    = 900 * time.Microsecond // command asserted -> first frame byte
	DelayT1    = 850 * time.Microsecond // last frame byte -> command deasserted
	DelayT2Min = 10 * time.Microsecond  // deasserted -> ACK
	DelayT2Max = 20 * time.Millisecond
	DelayT3Min = 1000 * time.Microsecond // ACK -> first data byte
	DelayT4Min = 850 * time.Microsecond  // data frame end -> data ACK
	DelayT5Min = 250 * time.Microsecond  // ACK -> COMPLETE

	DelayCommandACK     = 100 * time.Microsecond // BiboDOS needs at least this
	DelayDataACK        = 450 * time.Microsecond
	DelayComplete       = 300 * time.Microsecond
	DelayCompleteSlow   = 1000 * time.Microsecond // XF551 compatible
	DelayCompleteToData = 150 * time.Microsecond  // maximum

	CommandFrameTimeout = 15 * time.Millisecond
	IdleDebounce        = 15 * time.Millisecond
	DeassertDelay       = 3 * time.Millisecond

	TxHeadroom       = 50 * time.Millisecond
	RxHeadroom       = 50 * time.Millisecond
	CommandFrameWait = 1 * time.Second

	CommandACKTimeout = DelayT2Max
	DataACKTimeout    = 16 * time.Millisecond
)

// Retry budgets.
const (
	CommandFrameRetries = 13
	TransactionRetries  = 2
)
