package sio

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// CommandFrame is the 5-byte frame sent while the command line is asserted,
// plus what the receiving engine learned about it.
type CommandFrame struct {
	Device   byte
	Command  byte
	Aux1     byte
	Aux2     byte
	Checksum byte

	// Received is the monotonic time the command line was asserted,
	// relative to engine start.
	Received time.Duration

	// Missed counts frames published but never consumed before this one.
	Missed uint

	// Serial increases with every published frame. Handshake bytes are
	// only sent while it still matches the engine's current serial.
	Serial uint64
}

// NewCommandFrame builds a frame for unit (1-based) of a device class and
// fills in its checksum.
func NewCommandFrame(deviceClass, unit, command, aux1, aux2 byte) *CommandFrame {
	f := &CommandFrame{
		Device:  DeviceID(deviceClass, unit),
		Command: command,
		Aux1:    aux1,
		Aux2:    aux2,
	}
	f.Checksum = f.computeChecksum()
	return f
}

// DeviceID is the id byte on the wire for unit of deviceClass.
func DeviceID(deviceClass, unit byte) byte {
	if unit == 0 {
		unit = 1
	}
	return deviceClass + unit - 1
}

// ParseCommandFrame decodes exactly CommandFrameSize bytes. The checksum is
// copied, not verified; see Valid.
func ParseCommandFrame(b []byte) (*CommandFrame, error) {
	if len(b) != CommandFrameSize {
		return nil, errors.Errorf("command frame: got %d bytes, want %d", len(b), CommandFrameSize)
	}
	return &CommandFrame{
		Device:   b[0],
		Command:  b[1],
		Aux1:     b[2],
		Aux2:     b[3],
		Checksum: b[4],
	}, nil
}

func (f *CommandFrame) computeChecksum() byte {
	b := f.Bytes()
	return Checksum(b[:4])
}

// Bytes returns the frame as it goes on the wire.
func (f *CommandFrame) Bytes() [CommandFrameSize]byte {
	return [CommandFrameSize]byte{f.Device, f.Command, f.Aux1, f.Aux2, f.Checksum}
}

// Valid reports whether the checksum byte matches the first four bytes.
func (f *CommandFrame) Valid() bool {
	return f.Checksum == f.computeChecksum()
}

// Aux is aux1 | aux2<<8, the sector number for sector commands.
func (f *CommandFrame) Aux() uint16 {
	return uint16(f.Aux1) | uint16(f.Aux2)<<8
}

// Unit returns the 1-based unit number relative to deviceClass, or 0 if the
// frame addresses some other device class.
func (f *CommandFrame) Unit(deviceClass byte) byte {
	if f.Device < deviceClass || f.Device > deviceClass+14 {
		return 0
	}
	return f.Device - deviceClass + 1
}

func (f *CommandFrame) String() string {
	name, ok := CommandStrings[f.Command]
	if !ok {
		name = fmt.Sprintf("$%02x", f.Command)
	}
	return fmt.Sprintf("[%02x %02x %02x %02x %02x] dev=$%02x %s aux=%d #%d", f.Device, f.Command, f.Aux1, f.Aux2, f.Checksum, f.Device, name, f.Aux(), f.Serial)
}
