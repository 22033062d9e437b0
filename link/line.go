// Package link is the serial line underneath both protocol engines: a UART
// with modem control lines, break, an exact baud rate and error counters.
//
// Two implementations exist. Open talks to a real tty; Pipe connects two
// in-memory ends like a null-modem cable, for tests and loopback.
package link

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/sio"
)

// Line is safe for one reader and one writer at a time, plus any number of
// goroutines poking the control lines.
type Line interface {
	// Read returns whatever is buffered, possibly nothing. It does not block.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// WaitReadable blocks until input is available or timeout passes.
	WaitReadable(timeout time.Duration) (bool, error)

	ModemStatus() (ModemStatus, error)
	SetRTS(on bool) error
	SetDTR(on bool) error
	SetBreak(on bool) error

	// SetBaudrate programs the nearest rate the UART can do and returns
	// that exact rate.
	SetBaudrate(baud uint) (uint, error)
	// BaudBase is the UART reference clock / 16, or 0 if unknown.
	BaudBase() uint

	// Flush discards both directions. Drain waits until output has left
	// the UART.
	Flush() error
	Drain() error

	// Counters reports the driver's error and line-change counters. ok is
	// false when the driver does not keep any.
	Counters() (c Counters, ok bool, err error)

	Close() error
}

// ModemStatus holds the input modem lines.
type ModemStatus uint

const (
	StatusCTS ModemStatus = 1 << iota
	StatusDSR
	StatusRI
	StatusDCD
)

func (s ModemStatus) String() string {
	var parts []string
	for _, x := range []struct {
		bit  ModemStatus
		name string
	}{{StatusCTS, "CTS"}, {StatusDSR, "DSR"}, {StatusRI, "RI"}, {StatusDCD, "DCD"}} {
		if s&x.bit != 0 {
			parts = append(parts, x.name)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// CommandLine says which modem input carries the Atari command line in
// server mode.
type CommandLine int

const (
	// LineNone means no command line is wired: frames are found by
	// silence before and after them.
	LineNone CommandLine = iota
	LineRI
	LineDSR
	LineCTS
)

var commandLineStrings = []string{"none", "ri", "dsr", "cts"}

func (c CommandLine) String() string {
	if c >= 0 && int(c) < len(commandLineStrings) {
		return commandLineStrings[c]
	}
	return fmt.Sprintf("CommandLine(%d)", int(c))
}

func ParseCommandLine(s string) (CommandLine, error) {
	for i, name := range commandLineStrings {
		if strings.EqualFold(name, s) {
			return CommandLine(i), nil
		}
	}
	return LineNone, errors.Wrapf(sio.ErrConfig, "unknown command line %q", s)
}

// Asserted reports whether the command line is active in status.
func (c CommandLine) Asserted(status ModemStatus) bool {
	switch c {
	case LineRI:
		return status&StatusRI != 0
	case LineDSR:
		return status&StatusDSR != 0
	case LineCTS:
		return status&StatusCTS != 0
	}
	return false
}

// Counters mirrors the kernel's serial_icounter_struct.
type Counters struct {
	CTS, DSR, RNG, DCD uint32 // transitions

	Rx, Tx uint32

	Frame, Overrun, Parity, Brk, BufOverrun uint32
}

// Sub is c - o, field by field.
func (c Counters) Sub(o Counters) Counters {
	return Counters{
		CTS: c.CTS - o.CTS, DSR: c.DSR - o.DSR, RNG: c.RNG - o.RNG, DCD: c.DCD - o.DCD,
		Rx: c.Rx - o.Rx, Tx: c.Tx - o.Tx,
		Frame: c.Frame - o.Frame, Overrun: c.Overrun - o.Overrun, Parity: c.Parity - o.Parity,
		Brk: c.Brk - o.Brk, BufOverrun: c.BufOverrun - o.BufOverrun,
	}
}

// Errors counts bytes that arrived damaged.
func (c Counters) Errors() int {
	return int(c.Frame + c.Overrun + c.Parity + c.BufOverrun)
}

// Edges counts transitions of the given command line.
func (c Counters) Edges(line CommandLine) uint32 {
	switch line {
	case LineRI:
		return c.RNG
	case LineDSR:
		return c.DSR
	case LineCTS:
		return c.CTS
	}
	return 0
}

var ErrTimeout = errors.New("link: timeout")

// pollSlice bounds each WaitReadable so cancellation is noticed promptly.
const pollSlice = 5 * time.Millisecond

// ReadFull reads exactly len(p) bytes unless timeout passes or ctx is
// cancelled; n is how many arrived either way.
func ReadFull(ctx context.Context, l Line, p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(p) {
		if err := ctx.Err(); err != nil {
			return n, errors.Wrap(sio.ErrCancelled, err.Error())
		}
		got, err := l.Read(p[n:])
		if err != nil {
			return n, errors.Wrap(err, "link read")
		}
		n += got
		if n == len(p) {
			break
		}
		left := time.Until(deadline)
		if left <= 0 {
			return n, errors.Wrapf(ErrTimeout, "got %d of %d bytes in %v", n, len(p), timeout)
		}
		if left > pollSlice {
			left = pollSlice
		}
		if _, err := l.WaitReadable(left); err != nil {
			return n, errors.Wrap(err, "link wait")
		}
	}
	return n, nil
}

// WriteAll writes p completely and waits for it to leave the UART.
func WriteAll(l Line, p []byte) error {
	for len(p) > 0 {
		n, err := l.Write(p)
		if err != nil {
			return errors.Wrap(err, "link write")
		}
		p = p[n:]
	}
	return errors.Wrap(l.Drain(), "link drain")
}
