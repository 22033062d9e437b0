package sio

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Direction of the data phase, as in the Atari DCB DSTATS byte.
type Direction byte

const (
	DirNone    Direction = 0x00
	DirReceive Direction = 0x40 // peripheral -> host
	DirSend    Direction = 0x80 // host -> peripheral
)

// HighSpeedMode selects how a transaction asks for a faster data phase.
type HighSpeedMode int

const (
	SpeedNormal HighSpeedMode = iota
	SpeedUltra                // divisor based; whole transaction at the high rate
	SpeedTurbo                // Turbo 1050: aux2 bit 7
	SpeedWarp                 // Happy: command bit 5 on sector I/O
	SpeedXF551                // XF551: command bit 7
)

var speedStrings = map[HighSpeedMode]string{
	SpeedNormal: "normal",
	SpeedUltra:  "ultra",
	SpeedTurbo:  "turbo",
	SpeedWarp:   "warp",
	SpeedXF551:  "xf551",
}

func (m HighSpeedMode) String() string {
	if s, ok := speedStrings[m]; ok {
		return s
	}
	return fmt.Sprintf("HighSpeedMode(%d)", int(m))
}

// ParseHighSpeedMode is the inverse of String.
func ParseHighSpeedMode(s string) (HighSpeedMode, error) {
	for m, name := range speedStrings {
		if name == s {
			return m, nil
		}
	}
	return SpeedNormal, errors.Wrapf(ErrConfig, "unknown speed mode %q", s)
}

// Params describes one host-side transaction. It is owned by the caller and
// not kept after the call returns.
type Params struct {
	Device    byte // device class, e.g. DeviceDisk
	Unit      byte // 1-based
	Command   byte
	Direction Direction
	Timeout   uint // seconds to wait for COMPLETE
	Aux1      byte
	Aux2      byte
	Data      []byte // len(Data) is the data phase length

	Mode HighSpeedMode
	// Baudrate is the highspeed rate for the modes that use one. For
	// SpeedUltra it is normally derived from a Pokey divisor.
	Baudrate uint
}

// SetAux sets aux1/aux2 from a 16-bit value.
func (p *Params) SetAux(aux uint16) {
	p.Aux1 = byte(aux)
	p.Aux2 = byte(aux >> 8)
}

// Validate rejects parameters before any I/O is attempted.
func (p *Params) Validate() error {
	if p.Unit == 0 || p.Unit > 15 {
		return errors.Wrapf(ErrConfig, "unit %d out of range", p.Unit)
	}
	if len(p.Data) > MaxBlockSize {
		return errors.Wrapf(ErrBlockTooLong, "%d bytes", len(p.Data))
	}
	if p.Direction != DirNone && len(p.Data) == 0 {
		return errors.Wrapf(ErrConfig, "direction $%02x with empty data buffer", byte(p.Direction))
	}
	if p.Direction&DirReceive != 0 && p.Direction&DirSend != 0 {
		return errors.Wrap(ErrConfig, "data phase cannot both send and receive")
	}
	if p.Mode != SpeedNormal && p.Baudrate == 0 {
		return errors.Wrapf(ErrConfig, "speed mode %s without a baud rate", p.Mode)
	}
	return nil
}

// CompleteTimeout is the COMPLETE wait, at least one second.
func (p *Params) CompleteTimeout() time.Duration {
	if p.Timeout == 0 {
		return time.Second
	}
	return time.Duration(p.Timeout) * time.Second
}

// Effective is what actually goes on the wire after the highspeed mode has
// been applied.
type Effective struct {
	Frame *CommandFrame
	Mode  HighSpeedMode // may be downgraded to SpeedNormal

	FrameBaud uint // rate for the command frame
	DataBaud  uint // rate for everything after the command frame
}

// Effective applies the highspeed mode to the command bytes. Warp only
// applies to sector I/O and silently falls back to normal otherwise; the
// XF551 answers format commands at standard speed even with bit 7 set.
func (p *Params) Effective(standard uint) Effective {
	if standard == 0 {
		standard = StandardBaudrate
	}
	cmd, aux2 := p.Command, p.Aux2
	mode := p.Mode

	switch mode {
	case SpeedTurbo:
		aux2 |= 0x80
	case SpeedWarp:
		switch cmd {
		case CMD_PUT_SECTOR, CMD_READ_SECTOR, CMD_WRITE_SECTOR:
			cmd |= 0x20
		default:
			mode = SpeedNormal
		}
	case SpeedXF551:
		switch cmd {
		case CMD_FORMAT, CMD_FORMAT_ENHANCED:
			mode = SpeedNormal
		}
		cmd |= 0x80
	}

	e := Effective{
		Frame:     NewCommandFrame(p.Device, p.Unit, cmd, p.Aux1, aux2),
		Mode:      mode,
		FrameBaud: standard,
		DataBaud:  standard,
	}
	switch mode {
	case SpeedUltra:
		e.FrameBaud = p.Baudrate
		e.DataBaud = p.Baudrate
	case SpeedTurbo, SpeedWarp, SpeedXF551:
		e.DataBaud = p.Baudrate
	}
	return e
}
