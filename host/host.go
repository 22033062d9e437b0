// Package host drives real Atari peripherals from the PC: the PC plays the
// computer, asserting the command line and sending command frames.
package host

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/link"
	"github.com/strickyak/atarisio/sio"
)

var Logf = log.Printf

// Cable says which output carries the command line to the drive.
type Cable int

const (
	CableA Cable = iota // RTS
	CableB              // DTR
)

func (c Cable) String() string {
	if c == CableB {
		return "B"
	}
	return "A"
}

func ParseCable(s string) (Cable, error) {
	switch strings.ToUpper(s) {
	case "A", "RTS":
		return CableA, nil
	case "B", "DTR":
		return CableB, nil
	}
	return CableA, errors.Wrapf(sio.ErrConfig, "unknown cable %q", s)
}

type Config struct {
	Cable        Cable
	StandardBaud uint // 0 means sio.StandardBaudrate
	Debug        int
}

// Controller runs one transaction at a time over a line.
type Controller struct {
	line link.Line
	cfg  Config

	mu    sync.Mutex
	exact uint
	baud  uint
	mode  sio.HighSpeedMode
	high  uint
}

func New(line link.Line, cfg Config) (*Controller, error) {
	if cfg.StandardBaud == 0 {
		cfg.StandardBaud = sio.StandardBaudrate
	}
	c := &Controller{line: line, cfg: cfg}
	if err := c.setCommand(false); err != nil {
		return nil, err
	}
	if err := c.setBaud(cfg.StandardBaud); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) setCommand(on bool) error {
	var err error
	if c.cfg.Cable == CableB {
		err = c.line.SetDTR(on)
	} else {
		err = c.line.SetRTS(on)
	}
	return errors.Wrapf(err, "command line %v", on)
}

func (c *Controller) setBaud(baud uint) error {
	if baud == c.baud && c.exact != 0 {
		return nil
	}
	exact, err := c.line.SetBaudrate(baud)
	if err != nil {
		return errors.Wrapf(err, "set baud %d", baud)
	}
	c.baud, c.exact = baud, exact
	return nil
}

// SetSpeed picks the highspeed mode the convenience wrappers use.
func (c *Controller) SetSpeed(mode sio.HighSpeedMode, baud uint) error {
	if mode != sio.SpeedNormal && baud == 0 {
		return errors.Wrapf(sio.ErrConfig, "speed mode %s without a baud rate", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode, c.high = mode, baud
	return nil
}

// Speed reports what SetSpeed configured.
func (c *Controller) Speed() (sio.HighSpeedMode, uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, c.high
}

// ExactBaudrate is the rate last programmed into the UART.
func (c *Controller) ExactBaudrate() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exact
}

func (c *Controller) String() string {
	return fmt.Sprintf("host(cable %v, %d baud)", c.cfg.Cable, c.cfg.StandardBaud)
}
