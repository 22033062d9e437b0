package host

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/link"
	"github.com/strickyak/atarisio/sio"
)

// Transaction runs one complete SIO exchange, retrying the whole thing up to
// TransactionRetries times. On failure the most specific error over all
// attempts is returned. Data received before a checksum error is left in
// p.Data.
func (c *Controller) Transaction(ctx context.Context, p *sio.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e := p.Effective(c.cfg.StandardBaud)
	defer func() {
		if err := c.setBaud(c.cfg.StandardBaud); err != nil {
			Logf("host: restore baud: %v", err)
		}
	}()

	var best error
	for attempt := 1; attempt <= sio.TransactionRetries; attempt++ {
		err := c.attempt(ctx, p, e)
		if err == nil {
			return nil
		}
		if errors.Cause(err) == sio.ErrCancelled {
			c.abandon()
			return err
		}
		if !sio.IsAtariError(err) {
			return err
		}
		if c.cfg.Debug > 0 {
			Logf("host: %v attempt %d: %v", e.Frame, attempt, err)
		}
		best = sio.MoreSpecific(best, err)
	}
	return best
}

// DirectSIO is Transaction with the controller's own speed settings filled
// in when the caller left them empty.
func (c *Controller) DirectSIO(ctx context.Context, p *sio.Params) error {
	if p.Mode == sio.SpeedNormal {
		p.Mode, p.Baudrate = c.Speed()
	}
	return c.Transaction(ctx, p)
}

func (c *Controller) attempt(ctx context.Context, p *sio.Params, e sio.Effective) error {
	if err := c.setBaud(e.FrameBaud); err != nil {
		return err
	}
	if err := c.sendCommandFrame(ctx, e); err != nil {
		return err
	}

	if p.Direction&sio.DirSend != 0 {
		if err := c.sendData(ctx, p.Data); err != nil {
			return err
		}
	}

	var completeErr error
	b, err := c.readByte(ctx, p.CompleteTimeout())
	switch {
	case err != nil:
		return err
	case b == sio.COMPLETE:
	case b == sio.ERROR:
		completeErr = errors.Wrapf(sio.ErrCommandComplete, "%v", e.Frame)
	case b == sio.ACK:
		// Some drives ACK twice; the byte after it must be the real answer.
		Logf("host: %v: ACK where COMPLETE was expected", e.Frame)
		b, err = c.readByte(ctx, p.CompleteTimeout())
		switch {
		case err != nil:
			return err
		case b == sio.COMPLETE:
		case b == sio.ERROR:
			completeErr = errors.Wrapf(sio.ErrCommandComplete, "%v", e.Frame)
		default:
			return errors.Wrapf(sio.ErrUnknownReply, "$%02x instead of COMPLETE", b)
		}
	default:
		return errors.Wrapf(sio.ErrUnknownReply, "$%02x instead of COMPLETE", b)
	}

	// Drives send a data frame after ERROR too, and a broken data frame says
	// more than the ERROR does.
	if p.Direction&sio.DirReceive != 0 {
		if err := c.receiveData(ctx, p.Data); err != nil {
			return err
		}
	}
	return completeErr
}

// sendCommandFrame pulses the command line around the frame and waits for
// the ACK, retrying up to CommandFrameRetries times.
func (c *Controller) sendCommandFrame(ctx context.Context, e sio.Effective) error {
	frame := e.Frame.Bytes()
	var last error
	for try := 1; try <= sio.CommandFrameRetries; try++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(sio.ErrCancelled, err.Error())
		}
		if err := c.line.Flush(); err != nil {
			return errors.Wrap(err, "flush")
		}
		if err := c.setCommand(true); err != nil {
			return err
		}
		time.Sleep(sio.DelayT0)
		if err := link.WriteAll(c.line, frame[:]); err != nil {
			if e := c.setCommand(false); e != nil {
				Logf("host: %v", e)
			}
			return err
		}
		time.Sleep(sio.DelayT1)
		if err := c.setCommand(false); err != nil {
			return err
		}
		if e.DataBaud != e.FrameBaud {
			if err := c.setBaud(e.DataBaud); err != nil {
				return err
			}
		}

		b, err := c.readByte(ctx, sio.CommandACKTimeout)
		switch {
		case err == nil && b == sio.ACK:
			return nil
		case err == nil && b == sio.NAK:
			last = errors.Wrapf(sio.ErrCommandNAK, "%v", e.Frame)
		case err == nil:
			last = errors.Wrapf(sio.ErrUnknownReply, "$%02x instead of ACK", b)
		case sio.IsAtariError(err):
			last = err
		default:
			return err
		}
		if c.cfg.Debug > 1 {
			Logf("host: %v try %d: %v", e.Frame, try, last)
		}
		if e.DataBaud != e.FrameBaud {
			if err := c.setBaud(e.FrameBaud); err != nil {
				return err
			}
		}
	}
	return last
}

// abandon leaves the line idle after a cancelled transaction: command line
// released and anything half sent or half received thrown away.
func (c *Controller) abandon() {
	if err := c.setCommand(false); err != nil {
		Logf("host: cancel: %v", err)
	}
	if err := c.line.Flush(); err != nil {
		Logf("host: flush after cancel: %v", err)
	}
}

func (c *Controller) sendData(ctx context.Context, data []byte) error {
	time.Sleep(sio.DelayT3Min)
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, sio.Checksum(data))
	if err := link.WriteAll(c.line, buf); err != nil {
		return err
	}
	b, err := c.readByte(ctx, sio.DataACKTimeout+sio.TransferTime(1, c.exact))
	switch {
	case err != nil:
		return err
	case b == sio.ACK:
		return nil
	case b == sio.NAK:
		return errors.Wrap(sio.ErrDataNAK, "data frame refused")
	}
	return errors.Wrapf(sio.ErrUnknownReply, "$%02x instead of data ACK", b)
}

// receiveData fills data and checks the trailing checksum. On a mismatch
// data still holds what arrived.
func (c *Controller) receiveData(ctx context.Context, data []byte) error {
	n := len(data) + 1
	buf := make([]byte, n)
	got, err := link.ReadFull(ctx, c.line, buf, sio.Timeout(n, c.exact, sio.RxHeadroom))
	copy(data, buf[:min(got, len(data))])
	if err != nil {
		return c.linkError(err, "data frame: %d of %d bytes", got, n)
	}
	if sum := sio.Checksum(buf[:len(data)]); sum != buf[len(data)] {
		return errors.Wrapf(sio.ErrChecksum, "data frame checksum %02x, computed %02x", buf[len(data)], sum)
	}
	return nil
}

func (c *Controller) readByte(ctx context.Context, timeout time.Duration) (byte, error) {
	var b [1]byte
	if _, err := link.ReadFull(ctx, c.line, b[:], timeout); err != nil {
		return 0, c.linkError(err, "waiting %v", timeout)
	}
	return b[0], nil
}

// linkError maps a ReadFull timeout onto the protocol code.
func (c *Controller) linkError(err error, format string, args ...interface{}) error {
	if errors.Cause(err) == link.ErrTimeout {
		return errors.Wrapf(sio.ErrCommandTimeout, format, args...)
	}
	return err
}
