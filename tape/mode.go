package tape

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/link"
	"github.com/strickyak/atarisio/ring"
	"github.com/strickyak/atarisio/sio"
)

// Mode owns a line while it plays tape data. Start switches the line to
// the tape rate and End puts the previous rate back.
type Mode struct {
	line    link.Line
	restore uint
	exact   uint
	debug   int

	mu      sync.Mutex
	tx      *ring.Buffer
	queued  uint64
	written uint64
	err     error

	kick    chan struct{}
	drained chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Start programs baud (0 means sio.TapeBaudrate) on line. restore is the
// rate End goes back to.
func Start(line link.Line, restore, baud uint, debug int) (*Mode, error) {
	if baud == 0 {
		baud = sio.TapeBaudrate
	}
	if restore == 0 {
		restore = sio.StandardBaudrate
	}
	exact, err := line.SetBaudrate(baud)
	if err != nil {
		return nil, errors.Wrapf(err, "tape: set %d baud", baud)
	}
	m := &Mode{
		line:    line,
		restore: restore,
		exact:   exact,
		debug:   debug,
		tx:      ring.New(sio.BufferSize),
		kick:    make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeRoutine()
	if debug > 0 {
		Logf("tape: %d baud (exact %d)", baud, exact)
	}
	return m, nil
}

func (m *Mode) ExactBaudrate() uint { return m.exact }

func poke(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// writeRoutine copies queued bytes to the line.
func (m *Mode) writeRoutine() {
	defer m.wg.Done()
	chunk := make([]byte, 128)
	for {
		select {
		case <-m.stop:
			return
		case <-m.kick:
		}
		for {
			m.mu.Lock()
			n := m.tx.Read(chunk)
			m.mu.Unlock()
			if n == 0 {
				break
			}
			err := link.WriteAll(m.line, chunk[:n])
			m.mu.Lock()
			m.written += uint64(n)
			if err != nil && m.err == nil {
				m.err = err
			}
			m.mu.Unlock()
			poke(m.drained)
		}
	}
}

// SendRawNoWait queues as much of p as fits and returns at once with the
// count queued.
func (m *Mode) SendRawNoWait(p []byte) (int, error) {
	m.mu.Lock()
	if err := m.err; err != nil {
		m.err = nil
		m.mu.Unlock()
		return 0, err
	}
	n := m.tx.Write(p)
	m.queued += uint64(n)
	m.mu.Unlock()
	if n > 0 {
		poke(m.kick)
	}
	return n, nil
}

// FlushWrite waits until everything queued has left the UART.
func (m *Mode) FlushWrite(ctx context.Context) error {
	m.mu.Lock()
	left := 0
	if m.queued > m.written {
		left = int(m.queued - m.written)
	}
	m.mu.Unlock()
	timer := time.NewTimer(sio.Timeout(left, m.exact, sio.TxHeadroom))
	defer timer.Stop()
	for {
		m.mu.Lock()
		done := m.written >= m.queued
		err := m.err
		m.err = nil
		m.mu.Unlock()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-m.drained:
		case <-timer.C:
			return errors.Wrapf(sio.ErrCommandTimeout, "tape: %d bytes did not drain", left)
		case <-ctx.Done():
			m.mu.Lock()
			m.tx.Clear()
			m.queued = m.written
			m.mu.Unlock()
			m.line.Flush()
			return cancelled(ctx)
		}
	}
}

// SendFSK plays delays once any queued bytes have gone out.
func (m *Mode) SendFSK(ctx context.Context, delays []uint16, w Waiter) error {
	if err := m.FlushWrite(ctx); err != nil {
		return err
	}
	return SendFSK(ctx, m.line, delays, w)
}

// End stops the writer and restores the previous baud rate. Unsent bytes
// are dropped.
func (m *Mode) End() error {
	select {
	case <-m.stop:
		return nil
	default:
		close(m.stop)
	}
	m.wg.Wait()
	if err := m.line.SetBreak(false); err != nil {
		return errors.Wrap(err, "tape: clear break")
	}
	if _, err := m.line.SetBaudrate(m.restore); err != nil {
		return errors.Wrapf(err, "tape: restore %d baud", m.restore)
	}
	return nil
}
