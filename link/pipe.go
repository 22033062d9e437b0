package link

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/sio"
)

// PipeBaudBase is what a pipe end reports as its UART clock; every rate in
// the highspeed tables is exact on it.
const PipeBaudBase = 921600

var ErrClosed = errors.New("link: closed")

// PipeEnd is one side of an in-memory null-modem cable. RTS drives the
// peer's CTS; DTR drives the peer's DSR and RI. Bytes written while the two
// ends disagree on the baud rate arrive as zero bytes with a framing error,
// which is roughly what a real UART makes of them.
type PipeEnd struct {
	mu   *sync.Mutex
	peer *PipeEnd

	rx     []byte
	notify chan struct{}
	sent   []byte

	rts, dtr, brk bool
	baud          uint
	counters      Counters
	noCounters    bool
	closed        bool
}

// Pipe returns two connected ends, both at the standard rate.
func Pipe() (*PipeEnd, *PipeEnd) {
	mu := new(sync.Mutex)
	a := &PipeEnd{mu: mu, notify: make(chan struct{}, 1), baud: sio.StandardBaudrate}
	b := &PipeEnd{mu: mu, notify: make(chan struct{}, 1), baud: sio.StandardBaudrate}
	a.peer, b.peer = b, a
	return a, b
}

func (e *PipeEnd) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *PipeEnd) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	n := copy(p, e.rx)
	e.rx = e.rx[n:]
	return n, nil
}

func (e *PipeEnd) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.peer.closed {
		return 0, ErrClosed
	}
	peer := e.peer
	for _, b := range p {
		if peer.baud != e.baud {
			b = 0
			peer.counters.Frame++
		}
		peer.rx = append(peer.rx, b)
		peer.counters.Rx++
		e.counters.Tx++
	}
	e.sent = append(e.sent, p...)
	peer.wake()
	return len(p), nil
}

func (e *PipeEnd) WaitReadable(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		e.mu.Lock()
		n, closed := len(e.rx), e.closed
		e.mu.Unlock()
		if closed {
			return false, ErrClosed
		}
		if n > 0 {
			return true, nil
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false, nil
		}
		timer := time.NewTimer(left)
		select {
		case <-e.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (e *PipeEnd) ModemStatus() (ModemStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s ModemStatus
	if e.peer.rts {
		s |= StatusCTS
	}
	if e.peer.dtr {
		s |= StatusDSR | StatusRI
	}
	return s, nil
}

func (e *PipeEnd) SetRTS(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rts != on {
		e.rts = on
		e.peer.counters.CTS++
	}
	return nil
}

func (e *PipeEnd) SetDTR(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dtr != on {
		e.dtr = on
		e.peer.counters.DSR++
		e.peer.counters.RNG++
	}
	return nil
}

func (e *PipeEnd) SetBreak(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on && !e.brk {
		e.peer.counters.Brk++
		e.peer.wake()
	}
	e.brk = on
	return nil
}

// Break reports whether this end is currently sending a break.
func (e *PipeEnd) Break() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.brk
}

func (e *PipeEnd) SetBaudrate(baud uint) (uint, error) {
	if baud == 0 {
		return 0, errors.Wrap(sio.ErrConfig, "baud rate 0")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baud = baud
	return baud, nil
}

// Baudrate is the rate last programmed.
func (e *PipeEnd) Baudrate() uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baud
}

func (e *PipeEnd) BaudBase() uint { return PipeBaudBase }

func (e *PipeEnd) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rx = nil
	return nil
}

func (e *PipeEnd) Drain() error { return nil }

func (e *PipeEnd) Counters() (Counters, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters, !e.noCounters, nil
}

// DisableCounters makes this end behave like a driver without
// TIOCGICOUNT.
func (e *PipeEnd) DisableCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noCounters = true
}

// Inject makes p look like it arrived on the wire with the given number of
// framing errors and breaks.
func (e *PipeEnd) Inject(p []byte, frameErrors, breaks int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rx = append(e.rx, p...)
	e.counters.Rx += uint32(len(p))
	e.counters.Frame += uint32(frameErrors)
	e.counters.Brk += uint32(breaks)
	e.wake()
}

// Sent returns a copy of everything ever written on this end.
func (e *PipeEnd) Sent() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.sent...)
}

func (e *PipeEnd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.wake()
	return nil
}

var _ Line = (*PipeEnd)(nil)
