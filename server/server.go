// Package server is the peripheral side of SIO: the PC pretends to be a
// disk drive or printer and answers an Atari.
//
// A monitor goroutine owns the line reads and runs the command frame state
// machine; a writer goroutine drains the transmit ring to the line. Handlers
// fetch frames with WaitCommandFrame/GetCommandFrame and answer through the
// Send* and Receive* calls, which refuse to act on a frame once a newer one
// has arrived.
package server

import (
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/link"
	"github.com/strickyak/atarisio/ring"
	"github.com/strickyak/atarisio/sio"
)

var Logf = log.Printf

type Config struct {
	CommandLine link.CommandLine

	StandardBaud  uint // 0 means sio.StandardBaudrate
	HighspeedBaud uint // 0 disables highspeed
	Autobaud      bool

	// HighspeedPause is added in front of every handshake byte and data
	// frame while the line runs above the standard rate.
	HighspeedPause time.Duration

	// SlowComplete uses the XF551 COMPLETE/ERROR delay for every command.
	SlowComplete bool

	// Poll bounds each monitor wait. 0 means 500µs.
	Poll time.Duration

	Debug int
}

// Stats are running totals since New.
type Stats struct {
	Frames   uint64 // published
	Errors   uint64 // bad frames
	Switches uint64 // autobaud switches
	Missed   uint64 // published but never fetched
}

type Server struct {
	line  link.Line
	cfg   Config
	epoch time.Time

	mu       sync.Mutex
	auto     *sio.Autobaud
	exact    uint
	pause    time.Duration
	rx, tx   *ring.Buffer
	pending  *sio.CommandFrame
	serial   uint64
	missed   uint
	busy     bool
	lastByte time.Time
	txSeq    uint64
	txDone   uint64
	txErr    error
	stampsOn bool
	stamps   [numStamps]time.Duration
	stats    Stats

	frameReady chan struct{}
	rxReady    chan struct{}
	txKick     chan struct{}
	txDrained  chan struct{}
	stop       chan struct{}
	wg         sync.WaitGroup
}

// New programs the line to the standard rate and starts the monitor and
// writer goroutines. The caller keeps ownership of line.
func New(line link.Line, cfg Config) (*Server, error) {
	if cfg.StandardBaud == 0 {
		cfg.StandardBaud = sio.StandardBaudrate
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 500 * time.Microsecond
	}
	if cfg.HighspeedBaud == cfg.StandardBaud {
		cfg.HighspeedBaud = 0
	}
	s := &Server{
		line:       line,
		cfg:        cfg,
		epoch:      time.Now(),
		auto:       sio.NewAutobaud(cfg.Autobaud, cfg.StandardBaud, cfg.HighspeedBaud),
		pause:      cfg.HighspeedPause,
		rx:         ring.New(sio.BufferSize),
		tx:         ring.New(sio.BufferSize),
		frameReady: make(chan struct{}, 1),
		rxReady:    make(chan struct{}, 1),
		txKick:     make(chan struct{}, 1),
		txDrained:  make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	s.mu.Lock()
	err := s.programLocked(cfg.StandardBaud)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.lastByte = time.Now()

	s.wg.Add(2)
	go s.monitor()
	go s.txRoutine()
	Logf("server: %v command line, %d baud (exact %d), highspeed %d, autobaud %v",
		cfg.CommandLine, cfg.StandardBaud, s.exact, cfg.HighspeedBaud, cfg.Autobaud)
	return s, nil
}

// Close stops both goroutines. It does not close the line.
func (s *Server) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.wg.Wait()
	return nil
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// programLocked reprograms the UART, flushing before and after. It does not
// touch the autobaud state.
func (s *Server) programLocked(baud uint) error {
	if baud == 0 {
		return errors.Wrap(sio.ErrConfig, "baud rate 0")
	}
	if err := s.line.Flush(); err != nil {
		return err
	}
	exact, err := s.line.SetBaudrate(baud)
	if err != nil {
		return errors.Wrapf(err, "set baud %d", baud)
	}
	s.exact = exact
	return s.line.Flush()
}

// SetStandardBaudrate changes the rate used outside highspeed; the line is
// reprogrammed if it is currently at the standard rate.
func (s *Server) SetStandardBaudrate(baud uint) error {
	if baud == 0 {
		return errors.Wrap(sio.ErrConfig, "standard baud rate 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	onStandard := s.auto.Current() == s.auto.Standard
	s.auto.Standard = baud
	if !onStandard {
		return nil
	}
	s.auto.SetCurrent(baud)
	return s.programLocked(baud)
}

// SetHighspeedBaudrate sets the autobaud partner rate; 0 disables it.
func (s *Server) SetHighspeedBaudrate(baud uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasHigh := s.auto.Current() != s.auto.Standard
	s.auto.High = baud
	if wasHigh {
		if baud == 0 {
			baud = s.auto.Standard
		}
		s.auto.SetCurrent(baud)
		return s.programLocked(baud)
	}
	return nil
}

func (s *Server) SetAutobaud(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auto.Enabled = on
}

func (s *Server) SetHighspeedPause(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pause = d
}

// SetBaudrate switches the line right now, e.g. after a handler has agreed
// on a speed with the Atari.
func (s *Server) SetBaudrate(baud uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.programLocked(baud); err != nil {
		return err
	}
	s.auto.SetCurrent(baud)
	return nil
}

// Baudrate is the nominal current rate.
func (s *Server) Baudrate() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto.Current()
}

// ExactBaudrate is the rate the UART actually runs at; all timeouts use it.
func (s *Server) ExactBaudrate() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exact
}

// BaudForDivisor maps a Pokey divisor onto this UART.
func (s *Server) BaudForDivisor(divisor uint) (uint, error) {
	base := s.line.BaudBase()
	baud, ok := sio.DivisorToBaud(sio.FamilyForBase(base), base, divisor)
	if !ok {
		return 0, errors.Wrapf(sio.ErrConfig, "no rate for divisor %d on base %d", divisor, base)
	}
	return baud, nil
}

// HighspeedBaudrate is the configured highspeed rate, 0 if none.
func (s *Server) HighspeedBaudrate() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto.High
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// since is a monotonic offset from engine start.
func (s *Server) since(t time.Time) time.Duration {
	return t.Sub(s.epoch)
}
