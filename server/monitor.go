package server

import (
	"fmt"
	"time"

	"github.com/strickyak/atarisio/link"
	"github.com/strickyak/atarisio/sio"
)

// State of the command frame receiver.
type State int

const (
	WaitIdle State = iota
	WaitAssert
	ReceivingFrame
	WaitDeassert
)

func (st State) String() string {
	switch st {
	case WaitIdle:
		return "WaitIdle"
	case WaitAssert:
		return "WaitAssert"
	case ReceivingFrame:
		return "ReceivingFrame"
	case WaitDeassert:
		return "WaitDeassert"
	}
	return fmt.Sprintf("State(%d)", int(st))
}

// receiver is the monitor's private scratch; nothing else touches it.
type receiver struct {
	state State

	frame [sio.CommandFrameSize]byte
	count int // may exceed CommandFrameSize

	start    time.Time // command asserted, or first byte without a line
	complete time.Time // fifth byte with a good checksum
	lastData time.Time
	quiet    time.Time // start of the current silence, LineNone only

	asserted bool // command line at the previous sample

	base       link.Counters // counters when the frame started
	prev       link.Counters
	countersOK bool
}

func (r *receiver) begin(now time.Time) {
	r.state = ReceivingFrame
	r.count = 0
	r.start = now
	r.base = r.prev
}

func (r *receiver) add(data []byte, now time.Time) {
	for _, b := range data {
		if r.count < len(r.frame) {
			r.frame[r.count] = b
		}
		r.count++
	}
	if len(data) > 0 {
		r.lastData = now
	}
}

// clean reports that the driver saw no damaged bytes or breaks during the
// frame. Zero bytes from a baud mismatch carry a valid checksum.
func (r *receiver) clean(c link.Counters) bool {
	if !r.countersOK {
		return true
	}
	d := c.Sub(r.base)
	return d.Errors() == 0 && d.Brk == 0
}

func (r *receiver) checksumOK() bool {
	return r.count == sio.CommandFrameSize && sio.Checksum(r.frame[:4]) == r.frame[4]
}

func (s *Server) monitor() {
	defer s.wg.Done()
	hw := s.cfg.CommandLine != link.LineNone
	now := time.Now()
	r := &receiver{quiet: now}
	if hw {
		r.state = WaitAssert
	}
	r.prev, r.countersOK, _ = s.line.Counters()
	buf := make([]byte, 512)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if _, err := s.line.WaitReadable(s.cfg.Poll); err != nil {
			Logf("server: monitor wait: %v", err)
			time.Sleep(10 * s.cfg.Poll)
			continue
		}
		now = time.Now()

		var status link.ModemStatus
		if hw {
			st, err := s.line.ModemStatus()
			if err != nil {
				Logf("server: modem status: %v", err)
				continue
			}
			status = st
		}
		n, err := s.line.Read(buf)
		if err != nil {
			Logf("server: read: %v", err)
			continue
		}
		c, ok, err := s.line.Counters()
		if err != nil {
			ok = false
		}
		r.countersOK = ok

		if hw {
			asserted := s.cfg.CommandLine.Asserted(status)
			s.stepLine(r, now, asserted, c, buf[:n])
			r.asserted = asserted
		} else {
			s.stepSilence(r, now, c, buf[:n])
		}
		r.prev = c
	}
}

// stepLine advances the receiver when a hardware command line is wired.
func (s *Server) stepLine(r *receiver, now time.Time, asserted bool, c link.Counters, data []byte) {
	switch r.state {
	case WaitIdle:
		// Waiting out the tail of a bad frame. An assertion after a
		// deasserted sample, or a drop and rise between two asserted
		// samples, is already the next frame.
		edges := uint32(0)
		if r.countersOK {
			edges = c.Sub(r.prev).Edges(s.cfg.CommandLine)
		}
		again := asserted && (!r.asserted || edges >= 2)
		if !again {
			s.toRX(data)
			if !asserted {
				r.state = WaitAssert
			}
			return
		}
		r.begin(now)
		r.add(data, now)
	case WaitAssert:
		// The edge counter catches a whole pulse that fell between polls.
		edge := r.countersOK && c.Sub(r.prev).Edges(s.cfg.CommandLine) > 0 && len(data) > 0
		if !asserted && !edge {
			s.toRX(data)
			return
		}
		r.begin(now)
		r.add(data, now)
	default:
		r.add(data, now)
	}

	switch r.state {
	case ReceivingFrame:
		switch {
		case r.count > sio.CommandFrameSize:
			s.frameError(r, now, c, "overrun")
		case r.count == sio.CommandFrameSize:
			if r.checksumOK() && r.clean(c) {
				r.state = WaitDeassert
				r.complete = now
			} else {
				s.frameError(r, now, c, "checksum")
			}
		case !asserted:
			s.frameError(r, now, c, "short frame")
		case now.Sub(r.start) > sio.CommandFrameTimeout:
			s.frameError(r, now, c, "timeout")
		}
	}
	if r.state == WaitDeassert {
		switch {
		case r.count > sio.CommandFrameSize:
			s.frameError(r, now, c, "overrun")
		case !asserted:
			s.publish(r, now)
		case now.Sub(r.complete) > sio.CommandFrameTimeout:
			s.frameError(r, now, c, "command line stuck")
		}
	}
}

// stepSilence advances the receiver when there is no command line: a frame
// is the first burst after IdleDebounce of quiet, and ends DeassertDelay
// after its fifth byte. While a handler owns a frame, input is data.
func (s *Server) stepSilence(r *receiver, now time.Time, c link.Counters, data []byte) {
	switch r.state {
	case WaitIdle:
		s.mu.Lock()
		busy := s.busy
		s.mu.Unlock()
		if busy {
			s.toRX(data)
			r.quiet = now
			return
		}
		if len(data) > 0 {
			if s.cfg.Debug > 1 {
				Logf("server: discarding % x while idle", data)
			}
			r.quiet = now
			return
		}
		if now.Sub(r.quiet) >= sio.IdleDebounce {
			r.state = WaitAssert
		}
		return
	case WaitAssert:
		if len(data) == 0 {
			return
		}
		r.begin(now)
		r.add(data, now)
	default:
		r.add(data, now)
	}

	switch r.state {
	case ReceivingFrame:
		switch {
		case r.count > sio.CommandFrameSize:
			s.frameError(r, now, c, "overrun")
		case r.count == sio.CommandFrameSize:
			if r.checksumOK() && r.clean(c) {
				r.state = WaitDeassert
				r.complete = now
			} else {
				s.frameError(r, now, c, "checksum")
			}
		case now.Sub(r.start) > sio.CommandFrameTimeout:
			s.frameError(r, now, c, "timeout")
		}
	}
	if r.state == WaitDeassert {
		switch {
		case r.count > sio.CommandFrameSize:
			s.frameError(r, now, c, "overrun")
		case now.Sub(r.lastData) >= sio.DeassertDelay:
			s.publish(r, now)
		}
	}
}

func (s *Server) toRX(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	n := s.rx.Write(data)
	wake := s.rx.ShouldWake()
	s.mu.Unlock()
	if n < len(data) && s.cfg.Debug > 0 {
		Logf("server: rx ring full, dropped %d bytes", len(data)-n)
	}
	if wake {
		signal(s.rxReady)
	}
}

// grade turns what the receiver saw into a Quality. Lines with error
// counters get the full classification; without them only the byte count
// and checksum are known.
func (r *receiver) grade(c link.Counters, overrun bool) (sio.Quality, sio.FrameStats) {
	st := sio.FrameStats{Good: r.count, ChecksumOK: r.checksumOK()}
	if r.countersOK {
		d := c.Sub(r.base)
		st.Errors = d.Errors()
		st.Breaks = int(d.Brk)
		st.Good = r.count - st.Errors
		if st.Good < 0 {
			st.Good = 0
		}
		return sio.ClassifyFrame(st), st
	}
	complete := !overrun && r.count == sio.CommandFrameSize
	return sio.ClassifyOutcome(r.count, complete, st.ChecksumOK).Quality(), st
}

func (s *Server) frameError(r *receiver, now time.Time, c link.Counters, why string) {
	q, st := r.grade(c, r.count > sio.CommandFrameSize)

	s.mu.Lock()
	d := s.auto.Observe(q)
	s.stats.Errors++
	var err error
	if d.Switch {
		s.stats.Switches++
		err = s.programLocked(d.NewBaud)
	} else if d.Flush {
		err = s.line.Flush()
	}
	exact := s.exact
	s.mu.Unlock()

	if d.Switch {
		Logf("server: bad command frame (%s, %v, %v): switching to %d baud (exact %d)", why, q, st, d.NewBaud, exact)
	} else if s.cfg.Debug > 0 {
		Logf("server: bad command frame (%s, %v, %v) % x", why, q, st, r.frame[:min(r.count, len(r.frame))])
	}
	if err != nil {
		Logf("server: after bad frame: %v", err)
	}
	r.state = WaitIdle
	r.quiet = now
}

func (s *Server) publish(r *receiver, now time.Time) {
	f, _ := sio.ParseCommandFrame(r.frame[:])

	s.mu.Lock()
	s.serial++
	f.Serial = s.serial
	f.Received = s.since(r.start)
	if s.pending != nil {
		s.missed++
		s.stats.Missed++
	}
	f.Missed = s.missed
	s.pending = f
	s.stats.Frames++
	// Stray bytes from before this frame must not leak into its answer.
	s.rx.Clear()
	s.tx.Clear()
	s.txDone = s.txSeq
	s.lastByte = now
	s.auto.Observe(sio.QualityOK)
	s.mu.Unlock()

	if s.cfg.Debug > 0 {
		Logf("server: frame %v", f)
	}
	signal(s.frameReady)
	signal(s.rxReady)
	signal(s.txDrained)
	// The line was just seen deasserted, so the next assertion is the next
	// frame.
	r.state = WaitIdle
	if s.cfg.CommandLine != link.LineNone {
		r.state = WaitAssert
	}
	r.quiet = now
}
