package server

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/sio"
)

// Points recorded for one call when timestamps are enabled.
const (
	stampEnter = iota
	stampTxStart
	stampFirstSend
	stampTxEnd
	stampWakeup
	stampDrained
	stampLeave
	numStamps
)

// Timestamps are offsets from engine start. Zero means the point was not
// reached.
type Timestamps struct {
	Enter     time.Duration // call entered
	TxStart   time.Duration // bytes queued
	FirstSend time.Duration // first write to the line
	TxEnd     time.Duration // last write to the line
	Wakeup    time.Duration // waiter woken
	Drained   time.Duration // UART empty
	Leave     time.Duration // call returning
}

func (s *Server) EnableTimestamps(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stampsOn = on
}

func (s *Server) LastTimestamps() Timestamps {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.stamps
	return Timestamps{t[0], t[1], t[2], t[3], t[4], t[5], t[6]}
}

func (s *Server) stampLocked(i int) {
	if s.stampsOn {
		s.stamps[i] = s.since(time.Now())
	}
}

func (s *Server) stamp(i int) {
	s.mu.Lock()
	s.stampLocked(i)
	s.mu.Unlock()
}

func (s *Server) enter() {
	s.mu.Lock()
	if s.stampsOn {
		s.stamps = [numStamps]time.Duration{}
	}
	s.stampLocked(stampEnter)
	s.mu.Unlock()
}

// txRoutine copies the transmit ring to the line, then waits for the UART
// to drain and tells the waiter.
func (s *Server) txRoutine() {
	defer s.wg.Done()
	chunk := make([]byte, 256)
	for {
		select {
		case <-s.stop:
			return
		case <-s.txKick:
		}

		first := true
		var seq uint64
		for {
			s.mu.Lock()
			n := s.tx.Read(chunk)
			seq = s.txSeq
			s.mu.Unlock()
			if n == 0 {
				break
			}
			if first {
				s.stamp(stampFirstSend)
				first = false
			}
			if _, err := s.line.Write(chunk[:n]); err != nil {
				Logf("server: write: %v", err)
				s.mu.Lock()
				s.txErr = err
				s.mu.Unlock()
				break
			}
		}
		s.stamp(stampTxEnd)
		err := s.line.Drain()

		s.mu.Lock()
		s.stampLocked(stampDrained)
		if err != nil && s.txErr == nil {
			s.txErr = err
		}
		if s.txDone < seq {
			s.txDone = seq
		}
		s.mu.Unlock()
		signal(s.txDrained)
	}
}

func (s *Server) staleError(f *sio.CommandFrame) error {
	return errors.Wrapf(sio.ErrCommandTimeout, "stale frame #%d, current is #%d", f.Serial, s.serial)
}

// IsStale reports whether a newer frame has arrived since f.
func (s *Server) IsStale(f *sio.CommandFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return f.Serial != s.serial
}

// send queues p after at least floor has passed since the last byte on the
// wire, then waits until it has left the UART. Nothing is queued for a
// stale frame.
func (s *Server) send(ctx context.Context, f *sio.CommandFrame, floor time.Duration, p []byte) error {
	s.enter()
	defer s.stamp(stampLeave)

	s.mu.Lock()
	if f.Serial != s.serial {
		err := s.staleError(f)
		s.mu.Unlock()
		return err
	}
	if s.pause > 0 && s.exact > s.auto.Standard {
		floor += s.pause
	}
	wait := floor - time.Since(s.lastByte)
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return s.cancel(ctx)
		}
	}

	s.mu.Lock()
	if f.Serial != s.serial {
		err := s.staleError(f)
		s.mu.Unlock()
		return err
	}
	if s.tx.Free() < len(p) {
		s.mu.Unlock()
		return errors.Wrapf(sio.ErrBlockTooLong, "%d bytes", len(p))
	}
	s.tx.Write(p)
	s.txSeq++
	seq := s.txSeq
	exact := s.exact
	s.stampLocked(stampTxStart)
	s.mu.Unlock()
	signal(s.txKick)

	return s.waitDrain(ctx, seq, len(p), exact)
}

func (s *Server) waitDrain(ctx context.Context, seq uint64, n int, exact uint) error {
	timeout := sio.Timeout(n, exact, sio.TxHeadroom)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		done := s.txDone >= seq
		err := s.txErr
		s.txErr = nil
		if done {
			s.lastByte = time.Now()
		}
		s.mu.Unlock()
		if err != nil {
			return errors.Wrap(err, "transmit")
		}
		if done {
			return nil
		}
		select {
		case <-s.txDrained:
			s.stamp(stampWakeup)
		case <-timer.C:
			return errors.Wrapf(sio.ErrCommandTimeout, "%d bytes did not drain in %v", n, timeout)
		case <-ctx.Done():
			return s.cancel(ctx)
		}
	}
}

// cancel flushes both rings and the line; a half-sent frame can't be taken
// back, so the link starts over.
func (s *Server) cancel(ctx context.Context) error {
	s.mu.Lock()
	s.rx.Clear()
	s.rx.SetWakeup(-1)
	s.tx.Clear()
	s.txDone = s.txSeq
	s.mu.Unlock()
	if err := s.line.Flush(); err != nil {
		Logf("server: flush after cancel: %v", err)
	}
	return errors.Wrap(sio.ErrCancelled, ctx.Err().Error())
}

// receive waits for n bytes. With checksummed, the last of them is the
// checksum of the others and is verified in the ring before reading.
func (s *Server) receive(ctx context.Context, f *sio.CommandFrame, n int, checksummed bool) ([]byte, error) {
	s.enter()
	defer s.stamp(stampLeave)

	if n <= 0 || n > sio.MaxBlockSize+1 {
		return nil, errors.Wrapf(sio.ErrBlockTooLong, "%d bytes", n)
	}
	s.mu.Lock()
	if f.Serial != s.serial {
		err := s.staleError(f)
		s.mu.Unlock()
		return nil, err
	}
	s.rx.SetWakeup(n)
	timeout := sio.Timeout(n, s.exact, sio.RxHeadroom)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if f.Serial != s.serial {
			s.rx.SetWakeup(-1)
			err := s.staleError(f)
			s.mu.Unlock()
			return nil, err
		}
		if s.rx.Len() >= n {
			var sum byte
			if checksummed {
				sum, _ = s.rx.Checksum(n - 1)
			}
			buf := make([]byte, n)
			s.rx.Read(buf)
			s.rx.SetWakeup(-1)
			s.lastByte = time.Now()
			s.mu.Unlock()

			if checksummed {
				data := buf[:n-1]
				if sum != buf[n-1] {
					return data, errors.Wrapf(sio.ErrChecksum, "data frame checksum %02x, computed %02x", buf[n-1], sum)
				}
				return data, nil
			}
			return buf, nil
		}
		have := s.rx.Len()
		s.mu.Unlock()

		select {
		case <-s.rxReady:
			s.stamp(stampWakeup)
		case <-timer.C:
			s.mu.Lock()
			s.rx.SetWakeup(-1)
			s.mu.Unlock()
			return nil, errors.Wrapf(sio.ErrCommandTimeout, "got %d of %d bytes in %v", have, n, timeout)
		case <-ctx.Done():
			return nil, s.cancel(ctx)
		}
	}
}

func (s *Server) completeDelay() time.Duration {
	if s.cfg.SlowComplete {
		return sio.DelayCompleteSlow
	}
	return sio.DelayComplete
}

func (s *Server) SendCommandACK(ctx context.Context, f *sio.CommandFrame) error {
	return s.send(ctx, f, sio.DelayCommandACK, []byte{sio.ACK})
}

func (s *Server) SendCommandNAK(ctx context.Context, f *sio.CommandFrame) error {
	return s.send(ctx, f, sio.DelayCommandACK, []byte{sio.NAK})
}

func (s *Server) SendDataACK(ctx context.Context, f *sio.CommandFrame) error {
	return s.send(ctx, f, sio.DelayDataACK, []byte{sio.ACK})
}

func (s *Server) SendDataNAK(ctx context.Context, f *sio.CommandFrame) error {
	return s.send(ctx, f, sio.DelayDataACK, []byte{sio.NAK})
}

func (s *Server) SendComplete(ctx context.Context, f *sio.CommandFrame) error {
	return s.send(ctx, f, s.completeDelay(), []byte{sio.COMPLETE})
}

func (s *Server) SendError(ctx context.Context, f *sio.CommandFrame) error {
	return s.send(ctx, f, s.completeDelay(), []byte{sio.ERROR})
}

// SendCompleteXF and SendErrorXF always use the slow XF551 delay.
func (s *Server) SendCompleteXF(ctx context.Context, f *sio.CommandFrame) error {
	return s.send(ctx, f, sio.DelayCompleteSlow, []byte{sio.COMPLETE})
}

func (s *Server) SendErrorXF(ctx context.Context, f *sio.CommandFrame) error {
	return s.send(ctx, f, sio.DelayCompleteSlow, []byte{sio.ERROR})
}

func withChecksum(prefix []byte, data []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(data)+1)
	out = append(out, prefix...)
	out = append(out, data...)
	return append(out, sio.Checksum(data))
}

// SendDataFrame sends data and its checksum with no delay; COMPLETE must
// already have gone out.
func (s *Server) SendDataFrame(ctx context.Context, f *sio.CommandFrame, data []byte) error {
	if len(data) > sio.MaxBlockSize {
		return errors.Wrapf(sio.ErrBlockTooLong, "%d bytes", len(data))
	}
	return s.send(ctx, f, 0, withChecksum(nil, data))
}

// SendCompleteAndData sends COMPLETE and the data frame in one write, which
// keeps the gap between them well inside the window drives allow.
func (s *Server) SendCompleteAndData(ctx context.Context, f *sio.CommandFrame, data []byte) error {
	if len(data) > sio.MaxBlockSize {
		return errors.Wrapf(sio.ErrBlockTooLong, "%d bytes", len(data))
	}
	return s.send(ctx, f, s.completeDelay(), withChecksum([]byte{sio.COMPLETE}, data))
}

// ReceiveDataFrame reads n data bytes plus checksum. On a checksum
// mismatch the data is still returned along with sio.ErrChecksum.
func (s *Server) ReceiveDataFrame(ctx context.Context, f *sio.CommandFrame, n int) ([]byte, error) {
	return s.receive(ctx, f, n+1, true)
}

// SendRawFrame and ReceiveRawFrame move bytes without a checksum.
func (s *Server) SendRawFrame(ctx context.Context, f *sio.CommandFrame, data []byte) error {
	if len(data) > sio.MaxBlockSize {
		return errors.Wrapf(sio.ErrBlockTooLong, "%d bytes", len(data))
	}
	return s.send(ctx, f, 0, data)
}

func (s *Server) ReceiveRawFrame(ctx context.Context, f *sio.CommandFrame, n int) ([]byte, error) {
	return s.receive(ctx, f, n, false)
}
