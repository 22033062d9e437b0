package server

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/sio"
)

type WaitResult int

const (
	WaitTimeout WaitResult = iota
	FrameReady
	OtherReady
)

func (w WaitResult) String() string {
	switch w {
	case FrameReady:
		return "FrameReady"
	case OtherReady:
		return "OtherReady"
	}
	return "WaitTimeout"
}

// WaitCommandFrame blocks until a command frame is available, other is
// readable, or timeout passes. other may be nil. Calling it also tells the
// engine the previous frame is finished with.
func (s *Server) WaitCommandFrame(ctx context.Context, timeout time.Duration, other <-chan struct{}) (WaitResult, error) {
	s.mu.Lock()
	s.busy = false
	ready := s.pending != nil
	s.mu.Unlock()
	if ready {
		return FrameReady, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.frameReady:
			s.mu.Lock()
			ready = s.pending != nil
			s.mu.Unlock()
			if ready {
				return FrameReady, nil
			}
		case <-other:
			return OtherReady, nil
		case <-timer.C:
			return WaitTimeout, nil
		case <-ctx.Done():
			return WaitTimeout, s.cancel(ctx)
		}
	}
}

// GetCommandFrame hands out the pending frame exactly once.
func (s *Server) GetCommandFrame() (*sio.CommandFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil, sio.ErrNoFrame
	}
	f := *s.pending
	s.pending = nil
	s.missed = 0
	s.busy = true
	return &f, nil
}

// NextCommandFrame waits in CommandFrameWait slices until a current frame
// is available or ctx ends.
func (s *Server) NextCommandFrame(ctx context.Context) (*sio.CommandFrame, error) {
	for {
		res, err := s.WaitCommandFrame(ctx, sio.CommandFrameWait, nil)
		if err != nil {
			return nil, err
		}
		if res != FrameReady {
			continue
		}
		f, err := s.GetCommandFrame()
		if errors.Cause(err) == sio.ErrNoFrame {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.IsStale(f) {
			if s.cfg.Debug > 0 {
				Logf("server: skipping stale frame %v", f)
			}
			continue
		}
		return f, nil
	}
}
