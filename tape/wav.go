package tape

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/youpy/go-wav"
)

// Sample levels written for mark and space.
const (
	MarkLevel  = 16000
	SpaceLevel = -16000
)

type edge struct {
	at    time.Duration
	space bool
}

// WavLine is a BreakLine and Waiter on a virtual clock: instead of
// toggling a UART it records the levels, and WriteWav renders them as a
// mono 16-bit WAV.
type WavLine struct {
	Rate uint32 // samples per second; 0 means 44100

	epoch time.Time
	now   time.Duration
	edges []edge
}

func NewWavLine(rate uint32) *WavLine {
	if rate == 0 {
		rate = 44100
	}
	return &WavLine{Rate: rate, epoch: time.Unix(0, 0)}
}

func (l *WavLine) SetBreak(on bool) error {
	if n := len(l.edges); n > 0 && l.edges[n-1].space == on {
		return nil
	}
	l.edges = append(l.edges, edge{at: l.now, space: on})
	return nil
}

func (l *WavLine) Now() time.Time { return l.epoch.Add(l.now) }

func (l *WavLine) WaitUntil(ctx context.Context, deadline time.Time) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	if d := deadline.Sub(l.epoch); d > l.now {
		l.now = d
	}
	return nil
}

// Duration is how much signal has been recorded.
func (l *WavLine) Duration() time.Duration { return l.now }

func (l *WavLine) samples() []wav.Sample {
	n := int(int64(l.now) * int64(l.Rate) / int64(time.Second))
	out := make([]wav.Sample, n)
	space := false
	next := 0
	for i := range out {
		at := time.Duration(int64(i) * int64(time.Second) / int64(l.Rate))
		for next < len(l.edges) && l.edges[next].at <= at {
			space = l.edges[next].space
			next++
		}
		if space {
			out[i].Values[0] = SpaceLevel
		} else {
			out[i].Values[0] = MarkLevel
		}
	}
	return out
}

// WriteWav writes the recording as a WAV file.
func (l *WavLine) WriteWav(w io.Writer) error {
	s := l.samples()
	enc := wav.NewWriter(w, uint32(len(s)), 1, l.Rate, 16)
	if enc == nil {
		return errors.New("tape: bad parameters for wav encoding")
	}
	return errors.Wrap(enc.WriteSamples(s), "tape: write wav")
}
