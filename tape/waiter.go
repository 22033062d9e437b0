package tape

import (
	"context"
	"time"
)

// PreciseWaiter sleeps until Slack before the deadline and spins the rest
// of the way. It burns a core while spinning.
type PreciseWaiter struct {
	Slack time.Duration // 0 means 2ms
}

func (PreciseWaiter) Now() time.Time { return time.Now() }

func (w PreciseWaiter) WaitUntil(ctx context.Context, deadline time.Time) error {
	slack := w.Slack
	if slack <= 0 {
		slack = 2 * time.Millisecond
	}
	if d := time.Until(deadline) - slack; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return cancelled(ctx)
		}
	}
	for i := 0; time.Now().Before(deadline); i++ {
		if i&1023 == 0 && ctx.Err() != nil {
			return cancelled(ctx)
		}
	}
	return nil
}

// CoarseWaiter sleeps a millisecond at a time and polls the clock for the
// final stretch. Edges land within about a millisecond.
type CoarseWaiter struct{}

func (CoarseWaiter) Now() time.Time { return time.Now() }

func (CoarseWaiter) WaitUntil(ctx context.Context, deadline time.Time) error {
	for {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil
		}
		if left >= time.Millisecond {
			time.Sleep(time.Millisecond)
		} else {
			time.Sleep(left / 4)
		}
	}
}
