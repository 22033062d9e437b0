// Package tape sends cassette data: FSK bit streams made by toggling the
// break condition, and plain bytes at tape speed.
package tape

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/sio"
)

var Logf = log.Printf

// DelayUnit is the resolution of an FSK duration list.
const DelayUnit = 100 * time.Microsecond

// BreakLine is all SendFSK needs from a line. Break on is a space (0),
// break off is a mark (1).
type BreakLine interface {
	SetBreak(on bool) error
}

// Waiter supplies the clock the FSK deadlines are measured on.
type Waiter interface {
	Now() time.Time
	WaitUntil(ctx context.Context, deadline time.Time) error
}

// SendFSK holds each level for delays[i] units, starting with a space and
// alternating. Deadlines are absolute from the start so scheduling jitter
// does not add up. The line is left at mark whatever happens.
func SendFSK(ctx context.Context, line BreakLine, delays []uint16, w Waiter) (err error) {
	if len(delays) == 0 {
		return nil
	}
	defer func() {
		if e := line.SetBreak(false); e != nil && err == nil {
			err = errors.Wrap(e, "fsk: restore mark")
		}
	}()

	start := w.Now()
	var elapsed time.Duration
	space := true
	for i, d := range delays {
		if err := line.SetBreak(space); err != nil {
			return errors.Wrapf(err, "fsk: edge %d", i)
		}
		elapsed += time.Duration(d) * DelayUnit
		if err := w.WaitUntil(ctx, start.Add(elapsed)); err != nil {
			return err
		}
		space = !space
	}
	return nil
}

func cancelled(ctx context.Context) error {
	return errors.Wrap(sio.ErrCancelled, ctx.Err().Error())
}
