package bringup

import (
	"context"
	"errors"
	"time"

	"github.com/calvinmclean/sinevel/clock"
)

// ErrWaitTimeout is returned by WaitFor when the predicate did not become true in time
var ErrWaitTimeout = errors.New("timed out waiting")

// WaitFor polls pred until it returns true, it fails, or more than timeout has elapsed on clk since
// the call started. The deadline is checked on every iteration with no sleep in between. A done
// ctx stops the wait with ctx.Err()
func WaitFor(ctx context.Context, clk clock.Clock, timeout time.Duration, pred func() (bool, error)) error {
	limit := float64(timeout) / float64(time.Millisecond)
	start := clk.NowMillis()

	for {
		ok, err := pred()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if clk.NowMillis()-start > limit {
			return ErrWaitTimeout
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
