// Package supervisor restarts the main indexing loop after it returns an
// error, applying a fixed restart backoff schedule. Every piece of
// state the loop depends on is reconstructed from the database on restart,
// so a crash mid-batch is always safe to retry.
package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// backoffDelays is the restart delay schedule; the last value repeats.
var backoffDelays = []time.Duration{
	5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second, 60 * time.Second,
}

func delayFor(attempt int) time.Duration {
	if attempt < len(backoffDelays) {
		return backoffDelays[attempt]
	}
	return backoffDelays[len(backoffDelays)-1]
}

// Run calls run in a loop, restarting it with backoff whenever it returns a
// non-nil error, until ctx is cancelled. Each restart cycle gets its own
// correlation ID, passed to run via cycleLog, so operators can group every
// log line for one crash episode — not just the failure that ends it.
func Run(ctx context.Context, log *zap.Logger, run func(context.Context, *zap.Logger) error) {
	attempt := 0
	for {
		cycleID := uuid.NewString()
		cycleLog := log.With(zap.String("restart_cycle_id", cycleID))

		err := run(ctx, cycleLog)
		if err == nil || ctx.Err() != nil {
			return
		}

		delay := delayFor(attempt)
		cycleLog.Error("indexing loop failed, restarting after backoff",
			zap.Error(err), zap.Duration("backoff", delay), zap.Int("attempt", attempt+1))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
		attempt++
	}
}
