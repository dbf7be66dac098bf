package replicate

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Run polls forever. A failed poll is mailed to the administrator and
// doubles the wait before the next attempt; the first success resets
// the cadence to the configured poll period. Returns only when the
// context is cancelled.
func (r *Replicator) Run(ctx context.Context, pollPeriod time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pollPeriod
	b.Multiplier = 2
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()

	wait := pollPeriod
	for {
		err := r.PollOnce(ctx)
		if err != nil {
			r.logf(863)
			wait = b.NextBackOff()
			if mailErr := r.mail.PollFailed(err, wait.String()); mailErr != nil && r.log != nil {
				r.log.Infof("could not mail the poll failure report: %v", mailErr)
			}
		} else {
			b.Reset()
			wait = pollPeriod
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
