// Package retry implements the bounded-retry helper used throughout the
// Repository Synchronizer (spec §4.4): run a callback up to `tries` times,
// sleeping a fixed delay between attempts, logging each failure.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mozilla-conduit/git-hg-sync/pkg/log"
	"github.com/mozilla-conduit/git-hg-sync/pkg/metrics"
)

// Callback is the unit of work retried by Do. Implementations must bind
// any loop-scoped arguments at the call site (e.g. via a closure created
// fresh for each callback) — Do itself only ever invokes the single
// Callback value it is given, so it cannot protect a caller whose closure
// captures a variable that changes before the callback runs.
type Callback func() error

// Option configures a single Do invocation.
type Option struct {
	Tries int
	Delay time.Duration

	// NonRetryable, if set, is consulted on every callback failure. When it
	// reports true, Do stops immediately and returns that error unwrapped
	// instead of retrying — for failures that indicate a configuration or
	// ordering bug rather than a transient fault (spec §4.3.10).
	NonRetryable func(error) bool
}

// Default mirrors the source tool's defaults: two attempts, a quarter
// second apart.
func Default() Option {
	return Option{Tries: 2, Delay: 250 * time.Millisecond}
}

// Do runs callback up to opt.Tries times. On a non-final failure it logs a
// warning naming the attempt number and sleeps opt.Delay before retrying.
// On the final failure it logs an error, with the action label, and
// returns the last error as is.
func Do(action string, opt Option, callback Callback) error {
	if opt.Tries <= 0 {
		opt.Tries = 1
	}

	logger := log.WithComponent("retry")
	logger.Debug().Str("action", action).Msg("starting")

	b := backoff.WithMaxRetries(
		&constantBackOff{delay: opt.Delay},
		uint64(opt.Tries-1),
	)

	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			err := callback()
			if err != nil && opt.NonRetryable != nil && opt.NonRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		b,
		func(err error, _ time.Duration) {
			metrics.RetryAttemptsTotal.WithLabelValues(action).Inc()
			logger.Warn().
				Err(err).
				Str("action", action).
				Int("attempt", attempt).
				Int("tries", opt.Tries).
				Msg("attempt failed, retrying")
			if opt.Delay > 0 {
				time.Sleep(opt.Delay)
			}
		},
	)
	if err != nil {
		logger.Error().
			Err(err).
			Str("action", action).
			Int("attempt", attempt).
			Int("tries", opt.Tries).
			Msg("final attempt failed, aborting")
		return err
	}
	return nil
}

// constantBackOff is a backoff.BackOff that always waits the same delay.
// backoff.RetryNotify handles the sleep itself once NextBackOff returns a
// positive duration; we additionally sleep inside the notify callback
// above to match the source tool's log-then-sleep ordering exactly, so we
// report a zero interval here and let our own sleep do the waiting.
type constantBackOff struct {
	delay time.Duration
}

func (c *constantBackOff) NextBackOff() time.Duration { return 0 }
func (c *constantBackOff) Reset()                     {}
