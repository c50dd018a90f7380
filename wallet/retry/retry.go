// Package retry wraps a mint round trip with exponential backoff, per
// spec §7: a dropped connection or a mint still waiting on an invoice
// payment should not surface as a hard failure until the caller's
// retry_attempts budget is actually exhausted.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nutshell-labs/nutcore/cashu"
)

// Config mirrors spec §6's Config.{retry_attempts, retry_delay,
// operation_timeout}.
type Config struct {
	// Attempts is the total number of tries, including the first. 1 means
	// no retrying.
	Attempts int
	// Delay is the initial backoff between attempt 1 and attempt 2; later
	// intervals grow by backoff.ExponentialBackOff's default 1.5x multiplier,
	// each randomized by its default ±50% jitter.
	Delay time.Duration
	// Timeout bounds the total wall-clock time spent across every attempt.
	// Zero means unbounded.
	Timeout time.Duration
}

// DefaultConfig matches spec §6's stated defaults.
func DefaultConfig() Config {
	return Config{Attempts: 3, Delay: time.Second, Timeout: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Delay <= 0 {
		c.Delay = d.Delay
	}
	return c
}

// Do runs op, retrying with exponential backoff on a transient error up to
// cfg.Attempts times (bounded overall by cfg.Timeout). An error that
// Retryable rejects is wrapped in backoff.Permanent by Do itself and is
// returned without further attempts.
func Do(cfg Config, op func() error) error {
	cfg = cfg.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.Delay
	eb.MaxElapsedTime = cfg.Timeout

	b := backoff.BackOff(backoff.WithMaxRetries(eb, uint64(cfg.Attempts-1)))
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// Retryable reports whether err is worth retrying. A transport-level error
// (anything that isn't a *cashu.Error the mint sent back deliberately) is
// always retryable. Among mint-issued errors, only ones describing a state
// the mint may resolve on its own — an unpaid quote the wallet is polling,
// or a melt quote the mint still has pending with its Lightning backend —
// are retried; a decision the mint has already committed to, like a
// double-spent proof or a blinded message it already signed, never
// becomes true by trying again.
func Retryable(err error) bool {
	cashuErr, ok := err.(*cashu.Error)
	if !ok {
		if cashuErr2, ok2 := err.(cashu.Error); ok2 {
			cashuErr = &cashuErr2
			ok = true
		}
	}
	if !ok {
		return true
	}

	switch cashuErr.Code {
	case cashu.MintQuoteRequestNotPaidErrCode, cashu.MeltQuotePendingErrCode:
		return true
	default:
		return false
	}
}
