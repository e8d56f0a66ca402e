package triton

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryBackoff is the pause between resubmissions of rejected records.
const DefaultRetryBackoff = 100 * time.Millisecond

// RetryPolicy bounds how long rejected records are resubmitted.
//
// The wait between attempts is constant. MaxRetries and MaxElapsed are
// ceilings; whichever trips first ends the retries. Leaving both at zero
// retries until the service accepts everything.
type RetryPolicy struct {
	Backoff    time.Duration `yaml:"backoff"`
	MaxRetries uint64        `yaml:"max_retries"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// DefaultRetryPolicy waits 100ms between attempts and gives up after two
// minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:    DefaultRetryBackoff,
		MaxElapsed: 2 * time.Minute,
	}
}

func (p RetryPolicy) interval() time.Duration {
	if p.Backoff <= 0 {
		return DefaultRetryBackoff
	}
	return p.Backoff
}

// newBackOff builds a fresh backoff for one group or chunk. Callers must not
// share the result.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.interval()
	eb.MaxInterval = p.interval()
	eb.Multiplier = 1
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = p.MaxElapsed

	var b backoff.BackOff = eb
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	b.Reset()
	return b
}
