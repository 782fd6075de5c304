package watergate

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// RetryPolicy controls how a transport retries a failed dial. The n-th retry
// waits Interval*Multiplier^n, capped at MaxInterval, spread by ±Jitter.
// MaxAttempts counts dials, not retries; 0 retries until the transport is
// closed.
type RetryPolicy struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	MaxInterval time.Duration `yaml:"maxInterval" json:"max_interval"`
	Jitter      float64       `yaml:"jitter" json:"jitter"`
	MaxAttempts int           `yaml:"maxAttempts" json:"max_attempts"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Interval:    time.Second,
		Multiplier:  2,
		MaxInterval: 30 * time.Second,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) Validate() error {
	switch {
	case p.Interval <= 0:
		return errors.Errorf("retry interval must be positive, got %v", p.Interval)
	case p.Multiplier < 1:
		return errors.Errorf("retry multiplier must be >= 1, got %v", p.Multiplier)
	case p.MaxInterval < p.Interval:
		return errors.Errorf("retry maxInterval %v below interval %v", p.MaxInterval, p.Interval)
	case p.Jitter < 0 || p.Jitter >= 1:
		return errors.Errorf("retry jitter must be in [0, 1), got %v", p.Jitter)
	case p.MaxAttempts < 0:
		return errors.Errorf("retry maxAttempts must not be negative, got %d", p.MaxAttempts)
	}
	return nil
}

// newBackOff returns a fresh schedule for one connect. NextBackOff yields
// backoff.Stop once MaxAttempts dials have failed or ctx is done.
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Interval
	exp.Multiplier = p.Multiplier
	exp.MaxInterval = p.MaxInterval
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}
