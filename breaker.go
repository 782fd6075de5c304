package watergate

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker guarding dials. Once
// ConsecutiveFailures dials fail in a row the breaker opens and dials fail
// fast with gobreaker.ErrOpenState for Timeout, after which MaxRequests
// probe dials are let through.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	MaxRequests         uint32        `yaml:"maxRequests" json:"max_requests"`
	Interval            time.Duration `yaml:"interval" json:"interval"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures" json:"consecutive_failures"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		MaxRequests:         1,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

func newDialBreaker(name string, conf BreakerConfig, log logrus.FieldLogger) *gobreaker.CircuitBreaker {
	if !conf.Enabled {
		return nil
	}

	threshold := conf.ConsecutiveFailures
	if threshold == 0 {
		threshold = 1
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: conf.MaxRequests,
		Interval:    conf.Interval,
		Timeout:     conf.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("dial circuit breaker changed state")
		},
	})
}

// breakerDialFunc routes dial through cb. A nil cb leaves dial untouched.
func breakerDialFunc(cb *gobreaker.CircuitBreaker, dial DialFunc) DialFunc {
	if cb == nil {
		return dial
	}

	return func(ctx context.Context, addr string) (net.Conn, error) {
		conn, err := cb.Execute(func() (interface{}, error) { return dial(ctx, addr) })
		if err != nil {
			return nil, err
		}
		return conn.(net.Conn), nil
	}
}
