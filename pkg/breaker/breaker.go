package breaker

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

// New returns a breaker that trips after five consecutive upstream failures
// and lets a trial request through after thirty seconds. While open it fails
// fast with gobreaker.ErrOpenState, which retry treats as transient.
func New(name string, log logger.Logger) *gobreaker.CircuitBreaker {
	if log == nil {
		log = logger.NewNop()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Bad requests say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || !retry.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
}
