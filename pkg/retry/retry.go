package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

// Policy bounds how often and how fast a Unit retries.
type Policy struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// DefaultPolicy is three attempts, 500ms doubling, capped at 8s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Multiplier:  2,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Error is returned once a Unit gives up on an operation.
type Error struct {
	Op       string
	Attempts int
	// Terminal is set when the failure was not retryable, as opposed to an
	// exhausted retry budget.
	Terminal bool
	Err      error
}

func (e *Error) Error() string {
	if e.Terminal {
		return fmt.Sprintf("%s failed terminally after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Exhausted reports whether err is a retry.Error caused by running out of attempts.
func Exhausted(err error) bool {
	var re *Error
	return errors.As(err, &re) && !re.Terminal
}

// Permanent marks err as terminal: it will not consume retry budget.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsRetryable classifies err. Anything not explicitly marked permanent and
// not a cancellation is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) && perm.Err != nil {
		return perm.Err
	}
	return err
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option customises a Unit.
type Option func(*Unit)

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(u *Unit) {
		if fn != nil {
			u.sleep = fn
		}
	}
}

// WithClock replaces time.Now for latency accounting.
func WithClock(now func() time.Time) Option {
	return func(u *Unit) {
		if now != nil {
			u.now = now
		}
	}
}

// Unit runs operations under a retry policy and keeps per-operation metrics.
// It is safe for concurrent use.
type Unit struct {
	name   string
	policy Policy
	log    logger.Logger
	sleep  SleepFunc
	now    func() time.Time

	mu  sync.Mutex
	ops map[string]*OpMetrics
}

// New creates a Unit named after the stage that owns it.
func New(name string, policy Policy, log logger.Logger, opts ...Option) *Unit {
	if log == nil {
		log = logger.NewNop()
	}
	u := &Unit{
		name:   name,
		policy: policy.normalized(),
		log:    log.Named("retry"),
		sleep:  sleepContext,
		now:    time.Now,
		ops:    make(map[string]*OpMetrics),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Name returns the owning stage name.
func (u *Unit) Name() string { return u.name }

// Policy returns the normalized policy in effect.
func (u *Unit) Policy() Policy { return u.policy }

// Execute runs fn until it succeeds, fails terminally or the attempt budget
// is spent.
func (u *Unit) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, u, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, u *Unit, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := u.now()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     u.policy.BaseDelay,
		RandomizationFactor: u.policy.Jitter,
		Multiplier:          u.policy.Multiplier,
		MaxInterval:         u.policy.MaxDelay,
	}
	b.Reset()

	attempts := 0
	var lastErr error
	for attempts < u.policy.MaxAttempts {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		attempts++
		u.recordAttempt(op)

		val, err := fn(ctx)
		if err == nil {
			u.recordDone(op, attempts, true, u.now().Sub(start))
			return val, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			u.log.Error("Operation failed terminally",
				logger.String("unit", u.name),
				logger.String("op", op),
				logger.Int("attempt", attempts),
				logger.Error(err),
			)
			u.recordDone(op, attempts, false, u.now().Sub(start))
			return zero, &Error{Op: op, Attempts: attempts, Terminal: true, Err: unwrapPermanent(err)}
		}

		u.log.Warn("Operation attempt failed",
			logger.String("unit", u.name),
			logger.String("op", op),
			logger.Int("attempt", attempts),
			logger.Int("maxAttempts", u.policy.MaxAttempts),
			logger.Error(err),
		)

		if attempts >= u.policy.MaxAttempts {
			break
		}
		if err := u.sleep(ctx, b.NextBackOff()); err != nil {
			lastErr = err
			break
		}
	}

	u.recordDone(op, attempts, false, u.now().Sub(start))
	return zero, &Error{Op: op, Attempts: attempts, Terminal: ctx.Err() != nil, Err: lastErr}
}
