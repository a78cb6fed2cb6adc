package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
)

// RetryPolicy bounds stage-level retries of backend calls.
type RetryPolicy struct {
	MaxRetries      int           `mapstructure:"max_retries"`    // Transient BackendUnavailable
	SchemaRetries   int           `mapstructure:"schema_retries"` // SchemaViolation
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"` // Per attempt; zero disables
}

// DefaultRetryPolicy returns two transient retries and one schema retry with
// exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      2,
		SchemaRetries:   1,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		CallTimeout:     60 * time.Second,
	}
}

// WithMaxRetries returns a copy with the transient retry budget replaced when override is set.
func (p RetryPolicy) WithMaxRetries(override *int) RetryPolicy {
	if override != nil && *override >= 0 {
		p.MaxRetries = *override
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries+p.SchemaRetries)), ctx)
}

// retryCall runs op until it succeeds, fails with an error that is not retryable, or
// exhausts the budget for its error kind. It returns the number of attempts made.
func retryCall[T any](ctx context.Context, p RetryPolicy, stage string, logger Logger, op func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	attempts := 0
	transientLeft := p.MaxRetries
	schemaLeft := p.SchemaRetries

	operation := func() (T, error) {
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}
		attempts++

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		}
		defer cancel()

		v, err := op(callCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) && failures.KindOf(err) != failures.KindBackendUnavailable {
			err = failures.Unavailable(stage, fmt.Errorf("attempt timed out: %w", err), true)
		}

		kind := failures.KindOf(err)
		switch {
		case kind == failures.KindSchemaViolation && schemaLeft > 0:
			schemaLeft--
		case kind == failures.KindBackendUnavailable && failures.IsTransient(err) && transientLeft > 0:
			transientLeft--
		default:
			return zero, backoff.Permanent(err)
		}
		observability.RecordStageRetry(stage, string(kind))
		return zero, err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn(fmt.Sprintf("%s_retry", stage),
			"attempt", attempts,
			"kind", string(failures.KindOf(err)),
			"wait_ms", wait.Milliseconds(),
			"error", err.Error(),
		)
	}

	v, err := backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
	return v, attempts, err
}
