package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/focuskit/focusd/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrOperationInFlight reports that this operation id is already being
// retried; the duplicate attempt is dropped rather than applied twice.
var ErrOperationInFlight = errors.New("operation already in flight")

// RetryPolicy bounds remote write attempts.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy matches the protocol default of three fixed-delay
// attempts.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Delay: time.Second}

// retryExecutor runs remote operations under a retry policy. Each logical
// operation carries an id; a second caller with the same id while the first
// is still retrying gets ErrOperationInFlight instead of a duplicate apply.
type retryExecutor struct {
	policy RetryPolicy
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func newRetryExecutor(policy RetryPolicy, logger zerolog.Logger) *retryExecutor {
	if policy.MaxAttempts < 1 {
		policy = DefaultRetryPolicy
	}
	return &retryExecutor{
		policy:   policy,
		logger:   logger.With().Str("component", "retry").Logger(),
		inflight: make(map[string]struct{}),
	}
}

// Do runs fn with bounded retries. op names the operation for logs and
// metrics; opID identifies this particular invocation.
func (e *retryExecutor) Do(ctx context.Context, op, opID string, fn func(ctx context.Context) error) error {
	e.mu.Lock()
	if _, busy := e.inflight[opID]; busy {
		e.mu.Unlock()
		return ErrOperationInFlight
	}
	e.inflight[opID] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, opID)
		e.mu.Unlock()
	}()

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && attempt < e.policy.MaxAttempts {
			metrics.RemoteRetries.WithLabelValues(op).Inc()
			e.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Remote operation failed, retrying")
		}
		return err
	}

	schedule := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.policy.Delay), uint64(e.policy.MaxAttempts-1)),
		ctx,
	)

	if err := backoff.Retry(operation, schedule); err != nil {
		metrics.RemoteFailures.WithLabelValues(op).Inc()
		return err
	}
	return nil
}
