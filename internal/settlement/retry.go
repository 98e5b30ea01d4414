package settlement

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"rentescrow/internal/payerr"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 3 * time.Second
)

// RetryPolicy bounds ValidateWithRetry. Both values are fixed configuration.
type RetryPolicy struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// AttemptFunc observes each validation call; err is nil on success.
type AttemptFunc func(attempt int, err error)

// Retrier wraps a Validator with a fixed-delay retry for indexing lag.
type Retrier struct {
	validator Validator
	policy    RetryPolicy
	logger    *zap.Logger
	onAttempt AttemptFunc
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewRetrier(v Validator, policy RetryPolicy, logger *zap.Logger, onAttempt AttemptFunc) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.RetryDelay < 0 {
		policy.RetryDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		validator: v,
		policy:    policy,
		logger:    logger,
		onAttempt: onAttempt,
		sleep:     sleepCtx,
	}
}

// ValidateWithRetry calls Validate up to MaxAttempts times. Only retryable
// failures, or unclassified ones reporting the transaction as not found, are
// retried.
func (r *Retrier) ValidateWithRetry(ctx context.Context, req Request, bearer string) (*Record, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		record, err := r.validator.Validate(ctx, req, bearer)
		if r.onAttempt != nil {
			r.onAttempt(attempt, err)
		}
		if err == nil {
			return record, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return nil, err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		r.logger.Warn("settlement validation failed, retrying",
			zap.String("booking_id", req.BookingID),
			zap.String("tx_hash", req.TransactionHash),
			zap.Int("attempt", attempt),
			zap.Duration("delay", r.policy.RetryDelay),
			zap.Error(err),
		)
		if err := r.sleep(ctx, r.policy.RetryDelay); err != nil {
			return nil, payerr.WithCause(payerr.CodeValidationFailed, true,
				"Your payment was sent but could not be confirmed yet. Please try again shortly.",
				err).WithTransaction(req.TransactionHash)
		}
	}
	return nil, lastErr
}

// shouldRetry trusts a PaymentError's classification and falls back to the
// "transaction not found" message only for unclassified errors.
func shouldRetry(err error) bool {
	if pe, ok := payerr.As(err); ok {
		return pe.Retryable
	}
	return strings.Contains(strings.ToLower(err.Error()), "transaction not found")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
