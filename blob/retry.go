package blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the exponential backoff applied to blob operations.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a zero policy is given.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Retrying wraps a Store and retries transient failures. Missing blobs and
// context cancellation are never retried.
type Retrying struct {
	inner  Store
	policy RetryPolicy
	logger *slog.Logger
}

var _ Store = (*Retrying)(nil)

func NewRetrying(inner Store, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Retrying{inner: inner, policy: policy, logger: logger.With("component", "blob-retry")}
}

// Unwrap returns the wrapped store.
func (r *Retrying) Unwrap() Store { return r.inner }

func (r *Retrying) Put(ctx context.Context, name string, data []byte) error {
	_, err := retry(ctx, r, "put", name, func() (struct{}, error) {
		return struct{}{}, r.inner.Put(ctx, name, data)
	})
	return err
}

func (r *Retrying) Get(ctx context.Context, name string) ([]byte, error) {
	return retry(ctx, r, "get", name, func() ([]byte, error) {
		return r.inner.Get(ctx, name)
	})
}

func (r *Retrying) List(ctx context.Context, dir string) ([]string, error) {
	return retry(ctx, r, "list", dir, func() ([]string, error) {
		return r.inner.List(ctx, dir)
	})
}

func (r *Retrying) Delete(ctx context.Context, name string) error {
	_, err := retry(ctx, r, "delete", name, func() (struct{}, error) {
		return struct{}{}, r.inner.Delete(ctx, name)
	})
	return err
}

func retry[T any](ctx context.Context, r *Retrying, op, name string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Blob operation failed, retrying", "op", op, "name", name, "error", err, "next_retry", next)
		}),
	)
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
