package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	lru "github.com/hashicorp/golang-lru/v2"

	"transactor/pkg/domain"
)

// RetryPolicy bounds redelivery of a failing message.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRetries of zero retries until the context ends.
	MaxRetries uint64
}

// DefaultRetry grows the delay from one to ten seconds and never gives up.
var DefaultRetry = RetryPolicy{InitialInterval: time.Second, MaxInterval: 10 * time.Second}

// Deliver runs h until it succeeds, returns a non-retryable error, the
// policy is exhausted or ctx ends.
func Deliver(ctx context.Context, h Handler, msg Message, policy RetryPolicy) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = 0
	var bo backoff.BackOff = b
	if policy.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, policy.MaxRetries)
	}
	var permanent error
	err := backoff.Retry(func() error {
		err := h(ctx, msg)
		if err != nil && !Retryable(err) {
			permanent = err
			return nil
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if permanent != nil {
		return permanent
	}
	return err
}

// Retryable reports whether redelivery may help.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch domain.StatusOf(err) {
	case domain.StatusBadRequest, domain.StatusForbidden:
		return false
	}
	return true
}

// Idempotent drops messages whose id was already handled successfully.
// The most recent size ids are remembered.
func Idempotent(h Handler, size int) Handler {
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		seen, _ = lru.New[string, struct{}](1024)
	}
	return func(ctx context.Context, msg Message) error {
		if msg.ID != "" && seen.Contains(msg.ID) {
			return nil
		}
		if err := h(ctx, msg); err != nil {
			return err
		}
		if msg.ID != "" {
			seen.Add(msg.ID, struct{}{})
		}
		return nil
	}
}
