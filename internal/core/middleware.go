// Package core runs workspace transactions through an ordered middleware
// chain under a per-workspace lock, fans committed changes out to the
// broadcast sink and drives the trigger engine.
package core

import (
	"context"
	"errors"

	"transactor/pkg/domain"
)

// Middleware is one link of the pipeline chain.
type Middleware interface {
	Tx(ctx context.Context, txes []domain.Tx) (TxResult, error)
	FindAll(ctx context.Context, class domain.Ref, query domain.Query, opts *domain.FindOptions) ([]domain.Doc, error)
	Close(ctx context.Context) error
}

// MiddlewareCreator builds a middleware in front of next.
type MiddlewareCreator func(ctx context.Context, pc *PipelineContext, next Middleware) (Middleware, error)

// TxResult is what a chain call committed. Skipped lists apply-if groups
// whose predicates failed.
type TxResult struct {
	Outcomes []domain.TxOutcome
	Skipped  []domain.Ref
}

// Merge appends other to r.
func (r *TxResult) Merge(other TxResult) {
	r.Outcomes = append(r.Outcomes, other.Outcomes...)
	r.Skipped = append(r.Skipped, other.Skipped...)
}

// Find returns the outcome of the tx with id.
func (r TxResult) Find(id domain.Ref) (domain.TxOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Tx.Header().ID == id {
			return o, true
		}
	}
	return domain.TxOutcome{}, false
}

// Base forwards every call to Next. Middlewares embed it and override what
// they intercept.
type Base struct {
	Next Middleware
}

// Tx forwards to Next.
func (b Base) Tx(ctx context.Context, txes []domain.Tx) (TxResult, error) {
	if b.Next == nil {
		return TxResult{}, nil
	}
	return b.Next.Tx(ctx, txes)
}

// FindAll forwards to Next.
func (b Base) FindAll(ctx context.Context, class domain.Ref, query domain.Query, opts *domain.FindOptions) ([]domain.Doc, error) {
	if b.Next == nil {
		return nil, nil
	}
	return b.Next.FindAll(ctx, class, query, opts)
}

// Close is a no-op; the pipeline closes every link itself.
func (Base) Close(context.Context) error { return nil }

// Committed reports whether a chain error still means the batch was
// stored: nil or a sync trigger failure.
func Committed(err error) bool {
	if err == nil {
		return true
	}
	var te *TriggerError
	return errors.As(err, &te)
}
