package core

import (
	"context"
	"sync"

	"transactor/pkg/domain"
)

type sessionKey struct{}

// SessionData travels on the context of every pipeline call.
type SessionData struct {
	Account   domain.Account
	SessionID string
	// Depth counts trigger derivation levels below the client call.
	Depth     int
	IsAsync   bool
	IsTrigger bool

	call *callScope
}

// AsyncRequest is an async trigger invocation queued by a call. Run
// computes the derived transactions; the pipeline commits them.
type AsyncRequest struct {
	Trigger domain.Ref
	Run     func(ctx context.Context) ([]domain.Tx, error)
}

type callScope struct {
	mu        sync.Mutex
	broadcast []domain.TxOutcome
	removed   map[domain.Ref]domain.Doc
	fx        []func(ctx context.Context) error
	async     []AsyncRequest
}

func newCallScope() *callScope {
	return &callScope{removed: make(map[domain.Ref]domain.Doc)}
}

// WithSession attaches sd to ctx.
func WithSession(ctx context.Context, sd *SessionData) context.Context {
	return context.WithValue(ctx, sessionKey{}, sd)
}

// SessionFrom returns the session data carried by ctx.
func SessionFrom(ctx context.Context) (*SessionData, bool) {
	sd, ok := ctx.Value(sessionKey{}).(*SessionData)
	return sd, ok && sd != nil
}

// SystemSession returns session data for server-initiated calls.
func SystemSession() *SessionData {
	return &SessionData{Account: domain.SystemAccount, SessionID: "system"}
}

func (sd *SessionData) withCall(call *callScope) *SessionData {
	cp := *sd
	cp.call = call
	return &cp
}

func (sd *SessionData) scope() *callScope {
	if sd.call == nil {
		sd.call = newCallScope()
	}
	return sd.call
}

// Derive returns session data for transactions derived by a trigger. The
// call scope is shared so derived changes broadcast with the originating
// batch.
func (sd *SessionData) Derive() *SessionData {
	cp := *sd
	cp.Depth++
	cp.IsTrigger = true
	cp.call = sd.scope()
	return &cp
}

// Defer registers fn to run once the call committed and released the lock.
func (sd *SessionData) Defer(fn func(ctx context.Context) error) {
	c := sd.scope()
	c.mu.Lock()
	c.fx = append(c.fx, fn)
	c.mu.Unlock()
}

// AddBroadcast queues committed outcomes for delivery.
func (sd *SessionData) AddBroadcast(outcomes ...domain.TxOutcome) {
	c := sd.scope()
	c.mu.Lock()
	c.broadcast = append(c.broadcast, outcomes...)
	c.mu.Unlock()
}

// AddAsync queues an async trigger invocation.
func (sd *SessionData) AddAsync(req AsyncRequest) {
	c := sd.scope()
	c.mu.Lock()
	c.async = append(c.async, req)
	c.mu.Unlock()
}

// MarkRemoved records a document removed during the call.
func (sd *SessionData) MarkRemoved(doc domain.Doc) {
	c := sd.scope()
	c.mu.Lock()
	c.removed[doc.ID] = doc
	c.mu.Unlock()
}

// Removed returns the documents removed so far in the call.
func (sd *SessionData) Removed() map[domain.Ref]domain.Doc {
	c := sd.scope()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.Ref]domain.Doc, len(c.removed))
	for id, doc := range c.removed {
		out[id] = doc
	}
	return out
}

func (c *callScope) take() ([]domain.TxOutcome, []func(ctx context.Context) error, []AsyncRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, fx, async := c.broadcast, c.fx, c.async
	c.broadcast, c.fx, c.async = nil, nil, nil
	return b, fx, async
}
