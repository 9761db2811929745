package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"transactor/internal/infra/persistence/memory"
	"transactor/pkg/domain"
	"transactor/pkg/pluginapi"
)

const classIssue domain.Ref = "tracker:class:Issue"

func testHierarchy() *domain.Hierarchy {
	h := domain.NewCoreHierarchy()
	h.MustAddClass(domain.Class{ID: classIssue, Extends: domain.ClassDoc})
	return h
}

// storeLink commits through the adapter and queues the outcomes for
// broadcast.
type storeLink struct {
	adapter domain.DbAdapter
	closed  bool
}

func (s *storeLink) Tx(ctx context.Context, txes []domain.Tx) (TxResult, error) {
	outcomes, err := s.adapter.Tx(ctx, txes...)
	if err != nil {
		return TxResult{}, err
	}
	if sd, ok := SessionFrom(ctx); ok {
		sd.AddBroadcast(outcomes...)
	}
	return TxResult{Outcomes: outcomes}, nil
}

func (s *storeLink) FindAll(ctx context.Context, class domain.Ref, q domain.Query, opts *domain.FindOptions) ([]domain.Doc, error) {
	return s.adapter.FindAll(ctx, class, q, opts)
}

func (s *storeLink) Close(context.Context) error {
	s.closed = true
	return nil
}

func storeCreator(link *storeLink) MiddlewareCreator {
	return func(_ context.Context, pc *PipelineContext, _ Middleware) (Middleware, error) {
		link.adapter = pc.Adapter
		return link, nil
	}
}

// hookLink runs fn after next committed.
type hookLink struct {
	Base
	fn func(ctx context.Context, res TxResult) error
}

func (h *hookLink) Tx(ctx context.Context, txes []domain.Tx) (TxResult, error) {
	res, err := h.Next.Tx(ctx, txes)
	if err != nil {
		return res, err
	}
	return res, h.fn(ctx, res)
}

func hookCreator(fn func(ctx context.Context, res TxResult) error) MiddlewareCreator {
	return func(_ context.Context, _ *PipelineContext, next Middleware) (Middleware, error) {
		return &hookLink{Base: Base{Next: next}, fn: fn}, nil
	}
}

type broadcastLog struct {
	mu     sync.Mutex
	events []BroadcastEvent
}

func (b *broadcastLog) sink(_ context.Context, ev BroadcastEvent) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *broadcastLog) snapshot() []BroadcastEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BroadcastEvent(nil), b.events...)
}

func newTestContext(t *testing.T) (*PipelineContext, *broadcastLog) {
	t.Helper()
	h := testHierarchy()
	opts := DefaultOptions()
	opts.AsyncBackoff = time.Millisecond
	pc := NewPipelineContext("ws-1", h, memory.NewStore(h), pluginapi.NewResources(), opts)
	log := &broadcastLog{}
	pc.Broadcast = log.sink
	return pc, log
}

func userCtx(account domain.Ref) context.Context {
	return WithSession(context.Background(), &SessionData{
		Account:   domain.Account{UUID: account, Role: domain.RoleUser, SocialID: account},
		SessionID: "session-" + string(account),
	})
}
