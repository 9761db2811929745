package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"transactor/pkg/domain"
	"transactor/pkg/queue"
)

// Pipeline is the middleware chain of one workspace. Tx calls are
// serialized by a workspace mutex held from the first middleware through
// the broadcast enqueue.
type Pipeline struct {
	pc    *PipelineContext
	head  Middleware
	chain []Middleware

	mu sync.Mutex

	stateMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	async    sync.WaitGroup

	asyncCtx    context.Context
	cancelAsync context.CancelFunc
}

// CreatePipeline builds the chain tail to head: the last creator sits next
// to storage. A creator may return next unchanged to stay out of the chain.
func CreatePipeline(ctx context.Context, creators []MiddlewareCreator, pc *PipelineContext) (*Pipeline, error) {
	var next Middleware
	var chain []Middleware
	for i := len(creators) - 1; i >= 0; i-- {
		m, err := creators[i](ctx, pc, next)
		if err != nil {
			for _, built := range chain {
				_ = built.Close(ctx)
			}
			return nil, err
		}
		if m != next {
			chain = append(chain, m)
		}
		next = m
	}
	if next == nil {
		return nil, errors.New("pipeline requires at least one middleware")
	}
	pc.Head = next
	if pc.Derived == nil {
		pc.Derived = next
	}
	asyncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Pipeline{pc: pc, head: next, chain: chain, asyncCtx: asyncCtx, cancelAsync: cancel}, nil
}

// MarkDerivedEntry records next as the entry point for trigger output.
func MarkDerivedEntry(_ context.Context, pc *PipelineContext, next Middleware) (Middleware, error) {
	pc.Derived = next
	return next, nil
}

// Context returns the pipeline context.
func (p *Pipeline) Context() *PipelineContext { return p.pc }

// Tx runs txes through the chain on behalf of the session on ctx.
// A *TriggerError result means the batch committed and was broadcast but a
// sync trigger failed.
func (p *Pipeline) Tx(ctx context.Context, txes []domain.Tx) (TxResult, error) {
	sd, ok := SessionFrom(ctx)
	if !ok {
		return TxResult{}, domain.BadRequest("transaction without session data")
	}
	p.stateMu.RLock()
	if p.closed {
		p.stateMu.RUnlock()
		return TxResult{}, domain.ConnectionClosed("workspace pipeline is closed")
	}
	p.inflight.Add(1)
	p.stateMu.RUnlock()
	defer p.inflight.Done()

	started := time.Now()
	res, err := p.run(ctx, sd.withCall(newCallScope()), p.head, txes)
	p.pc.Metrics.Observe(ctx, "tx", err == nil, time.Since(started))
	return res, err
}

func (p *Pipeline) run(ctx context.Context, sd *SessionData, entry Middleware, txes []domain.Tx) (TxResult, error) {
	ctx = WithSession(ctx, sd)
	p.mu.Lock()
	res, err := entry.Tx(ctx, txes)
	if !Committed(err) {
		p.mu.Unlock()
		return TxResult{}, err
	}
	outcomes, fx, async := sd.call.take()
	p.emit(ctx, sd, outcomes)
	p.mu.Unlock()

	p.runEffects(ctx, fx)
	for _, req := range async {
		p.scheduleAsync(sd, req)
	}
	return res, err
}

func (p *Pipeline) emit(ctx context.Context, sd *SessionData, outcomes []domain.TxOutcome) {
	if len(outcomes) == 0 || p.pc.Broadcast == nil {
		return
	}
	p.pc.Broadcast(ctx, BroadcastEvent{
		Workspace: p.pc.Workspace,
		SessionID: sd.SessionID,
		Account:   sd.Account,
		Outcomes:  outcomes,
	})
}

func (p *Pipeline) runEffects(ctx context.Context, fx []func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	for _, fn := range fx {
		if err := fn(ctx); err != nil {
			p.pc.Logger.Warnw("deferred side effect failed", "workspace", p.pc.Workspace, "error", err)
		}
	}
}

func (p *Pipeline) scheduleAsync(origin *SessionData, req AsyncRequest) {
	sd := origin.Derive()
	sd.IsAsync = true
	p.async.Add(1)
	go func() {
		defer p.async.Done()
		p.runAsync(sd, req)
	}()
}

func (p *Pipeline) runAsync(sd *SessionData, req AsyncRequest) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.pc.Options.AsyncBackoff
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(b, p.pc.Options.AsyncRetries), p.asyncCtx)

	var permanent error
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := p.asyncOnce(sd, req)
		if err != nil && !retryableAsync(err) {
			permanent = err
			return nil
		}
		if err != nil {
			p.pc.Logger.Debugw("async trigger attempt failed", "trigger", req.Trigger, "attempt", attempt, "error", err)
		}
		return err
	}, bo)
	if permanent != nil {
		err = permanent
	}
	if err != nil {
		p.pc.Logger.Errorw("async trigger failed", "workspace", p.pc.Workspace, "trigger", req.Trigger, "attempts", attempt, "error", err)
	}
}

func (p *Pipeline) asyncOnce(sd *SessionData, req AsyncRequest) error {
	scoped := sd.withCall(newCallScope())
	ctx := WithSession(p.asyncCtx, scoped)
	txes, err := req.Run(ctx)
	if err != nil {
		return err
	}
	if len(txes) == 0 {
		_, fx, async := scoped.call.take()
		p.runEffects(ctx, fx)
		for _, next := range async {
			p.scheduleAsync(scoped, next)
		}
		return nil
	}
	started := time.Now()
	_, err = p.run(ctx, scoped, p.pc.Derived, txes)
	p.pc.Metrics.Observe(ctx, "async_trigger", err == nil, time.Since(started))
	return err
}

func retryableAsync(err error) bool {
	var trigErr *TriggerError
	if errors.As(err, &trigErr) || errors.Is(err, ErrTriggerDepth) {
		return false
	}
	return queue.Retryable(err)
}

// FindAll runs a read through the chain without taking the workspace lock.
func (p *Pipeline) FindAll(ctx context.Context, class domain.Ref, query domain.Query, opts *domain.FindOptions) ([]domain.Doc, error) {
	p.stateMu.RLock()
	closed := p.closed
	p.stateMu.RUnlock()
	if closed {
		return nil, domain.ConnectionClosed("workspace pipeline is closed")
	}
	if _, ok := SessionFrom(ctx); !ok {
		ctx = WithSession(ctx, SystemSession())
	}
	started := time.Now()
	docs, err := p.head.FindAll(ctx, class, query, opts)
	p.pc.Metrics.Observe(ctx, "findAll", err == nil, time.Since(started))
	return docs, err
}

// Close stops accepting calls, waits for in-flight and async trigger work,
// closes every middleware and flushes the context cache. When ctx ends
// first, pending async retries are cancelled.
func (p *Pipeline) Close(ctx context.Context) error {
	p.stateMu.Lock()
	if p.closed {
		p.stateMu.Unlock()
		return nil
	}
	p.closed = true
	p.stateMu.Unlock()

	var errs []error
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		p.async.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.cancelAsync()
		<-done
		errs = append(errs, ctx.Err())
	}
	p.cancelAsync()
	for _, m := range p.chain {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.pc.Cache.Flush()
	return errors.Join(errs...)
}
