// Package session owns client sessions: it authenticates connections,
// creates workspace pipelines on demand, dispatches protocol requests and
// fans committed changes out to subscribed sessions in commit order.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"transactor/internal/config"
	"transactor/internal/core"
	"transactor/pkg/domain"
	"transactor/pkg/queue"
)

// PipelineFactory opens the pipeline of a workspace.
type PipelineFactory interface {
	Open(ctx context.Context, workspace domain.WorkspaceID, broadcast core.BroadcastFunc) (*core.Pipeline, error)
}

// WorkspaceEvent is published on the workspace topic.
type WorkspaceEvent struct {
	Workspace domain.WorkspaceID `json:"workspace"`
	Event     string             `json:"event"`
}

// UserEvent is published on the users topic when an account's presence
// changes.
type UserEvent struct {
	Workspace domain.WorkspaceID `json:"workspace"`
	Account   domain.Ref         `json:"account"`
	Online    bool               `json:"online"`
}

// Manager tracks workspaces and their sessions.
type Manager struct {
	cfg     config.Session
	factory PipelineFactory
	auth    Authenticator
	queue   queue.Queue
	log     *zap.SugaredLogger
	metrics *Metrics
	now     func() time.Time

	mu         sync.Mutex
	workspaces map[domain.WorkspaceID]*entry
	closed     bool
}

type entry struct {
	ws    *Workspace
	ready chan struct{}
	err   error
}

// Option configures a Manager.
type Option func(*Manager)

// WithQueue publishes presence and workspace events and enables
// ConsumeTx.
func WithQueue(q queue.Queue) Option { return func(m *Manager) { m.queue = q } }

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option { return func(m *Manager) { m.log = log } }

// WithMetrics sets the session collectors.
func WithMetrics(metrics *Metrics) Option { return func(m *Manager) { m.metrics = metrics } }

// WithClock overrides the time source used by ticks.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager returns a manager opening pipelines through factory.
func NewManager(cfg config.Session, factory PipelineFactory, auth Authenticator, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		factory:    factory,
		auth:       auth,
		log:        zap.NewNop().Sugar(),
		now:        time.Now,
		workspaces: make(map[domain.WorkspaceID]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.SendQueueSize <= 0 {
		m.cfg.SendQueueSize = config.Default().Session.SendQueueSize
	}
	return m
}

// Workspace returns the open workspace with id.
func (m *Manager) Workspace(id domain.WorkspaceID) (*Workspace, bool) {
	m.mu.Lock()
	e, ok := m.workspaces[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.ws, e.err == nil
	default:
		return nil, false
	}
}

// Workspaces returns the ids of open workspaces, sorted.
func (m *Manager) Workspaces() []domain.WorkspaceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.WorkspaceID, 0, len(m.workspaces))
	for id := range m.workspaces {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// acquire returns the workspace, opening its pipeline on first use.
func (m *Manager) acquire(ctx context.Context, id domain.WorkspaceID) (*Workspace, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ConnectionClosed("server is shutting down")
	}
	if e, ok := m.workspaces[id]; ok {
		m.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.ws, nil
	}
	e := &entry{ws: newWorkspace(id, m.now()), ready: make(chan struct{})}
	m.workspaces[id] = e
	m.mu.Unlock()

	w := e.ws
	p, err := m.factory.Open(ctx, id, func(ctx context.Context, ev core.BroadcastEvent) {
		m.broadcast(w, ev)
	})
	if err != nil {
		e.err = err
		m.mu.Lock()
		delete(m.workspaces, id)
		m.mu.Unlock()
		close(e.ready)
		m.log.Errorw("workspace activation failed", "workspace", id, "error", err)
		return nil, err
	}
	w.pipeline = p
	close(e.ready)
	m.log.Infow("workspace opened", "workspace", id)
	m.publish(ctx, queue.TopicWorkspace, id, WorkspaceEvent{Workspace: id, Event: "open"})
	return w, nil
}

// Connect authenticates token and registers a session on socket.
func (m *Manager) Connect(ctx context.Context, token string, socket Socket) (*Session, error) {
	g, err := m.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if g.Workspace == "" {
		return nil, domain.Forbidden("token grants no workspace")
	}
	w, err := m.acquire(ctx, g.Workspace)
	if err != nil {
		return nil, err
	}
	s := newSession(uuid.NewString(), g, socket, m.cfg.SendQueueSize, m.limiter(), m.now())
	s.ws = w
	s.onClose = m.sessionClosed

	w.mu.Lock()
	if !w.accepting() {
		w.mu.Unlock()
		return nil, domain.ConnectionClosed("workspace is closing")
	}
	if w.State() == StateMaintenance && !g.Upgrade {
		w.mu.Unlock()
		return nil, domain.ConnectionClosed("workspace is in maintenance")
	}
	first := w.countAccount(g.Account.UUID) == 0
	w.sessions[s.ID] = s
	w.mu.Unlock()

	s.start()
	m.metrics.opened()
	m.log.Debugw("session opened", "workspace", w.ID, "session", s.ID, "account", g.Account.UUID)

	if g.Upgrade {
		if err := w.transition(ctx, eventUpgrade); err != nil {
			m.log.Warnw("upgrade transition failed", "workspace", w.ID, "error", err)
		}
		for _, other := range w.Sessions() {
			if other.ID != s.ID {
				other.Close(ReasonUpgrade)
			}
		}
	}
	if first {
		m.presence(ctx, w, g.Account, true)
	}
	return s, nil
}

func (m *Manager) limiter() *rate.Limiter {
	if m.cfg.RateLimit <= 0 {
		return nil
	}
	burst := m.cfg.RateBurst
	if burst <= 0 {
		burst = int(m.cfg.RateLimit)
	}
	return rate.NewLimiter(rate.Limit(m.cfg.RateLimit), burst)
}

func (m *Manager) sessionClosed(s *Session, reason string) {
	w := s.ws
	last := w.remove(s, m.now())
	m.metrics.closed(reason)
	m.log.Debugw("session closed", "workspace", w.ID, "session", s.ID, "reason", reason)
	if s.Upgrade {
		if err := w.transition(context.Background(), eventRelease); err != nil {
			m.log.Warnw("release transition failed", "workspace", w.ID, "error", err)
		}
	}
	if last && w.accepting() {
		m.presence(context.Background(), w, s.Account, false)
	}
}

// presence records the account's online state and announces it.
func (m *Manager) presence(ctx context.Context, w *Workspace, account domain.Account, online bool) {
	if account.IsSystem() || account.Role == domain.RoleReadOnlyGuest {
		return
	}
	pc := w.pipeline.Context()
	status, found, err := pc.UserStatus.ByUser(ctx, account.UUID)
	if err != nil {
		m.log.Warnw("user status lookup failed", "workspace", w.ID, "account", account.UUID, "error", err)
		return
	}
	f := domain.NewTxFactory(domain.AccountSystem, domain.WithClock(pc.Now))
	var tx domain.Tx
	switch {
	case found && status.Online != online:
		tx = f.UpdateDoc(domain.ClassUserStatus, domain.SpaceWorkspace, status.ID, domain.Operations{domain.AttrNameOnline: online}, false)
	case !found && online:
		tx = f.CreateDoc(domain.ClassUserStatus, domain.SpaceWorkspace, map[string]any{
			domain.AttrNameUser:   string(account.UUID),
			domain.AttrNameOnline: true,
		}, "")
	}
	if tx != nil {
		if _, err := w.pipeline.Tx(core.WithSession(ctx, core.SystemSession()), []domain.Tx{tx}); err != nil {
			m.log.Warnw("user status update failed", "workspace", w.ID, "account", account.UUID, "error", err)
			return
		}
	}
	m.publish(ctx, queue.TopicUsers, w.ID, UserEvent{Workspace: w.ID, Account: account.UUID, Online: online})
}

func (m *Manager) publish(ctx context.Context, topic queue.Topic, ws domain.WorkspaceID, value any) {
	if m.queue == nil {
		return
	}
	if err := m.queue.Producer(topic).Send(context.WithoutCancel(ctx), ws, value); err != nil {
		m.log.Warnw("queue publish failed", "topic", topic, "workspace", ws, "error", err)
	}
}

// broadcast runs under the workspace pipeline lock. It only enqueues.
func (m *Manager) broadcast(w *Workspace, ev core.BroadcastEvent) {
	if w.State() == StateMaintenance || w.pipeline == nil {
		return
	}
	pc := w.pipeline.Context()
	for _, s := range w.Sessions() {
		if s.Closed() {
			continue
		}
		var txes []domain.Tx
		queries := make(map[string]struct{})
		for _, o := range ev.Outcomes {
			if !pc.AllowBroadcast(s.Account, o) {
				continue
			}
			ids := s.affected(pc.Hierarchy, o)
			if len(ids) == 0 {
				continue
			}
			txes = append(txes, o.Tx)
			for _, id := range ids {
				queries[id] = struct{}{}
			}
		}
		if len(txes) == 0 {
			continue
		}
		ids := make([]string, 0, len(queries))
		for id := range queries {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		frame, err := EncodeResponse(Response{Result: txes, Queries: ids})
		if err != nil {
			m.log.Errorw("encode broadcast", "workspace", w.ID, "session", s.ID, "error", err)
			continue
		}
		if s.Enqueue(frame) {
			m.metrics.frame()
		}
	}
}

// Handle processes one request frame of s. The response is queued behind
// any broadcast already queued for the session.
func (m *Manager) Handle(ctx context.Context, s *Session, raw []byte) {
	s.touch(m.now())
	req, err := DecodeRequest(raw)
	var resp Response
	switch {
	case err != nil:
		resp = ErrorResponse(req.ID, err)
	case !s.allow():
		resp = ErrorResponse(req.ID, domain.BadRequest("rate limit exceeded"))
	default:
		resp = m.dispatch(ctx, s, req)
	}
	frame, err := EncodeResponse(resp)
	if err != nil {
		m.log.Errorw("encode response", "session", s.ID, "method", req.Method, "error", err)
		frame, _ = EncodeResponse(ErrorResponse(req.ID, domain.Internal(err)))
	}
	s.Enqueue(frame)
}

// Call serves a one-shot request authenticated by token. Subscriptions are
// not available.
func (m *Manager) Call(ctx context.Context, token string, raw []byte) (Response, error) {
	g, err := m.auth.Authenticate(ctx, token)
	if err != nil {
		return Response{}, err
	}
	if g.Workspace == "" {
		return Response{}, domain.Forbidden("token grants no workspace")
	}
	req, err := DecodeRequest(raw)
	if err != nil {
		return ErrorResponse(req.ID, err), nil
	}
	if req.Method == MethodSubscribe || req.Method == MethodUnsubscribe {
		return ErrorResponse(req.ID, domain.BadRequest("%s requires a websocket session", req.Method)), nil
	}
	w, err := m.acquire(ctx, g.Workspace)
	if err != nil {
		return Response{}, err
	}
	if w.State() == StateMaintenance && !g.Upgrade {
		return Response{}, domain.ConnectionClosed("workspace is in maintenance")
	}
	s := newSession("rpc-"+uuid.NewString(), g, nil, 1, nil, m.now())
	s.ws = w
	return m.dispatch(ctx, s, req), nil
}

// Close terminates s.
func (m *Manager) Close(s *Session, reason string) {
	s.Close(reason)
}

// Run ticks until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Tick(ctx, m.now())
		}
	}
}

// Tick pings idle sessions, closes hung ones and shuts down workspaces
// that stayed empty for SoftShutdown.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	ping, _ := EncodeResponse(Response{Result: pingResult})
	for _, id := range m.Workspaces() {
		w, ok := m.Workspace(id)
		if !ok {
			continue
		}
		for _, s := range w.Sessions() {
			idle := now.Sub(time.UnixMilli(s.lastRequest.Load()))
			if m.cfg.HangTimeout > 0 && idle > m.cfg.HangTimeout {
				s.Close(ReasonHang)
				continue
			}
			sincePing := now.Sub(time.UnixMilli(s.lastPing.Load()))
			if m.cfg.PingInterval > 0 && idle >= m.cfg.PingInterval && sincePing >= m.cfg.PingInterval {
				s.lastPing.Store(now.UnixMilli())
				s.Enqueue(ping)
			}
		}
		if empty, ok := w.idleFor(now); ok && m.cfg.SoftShutdown > 0 && empty >= m.cfg.SoftShutdown {
			if err := m.closeWorkspace(ctx, w); err != nil {
				m.log.Warnw("soft shutdown failed", "workspace", id, "error", err)
			}
		}
	}
}

// closeWorkspace stops accepting, drains the pipeline, closes the sessions
// and forgets the workspace.
func (m *Manager) closeWorkspace(ctx context.Context, w *Workspace) error {
	w.mu.Lock()
	if !w.accepting() {
		w.mu.Unlock()
		return nil
	}
	err := w.transition(ctx, eventDrain)
	w.mu.Unlock()
	if err != nil {
		return err
	}

	var errs []error
	if err := w.pipeline.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, s := range w.Sessions() {
		s.Close(ReasonShutdown)
	}
	if err := w.transition(ctx, eventClose); err != nil {
		errs = append(errs, err)
	}
	m.mu.Lock()
	if e, ok := m.workspaces[w.ID]; ok && e.ws == w {
		delete(m.workspaces, w.ID)
	}
	m.mu.Unlock()
	m.publish(ctx, queue.TopicWorkspace, w.ID, WorkspaceEvent{Workspace: w.ID, Event: "closed"})
	m.log.Infow("workspace closed", "workspace", w.ID)
	return errors.Join(errs...)
}

// Shutdown closes every workspace concurrently. New connections are
// refused from the first call on.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.workspaces))
	for _, e := range m.workspaces {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			select {
			case <-e.ready:
			case <-ctx.Done():
				return ctx.Err()
			}
			if e.err != nil {
				return nil
			}
			return m.closeWorkspace(ctx, e.ws)
		})
	}
	return g.Wait()
}

// ConsumeTx applies transaction batches published on the process topic.
// Each message carries one batch for the message workspace; redelivered
// messages and already-applied creates are treated as done.
func (m *Manager) ConsumeTx(ctx context.Context, group string) (queue.Consumer, error) {
	if m.queue == nil {
		return nil, errors.New("tx consumer requires a queue")
	}
	handler := func(ctx context.Context, msg queue.Message) error {
		var txes domain.TxList
		if err := msg.Decode(&txes); err != nil {
			return domain.BadRequest("%v", err)
		}
		if msg.Workspace == "" {
			return domain.BadRequest("message %s has no workspace", msg.ID)
		}
		if len(txes) == 0 {
			return nil
		}
		w, err := m.acquire(ctx, msg.Workspace)
		if err != nil {
			return err
		}
		_, err = w.pipeline.Tx(core.WithSession(ctx, core.SystemSession()), txes)
		switch {
		case errors.Is(err, domain.ErrDocExists):
			m.log.Debugw("process message already applied", "workspace", msg.Workspace, "message", msg.ID)
			return nil
		case err != nil && core.Committed(err):
			m.log.Warnw("process message committed with trigger failure", "workspace", msg.Workspace, "message", msg.ID, "error", err)
			return nil
		}
		return err
	}
	return m.queue.CreateConsumer(ctx, queue.TopicProcess, group, queue.Idempotent(handler, 4096), queue.ConsumerOptions{})
}
