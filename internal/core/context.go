package core

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"transactor/pkg/blob"
	"transactor/pkg/domain"
	"transactor/pkg/pluginapi"
	"transactor/pkg/queue"
)

// Options tune trigger execution and caching.
type Options struct {
	MaxTriggerDepth int
	AsyncRetries    uint64
	AsyncBackoff    time.Duration
	CacheTTL        time.Duration
}

// DefaultOptions mirror the config defaults.
func DefaultOptions() Options {
	return Options{
		MaxTriggerDepth: 8,
		AsyncRetries:    3,
		AsyncBackoff:    200 * time.Millisecond,
		CacheTTL:        30 * time.Minute,
	}
}

// BroadcastEvent is one committed change set handed to the session layer.
type BroadcastEvent struct {
	Workspace domain.WorkspaceID
	// SessionID is the originating session. It receives the committed
	// transactions like any other subscriber since they carry server
	// assigned values.
	SessionID string
	Account   domain.Account
	Outcomes  []domain.TxOutcome
}

// BroadcastFunc receives committed change sets while the workspace lock is
// held. It must not block.
type BroadcastFunc func(ctx context.Context, ev BroadcastEvent)

// BroadcastFilter reports whether account may see outcome.
type BroadcastFilter func(account domain.Account, outcome domain.TxOutcome) bool

// PipelineContext is the per-workspace state shared by the middlewares of
// one pipeline.
type PipelineContext struct {
	Workspace  domain.WorkspaceID
	Hierarchy  *domain.Hierarchy
	Adapter    domain.DbAdapter
	Blob       blob.Store
	Queue      queue.Queue
	Cache      *cache.Cache
	UserStatus *UserStatusCache
	Triggers   *TriggerEngine
	Resources  *pluginapi.Resources
	Broadcast  BroadcastFunc
	Logger     *zap.SugaredLogger
	Metrics    MetricsRecorder
	Options    Options
	Now        func() time.Time

	// Head is the first middleware; Derived is where trigger output
	// re-enters the chain.
	Head    Middleware
	Derived Middleware

	filterMu sync.RWMutex
	filters  []BroadcastFilter
}

// NewPipelineContext returns a context with caches, trigger engine and
// no-op observability. Callers set the optional collaborators.
func NewPipelineContext(workspace domain.WorkspaceID, h *domain.Hierarchy, adapter domain.DbAdapter, resources *pluginapi.Resources, opts Options) *PipelineContext {
	if h == nil {
		h = domain.NewCoreHierarchy()
	}
	if resources == nil {
		resources = pluginapi.NewResources()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultOptions().CacheTTL
	}
	if opts.MaxTriggerDepth <= 0 {
		opts.MaxTriggerDepth = DefaultOptions().MaxTriggerDepth
	}
	pc := &PipelineContext{
		Workspace: workspace,
		Hierarchy: h,
		Adapter:   adapter,
		Cache:     cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		Triggers:  NewTriggerEngine(h, resources),
		Resources: resources,
		Logger:    zap.NewNop().Sugar(),
		Metrics:   NopRecorder{},
		Options:   opts,
		Now:       time.Now,
	}
	pc.UserStatus = NewUserStatusCache(adapter)
	return pc
}

// AddBroadcastFilter installs f. Every filter must allow an outcome for it
// to be delivered.
func (pc *PipelineContext) AddBroadcastFilter(f BroadcastFilter) {
	pc.filterMu.Lock()
	pc.filters = append(pc.filters, f)
	pc.filterMu.Unlock()
}

// AllowBroadcast applies the broadcast filters.
func (pc *PipelineContext) AllowBroadcast(account domain.Account, outcome domain.TxOutcome) bool {
	if account.IsSystem() {
		return true
	}
	pc.filterMu.RLock()
	defer pc.filterMu.RUnlock()
	for _, f := range pc.filters {
		if !f(account, outcome) {
			return false
		}
	}
	return true
}

// Producer returns a producer for topic or nil without a queue.
func (pc *PipelineContext) Producer(topic queue.Topic) queue.Producer {
	if pc.Queue == nil {
		return nil
	}
	return pc.Queue.Producer(topic)
}

// Timestamp returns the current server time.
func (pc *PipelineContext) Timestamp() domain.Timestamp {
	return domain.TimestampOf(pc.Now())
}
