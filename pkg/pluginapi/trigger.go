package pluginapi

import (
	"context"
	"fmt"
	"sync"

	"transactor/pkg/blob"
	"transactor/pkg/domain"
	"transactor/pkg/queue"
)

// TriggerFunc derives transactions from a committed batch. txes are the
// transactions matching the trigger registration.
type TriggerFunc func(ctx context.Context, txes []domain.Tx, control *TriggerControl) ([]domain.Tx, error)

// Cache is the per-workspace context cache. Entries are advisory; callers
// fall back to storage on a miss.
type Cache interface {
	Get(key string) (any, bool)
	SetDefault(key string, value any)
	Delete(key string)
}

// TriggerControl is everything a trigger may use. It is built per call and
// must not be retained.
type TriggerControl struct {
	Workspace domain.WorkspaceID
	Account   domain.Account
	Hierarchy *domain.Hierarchy
	TxFactory *domain.TxFactory
	// Txes is the committed batch the trigger runs for.
	Txes []domain.Tx
	// Outcomes holds the storage effect of every committed tx.
	Outcomes []domain.TxOutcome
	// RemovedMap holds documents removed earlier in this call.
	RemovedMap map[domain.Ref]domain.Doc
	FindAll    func(ctx context.Context, class domain.Ref, query domain.Query, opts *domain.FindOptions) ([]domain.Doc, error)
	Cache      Cache
	// StorageFx defers fn until the call's transactions are committed and
	// the workspace lock is released.
	StorageFx func(fn func(ctx context.Context, store blob.Store) error)
	// FulltextFx defers a full-text indexing side effect.
	FulltextFx func(fn func(ctx context.Context, producer queue.Producer) error)
}

// Outcome returns the committed outcome of the tx with id.
func (c *TriggerControl) Outcome(id domain.Ref) (domain.TxOutcome, bool) {
	for _, o := range c.Outcomes {
		if o.Tx.Header().ID == id {
			return o, true
		}
	}
	return domain.TxOutcome{}, false
}

// Resources resolves trigger resource refs to functions.
type Resources struct {
	mu    sync.RWMutex
	funcs map[domain.Ref]TriggerFunc
}

// NewResources returns an empty resource table.
func NewResources() *Resources {
	return &Resources{funcs: make(map[domain.Ref]TriggerFunc)}
}

// Add binds ref to fn. Rebinding a ref is an error.
func (r *Resources) Add(ref domain.Ref, fn TriggerFunc) error {
	if ref == "" || fn == nil {
		return fmt.Errorf("trigger resource requires a ref and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[ref]; exists {
		return fmt.Errorf("trigger resource %s already registered", ref)
	}
	r.funcs[ref] = fn
	return nil
}

// Resolve returns the function bound to ref.
func (r *Resources) Resolve(ref domain.Ref) (TriggerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[ref]
	return fn, ok
}
