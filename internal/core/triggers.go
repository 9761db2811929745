package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"transactor/pkg/domain"
	"transactor/pkg/pluginapi"
)

// ErrTriggerDepth is wrapped when derived transactions recurse past
// Options.MaxTriggerDepth.
var ErrTriggerDepth = errors.New("trigger recursion limit exceeded")

// TriggerError reports a failed sync trigger. The batch that fired it is
// already committed.
type TriggerError struct {
	Trigger domain.Ref
	Err     error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("trigger %s: %v", e.Trigger, e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }

// RegisteredTrigger is a trigger registration bound to its function.
type RegisteredTrigger struct {
	ID       domain.Ref
	Resource domain.Ref
	Match    domain.Query
	Async    bool
	Func     pluginapi.TriggerFunc
}

// TriggerEngine holds the trigger registrations of one workspace in
// registration order.
type TriggerEngine struct {
	mu        sync.RWMutex
	hierarchy *domain.Hierarchy
	resources *pluginapi.Resources
	triggers  []RegisteredTrigger
}

// NewTriggerEngine returns an empty engine resolving functions through
// resources.
func NewTriggerEngine(h *domain.Hierarchy, resources *pluginapi.Resources) *TriggerEngine {
	return &TriggerEngine{hierarchy: h, resources: resources}
}

// Register binds a trigger registration document. Re-registering an id
// replaces it in place.
func (e *TriggerEngine) Register(doc domain.Doc) error {
	resource := domain.Ref(doc.AttrString(domain.AttrNameTrigger))
	fn, ok := e.resources.Resolve(resource)
	if !ok {
		return fmt.Errorf("trigger %s: unknown resource %q", doc.ID, resource)
	}
	var match domain.Query
	if m, ok := doc.Attr(domain.AttrNameTxMatch).(map[string]any); ok {
		match = domain.Query(m)
	}
	t := RegisteredTrigger{ID: doc.ID, Resource: resource, Match: match, Async: doc.AttrBool(domain.AttrNameIsAsync), Func: fn}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.triggers {
		if e.triggers[i].ID == doc.ID {
			e.triggers[i] = t
			return nil
		}
	}
	e.triggers = append(e.triggers, t)
	return nil
}

// Unregister drops the registration with id.
func (e *TriggerEngine) Unregister(id domain.Ref) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.triggers {
		if e.triggers[i].ID == id {
			e.triggers = append(e.triggers[:i], e.triggers[i+1:]...)
			return
		}
	}
}

// Load registers every stored trigger document. Unknown resources fail
// the load.
func (e *TriggerEngine) Load(ctx context.Context, adapter domain.DbAdapter) error {
	docs, err := adapter.FindAll(ctx, domain.ClassTrigger, nil, &domain.FindOptions{SortBy: domain.FieldCreatedOn})
	if err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}
	var errs []error
	for _, doc := range docs {
		if err := e.Register(doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Triggers returns the registrations in order.
func (e *TriggerEngine) Triggers() []RegisteredTrigger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RegisteredTrigger, len(e.triggers))
	copy(out, e.triggers)
	return out
}

// Select returns the txes t fires for, preserving order.
func (e *TriggerEngine) Select(t RegisteredTrigger, txes []domain.Tx) []domain.Tx {
	var out []domain.Tx
	for _, tx := range txes {
		if e.Matches(t.Match, tx) {
			out = append(out, tx)
		}
	}
	return out
}

// Matches evaluates a txMatch query against tx. objectClass conditions
// accept subclasses; collection transactions also match on their inner
// transaction.
func (e *TriggerEngine) Matches(match domain.Query, tx domain.Tx) bool {
	if e.matchOne(match, tx) {
		return true
	}
	if coll, ok := tx.(*domain.TxCollectionCUD); ok && coll.Tx != nil {
		return e.matchOne(match, coll.Tx)
	}
	return false
}

func (e *TriggerEngine) matchOne(match domain.Query, tx domain.Tx) bool {
	if len(match) == 0 {
		return true
	}
	rest := make(domain.Query, len(match))
	for k, v := range match {
		rest[k] = v
	}
	if want, ok := rest["objectClass"].(string); ok {
		cud, isCUD := tx.(domain.CUD)
		if !isCUD || !e.hierarchy.IsDerived(cud.Target().ObjectClass, domain.Ref(want)) {
			return false
		}
		delete(rest, "objectClass")
	}
	return rest.Matches(domain.FieldsOf(tx))
}
