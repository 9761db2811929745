// Package memory provides the in-memory DbAdapter. It is the transactional
// core the durable adapters build on: every batch runs against a
// copy-on-write clone of the state and replaces it only when the whole batch
// (and the optional commit hook) succeeds.
package memory

import (
	"context"
	"sort"
	"sync"

	"transactor/pkg/domain"
)

var _ domain.DbAdapter = (*Store)(nil)

// Change is one document write of a committed batch. Doc is nil for
// deletions.
type Change struct {
	Domain domain.Domain
	ID     domain.Ref
	Doc    *domain.Doc
}

// CommitHook runs with the batch changes before the new state is published.
// An error discards the batch.
type CommitHook func(ctx context.Context, changes []Change) error

// Option configures a Store.
type Option func(*Store)

// WithCommitHook installs hook.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.hook = hook }
}

// WithoutTxLog disables recording committed transactions in the tx domain.
func WithoutTxLog() Option {
	return func(s *Store) { s.txLog = false }
}

// Snapshot is a full copy of the state keyed by domain.
type Snapshot map[domain.Domain][]domain.Doc

type state map[domain.Domain]map[domain.Ref]domain.Doc

// Store keeps documents per domain.
type Store struct {
	mu        sync.RWMutex
	state     state
	hierarchy *domain.Hierarchy
	hook      CommitHook
	txLog     bool
}

// NewStore returns an empty store. h resolves class domains and subclass
// queries; nil uses the core hierarchy.
func NewStore(h *domain.Hierarchy, opts ...Option) *Store {
	if h == nil {
		h = domain.NewCoreHierarchy()
	}
	s := &Store{state: make(state), hierarchy: h, txLog: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transaction is a mutable view over a cloned state.
type Transaction struct {
	base    state
	state   state
	copied  map[domain.Domain]bool
	changes []Change
}

// Get returns a copy of the stored document or nil.
func (t *Transaction) Get(d domain.Domain, id domain.Ref) *domain.Doc {
	doc, ok := t.state[d][id]
	if !ok {
		return nil
	}
	return doc.Clone()
}

func (t *Transaction) writable(d domain.Domain) map[domain.Ref]domain.Doc {
	if !t.copied[d] {
		src := t.base[d]
		cp := make(map[domain.Ref]domain.Doc, len(src)+1)
		for k, v := range src {
			cp[k] = v
		}
		t.state[d] = cp
		t.copied[d] = true
	}
	return t.state[d]
}

// Put stores doc.
func (t *Transaction) Put(d domain.Domain, doc domain.Doc) {
	t.writable(d)[doc.ID] = *doc.Clone()
	t.changes = append(t.changes, Change{Domain: d, ID: doc.ID, Doc: doc.Clone()})
}

// Delete removes the document.
func (t *Transaction) Delete(d domain.Domain, id domain.Ref) {
	delete(t.writable(d), id)
	t.changes = append(t.changes, Change{Domain: d, ID: id})
}

// RunInTransaction executes fn against a transactional copy of the state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(state, len(s.state))
	for d, docs := range s.state {
		next[d] = docs
	}
	tx := &Transaction{base: s.state, state: next, copied: make(map[domain.Domain]bool)}
	if err := fn(tx); err != nil {
		return err
	}
	if s.hook != nil && len(tx.changes) > 0 {
		if err := s.hook(ctx, tx.changes); err != nil {
			return domain.Internal(err)
		}
	}
	s.state = tx.state
	return nil
}

func (s *Store) domainOf(class domain.Ref) domain.Domain {
	return s.hierarchy.Domain(class)
}

// Tx applies txes atomically and returns one outcome per transaction.
func (s *Store) Tx(ctx context.Context, txes ...domain.Tx) ([]domain.TxOutcome, error) {
	outcomes := make([]domain.TxOutcome, 0, len(txes))
	err := s.RunInTransaction(ctx, func(t *Transaction) error {
		for _, tx := range txes {
			if err := ctx.Err(); err != nil {
				return err
			}
			cud, ok := domain.Unwrap(tx).(domain.CUD)
			if !ok {
				return domain.BadRequest("cannot store %s transaction %s", tx.Kind(), tx.Header().ID)
			}
			target := cud.Target()
			dom := s.domainOf(target.ObjectClass)
			before := t.Get(dom, target.ObjectID)
			after, err := domain.ApplyTx(before, tx)
			if err != nil {
				return err
			}
			if after != nil {
				t.Put(dom, *after)
			} else {
				t.Delete(dom, target.ObjectID)
			}
			if s.txLog {
				logDoc, err := domain.TxDoc(tx)
				if err != nil {
					return domain.Internal(err)
				}
				t.Put(domain.DomainTx, logDoc)
			}
			outcomes = append(outcomes, domain.TxOutcome{Tx: tx, Before: before, After: after})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// FindAll returns documents of class or its descendants matching query.
func (s *Store) FindAll(ctx context.Context, class domain.Ref, query domain.Query, opts *domain.FindOptions) ([]domain.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	docs := s.state[s.domainOf(class)]
	out := make([]domain.Doc, 0)
	for _, doc := range docs {
		if class != "" && !s.hierarchy.IsDerived(doc.Class, class) {
			continue
		}
		d := doc
		if query.Matches(&d) {
			out = append(out, *doc.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return domain.ApplyFindOptions(out, opts), nil
}

// Find iterates a snapshot of every document in d.
func (s *Store) Find(_ context.Context, d domain.Domain) (domain.DocIterator, error) {
	return domain.NewSliceIterator(s.docs(d)), nil
}

func (s *Store) docs(d domain.Domain) []domain.Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Doc, 0, len(s.state[d]))
	for _, doc := range s.state[d] {
		out = append(out, *doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load returns the documents of d with the given ids. Missing ids are
// skipped.
func (s *Store) Load(_ context.Context, d domain.Domain, ids []domain.Ref) ([]domain.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Doc, 0, len(ids))
	for _, id := range ids {
		if doc, ok := s.state[d][id]; ok {
			out = append(out, *doc.Clone())
		}
	}
	return out, nil
}

// Upload writes docs into d, replacing existing ones.
func (s *Store) Upload(ctx context.Context, d domain.Domain, docs []domain.Doc) error {
	return s.RunInTransaction(ctx, func(t *Transaction) error {
		for _, doc := range docs {
			t.Put(d, doc)
		}
		return nil
	})
}

// Clean removes ids from d.
func (s *Store) Clean(ctx context.Context, d domain.Domain, ids []domain.Ref) error {
	return s.RunInTransaction(ctx, func(t *Transaction) error {
		for _, id := range ids {
			t.Delete(d, id)
		}
		return nil
	})
}

// Update applies raw operator maps to documents of d.
func (s *Store) Update(ctx context.Context, d domain.Domain, ops map[domain.Ref]domain.Operations) error {
	return s.RunInTransaction(ctx, func(t *Transaction) error {
		for id, op := range ops {
			before := t.Get(d, id)
			if before == nil {
				return domain.NotFound("", id)
			}
			after, err := domain.ApplyOperations(before, op)
			if err != nil {
				return err
			}
			t.Put(d, *after)
		}
		return nil
	})
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ExportState clones the current state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	domains := make([]domain.Domain, 0, len(s.state))
	for d := range s.state {
		domains = append(domains, d)
	}
	s.mu.RUnlock()
	out := make(Snapshot, len(domains))
	for _, d := range domains {
		out[d] = s.docs(d)
	}
	return out
}

// ImportState replaces the state with snapshot without running the commit
// hook.
func (s *Store) ImportState(snapshot Snapshot) {
	next := make(state, len(snapshot))
	for d, docs := range snapshot {
		m := make(map[domain.Ref]domain.Doc, len(docs))
		for _, doc := range docs {
			m[doc.ID] = *doc.Clone()
		}
		next[d] = m
	}
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// Hierarchy returns the class hierarchy used for domain resolution.
func (s *Store) Hierarchy() *domain.Hierarchy { return s.hierarchy }
