package domain

import (
	"context"
	"sort"

	json "github.com/goccy/go-json"
)

// FindOptions narrows a FindAll result.
type FindOptions struct {
	Limit      int    `json:"limit,omitempty"`
	SortBy     string `json:"sortBy,omitempty"`
	Descending bool   `json:"descending,omitempty"`
}

// TxOutcome is the storage effect of one committed transaction. Before is nil
// for creates and After is nil for removals.
type TxOutcome struct {
	Tx     Tx
	Before *Doc
	After  *Doc
}

// DocIterator streams the documents of one domain. Next returns nil, nil once
// exhausted.
type DocIterator interface {
	Next(ctx context.Context) (*Doc, error)
	Close() error
}

// DbAdapter is the storage contract the pipeline commits through.
//
// Tx applies all transactions atomically: either every outcome is durable or
// none is. Find, Load, Upload, Clean and Update operate on raw domain
// documents for backup and maintenance and bypass the transaction log.
type DbAdapter interface {
	FindAll(ctx context.Context, class Ref, query Query, opts *FindOptions) ([]Doc, error)
	Tx(ctx context.Context, txes ...Tx) ([]TxOutcome, error)
	Find(ctx context.Context, domain Domain) (DocIterator, error)
	Load(ctx context.Context, domain Domain, ids []Ref) ([]Doc, error)
	Upload(ctx context.Context, domain Domain, docs []Doc) error
	Clean(ctx context.Context, domain Domain, ids []Ref) error
	Update(ctx context.Context, domain Domain, ops map[Ref]Operations) error
	Close() error
}

// SliceIterator iterates over an in-memory snapshot.
type SliceIterator struct {
	docs []Doc
	pos  int
}

// NewSliceIterator returns an iterator over docs.
func NewSliceIterator(docs []Doc) *SliceIterator { return &SliceIterator{docs: docs} }

// Next returns the next document or nil when exhausted.
func (it *SliceIterator) Next(ctx context.Context) (*Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.docs) {
		return nil, nil
	}
	d := it.docs[it.pos]
	it.pos++
	return &d, nil
}

// Close releases the snapshot.
func (it *SliceIterator) Close() error {
	it.docs = nil
	return nil
}

// ApplyFindOptions sorts and truncates docs in place and returns the result.
func ApplyFindOptions(docs []Doc, opts *FindOptions) []Doc {
	if opts == nil {
		return docs
	}
	if opts.SortBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			a, _ := docs[i].Get(opts.SortBy)
			b, _ := docs[j].Get(opts.SortBy)
			c, ok := compareValues(a, b)
			if !ok {
				return false
			}
			if opts.Descending {
				return c > 0
			}
			return c < 0
		})
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return docs
}

// TxDoc renders tx as a document of the transaction log.
func TxDoc(tx Tx) (Doc, error) {
	raw, err := json.Marshal(tx)
	if err != nil {
		return Doc{}, err
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return Doc{}, err
	}
	h := tx.Header()
	doc := Doc{
		ID:         h.ID,
		Class:      ClassTx,
		Space:      h.Space,
		ModifiedOn: h.ModifiedOn,
		ModifiedBy: h.ModifiedBy,
		CreatedOn:  h.ModifiedOn,
		CreatedBy:  h.ModifiedBy,
		Attributes: attrs,
	}
	return doc, nil
}

// TxFromDoc decodes a transaction log document.
func TxFromDoc(doc Doc) (Tx, error) {
	raw, err := json.Marshal(doc.Attributes)
	if err != nil {
		return nil, err
	}
	return UnmarshalTx(raw)
}
