package middleware

import (
	"context"
	"fmt"

	"transactor/internal/core"
	"transactor/pkg/domain"
)

const sequenceCachePrefix = "sequence:"

type sequenceRef struct {
	ID     domain.Ref
	Space  domain.Ref
	Prefix string
}

type identifier struct {
	core.Base
	pc      *core.PipelineContext
	factory *domain.TxFactory
}

// Identifier fills empty identifier attributes with "{prefix}-{n}" where n
// comes from the Sequence document attached to the attribute's class.
func Identifier(_ context.Context, pc *core.PipelineContext, next core.Middleware) (core.Middleware, error) {
	return &identifier{
		Base:    core.Base{Next: next},
		pc:      pc,
		factory: domain.NewDerivedTxFactory(domain.AccountSystem, domain.WithClock(pc.Now)),
	}, nil
}

func (m *identifier) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	out := make([]domain.Tx, len(txes))
	for i, tx := range txes {
		assigned, err := m.assign(ctx, tx)
		if err != nil {
			return core.TxResult{}, err
		}
		out[i] = assigned
	}
	return m.Next.Tx(ctx, out)
}

func (m *identifier) assign(ctx context.Context, tx domain.Tx) (domain.Tx, error) {
	switch t := tx.(type) {
	case *domain.TxCreateDoc:
		attrs, err := m.values(ctx, t.ObjectClass, t.Attributes, true)
		if err != nil || len(attrs) == 0 {
			return tx, err
		}
		return t.WithAttributes(attrs), nil
	case *domain.TxMixin:
		attrs, err := m.values(ctx, t.Mixin, t.Attributes, false)
		if err != nil || len(attrs) == 0 {
			return tx, err
		}
		return t.WithAttributes(attrs), nil
	case *domain.TxCollectionCUD:
		if t.Tx == nil {
			return tx, nil
		}
		inner, err := m.assign(ctx, t.Tx)
		if err != nil {
			return nil, err
		}
		if inner == t.Tx {
			return tx, nil
		}
		return t.WithInner(inner), nil
	case *domain.TxApplyIf:
		changed := false
		inner := make([]domain.Tx, len(t.Txes))
		for i, it := range t.Txes {
			a, err := m.assign(ctx, it)
			if err != nil {
				return nil, err
			}
			changed = changed || a != it
			inner[i] = a
		}
		if !changed {
			return tx, nil
		}
		return t.WithTxes(inner), nil
	}
	return tx, nil
}

// values returns the identifiers to set on class. Creates fill absent or
// empty attributes, mixins only the ones they carry empty.
func (m *identifier) values(ctx context.Context, class domain.Ref, attrs map[string]any, fillAbsent bool) (map[string]any, error) {
	var out map[string]any
	for _, attr := range m.pc.Hierarchy.AttributesOfType(class, domain.AttrIdentifier) {
		v, present := attrs[attr.Name]
		if present && v != nil && v != "" {
			continue
		}
		if !present && !fillAbsent {
			continue
		}
		seq, ok, err := m.sequence(ctx, attr.Owner)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		n, err := m.increment(ctx, seq)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[attr.Name] = fmt.Sprintf("%s-%d", seq.Prefix, n)
	}
	return out, nil
}

func (m *identifier) sequence(ctx context.Context, owner domain.Ref) (sequenceRef, bool, error) {
	key := sequenceCachePrefix + string(owner)
	if v, ok := m.pc.Cache.Get(key); ok {
		if seq, ok := v.(sequenceRef); ok {
			return seq, true, nil
		}
	}
	docs, err := m.Next.FindAll(ctx, domain.ClassSequence, domain.Query{domain.FieldAttachedTo: string(owner)}, &domain.FindOptions{Limit: 1})
	if err != nil {
		return sequenceRef{}, false, err
	}
	if len(docs) == 0 {
		return sequenceRef{}, false, nil
	}
	seq := sequenceRef{ID: docs[0].ID, Space: docs[0].Space, Prefix: docs[0].AttrString(domain.AttrNamePrefix)}
	m.pc.Cache.SetDefault(key, seq)
	return seq, true, nil
}

func (m *identifier) increment(ctx context.Context, seq sequenceRef) (int64, error) {
	inc := m.factory.UpdateDoc(domain.ClassSequence, seq.Space, seq.ID,
		domain.Operations{domain.OpInc: map[string]any{domain.AttrNameSequence: 1}}, true)
	res, err := m.Next.Tx(ctx, []domain.Tx{inc})
	if !core.Committed(err) {
		for key, item := range m.pc.Cache.Items() {
			if s, ok := item.Object.(sequenceRef); ok && s.ID == seq.ID {
				m.pc.Cache.Delete(key)
			}
		}
		return 0, err
	}
	o, ok := res.Find(inc.ID)
	if !ok || o.After == nil {
		return 0, domain.Internal(fmt.Errorf("sequence %s: no updated document", seq.ID))
	}
	n, ok := o.After.AttrInt(domain.AttrNameSequence)
	if !ok {
		return 0, domain.Internal(fmt.Errorf("sequence %s: value is not a number", seq.ID))
	}
	return n, nil
}
