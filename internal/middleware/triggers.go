package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"transactor/internal/core"
	"transactor/pkg/blob"
	"transactor/pkg/domain"
	"transactor/pkg/pluginapi"
	"transactor/pkg/queue"
)

// Names reported in TriggerError for the built-in derivations.
const (
	builtinTrigger domain.Ref = "core:trigger:Builtin"
	derivedCommit  domain.Ref = "core:trigger:Derived"
)

type triggers struct {
	core.Base
	pc  *core.PipelineContext
	log *zap.SugaredLogger
}

// Triggers runs after the batch committed: it maintains the trigger
// registry, derives collection counters and cascades, runs sync plugin
// triggers in registration order and queues async ones. Derived
// transactions re-enter the pipeline at the derived entry.
func Triggers(_ context.Context, pc *core.PipelineContext, next core.Middleware) (core.Middleware, error) {
	return &triggers{Base: core.Base{Next: next}, pc: pc, log: pc.Logger.Named("triggers")}, nil
}

func (m *triggers) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	res, err := m.Next.Tx(ctx, txes)
	if err != nil {
		return res, err
	}
	sd, ok := core.SessionFrom(ctx)
	if !ok {
		return res, nil
	}
	m.observe(sd, res.Outcomes)

	derived, err := m.builtins(ctx, sd, res.Outcomes)
	if err != nil {
		return res, &core.TriggerError{Trigger: builtinTrigger, Err: err}
	}

	committed := make([]domain.Tx, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		committed = append(committed, o.Tx)
	}
	nextDepth := sd.Depth + 1
	for _, t := range m.pc.Triggers.Triggers() {
		matched := m.pc.Triggers.Select(t, committed)
		if len(matched) == 0 {
			continue
		}
		if t.Async {
			if nextDepth > m.pc.Options.MaxTriggerDepth {
				return res, &core.TriggerError{Trigger: t.ID, Err: depthError(nextDepth)}
			}
			m.queueAsync(sd, t, matched, res.Outcomes)
			continue
		}
		out, err := t.Func(ctx, matched, m.control(sd, committed, res.Outcomes))
		if err != nil {
			return res, &core.TriggerError{Trigger: t.ID, Err: err}
		}
		if len(out) > 0 && nextDepth > m.pc.Options.MaxTriggerDepth {
			return res, &core.TriggerError{Trigger: t.ID, Err: depthError(nextDepth)}
		}
		derived = append(derived, out...)
	}
	if len(derived) == 0 {
		return res, nil
	}
	if nextDepth > m.pc.Options.MaxTriggerDepth {
		return res, &core.TriggerError{Trigger: derivedCommit, Err: depthError(nextDepth)}
	}
	dres, err := m.pc.Derived.Tx(core.WithSession(ctx, sd.Derive()), derived)
	res.Merge(dres)
	if err != nil {
		if core.Committed(err) {
			return res, err
		}
		return res, &core.TriggerError{Trigger: derivedCommit, Err: err}
	}
	return res, nil
}

func depthError(depth int) error {
	return domain.Internal(fmt.Errorf("%w: depth %d", core.ErrTriggerDepth, depth))
}

// observe records removed documents and keeps the trigger registry in step
// with committed trigger documents.
func (m *triggers) observe(sd *core.SessionData, outcomes []domain.TxOutcome) {
	for _, o := range outcomes {
		if o.After == nil && o.Before != nil {
			sd.MarkRemoved(*o.Before)
		}
		doc := o.After
		if doc == nil {
			doc = o.Before
		}
		if doc == nil || !m.pc.Hierarchy.IsDerived(doc.Class, domain.ClassTrigger) {
			continue
		}
		if o.After == nil {
			m.pc.Triggers.Unregister(doc.ID)
			continue
		}
		if err := m.pc.Triggers.Register(*o.After); err != nil {
			m.log.Warnw("trigger registration skipped", "trigger", doc.ID, "error", err)
		}
	}
}

func (m *triggers) queueAsync(sd *core.SessionData, t core.RegisteredTrigger, matched []domain.Tx, outcomes []domain.TxOutcome) {
	committed := make([]domain.Tx, 0, len(outcomes))
	for _, o := range outcomes {
		committed = append(committed, o.Tx)
	}
	outcomes = append([]domain.TxOutcome(nil), outcomes...)
	sd.AddAsync(core.AsyncRequest{
		Trigger: t.ID,
		Run: func(ctx context.Context) ([]domain.Tx, error) {
			asd, ok := core.SessionFrom(ctx)
			if !ok {
				asd = sd
			}
			return t.Func(ctx, matched, m.control(asd, committed, outcomes))
		},
	})
}

func (m *triggers) control(sd *core.SessionData, committed []domain.Tx, outcomes []domain.TxOutcome) *pluginapi.TriggerControl {
	pc := m.pc
	return &pluginapi.TriggerControl{
		Workspace:  pc.Workspace,
		Account:    sd.Account,
		Hierarchy:  pc.Hierarchy,
		TxFactory:  domain.NewDerivedTxFactory(sd.Account.PrimarySocialID(), domain.WithClock(pc.Now)),
		Txes:       committed,
		Outcomes:   outcomes,
		RemovedMap: sd.Removed(),
		FindAll: func(ctx context.Context, class domain.Ref, query domain.Query, opts *domain.FindOptions) ([]domain.Doc, error) {
			return pc.Derived.FindAll(core.WithSession(ctx, sd), class, query, opts)
		},
		Cache: pc.Cache,
		StorageFx: func(fn func(ctx context.Context, store blob.Store) error) {
			sd.Defer(func(ctx context.Context) error {
				if pc.Blob == nil {
					return nil
				}
				return fn(ctx, pc.Blob)
			})
		},
		FulltextFx: func(fn func(ctx context.Context, producer queue.Producer) error) {
			sd.Defer(func(ctx context.Context) error {
				p := pc.Producer(queue.TopicFulltext)
				if p == nil {
					return nil
				}
				return fn(ctx, p)
			})
		},
	}
}

// builtins derives collection counters, cascade removals of attached
// documents and space moves of attached documents.
func (m *triggers) builtins(ctx context.Context, sd *core.SessionData, outcomes []domain.TxOutcome) ([]domain.Tx, error) {
	f := domain.NewDerivedTxFactory(sd.Account.PrimarySocialID(), domain.WithClock(m.pc.Now))
	removed := sd.Removed()
	var out []domain.Tx
	for _, o := range outcomes {
		if coll, ok := o.Tx.(*domain.TxCollectionCUD); ok && coll.Tx != nil {
			tx, err := m.counter(ctx, f, coll, removed)
			if err != nil {
				return nil, err
			}
			if tx != nil {
				out = append(out, tx)
			}
		}
		switch {
		case o.Before != nil && o.After == nil:
			txes, err := m.cascadeRemove(ctx, f, o.Before)
			if err != nil {
				return nil, err
			}
			out = append(out, txes...)
		case o.Before != nil && o.After != nil && o.Before.Space != o.After.Space:
			txes, err := m.cascadeSpace(ctx, f, o.After)
			if err != nil {
				return nil, err
			}
			out = append(out, txes...)
		}
	}
	return out, nil
}

func (m *triggers) counter(ctx context.Context, f *domain.TxFactory, coll *domain.TxCollectionCUD, removed map[domain.Ref]domain.Doc) (domain.Tx, error) {
	var delta int
	switch coll.Tx.Kind() {
	case domain.KindCreateDoc:
		delta = 1
	case domain.KindRemoveDoc:
		delta = -1
	default:
		return nil, nil
	}
	if _, gone := removed[coll.ObjectID]; gone {
		return nil, nil
	}
	parents, err := m.Next.FindAll(ctx, coll.ObjectClass, domain.Query{domain.FieldID: string(coll.ObjectID)}, &domain.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, nil
	}
	parent := parents[0]
	return f.UpdateDoc(parent.Class, parent.Space, parent.ID,
		domain.Operations{domain.OpInc: map[string]any{coll.Collection: delta}}, false), nil
}

func (m *triggers) attached(ctx context.Context, parent *domain.Doc) ([]domain.Doc, error) {
	var out []domain.Doc
	for _, attr := range m.pc.Hierarchy.AttributesOfType(parent.Class, domain.AttrCollection) {
		of := attr.Of
		if of == "" {
			of = domain.ClassAttachedDoc
		}
		docs, err := m.Next.FindAll(ctx, of, domain.Query{
			domain.FieldAttachedTo: string(parent.ID),
			domain.FieldCollection: attr.Name,
		}, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	return out, nil
}

func (m *triggers) cascadeRemove(ctx context.Context, f *domain.TxFactory, parent *domain.Doc) ([]domain.Tx, error) {
	children, err := m.attached(ctx, parent)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Tx, 0, len(children))
	for _, c := range children {
		out = append(out, f.Collection(c.AttachedToClass, c.Space, c.AttachedTo, c.Collection, f.RemoveDoc(c.Class, c.Space, c.ID)))
	}
	return out, nil
}

func (m *triggers) cascadeSpace(ctx context.Context, f *domain.TxFactory, parent *domain.Doc) ([]domain.Tx, error) {
	children, err := m.attached(ctx, parent)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Tx, 0, len(children))
	for _, c := range children {
		if c.Space == parent.Space {
			continue
		}
		out = append(out, f.UpdateDoc(c.Class, c.Space, c.ID, domain.Operations{domain.FieldSpace: string(parent.Space)}, false))
	}
	return out, nil
}
