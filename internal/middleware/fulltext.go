package middleware

import (
	"context"

	"transactor/internal/core"
	"transactor/pkg/domain"
	"transactor/pkg/queue"
)

// IndexRequest is published on the fulltext topic for every changed
// document of a full-text class.
type IndexRequest struct {
	ID      domain.Ref `json:"_id"`
	Class   domain.Ref `json:"_class"`
	Space   domain.Ref `json:"space"`
	Removed bool       `json:"removed,omitempty"`
}

type fullText struct {
	core.Base
	pc *core.PipelineContext
}

// FullText queues index requests for committed changes. Without a queue it
// stays out of the chain.
func FullText(_ context.Context, pc *core.PipelineContext, next core.Middleware) (core.Middleware, error) {
	if pc.Queue == nil {
		return next, nil
	}
	return &fullText{Base: core.Base{Next: next}, pc: pc}, nil
}

func (m *fullText) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	res, err := m.Next.Tx(ctx, txes)
	if err != nil {
		return res, err
	}
	sd, ok := core.SessionFrom(ctx)
	if !ok {
		return res, nil
	}
	var reqs []any
	for _, o := range res.Outcomes {
		doc := o.After
		if doc == nil {
			doc = o.Before
		}
		if doc == nil || !m.pc.Hierarchy.IsFullText(doc.Class) {
			continue
		}
		reqs = append(reqs, IndexRequest{ID: doc.ID, Class: doc.Class, Space: doc.Space, Removed: o.After == nil})
	}
	if len(reqs) == 0 {
		return res, nil
	}
	workspace := m.pc.Workspace
	sd.Defer(func(ctx context.Context) error {
		p := m.pc.Producer(queue.TopicFulltext)
		if p == nil {
			return nil
		}
		return p.Send(ctx, workspace, reqs...)
	})
	return res, nil
}
