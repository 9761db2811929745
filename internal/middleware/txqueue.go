package middleware

import (
	"context"

	"transactor/internal/core"
	"transactor/pkg/domain"
	"transactor/pkg/queue"
)

type txQueue struct {
	core.Base
	pc *core.PipelineContext
}

// TxQueue publishes committed transactions on the tx topic once the call
// released the workspace lock.
func TxQueue(_ context.Context, pc *core.PipelineContext, next core.Middleware) (core.Middleware, error) {
	if pc.Queue == nil {
		return next, nil
	}
	return &txQueue{Base: core.Base{Next: next}, pc: pc}, nil
}

func (m *txQueue) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	res, err := m.Next.Tx(ctx, txes)
	if err != nil || len(res.Outcomes) == 0 {
		return res, err
	}
	sd, ok := core.SessionFrom(ctx)
	if !ok {
		return res, nil
	}
	values := make([]any, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		values = append(values, o.Tx)
	}
	workspace := m.pc.Workspace
	sd.Defer(func(ctx context.Context) error {
		p := m.pc.Producer(queue.TopicTx)
		if p == nil {
			return nil
		}
		return p.Send(ctx, workspace, values...)
	})
	return res, nil
}
