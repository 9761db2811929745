package middleware

import (
	"context"

	"transactor/internal/core"
	"transactor/pkg/domain"
)

type broadcast struct {
	core.Base
}

// Broadcast queues committed outcomes on the call so the pipeline emits
// them before releasing the workspace lock.
func Broadcast(_ context.Context, _ *core.PipelineContext, next core.Middleware) (core.Middleware, error) {
	return &broadcast{Base: core.Base{Next: next}}, nil
}

func (m *broadcast) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	res, err := m.Next.Tx(ctx, txes)
	if err != nil {
		return res, err
	}
	if sd, ok := core.SessionFrom(ctx); ok && len(res.Outcomes) > 0 {
		sd.AddBroadcast(res.Outcomes...)
	}
	return res, nil
}
