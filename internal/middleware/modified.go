package middleware

import (
	"context"

	"transactor/internal/core"
	"transactor/pkg/domain"
)

type modified struct {
	core.Base
	pc *core.PipelineContext
}

// Modified stamps server time on every transaction and attributes client
// transactions to the calling account.
func Modified(_ context.Context, pc *core.PipelineContext, next core.Middleware) (core.Middleware, error) {
	return &modified{Base: core.Base{Next: next}, pc: pc}, nil
}

func (m *modified) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	now := m.pc.Timestamp()
	sd, _ := core.SessionFrom(ctx)
	stamped := make([]domain.Tx, len(txes))
	for i, tx := range txes {
		tx = domain.WithModifiedOn(tx, now)
		if sd != nil && !sd.Account.IsSystem() {
			tx = domain.WithModifiedBy(tx, sd.Account.PrimarySocialID())
		}
		stamped[i] = tx
	}
	return m.Next.Tx(ctx, stamped)
}
