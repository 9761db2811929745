package middleware

import (
	"context"
	"errors"

	"transactor/internal/core"
	"transactor/pkg/domain"
)

type dbAdapter struct {
	adapter domain.DbAdapter
	pc      *core.PipelineContext
}

// DBAdapter is the terminal link: it commits through the workspace
// DbAdapter and invalidates cached space membership. Storage failures
// surface as InternalServerError unless they already carry a platform
// status.
func DBAdapter(_ context.Context, pc *core.PipelineContext, _ core.Middleware) (core.Middleware, error) {
	if pc.Adapter == nil {
		return nil, errors.New("pipeline context has no db adapter")
	}
	return &dbAdapter{adapter: pc.Adapter, pc: pc}, nil
}

func (m *dbAdapter) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	if len(txes) == 0 {
		return core.TxResult{}, nil
	}
	outcomes, err := m.adapter.Tx(ctx, txes...)
	if err != nil {
		return core.TxResult{}, domain.Internal(err)
	}
	forgetSpaces(m.pc, outcomes)
	return core.TxResult{Outcomes: outcomes}, nil
}

func (m *dbAdapter) FindAll(ctx context.Context, class domain.Ref, query domain.Query, opts *domain.FindOptions) ([]domain.Doc, error) {
	docs, err := m.adapter.FindAll(ctx, class, query, opts)
	if err != nil {
		return nil, domain.Internal(err)
	}
	return docs, nil
}

func (m *dbAdapter) Close(context.Context) error {
	return m.adapter.Close()
}
