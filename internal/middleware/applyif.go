package middleware

import (
	"context"

	"transactor/internal/core"
	"transactor/pkg/domain"
)

type applyIf struct {
	core.Base
}

// ApplyIf expands apply-if groups whose predicates hold and records the
// ids of the groups that were skipped. Predicates read committed state;
// the workspace lock keeps them valid until the expanded batch commits.
func ApplyIf(_ context.Context, _ *core.PipelineContext, next core.Middleware) (core.Middleware, error) {
	return &applyIf{Base: core.Base{Next: next}}, nil
}

func (m *applyIf) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	var expanded []domain.Tx
	var skipped []domain.Ref
	for _, tx := range txes {
		out, skip, err := m.expand(ctx, tx)
		if err != nil {
			return core.TxResult{}, err
		}
		expanded = append(expanded, out...)
		skipped = append(skipped, skip...)
	}
	if len(expanded) == 0 {
		return core.TxResult{Skipped: skipped}, nil
	}
	res, err := m.Next.Tx(ctx, expanded)
	res.Skipped = append(res.Skipped, skipped...)
	return res, err
}

func (m *applyIf) expand(ctx context.Context, tx domain.Tx) ([]domain.Tx, []domain.Ref, error) {
	group, ok := tx.(*domain.TxApplyIf)
	if !ok {
		return []domain.Tx{tx}, nil, nil
	}
	pass, err := m.holds(ctx, group)
	if err != nil {
		return nil, nil, err
	}
	if !pass {
		return nil, []domain.Ref{group.ID}, nil
	}
	var out []domain.Tx
	var skipped []domain.Ref
	for _, inner := range group.Txes {
		txes, skip, err := m.expand(ctx, inner)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, txes...)
		skipped = append(skipped, skip...)
	}
	return out, skipped, nil
}

func (m *applyIf) holds(ctx context.Context, group *domain.TxApplyIf) (bool, error) {
	limit := &domain.FindOptions{Limit: 1}
	for _, p := range group.Match {
		docs, err := m.Next.FindAll(ctx, p.Class, p.Query, limit)
		if err != nil {
			return false, err
		}
		if len(docs) == 0 {
			return false, nil
		}
	}
	for _, p := range group.NotMatch {
		docs, err := m.Next.FindAll(ctx, p.Class, p.Query, limit)
		if err != nil {
			return false, err
		}
		if len(docs) > 0 {
			return false, nil
		}
	}
	return true, nil
}
