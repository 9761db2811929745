package middleware

import (
	"context"

	"transactor/internal/core"
	"transactor/pkg/domain"
)

type userStatus struct {
	core.Base
	pc *core.PipelineContext
}

// UserStatus mirrors committed UserStatus documents into the user status
// cache.
func UserStatus(_ context.Context, pc *core.PipelineContext, next core.Middleware) (core.Middleware, error) {
	return &userStatus{Base: core.Base{Next: next}, pc: pc}, nil
}

func (m *userStatus) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	res, err := m.Next.Tx(ctx, txes)
	if !core.Committed(err) {
		return res, err
	}
	for _, o := range res.Outcomes {
		doc := o.After
		if doc == nil {
			doc = o.Before
		}
		if doc == nil || !m.pc.Hierarchy.IsDerived(doc.Class, domain.ClassUserStatus) {
			continue
		}
		if o.After == nil {
			m.pc.UserStatus.Remove(doc.ID)
			continue
		}
		m.pc.UserStatus.Set(core.StatusFromDoc(o.After))
	}
	return res, err
}
