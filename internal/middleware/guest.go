package middleware

import (
	"context"

	"transactor/internal/core"
	"transactor/pkg/domain"
)

type guestPermissions struct {
	core.Base
	h *domain.Hierarchy
}

// GuestPermissions rejects writes guest accounts are not allowed to make.
// One rejected transaction fails the whole batch.
func GuestPermissions(_ context.Context, pc *core.PipelineContext, next core.Middleware) (core.Middleware, error) {
	return &guestPermissions{Base: core.Base{Next: next}, h: pc.Hierarchy}, nil
}

func (m *guestPermissions) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	sd, ok := core.SessionFrom(ctx)
	if !ok {
		return core.TxResult{}, domain.Forbidden("no session")
	}
	account := sd.Account
	if account.IsSystem() || !account.Role.IsGuest() {
		return m.Next.Tx(ctx, txes)
	}
	if account.Role != domain.RoleGuest {
		return core.TxResult{}, domain.Forbidden("%s accounts cannot change documents", account.Role)
	}
	for _, tx := range txes {
		if err := domain.Walk(tx, m.check); err != nil {
			return core.TxResult{}, err
		}
	}
	return m.Next.Tx(ctx, txes)
}

func (m *guestPermissions) check(tx domain.Tx) error {
	switch tx.(type) {
	case *domain.TxApplyIf, *domain.TxCollectionCUD:
		return nil
	}
	cud, ok := tx.(domain.CUD)
	if !ok {
		return nil
	}
	class := cud.Target().ObjectClass
	if m.h.IsSpace(class) {
		return m.checkSpace(tx, class)
	}
	access, _ := m.h.GuestAccess(class)
	allowed := false
	switch tx.Kind() {
	case domain.KindCreateDoc:
		allowed = access.Create
	case domain.KindUpdateDoc, domain.KindMixin:
		allowed = access.Update
	case domain.KindRemoveDoc:
		allowed = access.Remove
	}
	if !allowed {
		return domain.Forbidden("guests cannot %s %s", tx.Kind(), class)
	}
	return nil
}

func (m *guestPermissions) checkSpace(tx domain.Tx, class domain.Ref) error {
	switch t := tx.(type) {
	case *domain.TxRemoveDoc:
		return domain.Forbidden("guests cannot remove spaces")
	case *domain.TxUpdateDoc:
		if t.Operations.Has(domain.OpPush) || t.Operations.Has(domain.OpPull) || t.Operations.Touches(domain.SpaceSensitiveFields...) {
			return domain.Forbidden("guests cannot change space membership or visibility")
		}
	case *domain.TxMixin:
		for _, f := range domain.SpaceSensitiveFields {
			if _, ok := t.Attributes[f]; ok {
				return domain.Forbidden("guests cannot change space membership or visibility")
			}
		}
	case *domain.TxCreateDoc:
		if access, _ := m.h.GuestAccess(class); !access.Create {
			return domain.Forbidden("guests cannot create %s", class)
		}
	}
	return nil
}
