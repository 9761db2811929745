package middleware

import (
	"context"

	"transactor/internal/core"
	"transactor/pkg/domain"
)

const spaceCachePrefix = "space:"

type spaceInfo struct {
	Private bool
	Members map[domain.Ref]struct{}
}

func spaceInfoOf(doc *domain.Doc) spaceInfo {
	info := spaceInfo{Private: doc.AttrBool(domain.AttrNamePrivate), Members: make(map[domain.Ref]struct{})}
	for _, name := range []string{domain.AttrNameMembers, domain.AttrNameOwners} {
		for _, m := range doc.AttrRefs(name) {
			info.Members[m] = struct{}{}
		}
	}
	return info
}

func (s spaceInfo) allows(account domain.Account) bool {
	if !s.Private {
		return true
	}
	if _, ok := s.Members[account.UUID]; ok {
		return true
	}
	_, ok := s.Members[account.PrimarySocialID()]
	return ok
}

type spaceSecurity struct {
	core.Base
	pc *core.PipelineContext
}

// SpaceSecurity restricts private spaces to their members: writes into a
// private space need membership, reads and broadcasts hide its documents
// from everyone else.
func SpaceSecurity(_ context.Context, pc *core.PipelineContext, next core.Middleware) (core.Middleware, error) {
	m := &spaceSecurity{Base: core.Base{Next: next}, pc: pc}
	pc.AddBroadcastFilter(m.visible)
	return m, nil
}

func bypassSpaces(account domain.Account) bool {
	return account.IsSystem() || account.Role >= domain.RoleOwner
}

func (m *spaceSecurity) Tx(ctx context.Context, txes []domain.Tx) (core.TxResult, error) {
	sd, _ := core.SessionFrom(ctx)
	if sd != nil && !bypassSpaces(sd.Account) {
		for _, tx := range txes {
			if err := domain.Walk(tx, func(tx domain.Tx) error { return m.checkWrite(ctx, sd.Account, tx) }); err != nil {
				return core.TxResult{}, err
			}
		}
	}
	return m.Next.Tx(ctx, txes)
}

// forgetSpaces drops cached membership of every space touched by outcomes.
// It runs at the storage link so trigger output, which enters below this
// middleware, invalidates too.
func forgetSpaces(pc *core.PipelineContext, outcomes []domain.TxOutcome) {
	for _, o := range outcomes {
		if id := domain.TargetID(o.Tx); id != "" && pc.Hierarchy.IsSpace(unwrappedClass(o.Tx)) {
			pc.Cache.Delete(spaceCachePrefix + string(id))
		}
	}
}

func unwrappedClass(tx domain.Tx) domain.Ref {
	if cud, ok := domain.Unwrap(tx).(domain.CUD); ok {
		return cud.Target().ObjectClass
	}
	return ""
}

func (m *spaceSecurity) checkWrite(ctx context.Context, account domain.Account, tx domain.Tx) error {
	if _, ok := tx.(*domain.TxApplyIf); ok {
		return nil
	}
	cud, ok := tx.(domain.CUD)
	if !ok {
		return nil
	}
	target := cud.Target()
	space := target.ObjectSpace
	if m.pc.Hierarchy.IsSpace(target.ObjectClass) {
		if tx.Kind() == domain.KindCreateDoc {
			return nil
		}
		space = target.ObjectID
	}
	info, found, err := m.space(ctx, space)
	if err != nil {
		return err
	}
	if found && !info.allows(account) {
		return domain.Forbidden("not a member of private space %s", space)
	}
	return nil
}

func (m *spaceSecurity) space(ctx context.Context, id domain.Ref) (spaceInfo, bool, error) {
	if id == "" {
		return spaceInfo{}, false, nil
	}
	if v, ok := m.pc.Cache.Get(spaceCachePrefix + string(id)); ok {
		if info, ok := v.(spaceInfo); ok {
			return info, true, nil
		}
	}
	docs, err := m.pc.Adapter.FindAll(ctx, domain.ClassSpace, domain.Query{domain.FieldID: string(id)}, &domain.FindOptions{Limit: 1})
	if err != nil {
		return spaceInfo{}, false, domain.Internal(err)
	}
	if len(docs) == 0 {
		return spaceInfo{}, false, nil
	}
	info := spaceInfoOf(&docs[0])
	m.pc.Cache.SetDefault(spaceCachePrefix+string(id), info)
	return info, true, nil
}

func (m *spaceSecurity) allowsDoc(ctx context.Context, account domain.Account, doc *domain.Doc) bool {
	if m.pc.Hierarchy.IsSpace(doc.Class) {
		return spaceInfoOf(doc).allows(account)
	}
	info, found, err := m.space(ctx, doc.Space)
	if err != nil {
		return false
	}
	return !found || info.allows(account)
}

// FindAll hides documents of private spaces the caller is not a member of.
// The limit applies to the visible documents, so storage is queried
// without it.
func (m *spaceSecurity) FindAll(ctx context.Context, class domain.Ref, query domain.Query, opts *domain.FindOptions) ([]domain.Doc, error) {
	sd, ok := core.SessionFrom(ctx)
	if !ok || bypassSpaces(sd.Account) {
		return m.Next.FindAll(ctx, class, query, opts)
	}
	limit := 0
	if opts != nil && opts.Limit > 0 {
		limit = opts.Limit
		unlimited := *opts
		unlimited.Limit = 0
		opts = &unlimited
	}
	docs, err := m.Next.FindAll(ctx, class, query, opts)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for i := range docs {
		if limit > 0 && len(out) == limit {
			break
		}
		if m.allowsDoc(ctx, sd.Account, &docs[i]) {
			out = append(out, docs[i])
		}
	}
	return out, nil
}

func (m *spaceSecurity) visible(account domain.Account, o domain.TxOutcome) bool {
	if bypassSpaces(account) {
		return true
	}
	doc := o.After
	if doc == nil {
		doc = o.Before
	}
	if doc == nil {
		return true
	}
	return m.allowsDoc(context.Background(), account, doc)
}
