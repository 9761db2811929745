package core

import (
	"context"
	"errors"
	"testing"

	"transactor/internal/infra/persistence/memory"
	"transactor/pkg/domain"
	"transactor/pkg/pluginapi"
)

func noopTrigger(context.Context, []domain.Tx, *pluginapi.TriggerControl) ([]domain.Tx, error) {
	return nil, nil
}

func triggerDoc(id, resource domain.Ref, match map[string]any, async bool) domain.Doc {
	attrs := map[string]any{domain.AttrNameTrigger: string(resource), domain.AttrNameIsAsync: async}
	if match != nil {
		attrs[domain.AttrNameTxMatch] = match
	}
	return domain.Doc{ID: id, Class: domain.ClassTrigger, Space: domain.SpaceModel, Attributes: attrs}
}

func TestTriggerEngineRegistrationOrder(t *testing.T) {
	res := pluginapi.NewResources()
	for _, ref := range []domain.Ref{"r:a", "r:b", "r:c"} {
		if err := res.Add(ref, noopTrigger); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	e := NewTriggerEngine(testHierarchy(), res)
	for _, id := range []domain.Ref{"t:c", "t:a", "t:b"} {
		if err := e.Register(triggerDoc(id, "r:"+id[2:], nil, false)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := e.Register(triggerDoc("t:a", "r:a", nil, true)); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	got := e.Triggers()
	if len(got) != 3 || got[0].ID != "t:c" || got[1].ID != "t:a" || got[2].ID != "t:b" {
		t.Fatalf("unexpected order %+v", got)
	}
	if !got[1].Async {
		t.Fatalf("re-registration should replace in place")
	}
	e.Unregister("t:a")
	if len(e.Triggers()) != 2 {
		t.Fatalf("unregister failed")
	}
	if err := e.Register(triggerDoc("t:x", "r:missing", nil, false)); err == nil {
		t.Fatalf("expected unknown resource to fail")
	}
}

func TestTriggerEngineMatchesSubclassesAndCollections(t *testing.T) {
	h := testHierarchy()
	h.MustAddClass(domain.Class{ID: "tracker:class:Bug", Extends: classIssue})
	h.MustAddClass(domain.Class{ID: "chunter:class:Comment", Extends: domain.ClassAttachedDoc})
	e := NewTriggerEngine(h, pluginapi.NewResources())
	f := domain.NewTxFactory("alice")

	onIssue := domain.Query{"objectClass": string(classIssue), domain.FieldClass: string(domain.KindCreateDoc.Class())}
	if !e.Matches(onIssue, f.CreateDoc("tracker:class:Bug", "p", nil, "")) {
		t.Fatalf("subclass create should match")
	}
	if e.Matches(onIssue, f.UpdateDoc(classIssue, "p", "x", domain.Operations{"a": 1}, false)) {
		t.Fatalf("update should not match a create trigger")
	}
	if e.Matches(onIssue, f.CreateDoc(domain.ClassSpace, "p", nil, "")) {
		t.Fatalf("unrelated class should not match")
	}

	onComment := domain.Query{"objectClass": "chunter:class:Comment"}
	coll := f.Collection(classIssue, "p", "issue-1", "comments", f.CreateDoc("chunter:class:Comment", "p", nil, ""))
	if !e.Matches(onComment, coll) {
		t.Fatalf("collection should match on its inner tx")
	}
	if !e.Matches(nil, coll) {
		t.Fatalf("empty match fires for everything")
	}
	sel := e.Select(RegisteredTrigger{Match: onComment}, []domain.Tx{coll, f.CreateDoc(classIssue, "p", nil, "")})
	if len(sel) != 1 || sel[0] != domain.Tx(coll) {
		t.Fatalf("unexpected selection %v", sel)
	}
}

func TestTriggerEngineLoad(t *testing.T) {
	ctx := context.Background()
	h := testHierarchy()
	store := memory.NewStore(h)
	f := domain.NewTxFactory(domain.AccountSystem)
	if _, err := store.Tx(ctx,
		f.CreateDoc(domain.ClassTrigger, domain.SpaceModel, map[string]any{domain.AttrNameTrigger: "r:known"}, "t:1"),
		f.CreateDoc(domain.ClassTrigger, domain.SpaceModel, map[string]any{domain.AttrNameTrigger: "r:unknown"}, "t:2"),
	); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res := pluginapi.NewResources()
	_ = res.Add("r:known", noopTrigger)
	e := NewTriggerEngine(h, res)
	err := e.Load(ctx, store)
	if err == nil {
		t.Fatalf("expected unknown resource error")
	}
	if len(e.Triggers()) != 1 || e.Triggers()[0].ID != "t:1" {
		t.Fatalf("known trigger should still load: %+v", e.Triggers())
	}
}

func TestTriggerErrorUnwraps(t *testing.T) {
	boom := errors.New("boom")
	err := error(&TriggerError{Trigger: "t", Err: boom})
	if !errors.Is(err, boom) || err.Error() != "trigger t: boom" {
		t.Fatalf("unexpected trigger error %v", err)
	}
	depth := domain.Internal(ErrTriggerDepth)
	if !errors.Is(depth, ErrTriggerDepth) || domain.StatusOf(depth) != domain.StatusInternalServerError {
		t.Fatalf("depth error must be internal: %v", depth)
	}
}
