package domain

import (
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func fixedFactory(account Ref) *TxFactory {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewTxFactory(account, WithClock(func() time.Time { return at }))
}

func TestTxFactoryAssignsHeader(t *testing.T) {
	f := fixedFactory("alice")
	create := f.CreateDoc("tracker:class:Issue", "project-1", map[string]any{"title": "first"}, "")
	if create.ObjectID == "" || create.ID == "" {
		t.Fatalf("expected generated ids, got %+v", create.TxCUD)
	}
	if create.ID == create.ObjectID {
		t.Fatalf("tx id and object id must differ")
	}
	if create.ModifiedBy != "alice" || create.Space != SpaceTx {
		t.Fatalf("unexpected header %+v", create.TxBase)
	}
	if create.ModifiedOn != TimestampOf(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected modifiedOn %d", create.ModifiedOn)
	}
	derived := NewDerivedTxFactory("alice").RemoveDoc("c", "s", "o")
	if derived.Space != SpaceDerivedTx {
		t.Fatalf("derived factory should record in %s, got %s", SpaceDerivedTx, derived.Space)
	}
}

func TestTxFactoryIDsAreOrdered(t *testing.T) {
	f := NewTxFactory("alice")
	prev := f.RemoveDoc("c", "s", "o").ID
	for i := 0; i < 50; i++ {
		next := f.RemoveDoc("c", "s", "o").ID
		if next <= prev {
			t.Fatalf("ids not increasing: %s after %s", next, prev)
		}
		prev = next
	}
}

func TestTxRewritesDoNotMutateOriginal(t *testing.T) {
	f := fixedFactory("alice")
	attrs := map[string]any{"title": "a"}
	create := f.CreateDoc("c", "s", attrs, "")
	attrs["title"] = "mutated by caller"
	if create.Attributes["title"] != "a" {
		t.Fatalf("factory must copy attributes")
	}
	rewritten := create.WithAttributes(map[string]any{"identifier": "TSK-1"})
	if _, ok := create.Attributes["identifier"]; ok {
		t.Fatalf("original create was mutated")
	}
	if rewritten.Attributes["identifier"] != "TSK-1" || rewritten.Attributes["title"] != "a" {
		t.Fatalf("unexpected rewritten attributes %v", rewritten.Attributes)
	}

	group := f.Batch(create, f.Collection("c", "s", "parent", "comments", f.CreateDoc("comment", "s", nil, "")))
	stamped := WithModifiedOn(group, 42).(*TxApplyIf)
	if group.ModifiedOn == 42 {
		t.Fatalf("original group was stamped")
	}
	err := Walk(stamped, func(tx Tx) error {
		if tx.Header().ModifiedOn != 42 {
			return errors.New("nested tx not stamped")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if got := group.Txes[0].Header().ModifiedOn; got == 42 {
		t.Fatalf("nested original tx was stamped")
	}
}

func TestWalkFlattenAndTarget(t *testing.T) {
	f := NewTxFactory("alice")
	inner := f.CreateDoc("comment", "s", nil, "comment-1")
	coll := f.Collection("issue", "s", "issue-1", "comments", inner)
	group := f.Batch(f.RemoveDoc("issue", "s", "issue-2"), coll)

	var kinds []Kind
	_ = Walk(group, func(tx Tx) error {
		kinds = append(kinds, tx.Kind())
		return nil
	})
	want := []Kind{KindApplyIf, KindRemoveDoc, KindCollection, KindCreateDoc}
	if len(kinds) != len(want) {
		t.Fatalf("walk visited %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("walk order %v, want %v", kinds, want)
		}
	}
	flat := Flatten([]Tx{group})
	if len(flat) != 2 || flat[1] != coll {
		t.Fatalf("flatten returned %v", flat)
	}
	if TargetID(coll) != "comment-1" {
		t.Fatalf("collection target should be the attached doc, got %s", TargetID(coll))
	}
	if TargetID(group) != "" {
		t.Fatalf("groups have no target")
	}
}

func TestTxCodecRoundTripsNestedKinds(t *testing.T) {
	f := fixedFactory("alice")
	original := f.ApplyIf("scope-1",
		[]MatchPredicate{{Class: "tracker:class:Issue", Query: Query{"status": "open"}}},
		nil,
		[]Tx{
			f.UpdateDoc("tracker:class:Issue", "s", "issue-1", Operations{"$inc": map[string]any{"comments": 1}}, true),
			f.Collection("tracker:class:Issue", "s", "issue-1", "comments",
				f.CreateDoc("chunter:class:Comment", "s", map[string]any{"text": "hi"}, "c-1")),
			f.Mixin("issue-1", "tracker:class:Issue", "s", "tracker:mixin:Ranked", map[string]any{"rank": "a"}),
		})

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalTx(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	group, ok := decoded.(*TxApplyIf)
	if !ok {
		t.Fatalf("decoded %T", decoded)
	}
	if group.ID != original.ID || group.Scope != "scope-1" || len(group.Match) != 1 {
		t.Fatalf("header lost: %+v", group)
	}
	if len(group.Txes) != 3 {
		t.Fatalf("expected 3 inner txes, got %d", len(group.Txes))
	}
	update, ok := group.Txes[0].(*TxUpdateDoc)
	if !ok || !update.Retrieve || !update.Operations.Has(OpInc) {
		t.Fatalf("update lost: %#v", group.Txes[0])
	}
	coll, ok := group.Txes[1].(*TxCollectionCUD)
	if !ok || coll.Collection != "comments" {
		t.Fatalf("collection lost: %#v", group.Txes[1])
	}
	inner, ok := coll.Tx.(*TxCreateDoc)
	if !ok || inner.ObjectID != "c-1" || inner.Attributes["text"] != "hi" {
		t.Fatalf("inner create lost: %#v", coll.Tx)
	}
	if mixin, ok := group.Txes[2].(*TxMixin); !ok || mixin.Mixin != "tracker:mixin:Ranked" {
		t.Fatalf("mixin lost: %#v", group.Txes[2])
	}
}

func TestUnmarshalTxRejectsUnknownClass(t *testing.T) {
	_, err := UnmarshalTx([]byte(`{"_class":"core:class:Nope"}`))
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	var list TxList
	if err := json.Unmarshal([]byte(`[{"_class":"core:class:TxRemoveDoc","objectId":"x"}]`), &list); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || TargetID(list[0]) != "x" {
		t.Fatalf("unexpected list %v", list)
	}
}

func TestTxFieldsExposeMatchPaths(t *testing.T) {
	f := NewTxFactory("alice")
	update := f.UpdateDoc("tracker:class:Issue", "s", "i", Operations{"assignee": "bob", "$inc": map[string]any{"n": 1}}, false)
	q := Query{"_class": string(ClassTxUpdateDoc), "objectClass": "tracker:class:Issue", "operations.assignee": Query{"$exists": true}}
	if !q.Matches(FieldsOf(update)) {
		t.Fatalf("update should match %v", q)
	}
	if !(Query{"operations.$inc.n": 1}).Matches(FieldsOf(update)) {
		t.Fatalf("operator path should resolve")
	}
	coll := f.Collection("issue", "s", "i", "comments", f.CreateDoc("comment", "s", nil, ""))
	if !(Query{"tx._class": string(ClassTxCreateDoc), "collection": "comments"}).Matches(FieldsOf(coll)) {
		t.Fatalf("collection inner path should resolve")
	}
}
