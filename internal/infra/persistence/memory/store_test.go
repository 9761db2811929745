package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"transactor/pkg/domain"
)

const classIssue domain.Ref = "tracker:class:Issue"

func testHierarchy(t *testing.T) *domain.Hierarchy {
	t.Helper()
	h := domain.NewCoreHierarchy()
	if err := h.AddClass(domain.Class{ID: classIssue, Extends: domain.ClassDoc}); err != nil {
		t.Fatalf("add class: %v", err)
	}
	return h
}

func factory() *domain.TxFactory {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.NewTxFactory("alice", domain.WithClock(func() time.Time { return now }))
}

func TestStoreTxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testHierarchy(t))
	f := factory()

	out, err := s.Tx(ctx, f.CreateDoc(classIssue, "project-1", map[string]any{"title": "first"}, "issue-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(out) != 1 || out[0].Before != nil || out[0].After == nil || out[0].After.AttrString("title") != "first" {
		t.Fatalf("unexpected create outcome: %+v", out)
	}

	out, err = s.Tx(ctx, f.UpdateDoc(classIssue, "project-1", "issue-1", domain.Operations{"title": "second"}, true))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if out[0].Before.AttrString("title") != "first" || out[0].After.AttrString("title") != "second" {
		t.Fatalf("update outcome before/after mismatch: %+v", out[0])
	}

	if _, err := s.Tx(ctx, f.CreateDoc(classIssue, "project-1", nil, "issue-1")); !errors.Is(err, domain.ErrBadRequest) || !errors.Is(err, domain.ErrDocExists) {
		t.Fatalf("expected duplicate create to fail, got %v", err)
	}
	if _, err := s.Tx(ctx, f.UpdateDoc(classIssue, "project-1", "missing", domain.Operations{"title": "x"}, false)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	out, err = s.Tx(ctx, f.RemoveDoc(classIssue, "project-1", "issue-1"))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if out[0].After != nil || out[0].Before == nil {
		t.Fatalf("remove outcome: %+v", out[0])
	}
	docs, err := s.FindAll(ctx, classIssue, nil, nil)
	if err != nil || len(docs) != 0 {
		t.Fatalf("expected no docs after remove, got %v %v", docs, err)
	}
}

func TestStoreBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testHierarchy(t))
	f := factory()
	_, err := s.Tx(ctx,
		f.CreateDoc(classIssue, "p", nil, "issue-1"),
		f.UpdateDoc(classIssue, "p", "missing", domain.Operations{"x": 1}, false),
	)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected batch failure, got %v", err)
	}
	docs, _ := s.FindAll(ctx, classIssue, nil, nil)
	if len(docs) != 0 {
		t.Fatalf("failed batch must not leave partial writes, got %d docs", len(docs))
	}
	log, _ := s.Load(ctx, domain.DomainTx, nil)
	if len(log) != 0 {
		t.Fatalf("tx log must be empty, got %d", len(log))
	}
}

func TestStoreCommitHookFailureDiscardsBatch(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	var seen []Change
	s := NewStore(testHierarchy(t), WithCommitHook(func(_ context.Context, changes []Change) error {
		seen = changes
		return boom
	}))
	f := factory()
	_, err := s.Tx(ctx, f.CreateDoc(classIssue, "p", nil, "issue-1"))
	if !errors.Is(err, boom) || !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected internal wrapping hook error, got %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected document and tx log change, got %d", len(seen))
	}
	if docs, _ := s.FindAll(ctx, classIssue, nil, nil); len(docs) != 0 {
		t.Fatalf("hook failure must discard state, got %d docs", len(docs))
	}
}

func TestStoreFindAllFollowsHierarchy(t *testing.T) {
	ctx := context.Background()
	h := testHierarchy(t)
	h.MustAddClass(domain.Class{ID: "tracker:class:Bug", Extends: classIssue})
	s := NewStore(h, WithoutTxLog())
	f := factory()
	if _, err := s.Tx(ctx,
		f.CreateDoc(classIssue, "p", map[string]any{"rank": 2}, "b"),
		f.CreateDoc("tracker:class:Bug", "p", map[string]any{"rank": 1}, "a"),
	); err != nil {
		t.Fatalf("create: %v", err)
	}
	docs, err := s.FindAll(ctx, classIssue, nil, &domain.FindOptions{SortBy: "rank"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a" {
		t.Fatalf("expected subclass docs sorted by rank, got %+v", docs)
	}
	bugs, _ := s.FindAll(ctx, "tracker:class:Bug", nil, nil)
	if len(bugs) != 1 {
		t.Fatalf("expected one bug, got %d", len(bugs))
	}
	ranked, _ := s.FindAll(ctx, classIssue, domain.Query{"rank": 2}, nil)
	if len(ranked) != 1 || ranked[0].ID != "b" {
		t.Fatalf("query mismatch: %+v", ranked)
	}
	if log, _ := s.Find(ctx, domain.DomainTx); log != nil {
		if d, _ := log.Next(ctx); d != nil {
			t.Fatalf("tx log disabled but got %+v", d)
		}
	}
}

func TestStoreRecordsTxLog(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testHierarchy(t))
	f := factory()
	create := f.CreateDoc(classIssue, "p", map[string]any{"title": "t"}, "issue-1")
	if _, err := s.Tx(ctx, create); err != nil {
		t.Fatalf("create: %v", err)
	}
	docs, err := s.Load(ctx, domain.DomainTx, []domain.Ref{create.ID})
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected tx log entry, got %v %v", docs, err)
	}
	tx, err := domain.TxFromDoc(docs[0])
	if err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if tx.Kind() != domain.KindCreateDoc || domain.TargetID(tx) != "issue-1" {
		t.Fatalf("unexpected logged tx %+v", tx)
	}
}

func TestStoreRawDomainOperations(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	docs := []domain.Doc{
		{ID: "a", Class: domain.ClassBlob, Attributes: map[string]any{"size": 1}},
		{ID: "b", Class: domain.ClassBlob, Attributes: map[string]any{"size": 2}},
	}
	if err := s.Upload(ctx, domain.DomainBlob, docs); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := s.Update(ctx, domain.DomainBlob, map[domain.Ref]domain.Operations{"a": {domain.OpInc: map[string]any{"size": 4}}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	loaded, _ := s.Load(ctx, domain.DomainBlob, []domain.Ref{"a", "zzz"})
	if len(loaded) != 1 {
		t.Fatalf("expected only existing ids, got %d", len(loaded))
	}
	if n, _ := loaded[0].AttrInt("size"); n != 5 {
		t.Fatalf("expected size 5, got %d", n)
	}
	if err := s.Update(ctx, domain.DomainBlob, map[domain.Ref]domain.Operations{"nope": {"x": 1}}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Clean(ctx, domain.DomainBlob, []domain.Ref{"a"}); err != nil {
		t.Fatalf("clean: %v", err)
	}
	it, err := s.Find(ctx, domain.DomainBlob)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	defer func() { _ = it.Close() }()
	var ids []domain.Ref
	for {
		d, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if d == nil {
			break
		}
		ids = append(ids, d.ID)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("expected only b, got %v", ids)
	}
}

func TestStoreExportImport(t *testing.T) {
	ctx := context.Background()
	src := NewStore(testHierarchy(t))
	f := factory()
	if _, err := src.Tx(ctx, f.CreateDoc(classIssue, "p", map[string]any{"title": "t"}, "issue-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	snap := src.ExportState()
	snap[domain.DomainDocument][0].Attributes["title"] = "mutated"

	dst := NewStore(testHierarchy(t))
	dst.ImportState(src.ExportState())
	docs, _ := dst.FindAll(ctx, classIssue, nil, nil)
	if len(docs) != 1 || docs[0].AttrString("title") != "t" {
		t.Fatalf("import mismatch or export aliasing: %+v", docs)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore(testHierarchy(t))
	f := factory()
	out, err := s.Tx(ctx, f.CreateDoc(classIssue, "p", map[string]any{"title": "t"}, "issue-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	out[0].After.Attributes["title"] = "changed"
	docs, _ := s.FindAll(ctx, classIssue, nil, nil)
	docs[0].Attributes["extra"] = true
	again, _ := s.FindAll(ctx, classIssue, nil, nil)
	if again[0].AttrString("title") != "t" || again[0].Attr("extra") != nil {
		t.Fatalf("store state leaked to callers: %+v", again[0])
	}
}
