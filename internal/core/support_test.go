package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"transactor/internal/config"
	"transactor/internal/infra/persistence/memory"
	"transactor/pkg/domain"
)

func TestUserStatusCacheFallsBackToStorage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	f := domain.NewTxFactory(domain.AccountSystem)
	if _, err := store.Tx(ctx, f.CreateDoc(domain.ClassUserStatus, domain.SpaceWorkspace,
		map[string]any{domain.AttrNameUser: "alice", domain.AttrNameOnline: true}, "status-1")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := NewUserStatusCache(store)
	s, ok, err := c.ByUser(ctx, "alice")
	if err != nil || !ok || !s.Online || s.ID != "status-1" {
		t.Fatalf("unexpected status %+v %v %v", s, ok, err)
	}
	if _, cached := c.Get("status-1"); !cached {
		t.Fatalf("storage hit should populate the cache")
	}
	if _, ok, _ := c.ByUser(ctx, "bob"); ok {
		t.Fatalf("unexpected status for bob")
	}
	c.Remove("status-1")
	if _, cached := c.Get("status-1"); cached {
		t.Fatalf("remove failed")
	}
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	rec.Observe(context.Background(), "tx", true, time.Millisecond)
	rec.Observe(context.Background(), "tx", false, time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Millisecond)
	if got := testutil.ToFloat64(rec.results.WithLabelValues("tx", "success")); got != 1 {
		t.Fatalf("success count = %v", got)
	}
	again, err := NewPrometheusRecorder(reg)
	if err != nil {
		t.Fatalf("second registration should reuse collectors: %v", err)
	}
	again.Observe(context.Background(), "tx", true, time.Millisecond)
	if got := testutil.ToFloat64(rec.results.WithLabelValues("tx", "success")); got != 2 {
		t.Fatalf("shared collector count = %v", got)
	}
}

func TestStorageFactory(t *testing.T) {
	ctx := context.Background()
	h := domain.NewCoreHierarchy()
	mem := NewStorageFactory(config.Storage{Driver: "memory"}, h)
	a, err := mem.Open(ctx, "ws")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, _ := mem.Open(ctx, "ws")
	if a != b {
		t.Fatalf("memory adapters must be reused per workspace")
	}

	dir := t.TempDir()
	sq, err := OpenDbAdapter(ctx, config.Storage{Driver: "sqlite", SQLiteDir: dir}, "team/ws 1", h)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer func() { _ = sq.Close() }()
	if matches, _ := filepath.Glob(filepath.Join(dir, "team_ws_1.db")); len(matches) != 1 {
		t.Fatalf("expected sanitized sqlite file, got %v", matches)
	}
	if _, err := OpenDbAdapter(ctx, config.Storage{Driver: "mongo"}, "ws", h); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
