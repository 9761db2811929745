package pipeline

import (
	"context"
	"testing"
	"time"

	"transactor/internal/config"
	"transactor/internal/core"
	"transactor/pkg/domain"
	"transactor/plugins/tracker"
)

func TestOptions(t *testing.T) {
	opts := Options(config.Pipeline{MaxTriggerDepth: 4, AsyncRetries: 1, AsyncBackoff: time.Second})
	if opts.MaxTriggerDepth != 4 || opts.AsyncRetries != 1 || opts.AsyncBackoff != time.Second {
		t.Fatalf("options = %+v", opts)
	}
	if opts.CacheTTL != core.DefaultOptions().CacheTTL {
		t.Fatalf("zero cache ttl should keep the default")
	}
}

func TestOpenSeedsOnce(t *testing.T) {
	registry := core.NewPluginRegistry()
	if _, err := registry.Install(tracker.New()); err != nil {
		t.Fatalf("install: %v", err)
	}
	f := NewFactory(config.Default(), registry, nil, nil, nil)
	ctx := context.Background()

	p, err := f.Open(ctx, "ws", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	docs, err := p.FindAll(ctx, domain.ClassSequence, domain.Query{domain.FieldID: string(tracker.SequenceIssue)}, nil)
	if err != nil || len(docs) != 1 {
		t.Fatalf("seeded sequence missing: %v %v", docs, err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	again, err := f.Open(ctx, "ws", nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = again.Close(ctx) }()
	docs, _ = again.FindAll(ctx, domain.ClassSequence, nil, nil)
	if len(docs) != 1 {
		t.Fatalf("sequence seeded %d times", len(docs))
	}
}

func TestStandardChainSkipsQueueStages(t *testing.T) {
	registry := core.NewPluginRegistry()
	f := NewFactory(config.Default(), registry, nil, nil, nil)
	p, err := f.Open(context.Background(), "ws", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = p.Close(context.Background()) }()
	if p.Context().Queue != nil {
		t.Fatalf("queue should stay unset")
	}
	if p.Context().Derived == nil || p.Context().Head == nil {
		t.Fatalf("chain entry points not set")
	}
}
