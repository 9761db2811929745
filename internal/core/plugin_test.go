package core

import (
	"context"
	"testing"

	"transactor/internal/infra/persistence/memory"
	"transactor/pkg/domain"
	"transactor/pkg/pluginapi"
)

type testPlugin struct{}

func (testPlugin) Name() string    { return "test" }
func (testPlugin) Version() string { return pluginapi.Version }

func (testPlugin) Register(r pluginapi.Registry) error {
	if err := r.RegisterClass(domain.Class{ID: classIssue, Extends: domain.ClassDoc}); err != nil {
		return err
	}
	if err := r.RegisterTrigger(pluginapi.Trigger{Ref: "test:trigger:First", Func: noopTrigger, Match: domain.Query{"objectClass": string(classIssue)}}); err != nil {
		return err
	}
	if err := r.RegisterTrigger(pluginapi.Trigger{Ref: "test:trigger:Second", Func: noopTrigger, Async: true}); err != nil {
		return err
	}
	f := domain.NewTxFactory(domain.AccountSystem)
	r.Seed(f.CreateDoc(domain.ClassSequence, domain.SpaceModel, map[string]any{domain.AttrNamePrefix: "T", domain.AttrNameSequence: 0}, "seq-1"))
	return nil
}

func TestPluginRegistryInstallAndSeed(t *testing.T) {
	ctx := context.Background()
	reg := NewPluginRegistry()
	meta, err := reg.Install(testPlugin{})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(meta.Classes) != 1 || len(meta.Triggers) != 2 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if _, err := reg.Install(testPlugin{}); err == nil {
		t.Fatalf("expected duplicate install to fail")
	}
	if !reg.Hierarchy().HasClass(classIssue) {
		t.Fatalf("class not registered")
	}
	if len(reg.Plugins()) != 1 {
		t.Fatalf("plugin not recorded")
	}

	store := memory.NewStore(reg.Hierarchy())
	n, err := ApplySeeds(ctx, store, reg.Hierarchy(), reg.Seeds())
	if err != nil || n != 3 {
		t.Fatalf("apply seeds: %d %v", n, err)
	}
	n, err = ApplySeeds(ctx, store, reg.Hierarchy(), reg.Seeds())
	if err != nil || n != 0 {
		t.Fatalf("seeds must be idempotent: %d %v", n, err)
	}

	e := NewTriggerEngine(reg.Hierarchy(), reg.Resources())
	if err := e.Load(ctx, store); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := e.Triggers()
	if len(got) != 2 || got[0].ID != "test:trigger:First" || !got[1].Async {
		t.Fatalf("unexpected triggers %+v", got)
	}
	if got[0].Match == nil {
		t.Fatalf("match query lost")
	}
}
