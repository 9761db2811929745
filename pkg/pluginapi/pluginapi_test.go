package pluginapi

import (
	"context"
	"testing"

	"transactor/pkg/domain"
)

func TestResourcesBindOnce(t *testing.T) {
	r := NewResources()
	fn := func(context.Context, []domain.Tx, *TriggerControl) ([]domain.Tx, error) { return nil, nil }
	if err := r.Add("tracker:trigger:OnIssue", fn); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add("tracker:trigger:OnIssue", fn); err == nil {
		t.Fatalf("expected duplicate ref to fail")
	}
	if err := r.Add("", fn); err == nil {
		t.Fatalf("expected empty ref to fail")
	}
	if _, ok := r.Resolve("tracker:trigger:OnIssue"); !ok {
		t.Fatalf("expected ref to resolve")
	}
	if _, ok := r.Resolve("missing"); ok {
		t.Fatalf("unexpected resolve")
	}
}

func TestTriggerControlOutcome(t *testing.T) {
	f := domain.NewTxFactory("alice")
	tx := f.CreateDoc("c", "s", nil, "doc-1")
	ctl := &TriggerControl{Outcomes: []domain.TxOutcome{{Tx: tx, After: &domain.Doc{ID: "doc-1"}}}}
	o, ok := ctl.Outcome(tx.ID)
	if !ok || o.After.ID != "doc-1" {
		t.Fatalf("outcome not found: %+v %v", o, ok)
	}
	if _, ok := ctl.Outcome("other"); ok {
		t.Fatalf("unexpected outcome")
	}
}
