package middleware_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"transactor/internal/config"
	"transactor/internal/core"
	blobmemory "transactor/internal/infra/blob/memory"
	queuememory "transactor/internal/infra/queue/memory"
	"transactor/internal/pipeline"
	"transactor/pkg/domain"
	"transactor/pkg/pluginapi"
	"transactor/pkg/queue"
	"transactor/plugins/attachment"
	"transactor/plugins/tracker"
)

const testWorkspace domain.WorkspaceID = "ws-test"

var (
	alice = domain.Account{UUID: "alice", Role: domain.RoleUser}
	bob   = domain.Account{UUID: "bob", Role: domain.RoleUser}
	owner = domain.Account{UUID: "olivia", Role: domain.RoleOwner}
)

type fixture struct {
	t        *testing.T
	pipeline *core.Pipeline
	blob     *blobmemory.Store
	queue    *queuememory.Queue

	mu     sync.Mutex
	events []core.BroadcastEvent
}

// newFixture opens the standard chain with the tracker and attachment
// plugins plus any extra plugins.
func newFixture(t *testing.T, cfg config.Pipeline, extra ...pluginapi.Plugin) *fixture {
	t.Helper()
	registry := core.NewPluginRegistry()
	plugins := append([]pluginapi.Plugin{tracker.New(), attachment.New()}, extra...)
	for _, p := range plugins {
		if _, err := registry.Install(p); err != nil {
			t.Fatalf("install %s: %v", p.Name(), err)
		}
	}
	full := config.Default()
	full.Pipeline = cfg
	fx := &fixture{
		t:     t,
		blob:  blobmemory.New(),
		queue: queuememory.New(queue.Config{ClientID: "test"}, nil),
	}
	factory := pipeline.NewFactory(full, registry, fx.blob, fx.queue, nil)
	p, err := factory.Open(context.Background(), testWorkspace, fx.record)
	if err != nil {
		t.Fatalf("open pipeline: %v", err)
	}
	fx.pipeline = p
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return fx
}

func defaultPipeline() config.Pipeline {
	cfg := config.Default().Pipeline
	cfg.AsyncBackoff = time.Millisecond
	return cfg
}

func (f *fixture) record(_ context.Context, ev core.BroadcastEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fixture) broadcasts() []core.BroadcastEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.BroadcastEvent(nil), f.events...)
}

func (f *fixture) as(account domain.Account) context.Context {
	return core.WithSession(context.Background(), &core.SessionData{Account: account, SessionID: "session-" + string(account.UUID)})
}

func (f *fixture) tx(account domain.Account, txes ...domain.Tx) (core.TxResult, error) {
	return f.pipeline.Tx(f.as(account), txes)
}

func (f *fixture) mustTx(account domain.Account, txes ...domain.Tx) core.TxResult {
	f.t.Helper()
	res, err := f.tx(account, txes...)
	if err != nil {
		f.t.Fatalf("tx: %v", err)
	}
	return res
}

// stored reads committed state below the security middlewares.
func (f *fixture) stored(class domain.Ref, q domain.Query) []domain.Doc {
	f.t.Helper()
	docs, err := f.pipeline.Context().Adapter.FindAll(context.Background(), class, q, nil)
	if err != nil {
		f.t.Fatalf("find %s: %v", class, err)
	}
	return docs
}

func (f *fixture) doc(class, id domain.Ref) *domain.Doc {
	f.t.Helper()
	docs := f.stored(class, domain.Query{domain.FieldID: string(id)})
	if len(docs) == 0 {
		return nil
	}
	return &docs[0]
}

// drain waits for async trigger work by closing the pipeline.
func (f *fixture) drain() {
	f.t.Helper()
	if err := f.pipeline.Close(context.Background()); err != nil {
		f.t.Fatalf("close: %v", err)
	}
}

func factoryFor(account domain.Account) *domain.TxFactory {
	return domain.NewTxFactory(account.UUID)
}

func newIssue(f *domain.TxFactory, id domain.Ref, title string) domain.Tx {
	return f.CreateDoc(tracker.ClassIssue, tracker.ProjectDefault, map[string]any{tracker.AttrTitle: title}, id)
}

// testPlugin registers ad hoc classes and triggers.
type testPlugin struct {
	classes  []domain.Class
	triggers []pluginapi.Trigger
}

func (testPlugin) Name() string    { return "test" }
func (testPlugin) Version() string { return "0.0.1" }

func (p testPlugin) Register(r pluginapi.Registry) error {
	for _, c := range p.classes {
		if err := r.RegisterClass(c); err != nil {
			return err
		}
	}
	for _, t := range p.triggers {
		if err := r.RegisterTrigger(t); err != nil {
			return err
		}
	}
	return nil
}
