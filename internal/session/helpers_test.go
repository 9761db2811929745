package session

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"transactor/internal/config"
	"transactor/internal/core"
	queuememory "transactor/internal/infra/queue/memory"
	"transactor/internal/pipeline"
	"transactor/pkg/domain"
	"transactor/pkg/queue"
	"transactor/plugins/tracker"
)

const testWorkspace domain.WorkspaceID = "ws-1"

// fakeSocket records written frames. When block is set WriteFrame waits
// until the socket is closed.
type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	reason string
	closed bool
	block  chan struct{}
	once   sync.Once
}

func blockingSocket() *fakeSocket { return &fakeSocket{block: make(chan struct{})} }

func (f *fakeSocket) WriteFrame(_ context.Context, frame []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeSocket) Close(reason string) error {
	f.mu.Lock()
	f.closed = true
	f.reason = reason
	f.mu.Unlock()
	if f.block != nil {
		f.once.Do(func() { close(f.block) })
	}
	return nil
}

type frame struct {
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorBody      `json:"error"`
	Queries []string        `json:"queries"`
}

func (f *fakeSocket) decoded(t *testing.T) []frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame, 0, len(f.frames))
	for _, raw := range f.frames {
		var fr frame
		if err := json.Unmarshal(raw, &fr); err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		out = append(out, fr)
	}
	return out
}

func (f *fakeSocket) waitFrames(t *testing.T, n int) []frame {
	t.Helper()
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.frames) >= n
	})
	return f.decoded(t)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

type harness struct {
	manager *Manager
	auth    *StaticAuthenticator
	queue   *queuememory.Queue
}

func newHarness(t *testing.T, cfg config.Session, opts ...Option) *harness {
	t.Helper()
	registry := core.NewPluginRegistry()
	if _, err := registry.Install(tracker.New()); err != nil {
		t.Fatalf("install: %v", err)
	}
	q := queuememory.New(queue.Config{ClientID: "test"}, nil)
	factory := pipeline.NewFactory(config.Default(), registry, nil, q, nil)
	auth, err := NewStaticAuthenticator(config.Auth{})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	h := &harness{auth: auth, queue: q}
	h.grant("alice", "alice", domain.RoleUser, false)
	h.grant("bob", "bob", domain.RoleUser, false)
	h.grant("carol", "carol", domain.RoleUser, false)
	h.grant("admin", "admin", domain.RoleOwner, true)
	h.manager = NewManager(cfg, factory, auth, append([]Option{WithQueue(q)}, opts...)...)
	t.Cleanup(func() { _ = h.manager.Shutdown(context.Background()) })
	return h
}

func testSessionConfig() config.Session {
	cfg := config.Default().Session
	cfg.RateLimit = 0
	return cfg
}

func (h *harness) grant(token, account string, role domain.Role, upgrade bool) {
	h.auth.Add(token, Grant{
		Workspace: testWorkspace,
		Account:   domain.Account{UUID: domain.Ref(account), Role: role},
		Upgrade:   upgrade,
	})
}

func (h *harness) connect(t *testing.T, token string) (*Session, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	s, err := h.manager.Connect(context.Background(), token, sock)
	if err != nil {
		t.Fatalf("connect %s: %v", token, err)
	}
	return s, sock
}

func request(t *testing.T, id, method string, params any) []byte {
	t.Helper()
	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return raw
}

func issueQuery() SubscribeParams {
	return SubscribeParams{QueryID: "issues", Class: tracker.ClassIssue, Query: domain.Query{}}
}

func createIssue(account, id string) []domain.Tx {
	f := domain.NewTxFactory(domain.Ref(account))
	return []domain.Tx{f.CreateDoc(tracker.ClassIssue, tracker.ProjectDefault, map[string]any{tracker.AttrTitle: id}, domain.Ref(id))}
}
