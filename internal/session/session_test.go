package session

import (
	"context"
	"testing"
	"time"

	"transactor/internal/config"
	"transactor/pkg/domain"
)

func TestEnqueueOverflowClosesSession(t *testing.T) {
	sock := blockingSocket()
	s := newSession("s1", Grant{Workspace: testWorkspace}, sock, 1, nil, time.Now())
	closed := make(chan string, 1)
	s.onClose = func(_ *Session, reason string) { closed <- reason }
	s.start()

	s.Enqueue([]byte("1"))
	waitFor(t, func() bool { return len(s.send) == 0 })
	if !s.Enqueue([]byte("2")) {
		t.Fatalf("second frame should fit the queue")
	}
	if s.Enqueue([]byte("3")) {
		t.Fatalf("overflow should be refused")
	}
	select {
	case reason := <-closed:
		if reason != ReasonBackpressure {
			t.Fatalf("reason = %s", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session not closed")
	}
	if s.Enqueue([]byte("4")) {
		t.Fatalf("closed session accepted a frame")
	}
}

func TestFramesKeepEnqueueOrder(t *testing.T) {
	sock := &fakeSocket{}
	s := newSession("s1", Grant{Workspace: testWorkspace}, sock, 16, nil, time.Now())
	s.start()
	defer s.Close(ReasonClient)
	for _, f := range []string{"1", "2", "3", "4"} {
		s.Enqueue([]byte(f))
	}
	waitFor(t, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		return len(sock.frames) == 4
	})
	sock.mu.Lock()
	defer sock.mu.Unlock()
	for i, want := range []string{"1", "2", "3", "4"} {
		if string(sock.frames[i]) != want {
			t.Fatalf("frame %d = %s", i, sock.frames[i])
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sock := &fakeSocket{}
	calls := 0
	s := newSession("s1", Grant{Workspace: testWorkspace}, sock, 1, nil, time.Now())
	s.onClose = func(*Session, string) { calls++ }
	s.start()
	s.Close(ReasonClient)
	s.Close(ReasonHang)
	if calls != 1 || s.CloseReason() != ReasonClient {
		t.Fatalf("calls = %d reason = %s", calls, s.CloseReason())
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done not closed")
	}
}

func TestSubscriptionMatching(t *testing.T) {
	h := domain.NewCoreHierarchy()
	s := newSession("s1", Grant{}, nil, 1, nil, time.Now())
	s.subscribe("all", subscription{Class: domain.ClassDoc})
	s.subscribe("mine", subscription{Class: domain.ClassUserStatus, Query: domain.Query{domain.AttrNameUser: "alice"}})

	before := &domain.Doc{ID: "st", Class: domain.ClassUserStatus, Attributes: map[string]any{domain.AttrNameUser: "alice"}}
	after := &domain.Doc{ID: "st", Class: domain.ClassUserStatus, Attributes: map[string]any{domain.AttrNameUser: "bob"}}
	if ids := s.affected(h, domain.TxOutcome{Before: before, After: after}); len(ids) != 2 {
		t.Fatalf("a document leaving a query still affects it: %v", ids)
	}
	if ids := s.affected(h, domain.TxOutcome{After: after}); len(ids) != 1 || ids[0] != "all" {
		t.Fatalf("affected = %v", ids)
	}
	if !s.unsubscribe("all") || s.unsubscribe("all") {
		t.Fatalf("unsubscribe should report presence once")
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a, err := NewStaticAuthenticator(config.Auth{Tokens: []config.TokenGrant{
		{Token: "t1", Workspace: "ws", Account: "alice"},
		{Token: "t2", Workspace: "ws", Account: "guest", Role: "READONLYGUEST"},
	}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	g, err := a.Authenticate(context.Background(), "t2")
	if err != nil || g.Account.Role != domain.RoleReadOnlyGuest || g.Workspace != "ws" {
		t.Fatalf("grant = %+v %v", g, err)
	}
	g, _ = a.Authenticate(context.Background(), "t1")
	if g.Account.Role != domain.RoleUser {
		t.Fatalf("default role = %s", g.Account.Role)
	}
	if _, err := NewStaticAuthenticator(config.Auth{Tokens: []config.TokenGrant{{Token: "x", Role: "KING"}}}); err == nil {
		t.Fatalf("unknown role should fail")
	}
	if _, err := NewStaticAuthenticator(config.Auth{Tokens: []config.TokenGrant{{Workspace: "ws"}}}); err == nil {
		t.Fatalf("empty token should fail")
	}
}

func TestErrorResponseCarriesPlatformDetails(t *testing.T) {
	resp := ErrorResponse([]byte(`7`), domain.NotFound("tracker:class:Issue", "issue-1"))
	if resp.Error == nil || resp.Error.Status != domain.StatusResourceNotFound || string(resp.ID) != "7" {
		t.Fatalf("response = %+v", resp)
	}
	if _, err := DecodeRequest([]byte(`{"id":1}`)); err == nil {
		t.Fatalf("request without method should fail")
	}
}
