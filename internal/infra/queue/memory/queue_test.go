package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"transactor/pkg/queue"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestProduceConsume(t *testing.T) {
	q := New(queue.Config{ClientID: "test"}, nil)
	defer func() { _ = q.Shutdown(context.Background()) }()
	ctx := context.Background()
	if err := q.Producer(queue.TopicTx).Send(ctx, "ws1", "before"); err != nil {
		t.Fatalf("send: %v", err)
	}
	var mu sync.Mutex
	var got []string
	_, err := q.CreateConsumer(ctx, queue.TopicTx, "g", func(_ context.Context, m queue.Message) error {
		var v string
		if err := m.Decode(&v); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, string(m.Workspace)+":"+v)
		mu.Unlock()
		return nil
	}, queue.ConsumerOptions{FromBeginning: true})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	if err := q.Producer(queue.TopicTx).Send(ctx, "ws2", "after"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	if got[0] != "ws1:before" || got[1] != "ws2:after" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestLatestOffsetSkipsHistory(t *testing.T) {
	q := New(queue.Config{}, nil)
	defer func() { _ = q.Shutdown(context.Background()) }()
	ctx := context.Background()
	_ = q.Producer(queue.TopicUsers).Send(ctx, "ws", 1)
	seen := make(chan int, 4)
	if _, err := q.CreateConsumer(ctx, queue.TopicUsers, "g", func(_ context.Context, m queue.Message) error {
		var v int
		_ = m.Decode(&v)
		seen <- v
		return nil
	}, queue.ConsumerOptions{}); err != nil {
		t.Fatalf("consumer: %v", err)
	}
	_ = q.Producer(queue.TopicUsers).Send(ctx, "ws", 2)
	select {
	case v := <-seen:
		if v != 2 {
			t.Fatalf("expected only new message, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout")
	}
}

func TestShutdownRejectsSends(t *testing.T) {
	q := New(queue.Config{}, nil)
	_ = q.Shutdown(context.Background())
	if err := q.Producer(queue.TopicTx).Send(context.Background(), "ws", 1); err != queue.ErrClosed {
		t.Fatalf("expected closed, got %v", err)
	}
	if len(q.Records(queue.TopicTx)) != 0 {
		t.Fatalf("expected nothing recorded")
	}
}
