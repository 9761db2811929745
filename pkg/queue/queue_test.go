package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"transactor/pkg/domain"
)

func TestParseConfigAndTopicID(t *testing.T) {
	cfg := ParseConfig("k1:9092, k2:9092;-staging", "transactor", "eu")
	if len(cfg.Brokers) != 2 || cfg.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers: %v", cfg.Brokers)
	}
	if got := cfg.TopicID(TopicTx); got != "eu.tx-staging" {
		t.Fatalf("topic id %s", got)
	}
	if got := cfg.GroupID(TopicProcess, "transactor"); got != "eu.process-staging-transactor" {
		t.Fatalf("group id %s", got)
	}
	bare := ParseConfig("localhost:9092", "x", "")
	if bare.Postfix != "" || bare.TopicID(TopicUsers) != "users" {
		t.Fatalf("bare config: %+v", bare)
	}
}

func TestEncodeAssignsIDs(t *testing.T) {
	msgs, err := Encode("ws", []any{map[string]int{"a": 1}, "x"})
	if err != nil || len(msgs) != 2 {
		t.Fatalf("encode: %v", err)
	}
	if msgs[0].ID == "" || msgs[0].ID == msgs[1].ID || msgs[0].Key != "ws" || msgs[0].Headers[HeaderWorkspace] != "ws" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[1].Headers[HeaderID] != msgs[1].ID {
		t.Fatalf("id header %q does not match message id %q", msgs[1].Headers[HeaderID], msgs[1].ID)
	}
	var v map[string]int
	if err := msgs[0].Decode(&v); err != nil || v["a"] != 1 {
		t.Fatalf("decode: %v %v", v, err)
	}
}

var fast = RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 5}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Deliver(context.Background(), func(context.Context, Message) error {
		calls++
		if calls < 3 {
			return errors.New("broker hiccup")
		}
		return nil
	}, Message{}, fast)
	if err != nil || calls != 3 {
		t.Fatalf("expected success after 3 calls, got %d %v", calls, err)
	}
}

func TestDeliverStopsOnBadRequest(t *testing.T) {
	calls := 0
	err := Deliver(context.Background(), func(context.Context, Message) error {
		calls++
		return domain.BadRequest("malformed")
	}, Message{}, fast)
	if !errors.Is(err, domain.ErrBadRequest) || calls != 1 {
		t.Fatalf("expected single bad request, got %d %v", calls, err)
	}
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Deliver(context.Background(), func(context.Context, Message) error {
		calls++
		return errors.New("down")
	}, Message{}, fast)
	if err == nil || calls != 6 {
		t.Fatalf("expected 6 attempts, got %d %v", calls, err)
	}
}

func TestIdempotentSkipsSeenIDs(t *testing.T) {
	calls := 0
	h := Idempotent(func(context.Context, Message) error {
		calls++
		if calls == 1 {
			return errors.New("first fails")
		}
		return nil
	}, 8)
	ctx := context.Background()
	msg := Message{ID: "m1"}
	if err := h(ctx, msg); err == nil {
		t.Fatalf("expected first failure")
	}
	if err := h(ctx, msg); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := h(ctx, msg); err != nil || calls != 2 {
		t.Fatalf("expected duplicate skipped, calls=%d", calls)
	}
}
