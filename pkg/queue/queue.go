// Package queue defines the platform queue contract: named topics keyed by
// workspace, producers that publish JSON values and consumer groups that
// receive them at least once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"transactor/pkg/domain"
)

// Topic is a logical topic name. The physical name is produced by
// Config.TopicID.
type Topic string

// Platform topics.
const (
	TopicTx        Topic = "tx"
	TopicFulltext  Topic = "fulltext"
	TopicWorkspace Topic = "workspace"
	TopicUsers     Topic = "users"
	TopicProcess   Topic = "process"
)

// Topics lists every platform topic.
var Topics = []Topic{TopicTx, TopicFulltext, TopicWorkspace, TopicUsers, TopicProcess}

// Header keys set by producers.
const (
	HeaderWorkspace = "workspace"
	HeaderID        = "id"
)

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("queue: closed")

// Config is the parsed queue configuration.
type Config struct {
	Brokers  []string
	Postfix  string
	ClientID string
	Region   string
}

// ParseConfig parses "broker1,broker2;postfix". The postfix is optional.
func ParseConfig(raw, clientID, region string) Config {
	brokers, postfix, _ := strings.Cut(raw, ";")
	cfg := Config{Postfix: postfix, ClientID: clientID, Region: region}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}
	return cfg
}

// TopicID returns "{region}.{topic}{postfix}", omitting the region part
// when empty.
func (c Config) TopicID(topic Topic) string {
	if c.Region != "" {
		return c.Region + "." + string(topic) + c.Postfix
	}
	return string(topic) + c.Postfix
}

// GroupID scopes a consumer group to its physical topic.
func (c Config) GroupID(topic Topic, group string) string {
	return c.TopicID(topic) + "-" + group
}

// Message is one delivered record.
type Message struct {
	ID        string
	Workspace domain.WorkspaceID
	Key       string
	Value     []byte
	Headers   map[string]string
}

// Decode unmarshals the JSON value into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// Producer publishes values to one topic. Every value becomes a message
// keyed by workspace.
type Producer interface {
	Send(ctx context.Context, workspace domain.WorkspaceID, values ...any) error
	Close() error
}

// Handler processes one message. A returned error causes redelivery unless
// it is a BadRequest or Forbidden platform error.
type Handler func(ctx context.Context, msg Message) error

// ConsumerOptions tune a consumer.
type ConsumerOptions struct {
	FromBeginning bool
}

// Consumer is a running consumer group member.
type Consumer interface {
	Close() error
}

// Queue creates producers and consumers for platform topics.
type Queue interface {
	ClientID() string
	Producer(topic Topic) Producer
	CreateConsumer(ctx context.Context, topic Topic, group string, h Handler, opts ConsumerOptions) (Consumer, error)
	Shutdown(ctx context.Context) error
}

// Encode marshals values for a producer, assigning message ids.
func Encode(workspace domain.WorkspaceID, values []any) ([]Message, error) {
	out := make([]Message, 0, len(values))
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		id := string(domain.GenerateID())
		out = append(out, Message{
			ID:        id,
			Workspace: workspace,
			Key:       string(workspace),
			Value:     raw,
			Headers:   map[string]string{HeaderWorkspace: string(workspace), HeaderID: id},
		})
	}
	return out, nil
}
