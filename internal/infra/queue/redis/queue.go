// Package redis implements the platform queue on Redis streams. Each topic
// is a stream; consumer groups acknowledge with XACK after the handler
// succeeds.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"transactor/pkg/domain"
	"transactor/pkg/queue"
)

var _ queue.Queue = (*Queue)(nil)

const (
	fieldID        = "id"
	fieldWorkspace = "workspace"
	fieldKey       = "key"
	fieldValue     = "value"
	readBlock      = 2 * time.Second
	readCount      = 16
)

// Queue wraps one redis client.
type Queue struct {
	cfg    queue.Config
	client *goredis.Client
	log    *zap.SugaredLogger
	retry  queue.RetryPolicy
	mu     sync.Mutex
	cons   []*consumer
	closed bool
}

// New connects to addr.
func New(addr string, cfg queue.Config, log *zap.SugaredLogger) (*Queue, error) {
	if addr == "" {
		return nil, errors.New("redis: address required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, ClientName: cfg.ClientID})
	return &Queue{cfg: cfg, client: client, log: log, retry: queue.DefaultRetry}, nil
}

// ClientID returns the configured client id.
func (q *Queue) ClientID() string { return q.cfg.ClientID }

// Producer returns a producer appending to the topic stream.
func (q *Queue) Producer(t queue.Topic) queue.Producer {
	return &producer{client: q.client, stream: q.cfg.TopicID(t)}
}

type producer struct {
	client *goredis.Client
	stream string
}

func (p *producer) Send(ctx context.Context, workspace domain.WorkspaceID, values ...any) error {
	msgs, err := queue.Encode(workspace, values)
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	for _, m := range msgs {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: p.stream,
			Values: map[string]any{
				fieldID:        m.ID,
				fieldWorkspace: string(m.Workspace),
				fieldKey:       m.Key,
				fieldValue:     string(m.Value),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", p.stream, err)
	}
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *consumer) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// CreateConsumer ensures the group exists and starts reading new entries.
func (q *Queue) CreateConsumer(ctx context.Context, t queue.Topic, group string, h queue.Handler, opts queue.ConsumerOptions) (queue.Consumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	stream := q.cfg.TopicID(t)
	groupID := q.cfg.GroupID(t, group)
	start := "$"
	if opts.FromBeginning {
		start = "0"
	}
	if err := q.client.XGroupCreateMkStream(ctx, stream, groupID, start).Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s: %w", groupID, err)
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &consumer{cancel: cancel, done: make(chan struct{})}
	q.cons = append(q.cons, c)
	name := q.cfg.ClientID + "-" + uuid.NewString()
	go q.run(cctx, stream, groupID, name, h, c.done)
	return c, nil
}

func (q *Queue) run(ctx context.Context, stream, group, name string, h queue.Handler, done chan struct{}) {
	defer close(done)
	for {
		res, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: name,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, goredis.Nil) {
				q.log.Errorw("read group failed", "stream", stream, "group", group, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(readBlock):
				}
			}
			continue
		}
		for _, s := range res {
			for _, xm := range s.Messages {
				msg := fromStream(xm)
				if err := queue.Deliver(ctx, h, msg, q.retry); err != nil {
					if ctx.Err() != nil {
						return
					}
					q.log.Warnw("dropping message", "stream", stream, "id", xm.ID, "workspace", msg.Workspace, "error", err)
				}
				if err := q.client.XAck(ctx, stream, group, xm.ID).Err(); err != nil && ctx.Err() == nil {
					q.log.Errorw("ack failed", "stream", stream, "id", xm.ID, "error", err)
				}
			}
		}
	}
}

func fromStream(xm goredis.XMessage) queue.Message {
	str := func(k string) string {
		v, _ := xm.Values[k].(string)
		return v
	}
	msg := queue.Message{
		ID:        str(fieldID),
		Workspace: domain.WorkspaceID(str(fieldWorkspace)),
		Key:       str(fieldKey),
		Value:     []byte(str(fieldValue)),
	}
	if msg.ID == "" {
		msg.ID = xm.ID
	}
	if msg.Workspace == "" {
		msg.Workspace = domain.WorkspaceID(msg.Key)
	}
	msg.Headers = map[string]string{queue.HeaderID: msg.ID, queue.HeaderWorkspace: string(msg.Workspace)}
	return msg
}

// Shutdown stops consumers and closes the client.
func (q *Queue) Shutdown(context.Context) error {
	q.mu.Lock()
	q.closed = true
	cons := q.cons
	q.cons = nil
	q.mu.Unlock()
	for _, c := range cons {
		_ = c.Close()
	}
	return q.client.Close()
}
