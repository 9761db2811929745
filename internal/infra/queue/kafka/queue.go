// Package kafka implements the platform queue on Kafka. Messages are keyed
// by workspace so one workspace stays on one partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"transactor/pkg/domain"
	"transactor/pkg/queue"
)

var _ queue.Queue = (*Queue)(nil)

const fetchBackoff = 2 * time.Second

// Queue owns one writer per topic and every consumer it created.
type Queue struct {
	cfg     queue.Config
	log     *zap.SugaredLogger
	retry   queue.RetryPolicy
	backoff time.Duration
	mu      sync.Mutex
	writers map[queue.Topic]*producer
	cons    []*consumer
	closed  bool
}

// New returns a queue for cfg. Brokers are contacted lazily.
func New(cfg queue.Config, log *zap.SugaredLogger) (*Queue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{cfg: cfg, log: log, retry: queue.DefaultRetry, backoff: fetchBackoff, writers: make(map[queue.Topic]*producer)}, nil
}

// ClientID returns the configured client id.
func (q *Queue) ClientID() string { return q.cfg.ClientID }

// Producer returns the cached producer for t.
func (q *Queue) Producer(t queue.Topic) queue.Producer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.writers[t]; ok {
		return p
	}
	p := &producer{w: &kafkago.Writer{
		Addr:                   kafkago.TCP(q.cfg.Brokers...),
		Topic:                  q.cfg.TopicID(t),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}
	q.writers[t] = p
	return p
}

type producer struct {
	w *kafkago.Writer
}

func (p *producer) Send(ctx context.Context, workspace domain.WorkspaceID, values ...any) error {
	msgs, err := queue.Encode(workspace, values)
	if err != nil {
		return err
	}
	out := make([]kafkago.Message, 0, len(msgs))
	for _, m := range msgs {
		km := kafkago.Message{Key: []byte(m.Key), Value: m.Value}
		for k, v := range m.Headers {
			km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(v)})
		}
		out = append(out, km)
	}
	if err := p.w.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("publish to %s: %w", p.w.Topic, err)
	}
	return nil
}

func (p *producer) Close() error { return p.w.Close() }

// reader is the part of *kafkago.Reader a consumer drives.
type reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type consumer struct {
	reader reader
	topic  string
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *consumer) Close() error {
	c.cancel()
	<-c.done
	return c.reader.Close()
}

// CreateConsumer joins the group "{topicID}-{group}" and commits each
// message after h succeeds.
func (q *Queue) CreateConsumer(ctx context.Context, t queue.Topic, group string, h queue.Handler, opts queue.ConsumerOptions) (queue.Consumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	start := kafkago.LastOffset
	if opts.FromBeginning {
		start = kafkago.FirstOffset
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     q.cfg.Brokers,
		GroupID:     q.cfg.GroupID(t, group),
		Topic:       q.cfg.TopicID(t),
		StartOffset: start,
		MaxWait:     time.Second,
	})
	c := q.start(ctx, r, q.cfg.TopicID(t), h)
	q.cons = append(q.cons, c)
	return c, nil
}

func (q *Queue) start(ctx context.Context, r reader, topic string, h queue.Handler) *consumer {
	cctx, cancel := context.WithCancel(ctx)
	c := &consumer{reader: r, topic: topic, cancel: cancel, done: make(chan struct{})}
	go q.run(cctx, c, h)
	return c
}

func (q *Queue) run(ctx context.Context, c *consumer, h queue.Handler) {
	defer close(c.done)
	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Errorw("fetch failed", "topic", c.topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.backoff):
			}
			continue
		}
		msg := fromKafka(km)
		if err := queue.Deliver(ctx, h, msg, q.retry); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warnw("dropping message", "topic", km.Topic, "offset", km.Offset, "workspace", msg.Workspace, "error", err)
		}
		if err := c.reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			q.log.Errorw("commit failed", "topic", km.Topic, "partition", km.Partition, "offset", km.Offset, "error", err)
		}
	}
}

func fromKafka(km kafkago.Message) queue.Message {
	msg := queue.Message{Key: string(km.Key), Value: km.Value, Headers: make(map[string]string, len(km.Headers))}
	for _, h := range km.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	msg.ID = msg.Headers[queue.HeaderID]
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s-%d-%d", km.Topic, km.Partition, km.Offset)
		msg.Headers[queue.HeaderID] = msg.ID
	}
	msg.Workspace = domain.WorkspaceID(msg.Headers[queue.HeaderWorkspace])
	if msg.Workspace == "" {
		msg.Workspace = domain.WorkspaceID(msg.Key)
		msg.Headers[queue.HeaderWorkspace] = msg.Key
	}
	return msg
}

// Shutdown closes producers, then consumers.
func (q *Queue) Shutdown(context.Context) error {
	q.mu.Lock()
	q.closed = true
	writers := q.writers
	cons := q.cons
	q.writers = make(map[queue.Topic]*producer)
	q.cons = nil
	q.mu.Unlock()
	var errs []error
	for t, p := range writers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer %s: %w", t, err))
		}
	}
	for _, c := range cons {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
