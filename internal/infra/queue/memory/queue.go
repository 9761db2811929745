// Package memory implements the platform queue in process. Each topic keeps
// its full log; consumer groups share an offset so members split the load.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"transactor/pkg/domain"
	"transactor/pkg/queue"
)

var _ queue.Queue = (*Queue)(nil)

// Queue is an in-process queue.
type Queue struct {
	cfg    queue.Config
	retry  queue.RetryPolicy
	log    *zap.SugaredLogger
	mu     sync.Mutex
	topics map[string]*topic
	cons   []*consumer
	closed bool
}

type topic struct {
	mu      sync.Mutex
	records []queue.Message
	offsets map[string]int
	notify  chan struct{}
}

// New returns an empty queue.
func New(cfg queue.Config, log *zap.SugaredLogger) *Queue {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{cfg: cfg, retry: queue.DefaultRetry, log: log, topics: make(map[string]*topic)}
}

// WithRetry overrides the redelivery policy.
func (q *Queue) WithRetry(p queue.RetryPolicy) *Queue {
	q.retry = p
	return q
}

// ClientID returns the configured client id.
func (q *Queue) ClientID() string { return q.cfg.ClientID }

func (q *Queue) topic(t queue.Topic) *topic {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.cfg.TopicID(t)
	tp, ok := q.topics[id]
	if !ok {
		tp = &topic{offsets: make(map[string]int), notify: make(chan struct{})}
		q.topics[id] = tp
	}
	return tp
}

// Records returns a copy of everything published to t.
func (q *Queue) Records(t queue.Topic) []queue.Message {
	tp := q.topic(t)
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]queue.Message(nil), tp.records...)
}

// Producer returns a producer for t.
func (q *Queue) Producer(t queue.Topic) queue.Producer {
	return &producer{q: q, t: q.topic(t)}
}

type producer struct {
	q *Queue
	t *topic
}

func (p *producer) Send(_ context.Context, workspace domain.WorkspaceID, values ...any) error {
	p.q.mu.Lock()
	closed := p.q.closed
	p.q.mu.Unlock()
	if closed {
		return queue.ErrClosed
	}
	msgs, err := queue.Encode(workspace, values)
	if err != nil {
		return err
	}
	p.t.mu.Lock()
	p.t.records = append(p.t.records, msgs...)
	close(p.t.notify)
	p.t.notify = make(chan struct{})
	p.t.mu.Unlock()
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

// CreateConsumer starts delivering t to h as a member of group.
func (q *Queue) CreateConsumer(ctx context.Context, t queue.Topic, group string, h queue.Handler, opts queue.ConsumerOptions) (queue.Consumer, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, queue.ErrClosed
	}
	q.mu.Unlock()

	tp := q.topic(t)
	groupID := q.cfg.GroupID(t, group)
	tp.mu.Lock()
	if _, ok := tp.offsets[groupID]; !ok {
		if opts.FromBeginning {
			tp.offsets[groupID] = 0
		} else {
			tp.offsets[groupID] = len(tp.records)
		}
	}
	tp.mu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	c := &consumer{cancel: cancel, done: make(chan struct{})}
	go q.run(cctx, tp, groupID, h, c.done)

	q.mu.Lock()
	q.cons = append(q.cons, c)
	q.mu.Unlock()
	return c, nil
}

func (q *Queue) run(ctx context.Context, tp *topic, groupID string, h queue.Handler, done chan struct{}) {
	defer close(done)
	for {
		tp.mu.Lock()
		off := tp.offsets[groupID]
		if off >= len(tp.records) {
			wait := tp.notify
			tp.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-wait:
				continue
			}
		}
		msg := tp.records[off]
		tp.offsets[groupID] = off + 1
		tp.mu.Unlock()

		if err := queue.Deliver(ctx, h, msg, q.retry); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warnw("dropping message", "group", groupID, "id", msg.ID, "workspace", msg.Workspace, "error", err)
		}
	}
}

// Shutdown stops every consumer.
func (q *Queue) Shutdown(context.Context) error {
	q.mu.Lock()
	q.closed = true
	cons := q.cons
	q.cons = nil
	q.mu.Unlock()
	for _, c := range cons {
		_ = c.Close()
	}
	return nil
}
