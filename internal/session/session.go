package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"transactor/pkg/domain"
)

// Socket is the transport of one connection. WriteFrame is only called
// from the session writer goroutine.
type Socket interface {
	WriteFrame(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// Close reasons reported to metrics and the socket.
const (
	ReasonClient       = "client"
	ReasonBackpressure = "backpressure"
	ReasonHang         = "hang"
	ReasonUpgrade      = "upgrade"
	ReasonShutdown     = "shutdown"
	ReasonTransport    = "transport"
)

type subscription struct {
	Class domain.Ref
	Query domain.Query
}

// Session is one authenticated connection to a workspace.
type Session struct {
	ID        string
	Workspace domain.WorkspaceID
	Account   domain.Account
	Upgrade   bool

	ws      *Workspace
	socket  Socket
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	subMu sync.RWMutex
	subs  map[string]subscription

	lastRequest atomic.Int64
	lastPing    atomic.Int64

	closeOnce sync.Once
	reason    atomic.Value
	onClose   func(*Session, string)
	writerWG  sync.WaitGroup
}

func newSession(id string, g Grant, socket Socket, queueSize int, limiter *rate.Limiter, now time.Time) *Session {
	s := &Session{
		ID:        id,
		Workspace: g.Workspace,
		Account:   g.Account,
		Upgrade:   g.Upgrade,
		socket:    socket,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		limiter:   limiter,
		subs:      make(map[string]subscription),
	}
	s.lastRequest.Store(now.UnixMilli())
	s.lastPing.Store(now.UnixMilli())
	return s
}

func (s *Session) start() {
	if s.socket == nil {
		return
	}
	s.writerWG.Add(1)
	go s.write()
}

// write drains the outbound queue in order until the session closes.
func (s *Session) write() {
	defer s.writerWG.Done()
	ctx := context.Background()
	for {
		select {
		case frame := <-s.send:
			if err := s.socket.WriteFrame(ctx, frame); err != nil {
				go s.Close(ReasonTransport)
				return
			}
		case <-s.done:
			return
		}
	}
}

// Enqueue queues frame for delivery without blocking. A full queue
// terminates the session.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		go s.Close(ReasonBackpressure)
		return false
	}
}

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session terminated.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// CloseReason returns why the session terminated.
func (s *Session) CloseReason() string {
	r, _ := s.reason.Load().(string)
	return r
}

// Close terminates the session once. Pending frames are dropped.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		close(s.done)
		if s.socket != nil {
			_ = s.socket.Close(reason)
		}
		s.writerWG.Wait()
		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

func (s *Session) touch(now time.Time) {
	s.lastRequest.Store(now.UnixMilli())
}

func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Session) subscribe(id string, sub subscription) {
	s.subMu.Lock()
	s.subs[id] = sub
	s.subMu.Unlock()
}

func (s *Session) unsubscribe(id string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	return ok
}

// affected returns the ids of subscriptions matching the document before
// or after the change.
func (s *Session) affected(h *domain.Hierarchy, o domain.TxOutcome) []string {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	var ids []string
	for id, sub := range s.subs {
		if matchesDoc(h, sub, o.Before) || matchesDoc(h, sub, o.After) {
			ids = append(ids, id)
		}
	}
	return ids
}

func matchesDoc(h *domain.Hierarchy, sub subscription, doc *domain.Doc) bool {
	if doc == nil {
		return false
	}
	if sub.Class != "" && !h.IsDerived(doc.Class, sub.Class) {
		return false
	}
	return sub.Query.Matches(doc)
}
