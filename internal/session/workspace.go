package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"transactor/internal/core"
	"transactor/pkg/domain"
)

// Workspace lifecycle states.
const (
	StateActive      = "active"
	StateMaintenance = "maintenance"
	StateDraining    = "draining"
	StateClosed      = "closed"
)

const (
	eventUpgrade = "upgrade"
	eventRelease = "release"
	eventDrain   = "drain"
	eventClose   = "close"
)

// Workspace is the live state of one workspace: its pipeline and the
// sessions connected to it.
type Workspace struct {
	ID        domain.WorkspaceID
	pipeline  *core.Pipeline
	lifecycle *fsm.FSM

	mu         sync.Mutex
	sessions   map[string]*Session
	emptySince time.Time
}

func newWorkspace(id domain.WorkspaceID, now time.Time) *Workspace {
	w := &Workspace{ID: id, sessions: make(map[string]*Session), emptySince: now}
	w.lifecycle = fsm.NewFSM(
		StateActive,
		fsm.Events{
			{Name: eventUpgrade, Src: []string{StateActive}, Dst: StateMaintenance},
			{Name: eventRelease, Src: []string{StateMaintenance}, Dst: StateActive},
			{Name: eventDrain, Src: []string{StateActive, StateMaintenance}, Dst: StateDraining},
			{Name: eventClose, Src: []string{StateDraining}, Dst: StateClosed},
		},
		fsm.Callbacks{},
	)
	return w
}

// State returns the lifecycle state.
func (w *Workspace) State() string { return w.lifecycle.Current() }

// Pipeline returns the workspace pipeline.
func (w *Workspace) Pipeline() *core.Pipeline { return w.pipeline }

func (w *Workspace) transition(ctx context.Context, event string) error {
	err := w.lifecycle.Event(ctx, event)
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return nil
	}
	return err
}

func (w *Workspace) accepting() bool {
	s := w.lifecycle.Current()
	return s == StateActive || s == StateMaintenance
}

// Sessions returns the connected sessions ordered by id.
func (w *Workspace) Sessions() []*Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Session, 0, len(w.sessions))
	for _, s := range w.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// remove drops s and reports whether it was the account's last session.
func (w *Workspace) remove(s *Session, now time.Time) (last bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.sessions[s.ID]; !ok {
		return false
	}
	delete(w.sessions, s.ID)
	if len(w.sessions) == 0 {
		w.emptySince = now
	}
	return w.countAccount(s.Account.UUID) == 0
}

func (w *Workspace) countAccount(account domain.Ref) int {
	n := 0
	for _, s := range w.sessions {
		if s.Account.UUID == account {
			n++
		}
	}
	return n
}

func (w *Workspace) idleFor(now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sessions) > 0 {
		return 0, false
	}
	return now.Sub(w.emptySince), true
}
