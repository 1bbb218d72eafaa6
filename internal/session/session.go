package session

import (
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/approval"
	"github.com/agentgate/agentgate/internal/protocol"
	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/stream"
)

// Session statuses.
const (
	StatusIdle      = "idle"
	StatusExecuting = "executing"
	StatusEnded     = "ended"
	StatusErrored   = "errored"
)

// FrameSink receives the frames a session produces, in order.
type FrameSink interface {
	Send(frame protocol.Frame)
}

// Session is one live agent session and its collaborators.
type Session struct {
	ID           string
	Bundle       string
	Behaviors    []string
	Cwd          string
	Plan         *runtime.MountPlan
	ShowThinking bool
	CreatedAt    time.Time

	adapter *stream.Adapter
	broker  *approval.Broker
	handle  runtime.Handle
	sink    FrameSink

	mu       sync.Mutex
	status   string
	turnDone chan struct{} // closed when the in-flight turn drains
	children []string
}

// Status returns the session's current status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Broker exposes the session's approval broker.
func (s *Session) Broker() *approval.Broker { return s.broker }

// Children returns the ids of child sessions forked under this session,
// in announcement order.
func (s *Session) Children() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.children))
	copy(out, s.children)
	return out
}

// Turn returns the current turn number.
func (s *Session) Turn() int { return s.adapter.Turn() }

// beginTurn transitions idle -> executing. Returns false when a turn is
// already in flight or the session is terminal.
func (s *Session) beginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle {
		return false
	}
	s.status = StatusExecuting
	s.turnDone = make(chan struct{})
	return true
}

// endTurn transitions back to idle and releases drain waiters.
func (s *Session) endTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusExecuting {
		s.status = StatusIdle
	}
	if s.turnDone != nil {
		close(s.turnDone)
		s.turnDone = nil
	}
}

// awaitDrain blocks until the in-flight turn finishes or the deadline
// passes. Returns immediately when no turn is running.
func (s *Session) awaitDrain(timeout time.Duration) {
	s.mu.Lock()
	done := s.turnDone
	s.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func (s *Session) markTerminal(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if s.turnDone != nil {
		close(s.turnDone)
		s.turnDone = nil
	}
}
