// Package approval mediates tool-use approval between a runtime and the
// user. Each request resolves exactly once: by a response frame, by timer
// expiry with the default choice, or by session cancellation.
package approval

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/protocol"
)

var (
	// ErrAlreadyResolved is returned for responses to requests that have
	// already been answered, timed out, or cancelled.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// FrameSink receives the frames the broker emits toward the client.
type FrameSink interface {
	Send(frame protocol.Frame)
}

type pendingRequest struct {
	id       string
	choiceCh chan string // buffered, capacity 1
	def      string
	timer    *time.Timer
}

// Broker serves one session. The "always" cache lives and dies with the
// broker, so it is cleared when the session ends.
type Broker struct {
	sessionID string
	sink      FrameSink
	logger    *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	cache   map[uint64]string // fingerprint -> remembered choice
}

// NewBroker creates a Broker bound to one session's frame sink.
func NewBroker(sessionID string, sink FrameSink, log *logger.Logger) *Broker {
	return &Broker{
		sessionID: sessionID,
		sink:      sink,
		logger:    log.WithSessionID(sessionID),
		pending:   make(map[string]*pendingRequest),
		cache:     make(map[uint64]string),
	}
}

// fingerprint hashes the prompt and the option list in order. Only
// deterministic fields participate so identical requests collide.
func fingerprint(prompt string, options []string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	for _, opt := range options {
		h.Write([]byte(opt))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Request asks the user to choose. A cached "always" choice for the same
// prompt and options returns immediately without emitting a frame. On
// timeout the default is applied and an approval_timeout frame is emitted.
// ctx cancellation also resolves with the default.
func (b *Broker) Request(ctx context.Context, prompt string, options []string, timeout time.Duration, defaultChoice string) (string, error) {
	fp := fingerprint(prompt, options)

	b.mu.Lock()
	if choice, ok := b.cache[fp]; ok {
		b.mu.Unlock()
		b.logger.Debug("Approval served from cache", zap.String("choice", choice))
		return choice, nil
	}

	req := &pendingRequest{
		id:       uuid.New().String(),
		choiceCh: make(chan string, 1),
		def:      defaultChoice,
		timer:    time.NewTimer(timeout),
	}
	b.pending[req.id] = req
	b.mu.Unlock()

	b.sink.Send(&protocol.ApprovalRequest{
		Type:      protocol.ServerApprovalRequest,
		SessionID: b.sessionID,
		ID:        req.id,
		Prompt:    prompt,
		Options:   options,
		Timeout:   int(timeout / time.Second),
		Default:   defaultChoice,
	})

	select {
	case choice := <-req.choiceCh:
		req.timer.Stop()
		if strings.Contains(strings.ToLower(choice), "always") {
			b.mu.Lock()
			b.cache[fp] = choice
			b.mu.Unlock()
		}
		return choice, nil

	case <-req.timer.C:
		if !b.take(req.id) {
			// A response won the race; its choice is already queued.
			choice := <-req.choiceCh
			return choice, nil
		}
		b.logger.Info("Approval timed out, applying default",
			zap.String("approval_id", req.id),
			zap.String("default", defaultChoice))
		b.sink.Send(&protocol.ApprovalTimeout{
			Type:           protocol.ServerApprovalTimeout,
			SessionID:      b.sessionID,
			ID:             req.id,
			AppliedDefault: defaultChoice,
		})
		return defaultChoice, nil

	case <-ctx.Done():
		req.timer.Stop()
		if !b.take(req.id) {
			choice := <-req.choiceCh
			return choice, nil
		}
		return defaultChoice, ctx.Err()
	}
}

// take removes a request from pending, returning false if someone else
// already resolved it. Whoever takes it owns the resolution.
func (b *Broker) take(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	return true
}

// Respond resolves a pending request with the user's choice. Late and
// duplicate responses return ErrAlreadyResolved and are otherwise ignored.
func (b *Broker) Respond(id, choice string) error {
	b.mu.Lock()
	req, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return ErrAlreadyResolved
	}
	req.choiceCh <- choice
	return nil
}

// CancelAll resolves every pending request with its default. Used when the
// owning session is cancelled or its connection drops.
func (b *Broker) CancelAll() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, req := range pending {
		req.timer.Stop()
		req.choiceCh <- req.def
	}
	if len(pending) > 0 {
		b.logger.Info("Cancelled pending approvals", zap.Int("count", len(pending)))
	}
}

// ClearCache forgets remembered "always" choices.
func (b *Broker) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[uint64]string)
}

// PendingCount reports how many requests are awaiting resolution.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
