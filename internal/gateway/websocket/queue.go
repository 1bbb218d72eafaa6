package websocket

import (
	"errors"
	"sync"

	"github.com/agentgate/agentgate/internal/protocol"
)

// errSlowConsumer signals that the outbound queue exceeded its hard cap
// even after delta coalescing; the connection must close.
var errSlowConsumer = errors.New("slow consumer")

// outboundQueue is the bounded per-connection frame buffer between the
// sessions producing frames and the write pump draining them. When the soft
// limit is reached, consecutive content_delta frames for the same block are
// coalesced by concatenating their deltas; other frame types are never
// dropped or merged. Beyond the hard cap the queue reports a slow consumer.
type outboundQueue struct {
	mu      sync.Mutex
	items   []protocol.Frame
	notify  chan struct{}
	limit   int
	hardCap int
	closed  bool
}

func newOutboundQueue(limit, hardCap int) *outboundQueue {
	return &outboundQueue{
		notify:  make(chan struct{}, 1),
		limit:   limit,
		hardCap: hardCap,
	}
}

func (q *outboundQueue) push(f protocol.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.New("queue closed")
	}

	if len(q.items) >= q.limit {
		if delta, ok := f.(*protocol.ContentDelta); ok && q.coalesce(delta) {
			q.signal()
			return nil
		}
		if len(q.items) >= q.hardCap {
			return errSlowConsumer
		}
	}

	q.items = append(q.items, f)
	q.signal()
	return nil
}

// coalesce merges a delta into the newest queued content_delta for the same
// session and block. Returns false when the tail frame is anything else,
// preserving ordering across frame types.
func (q *outboundQueue) coalesce(delta *protocol.ContentDelta) bool {
	if len(q.items) == 0 {
		return false
	}
	tail, ok := q.items[len(q.items)-1].(*protocol.ContentDelta)
	if !ok {
		return false
	}
	if tail.SessionID != delta.SessionID || tail.Index != delta.Index ||
		tail.ChildSessionID != delta.ChildSessionID {
		return false
	}
	tail.Delta += delta.Delta
	return true
}

func (q *outboundQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest frame, or nil when the queue is empty.
func (q *outboundQueue) pop() protocol.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

func (q *outboundQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
