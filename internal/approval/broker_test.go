package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/protocol"
)

type captureSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (c *captureSink) Send(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *captureSink) byType(t string) []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Frame
	for _, f := range c.frames {
		if f.FrameType() == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *captureSink) lastRequest() *protocol.ApprovalRequest {
	reqs := c.byType(protocol.ServerApprovalRequest)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1].(*protocol.ApprovalRequest)
}

func newTestBroker(t *testing.T) (*Broker, *captureSink) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	sink := &captureSink{}
	return NewBroker("s1", sink, log), sink
}

func TestRespondResolvesWaiter(t *testing.T) {
	b, sink := newTestBroker(t)

	done := make(chan string, 1)
	go func() {
		choice, err := b.Request(context.Background(), "Allow write to /tmp/x?",
			[]string{"Allow once", "Allow always", "Deny"}, time.Minute, "Deny")
		require.NoError(t, err)
		done <- choice
	}()

	var req *protocol.ApprovalRequest
	require.Eventually(t, func() bool {
		req = sink.lastRequest()
		return req != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "Allow write to /tmp/x?", req.Prompt)
	assert.Equal(t, 60, req.Timeout)
	assert.Equal(t, "Deny", req.Default)

	require.NoError(t, b.Respond(req.ID, "Allow once"))
	assert.Equal(t, "Allow once", <-done)
	assert.Zero(t, b.PendingCount())
}

func TestAlwaysChoiceCached(t *testing.T) {
	b, sink := newTestBroker(t)
	opts := []string{"Allow once", "Allow always", "Deny"}

	go respondToNext(b, sink, 0, "Allow always")

	choice, err := b.Request(context.Background(), "Allow?", opts, time.Minute, "Deny")
	require.NoError(t, err)
	require.Equal(t, "Allow always", choice)

	// Identical request: served from cache, no new frame.
	choice, err = b.Request(context.Background(), "Allow?", opts, time.Minute, "Deny")
	require.NoError(t, err)
	assert.Equal(t, "Allow always", choice)
	assert.Len(t, sink.byType(protocol.ServerApprovalRequest), 1)

	// Different prompt: cache miss, frame emitted.
	go respondToNext(b, sink, 1, "Deny")
	choice, err = b.Request(context.Background(), "Allow something else?", opts, time.Minute, "Deny")
	require.NoError(t, err)
	assert.Equal(t, "Deny", choice)
	assert.Len(t, sink.byType(protocol.ServerApprovalRequest), 2)
}

func TestTimeoutAppliesDefault(t *testing.T) {
	b, sink := newTestBroker(t)

	choice, err := b.Request(context.Background(), "Allow?",
		[]string{"Allow", "Deny"}, 20*time.Millisecond, "Deny")
	require.NoError(t, err)
	assert.Equal(t, "Deny", choice)

	timeouts := sink.byType(protocol.ServerApprovalTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "Deny", timeouts[0].(*protocol.ApprovalTimeout).AppliedDefault)
}

func TestLateResponseDropped(t *testing.T) {
	b, sink := newTestBroker(t)

	_, err := b.Request(context.Background(), "Allow?",
		[]string{"Allow", "Deny"}, 10*time.Millisecond, "Deny")
	require.NoError(t, err)

	req := sink.lastRequest()
	require.NotNil(t, req)
	assert.ErrorIs(t, b.Respond(req.ID, "Allow"), ErrAlreadyResolved)
}

func TestDuplicateResponseDropped(t *testing.T) {
	b, sink := newTestBroker(t)

	done := make(chan struct{})
	go func() {
		_, _ = b.Request(context.Background(), "Allow?", []string{"Allow", "Deny"}, time.Minute, "Deny")
		close(done)
	}()

	req := waitForRequest(t, sink)
	require.NoError(t, b.Respond(req.ID, "Allow"))
	assert.ErrorIs(t, b.Respond(req.ID, "Allow"), ErrAlreadyResolved)
	<-done
}

func TestCancelAllFiresDefaults(t *testing.T) {
	b, _ := newTestBroker(t)

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		prompt := "Allow " + string(rune('a'+i)) + "?"
		go func() {
			choice, err := b.Request(context.Background(), prompt,
				[]string{"Allow", "Deny"}, time.Minute, "Deny")
			require.NoError(t, err)
			results <- choice
		}()
	}

	require.Eventually(t, func() bool { return b.PendingCount() == 2 }, time.Second, 5*time.Millisecond)
	b.CancelAll()

	assert.Equal(t, "Deny", <-results)
	assert.Equal(t, "Deny", <-results)
	assert.Zero(t, b.PendingCount())
}

func TestContextCancelResolvesWithDefault(t *testing.T) {
	b, sink := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() {
		choice, err := b.Request(ctx, "Allow?", []string{"Allow", "Deny"}, time.Minute, "Deny")
		assert.ErrorIs(t, err, context.Canceled)
		done <- choice
	}()

	waitForRequest(t, sink)
	cancel()
	assert.Equal(t, "Deny", <-done)
}

func waitForRequest(t *testing.T, sink *captureSink) *protocol.ApprovalRequest {
	t.Helper()
	var req *protocol.ApprovalRequest
	require.Eventually(t, func() bool {
		req = sink.lastRequest()
		return req != nil
	}, time.Second, 5*time.Millisecond)
	return req
}

// respondToNext answers the request emitted after the first prev frames.
func respondToNext(b *Broker, sink *captureSink, prev int, choice string) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		reqs := sink.byType(protocol.ServerApprovalRequest)
		if len(reqs) > prev {
			_ = b.Respond(reqs[prev].(*protocol.ApprovalRequest).ID, choice)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}
