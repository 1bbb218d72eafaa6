package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/approval"
	"github.com/agentgate/agentgate/internal/artifact"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/protocol"
	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/runtime/mock"
	"github.com/agentgate/agentgate/internal/transcript"
)

type frameCapture struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (c *frameCapture) Send(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *frameCapture) all() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *frameCapture) ofType(t string) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range c.all() {
		if f.FrameType() == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *frameCapture) waitFor(t *testing.T, frameType string, count int) []protocol.Frame {
	t.Helper()
	var got []protocol.Frame
	require.Eventually(t, func() bool {
		got = c.ofType(frameType)
		return len(got) >= count
	}, 3*time.Second, 5*time.Millisecond, "waiting for %d %s frames", count, frameType)
	return got
}

type env struct {
	manager     *Manager
	sink        *frameCapture
	transcripts *transcript.Store
	artifacts   *artifact.Ledger
}

func newEnv(t *testing.T, script mock.Script) *env {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	store, err := transcript.NewStore(t.TempDir(), log)
	require.NoError(t, err)
	ledger := artifact.NewLedger("", 1<<20, log)

	m := NewManager(Config{
		ApprovalTimeout:      time.Minute,
		SessionCreateTimeout: 5 * time.Second,
		CancelDrainTimeout:   2 * time.Second,
	}, &mock.Preparer{}, &mock.Runtime{Script: script}, store, ledger, bus.NewMemoryEventBus(log), log)

	return &env{manager: m, sink: &frameCapture{}, transcripts: store, artifacts: ledger}
}

func TestHappyPathStreaming(t *testing.T) {
	e := newEnv(t, func(ctx context.Context, em *mock.Emitter, p runtime.Prompt) error {
		em.Text("Hi", "!")
		return nil
	})

	s, err := e.manager.Create(context.Background(), e.sink, &protocol.SessionConfig{Bundle: "foundation"})
	require.NoError(t, err)

	require.NoError(t, e.manager.Prompt(s.ID, "hello", nil, nil))
	e.sink.waitFor(t, protocol.ServerPromptComplete, 1)

	frames := e.sink.all()
	var types []string
	for _, f := range frames {
		types = append(types, f.FrameType())
	}
	require.Equal(t, []string{
		protocol.ServerSessionCreated,
		protocol.ServerBundleDebugInfo,
		protocol.ServerContentStart,
		protocol.ServerContentDelta,
		protocol.ServerContentDelta,
		protocol.ServerContentEnd,
		protocol.ServerPromptComplete,
	}, types)

	start := frames[2].(*protocol.ContentStart)
	assert.Equal(t, 0, start.Index)
	assert.Equal(t, 0, start.Order)
	assert.Equal(t, "text", start.BlockType)
	assert.Equal(t, "Hi!", frames[5].(*protocol.ContentEnd).Content)
	assert.Equal(t, 1, frames[6].(*protocol.PromptComplete).Turn)

	// Persisted transcript: user "hello" then assistant with one text block.
	require.Eventually(t, func() bool { return s.Status() == StatusIdle }, time.Second, 5*time.Millisecond)
	entries, err := e.transcripts.Load(s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "hello", entries[0].Content)
	assert.Equal(t, "assistant", entries[1].Role)
}

func writeFileScript(path, content string) mock.Script {
	return func(ctx context.Context, em *mock.Emitter, p runtime.Prompt) error {
		em.Text("Writing now")
		em.Emit(&runtime.Event{Type: runtime.EventToolCall, ToolCallID: "T1",
			ToolName: "write_file", ToolInput: map[string]any{"path": path, "content": content}})
		choice, err := em.RequestApproval(ctx, "Allow write to "+path+"?",
			[]string{"Allow once", "Allow always", "Deny"}, 0, "Deny")
		if err != nil {
			return err
		}
		denied := choice == "Deny"
		em.Emit(&runtime.Event{Type: runtime.EventToolResult, ToolCallID: "T1",
			ToolOutput: "ok", IsError: denied})
		em.Text("Done")
		return nil
	}
}

func TestToolCallWithApproval(t *testing.T) {
	e := newEnv(t, writeFileScript("/tmp/x", "hello\n"))

	s, err := e.manager.Create(context.Background(), e.sink, nil)
	require.NoError(t, err)
	require.NoError(t, e.manager.Prompt(s.ID, "write it", nil, nil))

	reqs := e.sink.waitFor(t, protocol.ServerApprovalRequest, 1)
	req := reqs[0].(*protocol.ApprovalRequest)
	assert.Equal(t, "Allow write to /tmp/x?", req.Prompt)
	assert.Equal(t, []string{"Allow once", "Allow always", "Deny"}, req.Options)
	assert.Equal(t, "Deny", req.Default)

	require.NoError(t, e.manager.RespondApproval(s.ID, req.ID, "Allow once"))
	e.sink.waitFor(t, protocol.ServerPromptComplete, 1)

	results := e.sink.ofType(protocol.ServerToolResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].(*protocol.ToolResult).Success)

	// Second text block starts a new response phase: server index back to
	// 0, order past the tool call.
	starts := e.sink.ofType(protocol.ServerContentStart)
	require.Len(t, starts, 2)
	assert.Equal(t, 0, starts[1].(*protocol.ContentStart).Index)
	assert.Equal(t, 2, starts[1].(*protocol.ContentStart).Order)

	// Artifact ledger recorded the write.
	require.Eventually(t, func() bool { return s.Status() == StatusIdle }, time.Second, 5*time.Millisecond)
	arts := e.artifacts.List(s.ID)
	require.Len(t, arts, 1)
	assert.Equal(t, "/tmp/x", arts[0].Path)
	assert.Equal(t, artifact.OpCreate, arts[0].Operation)
}

func TestAlwaysCacheSkipsSecondApproval(t *testing.T) {
	e := newEnv(t, writeFileScript("/tmp/x", "hello\n"))

	s, err := e.manager.Create(context.Background(), e.sink, nil)
	require.NoError(t, err)

	require.NoError(t, e.manager.Prompt(s.ID, "write it", nil, nil))
	reqs := e.sink.waitFor(t, protocol.ServerApprovalRequest, 1)
	require.NoError(t, e.manager.RespondApproval(s.ID, reqs[0].(*protocol.ApprovalRequest).ID, "Allow always"))
	e.sink.waitFor(t, protocol.ServerPromptComplete, 1)
	require.Eventually(t, func() bool { return s.Status() == StatusIdle }, time.Second, 5*time.Millisecond)

	// Identical tool call in the same session: no new approval_request.
	require.NoError(t, e.manager.Prompt(s.ID, "write it again", nil, nil))
	e.sink.waitFor(t, protocol.ServerPromptComplete, 2)

	assert.Len(t, e.sink.ofType(protocol.ServerApprovalRequest), 1)
	results := e.sink.ofType(protocol.ServerToolResult)
	require.Len(t, results, 2)
	assert.True(t, results[1].(*protocol.ToolResult).Success)
}

func TestApprovalTimeoutAppliesDefault(t *testing.T) {
	e := newEnv(t, func(ctx context.Context, em *mock.Emitter, p runtime.Prompt) error {
		em.Emit(&runtime.Event{Type: runtime.EventToolCall, ToolCallID: "T1",
			ToolName: "write_file", ToolInput: map[string]any{"path": "/tmp/x", "content": "x"}})
		choice, err := em.RequestApproval(ctx, "Allow?", []string{"Allow", "Deny"},
			30*time.Millisecond, "Deny")
		if err != nil {
			return err
		}
		em.Emit(&runtime.Event{Type: runtime.EventToolResult, ToolCallID: "T1",
			ToolOutput: "denied", IsError: choice == "Deny"})
		return nil
	})

	s, err := e.manager.Create(context.Background(), e.sink, nil)
	require.NoError(t, err)
	require.NoError(t, e.manager.Prompt(s.ID, "go", nil, nil))

	e.sink.waitFor(t, protocol.ServerPromptComplete, 1)

	timeouts := e.sink.ofType(protocol.ServerApprovalTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "Deny", timeouts[0].(*protocol.ApprovalTimeout).AppliedDefault)

	results := e.sink.ofType(protocol.ServerToolResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].(*protocol.ToolResult).Success)

	// Late response is silently dropped.
	req := e.sink.ofType(protocol.ServerApprovalRequest)[0].(*protocol.ApprovalRequest)
	assert.ErrorIs(t, e.manager.RespondApproval(s.ID, req.ID, "Allow"), approval.ErrAlreadyResolved)
}

func TestParallelForksBindFIFO(t *testing.T) {
	e := newEnv(t, func(ctx context.Context, em *mock.Emitter, p runtime.Prompt) error {
		em.Emit(&runtime.Event{Type: runtime.EventToolCall, ToolCallID: "T_a", ToolName: "task"})
		em.Emit(&runtime.Event{Type: runtime.EventToolCall, ToolCallID: "T_b", ToolName: "task"})
		em.Fork("child_a", "", "researcher")
		em.Fork("child_b", "", "writer")
		em.Emit(&runtime.Event{Type: runtime.EventContentStart, Index: 0, BlockType: "text",
			ChildSessionID: "child_a", NestingDepth: 1})
		em.Emit(&runtime.Event{Type: runtime.EventContentStart, Index: 0, BlockType: "text",
			ChildSessionID: "child_b", NestingDepth: 1})
		em.Emit(&runtime.Event{Type: runtime.EventToolResult, ToolCallID: "T_a", ToolOutput: "a done"})
		em.Emit(&runtime.Event{Type: runtime.EventToolResult, ToolCallID: "T_b", ToolOutput: "b done"})
		return nil
	})

	s, err := e.manager.Create(context.Background(), e.sink, nil)
	require.NoError(t, err)
	require.NoError(t, e.manager.Prompt(s.ID, "fan out", nil, nil))
	e.sink.waitFor(t, protocol.ServerPromptComplete, 1)

	forks := e.sink.ofType(protocol.ServerSessionFork)
	require.Len(t, forks, 2)
	assert.Equal(t, "T_a", forks[0].(*protocol.SessionFork).ParentToolCallID)
	assert.Equal(t, "T_b", forks[1].(*protocol.SessionFork).ParentToolCallID)

	starts := e.sink.ofType(protocol.ServerContentStart)
	require.Len(t, starts, 2)
	assert.Equal(t, "child_a", starts[0].(*protocol.ContentStart).ChildSessionID)
	assert.Equal(t, "child_b", starts[1].(*protocol.ContentStart).ChildSessionID)
}

func TestResumeKeepsIDAndTurnNumbering(t *testing.T) {
	e := newEnv(t, nil) // echo script

	s, err := e.manager.Create(context.Background(), e.sink, nil)
	require.NoError(t, err)

	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, e.manager.Prompt(s.ID, text, nil, nil))
		e.sink.waitFor(t, protocol.ServerPromptComplete, i+1)
		require.Eventually(t, func() bool { return s.Status() == StatusIdle }, time.Second, 5*time.Millisecond)
	}
	require.NoError(t, e.manager.End(s.ID, StatusEnded))

	// Reopen with the original id.
	sink2 := &frameCapture{}
	resumed, err := e.manager.Create(context.Background(), sink2, &protocol.SessionConfig{
		ResumeSessionID: s.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, s.ID, resumed.ID)

	created := sink2.waitFor(t, protocol.ServerSessionCreated, 1)[0].(*protocol.SessionCreated)
	assert.True(t, created.Resumed)
	assert.Equal(t, 3, created.TurnCount)

	require.NoError(t, e.manager.Prompt(resumed.ID, "four", nil, nil))
	completes := sink2.waitFor(t, protocol.ServerPromptComplete, 1)
	assert.Equal(t, 4, completes[0].(*protocol.PromptComplete).Turn)
}

func TestSecondPromptWhileExecutingRejected(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, func(ctx context.Context, em *mock.Emitter, p runtime.Prompt) error {
		em.Text("thinking...")
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})

	s, err := e.manager.Create(context.Background(), e.sink, nil)
	require.NoError(t, err)
	require.NoError(t, e.manager.Prompt(s.ID, "slow", nil, nil))
	e.sink.waitFor(t, protocol.ServerContentStart, 1)

	assert.ErrorIs(t, e.manager.Prompt(s.ID, "again", nil, nil), ErrSessionBusy)

	close(release)
	e.sink.waitFor(t, protocol.ServerPromptComplete, 1)
}

func TestCancelReleasesPendingApprovals(t *testing.T) {
	e := newEnv(t, func(ctx context.Context, em *mock.Emitter, p runtime.Prompt) error {
		em.Emit(&runtime.Event{Type: runtime.EventToolCall, ToolCallID: "T1", ToolName: "bash",
			ToolInput: map[string]any{"command": "rm -rf /tmp/stuff"}})
		choice, err := em.RequestApproval(ctx, "Run it?", []string{"Allow", "Deny"}, time.Minute, "Deny")
		if err != nil {
			return err
		}
		em.Emit(&runtime.Event{Type: runtime.EventToolResult, ToolCallID: "T1",
			IsError: choice == "Deny"})
		return nil
	})

	s, err := e.manager.Create(context.Background(), e.sink, nil)
	require.NoError(t, err)
	require.NoError(t, e.manager.Prompt(s.ID, "go", nil, nil))
	e.sink.waitFor(t, protocol.ServerApprovalRequest, 1)

	require.NoError(t, e.manager.Cancel(s.ID, false))

	assert.Zero(t, s.Broker().PendingCount())
	require.Eventually(t, func() bool { return s.Status() == StatusIdle }, time.Second, 5*time.Millisecond)
}

func TestCommands(t *testing.T) {
	e := newEnv(t, nil)
	s, err := e.manager.Create(context.Background(), e.sink, nil)
	require.NoError(t, err)

	res := e.manager.Command(s.ID, "status")
	require.Empty(t, res.Error)
	out := res.Output.(map[string]any)
	assert.Equal(t, s.ID, out["session_id"])
	assert.Equal(t, StatusIdle, out["status"])

	res = e.manager.Command(s.ID, "tools")
	assert.Equal(t, s.Plan.Tools, res.Output)

	res = e.manager.Command(s.ID, "help")
	assert.Empty(t, res.Error)

	res = e.manager.Command(s.ID, "clear")
	assert.Equal(t, "cleared", res.Output)

	res = e.manager.Command(s.ID, "bogus")
	assert.Contains(t, res.Error, "unknown command")
}

func TestCreateValidatesWorkingDirectory(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.manager.Create(context.Background(), e.sink, &protocol.SessionConfig{Cwd: "/etc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied prefix")

	_, err = e.manager.Create(context.Background(), e.sink, &protocol.SessionConfig{
		Cwd: "/tmp/does-not-exist-anywhere-xyz",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	dir := t.TempDir()
	s, err := e.manager.Create(context.Background(), e.sink, &protocol.SessionConfig{Cwd: dir})
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, s.Cwd)
}

func TestStatusCommandListsForkedChildren(t *testing.T) {
	e := newEnv(t, func(ctx context.Context, em *mock.Emitter, p runtime.Prompt) error {
		em.Emit(&runtime.Event{Type: runtime.EventToolCall, ToolCallID: "T1", ToolName: "task"})
		em.Fork("child_a", "T1", "researcher")
		em.Emit(&runtime.Event{Type: runtime.EventToolResult, ToolCallID: "T1", ToolOutput: "done"})
		return nil
	})

	s, err := e.manager.Create(context.Background(), e.sink, nil)
	require.NoError(t, err)
	require.NoError(t, e.manager.Prompt(s.ID, "fan out", nil, nil))
	e.sink.waitFor(t, protocol.ServerPromptComplete, 1)

	res := e.manager.Command(s.ID, "status")
	require.Empty(t, res.Error)
	out := res.Output.(map[string]any)
	assert.Equal(t, []string{"child_a"}, out["children"])
}

func TestBundleDebugInfoMasksSecrets(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.manager.Create(context.Background(), e.sink, &protocol.SessionConfig{
		Provider: map[string]any{
			"name":    "anthropic",
			"api_key": "sk-secret",
			"nested":  map[string]any{"refresh_token": "tok"},
		},
	})
	require.NoError(t, err)

	info := e.sink.ofType(protocol.ServerBundleDebugInfo)[0].(*protocol.BundleDebugInfo)
	assert.Equal(t, "anthropic", info.Provider["name"])
	assert.Equal(t, "***", info.Provider["api_key"])
	assert.Equal(t, "***", info.Provider["nested"].(map[string]any)["refresh_token"])
}

func TestDeleteHistoryProtectsActiveSessions(t *testing.T) {
	e := newEnv(t, nil)
	s, err := e.manager.Create(context.Background(), e.sink, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, e.manager.DeleteHistory(s.ID), ErrSessionActive)

	require.NoError(t, e.manager.End(s.ID, StatusEnded))
	require.NoError(t, e.manager.DeleteHistory(s.ID))
	assert.ErrorIs(t, e.manager.DeleteHistory(s.ID), ErrSessionNotFound)
}
