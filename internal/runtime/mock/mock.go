// Package mock provides an in-process scripted runtime used by tests and by
// the "mock" runtime mode for local development.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/runtime"
)

// Script drives one Execute call. It receives an Emitter bound to the
// session's sinks and the prompt text; the runtime emits prompt_complete
// after it returns. A nil script echoes the prompt back as a text block.
type Script func(ctx context.Context, em *Emitter, prompt runtime.Prompt) error

// Runtime is a scripted runtime. The zero value echoes prompts.
type Runtime struct {
	Script Script

	// CreateDelay simulates slow session startup.
	CreateDelay time.Duration
}

// Preparer returns canned mount plans without resolving anything.
type Preparer struct {
	Tools []string
}

// Prepare builds a MountPlan from the URI's last path segment.
func (p *Preparer) Prepare(ctx context.Context, bundleURI string, behaviors []string, provider map[string]any) (*runtime.MountPlan, error) {
	tools := p.Tools
	if tools == nil {
		tools = []string{"write_file", "read_file", "bash"}
	}
	return &runtime.MountPlan{
		BundleName: bundleURI,
		BundleURI:  bundleURI,
		Version:    "0.0.0",
		Tools:      tools,
		Behaviors:  behaviors,
		Provider:   provider,
	}, nil
}

// CreateSession starts a new scripted session.
func (r *Runtime) CreateSession(ctx context.Context, opts runtime.CreateOptions) (runtime.Handle, error) {
	if r.CreateDelay > 0 {
		select {
		case <-time.After(r.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &handle{
		script: r.Script,
		sinks:  opts.Sinks,
	}, nil
}

type handle struct {
	script Script
	sinks  runtime.Sinks

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	closed    bool
}

// Execute runs the script, then emits prompt_complete. Cancellation surfaces
// as context.Canceled from the script's ctx.
func (h *handle) Execute(ctx context.Context, prompt runtime.Prompt) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.cancelled = false
	h.mu.Unlock()
	defer cancel()

	em := &Emitter{sinks: h.sinks}

	script := h.script
	if script == nil {
		script = func(ctx context.Context, em *Emitter, p runtime.Prompt) error {
			em.Text("You said: " + p.Text)
			return nil
		}
	}

	err := script(ctx, em, prompt)
	if err == nil {
		h.sinks.Events.HandleEvent(&runtime.Event{Type: runtime.EventPromptComplete})
		return nil
	}
	if ctx.Err() != nil {
		// Cancelled mid-turn: still close out the turn for the adapter.
		h.sinks.Events.HandleEvent(&runtime.Event{Type: runtime.EventPromptComplete})
		return ctx.Err()
	}
	h.sinks.Events.HandleEvent(&runtime.Event{Type: runtime.EventError, Err: err.Error()})
	return err
}

func (h *handle) Cancel(immediate bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

// Emitter provides composed event sequences over raw sinks so scripts stay
// short. Block indices are allocated per Execute call.
type Emitter struct {
	sinks     runtime.Sinks
	nextIndex int
}

// Emit forwards a raw event.
func (e *Emitter) Emit(evt *runtime.Event) {
	e.sinks.Events.HandleEvent(evt)
}

// Text emits a full text block: content_start, one delta per chunk, content_end.
func (e *Emitter) Text(chunks ...string) int {
	idx := e.nextIndex
	e.nextIndex++
	e.Emit(&runtime.Event{Type: runtime.EventContentStart, Index: idx, BlockType: "text"})
	for _, c := range chunks {
		e.Emit(&runtime.Event{Type: runtime.EventContentDelta, Index: idx, Delta: c})
	}
	e.Emit(&runtime.Event{Type: runtime.EventContentEnd, Index: idx})
	return idx
}

// Thinking emits thinking deltas followed by the consolidated final text.
func (e *Emitter) Thinking(final string, chunks ...string) int {
	idx := e.nextIndex
	e.nextIndex++
	for _, c := range chunks {
		e.Emit(&runtime.Event{Type: runtime.EventThinkingDelta, Index: idx, Delta: c})
	}
	e.Emit(&runtime.Event{Type: runtime.EventThinkingFinal, Index: idx, Text: final})
	return idx
}

// ToolCall emits a tool_call with a fresh block index, immediately followed
// by its tool_result carrying output.
func (e *Emitter) ToolCall(ctx context.Context, id, name string, input map[string]any, output string) {
	idx := e.nextIndex
	e.nextIndex++
	e.Emit(&runtime.Event{Type: runtime.EventToolCall, Index: idx, ToolCallID: id, ToolName: name, ToolInput: input})
	e.Emit(&runtime.Event{Type: runtime.EventToolResult, ToolCallID: id, ToolOutput: output})
}

// RequestApproval forwards to the approval sink.
func (e *Emitter) RequestApproval(ctx context.Context, prompt string, options []string, timeout time.Duration, def string) (string, error) {
	return e.sinks.Approvals.RequestApproval(ctx, prompt, options, timeout, def)
}

// Display forwards to the display sink.
func (e *Emitter) Display(level, message, source string) {
	e.sinks.Display.Display(level, message, source)
}

// Fork announces a sub-agent spawn tied to a parent tool call.
func (e *Emitter) Fork(forkID, parentToolCallID, agentName string) {
	e.Emit(&runtime.Event{
		Type:             runtime.EventSessionFork,
		ForkID:           forkID,
		ParentToolCallID: parentToolCallID,
		AgentName:        agentName,
	})
}
