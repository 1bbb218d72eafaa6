package runtime

import "time"

// EventType identifies the kind of event emitted by an agent runtime while
// executing a prompt.
type EventType string

const (
	EventContentStart     EventType = "content_start"
	EventContentDelta     EventType = "content_delta"
	EventContentEnd       EventType = "content_end"
	EventThinkingDelta    EventType = "thinking_delta"
	EventThinkingFinal    EventType = "thinking_final"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventSessionFork      EventType = "session_fork"
	EventSessionStart     EventType = "session_start"
	EventSessionEnd       EventType = "session_end"
	EventPromptComplete   EventType = "prompt_complete"
	EventDisplay          EventType = "display"
	EventCompaction       EventType = "context_compaction"
	EventProviderRequest  EventType = "provider_request"
	EventProviderResponse EventType = "provider_response"
	EventError            EventType = "error"
)

// Event is the single variant type carried from a runtime to its EventSink.
// Type selects which optional fields are meaningful; unused fields stay zero.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Content block fields (content_start/delta/end, thinking_delta/final).
	// Index is the runtime's own block index, scoped to the emitting agent.
	Index     int    `json:"index,omitempty"`
	BlockType string `json:"block_type,omitempty"` // "text" or "thinking"
	Delta     string `json:"delta,omitempty"`
	Text      string `json:"text,omitempty"`

	// Tool fields (tool_call, tool_result).
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`

	// Fork fields (session_fork). ParentToolCallID may be empty when the
	// runtime announces the fork before its spawning tool_call.
	ForkID           string `json:"fork_id,omitempty"`
	ParentToolCallID string `json:"parent_tool_call_id,omitempty"`
	AgentName        string `json:"agent_name,omitempty"`

	// Nested routing. Events produced inside a child session carry that
	// session's id and a depth > 0; the adapter routes them to the child's
	// sub-state.
	ChildSessionID string `json:"child_session_id,omitempty"`
	NestingDepth   int    `json:"nesting_depth,omitempty"`

	// Display fields (display).
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Source  string `json:"source,omitempty"`

	// Compaction fields (context_compaction).
	TokensBefore int `json:"tokens_before,omitempty"`
	TokensAfter  int `json:"tokens_after,omitempty"`

	// Provider exchange fields (provider_request/response). Payload is an
	// opaque summary, never the full request body.
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Usage    map[string]int `json:"usage,omitempty"`

	// Error fields (error).
	Err string `json:"error,omitempty"`
}
