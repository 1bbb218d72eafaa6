package protocol

// Server frame types.
const (
	ServerAuthSuccess     = "auth_success"
	ServerSessionCreated  = "session_created"
	ServerBundleDebugInfo = "bundle_debug_info"
	ServerContentStart    = "content_start"
	ServerContentDelta    = "content_delta"
	ServerContentEnd      = "content_end"
	ServerThinkingDelta   = "thinking_delta"
	ServerThinkingFinal   = "thinking_final"
	ServerToolCall        = "tool_call"
	ServerToolResult      = "tool_result"
	ServerApprovalRequest = "approval_request"
	ServerApprovalTimeout = "approval_timeout"
	ServerSessionFork     = "session_fork"
	ServerDisplayMessage  = "display_message"
	ServerPromptComplete  = "prompt_complete"
	ServerCommandResult   = "command_result"
	ServerCompaction      = "context_compaction"
	ServerSessionStart    = "session_start"
	ServerSessionEnd      = "session_end"
	ServerProviderReq     = "provider_request"
	ServerProviderResp    = "provider_response"
	ServerError           = "error"
	ServerPong            = "pong"
)

// Frame is any server-to-client frame. Implementations are JSON-marshalled
// directly onto the wire.
type Frame interface {
	FrameType() string
}

// NestedContext disambiguates frames produced inside a child session. It is
// embedded in every block-scoped and tool-scoped frame.
type NestedContext struct {
	ChildSessionID   string `json:"child_session_id,omitempty"`
	ParentToolCallID string `json:"parent_tool_call_id,omitempty"`
	NestingDepth     int    `json:"nesting_depth,omitempty"`
}

type AuthSuccess struct {
	Type string `json:"type"`
}

func NewAuthSuccess() *AuthSuccess { return &AuthSuccess{Type: ServerAuthSuccess} }

func (f *AuthSuccess) FrameType() string { return f.Type }

type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed,omitempty"`
	TurnCount int    `json:"turn_count"`
}

func NewSessionCreated(sessionID string, resumed bool, turnCount int) *SessionCreated {
	return &SessionCreated{Type: ServerSessionCreated, SessionID: sessionID, Resumed: resumed, TurnCount: turnCount}
}

func (f *SessionCreated) FrameType() string { return f.Type }

// BundleDebugInfo carries the mount plan summary shown in the UI's debug
// panel. Secret-bearing provider fields are masked before construction.
type BundleDebugInfo struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Bundle    string         `json:"bundle"`
	Version   string         `json:"version,omitempty"`
	Tools     []string       `json:"tools"`
	Behaviors []string       `json:"behaviors,omitempty"`
	Provider  map[string]any `json:"provider,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
}

func (f *BundleDebugInfo) FrameType() string { return f.Type }

type ContentStart struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Order     int    `json:"order"`
	BlockType string `json:"block_type"` // text, thinking, tool_use
	NestedContext
}

func (f *ContentStart) FrameType() string { return f.Type }

type ContentDelta struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Delta     string `json:"delta"`
	NestedContext
}

func (f *ContentDelta) FrameType() string { return f.Type }

type ContentEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Content   string `json:"content,omitempty"`
	NestedContext
}

func (f *ContentEnd) FrameType() string { return f.Type }

type ThinkingDelta struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Delta     string `json:"delta"`
	NestedContext
}

func (f *ThinkingDelta) FrameType() string { return f.Type }

type ThinkingFinal struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Content   string `json:"content"`
	NestedContext
}

func (f *ThinkingFinal) FrameType() string { return f.Type }

type ToolCall struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
	Status    string         `json:"status"` // pending, running
	Order     int            `json:"order"`
	NestedContext
}

func (f *ToolCall) FrameType() string { return f.Type }

type ToolResult struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ID        string `json:"id"`
	Output    string `json:"output,omitempty"`
	Success   bool   `json:"success"`
	NestedContext
}

func (f *ToolResult) FrameType() string { return f.Type }

type ApprovalRequest struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	Options   []string `json:"options"`
	Timeout   int      `json:"timeout"` // seconds
	Default   string   `json:"default"`
}

func (f *ApprovalRequest) FrameType() string { return f.Type }

// ApprovalTimeout tells the client an approval expired and which choice was
// applied in the user's stead.
type ApprovalTimeout struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	ID             string `json:"id"`
	AppliedDefault string `json:"applied_default"`
}

func (f *ApprovalTimeout) FrameType() string { return f.Type }

type SessionFork struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	ChildSessionID   string `json:"child_session_id"`
	ParentToolCallID string `json:"parent_tool_call_id"`
	AgentName        string `json:"agent_name,omitempty"`
	NestingDepth     int    `json:"nesting_depth"`
}

func (f *SessionFork) FrameType() string { return f.Type }

type DisplayMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
}

func (f *DisplayMessage) FrameType() string { return f.Type }

type PromptComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Turn      int    `json:"turn"`
}

func (f *PromptComplete) FrameType() string { return f.Type }

type CommandResult struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Command   string `json:"command"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (f *CommandResult) FrameType() string { return f.Type }

type ContextCompaction struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	TokensBefore int    `json:"tokens_before"`
	TokensAfter  int    `json:"tokens_after"`
	NestedContext
}

func (f *ContextCompaction) FrameType() string { return f.Type }

type SessionStart struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	NestedContext
}

func (f *SessionStart) FrameType() string { return f.Type }

type SessionEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"` // ended, errored
	NestedContext
}

func (f *SessionEnd) FrameType() string { return f.Type }

type ProviderRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	NestedContext
}

func (f *ProviderRequest) FrameType() string { return f.Type }

type ProviderResponse struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Usage     map[string]int `json:"usage,omitempty"`
	NestedContext
}

func (f *ProviderResponse) FrameType() string { return f.Type }

type ErrorFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
}

func NewError(sessionID, message, code string) *ErrorFrame {
	return &ErrorFrame{Type: ServerError, SessionID: sessionID, Message: message, Code: code}
}

func (f *ErrorFrame) FrameType() string { return f.Type }

type Pong struct {
	Type string `json:"type"`
}

func NewPong() *Pong { return &Pong{Type: ServerPong} }

func (f *Pong) FrameType() string { return f.Type }
