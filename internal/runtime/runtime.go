// Package runtime defines the contract between the gateway and an agent
// runtime. The gateway owns sessions, transcripts and the wire protocol; a
// runtime owns prompt execution and emits events through the sinks below.
package runtime

import (
	"context"
	"time"
)

// MountPlan describes what a prepared bundle exposes to a session.
type MountPlan struct {
	BundleName  string           `json:"bundle_name"`
	BundleURI   string           `json:"bundle_uri"`
	Version     string           `json:"version,omitempty"`
	Description string           `json:"description,omitempty"`
	Tools       []string         `json:"tools"`
	Behaviors   []string         `json:"behaviors,omitempty"`
	Provider    map[string]any   `json:"provider,omitempty"`
	Agents      []string         `json:"agents,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
}

// Preparer resolves a bundle URI plus behavior overlays into a MountPlan
// before any session starts on it.
type Preparer interface {
	Prepare(ctx context.Context, bundleURI string, behaviors []string, provider map[string]any) (*MountPlan, error)
}

// ContentBlock is one piece of a user prompt: text, an image, or an
// attached document already extracted to text.
type ContentBlock struct {
	Type      string `json:"type"` // "text", "image", "document"
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64 for images
	Filename  string `json:"filename,omitempty"`
}

// Prompt is one user turn handed to a runtime.
type Prompt struct {
	Text   string
	Blocks []ContentBlock
}

// EventSink receives runtime events in emission order. Implementations must
// not block for long; the streaming adapter behind it is synchronous.
type EventSink interface {
	HandleEvent(event *Event)
}

// ApprovalSink lets a runtime ask the user to approve a tool use. It blocks
// until the user answers, the timeout fires, or ctx is cancelled; on timeout
// it returns the default choice with a nil error.
type ApprovalSink interface {
	RequestApproval(ctx context.Context, prompt string, options []string, timeout time.Duration, defaultChoice string) (string, error)
}

// DisplaySink receives out-of-band runtime messages (status lines, warnings)
// that are not part of the assistant's response.
type DisplaySink interface {
	Display(level, message, source string)
}

// Sinks bundles the three callback surfaces a session wires into a runtime.
type Sinks struct {
	Events    EventSink
	Approvals ApprovalSink
	Display   DisplaySink
}

// CreateOptions configures a new runtime session.
type CreateOptions struct {
	SessionID    string
	Plan         *MountPlan
	SystemPrompt string
	Cwd          string
	Sinks        Sinks

	// History replays prior turns on resume. Each entry is a stored
	// transcript line already decoded to a generic map.
	History []map[string]any
}

// Handle is a live runtime session. Execute runs one prompt to completion,
// emitting events along the way; it returns once the runtime has emitted
// prompt_complete or failed. Cancel interrupts a running Execute.
type Handle interface {
	Execute(ctx context.Context, prompt Prompt) error
	Cancel(immediate bool)
	Close() error
}

// Runtime creates sessions against a prepared mount plan.
type Runtime interface {
	CreateSession(ctx context.Context, opts CreateOptions) (Handle, error)
}
