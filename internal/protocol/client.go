// Package protocol defines the framed WebSocket protocol between browser
// clients and the gateway. Client frames arrive as one JSON envelope whose
// type field selects which other fields are meaningful; server frames are
// typed structs with constructor helpers.
package protocol

import "encoding/json"

// Client frame types.
const (
	ClientAuth             = "auth"
	ClientCreateSession    = "create_session"
	ClientPrompt           = "prompt"
	ClientApprovalResponse = "approval_response"
	ClientCancel           = "cancel"
	ClientCommand          = "command"
	ClientPing             = "ping"
)

// SessionConfig is the payload of create_session.
type SessionConfig struct {
	Bundle            string           `json:"bundle,omitempty"`
	Behaviors         []string         `json:"behaviors,omitempty"`
	Provider          map[string]any   `json:"provider,omitempty"`
	ShowThinking      *bool            `json:"show_thinking,omitempty"`
	InitialTranscript []map[string]any `json:"initial_transcript,omitempty"`
	Cwd               string           `json:"cwd,omitempty"`
	ResumeSessionID   string           `json:"resume_session_id,omitempty"`
}

// ImageAttachment is an inline image on a prompt frame.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// DocumentAttachment is an extracted document on a prompt frame.
type DocumentAttachment struct {
	Filename string `json:"filename"`
	Text     string `json:"text"`
}

// ClientFrame is the decoded envelope for any client frame. Fields beyond
// Type are populated per frame type.
type ClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// create_session
	Config *SessionConfig `json:"config,omitempty"`

	// prompt
	Content     string               `json:"content,omitempty"`
	Images      []ImageAttachment    `json:"images,omitempty"`
	Attachments []DocumentAttachment `json:"attachments,omitempty"`

	// approval_response
	ID     string `json:"id,omitempty"`
	Choice string `json:"choice,omitempty"`

	// cancel
	Immediate bool `json:"immediate,omitempty"`

	// command
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ParseClientFrame decodes a raw WebSocket text message.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
