// Package session owns the lifecycle of agent sessions: creation against a
// prepared bundle, turn execution, cancellation, resumption, and the wiring
// of the streaming adapter, approval broker, transcript store and artifact
// ledger around each runtime session.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/approval"
	"github.com/agentgate/agentgate/internal/artifact"
	"github.com/agentgate/agentgate/internal/bundle"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/protocol"
	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/stream"
	"github.com/agentgate/agentgate/internal/transcript"
)

var (
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a prompt arrives while a turn is in flight.
	ErrSessionBusy = errors.New("session is executing")
	// ErrSessionActive guards history mutations against live sessions.
	ErrSessionActive = errors.New("session is active")
)

// Config holds the manager's timeouts and defaults.
type Config struct {
	DefaultBundle        string
	ApprovalTimeout      time.Duration
	SessionCreateTimeout time.Duration
	CancelDrainTimeout   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultBundle == "" {
		out.DefaultBundle = "foundation"
	}
	if out.ApprovalTimeout == 0 {
		out.ApprovalTimeout = 300 * time.Second
	}
	if out.SessionCreateTimeout == 0 {
		out.SessionCreateTimeout = 30 * time.Second
	}
	if out.CancelDrainTimeout == 0 {
		out.CancelDrainTimeout = 10 * time.Second
	}
	return out
}

// Manager creates and tracks active sessions.
type Manager struct {
	cfg         Config
	preparer    runtime.Preparer
	rt          runtime.Runtime
	transcripts *transcript.Store
	artifacts   *artifact.Ledger
	bus         bus.EventBus
	tracer      trace.Tracer
	logger      *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires a Manager from its collaborators.
func NewManager(cfg Config, preparer runtime.Preparer, rt runtime.Runtime,
	transcripts *transcript.Store, artifacts *artifact.Ledger, eventBus bus.EventBus,
	log *logger.Logger) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		preparer:    preparer,
		rt:          rt,
		transcripts: transcripts,
		artifacts:   artifacts,
		bus:         eventBus,
		tracer:      otel.Tracer("agentgate/session"),
		logger:      log,
		sessions:    make(map[string]*Session),
	}
}

// Create starts or resumes a session and emits session_created followed by
// bundle_debug_info on the sink.
func (m *Manager) Create(ctx context.Context, sink FrameSink, cfg *protocol.SessionConfig) (*Session, error) {
	if cfg == nil {
		cfg = &protocol.SessionConfig{}
	}
	bundleName := cfg.Bundle
	if bundleName == "" {
		bundleName = m.cfg.DefaultBundle
	}

	cwd := cfg.Cwd
	if cwd != "" {
		resolved, err := bundle.ValidateWorkDir(cwd)
		if err != nil {
			return nil, fmt.Errorf("working directory %q: %w", cwd, err)
		}
		cwd = resolved
	}

	plan, err := m.preparer.Prepare(ctx, bundleName, cfg.Behaviors, cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("prepare bundle %q: %w", bundleName, err)
	}

	sessionID := uuid.New().String()
	resumed := false
	turnCount := 0
	var history []map[string]any

	if cfg.ResumeSessionID != "" {
		if !m.transcripts.Exists(cfg.ResumeSessionID) {
			return nil, fmt.Errorf("resume %s: %w", cfg.ResumeSessionID, ErrSessionNotFound)
		}
		m.mu.Lock()
		_, active := m.sessions[cfg.ResumeSessionID]
		m.mu.Unlock()
		if active {
			return nil, fmt.Errorf("resume %s: %w", cfg.ResumeSessionID, ErrSessionActive)
		}
		sessionID = cfg.ResumeSessionID
		resumed = true
		entries, err := m.transcripts.Load(sessionID)
		if err != nil && !errors.Is(err, transcript.ErrSessionNotFound) {
			return nil, fmt.Errorf("load transcript: %w", err)
		}
		turnCount = countUserTurns(entries)
		history = textOnlyHistory(entries)
	} else if len(cfg.InitialTranscript) > 0 {
		history = textOnlyInitial(cfg.InitialTranscript)
		turnCount = countUserMaps(history)
	}

	if err := m.transcripts.Open(sessionID); err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}

	showThinking := true
	if cfg.ShowThinking != nil {
		showThinking = *cfg.ShowThinking
	}

	log := m.logger.WithSessionID(sessionID)
	s := &Session{
		ID:           sessionID,
		Bundle:       bundleName,
		Behaviors:    cfg.Behaviors,
		Cwd:          cwd,
		Plan:         plan,
		ShowThinking: showThinking,
		CreatedAt:    time.Now().UTC(),
		broker:       approval.NewBroker(sessionID, sink, log),
		sink:         sink,
		status:       StatusIdle,
	}
	s.adapter = stream.NewAdapter(sessionID, sink, showThinking, turnCount, log)

	createCtx, cancel := context.WithTimeout(ctx, m.cfg.SessionCreateTimeout)
	defer cancel()

	handle, err := m.rt.CreateSession(createCtx, runtime.CreateOptions{
		SessionID: sessionID,
		Plan:      plan,
		Cwd:       cwd,
		History:   history,
		Sinks: runtime.Sinks{
			Events:    &observingSink{m: m, s: s},
			Approvals: &brokerSink{broker: s.broker, defaultTimeout: m.cfg.ApprovalTimeout},
			Display:   &displaySink{sessionID: sessionID, sink: sink},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime session: %w", err)
	}
	s.handle = handle

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	meta := m.metadataFor(s, "active", turnCount)
	if resumed {
		if prev, err := m.transcripts.LoadMetadata(sessionID); err == nil {
			meta.CreatedAt = prev.CreatedAt
		}
	}
	if err := m.transcripts.SnapshotMetadata(sessionID, meta); err != nil {
		log.Warn("Metadata snapshot failed", zap.Error(err))
	}

	sink.Send(protocol.NewSessionCreated(sessionID, resumed, turnCount))
	sink.Send(&protocol.BundleDebugInfo{
		Type:      protocol.ServerBundleDebugInfo,
		SessionID: sessionID,
		Bundle:    plan.BundleName,
		Version:   plan.Version,
		Tools:     plan.Tools,
		Behaviors: plan.Behaviors,
		Provider:  maskSecrets(plan.Provider),
		Warnings:  plan.Warnings,
	})

	m.publish(bus.SubjectSessionCreated, sessionID, map[string]any{
		"bundle":  bundleName,
		"resumed": resumed,
	})
	log.Info("Session created",
		zap.String("bundle", bundleName),
		zap.Bool("resumed", resumed),
		zap.Int("turn_count", turnCount))
	return s, nil
}

// Prompt starts one user turn. At most one turn runs per session; a second
// prompt while executing returns ErrSessionBusy.
func (m *Manager) Prompt(sessionID, text string, images []protocol.ImageAttachment, attachments []protocol.DocumentAttachment) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if !s.beginTurn() {
		return fmt.Errorf("prompt %s: %w", sessionID, ErrSessionBusy)
	}
	turn := s.adapter.BeginTurn()

	// The stored user entry keeps the text only; image bytes are never
	// echoed back through frames or the transcript.
	if err := m.transcripts.Append(sessionID, transcript.Entry{Role: "user", Content: text}); err != nil {
		m.logger.WithSessionID(sessionID).Warn("Transcript append failed", zap.Error(err))
	}

	prompt := runtime.Prompt{Text: text}
	if text != "" {
		prompt.Blocks = append(prompt.Blocks, runtime.ContentBlock{Type: "text", Text: text})
	}
	for _, img := range images {
		prompt.Blocks = append(prompt.Blocks, runtime.ContentBlock{
			Type: "image", MediaType: img.MediaType, Data: img.Data,
		})
	}
	for _, doc := range attachments {
		prompt.Blocks = append(prompt.Blocks, runtime.ContentBlock{
			Type: "document", Filename: doc.Filename, Text: doc.Text,
		})
	}

	go m.executeTurn(s, turn, prompt)
	return nil
}

func (m *Manager) executeTurn(s *Session, turn int, prompt runtime.Prompt) {
	log := m.logger.WithSessionID(s.ID)

	ctx, span := m.tracer.Start(context.Background(), "session.execute",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("session.bundle", s.Bundle),
			attribute.Int("session.turn", turn),
		))
	err := s.handle.Execute(ctx, prompt)
	span.End()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Turn execution failed", zap.Int("turn", turn), zap.Error(err))
		s.sink.Send(protocol.NewError(s.ID, err.Error(), "execution"))
	}

	if blocks := s.adapter.TakeTurnBlocks(); len(blocks) > 0 {
		if aerr := m.transcripts.Append(s.ID, transcript.Entry{Role: "assistant", Content: blocks}); aerr != nil {
			log.Warn("Transcript append failed", zap.Error(aerr))
		}
	}
	if ferr := m.transcripts.Flush(s.ID, true); ferr != nil {
		log.Warn("Transcript flush failed", zap.Error(ferr))
	}

	if merr := m.transcripts.SnapshotMetadata(s.ID, m.metadataFor(s, "active", turn)); merr != nil {
		log.Warn("Metadata snapshot failed", zap.Error(merr))
	}

	s.endTurn()
}

// Cancel interrupts the session's in-flight turn. Pending approvals resolve
// with their defaults first so nothing lingers, then the runtime is told to
// stop and the manager awaits drain up to a bounded deadline.
func (m *Manager) Cancel(sessionID string, immediate bool) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.broker.CancelAll()
	s.handle.Cancel(immediate)
	s.awaitDrain(m.cfg.CancelDrainTimeout)
	m.logger.WithSessionID(sessionID).Info("Session cancelled", zap.Bool("immediate", immediate))
	return nil
}

// RespondApproval routes an approval_response frame to the session's broker.
func (m *Manager) RespondApproval(sessionID, approvalID, choice string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	return s.broker.Respond(approvalID, choice)
}

// End tears a session down: cancels work, releases approvals, closes the
// runtime handle, flushes the transcript, and persists the final status.
func (m *Manager) End(sessionID, status string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.broker.CancelAll()
	s.handle.Cancel(true)
	s.awaitDrain(m.cfg.CancelDrainTimeout)
	s.markTerminal(status)
	if err := s.handle.Close(); err != nil {
		m.logger.WithSessionID(sessionID).Warn("Runtime close failed", zap.Error(err))
	}

	if err := m.transcripts.SnapshotMetadata(sessionID, m.metadataFor(s, status, s.adapter.Turn())); err != nil {
		m.logger.WithSessionID(sessionID).Warn("Metadata snapshot failed", zap.Error(err))
	}
	if err := m.transcripts.Close(sessionID); err != nil {
		m.logger.WithSessionID(sessionID).Warn("Transcript close failed", zap.Error(err))
	}

	m.publish(bus.SubjectSessionEnded, sessionID, map[string]any{"status": status})
	m.logger.WithSessionID(sessionID).Info("Session ended", zap.String("status", status))
	return nil
}

// EndAll tears down every given session; used when a connection closes.
func (m *Manager) EndAll(sessionIDs []string) {
	for _, id := range sessionIDs {
		if err := m.End(id, StatusEnded); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.logger.WithSessionID(id).Warn("Session teardown failed", zap.Error(err))
		}
	}
}

// Command executes a named server command and returns its result frame.
func (m *Manager) Command(sessionID, name string) *protocol.CommandResult {
	res := &protocol.CommandResult{Type: protocol.ServerCommandResult, SessionID: sessionID, Command: name}

	s, err := m.get(sessionID)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	switch name {
	case "help":
		res.Output = map[string]string{
			"help":   "list available commands",
			"status": "show session status and turn count",
			"tools":  "list tools available to this session",
			"clear":  "clear remembered approval choices",
		}
	case "status":
		res.Output = map[string]any{
			"session_id": s.ID,
			"bundle":     s.Bundle,
			"status":     s.Status(),
			"turn":       s.adapter.Turn(),
			"children":   s.Children(),
		}
	case "tools":
		res.Output = s.Plan.Tools
	case "clear":
		s.broker.ClearCache()
		res.Output = "cleared"
	default:
		res.Error = fmt.Sprintf("unknown command: %s", name)
	}
	return res
}

// Get returns an active session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	return m.get(sessionID)
}

// ListActive returns the active sessions.
func (m *Manager) ListActive() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// IsActive reports whether the session is live in this process.
func (m *Manager) IsActive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// DeleteHistory removes a stored session. Active sessions are protected.
func (m *Manager) DeleteHistory(sessionID string) error {
	if m.IsActive(sessionID) {
		return fmt.Errorf("delete %s: %w", sessionID, ErrSessionActive)
	}
	m.artifacts.Purge(sessionID)
	if err := m.transcripts.Delete(sessionID); err != nil {
		if errors.Is(err, transcript.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// RenameHistory sets a stored session's display name.
func (m *Manager) RenameHistory(sessionID, name string) error {
	if !m.transcripts.Exists(sessionID) {
		return ErrSessionNotFound
	}
	return m.transcripts.Rename(sessionID, name)
}

// metadataFor builds a metadata snapshot for the session, preserving any
// display name already on disk.
func (m *Manager) metadataFor(s *Session, status string, turn int) transcript.Metadata {
	meta := transcript.Metadata{
		Bundle:    s.Bundle,
		Behaviors: s.Behaviors,
		Status:    status,
		TurnCount: turn,
		Cwd:       s.Cwd,
		CreatedAt: s.CreatedAt,
	}
	if prev, err := m.transcripts.LoadMetadata(s.ID); err == nil {
		meta.Name = prev.Name
	}
	return meta
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	return s, nil
}

func (m *Manager) publish(subject, sessionID string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = sessionID
	evt := bus.NewEvent(subject, "session-manager", data)
	if err := m.bus.Publish(context.Background(), subject+"."+sessionID, evt); err != nil {
		m.logger.Debug("Bus publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// observingSink feeds runtime events to the artifact ledger and the event
// bus before handing them to the streaming adapter. It runs on the session's
// executor goroutine, preserving event order end to end.
type observingSink struct {
	m *Manager
	s *Session
}

func (o *observingSink) HandleEvent(evt *runtime.Event) {
	switch evt.Type {
	case runtime.EventToolCall:
		o.m.artifacts.ObserveToolCall(o.s.ID, evt.ToolCallID, evt.ToolName, evt.ToolInput)
		o.m.publish(bus.SubjectToolActivity, o.s.ID, map[string]any{
			"phase": "call", "tool": evt.ToolName, "tool_call_id": evt.ToolCallID,
		})
	case runtime.EventToolResult:
		o.m.artifacts.ObserveToolResult(o.s.ID, evt.ToolCallID, evt.IsError)
		o.m.publish(bus.SubjectToolActivity, o.s.ID, map[string]any{
			"phase": "result", "tool_call_id": evt.ToolCallID, "is_error": evt.IsError,
		})
	case runtime.EventSessionFork:
		o.s.mu.Lock()
		o.s.children = append(o.s.children, evt.ForkID)
		o.s.mu.Unlock()
	}
	o.s.adapter.HandleEvent(evt)
}

// brokerSink adapts the approval broker to the runtime's ApprovalSink.
type brokerSink struct {
	broker         *approval.Broker
	defaultTimeout time.Duration
}

func (b *brokerSink) RequestApproval(ctx context.Context, prompt string, options []string, timeout time.Duration, defaultChoice string) (string, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	return b.broker.Request(ctx, prompt, options, timeout, defaultChoice)
}

// displaySink forwards runtime display messages as frames.
type displaySink struct {
	sessionID string
	sink      FrameSink
}

func (d *displaySink) Display(level, message, source string) {
	d.sink.Send(&protocol.DisplayMessage{
		Type:      protocol.ServerDisplayMessage,
		SessionID: d.sessionID,
		Level:     level,
		Message:   message,
		Source:    source,
	})
}

// secretKeys are provider fields masked before leaving the process.
var secretKeys = []string{"api_key", "secret", "password", "token"}

// maskSecrets deep-copies a provider record with secret-bearing values
// replaced, recursing into nested maps.
func maskSecrets(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = maskSecrets(nested)
			continue
		}
		lower := strings.ToLower(k)
		masked := false
		for _, sk := range secretKeys {
			if strings.Contains(lower, sk) {
				out[k] = "***"
				masked = true
				break
			}
		}
		if !masked {
			out[k] = v
		}
	}
	return out
}

func countUserTurns(entries []transcript.Entry) int {
	n := 0
	for _, e := range entries {
		if e.Role == "user" {
			n++
		}
	}
	return n
}

func countUserMaps(history []map[string]any) int {
	n := 0
	for _, h := range history {
		if h["role"] == "user" {
			n++
		}
	}
	return n
}

// textOnlyHistory flattens stored entries to role + text content. Tool and
// thinking blocks are not carried into a resumed runtime context.
func textOnlyHistory(entries []transcript.Entry) []map[string]any {
	var out []map[string]any
	for _, e := range entries {
		text := flattenText(e.Content)
		if text == "" {
			continue
		}
		out = append(out, map[string]any{"role": e.Role, "content": text})
	}
	return out
}

func textOnlyInitial(entries []map[string]any) []map[string]any {
	var out []map[string]any
	for _, e := range entries {
		role, _ := e["role"].(string)
		text := flattenText(e["content"])
		if role == "" || text == "" {
			continue
		}
		out = append(out, map[string]any{"role": role, "content": text})
	}
	return out
}

// flattenText extracts the text portions of a transcript content value.
func flattenText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, item := range c {
			block, ok := item.(map[string]any)
			if !ok || block["type"] != "text" {
				continue
			}
			if txt, ok := block["text"].(string); ok {
				sb.WriteString(txt)
			}
		}
		return sb.String()
	case []map[string]any:
		var sb strings.Builder
		for _, block := range c {
			if block["type"] != "text" {
				continue
			}
			if txt, ok := block["text"].(string); ok {
				sb.WriteString(txt)
			}
		}
		return sb.String()
	}
	return ""
}
