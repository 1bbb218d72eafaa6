// Package stream translates the runtime's event stream into client frames.
// It owns per-session index remapping, the chronological order counter, and
// the binding of sub-session forks to their delegation tool calls.
package stream

import (
	"strings"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/protocol"
	"github.com/agentgate/agentgate/internal/runtime"
)

// FrameSink receives the frames the adapter produces, in order.
type FrameSink interface {
	Send(frame protocol.Frame)
}

// delegationTools are tool names that spawn a child session; a tool_call
// with one of these expects a subsequent session_fork to bind to it.
var delegationTools = map[string]bool{
	"task":        true,
	"delegate":    true,
	"spawn_agent": true,
}

// scope is the index-remapping state for one timeline: the main session or
// one child session. The runtime restarts server indices at 0 after every
// tool round, so blockIndexMap is cleared on tool_result while
// nextLocalIndex and orderCounter keep growing.
type scope struct {
	blockIndexMap  map[int]int // server index -> local index
	nextLocalIndex int
	orderCounter   int
	localBlocks    map[int]*blockState // local index -> state
	lastThinking   int                 // local index of streaming thinking block, -1 if none
}

type blockState struct {
	serverIndex int
	blockType   string
	order       int
	content     strings.Builder
}

func newScope() *scope {
	return &scope{
		blockIndexMap: make(map[int]int),
		localBlocks:   make(map[int]*blockState),
		lastThinking:  -1,
	}
}

type toolState struct {
	id             string
	name           string
	order          int
	terminal       bool
	delegation     bool
	childSessionID string
}

type parkedFork struct {
	childSessionID string
	agentName      string
	depth          int
}

// Adapter converts runtime events for one session into protocol frames.
// It is driven serially by the session's executor goroutine; no internal
// locking is needed or provided.
type Adapter struct {
	sessionID    string
	sink         FrameSink
	logger       *logger.Logger
	showThinking bool

	main *scope
	subs map[string]*scope // parent tool call id -> child scope

	toolCalls          map[string]*toolState
	pendingDelegations []string     // FIFO of unbound delegation tool call ids
	parkedForks        []parkedFork // forks that arrived before their tool_call
	childToParent      map[string]string

	turn       int
	turnBlocks []map[string]any // transcript blocks for the current turn
}

// NewAdapter creates an Adapter for a session. turn is the 1-based number
// the next prompt_complete will report; resumed sessions start past 1.
func NewAdapter(sessionID string, sink FrameSink, showThinking bool, turn int, log *logger.Logger) *Adapter {
	return &Adapter{
		sessionID:     sessionID,
		sink:          sink,
		logger:        log.WithSessionID(sessionID),
		showThinking:  showThinking,
		main:          newScope(),
		subs:          make(map[string]*scope),
		toolCalls:     make(map[string]*toolState),
		childToParent: make(map[string]string),
		turn:          turn,
	}
}

// BeginTurn advances the turn counter before a prompt executes.
func (a *Adapter) BeginTurn() int {
	a.turn++
	return a.turn
}

// Turn returns the current turn number.
func (a *Adapter) Turn() int { return a.turn }

// TakeTurnBlocks returns the transcript blocks accumulated for the current
// turn and resets the buffer. Called by the session manager at turn close.
func (a *Adapter) TakeTurnBlocks() []map[string]any {
	blocks := a.turnBlocks
	a.turnBlocks = nil
	return blocks
}

// HandleEvent implements runtime.EventSink.
func (a *Adapter) HandleEvent(evt *runtime.Event) {
	sc, nested := a.route(evt)

	switch evt.Type {
	case runtime.EventContentStart:
		a.contentStart(sc, nested, evt)
	case runtime.EventContentDelta:
		a.contentDelta(sc, nested, evt)
	case runtime.EventContentEnd:
		a.contentEnd(sc, nested, evt)
	case runtime.EventThinkingDelta:
		a.thinkingDelta(sc, nested, evt)
	case runtime.EventThinkingFinal:
		a.thinkingFinal(sc, nested, evt)
	case runtime.EventToolCall:
		a.toolCall(sc, nested, evt)
	case runtime.EventToolResult:
		a.toolResult(sc, nested, evt)
	case runtime.EventSessionFork:
		a.sessionFork(evt)
	case runtime.EventPromptComplete:
		a.promptComplete()
	case runtime.EventSessionStart:
		a.sink.Send(&protocol.SessionStart{
			Type: protocol.ServerSessionStart, SessionID: a.sessionID, NestedContext: nested,
		})
	case runtime.EventSessionEnd:
		a.sink.Send(&protocol.SessionEnd{
			Type: protocol.ServerSessionEnd, SessionID: a.sessionID, NestedContext: nested,
		})
	case runtime.EventDisplay:
		a.sink.Send(&protocol.DisplayMessage{
			Type: protocol.ServerDisplayMessage, SessionID: a.sessionID,
			Level: evt.Level, Message: evt.Message, Source: evt.Source,
		})
	case runtime.EventCompaction:
		a.sink.Send(&protocol.ContextCompaction{
			Type: protocol.ServerCompaction, SessionID: a.sessionID,
			TokensBefore: evt.TokensBefore, TokensAfter: evt.TokensAfter, NestedContext: nested,
		})
	case runtime.EventProviderRequest:
		a.sink.Send(&protocol.ProviderRequest{
			Type: protocol.ServerProviderReq, SessionID: a.sessionID,
			Provider: evt.Provider, Model: evt.Model, NestedContext: nested,
		})
	case runtime.EventProviderResponse:
		a.sink.Send(&protocol.ProviderResponse{
			Type: protocol.ServerProviderResp, SessionID: a.sessionID,
			Provider: evt.Provider, Model: evt.Model, Usage: evt.Usage, NestedContext: nested,
		})
	case runtime.EventError:
		a.sink.Send(protocol.NewError(a.sessionID, evt.Err, "runtime"))
	default:
		// Unknown variants degrade to a diagnostic message instead of
		// disappearing silently.
		a.logger.Debug("Unknown runtime event", zap.String("event_type", string(evt.Type)))
		a.sink.Send(&protocol.DisplayMessage{
			Type: protocol.ServerDisplayMessage, SessionID: a.sessionID,
			Level: "debug", Message: "unhandled runtime event: " + string(evt.Type), Source: "adapter",
		})
	}
}

// route picks the scope for an event: a child's sub-state when the event
// carries child attribution, otherwise the main scope.
func (a *Adapter) route(evt *runtime.Event) (*scope, protocol.NestedContext) {
	parentID := evt.ParentToolCallID
	if parentID == "" && evt.ChildSessionID != "" && evt.NestingDepth > 0 {
		parentID = a.childToParent[evt.ChildSessionID]
	}
	if parentID == "" {
		return a.main, protocol.NestedContext{}
	}

	sc, ok := a.subs[parentID]
	if !ok {
		sc = newScope()
		a.subs[parentID] = sc
	}
	depth := evt.NestingDepth
	if depth == 0 {
		depth = 1
	}
	return sc, protocol.NestedContext{
		ChildSessionID:   evt.ChildSessionID,
		ParentToolCallID: parentID,
		NestingDepth:     depth,
	}
}

func (a *Adapter) contentStart(sc *scope, nested protocol.NestedContext, evt *runtime.Event) {
	local := sc.nextLocalIndex
	sc.nextLocalIndex++
	order := sc.orderCounter
	sc.orderCounter++
	sc.blockIndexMap[evt.Index] = local

	blockType := evt.BlockType
	if blockType == "" {
		blockType = "text"
	}
	sc.localBlocks[local] = &blockState{serverIndex: evt.Index, blockType: blockType, order: order}
	if blockType == "thinking" {
		sc.lastThinking = local
	}

	if blockType == "thinking" && !a.showThinking {
		return
	}
	a.sink.Send(&protocol.ContentStart{
		Type: protocol.ServerContentStart, SessionID: a.sessionID,
		Index: evt.Index, Order: order, BlockType: blockType, NestedContext: nested,
	})
}

func (a *Adapter) contentDelta(sc *scope, nested protocol.NestedContext, evt *runtime.Event) {
	local, ok := sc.blockIndexMap[evt.Index]
	if !ok {
		// Out-of-order delta with no live block: drop, never synthesize.
		a.logger.Debug("Dropping delta for unknown block", zap.Int("server_index", evt.Index))
		return
	}
	block := sc.localBlocks[local]
	block.content.WriteString(evt.Delta)

	if block.blockType == "thinking" && !a.showThinking {
		return
	}
	a.sink.Send(&protocol.ContentDelta{
		Type: protocol.ServerContentDelta, SessionID: a.sessionID,
		Index: evt.Index, Delta: evt.Delta, NestedContext: nested,
	})
}

func (a *Adapter) contentEnd(sc *scope, nested protocol.NestedContext, evt *runtime.Event) {
	local, ok := sc.blockIndexMap[evt.Index]
	if !ok {
		return
	}
	block := sc.localBlocks[local]
	content := block.content.String()
	if evt.Text != "" {
		content = evt.Text
	}

	if sc == a.main {
		a.recordBlock(block.blockType, content, nil)
	}
	if block.blockType == "thinking" {
		if sc.lastThinking == local {
			sc.lastThinking = -1
		}
		if !a.showThinking {
			return
		}
	}
	a.sink.Send(&protocol.ContentEnd{
		Type: protocol.ServerContentEnd, SessionID: a.sessionID,
		Index: evt.Index, Content: content, NestedContext: nested,
	})
}

func (a *Adapter) thinkingDelta(sc *scope, nested protocol.NestedContext, evt *runtime.Event) {
	// Thinking streams may begin without an explicit content_start; create
	// the block implicitly on first delta.
	if sc.lastThinking < 0 {
		start := *evt
		start.Type = runtime.EventContentStart
		start.BlockType = "thinking"
		a.contentStart(sc, nested, &start)
	}
	block := sc.localBlocks[sc.lastThinking]
	block.content.WriteString(evt.Delta)

	if !a.showThinking {
		return
	}
	a.sink.Send(&protocol.ThinkingDelta{
		Type: protocol.ServerThinkingDelta, SessionID: a.sessionID,
		Index: block.serverIndex, Delta: evt.Delta, NestedContext: nested,
	})
}

func (a *Adapter) thinkingFinal(sc *scope, nested protocol.NestedContext, evt *runtime.Event) {
	if sc.lastThinking < 0 {
		start := *evt
		start.Type = runtime.EventContentStart
		start.BlockType = "thinking"
		a.contentStart(sc, nested, &start)
	}
	block := sc.localBlocks[sc.lastThinking]
	sc.lastThinking = -1

	content := evt.Text
	if content == "" {
		content = block.content.String()
	}
	if sc == a.main {
		a.recordBlock("thinking", content, nil)
	}
	if !a.showThinking {
		return
	}
	a.sink.Send(&protocol.ThinkingFinal{
		Type: protocol.ServerThinkingFinal, SessionID: a.sessionID,
		Index: block.serverIndex, Content: content, NestedContext: nested,
	})
}

func (a *Adapter) toolCall(sc *scope, nested protocol.NestedContext, evt *runtime.Event) {
	order := sc.orderCounter
	sc.orderCounter++

	ts := &toolState{
		id:         evt.ToolCallID,
		name:       evt.ToolName,
		order:      order,
		delegation: delegationTools[evt.ToolName],
	}
	a.toolCalls[evt.ToolCallID] = ts

	if sc == a.main {
		a.recordBlock("tool_use", "", map[string]any{
			"id":    evt.ToolCallID,
			"name":  evt.ToolName,
			"input": evt.ToolInput,
		})
	}

	a.sink.Send(&protocol.ToolCall{
		Type: protocol.ServerToolCall, SessionID: a.sessionID,
		ID: evt.ToolCallID, Name: evt.ToolName, Input: evt.ToolInput,
		Status: "pending", Order: order, NestedContext: nested,
	})

	if ts.delegation {
		// A fork may already be parked if the runtime announced it first.
		if len(a.parkedForks) > 0 {
			fork := a.parkedForks[0]
			a.parkedForks = a.parkedForks[1:]
			a.bindFork(ts, fork)
		} else {
			a.pendingDelegations = append(a.pendingDelegations, ts.id)
		}
	}
}

func (a *Adapter) toolResult(sc *scope, nested protocol.NestedContext, evt *runtime.Event) {
	ts, ok := a.toolCalls[evt.ToolCallID]
	if !ok || ts.terminal {
		a.logger.Debug("Dropping tool_result for unknown or terminal tool",
			zap.String("tool_call_id", evt.ToolCallID))
		return
	}
	ts.terminal = true

	if sc == a.main {
		a.recordBlock("tool_result", "", map[string]any{
			"tool_use_id": evt.ToolCallID,
			"content":     evt.ToolOutput,
			"is_error":    evt.IsError,
		})
	}

	a.sink.Send(&protocol.ToolResult{
		Type: protocol.ServerToolResult, SessionID: a.sessionID,
		ID: evt.ToolCallID, Output: evt.ToolOutput, Success: !evt.IsError,
		NestedContext: nested,
	})

	// The next model response reuses server indices from 0; only the map is
	// cleared so local indices and order stay monotone.
	sc.blockIndexMap = make(map[int]int)
	sc.lastThinking = -1

	if ts.childSessionID != "" {
		delete(a.childToParent, ts.childSessionID)
		delete(a.subs, ts.id)
	}
}

func (a *Adapter) sessionFork(evt *runtime.Event) {
	fork := parkedFork{
		childSessionID: evt.ForkID,
		agentName:      evt.AgentName,
		depth:          evt.NestingDepth,
	}
	if fork.childSessionID == "" {
		fork.childSessionID = evt.ChildSessionID
	}

	if evt.ParentToolCallID != "" {
		if ts, ok := a.toolCalls[evt.ParentToolCallID]; ok {
			a.removePendingDelegation(ts.id)
			a.bindFork(ts, fork)
			return
		}
	}

	// FIFO among siblings: bind to the oldest delegation call that has no
	// child yet. If none exists the fork arrived first; park it.
	if len(a.pendingDelegations) > 0 {
		id := a.pendingDelegations[0]
		a.pendingDelegations = a.pendingDelegations[1:]
		a.bindFork(a.toolCalls[id], fork)
		return
	}
	a.parkedForks = append(a.parkedForks, fork)
}

func (a *Adapter) bindFork(ts *toolState, fork parkedFork) {
	ts.childSessionID = fork.childSessionID
	a.childToParent[fork.childSessionID] = ts.id
	if _, ok := a.subs[ts.id]; !ok {
		a.subs[ts.id] = newScope()
	}

	depth := fork.depth
	if depth == 0 {
		depth = 1
	}
	a.sink.Send(&protocol.SessionFork{
		Type: protocol.ServerSessionFork, SessionID: a.sessionID,
		ChildSessionID: fork.childSessionID, ParentToolCallID: ts.id,
		AgentName: fork.agentName, NestingDepth: depth,
	})
}

func (a *Adapter) removePendingDelegation(id string) {
	for i, p := range a.pendingDelegations {
		if p == id {
			a.pendingDelegations = append(a.pendingDelegations[:i], a.pendingDelegations[i+1:]...)
			return
		}
	}
}

func (a *Adapter) promptComplete() {
	a.sink.Send(&protocol.PromptComplete{
		Type: protocol.ServerPromptComplete, SessionID: a.sessionID, Turn: a.turn,
	})
	// New turn: server indices restart, local indices and order keep growing
	// so the session timeline stays totally ordered.
	a.main.blockIndexMap = make(map[int]int)
	a.main.lastThinking = -1
}

func (a *Adapter) recordBlock(blockType, content string, extra map[string]any) {
	block := map[string]any{"type": blockType}
	switch blockType {
	case "text":
		block["text"] = content
	case "thinking":
		block["thinking"] = content
	}
	for k, v := range extra {
		block[k] = v
	}
	a.turnBlocks = append(a.turnBlocks, block)
}
