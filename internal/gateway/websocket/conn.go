package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/approval"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/protocol"
	"github.com/agentgate/agentgate/internal/session"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Send protocol-level pings with this period (must be less than the
	// configured idle timeout)
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 16 * 1024 * 1024 // prompts may carry base64 images

	// Close code for slow consumers (RFC 6455 "try again later")
	closeSlowConsumer = 1013

	// Application close code for failed auth handshakes
	closeAuthFailure = 4001
)

// Connection states.
const (
	stateAwaitingAuth = "AWAITING_AUTH"
	stateReady        = "READY"
	stateClosed       = "CLOSED"
)

// TokenVerifier checks a handshake token.
type TokenVerifier interface {
	Verify(token string) bool
}

// Connection serves one browser tab: a reader goroutine dispatching client
// frames and a writer goroutine draining the outbound queue. One connection
// may own several sessions, keyed by session id in every targeting frame.
type Connection struct {
	ID string

	conn     *websocket.Conn
	server   *Server
	queue    *outboundQueue
	logger   *logger.Logger
	idleWait time.Duration

	mu       sync.Mutex
	state    string
	owned    map[string]bool
	closedCh chan struct{}
	closed   bool
}

func newConnection(ws *websocket.Conn, server *Server, log *logger.Logger) *Connection {
	id := uuid.New().String()
	return &Connection{
		ID:       id,
		conn:     ws,
		server:   server,
		queue:    newOutboundQueue(server.queueSize, server.hardCap),
		logger:   log.WithConnectionID(id),
		idleWait: server.idleTimeout,
		state:    stateAwaitingAuth,
		owned:    make(map[string]bool),
		closedCh: make(chan struct{}),
	}
}

// Send implements the frame sink handed to sessions. A slow consumer closes
// the connection and cancels everything it owns.
func (c *Connection) Send(frame protocol.Frame) {
	if err := c.queue.push(frame); err != nil {
		if err == errSlowConsumer {
			c.logger.Warn("Outbound queue exceeded hard cap, closing connection")
			c.closeWith(closeSlowConsumer, "slow consumer")
		}
	}
}

func (c *Connection) run() {
	go c.writePump()
	c.readPump()
}

func (c *Connection) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.idleWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.idleWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.idleWait))

		frame, err := protocol.ParseClientFrame(message)
		if err != nil {
			c.logger.Debug("Malformed client frame", zap.Error(err))
			c.Send(protocol.NewError("", "malformed frame", "protocol"))
			continue
		}

		if !c.handleFrame(frame) {
			return
		}
	}
}

// handleFrame dispatches one client frame. Returns false when the
// connection must close.
func (c *Connection) handleFrame(frame *protocol.ClientFrame) bool {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == stateAwaitingAuth {
		if frame.Type != protocol.ClientAuth || !c.server.verifier.Verify(frame.Token) {
			c.logger.Warn("Auth handshake failed", zap.String("frame_type", frame.Type))
			c.closeWith(closeAuthFailure, "authentication failed")
			return false
		}
		c.mu.Lock()
		c.state = stateReady
		c.mu.Unlock()
		c.Send(protocol.NewAuthSuccess())
		c.logger.Info("Connection authenticated")
		return true
	}

	switch frame.Type {
	case protocol.ClientAuth:
		// Redundant auth after READY is harmless.
		c.Send(protocol.NewAuthSuccess())

	case protocol.ClientCreateSession:
		c.handleCreateSession(frame)

	case protocol.ClientPrompt:
		if err := c.server.manager.Prompt(frame.SessionID, frame.Content, frame.Images, frame.Attachments); err != nil {
			c.Send(protocol.NewError(frame.SessionID, err.Error(), errorCode(err)))
		}

	case protocol.ClientApprovalResponse:
		sessionID := frame.SessionID
		if sessionID == "" {
			sessionID = c.sessionForApproval(frame.ID)
		}
		if err := c.server.manager.RespondApproval(sessionID, frame.ID, frame.Choice); err != nil {
			// Late responses lose the race by design; stay quiet.
			if err != approval.ErrAlreadyResolved {
				c.Send(protocol.NewError(sessionID, err.Error(), errorCode(err)))
			}
		}

	case protocol.ClientCancel:
		if err := c.server.manager.Cancel(frame.SessionID, frame.Immediate); err != nil {
			c.Send(protocol.NewError(frame.SessionID, err.Error(), errorCode(err)))
		}

	case protocol.ClientCommand:
		c.Send(c.server.manager.Command(frame.SessionID, frame.Name))

	case protocol.ClientPing:
		c.Send(protocol.NewPong())

	default:
		c.Send(protocol.NewError(frame.SessionID, "unknown frame type: "+frame.Type, "protocol"))
	}
	return true
}

func (c *Connection) handleCreateSession(frame *protocol.ClientFrame) {
	s, err := c.server.manager.Create(c.server.baseCtx, c, frame.Config)
	if err != nil {
		c.Send(protocol.NewError("", err.Error(), errorCode(err)))
		c.Send(&protocol.SessionEnd{Type: protocol.ServerSessionEnd, Status: session.StatusErrored})
		return
	}
	c.mu.Lock()
	c.owned[s.ID] = true
	c.mu.Unlock()
}

// sessionForApproval finds which owned session has the approval pending.
// Older clients omit session_id on approval_response frames.
func (c *Connection) sessionForApproval(approvalID string) string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.owned))
	for id := range c.owned {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if s, err := c.server.manager.Get(id); err == nil && s.Broker().PendingCount() > 0 {
			return id
		}
	}
	if len(ids) == 1 {
		return ids[0]
	}
	return ""
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.queue.notify:
			for {
				frame := c.queue.pop()
				if frame == nil {
					break
				}
				data, err := json.Marshal(frame)
				if err != nil {
					c.logger.Error("Frame marshal failed", zap.Error(err))
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					c.logger.Debug("Write failed", zap.Error(err))
					return
				}
			}
			if c.queue.isClosed() {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closedCh:
			return
		}
	}
}

// closeWith sends a close frame with the given code and tears down.
func (c *Connection) closeWith(code int, reason string) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.conn.Close()
}

// teardown releases everything the connection owns. Sessions end, which
// fires their pending approvals with defaults and persists final metadata.
func (c *Connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = stateClosed
	owned := make([]string, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	c.mu.Unlock()

	close(c.closedCh)
	c.queue.close()
	c.conn.Close()
	c.server.unregister(c)
	c.server.manager.EndAll(owned)
	c.logger.Info("Connection closed", zap.Int("owned_sessions", len(owned)))
}

// errorCode maps manager errors onto protocol error codes.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, session.ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, session.ErrSessionActive):
		return "session_active"
	default:
		return "internal"
	}
}
