// Package websocket multiplexes agent sessions over browser WebSocket
// connections: one duplex channel per tab, authenticated by a handshake
// frame, with bounded outbound queues and delta coalescing under pressure.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/session"
)

// Server upgrades HTTP requests to WebSocket connections and tracks them
// for shutdown.
type Server struct {
	manager     *session.Manager
	verifier    TokenVerifier
	logger      *logger.Logger
	baseCtx     context.Context
	queueSize   int
	hardCap     int
	idleTimeout time.Duration
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Connection
}

// Options bounds the per-connection queues and read idleness.
type Options struct {
	QueueSize   int
	HardCap     int
	IdleTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.QueueSize == 0 {
		out.QueueSize = 256
	}
	if out.HardCap == 0 {
		out.HardCap = 1024
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 90 * time.Second
	}
	return out
}

// NewServer creates a WebSocket server over the session manager.
func NewServer(ctx context.Context, manager *session.Manager, verifier TokenVerifier, opts Options, log *logger.Logger) *Server {
	o := opts.withDefaults()
	return &Server{
		manager:     manager,
		verifier:    verifier,
		logger:      log,
		baseCtx:     ctx,
		queueSize:   o.QueueSize,
		hardCap:     o.HardCap,
		idleTimeout: o.IdleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local single-user gateway: the browser talks to its own
			// machine, so cross-origin checks stay permissive.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*Connection),
	}
}

// Handle is the gin handler for GET /ws/session.
func (s *Server) Handle(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(ws, s, s.logger)
	s.mu.Lock()
	s.conns[conn.ID] = conn
	s.mu.Unlock()

	s.logger.Info("Connection opened", zap.String("connection_id", conn.ID))
	conn.run()
}

func (s *Server) unregister(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()
}

// Shutdown closes every open connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.teardown()
	}
}

// ConnectionCount reports the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
