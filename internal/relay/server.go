package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/subscription"
	"github.com/agentdeck/agentdeck/internal/upload"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// How often expired auth sessions are swept.
const authSweepInterval = time.Minute

// Options configure the relay server.
type Options struct {
	Auth          *Authenticator
	Sessions      *SessionStore
	Dispatcher    Dispatcher
	Subscriptions *subscription.Manager
	Uploads       *upload.Manager

	// AllowedOrigins extends the built-in localhost and private-range
	// origin policy.
	AllowedOrigins []string

	// HandshakeTimeout bounds the SRP handshake (default 30s).
	HandshakeTimeout time.Duration

	// CompressionThreshold is the minimum outbound payload size before the
	// relay compresses for clients that declared support (default 4096).
	CompressionThreshold int

	Logger *logger.Logger
}

// Server accepts relay connections on one WebSocket endpoint and owns their
// lifecycle.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// NewServer builds a relay server. Origin enforcement happens after the
// upgrade so rejected browsers observe close code 4003 instead of an opaque
// HTTP failure.
func NewServer(opts Options) *Server {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = 4096
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: opts.Logger.WithFields(zap.String("component", "relay")),
		conns:  make(map[string]*Conn),
	}
}

// HandleUpgrade serves GET /relay: it upgrades the connection, applies the
// origin policy and runs the connection pumps until the peer goes away.
func (s *Server) HandleUpgrade(gc *gin.Context) {
	ws, err := s.upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	origin := gc.GetHeader("Origin")
	if !originAllowed(origin, s.opts.AllowedOrigins) {
		s.logger.Warn("origin rejected", zap.String("origin", origin))
		msg := websocket.FormatCloseMessage(wire.CloseForbiddenOrigin, "forbidden origin")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		ws.Close()
		return
	}

	id := uuid.New().String()
	conn := newConn(connConfig{
		id:                   id,
		ws:                   ws,
		auth:                 s.opts.Auth,
		dispatcher:           s.opts.Dispatcher,
		subs:                 s.opts.Subscriptions,
		uploads:              s.opts.Uploads,
		compressionThreshold: s.opts.CompressionThreshold,
		handshakeTimeout:     s.opts.HandshakeTimeout,
		detach:               func() { s.remove(id) },
		logger:               s.logger,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[id] = conn
	s.mu.Unlock()

	s.logger.Info("connection opened",
		zap.String("conn_id", id),
		zap.String("remote_addr", gc.Request.RemoteAddr))
	conn.run()
}

// Run sweeps expired auth sessions until ctx is cancelled, then closes every
// open connection.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(authSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-ticker.C:
			if s.opts.Sessions == nil {
				continue
			}
			if n := s.opts.Sessions.DeleteExpired(); n > 0 {
				s.logger.Debug("expired auth sessions swept", zap.Int("count", n))
			}
		}
	}
}

// Close shuts every connection down with a going-away close frame.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	open := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
	}
}

// ConnCount reports the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}
