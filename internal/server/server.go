// Package server coordinates session admission, presence fan-out, and
// graceful shutdown for the campuschat WebSocket service via the Server type.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/campuschat/internal/auth"
	"github.com/Tyrowin/campuschat/internal/chat"
	"github.com/Tyrowin/campuschat/internal/config"
	"github.com/Tyrowin/campuschat/internal/pipeline"
	"github.com/Tyrowin/campuschat/internal/presence"
	"github.com/Tyrowin/campuschat/internal/protocol"
	"github.com/Tyrowin/campuschat/internal/rooms"
)

// ErrShuttingDown is returned for work refused during shutdown.
var ErrShuttingDown = errors.New("server is shutting down")

// Authenticator resolves a handshake credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, cred auth.Credential) (chat.Identity, error)
}

// Deps are the collaborators a Server is built from. Health is optional.
type Deps struct {
	Config        config.ServerConfig
	Authenticator Authenticator
	Registry      *presence.Registry
	Router        *rooms.Router
	Pipeline      *pipeline.Pipeline
	Health        HealthHandler
	Logger        *slog.Logger
}

// HealthHandler serves the liveness and readiness endpoints.
type HealthHandler interface {
	http.Handler
	ReadyHandler(w http.ResponseWriter, r *http.Request)
}

// Server owns every live session of the process.
type Server struct {
	cfg      config.ServerConfig
	auth     Authenticator
	registry *presence.Registry
	router   *rooms.Router
	pipeline *pipeline.Pipeline
	health   HealthHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// New builds a server and subscribes it to presence transitions so that
// userOnline and userOffline reach every session. New must run before the
// registry is shared.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	s := &Server{
		cfg:      cfg,
		auth:     deps.Authenticator,
		registry: deps.Registry,
		router:   deps.Router,
		pipeline: deps.Pipeline,
		health:   deps.Health,
		logger:   logger,
		sessions: make(map[string]*Session),
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkOrigin,
	}

	deps.Registry.AddListener(&presenceBroadcaster{router: deps.Router})
	return s
}

// presenceBroadcaster turns registry edges into presence events for all
// connected sessions.
type presenceBroadcaster struct {
	router *rooms.Router
}

func (b *presenceBroadcaster) UserOnline(userID, sessionID string, _ time.Time) {
	b.router.Broadcast(protocol.UserOnline(userID), rooms.Exclude{SessionID: sessionID})
}

func (b *presenceBroadcaster) UserOffline(userID string, _ time.Time) {
	b.router.Broadcast(protocol.UserOffline(userID), rooms.Exclude{})
}

// track adds sess to the live set and holds a wait group slot for the caller,
// released with s.wg.Done. It fails once shutdown has begun.
func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.wg.Add(1)
	s.sessions[sess.id] = sess
	s.logger.Debug("Session tracked", "session_id", sess.id, "sessions", len(s.sessions))
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
}

// SessionCount is the number of tracked sessions, including those still
// authenticating.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// serve authenticates an upgraded connection and, on success, runs its pumps.
func (s *Server) serve(conn *websocket.Conn, addr string, cred auth.Credential) {
	sess := newSession(s, conn, addr)
	if !s.track(sess) {
		sess.goingAway()
		sess.cleanup()
		return
	}
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(sess.ctx, s.cfg.WriteWait)
	identity, err := s.auth.Authenticate(ctx, cred)
	cancel()
	if err != nil {
		sess.reject(err)
		return
	}
	if err := sess.authenticated(identity); err != nil {
		sess.reject(err)
		return
	}
	if err := sess.activate(); err != nil {
		sess.logger.Error("Activation failed", "error", err)
		sess.cleanup()
		return
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		sess.writePump()
	}()
	go func() {
		defer s.wg.Done()
		sess.dispatchLoop()
	}()
	go func() {
		defer s.wg.Done()
		sess.readPump()
	}()
}

// Shutdown stops admitting sessions, closes every live one and waits for
// their goroutines to finish or the timeout to pass.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("Initiating session shutdown...")

	s.mu.Lock()
	s.closing = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.goingAway()
	}
	s.logger.Info("Closed session connections", "count", len(sessions))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Session shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("Session shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
