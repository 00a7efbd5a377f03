// Package server manages individual WebSocket sessions, handling the read,
// dispatch and write pumps, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/campuschat/internal/chat"
	"github.com/Tyrowin/campuschat/internal/pipeline"
	"github.com/Tyrowin/campuschat/internal/protocol"
)

// CloseAuthFailed is the close code sent when authentication fails.
const CloseAuthFailed = 4401

const inboundBuffer = 16

// Session is one authenticated WebSocket connection of a single user. It
// owns three goroutines: readPump reads frames, dispatchLoop processes them
// one at a time, and writePump drains the outbound queue and sends pings.
type Session struct {
	id          string
	conn        *websocket.Conn
	server      *Server
	addr        string
	connectedAt time.Time
	send        chan []byte
	inbound     chan []byte
	limiter     *rateLimiter
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    State
	identity chat.Identity

	cleanupOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn, addr string) *Session {
	cfg := srv.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	return &Session{
		id:          id,
		conn:        conn,
		server:      srv,
		addr:        addr,
		connectedAt: time.Now(),
		send:        make(chan []byte, cfg.SendBuffer),
		inbound:     make(chan []byte, inboundBuffer),
		limiter:     newRateLimiter(cfg.RateLimit),
		logger:      srv.logger.With("session_id", id, "remote_addr", addr),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateConnecting,
	}
}

func (s *Session) SessionID() string { return s.id }

// UserID is empty until the session is authenticated.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.UserID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("session %s: illegal transition %s -> %s", s.id, s.state, to)
	}
	s.state = to
	return nil
}

// authenticated records the resolved identity. Connecting -> Authenticated.
func (s *Session) authenticated(id chat.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateAuthenticated); err != nil {
		return err
	}
	s.identity = id
	s.logger = s.logger.With("user_id", id.UserID)
	return nil
}

// Deliver queues payload without blocking. A session whose queue is full is
// too slow to keep up; it is disconnected and Deliver reports false.
func (s *Session) Deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.logger.Warn("Send buffer full; disconnecting slow session", "buffer", cap(s.send))
		s.abort()
		return false
	}
}

// abort breaks the pumps out of their loops. Cleanup then runs on the read
// goroutine, so abort is safe to call while the router is locked.
func (s *Session) abort() {
	s.cancel()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// reject writes the auth error, closes with CloseAuthFailed and cleans up.
// Connecting -> Closed.
func (s *Session) reject(err error) {
	msg := chat.MessageOf(err)
	s.logger.Info("Authentication failed", "reason", msg, "error", err)

	deadline := time.Now().Add(s.server.cfg.WriteWait)
	if werr := s.conn.SetWriteDeadline(deadline); werr == nil {
		_ = s.conn.WriteMessage(websocket.TextMessage, protocol.ErrorEvent(msg))
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseAuthFailed, msg), deadline)
	s.cleanup()
}

// goingAway tells the client the server is leaving and unblocks the pumps.
// It may run concurrently with authentication.
func (s *Session) goingAway() {
	deadline := time.Now().Add(s.server.cfg.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, ErrShuttingDown.Error())
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		s.server.logger.Debug("Error writing going-away close", "session_id", s.id, "error", err)
	}
	s.abort()
}

// activate attaches the session to its audiences and registers presence.
// Authenticated -> Active.
func (s *Session) activate() error {
	if st := s.State(); st != StateAuthenticated {
		return fmt.Errorf("session %s: cannot activate from %s", s.id, st)
	}
	id := s.identitySnapshot()

	s.server.router.Attach(s)
	if id.CollegeID != "" {
		if err := s.joinCollege(id.CollegeID); err != nil {
			s.logger.Warn("College auto-join failed", "college_id", id.CollegeID, "error", err)
		}
	}
	s.server.registry.Register(id.UserID, s.id)

	if err := s.transition(StateActive); err != nil {
		return err
	}
	s.logger.Info("Session active", "college_id", id.CollegeID)
	return nil
}

func (s *Session) identitySnapshot() chat.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// cleanup runs exactly once: leave every audience, then drop presence.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		userID := s.identity.UserID
		s.mu.Unlock()

		s.cancel()
		close(s.done)

		s.server.router.LeaveAll(s.id)
		if userID != "" {
			s.server.registry.Unregister(userID, s.id)
		}
		s.closeConnection()
		s.server.untrack(s)

		s.logger.Info("Session closed",
			"previous_state", prev.String(),
			"duration", time.Since(s.connectedAt).Round(time.Millisecond).String())
	})
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (s *Session) closeConnection() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("Error closing connection", "error", err)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	wait := s.server.cfg.PongWait
	if err := s.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		s.logger.Warn("Error setting initial read deadline", "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			s.logger.Warn("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError logs a read failure at a level matching how expected it is.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("Message exceeded maximum size", "max_bytes", s.server.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.logger.Debug("Client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err) || s.ctx.Err() != nil:
		s.logger.Debug("Connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		s.logger.Warn("Unexpected WebSocket close", "error", err)
	default:
		s.logger.Warn("WebSocket read error", "error", err)
	}
}

// readPump reads frames until the connection fails, then cleans up. It does
// not wait for an in-flight event to finish.
func (s *Session) readPump() {
	defer s.cleanup()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.checkRateLimit() {
			s.Deliver(protocol.ErrorEvent("rate limit exceeded"))
			continue
		}

		select {
		case s.inbound <- raw:
		case <-s.ctx.Done():
			return
		}
	}
}

// checkRateLimit verifies if the session has exceeded rate limits
// and returns true if the frame should be processed
func (s *Session) checkRateLimit() bool {
	if s.limiter != nil && !s.limiter.allow() {
		rl := s.server.cfg.RateLimit
		s.logger.Warn("Rate limit exceeded; discarding frame", "burst", rl.Burst, "interval", rl.RefillInterval.String())
		return false
	}
	return true
}

// dispatchLoop handles inbound frames in arrival order until the session
// closes.
func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case raw := <-s.inbound:
			if s.State() != StateActive {
				return
			}
			s.dispatch(raw)
		}
	}
}

// dispatch decodes one frame and routes it to the pipeline. Errors are mapped
// to outbound events here and never end the session.
func (s *Session) dispatch(raw []byte) {
	ev, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Debug("Rejected inbound frame", "error", err)
		if errors.Is(err, protocol.ErrUnknownEvent) {
			s.Deliver(protocol.ErrorEvent("unknown event"))
		} else {
			s.Deliver(protocol.ErrorEvent("malformed event"))
		}
		return
	}

	ctx := s.ctx
	p := s.server.pipeline
	from := pipeline.Sender{SessionID: s.id, Identity: s.identitySnapshot()}

	switch e := ev.(type) {
	case protocol.JoinCollegeRoom:
		err = s.joinCollege(e.CollegeID)
	case protocol.SendMessage:
		_, err = p.SendCollege(ctx, from, e.Text, e.CollegeID)
	case protocol.SendDirectMessage:
		_, err = p.SendDirect(ctx, from, e.ReceiverID, e.Text)
	case protocol.Typing:
		err = p.TypingCollege(ctx, from, e.CollegeID, e.IsTyping)
	case protocol.TypingDirect:
		err = p.TypingDirect(ctx, from, e.ReceiverID, e.IsTyping)
	case protocol.MarkMessageRead:
		err = p.MarkRead(ctx, from, e.MessageID, e.CollegeID)
	case protocol.MarkMessageDelivered:
		err = p.MarkDelivered(ctx, from, e.MessageID, e.CollegeID)
	}
	s.handleEventError(protocol.Name(ev), err)
}

// joinCollege subscribes the session to a college room and confirms it.
func (s *Session) joinCollege(collegeID string) error {
	if _, err := s.server.router.JoinCollege(s.id, collegeID); err != nil {
		return err
	}
	s.Deliver(protocol.MustEncode(protocol.EventJoinedCollegeRoom, protocol.JoinedCollegeRoom{
		Success:   true,
		CollegeID: collegeID,
		RoomName:  protocol.RoomName(collegeID),
	}))
	return nil
}

func (s *Session) handleEventError(event string, err error) {
	if err == nil {
		return
	}

	var ce *chat.Error
	if !errors.As(err, &ce) {
		s.logger.Error("Event failed", "event", event, "error", err)
		s.Deliver(protocol.ErrorEvent(chat.MessageOf(err)))
		return
	}

	switch ce.Code {
	case chat.CodeNotFound:
		s.logger.Debug("Event references unknown message", "event", event)
	case chat.CodeBlocked:
		s.logger.Info("Event blocked", "event", event, "blocked_count", ce.BlockedCount)
		s.Deliver(protocol.MustEncode(protocol.EventMessageBlocked, protocol.MessageBlocked{
			Message:      ce.Message,
			BlockedCount: ce.BlockedCount,
		}))
	case chat.CodeValidation:
		s.logger.Debug("Event rejected", "event", event, "reason", ce.Message)
		s.Deliver(protocol.ErrorEvent(ce.Message))
	default:
		s.logger.Error("Event failed", "event", event, "error", err)
		s.Deliver(protocol.ErrorEvent(ce.Message))
	}
}

// writePump drains the outbound queue, one event per frame, and keeps the
// connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.server.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		s.abort()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-s.send:
		return s.writeTextMessage(message)
	case <-ticker.C:
		return s.handlePing()
	case <-s.done:
		s.writeCloseMessage()
		return false
	}
}

// writeTextMessage writes a single event frame.
func (s *Session) writeTextMessage(message []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteWait)); err != nil {
		s.logger.Warn("Error setting write deadline", "error", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Warn("Error writing message", "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (s *Session) writeCloseMessage() {
	deadline := time.Now().Add(s.server.cfg.WriteWait)
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if err != nil && !isExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("Error writing close message", "error", err)
	}
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	deadline := time.Now().Add(s.server.cfg.WriteWait)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Warn("Error writing ping message", "error", err)
		}
		return false
	}
	return true
}
