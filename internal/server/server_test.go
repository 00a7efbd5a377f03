package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/campuschat/internal/auth"
	"github.com/Tyrowin/campuschat/internal/chat"
	"github.com/Tyrowin/campuschat/internal/config"
	"github.com/Tyrowin/campuschat/internal/pipeline"
	"github.com/Tyrowin/campuschat/internal/presence"
	"github.com/Tyrowin/campuschat/internal/protocol"
	"github.com/Tyrowin/campuschat/internal/rooms"
	"github.com/Tyrowin/campuschat/internal/store/memory"
)

const testOrigin = "http://localhost:8080"

type harness struct {
	store    *memory.Store
	tokens   *auth.TokenService
	registry *presence.Registry
	router   *rooms.Router
	srv      *Server
	ts       *httptest.Server
	wsURL    string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.ServerConfig {
	cfg := config.Default().Server
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.RateLimit = config.RateLimitConfig{Burst: 1000, RefillInterval: time.Second}
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.ServerConfig)) *harness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	logger := testLogger()
	store := memory.New()
	tokens := auth.NewTokenService("test-secret", "campuschat", time.Hour)
	registry := presence.NewRegistry()
	router := rooms.NewRouter(logger)
	p := pipeline.New(pipeline.Deps{
		Store:     store,
		Blocks:    store,
		Profiles:  store,
		Publisher: router,
		Logger:    logger,
	})

	srv := New(Deps{
		Config:        cfg,
		Authenticator: auth.NewAuthenticator(tokens, store, logger),
		Registry:      registry,
		Router:        router,
		Pipeline:      p,
		Logger:        logger,
	})

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Shutdown(2 * time.Second) })

	return &harness{
		store:    store,
		tokens:   tokens,
		registry: registry,
		router:   router,
		srv:      srv,
		ts:       ts,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (h *harness) user(userID, collegeID string) {
	h.store.PutUser(chat.Identity{
		UserID:      userID,
		Email:       userID + "@campus.edu",
		DisplayName: strings.ToUpper(userID),
		CollegeID:   collegeID,
	})
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := h.tokens.GenerateAccessToken(userID)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return tok
}

func (h *harness) dial(t *testing.T, header http.Header, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		header.Set("Origin", testOrigin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	url := h.wsURL
	if query != "" {
		url += "?" + query
	}
	return dialer.Dial(url, header)
}

// connect dials as userID and waits until the user has n live sessions.
func (h *harness) connect(t *testing.T, userID string, n int) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token(t, userID))
	conn, resp, err := h.dial(t, header, "")
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	waitFor(t, func() bool { return h.registry.SessionCount(userID) == n })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met within timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Failed to marshal %s: %v", event, err)
	}
	if err := conn.WriteJSON(protocol.Envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return env
}

// expect reads until an event named event arrives, skipping others.
func expect(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Event == event {
			return env
		}
	}
}

func data[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("Failed to decode %s: %v", env.Event, err)
	}
	return v
}

// expectSilence asserts no event named event arrives within d. It leaves the
// connection unusable for further reads.
func expectSilence(t *testing.T, conn *websocket.Conn, event string, d time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(d))
	for {
		var env protocol.Envelope
		err := conn.ReadJSON(&env)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			t.Fatalf("Unexpected read error: %v", err)
		}
		if env.Event == event {
			t.Fatalf("Unexpected %s event: %s", event, env.Data)
		}
	}
}

func expectAuthClose(t *testing.T, conn *websocket.Conn, reason string) {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Event != protocol.EventError {
		t.Fatalf("Expected error event, got %s", env.Event)
	}
	if msg := data[protocol.Error](t, env).Message; msg != reason {
		t.Errorf("Expected error %q, got %q", reason, msg)
	}

	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected close error, got %v", err)
	}
	if ce.Code != CloseAuthFailed || ce.Text != reason {
		t.Errorf("Expected close %d %q, got %d %q", CloseAuthFailed, reason, ce.Code, ce.Text)
	}
}

func TestAuthenticationFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "C1")

	tests := []struct {
		name   string
		header http.Header
		query  string
		reason string
	}{
		{"no credential", nil, "", chat.ErrNoCredential.Message},
		{"invalid token", http.Header{"Authorization": {"Bearer nonsense"}}, "", chat.ErrInvalidToken.Message},
		{"invalid query token", nil, "token=nonsense", chat.ErrInvalidToken.Message},
		{"unknown user", http.Header{"Authorization": {"Bearer " + h.token(t, "ghost")}}, "", chat.ErrIdentityNotFound.Message},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := h.dial(t, tt.header, tt.query)
			if resp != nil {
				_ = resp.Body.Close()
			}
			if err != nil {
				t.Fatalf("Upgrade should succeed before authentication: %v", err)
			}
			defer conn.Close()
			expectAuthClose(t, conn, tt.reason)
		})
	}

	if h.registry.IsOnline("a") || h.router.SessionCount() != 0 {
		t.Error("Rejected connections must not register")
	}
}

func TestExplicitCredentialWinsOverCookie(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "")

	t.Run("cookie only", func(t *testing.T) {
		header := http.Header{"Cookie": {"token=" + h.token(t, "a")}}
		conn, resp, err := h.dial(t, header, "")
		if resp != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		defer conn.Close()
		waitFor(t, func() bool { return h.registry.IsOnline("a") })
	})

	t.Run("invalid explicit token beats valid cookie", func(t *testing.T) {
		header := http.Header{"Cookie": {"token=" + h.token(t, "a")}}
		conn, resp, err := h.dial(t, header, "token=nonsense")
		if resp != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		defer conn.Close()
		expectAuthClose(t, conn, chat.ErrInvalidToken.Message)
	})
}

func TestCollegeAutoJoinAndFanOut(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "C1")
	h.user("b", "C1")
	h.user("c", "C2")

	a := h.connect(t, "a", 1)
	joined := data[protocol.JoinedCollegeRoom](t, expect(t, a, protocol.EventJoinedCollegeRoom))
	if !joined.Success || joined.CollegeID != "C1" || joined.RoomName != "college_C1" {
		t.Errorf("Unexpected joinedCollegeRoom %+v", joined)
	}
	b := h.connect(t, "b", 1)
	c := h.connect(t, "c", 1)

	send(t, a, protocol.EventSendMessage, protocol.SendMessage{Text: "hello", CollegeID: "C1"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := data[protocol.ReceiveMessage](t, expect(t, conn, protocol.EventReceiveMessage))
		if msg.Text != "hello" || msg.SenderID != "a" || msg.SenderName != "A" || msg.CollegeID != "C1" {
			t.Errorf("Unexpected message %+v", msg)
		}
		if len(msg.DeliveredTo) != 1 || msg.DeliveredTo[0].UserID != "a" {
			t.Errorf("Expected sender self-delivery, got %+v", msg.DeliveredTo)
		}
	}
	expectSilence(t, c, protocol.EventReceiveMessage, 200*time.Millisecond)

	if got := len(h.store.Messages()); got != 1 {
		t.Errorf("Expected 1 stored message, got %d", got)
	}
}

func TestPresenceEdgesAreBroadcastOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "")
	h.user("b", "")

	a := h.connect(t, "a", 1)
	b1 := h.connect(t, "b", 1)
	b2 := h.connect(t, "b", 2)

	if got := data[protocol.Presence](t, expect(t, a, protocol.EventUserOnline)); got.UserID != "b" || !got.IsOnline {
		t.Errorf("Unexpected userOnline %+v", got)
	}

	_ = b1.Close()
	waitFor(t, func() bool { return h.registry.SessionCount("b") == 1 })
	if !h.registry.IsOnline("b") {
		t.Fatal("b should stay online with one session left")
	}
	_ = b2.Close()

	// Anything before userOffline must not be a second userOnline for b.
	for {
		env := readEnvelope(t, a)
		if env.Event == protocol.EventUserOnline {
			t.Fatalf("Duplicate userOnline: %s", env.Data)
		}
		if env.Event == protocol.EventUserOffline {
			if got := data[protocol.Presence](t, env); got.UserID != "b" || got.IsOnline {
				t.Errorf("Unexpected userOffline %+v", got)
			}
			break
		}
	}
	waitFor(t, func() bool { return h.router.SessionCount() == 1 })
}

func TestReadReceiptReachesOthers(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "C1")
	h.user("b", "C1")

	a := h.connect(t, "a", 1)
	b := h.connect(t, "b", 1)

	send(t, a, protocol.EventSendMessage, protocol.SendMessage{Text: "read me", CollegeID: "C1"})
	msg := data[protocol.ReceiveMessage](t, expect(t, b, protocol.EventReceiveMessage))

	send(t, b, protocol.EventMarkMessageDelivered, protocol.MarkMessageDelivered{MessageID: msg.ID, CollegeID: "C1"})
	send(t, b, protocol.EventMarkMessageRead, protocol.MarkMessageRead{MessageID: msg.ID, CollegeID: "C1"})

	read := data[protocol.MessageRead](t, expect(t, a, protocol.EventMessageRead))
	if read.MessageID != msg.ID || read.UserID != "b" {
		t.Errorf("Unexpected messageRead %+v", read)
	}

	waitFor(t, func() bool {
		stored := h.store.Messages()[0]
		return stored.HasDelivery("b") && stored.HasRead("b")
	})
}

func TestEventErrorsKeepSessionOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "C1")
	h.user("x", "C1")
	h.store.Block("a", "x")

	a := h.connect(t, "a", 1)
	expect(t, a, protocol.EventJoinedCollegeRoom)

	send(t, a, protocol.EventSendMessage, protocol.SendMessage{Text: "hi", CollegeID: "C1"})
	blocked := data[protocol.MessageBlocked](t, expect(t, a, protocol.EventMessageBlocked))
	if blocked.BlockedCount != 1 {
		t.Errorf("Expected blockedCount 1, got %d", blocked.BlockedCount)
	}

	send(t, a, protocol.EventSendMessage, protocol.SendMessage{Text: "   ", CollegeID: "C1"})
	if msg := data[protocol.Error](t, expect(t, a, protocol.EventError)).Message; msg != "message text is required" {
		t.Errorf("Unexpected validation message %q", msg)
	}

	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if msg := data[protocol.Error](t, expect(t, a, protocol.EventError)).Message; msg != "malformed event" {
		t.Errorf("Unexpected decode message %q", msg)
	}

	send(t, a, "shout", map[string]string{})
	if msg := data[protocol.Error](t, expect(t, a, protocol.EventError)).Message; msg != "unknown event" {
		t.Errorf("Unexpected unknown event message %q", msg)
	}

	// Receipts for unknown messages are ignored; the session keeps working.
	send(t, a, protocol.EventMarkMessageRead, protocol.MarkMessageRead{MessageID: "missing", CollegeID: "C1"})
	h.store.Unblock("a", "x")
	send(t, a, protocol.EventSendMessage, protocol.SendMessage{Text: "back", CollegeID: "C1"})
	env := readEnvelope(t, a)
	if env.Event != protocol.EventReceiveMessage {
		t.Fatalf("Expected receiveMessage next, got %s %s", env.Event, env.Data)
	}
}

func TestDirectMessagesOverSocket(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "")
	h.user("b", "")

	a := h.connect(t, "a", 1)
	b := h.connect(t, "b", 1)

	send(t, b, protocol.EventTypingDirect, protocol.TypingDirect{ReceiverID: "a", IsTyping: true})
	typing := data[protocol.UserTypingDirect](t, expect(t, a, protocol.EventUserTypingDirect))
	if typing.UserID != "b" || !typing.IsTyping {
		t.Errorf("Unexpected typing %+v", typing)
	}

	send(t, a, protocol.EventSendDirectMessage, protocol.SendDirectMessage{ReceiverID: "b", Text: "psst"})
	for _, conn := range []*websocket.Conn{a, b} {
		msg := data[protocol.ReceiveMessage](t, expect(t, conn, protocol.EventReceiveMessage))
		if msg.ReceiverID != "b" || msg.SenderID != "a" || msg.CollegeID != "" {
			t.Errorf("Unexpected direct message %+v", msg)
		}
	}
}

func TestRateLimitDiscardsExcessFrames(t *testing.T) {
	h := newHarness(t, func(cfg *config.ServerConfig) {
		cfg.RateLimit = config.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	h.user("a", "")

	a := h.connect(t, "a", 1)
	for i := 0; i < 3; i++ {
		send(t, a, protocol.EventTyping, protocol.Typing{CollegeID: "C1", IsTyping: true})
	}

	if msg := data[protocol.Error](t, expect(t, a, protocol.EventError)).Message; msg != "rate limit exceeded" {
		t.Errorf("Unexpected error %q", msg)
	}
}

func TestOriginValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"allowed origin", testOrigin, true},
		{"case insensitive", "HTTP://LOCALHOST:8080", true},
		{"other origin", "http://evil.example", false},
		{"malformed origin", "not-a-url", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			header.Set("Origin", tt.origin)
			header.Set("Authorization", "Bearer "+h.token(t, "a"))
			conn, resp, err := h.dial(t, header, "")
			if resp != nil {
				defer resp.Body.Close()
			}
			if tt.ok {
				if err != nil {
					t.Fatalf("Expected origin %q to be allowed: %v", tt.origin, err)
				}
				_ = conn.Close()
				return
			}
			if err == nil {
				_ = conn.Close()
				t.Fatalf("Expected origin %q to be rejected", tt.origin)
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected 403 for origin %q", tt.origin)
			}
		})
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "")

	a := h.connect(t, "a", 1)

	if err := h.srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going-away close, got %v", err)
	}
	if h.registry.IsOnline("a") || h.srv.SessionCount() != 0 {
		t.Error("Shutdown must clean up every session")
	}

	resp, err := http.Get(h.ts.URL + "/ws")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %d", resp.StatusCode)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "")
	h.connect(t, "a", 1)

	resp, err := http.Get(h.ts.URL + "/presence")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	var list presenceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if list.Count != 1 || list.Users[0].UserID != "a" {
		t.Errorf("Unexpected presence list %+v", list)
	}

	for user, online := range map[string]bool{"a": true, "nobody": false} {
		resp, err := http.Get(h.ts.URL + "/presence/" + user)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		var p protocol.Presence
		err = json.NewDecoder(resp.Body).Decode(&p)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if p.UserID != user || p.IsOnline != online {
			t.Errorf("Unexpected presence for %s: %+v", user, p)
		}
	}
}

func TestDirectMessageEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.user("a", "")
	h.user("b", "")
	h.user("c", "")
	h.store.Block("c", "a")

	b := h.connect(t, "b", 1)

	post := func(token string, body any) *http.Response {
		t.Helper()
		raw, _ := json.Marshal(body)
		req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/messages/direct", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("Failed to build request: %v", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post(h.token(t, "a"), directRequest{ReceiverID: "b", Text: "over http"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var created protocol.ReceiveMessage
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got := data[protocol.ReceiveMessage](t, expect(t, b, protocol.EventReceiveMessage))
	if got.ID != created.ID || got.Text != "over http" || got.ReceiverID != "b" {
		t.Errorf("Unexpected delivered message %+v", got)
	}

	tests := []struct {
		name   string
		token  string
		body   directRequest
		status int
	}{
		{"missing token", "", directRequest{ReceiverID: "b", Text: "x"}, http.StatusUnauthorized},
		{"empty text", h.token(t, "a"), directRequest{ReceiverID: "b"}, http.StatusBadRequest},
		{"to self", h.token(t, "a"), directRequest{ReceiverID: "a", Text: "x"}, http.StatusBadRequest},
		{"blocked by receiver", h.token(t, "a"), directRequest{ReceiverID: "c", Text: "x"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := post(tt.token, tt.body); resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}

	h.store.FailSaves(true)
	if resp := post(h.token(t, "a"), directRequest{ReceiverID: "b", Text: "lost"}); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500 on persistence failure, got %d", resp.StatusCode)
	}
}

func TestRootAndTestPage(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.ts.URL + "/")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "campuschat server is running!" {
		t.Errorf("Unexpected root body %q", body)
	}

	resp, err = http.Get(h.ts.URL + "/test")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
		t.Errorf("Expected text/html, got %s", ct)
	}
}
