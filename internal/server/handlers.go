// Package server exposes HTTP handlers, including WebSocket upgrades, the
// presence and direct message endpoints, and the built-in test page.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Tyrowin/campuschat/internal/chat"
	"github.com/Tyrowin/campuschat/internal/pipeline"
	"github.com/Tyrowin/campuschat/internal/presence"
	"github.com/Tyrowin/campuschat/internal/protocol"
)

const maxRequestBody = 64 << 10

// RootHandler is a plain text liveness message.
func RootHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "campuschat server is running!")
}

// handleWebSocket upgrades the request and runs the session on the handler
// goroutine until authentication and activation are done.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if s.isClosing() {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	cred := extractCredential(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.serve(conn, r.RemoteAddr, cred)
}

type presenceList struct {
	Users []presence.Entry `json:"users"`
	Count int              `json:"count"`
}

func (s *Server) handleOnlineUsers(w http.ResponseWriter, _ *http.Request) {
	users := s.registry.OnlineUsers()
	writeJSON(w, http.StatusOK, presenceList{Users: users, Count: len(users)})
}

func (s *Server) handleUserPresence(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	writeJSON(w, http.StatusOK, protocol.Presence{
		UserID:   userID,
		IsOnline: s.registry.IsOnline(userID),
	})
}

type directRequest struct {
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

// handleDirectMessage sends a direct message on behalf of the bearer of the
// Authorization token. The message reaches both inboxes like one sent over a
// socket.
func (s *Server) handleDirectMessage(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r.Context(), bearerCredential(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, protocol.Error{Message: chat.MessageOf(err)})
		return
	}

	var req directRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.Error{Message: "malformed request body"})
		return
	}

	msg, err := s.pipeline.SendDirect(r.Context(), pipeline.Sender{Identity: identity}, req.ReceiverID, req.Text)
	if err != nil {
		s.writeEventError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.NewReceiveMessage(msg))
}

func (s *Server) writeEventError(w http.ResponseWriter, err error) {
	var ce *chat.Error
	if !errors.As(err, &ce) {
		s.logger.Error("Direct message failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, protocol.Error{Message: chat.MessageOf(err)})
		return
	}

	switch ce.Code {
	case chat.CodeValidation:
		writeJSON(w, http.StatusBadRequest, protocol.Error{Message: ce.Message})
	case chat.CodeBlocked:
		writeJSON(w, http.StatusForbidden, protocol.MessageBlocked{Message: ce.Message, BlockedCount: ce.BlockedCount})
	case chat.CodeNotFound:
		writeJSON(w, http.StatusNotFound, protocol.Error{Message: ce.Message})
	default:
		s.logger.Error("Direct message failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, protocol.Error{Message: ce.Message})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestPageHandler serves an HTML page for exercising the socket protocol by
// hand: connect with a token, join a college and send events.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.logger.Warn("Error writing HTML response", "error", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>campuschat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 320px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 260px; padding: 5px; margin-right: 6px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>campuschat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="token" placeholder="Access token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="college" placeholder="College id">
        <button onclick="emit('joinCollegeRoom', {collegeId: val('college')})">Join</button>
    </div>
    <div>
        <input type="text" id="text" placeholder="Message text">
        <button onclick="emit('sendMessage', {collegeId: val('college'), text: val('text')})">Send to college</button>
    </div>
    <div>
        <input type="text" id="receiver" placeholder="Receiver user id">
        <button onclick="emit('sendDirectMessage', {receiverId: val('receiver'), text: val('text')})">Send direct</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        const eventsDiv = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function val(id) {
            return document.getElementById(id).value.trim();
        }

        function log(prefix, text) {
            const line = document.createElement('div');
            line.textContent = prefix + ' ' + text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?token=' + encodeURIComponent(val('token')));
            ws.onopen = function() { log('--', 'connected'); updateStatus(true); };
            ws.onmessage = function(event) { log('<=', event.data); };
            ws.onclose = function(event) {
                log('--', 'closed ' + event.code + ' ' + event.reason);
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function emit(name, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            const frame = JSON.stringify({event: name, data: data});
            ws.send(frame);
            log('=>', frame);
        }
    </script>
</body>
</html>`
