// Package health reports the state of the service and its backing stores.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	StatusConnected     = "connected"
	StatusDisconnected  = "disconnected"
	StatusNotConfigured = "not configured"
)

// Status is the JSON body of the health endpoint.
type Status struct {
	Service  string `json:"service"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
	NATS     string `json:"nats"`
	Sessions int    `json:"sessions"`
	Online   int    `json:"onlineUsers"`
}

// SessionCounter reports live sessions.
type SessionCounter interface {
	SessionCount() int
}

// OnlineCounter reports online users.
type OnlineCounter interface {
	OnlineCount() int
}

// Checker checks every configured dependency. Nil dependencies are reported
// as not configured and don't affect readiness.
type Checker struct {
	db       *pgxpool.Pool
	redis    *redis.Client
	nc       *nats.Conn
	sessions SessionCounter
	online   OnlineCounter
}

func NewChecker(db *pgxpool.Pool, redisClient *redis.Client, nc *nats.Conn, sessions SessionCounter, online OnlineCounter) *Checker {
	return &Checker{
		db:       db,
		redis:    redisClient,
		nc:       nc,
		sessions: sessions,
		online:   online,
	}
}

// Check runs the checks.
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service:  "campuschat",
		Database: StatusNotConfigured,
		Redis:    StatusNotConfigured,
		NATS:     StatusNotConfigured,
	}

	if h.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := h.db.Ping(pingCtx); err == nil {
			status.Database = StatusConnected
		} else {
			status.Database = StatusDisconnected
		}
		cancel()
	}

	if h.redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := h.redis.Ping(pingCtx).Err(); err == nil {
			status.Redis = StatusConnected
		} else {
			status.Redis = StatusDisconnected
		}
		cancel()
	}

	if h.nc != nil {
		if h.nc.IsConnected() {
			status.NATS = StatusConnected
		} else {
			status.NATS = StatusDisconnected
		}
	}

	if h.sessions != nil {
		status.Sessions = h.sessions.SessionCount()
	}
	if h.online != nil {
		status.Online = h.online.OnlineCount()
	}

	return status
}

// Healthy reports whether no configured dependency is down.
func (s *Status) Healthy() bool {
	return s.Database != StatusDisconnected &&
		s.Redis != StatusDisconnected &&
		s.NATS != StatusDisconnected
}

// IsReady reports whether the service can take traffic.
func (h *Checker) IsReady(ctx context.Context) bool {
	return h.Check(ctx).Healthy()
}

// ServeHTTP writes the status as JSON, with 503 when a dependency is down.
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// ReadyHandler answers readiness checks with a plain text body.
func (h *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if h.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Not Ready"))
}
