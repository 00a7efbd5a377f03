// Package presencesync exports presence transitions to other processes: a
// Redis hash of online users and NATS events per transition. Work runs on a
// worker pool so registry locks are never held across network calls.
package presencesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Tyrowin/campuschat/internal/presence"
	"github.com/Tyrowin/campuschat/internal/workerpool"
)

const (
	lockShards = 32
	opTimeout  = 2 * time.Second
)

// StateSource reports the current presence of a user.
type StateSource interface {
	Lookup(userID string) (presence.Entry, bool)
}

// Mirror stores the set of online users somewhere shared.
type Mirror interface {
	SetOnline(ctx context.Context, userID string, lastSeenAt time.Time) error
	SetOffline(ctx context.Context, userID string) error
}

// EventPublisher is satisfied by *nats.Conn.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// Submitter is satisfied by *workerpool.Pool.
type Submitter interface {
	TrySubmit(task workerpool.Task) bool
}

// Event is the payload published on every transition.
type Event struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	At       time.Time `json:"at"`
}

type Options struct {
	State         StateSource
	Mirror        Mirror         // optional
	Events        EventPublisher // optional
	SubjectPrefix string
	Pool          Submitter
	Logger        *slog.Logger
}

// Exporter implements presence.Listener.
//
// The mirror is reconciled against State rather than replaying edges, and
// reconciliation for one user is serialised, so the mirror converges on the
// registry even when tasks for the same user run out of order.
type Exporter struct {
	state   StateSource
	mirror  Mirror
	events  EventPublisher
	prefix  string
	pool    Submitter
	logger  *slog.Logger
	userMus [lockShards]sync.Mutex
}

var _ presence.Listener = (*Exporter)(nil)

func NewExporter(opts Options) *Exporter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = "campuschat.presence"
	}
	return &Exporter{
		state:  opts.State,
		mirror: opts.Mirror,
		events: opts.Events,
		prefix: prefix,
		pool:   opts.Pool,
		logger: logger,
	}
}

// Enabled reports whether there is anything to export to.
func (e *Exporter) Enabled() bool {
	return e.mirror != nil || e.events != nil
}

func (e *Exporter) UserOnline(userID, _ string, at time.Time) {
	e.enqueue(Event{UserID: userID, IsOnline: true, At: at})
}

func (e *Exporter) UserOffline(userID string, at time.Time) {
	e.enqueue(Event{UserID: userID, IsOnline: false, At: at})
}

func (e *Exporter) enqueue(ev Event) {
	if !e.Enabled() {
		return
	}
	if !e.pool.TrySubmit(func() { e.export(ev) }) {
		e.logger.Warn("Presence export queue full; dropping transition",
			"user_id", ev.UserID,
			"online", ev.IsOnline)
	}
}

// Subject returns the NATS subject for a transition.
func (e *Exporter) Subject(online bool) string {
	if online {
		return e.prefix + ".online"
	}
	return e.prefix + ".offline"
}

func (e *Exporter) export(ev Event) {
	mu := &e.userMus[xxhash.Sum64String(ev.UserID)%lockShards]
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if e.mirror != nil {
		e.reconcile(ctx, ev.UserID)
	}

	if e.events != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			e.logger.Error("Failed to marshal presence event", "error", err)
			return
		}
		if err := e.events.Publish(e.Subject(ev.IsOnline), data); err != nil {
			e.logger.Error("Failed to publish presence event",
				"user_id", ev.UserID,
				"subject", e.Subject(ev.IsOnline),
				"error", err)
		}
	}
}

func (e *Exporter) reconcile(ctx context.Context, userID string) {
	entry, online := e.state.Lookup(userID)

	var err error
	if online {
		err = e.mirror.SetOnline(ctx, userID, entry.LastSeenAt)
	} else {
		err = e.mirror.SetOffline(ctx, userID)
	}
	if err != nil {
		e.logger.Error("Failed to mirror presence",
			"user_id", userID,
			"online", online,
			"error", err)
	}
}
