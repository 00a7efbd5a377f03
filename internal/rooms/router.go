// Package rooms maps audiences to the live sessions subscribed to them.
package rooms

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/Tyrowin/campuschat/internal/chat"
)

// ErrUnknownSession is returned when joining a session that was never
// attached or has already left.
var ErrUnknownSession = errors.New("session is not attached")

// Subscriber is one live session as seen by the router.
type Subscriber interface {
	SessionID() string
	UserID() string
	// Deliver enqueues payload without blocking. It returns false when the
	// subscriber can't accept more data; the subscriber is then expected to
	// close itself.
	Deliver(payload []byte) bool
}

// Exclude filters recipients of a publish. Empty fields match nothing.
type Exclude struct {
	SessionID string
	UserID    string
}

func (e Exclude) matches(s Subscriber) bool {
	return (e.SessionID != "" && s.SessionID() == e.SessionID) ||
		(e.UserID != "" && s.UserID() == e.UserID)
}

type member struct {
	sub       Subscriber
	audiences map[chat.AudienceKey]struct{}
}

// Router owns audience membership. Only the router mutates it; audiences
// are derived sets and disappear when their last member leaves.
type Router struct {
	mu        sync.RWMutex
	sessions  map[string]*member
	audiences map[chat.AudienceKey]map[string]Subscriber
	logger    *slog.Logger
}

// NewRouter constructs an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sessions:  make(map[string]*member),
		audiences: make(map[chat.AudienceKey]map[string]Subscriber),
		logger:    logger,
	}
}

// Attach registers sub and joins it to its personal inbox. Attaching an
// already attached session is a no-op.
func (r *Router) Attach(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sub.SessionID()]; ok {
		return
	}
	r.sessions[sub.SessionID()] = &member{
		sub:       sub,
		audiences: make(map[chat.AudienceKey]struct{}),
	}
	r.joinLocked(sub.SessionID(), chat.PersonalInbox(sub.UserID()))
}

// JoinCollege subscribes sessionID to College(collegeID). It returns true
// when the membership is new; joining twice is harmless.
func (r *Router) JoinCollege(sessionID, collegeID string) (bool, error) {
	key := chat.College(collegeID)
	if key.IsZero() {
		return false, chat.Validation("collegeId is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return false, ErrUnknownSession
	}
	return r.joinLocked(sessionID, key), nil
}

func (r *Router) joinLocked(sessionID string, key chat.AudienceKey) bool {
	m := r.sessions[sessionID]
	if _, ok := m.audiences[key]; ok {
		return false
	}
	m.audiences[key] = struct{}{}

	set := r.audiences[key]
	if set == nil {
		set = make(map[string]Subscriber)
		r.audiences[key] = set
	}
	set[sessionID] = m.sub
	return true
}

// LeaveAll removes sessionID from every audience, its inbox included, and
// forgets the session.
func (r *Router) LeaveAll(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for key := range m.audiences {
		set := r.audiences[key]
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.audiences, key)
		}
	}
	delete(r.sessions, sessionID)
}

// AudienceMembers returns the session ids currently subscribed to key,
// sorted for stable output.
func (r *Router) AudienceMembers(key chat.AudienceKey) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.audiences[key]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Audiences returns the audiences sessionID belongs to.
func (r *Router) Audiences(sessionID string) []chat.AudienceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	keys := make([]chat.AudienceKey, 0, len(m.audiences))
	for key := range m.audiences {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Publish delivers payload to every member of key not matched by exclude and
// returns how many subscribers accepted it.
func (r *Router) Publish(key chat.AudienceKey, payload []byte, exclude Exclude) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, sub := range r.audiences[key] {
		if exclude.matches(sub) {
			continue
		}
		if sub.Deliver(payload) {
			delivered++
		} else {
			r.logger.Warn("Dropped event for slow session", "session_id", sub.SessionID(), "audience", key.String())
		}
	}
	return delivered
}

// Broadcast delivers payload to every attached session not matched by
// exclude.
func (r *Router) Broadcast(payload []byte, exclude Exclude) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, m := range r.sessions {
		if exclude.matches(m.sub) {
			continue
		}
		if m.sub.Deliver(payload) {
			delivered++
		} else {
			r.logger.Warn("Dropped broadcast for slow session", "session_id", m.sub.SessionID())
		}
	}
	return delivered
}

// SessionCount returns the number of attached sessions.
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
