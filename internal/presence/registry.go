// Package presence tracks which users have at least one live session.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Listener observes presence transitions. Calls are made exactly once per
// transition edge, with the owning shard locked, so implementations must
// return quickly and never call back into the Registry.
type Listener interface {
	UserOnline(userID, sessionID string, at time.Time)
	UserOffline(userID string, at time.Time)
}

// Entry is the exported view of one online user.
type Entry struct {
	UserID     string    `json:"userId"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type userPresence struct {
	sessions   map[string]struct{}
	lastSeenAt time.Time
}

type shard struct {
	mu    sync.Mutex
	users map[string]*userPresence
}

// Registry is the process-wide table of connected users. A user id is
// present iff at least one of its sessions is registered.
type Registry struct {
	shards    [shardCount]shard
	listeners []Listener
	now       func() time.Time
}

// NewRegistry creates an empty registry notifying listeners on transitions.
func NewRegistry(listeners ...Listener) *Registry {
	r := &Registry{
		listeners: listeners,
		now:       time.Now,
	}
	for i := range r.shards {
		r.shards[i].users = make(map[string]*userPresence)
	}
	return r
}

// AddListener subscribes l to transitions. It must be called before the
// registry is shared between goroutines.
func (r *Registry) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

func (r *Registry) shardFor(userID string) *shard {
	return &r.shards[xxhash.Sum64String(userID)%shardCount]
}

// Register marks sessionID of userID live. It returns true when this was the
// user's first live session. Registering the same session twice is a no-op.
func (r *Registry) Register(userID, sessionID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	p, ok := s.users[userID]
	if !ok {
		p = &userPresence{sessions: make(map[string]struct{})}
		s.users[userID] = p
	}
	if _, dup := p.sessions[sessionID]; dup {
		return false
	}
	p.sessions[sessionID] = struct{}{}
	p.lastSeenAt = now

	if len(p.sessions) != 1 {
		return false
	}
	for _, l := range r.listeners {
		l.UserOnline(userID, sessionID, now)
	}
	return true
}

// Unregister removes sessionID. It returns true when the user has no live
// session left. Unknown sessions are ignored.
func (r *Registry) Unregister(userID, sessionID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, live := p.sessions[sessionID]; !live {
		return false
	}

	now := r.now()
	delete(p.sessions, sessionID)
	p.lastSeenAt = now
	if len(p.sessions) > 0 {
		return false
	}

	delete(s.users, userID)
	for _, l := range r.listeners {
		l.UserOffline(userID, now)
	}
	return true
}

// IsOnline reports whether userID has a live session.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}

// Lookup returns the entry of userID if the user is online.
func (r *Registry) Lookup(userID string) (Entry, bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[userID]
	if !ok {
		return Entry{}, false
	}
	return Entry{UserID: userID, LastSeenAt: p.lastSeenAt}, true
}

// SessionCount returns how many live sessions userID has.
func (r *Registry) SessionCount(userID string) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.users[userID]; ok {
		return len(p.sessions)
	}
	return 0
}

// OnlineUsers returns a snapshot of all online users ordered by user id.
// Shards are visited one at a time, so the snapshot is not atomic across
// shards.
func (r *Registry) OnlineUsers() []Entry {
	var out []Entry
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, p := range s.users {
			out = append(out, Entry{UserID: id, LastSeenAt: p.lastSeenAt})
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineCount returns the number of online users.
func (r *Registry) OnlineCount() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.users)
		s.mu.Unlock()
	}
	return n
}
