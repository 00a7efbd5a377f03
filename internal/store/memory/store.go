// Package memory provides in-process implementations of the chat
// collaborators. It backs the server when no database is configured and is
// the fixture for most tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/campuschat/internal/chat"
)

// Store keeps messages, users and block relations in maps.
type Store struct {
	mu       sync.RWMutex
	messages map[string]*chat.Message
	order    []string
	users    map[string]chat.Identity
	blocks   map[string]map[string]struct{} // blocker -> blocked set
	now      func() time.Time
	failSave bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		messages: make(map[string]*chat.Message),
		users:    make(map[string]chat.Identity),
		blocks:   make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

var (
	_ chat.MessageStore   = (*Store)(nil)
	_ chat.BlockList      = (*Store)(nil)
	_ chat.Profiles       = (*Store)(nil)
	_ chat.IdentitySource = (*Store)(nil)
)

// errSaveFailed is returned by Save after FailSaves(true).
var errSaveFailed = errors.New("memory: save failed")

// FailSaves makes every subsequent Save fail until called with false.
func (s *Store) FailSaves(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSave = fail
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(id chat.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id.UserID] = id
}

// Block records that blocker blocks blocked.
func (s *Store) Block(blockerID, blockedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.blocks[blockerID]
	if set == nil {
		set = make(map[string]struct{})
		s.blocks[blockerID] = set
	}
	set[blockedID] = struct{}{}
}

// Unblock removes a block relation.
func (s *Store) Unblock(blockerID, blockedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.blocks[blockerID]; set != nil {
		delete(set, blockedID)
		if len(set) == 0 {
			delete(s.blocks, blockerID)
		}
	}
}

// Save stores msg under a fresh id.
func (s *Store) Save(_ context.Context, msg *chat.Message) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSave {
		return nil, errSaveFailed
	}

	stored := msg.Clone()
	stored.ID = uuid.NewString()
	stored.CreatedAt = s.now().UTC()
	stored.DeliveredTo = nil
	stored.ReadBy = nil

	s.messages[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return stored.Clone(), nil
}

func (s *Store) AppendDelivery(_ context.Context, messageID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return false, chat.ErrNotFound
	}
	if msg.HasDelivery(userID) {
		return false, nil
	}
	msg.DeliveredTo = append(msg.DeliveredTo, chat.Receipt{UserID: userID, At: at})
	return true, nil
}

func (s *Store) AppendRead(_ context.Context, messageID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return false, chat.ErrNotFound
	}
	if msg.HasRead(userID) {
		return false, nil
	}
	msg.ReadBy = append(msg.ReadBy, chat.Receipt{UserID: userID, At: at})
	return true, nil
}

func (s *Store) Find(_ context.Context, messageID string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return msg.Clone(), nil
}

// Delete removes a message, as an external moderation tool would.
func (s *Store) Delete(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageID)
}

// Messages returns every stored message in commit order.
func (s *Store) Messages() []*chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*chat.Message, 0, len(s.order))
	for _, id := range s.order {
		if msg, ok := s.messages[id]; ok {
			out = append(out, msg.Clone())
		}
	}
	return out
}

func (s *Store) IsBlocked(_ context.Context, blockerID, blockedID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[blockerID][blockedID]
	return ok, nil
}

func (s *Store) BlockedCount(_ context.Context, blockerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks[blockerID]), nil
}

func (s *Store) DisplayName(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID].DisplayName, nil
}

func (s *Store) LookupIdentity(_ context.Context, userID string) (chat.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.users[userID]
	if !ok {
		return chat.Identity{}, chat.ErrNotFound
	}
	return id, nil
}
