// Package chat defines the data model shared by the messaging core: resolved
// identities, audiences, messages with their delivery/read receipts, the
// collaborator interfaces the core consumes, and the error taxonomy.
package chat

import (
	"strings"
	"time"
)

// Identity is the already-resolved user behind a connection. It is immutable
// for the lifetime of the connection.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
	CollegeID   string // empty when the user has not picked a college yet
}

// Name returns the display name, falling back to the local part of the email.
func (i Identity) Name() string {
	return NameOrEmailLocal(i.DisplayName, i.Email)
}

// NameOrEmailLocal returns name when it is set, otherwise the part of email
// before the '@'.
func NameOrEmailLocal(name, email string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}

// AudienceKind distinguishes the two audience variants.
type AudienceKind int

const (
	AudienceNone AudienceKind = iota
	AudienceCollege
	AudienceInbox
)

// AudienceKey is a logical broadcast target. The zero value is not a valid
// audience; build keys with College or PersonalInbox.
type AudienceKey struct {
	kind AudienceKind
	id   string
}

// College returns the audience of a college-wide room.
func College(collegeID string) AudienceKey {
	return AudienceKey{kind: AudienceCollege, id: collegeID}
}

// PersonalInbox returns the audience of every live session of one user.
func PersonalInbox(userID string) AudienceKey {
	return AudienceKey{kind: AudienceInbox, id: userID}
}

func (k AudienceKey) Kind() AudienceKind { return k.kind }
func (k AudienceKey) ID() string         { return k.id }

// IsZero reports whether the key was never built or has an empty id.
func (k AudienceKey) IsZero() bool {
	return k.kind == AudienceNone || k.id == ""
}

func (k AudienceKey) String() string {
	switch k.kind {
	case AudienceCollege:
		return "college:" + k.id
	case AudienceInbox:
		return "inbox:" + k.id
	default:
		return "none"
	}
}

// Receipt records that a user received or read a message.
type Receipt struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// Message is a persisted chat message. Exactly one of CollegeID (college
// chat) and ReceiverID (direct chat) is set.
type Message struct {
	ID          string
	SenderID    string
	SenderName  string
	CollegeID   string
	ReceiverID  string
	Text        string
	CreatedAt   time.Time
	DeliveredTo []Receipt
	ReadBy      []Receipt
}

// IsDirect reports whether the message belongs to a 1:1 channel.
func (m *Message) IsDirect() bool {
	return m.ReceiverID != ""
}

// HasDelivery reports whether userID already appears in DeliveredTo.
func (m *Message) HasDelivery(userID string) bool {
	return hasReceipt(m.DeliveredTo, userID)
}

// HasRead reports whether userID already appears in ReadBy.
func (m *Message) HasRead(userID string) bool {
	return hasReceipt(m.ReadBy, userID)
}

// Clone returns a deep copy so callers can't mutate shared receipt slices.
func (m *Message) Clone() *Message {
	c := *m
	c.DeliveredTo = append([]Receipt(nil), m.DeliveredTo...)
	c.ReadBy = append([]Receipt(nil), m.ReadBy...)
	return &c
}

func hasReceipt(list []Receipt, userID string) bool {
	for _, r := range list {
		if r.UserID == userID {
			return true
		}
	}
	return false
}
