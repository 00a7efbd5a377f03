package chat

import (
	"context"
	"time"
)

// MessageStore persists messages and their receipts.
//
// Save assigns ID and CreatedAt and returns the stored message with empty
// receipt lists. AppendDelivery and AppendRead are idempotent per
// (messageID, userID) and report whether a new receipt was written. Find
// returns ErrNotFound for unknown ids.
type MessageStore interface {
	Save(ctx context.Context, msg *Message) (*Message, error)
	AppendDelivery(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
	AppendRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
	Find(ctx context.Context, messageID string) (*Message, error)
}

// BlockList answers block-relation questions. Answers are never cached by
// the core because they can change between connect and send.
type BlockList interface {
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
	// BlockedCount returns how many users blockerID currently blocks.
	BlockedCount(ctx context.Context, blockerID string) (int, error)
}

// Profiles looks up display names. An empty name means none is set.
type Profiles interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// IdentitySource loads the identity of a verified user id. It returns
// ErrNotFound when the user doesn't exist.
type IdentitySource interface {
	LookupIdentity(ctx context.Context, userID string) (Identity, error)
}
