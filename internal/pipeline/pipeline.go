// Package pipeline validates, persists and fans out chat events.
//
// For any single audience the pipeline holds a sequencing lock across the
// persist and publish steps, so subscribers observe messages in commit
// order. Independent audiences run in parallel.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Tyrowin/campuschat/internal/chat"
	"github.com/Tyrowin/campuschat/internal/protocol"
	"github.com/Tyrowin/campuschat/internal/rooms"
)

// DefaultMaxTextLength is the text cap, in runes, used when none is set.
const DefaultMaxTextLength = 4000

// Publisher fans a payload out to an audience.
type Publisher interface {
	Publish(key chat.AudienceKey, payload []byte, exclude rooms.Exclude) int
}

// Sender is the session an event came from.
type Sender struct {
	SessionID string
	Identity  chat.Identity
}

func (s Sender) userID() string { return s.Identity.UserID }

// Deps are the collaborators a Pipeline needs.
type Deps struct {
	Store     chat.MessageStore
	Blocks    chat.BlockList
	Profiles  chat.Profiles
	Publisher Publisher
	Logger    *slog.Logger

	// MaxTextLength caps message text in runes. Zero means
	// DefaultMaxTextLength.
	MaxTextLength int
}

// Pipeline processes the chat events of every session.
type Pipeline struct {
	store     chat.MessageStore
	blocks    chat.BlockList
	profiles  chat.Profiles
	publisher Publisher
	logger    *slog.Logger
	maxText   int
	seq       *sequencer
	now       func() time.Time
}

// New creates a pipeline.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxText := deps.MaxTextLength
	if maxText <= 0 {
		maxText = DefaultMaxTextLength
	}
	return &Pipeline{
		store:     deps.Store,
		blocks:    deps.Blocks,
		profiles:  deps.Profiles,
		publisher: deps.Publisher,
		logger:    logger,
		maxText:   maxText,
		seq:       newSequencer(),
		now:       time.Now,
	}
}

func (p *Pipeline) validateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", chat.Validation("message text is required")
	}
	if utf8.RuneCountInString(text) > p.maxText {
		return "", chat.Validation("message text is too long")
	}
	return text, nil
}

// SendCollege posts text to a college room. A sender who blocks anyone is
// refused outright.
func (p *Pipeline) SendCollege(ctx context.Context, from Sender, text, collegeID string) (*chat.Message, error) {
	text, err := p.validateText(text)
	if err != nil {
		return nil, err
	}
	if collegeID == "" {
		return nil, chat.Validation("collegeId is required")
	}

	count, err := p.blocks.BlockedCount(ctx, from.userID())
	if err != nil {
		return nil, chat.Persistence(err)
	}
	if count > 0 {
		return nil, chat.Blocked("You cannot send messages to the college room while you have blocked users", count)
	}

	key := chat.College(collegeID)
	unlock := p.seq.lock(key.String())
	defer unlock()

	saved, err := p.store.Save(ctx, &chat.Message{
		SenderID:   from.userID(),
		SenderName: from.Identity.Name(),
		CollegeID:  collegeID,
		Text:       text,
	})
	if err != nil {
		return nil, chat.Persistence(err)
	}

	// Committed: finish even if the sender has gone away.
	ctx = context.WithoutCancel(ctx)

	at := p.now().UTC()
	if _, err := p.store.AppendDelivery(ctx, saved.ID, from.userID(), at); err != nil {
		p.logger.Error("Failed to record self delivery", "message_id", saved.ID, "error", err)
	} else {
		saved.DeliveredTo = append(saved.DeliveredTo, chat.Receipt{UserID: from.userID(), At: at})
	}

	payload := protocol.MustEncode(protocol.EventReceiveMessage, protocol.NewReceiveMessage(saved))
	n := p.publisher.Publish(key, payload, rooms.Exclude{})
	p.logger.Debug("College message sent", "message_id", saved.ID, "college_id", collegeID, "recipients", n)
	return saved, nil
}

// SendDirect delivers text to receiverID's inbox and echoes it to the
// sender's own inbox.
func (p *Pipeline) SendDirect(ctx context.Context, from Sender, receiverID, text string) (*chat.Message, error) {
	if receiverID == "" {
		return nil, chat.Validation("receiverId is required")
	}
	if receiverID == from.userID() {
		return nil, chat.Validation("cannot send a message to yourself")
	}
	text, err := p.validateText(text)
	if err != nil {
		return nil, err
	}

	blocked, err := p.blocks.IsBlocked(ctx, receiverID, from.userID())
	if err != nil {
		return nil, chat.Persistence(err)
	}
	if blocked {
		return nil, chat.Blocked("This user has blocked you", 1)
	}
	blocked, err = p.blocks.IsBlocked(ctx, from.userID(), receiverID)
	if err != nil {
		return nil, chat.Persistence(err)
	}
	if blocked {
		return nil, chat.Blocked("You have blocked this user", 1)
	}

	name := p.senderName(ctx, from)

	unlock := p.seq.lock(directKey(from.userID(), receiverID))
	defer unlock()

	saved, err := p.store.Save(ctx, &chat.Message{
		SenderID:   from.userID(),
		SenderName: name,
		ReceiverID: receiverID,
		Text:       text,
	})
	if err != nil {
		return nil, chat.Persistence(err)
	}

	payload := protocol.MustEncode(protocol.EventReceiveMessage, protocol.NewReceiveMessage(saved))
	p.publisher.Publish(chat.PersonalInbox(receiverID), payload, rooms.Exclude{})
	p.publisher.Publish(chat.PersonalInbox(from.userID()), payload, rooms.Exclude{})
	p.logger.Debug("Direct message sent", "message_id", saved.ID, "receiver_id", receiverID)
	return saved, nil
}

func (p *Pipeline) senderName(ctx context.Context, from Sender) string {
	name, err := p.profiles.DisplayName(ctx, from.userID())
	if err != nil {
		p.logger.Warn("Display name lookup failed", "user_id", from.userID(), "error", err)
		name = ""
	}
	return chat.NameOrEmailLocal(name, from.Identity.Email)
}

// TypingCollege tells the other sessions of a college room that the sender
// is typing. Nothing is persisted.
func (p *Pipeline) TypingCollege(_ context.Context, from Sender, collegeID string, isTyping bool) error {
	if collegeID == "" {
		return chat.Validation("collegeId is required")
	}
	payload := protocol.MustEncode(protocol.EventUserTyping, protocol.UserTyping{
		UserID:    from.userID(),
		UserName:  from.Identity.Name(),
		CollegeID: collegeID,
		IsTyping:  isTyping,
	})
	p.publisher.Publish(chat.College(collegeID), payload, rooms.Exclude{SessionID: from.SessionID})
	return nil
}

// TypingDirect sends a typing indicator to receiverID's inbox. It is dropped
// silently when either side blocks the other.
func (p *Pipeline) TypingDirect(ctx context.Context, from Sender, receiverID string, isTyping bool) error {
	if receiverID == "" {
		return chat.Validation("receiverId is required")
	}
	if receiverID == from.userID() {
		return nil
	}
	if p.eitherBlocks(ctx, from.userID(), receiverID) {
		return nil
	}
	payload := protocol.MustEncode(protocol.EventUserTypingDirect, protocol.UserTypingDirect{
		UserID:   from.userID(),
		UserName: from.Identity.Name(),
		IsTyping: isTyping,
	})
	p.publisher.Publish(chat.PersonalInbox(receiverID), payload, rooms.Exclude{})
	return nil
}

func (p *Pipeline) eitherBlocks(ctx context.Context, a, b string) bool {
	for _, pair := range [2][2]string{{b, a}, {a, b}} {
		blocked, err := p.blocks.IsBlocked(ctx, pair[0], pair[1])
		if err != nil {
			p.logger.Warn("Block lookup failed", "blocker_id", pair[0], "blocked_id", pair[1], "error", err)
			return true
		}
		if blocked {
			return true
		}
	}
	return false
}

// MarkDelivered records that the sender's user received messageID. Delivery
// acks are bookkeeping only and are not broadcast.
func (p *Pipeline) MarkDelivered(ctx context.Context, from Sender, messageID, _ string) error {
	msg, err := p.load(ctx, from, messageID)
	if err != nil {
		return err
	}
	if msg.HasDelivery(from.userID()) {
		return nil
	}
	if _, err := p.store.AppendDelivery(ctx, msg.ID, from.userID(), p.now().UTC()); err != nil {
		return p.storeErr(err)
	}
	return nil
}

// MarkRead records that the sender's user read messageID and tells the other
// sessions of the conversation. The session that sent the ack is skipped.
func (p *Pipeline) MarkRead(ctx context.Context, from Sender, messageID, collegeID string) error {
	msg, err := p.load(ctx, from, messageID)
	if err != nil {
		return err
	}
	if msg.HasRead(from.userID()) {
		return nil
	}

	var targets []chat.AudienceKey
	var seqKey string
	switch {
	case msg.IsDirect():
		other := msg.SenderID
		if other == from.userID() {
			other = msg.ReceiverID
		}
		targets = []chat.AudienceKey{chat.PersonalInbox(other), chat.PersonalInbox(from.userID())}
		seqKey = directKey(msg.SenderID, msg.ReceiverID)
	default:
		// Receipts follow the message's room; the client's collegeId is only a hint.
		if collegeID != "" && collegeID != msg.CollegeID {
			p.logger.Debug("Read receipt college mismatch", "message_id", msg.ID, "college_id", collegeID, "message_college_id", msg.CollegeID)
		}
		key := chat.College(msg.CollegeID)
		targets = []chat.AudienceKey{key}
		seqKey = key.String()
	}

	unlock := p.seq.lock(seqKey)
	defer unlock()

	at := p.now().UTC()
	added, err := p.store.AppendRead(ctx, msg.ID, from.userID(), at)
	if err != nil {
		return p.storeErr(err)
	}
	if !added {
		return nil
	}

	payload := protocol.MustEncode(protocol.EventMessageRead, protocol.MessageRead{
		MessageID: msg.ID,
		UserID:    from.userID(),
		ReadAt:    at,
	})
	for _, key := range targets {
		p.publisher.Publish(key, payload, rooms.Exclude{SessionID: from.SessionID})
	}
	return nil
}

// load finds messageID and hides direct messages the sender isn't part of.
func (p *Pipeline) load(ctx context.Context, from Sender, messageID string) (*chat.Message, error) {
	if messageID == "" {
		return nil, chat.Validation("messageId is required")
	}
	msg, err := p.store.Find(ctx, messageID)
	if err != nil {
		return nil, p.storeErr(err)
	}
	if msg.IsDirect() && msg.SenderID != from.userID() && msg.ReceiverID != from.userID() {
		return nil, chat.ErrNotFound
	}
	return msg, nil
}

func (p *Pipeline) storeErr(err error) error {
	if errors.Is(err, chat.ErrNotFound) {
		return chat.ErrNotFound
	}
	return chat.Persistence(err)
}
