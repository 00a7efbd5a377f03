package protocol

import (
	"encoding/json"
	"time"

	"github.com/Tyrowin/campuschat/internal/chat"
)

type JoinedCollegeRoom struct {
	Success   bool   `json:"success"`
	CollegeID string `json:"collegeId"`
	RoomName  string `json:"roomName"`
}

type Receipt struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

type ReceiveMessage struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName"`
	CollegeID   string    `json:"collegeId,omitempty"`
	ReceiverID  string    `json:"receiverId,omitempty"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	DeliveredTo []Receipt `json:"deliveredTo"`
	ReadBy      []Receipt `json:"readBy"`
}

type UserTyping struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	CollegeID string `json:"collegeId"`
	IsTyping  bool   `json:"isTyping"`
}

type UserTypingDirect struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

type MessageRead struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

type Presence struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type MessageBlocked struct {
	Message      string `json:"message"`
	BlockedCount int    `json:"blockedCount"`
}

type Error struct {
	Message string `json:"message"`
}

// RoomName is the room label reported in joinedCollegeRoom.
func RoomName(collegeID string) string {
	return "college_" + collegeID
}

// Encode wraps data in an envelope named event.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// MustEncode is Encode for payload types that always marshal.
func MustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic("protocol: encode " + event + ": " + err.Error())
	}
	return b
}

// NewReceiveMessage converts a stored message to its wire form.
func NewReceiveMessage(m *chat.Message) ReceiveMessage {
	return ReceiveMessage{
		ID:          m.ID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		CollegeID:   m.CollegeID,
		ReceiverID:  m.ReceiverID,
		Text:        m.Text,
		Timestamp:   m.CreatedAt,
		DeliveredTo: receipts(m.DeliveredTo),
		ReadBy:      receipts(m.ReadBy),
	}
}

func receipts(in []chat.Receipt) []Receipt {
	out := make([]Receipt, len(in))
	for i, r := range in {
		out[i] = Receipt{UserID: r.UserID, At: r.At}
	}
	return out
}

func UserOnline(userID string) []byte {
	return MustEncode(EventUserOnline, Presence{UserID: userID, IsOnline: true})
}

func UserOffline(userID string) []byte {
	return MustEncode(EventUserOffline, Presence{UserID: userID, IsOnline: false})
}

func ErrorEvent(message string) []byte {
	return MustEncode(EventError, Error{Message: message})
}
