// Package protocol defines the JSON wire contract between clients and the
// messaging core. Event and field names are part of the public contract and
// must not change.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event names.
const (
	EventJoinCollegeRoom      = "joinCollegeRoom"
	EventSendMessage          = "sendMessage"
	EventSendDirectMessage    = "sendDirectMessage"
	EventTyping               = "typing"
	EventTypingDirect         = "typingDirect"
	EventMarkMessageRead      = "markMessageRead"
	EventMarkMessageDelivered = "markMessageDelivered"
)

// Outbound event names.
const (
	EventJoinedCollegeRoom = "joinedCollegeRoom"
	EventReceiveMessage    = "receiveMessage"
	EventUserTyping        = "userTyping"
	EventUserTypingDirect  = "userTypingDirect"
	EventMessageRead       = "messageRead"
	EventUserOnline        = "userOnline"
	EventUserOffline       = "userOffline"
	EventMessageBlocked    = "messageBlocked"
	EventError             = "error"
)

var (
	ErrMalformed    = errors.New("malformed event")
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is the closed set of inbound events. Only types in this package
// implement it.
type Event interface {
	eventName() string
}

type JoinCollegeRoom struct {
	CollegeID string `json:"collegeId"`
}

type SendMessage struct {
	Text      string `json:"text"`
	CollegeID string `json:"collegeId"`
}

type SendDirectMessage struct {
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

type Typing struct {
	CollegeID string `json:"collegeId"`
	IsTyping  bool   `json:"isTyping"`
}

type TypingDirect struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type MarkMessageRead struct {
	MessageID string `json:"messageId"`
	CollegeID string `json:"collegeId"`
}

type MarkMessageDelivered struct {
	MessageID string `json:"messageId"`
	CollegeID string `json:"collegeId"`
}

func (JoinCollegeRoom) eventName() string      { return EventJoinCollegeRoom }
func (SendMessage) eventName() string          { return EventSendMessage }
func (SendDirectMessage) eventName() string    { return EventSendDirectMessage }
func (Typing) eventName() string               { return EventTyping }
func (TypingDirect) eventName() string         { return EventTypingDirect }
func (MarkMessageRead) eventName() string      { return EventMarkMessageRead }
func (MarkMessageDelivered) eventName() string { return EventMarkMessageDelivered }

// Name returns the wire name of ev.
func Name(ev Event) string {
	return ev.eventName()
}

// Decode parses one inbound frame.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev Event
	switch env.Event {
	case EventJoinCollegeRoom:
		ev = &JoinCollegeRoom{}
	case EventSendMessage:
		ev = &SendMessage{}
	case EventSendDirectMessage:
		ev = &SendDirectMessage{}
	case EventTyping:
		ev = &Typing{}
	case EventTypingDirect:
		ev = &TypingDirect{}
	case EventMarkMessageRead:
		ev = &MarkMessageRead{}
	case EventMarkMessageDelivered:
		ev = &MarkMessageDelivered{}
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
		}
	}
	return deref(ev), nil
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *JoinCollegeRoom:
		return *e
	case *SendMessage:
		return *e
	case *SendDirectMessage:
		return *e
	case *Typing:
		return *e
	case *TypingDirect:
		return *e
	case *MarkMessageRead:
		return *e
	case *MarkMessageDelivered:
		return *e
	}
	return ev
}
