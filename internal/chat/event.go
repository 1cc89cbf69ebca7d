package chat

import "time"

// MessageEvent is the payload published to chat.message.created whenever a
// message document is created under a room. It is immutable once produced
// and may be delivered more than once.
type MessageEvent struct {
	RoomID        string    `json:"room_id"`
	MessageID     string    `json:"message_id"`
	SenderID      string    `json:"sender_id"`
	SenderDisplay string    `json:"sender_display,omitempty"` // falls back to SenderID
	ReceiverID    string    `json:"receiver_id"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}

// Display returns the name shown to the receiver for the sender.
func (e MessageEvent) Display() string {
	if e.SenderDisplay != "" {
		return e.SenderDisplay
	}
	return e.SenderID
}

// RoomEvent is published to chat.room.updated when a room document is
// created or its typing fields change.
type RoomEvent struct {
	RoomID string `json:"room_id"`
}

// TypingEvent is published to chat.room.typing when a participant starts or
// stops typing.
type TypingEvent struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
	Ts       int64  `json:"ts,omitempty"` // unix millis; zero means "now"
}

// At returns the event timestamp, or now when the publisher omitted it.
func (e TypingEvent) At(now time.Time) time.Time {
	if e.Ts <= 0 {
		return now
	}
	return time.UnixMilli(e.Ts)
}
