package chat

import (
	"fmt"
	"unicode/utf8"
)

// MaxIDBytes bounds every identifier field. Longer ids are rejected.
const MaxIDBytes = 256

// ValidationError reports a malformed event. Retrying cannot fix it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chat: invalid event: %s %s", e.Field, e.Reason)
}

func checkID(field, v string) error {
	if v == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	if len(v) > MaxIDBytes {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("exceeds %d bytes", MaxIDBytes)}
	}
	if !utf8.ValidString(v) {
		return &ValidationError{Field: field, Reason: "contains invalid UTF-8"}
	}
	return nil
}

// Validate checks that the event carries every field needed to notify the
// receiver. The body and sender display are free text and never make an
// event malformed.
func (e MessageEvent) Validate() error {
	for _, f := range []struct{ name, v string }{
		{"room_id", e.RoomID},
		{"message_id", e.MessageID},
		{"sender_id", e.SenderID},
		{"receiver_id", e.ReceiverID},
	} {
		if err := checkID(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a room mutation event.
func (e RoomEvent) Validate() error {
	return checkID("room_id", e.RoomID)
}

// Validate checks a typing event.
func (e TypingEvent) Validate() error {
	if err := checkID("room_id", e.RoomID); err != nil {
		return err
	}
	return checkID("user_id", e.UserID)
}
