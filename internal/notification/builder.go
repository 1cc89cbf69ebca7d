// Package notification turns chat message events into platform-agnostic push
// notification payloads. It performs no I/O.
package notification

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode/utf8"

	"github.com/whisper/chat-notify/internal/chat"
)

const (
	// MaxBodyChars is the number of characters kept before truncation.
	MaxBodyChars = 100

	// Ellipsis is appended to truncated bodies.
	Ellipsis = "..."

	// ClickAction tells the mobile client which handler opens the chat.
	ClickAction = "FLUTTER_NOTIFICATION_CLICK"

	titleFormat = "New message from %s"
)

// Routing is the data the client needs to open the right conversation.
type Routing struct {
	RoomID        string
	SenderID      string
	SenderDisplay string
}

// Payload is a built notification. It has no identity beyond MessageID.
type Payload struct {
	MessageID   string
	Title       string
	Body        string
	Routing     Routing
	CollapseKey string // deterministic per MessageID
}

// Data renders the routing block as the string map push backends expect.
func (p Payload) Data() map[string]string {
	return map[string]string{
		"roomId":        p.Routing.RoomID,
		"senderId":      p.Routing.SenderID,
		"senderDisplay": p.Routing.SenderDisplay,
		"messageId":     p.MessageID,
		"click_action":  ClickAction,
	}
}

// Build converts a message event into a notification payload. Malformed
// events are rejected with a *chat.ValidationError. Invalid UTF-8 in the
// free-text fields is replaced with U+FFFD.
func Build(ev chat.MessageEvent) (Payload, error) {
	if err := ev.Validate(); err != nil {
		return Payload{}, err
	}
	display := strings.ToValidUTF8(ev.Display(), "\uFFFD")
	return Payload{
		MessageID: ev.MessageID,
		Title:     fmt.Sprintf(titleFormat, display),
		Body:      Truncate(strings.ToValidUTF8(ev.Body, "\uFFFD")),
		Routing: Routing{
			RoomID:        ev.RoomID,
			SenderID:      ev.SenderID,
			SenderDisplay: display,
		},
		CollapseKey: IdempotencyKey(ev.MessageID),
	}, nil
}

// Truncate returns body unchanged when it has at most MaxBodyChars
// characters, otherwise the first MaxBodyChars characters followed by
// Ellipsis.
func Truncate(body string) string {
	if utf8.RuneCountInString(body) <= MaxBodyChars {
		return body
	}
	n := 0
	for i := range body {
		if n == MaxBodyChars {
			return body[:i] + Ellipsis
		}
		n++
	}
	return body
}

// IdempotencyKey derives the key a backend uses to recognise redelivered
// sends of the same message.
func IdempotencyKey(messageID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(messageID))
	return fmt.Sprintf("msg-%016x", h.Sum64())
}
