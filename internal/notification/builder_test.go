package notification

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-notify/internal/chat"
)

func event(body string) chat.MessageEvent {
	return chat.MessageEvent{
		RoomID:        "room-1",
		MessageID:     "msg-1",
		SenderID:      "alice",
		SenderDisplay: "alice@example.com",
		ReceiverID:    "bob",
		Body:          body,
	}
}

func TestBuild_ShortBodyUnchanged(t *testing.T) {
	for _, n := range []int{0, 1, 50, 99, 100} {
		body := strings.Repeat("b", n)
		p, err := Build(event(body))
		require.NoError(t, err)
		assert.Equal(t, body, p.Body, "length %d", n)
	}
}

func TestBuild_LongBodyTruncated(t *testing.T) {
	for _, n := range []int{101, 150, 1000} {
		body := strings.Repeat("a", n)
		p, err := Build(event(body))
		require.NoError(t, err)
		assert.Len(t, p.Body, 103, "length %d", n)
		assert.Equal(t, body[:100]+"...", p.Body)
	}
}

func TestBuild_VeryLongBodyTruncated(t *testing.T) {
	body := strings.Repeat("a", 20000)
	p, err := Build(event(body))
	require.NoError(t, err)
	assert.Equal(t, 103, utf8.RuneCountInString(p.Body))
	assert.Equal(t, strings.Repeat("a", 100)+Ellipsis, p.Body)
}

func TestBuild_InvalidUTF8Replaced(t *testing.T) {
	ev := event("hi \xff there")
	ev.SenderDisplay = "al\xffce"
	p, err := Build(ev)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(p.Body))
	assert.Equal(t, "hi \uFFFD there", p.Body)
	assert.Equal(t, "New message from al\uFFFDce", p.Title)
	assert.Equal(t, "al\uFFFDce", p.Routing.SenderDisplay)
}

func TestBuild_Scenario150(t *testing.T) {
	p, err := Build(event(strings.Repeat("a", 150)))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 100)+"...", p.Body)
}

func TestTruncate_CountsCharactersNotBytes(t *testing.T) {
	body := strings.Repeat("é", 120)
	got := Truncate(body)
	assert.Equal(t, 103, utf8.RuneCountInString(got))
	assert.True(t, strings.HasPrefix(got, strings.Repeat("é", 100)))
	assert.True(t, strings.HasSuffix(got, Ellipsis))

	exact := strings.Repeat("é", 100)
	assert.Equal(t, exact, Truncate(exact))
}

func TestBuild_TitleAndRouting(t *testing.T) {
	p, err := Build(event("hi"))
	require.NoError(t, err)

	assert.Equal(t, "New message from alice@example.com", p.Title)
	assert.Equal(t, Routing{RoomID: "room-1", SenderID: "alice", SenderDisplay: "alice@example.com"}, p.Routing)
	assert.Equal(t, "msg-1", p.MessageID)

	data := p.Data()
	assert.Equal(t, "room-1", data["roomId"])
	assert.Equal(t, ClickAction, data["click_action"])
}

func TestBuild_DisplayFallback(t *testing.T) {
	ev := event("hi")
	ev.SenderDisplay = ""
	p, err := Build(ev)
	require.NoError(t, err)
	assert.Equal(t, "New message from alice", p.Title)
}

func TestBuild_RejectsMalformed(t *testing.T) {
	ev := event("hi")
	ev.ReceiverID = ""
	_, err := Build(ev)

	var verr *chat.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "receiver_id", verr.Field)
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	a := IdempotencyKey("msg-1")
	assert.Equal(t, a, IdempotencyKey("msg-1"))
	assert.NotEqual(t, a, IdempotencyKey("msg-2"))
	assert.LessOrEqual(t, len(a), 64) // apns-collapse-id limit

	p, err := Build(event("x"))
	require.NoError(t, err)
	assert.Equal(t, a, p.CollapseKey)
}
