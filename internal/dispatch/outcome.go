package dispatch

import (
	"github.com/whisper/chat-notify/internal/push"
)

// Status is the terminal classification of one dispatch.
type Status string

const (
	StatusSent             Status = "sent"
	StatusNoToken          Status = "skipped_no_token"
	StatusTokenInvalidated Status = "skipped_token_invalidated"
	StatusDuplicate        Status = "skipped_duplicate"
	StatusRejected         Status = "rejected_invalid"
	StatusPermanent        Status = "failed_permanent"
	StatusExhausted        Status = "failed_exhausted"
	StatusDeadline         Status = "failed_deadline"
)

// Skipped reports whether the status is a terminal skip (not an error).
func (s Status) Skipped() bool {
	return s == StatusNoToken || s == StatusTokenInvalidated || s == StatusDuplicate
}

// Failed reports whether delivery was attempted and did not succeed. Failed
// outcomes other than a deadline are logged at error level.
func (s Status) Failed() bool {
	return s == StatusPermanent || s == StatusExhausted || s == StatusDeadline
}

// Outcome is the terminal result of Dispatch.
type Outcome struct {
	Status            Status
	ProviderMessageID string // set when Status == StatusSent
	Reason            string // last failure reason, if any
	Attempts          int    // push backend calls made
}

// Attempt records a single push backend call. Attempts live only for the
// duration of one dispatch.
type Attempt struct {
	MessageID string
	Token     string
	Number    int
	Class     push.Class
	Reason    string
}
