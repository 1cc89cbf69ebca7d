// Package push delivers notifications to Firebase Cloud Messaging through the
// HTTP v1 API and classifies the outcome of every send.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/whisper/chat-notify/internal/notification"
)

const (
	DefaultEndpoint = "https://fcm.googleapis.com"
	MessagingScope  = "https://www.googleapis.com/auth/firebase.messaging"

	maxErrorBody = 64 * 1024
)

// Hints are the platform-specific blocks attached to every message. They are
// pass-through configuration and do not influence delivery decisions.
type Hints struct {
	AndroidPriority string `yaml:"android_priority" env:"ANDROID_PRIORITY"` // "high" | "normal"
	ChannelID       string `yaml:"channel_id" env:"CHANNEL_ID"`
	Sound           string `yaml:"sound" env:"SOUND"`
	DefaultVibrate  bool   `yaml:"default_vibrate" env:"DEFAULT_VIBRATE"`
	Badge           int    `yaml:"badge" env:"BADGE"`
}

// DefaultHints mirror what the mobile app registers its channel with.
func DefaultHints() Hints {
	return Hints{
		AndroidPriority: "high",
		ChannelID:       "high_importance_channel",
		Sound:           "default",
		DefaultVibrate:  true,
		Badge:           1,
	}
}

// Config holds FCM connection settings.
type Config struct {
	ProjectID       string        `yaml:"project_id" env:"PROJECT_ID"`
	CredentialsFile string        `yaml:"credentials_file" env:"CREDENTIALS_FILE"`
	Endpoint        string        `yaml:"endpoint" env:"ENDPOINT"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Hints           Hints         `yaml:"hints" envPrefix:"HINT_"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint: DefaultEndpoint,
		Timeout:  10 * time.Second,
		Hints:    DefaultHints(),
	}
}

// Client sends messages to one FCM project.
type Client struct {
	http  *http.Client
	url   string
	hints Hints
}

// NewClient builds an authenticated client from a service account file. The
// project id defaults to the one in the credentials.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("push: read credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, MessagingScope)
	if err != nil {
		return nil, fmt.Errorf("push: parse credentials: %w", err)
	}
	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = creds.ProjectID
	}
	if projectID == "" {
		return nil, errors.New("push: project id is required")
	}

	httpClient := oauth2.NewClient(ctx, creds.TokenSource)
	httpClient.Timeout = cfg.Timeout
	return NewClientWithHTTP(httpClient, cfg.Endpoint, projectID, cfg.Hints), nil
}

// NewClientWithHTTP builds a client on an already authenticated HTTP client.
func NewClientWithHTTP(httpClient *http.Client, endpoint, projectID string, hints Hints) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		http:  httpClient,
		url:   fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(endpoint, "/"), projectID),
		hints: hints,
	}
}

// Send delivers p to token. It returns the provider message name on success
// or an error that Classify maps to exactly one Class.
func (c *Client) Send(ctx context.Context, token string, p notification.Payload) (string, error) {
	body, err := json.Marshal(sendRequest{Message: c.message(token, p)})
	if err != nil {
		return "", &PermanentError{Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", &PermanentError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &RetryableError{Reason: "transport", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", &RetryableError{Reason: "read response", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok sendResponse
		if err := json.Unmarshal(raw, &ok); err != nil {
			// The message was accepted; only the id is unreadable.
			return "", nil
		}
		return ok.Name, nil
	}

	return "", classifyResponse(resp.StatusCode, resp.Header.Get("Retry-After"), raw)
}

func (c *Client) message(token string, p notification.Payload) message {
	m := message{
		Token: token,
		Notification: &notificationBlock{
			Title: p.Title,
			Body:  p.Body,
		},
		Data: p.Data(),
		Android: &androidConfig{
			Priority:    strings.ToUpper(c.hints.AndroidPriority),
			CollapseKey: p.CollapseKey,
			Notification: &androidNotification{
				ChannelID:             c.hints.ChannelID,
				Sound:                 c.hints.Sound,
				DefaultVibrateTimings: c.hints.DefaultVibrate,
			},
		},
		APNS: &apnsConfig{
			Payload: apnsPayload{Aps: aps{Sound: c.hints.Sound}},
		},
	}
	if strings.EqualFold(c.hints.AndroidPriority, "high") {
		m.Android.Notification.NotificationPriority = "PRIORITY_HIGH"
	}
	if c.hints.Badge > 0 {
		badge := c.hints.Badge
		m.APNS.Payload.Aps.Badge = &badge
	}
	if p.CollapseKey != "" {
		m.APNS.Headers = map[string]string{"apns-collapse-id": p.CollapseKey}
	}
	return m
}

// classifyResponse maps a non-2xx FCM response onto the error taxonomy.
func classifyResponse(status int, retryAfter string, raw []byte) error {
	var env errorEnvelope
	_ = json.Unmarshal(raw, &env)

	code := env.Error.Status
	for _, d := range env.Error.Details {
		if d.ErrorCode != "" {
			code = d.ErrorCode
			break
		}
	}
	reason := fmt.Sprintf("http %d", status)
	if code != "" {
		reason += " " + code
	}
	if env.Error.Message != "" {
		reason += ": " + env.Error.Message
	}

	switch code {
	case "UNREGISTERED", "SENDER_ID_MISMATCH":
		return fmt.Errorf("%w (%s)", ErrTokenInvalid, reason)
	case "UNAVAILABLE", "INTERNAL", "QUOTA_EXCEEDED":
		return &RetryableError{Reason: reason, RetryAfter: parseRetryAfter(retryAfter)}
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w (%s)", ErrTokenInvalid, reason)
	case status == http.StatusTooManyRequests, status >= 500:
		return &RetryableError{Reason: reason, RetryAfter: parseRetryAfter(retryAfter)}
	default:
		return &PermanentError{Reason: reason}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Wire types for the FCM v1 messages:send endpoint.

type sendRequest struct {
	Message message `json:"message"`
}

type message struct {
	Token        string             `json:"token"`
	Notification *notificationBlock `json:"notification,omitempty"`
	Data         map[string]string  `json:"data,omitempty"`
	Android      *androidConfig     `json:"android,omitempty"`
	APNS         *apnsConfig        `json:"apns,omitempty"`
}

type notificationBlock struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type androidConfig struct {
	Priority     string               `json:"priority,omitempty"`
	CollapseKey  string               `json:"collapse_key,omitempty"`
	Notification *androidNotification `json:"notification,omitempty"`
}

type androidNotification struct {
	ChannelID             string `json:"channel_id,omitempty"`
	Sound                 string `json:"sound,omitempty"`
	DefaultVibrateTimings bool   `json:"default_vibrate_timings,omitempty"`
	NotificationPriority  string `json:"notification_priority,omitempty"`
}

type apnsConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload apnsPayload       `json:"payload"`
}

type apnsPayload struct {
	Aps aps `json:"aps"`
}

type aps struct {
	Sound string `json:"sound,omitempty"`
	Badge *int   `json:"badge,omitempty"`
}

type sendResponse struct {
	Name string `json:"name"`
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}
