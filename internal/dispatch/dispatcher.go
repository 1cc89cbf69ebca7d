// Package dispatch delivers chat message notifications to a push backend. It
// resolves the receiver's token, builds the payload, classifies each send,
// retries transient failures with jittered exponential backoff, removes
// tokens the backend rejects, and dedupes redelivered events per message id.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/whisper/chat-notify/internal/chat"
	"github.com/whisper/chat-notify/internal/metrics"
	"github.com/whisper/chat-notify/internal/notification"
	"github.com/whisper/chat-notify/internal/push"
	"github.com/whisper/chat-notify/internal/token"
)

// TokenDirectory resolves and invalidates receiver tokens.
type TokenDirectory interface {
	Lookup(ctx context.Context, userID string) (token.PushToken, error)
	Invalidate(ctx context.Context, userID, tok string) (bool, error)
}

// Sender delivers a payload to one token. Errors must be classifiable with
// push.Classify.
type Sender interface {
	Send(ctx context.Context, tok string, p notification.Payload) (string, error)
}

// ErrInFlight is returned when another dispatch of the same message is still
// running. The event should be redelivered later; by then the other dispatch
// has either delivered it or released its claim.
var ErrInFlight = errors.New("dispatch: message already in flight")

// ClaimStore tracks recently dispatched message ids.
type ClaimStore interface {
	Claim(ctx context.Context, messageID string) (ClaimState, error)
	MarkSent(ctx context.Context, messageID string) error
	Release(ctx context.Context, messageID string) error
}

// Pacer bounds the global send rate. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Recorder persists terminal outcomes for operator triage.
type Recorder interface {
	RecordOutcome(ctx context.Context, ev chat.MessageEvent, out Outcome) error
}

// Config controls retry and pacing.
type Config struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	Factor      float64       `yaml:"factor" env:"FACTOR"`
	Jitter      float64       `yaml:"jitter" env:"JITTER"` // fraction, 0.2 = ±20%
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Budget      time.Duration `yaml:"budget" env:"BUDGET"` // wall clock per dispatch, 0 = none
	RatePerSec  float64       `yaml:"rate_per_sec" env:"RATE_PER_SEC"`
	Burst       int           `yaml:"burst" env:"BURST"`
	ClaimTTL    time.Duration `yaml:"claim_ttl" env:"CLAIM_TTL"`     // how long a sent message stays deduped
	ClaimStore  string        `yaml:"claim_store" env:"CLAIM_STORE"` // "redis" | "memory"
	Pacer       string        `yaml:"pacer" env:"PACER"`             // "local" | "redis"
}

// DefaultConfig returns the recommended retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Factor:      2,
		Jitter:      0.2,
		MaxDelay:    16 * time.Second,
		Budget:      30 * time.Second,
		RatePerSec:  50,
		Burst:       50,
		ClaimTTL:    24 * time.Hour,
		ClaimStore:  "redis",
		Pacer:       "local",
	}
}

// InflightTTL is how long an unfinished claim survives a crashed owner.
func (c Config) InflightTTL() time.Duration {
	if c.Budget <= 0 {
		return 2 * time.Minute
	}
	return c.Budget + time.Minute
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = log.With().Str("comp", "dispatch").Logger() }
}

// WithPacer replaces the process-local send rate limit, e.g. with one shared
// across instances.
func WithPacer(p Pacer) Option {
	return func(d *Dispatcher) { d.pacer = p }
}

// WithRecorder attaches an outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// Dispatcher is safe for concurrent use; each Dispatch is an independent
// unit of work.
type Dispatcher struct {
	cfg      Config
	tokens   TokenDirectory
	sender   Sender
	claims   ClaimStore
	recorder Recorder
	pacer    Pacer
	log      zerolog.Logger

	wait func(ctx context.Context, d time.Duration) error
	rand func() float64
}

// New creates a dispatcher.
func New(cfg Config, tokens TokenDirectory, sender Sender, claims ClaimStore, opts ...Option) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	d := &Dispatcher{
		cfg:     cfg,
		tokens:  tokens,
		sender:  sender,
		claims:  claims,
		pacer:   limiter,
		log:     zerolog.Nop(),
		wait:    sleepCtx,
		rand:    rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers a notification for ev and returns its terminal outcome.
// Expected failure modes are outcomes, not errors. An error is returned only
// when the token directory or claim store is unavailable, or with
// ErrInFlight while another dispatch of the message runs; the caller should
// redeliver the event later.
func (d *Dispatcher) Dispatch(ctx context.Context, ev chat.MessageEvent) (Outcome, error) {
	start := time.Now()

	if err := ev.Validate(); err != nil {
		out := Outcome{Status: StatusRejected, Reason: err.Error()}
		d.finish(ctx, ev, out, start)
		return out, nil
	}

	if d.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Budget)
		defer cancel()
	}

	state, err := d.claims.Claim(ctx, ev.MessageID)
	if err != nil {
		return Outcome{}, err
	}
	switch state {
	case ClaimSent:
		out := Outcome{Status: StatusDuplicate}
		d.finish(ctx, ev, out, start)
		return out, nil
	case ClaimInFlight:
		d.log.Debug().Str("message_id", ev.MessageID).Msg("message in flight elsewhere")
		return Outcome{}, fmt.Errorf("dispatch: claim %s: %w", ev.MessageID, ErrInFlight)
	}

	out, err := d.deliver(ctx, ev)

	// Claim bookkeeping must survive the dispatch deadline.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err == nil && out.Status == StatusSent {
		if merr := d.claims.MarkSent(bg, ev.MessageID); merr != nil {
			d.log.Warn().Err(merr).Str("message_id", ev.MessageID).Msg("mark sent failed")
		}
	} else if rerr := d.claims.Release(bg, ev.MessageID); rerr != nil {
		d.log.Warn().Err(rerr).Str("message_id", ev.MessageID).Msg("release claim failed")
	}

	if err != nil {
		d.log.Error().Err(err).
			Str("message_id", ev.MessageID).
			Str("receiver_id", ev.ReceiverID).
			Msg("dispatch aborted, event will be redelivered")
		return Outcome{}, err
	}

	d.finish(ctx, ev, out, start)
	return out, nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev chat.MessageEvent) (Outcome, error) {
	tok, err := d.tokens.Lookup(ctx, ev.ReceiverID)
	switch {
	case errors.Is(err, token.ErrNotFound):
		return Outcome{Status: StatusNoToken}, nil
	case err != nil && ctx.Err() != nil:
		return Outcome{Status: StatusDeadline, Reason: err.Error()}, nil
	case err != nil:
		return Outcome{}, fmt.Errorf("dispatch: %w", err)
	}

	payload, err := notification.Build(ev)
	if err != nil {
		return Outcome{Status: StatusRejected, Reason: err.Error()}, nil
	}

	var lastReason string
	for attempt := 1; ; attempt++ {
		if err := d.pacer.Wait(ctx); err != nil {
			return Outcome{Status: StatusDeadline, Reason: err.Error(), Attempts: attempt - 1}, nil
		}

		sendStart := time.Now()
		providerID, sendErr := d.sender.Send(ctx, tok.Token, payload)
		metrics.SendLatency.Observe(time.Since(sendStart).Seconds())

		class := push.Classify(sendErr)
		if sendErr != nil && ctx.Err() != nil {
			return Outcome{Status: StatusDeadline, Reason: sendErr.Error(), Attempts: attempt}, nil
		}
		metrics.SendAttempts.WithLabelValues(class.String()).Inc()

		a := Attempt{MessageID: ev.MessageID, Token: tok.Token, Number: attempt, Class: class}
		if sendErr != nil {
			a.Reason = sendErr.Error()
			lastReason = a.Reason
		}
		d.logAttempt(a)

		switch class {
		case push.ClassSent:
			return Outcome{Status: StatusSent, ProviderMessageID: providerID, Attempts: attempt}, nil

		case push.ClassTokenInvalid:
			removed, err := d.tokens.Invalidate(ctx, ev.ReceiverID, tok.Token)
			if err != nil {
				return Outcome{}, fmt.Errorf("dispatch: %w", err)
			}
			if removed {
				metrics.TokensInvalidated.Inc()
			}
			return Outcome{Status: StatusTokenInvalidated, Reason: lastReason, Attempts: attempt}, nil

		case push.ClassPermanent:
			return Outcome{Status: StatusPermanent, Reason: lastReason, Attempts: attempt}, nil
		}

		// Retryable.
		if attempt >= d.cfg.MaxAttempts {
			return Outcome{Status: StatusExhausted, Reason: lastReason, Attempts: attempt}, nil
		}

		delay := backoffDelay(d.cfg, attempt, d.rand())
		if hint := push.RetryAfter(sendErr); hint > delay {
			delay = hint
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return Outcome{Status: StatusDeadline, Reason: lastReason, Attempts: attempt}, nil
		}
		if err := d.wait(ctx, delay); err != nil {
			return Outcome{Status: StatusDeadline, Reason: lastReason, Attempts: attempt}, nil
		}
	}
}

func (d *Dispatcher) logAttempt(a Attempt) {
	e := d.log.Debug()
	if a.Class == push.ClassRetryable {
		e = d.log.Info()
	}
	e.Str("message_id", a.MessageID).
		Int("attempt", a.Number).
		Str("class", a.Class.String()).
		Str("reason", a.Reason).
		Str("token", redact(a.Token)).
		Msg("send attempt")
}

// finish logs, meters and records a terminal outcome.
func (d *Dispatcher) finish(ctx context.Context, ev chat.MessageEvent, out Outcome, start time.Time) {
	metrics.DispatchOutcomes.WithLabelValues(string(out.Status)).Inc()
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	var e *zerolog.Event
	switch {
	case out.Status == StatusSent:
		e = d.log.Info()
	case out.Status == StatusDuplicate:
		e = d.log.Debug()
	case out.Status.Skipped():
		e = d.log.Info()
	case out.Status.Failed() && out.Status != StatusDeadline:
		e = d.log.Error()
	default:
		e = d.log.Warn()
	}
	e.Str("message_id", ev.MessageID).
		Str("room_id", ev.RoomID).
		Str("receiver_id", ev.ReceiverID).
		Str("outcome", string(out.Status)).
		Int("attempts", out.Attempts).
		Str("reason", out.Reason).
		Str("provider_message_id", out.ProviderMessageID).
		Dur("took", time.Since(start)).
		Msg("dispatch finished")

	if d.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := d.recorder.RecordOutcome(rctx, ev, out); err != nil {
		d.log.Warn().Err(err).Str("message_id", ev.MessageID).Msg("record outcome failed")
	}
}

// redact keeps only a short token prefix for logs.
func redact(tok string) string {
	if len(tok) <= 12 {
		return tok
	}
	return tok[:12] + "..."
}
