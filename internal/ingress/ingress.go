// Package ingress turns chat change events into dispatch and sweep work. It
// buffers deliveries from the event stream in a bounded queue, drains them
// with a worker pool, and acknowledges each delivery according to how its
// handler finished.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-notify/internal/chat"
	"github.com/whisper/chat-notify/internal/dispatch"
	"github.com/whisper/chat-notify/internal/messaging"
	"github.com/whisper/chat-notify/internal/metrics"
)

// Delivery is one event from the stream. jetstream.Msg satisfies it.
type Delivery interface {
	Subject() string
	Data() []byte
	Ack() error
	InProgress() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Dispatcher delivers a notification for a created message.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev chat.MessageEvent) (dispatch.Outcome, error)
}

// Sweeper clears stale typing entries of a room.
type Sweeper interface {
	Sweep(ctx context.Context, roomID string) (int, error)
}

// TypingWriter records typing indicators.
type TypingWriter interface {
	SetTyping(ctx context.Context, roomID, userID string, isTyping bool, at time.Time) error
}

// Config sizes the worker pool.
type Config struct {
	Workers   int           `yaml:"workers" env:"WORKERS"`
	QueueSize int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	NakDelay  time.Duration `yaml:"nak_delay" env:"NAK_DELAY"` // redelivery delay after a transient failure
}

// DefaultConfig returns the default pool sizing.
func DefaultConfig() Config {
	return Config{
		Workers:   8,
		QueueSize: 256,
		NakDelay:  5 * time.Second,
	}
}

// Subjects lists the subjects the ingress handles.
func Subjects() []string {
	return []string{
		messaging.SubjectMessageCreated,
		messaging.SubjectRoomUpdated,
		messaging.SubjectRoomTyping,
	}
}

// errMalformed marks payloads that can never be handled.
var errMalformed = errors.New("ingress: malformed event")

type handlerFunc func(ctx context.Context, data []byte) error

// Ingress routes deliveries to their handler by subject.
type Ingress struct {
	cfg      Config
	handlers map[string]handlerFunc
	queue    chan Delivery
	log      zerolog.Logger
	now      func() time.Time

	dispatcher Dispatcher
	sweeper    Sweeper
	typing     TypingWriter
}

// New creates an ingress. typing may be nil, in which case typing events
// only trigger a sweep.
func New(cfg Config, d Dispatcher, s Sweeper, typing TypingWriter, log zerolog.Logger) *Ingress {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	in := &Ingress{
		cfg:        cfg,
		queue:      make(chan Delivery, cfg.QueueSize),
		log:        log.With().Str("comp", "ingress").Logger(),
		now:        time.Now,
		dispatcher: d,
		sweeper:    s,
		typing:     typing,
	}
	in.handlers = map[string]handlerFunc{
		messaging.SubjectMessageCreated: in.handleMessageCreated,
		messaging.SubjectRoomUpdated:    in.handleRoomUpdated,
		messaging.SubjectRoomTyping:     in.handleRoomTyping,
	}
	return in
}

// Enqueue hands a delivery to the worker pool. It blocks while the queue is
// full. If ctx ends first the delivery is handed back to the stream.
func (in *Ingress) Enqueue(ctx context.Context, msg Delivery) {
	select {
	case in.queue <- msg:
		metrics.IngressQueueDepth.Inc()
	case <-ctx.Done():
		in.settle(msg, "nak", msg.NakWithDelay(in.cfg.NakDelay))
	}
}

// Run starts the workers and blocks until ctx is done and every in-flight
// event has been settled. Events still queued at shutdown are returned to
// the stream for redelivery.
func (in *Ingress) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < in.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			in.worker(ctx, id)
		}(i)
	}
	in.log.Info().Int("workers", in.cfg.Workers).Int("queue", in.cfg.QueueSize).Msg("ingress started")

	<-ctx.Done()
	wg.Wait()

	for {
		select {
		case msg := <-in.queue:
			metrics.IngressQueueDepth.Dec()
			in.settle(msg, "nak", msg.NakWithDelay(in.cfg.NakDelay))
		default:
			in.log.Info().Msg("ingress stopped")
			return nil
		}
	}
}

func (in *Ingress) worker(ctx context.Context, id int) {
	// In-flight work finishes under its own deadlines after shutdown starts.
	workCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in.queue:
			metrics.IngressQueueDepth.Dec()
			// Restart the ack timer; the delivery may have waited in the queue.
			if err := msg.InProgress(); err != nil {
				in.log.Debug().Err(err).Str("subject", msg.Subject()).Msg("in-progress signal failed")
			}
			in.Handle(workCtx, msg)
		}
	}
}

// Handle decodes and processes one delivery, then settles it: Ack on
// success, Term when the payload can never be handled, and Nak with delay
// on a transient failure or while the same message is dispatched elsewhere.
func (in *Ingress) Handle(ctx context.Context, msg Delivery) {
	subject := msg.Subject()
	h, ok := in.handlers[subject]
	if !ok {
		in.log.Warn().Str("subject", subject).Msg("unsupported subject")
		in.settle(msg, "term", msg.Term())
		return
	}

	err := h(ctx, msg.Data())
	switch {
	case err == nil:
		in.settle(msg, "ack", msg.Ack())
	case errors.Is(err, errMalformed):
		in.log.Warn().Err(err).Str("subject", subject).Msg("dropping malformed event")
		in.settle(msg, "term", msg.Term())
	case errors.Is(err, dispatch.ErrInFlight):
		in.log.Info().Err(err).Str("subject", subject).Dur("retry_in", in.cfg.NakDelay).Msg("event in flight on another worker, redelivering")
		in.settle(msg, "nak", msg.NakWithDelay(in.cfg.NakDelay))
	default:
		in.log.Error().Err(err).Str("subject", subject).Dur("retry_in", in.cfg.NakDelay).Msg("event failed, redelivering")
		in.settle(msg, "nak", msg.NakWithDelay(in.cfg.NakDelay))
	}
}

func (in *Ingress) settle(msg Delivery, result string, err error) {
	metrics.IngressEvents.WithLabelValues(msg.Subject(), result).Inc()
	if err != nil {
		in.log.Warn().Err(err).Str("subject", msg.Subject()).Str("result", result).Msg("settle failed")
	}
}

func (in *Ingress) handleMessageCreated(ctx context.Context, data []byte) error {
	var ev chat.MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return errors.Join(errMalformed, err)
	}
	// Invalid events come back as a Rejected outcome and are acknowledged.
	_, err := in.dispatcher.Dispatch(ctx, ev)
	return err
}

func (in *Ingress) handleRoomUpdated(ctx context.Context, data []byte) error {
	var ev chat.RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return errors.Join(errMalformed, err)
	}
	if err := ev.Validate(); err != nil {
		return errors.Join(errMalformed, err)
	}
	return in.sweep(ctx, ev.RoomID)
}

func (in *Ingress) handleRoomTyping(ctx context.Context, data []byte) error {
	var ev chat.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return errors.Join(errMalformed, err)
	}
	if err := ev.Validate(); err != nil {
		return errors.Join(errMalformed, err)
	}
	if in.typing != nil {
		if err := in.typing.SetTyping(ctx, ev.RoomID, ev.UserID, ev.IsTyping, ev.At(in.now())); err != nil {
			return err
		}
	}
	return in.sweep(ctx, ev.RoomID)
}

func (in *Ingress) sweep(ctx context.Context, roomID string) error {
	metrics.Sweeps.WithLabelValues("event").Inc()
	_, err := in.sweeper.Sweep(ctx, roomID)
	return err
}
