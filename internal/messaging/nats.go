// Package messaging provides a NATS JetStream client wrapper for the chat
// event stream. It handles connection lifecycle, stream and durable consumer
// provisioning, and publishing with server-side deduplication.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATS subjects carried by the chat event stream.
const (
	SubjectMessageCreated = "chat.message.created"
	SubjectRoomUpdated    = "chat.room.updated"
	SubjectRoomTyping     = "chat.room.typing"
	SubjectAll            = "chat.>"
)

// NATSClient wraps the NATS connection and its JetStream context.
type NATSClient struct {
	conn *nats.Conn
	js   jetstream.JetStream
	log  zerolog.Logger

	mu       sync.Mutex
	consumes map[string]jetstream.ConsumeContext
}

// NATSConfig holds NATS connection and stream settings.
type NATSConfig struct {
	URL           string        `yaml:"url" env:"URL"`                       // nats://localhost:4222
	Name          string        `yaml:"name" env:"NAME"`                     // client name for identification
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT"` // time between reconnect attempts
	MaxReconnects int           `yaml:"max_reconnects" env:"MAX_RECONNECTS"` // max reconnect attempts (-1 for infinite)

	Stream     string        `yaml:"stream" env:"STREAM"`
	Durable    string        `yaml:"durable" env:"DURABLE"`
	MaxAge     time.Duration `yaml:"max_age" env:"MAX_AGE"`         // stream retention
	AckWait    time.Duration `yaml:"ack_wait" env:"ACK_WAIT"`       // must exceed the dispatch budget
	MaxDeliver int           `yaml:"max_deliver" env:"MAX_DELIVER"` // redeliveries before the server gives up
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-notify",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
		Stream:        "CHAT_EVENTS",
		Durable:       "notifyd",
		MaxAge:        24 * time.Hour,
		AckWait:       time.Minute,
		MaxDeliver:    10,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	log := logger.With().Str("comp", "nats").Logger()
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected")
			} else {
				log.Warn().Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn:     nc,
		js:       js,
		log:      log,
		consumes: make(map[string]jetstream.ConsumeContext),
	}, nil
}

// EnsureStream creates or updates the chat event stream.
func (c *NATSClient) EnsureStream(ctx context.Context, config NATSConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       config.Stream,
		Subjects:   []string{SubjectAll},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     config.MaxAge,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("nats stream %s: %w", config.Stream, err)
	}
	return stream, nil
}

// Consume attaches a durable explicit-ack consumer on the chat event stream
// and delivers every message to handler. The handler owns acknowledgement.
func (c *NATSClient) Consume(ctx context.Context, config NATSConfig, subjects []string, handler func(msg jetstream.Msg)) error {
	stream, err := c.EnsureStream(ctx, config)
	if err != nil {
		return err
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        config.Durable,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        config.AckWait,
		MaxDeliver:     config.MaxDeliver,
		FilterSubjects: subjects,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("nats consumer %s: %w", config.Durable, err)
	}

	cc, err := cons.Consume(handler, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		c.log.Warn().Err(err).Str("durable", config.Durable).Msg("consume error")
	}))
	if err != nil {
		return fmt.Errorf("nats consume %s: %w", config.Durable, err)
	}

	c.mu.Lock()
	if old, ok := c.consumes[config.Durable]; ok {
		old.Stop()
	}
	c.consumes[config.Durable] = cc
	c.mu.Unlock()

	c.log.Info().Str("stream", config.Stream).Str("durable", config.Durable).Strs("subjects", subjects).Msg("consumer attached")
	return nil
}

// Publish sends data to subject on the stream. A non-empty msgID lets the
// server drop duplicates published within the stream's dedupe window.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := c.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the underlying connection is up.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains all active consumers and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for durable, cc := range c.consumes {
		cc.Drain()
		select {
		case <-cc.Closed():
		case <-time.After(5 * time.Second):
			c.log.Warn().Str("durable", durable).Msg("consumer drain timed out")
		}
	}
	c.consumes = make(map[string]jetstream.ConsumeContext)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
	}

	c.log.Info().Msg("client closed")
}
