package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whisper/chat-notify/internal/chat"
	"github.com/whisper/chat-notify/internal/messaging"
)

func newPublishTestCommand(opts *rootOptions) *cobra.Command {
	ev := chat.MessageEvent{}

	cmd := &cobra.Command{
		Use:     "publish-test",
		Short:   "Publish a sample message-created event to the stream",
		Example: `  notifyd publish-test --receiver bob --sender alice --body "hello"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			if ev.MessageID == "" {
				ev.MessageID = uuid.NewString()
			}
			ev.CreatedAt = time.Now().UTC()
			if err := ev.Validate(); err != nil {
				return err
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}

			nc, err := messaging.NewNATSClient(cfg.NATS, log)
			if err != nil {
				return err
			}
			defer nc.Close()

			if _, err := nc.EnsureStream(cmd.Context(), cfg.NATS); err != nil {
				return err
			}
			if err := nc.Publish(cmd.Context(), messaging.SubjectMessageCreated, data, ev.MessageID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published message %s to %s\n", ev.MessageID, messaging.SubjectMessageCreated)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&ev.RoomID, "room", "test-room", "Room id")
	f.StringVar(&ev.MessageID, "message-id", "", "Message id (default: random UUID)")
	f.StringVar(&ev.SenderID, "sender", "test-sender", "Sender user id")
	f.StringVar(&ev.SenderDisplay, "sender-display", "", "Sender display name")
	f.StringVar(&ev.ReceiverID, "receiver", "", "Receiver user id")
	f.StringVar(&ev.Body, "body", "This is a test notification", "Message body")
	return cmd
}
