package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/agentmon/internal/daemon/transport"
	"github.com/grovetools/agentmon/pkg/models"
	"github.com/grovetools/agentmon/pkg/paths"
	"github.com/spf13/cobra"
)

// NewEmitCmd returns the one-shot event publisher used by hook scripts.
// It connects, publishes a single event, and disconnects without subscribing.
func NewEmitCmd() *cobra.Command {
	var (
		sessionID    string
		kind         string
		payload      string
		redisAddr    string
		redisChannel string
		socketPath   string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Publish a single monitor event",
		Long:  "Send one event to the daemon over the local socket, or to a redis channel with --redis-addr.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" && !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload must be valid JSON")
			}

			event := models.MonitorEvent{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				Kind:      kind,
				Timestamp: models.NowMillis(),
			}
			if payload != "" {
				event.Payload = json.RawMessage(payload)
			}

			if cmd.Flags().Changed("redis-addr") {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				return transport.PublishToRedis(ctx, redisAddr, redisChannel, event)
			}

			if socketPath == "" {
				socketPath = paths.SocketPath()
			}
			return transport.SendEventToSocket(socketPath, event, timeout)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id the event belongs to")
	cmd.Flags().StringVar(&kind, "kind", models.EventKindNotification, "Event kind")
	cmd.Flags().StringVar(&payload, "payload", "", "Event payload as a JSON document")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Publish to this redis broker instead of the local socket")
	cmd.Flags().StringVar(&redisChannel, "redis-channel", "agentmon:events", "Redis pub/sub channel")
	cmd.Flags().StringVar(&socketPath, "socket", "", "Daemon socket path (defaults to the agentmon runtime dir)")
	cmd.Flags().DurationVar(&timeout, "timeout", transport.DefaultSendTimeout, "Connection timeout")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}
