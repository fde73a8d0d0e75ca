package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/grovetools/agentmon/errors"
	"github.com/grovetools/agentmon/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// maxReconnectAttempts bounds the subscribe retry loop. After this many
	// consecutive failures the transport surfaces a terminal connection
	// error instead of retrying forever.
	maxReconnectAttempts = 5

	// initialBackoff is the first reconnect delay; it doubles per attempt.
	initialBackoff = 500 * time.Millisecond

	connectTimeout = 5 * time.Second
)

// RedisTransport carries events over a redis pub/sub channel. A subscribed
// redis connection cannot publish, so the transport holds two clients: one
// for the subscription, one for outbound publishes. Each broker message is a
// whole JSON document; malformed messages are dropped with a warning.
type RedisTransport struct {
	*dispatcher

	channel string
	sub     *redis.Client
	pub     *redis.Client
	logger  *logrus.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisTransport connects both clients and verifies the broker is
// reachable. An unreachable broker is reported as TRANSPORT_UNAVAILABLE at
// construction time so the daemon can fall back to local-only mode.
func NewRedisTransport(addr, channel string, logger *logrus.Entry) (*RedisTransport, error) {
	sub := redis.NewClient(&redis.Options{Addr: addr})
	pub := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := sub.Ping(ctx).Err(); err != nil {
		_ = sub.Close()
		_ = pub.Close()
		return nil, errors.TransportUnavailable("redis", err).WithDetail("addr", addr)
	}

	return &RedisTransport{
		dispatcher: newDispatcher(logger),
		channel:    channel,
		sub:        sub,
		pub:        pub,
		logger:     logger,
	}, nil
}

// Start subscribes to the configured channel and begins dispatching
// messages. Idempotent if already running.
func (t *RedisTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.receiveLoop(ctx)

	t.logger.WithField("channel", t.channel).Info("Redis transport subscribed")
	return nil
}

// Stop cancels the subscription, aborting any in-progress reconnect
// attempt, and closes both clients. Idempotent.
func (t *RedisTransport) Stop() error {
	t.mu.Lock()
	t.running = false
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.mu.Unlock()

	// cancel is nil when Start never ran, or on a repeated Stop. The receive
	// loop may also have given up on its own; closing the clients is safe
	// either way.
	if cancel != nil {
		cancel()
		<-done
	}
	_ = t.sub.Close()
	_ = t.pub.Close()

	t.logger.Info("Redis transport stopped")
	return nil
}

// OnEvent registers a handler for received events.
func (t *RedisTransport) OnEvent(h Handler) func() {
	return t.add(h)
}

// IsRunning reports whether the subscription loop is active.
func (t *RedisTransport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Publish sends one event to the channel for remote subscribers.
func (t *RedisTransport) Publish(ctx context.Context, event models.MonitorEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event")
	}
	if err := t.pub.Publish(ctx, t.channel, data).Err(); err != nil {
		return errors.TransportUnavailable("redis", err).WithDetail("channel", t.channel)
	}
	return nil
}

// receiveLoop holds the subscription, re-establishing it with bounded
// exponential backoff. After maxReconnectAttempts consecutive failures the
// loop gives up and marks the transport stopped.
func (t *RedisTransport) receiveLoop(ctx context.Context) {
	defer close(t.done)

	attempts := 0
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := t.sub.Subscribe(ctx, t.channel)
		// Receive confirms the subscription before we trust the channel.
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			attempts++
			if attempts >= maxReconnectAttempts {
				t.logger.WithError(err).Error("Redis subscription failed permanently, giving up")
				t.mu.Lock()
				t.running = false
				t.mu.Unlock()
				return
			}
			t.logger.WithError(err).WithField("attempt", attempts).Warn("Redis subscribe failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		attempts = 0
		backoff = initialBackoff

		// The message channel only closes when the pubsub connection itself
		// closes; it does not observe ctx. Cancellation must close the
		// subscription explicitly or Stop would wait on this loop forever.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
			case <-watchDone:
			}
		}()

		for msg := range pubsub.Channel() {
			var event models.MonitorEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				t.logger.WithError(err).Warn("Dropping malformed redis message")
				continue
			}
			t.dispatch(event)
		}
		close(watchDone)
		_ = pubsub.Close()
	}
}

// PublishToRedis is a one-shot publish for producers that only ever emit:
// connect, publish, disconnect. It avoids forcing every hook script to hold
// a long-lived subscription.
func PublishToRedis(ctx context.Context, addr, channel string, event models.MonitorEvent) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event")
	}
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return errors.TransportUnavailable("redis", err).WithDetail("addr", addr)
	}
	return nil
}
