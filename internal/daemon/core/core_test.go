package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/agentmon/internal/daemon/logstore"
	"github.com/grovetools/agentmon/internal/daemon/transport"
	"github.com/grovetools/agentmon/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	return logger.WithField("component", "test")
}

func startTestCore(t *testing.T) (*Core, string) {
	t.Helper()
	t.Setenv("AGENTMON_HOME", t.TempDir())

	baseDir := t.TempDir()
	socketPath := filepath.Join(t.TempDir(), "c.sock")

	cfg := Config{
		TransportKind:  "socket",
		SocketPath:     socketPath,
		BaseDir:        baseDir,
		PersistEvents:  true,
		WrapperCommand: "cat",
	}
	logger := testLogger()
	tr := transport.NewSocketTransport(socketPath, logger)
	store := logstore.New(baseDir, logger)
	c := New(cfg, tr, store, logger)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, socketPath
}

func inboundEvent(id, session, kind string, payload any) models.MonitorEvent {
	data, _ := json.Marshal(payload)
	return models.MonitorEvent{
		ID:        id,
		SessionID: session,
		Kind:      kind,
		Timestamp: models.NowMillis(),
		Payload:   data,
	}
}

func TestInboundEventIsBroadcastAndPersisted(t *testing.T) {
	c, socketPath := startTestCore(t)

	sub := c.Subscribe()
	defer c.Unsubscribe(sub)

	event := inboundEvent("e1", "hook-session", models.EventKindToolUse, map[string]string{"tool": "grep"})
	require.NoError(t, transport.SendEventToSocket(socketPath, event, time.Second))

	select {
	case got := <-sub:
		assert.Equal(t, "e1", got.ID)
		assert.Equal(t, models.EventKindToolUse, got.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber never received the event")
	}

	// Persistence runs on a worker goroutine; poll the store.
	require.Eventually(t, func() bool {
		events, err := c.Store().GetEvents("hook-session", logstore.Query{})
		return err == nil && len(events) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSessionLifecycleMaintainsMetadata(t *testing.T) {
	c, socketPath := startTestCore(t)

	start := inboundEvent("e1", "s1", models.EventKindSessionStart,
		models.StatusPayload{State: string(models.WrapperStarting)})
	require.NoError(t, transport.SendEventToSocket(socketPath, start, time.Second))

	require.Eventually(t, func() bool {
		meta, err := c.Store().GetSession("s1")
		return err == nil && meta.Status == models.SessionStatusActive
	}, 3*time.Second, 10*time.Millisecond)

	end := inboundEvent("e2", "s1", models.EventKindSessionEnd,
		models.StatusPayload{State: string(models.WrapperEnded)})
	require.NoError(t, transport.SendEventToSocket(socketPath, end, time.Second))

	require.Eventually(t, func() bool {
		meta, err := c.Store().GetSession("s1")
		return err == nil && meta.Status == models.SessionStatusEnded && meta.EndedAt != 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSessionEndWithoutStartCreatesRecord(t *testing.T) {
	c, socketPath := startTestCore(t)

	end := inboundEvent("e1", "orphan", models.EventKindSessionEnd,
		models.StatusPayload{State: string(models.WrapperEnded)})
	require.NoError(t, transport.SendEventToSocket(socketPath, end, time.Second))

	require.Eventually(t, func() bool {
		meta, err := c.Store().GetSession("orphan")
		return err == nil && meta.Status == models.SessionStatusEnded
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStatusEventRoutesToSupervisor(t *testing.T) {
	c, socketPath := startTestCore(t)

	id, err := c.Supervisor().Spawn(t.TempDir(), nil, 80, 24)
	require.NoError(t, err)

	report := inboundEvent("e1", id, models.EventKindStatus,
		models.StatusPayload{State: string(models.WrapperWaitingInput), AgentSessionID: "agent-1"})
	require.NoError(t, transport.SendEventToSocket(socketPath, report, time.Second))

	require.Eventually(t, func() bool {
		w, ok := c.Supervisor().Get(id)
		return ok && w.State == models.WrapperWaitingInput && w.AgentSessionID == "agent-1"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	c, socketPath := startTestCore(t)

	// Never read from this subscription; its buffer fills and overflow is
	// dropped without stalling ingest.
	sub := c.Subscribe()
	defer c.Unsubscribe(sub)

	for i := 0; i < 150; i++ {
		e := inboundEvent(fmt.Sprintf("flood-%d", i), "flood", models.EventKindNotification, map[string]int{"i": i})
		require.NoError(t, transport.SendEventToSocket(socketPath, e, time.Second))
	}

	// Ingest stays live: a fresh subscriber still receives events.
	fresh := c.Subscribe()
	defer c.Unsubscribe(fresh)
	probe := inboundEvent("probe", "flood", models.EventKindNotification, nil)
	require.NoError(t, transport.SendEventToSocket(socketPath, probe, time.Second))

	require.Eventually(t, func() bool {
		select {
		case got := <-fresh:
			return got.ID == "probe"
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPersistenceDisabled(t *testing.T) {
	t.Setenv("AGENTMON_HOME", t.TempDir())

	baseDir := t.TempDir()
	socketPath := filepath.Join(t.TempDir(), "c.sock")
	logger := testLogger()
	tr := transport.NewSocketTransport(socketPath, logger)
	store := logstore.New(baseDir, logger)
	c := New(Config{
		TransportKind:  "socket",
		SocketPath:     socketPath,
		BaseDir:        baseDir,
		PersistEvents:  false,
		WrapperCommand: "cat",
	}, tr, store, logger)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	sub := c.Subscribe()
	defer c.Unsubscribe(sub)

	event := inboundEvent("e1", "s1", models.EventKindNotification, nil)
	require.NoError(t, transport.SendEventToSocket(socketPath, event, time.Second))

	// Broadcast still works.
	select {
	case got := <-sub:
		assert.Equal(t, "e1", got.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber never received the event")
	}

	// Nothing reaches disk.
	time.Sleep(200 * time.Millisecond)
	events, err := c.Store().GetEvents("s1", logstore.Query{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRunningConfig(t *testing.T) {
	c, socketPath := startTestCore(t)

	rc := c.RunningConfig()
	assert.Equal(t, "socket", rc.Transport)
	assert.Equal(t, socketPath, rc.SocketPath)
	assert.True(t, rc.PersistEvents)
	assert.False(t, rc.StartedAt.IsZero())
}

func TestStopDrainsActivePersistQueues(t *testing.T) {
	c, socketPath := startTestCore(t)

	for i := 0; i < 50; i++ {
		e := inboundEvent(fmt.Sprintf("e%d", i), "drain", models.EventKindNotification, nil)
		require.NoError(t, transport.SendEventToSocket(socketPath, e, time.Second))
	}

	// Make sure the persist worker is live before stopping.
	require.Eventually(t, func() bool {
		n, err := c.Store().GetEventCount("drain")
		return err == nil && n > 0
	}, 3*time.Second, 10*time.Millisecond)

	// Stop closes the queues and waits for the workers; everything already
	// enqueued reaches disk, and nothing panics on the way down.
	c.Stop()

	before, err := c.Store().GetEventCount("drain")
	require.NoError(t, err)
	assert.Greater(t, before, 0)

	// Post-stop ingest is a no-op, not a crash.
	c.Stop()
	after, err := c.Store().GetEventCount("drain")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStopIsIdempotent(t *testing.T) {
	c, _ := startTestCore(t)
	c.Stop()
	c.Stop()
}
