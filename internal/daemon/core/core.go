// Package core is the daemon's composition root. It wires the transport's
// inbound events into the event log store and the wrapper supervisor's
// state-update path, and fans live events out to subscribers (the HTTP/WS
// layer and other collaborators outside this module).
package core

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/agentmon/errors"
	"github.com/grovetools/agentmon/internal/daemon/logstore"
	"github.com/grovetools/agentmon/internal/daemon/transport"
	"github.com/grovetools/agentmon/internal/daemon/wrapper"
	"github.com/grovetools/agentmon/pkg/models"
	"github.com/sirupsen/logrus"
)

// persistQueueSize bounds the per-session persistence queue. A session whose
// disk writes cannot keep up loses events (logged) rather than delaying
// delivery for other sessions.
const persistQueueSize = 256

// Config is the daemon's operating configuration. Loading it is the cmd
// layer's job; the core only consumes and reports it.
type Config struct {
	TransportKind  string // "socket" or "redis"
	SocketPath     string
	RedisAddr      string
	RedisChannel   string
	BaseDir        string
	PersistEvents  bool
	WrapperCommand string
}

// RunningConfig is the introspectable view of the active configuration,
// exposed for status reporting.
type RunningConfig struct {
	Transport     string    `json:"transport"`
	SocketPath    string    `json:"socket_path,omitempty"`
	RedisChannel  string    `json:"redis_channel,omitempty"`
	PersistEvents bool      `json:"persist_events"`
	BaseDir       string    `json:"base_dir"`
	StartedAt     time.Time `json:"started_at"`
}

// Core owns the daemon's moving parts and their wiring.
type Core struct {
	cfg        Config
	tr         transport.Transport
	store      *logstore.Store
	supervisor *wrapper.Supervisor
	logger     *logrus.Entry

	mu          sync.Mutex
	subscribers map[chan models.MonitorEvent]struct{}
	queues      map[string]chan models.MonitorEvent
	queueWG     sync.WaitGroup
	started     bool
	startedAt   time.Time
	offInbound  func()
	watcher     *ConfigWatcher
	watcherStop context.CancelFunc
}

// New assembles a Core around an already-constructed transport. The
// supervisor is created here so its output events flow back through the
// core's ingest path.
func New(cfg Config, tr transport.Transport, store *logstore.Store, logger *logrus.Entry) *Core {
	c := &Core{
		cfg:         cfg,
		tr:          tr,
		store:       store,
		logger:      logger,
		subscribers: make(map[chan models.MonitorEvent]struct{}),
		queues:      make(map[string]chan models.MonitorEvent),
	}
	c.supervisor = wrapper.NewSupervisor(wrapper.Options{
		Command:      cfg.WrapperCommand,
		SnapshotPath: filepath.Join(cfg.BaseDir, "wrappers.json"),
		OnEvent:      c.ingestLocal,
		Logger:       logger,
	})
	return c
}

// Supervisor exposes wrapper session operations (spawn/list/kill/resize/
// write-input) to external collaborators.
func (c *Core) Supervisor() *wrapper.Supervisor {
	return c.supervisor
}

// Store exposes session/event query, delete, and prune operations.
func (c *Core) Store() *logstore.Store {
	return c.store
}

// Transport exposes the active transport for status checks and publishing.
func (c *Core) Transport() transport.Transport {
	return c.tr
}

// RunningConfig returns the active configuration for a status report.
func (c *Core) RunningConfig() RunningConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RunningConfig{
		Transport:     c.cfg.TransportKind,
		SocketPath:    c.cfg.SocketPath,
		RedisChannel:  c.cfg.RedisChannel,
		PersistEvents: c.cfg.PersistEvents,
		BaseDir:       c.cfg.BaseDir,
		StartedAt:     c.startedAt,
	}
}

// Start initializes storage, recovers the wrapper snapshot, and begins
// accepting transport events. A transport bind failure is fatal; everything
// else degrades per component.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.startedAt = time.Now()
	c.mu.Unlock()

	if err := c.store.Init(); err != nil {
		return err
	}

	orphans, err := c.supervisor.Recover(wrapper.RecoveryOptions{
		ProcessedDir: filepath.Join(c.cfg.BaseDir, "processed"),
	})
	if err != nil {
		c.logger.WithError(err).Error("Wrapper snapshot recovery failed")
	}
	for _, orphan := range orphans {
		c.logger.WithFields(logrus.Fields{"id": orphan.ID, "pid": orphan.PID}).
			Warn("Orphaned wrapper reported for external cleanup")
	}

	c.offInbound = c.tr.OnEvent(c.ingestInbound)
	if err := c.tr.Start(); err != nil {
		return err
	}

	// The config watcher is advisory: a failure to watch never blocks the
	// daemon.
	if watcher, err := NewConfigWatcher(0, c.broadcastConfigReload); err == nil {
		c.watcher = watcher
		watchCtx, cancel := context.WithCancel(ctx)
		c.watcherStop = cancel
		go watcher.Start(watchCtx)
	} else {
		c.logger.WithError(err).Warn("Config watcher unavailable")
	}

	c.logger.WithField("transport", c.cfg.TransportKind).Info("Daemon core started")
	return nil
}

// Stop tears the daemon down: transport first so no new events arrive, then
// the supervisor (final snapshot flush), then the persistence queues and
// store.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	off := c.offInbound
	watcherStop := c.watcherStop
	c.mu.Unlock()

	if off != nil {
		off()
	}
	if err := c.tr.Stop(); err != nil {
		c.logger.WithError(err).Warn("Transport stop failed")
	}
	if watcherStop != nil {
		watcherStop()
	}
	if c.watcher != nil {
		_ = c.watcher.Close()
	}

	c.supervisor.Shutdown()

	c.mu.Lock()
	for _, q := range c.queues {
		close(q)
	}
	c.queues = make(map[string]chan models.MonitorEvent)
	subs := c.subscribers
	c.subscribers = make(map[chan models.MonitorEvent]struct{})
	c.mu.Unlock()

	c.queueWG.Wait()
	for ch := range subs {
		close(ch)
	}
	if err := c.store.Close(); err != nil {
		c.logger.WithError(err).Warn("Store close failed")
	}
	c.logger.Info("Daemon core stopped")
}

// Subscribe registers a live event feed. The channel is buffered; slow
// consumers miss events rather than stalling the daemon.
func (c *Core) Subscribe() chan models.MonitorEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan models.MonitorEvent, 100)
	c.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (c *Core) Unsubscribe(ch chan models.MonitorEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[ch]; ok {
		delete(c.subscribers, ch)
		close(ch)
	}
}

// ingestInbound handles one event arriving over the transport: route status
// reports to the supervisor, persist, and fan out.
func (c *Core) ingestInbound(event models.MonitorEvent) {
	c.routeToSupervisor(event)
	c.ingest(event)
}

// ingestLocal handles events originating from the wrapper supervisor. They
// skip supervisor routing, since the supervisor already knows.
func (c *Core) ingestLocal(event models.MonitorEvent) {
	c.ingest(event)
}

func (c *Core) ingest(event models.MonitorEvent) {
	c.broadcast(event)
	if c.cfg.PersistEvents {
		c.enqueuePersist(event)
	}
}

// routeToSupervisor applies externally reported lifecycle to live wrappers.
// An explicit hook report always wins over heuristic classification.
func (c *Core) routeToSupervisor(event models.MonitorEvent) {
	if event.Kind != models.EventKindStatus && event.Kind != models.EventKindSessionStart {
		return
	}
	var status models.StatusPayload
	if err := json.Unmarshal(event.Payload, &status); err != nil || status.State == "" {
		return
	}
	// Unknown ids are routine: the event may belong to a session the
	// supervisor never owned (e.g. a hook-only session).
	c.supervisor.UpdateState(event.SessionID, models.WrapperState(status.State), status.AgentSessionID)
}

// broadcast fans an event out to all subscribers without blocking.
func (c *Core) broadcast(event models.MonitorEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- event:
		default:
			// Non-blocking send so slow clients cannot stall the daemon.
		}
	}
}

// enqueuePersist hands an event to its session's persistence worker,
// creating the worker on first use. Per-session queues keep same-session
// appends ordered while letting sessions persist independently: a slow disk
// write for one session never delays another's events.
func (c *Core) enqueuePersist(event models.MonitorEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	q, ok := c.queues[event.SessionID]
	if !ok {
		q = make(chan models.MonitorEvent, persistQueueSize)
		c.queues[event.SessionID] = q
		c.queueWG.Add(1)
		go c.persistWorker(q)
	}

	// The send stays under the lock so Stop cannot close the queue between
	// the started check and here. It cannot block: the queue is buffered
	// and overflow is dropped.
	select {
	case q <- event:
	default:
		c.logger.WithField("session", event.SessionID).Warn("Persistence queue full, dropping event")
	}
}

func (c *Core) persistWorker(q chan models.MonitorEvent) {
	defer c.queueWG.Done()
	for event := range q {
		if err := c.store.SaveEvent(event); err != nil {
			c.logger.WithError(err).WithField("session", event.SessionID).Error("Failed to persist event")
		}
		c.maintainSessionMeta(event)
	}
}

// maintainSessionMeta keeps the durable session record in step with
// lifecycle events.
func (c *Core) maintainSessionMeta(event models.MonitorEvent) {
	switch event.Kind {
	case models.EventKindSessionStart:
		meta := models.SessionMeta{
			ID:        event.SessionID,
			Status:    models.SessionStatusActive,
			StartedAt: event.Timestamp,
		}
		if err := c.store.SaveSession(meta); err != nil {
			c.logger.WithError(err).WithField("session", event.SessionID).Warn("Failed to save session metadata")
		}
	case models.EventKindSessionEnd:
		status := models.SessionStatusEnded
		endedAt := event.Timestamp
		_, err := c.store.UpdateSession(event.SessionID, models.SessionMetaUpdate{
			Status:  &status,
			EndedAt: &endedAt,
		})
		if errors.Is(err, errors.ErrCodeNotFound) {
			// End without a recorded start: create the record so the
			// session still shows up in historical queries.
			err = c.store.SaveSession(models.SessionMeta{
				ID:        event.SessionID,
				Status:    models.SessionStatusEnded,
				StartedAt: event.Timestamp,
				EndedAt:   event.Timestamp,
			})
		}
		if err != nil {
			c.logger.WithError(err).WithField("session", event.SessionID).Warn("Failed to update session metadata")
		}
	}
}

// broadcastConfigReload notifies subscribers that the daemon's config file
// changed on disk.
func (c *Core) broadcastConfigReload(file string) {
	payload, _ := json.Marshal(map[string]string{"file": file})
	c.broadcast(models.MonitorEvent{
		ID:        uuid.NewString(),
		Kind:      models.EventKindConfigReload,
		Timestamp: models.NowMillis(),
		Payload:   payload,
	})
}
