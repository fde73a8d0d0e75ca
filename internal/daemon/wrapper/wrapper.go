// Package wrapper supervises interactive agent sessions running inside
// pseudo-terminals. Sessions stay alive independent of the client that
// requested them; the supervisor streams their output as monitor events and
// persists a recoverable snapshot of the live set on every change.
package wrapper

import (
	"encoding/json"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/grovetools/agentmon/errors"
	"github.com/grovetools/agentmon/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	// recentBufferSize bounds the per-session output buffer the classifier
	// inspects.
	recentBufferSize = 4096

	// idleCheckInterval is how often idle sessions are re-classified.
	idleCheckInterval = 200 * time.Millisecond

	// shutdownGrace is how long Shutdown waits after SIGTERM before SIGKILL.
	shutdownGrace = 2 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	// Command is the target program each session runs (e.g. the agent CLI).
	Command string
	// SnapshotPath is the wrappers.json location.
	SnapshotPath string
	// OnEvent, when set, receives a MonitorEvent for each output chunk and
	// lifecycle transition. Called from supervisor goroutines; must not block.
	OnEvent func(models.MonitorEvent)

	Logger *logrus.Entry
}

// session is the supervisor-private live record. The exported Wrapper view
// is copied out of it under the supervisor mutex.
type session struct {
	wrapper models.Wrapper
	cmd     *exec.Cmd
	ptmx    *os.File

	recent     []byte
	lastOutput time.Time
}

// Supervisor owns the map of live PTY sessions. All mutation goes through
// its public operations; the map is never exposed directly.
type Supervisor struct {
	opts   Options
	logger *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	stopIdle chan struct{}
	idleOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor creates a Supervisor. Call Recover before the first Spawn to
// clean up entries from a previous daemon run.
func NewSupervisor(opts Options) *Supervisor {
	return &Supervisor{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*session),
		stopIdle: make(chan struct{}),
	}
}

// Spawn launches a new PTY-backed session running the configured command
// with args in cwd, sized cols×rows. It returns the new session id, or
// SPAWN_FAILURE without registering anything when the executable cannot be
// located or the OS refuses a pty.
func (s *Supervisor) Spawn(cwd string, args []string, cols, rows uint16) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New(errors.ErrCodeInvalidInput, "supervisor is shut down")
	}
	s.mu.Unlock()

	cmd := exec.Command(s.opts.Command, args...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return "", errors.SpawnFailed(s.opts.Command, err)
	}

	id := uuid.NewString()
	sess := &session{
		wrapper: models.Wrapper{
			ID:         id,
			PID:        cmd.Process.Pid,
			State:      models.WrapperStarting,
			WorkingDir: cwd,
			Args:       args,
			StartedAt:  time.Now(),
			Cols:       cols,
			Rows:       rows,
		},
		cmd:        cmd,
		ptmx:       ptmx,
		lastOutput: time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		// Shutdown won the race between the pty launch and registration.
		// Registering now would leak the child past daemon stop, so undo
		// the launch instead.
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = ptmx.Close()
		_ = cmd.Wait()
		return "", errors.New(errors.ErrCodeInvalidInput, "supervisor is shut down")
	}
	s.sessions[id] = sess
	// Add while still holding the registration lock: Shutdown observes the
	// session and the WaitGroup count together or not at all.
	s.wg.Add(2)
	s.persistLocked()
	s.mu.Unlock()

	s.startIdleMonitor()

	go s.readLoop(sess)
	go s.waitForExit(sess)

	s.logger.WithFields(logrus.Fields{"id": id, "pid": sess.wrapper.PID, "cwd": cwd}).Info("Spawned wrapper session")
	s.emitLifecycle(id, models.EventKindSessionStart, string(models.WrapperStarting))
	return id, nil
}

// WriteInput forwards bytes to a session's pty input stream. Returns false
// when the id is unknown or the session has ended; session disappearance is
// an expected race, not an error.
func (s *Supervisor) WriteInput(id string, data []byte) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.wrapper.State == models.WrapperEnded {
		s.mu.Unlock()
		return false
	}
	ptmx := sess.ptmx
	s.mu.Unlock()

	if _, err := ptmx.Write(data); err != nil {
		s.logger.WithError(err).WithField("id", id).Warn("Failed to write to pty")
		return false
	}
	return true
}

// Resize updates a session's pty dimensions and stored geometry. Returns
// false when the id is unknown or the session has ended.
func (s *Supervisor) Resize(id string, cols, rows uint16) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.wrapper.State == models.WrapperEnded {
		s.mu.Unlock()
		return false
	}
	ptmx := sess.ptmx
	s.mu.Unlock()

	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		s.logger.WithError(err).WithField("id", id).Warn("Failed to resize pty")
		return false
	}

	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		sess.wrapper.Cols = cols
		sess.wrapper.Rows = rows
		s.persistLocked()
	}
	s.mu.Unlock()
	return true
}

// Kill sends SIGTERM to a session's process. The session transitions to
// ended once the process actually exits, not synchronously. Returns false
// when the id is unknown.
func (s *Supervisor) Kill(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return false
	}

	if err := sess.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.WithError(err).WithField("id", id).Warn("Failed to signal process")
		return false
	}
	return true
}

// Get returns a read-only copy of one live session.
func (s *Supervisor) Get(id string) (models.Wrapper, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.Wrapper{}, false
	}
	return cloneWrapper(sess.wrapper), true
}

// GetAll returns read-only copies of every live session.
func (s *Supervisor) GetAll() []models.Wrapper {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]models.Wrapper, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, cloneWrapper(sess.wrapper))
	}
	return result
}

// UpdateState applies an externally reported state, e.g. a hook script
// announcing its own lifecycle from inside the session. The explicit report
// always wins over heuristic classification for this call. A non-empty
// agentSessionID records the correlation id the first time the supervised
// program self-identifies.
func (s *Supervisor) UpdateState(id string, state models.WrapperState, agentSessionID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if agentSessionID != "" && sess.wrapper.AgentSessionID == "" {
		sess.wrapper.AgentSessionID = agentSessionID
	}
	changed := sess.wrapper.State != state
	sess.wrapper.State = state
	s.persistLocked()
	s.mu.Unlock()

	if changed {
		s.emitLifecycle(id, models.EventKindStatus, string(state))
	}
	return true
}

// Shutdown terminates every live session and performs a final persistence
// flush. Used at daemon stop.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	procs := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		procs = append(procs, sess)
	}
	s.mu.Unlock()

	s.idleOnce.Do(func() {}) // prevent a late idle monitor start
	close(s.stopIdle)

	for _, sess := range procs {
		_ = sess.cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.After(shutdownGrace)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline:
		for _, sess := range procs {
			_ = sess.cmd.Process.Kill()
		}
		<-done
	}

	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()
	s.logger.Info("Wrapper supervisor shut down")
}

// readLoop streams pty output, feeding the classifier buffer and emitting
// output events. Any output moves the session to processing.
func (s *Supervisor) readLoop(sess *session) {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.handleOutput(sess, chunk)
		}
		if err != nil {
			// Read fails with EIO when the child exits and the pty slave
			// closes; waitForExit handles the transition.
			return
		}
	}
}

// handleOutput records a chunk in the recent-output buffer and transitions
// the session to processing.
func (s *Supervisor) handleOutput(sess *session, chunk []byte) {
	s.mu.Lock()
	id := sess.wrapper.ID
	sess.lastOutput = time.Now()
	sess.recent = append(sess.recent, chunk...)
	if len(sess.recent) > recentBufferSize {
		sess.recent = sess.recent[len(sess.recent)-recentBufferSize:]
	}
	stateChanged := false
	if sess.wrapper.State == models.WrapperStarting || sess.wrapper.State == models.WrapperWaitingInput {
		sess.wrapper.State = models.WrapperProcessing
		stateChanged = true
		s.persistLocked()
	}
	s.mu.Unlock()

	if s.opts.OnEvent != nil {
		payload, _ := json.Marshal(models.OutputPayload{Data: string(chunk)})
		s.opts.OnEvent(models.MonitorEvent{
			ID:        uuid.NewString(),
			SessionID: id,
			Kind:      models.EventKindOutput,
			Timestamp: models.NowMillis(),
			Payload:   payload,
		})
	}
	if stateChanged {
		s.emitLifecycle(id, models.EventKindStatus, string(models.WrapperProcessing))
	}
}

// waitForExit reaps the child and finalizes the session: state moves to
// ended, the entry leaves the live set, and the snapshot is rewritten.
func (s *Supervisor) waitForExit(sess *session) {
	defer s.wg.Done()

	_ = sess.cmd.Wait()
	_ = sess.ptmx.Close()

	s.mu.Lock()
	id := sess.wrapper.ID
	sess.wrapper.State = models.WrapperEnded
	delete(s.sessions, id)
	s.persistLocked()
	s.mu.Unlock()

	s.logger.WithField("id", id).Info("Wrapper session ended")
	s.emitLifecycle(id, models.EventKindSessionEnd, string(models.WrapperEnded))
}

// startIdleMonitor launches the single goroutine that periodically applies
// the heuristic classifier to quiet sessions.
func (s *Supervisor) startIdleMonitor() {
	s.idleOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(idleCheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-s.stopIdle:
					return
				case <-ticker.C:
					s.classifyIdle()
				}
			}
		}()
	})
}

// classifyIdle re-runs the prompt heuristic over every processing session.
func (s *Supervisor) classifyIdle() {
	type transition struct{ id string }
	var transitions []transition

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.wrapper.State != models.WrapperProcessing {
			continue
		}
		if Classify(sess.recent, time.Since(sess.lastOutput)) == models.WrapperWaitingInput {
			sess.wrapper.State = models.WrapperWaitingInput
			transitions = append(transitions, transition{id: id})
		}
	}
	if len(transitions) > 0 {
		s.persistLocked()
	}
	s.mu.Unlock()

	for _, tr := range transitions {
		s.emitLifecycle(tr.id, models.EventKindStatus, string(models.WrapperWaitingInput))
	}
}

// persistLocked rewrites the snapshot from the live set. Callers hold s.mu,
// which serializes concurrent structural changes relative to the snapshot
// writes they trigger.
func (s *Supervisor) persistLocked() {
	wrappers := make([]models.PersistedWrapper, 0, len(s.sessions))
	for _, sess := range s.sessions {
		wrappers = append(wrappers, toPersisted(sess.wrapper))
	}
	if err := writeSnapshot(s.opts.SnapshotPath, wrappers); err != nil {
		s.logger.WithError(err).Error("Failed to persist wrapper snapshot")
	}
}

// emitLifecycle publishes a status-change event when an event sink is wired.
func (s *Supervisor) emitLifecycle(id, kind, state string) {
	if s.opts.OnEvent == nil {
		return
	}
	payload, _ := json.Marshal(models.StatusPayload{State: state})
	s.opts.OnEvent(models.MonitorEvent{
		ID:        uuid.NewString(),
		SessionID: id,
		Kind:      kind,
		Timestamp: models.NowMillis(),
		Payload:   payload,
	})
}

func cloneWrapper(w models.Wrapper) models.Wrapper {
	out := w
	out.Args = append([]string(nil), w.Args...)
	return out
}

func toPersisted(w models.Wrapper) models.PersistedWrapper {
	return models.PersistedWrapper{
		ID:             w.ID,
		PID:            w.PID,
		AgentSessionID: w.AgentSessionID,
		State:          w.State,
		WorkingDir:     w.WorkingDir,
		Args:           append([]string(nil), w.Args...),
		StartedAt:      w.StartedAt,
		Cols:           w.Cols,
		Rows:           w.Rows,
	}
}
