package transport

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/grovetools/agentmon/errors"
	"github.com/grovetools/agentmon/pkg/models"
	"github.com/sirupsen/logrus"
)

// SocketTransport receives events over a filesystem-addressed unix stream
// socket. Frames are newline-delimited JSON objects, one event per line.
// Malformed lines are dropped with a warning, never fatally.
type SocketTransport struct {
	*dispatcher

	path   string
	logger *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	wg       sync.WaitGroup
}

// NewSocketTransport creates a transport bound to the given socket path on
// Start.
func NewSocketTransport(path string, logger *logrus.Entry) *SocketTransport {
	return &SocketTransport{
		dispatcher: newDispatcher(logger),
		path:       path,
		logger:     logger,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and begins accepting connections. A pre-existing
// socket file at the same path is removed first: leftover from a previous
// unclean shutdown. Idempotent if already running.
func (t *SocketTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	if _, err := os.Stat(t.path); err == nil {
		if err := os.Remove(t.path); err != nil {
			return errors.IOFailure("remove stale socket", t.path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return errors.IOFailure("mkdir", filepath.Dir(t.path), err)
	}

	listener, err := net.Listen("unix", t.path)
	if err != nil {
		return errors.TransportUnavailable("socket", err).WithDetail("path", t.path)
	}

	// Relax permissions so any local user/process can publish events.
	if err := os.Chmod(t.path, 0666); err != nil {
		_ = listener.Close()
		return errors.IOFailure("chmod", t.path, err)
	}

	t.listener = listener
	t.running = true

	t.wg.Add(1)
	go t.acceptLoop(listener)

	t.logger.WithField("socket", t.path).Info("Socket transport listening")
	return nil
}

// Stop closes the listener and all open connections, then removes the
// socket file. Idempotent.
func (t *SocketTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	listener := t.listener
	t.listener = nil
	for conn := range t.conns {
		_ = conn.Close()
	}
	t.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	t.wg.Wait()
	_ = os.Remove(t.path)

	t.logger.Info("Socket transport stopped")
	return nil
}

// OnEvent registers a handler for received events.
func (t *SocketTransport) OnEvent(h Handler) func() {
	return t.add(h)
}

// IsRunning reports whether the transport is accepting connections.
func (t *SocketTransport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *SocketTransport) acceptLoop(listener net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Accept fails when the listener is closed during Stop; anything
			// else is logged before the loop exits.
			if t.IsRunning() {
				t.logger.WithError(err).Error("Socket accept failed")
			}
			return
		}

		t.mu.Lock()
		if !t.running {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

// handleConn reads newline-delimited JSON events from one connection. The
// scanner buffers partial reads until a full line is available; a trailing
// fragment without a newline is never dispatched.
func (t *SocketTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event models.MonitorEvent
		if err := json.Unmarshal(line, &event); err != nil {
			t.logger.WithError(err).Warn("Dropping malformed event line")
			continue
		}
		t.dispatch(event)
	}
}
