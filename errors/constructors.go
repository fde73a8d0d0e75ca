package errors

import "fmt"

// SessionNotFound creates a not-found error for a session id
func SessionNotFound(id string) *MonitorError {
	return New(ErrCodeNotFound, fmt.Sprintf("session '%s' not found", id)).
		WithDetail("session_id", id)
}

// EventNotFound creates a not-found error for an event id
func EventNotFound(sessionID, eventID string) *MonitorError {
	return New(ErrCodeNotFound, fmt.Sprintf("event '%s' not found in session '%s'", eventID, sessionID)).
		WithDetail("session_id", sessionID).
		WithDetail("event_id", eventID)
}

// SpawnFailed creates a spawn failure error
func SpawnFailed(command string, err error) *MonitorError {
	return Wrap(err, ErrCodeSpawnFailure, fmt.Sprintf("failed to spawn '%s'", command)).
		WithDetail("command", command)
}

// TransportUnavailable creates an error for a transport whose backing
// dependency could not be reached at startup
func TransportUnavailable(kind string, err error) *MonitorError {
	return Wrap(err, ErrCodeTransportUnavailable, fmt.Sprintf("%s transport unavailable", kind)).
		WithDetail("transport", kind)
}

// MalformedMessage creates an error for an unparseable inbound event
func MalformedMessage(source string, err error) *MonitorError {
	return Wrap(err, ErrCodeMalformedMessage, fmt.Sprintf("malformed message from %s", source)).
		WithDetail("source", source)
}

// IOFailure wraps a disk read/write/delete failure
func IOFailure(op, path string, err error) *MonitorError {
	return Wrap(err, ErrCodeIOFailure, fmt.Sprintf("%s failed for %s", op, path)).
		WithDetail("op", op).
		WithDetail("path", path)
}

// ConnectTimeout creates an error for a socket client that could not
// establish a connection within its deadline
func ConnectTimeout(path string, timeout string) *MonitorError {
	return New(ErrCodeConnectTimeout,
		fmt.Sprintf("connection to '%s' not established within %s", path, timeout)).
		WithDetail("path", path).
		WithDetail("timeout", timeout)
}

// AlreadyRunning creates an error for a second daemon instance
func AlreadyRunning(pid int) *MonitorError {
	return New(ErrCodeAlreadyRunning, fmt.Sprintf("daemon already running with PID %d", pid)).
		WithDetail("pid", pid)
}
