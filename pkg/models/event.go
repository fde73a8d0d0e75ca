package models

import (
	"encoding/json"
	"time"
)

// Common event kinds produced by hook scripts and the supervisor. The set is
// open: the log store accepts any kind string, and consumers must tolerate
// kinds they do not recognize.
const (
	EventKindStatus       = "status"
	EventKindOutput       = "output"
	EventKindSessionStart = "session_start"
	EventKindSessionEnd   = "session_end"
	EventKindToolUse      = "tool_use"
	EventKindNotification = "notification"
	EventKindConfigReload = "config_reload"
)

// MonitorEvent is a single activity record flowing between hook scripts,
// supervised sessions, and observing clients. The payload is opaque to the
// transport and the log store; only boundary consumers interpret it.
type MonitorEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Time returns the event timestamp as a time.Time.
func (e MonitorEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// StatusPayload is the payload shape for EventKindStatus events, emitted by
// hook scripts reporting a wrapper's lifecycle from inside the session.
type StatusPayload struct {
	State          string `json:"state"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
}

// OutputPayload is the payload shape for EventKindOutput events emitted by
// the wrapper supervisor for each chunk of PTY output.
type OutputPayload struct {
	Data string `json:"data"`
}

// NowMillis returns the current wall clock in unix milliseconds, the
// timestamp resolution used throughout the event log.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
