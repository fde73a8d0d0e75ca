package models

import "time"

// WrapperState is the lifecycle state of a supervised PTY session.
type WrapperState string

const (
	// WrapperStarting is the initial state after spawn, before any output
	// has been classified.
	WrapperStarting WrapperState = "starting"
	// WrapperProcessing means the session produced output recently.
	WrapperProcessing WrapperState = "processing"
	// WrapperWaitingInput is a heuristic guess that the session is idle at a
	// prompt. It is advisory: downstream consumers must not build
	// correctness-critical logic on top of it.
	WrapperWaitingInput WrapperState = "waiting_input"
	// WrapperEnded is terminal, reached when the child process exits.
	WrapperEnded WrapperState = "ended"
)

// Wrapper is the read-only view of a live supervised session. The supervisor
// owns the authoritative record; copies handed out by Get/GetAll are
// snapshots and never share mutable state with the supervisor.
type Wrapper struct {
	ID             string       `json:"id"`
	PID            int          `json:"pid"`
	AgentSessionID string       `json:"agent_session_id,omitempty"` // correlation id, set once the agent self-identifies
	State          WrapperState `json:"state"`
	WorkingDir     string       `json:"working_dir"`
	Args           []string     `json:"args"`
	StartedAt      time.Time    `json:"started_at"`
	Cols           uint16       `json:"cols"`
	Rows           uint16       `json:"rows"`
}

// PersistedWrapper is the snapshot form of a Wrapper written to
// wrappers.json. It carries everything needed to probe liveness after a
// daemon restart; it cannot carry the PTY handle, which is why recovery
// reports still-alive entries as orphans instead of re-attaching them.
type PersistedWrapper struct {
	ID             string       `json:"id"`
	PID            int          `json:"pid"`
	AgentSessionID string       `json:"agent_session_id,omitempty"`
	State          WrapperState `json:"state"`
	WorkingDir     string       `json:"working_dir"`
	Args           []string     `json:"args"`
	StartedAt      time.Time    `json:"started_at"`
	Cols           uint16       `json:"cols"`
	Rows           uint16       `json:"rows"`
}
