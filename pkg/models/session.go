package models

// Session status values commonly stored in SessionMeta. The store itself is
// agnostic to the exact set; these are the values the daemon assigns.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// SessionMeta is the durable record of a monitored session kept by the event
// log store. It is distinct from the live Wrapper tracked by the supervisor:
// the two are correlated only by sharing an identifier scheme.
type SessionMeta struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	StartedAt int64          `json:"started_at"`          // unix milliseconds
	EndedAt   int64          `json:"ended_at,omitempty"`  // unix milliseconds, 0 = still open
	Fields    map[string]any `json:"fields,omitempty"`    // arbitrary descriptive fields
}

// EffectiveEnd returns the timestamp used for age-based retention: the
// explicit end time when set, otherwise the start time.
func (m SessionMeta) EffectiveEnd() int64 {
	if m.EndedAt != 0 {
		return m.EndedAt
	}
	return m.StartedAt
}

// SessionMetaUpdate is a partial update applied to an existing SessionMeta
// with last-write-wins, shallow-merge semantics. Nil pointer fields are
// left untouched; Fields entries are merged key by key.
type SessionMetaUpdate struct {
	Status  *string        `json:"status,omitempty"`
	EndedAt *int64         `json:"ended_at,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}
