package logstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/grovetools/agentmon/errors"
	"github.com/grovetools/agentmon/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	s := New(t.TempDir(), logger.WithField("component", "test"))
	require.NoError(t, s.Init())
	return s
}

func event(session, id string, ts int64) models.MonitorEvent {
	return models.MonitorEvent{
		ID:        id,
		SessionID: session,
		Kind:      models.EventKindNotification,
		Timestamp: ts,
		Payload:   json.RawMessage(`{"n":1}`),
	}
}

func TestInitIsIdempotent(t *testing.T) {
	logger := logrus.New().WithField("component", "test")
	s := New(t.TempDir(), logger)
	require.NoError(t, s.Init())
	require.NoError(t, s.Init())
}

func TestSaveAndGetEvents(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveEvent(event("s1", fmt.Sprintf("e%d", i), int64(1000+i))))
	}

	events, err := s.GetEvents("s1", Query{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.LessOrEqual(t, events[i-1].Timestamp, events[i].Timestamp, "events must be ascending")
	}
	assert.Equal(t, "e0", events[0].ID)
	assert.Equal(t, "e4", events[4].ID)
}

func TestGetEventsSortsOutOfOrderTimestamps(t *testing.T) {
	s := newTestStore(t)

	// Remote producers can deliver out-of-order timestamps; the read path
	// sorts defensively.
	require.NoError(t, s.SaveEvent(event("s1", "late", 3000)))
	require.NoError(t, s.SaveEvent(event("s1", "early", 1000)))
	require.NoError(t, s.SaveEvent(event("s1", "mid", 2000)))

	events, err := s.GetEvents("s1", Query{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"early", "mid", "late"}, []string{events[0].ID, events[1].ID, events[2].ID})
}

func TestGetEventsLimitKeepsMostRecent(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.SaveEvent(event("s1", fmt.Sprintf("e%d", i), int64(1000+i))))
	}

	events, err := s.GetEvents("s1", Query{Limit: 3})
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Truncation drops from the front: the three largest timestamps stay,
	// still ascending-sorted.
	assert.Equal(t, "e7", events[0].ID)
	assert.Equal(t, "e9", events[2].ID)
}

func TestGetEventsBeforeAfterFilters(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.SaveEvent(event("s1", fmt.Sprintf("e%d", i), int64(1000+i))))
	}

	events, err := s.GetEvents("s1", Query{After: 1002, Before: 1007})
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "e3", events[0].ID)
	assert.Equal(t, "e6", events[3].ID)
}

func TestGetEventsUnknownSessionIsEmpty(t *testing.T) {
	s := newTestStore(t)
	events, err := s.GetEvents("nope", Query{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestConcurrentSaveEventSameSession(t *testing.T) {
	s := newTestStore(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.SaveEvent(event("s1", fmt.Sprintf("e%d", i), int64(1000+i)))
		}(i)
	}
	wg.Wait()

	// Every line must parse: the per-session lock prevents interleaved
	// partial writes.
	count, err := s.GetEventCount("s1")
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestGetEventByID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveEvent(event("s1", "e1", 1000)))
	require.NoError(t, s.SaveEvent(event("s1", "e2", 2000)))

	found, err := s.GetEventByID("s1", "e2")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(2000), found.Timestamp)

	missing, err := s.GetEventByID("s1", "e99")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMalformedEventLinesAreSkipped(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveEvent(event("s1", "e1", 1000)))

	// Corrupt the log with a junk line, then append another valid event.
	path := filepath.Join(s.BaseDir(), "sessions", "s1", "events.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("not-json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.SaveEvent(event("s1", "e2", 2000)))

	events, err := s.GetEvents("s1", Query{})
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestSessionMetaCRUD(t *testing.T) {
	s := newTestStore(t)

	meta := models.SessionMeta{
		ID:        "s1",
		Status:    models.SessionStatusActive,
		StartedAt: 1000,
		Fields:    map[string]any{"repo": "agentmon"},
	}
	require.NoError(t, s.SaveSession(meta))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)
	assert.Equal(t, "agentmon", got.Fields["repo"])

	// Update is a shallow merge
	ended := models.SessionStatusEnded
	endedAt := int64(5000)
	updated, err := s.UpdateSession("s1", models.SessionMetaUpdate{
		Status:  &ended,
		EndedAt: &endedAt,
		Fields:  map[string]any{"branch": "main"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusEnded, updated.Status)
	assert.Equal(t, int64(5000), updated.EndedAt)
	assert.Equal(t, "agentmon", updated.Fields["repo"], "merge must preserve existing fields")
	assert.Equal(t, "main", updated.Fields["branch"])
}

func TestUpdateSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	status := "x"
	_, err := s.UpdateSession("ghost", models.SessionMetaUpdate{Status: &status})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestGetSessionsFilterAndOrder(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSession(models.SessionMeta{ID: "old", Status: "ended", StartedAt: 1000}))
	require.NoError(t, s.SaveSession(models.SessionMeta{ID: "new", Status: "active", StartedAt: 3000}))
	require.NoError(t, s.SaveSession(models.SessionMeta{ID: "mid", Status: "active", StartedAt: 2000}))

	all, err := s.GetSessions(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID, "sessions sorted by start time descending")
	assert.Equal(t, "old", all[2].ID)

	active, err := s.GetSessions(Filter{Status: "active"})
	require.NoError(t, err)
	require.Len(t, active, 2)

	limited, err := s.GetSessions(Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "new", limited[0].ID)
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(models.SessionMeta{ID: "s1", Status: "active", StartedAt: 1000}))
	require.NoError(t, s.SaveEvent(event("s1", "e1", 1000)))

	require.NoError(t, s.DeleteSession("s1"))

	_, err := s.GetSession("s1")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	events, err := s.GetEvents("s1", Query{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDeleteSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteSession("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestDeleteAllSessions(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("s%d", i)
		require.NoError(t, s.SaveSession(models.SessionMeta{ID: id, StartedAt: int64(1000 + i)}))
	}

	deleted, err := s.DeleteAllSessions()
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	remaining, err := s.GetSessions(Filter{})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestPruneOldSessions(t *testing.T) {
	s := newTestStore(t)

	// Ended long ago: effective end = EndedAt
	require.NoError(t, s.SaveSession(models.SessionMeta{ID: "ancient", StartedAt: 100, EndedAt: 200}))
	// Never ended, started long ago: effective end = StartedAt
	require.NoError(t, s.SaveSession(models.SessionMeta{ID: "stale", StartedAt: 300}))
	// Recent
	require.NoError(t, s.SaveSession(models.SessionMeta{ID: "fresh", StartedAt: 9000}))

	pruned, err := s.PruneOldSessions(1000)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	remaining, err := s.GetSessions(Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].ID)
}

func TestGetAllRecentEvents(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveEvent(event("s1", "a", 1000)))
	require.NoError(t, s.SaveEvent(event("s2", "b", 3000)))
	require.NoError(t, s.SaveEvent(event("s1", "c", 2000)))
	require.NoError(t, s.SaveEvent(event("s2", "d", 4000)))

	events, err := s.GetAllRecentEvents(3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Globally sorted by timestamp descending
	assert.Equal(t, "d", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
	assert.Equal(t, "c", events[2].ID)
}

func TestGetEventCount(t *testing.T) {
	s := newTestStore(t)

	count, err := s.GetEventCount("s1")
	require.NoError(t, err)
	assert.Zero(t, count)

	for i := 0; i < 7; i++ {
		require.NoError(t, s.SaveEvent(event("s1", fmt.Sprintf("e%d", i), int64(i))))
	}
	count, err = s.GetEventCount("s1")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestUnknownSessionIDCreatesImplicitBucket(t *testing.T) {
	s := newTestStore(t)

	// Events for a session the store has never seen are accepted.
	require.NoError(t, s.SaveEvent(event("implicit", "e1", 1000)))

	events, err := s.GetEvents("implicit", Query{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	// But the implicit bucket has no metadata record.
	_, err = s.GetSession("implicit")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}
