package logstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFollowReceivesAppendedEvents(t *testing.T) {
	s := newTestStore(t)

	// Attach before the log file exists: the follower waits for it.
	f, err := s.Follow("s1")
	require.NoError(t, err)
	defer f.Stop()

	// Give the tail a moment to establish its watch before writing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.SaveEvent(event("s1", "e1", 1000)))
	require.NoError(t, s.SaveEvent(event("s1", "e2", 2000)))

	var ids []string
	timeout := time.After(5 * time.Second)
	for len(ids) < 2 {
		select {
		case e := <-f.Events:
			ids = append(ids, e.ID)
		case <-timeout:
			t.Fatalf("timed out waiting for followed events, got %v", ids)
		}
	}
	require.Equal(t, []string{"e1", "e2"}, ids)
}
