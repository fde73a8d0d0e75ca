package wrapper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

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

func TestRecoverEmptySnapshot(t *testing.T) {
	dir := t.TempDir()
	s := NewSupervisor(Options{
		Command:      "true",
		SnapshotPath: filepath.Join(dir, "wrappers.json"),
		Logger:       testLogger(),
	})

	orphans, err := s.Recover(RecoveryOptions{ProcessedDir: filepath.Join(dir, "processed")})
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestRecoverDropsDeadAndReportsLive(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "wrappers.json")
	processedDir := filepath.Join(dir, "processed")

	// The test process itself is the one pid guaranteed to be alive; the
	// bogus pid is far beyond any real pid range.
	entries := []models.PersistedWrapper{
		{ID: "dead", PID: 99999999, State: models.WrapperProcessing, StartedAt: time.Now()},
		{ID: "live", PID: os.Getpid(), State: models.WrapperProcessing, StartedAt: time.Now()},
	}
	require.NoError(t, writeSnapshot(snapshotPath, entries))

	s := NewSupervisor(Options{
		Command:      "true",
		SnapshotPath: snapshotPath,
		Logger:       testLogger(),
	})

	orphans, err := s.Recover(RecoveryOptions{ProcessedDir: processedDir})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "live", orphans[0].ID)

	// The orphan gets a marker file named after its id.
	marker := filepath.Join(processedDir, "live.json")
	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "orphan marker should exist")
	_, statErr = os.Stat(filepath.Join(processedDir, "dead.json"))
	assert.True(t, os.IsNotExist(statErr), "dead entries get no marker")

	// The snapshot is rewritten empty: a second recovery reports nothing.
	orphans, err = s.Recover(RecoveryOptions{ProcessedDir: processedDir})
	require.NoError(t, err)
	assert.Empty(t, orphans)
}
