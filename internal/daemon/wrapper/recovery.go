package wrapper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grovetools/agentmon/errors"
	"github.com/grovetools/agentmon/pkg/models"
	"github.com/grovetools/agentmon/pkg/process"
)

// RecoveryOptions configures snapshot recovery after a daemon restart.
type RecoveryOptions struct {
	// ProcessedDir receives one marker file per orphan for an external
	// recovery collaborator to consume.
	ProcessedDir string
}

// Recover reconciles the persisted snapshot with the live process table.
// Runs once at initialization, before any Spawn.
//
// Entries whose process is confirmed dead are dropped. Entries whose process
// is still alive cannot be re-attached (a pty handle cannot be recreated
// from a pid alone), so they are reported as orphans, written once as marker
// files under ProcessedDir, and excluded from the rewritten snapshot. True
// re-attachment would require a persistent terminal multiplexer layer.
func (s *Supervisor) Recover(opts RecoveryOptions) ([]models.PersistedWrapper, error) {
	persisted, err := loadSnapshot(s.opts.SnapshotPath)
	if err != nil {
		return nil, err
	}
	if len(persisted) == 0 {
		return nil, nil
	}

	var orphans []models.PersistedWrapper
	for _, entry := range persisted {
		if !process.IsProcessAlive(entry.PID) {
			s.logger.WithFields(map[string]interface{}{"id": entry.ID, "pid": entry.PID}).
				Info("Dropping dead wrapper from snapshot")
			continue
		}
		orphans = append(orphans, entry)
		if err := writeOrphanMarker(opts.ProcessedDir, entry); err != nil {
			s.logger.WithError(err).WithField("id", entry.ID).Warn("Failed to write orphan marker")
		}
		s.logger.WithFields(map[string]interface{}{"id": entry.ID, "pid": entry.PID}).
			Warn("Wrapper process still alive but not re-attachable, reporting as orphan")
	}

	// The live set starts empty either way: orphans are handed to the
	// external cleanup path, never re-registered.
	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()

	return orphans, nil
}

// writeOrphanMarker records one orphan under the processed directory.
func writeOrphanMarker(dir string, entry models.PersistedWrapper) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.IOFailure("mkdir", dir, err)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal orphan marker")
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.json", entry.ID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.IOFailure("write", path, err)
	}
	return nil
}
