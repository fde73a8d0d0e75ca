package wrapper

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/grovetools/agentmon/errors"
	"github.com/grovetools/agentmon/pkg/models"
)

// writeSnapshot replaces the snapshot file atomically: the new content is
// written to a temp file in the same directory and renamed over the old one,
// so a reader never observes a partial write.
func writeSnapshot(path string, wrappers []models.PersistedWrapper) error {
	if wrappers == nil {
		wrappers = []models.PersistedWrapper{}
	}
	data, err := json.MarshalIndent(wrappers, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal snapshot")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.IOFailure("mkdir", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".wrappers-*.json")
	if err != nil {
		return errors.IOFailure("create temp", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.IOFailure("write", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.IOFailure("close", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.IOFailure("rename", path, err)
	}
	return nil
}

// loadSnapshot reads the persisted wrapper set. A missing file is an empty
// set, not an error.
func loadSnapshot(path string) ([]models.PersistedWrapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.IOFailure("read", path, err)
	}

	var wrappers []models.PersistedWrapper
	if err := json.Unmarshal(data, &wrappers); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeIOFailure, "corrupt wrapper snapshot").
			WithDetail("path", path)
	}
	return wrappers, nil
}
