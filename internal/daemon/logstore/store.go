// Package logstore provides the durable, append-only event log for monitored
// sessions: one JSONL event log plus one metadata record per session id.
package logstore

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/grovetools/agentmon/errors"
	"github.com/grovetools/agentmon/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultEventLimit caps GetEvents results when the caller does not
	// provide an explicit limit.
	DefaultEventLimit = 1000

	metaFileName   = "meta.json"
	eventsFileName = "events.jsonl"

	// maxLineBytes bounds a single stored event line. Longer lines are
	// treated as malformed and skipped on read.
	maxLineBytes = 1 << 20
)

// Query filters a GetEvents call. Zero values mean "no constraint".
type Query struct {
	Limit  int
	Before int64 // keep events with Timestamp < Before
	After  int64 // keep events with Timestamp > After
}

// Filter narrows a GetSessions call.
type Filter struct {
	Status string
	Limit  int
}

// Store persists MonitorEvents and SessionMeta records under a base
// directory. It owns the sessions/ subtree exclusively; no other component
// touches those files directly.
//
// Appends for the same session are serialized by a per-session mutex so
// concurrent writers cannot interleave partial lines. Appends for different
// sessions proceed independently.
type Store struct {
	baseDir string
	logger  *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at baseDir. Call Init before use.
func New(baseDir string, logger *logrus.Entry) *Store {
	return &Store{
		baseDir: baseDir,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Init creates the storage directories. Safe to call multiple times.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.sessionsDir(), 0755); err != nil {
		return errors.IOFailure("mkdir", s.sessionsDir(), err)
	}
	return nil
}

// Close releases the store. The store holds no long-lived handles, so this
// exists to satisfy the lifecycle bracket and for future resource types.
func (s *Store) Close() error {
	return nil
}

// BaseDir returns the root of the storage tree.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) sessionsDir() string {
	return filepath.Join(s.baseDir, "sessions")
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.sessionsDir(), id)
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.sessionDir(id), metaFileName)
}

func (s *Store) eventsPath(id string) string {
	return filepath.Join(s.sessionDir(id), eventsFileName)
}

// sessionLock returns the append mutex for one session id.
func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// SaveEvent appends one event to its session's log, creating the session
// directory on first write. Unknown session ids are accepted: they create an
// implicit session bucket with no metadata record.
func (s *Store) SaveEvent(event models.MonitorEvent) error {
	lock := s.sessionLock(event.SessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.sessionDir(event.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.IOFailure("mkdir", dir, err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event")
	}
	data = append(data, '\n')

	path := s.eventsPath(event.SessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.IOFailure("open", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.IOFailure("append", path, err)
	}
	return nil
}

// GetEvents returns a session's events sorted ascending by timestamp. When
// more events match than the limit allows, the most recent ones are kept:
// truncation happens from the front of the sorted slice.
func (s *Store) GetEvents(sessionID string, q Query) ([]models.MonitorEvent, error) {
	events, err := s.readEvents(sessionID)
	if err != nil {
		return nil, err
	}

	filtered := events[:0]
	for _, e := range events {
		if q.Before != 0 && e.Timestamp >= q.Before {
			continue
		}
		if q.After != 0 && e.Timestamp <= q.After {
			continue
		}
		filtered = append(filtered, e)
	}

	// Appends are ordered, but timestamps may arrive out of order from
	// remote producers. Sort defensively.
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp < filtered[j].Timestamp
	})

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

// GetEventByID scans a session's log and returns the first event with the
// given id, or nil if absent.
func (s *Store) GetEventByID(sessionID, eventID string) (*models.MonitorEvent, error) {
	var found *models.MonitorEvent
	err := s.scanEvents(sessionID, func(e models.MonitorEvent) bool {
		if e.ID == eventID {
			found = &e
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// GetEventCount counts a session's stored events without materializing them
// all at once.
func (s *Store) GetEventCount(sessionID string) (int, error) {
	count := 0
	err := s.scanEvents(sessionID, func(models.MonitorEvent) bool {
		count++
		return true
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetAllRecentEvents merges events across every session, sorted by timestamp
// descending and capped to limit. Used for the cross-session activity feed.
func (s *Store) GetAllRecentEvents(limit int) ([]models.MonitorEvent, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	ids, err := s.sessionIDs()
	if err != nil {
		return nil, err
	}

	var all []models.MonitorEvent
	for _, id := range ids {
		events, err := s.readEvents(id)
		if err != nil {
			s.logger.WithError(err).WithField("session", id).Warn("Skipping unreadable event log")
			continue
		}
		all = append(all, events...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp > all[j].Timestamp
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// SaveSession writes a session's metadata record, replacing any previous one.
func (s *Store) SaveSession(meta models.SessionMeta) error {
	lock := s.sessionLock(meta.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeMeta(meta)
}

// GetSession returns a session's metadata record.
func (s *Store) GetSession(id string) (*models.SessionMeta, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.SessionNotFound(id)
		}
		return nil, errors.IOFailure("read", s.metaPath(id), err)
	}

	var meta models.SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeIOFailure, "corrupt session metadata").
			WithDetail("session_id", id)
	}
	return &meta, nil
}

// UpdateSession applies a shallow merge over an existing metadata record.
// Fails with NOT_FOUND when no record exists for the id.
func (s *Store) UpdateSession(id string, update models.SessionMetaUpdate) (*models.SessionMeta, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		meta.Status = *update.Status
	}
	if update.EndedAt != nil {
		meta.EndedAt = *update.EndedAt
	}
	if len(update.Fields) > 0 {
		if meta.Fields == nil {
			meta.Fields = make(map[string]any, len(update.Fields))
		}
		for k, v := range update.Fields {
			meta.Fields[k] = v
		}
	}

	if err := s.writeMeta(*meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// GetSessions lists metadata records, optionally filtered by status, sorted
// by start time descending. Sessions that only have events (implicit
// buckets) carry no metadata and are not listed.
func (s *Store) GetSessions(f Filter) ([]models.SessionMeta, error) {
	ids, err := s.sessionIDs()
	if err != nil {
		return nil, err
	}

	var result []models.SessionMeta
	for _, id := range ids {
		meta, err := s.GetSession(id)
		if err != nil {
			if !errors.Is(err, errors.ErrCodeNotFound) {
				s.logger.WithError(err).WithField("session", id).Warn("Skipping unreadable session metadata")
			}
			continue
		}
		if f.Status != "" && meta.Status != f.Status {
			continue
		}
		result = append(result, *meta)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt > result[j].StartedAt
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// DeleteSession irreversibly removes a session's metadata and full event
// log. Fails with NOT_FOUND when the session does not exist.
func (s *Store) DeleteSession(id string) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.sessionDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return errors.SessionNotFound(id)
		}
		return errors.IOFailure("stat", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.IOFailure("delete", dir, err)
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// DeleteAllSessions removes every session, best effort: one failure does not
// abort the rest. Returns the number of sessions successfully deleted.
func (s *Store) DeleteAllSessions() (int, error) {
	ids, err := s.sessionIDs()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		if err := s.DeleteSession(id); err != nil {
			s.logger.WithError(err).WithField("session", id).Warn("Failed to delete session")
			continue
		}
		deleted++
	}
	return deleted, nil
}

// PruneOldSessions deletes every session whose effective end time (explicit
// end time, else start time) is older than the cutoff. Returns the number
// pruned. Partial failures are logged and skipped.
func (s *Store) PruneOldSessions(olderThan int64) (int, error) {
	sessions, err := s.GetSessions(Filter{})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, meta := range sessions {
		if meta.EffectiveEnd() >= olderThan {
			continue
		}
		if err := s.DeleteSession(meta.ID); err != nil {
			s.logger.WithError(err).WithField("session", meta.ID).Warn("Failed to prune session")
			continue
		}
		pruned++
	}
	return pruned, nil
}

// writeMeta persists one metadata record. Callers hold the session lock.
func (s *Store) writeMeta(meta models.SessionMeta) error {
	dir := s.sessionDir(meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.IOFailure("mkdir", dir, err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal session metadata")
	}
	path := s.metaPath(meta.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.IOFailure("write", path, err)
	}
	return nil
}

// sessionIDs lists the session bucket directories.
func (s *Store) sessionIDs() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.IOFailure("readdir", s.sessionsDir(), err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// readEvents loads every parseable event for a session. A missing log file
// yields an empty slice; malformed lines are skipped with a warning.
func (s *Store) readEvents(sessionID string) ([]models.MonitorEvent, error) {
	var events []models.MonitorEvent
	err := s.scanEvents(sessionID, func(e models.MonitorEvent) bool {
		events = append(events, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// scanEvents streams a session's log line by line, invoking fn per event
// until it returns false. Keeps a bounded working set regardless of log size.
func (s *Store) scanEvents(sessionID string, fn func(models.MonitorEvent) bool) error {
	path := s.eventsPath(sessionID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.IOFailure("open", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event models.MonitorEvent
		if err := json.Unmarshal(line, &event); err != nil {
			s.logger.WithError(err).WithField("session", sessionID).Warn("Skipping malformed event line")
			continue
		}
		if !fn(event) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.IOFailure("scan", path, err)
	}
	return nil
}
