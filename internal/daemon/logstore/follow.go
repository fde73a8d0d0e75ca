package logstore

import (
	"encoding/json"

	"github.com/grovetools/agentmon/pkg/models"
	"github.com/hpcloud/tail"
)

// Follower is a live subscription to one session's event log.
type Follower struct {
	// Events receives each event appended to the log after Follow was
	// called. The channel closes when Stop is called or the tail fails.
	Events <-chan models.MonitorEvent

	t *tail.Tail
}

// Stop ends the subscription and releases the underlying file watch.
func (f *Follower) Stop() error {
	return f.t.Stop()
}

// Follow tails a session's event log from its current end, delivering each
// newly appended event. The log file does not need to exist yet: the tail
// waits for it to appear, so a follower can attach before the session's
// first event arrives.
func (s *Store) Follow(sessionID string) (*Follower, error) {
	t, err := tail.TailFile(s.eventsPath(sessionID), tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2}, // seek to end
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan models.MonitorEvent, 100)
	go func() {
		defer close(ch)
		for line := range t.Lines {
			if line.Err != nil || line.Text == "" {
				continue
			}
			var event models.MonitorEvent
			if err := json.Unmarshal([]byte(line.Text), &event); err != nil {
				s.logger.WithError(err).WithField("session", sessionID).Warn("Skipping malformed event line in follow")
				continue
			}
			ch <- event
		}
	}()

	return &Follower{Events: ch, t: t}, nil
}
