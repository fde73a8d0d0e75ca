package transport

import (
	"encoding/json"
	"net"
	"time"

	"github.com/grovetools/agentmon/errors"
	"github.com/grovetools/agentmon/pkg/models"
)

// DefaultSendTimeout bounds how long SendEventToSocket waits for the daemon
// to accept a connection before giving up.
const DefaultSendTimeout = 5 * time.Second

// SendEventToSocket delivers one event to a daemon's unix socket and
// disconnects. It fails rather than hangs when the connection cannot be
// established within the timeout (zero means DefaultSendTimeout).
func SendEventToSocket(path string, event models.MonitorEvent, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return errors.ConnectTimeout(path, timeout.String())
		}
		return errors.TransportUnavailable("socket", err).WithDetail("path", path)
	}
	defer conn.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event")
	}
	data = append(data, '\n')

	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(data); err != nil {
		return errors.TransportUnavailable("socket", err).WithDetail("path", path)
	}
	return nil
}
