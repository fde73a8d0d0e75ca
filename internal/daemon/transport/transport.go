// Package transport carries monitor events between producers (hook scripts,
// remote daemons) and the daemon's event router. The two implementations,
// unix socket and redis pub/sub, satisfy the same contract and are
// interchangeable from the daemon core's point of view.
package transport

import (
	"sync"

	"github.com/grovetools/agentmon/pkg/models"
	"github.com/sirupsen/logrus"
)

// Handler is invoked once per received event. Handlers run on the
// transport's receive goroutine; a panicking handler is recovered and logged
// without affecting other handlers or the transport itself.
type Handler func(models.MonitorEvent)

// Transport is the pluggable boundary between event producers and the
// daemon. Start and Stop are idempotent.
type Transport interface {
	Start() error
	Stop() error
	// OnEvent registers a handler and returns a function that unregisters it.
	OnEvent(h Handler) (off func())
	IsRunning() bool
}

// dispatcher implements handler registration and fan-out shared by both
// transport variants.
type dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	logger   *logrus.Entry
}

func newDispatcher(logger *logrus.Entry) *dispatcher {
	return &dispatcher{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// add registers a handler and returns its unregister function.
func (d *dispatcher) add(h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers, id)
	}
}

// dispatch delivers one event to every registered handler. A handler failure
// is isolated: it is logged and the remaining handlers still run.
func (d *dispatcher) dispatch(event models.MonitorEvent) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.WithField("panic", r).Error("Event handler panicked")
				}
			}()
			h(event)
		}()
	}
}
