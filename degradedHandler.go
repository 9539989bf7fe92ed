package pysolr

import (
	"sync/atomic"

	"github.com/django-haystack/pysolr/discovery"
)

// DegradedHandler is a discovery event handler tracking whether the topology is still refreshed
type DegradedHandler struct {
	degraded atomic.Bool

	// onDegraded is the callback on every transition
	onDegraded func(degraded bool)
}

// NewDegradedHandler creates a DegradedHandler
func NewDegradedHandler(onDegraded func(degraded bool)) *DegradedHandler {
	if onDegraded == nil {
		onDegraded = func(bool) {}
	}
	return &DegradedHandler{onDegraded: onDegraded}
}

// Degraded reports whether requests are served from a stale topology
func (h *DegradedHandler) Degraded() bool {
	return h.degraded.Load()
}

// Handler to handle coordination events
func (h *DegradedHandler) Handler(event discovery.Event) error {
	switch event.Type {
	case discovery.EventCoordinationLost:
		if h.degraded.CompareAndSwap(false, true) {
			logger.Warnf("coordination lost, serving the last known topology: %v", event.Err)
			h.onDegraded(true)
		}
	case discovery.EventCoordinationRestored:
		if h.degraded.CompareAndSwap(true, false) {
			logger.Info("coordination restored, topology is fresh again")
			h.onDegraded(false)
		}
	}
	return nil
}
