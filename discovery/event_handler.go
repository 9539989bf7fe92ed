package discovery

import (
	"sync"

	"github.com/django-haystack/pysolr/utils"
)

// EventHandler wraps a HandlerFunc so a failing handler never stops the source
type EventHandler struct {
	handler HandlerFunc
}

// NewEventHandler will return an EventHandler from handler Function
func NewEventHandler(handler func(event Event) error) *EventHandler {
	return &EventHandler{
		handler: handler,
	}
}

// HandleEvent runs the handler and logs its error
func (h *EventHandler) HandleEvent(event Event) {
	defer utils.DoPanicRecovery("discovery-event-handler")
	if err := h.handler(event); err != nil {
		logger.Errorf("EventHandler error on %s: %s", event.Type, err)
	}
}

// eventHandlers publishes events to every registered handler, in order.
// emitMu keeps publications from different goroutines from interleaving.
type eventHandlers struct {
	mu       sync.RWMutex
	emitMu   sync.Mutex
	handlers []*EventHandler
}

func (l *eventHandlers) add(handler func(event Event) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, NewEventHandler(handler))
	return nil
}

func (l *eventHandlers) emit(event Event) {
	l.mu.RLock()
	handlers := make([]*EventHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	logger.Debugf("emit %s event to %d handlers", event.Type, len(handlers))
	for _, h := range handlers {
		h.HandleEvent(event)
	}
}
