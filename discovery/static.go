package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/django-haystack/pysolr/registry"
)

// Static is a Discovery over a fixed list of endpoints serving every collection,
// the single node or load balancer setup. A collection is published on first use.
type Static struct {
	endpoints []registry.Endpoint
	handlers  eventHandlers

	mu          sync.Mutex
	state       watcherState
	collections map[string]struct{}
}

// NewStatic creates a static discovery publishing endpoints for collections
func NewStatic(endpoints []registry.Endpoint, collections ...string) *Static {
	s := &Static{
		endpoints:   append([]registry.Endpoint(nil), endpoints...),
		collections: map[string]struct{}{},
	}
	for _, c := range collections {
		if c != "" {
			s.collections[c] = struct{}{}
		}
	}
	return s
}

// AddEventHandler implements Discovery
func (s *Static) AddEventHandler(handler func(event Event) error) error {
	return s.handlers.add(handler)
}

// Start implements Discovery
func (s *Static) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case watcherReady:
		s.mu.Unlock()
		return nil
	case watcherStopped:
		s.mu.Unlock()
		return ErrStopped
	}
	s.state = watcherReady
	s.mu.Unlock()
	s.publish()
	return nil
}

// Ensure implements Discovery
func (s *Static) Ensure(ctx context.Context, collection string) error {
	s.mu.Lock()
	switch s.state {
	case watcherCreated:
		s.mu.Unlock()
		return ErrNotStarted
	case watcherStopped:
		s.mu.Unlock()
		return ErrStopped
	}
	_, ok := s.collections[collection]
	if !ok {
		s.collections[collection] = struct{}{}
	}
	s.mu.Unlock()
	if !ok {
		s.publish()
	}
	return nil
}

// Ready implements Discovery
func (s *Static) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == watcherReady
}

// Healthy implements Discovery, a fixed list never goes stale
func (s *Static) Healthy() bool {
	return s.Ready()
}

// Stop implements Discovery
func (s *Static) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = watcherStopped
	return nil
}

// Stats returns debug information
func (s *Static) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		urls = append(urls, ep.URL())
	}
	return map[string]interface{}{
		"source":      "static",
		"endpoints":   urls,
		"collections": len(s.collections),
	}
}

func (s *Static) publish() {
	s.handlers.emitMu.Lock()
	defer s.handlers.emitMu.Unlock()

	s.mu.Lock()
	names := make([]string, 0, len(s.collections))
	for c := range s.collections {
		names = append(names, c)
	}
	s.mu.Unlock()
	sort.Strings(names)

	topology := make(map[string][]registry.Endpoint, len(names))
	for _, c := range names {
		topology[c] = s.endpoints
	}
	s.handlers.emit(Event{Type: EventTopologyChanged, Topology: topology, Checksum: TopologyChecksum(topology)})
}
