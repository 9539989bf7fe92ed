package partition

import (
	"sync"

	"github.com/django-haystack/pysolr/hashring"
	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/transport"
	"github.com/django-haystack/pysolr/utils"
)

// AffinityStrategy orders candidates by a consistent hash of the request
// routing key, so one key keeps hitting the same replica while the candidate
// set is stable. Requests without a routing key fall back to Fallback.
type AffinityStrategy struct {
	// Fallback orders requests without routing key
	Fallback Strategy

	mu    sync.Mutex
	rings map[uint32]hashring.HashRing
}

// maxCachedRings bounds the ring cache, it is cleared when full
const maxCachedRings = 64

// NewAffinityStrategy creates an AffinityStrategy, fallback defaults to IdentityStrategy
func NewAffinityStrategy(fallback Strategy) *AffinityStrategy {
	if fallback == nil {
		fallback = NewIdentityStrategy()
	}
	return &AffinityStrategy{
		Fallback: fallback,
		rings:    map[uint32]hashring.HashRing{},
	}
}

// GetName implements Strategy
func (s *AffinityStrategy) GetName() string {
	return "AffinityStrategy"
}

// Order implements Strategy
func (s *AffinityStrategy) Order(req *transport.Request, candidates []registry.Endpoint) []registry.Endpoint {
	if req == nil || req.RoutingKey == "" || len(candidates) < 2 {
		return s.Fallback.Order(req, candidates)
	}
	byURL := make(map[string]registry.Endpoint, len(candidates))
	urls := make([]string, 0, len(candidates))
	for _, ep := range candidates {
		byURL[ep.URL()] = ep
		urls = append(urls, ep.URL())
	}
	nodes, err := s.ring(urls).GetKeyNodes(req.RoutingKey)
	if err != nil {
		logger.Warnf("affinity lookup for %q failed, falling back: %s", req.RoutingKey, err)
		return s.Fallback.Order(req, candidates)
	}
	out := make([]registry.Endpoint, 0, len(candidates))
	for _, n := range nodes {
		out = append(out, byURL[n])
	}
	return out
}

func (s *AffinityStrategy) ring(urls []string) hashring.HashRing {
	sum := utils.GetCheckSumFromNodes(urls)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ring, ok := s.rings[sum]; ok {
		return ring
	}
	if len(s.rings) >= maxCachedRings {
		s.rings = map[uint32]hashring.HashRing{}
	}
	ring := hashring.NewMapHashRing(urls)
	s.rings[sum] = ring
	return ring
}
