package partition

import (
	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/transport"
)

// Strategy orders the candidates of one request. Implementations must not
// modify candidates and must return a permutation of it.
type Strategy interface {
	// GetName will return the name of this strategy
	GetName() string

	// Order returns candidates in the order they should be tried for req
	Order(req *transport.Request, candidates []registry.Endpoint) []registry.Endpoint
}

// IdentityStrategy keeps the registry order
type IdentityStrategy struct{}

// NewIdentityStrategy will create a new IdentityStrategy instance
func NewIdentityStrategy() *IdentityStrategy {
	return &IdentityStrategy{}
}

// GetName implements Strategy
func (s *IdentityStrategy) GetName() string {
	return "IdentityStrategy"
}

// Order implements Strategy
func (s *IdentityStrategy) Order(_ *transport.Request, candidates []registry.Endpoint) []registry.Endpoint {
	return candidates
}

// LeaderFirstStrategy moves shard leaders to the front, keeping the registry
// order inside both groups. Updates sent to a leader avoid one forwarding hop.
type LeaderFirstStrategy struct{}

// NewLeaderFirstStrategy will create a new LeaderFirstStrategy instance
func NewLeaderFirstStrategy() *LeaderFirstStrategy {
	return &LeaderFirstStrategy{}
}

// GetName implements Strategy
func (s *LeaderFirstStrategy) GetName() string {
	return "LeaderFirstStrategy"
}

// Order implements Strategy
func (s *LeaderFirstStrategy) Order(_ *transport.Request, candidates []registry.Endpoint) []registry.Endpoint {
	out := make([]registry.Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if ep.Leader {
			out = append(out, ep)
		}
	}
	for _, ep := range candidates {
		if !ep.Leader {
			out = append(out, ep)
		}
	}
	return out
}
