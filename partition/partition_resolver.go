/*
Package partition resolves a request to the ordered list of endpoints it should be tried on.

Reads keep the registry order (shuffled once per topology change), writes
prefer shard leaders. Both can be overridden with a Strategy.
*/
package partition

import (
	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/transport"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("tag", "pysolr.partition")

// Source is the read side of the endpoint registry
type Source interface {
	Get(collection string) []registry.Endpoint
}

// Resolver resolves a request to its candidates
type Resolver interface {
	// ResolveRead returns the candidates to read from, in try order
	ResolveRead(req *transport.Request) []registry.Endpoint

	// ResolveWrite returns the candidates to write to, in try order
	ResolveWrite(req *transport.Request) []registry.Endpoint

	// Resolve dispatches on req.Write
	Resolve(req *transport.Request) []registry.Endpoint
}

// RegistryResolver implements Resolver on top of the registry
type RegistryResolver struct {
	// Source is the registry
	Source Source
	// ReadStrategy orders read candidates
	ReadStrategy Strategy
	// WriteStrategy orders write candidates
	WriteStrategy Strategy
}

// NewRegistryResolver creates a resolver; nil strategies default to
// IdentityStrategy for reads and LeaderFirstStrategy for writes
func NewRegistryResolver(source Source, read, write Strategy) *RegistryResolver {
	if read == nil {
		read = NewIdentityStrategy()
	}
	if write == nil {
		write = NewLeaderFirstStrategy()
	}
	return &RegistryResolver{
		Source:        source,
		ReadStrategy:  read,
		WriteStrategy: write,
	}
}

// ResolveRead implements Resolver
func (r *RegistryResolver) ResolveRead(req *transport.Request) []registry.Endpoint {
	return r.ReadStrategy.Order(req, r.Source.Get(req.Collection))
}

// ResolveWrite implements Resolver
func (r *RegistryResolver) ResolveWrite(req *transport.Request) []registry.Endpoint {
	return r.WriteStrategy.Order(req, r.Source.Get(req.Collection))
}

// Resolve implements Resolver
func (r *RegistryResolver) Resolve(req *transport.Request) []registry.Endpoint {
	if req.Write {
		return r.ResolveWrite(req)
	}
	return r.ResolveRead(req)
}
