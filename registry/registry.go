/*
Package registry holds the endpoints currently believed live for every collection.

The registry is copy-on-write: every write builds a new immutable snapshot and
swaps it in with one atomic store, so readers never lock and never observe a
partially updated list. The coordination watcher is the only writer.
*/
package registry

import (
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/django-haystack/pysolr/utils"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("tag", "pysolr.registry")

// snapshot is never modified after it has been published
type snapshot struct {
	version     uint64
	collections map[string][]Endpoint
	checksums   map[string]uint32
}

// Registry maps collection names to ordered candidate endpoints
type Registry struct {
	current atomic.Pointer[snapshot]

	// writeMu serializes writers, readers do not take it
	writeMu sync.Mutex

	// shuffle randomizes a freshly replaced list, replaced in tests
	shuffle func(eps []Endpoint)
}

// New creates an empty registry
func New() *Registry {
	r := &Registry{
		shuffle: func(eps []Endpoint) {
			rand.Shuffle(len(eps), func(i, j int) { eps[i], eps[j] = eps[j], eps[i] })
		},
	}
	r.current.Store(&snapshot{
		collections: map[string][]Endpoint{},
		checksums:   map[string]uint32{},
	})
	return r
}

// SetShuffle replaces the ordering applied to freshly replaced lists, nil keeps the given order
func (r *Registry) SetShuffle(fn func(eps []Endpoint)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if fn == nil {
		fn = func([]Endpoint) {}
	}
	r.shuffle = fn
}

// Get returns the candidates for collection in the order they should be tried.
// Unknown collections yield an empty slice.
func (r *Registry) Get(collection string) []Endpoint {
	eps := r.current.Load().collections[collection]
	out := make([]Endpoint, len(eps))
	copy(out, eps)
	return out
}

// Replace swaps the endpoints of one collection, an empty list removes the collection
func (r *Registry) Replace(collection string, eps []Endpoint) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.current.Load()
	next := &snapshot{
		version:     old.version + 1,
		collections: make(map[string][]Endpoint, len(old.collections)+1),
		checksums:   make(map[string]uint32, len(old.checksums)+1),
	}
	for name, list := range old.collections {
		if name == collection {
			continue
		}
		next.collections[name] = list
		next.checksums[name] = old.checksums[name]
	}
	if len(eps) > 0 {
		next.collections[collection] = r.ordered(eps)
		next.checksums[collection] = Checksum(eps)
	}
	r.current.Store(next)
	logger.Debugf("collection %s replaced with %d endpoints, version %d", collection, len(eps), next.version)
}

// Apply swaps the whole snapshot, collections missing from topology are dropped.
// A collection whose endpoint set did not change keeps its previous order.
func (r *Registry) Apply(topology map[string][]Endpoint) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.current.Load()
	next := &snapshot{
		version:     old.version + 1,
		collections: make(map[string][]Endpoint, len(topology)),
		checksums:   make(map[string]uint32, len(topology)),
	}
	changed := 0
	for name, eps := range topology {
		if len(eps) == 0 {
			continue
		}
		sum := Checksum(eps)
		if prev, ok := old.checksums[name]; ok && prev == sum {
			next.collections[name] = old.collections[name]
		} else {
			next.collections[name] = r.ordered(eps)
			changed++
		}
		next.checksums[name] = sum
	}
	removed, _ := utils.Difference(keys(old.collections), keys(next.collections))
	r.current.Store(next)
	if changed > 0 || len(removed) > 0 {
		logger.Infof("topology applied, version %d, %d collections changed, removed %v", next.version, changed, removed)
	}
}

// Reset drops every collection
func (r *Registry) Reset() {
	r.Apply(nil)
}

// Collections returns the sorted names of the known collections
func (r *Registry) Collections() []string {
	names := keys(r.current.Load().collections)
	sort.Strings(names)
	return names
}

// Version is incremented on every write
func (r *Registry) Version() uint64 {
	return r.current.Load().version
}

// Checksum returns the fingerprint of the endpoints stored for collection, 0 if unknown
func (r *Registry) Checksum(collection string) uint32 {
	return r.current.Load().checksums[collection]
}

// Snapshot returns a copy of the current mapping
func (r *Registry) Snapshot() map[string][]Endpoint {
	cur := r.current.Load()
	out := make(map[string][]Endpoint, len(cur.collections))
	for name, eps := range cur.collections {
		cp := make([]Endpoint, len(eps))
		copy(cp, eps)
		out[name] = cp
	}
	return out
}

func (r *Registry) ordered(eps []Endpoint) []Endpoint {
	list := make([]Endpoint, len(eps))
	copy(list, eps)
	r.shuffle(list)
	return list
}

// Checksum fingerprints a set of endpoints independent of their order
func Checksum(eps []Endpoint) uint32 {
	ids := make([]string, 0, len(eps))
	for _, ep := range eps {
		ids = append(ids, ep.URL()+"|"+strconv.FormatBool(ep.Leader))
	}
	return utils.GetCheckSumFromNodes(ids)
}

func keys(m map[string][]Endpoint) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
