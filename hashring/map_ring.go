package hashring

import (
	"sort"

	"github.com/django-haystack/pysolr/utils"
	mapring "github.com/serialx/hashring"
)

// MapHashRing is the HashRing implementation backed by serialx/hashring
type MapHashRing struct {
	nodes    []string
	ring     *mapring.HashRing
	checksum uint32
}

// NewMapHashRing builds a ring over nodes, duplicates are ignored
func NewMapHashRing(nodes []string) *MapHashRing {
	seen := make(map[string]struct{}, len(nodes))
	unique := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		unique = append(unique, n)
	}
	sort.Strings(unique)
	return &MapHashRing{
		nodes:    unique,
		ring:     mapring.New(unique),
		checksum: utils.GetCheckSumFromNodes(unique),
	}
}

// Checksum implements HashRing
func (r *MapHashRing) Checksum() uint32 {
	return r.checksum
}

// GetNodes implements HashRing
func (r *MapHashRing) GetNodes() []string {
	out := make([]string, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// GetNumNodes implements HashRing
func (r *MapHashRing) GetNumNodes() int {
	return len(r.nodes)
}

// GetKeyNode implements HashRing
func (r *MapHashRing) GetKeyNode(key string) (string, error) {
	if len(r.nodes) == 0 {
		return "", ErrEmptyRing
	}
	if node, ok := r.ring.GetNode(key); ok {
		return node, nil
	}
	return "", ErrGetKeyNode
}

// GetKeyNodes implements HashRing
func (r *MapHashRing) GetKeyNodes(key string) ([]string, error) {
	if len(r.nodes) == 0 {
		return []string{}, ErrEmptyRing
	}
	if nodes, ok := r.ring.GetNodes(key, len(r.nodes)); ok {
		return nodes, nil
	}
	return []string{}, ErrGetKeyNodes
}
