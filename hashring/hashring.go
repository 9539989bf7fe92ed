/*
Package hashring is a consistent hash ring over endpoint urls.

It is used to give requests carrying the same routing key the same replica
preference order, so repeated queries for one key hit warm caches. Rings are
immutable: a new ring is built whenever the candidate set changes.
*/
package hashring

// HashRing is a consistent hash ring
type HashRing interface {
	// Checksum will return the checksum of the ring nodes, using farmhash
	Checksum() uint32

	// GetNodes return the list of nodes in the ring, sorted
	GetNodes() []string

	// GetNumNodes return the number of nodes in the ring
	GetNumNodes() int

	// GetKeyNode return the node this key is hashed on
	GetKeyNode(key string) (string, error)

	// GetKeyNodes returns every node of the ring in preference order for key
	GetKeyNodes(key string) ([]string, error)
}
