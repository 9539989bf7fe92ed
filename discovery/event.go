package discovery

import (
	"github.com/django-haystack/pysolr/registry"
)

// EventType is the type of a discovery event
type EventType int

// All the discovery event types
const (
	// EventTopologyChanged carries the full collection -> endpoints mapping
	EventTopologyChanged EventType = iota
	// EventCoordinationLost means the topology can no longer be refreshed, Err is set
	EventCoordinationLost
	// EventCoordinationRestored follows a lost coordination once a full read succeeded again
	EventCoordinationRestored
)

var eventNames = map[EventType]string{
	EventTopologyChanged:      "topology_changed",
	EventCoordinationLost:     "coordination_lost",
	EventCoordinationRestored: "coordination_restored",
}

func (t EventType) String() string {
	return eventNames[t]
}

// Event is published to the discovery handlers
type Event struct {
	// Type is one of the EventType
	Type EventType
	// Topology is the full mapping for EventTopologyChanged, never modified after publishing
	Topology map[string][]registry.Endpoint
	// Checksum fingerprints Topology
	Checksum uint32
	// Err is set for EventCoordinationLost
	Err error
}

// HandlerFunc defines a function to handle the discovery events
type HandlerFunc func(event Event) error
