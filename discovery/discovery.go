/*
Package discovery keeps track of the SolrCloud topology and reports it as events.

Two sources are provided. Watcher follows the cluster state in ZooKeeper with
one-shot watches that are re-armed after every event, and rebuilds everything
from a fresh read when the session is lost. Poller asks a solr node for
CLUSTERSTATUS on a ticker, for clients that cannot reach ZooKeeper.

Both publish the full collection -> endpoints mapping to the handlers added
with AddEventHandler; they never touch the registry themselves.
*/
package discovery

import (
	"context"
	"errors"
)

var (
	// ErrCoordinationUnavailable is reported once refreshing the topology kept failing
	// past the retry budget. The last known topology stays in use.
	ErrCoordinationUnavailable = errors.New("coordination service unavailable")
	// ErrNoNode is returned by a Coordinator for a path that does not exist
	ErrNoNode = errors.New("node does not exist")
	// ErrNotStarted is returned by Ensure before Start succeeded
	ErrNotStarted = errors.New("discovery not started")
	// ErrStopped is returned after Stop
	ErrStopped = errors.New("discovery stopped")
)

// Discovery is a source of topology events
type Discovery interface {
	// AddEventHandler adds a handler, all handlers receive every event in order
	AddEventHandler(handler func(event Event) error) error
	// Start reads the full topology once, publishes it and keeps it fresh afterwards.
	// It returns only after the first topology was published.
	Start(ctx context.Context) error
	// Ensure makes sure collection is followed, blocking until its first read
	Ensure(ctx context.Context, collection string) error
	// Ready reports whether Start succeeded and Stop was not called
	Ready() bool
	// Healthy reports whether the topology is currently fresh
	Healthy() bool
	// Stop releases everything, safe to call multiple times
	Stop() error
}

// WatchEventType is the type of a coordination watch notification
type WatchEventType int

// All the watch event types
const (
	WatchNodeCreated WatchEventType = iota
	WatchNodeDeleted
	WatchDataChanged
	WatchChildrenChanged
	// WatchNotWatching means the watch was dropped, usually with the session
	WatchNotWatching
)

var watchEventNames = map[WatchEventType]string{
	WatchNodeCreated:     "created",
	WatchNodeDeleted:     "deleted",
	WatchDataChanged:     "data_changed",
	WatchChildrenChanged: "children_changed",
	WatchNotWatching:     "not_watching",
}

func (t WatchEventType) String() string {
	return watchEventNames[t]
}

// WatchEvent is delivered at most once per armed watch
type WatchEvent struct {
	Type WatchEventType
	Path string
	Err  error
}

// Coordinator is the narrow read and watch interface the watcher needs
// from the coordination service. Every *W call arms exactly one one-shot watch.
type Coordinator interface {
	Children(path string) ([]string, error)
	ChildrenW(path string) ([]string, <-chan WatchEvent, error)
	Get(path string) ([]byte, error)
	GetW(path string) ([]byte, <-chan WatchEvent, error)
	ExistsW(path string) (bool, <-chan WatchEvent, error)
	Close()
}

// Dialer opens a new coordination session
type Dialer func(ctx context.Context) (Coordinator, error)
