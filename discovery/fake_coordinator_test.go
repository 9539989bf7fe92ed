package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	errFakeClosed  = errors.New("fake session closed")
	errFakeExpired = errors.New("fake session expired")
)

type fakeWatchKind int

const (
	fakeWatchData fakeWatchKind = iota
	fakeWatchChildren
	fakeWatchExists
)

type fakeWatch struct {
	session *fakeSession
	path    string
	kind    fakeWatchKind
	ch      chan WatchEvent
}

// fakeCluster is an in-memory coordination service. Every dial opens a new session.
type fakeCluster struct {
	mu       sync.Mutex
	data     map[string][]byte
	children map[string][]string
	watches  []*fakeWatch
	readErr  error
	dialErr  error
	dials    int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		data:     map[string][]byte{},
		children: map[string][]string{},
	}
}

func (c *fakeCluster) dial(ctx context.Context) (Coordinator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	return &fakeSession{cluster: c}, nil
}

func (c *fakeCluster) dialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func (c *fakeCluster) setReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

func (c *fakeCluster) setDialErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialErr = err
}

// setData creates or updates a data node and fires its watches
func (c *fakeCluster) setData(path string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.data[path]
	c.data[path] = data
	if existed {
		c.fireLocked(path, WatchEvent{Type: WatchDataChanged, Path: path}, fakeWatchData, fakeWatchExists)
	} else {
		c.fireLocked(path, WatchEvent{Type: WatchNodeCreated, Path: path}, fakeWatchExists)
	}
}

// setDataSilently changes a node without notifying, as if it happened while disconnected
func (c *fakeCluster) setDataSilently(path string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[path] = data
}

func (c *fakeCluster) deleteData(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, path)
	c.fireLocked(path, WatchEvent{Type: WatchNodeDeleted, Path: path}, fakeWatchData, fakeWatchExists)
}

func (c *fakeCluster) setChildren(path string, children ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children[path] = children
	c.fireLocked(path, WatchEvent{Type: WatchChildrenChanged, Path: path}, fakeWatchChildren)
}

func (c *fakeCluster) setChildrenSilently(path string, children ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children[path] = children
}

// expire drops every session, all pending watches get WatchNotWatching
func (c *fakeCluster) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.watches {
		w.session.expired = true
		w.ch <- WatchEvent{Type: WatchNotWatching, Path: w.path, Err: errFakeExpired}
		close(w.ch)
	}
	c.watches = nil
}

// pending returns the number of armed, not yet fired watches on path
func (c *fakeCluster) pending(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.watches {
		if w.path == path {
			n++
		}
	}
	return n
}

func (c *fakeCluster) fireLocked(path string, ev WatchEvent, kinds ...fakeWatchKind) {
	kept := c.watches[:0]
	for _, w := range c.watches {
		match := w.path == path
		if match {
			match = false
			for _, k := range kinds {
				if w.kind == k {
					match = true
				}
			}
		}
		if !match {
			kept = append(kept, w)
			continue
		}
		w.ch <- ev
		close(w.ch)
	}
	c.watches = kept
}

func (c *fakeCluster) armLocked(s *fakeSession, path string, kind fakeWatchKind) <-chan WatchEvent {
	w := &fakeWatch{session: s, path: path, kind: kind, ch: make(chan WatchEvent, 1)}
	c.watches = append(c.watches, w)
	return w.ch
}

type fakeSession struct {
	cluster *fakeCluster
	closed  bool
	expired bool
}

func (s *fakeSession) checkLocked() error {
	switch {
	case s.closed:
		return errFakeClosed
	case s.expired:
		return errFakeExpired
	}
	return s.cluster.readErr
}

func (s *fakeSession) Children(path string) ([]string, error) {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	children, ok := c.children[path]
	if !ok {
		return nil, ErrNoNode
	}
	return append([]string(nil), children...), nil
}

func (s *fakeSession) ChildrenW(path string) ([]string, <-chan WatchEvent, error) {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, nil, err
	}
	children, ok := c.children[path]
	if !ok {
		return nil, nil, ErrNoNode
	}
	return append([]string(nil), children...), c.armLocked(s, path, fakeWatchChildren), nil
}

func (s *fakeSession) Get(path string) ([]byte, error) {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	data, ok := c.data[path]
	if !ok {
		return nil, ErrNoNode
	}
	return data, nil
}

func (s *fakeSession) GetW(path string) ([]byte, <-chan WatchEvent, error) {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, nil, err
	}
	data, ok := c.data[path]
	if !ok {
		return nil, nil, ErrNoNode
	}
	return data, c.armLocked(s, path, fakeWatchData), nil
}

func (s *fakeSession) ExistsW(path string) (bool, <-chan WatchEvent, error) {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return false, nil, err
	}
	_, isData := c.data[path]
	_, isParent := c.children[path]
	return isData || isParent, c.armLocked(s, path, fakeWatchExists), nil
}

func (s *fakeSession) Close() {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	kept := c.watches[:0]
	for _, w := range c.watches {
		if w.session != s {
			kept = append(kept, w)
			continue
		}
		w.ch <- WatchEvent{Type: WatchNotWatching, Path: w.path, Err: errFakeClosed}
		close(w.ch)
	}
	c.watches = kept
}

// solr state fixtures

type testReplica struct {
	node   string
	state  string
	leader bool
}

func replica(node string, leader bool) testReplica {
	return testReplica{node: node, state: ReplicaActive, leader: leader}
}

func downReplica(node string) testReplica {
	return testReplica{node: node, state: "down"}
}

func nodeName(host string) string {
	return host + ":8983_solr"
}

// stateJSON builds a one shard state.json for collection
func stateJSON(collection string, replicas ...testReplica) []byte {
	rs := map[string]Replica{}
	for i, r := range replicas {
		rep := Replica{
			Core:     collection + "_shard1_replica" + string(rune('a'+i)),
			BaseURL:  "http://" + r.node + ":8983/solr",
			NodeName: nodeName(r.node),
			State:    r.state,
		}
		if r.leader {
			rep.Leader = "true"
		}
		rs["core_node"+string(rune('1'+i))] = rep
	}
	data, _ := json.Marshal(map[string]*Collection{
		collection: {Shards: map[string]Shard{"shard1": {State: ReplicaActive, Replicas: rs}}},
	})
	return data
}

func aliasesJSON(aliases map[string]string) []byte {
	data, _ := json.Marshal(map[string]map[string]string{"collection": aliases})
	return data
}
