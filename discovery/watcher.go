package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/django-haystack/pysolr/metrics"
	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var logger = log.WithField("tag", "pysolr.discovery")

var errStaleGeneration = errors.New("coordination session replaced")

// PathState is the state of one watched path
type PathState int

// All the path states
const (
	StateUnwatched PathState = iota
	StateWatching
	StateRefreshing
	StateDisconnected
)

var pathStateNames = map[PathState]string{
	StateUnwatched:    "unwatched",
	StateWatching:     "watching",
	StateRefreshing:   "refreshing",
	StateDisconnected: "disconnected",
}

func (s PathState) String() string {
	return pathStateNames[s]
}

type pathKind int

const (
	kindLiveNodes pathKind = iota
	kindAliases
	kindClusterState
	kindCollection
)

var pathKindNames = map[pathKind]string{
	kindLiveNodes:    "live_nodes",
	kindAliases:      "aliases",
	kindClusterState: "clusterstate",
	kindCollection:   "collection",
}

// subscription is one watched path. It belongs to the session generation it was armed in.
type subscription struct {
	path       string
	kind       pathKind
	collection string
	state      PathState
	generation uint64
	// armed counts the watches set on path in the current generation
	armed int
}

// nodeRead is the result of reading one path while arming its watch
type nodeRead struct {
	exists   bool
	data     []byte
	children []string
	watch    <-chan WatchEvent
}

// readPath reads sub.path and arms exactly one watch on it. A missing node
// gets an exists watch so its creation is noticed.
func readPath(coord Coordinator, sub *subscription) (nodeRead, error) {
	var (
		r   nodeRead
		err error
	)
	if sub.kind == kindLiveNodes {
		r.children, r.watch, err = coord.ChildrenW(sub.path)
	} else {
		r.data, r.watch, err = coord.GetW(sub.path)
	}
	if err == nil {
		r.exists = true
		return r, nil
	}
	if !errors.Is(err, ErrNoNode) {
		return nodeRead{}, err
	}

	exists, watch, err := coord.ExistsW(sub.path)
	if err != nil {
		return nodeRead{}, err
	}
	r = nodeRead{exists: exists, watch: watch}
	if !exists {
		return r, nil
	}
	// created in between, the exists watch covers the next change
	if sub.kind == kindLiveNodes {
		r.children, err = coord.Children(sub.path)
	} else {
		r.data, err = coord.Get(sub.path)
	}
	if errors.Is(err, ErrNoNode) {
		r.exists = false
		err = nil
	}
	return r, err
}

// clusterView is everything read from the coordination service in one session
type clusterView struct {
	liveNodes []string
	aliases   map[string][]string
	legacy    map[string]*Collection
	states    map[string]*Collection
	scheme    string
}

func newClusterView(scheme string) *clusterView {
	return &clusterView{
		aliases: map[string][]string{},
		legacy:  map[string]*Collection{},
		states:  map[string]*Collection{},
		scheme:  scheme,
	}
}

// apply stores a read, unparsable data keeps the previous value
func (v *clusterView) apply(sub *subscription, r nodeRead) {
	switch sub.kind {
	case kindLiveNodes:
		v.liveNodes = append([]string(nil), r.children...)
	case kindAliases:
		if !r.exists {
			v.aliases = map[string][]string{}
			return
		}
		aliases, err := ParseAliases(r.data)
		if err != nil {
			logger.Errorf("keep previous aliases: %s", err)
			return
		}
		v.aliases = aliases
	case kindClusterState:
		if !r.exists {
			v.legacy = map[string]*Collection{}
			return
		}
		legacy, err := ParseCollectionState(r.data)
		if err != nil {
			logger.Errorf("keep previous cluster state: %s", err)
			return
		}
		v.legacy = legacy
	case kindCollection:
		if !r.exists {
			delete(v.states, sub.collection)
			return
		}
		parsed, err := ParseCollectionState(r.data)
		if err != nil {
			logger.Errorf("keep previous state of %s: %s", sub.collection, err)
			return
		}
		if c, ok := parsed[sub.collection]; ok {
			v.states[sub.collection] = c
		} else {
			delete(v.states, sub.collection)
		}
	}
}

func (v *clusterView) topology() map[string][]registry.Endpoint {
	collections := make(map[string]*Collection, len(v.legacy)+len(v.states))
	for name, c := range v.legacy {
		collections[name] = c
	}
	for name, c := range v.states {
		collections[name] = c
	}
	return BuildTopology(collections, v.aliases, v.liveNodes, v.scheme)
}

// targets returns the collections whose state.json must be watched to serve names.
// Aliases resolve to their targets, collections of the legacy cluster state need no own path.
func (v *clusterView) targets(names []string) []string {
	set := map[string]struct{}{}
	for _, name := range names {
		list := []string{name}
		if aliased, ok := v.aliases[name]; ok {
			if _, isCollection := v.states[name]; !isCollection {
				list = aliased
			}
		}
		for _, c := range list {
			if _, ok := v.legacy[c]; !ok {
				set[c] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

type watcherState int

const (
	watcherCreated watcherState = iota
	watcherReady
	watcherStopped
)

// Watcher follows the SolrCloud state in the coordination service.
//
// Every watched path is read and armed in one call. When its watch fires the
// path is refreshed and re-armed, so exactly one watch per path is pending.
// Losing the session drops all watches; the watcher then dials a new session
// and rebuilds every subscription from a full read, prior state is discarded.
type Watcher struct {
	config   *Config
	dial     Dialer
	metrics  *metrics.Metrics
	handlers eventHandlers
	group    singleflight.Group

	mu         sync.Mutex
	state      watcherState
	coord      Coordinator
	generation uint64
	subs       map[string]*subscription
	wanted     map[string]struct{}
	view       *clusterView
	healthy    bool
	published  bool
	lastSum    uint32
	startedAt  time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	rebuildCh chan uint64
	wg        sync.WaitGroup
}

// NewWatcher creates a watcher opening sessions with dial
func NewWatcher(config *Config, dial Dialer, m *metrics.Metrics) *Watcher {
	if m == nil {
		m = metrics.Noop()
	}
	config = SetDefaultConfig(config)
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		config:    config,
		dial:      dial,
		metrics:   m,
		subs:      map[string]*subscription{},
		wanted:    map[string]struct{}{},
		view:      newClusterView(config.URLScheme),
		ctx:       ctx,
		cancel:    cancel,
		rebuildCh: make(chan uint64, 1),
	}
	for _, c := range config.Collections {
		w.wanted[c] = struct{}{}
	}
	return w
}

// NewZKWatcher creates a watcher over ZooKeeper
func NewZKWatcher(config *Config, m *metrics.Metrics) *Watcher {
	config = SetDefaultConfig(config)
	return NewWatcher(config, DialZK(config), m)
}

// AddEventHandler implements Discovery. Handlers run on the watcher goroutines
// and must not call back into Ensure.
func (w *Watcher) AddEventHandler(handler func(event Event) error) error {
	return w.handlers.add(handler)
}

// Start implements Discovery
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case watcherReady:
		w.mu.Unlock()
		return nil
	case watcherStopped:
		w.mu.Unlock()
		return ErrStopped
	}
	w.mu.Unlock()

	if err := w.rebuildWithRetry(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCoordinationUnavailable, err)
	}

	w.mu.Lock()
	if w.state == watcherStopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.state = watcherReady
	w.healthy = true
	w.startedAt = time.Now()
	w.mu.Unlock()
	w.metrics.CoordinationUp.Set(1)

	w.publish(true)
	w.wg.Add(1)
	go w.supervise()
	logger.Infof("watcher started on %v%s", w.config.Servers, w.config.Chroot)
	return nil
}

// Ensure implements Discovery. A collection never seen before is subscribed
// and the call blocks until its first read; concurrent calls share that read.
func (w *Watcher) Ensure(ctx context.Context, collection string) error {
	w.mu.Lock()
	switch w.state {
	case watcherCreated:
		w.mu.Unlock()
		return ErrNotStarted
	case watcherStopped:
		w.mu.Unlock()
		return ErrStopped
	}
	followed := w.followedLocked(collection)
	w.mu.Unlock()
	if followed {
		return nil
	}

	ch := w.group.DoChan(collection, func() (interface{}, error) {
		w.mu.Lock()
		w.wanted[collection] = struct{}{}
		w.mu.Unlock()
		return nil, w.follow([]string{collection})
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Ready implements Discovery
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == watcherReady
}

// Healthy implements Discovery
func (w *Watcher) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == watcherReady && w.healthy
}

// Stop implements Discovery
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.state == watcherStopped {
		w.mu.Unlock()
		return nil
	}
	w.state = watcherStopped
	coord := w.coord
	w.coord = nil
	for _, sub := range w.subs {
		sub.state = StateUnwatched
	}
	w.mu.Unlock()

	w.cancel()
	if coord != nil {
		coord.Close()
	}
	w.wg.Wait()
	w.metrics.CoordinationUp.Set(0)
	logger.Info("watcher stopped")
	return nil
}

// PathStates returns the state of every subscribed path
func (w *Watcher) PathStates() map[string]PathState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]PathState, len(w.subs))
	for path, sub := range w.subs {
		out[path] = sub.state
	}
	return out
}

// Armed returns how many watches were armed on path in the current session
func (w *Watcher) Armed(path string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sub, ok := w.subs[path]; ok {
		return sub.armed
	}
	return 0
}

// Generation is incremented by every successful rebuild
func (w *Watcher) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

// Stats returns debug information
func (w *Watcher) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make(map[string]string, len(w.subs))
	for path, sub := range w.subs {
		paths[path] = sub.state.String()
	}
	wanted := make([]string, 0, len(w.wanted))
	for c := range w.wanted {
		wanted = append(wanted, c)
	}
	sort.Strings(wanted)
	return map[string]interface{}{
		"source":     "zookeeper",
		"servers":    w.config.Servers,
		"chroot":     w.config.Chroot,
		"healthy":    w.healthy,
		"generation": w.generation,
		"live_nodes": len(w.view.liveNodes),
		"paths":      paths,
		"wanted":     wanted,
		"since":      w.startedAt,
	}
}

func (w *Watcher) currentGeneration() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

func (w *Watcher) retryOptions(ctx context.Context, what string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(w.config.MaxRetries)),
		retry.Delay(w.config.InitialBackoff),
		retry.MaxDelay(w.config.MaxBackoff),
		retry.MaxJitter(w.config.InitialBackoff),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warnf("%s attempt %d failed: %s", what, n+1, err)
		}),
	}
}

func (w *Watcher) rebuildWithRetry(ctx context.Context) error {
	return retry.Do(func() error {
		return w.rebuild(ctx)
	}, w.retryOptions(ctx, "rebuild")...)
}

// rebuild dials a new session, reads everything and replaces all state and subscriptions
func (w *Watcher) rebuild(ctx context.Context) error {
	w.metrics.ReconnectsTotal.Inc()
	coord, err := w.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	w.mu.Lock()
	wanted := make([]string, 0, len(w.wanted))
	for c := range w.wanted {
		wanted = append(wanted, c)
	}
	w.mu.Unlock()

	view, subs, reads, err := w.readAll(coord, wanted)
	if err != nil {
		coord.Close()
		w.metrics.RefreshesTotal.WithLabelValues("full", "failed").Inc()
		return err
	}
	w.metrics.RefreshesTotal.WithLabelValues("full", "ok").Inc()

	w.mu.Lock()
	if w.state == watcherStopped {
		w.mu.Unlock()
		coord.Close()
		return retry.Unrecoverable(ErrStopped)
	}
	old := w.coord
	w.generation++
	w.coord = coord
	w.view = view
	w.subs = make(map[string]*subscription, len(subs))
	for i, sub := range subs {
		w.armLocked(sub, reads[i].watch)
	}
	gen := w.generation
	w.mu.Unlock()

	if old != nil {
		old.Close()
	}
	logger.Infof("coordination state rebuilt, generation %d, %d paths, %d live nodes", gen, len(subs), len(view.liveNodes))
	return nil
}

// readAll reads the cluster wide paths first, then the state of every wanted collection
func (w *Watcher) readAll(coord Coordinator, wanted []string) (*clusterView, []*subscription, []nodeRead, error) {
	scheme := w.config.URLScheme
	if scheme == "" {
		props, err := coord.Get(ClusterPropsPath)
		switch {
		case errors.Is(err, ErrNoNode):
		case err != nil:
			return nil, nil, nil, err
		default:
			if scheme, err = ParseClusterProps(props); err != nil {
				logger.Warnf("ignore cluster properties: %s", err)
			}
		}
	}
	view := newClusterView(scheme)

	subs := []*subscription{
		{path: LiveNodesPath, kind: kindLiveNodes},
		{path: AliasesPath, kind: kindAliases},
		{path: ClusterStatePath, kind: kindClusterState},
	}
	reads, err := readParallel(coord, subs)
	if err != nil {
		return nil, nil, nil, err
	}
	for i, sub := range subs {
		view.apply(sub, reads[i])
	}

	collections := []*subscription{}
	for _, c := range view.targets(wanted) {
		collections = append(collections, &subscription{path: CollectionStatePath(c), kind: kindCollection, collection: c})
	}
	collectionReads, err := readParallel(coord, collections)
	if err != nil {
		return nil, nil, nil, err
	}
	for i, sub := range collections {
		view.apply(sub, collectionReads[i])
	}
	return view, append(subs, collections...), append(reads, collectionReads...), nil
}

func readParallel(coord Coordinator, subs []*subscription) ([]nodeRead, error) {
	reads := make([]nodeRead, len(subs))
	var g errgroup.Group
	for i, sub := range subs {
		g.Go(func() error {
			r, err := readPath(coord, sub)
			if err != nil {
				return fmt.Errorf("read %s: %w", sub.path, err)
			}
			reads[i] = r
			return nil
		})
	}
	return reads, g.Wait()
}

// armLocked installs sub for the current generation and waits for its watch
func (w *Watcher) armLocked(sub *subscription, watch <-chan WatchEvent) {
	if sub.generation != w.generation {
		sub.armed = 0
	}
	sub.generation = w.generation
	sub.state = StateWatching
	sub.armed++
	w.subs[sub.path] = sub
	w.wg.Add(1)
	go w.watch(sub.generation, sub, watch)
}

func (w *Watcher) watch(gen uint64, sub *subscription, ch <-chan WatchEvent) {
	defer w.wg.Done()
	defer utils.DoPanicRecovery("discovery-watch")

	var ev WatchEvent
	select {
	case <-w.ctx.Done():
		return
	case e, ok := <-ch:
		if !ok {
			e = WatchEvent{Type: WatchNotWatching, Path: sub.path}
		}
		ev = e
	}

	if ev.Type == WatchNotWatching {
		w.disconnected(gen, ev)
		return
	}
	w.refresh(gen, sub, ev)
}

// disconnected marks every path of the session and asks for a rebuild
func (w *Watcher) disconnected(gen uint64, ev WatchEvent) {
	w.mu.Lock()
	if gen != w.generation || w.state == watcherStopped {
		w.mu.Unlock()
		return
	}
	for _, sub := range w.subs {
		sub.state = StateDisconnected
	}
	w.mu.Unlock()

	logger.Warnf("watch on %s dropped (%v), rebuilding from a full read", ev.Path, ev.Err)
	w.requestRebuild(gen)
}

// refresh re-reads and re-arms one path after its watch fired
func (w *Watcher) refresh(gen uint64, sub *subscription, ev WatchEvent) {
	w.mu.Lock()
	if gen != w.generation || w.state == watcherStopped {
		w.mu.Unlock()
		return
	}
	sub.state = StateRefreshing
	coord := w.coord
	w.mu.Unlock()
	logger.Debugf("%s on %s, refreshing", ev.Type, sub.path)

	var read nodeRead
	err := retry.Do(func() error {
		if w.currentGeneration() != gen {
			return retry.Unrecoverable(errStaleGeneration)
		}
		r, err := readPath(coord, sub)
		if err != nil {
			return err
		}
		read = r
		return nil
	}, w.retryOptions(w.ctx, "refresh "+sub.path)...)

	kind := pathKindNames[sub.kind]
	if errors.Is(err, errStaleGeneration) || w.ctx.Err() != nil {
		return
	}
	if err != nil {
		w.metrics.RefreshesTotal.WithLabelValues(kind, "failed").Inc()
		w.mu.Lock()
		if gen == w.generation {
			sub.state = StateDisconnected
		}
		w.mu.Unlock()
		w.markUnavailable(fmt.Errorf("refresh %s: %w", sub.path, err))
		w.requestRebuild(gen)
		return
	}
	w.metrics.RefreshesTotal.WithLabelValues(kind, "ok").Inc()

	w.mu.Lock()
	if gen != w.generation || w.state == watcherStopped {
		w.mu.Unlock()
		return
	}
	w.view.apply(sub, read)
	w.armLocked(sub, read.watch)
	missing := w.missingLocked()
	w.mu.Unlock()

	w.publish(false)
	if len(missing) > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer utils.DoPanicRecovery("discovery-follow")
			if err := w.follow(missing); err != nil {
				logger.Warnf("follow %v: %s", missing, err)
			}
		}()
	}
}

// followedLocked reports whether collection is wanted and all its paths are subscribed
func (w *Watcher) followedLocked(collection string) bool {
	if _, ok := w.wanted[collection]; !ok {
		return false
	}
	for _, c := range w.view.targets([]string{collection}) {
		if _, ok := w.subs[CollectionStatePath(c)]; !ok {
			return false
		}
	}
	return true
}

// missingLocked returns the wanted names with an unsubscribed path, aliases may have moved
func (w *Watcher) missingLocked() []string {
	missing := []string{}
	for c := range w.wanted {
		if !w.followedLocked(c) {
			missing = append(missing, c)
		}
	}
	sort.Strings(missing)
	return missing
}

// follow subscribes the collection paths serving names, retried when the session changes meanwhile
func (w *Watcher) follow(names []string) error {
	for i := 0; i < 3; i++ {
		err := w.followOnce(names)
		if !errors.Is(err, errStaleGeneration) {
			return err
		}
	}
	return errStaleGeneration
}

func (w *Watcher) followOnce(names []string) error {
	w.mu.Lock()
	if w.state == watcherStopped {
		w.mu.Unlock()
		return ErrStopped
	}
	gen, coord := w.generation, w.coord
	subs := []*subscription{}
	for _, c := range w.view.targets(names) {
		path := CollectionStatePath(c)
		if _, ok := w.subs[path]; ok {
			continue
		}
		subs = append(subs, &subscription{path: path, kind: kindCollection, collection: c})
	}
	w.mu.Unlock()
	if len(subs) == 0 {
		return nil
	}
	if coord == nil {
		return ErrCoordinationUnavailable
	}

	reads := make([]nodeRead, len(subs))
	var g errgroup.Group
	for i, sub := range subs {
		g.Go(func() error {
			r, err := readPath(coord, sub)
			if err != nil {
				return fmt.Errorf("read %s: %w", sub.path, err)
			}
			reads[i] = r
			return nil
		})
	}
	readErr := g.Wait()

	w.mu.Lock()
	if gen != w.generation {
		w.mu.Unlock()
		return errStaleGeneration
	}
	for i, sub := range subs {
		if reads[i].watch == nil {
			continue
		}
		if _, ok := w.subs[sub.path]; ok {
			continue
		}
		w.view.apply(sub, reads[i])
		w.armLocked(sub, reads[i].watch)
	}
	w.mu.Unlock()

	w.publish(false)
	return readErr
}

// requestRebuild queues a rebuild of generation gen, keeping only the newest request
func (w *Watcher) requestRebuild(gen uint64) {
	for {
		select {
		case w.rebuildCh <- gen:
			return
		default:
		}
		select {
		case queued := <-w.rebuildCh:
			if queued > gen {
				gen = queued
			}
		default:
		}
	}
}

// supervise rebuilds on request, and keeps trying every ReconnectInterval while unhealthy
func (w *Watcher) supervise() {
	defer w.wg.Done()
	defer utils.DoPanicRecovery("discovery-supervise")

	ticker := time.NewTicker(w.config.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case gen := <-w.rebuildCh:
			if gen != w.currentGeneration() {
				continue
			}
			w.recover()
		case <-ticker.C:
			if !w.Healthy() {
				w.recover()
			}
		}
	}
}

func (w *Watcher) recover() {
	if err := w.rebuildWithRetry(w.ctx); err != nil {
		if w.ctx.Err() == nil {
			w.markUnavailable(err)
		}
		return
	}

	w.mu.Lock()
	restored := !w.healthy
	w.healthy = true
	missing := w.missingLocked()
	w.mu.Unlock()
	w.metrics.CoordinationUp.Set(1)

	w.publish(true)
	if restored {
		logger.Info("coordination restored")
		w.emit(Event{Type: EventCoordinationRestored})
	}
	if len(missing) > 0 {
		if err := w.follow(missing); err != nil {
			logger.Warnf("follow %v: %s", missing, err)
		}
	}
}

// markUnavailable reports the loss once, the registry keeps its last known good content
func (w *Watcher) markUnavailable(err error) {
	w.mu.Lock()
	wasHealthy := w.healthy
	w.healthy = false
	w.mu.Unlock()
	w.metrics.CoordinationUp.Set(0)

	if wasHealthy {
		logger.Errorf("coordination unavailable, keeping last known topology: %s", err)
		w.emit(Event{Type: EventCoordinationLost, Err: fmt.Errorf("%w: %v", ErrCoordinationUnavailable, err)})
	}
}

func (w *Watcher) emit(event Event) {
	w.handlers.emitMu.Lock()
	defer w.handlers.emitMu.Unlock()
	w.handlers.emit(event)
}

// publish emits the current topology when it changed since the last publication, or when forced
func (w *Watcher) publish(force bool) {
	w.handlers.emitMu.Lock()
	defer w.handlers.emitMu.Unlock()

	w.mu.Lock()
	topology := w.view.topology()
	sum := TopologyChecksum(topology)
	if w.published && sum == w.lastSum && !force {
		w.mu.Unlock()
		return
	}
	w.published = true
	w.lastSum = sum
	w.mu.Unlock()

	w.handlers.emit(Event{Type: EventTopologyChanged, Topology: topology, Checksum: sum})
}
