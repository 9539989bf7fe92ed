package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/django-haystack/pysolr/metrics"
	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/seeds"
	"github.com/django-haystack/pysolr/transport"
	"github.com/django-haystack/pysolr/utils"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// Poller is a Discovery asking solr nodes for CLUSTERSTATUS on a ticker.
// Topology is only published when its checksum changed.
type Poller struct {
	config   *PollerConfig
	seeds    seeds.Seeds
	sender   transport.Sender
	metrics  *metrics.Metrics
	handlers eventHandlers
	group    singleflight.Group

	mu        sync.Mutex
	state     watcherState
	healthy   bool
	failures  int
	published bool
	lastSum   uint32
	wanted    map[string]struct{}
	followed  map[string]struct{}
	liveNodes int
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller, sender is usually the client transport
func NewPoller(config *PollerConfig, s seeds.Seeds, sender transport.Sender, m *metrics.Metrics) *Poller {
	if m == nil {
		m = metrics.Noop()
	}
	config = SetDefaultPollerConfig(config)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		config:  config,
		seeds:   s,
		sender:  sender,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	if len(config.Collections) > 0 {
		p.wanted = map[string]struct{}{}
		p.followed = map[string]struct{}{}
		for _, c := range config.Collections {
			p.wanted[c] = struct{}{}
			p.followed[c] = struct{}{}
		}
	}
	return p
}

// AddEventHandler implements Discovery
func (p *Poller) AddEventHandler(handler func(event Event) error) error {
	return p.handlers.add(handler)
}

// Start implements Discovery
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case watcherReady:
		p.mu.Unlock()
		return nil
	case watcherStopped:
		p.mu.Unlock()
		return ErrStopped
	}
	p.mu.Unlock()

	err := retry.Do(func() error {
		return p.poll(ctx)
	},
		retry.Context(ctx),
		retry.Attempts(uint(p.config.MaxRetries)),
		retry.Delay(DefaultInitialBackoff),
		retry.MaxDelay(DefaultMaxBackoff),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCoordinationUnavailable, err)
	}

	p.mu.Lock()
	p.state = watcherReady
	p.healthy = true
	p.startedAt = time.Now()
	p.mu.Unlock()
	p.metrics.CoordinationUp.Set(1)

	p.wg.Add(1)
	go p.startClusterChangeProcessor()
	return nil
}

// startClusterChangeProcessor polls on every tick, publishing only changes
func (p *Poller) startClusterChangeProcessor() {
	defer p.wg.Done()
	defer utils.DoPanicRecovery("discovery-poller")
	logger.Infof("cluster status poller started, every %s", p.config.Interval)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			logger.Info("cluster status poller stopped")
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	err := p.poll(p.ctx)
	if p.ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	wasHealthy := p.healthy
	if err != nil {
		p.failures++
		if p.failures >= p.config.MaxRetries {
			p.healthy = false
		}
	} else {
		p.failures = 0
		p.healthy = true
	}
	healthy, failures := p.healthy, p.failures
	p.mu.Unlock()

	switch {
	case err != nil && wasHealthy && !healthy:
		p.metrics.CoordinationUp.Set(0)
		logger.Errorf("cluster status failed %d times, keeping last known topology: %s", failures, err)
		p.emit(Event{Type: EventCoordinationLost, Err: fmt.Errorf("%w: %v", ErrCoordinationUnavailable, err)})
	case err != nil:
		logger.Warnf("cluster status failed (%d in a row): %s", failures, err)
	case !wasHealthy:
		p.metrics.CoordinationUp.Set(1)
		logger.Info("cluster status restored")
		p.emit(Event{Type: EventCoordinationRestored})
	}
}

// poll asks the seeds in turn until one answers, then publishes the topology if it changed
func (p *Poller) poll(ctx context.Context) error {
	urls, err := p.seeds.GetN(0)
	if err != nil {
		return err
	}

	var errs error
	for _, u := range urls {
		ep, err := registry.ParseEndpoint(u)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		status, err := p.clusterStatus(ctx, ep)
		if err != nil {
			p.metrics.RefreshesTotal.WithLabelValues("cluster_status", "failed").Inc()
			errs = multierr.Append(errs, err)
			if ctx.Err() != nil {
				return errs
			}
			continue
		}
		p.metrics.RefreshesTotal.WithLabelValues("cluster_status", "ok").Inc()
		p.learnSeeds(status.LiveNodes)
		p.publish(status.Topology(p.config.URLScheme))
		return nil
	}
	return errs
}

func (p *Poller) clusterStatus(ctx context.Context, ep registry.Endpoint) (*ClusterStatus, error) {
	resp, err := p.sender.Send(ctx, ep, &transport.Request{
		Handler: "admin/collections",
		Params:  transport.Params{"action": "CLUSTERSTATUS"},
	})
	if err != nil {
		return nil, err
	}
	return ParseClusterStatus(resp.Body)
}

// learnSeeds adds the live nodes to the seeds so a dead configured seed is not fatal
func (p *Poller) learnSeeds(liveNodes []string) {
	urls := make([]string, 0, len(liveNodes))
	for _, n := range liveNodes {
		ep, err := registry.FromNodeName(n, p.config.URLScheme)
		if err != nil {
			logger.Warnf("skip live node: %s", err)
			continue
		}
		urls = append(urls, ep.URL())
	}
	sort.Strings(urls)
	p.seeds.Update(urls)

	p.mu.Lock()
	p.liveNodes = len(liveNodes)
	p.mu.Unlock()
}

func (p *Poller) publish(topology map[string][]registry.Endpoint) {
	p.handlers.emitMu.Lock()
	defer p.handlers.emitMu.Unlock()

	p.mu.Lock()
	if p.wanted != nil {
		for name := range topology {
			if _, ok := p.wanted[name]; !ok {
				delete(topology, name)
			}
		}
	}
	sum := TopologyChecksum(topology)
	if p.published && sum == p.lastSum {
		p.mu.Unlock()
		return
	}
	p.published = true
	p.lastSum = sum
	p.mu.Unlock()

	p.handlers.emit(Event{Type: EventTopologyChanged, Topology: topology, Checksum: sum})
}

func (p *Poller) emit(event Event) {
	p.handlers.emitMu.Lock()
	defer p.handlers.emitMu.Unlock()
	p.handlers.emit(event)
}

// Ensure implements Discovery. Without a collection filter everything is published already,
// otherwise collection is added to the filter and polled at once.
func (p *Poller) Ensure(ctx context.Context, collection string) error {
	p.mu.Lock()
	switch p.state {
	case watcherCreated:
		p.mu.Unlock()
		return ErrNotStarted
	case watcherStopped:
		p.mu.Unlock()
		return ErrStopped
	}
	if p.wanted == nil {
		p.mu.Unlock()
		return nil
	}
	if _, ok := p.followed[collection]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	ch := p.group.DoChan(collection, func() (interface{}, error) {
		p.mu.Lock()
		p.wanted[collection] = struct{}{}
		p.mu.Unlock()
		err := p.poll(p.ctx)
		if err == nil {
			p.mu.Lock()
			p.followed[collection] = struct{}{}
			p.mu.Unlock()
		}
		return nil, err
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Ready implements Discovery
func (p *Poller) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == watcherReady
}

// Healthy implements Discovery
func (p *Poller) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == watcherReady && p.healthy
}

// Stop implements Discovery
func (p *Poller) Stop() error {
	p.mu.Lock()
	if p.state == watcherStopped {
		p.mu.Unlock()
		return nil
	}
	p.state = watcherStopped
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.metrics.CoordinationUp.Set(0)
	return nil
}

// Stats returns debug information
func (p *Poller) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"source":     "cluster_status",
		"interval":   p.config.Interval.String(),
		"healthy":    p.healthy,
		"failures":   p.failures,
		"live_nodes": p.liveNodes,
		"since":      p.startedAt,
	}
}
