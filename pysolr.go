/*
Package pysolr is a Solr client that follows the SolrCloud topology.

The client keeps a registry of the live endpoints of every collection, fed by
a discovery source: the ZooKeeper watcher, the CLUSTERSTATUS poller or a fixed
list of urls. Every request is routed to the endpoints of its collection and
fails over to the next one on connection errors, timeouts and 5xx answers.
*/
package pysolr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/django-haystack/pysolr/discovery"
	"github.com/django-haystack/pysolr/metrics"
	"github.com/django-haystack/pysolr/partition"
	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/router"
	"github.com/django-haystack/pysolr/seeds"
	"github.com/django-haystack/pysolr/transport"
	"github.com/django-haystack/pysolr/utils"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("tag", "pysolr.client")

// state represents the internal state of a client.
type state uint

const (
	// created means the client exists but the topology was not read yet
	created state = iota
	// ready means the client is now ready to serve requests.
	ready
	// destroyed means the client has been closed and cannot be revived.
	destroyed
)

var stateNames = map[state]string{
	created:   "created",
	ready:     "ready",
	destroyed: "destroyed",
}

func (s state) String() string {
	return stateNames[s]
}

// Client is the interface of the solr client
type Client interface {
	// Start reads the topology and blocks until it is known
	Start(ctx context.Context) error

	// Close stops the discovery and closes every connection
	Close() error

	// Ready reports whether the client serves requests
	Ready() bool

	// Healthy reports whether the topology is currently refreshed
	Healthy() bool

	// Debug returns the debug information of the client
	Debug() map[string]interface{}

	// Execute routes a raw request to the endpoints of its collection
	Execute(ctx context.Context, req *transport.Request) (*transport.Response, error)

	// Search queries collection with q and additional params
	Search(ctx context.Context, collection, q string, params transport.Params) (*Results, error)

	// Add adds or replaces docs
	Add(ctx context.Context, collection string, docs []Document, opts *UpdateOptions) error

	// Delete deletes documents by ids or by query
	Delete(ctx context.Context, collection string, ids []string, query string, opts *UpdateOptions) error

	// Commit commits pending updates
	Commit(ctx context.Context, collection string, opts *CommitOptions) error

	// Optimize merges the index segments
	Optimize(ctx context.Context, collection string, opts *OptimizeOptions) error

	// Ping checks that collection answers
	Ping(ctx context.Context, collection string) error
}

// Impl is the implementation of Client
type Impl struct {
	// config is the client configuration
	config *Config

	// registry holds the endpoints of every collection
	registry *registry.Registry

	// transport sends single requests
	transport *transport.HTTPTransport

	// router fails over between endpoints
	router *router.Router

	// discovery feeds the registry
	discovery discovery.Discovery

	// degraded tracks coordination outages
	degraded *DegradedHandler

	// metrics of the client
	metrics *metrics.Metrics

	// startTime is the time Start succeeded
	startTime time.Time

	// state is the state of the client
	state state

	// stateMutex is the mutex to access state
	stateMutex sync.RWMutex
}

// New creates a client for whatever the config points to: ZooKeeper when a
// zk host is set, the CLUSTERSTATUS poller for seeds, a static list for urls.
func New(config *Config) (*Impl, error) {
	config = setDefaultConfig(config)
	switch {
	case len(config.Discovery.Servers) > 0:
		return NewCloud(config)
	case len(config.Seeds) > 0:
		return NewPolling(config)
	case len(config.URLs) > 0:
		return NewStatic(config, config.URLs...)
	}
	return nil, ErrNoEndpointsConfigured
}

// NewCloud creates a client following the cluster state in ZooKeeper
func NewCloud(config *Config) (*Impl, error) {
	config = setDefaultConfig(config)
	if len(config.Discovery.Servers) == 0 {
		return nil, fmt.Errorf("%w: zookeeper servers missing", ErrNoEndpointsConfigured)
	}
	m := metrics.NewMetrics(config.Registerer)
	return newClient(config, discovery.NewZKWatcher(config.Discovery, m), nil, m), nil
}

// NewPolling creates a client polling CLUSTERSTATUS from config.Seeds
func NewPolling(config *Config) (*Impl, error) {
	config = setDefaultConfig(config)
	if len(config.Seeds) == 0 {
		return nil, fmt.Errorf("%w: seeds missing", ErrNoEndpointsConfigured)
	}
	for _, seed := range config.Seeds {
		if _, err := registry.ParseEndpoint(seed); err != nil {
			return nil, err
		}
	}
	m := metrics.NewMetrics(config.Registerer)
	tr := transport.New(config.Transport, m)
	return newClient(config, discovery.NewPoller(config.Poller, seeds.NewList(config.Seeds...), tr, m), tr, m), nil
}

// NewStatic creates a client sending every collection to urls, e.g. http://localhost:8983/solr
func NewStatic(config *Config, urls ...string) (*Impl, error) {
	config = setDefaultConfig(config)
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: urls missing", ErrNoEndpointsConfigured)
	}
	eps := make([]registry.Endpoint, 0, len(urls))
	for _, u := range urls {
		ep, err := registry.ParseEndpoint(u)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	m := metrics.NewMetrics(config.Registerer)
	return newClient(config, discovery.NewStatic(eps, config.Collection), nil, m), nil
}

// NewWithDiscovery creates a client fed by d
func NewWithDiscovery(config *Config, d discovery.Discovery) *Impl {
	config = setDefaultConfig(config)
	return newClient(config, d, nil, metrics.NewMetrics(config.Registerer))
}

func newClient(config *Config, d discovery.Discovery, tr *transport.HTTPTransport, m *metrics.Metrics) *Impl {
	if tr == nil {
		tr = transport.New(config.Transport, m)
	}
	reg := registry.New()
	client := &Impl{
		config:    config,
		registry:  reg,
		transport: tr,
		router: router.New(config.Router,
			partition.NewRegistryResolver(reg, config.ReadStrategy, config.WriteStrategy), tr, m),
		discovery: d,
		degraded:  NewDegradedHandler(config.OnDegraded),
		metrics:   m,
	}
	// handlers never fail to be added
	_ = d.AddEventHandler(NewTopologyHandler(reg, tr, m).Handler)
	_ = d.AddEventHandler(client.degraded.Handler)
	_ = d.AddEventHandler(config.OnTopologyChange)
	client.setState(created)
	return client
}

// Start implements Client
func (c *Impl) Start(ctx context.Context) error {
	switch c.getState() {
	case ready:
		return nil
	case destroyed:
		return ErrClosed
	}
	if err := c.discovery.Start(ctx); err != nil {
		return err
	}
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	if c.state == destroyed {
		return ErrClosed
	}
	c.startTime = time.Now()
	c.state = ready
	logger.Infof("client ready with %d collections", len(c.registry.Collections()))
	return nil
}

// Close implements Client
func (c *Impl) Close() error {
	c.stateMutex.Lock()
	if c.state == destroyed {
		c.stateMutex.Unlock()
		return nil
	}
	c.state = destroyed
	c.stateMutex.Unlock()

	err := c.discovery.Stop()
	if err != nil {
		logger.Errorf("stopping discovery got error: %s", err)
	}
	c.transport.Close()
	c.registry.Reset()
	logger.Info("client closed")
	return err
}

// Ready implements Client
func (c *Impl) Ready() bool {
	if c.getState() != ready {
		return false
	}
	return c.discovery.Ready()
}

// Healthy implements Client
func (c *Impl) Healthy() bool {
	return c.Ready() && c.discovery.Healthy() && !c.degraded.Degraded()
}

// Debug implements Client
func (c *Impl) Debug() map[string]interface{} {
	endpoints := map[string]int{}
	for _, collection := range c.registry.Collections() {
		endpoints[collection] = len(c.registry.Get(collection))
	}
	c.stateMutex.RLock()
	st, started := c.state, c.startTime
	c.stateMutex.RUnlock()

	debug := map[string]interface{}{}
	debug["status"] = st.String()
	debug["uptime"] = 0.0
	if !started.IsZero() {
		debug["uptime"] = time.Since(started).Seconds()
	}
	debug["collections"] = endpoints
	debug["topology_version"] = c.registry.Version()
	debug["healthy"] = c.Healthy()
	debug["degraded"] = c.degraded.Degraded()
	debug["pools"] = c.transport.Pools()
	debug["max_attempts"] = c.router.MaxAttempts()
	if s, ok := c.discovery.(interface{ Stats() map[string]interface{} }); ok {
		debug["discovery"] = s.Stats()
	}
	return debug
}

// Execute implements Client. The collection is followed on first use; when
// every candidate failed the whole request may be repeated OperationRetries times.
func (c *Impl) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	r := *req
	r.Collection = utils.SelectString(r.Collection, c.config.Collection)

	if r.Collection != "" {
		if err := c.discovery.Ensure(ctx, r.Collection); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warnf("following collection %q failed, using the last known endpoints: %s", r.Collection, err)
		}
	}

	var resp *transport.Response
	err := retry.Do(
		func() error {
			var err error
			resp, err = c.router.Execute(ctx, &r)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.config.OperationRetries)+1),
		retry.RetryIf(operationRetryable),
		retry.Delay(c.config.OperationRetryDelay),
		retry.MaxJitter(c.config.OperationRetryDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			// also called after the last attempt
			if int(n) >= c.config.OperationRetries {
				return
			}
			logger.Warnf("request to collection %q failed, retrying operation (%d): %s", r.Collection, n+1, err)
		}),
	)
	if err != nil {
		return nil, err
	}
	resp.Stale = c.degraded.Degraded() || !c.discovery.Healthy()
	return resp, nil
}

// operationRetryable reports the errors after which the whole request is repeated
func operationRetryable(err error) bool {
	var exhausted *router.ExhaustedError
	return errors.As(err, &exhausted) || errors.Is(err, router.ErrNoEndpoints)
}

func (c *Impl) checkReady() error {
	switch c.getState() {
	case created:
		return ErrNotReady
	case destroyed:
		return ErrClosed
	}
	return nil
}

// getState gets the state of the client.
func (c *Impl) getState() state {
	c.stateMutex.RLock()
	r := c.state
	c.stateMutex.RUnlock()
	return r
}

// setState sets the state of the client.
func (c *Impl) setState(s state) {
	c.stateMutex.Lock()
	c.state = s
	c.stateMutex.Unlock()
}
