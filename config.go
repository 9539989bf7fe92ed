package pysolr

import (
	"fmt"
	"os"
	"time"

	"github.com/django-haystack/pysolr/discovery"
	"github.com/django-haystack/pysolr/partition"
	"github.com/django-haystack/pysolr/router"
	"github.com/django-haystack/pysolr/transport"
	"github.com/django-haystack/pysolr/utils"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

const (
	// defaultOperationRetryDelay is the first pause before an operation is retried
	defaultOperationRetryDelay = 200 * time.Millisecond
)

// Config is the configuration related to the solr client
type Config struct {
	// Collection is used by operations called with an empty collection, optional
	Collection string `yaml:"collection"`

	// ZKHost is a ZooKeeper connect string such as "zk1:2181,zk2:2181/solr",
	// it fills Discovery.Servers and Discovery.Chroot, optional
	ZKHost string `yaml:"zk_host"`

	// Seeds are solr base urls polled for CLUSTERSTATUS when ZooKeeper is not reachable, optional
	Seeds []string `yaml:"seeds"`

	// URLs is a fixed list of solr base urls serving every collection, optional
	URLs []string `yaml:"urls"`

	// Transport is the HTTP configuration, optional, default transport config
	Transport *transport.Config `yaml:"transport"`

	// Router is the failover configuration, optional, default 3 attempts
	Router *router.Config `yaml:"router"`

	// Discovery is the ZooKeeper watcher configuration, optional
	Discovery *discovery.Config `yaml:"zookeeper"`

	// Poller is the CLUSTERSTATUS poller configuration, optional
	Poller *discovery.PollerConfig `yaml:"poller"`

	// OperationRetries is how often a whole operation is repeated after every
	// candidate failed or none was known, optional, default 0
	OperationRetries int `yaml:"operation_retries"`

	// OperationRetryDelay is the first pause between operation retries, optional, default 200ms
	OperationRetryDelay time.Duration `yaml:"operation_retry_delay"`

	// Affinity orders read candidates by the _route_ parameter, optional
	Affinity bool `yaml:"affinity"`

	// ReadStrategy orders read candidates, optional, default registry order
	ReadStrategy partition.Strategy `yaml:"-"`

	// WriteStrategy orders write candidates, optional, default leaders first
	WriteStrategy partition.Strategy `yaml:"-"`

	// Registerer receives the client metrics, optional, default unregistered
	Registerer prometheus.Registerer `yaml:"-"`

	// OnTopologyChange is invoked after every topology change was applied, optional
	OnTopologyChange func(event discovery.Event) error `yaml:"-"`

	// OnDegraded is invoked when the topology stops (true) or resumes (false) being refreshed, optional
	OnDegraded func(degraded bool) `yaml:"-"`
}

// LoadConfig reads a yaml configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return config, nil
}

// setDefaultConfig sets the default config
func setDefaultConfig(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	config.Transport = transport.SetDefaultConfig(config.Transport)
	config.Router = router.SetDefaultConfig(config.Router)
	config.Poller = discovery.SetDefaultPollerConfig(config.Poller)

	if config.Discovery == nil {
		config.Discovery = &discovery.Config{}
	}
	if config.ZKHost != "" {
		config.Discovery.Servers, config.Discovery.Chroot = discovery.ParseConnectString(config.ZKHost)
	}
	if config.Collection != "" && !utils.StrSliceContains(config.Discovery.Collections, config.Collection) {
		config.Discovery.Collections = append(config.Discovery.Collections, config.Collection)
	}
	config.Discovery = discovery.SetDefaultConfig(config.Discovery)

	if config.OperationRetries < 0 {
		config.OperationRetries = 0
	}
	config.OperationRetryDelay = utils.SelectDuration(config.OperationRetryDelay, defaultOperationRetryDelay)

	if config.ReadStrategy == nil && config.Affinity {
		config.ReadStrategy = partition.NewAffinityStrategy(nil)
	}
	// set default topology callback
	if config.OnTopologyChange == nil {
		config.OnTopologyChange = func(event discovery.Event) error { return nil }
	}
	// set default degraded callback
	if config.OnDegraded == nil {
		config.OnDegraded = func(bool) {}
	}
	return config
}
