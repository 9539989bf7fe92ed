package discovery

import (
	"strings"
	"time"

	"github.com/django-haystack/pysolr/utils"
)

const (
	// DefaultSessionTimeout is the ZooKeeper session timeout
	DefaultSessionTimeout = 10 * time.Second
	// DefaultMaxRetries bounds the refresh and reconnect attempts before coordination is reported lost
	DefaultMaxRetries = 5
	// DefaultInitialBackoff is the first retry delay
	DefaultInitialBackoff = 100 * time.Millisecond
	// DefaultMaxBackoff caps the exponential retry delay
	DefaultMaxBackoff = 5 * time.Second
	// DefaultReconnectInterval is the pause between background recoveries once coordination is lost
	DefaultReconnectInterval = 30 * time.Second
	// DefaultPollInterval is the CLUSTERSTATUS polling period
	DefaultPollInterval = 30 * time.Second
)

// SolrCloud paths in ZooKeeper, relative to the chroot
const (
	LiveNodesPath    = "/live_nodes"
	AliasesPath      = "/aliases.json"
	ClusterStatePath = "/clusterstate.json"
	ClusterPropsPath = "/clusterprops.json"
	CollectionsPath  = "/collections"
)

// CollectionStatePath returns the state.json path of collection
func CollectionStatePath(collection string) string {
	return CollectionsPath + "/" + collection + "/state.json"
}

// Config is the configuration related to the discovery module
type Config struct {
	// Servers are the ZooKeeper servers as [host:port]
	Servers []string `yaml:"servers"`
	// Chroot is the ZooKeeper chroot of the solr cluster, optional, e.g. "/solr"
	Chroot string `yaml:"chroot"`
	// SessionTimeout, optional, default 10 seconds
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// Collections are read by Start, others are followed on first use
	Collections []string `yaml:"collections"`
	// MaxRetries, optional, default 5
	MaxRetries int `yaml:"max_retries"`
	// InitialBackoff, optional, default 100ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff, optional, default 5 seconds
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// ReconnectInterval, optional, default 30 seconds
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// URLScheme overrides the urlScheme cluster property, optional
	URLScheme string `yaml:"url_scheme"`
}

// ParseConnectString splits "zk1:2181,zk2:2181/solr" into servers and chroot
func ParseConnectString(connect string) ([]string, string) {
	chroot := ""
	if i := strings.Index(connect, "/"); i >= 0 {
		chroot = strings.TrimRight(connect[i:], "/")
		connect = connect[:i]
	}
	servers := []string{}
	for _, s := range strings.Split(connect, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers, chroot
}

// SetDefaultConfig fills the zero values of config
func SetDefaultConfig(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	config.SessionTimeout = utils.SelectDuration(config.SessionTimeout, DefaultSessionTimeout)
	config.MaxRetries = utils.SelectInt(config.MaxRetries, DefaultMaxRetries)
	config.InitialBackoff = utils.SelectDuration(config.InitialBackoff, DefaultInitialBackoff)
	config.MaxBackoff = utils.SelectDuration(config.MaxBackoff, DefaultMaxBackoff)
	config.ReconnectInterval = utils.SelectDuration(config.ReconnectInterval, DefaultReconnectInterval)
	config.Chroot = strings.TrimRight(config.Chroot, "/")
	return config
}

// PollerConfig is the configuration of the CLUSTERSTATUS poller
type PollerConfig struct {
	// Interval between two polls, optional, default 30 seconds
	Interval time.Duration `yaml:"interval"`
	// Collections restricts the published topology, empty means every collection
	Collections []string `yaml:"collections"`
	// MaxRetries, optional, default 5 consecutive failed polls before coordination is reported lost
	MaxRetries int `yaml:"max_retries"`
	// URLScheme for endpoints built from node names, optional, default http
	URLScheme string `yaml:"url_scheme"`
}

// SetDefaultPollerConfig fills the zero values of config
func SetDefaultPollerConfig(config *PollerConfig) *PollerConfig {
	if config == nil {
		config = &PollerConfig{}
	}
	config.Interval = utils.SelectDuration(config.Interval, DefaultPollInterval)
	config.MaxRetries = utils.SelectInt(config.MaxRetries, DefaultMaxRetries)
	config.URLScheme = utils.SelectString(config.URLScheme, "http")
	return config
}
