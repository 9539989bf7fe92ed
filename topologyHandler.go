package pysolr

import (
	"github.com/django-haystack/pysolr/discovery"
	"github.com/django-haystack/pysolr/metrics"
	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/utils"
	log "github.com/sirupsen/logrus"
)

// pruner drops the connection pools of endpoints that left the topology
type pruner interface {
	Prune(active []registry.Endpoint)
}

// TopologyHandler is a discovery event handler that keeps the registry in sync
type TopologyHandler struct {
	registry *registry.Registry
	pools    pruner
	metrics  *metrics.Metrics
}

// NewTopologyHandler creates a TopologyHandler writing into reg
func NewTopologyHandler(reg *registry.Registry, pools pruner, m *metrics.Metrics) *TopologyHandler {
	if m == nil {
		m = metrics.Noop()
	}
	return &TopologyHandler{
		registry: reg,
		pools:    pools,
		metrics:  m,
	}
}

// Handler applies topology events, the others are ignored
func (h *TopologyHandler) Handler(event discovery.Event) error {
	if event.Type != discovery.EventTopologyChanged {
		return nil
	}
	before := h.registry.Collections()
	h.registry.Apply(event.Topology)

	active := []registry.Endpoint{}
	for collection, eps := range event.Topology {
		h.metrics.EndpointsGauge.WithLabelValues(collection).Set(float64(len(eps)))
		active = append(active, eps...)
	}
	removed, _ := utils.Difference(before, h.registry.Collections())
	for _, collection := range removed {
		h.metrics.EndpointsGauge.DeleteLabelValues(collection)
	}
	if h.pools != nil {
		h.pools.Prune(active)
	}
	h.metrics.TopologyVersion.Set(float64(h.registry.Version()))
	if logger.Logger.IsLevelEnabled(log.DebugLevel) {
		logger.Debugf("topology %d applied, removed %v: %s", event.Checksum, removed, utils.GetJSONStr(event.Topology))
	}
	return nil
}
