package discovery

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/utils"
)

// ReplicaActive is the state of a replica able to serve requests
const ReplicaActive = "active"

// Replica is one core of a shard as stored in state.json
type Replica struct {
	Core     string `json:"core"`
	BaseURL  string `json:"base_url"`
	NodeName string `json:"node_name"`
	State    string `json:"state"`
	Leader   string `json:"leader,omitempty"`
	Type     string `json:"type,omitempty"`
}

// IsLeader reports the leader flag, stored as a string by solr
func (r Replica) IsLeader() bool {
	b, _ := strconv.ParseBool(r.Leader)
	return b
}

// Shard is one slice of a collection
type Shard struct {
	Range    string             `json:"range,omitempty"`
	State    string             `json:"state,omitempty"`
	Replicas map[string]Replica `json:"replicas"`
}

// Collection is the cluster state of one collection
type Collection struct {
	Name       string           `json:"-"`
	ConfigName string           `json:"configName,omitempty"`
	Shards     map[string]Shard `json:"shards"`
}

// ParseCollectionState parses a state.json or the legacy clusterstate.json,
// both map collection names to their state
func ParseCollectionState(data []byte) (map[string]*Collection, error) {
	out := map[string]*Collection{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invalid collection state: %w", err)
	}
	for name, c := range out {
		if c == nil {
			delete(out, name)
			continue
		}
		c.Name = name
	}
	return out, nil
}

// ParseAliases parses aliases.json, {"collection":{"alias":"c1,c2"}}
func ParseAliases(data []byte) (map[string][]string, error) {
	out := map[string][]string{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	var payload struct {
		Collection map[string]string `json:"collection"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid aliases: %w", err)
	}
	return splitAliases(payload.Collection), nil
}

func splitAliases(raw map[string]string) map[string][]string {
	out := make(map[string][]string, len(raw))
	for alias, targets := range raw {
		list := []string{}
		for _, t := range strings.Split(targets, ",") {
			if t = strings.TrimSpace(t); t != "" {
				list = append(list, t)
			}
		}
		if len(list) > 0 {
			out[alias] = list
		}
	}
	return out
}

// ParseClusterProps returns the urlScheme cluster property, empty when unset
func ParseClusterProps(data []byte) (string, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", nil
	}
	var payload struct {
		URLScheme string `json:"urlScheme"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("invalid cluster properties: %w", err)
	}
	return payload.URLScheme, nil
}

// Endpoints returns one endpoint per live node hosting an active replica of an
// active shard, sorted by node name. A node hosting any shard leader is marked Leader.
func (c *Collection) Endpoints(live map[string]struct{}, scheme string) []registry.Endpoint {
	byNode := map[string]registry.Endpoint{}
	for shardName, shard := range c.Shards {
		if shard.State != "" && shard.State != ReplicaActive {
			continue
		}
		for coreNode, replica := range shard.Replicas {
			if replica.State != ReplicaActive {
				continue
			}
			if _, ok := live[replica.NodeName]; !ok {
				continue
			}
			ep, ok := byNode[replica.NodeName]
			if !ok {
				var err error
				ep, err = replicaEndpoint(replica, scheme)
				if err != nil {
					logger.Warnf("skip replica %s of %s/%s: %s", coreNode, c.Name, shardName, err)
					continue
				}
			}
			ep.Leader = ep.Leader || replica.IsLeader()
			byNode[replica.NodeName] = ep
		}
	}

	nodes := make([]string, 0, len(byNode))
	for node := range byNode {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	out := make([]registry.Endpoint, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, byNode[node])
	}
	return out
}

func replicaEndpoint(replica Replica, scheme string) (registry.Endpoint, error) {
	if replica.BaseURL != "" {
		ep, err := registry.ParseEndpoint(replica.BaseURL)
		if err == nil {
			if scheme != "" {
				ep.Scheme = scheme
			}
			ep.NodeName = replica.NodeName
			return ep, nil
		}
	}
	return registry.FromNodeName(replica.NodeName, scheme)
}

// BuildTopology turns collection states, aliases and live nodes into the
// collection -> endpoints mapping. An alias maps to the endpoints of its
// targets in alias order, an endpoint listed by several targets appears once.
// A collection shadows an alias of the same name.
func BuildTopology(collections map[string]*Collection, aliases map[string][]string, liveNodes []string, scheme string) map[string][]registry.Endpoint {
	live := make(map[string]struct{}, len(liveNodes))
	for _, n := range liveNodes {
		live[n] = struct{}{}
	}

	topology := make(map[string][]registry.Endpoint, len(collections)+len(aliases))
	for name, c := range collections {
		if eps := c.Endpoints(live, scheme); len(eps) > 0 {
			topology[name] = eps
		}
	}
	for alias, targets := range aliases {
		if _, ok := collections[alias]; ok {
			continue
		}
		seen := map[string]int{}
		eps := []registry.Endpoint{}
		for _, target := range targets {
			for _, ep := range topology[target] {
				if i, ok := seen[ep.URL()]; ok {
					eps[i].Leader = eps[i].Leader || ep.Leader
					continue
				}
				seen[ep.URL()] = len(eps)
				eps = append(eps, ep)
			}
		}
		if len(eps) > 0 {
			topology[alias] = eps
		}
	}
	return topology
}

// TopologyChecksum fingerprints a full topology
func TopologyChecksum(topology map[string][]registry.Endpoint) uint32 {
	parts := make([]string, 0, len(topology))
	for name, eps := range topology {
		parts = append(parts, name+"="+strconv.FormatUint(uint64(registry.Checksum(eps)), 10))
	}
	return utils.GetCheckSumFromNodes(parts)
}

// ClusterStatus is the cluster part of a CLUSTERSTATUS response
type ClusterStatus struct {
	Collections map[string]*Collection `json:"collections"`
	Aliases     map[string]string      `json:"aliases"`
	LiveNodes   []string               `json:"live_nodes"`
}

// ParseClusterStatus parses the body of /admin/collections?action=CLUSTERSTATUS
func ParseClusterStatus(data []byte) (*ClusterStatus, error) {
	var payload struct {
		Cluster *ClusterStatus `json:"cluster"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid cluster status: %w", err)
	}
	if payload.Cluster == nil {
		return nil, fmt.Errorf("invalid cluster status: missing cluster")
	}
	for name, c := range payload.Cluster.Collections {
		if c == nil {
			delete(payload.Cluster.Collections, name)
			continue
		}
		c.Name = name
	}
	return payload.Cluster, nil
}

// Topology builds the collection -> endpoints mapping of the status
func (s *ClusterStatus) Topology(scheme string) map[string][]registry.Endpoint {
	return BuildTopology(s.Collections, splitAliases(s.Aliases), s.LiveNodes, scheme)
}
