package registry

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidNodeName is returned when a live node name cannot be turned into an endpoint
var ErrInvalidNodeName = errors.New("invalid solr node name")

// Endpoint is the address of one Solr process, it is a value type and
// must not be modified once constructed.
type Endpoint struct {
	// Scheme is http or https
	Scheme string
	// Host is the host name or ip
	Host string
	// Port is the http port
	Port int
	// BasePath is the servlet context, usually "solr"
	BasePath string
	// NodeName is the live node name this endpoint was derived from, empty for static endpoints
	NodeName string
	// Leader is set when the node hosts a shard leader of the collection
	Leader bool
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the base url of the endpoint without trailing slash, e.g. http://10.0.0.1:8983/solr
func (e Endpoint) URL() string {
	u := e.Scheme + "://" + e.Addr()
	if p := strings.Trim(e.BasePath, "/"); p != "" {
		u += "/" + p
	}
	return u
}

// String implements fmt.Stringer
func (e Endpoint) String() string {
	return e.URL()
}

// ParseEndpoint parses a base url such as http://localhost:8983/solr into an Endpoint
func ParseEndpoint(rawURL string) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, rawURL)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("missing host in %q", rawURL)
	}
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid port in %q: %w", rawURL, err)
		}
	}
	return Endpoint{
		Scheme:   u.Scheme,
		Host:     host,
		Port:     port,
		BasePath: strings.Trim(u.Path, "/"),
	}, nil
}

// FromNodeName converts a SolrCloud live node name (host:port_context) into an Endpoint.
// The context part is url encoded by Solr, e.g. "10.0.0.1:8983_solr".
func FromNodeName(nodeName, scheme string) (Endpoint, error) {
	idx := strings.Index(nodeName, "_")
	if idx <= 0 {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidNodeName, nodeName)
	}
	host, portStr, err := net.SplitHostPort(nodeName[:idx])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %s", ErrInvalidNodeName, nodeName, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %s", ErrInvalidNodeName, nodeName, err)
	}
	context, err := url.PathUnescape(nodeName[idx+1:])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %s", ErrInvalidNodeName, nodeName, err)
	}
	if scheme == "" {
		scheme = "http"
	}
	return Endpoint{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		BasePath: strings.Trim(context, "/"),
		NodeName: nodeName,
	}, nil
}
