package pysolr

import "errors"

var (
	// ErrNotReady indicates the client was not started yet
	ErrNotReady = errors.New("solr client is not ready yet")
	// ErrClosed indicates the client was closed
	ErrClosed = errors.New("solr client is closed")
	// ErrInvalidDelete is returned by Delete unless exactly one of ids or query is given
	ErrInvalidDelete = errors.New("delete needs either ids or a query, not both")
	// ErrUnexpectedResponse is returned for a 2xx answer that is not a solr response
	ErrUnexpectedResponse = errors.New("unexpected solr response")
	// ErrNoEndpointsConfigured is returned when no discovery source can be built from the config
	ErrNoEndpointsConfigured = errors.New("no zookeeper hosts, seeds or urls configured")
)
