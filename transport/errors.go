package transport

import (
	"fmt"

	"github.com/django-haystack/pysolr/registry"
)

// ConnectError means the endpoint could not be reached or the connection broke
type ConnectError struct {
	Endpoint registry.Endpoint
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError means the attempt did not finish within the request timeout
type TimeoutError struct {
	Endpoint registry.Endpoint
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout %s: %s", e.Endpoint, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// HTTPError is a non 2xx answer from solr
type HTTPError struct {
	Endpoint registry.Endpoint
	// Status is the HTTP status code
	Status int
	// Code is the error code reported by solr in the body, 0 if absent
	Code int
	// Msg is the error message reported by solr
	Msg string
}

func (e *HTTPError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("solr %s returned HTTP %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("solr %s returned HTTP %d: %s", e.Endpoint, e.Status, e.Msg)
}

// ServerSide reports a 5xx status
func (e *HTTPError) ServerSide() bool {
	return e.Status >= 500
}

// EncodeError is returned for parameters that cannot be sent
type EncodeError struct {
	Param  string
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Reason)
}
