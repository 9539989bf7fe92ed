package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/transport"
	"go.uber.org/multierr"
)

// ErrNoEndpoints is returned when the registry holds no candidate for a collection.
// The router does not retry it, callers may retry once coordination caught up.
var ErrNoEndpoints = errors.New("no endpoints available")

// Class is the failure classification of one attempt
type Class int

// All the attempt classes
const (
	ClassUnknown Class = iota
	ClassConnect
	ClassTimeout
	ClassServer
	ClassClient
	ClassCanceled
)

var classNames = map[Class]string{
	ClassUnknown:  "unknown",
	ClassConnect:  "connect",
	ClassTimeout:  "timeout",
	ClassServer:   "server",
	ClassClient:   "client",
	ClassCanceled: "canceled",
}

func (c Class) String() string {
	return classNames[c]
}

// Retryable reports whether another candidate may succeed where this one failed
func (c Class) Retryable() bool {
	return c == ClassConnect || c == ClassTimeout || c == ClassServer
}

// Classify maps an error returned by a transport.Sender onto a Class
func Classify(err error) Class {
	var (
		httpErr    *transport.HTTPError
		timeoutErr *transport.TimeoutError
		connErr    *transport.ConnectError
		encErr     *transport.EncodeError
	)
	switch {
	case errors.As(err, &httpErr):
		if httpErr.ServerSide() {
			return ClassServer
		}
		return ClassClient
	case errors.As(err, &timeoutErr):
		return ClassTimeout
	case errors.As(err, &connErr):
		return ClassConnect
	case errors.As(err, &encErr):
		return ClassClient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	}
	return ClassUnknown
}

// Retryable reports whether err allows failing over to the next candidate
func Retryable(err error) bool {
	return Classify(err).Retryable()
}

// Attempt records one try against one endpoint
type Attempt struct {
	Endpoint registry.Endpoint
	Err      error
	Latency  time.Duration
}

// ExhaustedError is returned when every attempt allowed by the budget failed
// with a retryable error. It keeps the failure of every endpoint tried.
type ExhaustedError struct {
	// Collection the request targeted
	Collection string
	// Candidates is the number of candidates known at request time
	Candidates int
	// Attempts in the order they were made
	Attempts []Attempt

	cause error
}

func newExhaustedError(collection string, candidates int, attempts []Attempt) *ExhaustedError {
	var cause error
	for _, a := range attempts {
		cause = multierr.Append(cause, a.Err)
	}
	return &ExhaustedError{
		Collection: collection,
		Candidates: candidates,
		Attempts:   attempts,
		cause:      cause,
	}
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Endpoint, a.Err))
	}
	return fmt.Sprintf("all candidates exhausted for collection %q (%d attempts of %d candidates): [%s]",
		e.Collection, len(e.Attempts), e.Candidates, strings.Join(parts, "; "))
}

// Unwrap exposes the per endpoint errors to errors.Is and errors.As
func (e *ExhaustedError) Unwrap() []error {
	return multierr.Errors(e.cause)
}

// Classes counts the attempts per failure class, one entry means every node failed the same way
func (e *ExhaustedError) Classes() map[Class]int {
	out := map[Class]int{}
	for _, a := range e.Attempts {
		out[Classify(a.Err)]++
	}
	return out
}

// Uniform reports whether all attempts failed with the same class
func (e *ExhaustedError) Uniform() bool {
	return len(e.Classes()) == 1
}

// Summary returns the classes as "class=count" sorted by name
func (e *ExhaustedError) Summary() string {
	classes := e.Classes()
	parts := make([]string, 0, len(classes))
	for c, n := range classes {
		parts = append(parts, fmt.Sprintf("%s=%d", c, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
