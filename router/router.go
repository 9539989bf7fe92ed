/*
Package router picks endpoints for a request and fails over between them.

Candidates are tried strictly one after another in the order the resolver
returns them. Connection failures, timeouts and 5xx answers move on to the
next candidate, client errors are returned at once. The router only reads the
registry; liveness is owned by the coordination service.
*/
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/django-haystack/pysolr/metrics"
	"github.com/django-haystack/pysolr/partition"
	"github.com/django-haystack/pysolr/transport"
	"github.com/django-haystack/pysolr/utils"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("tag", "pysolr.router")

// DefaultMaxAttempts is the default retry budget of one request
const DefaultMaxAttempts = 3

// Config is the router configuration
type Config struct {
	// MaxAttempts bounds the attempts of one request, optional, default 3
	MaxAttempts int `yaml:"max_attempts"`
}

// SetDefaultConfig fills the zero values of config
func SetDefaultConfig(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	config.MaxAttempts = utils.SelectInt(config.MaxAttempts, DefaultMaxAttempts)
	return config
}

// Router executes requests against the candidates of their collection
type Router struct {
	config   *Config
	resolver partition.Resolver
	sender   transport.Sender
	metrics  *metrics.Metrics
}

// New creates a router
func New(config *Config, resolver partition.Resolver, sender transport.Sender, m *metrics.Metrics) *Router {
	if m == nil {
		m = metrics.Noop()
	}
	return &Router{
		config:   SetDefaultConfig(config),
		resolver: resolver,
		sender:   sender,
		metrics:  m,
	}
}

// MaxAttempts returns the retry budget
func (r *Router) MaxAttempts() int {
	return r.config.MaxAttempts
}

// Execute sends req to at most min(candidates, MaxAttempts) endpoints and
// returns the first successful response.
func (r *Router) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	entry := logger.WithFields(log.Fields{
		"request":    uuid.NewString(),
		"collection": req.Collection,
		"handler":    req.Handler,
	})

	candidates := r.resolver.Resolve(req)
	if len(candidates) == 0 {
		r.metrics.RequestsTotal.WithLabelValues(req.Collection, "no_endpoints").Inc()
		entry.Debug("no candidates")
		return nil, fmt.Errorf("%w for collection %q", ErrNoEndpoints, req.Collection)
	}

	budget := utils.Min(len(candidates), r.config.MaxAttempts)
	attempts := make([]Attempt, 0, budget)
	for i := 0; i < budget; i++ {
		if err := ctx.Err(); err != nil {
			return nil, r.aborted(req, attempts, err)
		}

		ep := candidates[i]
		start := time.Now()
		resp, err := r.sender.Send(ctx, ep, req)
		latency := time.Since(start)
		if err == nil {
			r.metrics.AttemptsTotal.WithLabelValues(req.Collection, "ok").Inc()
			r.metrics.RequestsTotal.WithLabelValues(req.Collection, "ok").Inc()
			entry.Debugf("served by %s in %s after %d failed attempts", ep, latency, len(attempts))
			return resp, nil
		}

		class := Classify(err)
		r.metrics.AttemptsTotal.WithLabelValues(req.Collection, class.String()).Inc()
		attempts = append(attempts, Attempt{Endpoint: ep, Err: err, Latency: latency})

		if class == ClassCanceled {
			return nil, r.aborted(req, attempts, err)
		}
		if !class.Retryable() {
			r.metrics.RequestsTotal.WithLabelValues(req.Collection, "not_retryable").Inc()
			entry.Debugf("%s failed with %s error, not retrying: %s", ep, class, err)
			return nil, err
		}
		if i+1 < budget {
			r.metrics.FailoversTotal.WithLabelValues(req.Collection).Inc()
			entry.Warnf("%s failed with %s error, trying next candidate: %s", ep, class, err)
		}
	}

	exhausted := newExhaustedError(req.Collection, len(candidates), attempts)
	r.metrics.RequestsTotal.WithLabelValues(req.Collection, "exhausted").Inc()
	entry.Warnf("all candidates failed (%s)", exhausted.Summary())
	return nil, exhausted
}

func (r *Router) aborted(req *transport.Request, attempts []Attempt, err error) error {
	r.metrics.RequestsTotal.WithLabelValues(req.Collection, "aborted").Inc()
	return fmt.Errorf("request to collection %q aborted after %d attempts: %w", req.Collection, len(attempts), err)
}
