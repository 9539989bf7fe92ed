/*
Package transport performs single HTTP calls against single solr endpoints.

It owns connection reuse and timeouts. Every endpoint gets its own pool so no
connection state is shared across endpoints. It never retries, retrying is the
router's job.
*/
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/django-haystack/pysolr/metrics"
	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/utils"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var logger = log.WithField("tag", "pysolr.transport")

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("transport is closed")

const (
	// DefaultConnectTimeout bounds dialing and the TLS handshake
	DefaultConnectTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds one whole attempt
	DefaultRequestTimeout = 60 * time.Second
	// DefaultMaxIdleConnsPerEndpoint is the idle pool size per endpoint
	DefaultMaxIdleConnsPerEndpoint = 16
	// DefaultIdleConnTimeout closes idle connections after this long
	DefaultIdleConnTimeout = 90 * time.Second
	// DefaultMaxGETQueryLength switches GET requests to form POSTs above this size
	DefaultMaxGETQueryLength = 1024
)

// Sender sends one request to one endpoint
type Sender interface {
	Send(ctx context.Context, ep registry.Endpoint, req *Request) (*Response, error)
}

// Config is the transport configuration
type Config struct {
	// ConnectTimeout, optional, default 5 seconds
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// RequestTimeout, optional, default 60 seconds
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MaxIdleConnsPerEndpoint, optional, default 16
	MaxIdleConnsPerEndpoint int `yaml:"max_idle_conns_per_endpoint"`
	// IdleConnTimeout, optional, default 90 seconds
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
	// MaxGETQueryLength, optional, default 1024
	MaxGETQueryLength int `yaml:"max_get_query_length"`
	// Username and Password enable basic auth when set
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// UserAgent header, optional
	UserAgent string `yaml:"user_agent"`
	// Tracing wraps every endpoint transport with otelhttp
	Tracing bool `yaml:"tracing"`
	// TLSConfig for https endpoints, optional
	TLSConfig *tls.Config `yaml:"-"`
}

// SetDefaultConfig fills the zero values of config
func SetDefaultConfig(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	config.ConnectTimeout = utils.SelectDuration(config.ConnectTimeout, DefaultConnectTimeout)
	config.RequestTimeout = utils.SelectDuration(config.RequestTimeout, DefaultRequestTimeout)
	config.MaxIdleConnsPerEndpoint = utils.SelectInt(config.MaxIdleConnsPerEndpoint, DefaultMaxIdleConnsPerEndpoint)
	config.IdleConnTimeout = utils.SelectDuration(config.IdleConnTimeout, DefaultIdleConnTimeout)
	config.MaxGETQueryLength = utils.SelectInt(config.MaxGETQueryLength, DefaultMaxGETQueryLength)
	config.UserAgent = utils.SelectString(config.UserAgent, "pysolr-go")
	return config
}

type pool struct {
	client    *http.Client
	transport *http.Transport
}

// HTTPTransport is the Sender over net/http
type HTTPTransport struct {
	config  *Config
	metrics *metrics.Metrics

	mu     sync.RWMutex
	pools  map[string]*pool
	closed bool
}

// New creates an HTTPTransport
func New(config *Config, m *metrics.Metrics) *HTTPTransport {
	if m == nil {
		m = metrics.Noop()
	}
	return &HTTPTransport{
		config:  SetDefaultConfig(config),
		metrics: m,
		pools:   map[string]*pool{},
	}
}

// Send implements Sender
func (t *HTTPTransport) Send(ctx context.Context, ep registry.Endpoint, req *Request) (*Response, error) {
	httpReq, cancel, err := t.buildRequest(ctx, ep, req)
	if err != nil {
		return nil, err
	}
	defer cancel()

	p, err := t.poolFor(ep)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, t.classify(ctx, httpReq.Context(), ep, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	if err != nil {
		return nil, t.classify(ctx, httpReq.Context(), ep, err)
	}
	t.metrics.HTTPRequestDuration.WithLabelValues(httpReq.Method, strconv.Itoa(resp.StatusCode)).Observe(latency.Seconds())
	t.metrics.HTTPResponseSize.WithLabelValues(httpReq.Method).Observe(float64(len(body)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newHTTPError(ep, resp.StatusCode, body)
	}
	return &Response{
		Endpoint:   ep,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Latency:    latency,
	}, nil
}

// Prune closes the pools of endpoints that are not in active
func (t *HTTPTransport) Prune(active []registry.Endpoint) {
	keep := make(map[string]struct{}, len(active))
	for _, ep := range active {
		keep[ep.URL()] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, p := range t.pools {
		if _, ok := keep[key]; ok {
			continue
		}
		p.transport.CloseIdleConnections()
		delete(t.pools, key)
		logger.Debugf("closed connection pool of %s", key)
	}
}

// Close closes every pool, Send fails afterwards
func (t *HTTPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, p := range t.pools {
		p.transport.CloseIdleConnections()
		delete(t.pools, key)
	}
	t.closed = true
}

// Pools returns the number of endpoint pools currently open
func (t *HTTPTransport) Pools() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pools)
}

func (t *HTTPTransport) poolFor(ep registry.Endpoint) (*pool, error) {
	key := ep.URL()
	t.mu.RLock()
	p, ok := t.pools[key]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return p, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if p, ok = t.pools[key]; ok {
		return p, nil
	}
	p = t.newPool()
	t.pools[key] = p
	return p, nil
}

func (t *HTTPTransport) newPool() *pool {
	dialer := &net.Dialer{
		Timeout:   t.config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          t.config.MaxIdleConnsPerEndpoint,
		MaxIdleConnsPerHost:   t.config.MaxIdleConnsPerEndpoint,
		IdleConnTimeout:       t.config.IdleConnTimeout,
		TLSHandshakeTimeout:   t.config.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       t.config.TLSConfig,
	}
	var rt http.RoundTripper = tr
	if t.config.Tracing {
		rt = otelhttp.NewTransport(tr)
	}
	return &pool{
		client:    &http.Client{Transport: rt},
		transport: tr,
	}
}

func (t *HTTPTransport) buildRequest(ctx context.Context, ep registry.Endpoint, req *Request) (*http.Request, context.CancelFunc, error) {
	params := req.Params
	if params == nil {
		params = Params{}
	}
	values, err := params.Encode()
	if err != nil {
		return nil, nil, err
	}
	if values.Get("wt") == "" {
		values.Set("wt", "json")
	}

	target := ep.URL()
	if req.Collection != "" {
		target += "/" + req.Collection
	}
	target += "/" + strings.TrimLeft(req.Handler, "/")

	method := strings.ToUpper(utils.SelectString(req.Method, http.MethodGet))
	query := values.Encode()
	var body io.Reader
	contentType := req.ContentType
	switch {
	case method == http.MethodGet && len(query) > t.config.MaxGETQueryLength:
		method = http.MethodPost
		body = strings.NewReader(query)
		contentType = "application/x-www-form-urlencoded; charset=utf-8"
	case method == http.MethodGet:
		target += "?" + query
	default:
		target += "?" + query
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, target, body)
	if err != nil {
		cancel()
		return nil, nil, &EncodeError{Param: "url", Reason: err.Error()}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("User-Agent", t.config.UserAgent)
	if t.config.Username != "" {
		httpReq.SetBasicAuth(t.config.Username, t.config.Password)
	}
	return httpReq, cancel, nil
}

// classify maps a net/http failure onto the transport error taxonomy.
// A done caller context is returned as is so the router can stop.
func (t *HTTPTransport) classify(parent, attempt context.Context, ep registry.Endpoint, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Endpoint: ep, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Endpoint: ep, Err: err}
	}
	return &ConnectError{Endpoint: ep, Err: err}
}

var htmlTitle = regexp.MustCompile(`(?is)<(?:title|h1)>(.*?)</(?:title|h1)>`)

// newHTTPError extracts the solr error message from a json or html body
func newHTTPError(ep registry.Endpoint, status int, body []byte) *HTTPError {
	httpErr := &HTTPError{Endpoint: ep, Status: status}
	var payload struct {
		Error struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && (payload.Error.Msg != "" || payload.Error.Code != 0) {
		httpErr.Code = payload.Error.Code
		httpErr.Msg = payload.Error.Msg
		return httpErr
	}
	if m := htmlTitle.FindSubmatch(body); m != nil {
		httpErr.Msg = strings.TrimSpace(string(m[1]))
		return httpErr
	}
	httpErr.Msg = http.StatusText(status)
	return httpErr
}
