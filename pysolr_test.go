package pysolr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/django-haystack/pysolr/discovery"
	"github.com/django-haystack/pysolr/registry"
	"github.com/django-haystack/pysolr/router"
	"github.com/django-haystack/pysolr/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  url.Values
	body   string
}

// solrServer is a fake solr node recording every request
type solrServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []recorded
	// override answers instead of the default handler when set
	override func(w http.ResponseWriter, r *http.Request) bool
}

func newSolrServer(t *testing.T) *solrServer {
	s := &solrServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *solrServer) baseURL() string {
	return s.srv.URL + "/solr"
}

func (s *solrServer) endpoint(t *testing.T) registry.Endpoint {
	ep, err := registry.ParseEndpoint(s.baseURL())
	require.NoError(t, err)
	return ep
}

func (s *solrServer) setOverride(fn func(w http.ResponseWriter, r *http.Request) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = fn
}

func (s *solrServer) recorded() []recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recorded(nil), s.requests...)
}

func (s *solrServer) last() recorded {
	reqs := s.recorded()
	if len(reqs) == 0 {
		return recorded{}
	}
	return reqs[len(reqs)-1]
}

func (s *solrServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, recorded{method: r.Method, path: r.URL.Path, query: r.URL.Query(), body: string(body)})
	override := s.override
	s.mu.Unlock()
	if override != nil && override(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/select"):
		_, _ = io.WriteString(w, `{
		  "responseHeader": {"status": 0, "QTime": 4},
		  "response": {"numFound": 42, "start": 0, "docs": [{"id": "1", "title": "first"}, {"id": "2", "title": "second"}]},
		  "highlighting": {"1": {"title": ["<em>first</em>"]}},
		  "facet_counts": {"facet_fields": {"cat": ["a", 1]}},
		  "nextCursorMark": "AoE="
		}`)
	case strings.HasSuffix(r.URL.Path, "/update"):
		_, _ = io.WriteString(w, `{"responseHeader": {"status": 0, "QTime": 1}}`)
	case strings.HasSuffix(r.URL.Path, "/admin/ping"):
		_, _ = io.WriteString(w, `{"responseHeader": {"status": 0, "QTime": 0}, "status": "OK"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func startStatic(t *testing.T, config *Config, urls ...string) *Impl {
	t.Helper()
	client, err := NewStatic(config, urls...)
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// stubDiscovery publishes whatever the test tells it to
type stubDiscovery struct {
	mu       sync.Mutex
	handlers []func(discovery.Event) error
	topology map[string][]registry.Endpoint
	healthy  bool
	started  bool
	stopped  bool
	startErr error
	ensured  []string
}

func newStubDiscovery(topology map[string][]registry.Endpoint) *stubDiscovery {
	return &stubDiscovery{topology: topology, healthy: true}
}

func (d *stubDiscovery) AddEventHandler(handler func(event discovery.Event) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
	return nil
}

func (d *stubDiscovery) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.startErr != nil {
		d.mu.Unlock()
		return d.startErr
	}
	d.started = true
	topology := d.topology
	d.mu.Unlock()
	d.emit(discovery.Event{Type: discovery.EventTopologyChanged, Topology: topology})
	return nil
}

func (d *stubDiscovery) Ensure(ctx context.Context, collection string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensured = append(d.ensured, collection)
	return nil
}

func (d *stubDiscovery) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && !d.stopped
}

func (d *stubDiscovery) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

func (d *stubDiscovery) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *stubDiscovery) setHealthy(healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healthy = healthy
}

func (d *stubDiscovery) emit(event discovery.Event) {
	d.mu.Lock()
	handlers := append([]func(discovery.Event) error(nil), d.handlers...)
	d.mu.Unlock()
	for _, h := range handlers {
		_ = h(event)
	}
}

func TestClientLifecycle(t *testing.T) {
	s := newSolrServer(t)
	client, err := NewStatic(&Config{Collection: "core0"}, s.baseURL())
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), &transport.Request{Handler: "select"})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, client.Ready())
	assert.Equal(t, "created", client.Debug()["status"])

	require.NoError(t, client.Start(context.Background()))
	require.NoError(t, client.Start(context.Background()), "start twice")
	assert.True(t, client.Ready())
	assert.True(t, client.Healthy())

	debug := client.Debug()
	assert.Equal(t, "ready", debug["status"])
	assert.Equal(t, map[string]int{"core0": 1}, debug["collections"])
	assert.Equal(t, router.DefaultMaxAttempts, debug["max_attempts"])
	assert.Equal(t, "static", debug["discovery"].(map[string]interface{})["source"])

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close twice")
	assert.False(t, client.Ready())
	_, err = client.Execute(context.Background(), &transport.Request{Handler: "select"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, client.Start(context.Background()), ErrClosed)
	assert.Empty(t, client.registry.Collections())
}

func TestNewFromConfig(t *testing.T) {
	_, err := New(&Config{})
	assert.ErrorIs(t, err, ErrNoEndpointsConfigured)

	_, err = NewStatic(nil, "ftp://example.com")
	assert.Error(t, err)

	static, err := New(&Config{URLs: []string{"http://localhost:8983/solr"}})
	require.NoError(t, err)
	assert.Equal(t, "static", static.Debug()["discovery"].(map[string]interface{})["source"])

	polling, err := New(&Config{Seeds: []string{"http://localhost:8983/solr"}})
	require.NoError(t, err)
	assert.Equal(t, "cluster_status", polling.Debug()["discovery"].(map[string]interface{})["source"])

	cloud, err := New(&Config{ZKHost: "zk1:2181,zk2:2181/solr", Collection: "books"})
	require.NoError(t, err)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cloud.config.Discovery.Servers)
	assert.Equal(t, "/solr", cloud.config.Discovery.Chroot)
	assert.Equal(t, []string{"books"}, cloud.config.Discovery.Collections)
	stats := cloud.Debug()["discovery"].(map[string]interface{})
	assert.Equal(t, "zookeeper", stats["source"])
	require.NoError(t, cloud.Close(), "closing a client that never started")
}

func TestSearch(t *testing.T) {
	s := newSolrServer(t)
	client := startStatic(t, &Config{Collection: "core0"}, s.baseURL())

	results, err := client.Search(context.Background(), "", "title:first", transport.Params{"rows": 2, "fq": []string{"a:1", "b:2"}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), results.Hits)
	assert.Equal(t, 2, results.Len())
	assert.Equal(t, "first", results.Docs[0]["title"])
	assert.Equal(t, []string{"<em>first</em>"}, results.Highlighting["1"]["title"])
	assert.Contains(t, results.Facets, "facet_fields")
	assert.Equal(t, "AoE=", results.NextCursorMark)
	assert.Equal(t, 4, results.QTime)
	assert.False(t, results.Stale)

	req := s.last()
	assert.Equal(t, "/solr/core0/select", req.path)
	assert.Equal(t, "title:first", req.query.Get("q"))
	assert.Equal(t, "2", req.query.Get("rows"))
	assert.Equal(t, []string{"a:1", "b:2"}, req.query["fq"])
	assert.Equal(t, "json", req.query.Get("wt"))
}

func TestSearchOtherCollection(t *testing.T) {
	s := newSolrServer(t)
	client := startStatic(t, nil, s.baseURL())

	_, err := client.Search(context.Background(), "core1", "*:*", nil)
	require.NoError(t, err)
	assert.Equal(t, "/solr/core1/select", s.last().path)
	assert.Equal(t, []string{"core1"}, client.registry.Collections(), "followed on first use")
}

func TestSearchMalformedResponse(t *testing.T) {
	s := newSolrServer(t)
	s.setOverride(func(w http.ResponseWriter, r *http.Request) bool {
		_, _ = io.WriteString(w, `{"responseHeader": {"status": 0}}`)
		return true
	})
	client := startStatic(t, &Config{Collection: "core0"}, s.baseURL())

	_, err := client.Search(context.Background(), "", "*:*", nil)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestAdd(t *testing.T) {
	s := newSolrServer(t)
	client := startStatic(t, &Config{Collection: "core0"}, s.baseURL())
	docs := []Document{{"id": "1", "title": "first"}, {"id": "2", "tags": []string{"a", "b"}}}

	require.NoError(t, client.Add(context.Background(), "", docs, nil))
	req := s.last()
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/solr/core0/update", req.path)
	assert.Equal(t, "true", req.query.Get("commit"), "commits by default")
	var sent []Document
	require.NoError(t, json.Unmarshal([]byte(req.body), &sent))
	assert.Len(t, sent, 2)
	assert.Equal(t, "first", sent[0]["title"])

	require.NoError(t, client.Add(context.Background(), "", docs, &UpdateOptions{CommitWithin: 1500 * time.Millisecond}))
	req = s.last()
	assert.Empty(t, req.query.Get("commit"))
	assert.Equal(t, "1500", req.query.Get("commitWithin"))

	require.NoError(t, client.Add(context.Background(), "", docs, &UpdateOptions{SoftCommit: true}))
	assert.Equal(t, "true", s.last().query.Get("softCommit"))

	n := len(s.recorded())
	require.NoError(t, client.Add(context.Background(), "", nil, nil))
	assert.Len(t, s.recorded(), n, "nothing to add")
}

func TestDelete(t *testing.T) {
	s := newSolrServer(t)
	client := startStatic(t, &Config{Collection: "core0"}, s.baseURL())

	require.NoError(t, client.Delete(context.Background(), "", []string{"1", "2"}, "", &UpdateOptions{}))
	assert.JSONEq(t, `{"delete": ["1", "2"]}`, s.last().body)
	assert.Empty(t, s.last().query.Get("commit"))

	require.NoError(t, client.Delete(context.Background(), "", nil, "title:old", nil))
	assert.JSONEq(t, `{"delete": {"query": "title:old"}}`, s.last().body)
	assert.Equal(t, "true", s.last().query.Get("commit"))

	n := len(s.recorded())
	assert.ErrorIs(t, client.Delete(context.Background(), "", nil, "", nil), ErrInvalidDelete)
	assert.ErrorIs(t, client.Delete(context.Background(), "", []string{"1"}, "*:*", nil), ErrInvalidDelete)
	assert.Len(t, s.recorded(), n, "invalid deletes are not sent")
}

func TestCommitOptimizePing(t *testing.T) {
	s := newSolrServer(t)
	client := startStatic(t, &Config{Collection: "core0"}, s.baseURL())

	require.NoError(t, client.Commit(context.Background(), "", nil))
	assert.JSONEq(t, `{"commit": {}}`, s.last().body)

	wait := false
	require.NoError(t, client.Commit(context.Background(), "", &CommitOptions{SoftCommit: true, WaitSearcher: &wait}))
	assert.JSONEq(t, `{"commit": {"softCommit": true, "waitSearcher": false}}`, s.last().body)

	require.NoError(t, client.Optimize(context.Background(), "", &OptimizeOptions{MaxSegments: 1}))
	assert.JSONEq(t, `{"optimize": {"maxSegments": 1}}`, s.last().body)

	require.NoError(t, client.Ping(context.Background(), ""))
	assert.Equal(t, "/solr/core0/admin/ping", s.last().path)

	s.setOverride(func(w http.ResponseWriter, r *http.Request) bool {
		_, _ = io.WriteString(w, `{"responseHeader": {"status": 0}, "status": "DISABLED"}`)
		return true
	})
	assert.ErrorIs(t, client.Ping(context.Background(), ""), ErrUnexpectedResponse)
}

func TestUpdateFailureStatus(t *testing.T) {
	s := newSolrServer(t)
	s.setOverride(func(w http.ResponseWriter, r *http.Request) bool {
		_, _ = io.WriteString(w, `{"responseHeader": {"status": 1}}`)
		return true
	})
	client := startStatic(t, &Config{Collection: "core0"}, s.baseURL())
	assert.ErrorIs(t, client.Commit(context.Background(), "", nil), ErrUnexpectedResponse)
}

func TestFailoverBetweenURLs(t *testing.T) {
	down := newSolrServer(t)
	down.setOverride(func(w http.ResponseWriter, r *http.Request) bool {
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	})
	up := newSolrServer(t)
	client := startStatic(t, &Config{Collection: "core0"}, down.baseURL(), up.baseURL())

	for i := 0; i < 5; i++ {
		results, err := client.Search(context.Background(), "", "*:*", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(42), results.Hits)
	}
	assert.Len(t, up.recorded(), 5)
}

func TestClientErrorIsReturned(t *testing.T) {
	s := newSolrServer(t)
	s.setOverride(func(w http.ResponseWriter, r *http.Request) bool {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": {"code": 400, "msg": "undefined field nope"}}`)
		return true
	})
	client := startStatic(t, &Config{Collection: "core0", OperationRetries: 3}, s.baseURL())

	_, err := client.Search(context.Background(), "", "nope:1", nil)
	var httpErr *transport.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 400, httpErr.Status)
	assert.Equal(t, "undefined field nope", httpErr.Msg)
	assert.Len(t, s.recorded(), 1, "client errors are never retried")
}

func TestOperationRetries(t *testing.T) {
	s := newSolrServer(t)
	var mu sync.Mutex
	calls := 0
	s.setOverride(func(w http.ResponseWriter, r *http.Request) bool {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls%2 == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		}
		return false
	})

	noRetry := startStatic(t, &Config{Collection: "core0"}, s.baseURL())
	_, err := noRetry.Search(context.Background(), "", "*:*", nil)
	var exhausted *router.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Len(t, exhausted.Attempts, 1)

	mu.Lock()
	calls = 0
	mu.Unlock()
	retrying := startStatic(t, &Config{Collection: "core0", OperationRetries: 1, OperationRetryDelay: time.Millisecond}, s.baseURL())
	results, err := retrying.Search(context.Background(), "", "*:*", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), results.Hits)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "failed once, then repeated")
}

func TestNoEndpoints(t *testing.T) {
	d := newStubDiscovery(map[string][]registry.Endpoint{})
	client := NewWithDiscovery(&Config{OperationRetries: 2, OperationRetryDelay: time.Millisecond}, d)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	_, err := client.Search(context.Background(), "ghost", "*:*", nil)
	assert.ErrorIs(t, err, router.ErrNoEndpoints)
	assert.Equal(t, []string{"ghost"}, d.ensured)
}

func TestDegradedResponsesAreStale(t *testing.T) {
	s := newSolrServer(t)
	d := newStubDiscovery(map[string][]registry.Endpoint{"books": {s.endpoint(t)}})
	var mu sync.Mutex
	transitions := []bool{}
	client := NewWithDiscovery(&Config{
		Collection: "books",
		OnDegraded: func(degraded bool) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, degraded)
		},
	}, d)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	results, err := client.Search(context.Background(), "", "*:*", nil)
	require.NoError(t, err)
	assert.False(t, results.Stale)

	d.setHealthy(false)
	d.emit(discovery.Event{Type: discovery.EventCoordinationLost, Err: discovery.ErrCoordinationUnavailable})
	d.emit(discovery.Event{Type: discovery.EventCoordinationLost, Err: discovery.ErrCoordinationUnavailable})
	results, err = client.Search(context.Background(), "", "*:*", nil)
	require.NoError(t, err, "last known endpoints keep serving")
	assert.True(t, results.Stale)
	assert.False(t, client.Healthy())
	assert.Equal(t, true, client.Debug()["degraded"])

	d.setHealthy(true)
	d.emit(discovery.Event{Type: discovery.EventCoordinationRestored})
	results, err = client.Search(context.Background(), "", "*:*", nil)
	require.NoError(t, err)
	assert.False(t, results.Stale)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, transitions, "one callback per transition")
}

func TestStartFailure(t *testing.T) {
	d := newStubDiscovery(nil)
	d.startErr = discovery.ErrCoordinationUnavailable
	client := NewWithDiscovery(nil, d)
	assert.ErrorIs(t, client.Start(context.Background()), discovery.ErrCoordinationUnavailable)
	assert.False(t, client.Ready())
	_, err := client.Execute(context.Background(), &transport.Request{Collection: "c1", Handler: "select"})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestTopologyCallbackAndMetrics(t *testing.T) {
	s := newSolrServer(t)
	d := newStubDiscovery(map[string][]registry.Endpoint{"books": {s.endpoint(t)}})
	reg := prometheus.NewRegistry()
	events := 0
	client := NewWithDiscovery(&Config{
		Registerer: reg,
		OnTopologyChange: func(event discovery.Event) error {
			events++
			return nil
		},
	}, d)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()
	assert.Equal(t, 1, events)

	_, err := client.Search(context.Background(), "books", "*:*", nil)
	require.NoError(t, err)
	families, err := reg.Gather()
	require.NoError(t, err)
	names := []string{}
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "pysolr_requests_total")
	assert.Contains(t, names, "pysolr_collection_endpoints")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
collection: books
zk_host: zk1:2181,zk2:2181/solr
operation_retries: 2
operation_retry_delay: 50ms
affinity: true
transport:
  connect_timeout: 2s
  request_timeout: 10s
router:
  max_attempts: 4
zookeeper:
  session_timeout: 15s
  max_retries: 3
`), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "books", config.Collection)
	assert.Equal(t, 2, config.OperationRetries)
	assert.Equal(t, 50*time.Millisecond, config.OperationRetryDelay)
	assert.Equal(t, 2*time.Second, config.Transport.ConnectTimeout)
	assert.Equal(t, 4, config.Router.MaxAttempts)
	assert.Equal(t, 15*time.Second, config.Discovery.SessionTimeout)

	config = setDefaultConfig(config)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, config.Discovery.Servers)
	assert.Equal(t, []string{"books"}, config.Discovery.Collections)
	assert.NotNil(t, config.ReadStrategy)
	assert.Equal(t, transport.DefaultMaxGETQueryLength, config.Transport.MaxGETQueryLength)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	require.NoError(t, os.WriteFile(path, []byte("router: [1"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}
