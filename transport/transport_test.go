package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/django-haystack/pysolr/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpointOf(t *testing.T, srv *httptest.Server) registry.Endpoint {
	ep, err := registry.ParseEndpoint(srv.URL + "/solr")
	require.NoError(t, err)
	return ep
}

func TestSendSelect(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"responseHeader":{"status":0},"response":{"numFound":0,"docs":[]}}`)
	}))
	defer srv.Close()

	tr := New(nil, nil)
	defer tr.Close()
	ep := endpointOf(t, srv)
	resp, err := tr.Send(context.Background(), ep, &Request{
		Collection: "books",
		Handler:    "select",
		Params:     Params{"q": "title:go", "rows": 10, "fq": []string{"a:1", "b:2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ep, resp.Endpoint)
	assert.Equal(t, "/solr/books/select", gotPath)
	assert.Equal(t, "fq=a%3A1&fq=b%3A2&q=title%3Ago&rows=10&wt=json", gotQuery)
	assert.Contains(t, string(resp.Body), "numFound")
}

func TestSendLongQueryUsesPost(t *testing.T) {
	var gotMethod, gotForm string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_ = r.ParseForm()
		gotForm = r.PostForm.Get("q")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	tr := New(&Config{MaxGETQueryLength: 16}, nil)
	defer tr.Close()
	long := strings.Repeat("x", 64)
	_, err := tr.Send(context.Background(), endpointOf(t, srv), &Request{
		Collection: "books",
		Handler:    "select",
		Params:     Params{"q": long},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, long, gotForm)
}

func TestSendHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/solr/books/json":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"code":400,"msg":"undefined field foo"}}`)
		case "/solr/books/html":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `<html><head><title>Error 503 Server is shutting down</title></head></html>`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tr := New(nil, nil)
	defer tr.Close()
	ep := endpointOf(t, srv)

	_, err := tr.Send(context.Background(), ep, &Request{Collection: "books", Handler: "json"})
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 400, httpErr.Status)
	assert.Equal(t, 400, httpErr.Code)
	assert.Equal(t, "undefined field foo", httpErr.Msg)
	assert.False(t, httpErr.ServerSide())

	_, err = tr.Send(context.Background(), ep, &Request{Collection: "books", Handler: "html"})
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 503, httpErr.Status)
	assert.Equal(t, "Error 503 Server is shutting down", httpErr.Msg)
	assert.True(t, httpErr.ServerSide())

	_, err = tr.Send(context.Background(), ep, &Request{Collection: "books", Handler: "other"})
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "Not Found", httpErr.Msg)
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr := New(&Config{RequestTimeout: 50 * time.Millisecond}, nil)
	defer tr.Close()
	_, err := tr.Send(context.Background(), endpointOf(t, srv), &Request{Collection: "books", Handler: "select"})
	var timeoutErr *TimeoutError
	assert.True(t, errors.As(err, &timeoutErr), "got %v", err)
}

func TestSendCallerContextDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := New(nil, nil)
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, endpointOf(t, srv), &Request{Collection: "books", Handler: "select"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var timeoutErr *TimeoutError
	assert.False(t, errors.As(err, &timeoutErr), "caller deadline is not an attempt timeout")
}

func TestSendConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ep := endpointOf(t, srv)
	srv.Close()

	tr := New(&Config{ConnectTimeout: time.Second}, nil)
	defer tr.Close()
	_, err := tr.Send(context.Background(), ep, &Request{Collection: "books", Handler: "select"})
	var connErr *ConnectError
	assert.True(t, errors.As(err, &connErr), "got %v", err)
}

func TestSendEncodeError(t *testing.T) {
	tr := New(nil, nil)
	defer tr.Close()
	ep := registry.Endpoint{Scheme: "http", Host: "127.0.0.1", Port: 1, BasePath: "solr"}
	_, err := tr.Send(context.Background(), ep, &Request{
		Collection: "books",
		Handler:    "select",
		Params:     Params{"q": struct{}{}},
	})
	var encErr *EncodeError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "q", encErr.Param)
	assert.Equal(t, 0, tr.Pools(), "nothing is dialed for a malformed request")
}

func TestPoolsPerEndpoint(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, `{}`) })
	srv1 := httptest.NewServer(handler)
	defer srv1.Close()
	srv2 := httptest.NewServer(handler)
	defer srv2.Close()

	tr := New(nil, nil)
	ep1, ep2 := endpointOf(t, srv1), endpointOf(t, srv2)
	for _, ep := range []registry.Endpoint{ep1, ep2, ep1} {
		_, err := tr.Send(context.Background(), ep, &Request{Collection: "books", Handler: "select"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, tr.Pools())

	tr.Prune([]registry.Endpoint{ep2})
	assert.Equal(t, 1, tr.Pools())

	tr.Close()
	assert.Equal(t, 0, tr.Pools())
	_, err := tr.Send(context.Background(), ep2, &Request{Collection: "books", Handler: "select"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParamsEncode(t *testing.T) {
	values, err := Params{
		"q":     "*:*",
		"rows":  int64(5),
		"score": 1.5,
		"debug": true,
		"fl":    []interface{}{"id", 3},
		"ids":   []int{1, 2},
	}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "*:*", values.Get("q"))
	assert.Equal(t, "5", values.Get("rows"))
	assert.Equal(t, "1.5", values.Get("score"))
	assert.Equal(t, "true", values.Get("debug"))
	assert.Equal(t, []string{"id", "3"}, values["fl"])
	assert.Equal(t, []string{"1", "2"}, values["ids"])

	_, err = Params{"bad": nil}.Encode()
	assert.Error(t, err)
	_, err = Params{"": "x"}.Encode()
	assert.Error(t, err)
	_, err = Params{"fl": []interface{}{map[string]string{}}}.Encode()
	assert.Error(t, err)
}
