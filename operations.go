package pysolr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/django-haystack/pysolr/transport"
)

const (
	selectHandler   = "select"
	updateHandler   = "update"
	pingHandler     = "admin/ping"
	jsonContentType = "application/json"
	// routeParam is the solr composite id routing parameter, it doubles as the affinity key
	routeParam = "_route_"
)

// UpdateOptions control when added or deleted documents become visible.
// A nil *UpdateOptions commits, the zero value does not.
type UpdateOptions struct {
	// Commit issues a hard commit with the update
	Commit bool
	// SoftCommit issues a soft commit with the update
	SoftCommit bool
	// CommitWithin asks solr to commit within this duration
	CommitWithin time.Duration
}

func (o *UpdateOptions) params() transport.Params {
	if o == nil {
		o = &UpdateOptions{Commit: true}
	}
	p := transport.Params{}
	if o.Commit {
		p["commit"] = true
	}
	if o.SoftCommit {
		p["softCommit"] = true
	}
	if o.CommitWithin > 0 {
		p["commitWithin"] = o.CommitWithin.Milliseconds()
	}
	return p
}

// CommitOptions of an explicit commit
type CommitOptions struct {
	SoftCommit     bool  `json:"softCommit,omitempty"`
	ExpungeDeletes bool  `json:"expungeDeletes,omitempty"`
	WaitSearcher   *bool `json:"waitSearcher,omitempty"`
}

// OptimizeOptions of an optimize
type OptimizeOptions struct {
	MaxSegments  int   `json:"maxSegments,omitempty"`
	WaitSearcher *bool `json:"waitSearcher,omitempty"`
}

// Search implements Client. A string _route_ param also pins the replica order
// when the client uses affinity.
func (c *Impl) Search(ctx context.Context, collection, q string, params transport.Params) (*Results, error) {
	p := make(transport.Params, len(params)+1)
	for k, v := range params {
		p[k] = v
	}
	p["q"] = q
	req := &transport.Request{
		Collection: collection,
		Handler:    selectHandler,
		Params:     p,
	}
	if route, ok := p[routeParam].(string); ok {
		req.RoutingKey = route
	}
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	results, err := parseResults(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", resp.Endpoint, err)
	}
	results.Stale = resp.Stale
	return results, nil
}

// Add implements Client
func (c *Impl) Add(ctx context.Context, collection string, docs []Document, opts *UpdateOptions) error {
	if len(docs) == 0 {
		logger.Debug("add called without documents")
		return nil
	}
	return c.update(ctx, collection, docs, opts.params())
}

// Delete implements Client, exactly one of ids and query must be given
func (c *Impl) Delete(ctx context.Context, collection string, ids []string, query string, opts *UpdateOptions) error {
	var body interface{}
	switch {
	case len(ids) > 0 && query == "":
		body = map[string]interface{}{"delete": ids}
	case len(ids) == 0 && query != "":
		body = map[string]interface{}{"delete": map[string]string{"query": query}}
	default:
		return ErrInvalidDelete
	}
	return c.update(ctx, collection, body, opts.params())
}

// Commit implements Client
func (c *Impl) Commit(ctx context.Context, collection string, opts *CommitOptions) error {
	if opts == nil {
		opts = &CommitOptions{}
	}
	return c.update(ctx, collection, map[string]interface{}{"commit": opts}, nil)
}

// Optimize implements Client
func (c *Impl) Optimize(ctx context.Context, collection string, opts *OptimizeOptions) error {
	if opts == nil {
		opts = &OptimizeOptions{}
	}
	return c.update(ctx, collection, map[string]interface{}{"optimize": opts}, nil)
}

// Ping implements Client
func (c *Impl) Ping(ctx context.Context, collection string) error {
	resp, err := c.Execute(ctx, &transport.Request{Collection: collection, Handler: pingHandler})
	if err != nil {
		return err
	}
	var raw struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if raw.Status != "OK" {
		return fmt.Errorf("%w: ping %s answered %q", ErrUnexpectedResponse, resp.Endpoint, raw.Status)
	}
	return nil
}

func (c *Impl) update(ctx context.Context, collection string, body interface{}, params transport.Params) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &transport.EncodeError{Param: "body", Reason: err.Error()}
	}
	resp, err := c.Execute(ctx, &transport.Request{
		Method:      http.MethodPost,
		Collection:  collection,
		Handler:     updateHandler,
		Params:      params,
		Body:        data,
		ContentType: jsonContentType,
		Write:       true,
	})
	if err != nil {
		return err
	}
	header, err := checkStatus(resp.Body)
	if err != nil {
		return fmt.Errorf("update %s: %w", resp.Endpoint, err)
	}
	logger.Debugf("update of %q done in %dms", collection, header.QTime)
	return nil
}
