package pysolr

import (
	"encoding/json"
	"fmt"
)

// Document is one solr document, field name to value
type Document map[string]interface{}

// Results is the parsed answer of a search
type Results struct {
	// Docs are the returned documents
	Docs []Document
	// Hits is the total number of matches
	Hits int64
	// Highlighting maps document ids to highlighted fields
	Highlighting map[string]map[string][]string
	// Facets is the facet_counts section
	Facets map[string]interface{}
	// Stats is the stats section
	Stats map[string]interface{}
	// Grouped is the grouped section of grouping queries, which carry no Docs
	Grouped map[string]interface{}
	// Debug is the debug section
	Debug map[string]interface{}
	// NextCursorMark is set for cursor queries
	NextCursorMark string
	// QTime is the server side query time in milliseconds
	QTime int
	// Stale is set when the topology was not refreshed at request time
	Stale bool
}

// Len returns the number of returned documents
func (r *Results) Len() int {
	return len(r.Docs)
}

type responseHeader struct {
	Status int `json:"status"`
	QTime  int `json:"QTime"`
}

type selectResponse struct {
	ResponseHeader responseHeader `json:"responseHeader"`
	Response       *struct {
		NumFound int64      `json:"numFound"`
		Docs     []Document `json:"docs"`
	} `json:"response"`
	Highlighting   map[string]map[string][]string `json:"highlighting"`
	FacetCounts    map[string]interface{}         `json:"facet_counts"`
	Stats          map[string]interface{}         `json:"stats"`
	Grouped        map[string]interface{}         `json:"grouped"`
	Debug          map[string]interface{}         `json:"debug"`
	NextCursorMark string                         `json:"nextCursorMark"`
}

// parseResults decodes a select response body
func parseResults(body []byte) (*Results, error) {
	var raw selectResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if raw.Response == nil && raw.Grouped == nil {
		return nil, fmt.Errorf("%w: no response section", ErrUnexpectedResponse)
	}
	results := &Results{
		Highlighting:   raw.Highlighting,
		Facets:         raw.FacetCounts,
		Stats:          raw.Stats,
		Grouped:        raw.Grouped,
		Debug:          raw.Debug,
		NextCursorMark: raw.NextCursorMark,
		QTime:          raw.ResponseHeader.QTime,
	}
	if raw.Response != nil {
		results.Docs = raw.Response.Docs
		results.Hits = raw.Response.NumFound
	}
	if results.Docs == nil {
		results.Docs = []Document{}
	}
	return results, nil
}

// checkStatus decodes the response header of an update response
func checkStatus(body []byte) (*responseHeader, error) {
	var raw struct {
		ResponseHeader *responseHeader `json:"responseHeader"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if raw.ResponseHeader == nil {
		return nil, fmt.Errorf("%w: no response header", ErrUnexpectedResponse)
	}
	if raw.ResponseHeader.Status != 0 {
		return nil, fmt.Errorf("%w: status %d", ErrUnexpectedResponse, raw.ResponseHeader.Status)
	}
	return raw.ResponseHeader, nil
}
