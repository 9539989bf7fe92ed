package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/django-haystack/pysolr/registry"
)

// Params are the query parameters of a solr request. Values may be strings,
// booleans, integers, floats, fmt.Stringers or slices of those; a slice
// produces a repeated parameter. Values are only checked when encoded.
type Params map[string]interface{}

// Request is one logical solr request, routed by collection
type Request struct {
	// Method is GET or POST, default GET
	Method string
	// Collection the request targets, empty for node level handlers such as admin/collections
	Collection string
	// Handler is the request handler path relative to the collection, e.g. "select" or "update"
	Handler string
	// Params are sent in the query string
	Params Params
	// Body is sent as is for POST requests
	Body []byte
	// ContentType of Body
	ContentType string
	// Write marks update requests, they prefer shard leaders
	Write bool
	// RoutingKey optionally pins the replica preference order for a key
	RoutingKey string
}

// Response is the raw result of one successful HTTP call
type Response struct {
	// Endpoint that served the request
	Endpoint registry.Endpoint
	// StatusCode is the HTTP status
	StatusCode int
	// Header of the response
	Header http.Header
	// Body is the full response body
	Body []byte
	// Latency of the HTTP call
	Latency time.Duration
	// Stale is set by the client when the topology was not fresh at request time
	Stale bool
}

// Encode validates and converts params into url values
func (p Params) Encode() (url.Values, error) {
	values := url.Values{}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			return nil, &EncodeError{Param: k, Reason: "empty parameter name"}
		}
		switch v := p[k].(type) {
		case []string:
			for _, s := range v {
				values.Add(k, s)
			}
		case []interface{}:
			for _, item := range v {
				s, err := encodeScalar(item)
				if err != nil {
					return nil, &EncodeError{Param: k, Reason: err.Error()}
				}
				values.Add(k, s)
			}
		case []int:
			for _, i := range v {
				values.Add(k, strconv.Itoa(i))
			}
		default:
			s, err := encodeScalar(v)
			if err != nil {
				return nil, &EncodeError{Param: k, Reason: err.Error()}
			}
			values.Add(k, s)
		}
	}
	return values, nil
}

func encodeScalar(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05Z"), nil
	case fmt.Stringer:
		return t.String(), nil
	case nil:
		return "", fmt.Errorf("nil value")
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
