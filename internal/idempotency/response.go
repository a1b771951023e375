package idempotency

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// HeaderPair is one response header line. A header name may appear many times.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Response is a fully serialized HTTP response that can be replayed verbatim
type Response struct {
	StatusCode int
	Headers    []HeaderPair
	Body       []byte
}

// Header returns every value stored for name, in order
func (r Response) Header(name string) []string {
	var values []string
	canonical := http.CanonicalHeaderKey(name)
	for _, h := range r.Headers {
		if http.CanonicalHeaderKey(h.Name) == canonical {
			values = append(values, h.Value)
		}
	}
	return values
}

// Replay writes the response onto w. Headers are added in stored order so
// repeated names keep their multiplicity.
func (r Response) Replay(w http.ResponseWriter) error {
	for _, h := range r.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) == 0 {
		return nil
	}
	if _, err := w.Write(r.Body); err != nil {
		return fmt.Errorf("write saved response body: %w", err)
	}
	return nil
}

func encodeHeaders(headers []HeaderPair) (string, error) {
	if headers == nil {
		headers = []HeaderPair{}
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("encode response headers: %w", err)
	}
	return string(b), nil
}

func decodeHeaders(raw []byte) ([]HeaderPair, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var headers []HeaderPair
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, fmt.Errorf("decode response headers: %w", err)
	}
	return headers, nil
}
