package httpparse

import "strings"

// Headers is a case-insensitive, insertion-order-preserving header map, as
// required by the Request/Response Packet shape.
type Headers struct {
	names  []string
	values []string
	index  map[string][]int
}

// NewHeaders returns an empty header map.
func NewHeaders() *Headers {
	return &Headers{index: make(map[string][]int)}
}

// Add appends a header, preserving any existing occurrence of the same name
// (multiple headers with the same name are legal; HTTP_<NAME> CGI env
// mapping joins them with ", " downstream, not here).
func (h *Headers) Add(name, value string) {
	key := strings.ToLower(name)
	h.index[key] = append(h.index[key], len(h.names))
	h.names = append(h.names, name)
	h.values = append(h.values, value)
}

// Get returns the first value stored for name, case-insensitively.
func (h *Headers) Get(name string) (string, bool) {
	idx, ok := h.index[strings.ToLower(name)]
	if !ok || len(idx) == 0 {
		return "", false
	}
	return h.values[idx[0]], true
}

// Count returns how many times name occurs, case-insensitively.
func (h *Headers) Count(name string) int {
	return len(h.index[strings.ToLower(name)])
}

// Each calls fn for every header in insertion order.
func (h *Headers) Each(fn func(name, value string)) {
	for i, n := range h.names {
		fn(n, h.values[i])
	}
}

// Len returns the number of header lines stored.
func (h *Headers) Len() int {
	return len(h.names)
}
