// Package httpmsg implements the HTTP/1.1 message surface the request engine
// needs: ordered header fields, status-line parsing and request-head
// serialization.
package httpmsg

import "strings"

// Field is one header line, order-preserving.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered field list with case-insensitive lookup. Insertion
// order is preserved on writes.
type Header struct {
	fields []Field
}

func NewHeader() *Header { return &Header{} }

// Add appends a field, keeping any existing fields of the same name.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces every field named name with a single field.
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Get returns the first value for name, case-insensitively.
func (h *Header) Get(name string) (value string, ok bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value for name, in insertion order.
func (h *Header) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

func (h *Header) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

func (h *Header) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Fields returns the underlying ordered list. Callers must not mutate it.
func (h *Header) Fields() []Field { return h.fields }

func (h *Header) Len() int { return len(h.fields) }

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	clone := &Header{fields: make([]Field, len(h.fields))}
	copy(clone.fields, h.fields)
	return clone
}

// ValueHasToken reports whether the (comma-separated) field value contains
// token, case-insensitively. Used for Connection and Transfer-Encoding.
func ValueHasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
