package kernel

import (
	"sort"
	"strings"
)

// Record is an ordered string-keyed map. Unit configuration is expressed as
// records so that declaration order survives, which matters for context
// definitions and processor registration.
//
// A nil *Record behaves as an empty record for reads.
type Record struct {
	keys   []string
	values map[string]any
}

// NewRecord creates an empty record.
func NewRecord() *Record {
	return &Record{values: make(map[string]any)}
}

// RecordOf converts a plain map into a record. Keys are taken in sorted order
// and nested maps are converted recursively.
func RecordOf(m map[string]any) *Record {
	r := NewRecord()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			v = RecordOf(nested)
		}
		r.Set(k, v)
	}
	return r
}

// Set stores value under key. A new key is appended; an existing key keeps
// its position. Set returns the record for chaining.
func (r *Record) Set(key string, value any) *Record {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
	return r
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.values[key]
	return v, ok
}

// Has reports whether key is present.
func (r *Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Keys returns the keys in insertion order.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, len(r.keys))
	copy(keys, r.keys)
	return keys
}

// Len returns the number of keys.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Clone returns a copy of r. Nested records are cloned; other values are shared.
func (r *Record) Clone() *Record {
	out := NewRecord()
	if r == nil {
		return out
	}
	for _, k := range r.keys {
		v := r.values[k]
		if nested, ok := v.(*Record); ok {
			v = nested.Clone()
		}
		out.Set(k, v)
	}
	return out
}

// Map converts the record into a plain map, recursively.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, r.Len())
	if r == nil {
		return out
	}
	for _, k := range r.keys {
		v := r.values[k]
		if nested, ok := v.(*Record); ok {
			v = nested.Map()
		}
		out[k] = v
	}
	return out
}

// Expand nests every top-level key containing a dot into the corresponding
// sub-record tree: "define.ttl" becomes define -> ttl. Keys are applied in
// order, so a later key wins over an earlier one at the same path.
//
// A segment that collides with a value that is not a record (or a plain
// map) is overwritten by a fresh record, discarding the old value.
//
// The input is not modified.
func Expand(r *Record) *Record {
	out := NewRecord()
	for _, key := range r.Keys() {
		value, _ := r.Get(key)
		if !strings.Contains(key, ".") {
			out.Set(key, value)
			continue
		}
		setPath(out, strings.Split(key, "."), value)
	}
	return out
}

func setPath(r *Record, path []string, value any) {
	cur := r
	for _, seg := range path[:len(path)-1] {
		var next *Record
		switch existing := cur.values[seg].(type) {
		case *Record:
			next = existing.Clone()
		case map[string]any:
			next = RecordOf(existing)
		default:
			next = NewRecord()
		}
		cur.Set(seg, next)
		cur = next
	}
	cur.Set(path[len(path)-1], value)
}

// asRecord accepts a *Record or a plain map.
func asRecord(v any) (*Record, bool) {
	switch t := v.(type) {
	case *Record:
		return t, t != nil
	case map[string]any:
		return RecordOf(t), true
	default:
		return nil, false
	}
}
