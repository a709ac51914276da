// Package mi implements the GDB Machine Interface text protocol.
//
// A line of debugger output is classified into a Record (result, async
// notification, one of the three stream kinds, the prompt, or unknown text).
// Result and notification payloads are parsed by a recursive-descent parser
// into a Tuple, an ordered multimap that preserves duplicate keys such as the
// repeated frame entries of a stack listing. Typed decoders turn payloads into
// Breakpoint, Frame, Thread, Variable and StoppedDetails values at the
// boundary so the rest of the program never handles untyped maps.
package mi

import (
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindString Kind = iota
	KindList
	KindTuple
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindTuple:
		return "tuple"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an MI value: a C string, a list, or a tuple.
//
// A list written with named elements, e.g. [frame={...},frame={...}], keeps
// the names in Results so it can be encoded again without loss.
type Value struct {
	Kind    Kind
	Str     string
	List    []Value
	Results *Tuple
}

// StringValue builds a string value.
func StringValue(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// ListValue builds an anonymous list.
func ListValue(items ...Value) Value {
	return Value{Kind: KindList, List: items}
}

// TupleValue wraps a tuple.
func TupleValue(t *Tuple) Value {
	return Value{Kind: KindTuple, Results: t}
}

// Items returns the elements of a list in order. Named list elements are
// returned without their names. A non-list value yields nil.
func (v Value) Items() []Value {
	if v.Kind != KindList {
		return nil
	}
	if v.Results != nil {
		out := make([]Value, 0, v.Results.Len())
		for _, r := range v.Results.results {
			out = append(out, r.Value)
		}
		return out
	}
	return v.List
}

// Tuple returns the tuple of a tuple value or of a named list, or nil.
func (v Value) Tuple() *Tuple {
	switch v.Kind {
	case KindTuple, KindList:
		return v.Results
	}
	return nil
}

// Result is a single key=value pair.
type Result struct {
	Key   string
	Value Value
}

// Tuple is an ordered multimap of results.
type Tuple struct {
	results []Result
}

// NewTuple returns an empty tuple.
func NewTuple() *Tuple {
	return &Tuple{}
}

// Add appends a result. Existing results with the same key are kept.
func (t *Tuple) Add(key string, v Value) *Tuple {
	t.results = append(t.results, Result{Key: key, Value: v})
	return t
}

// AddString appends a string result.
func (t *Tuple) AddString(key, s string) *Tuple {
	return t.Add(key, StringValue(s))
}

// Len reports the number of results, counting duplicates.
func (t *Tuple) Len() int {
	if t == nil {
		return 0
	}
	return len(t.results)
}

// Results returns the results in order.
func (t *Tuple) Results() []Result {
	if t == nil {
		return nil
	}
	return t.results
}

// Keys returns the distinct keys in first-seen order.
func (t *Tuple) Keys() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]bool, len(t.results))
	var keys []string
	for _, r := range t.results {
		if !seen[r.Key] {
			seen[r.Key] = true
			keys = append(keys, r.Key)
		}
	}
	return keys
}

// Get returns the first value stored under key.
func (t *Tuple) Get(key string) (Value, bool) {
	if t == nil {
		return Value{}, false
	}
	for _, r := range t.results {
		if r.Key == key {
			return r.Value, true
		}
	}
	return Value{}, false
}

// All returns every value stored under key, in order.
func (t *Tuple) All(key string) []Value {
	if t == nil {
		return nil
	}
	var out []Value
	for _, r := range t.results {
		if r.Key == key {
			out = append(out, r.Value)
		}
	}
	return out
}

// Has reports whether key is present.
func (t *Tuple) Has(key string) bool {
	_, ok := t.Get(key)
	return ok
}

// String returns the string stored under key, or "".
func (t *Tuple) String(key string) string {
	v, ok := t.Get(key)
	if !ok || v.Kind != KindString {
		return ""
	}
	return v.Str
}

// Int parses the string stored under key as a decimal integer.
func (t *Tuple) Int(key string) (int, bool) {
	s := t.String(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IntOr is Int with a fallback.
func (t *Tuple) IntOr(key string, def int) int {
	if n, ok := t.Int(key); ok {
		return n
	}
	return def
}

// Bool interprets "y", "1" and "true" as true.
func (t *Tuple) Bool(key string) bool {
	switch t.String(key) {
	case "y", "1", "true":
		return true
	}
	return false
}

// Tuple returns the tuple stored under key, or nil.
func (t *Tuple) Tuple(key string) *Tuple {
	v, ok := t.Get(key)
	if !ok {
		return nil
	}
	return v.Tuple()
}

// List returns the items of the list stored under key.
func (t *Tuple) List(key string) []Value {
	v, ok := t.Get(key)
	if !ok {
		return nil
	}
	return v.Items()
}

// Encode renders the tuple as a top-level MI payload (no braces).
func (t *Tuple) Encode() string {
	var sb strings.Builder
	t.encodeResults(&sb)
	return sb.String()
}

func (t *Tuple) encodeResults(sb *strings.Builder) {
	for i, r := range t.Results() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(r.Key)
		sb.WriteByte('=')
		r.Value.encode(sb)
	}
}

// Encode renders the value in MI syntax.
func (v Value) Encode() string {
	var sb strings.Builder
	v.encode(&sb)
	return sb.String()
}

func (v Value) encode(sb *strings.Builder) {
	switch v.Kind {
	case KindString:
		sb.WriteString(EscapeCString(v.Str))
	case KindTuple:
		sb.WriteByte('{')
		v.Results.encodeResults(sb)
		sb.WriteByte('}')
	case KindList:
		sb.WriteByte('[')
		if v.Results != nil {
			v.Results.encodeResults(sb)
		} else {
			for i, item := range v.List {
				if i > 0 {
					sb.WriteByte(',')
				}
				item.encode(sb)
			}
		}
		sb.WriteByte(']')
	}
}
