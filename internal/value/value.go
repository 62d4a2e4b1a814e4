// Package value holds the JSON-like value tree the runner works with
// internally. YAML documents, expression results, and matcher parameters are
// all represented as Values. Maps preserve insertion order for output but
// compare as unordered key/value sets.
package value

import (
	"fmt"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindSeq
	KindMap
)

// Value is a tagged union over the JSON-like kinds. The zero Value is Null.
type Value struct {
	kind  Kind
	boolV bool
	intV  int64
	fltV  float64
	strV  string
	bytV  []byte
	seqV  []Value
	mapV  *Map
}

func Null() Value           { return Value{kind: KindNull} }
func Bool(b bool) Value     { return Value{kind: KindBool, boolV: b} }
func Int(i int64) Value     { return Value{kind: KindInt, intV: i} }
func Float(f float64) Value { return Value{kind: KindFloat, fltV: f} }
func String(s string) Value { return Value{kind: KindString, strV: s} }
func Bytes(b []byte) Value  { return Value{kind: KindBytes, bytV: b} }
func Seq(vs ...Value) Value { return Value{kind: KindSeq, seqV: vs} }
func FromMap(m *Map) Value  { return Value{kind: KindMap, mapV: m} }

func (v Value) Kind() Kind { return v.kind }

// TypeName reports the schema-facing name of the value's type, used in
// validation messages. Non-negative integers report as uint.
func (v Value) TypeName() string {
	switch v.kind {
	case KindNull:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		if v.intV >= 0 {
			return "uint"
		}
		return "int"
	case KindFloat:
		return "float"
	case KindString, KindBytes:
		return "string"
	case KindSeq:
		return "seq"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("unknown(%d)", int(v.kind))
	}
}

func (v Value) BoolVal() bool { return v.boolV }
func (v Value) IntVal() int64 { return v.intV }

func (v Value) FloatVal() float64 {
	if v.kind == KindInt {
		return float64(v.intV)
	}
	return v.fltV
}
func (v Value) StringVal() string { return v.strV }
func (v Value) SeqVal() []Value   { return v.seqV }
func (v Value) MapVal() *Map      { return v.mapV }

// BytesVal returns the raw bytes of a Bytes or String value.
func (v Value) BytesVal() []byte {
	if v.kind == KindString {
		return []byte(v.strV)
	}
	return v.bytV
}

// AsString converts String and Bytes values to a string; scalar numbers and
// bools are stringified so they can serve as command arguments.
func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindString:
		return v.strV, true
	case KindBytes:
		return string(v.bytV), true
	case KindBool:
		return strconv.FormatBool(v.boolV), true
	case KindInt:
		return strconv.FormatInt(v.intV, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.fltV, 'g', -1, 64), true
	default:
		return "", false
	}
}

// AsInt returns the integer held by an Int value.
func (v Value) AsInt() (int64, bool) {
	if v.kind == KindInt {
		return v.intV, true
	}
	return 0, false
}

// Equal reports structural equality. Map key order is ignored; sequences are
// ordered; Int and Float compare by numeric value; String and Bytes compare
// by content.
func (v Value) Equal(o Value) bool {
	if isNumeric(v.kind) && isNumeric(o.kind) {
		if v.kind == KindInt && o.kind == KindInt {
			return v.intV == o.intV
		}
		return v.FloatVal() == o.FloatVal()
	}
	if isTextual(v.kind) && isTextual(o.kind) {
		return string(v.BytesVal()) == string(o.BytesVal())
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.boolV == o.boolV
	case KindSeq:
		if len(v.seqV) != len(o.seqV) {
			return false
		}
		for i := range v.seqV {
			if !v.seqV[i].Equal(o.seqV[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if v.mapV.Len() != o.mapV.Len() {
			return false
		}
		for _, k := range v.mapV.Keys() {
			ov, ok := o.mapV.Get(k)
			if !ok {
				return false
			}
			mv, _ := v.mapV.Get(k)
			if !mv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

func isNumeric(k Kind) bool { return k == KindInt || k == KindFloat }
func isTextual(k Kind) bool { return k == KindString || k == KindBytes }

// Map is a string-keyed map that remembers insertion order.
type Map struct {
	keys []string
	idx  map[string]int
	vals []Value
}

func NewMap() *Map {
	return &Map{idx: make(map[string]int)}
}

// MapOf builds a Map from alternating key/value pairs, mostly for tests.
func MapOf(pairs ...any) *Map {
	m := NewMap()
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i].(string), pairs[i+1].(Value))
	}
	return m
}

// Set inserts or replaces the value for key, keeping first-insertion order.
func (m *Map) Set(key string, v Value) {
	if i, ok := m.idx[key]; ok {
		m.vals[i] = v
		return
	}
	m.idx[key] = len(m.keys)
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, v)
}

func (m *Map) Get(key string) (Value, bool) {
	i, ok := m.idx[key]
	if !ok {
		return Value{}, false
	}
	return m.vals[i], true
}

func (m *Map) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string { return m.keys }

// At returns the i-th key/value pair in insertion order.
func (m *Map) At(i int) (string, Value) { return m.keys[i], m.vals[i] }
