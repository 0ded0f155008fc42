// Package codec models captured flow records as JSON-like values and converts
// binary payloads between their wire-safe base64 form and readable text.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"slices"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindBytes
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Member is one key/value pair of an object. Objects keep insertion order so
// serialized records are reproducible.
type Member struct {
	Key   string
	Value Value
}

// Value is a JSON-like value with an extra Bytes variant for raw payloads.
// The zero Value is null.
type Value struct {
	kind    Kind
	boolean bool
	text    string // number literal or string contents
	raw     []byte
	items   []Value
	members []Member
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, boolean: b} }

// Number wraps a JSON number literal without reformatting it.
func Number(n json.Number) Value { return Value{kind: KindNumber, text: string(n)} }

func Int(n int64) Value { return Value{kind: KindNumber, text: strconv.FormatInt(n, 10)} }

func Float(f float64) Value {
	return Value{kind: KindNumber, text: strconv.FormatFloat(f, 'f', -1, 64)}
}

func String(s string) Value { return Value{kind: KindString, text: s} }

// Bytes wraps a binary payload. It serializes as standard base64.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }

func Array(items ...Value) Value { return Value{kind: KindArray, items: items} }

// Object builds an object from members. Later duplicates of a key replace the
// earlier value in place.
func Object(members ...Member) Value {
	v := Value{kind: KindObject, members: make([]Member, 0, len(members))}
	for _, m := range members {
		v.members = setMember(v.members, m.Key, m.Value)
	}
	return v
}

// Field is shorthand for building object members.
func Field(key string, v Value) Member { return Member{Key: key, Value: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string contents and whether v is a string.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.text, true
}

// BoolValue returns the boolean and whether v is a bool.
func (v Value) BoolValue() (bool, bool) {
	return v.boolean, v.kind == KindBool
}

// NumberValue returns the number literal and whether v is a number.
func (v Value) NumberValue() (json.Number, bool) {
	if v.kind != KindNumber {
		return "", false
	}
	return json.Number(v.text), true
}

// BytesValue returns the payload and whether v is a bytes leaf.
func (v Value) BytesValue() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.raw, true
}

// Items returns the elements of an array, nil for other kinds.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.items
}

// Members returns the members of an object in order, nil for other kinds.
func (v Value) Members() []Member {
	if v.kind != KindObject {
		return nil
	}
	return v.members
}

// Len reports the element or member count of arrays and objects.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.items)
	case KindObject:
		return len(v.members)
	default:
		return 0
	}
}

// Get looks up key on an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	for _, m := range v.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Path walks nested objects by key.
func (v Value) Path(keys ...string) (Value, bool) {
	cur := v
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// PathString returns the string at the nested path, empty if missing or not a string.
func (v Value) PathString(keys ...string) string {
	found, ok := v.Path(keys...)
	if !ok {
		return ""
	}
	s, _ := found.Str()
	return s
}

// Set returns a copy of the object with key set to val. Non-objects are
// returned unchanged.
func (v Value) Set(key string, val Value) Value {
	if v.kind != KindObject {
		return v
	}
	out := Value{kind: KindObject, members: slices.Clone(v.members)}
	out.members = setMember(out.members, key, val)
	return out
}

func setMember(members []Member, key string, val Value) []Member {
	for i := range members {
		if members[i].Key == key {
			members[i].Value = val
			return members
		}
	}
	return append(members, Member{Key: key, Value: val})
}

// Equal reports deep equality. Object member order is ignored.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.boolean == b.boolean
	case KindNumber, KindString:
		return a.text == b.text
	case KindBytes:
		return slices.Equal(a.raw, b.raw)
	case KindArray:
		return slices.EqualFunc(a.items, b.items, Equal)
	case KindObject:
		if len(a.members) != len(b.members) {
			return false
		}
		for _, m := range a.members {
			other, ok := b.Get(m.Key)
			if !ok || !Equal(m.Value, other) {
				return false
			}
		}
		return true
	}
	return false
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
