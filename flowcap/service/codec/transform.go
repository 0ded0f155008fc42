package codec

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// strictBase64 rejects non-zero padding bits, which cuts down on plain words
// that happen to parse as base64.
var strictBase64 = base64.StdEncoding.Strict()

// Decode recovers readable text from a submitted flow record. Every string
// leaf is tried as standard base64; when it decodes to valid UTF-8 the text
// replaces it, otherwise the original string is kept. Bytes leaves become text
// when valid UTF-8 and base64 otherwise. Decode never fails.
func Decode(v Value) Value {
	switch v.kind {
	case KindObject:
		out := Value{kind: KindObject, members: make([]Member, len(v.members))}
		for i, m := range v.members {
			out.members[i] = Member{Key: m.Key, Value: Decode(m.Value)}
		}
		return out
	case KindArray:
		out := Value{kind: KindArray, items: make([]Value, len(v.items))}
		for i, item := range v.items {
			out.items[i] = Decode(item)
		}
		return out
	case KindString:
		if text, ok := DecodeText(v.text); ok {
			return String(text)
		}
		return v
	case KindBytes:
		if utf8.Valid(v.raw) {
			return String(string(v.raw))
		}
		return String(encodeBase64(v.raw))
	case KindNull, KindBool, KindNumber:
		return v
	}
	return v
}

// DecodeText decodes s as standard base64 and reports whether the result is
// text: valid UTF-8 with no C0 control characters other than tab, CR and LF.
// Line breaks are never part of submitted base64, and the decoder would
// silently skip them, so strings containing them are kept.
func DecodeText(s string) (string, bool) {
	if strings.ContainsAny(s, "\r\n") {
		return s, false
	}
	raw, err := strictBase64.DecodeString(s)
	if err != nil || !isText(raw) {
		return s, false
	}
	return string(raw), true
}

func isText(b []byte) bool {
	for _, c := range b {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
	}
	return utf8.Valid(b)
}

// Encode makes a flow snapshot JSON-transportable: bytes leaves become base64
// strings and everything else, including plain strings, passes through.
func Encode(v Value) Value {
	switch v.kind {
	case KindObject:
		out := Value{kind: KindObject, members: make([]Member, len(v.members))}
		for i, m := range v.members {
			out.members[i] = Member{Key: m.Key, Value: Encode(m.Value)}
		}
		return out
	case KindArray:
		out := Value{kind: KindArray, items: make([]Value, len(v.items))}
		for i, item := range v.items {
			out.items[i] = Encode(item)
		}
		return out
	case KindBytes:
		return String(encodeBase64(v.raw))
	case KindNull, KindBool, KindNumber, KindString:
		return v
	}
	return v
}
