package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/pretty"
)

const maxParseDepth = 1000

var errTooDeep = errors.New("codec: JSON nesting too deep")

// prettyOptions formats stored flows: two-space indent, member order kept.
var prettyOptions = &pretty.Options{
	Width:    80,
	Prefix:   "",
	Indent:   "  ",
	SortKeys: false,
}

// Parse decodes a single JSON document, keeping object key order and number
// literals as written.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseValue(dec, 0)
	if errors.Is(err, io.EOF) {
		return Value{}, io.ErrUnexpectedEOF
	} else if err != nil {
		return Value{}, err
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, errors.New("codec: unexpected data after JSON value")
	}
	return v, nil
}

func parseValue(dec *json.Decoder, depth int) (Value, error) {
	if depth > maxParseDepth {
		return Value{}, errTooDeep
	}
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return parseObject(dec, depth)
		case '[':
			return parseArray(dec, depth)
		default:
			return Value{}, fmt.Errorf("codec: unexpected delimiter %q", rune(t))
		}
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("codec: unexpected token %T", tok)
	}
}

func parseObject(dec *json.Decoder, depth int) (Value, error) {
	obj := Value{kind: KindObject, members: []Member{}}
	index := make(map[string]int) // key -> position in members, last duplicate wins
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return Value{}, fmt.Errorf("codec: object key is %T", keyTok)
		}
		val, err := parseValue(dec, depth+1)
		if err != nil {
			return Value{}, err
		}
		if i, ok := index[key]; ok {
			obj.members[i].Value = val
		} else {
			index[key] = len(obj.members)
			obj.members = append(obj.members, Member{Key: key, Value: val})
		}
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return Value{}, err
	}
	return obj, nil
}

func parseArray(dec *json.Decoder, depth int) (Value, error) {
	arr := Value{kind: KindArray, items: []Value{}}
	for dec.More() {
		val, err := parseValue(dec, depth+1)
		if err != nil {
			return Value{}, err
		}
		arr.items = append(arr.items, val)
	}
	if _, err := dec.Token(); err != nil { // closing ']'
		return Value{}, err
	}
	return arr, nil
}

// Marshal serializes v as compact JSON without HTML escaping, so captured
// payloads keep <, > and & literally.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Indent serializes v as pretty-printed JSON terminated by a newline.
func Indent(v Value) ([]byte, error) {
	compact, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return pretty.PrettyOptions(compact, prettyOptions), nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return Marshal(v)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.boolean {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		if v.text == "" {
			buf.WriteByte('0')
		} else if !json.Valid([]byte(v.text)) {
			return fmt.Errorf("codec: invalid number literal %q", v.text)
		} else {
			buf.WriteString(v.text)
		}
	case KindString:
		return writeString(buf, v.text)
	case KindBytes:
		return writeString(buf, encodeBase64(v.raw))
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, m := range v.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, m.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := m.Value.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("codec: cannot marshal %s", v.kind)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Truncate(buf.Len() - 1) // Encode appends a newline
	return nil
}
