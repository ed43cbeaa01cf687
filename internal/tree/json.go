package tree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Style selects how Marshal lays out JSON text.
type Style int

const (
	// Compact has no whitespace: ["a",{"b":1}]. The host application writes
	// JSON-in-string keys this way.
	Compact Style = iota
	// Spaced puts a space after separators: ["a", {"b": 1}]. Embedded-JSON
	// tokens use it.
	Spaced
	// Indented uses two-space indentation, for files on disk.
	Indented
)

// Parse decodes one JSON document into a Value, preserving object key order.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parseValue(dec)
	if err != nil {
		return Value{}, fmt.Errorf("parse json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, errors.New("parse json: trailing data after document")
	}
	return v, nil
}

// ParseString is Parse for string input.
func ParseString(s string) (Value, error) {
	return Parse([]byte(s))
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := parseValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return List(items...), nil
		case '{':
			m := NewMap()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key is %T", kt)
				}
				item, err := parseValue(dec)
				if err != nil {
					return Value{}, err
				}
				m.Set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return FromMap(m), nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// Marshal renders v as JSON text in the given style. Strings are escaped
// as encoding/json does, without HTML escaping.
func Marshal(v Value, style Style) ([]byte, error) {
	var b bytes.Buffer
	if err := write(&b, v, style, 0); err != nil {
		return nil, err
	}
	if style == Indented {
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

// MarshalJSON implements json.Marshaler with the Compact style.
func (v Value) MarshalJSON() ([]byte, error) {
	return Marshal(v, Compact)
}

// UnmarshalJSON implements json.Unmarshaler, keeping key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func write(b *bytes.Buffer, v Value, style Style, depth int) error {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBool:
		if v.b {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case KindNumber:
		if v.num == "" {
			return errors.New("tree: empty number literal")
		}
		b.WriteString(string(v.num))
	case KindString:
		writeString(b, v.str)
	case KindList:
		if len(v.list) == 0 {
			b.WriteString("[]")
			return nil
		}
		b.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				separator(b, style)
			}
			newline(b, style, depth+1)
			if err := write(b, item, style, depth+1); err != nil {
				return err
			}
		}
		newline(b, style, depth)
		b.WriteByte(']')
	case KindMap:
		if v.m.Len() == 0 {
			b.WriteString("{}")
			return nil
		}
		b.WriteByte('{')
		for i, e := range v.m.entries {
			if i > 0 {
				separator(b, style)
			}
			newline(b, style, depth+1)
			writeString(b, e.Key)
			b.WriteByte(':')
			if style != Compact {
				b.WriteByte(' ')
			}
			if err := write(b, e.Value, style, depth+1); err != nil {
				return err
			}
		}
		newline(b, style, depth)
		b.WriteByte('}')
	default:
		return fmt.Errorf("tree: unknown kind %d", v.kind)
	}
	return nil
}

func separator(b *bytes.Buffer, style Style) {
	b.WriteByte(',')
	if style == Spaced {
		b.WriteByte(' ')
	}
}

func newline(b *bytes.Buffer, style Style, depth int) {
	if style != Indented {
		return
	}
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("  ", depth))
}

func writeString(b *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	b.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}
