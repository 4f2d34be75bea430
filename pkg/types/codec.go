package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// ErrNotSerializable is returned for values that have no stable encoding.
var ErrNotSerializable = errors.New("value is not serializable")

// objectEnvelope keeps the concrete type of an Object-typed value.
type objectEnvelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// fileSnapshot is the encoding of a File value. The content is captured so
// that decoding can restore the file.
type fileSnapshot struct {
	Root    string `json:"root,omitempty"`
	Path    string `json:"path,omitempty"`
	Exists  bool   `json:"exists"`
	Content []byte `json:"content,omitempty"`
}

// Marshal encodes v as a value of type t.
func Marshal(t Type, v Value) ([]byte, error) {
	return encode(t, v)
}

// Unmarshal decodes data produced by Marshal for the same type.
func Unmarshal(t Type, data []byte) (Value, error) {
	return decode(t, data)
}

func mismatch(t Type, v Value) error {
	return fmt.Errorf("cannot encode %T as %s", v, t)
}

func encode(t Type, v Value) ([]byte, error) {
	switch tt := t.(type) {
	case Primitive:
		return encodePrimitive(tt, v)
	case Object:
		actual := TypeOf(v)
		if _, isObject := actual.(Object); isObject {
			if o, ok := v.(Opaque); ok && o.V != nil {
				return nil, fmt.Errorf("%w: opaque %T", ErrNotSerializable, o.V)
			}
			return json.Marshal(objectEnvelope{Type: ObjectType.String(), Value: json.RawMessage("null")})
		}
		inner, err := encode(actual, v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(objectEnvelope{Type: actual.String(), Value: inner})
	case Collection:
		list, ok := v.(List)
		if !ok {
			return nil, mismatch(t, v)
		}
		items := make([]json.RawMessage, len(list))
		for i, e := range list {
			raw, err := encode(tt.Elem, e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			items[i] = raw
		}
		return json.Marshal(items)
	case Map:
		dict, ok := v.(*Dict)
		if !ok {
			return nil, mismatch(t, v)
		}
		pairs := make([][2]json.RawMessage, 0, dict.Len())
		for _, e := range dict.Entries() {
			k, err := encode(tt.Key, e.Key)
			if err != nil {
				return nil, fmt.Errorf("map key: %w", err)
			}
			val, err := encode(tt.Value, e.Value)
			if err != nil {
				return nil, fmt.Errorf("map value: %w", err)
			}
			pairs = append(pairs, [2]json.RawMessage{k, val})
		}
		return json.Marshal(pairs)
	case File:
		ref, ok := v.(FileRef)
		if !ok {
			return nil, mismatch(t, v)
		}
		snap := fileSnapshot{Root: ref.Root, Path: ref.Path}
		if ref.Exists() {
			content, err := ref.ReadAll()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", ref.Path, err)
			}
			snap.Exists = true
			snap.Content = content
		}
		return json.Marshal(snap)
	case Flow:
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("%w: unknown type %v", ErrInvalidType, t)
}

func encodePrimitive(p Primitive, v Value) ([]byte, error) {
	var out any
	switch p.Kind {
	case KindInteger:
		x, ok := v.(Integer)
		if !ok {
			return nil, mismatch(p, v)
		}
		out = int32(x)
	case KindString:
		x, ok := v.(String)
		if !ok {
			return nil, mismatch(p, v)
		}
		out = string(x)
	case KindBoolean:
		x, ok := v.(Boolean)
		if !ok {
			return nil, mismatch(p, v)
		}
		out = bool(x)
	case KindByte:
		x, ok := v.(Byte)
		if !ok {
			return nil, mismatch(p, v)
		}
		out = int8(x)
	case KindShort:
		x, ok := v.(Short)
		if !ok {
			return nil, mismatch(p, v)
		}
		out = int16(x)
	case KindLong:
		x, ok := v.(Long)
		if !ok {
			return nil, mismatch(p, v)
		}
		out = int64(x)
	case KindFloat:
		x, ok := v.(Float)
		if !ok {
			return nil, mismatch(p, v)
		}
		out = encodeFloat(float64(x), 32)
	case KindDouble:
		x, ok := v.(Double)
		if !ok {
			return nil, mismatch(p, v)
		}
		out = encodeFloat(float64(x), 64)
	case KindCharacter:
		x, ok := v.(Character)
		if !ok {
			return nil, mismatch(p, v)
		}
		if !utf8.ValidRune(rune(x)) {
			return nil, fmt.Errorf("cannot encode character %U: invalid rune", rune(x))
		}
		out = string(rune(x))
	default:
		return nil, fmt.Errorf("%w: unknown primitive kind %d", ErrInvalidType, p.Kind)
	}
	return json.Marshal(out)
}

// Non-finite floats have no JSON number form and travel as strings.
const (
	jsonNaN    = "NaN"
	jsonPosInf = "+Inf"
	jsonNegInf = "-Inf"
)

func encodeFloat(f float64, bits int) any {
	switch {
	case math.IsNaN(f):
		return jsonNaN
	case math.IsInf(f, 1):
		return jsonPosInf
	case math.IsInf(f, -1):
		return jsonNegInf
	}
	if bits == 32 {
		return float32(f)
	}
	return f
}

func decodeFloat(data []byte) (float64, error) {
	var s string
	if json.Unmarshal(data, &s) == nil {
		switch s {
		case jsonNaN:
			return math.NaN(), nil
		case jsonPosInf:
			return math.Inf(1), nil
		case jsonNegInf:
			return math.Inf(-1), nil
		}
		return 0, fmt.Errorf("%q is not a number", s)
	}
	var f float64
	err := json.Unmarshal(data, &f)
	return f, err
}

func decode(t Type, data []byte) (Value, error) {
	switch tt := t.(type) {
	case Primitive:
		return decodePrimitive(tt, data)
	case Object:
		var env objectEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode object: %w", err)
		}
		actual, err := Parse(env.Type)
		if err != nil {
			return nil, err
		}
		if _, isObject := actual.(Object); isObject {
			return Opaque{}, nil
		}
		return decode(actual, env.Value)
	case Collection:
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode collection: %w", err)
		}
		list := make(List, len(items))
		for i, raw := range items {
			e, err := decode(tt.Elem, raw)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			list[i] = e
		}
		return list, nil
	case Map:
		var pairs [][2]json.RawMessage
		if err := json.Unmarshal(data, &pairs); err != nil {
			return nil, fmt.Errorf("decode map: %w", err)
		}
		dict := NewDict()
		for _, pair := range pairs {
			k, err := decode(tt.Key, pair[0])
			if err != nil {
				return nil, fmt.Errorf("map key: %w", err)
			}
			val, err := decode(tt.Value, pair[1])
			if err != nil {
				return nil, fmt.Errorf("map value: %w", err)
			}
			dict.Set(k, val)
		}
		return dict, nil
	case File:
		var snap fileSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decode file: %w", err)
		}
		ref := FileRef{Root: snap.Root, Path: snap.Path}
		if ref.IsNone() {
			return ref, nil
		}
		// The file on disk is brought back to the captured state.
		if snap.Exists {
			if err := ref.WriteAll(snap.Content); err != nil {
				return nil, fmt.Errorf("restore %s: %w", ref.Path, err)
			}
		} else if err := ref.Remove(); err != nil {
			return nil, fmt.Errorf("remove %s: %w", ref.Path, err)
		}
		return ref, nil
	case Flow:
		return FlowToken{}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %v", ErrInvalidType, t)
}

func decodePrimitive(p Primitive, data []byte) (Value, error) {
	var err error
	switch p.Kind {
	case KindInteger:
		var x int32
		if err = json.Unmarshal(data, &x); err == nil {
			return Integer(x), nil
		}
	case KindString:
		var x string
		if err = json.Unmarshal(data, &x); err == nil {
			return String(x), nil
		}
	case KindBoolean:
		var x bool
		if err = json.Unmarshal(data, &x); err == nil {
			return Boolean(x), nil
		}
	case KindByte:
		var x int8
		if err = json.Unmarshal(data, &x); err == nil {
			return Byte(x), nil
		}
	case KindShort:
		var x int16
		if err = json.Unmarshal(data, &x); err == nil {
			return Short(x), nil
		}
	case KindLong:
		var x int64
		if err = json.Unmarshal(data, &x); err == nil {
			return Long(x), nil
		}
	case KindFloat:
		var x float64
		if x, err = decodeFloat(data); err == nil {
			return Float(x), nil
		}
	case KindDouble:
		var x float64
		if x, err = decodeFloat(data); err == nil {
			return Double(x), nil
		}
	case KindCharacter:
		var x string
		if err = json.Unmarshal(data, &x); err == nil {
			r, size := utf8.DecodeRuneInString(x)
			if size == 0 || size != len(x) {
				return nil, fmt.Errorf("decode character: %q is not a single rune", x)
			}
			return Character(r), nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown primitive kind %d", ErrInvalidType, p.Kind)
	}
	return nil, fmt.Errorf("decode %s: %w", p, err)
}
