package types

import (
	"fmt"
	"math"
	"sort"
	"unicode/utf8"
)

// Coerce converts v, either a Value or a plain Go value as produced by a
// decoder or a script runtime, into the variant that t names. Numbers are
// narrowed only when they fit; nothing is converted across lattice branches.
func Coerce(t Type, v any) (Value, error) {
	switch tt := t.(type) {
	case Primitive:
		return coercePrimitive(tt, v)
	case Object:
		return FromNative(v)
	case Collection:
		items, ok := asSlice(v)
		if !ok {
			return nil, fmt.Errorf("cannot use %T as %s", v, t)
		}
		list := make(List, len(items))
		for i, item := range items {
			e, err := Coerce(tt.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			list[i] = e
		}
		return list, nil
	case Map:
		entries, ok := asEntries(v)
		if !ok {
			return nil, fmt.Errorf("cannot use %T as %s", v, t)
		}
		dict := NewDict()
		for _, e := range entries {
			k, err := Coerce(tt.Key, e[0])
			if err != nil {
				return nil, fmt.Errorf("map key: %w", err)
			}
			val, err := Coerce(tt.Value, e[1])
			if err != nil {
				return nil, fmt.Errorf("map value: %w", err)
			}
			dict.Set(k, val)
		}
		return dict, nil
	case File:
		switch x := v.(type) {
		case FileRef:
			return x, nil
		case nil:
			return FileRef{}, nil
		case string:
			return FileRef{Path: x}, nil
		case String:
			return FileRef{Path: string(x)}, nil
		}
		return nil, fmt.Errorf("cannot use %T as %s", v, t)
	case Flow:
		return FlowToken{}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %v", ErrInvalidType, t)
}

// FromNative converts a plain Go value into a Value without a type hint.
// Integers become Integer when they fit 32 bits and Long otherwise.
func FromNative(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Opaque{}, nil
	case Value:
		return x, nil
	case bool:
		return Boolean(x), nil
	case string:
		return String(x), nil
	case int:
		return narrowInt(int64(x)), nil
	case int32:
		return Integer(x), nil
	case int64:
		return narrowInt(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows Long", x)
		}
		return narrowInt(int64(x)), nil
	case float32:
		return Float(x), nil
	case float64:
		return Double(x), nil
	case []any:
		list := make(List, len(x))
		for i, item := range x {
			e, err := FromNative(item)
			if err != nil {
				return nil, err
			}
			list[i] = e
		}
		return list, nil
	case map[string]any:
		dict := NewDict()
		for _, k := range sortedKeys(x) {
			e, err := FromNative(x[k])
			if err != nil {
				return nil, err
			}
			dict.Set(String(k), e)
		}
		return dict, nil
	}
	return Opaque{V: v}, nil
}

func narrowInt(x int64) Value {
	if x >= math.MinInt32 && x <= math.MaxInt32 {
		return Integer(int32(x))
	}
	return Long(x)
}

func coercePrimitive(p Primitive, v any) (Value, error) {
	fail := func() (Value, error) {
		return nil, fmt.Errorf("cannot use %v (%T) as %s", v, v, p)
	}
	switch p.Kind {
	case KindString:
		switch x := v.(type) {
		case String:
			return x, nil
		case string:
			return String(x), nil
		}
		return fail()
	case KindBoolean:
		switch x := v.(type) {
		case Boolean:
			return x, nil
		case bool:
			return Boolean(x), nil
		}
		return fail()
	case KindCharacter:
		switch x := v.(type) {
		case Character:
			if !utf8.ValidRune(rune(x)) {
				return fail()
			}
			return x, nil
		case string, String:
			s := fmt.Sprint(x)
			r, size := utf8.DecodeRuneInString(s)
			if size == 0 || size != len(s) {
				return fail()
			}
			return Character(r), nil
		}
		return fail()
	case KindFloat, KindDouble:
		f, ok := toFloat(v)
		if !ok {
			return fail()
		}
		if p.Kind == KindFloat {
			return Float(float32(f)), nil
		}
		return Double(f), nil
	}

	i, ok := toInt(v)
	if !ok {
		return fail()
	}
	switch p.Kind {
	case KindInteger:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return fail()
		}
		return Integer(int32(i)), nil
	case KindByte:
		if i < math.MinInt8 || i > math.MaxInt8 {
			return fail()
		}
		return Byte(int8(i)), nil
	case KindShort:
		if i < math.MinInt16 || i > math.MaxInt16 {
			return fail()
		}
		return Short(int16(i)), nil
	case KindLong:
		return Long(i), nil
	}
	return fail()
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case Integer:
		return int64(x), true
	case Byte:
		return int64(x), true
	case Short:
		return int64(x), true
	case Long:
		return int64(x), true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x <= math.MaxInt64 {
			return int64(x), true
		}
	case Double:
		return toInt(float64(x))
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case Float:
		return float64(x), true
	case Double:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case List:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out, true
	case []any:
		return x, true
	case nil:
		return nil, true
	}
	return nil, false
}

func asEntries(v any) ([][2]any, bool) {
	switch x := v.(type) {
	case *Dict:
		var out [][2]any
		for _, e := range x.Entries() {
			out = append(out, [2]any{e.Key, e.Value})
		}
		return out, true
	case map[string]any:
		out := make([][2]any, 0, len(x))
		for _, k := range sortedKeys(x) {
			out = append(out, [2]any{k, x[k]})
		}
		return out, true
	case nil:
		return nil, true
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
