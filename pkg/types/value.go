package types

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
)

// Value is a runtime value flowing along a connection. The set of
// implementations is closed; Opaque wraps host values the lattice does not
// know about.
type Value interface {
	isValue()
}

// Primitive values.
type (
	Integer   int32
	String    string
	Boolean   bool
	Byte      int8
	Short     int16
	Long      int64
	Float     float32
	Double    float64
	Character rune
)

// List is an ordered collection value.
type List []Value

// FlowToken is the only value of type Flow.
type FlowToken struct{}

// Opaque carries a host value typed as Object.
type Opaque struct {
	V any
}

func (Integer) isValue()   {}
func (String) isValue()    {}
func (Boolean) isValue()   {}
func (Byte) isValue()      {}
func (Short) isValue()     {}
func (Long) isValue()      {}
func (Float) isValue()     {}
func (Double) isValue()    {}
func (Character) isValue() {}
func (List) isValue()      {}
func (*Dict) isValue()     {}
func (FileRef) isValue()   {}
func (FlowToken) isValue() {}
func (Opaque) isValue()    {}

// Entry is a single key/value pair of a Dict.
type Entry struct {
	Key   Value
	Value Value
}

// Dict is a map value. Iteration follows insertion order; equality and
// hashing ignore it.
type Dict struct {
	entries []Entry
}

// NewDict returns a dict holding the given entries. Later duplicates
// overwrite earlier ones.
func NewDict(entries ...Entry) *Dict {
	d := &Dict{}
	for _, e := range entries {
		d.Set(e.Key, e.Value)
	}
	return d
}

// Set stores value under key.
func (d *Dict) Set(key, value Value) {
	for i := range d.entries {
		if DeepEqual(d.entries[i].Key, key) {
			d.entries[i].Value = value
			return
		}
	}
	d.entries = append(d.entries, Entry{Key: key, Value: value})
}

// Get returns the value stored under key.
func (d *Dict) Get(key Value) (Value, bool) {
	if d == nil {
		return nil, false
	}
	for _, e := range d.entries {
		if DeepEqual(e.Key, key) {
			return e.Value, true
		}
	}
	return nil, false
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Entries returns a copy of the entries in insertion order.
func (d *Dict) Entries() []Entry {
	if d == nil {
		return nil
	}
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// FileRef points at a file relative to a files root directory. The zero
// value means "no file".
type FileRef struct {
	Root string
	Path string
}

// IsNone reports whether the reference points at no file.
func (f FileRef) IsNone() bool {
	return f.Path == ""
}

// Abs returns the absolute location of the file.
func (f FileRef) Abs() string {
	return filepath.Join(f.Root, filepath.FromSlash(f.Path))
}

// Exists reports whether the referenced file is present on disk.
func (f FileRef) Exists() bool {
	if f.IsNone() {
		return false
	}
	info, err := os.Stat(f.Abs())
	return err == nil && !info.IsDir()
}

// ReadAll returns the file content.
func (f FileRef) ReadAll() ([]byte, error) {
	if f.IsNone() {
		return nil, fmt.Errorf("no file")
	}
	return os.ReadFile(f.Abs())
}

// WriteAll creates or replaces the file with data.
func (f FileRef) WriteAll(data []byte) error {
	if f.IsNone() {
		return fmt.Errorf("no file")
	}
	if err := os.MkdirAll(filepath.Dir(f.Abs()), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.Abs(), data, 0o644)
}

// Remove deletes the file if it exists.
func (f FileRef) Remove() error {
	if f.IsNone() {
		return nil
	}
	err := os.Remove(f.Abs())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Default implements Type.
func (p Primitive) Default() Value {
	switch p.Kind {
	case KindInteger:
		return Integer(0)
	case KindString:
		return String("")
	case KindBoolean:
		return Boolean(false)
	case KindByte:
		return Byte(0)
	case KindShort:
		return Short(0)
	case KindLong:
		return Long(0)
	case KindFloat:
		return Float(0)
	case KindDouble:
		return Double(0)
	case KindCharacter:
		return Character(0)
	}
	return nil
}

// Default implements Type.
func (Object) Default() Value { return Opaque{} }

// Default implements Type.
func (Collection) Default() Value { return List{} }

// Default implements Type.
func (Map) Default() Value { return NewDict() }

// Default implements Type.
func (File) Default() Value { return FileRef{} }

// Default implements Type.
func (Flow) Default() Value { return FlowToken{} }

// DeepEqual reports whether two values are deeply equal. Lists compare in
// order, dicts compare as sets of entries.
func DeepEqual(a, b Value) bool {
	switch av := a.(type) {
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Dict:
		bv, ok := b.(*Dict)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		for _, e := range av.Entries() {
			other, found := bv.Get(e.Key)
			if !found || !DeepEqual(e.Value, other) {
				return false
			}
		}
		return true
	case Opaque:
		bv, ok := b.(Opaque)
		return ok && reflect.DeepEqual(av.V, bv.V)
	}
	return a == b
}

// Clone returns a deep copy of v so that lists and dicts are never shared
// between nodes.
func Clone(v Value) Value {
	switch vv := v.(type) {
	case List:
		out := make(List, len(vv))
		for i, e := range vv {
			out[i] = Clone(e)
		}
		return out
	case *Dict:
		if vv == nil {
			return NewDict()
		}
		out := &Dict{entries: make([]Entry, len(vv.entries))}
		for i, e := range vv.entries {
			out.entries[i] = Entry{Key: Clone(e.Key), Value: Clone(e.Value)}
		}
		return out
	}
	return v
}
