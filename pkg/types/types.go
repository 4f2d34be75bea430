// Package types defines the value-type lattice of the workflow engine: the
// set of connector types, their conversion relation, default values, content
// hashes and the serialization used by the output cache.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// Variant identifies which branch of the lattice a Type belongs to.
type Variant int

const (
	VariantPrimitive Variant = iota
	VariantObject
	VariantCollection
	VariantMap
	VariantFile
	VariantFlow
)

// PrimitiveKind enumerates the primitive value kinds.
type PrimitiveKind uint8

const (
	KindInteger PrimitiveKind = iota + 1
	KindString
	KindBoolean
	KindByte
	KindShort
	KindLong
	KindFloat
	KindDouble
	KindCharacter
)

var primitiveNames = map[PrimitiveKind]string{
	KindInteger:   "Integer",
	KindString:    "String",
	KindBoolean:   "Boolean",
	KindByte:      "Byte",
	KindShort:     "Short",
	KindLong:      "Long",
	KindFloat:     "Float",
	KindDouble:    "Double",
	KindCharacter: "Character",
}

// String returns the kind name as used in type strings.
func (k PrimitiveKind) String() string {
	if name, ok := primitiveNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PrimitiveKind(%d)", uint8(k))
}

// Type is a connector type. The set of implementations is closed.
type Type interface {
	// Variant reports the lattice branch of the type.
	Variant() Variant

	// CanConvertFrom reports whether a value of type source may flow into
	// a connector of this type.
	CanConvertFrom(source Type) bool

	// Default returns the value used when an optional output is left empty.
	Default() Value

	// String returns the canonical type string, parseable by Parse.
	String() string

	isType()
}

// ErrInvalidType is returned when a type cannot be constructed or parsed.
var ErrInvalidType = errors.New("invalid type")

// Primitive is a scalar type. Primitives are invariant: no widening.
type Primitive struct {
	Kind PrimitiveKind
}

// Object is the universal supertype.
type Object struct{}

// Collection is an ordered sequence of Elem values.
type Collection struct {
	Elem Type
}

// Map associates Key values with Value values.
type Map struct {
	Key   Type
	Value Type
}

// File is a reference to a file under the workflow files root.
type File struct{}

// Flow carries no data, only execution ordering.
type Flow struct{}

// Predeclared types.
var (
	IntegerType   Type = Primitive{Kind: KindInteger}
	StringType    Type = Primitive{Kind: KindString}
	BooleanType   Type = Primitive{Kind: KindBoolean}
	ByteType      Type = Primitive{Kind: KindByte}
	ShortType     Type = Primitive{Kind: KindShort}
	LongType      Type = Primitive{Kind: KindLong}
	FloatType     Type = Primitive{Kind: KindFloat}
	DoubleType    Type = Primitive{Kind: KindDouble}
	CharacterType Type = Primitive{Kind: KindCharacter}
	ObjectType    Type = Object{}
	FileType      Type = File{}
	FlowType      Type = Flow{}
)

func (Primitive) Variant() Variant  { return VariantPrimitive }
func (Object) Variant() Variant     { return VariantObject }
func (Collection) Variant() Variant { return VariantCollection }
func (Map) Variant() Variant        { return VariantMap }
func (File) Variant() Variant       { return VariantFile }
func (Flow) Variant() Variant       { return VariantFlow }

func (Primitive) isType()  {}
func (Object) isType()     {}
func (Collection) isType() {}
func (Map) isType()        {}
func (File) isType()       {}
func (Flow) isType()       {}

// CanConvertFrom implements Type.
func (p Primitive) CanConvertFrom(source Type) bool {
	other, ok := source.(Primitive)
	return ok && other.Kind == p.Kind
}

// CanConvertFrom implements Type.
func (Object) CanConvertFrom(source Type) bool {
	return source != nil
}

// CanConvertFrom implements Type.
func (c Collection) CanConvertFrom(source Type) bool {
	other, ok := source.(Collection)
	return ok && c.Elem.CanConvertFrom(other.Elem)
}

// CanConvertFrom implements Type.
func (m Map) CanConvertFrom(source Type) bool {
	other, ok := source.(Map)
	return ok && m.Key.CanConvertFrom(other.Key) && m.Value.CanConvertFrom(other.Value)
}

// CanConvertFrom implements Type.
func (File) CanConvertFrom(source Type) bool {
	_, ok := source.(File)
	return ok
}

// CanConvertFrom implements Type.
func (Flow) CanConvertFrom(source Type) bool {
	_, ok := source.(Flow)
	return ok
}

func (p Primitive) String() string  { return "Primitive " + p.Kind.String() }
func (Object) String() string       { return "Object" }
func (c Collection) String() string { return "Collection " + c.Elem.String() }
func (m Map) String() string        { return "Map " + m.Key.String() + " " + m.Value.String() }
func (File) String() string         { return "File" }
func (Flow) String() string         { return "Flow" }

// NewCollection builds a collection type, rejecting File and Flow elements.
func NewCollection(elem Type) (Collection, error) {
	if err := checkIterable(elem); err != nil {
		return Collection{}, err
	}
	return Collection{Elem: elem}, nil
}

// NewMap builds a map type, rejecting File and Flow keys or values.
func NewMap(key, value Type) (Map, error) {
	if err := checkIterable(key); err != nil {
		return Map{}, err
	}
	if err := checkIterable(value); err != nil {
		return Map{}, err
	}
	return Map{Key: key, Value: value}, nil
}

func checkIterable(t Type) error {
	if t == nil {
		return fmt.Errorf("%w: missing element type", ErrInvalidType)
	}
	switch t.Variant() {
	case VariantFile, VariantFlow:
		return fmt.Errorf("%w: %s cannot be stored in a collection or map", ErrInvalidType, t)
	}
	return Validate(t)
}

// Validate checks the nesting rules of t recursively.
func Validate(t Type) error {
	switch tt := t.(type) {
	case nil:
		return fmt.Errorf("%w: nil type", ErrInvalidType)
	case Collection:
		return checkIterable(tt.Elem)
	case Map:
		if err := checkIterable(tt.Key); err != nil {
			return err
		}
		return checkIterable(tt.Value)
	case Primitive:
		if _, ok := primitiveNames[tt.Kind]; !ok {
			return fmt.Errorf("%w: unknown primitive kind %d", ErrInvalidType, tt.Kind)
		}
	}
	return nil
}

// Equal reports whether two types are identical.
func Equal(a, b Type) bool {
	return a == b
}

// Parse reads a type string produced by Type.String. A bare primitive kind
// name such as "Integer" is accepted as shorthand for "Primitive Integer".
func Parse(s string) (Type, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty type string", ErrInvalidType)
	}
	t, rest, err := parseFields(fields)
	if err != nil {
		return nil, fmt.Errorf("%w (in %q)", err, s)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing tokens %q in %q", ErrInvalidType, strings.Join(rest, " "), s)
	}
	return t, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Type {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

func parseFields(fields []string) (Type, []string, error) {
	if len(fields) == 0 {
		return nil, nil, fmt.Errorf("%w: unexpected end of type string", ErrInvalidType)
	}
	head, rest := fields[0], fields[1:]
	switch head {
	case "Object":
		return ObjectType, rest, nil
	case "File":
		return FileType, rest, nil
	case "Flow":
		return FlowType, rest, nil
	case "Primitive":
		if len(rest) == 0 {
			return nil, nil, fmt.Errorf("%w: primitive kind missing", ErrInvalidType)
		}
		kind, ok := primitiveKindByName(rest[0])
		if !ok {
			return nil, nil, fmt.Errorf("%w: primitive type %q not supported", ErrInvalidType, rest[0])
		}
		return Primitive{Kind: kind}, rest[1:], nil
	case "Collection":
		elem, rest, err := parseFields(rest)
		if err != nil {
			return nil, nil, err
		}
		c, err := NewCollection(elem)
		return c, rest, err
	case "Map":
		key, rest, err := parseFields(rest)
		if err != nil {
			return nil, nil, err
		}
		value, rest, err := parseFields(rest)
		if err != nil {
			return nil, nil, err
		}
		m, err := NewMap(key, value)
		return m, rest, err
	}
	if kind, ok := primitiveKindByName(head); ok {
		return Primitive{Kind: kind}, rest, nil
	}
	return nil, nil, fmt.Errorf("%w: type %q not supported", ErrInvalidType, head)
}

func primitiveKindByName(name string) (PrimitiveKind, bool) {
	for kind, n := range primitiveNames {
		if n == name {
			return kind, true
		}
	}
	return 0, false
}
