package types

// TypeOf infers the runtime type of a value. Collections and maps take the
// least upper bound of their element types; an empty collection has Object
// elements.
func TypeOf(v Value) Type {
	switch vv := v.(type) {
	case Integer:
		return IntegerType
	case String:
		return StringType
	case Boolean:
		return BooleanType
	case Byte:
		return ByteType
	case Short:
		return ShortType
	case Long:
		return LongType
	case Float:
		return FloatType
	case Double:
		return DoubleType
	case Character:
		return CharacterType
	case List:
		elems := make([]Type, len(vv))
		for i, e := range vv {
			elems[i] = TypeOf(e)
		}
		return Collection{Elem: commonTypeOf(elems)}
	case *Dict:
		keys := make([]Type, 0, vv.Len())
		values := make([]Type, 0, vv.Len())
		for _, e := range vv.Entries() {
			keys = append(keys, TypeOf(e.Key))
			values = append(values, TypeOf(e.Value))
		}
		return Map{Key: commonTypeOf(keys), Value: commonTypeOf(values)}
	case FileRef:
		return FileType
	case FlowToken:
		return FlowType
	}
	return ObjectType
}

// commonTypeOf folds a list of element types into the narrowest type every
// element converts to.
func commonTypeOf(ts []Type) Type {
	if len(ts) == 0 {
		return ObjectType
	}
	acc := iterable(ts[0])
	for _, t := range ts[1:] {
		acc = commonType(acc, iterable(t))
	}
	return acc
}

// commonType returns the least upper bound of a and b.
func commonType(a, b Type) Type {
	if a.CanConvertFrom(b) {
		return a
	}
	if b.CanConvertFrom(a) {
		return b
	}
	// Two collections (or two maps) keep their shape: Collection<Integer>
	// and Collection<String> meet at Collection<Object>, not Object.
	if ca, ok := a.(Collection); ok {
		if cb, ok := b.(Collection); ok {
			return Collection{Elem: commonType(ca.Elem, cb.Elem)}
		}
	}
	if ma, ok := a.(Map); ok {
		if mb, ok := b.(Map); ok {
			return Map{Key: commonType(ma.Key, mb.Key), Value: commonType(ma.Value, mb.Value)}
		}
	}
	return ObjectType
}

// iterable maps types that may not appear inside a collection to Object.
func iterable(t Type) Type {
	switch t.Variant() {
	case VariantFile, VariantFlow:
		return ObjectType
	}
	return t
}
