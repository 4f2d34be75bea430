package script

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/flowgraph/pkg/types"
)

// toStarlark converts a workflow value to a Starlark value.
func toStarlark(v types.Value) (starlark.Value, error) {
	switch val := v.(type) {
	case nil, types.FlowToken:
		return starlark.None, nil
	case types.Boolean:
		return starlark.Bool(val), nil
	case types.Integer:
		return starlark.MakeInt64(int64(val)), nil
	case types.Byte:
		return starlark.MakeInt64(int64(val)), nil
	case types.Short:
		return starlark.MakeInt64(int64(val)), nil
	case types.Long:
		return starlark.MakeInt64(int64(val)), nil
	case types.Float:
		return starlark.Float(val), nil
	case types.Double:
		return starlark.Float(val), nil
	case types.String:
		return starlark.String(val), nil
	case types.Character:
		return starlark.String(string(rune(val))), nil
	case types.List:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case *types.Dict:
		dict := starlark.NewDict(val.Len())
		for _, e := range val.Entries() {
			k, err := toStarlark(e.Key)
			if err != nil {
				return nil, err
			}
			sv, err := toStarlark(e.Value)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(k, sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case types.FileRef:
		return fileStruct(val), nil
	case types.Opaque:
		if val.V == nil {
			return starlark.None, nil
		}
		return nil, fmt.Errorf("unsupported type: %T", val.V)
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlark converts a Starlark value to a workflow value, inferring the
// variant from the Starlark type.
func fromStarlark(v starlark.Value) (types.Value, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return types.Opaque{}, nil
	case starlark.Bool:
		return types.Boolean(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return types.FromNative(i)
	case starlark.Float:
		return types.Double(val), nil
	case starlark.String:
		return types.String(val), nil
	case *starlark.List:
		return fromIterable(val, val.Len())
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		dict := types.NewDict()
		for _, item := range val.Items() {
			k, err := fromStarlark(item[0])
			if err != nil {
				return nil, err
			}
			value, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			dict.Set(k, value)
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := types.NewDict()
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			if _, isBuiltin := attr.(*starlark.Builtin); isBuiltin {
				continue
			}
			value, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict.Set(types.String(name), value)
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIterable(it starlark.Indexable, n int) (types.Value, error) {
	list := make(types.List, n)
	for i := 0; i < n; i++ {
		item, err := fromStarlark(it.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}

// fileStruct exposes a file reference as struct(root, path, abs, exists,
// read).
func fileStruct(ref types.FileRef) *starlarkstruct.Struct {
	read := starlark.NewBuiltin("read", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		data, err := ref.ReadAll()
		if err != nil {
			return nil, err
		}
		return starlark.String(data), nil
	})
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"root":   starlark.String(ref.Root),
		"path":   starlark.String(ref.Path),
		"abs":    starlark.String(ref.Abs()),
		"exists": starlark.Bool(ref.Exists()),
		"read":   read,
	})
}

// fileFromStruct recovers a file reference passed back from a script.
func fileFromStruct(v starlark.Value) (types.FileRef, bool) {
	s, ok := v.(*starlarkstruct.Struct)
	if !ok {
		return types.FileRef{}, false
	}
	path, err := s.Attr("path")
	if err != nil {
		return types.FileRef{}, false
	}
	p, ok := path.(starlark.String)
	if !ok {
		return types.FileRef{}, false
	}
	ref := types.FileRef{Path: string(p)}
	if root, err := s.Attr("root"); err == nil {
		if r, ok := root.(starlark.String); ok {
			ref.Root = string(r)
		}
	}
	return ref, true
}
