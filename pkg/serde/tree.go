package serde

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/windlass-io/windlass/pkg/secret"
)

// ToTree converts a typed value into a dynamic property tree:
// map[string]any objects, []any arrays, and primitive leaves, with
// Secret, time.Time, []byte, and Symbol leaves preserved as-is. This
// is the boundary between provider-specific typed properties and the
// engine's dynamic representation.
func ToTree(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch val := v.(type) {
	case secret.Secret, time.Time, []byte, Symbol:
		return val, nil
	case *secret.Secret:
		if val == nil {
			return nil, nil
		}
		return *val, nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan:
		return nil, fmt.Errorf("serde: cannot convert %s value to a property tree", rv.Kind())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return ToTree(rv.Elem().Interface())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("serde: map keys must be strings, got %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			child, err := ToTree(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = child
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			child, err := ToTree(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	case reflect.Struct:
		rt := rv.Type()
		out := make(map[string]any, rt.NumField())
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			name, omitEmpty, skip := jsonFieldName(field)
			if skip {
				continue
			}
			fv := rv.Field(i)
			if omitEmpty && fv.IsZero() {
				continue
			}
			child, err := ToTree(fv.Interface())
			if err != nil {
				return nil, err
			}
			out[name] = child
		}
		return out, nil
	default:
		return nil, fmt.Errorf("serde: unsupported value type %T", v)
	}
}

// FromTree populates a typed destination from a dynamic property tree.
// dst must be a non-nil pointer. Numeric leaves convert across widths
// (trees loaded from JSON carry float64), and Secret, time.Time, and
// []byte leaves map onto fields of those types.
func FromTree(tree any, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("serde: destination must be a non-nil pointer, got %T", dst)
	}
	return assignTree(tree, rv.Elem())
}

var (
	secretType = reflect.TypeOf(secret.Secret{})
	timeType   = reflect.TypeOf(time.Time{})
	symbolType = reflect.TypeOf(Symbol(""))
)

func assignTree(tree any, dst reflect.Value) error {
	if tree == nil {
		dst.SetZero()
		return nil
	}

	// Dynamic destinations take the tree verbatim.
	if dst.Kind() == reflect.Interface && dst.NumMethod() == 0 {
		dst.Set(reflect.ValueOf(tree))
		return nil
	}

	switch dst.Type() {
	case secretType:
		s, ok := tree.(secret.Secret)
		if !ok {
			return fmt.Errorf("serde: expected secret leaf, got %T", tree)
		}
		dst.Set(reflect.ValueOf(s))
		return nil
	case timeType:
		switch t := tree.(type) {
		case time.Time:
			dst.Set(reflect.ValueOf(t))
			return nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return fmt.Errorf("serde: invalid time leaf %q: %w", t, err)
			}
			dst.Set(reflect.ValueOf(parsed))
			return nil
		default:
			return fmt.Errorf("serde: expected time leaf, got %T", tree)
		}
	case symbolType:
		switch s := tree.(type) {
		case Symbol:
			dst.Set(reflect.ValueOf(s))
			return nil
		case string:
			dst.Set(reflect.ValueOf(Symbol(s)))
			return nil
		default:
			return fmt.Errorf("serde: expected symbol leaf, got %T", tree)
		}
	}

	switch dst.Kind() {
	case reflect.Pointer:
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return assignTree(tree, dst.Elem())
	case reflect.String:
		s, ok := tree.(string)
		if !ok {
			return fmt.Errorf("serde: expected string, got %T", tree)
		}
		dst.SetString(s)
		return nil
	case reflect.Bool:
		b, ok := tree.(bool)
		if !ok {
			return fmt.Errorf("serde: expected bool, got %T", tree)
		}
		dst.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, ok := asFloat(tree)
		if !ok {
			return fmt.Errorf("serde: expected number, got %T", tree)
		}
		dst.SetInt(int64(f))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, ok := asFloat(tree)
		if !ok {
			return fmt.Errorf("serde: expected number, got %T", tree)
		}
		dst.SetUint(uint64(f))
		return nil
	case reflect.Float32, reflect.Float64:
		f, ok := asFloat(tree)
		if !ok {
			return fmt.Errorf("serde: expected number, got %T", tree)
		}
		dst.SetFloat(f)
		return nil
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			b, ok := tree.([]byte)
			if !ok {
				return fmt.Errorf("serde: expected buffer leaf, got %T", tree)
			}
			dst.SetBytes(b)
			return nil
		}
		items, ok := tree.([]any)
		if !ok {
			return fmt.Errorf("serde: expected array, got %T", tree)
		}
		out := reflect.MakeSlice(dst.Type(), len(items), len(items))
		for i, item := range items {
			if err := assignTree(item, out.Index(i)); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	case reflect.Map:
		if dst.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("serde: map keys must be strings, got %s", dst.Type().Key())
		}
		m, ok := tree.(map[string]any)
		if !ok {
			return fmt.Errorf("serde: expected object, got %T", tree)
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(m))
		for k, v := range m {
			elem := reflect.New(dst.Type().Elem()).Elem()
			if err := assignTree(v, elem); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(k), elem)
		}
		dst.Set(out)
		return nil
	case reflect.Struct:
		m, ok := tree.(map[string]any)
		if !ok {
			return fmt.Errorf("serde: expected object for %s, got %T", dst.Type(), tree)
		}
		rt := dst.Type()
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			name, _, skip := jsonFieldName(field)
			if skip {
				continue
			}
			v, present := m[name]
			if !present {
				continue
			}
			if err := assignTree(v, dst.Field(i)); err != nil {
				return fmt.Errorf("serde: field %s: %w", name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("serde: unsupported destination type %s", dst.Type())
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func jsonFieldName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	name = field.Name
	tag, ok := field.Tag.Lookup("json")
	if !ok {
		return name, false, false
	}
	parts := strings.Split(tag, ",")
	if parts[0] == "-" {
		return "", false, true
	}
	if parts[0] != "" {
		name = parts[0]
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}
