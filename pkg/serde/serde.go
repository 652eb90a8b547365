package serde

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/windlass-io/windlass/pkg/secret"
)

// Wire tags for special leaf types.
const (
	tagSecret = "@secret"
	tagDate   = "@date"
	tagBuffer = "@buffer"
	tagSymbol = "@symbol"
	tagScope  = "@scope"
)

// Symbol is a well-known, non-unique symbolic tag. It round-trips
// through persistence as {"@symbol": "Symbol(<name>)"}.
type Symbol string

// ErrNoScope is returned when a serialized scope reference is
// deserialized without an active scope to rehydrate it to.
var ErrNoScope = errors.New("serde: scope reference found but no active scope")

// Options configures one serialization or deserialization pass.
type Options struct {
	// Password keys secret encryption and decryption. Required whenever
	// the tree contains a Secret, unless PlainSecrets is set.
	Password string

	// PlainSecrets serializes secrets without encryption. This mode
	// exists only for in-memory structural comparison of property
	// trees; its output must never be persisted.
	PlainSecrets bool

	// Scope is the value representing the current scope. On
	// serialization any leaf identical to it becomes a scope tag; on
	// deserialization scope tags rehydrate to it.
	Scope any

	// Observe, when set, is called with "encrypt" or "decrypt" for
	// every secret leaf processed.
	Observe func(op string)
}

func (o Options) observe(op string) {
	if o.Observe != nil {
		o.Observe(op)
	}
}

// Serialize walks a value tree depth-first and produces a tree
// containing only JSON-safe values: primitives, []any, and
// map[string]any with tagged envelopes for special leaves.
func Serialize(v any, opts Options) (any, error) {
	return serialize(v, opts)
}

func serialize(v any, opts Options) (any, error) {
	if v == nil {
		return nil, nil
	}

	if opts.Scope != nil && sameRef(v, opts.Scope) {
		return map[string]any{tagScope: nil}, nil
	}

	switch val := v.(type) {
	case secret.Secret:
		return serializeSecret(val, opts)
	case *secret.Secret:
		if val == nil {
			return nil, nil
		}
		return serializeSecret(*val, opts)
	case time.Time:
		return map[string]any{tagDate: val.UTC().Format(time.RFC3339Nano)}, nil
	case []byte:
		return map[string]any{tagBuffer: base64.StdEncoding.EncodeToString(val)}, nil
	case Symbol:
		return map[string]any{tagSymbol: fmt.Sprintf("Symbol(%s)", string(val))}, nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan:
		return nil, fmt.Errorf("serde: cannot serialize %s value", rv.Kind())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return serialize(rv.Elem().Interface(), opts)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("serde: map keys must be strings, got %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			child, err := serialize(iter.Value().Interface(), opts)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = child
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			child, err := serialize(rv.Index(i).Interface(), opts)
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	case reflect.Struct:
		return serializeStruct(rv, opts)
	default:
		return nil, fmt.Errorf("serde: unsupported value type %T", v)
	}
}

// serializeStruct flattens exported struct fields into a map, honoring
// json tags so typed provider properties persist under their wire names.
func serializeStruct(rv reflect.Value, opts Options) (any, error) {
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
		child, err := serialize(fv.Interface(), opts)
		if err != nil {
			return nil, err
		}
		out[name] = child
	}
	return out, nil
}

func serializeSecret(s secret.Secret, opts Options) (any, error) {
	inner, err := serialize(s.Unwrap(), opts)
	if err != nil {
		return nil, err
	}

	if opts.PlainSecrets {
		return map[string]any{tagSecret: inner}, nil
	}

	plaintext, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("serde: failed to encode secret cleartext: %w", err)
	}
	env, err := secret.Encrypt(plaintext, opts.Password)
	if err != nil {
		return nil, err
	}
	opts.observe("encrypt")
	return map[string]any{tagSecret: env}, nil
}

// Deserialize reverses Serialize. Scope tags rehydrate to the
// deserializing scope from opts, not the scope that serialized the
// tree. Encountering an encrypted secret without a password is a fatal
// configuration error.
func Deserialize(v any, opts Options) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if tagged, payload, ok := taggedValue(val); ok {
			return deserializeTag(tagged, payload, opts)
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			restored, err := Deserialize(child, opts)
			if err != nil {
				return nil, err
			}
			out[k] = restored
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			restored, err := Deserialize(child, opts)
			if err != nil {
				return nil, err
			}
			out[i] = restored
		}
		return out, nil
	default:
		return v, nil
	}
}

func taggedValue(m map[string]any) (string, any, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		if strings.HasPrefix(k, "@") {
			return k, v, true
		}
	}
	return "", nil, false
}

func deserializeTag(tag string, payload any, opts Options) (any, error) {
	switch tag {
	case tagSecret:
		if opts.PlainSecrets {
			inner, err := Deserialize(payload, opts)
			if err != nil {
				return nil, err
			}
			return secret.New(inner), nil
		}
		if opts.Password == "" {
			return nil, secret.ErrNoPassword
		}
		plaintext, err := secret.Decrypt(payload, opts.Password)
		if err != nil {
			return nil, err
		}
		opts.observe("decrypt")
		var inner any
		if err := json.Unmarshal(plaintext, &inner); err != nil {
			return nil, fmt.Errorf("serde: failed to decode secret cleartext: %w", err)
		}
		restored, err := Deserialize(inner, opts)
		if err != nil {
			return nil, err
		}
		return secret.New(restored), nil
	case tagDate:
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("serde: date payload is not a string: %T", payload)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("serde: invalid date payload %q: %w", s, err)
		}
		return t, nil
	case tagBuffer:
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("serde: buffer payload is not a string: %T", payload)
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("serde: invalid buffer payload: %w", err)
		}
		return data, nil
	case tagSymbol:
		s, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("serde: symbol payload is not a string: %T", payload)
		}
		name, found := strings.CutPrefix(s, "Symbol(")
		name, closed := strings.CutSuffix(name, ")")
		if !found || !closed {
			return nil, fmt.Errorf("serde: unrecognized symbol payload %q", s)
		}
		return Symbol(name), nil
	case tagScope:
		if opts.Scope == nil {
			return nil, ErrNoScope
		}
		return opts.Scope, nil
	default:
		return nil, fmt.Errorf("serde: unknown tag %q", tag)
	}
}

// sameRef reports whether two values are the same referenced object.
// Only pointer-like kinds can represent a scope reference.
func sameRef(a, b any) bool {
	ra := reflect.ValueOf(a)
	rb := reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		return false
	}
	switch ra.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Slice:
		return ra.Pointer() == rb.Pointer()
	default:
		return false
	}
}
