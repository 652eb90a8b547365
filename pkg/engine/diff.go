package engine

import (
	"bytes"
	"reflect"
	"sort"
	"time"

	"github.com/windlass-io/windlass/pkg/secret"
)

// Diff returns the sorted top-level keys of a whose value differs from
// b's value at the same key, by deep structural equality. Keys present
// only in b are ignored. Providers use it during update to decide
// whether a change can be patched in place or requires replacement;
// the apply skip rule does not use it.
func Diff(a, b map[string]any) []string {
	var changed []string
	for key, av := range a {
		bv, ok := b[key]
		if !ok || !deepEqual(av, bv) {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

// deepEqual compares property-tree values. Secrets compare by
// cleartext, numbers by value regardless of Go width, so a tree that
// round-tripped through serialization still compares equal to its
// original.
func deepEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case secret.Secret:
		bv, ok := b.(secret.Secret)
		return ok && deepEqual(av.Unwrap(), bv.Unwrap())
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}

	if an, ok := asNumber(a); ok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}

	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch ra.Kind() {
	case reflect.Map:
		if rb.Kind() != reflect.Map || ra.Len() != rb.Len() {
			return false
		}
		iter := ra.MapRange()
		for iter.Next() {
			bv := rb.MapIndex(iter.Key())
			if !bv.IsValid() || !deepEqual(iter.Value().Interface(), bv.Interface()) {
				return false
			}
		}
		return true
	case reflect.Slice, reflect.Array:
		if rb.Kind() != reflect.Slice && rb.Kind() != reflect.Array {
			return false
		}
		if ra.Len() != rb.Len() {
			return false
		}
		for i := 0; i < ra.Len(); i++ {
			if !deepEqual(ra.Index(i).Interface(), rb.Index(i).Interface()) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
