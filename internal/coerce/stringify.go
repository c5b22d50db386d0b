package coerce

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// maxStringifyDepth bounds recursion into nested structures. Model output
// nested deeper than this is noise, not data.
const maxStringifyDepth = 8

// Stringify renders an arbitrary value as a string. Cyclic structures are
// detected and broken, so the function terminates on any input.
//
// Scalars render with strconv; maps and slices render in a compact
// JSON-like form with map keys sorted for determinism.
func Stringify(v any) string {
	if v == nil {
		return ""
	}
	return stringify(reflect.ValueOf(v), map[uintptr]bool{}, 0)
}

func stringify(rv reflect.Value, seen map[uintptr]bool, depth int) string {
	if !rv.IsValid() {
		return ""
	}
	if depth > maxStringifyDepth {
		return "..."
	}

	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return ""
		}
		if rv.Kind() == reflect.Pointer {
			ptr := rv.Pointer()
			if seen[ptr] {
				return "..."
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return stringify(rv.Elem(), seen, depth)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return ""
			}
			ptr := rv.Pointer()
			if seen[ptr] {
				return "[...]"
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		parts := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts = append(parts, stringify(rv.Index(i), seen, depth+1))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case reflect.Map:
		if rv.IsNil() {
			return ""
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return "{...}"
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		keys := rv.MapKeys()
		rendered := make([]string, 0, len(keys))
		for _, k := range keys {
			rendered = append(rendered, stringify(k, seen, depth+1)+": "+stringify(rv.MapIndex(k), seen, depth+1))
		}
		sort.Strings(rendered)
		return "{" + strings.Join(rendered, ", ") + "}"
	case reflect.Struct:
		t := rv.Type()
		parts := make([]string, 0, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue // unexported
			}
			parts = append(parts, t.Field(i).Name+": "+stringify(rv.Field(i), seen, depth+1))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%v", rv.Interface())
	}
}
