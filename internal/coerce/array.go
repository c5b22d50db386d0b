package coerce

import (
	"reflect"
	"strconv"
)

// ItemCoercer converts one element of a sequence. ok reports whether the
// element produced a usable value; elements with ok == false are dropped.
type ItemCoercer func(v any, res *Result) (any, bool)

// Array coerces v into a sequence of at most maxItems elements.
//
// nil becomes an empty sequence, a bare scalar becomes a single-element
// sequence, and a map whose keys are the consecutive integers 0..n-1 is
// read as a sequence ordered by key (models sometimes emit arrays that
// way). Each element passes through item; failed elements are dropped.
// The result is always a non-nil slice.
func Array(v any, maxItems int, item ItemCoercer, res *Result) []any {
	if maxItems < 0 {
		maxItems = 0
	}
	elems := elements(v, res)

	out := make([]any, 0, len(elems))
	for i, e := range elems {
		if len(out) >= maxItems {
			res.flag("array: truncated to %d items", maxItems)
			break
		}
		coerced, ok := item(e, res)
		if !ok {
			res.flag("array: dropped element %d", i)
			continue
		}
		out = append(out, coerced)
	}
	return out
}

func elements(v any, res *Result) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case map[string]any:
		if seq, ok := indexedMap(t); ok {
			res.flag("array: read integer-keyed object as sequence of %d", len(seq))
			return seq
		}
		res.flag("array: wrapped object as single element")
		return []any{t}
	case string:
		res.flag("array: wrapped scalar as single element")
		return []any{t}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, rv.Index(i).Interface())
		}
		return out
	default:
		res.flag("array: wrapped scalar as single element")
		return []any{v}
	}
}

// indexedMap reports whether m's keys are exactly "0".."n-1" and, if so,
// returns the values in key order.
func indexedMap(m map[string]any) ([]any, bool) {
	if len(m) == 0 {
		return nil, false
	}
	out := make([]any, len(m))
	for k, v := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(m) || out[i] != nil {
			return nil, false
		}
		if v == nil {
			v = struct{}{} // placeholder so duplicate detection still works
		}
		out[i] = v
	}
	for i, v := range out {
		if v == (struct{}{}) {
			out[i] = nil
		}
	}
	return out, true
}
