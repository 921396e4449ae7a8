package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
)

// IsBlank reports whether a value counts as empty: nil, a whitespace-only
// string, or an empty slice, map or array. Blank values are interchangeable
// for change detection.
func IsBlank(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	case []any:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return true
		}
		return IsBlank(rv.Elem().Interface())
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

// ValuesEqual compares two attribute values. Two blank values are equal
// regardless of representation, and values that encode to the same JSON
// (an int and the float64 it decodes to) are equal too.
func ValuesEqual(a, b any) bool {
	blankA, blankB := IsBlank(a), IsBlank(b)
	if blankA || blankB {
		return blankA && blankB
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	encodedA, errA := json.Marshal(a)
	encodedB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(encodedA, encodedB)
}
