// ABOUTME: Deterministic cache key construction from named parameters
// ABOUTME: Sorts by name so argument order never changes the key

package cache

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Param is one named component of a cache key.
type Param struct {
	Name  string
	Value any
}

// P builds a Param.
func P(name string, value any) Param {
	return Param{Name: name, Value: value}
}

// Key renders params as a stable string. Params are sorted by name; nil
// values and nil pointers render as empty, other pointers are dereferenced.
func Key(params ...Param) string {
	sorted := make([]Param, len(params))
	copy(sorted, params)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	var sb strings.Builder
	for i, p := range sorted {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(p.Name)
		sb.WriteByte('=')
		sb.WriteString(normalize(p.Value))
	}
	return sb.String()
}

func normalize(v any) string {
	if v == nil {
		return ""
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		rv = rv.Elem()
	}
	return fmt.Sprint(rv.Interface())
}
