package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes every ${name} placeholder in template with the bound variable.
// Scalars render in their default string form and composites (maps, slices,
// arrays, structs) as JSON. Placeholders with no binding are left verbatim.
func Render(template string, vars map[string]interface{}) string {
	if len(vars) == 0 {
		return template
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-1]
		value, ok := vars[name]
		if !ok {
			return match
		}
		return formatValue(value)
	})
}

// MissingVariables returns the sorted, unique placeholder names in template
// that have no binding in vars.
func MissingVariables(template string, vars map[string]interface{}) []string {
	seen := make(map[string]struct{})
	var missing []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		name := m[1]
		if _, ok := vars[name]; ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}

// formatValue renders one variable. encoding/json sorts map keys, which keeps
// composite output stable across calls.
func formatValue(value interface{}) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}

	switch reflect.TypeOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(value); err != nil {
			return fmt.Sprintf("%v", value)
		}
		return strings.TrimSuffix(buf.String(), "\n")
	case reflect.Ptr:
		rv := reflect.ValueOf(value)
		if rv.IsNil() {
			return ""
		}
		return formatValue(rv.Elem().Interface())
	default:
		return fmt.Sprintf("%v", value)
	}
}
