package expression

import (
	"strconv"
	"strings"
)

// Attribute is the slice of an attribute that feeds an evaluation context.
type Attribute struct {
	Name     string
	ObjectID string
	Value    any
}

// ExtractContext builds an evaluation context from attributes. String values
// are coerced to integer, then float, then the boolean literals "true" and
// "false", and are otherwise kept as strings. Each value is stored under the
// attribute name and under its object_id. Nil and NaN values are skipped.
func ExtractContext(attrs []Attribute) map[string]any {
	ctx := make(map[string]any, len(attrs)*2)
	for _, a := range attrs {
		value := coerceContextValue(a.Value)
		if isUndefined(value) {
			continue
		}
		if a.Name != "" {
			ctx[a.Name] = value
		}
		if a.ObjectID != "" {
			ctx[a.ObjectID] = value
		}
	}
	return ctx
}

func coerceContextValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// Coerce converts an evaluation result according to an attribute type.
func Coerce(v any, attrType string) any {
	switch attrType {
	case "Number":
		return coerceNumber(v)
	case "Boolean":
		switch b := v.(type) {
		case bool:
			return b
		case string:
			return b == "true" || b == "1"
		default:
			f, ok := toFloat(v)
			return ok && f == 1
		}
	case "None":
		return nil
	case "Text", "String":
		return toString(v)
	default:
		return v
	}
}

func coerceNumber(v any) any {
	var text string
	switch n := v.(type) {
	case nil, bool:
		return v
	case string:
		text = strings.TrimSpace(n)
	default:
		f, ok := toFloat(v)
		if !ok {
			return v
		}
		text = strconv.FormatFloat(f, 'f', -1, 64)
	}

	if strings.Contains(text, ".") {
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f
		}
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i
	}
	return v
}
