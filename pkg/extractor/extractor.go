// Package extractor reads values out of record documents by dot path.
package extractor

import (
	"encoding/json"
	"fmt"

	"github.com/Ramsey-B/aspen/pkg/models"
)

// Extract walks a dot path through nested objects. A missing segment, a nil
// value, or a non-object intermediate all yield nil; the pipeline treats an
// unreadable field as absent, never as an error. Paths are expected to have
// passed models.ValidateFieldPath, so no bracket or wildcard handling exists.
func Extract(doc models.Document, path string) any {
	if doc == nil || path == "" {
		return nil
	}

	var current any = map[string]any(doc)
	for _, segment := range models.FieldPathSegments(path) {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[segment]
		if !ok {
			return nil
		}
	}

	return current
}

// ExtractString extracts the value at path and flattens it to a string. ok is
// false when the path is absent, nil, or flattens to the empty string.
func ExtractString(doc models.Document, path string) (string, bool) {
	value := Extract(doc, path)
	if value == nil {
		return "", false
	}

	s := toString(value)
	if s == "" {
		return "", false
	}
	return s, true
}

// toString converts any extracted value to a string
func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return fmt.Sprintf("%v", val)
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case nil:
		return ""
	default:
		// For complex types, JSON encode
		b, _ := json.Marshal(v)
		return string(b)
	}
}
