package openai

import (
	"strconv"
	"strings"
)

// normalizeOptional coerces loosely typed fields models tend to emit so the payload can
// still pass the output schema: numeric strings become numbers, "true"/"false" become
// booleans, question numbers become strings, nulls are dropped. It returns the keys it removed.
func normalizeOptional(m map[string]any) []string {
	var dropped []string
	for k, v := range m {
		switch t := v.(type) {
		case nil:
			delete(m, k)
			dropped = append(dropped, k)
		case string:
			if k == "confidence" {
				s := strings.TrimSuffix(strings.TrimSpace(t), "%")
				f, err := strconv.ParseFloat(s, 64)
				if err != nil {
					delete(m, k)
					dropped = append(dropped, k)
					continue
				}
				if f > 1 {
					f /= 100
				}
				m[k] = f
			}
			if k == "unavailable" || k == "references_figure" {
				if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
					m[k] = b
				}
			}
			if k == "verdict" {
				m[k] = strings.ToLower(strings.TrimSpace(t))
			}
		case float64:
			if k == "number" {
				m[k] = strconv.FormatFloat(t, 'f', -1, 64)
			}
		case map[string]any:
			dropped = append(dropped, prefix(k, normalizeOptional(t))...)
		case []any:
			for _, it := range t {
				if child, ok := it.(map[string]any); ok {
					dropped = append(dropped, prefix(k, normalizeOptional(child))...)
				}
			}
		}
	}
	return dropped
}

func prefix(p string, keys []string) []string {
	for i, k := range keys {
		keys[i] = p + "." + k
	}
	return keys
}
