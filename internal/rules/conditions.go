package rules

// Rule conditions arrive as JSON objects, so numbers decode as float64 and
// lists as []any. These helpers normalize access with defaults.

func condFloat(conditions map[string]any, key string, def float64) float64 {
	v, ok := conditions[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func condInt(conditions map[string]any, key string, def int64) int64 {
	v, ok := conditions[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	}
	return def
}

func condBool(conditions map[string]any, key string) bool {
	v, ok := conditions[key].(bool)
	return ok && v
}

func condString(conditions map[string]any, key string, def string) string {
	if v, ok := conditions[key].(string); ok && v != "" {
		return v
	}
	return def
}

func condStrings(conditions map[string]any, key string) []string {
	switch v := conditions[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
