package projections

// Helpers shared by the fold functions. Payloads and snapshot state are
// generic JSON maps, so folds copy before mutating to stay pure.

func cloneState(state map[string]interface{}) map[string]interface{} {
	next := make(map[string]interface{}, len(state))
	for k, v := range state {
		next[k] = v
	}
	return next
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func sliceField(m map[string]interface{}, key string) []interface{} {
	if m == nil {
		return nil
	}
	if v, ok := m[key].([]interface{}); ok {
		return v
	}
	return nil
}

func numberField(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
