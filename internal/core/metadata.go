package core

// cloneMetadata deep-copies a free-form metadata bag. Values are assumed to
// be JSON-shaped (maps, slices, scalars), which holds for everything that
// crosses the store boundary.
func cloneMetadata(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMetadata(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// MergeMetadata shallow-merges patch into base, returning a new bag.
// Values in patch win; nil values delete the key.
func MergeMetadata(base, patch map[string]interface{}) map[string]interface{} {
	out := cloneMetadata(base)
	if out == nil {
		out = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// ScenarioSet extracts the deduplicated scenario list from a metadata bag.
// Both []string and []interface{} encodings are accepted, since the value
// round-trips through JSON.
func ScenarioSet(meta map[string]interface{}) []string {
	if meta == nil {
		return nil
	}
	raw, ok := meta["scenario"]
	if !ok {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	appendOne := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	switch vals := raw.(type) {
	case []string:
		for _, s := range vals {
			appendOne(s)
		}
	case []interface{}:
		for _, v := range vals {
			if s, ok := v.(string); ok {
				appendOne(s)
			}
		}
	case string:
		appendOne(vals)
	}
	return out
}
