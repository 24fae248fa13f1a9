package config

// Values is a plugin's opaque configuration viewed as a key-value map.
type Values = map[string]any

// AsMap views an opaque configuration value as a map. YAML decoding may
// produce map[any]any for nested values; those are accepted too.
func AsMap(cfg any) (Values, bool) {
	switch m := cfg.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(Values, len(m))
		for k, v := range m {
			if s, ok := k.(string); ok {
				out[s] = v
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// GetString extracts a string from an opaque configuration, returning (value, found).
func GetString(cfg any, key string) (string, bool) {
	m, ok := AsMap(cfg)
	if !ok {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
