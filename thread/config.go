package thread

import "maps"

// EffectiveConfig overlays the three generation-parameter layers: system
// defaults first, then stored user preferences, then thread-level overrides.
// Later layers win on conflicting keys. None of the inputs are mutated; the
// result is always a fresh map.
//
// The merge is resolved at read time rather than cached, because any layer
// may change between turns.
func EffectiveConfig(systemDefaults, userPrefs, threadOverrides map[string]any) map[string]any {
	out := make(map[string]any, len(systemDefaults)+len(userPrefs)+len(threadOverrides))
	maps.Copy(out, systemDefaults)
	maps.Copy(out, userPrefs)
	maps.Copy(out, threadOverrides)
	return out
}

// ConfigString reads a string-valued generation parameter from a merged
// config, falling back when the key is absent or has the wrong type.
func ConfigString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ConfigFloat reads a numeric generation parameter from a merged config.
// JSON round-trips store numbers as float64; ints are tolerated too.
func ConfigFloat(cfg map[string]any, key string, fallback float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

// ConfigInt reads an integer generation parameter from a merged config.
func ConfigInt(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
