package channel

import "reflect"

// Filter is a property-match pattern. A channel matches when every property
// named by the filter equals the channel's value. The empty filter matches
// every channel.
type Filter map[string]any

// Matches reports whether props satisfies every entry of f.
func (f Filter) Matches(props Properties) bool {
	for k, want := range f {
		got, ok := props[k]
		if !ok || !valuesEqual(want, got) {
			return false
		}
	}
	return true
}

// Specificity is the number of properties the filter constrains.
func (f Filter) Specificity() int {
	return len(f)
}

// BestMatch returns the specificity of the most specific filter in fs that
// matches props, and false when none matches.
func BestMatch(fs []Filter, props Properties) (int, bool) {
	best, matched := 0, false
	for _, f := range fs {
		if !f.Matches(props) {
			continue
		}
		if !matched || f.Specificity() > best {
			best = f.Specificity()
		}
		matched = true
	}
	return best, matched
}

// valuesEqual compares property values, treating all numeric kinds as equal
// when they hold the same number (YAML and JSON decode integers differently).
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
