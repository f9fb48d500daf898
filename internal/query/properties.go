package query

import (
	"strings"
)

// matchProperty evaluates a property predicate against frontmatter.
// Comparisons with an absent value yield false; three-valued logic is not
// surfaced.
func matchProperty(frontmatter map[string]any, p Property) bool {
	value, found := lookupPath(frontmatter, p.Path)

	if p.Op == OpExists {
		return found
	}
	if !found {
		return false
	}

	switch p.Op {
	case OpEq:
		return compare(value, p.Value) == 0 && ordered(value, p.Value)
	case OpNe:
		return ordered(value, p.Value) && compare(value, p.Value) != 0
	case OpGt:
		return ordered(value, p.Value) && compare(value, p.Value) > 0
	case OpGte:
		return ordered(value, p.Value) && compare(value, p.Value) >= 0
	case OpLt:
		return ordered(value, p.Value) && compare(value, p.Value) < 0
	case OpLte:
		return ordered(value, p.Value) && compare(value, p.Value) <= 0
	case OpContains:
		return arrayContains(value, p.Value)
	case OpContainsAll:
		for _, v := range p.Values {
			if !arrayContains(value, v) {
				return false
			}
		}
		return len(p.Values) > 0
	case OpContainsAny:
		for _, v := range p.Values {
			if arrayContains(value, v) {
				return true
			}
		}
		return false
	}
	return false
}

// matchTags evaluates a tag predicate against a note's tags.
func matchTags(noteTags []string, t Tags) bool {
	if len(t.Tags) == 0 {
		return true
	}
	have := make(map[string]bool, len(noteTags))
	for _, tag := range noteTags {
		have[tag] = true
	}

	if t.All {
		for _, tag := range t.Tags {
			if !have[tag] {
				return false
			}
		}
		return true
	}
	for _, tag := range t.Tags {
		if have[tag] {
			return true
		}
	}
	return false
}

// lookupPath resolves a dotted key path against nested maps.
func lookupPath(values map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = values
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ordered reports whether two values share a total ordering: both
// numbers, both ISO-8601 dates, both strings, or both booleans.
func ordered(a, b any) bool {
	if _, ok := asNumber(a); ok {
		_, ok2 := asNumber(b)
		return ok2
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		_, aDate := parseTime(as)
		_, bDate := parseTime(bs)
		return aDate == bDate
	}
	_, ab := a.(bool)
	_, bb := b.(bool)
	return ab && bb
}

// compare orders two comparable values: negative, zero, or positive.
func compare(a, b any) int {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}

	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			at, aDate := parseTime(as)
			bt, bDate := parseTime(bs)
			if aDate && bDate {
				switch {
				case at.Before(bt):
					return -1
				case at.After(bt):
					return 1
				default:
					return 0
				}
			}
			return strings.Compare(as, bs)
		}
	}

	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case bb:
				return -1
			default:
				return 1
			}
		}
	}

	return -1
}

// asNumber coerces the numeric types JSON and YAML decoding produce.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// arrayContains checks membership in an array value; a scalar value matches
// itself, mirroring single-valued frontmatter keys.
func arrayContains(value, needle any) bool {
	switch arr := value.(type) {
	case []any:
		for _, item := range arr {
			if ordered(item, needle) && compare(item, needle) == 0 {
				return true
			}
		}
		return false
	case []string:
		ns, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range arr {
			if item == ns {
				return true
			}
		}
		return false
	default:
		return ordered(value, needle) && compare(value, needle) == 0
	}
}
