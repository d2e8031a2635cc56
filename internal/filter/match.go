package filter

import (
	"cmp"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Record exposes field values to the in-memory evaluator. A nil return means
// the value is NULL.
type Record func(field string) any

// Match evaluates every predicate against rec.
func (s Spec) Match(rec Record) bool {
	for _, p := range s.Predicates {
		if !p.Match(rec(p.Field.Name)) {
			return false
		}
	}
	return true
}

// Match evaluates the predicate against a single value.
func (p Predicate) Match(v any) bool {
	if p.Op == OpNull {
		return (v == nil) == p.Value.(bool)
	}
	if v == nil {
		return false
	}
	switch p.Op {
	case OpCont:
		return strings.Contains(fold(v.(string)), fold(p.Value.(string)))
	case OpStart:
		return HasPrefixFold(v.(string), p.Value.(string))
	case OpEnd:
		return strings.HasSuffix(fold(v.(string)), fold(p.Value.(string)))
	case OpIn:
		return matchIn(v, p.Value)
	}
	c, ok := compareValues(v, p.Value)
	if !ok {
		return false
	}
	switch p.Op {
	case OpEq:
		return c == 0
	case OpNotEq:
		return c != 0
	case OpLt:
		return c < 0
	case OpLteq:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGteq:
		return c >= 0
	}
	return false
}

// Compare orders two records by the spec's sorts. Records that tie are left
// for the caller to order.
func (s Spec) Compare(a, b Record) int {
	for _, srt := range s.Sorts {
		av, bv := a(srt.Field.Name), b(srt.Field.Name)
		var c int
		switch {
		case av == nil && bv == nil:
			c = 0
		case av == nil:
			c = 1
		case bv == nil:
			c = -1
		default:
			c, _ = compareValues(av, bv)
		}
		if srt.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// HasPrefixFold reports whether s begins with prefix, ignoring case.
func HasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(fold(s), fold(prefix))
}

// fold builds a fresh Caser per call; Casers carry state and must not be shared.
func fold(s string) string {
	return cases.Fold().String(s)
}

func matchIn(v any, list any) bool {
	switch l := list.(type) {
	case []int64:
		for _, item := range l {
			if c, ok := compareValues(v, item); ok && c == 0 {
				return true
			}
		}
	case []float64:
		for _, item := range l {
			if c, ok := compareValues(v, item); ok && c == 0 {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if c, ok := compareValues(v, item); ok && c == 0 {
				return true
			}
		}
	case []time.Time:
		for _, item := range l {
			if c, ok := compareValues(v, item); ok && c == 0 {
				return true
			}
		}
	}
	return false
}

func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return cmp.Compare(av, bv), ok
	case int64:
		switch bv := b.(type) {
		case int64:
			return cmp.Compare(av, bv), true
		case float64:
			return cmp.Compare(float64(av), bv), true
		}
	case int:
		return compareValues(int64(av), b)
	case float64:
		switch bv := b.(type) {
		case float64:
			return cmp.Compare(av, bv), true
		case int64:
			return cmp.Compare(av, float64(bv)), true
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), true
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, true
			case !av:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}
