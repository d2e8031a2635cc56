// Package filter turns declarative field/operator/value parameters such as
// q[email_cont]=jane into typed predicates. Only allowlisted fields are
// accepted, so callers never splice user input into SQL.
package filter

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind is the value type of a filterable field.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindDecimal
	KindTime
	KindBool
)

// Field describes one filterable attribute.
type Field struct {
	// Name is the public parameter name, e.g. "bill_address_firstname".
	Name string
	// Column is the trusted SQL expression the field maps to.
	Column string
	Kind   Kind
}

// Operator is a predicate suffix.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNotEq Operator = "not_eq"
	OpCont  Operator = "cont"
	OpStart Operator = "start"
	OpEnd   Operator = "end"
	OpLt    Operator = "lt"
	OpLteq  Operator = "lteq"
	OpGt    Operator = "gt"
	OpGteq  Operator = "gteq"
	OpIn    Operator = "in"
	OpNull  Operator = "null"
)

// operators is ordered longest first so "id_not_eq" never resolves to "eq".
var operators = []Operator{OpNotEq, OpStart, OpLteq, OpGteq, OpCont, OpNull, OpEnd, OpEq, OpLt, OpGt, OpIn}

func (o Operator) stringOnly() bool {
	return o == OpCont || o == OpStart || o == OpEnd
}

// Predicate is a single validated condition.
type Predicate struct {
	Field Field
	Op    Operator
	// Value holds the typed operand; for OpIn it is a slice, for OpNull a bool.
	Value any
}

// Sort orders results by a field.
type Sort struct {
	Field Field
	Desc  bool
}

// Spec is a parsed filter bag. Predicates are AND-combined.
type Spec struct {
	Predicates []Predicate
	Sorts      []Sort
}

// IsEmpty reports whether the spec filters nothing.
func (s Spec) IsEmpty() bool {
	return len(s.Predicates) == 0
}

// Allowlist indexes fields by name.
type Allowlist map[string]Field

// NewAllowlist builds an Allowlist.
func NewAllowlist(fields ...Field) Allowlist {
	out := make(Allowlist, len(fields))
	for _, f := range fields {
		out[f.Name] = f
	}
	return out
}

// Parse reads param[...] keys from values. Unknown fields, unknown operators
// and blank values are ignored; values that cannot be converted to the field
// kind are dropped and reported.
func Parse(values url.Values, param string, allow Allowlist) (Spec, []error) {
	var (
		spec Spec
		errs []error
	)
	prefix := param + "["
	keys := make([]string, 0, len(values))
	for key := range values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		name = strings.TrimSuffix(name, "[]")
		name = strings.TrimSuffix(name, "]")
		raw := nonBlank(values[key])
		if len(raw) == 0 {
			continue
		}
		if name == "s" {
			for _, v := range raw {
				if s, ok := parseSort(v, allow); ok {
					spec.Sorts = append(spec.Sorts, s)
				}
			}
			continue
		}
		field, op, ok := resolve(name, allow)
		if !ok {
			continue
		}
		pred, err := buildPredicate(field, op, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("filter: %s: %w", name, err))
			continue
		}
		spec.Predicates = append(spec.Predicates, pred)
	}
	return spec, errs
}

func resolve(name string, allow Allowlist) (Field, Operator, bool) {
	for _, op := range operators {
		suffix := "_" + string(op)
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		field, ok := allow[strings.TrimSuffix(name, suffix)]
		if !ok {
			continue
		}
		if op.stringOnly() && field.Kind != KindString {
			return Field{}, "", false
		}
		return field, op, true
	}
	return Field{}, "", false
}

func buildPredicate(field Field, op Operator, raw []string) (Predicate, error) {
	switch op {
	case OpNull:
		b, err := parseBool(raw[0])
		if err != nil {
			return Predicate{}, err
		}
		return Predicate{Field: field, Op: op, Value: b}, nil
	case OpIn:
		parts := splitList(raw)
		list, err := convertList(field.Kind, parts)
		if err != nil {
			return Predicate{}, err
		}
		return Predicate{Field: field, Op: op, Value: list}, nil
	default:
		v, err := convert(field.Kind, raw[0])
		if err != nil {
			return Predicate{}, err
		}
		return Predicate{Field: field, Op: op, Value: v}, nil
	}
}

func parseSort(raw string, allow Allowlist) (Sort, bool) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Sort{}, false
	}
	field, ok := allow[parts[0]]
	if !ok {
		return Sort{}, false
	}
	desc := len(parts) > 1 && strings.EqualFold(parts[1], "desc")
	return Sort{Field: field, Desc: desc}, true
}

func convert(kind Kind, raw string) (any, error) {
	switch kind {
	case KindInt:
		return strconv.ParseInt(raw, 10, 64)
	case KindDecimal:
		return strconv.ParseFloat(raw, 64)
	case KindTime:
		return parseTime(raw)
	case KindBool:
		return parseBool(raw)
	default:
		return raw, nil
	}
}

func convertList(kind Kind, raw []string) (any, error) {
	switch kind {
	case KindInt:
		out := make([]int64, 0, len(raw))
		for _, r := range raw {
			v, err := strconv.ParseInt(r, 10, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case KindDecimal:
		out := make([]float64, 0, len(raw))
		for _, r := range raw {
			v, err := strconv.ParseFloat(r, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case KindTime:
		out := make([]time.Time, 0, len(raw))
		for _, r := range raw {
			v, err := parseTime(r)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case KindBool:
		return nil, fmt.Errorf("operator in is not supported for boolean fields")
	default:
		return raw, nil
	}
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "t", "true", "yes", "on":
		return true, nil
	case "0", "f", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}

func nonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// splitList accepts both repeated keys and comma separated values.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
