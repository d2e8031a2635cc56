package filter

import (
	"strconv"
	"strings"
)

// Args collects positional parameters for a pgx query.
type Args struct {
	values []any
}

// Add appends v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(len(a.values))
}

// Values returns the collected parameters.
func (a *Args) Values() []any {
	return a.values
}

// EscapeLike escapes LIKE metacharacters so s matches literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SQL renders the predicates as an AND-joined condition. It returns an empty
// string when there is nothing to filter.
func (s Spec) SQL(args *Args) string {
	if len(s.Predicates) == 0 {
		return ""
	}
	parts := make([]string, 0, len(s.Predicates))
	for _, p := range s.Predicates {
		parts = append(parts, p.SQL(args))
	}
	return strings.Join(parts, " AND ")
}

// SQL renders a single predicate.
func (p Predicate) SQL(args *Args) string {
	col := p.Field.Column
	switch p.Op {
	case OpEq:
		return col + " = " + args.Add(p.Value)
	case OpNotEq:
		return col + " <> " + args.Add(p.Value)
	case OpCont:
		return col + " ILIKE " + args.Add("%"+EscapeLike(p.Value.(string))+"%")
	case OpStart:
		return col + " ILIKE " + args.Add(EscapeLike(p.Value.(string))+"%")
	case OpEnd:
		return col + " ILIKE " + args.Add("%"+EscapeLike(p.Value.(string)))
	case OpLt:
		return col + " < " + args.Add(p.Value)
	case OpLteq:
		return col + " <= " + args.Add(p.Value)
	case OpGt:
		return col + " > " + args.Add(p.Value)
	case OpGteq:
		return col + " >= " + args.Add(p.Value)
	case OpIn:
		return col + " = ANY(" + args.Add(p.Value) + ")"
	case OpNull:
		if p.Value.(bool) {
			return col + " IS NULL"
		}
		return col + " IS NOT NULL"
	}
	return "TRUE"
}

// OrderBy renders the requested sorts followed by the tiebreak columns.
func (s Spec) OrderBy(tiebreak ...string) string {
	parts := make([]string, 0, len(s.Sorts)+len(tiebreak))
	for _, srt := range s.Sorts {
		dir := " ASC"
		if srt.Desc {
			dir = " DESC"
		}
		parts = append(parts, srt.Field.Column+dir)
	}
	parts = append(parts, tiebreak...)
	return strings.Join(parts, ", ")
}
