package users

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/fruitmarket/storeadmin/internal/filter"
	"github.com/fruitmarket/storeadmin/internal/shared"
)

// DefaultAutocompleteLimit caps typeahead results when no usable limit is given.
const DefaultAutocompleteLimit = 100

// SearchDefaults holds configured fallbacks for paging parameters.
type SearchDefaults struct {
	PerPage           int
	AutocompleteLimit int
}

func (d SearchDefaults) perPage() int {
	if d.PerPage > 0 {
		return d.PerPage
	}
	return shared.DefaultPerPage
}

func (d SearchDefaults) autocompleteLimit() int {
	if d.AutocompleteLimit > 0 {
		return d.AutocompleteLimit
	}
	return DefaultAutocompleteLimit
}

// Filterable lists the user attributes accepted in the q[...] filter bag.
var Filterable = filter.NewAllowlist(
	filter.Field{Name: "id", Column: "u.id", Kind: filter.KindInt},
	filter.Field{Name: "email", Column: "u.email", Kind: filter.KindString},
	filter.Field{Name: "discount", Column: "u.discount", Kind: filter.KindDecimal},
	filter.Field{Name: "enterprise_limit", Column: "u.enterprise_limit", Kind: filter.KindInt},
	filter.Field{Name: "created_at", Column: "u.created_at", Kind: filter.KindTime},
	filter.Field{Name: "bill_address_firstname", Column: "ba.firstname", Kind: filter.KindString},
	filter.Field{Name: "bill_address_lastname", Column: "ba.lastname", Kind: filter.KindString},
	filter.Field{Name: "bill_address_city", Column: "ba.city", Kind: filter.KindString},
	filter.Field{Name: "ship_address_firstname", Column: "sa.firstname", Kind: filter.KindString},
	filter.Field{Name: "ship_address_lastname", Column: "sa.lastname", Kind: filter.KindString},
)

// ParseSearchQuery builds a SearchQuery from request parameters. xhr marks an
// interactive lookup; only then does a non-blank q select autocomplete mode.
// Malformed numbers fall back to defaults. Filter conversion problems are
// returned for logging and never fail the search.
func ParseSearchQuery(values url.Values, xhr bool, defaults SearchDefaults) (SearchQuery, []error) {
	q := SearchQuery{
		Limit:         positiveInt(values.Get("limit"), defaults.autocompleteLimit()),
		Page:          positiveInt(values.Get("page"), 1),
		PerPage:       positiveInt(values.Get("per_page"), defaults.perPage()),
		EnterpriseIDs: enterpriseIDs(values),
	}
	prefix := strings.TrimSpace(values.Get("q"))
	if xhr && prefix != "" {
		q.Autocomplete = true
		q.Prefix = prefix
		return q, nil
	}
	spec, errs := filter.Parse(values, "q", Filterable)
	q.Filter = spec
	return q, errs
}

func positiveInt(raw string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func enterpriseIDs(values url.Values) []int64 {
	var raw []string
	for _, key := range []string{"enterprise_id_in", "enterprise_id_in[]", "q[enterprise_id_in]", "q[enterprise_id_in][]"} {
		raw = append(raw, values[key]...)
	}
	seen := make(map[int64]struct{}, len(raw))
	var ids []int64
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || id <= 0 {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
