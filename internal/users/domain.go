package users

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fruitmarket/storeadmin/internal/filter"
	"github.com/fruitmarket/storeadmin/internal/shared"
)

var (
	// ErrNotFound indicates the user does not exist.
	ErrNotFound = fmt.Errorf("user %w", shared.ErrNotFound)
	// ErrHasOrders blocks deleting a user who owns orders.
	ErrHasOrders = fmt.Errorf("%w: cannot delete a user with orders", shared.ErrForbidden)
	// ErrEmailTaken is raised by repositories on a duplicate email.
	ErrEmailTaken = fmt.Errorf("email %w", shared.ErrDuplicate)
)

// Lookup is a referenced entity of which only the name is ever exposed.
type Lookup struct {
	ID   int64
	Name string
}

// Address is a postal address referenced by users as billing or shipping address.
type Address struct {
	ID               int64
	Firstname        string
	Lastname         string
	Address1         string
	Address2         string
	City             string
	Zipcode          string
	Phone            string
	AlternativePhone string
	Company          string
	State            *Lookup
	Country          *Lookup
}

// User represents a customer or staff account.
type User struct {
	ID              int64
	Email           string
	Discount        float64
	EnterpriseLimit int
	ShowAPIKeyView  bool
	APIKey          *string
	BillAddress     *Address
	ShipAddress     *Address
	EnterpriseIDs   []int64
	RoleIDs         []int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SearchQuery is built from request parameters and never mutates state.
type SearchQuery struct {
	// Autocomplete selects prefix lookup; otherwise Filter and paging apply.
	Autocomplete  bool
	Prefix        string
	Limit         int
	Filter        filter.Spec
	Page          int
	PerPage       int
	EnterpriseIDs []int64
}

// cacheKey identifies equivalent autocomplete lookups.
func (q SearchQuery) cacheKey() string {
	ids := append([]int64(nil), q.EnterpriseIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return fmt.Sprintf("%s|%d|%v", strings.ToLower(q.Prefix), q.Limit, ids)
}

// ResultPage is the outcome of a search. Pagination is nil for autocomplete.
type ResultPage struct {
	Users        []User
	Pagination   *shared.Pagination
	Autocomplete bool
}

// ValidationError carries field level messages for the user form.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Unwrap lets callers match shared.ErrValidation.
func (e *ValidationError) Unwrap() error {
	return shared.ErrValidation
}

// AsValidationError extracts field errors from err.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
