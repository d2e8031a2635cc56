package roles

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a role id does not resolve.
var ErrNotFound = errors.New("role not found")

// Role is an authorization grouping assignable to users.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IDs returns the identifiers of roles in order.
func IDs(roles []Role) []int64 {
	ids := make([]int64, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
	}
	return ids
}
