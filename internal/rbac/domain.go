package rbac

import "context"

// PermissionSource resolves the permission names granted to a user.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
}

// StaticPermissions grants fixed permission sets per user id. The zero key
// applies to every user without an explicit entry.
type StaticPermissions map[int64][]string

// EffectivePermissions implements PermissionSource.
func (s StaticPermissions) EffectivePermissions(_ context.Context, userID int64) ([]string, error) {
	if perms, ok := s[userID]; ok {
		return perms, nil
	}
	return s[0], nil
}
