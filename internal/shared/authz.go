package shared

// Admin permissions for the user management area.
const (
	PermUsersView = "users.view"
	PermUsersEdit = "users.edit"
)

// AdminScopes lists every permission known to the admin area.
func AdminScopes() []string {
	return []string{PermUsersView, PermUsersEdit}
}
