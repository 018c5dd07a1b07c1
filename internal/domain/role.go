package domain

// Role is the access level carried in an API token.
type Role string

// Roles.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// HasPermission reports whether r is at least min.
func (r Role) HasPermission(min Role) bool {
	return roleRank[r] >= roleRank[min] && roleRank[r] > 0
}
