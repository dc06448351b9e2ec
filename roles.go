package identity

// UserRole is the account's role
type UserRole string

const (
	// RoleGuest can only read
	RoleGuest UserRole = "guest"
	// RoleMember is the default role assigned on signup
	RoleMember UserRole = "member"
	// RoleAdmin receives an admin token on login
	RoleAdmin UserRole = "admin"
	// RoleOwner is an admin that can also manage other admins
	RoleOwner UserRole = "owner"
)

const (
	// AuthorityUser is granted to every authenticated account
	AuthorityUser = "ROLE_USER"
	// AuthorityAdmin is granted to admin and owner accounts
	AuthorityAdmin = "ROLE_ADMIN"
	// ScopeAdmin is carried by admin tokens
	ScopeAdmin = "admin"
)

var roleHierarchy = map[UserRole]int{
	RoleGuest:  0,
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// IsValid checks if the role is one of the predefined valid roles
func (r UserRole) IsValid() bool {
	_, ok := roleHierarchy[r]
	return ok
}

// IsAtLeast checks if this role meets the minimum required level
func (r UserRole) IsAtLeast(minRole UserRole) bool {
	currentLevel, exists := roleHierarchy[r]
	if !exists {
		return false
	}

	minLevel, exists := roleHierarchy[minRole]
	if !exists {
		return false
	}

	return currentLevel >= minLevel
}

// Authorities returns the authorities granted by this role
func (r UserRole) Authorities() []string {
	out := []string{AuthorityUser}
	if r.IsAtLeast(RoleAdmin) {
		out = append(out, AuthorityAdmin)
	}
	return out
}

// ParseRole safely parses a string into a UserRole type
func ParseRole(roleStr string) (UserRole, bool) {
	role := UserRole(roleStr)
	return role, role.IsValid()
}
