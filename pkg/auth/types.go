package auth

// Role names stored on users and carried in token claims.
const (
	RoleSuperAdmin  = "super_admin"
	RoleClientAdmin = "client_admin"
	RoleAuditor     = "auditor"
)

// Principal is the authenticated identity behind a request. Super admins
// have no organization binding; all other roles carry the id of the single
// organization they belong to plus the mail domains they may search.
type Principal struct {
	ID       int64
	Username string
	Role     string
	OrgID    *int64
	Domains  []string
}

// Org returns the organization binding, or false for unbound principals.
func (p *Principal) Org() (int64, bool) {
	if p == nil || p.OrgID == nil {
		return 0, false
	}
	return *p.OrgID, true
}

// IsSuper reports whether the principal holds the platform-wide admin role.
func (p *Principal) IsSuper() bool {
	return p != nil && p.Role == RoleSuperAdmin
}

// CanManage reports whether the principal may use management endpoints
// (organization users, retention policies, audit review).
func (p *Principal) CanManage() bool {
	if p == nil {
		return false
	}
	return p.Role == RoleSuperAdmin || p.Role == RoleClientAdmin
}

// MemberOf reports whether the principal belongs to the given organization.
// Super admins are members of every organization.
func (p *Principal) MemberOf(orgID int64) bool {
	if p == nil {
		return false
	}
	if p.IsSuper() {
		return true
	}
	return p.OrgID != nil && *p.OrgID == orgID
}
