package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
)

// IsSupervisor reports whether role may act on leads outside its own calls.
func IsSupervisor(role string) bool { return role == RoleSupervisor }

// Known reports whether role can be issued in a token.
func Known(role string) bool { return role == RoleAgent || role == RoleSupervisor }
