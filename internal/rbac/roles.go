package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleDispatcher = "dispatcher" // call dispatch: registers reconciliations
	RoleViewer     = "viewer"     // intake UI backend: reads recording status
	RoleOperator   = "operator"   // on-call humans: summary and review queue
)

// IsOperator reports whether the role may use every endpoint.
func IsOperator(role string) bool { return role == RoleOperator }

func Known(role string) bool {
	switch role {
	case RoleDispatcher, RoleViewer, RoleOperator:
		return true
	default:
		return false
	}
}
