package rbac

type Role string
type Action string

// Members of an organization are either admins or members; viewers are
// read-only guests such as counterparty reviewers.
const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead      Action = "read"
	ActionComment   Action = "comment"
	ActionNegotiate Action = "negotiate"
	ActionDraft     Action = "draft"
	ActionUpload    Action = "upload"
	ActionExport    Action = "export"
	ActionAdmin     Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action != ActionAdmin
	case RoleViewer:
		return action == ActionRead || action == ActionComment || action == ActionExport
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
