package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	ActionRead       Action = "read"
	ActionPost       Action = "post"
	ActionCreateRoom Action = "create_room"
	ActionAdmin      Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionRead || action == ActionPost || action == ActionCreateRoom
	default:
		return false
	}
}

// Normalize maps unknown or empty roles to RoleUser.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}

// Valid reports whether role is one of the assignable roles.
func Valid(role string) bool {
	return Role(role) == RoleUser || Role(role) == RoleAdmin
}
