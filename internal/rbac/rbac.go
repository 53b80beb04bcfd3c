package rbac

type Role string
type Action string

const (
	RoleCreator     Role = "creator"
	RoleParticipant Role = "participant"
	RoleOutsider    Role = "outsider"
)

const (
	ActionJoin  Action = "join"
	ActionEdit  Action = "edit"
	ActionClose Action = "close"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleCreator:
		return true
	case RoleParticipant:
		return action == ActionJoin || action == ActionEdit
	default:
		return false
	}
}

// RoleFor resolves a user's role in a session. The creator keeps its role
// even after leaving the conversation so it can still close the session.
func RoleFor(userID, creatorID string, member bool) Role {
	switch {
	case userID == "":
		return RoleOutsider
	case userID == creatorID:
		return RoleCreator
	case member:
		return RoleParticipant
	default:
		return RoleOutsider
	}
}
