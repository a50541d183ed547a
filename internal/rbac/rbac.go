package rbac

// Level is a user's permission on a single page.
type Level string
type Action string

const (
	LevelNone   Level = "none"
	LevelViewer Level = "viewer"
	LevelEditor Level = "editor"
	LevelOwner  Level = "owner"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

func Can(level Level, action Action) bool {
	switch level {
	case LevelOwner:
		return true
	case LevelEditor:
		return action == ActionRead || action == ActionWrite
	case LevelViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps stored role strings onto page levels. Unknown values get no
// access; team roles map onto their page equivalent.
func Normalize(role string) Level {
	switch role {
	case string(LevelViewer), "commenter", "reader":
		return LevelViewer
	case string(LevelEditor), "admin", "member":
		return LevelEditor
	case string(LevelOwner):
		return LevelOwner
	default:
		return LevelNone
	}
}
