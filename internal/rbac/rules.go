package rbac

const (
	PermPaperView       = "paper:view"
	PermPaperAuthor     = "paper:author"
	PermAttemptCreate   = "attempt:create"
	PermAttemptSave     = "attempt:save"
	PermAttemptSubmit   = "attempt:submit"
	PermAttemptViewOwn  = "attempt:view-own"
	PermAttemptViewAll  = "attempt:view-all"
	PermLeaderboardView = "leaderboard:view"
	PermEventsRead      = "events:read"
)

// RolePermissions is the default policy.
var RolePermissions = map[string][]string{
	"student": {
		PermPaperView,
		PermAttemptCreate,
		PermAttemptSave,
		PermAttemptSubmit,
		PermAttemptViewOwn,
		PermLeaderboardView,
	},
	"teacher": {
		PermPaperView,
		PermPaperAuthor,
		PermAttemptViewAll,
		PermLeaderboardView,
	},
	"admin": {
		"*", // everything, including events:read
	},
}
