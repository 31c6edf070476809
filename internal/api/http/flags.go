package http

import (
	"net/http"

	"github.com/mind-engage/mindengage-exams/internal/flags"
)

const (
	flagLeaderboard = flags.Leaderboard
	flagReport      = flags.Report
)

// requireFlag rejects the request with 403 feature_disabled unless the flag
// is on. A nil checker or an unknown flag counts as on.
func requireFlag(fc FlagChecker, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fc != nil && !fc.Enabled(r.Context(), name, true) {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "feature_disabled", Message: name + " is disabled"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
