package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-exams/internal/exam"
)

const defaultLeaderboardLimit = 50

// GET /attempts/{attemptID}/review?filters=wrong,slow&minTimeSeconds=90
func ReviewHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rev, err := eng.Review(r.Context(), viewer(r), chi.URLParam(r, "attemptID"), exam.ReviewQuery{
			Filters:        exam.ParseFilters(q.Get("filters")),
			MinTimeSeconds: parseIntDefault(q.Get("minTimeSeconds"), 0),
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, rev)
	}
}

func AnalyticsHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := eng.Analytics(r.Context(), viewer(r), chi.URLParam(r, "attemptID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func ReportHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := eng.Report(r.Context(), viewer(r), chi.URLParam(r, "attemptID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GET /papers/{paperID}/leaderboard?limit=50
func LeaderboardHandler(eng *exam.Engine, log *logrus.Entry, maxLimit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntDefault(r.URL.Query().Get("limit"), defaultLeaderboardLimit)
		out, err := eng.Leaderboard(r.Context(), chi.URLParam(r, "paperID"), limit, maxLimit)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}
