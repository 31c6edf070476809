package http

import (
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
)

// GET /events?after=<seq>&limit=100
func EventsHandler(src EventSource, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var after int64
		if s := r.URL.Query().Get("after"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				badRequest(w, "invalid_cursor", "after must be a non-negative sequence number")
				return
			}
			after = v
		}
		evs, err := src.Since(r.Context(), after, parseIntDefault(r.URL.Query().Get("limit"), 100))
		if err != nil {
			writeError(w, log, err)
			return
		}
		if evs == nil {
			evs = []syncx.Event{}
		}
		next := after
		if len(evs) > 0 {
			next = evs[len(evs)-1].Seq
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": evs, "next": next})
	}
}
