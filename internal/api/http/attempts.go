package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/grading"
)

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func deviceFingerprint(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Device-Fingerprint")); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get("X-Device-Id"))
}

// POST /papers/{paperID}/start
func StartAttemptHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := eng.Start(r.Context(), exam.StartRequest{
			UserID:            subject(r),
			PaperID:           chi.URLParam(r, "paperID"),
			IPAddress:         clientIP(r),
			UserAgent:         r.UserAgent(),
			DeviceFingerprint: deviceFingerprint(r),
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		status := http.StatusCreated
		if view.Resumed {
			status = http.StatusOK
		}
		writeJSON(w, status, view)
	}
}

type responseDTO struct {
	QuestionID       string   `json:"questionId" validate:"required,max=64"`
	SelectedOptionID *string  `json:"selectedOptionId"`
	TimeSpentSeconds *float64 `json:"timeSpentSeconds"`
	Flagged          bool     `json:"flagged"`
}

type responsesRequest struct {
	Responses []responseDTO `json:"responses" validate:"max=1000,dive"`
}

func (req responsesRequest) raw() []grading.RawResponse {
	out := make([]grading.RawResponse, 0, len(req.Responses))
	for _, r := range req.Responses {
		out = append(out, grading.RawResponse(r))
	}
	return out
}

// POST /attempts/{attemptID}/save  {"responses":[...]}
func SaveResponsesHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req responsesRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		res, err := eng.Save(r.Context(), subject(r), chi.URLParam(r, "attemptID"), req.raw())
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /attempts/{attemptID}/submit  {"responses":[...]} or no body
func SubmitAttemptHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req responsesRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		res, err := eng.Submit(r.Context(), subject(r), chi.URLParam(r, "attemptID"), req.raw())
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /attempts/{attemptID}/heartbeat  {"clientElapsedSeconds": 123}
func HeartbeatHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ClientElapsedSeconds *int `json:"clientElapsedSeconds" validate:"omitempty,gte=0"`
		}
		if !decodeBody(w, r, &req, true) {
			return
		}
		res, err := eng.Heartbeat(r.Context(), subject(r), chi.URLParam(r, "attemptID"), req.ClientElapsedSeconds)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func FocusLossHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := eng.RecordFocusLoss(r.Context(), subject(r), chi.URLParam(r, "attemptID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"focusLossCount": n})
	}
}

// GET /attempts lists the caller's own attempts, newest first.
func ListAttemptsHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := eng.ListAttempts(r.Context(), subject(r))
		if err != nil {
			writeError(w, log, err)
			return
		}
		if list == nil {
			list = []exam.AttemptSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": list})
	}
}
