package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	auth "github.com/mind-engage/mindengage-exams/internal/auth/middleware"
	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(k exam.Kind) int {
	switch k {
	case exam.KindValidation:
		return http.StatusBadRequest
	case exam.KindAuthentication:
		return http.StatusUnauthorized
	case exam.KindAuthorization, exam.KindWindowClosed, exam.KindAttemptsExhausted:
		return http.StatusForbidden
	case exam.KindNotFound:
		return http.StatusNotFound
	case exam.KindState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError maps domain errors to their status and reason. Anything else is
// logged and reported as a bare internal error.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	var e *exam.Error
	if errors.As(err, &e) {
		writeJSON(w, statusFor(e.Kind), errorBody{Error: e.Reason, Message: e.Msg})
		return
	}
	log.WithError(err).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
}

func badRequest(w http.ResponseWriter, reason, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: reason, Message: msg})
}

// decodeBody reads a JSON body into v and validates it. An empty body is
// accepted only when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	switch {
	case errors.Is(err, io.EOF) && allowEmpty:
	case err != nil:
		badRequest(w, "invalid_json", "request body is not valid JSON")
		return false
	}
	if err := validate.Struct(v); err != nil {
		badRequest(w, "invalid_request", err.Error())
		return false
	}
	return true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil && v >= 0 {
		return v
	}
	return def
}

func subject(r *http.Request) string { return auth.SubjectFromContext(r.Context()) }

// viewer lets staff read attempts they do not own.
func viewer(r *http.Request) exam.Viewer {
	return exam.Viewer{
		UserID:  subject(r),
		ViewAll: rbac.Can(r.Context(), rbac.PermAttemptViewAll),
	}
}
