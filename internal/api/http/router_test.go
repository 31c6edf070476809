package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/mind-engage/mindengage-exams/internal/auth/middleware"
	"github.com/mind-engage/mindengage-exams/internal/db"
	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/flags"
	"github.com/mind-engage/mindengage-exams/internal/metrics"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const paperJSON = `{
  "title": "Physics Mock 1",
  "status": "published",
  "durationMinutes": 60,
  "attemptsAllowed": 1,
  "sections": [
    {"id": "s1", "name": "Mechanics", "displayOrder": 1, "marks": {"correct": "4", "incorrect": "-1", "unanswered": "0"}},
    {"id": "s2", "name": "Optics", "displayOrder": 2, "scheme": "sat"}
  ],
  "questions": [
    {"id": "q1", "stem": "v = u + at. Solve.", "subject": "Physics", "topic": "Kinematics", "difficulty": "easy",
     "options": [{"id": "q1a", "text": "10", "isCorrect": true}, {"id": "q1b", "text": "12"}]},
    {"id": "q2", "stem": "Projectile range?", "subject": "Physics", "topic": "Kinematics", "difficulty": "hard",
     "options": [{"id": "q2a", "text": "R", "isCorrect": true}, {"id": "q2b", "text": "2R"}]},
    {"id": "q3", "stem": "Focal length?", "subject": "Physics", "topic": "Lenses",
     "options": [{"id": "q3a", "text": "f", "isCorrect": true}, {"id": "q3b", "text": "2f"}]}
  ],
  "placements": [
    {"questionId": "q1", "sectionId": "s1", "position": 1},
    {"questionId": "q2", "sectionId": "s1", "position": 2},
    {"questionId": "q3", "sectionId": "s2", "position": 1}
  ]
}`

type fixture struct {
	srv    http.Handler
	auth   *auth.AuthService
	flags  flags.Static
	events *syncx.EventRepo
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "exams.db") + "?_pragma=busy_timeout(5000)"
	sqlDB, err := db.Open(ctx, db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	log := quietLog()
	eng := exam.NewEngine(exam.NewSQLStore(sqlDB, string(db.DriverSQLite)),
		exam.WithClock(func() time.Time { return t0 }),
		exam.WithRand(exam.NewRand(7)),
		exam.WithLogger(log),
	)
	f := &fixture{
		auth:   auth.NewAuthService("test-secret"),
		flags:  flags.Static{flags.Leaderboard: true, flags.Report: true},
		events: syncx.NewEventRepo(sqlDB),
	}
	f.srv = NewRouter(Deps{
		Engine:         eng,
		Events:         f.events,
		Flags:          flags.NewService(f.flags, 0, nil, log),
		Auth:           f.auth,
		Log:            log,
		Metrics:        metrics.New(),
		Ready:          sqlDB.PingContext,
		LeaderboardMax: 100,
	})
	return f
}

func (f *fixture) token(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := f.auth.IssueJWT(sub, role)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("X-Device-Id", "dev-1")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (f *fixture) publish(t *testing.T) {
	t.Helper()
	code, body := f.do(t, http.MethodPut, "/papers/p1", f.token(t, "t1", "teacher"), paperJSON)
	require.Equal(t, http.StatusOK, code, body)
}

func (f *fixture) startAs(t *testing.T, tok string) string {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/papers/p1/start", tok, "")
	require.Equal(t, http.StatusCreated, code, body)
	return body["attempt"].(map[string]any)["id"].(string)
}

func TestAttemptFlow(t *testing.T) {
	f := newFixture(t)
	f.publish(t)
	alice := f.token(t, "alice", "student")

	code, body := f.do(t, http.MethodGet, "/papers", alice, "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])

	code, body = f.do(t, http.MethodGet, "/papers/p1", alice, "")
	require.Equal(t, http.StatusOK, code)
	optics := body["sections"].([]any)[1].(map[string]any)
	assert.Equal(t, "1", optics["marks"].(map[string]any)["correct"], "sat scheme applied")

	id := f.startAs(t, alice)

	code, body = f.do(t, http.MethodPost, "/papers/p1/start", alice, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["resumed"])
	assert.Len(t, body["questions"], 3)
	q := body["questions"].([]any)[0].(map[string]any)
	assert.NotContains(t, q["options"].([]any)[0], "isCorrect")

	code, body = f.do(t, http.MethodPost, "/attempts/"+id+"/save", alice,
		`{"responses":[{"questionId":"q1","selectedOptionId":"q1a","timeSpentSeconds":30},
		               {"questionId":"q2","selectedOptionId":"q2b","timeSpentSeconds":75,"flagged":true}]}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2, body["updated"])
	assert.EqualValues(t, 105, body["totalTimeSeconds"])

	code, body = f.do(t, http.MethodPost, "/attempts/"+id+"/heartbeat", alice, `{"clientElapsedSeconds":120}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 3600, body["remainingSeconds"])

	code, body = f.do(t, http.MethodPost, "/attempts/"+id+"/focus-loss", alice, "")
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["focusLossCount"])

	code, body = f.do(t, http.MethodPost, "/attempts/"+id+"/submit", alice, "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "submitted", body["status"])
	assert.Equal(t, "3", body["score"])
	assert.EqualValues(t, 1, body["correctCount"])
	assert.EqualValues(t, 1, body["wrongCount"])
	assert.EqualValues(t, 1, body["unansweredCount"])

	code, body = f.do(t, http.MethodPost, "/attempts/"+id+"/submit", alice, "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "attempt_not_in_progress", body["error"])

	code, body = f.do(t, http.MethodGet, "/attempts/"+id+"/review?filters=wrong,slow&minTimeSeconds=60", alice, "")
	require.Equal(t, http.StatusOK, code, body)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "q2", items[0].(map[string]any)["question"].(map[string]any)["id"])

	code, body = f.do(t, http.MethodGet, "/attempts/"+id+"/analytics", alice, "")
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["rank"])
	assert.EqualValues(t, 100, body["percentile"])
	assert.EqualValues(t, 35, body["totals"].(map[string]any)["averageTimeSeconds"])

	code, body = f.do(t, http.MethodGet, "/attempts/"+id+"/report", alice, "")
	require.Equal(t, http.StatusOK, code, body)

	code, body = f.do(t, http.MethodGet, "/papers/p1/leaderboard", alice, "")
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["totalSubmissions"])

	code, body = f.do(t, http.MethodGet, "/attempts", alice, "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)

	code, body = f.do(t, http.MethodPost, "/papers/p1/start", alice, "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "attempts_exhausted", body["error"])
}

func TestAttemptAccess(t *testing.T) {
	f := newFixture(t)
	f.publish(t)
	alice := f.token(t, "alice", "student")
	id := f.startAs(t, alice)

	code, _ := f.do(t, http.MethodPost, "/attempts/"+id+"/save", "", `{"responses":[]}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	mallory := f.token(t, "mallory", "student")
	code, body := f.do(t, http.MethodPost, "/attempts/"+id+"/save", mallory,
		`{"responses":[{"questionId":"q1","selectedOptionId":"q1a"}]}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "not_owner", body["error"])

	code, _ = f.do(t, http.MethodGet, "/attempts/"+id+"/review", alice, "")
	assert.Equal(t, http.StatusConflict, code, "review before submit")

	code, _ = f.do(t, http.MethodPost, "/attempts/"+id+"/submit", alice, "")
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodGet, "/attempts/"+id+"/review", mallory, "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "not_owner", body["error"])

	code, _ = f.do(t, http.MethodGet, "/attempts/"+id+"/review", f.token(t, "t1", "teacher"), "")
	assert.Equal(t, http.StatusOK, code, "staff can read any attempt")

	code, _ = f.do(t, http.MethodPost, "/papers/p1/start", f.token(t, "t1", "teacher"), "")
	assert.Equal(t, http.StatusForbidden, code, "teachers do not sit papers")

	code, body = f.do(t, http.MethodGet, "/attempts/nope/analytics", alice, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "attempt_not_found", body["error"])
}

func TestSavePayloadValidation(t *testing.T) {
	f := newFixture(t)
	f.publish(t)
	alice := f.token(t, "alice", "student")
	id := f.startAs(t, alice)

	cases := map[string]string{
		"malformed json":     `{"responses":`,
		"missing questionId": `{"responses":[{"selectedOptionId":"q1a"}]}`,
		"empty list":         `{"responses":[]}`,
		"no body":            ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			code, out := f.do(t, http.MethodPost, "/attempts/"+id+"/save", alice, body)
			assert.Equal(t, http.StatusBadRequest, code, out)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestPutPaper_Validation(t *testing.T) {
	f := newFixture(t)
	teacher := f.token(t, "t1", "teacher")

	code, body := f.do(t, http.MethodPut, "/papers/p9", teacher, `{"title":"","status":"published"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])

	code, body = f.do(t, http.MethodPut, "/papers/p9", teacher,
		`{"title":"Bad","status":"published","sections":[{"id":"s1","name":"A"}],
		  "questions":[{"id":"q1","stem":"x","options":[{"id":"a","text":"1"},{"id":"b","text":"2"}]}],
		  "placements":[{"questionId":"q1","sectionId":"s1","position":1}]}`)
	assert.Equal(t, http.StatusBadRequest, code, "no correct option")
	assert.Equal(t, "invalid_question", body["error"])

	code, body = f.do(t, http.MethodPut, "/papers/p9", teacher,
		`{"title":"Draft","status":"draft","sections":[{"id":"s1","name":"A","scheme":"gre"}]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_scheme", body["error"])

	code, body = f.do(t, http.MethodPut, "/papers/p9", teacher, `{"title":"Draft","status":"draft"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "draft", body["status"])

	code, _ = f.do(t, http.MethodGet, "/papers/p9", teacher, "")
	assert.Equal(t, http.StatusNotFound, code, "drafts are hidden")

	code, _ = f.do(t, http.MethodPut, "/papers/p9", f.token(t, "alice", "student"), paperJSON)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestSeriesAndCatalogFilters(t *testing.T) {
	f := newFixture(t)
	teacher := f.token(t, "t1", "teacher")
	alice := f.token(t, "alice", "student")

	code, body := f.do(t, http.MethodPut, "/series/jee-main", teacher, `{"title":"JEE Main","published":true}`)
	require.Equal(t, http.StatusOK, code, body)
	code, _ = f.do(t, http.MethodPut, "/series/hidden", teacher, `{"title":"Hidden"}`)
	require.Equal(t, http.StatusOK, code)
	code, body = f.do(t, http.MethodPut, "/series/bad", teacher, `{"published":true}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])
	code, _ = f.do(t, http.MethodPut, "/series/x", alice, `{"title":"Nope"}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = f.do(t, http.MethodGet, "/series", alice, "")
	require.Equal(t, http.StatusOK, code, body)
	series := body["data"].([]any)
	require.Len(t, series, 1)
	assert.Equal(t, "jee-main", series[0].(map[string]any)["id"])

	var paper map[string]any
	require.NoError(t, json.Unmarshal([]byte(paperJSON), &paper))
	paper["seriesId"] = "jee-main"
	raw, err := json.Marshal(paper)
	require.NoError(t, err)
	code, body = f.do(t, http.MethodPut, "/papers/p1", teacher, string(raw))
	require.Equal(t, http.StatusOK, code, body)

	total := func(query string) any {
		code, body := f.do(t, http.MethodGet, "/papers"+query, alice, "")
		require.Equal(t, http.StatusOK, code, body)
		return body["total"]
	}
	assert.EqualValues(t, 1, total("?seriesId=jee-main"))
	assert.EqualValues(t, 0, total("?seriesId=neet"))
	assert.EqualValues(t, 1, total("?minDuration=30&maxDuration=60"))
	assert.EqualValues(t, 0, total("?minDuration=90"))
	assert.EqualValues(t, 0, total("?maxDuration=45"))

	code, body = f.do(t, http.MethodGet, "/papers?minDuration=90&maxDuration=30", alice, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_duration", body["error"])

	code, body = f.do(t, http.MethodGet, "/papers/p1", alice, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "jee-main", body["paper"].(map[string]any)["seriesId"])
}

func TestFeatureFlagsGateEndpoints(t *testing.T) {
	f := newFixture(t)
	f.publish(t)
	alice := f.token(t, "alice", "student")
	id := f.startAs(t, alice)
	code, _ := f.do(t, http.MethodPost, "/attempts/"+id+"/submit", alice, "")
	require.Equal(t, http.StatusOK, code)

	f.flags[flags.Leaderboard] = false
	f.flags[flags.Report] = false

	code, body := f.do(t, http.MethodGet, "/papers/p1/leaderboard", alice, "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "feature_disabled", body["error"])

	code, body = f.do(t, http.MethodGet, "/attempts/"+id+"/report", alice, "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "feature_disabled", body["error"])

	code, _ = f.do(t, http.MethodGet, "/attempts/"+id+"/analytics", alice, "")
	assert.Equal(t, http.StatusOK, code, "analytics is not flagged")
}

func TestEvents_AdminOnly(t *testing.T) {
	f := newFixture(t)
	f.publish(t)
	alice := f.token(t, "alice", "student")
	id := f.startAs(t, alice)
	code, _ := f.do(t, http.MethodPost, "/attempts/"+id+"/submit", alice, "")
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodGet, "/events", f.token(t, "t1", "teacher"), "")
	assert.Equal(t, http.StatusForbidden, code)

	admin := f.token(t, "root", "admin")
	code, body := f.do(t, http.MethodGet, "/events?after=0&limit=10", admin, "")
	require.Equal(t, http.StatusOK, code, body)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	ev := data[0].(map[string]any)
	assert.Equal(t, syncx.TypeAttemptSubmitted, ev["type"])
	assert.Equal(t, id, ev["key"])

	code, body = f.do(t, http.MethodGet, "/events?after=-1", admin, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_cursor", body["error"])
}

func TestOpsEndpoints(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, code)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "exams_http_requests_total")
}

func TestWriteError_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		body string
	}{
		{exam.Validation("empty_payload", "no responses"), http.StatusBadRequest, "empty_payload"},
		{&exam.Error{Kind: exam.KindWindowClosed, Reason: "paper_window_closed"}, http.StatusForbidden, "paper_window_closed"},
		{&exam.Error{Kind: exam.KindState, Reason: "attempt_not_in_progress"}, http.StatusConflict, "attempt_not_in_progress"},
		{&exam.Error{Kind: exam.KindAuthentication, Reason: "unauthenticated"}, http.StatusUnauthorized, "unauthenticated"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, quietLog(), tc.err)
		assert.Equal(t, tc.code, rec.Code)
		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.body, body.Error)
	}
}
