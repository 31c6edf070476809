package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-exams/internal/exam"
)

var _ exam.Observer = (*Metrics)(nil)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Post("/attempts/{attemptID}/save", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	for _, id := range []string{"a1", "a2", "a3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/attempts/"+id+"/save", nil))
	}

	got := testutil.ToFloat64(m.RequestCounter.WithLabelValues(http.MethodPost, "/attempts/{attemptID}/save", "400"))
	assert.Equal(t, 3.0, got)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RequestsInFlight))
}

func TestObserver_Counters(t *testing.T) {
	m := New()
	m.AttemptStarted(false)
	m.AttemptStarted(true)
	m.AttemptStarted(true)
	m.ResponsesSaved(4)
	m.AttemptFinalized("auto_submitted", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AttemptsStarted.WithLabelValues("true")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SavedResponses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsFinalized.WithLabelValues("auto_submitted")))
}

func TestHandler_ExposesRegistry(t *testing.T) {
	m := New()
	m.ResponsesSaved(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "exams_responses_saved_total 1")
}
