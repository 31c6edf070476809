package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	auth "github.com/mind-engage/mindengage-exams/internal/auth/middleware"
	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/logging"
	"github.com/mind-engage/mindengage-exams/internal/metrics"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
)

// FlagChecker answers feature-flag lookups.
type FlagChecker interface {
	Enabled(ctx context.Context, name string, def bool) bool
}

// EventSource pages through the attempt event log.
type EventSource interface {
	Since(ctx context.Context, after int64, limit int) ([]syncx.Event, error)
}

type Deps struct {
	Engine         *exam.Engine
	Events         EventSource
	Flags          FlagChecker
	Auth           *auth.AuthService
	Login          auth.LoginConfig
	Log            *logrus.Entry
	Metrics        *metrics.Metrics // optional
	Ready          func(ctx context.Context) error
	CORSOrigins    []string
	LeaderboardMax int
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logging.Requests(d.Log), middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	r.Use(middleware.Timeout(d.RequestTimeout))
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Device-Fingerprint", "X-Device-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "not_ready"})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Post("/auth/login", auth.LoginHandler(d.Auth, d.Login, d.Log))

	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(d.Auth))

		pr.With(rbac.Require(rbac.PermPaperView)).Get("/papers", ListPapersHandler(d.Engine, d.Log))
		pr.With(rbac.Require(rbac.PermPaperView)).Get("/papers/{paperID}", GetPaperHandler(d.Engine, d.Log))
		pr.With(rbac.Require(rbac.PermPaperView)).Get("/series", ListSeriesHandler(d.Engine, d.Log))
		pr.With(rbac.Require(rbac.PermPaperAuthor)).Put("/series/{seriesID}", PutSeriesHandler(d.Engine, d.Log))
		pr.With(rbac.Require(rbac.PermPaperAuthor)).Put("/papers/{paperID}", PutPaperHandler(d.Engine, d.Log))
		pr.With(rbac.Require(rbac.PermAttemptCreate)).Post("/papers/{paperID}/start", StartAttemptHandler(d.Engine, d.Log))
		pr.With(rbac.Require(rbac.PermLeaderboardView), requireFlag(d.Flags, flagLeaderboard)).
			Get("/papers/{paperID}/leaderboard", LeaderboardHandler(d.Engine, d.Log, d.LeaderboardMax))

		pr.With(rbac.Require(rbac.PermAttemptViewOwn)).Get("/attempts", ListAttemptsHandler(d.Engine, d.Log))
		pr.Route("/attempts/{attemptID}", func(ar chi.Router) {
			ar.With(rbac.Require(rbac.PermAttemptSave)).Post("/save", SaveResponsesHandler(d.Engine, d.Log))
			ar.With(rbac.Require(rbac.PermAttemptSubmit)).Post("/submit", SubmitAttemptHandler(d.Engine, d.Log))
			ar.With(rbac.Require(rbac.PermAttemptSave)).Post("/heartbeat", HeartbeatHandler(d.Engine, d.Log))
			ar.With(rbac.Require(rbac.PermAttemptSave)).Post("/focus-loss", FocusLossHandler(d.Engine, d.Log))

			read := rbac.RequireAny(rbac.PermAttemptViewOwn, rbac.PermAttemptViewAll)
			ar.With(read).Get("/review", ReviewHandler(d.Engine, d.Log))
			ar.With(read).Get("/analytics", AnalyticsHandler(d.Engine, d.Log))
			ar.With(read, requireFlag(d.Flags, flagReport)).Get("/report", ReportHandler(d.Engine, d.Log))
		})

		pr.With(rbac.Require(rbac.PermEventsRead)).Get("/events", EventsHandler(d.Events, d.Log))
	})
	return r
}
