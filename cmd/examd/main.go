package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	api "github.com/mind-engage/mindengage-exams/internal/api/http"
	auth "github.com/mind-engage/mindengage-exams/internal/auth/middleware"
	"github.com/mind-engage/mindengage-exams/internal/config"
	"github.com/mind-engage/mindengage-exams/internal/db"
	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/flags"
	"github.com/mind-engage/mindengage-exams/internal/logging"
	"github.com/mind-engage/mindengage-exams/internal/metrics"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	log := logging.New("examd", cfg.LogLevel)

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("db open failed")
	}
	defer dbh.Close()

	m := metrics.New()
	eng := exam.NewEngine(exam.NewSQLStore(dbh, cfg.DBDriver),
		exam.WithLogger(log.WithField("component", "engine")),
		exam.WithObserver(m),
	)

	flagSrc, closeFlags := flagSource(cfg, dbh, log)
	defer closeFlags()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Deps{
			Engine: eng,
			Events: syncx.NewEventRepo(dbh),
			Flags:  flags.NewService(flagSrc, cfg.FlagsTTL, nil, log.WithField("component", "flags")),
			Auth:   auth.NewAuthService(cfg.AuthSecret),
			Login: auth.LoginConfig{
				AdminUser:     cfg.AdminUser,
				AdminPassHash: cfg.AdminPassHash,
				LocalUsers:    cfg.EnableLocalAuth,
			},
			Log:            log,
			Metrics:        m,
			Ready:          dbh.PingContext,
			CORSOrigins:    cfg.CORSOrigins,
			LeaderboardMax: cfg.LeaderboardMax,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "mode": cfg.Mode, "db": cfg.DBDriver}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown")
	}
	log.Info("stopped")
}

// flagSource reads flags from Redis when configured, otherwise from the
// feature_flags table.
func flagSource(cfg config.Config, dbh *sql.DB, log *logrus.Entry) (flags.Source, func()) {
	if cfg.RedisAddr == "" {
		return flags.NewSQLSource(dbh), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	log.WithField("redis", cfg.RedisAddr).Info("feature flags from redis")
	return flags.NewRedisSource(rdb, cfg.RedisFlagsKey), func() { _ = rdb.Close() }
}
