// examsweep is run by an external scheduler. It auto-submits attempts whose
// deadline or paper window has passed, then purges old finished attempts.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-exams/internal/config"
	"github.com/mind-engage/mindengage-exams/internal/db"
	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/logging"
)

func main() {
	skipPurge := flag.Bool("skip-purge", false, "only auto-submit, do not delete old attempts")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline for the run")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.FromEnv()
	log := logging.New("examsweep", cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.WithError(err).Fatal("db open failed")
	}
	defer dbh.Close()

	eng := exam.NewEngine(exam.NewSQLStore(dbh, cfg.DBDriver), exam.WithLogger(log))

	res, err := eng.AutoSubmitExpired(ctx)
	if err != nil {
		log.WithError(err).Error("auto-submit sweep failed")
		os.Exit(1)
	}
	log.WithFields(logrus.Fields{
		"scanned":   res.Scanned,
		"submitted": res.Submitted,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	}).Info("auto-submit sweep done")

	if *skipPurge {
		return
	}
	n, err := eng.PurgeFinished(ctx, cfg.Retention())
	if err != nil {
		log.WithError(err).Error("purge failed")
		os.Exit(1)
	}
	log.WithFields(logrus.Fields{"deleted": n, "retention_days": cfg.RetentionDays}).Info("purge done")

	if res.Failed > 0 {
		os.Exit(2)
	}
}
