package exam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type SweepResult struct {
	Scanned   int `json:"scanned"`
	Submitted int `json:"submitted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// AutoSubmitExpired scores every in_progress attempt whose own deadline or
// paper window has passed, using the responses saved so far. Attempts that
// a user finalizes concurrently are skipped. One failure does not stop the
// sweep.
func (e *Engine) AutoSubmitExpired(ctx context.Context) (SweepResult, error) {
	now := e.now()
	overdue, err := e.store.ListOverdueAttempts(ctx, now)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Scanned: len(overdue)}
	papers := map[string]Paper{}
	for _, a := range overdue {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := e.log.WithFields(logrus.Fields{"attempt_id": a.ID, "paper_id": a.PaperID})
		paper, ok := papers[a.PaperID]
		if !ok {
			if paper, err = e.store.GetPaper(ctx, a.PaperID); err != nil {
				log.WithError(err).Error("auto-submit: load paper")
				res.Failed++
				continue
			}
			papers[a.PaperID] = paper
		}
		raw, err := e.storedAsRaw(ctx, a.ID)
		if err != nil {
			log.WithError(err).Error("auto-submit: load responses")
			res.Failed++
			continue
		}
		_, err = e.finalize(ctx, a, paper, raw, StatusAutoSubmitted, now)
		switch {
		case err == nil:
			res.Submitted++
		case errors.Is(err, ErrState):
			res.Skipped++
		default:
			log.WithError(err).Error("auto-submit failed")
			res.Failed++
		}
	}
	return res, nil
}

// PurgeFinished deletes finished attempts submitted more than retention ago.
func (e *Engine) PurgeFinished(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", retention)
	}
	cutoff := e.now().Add(-retention)
	n, err := e.store.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	e.log.WithFields(logrus.Fields{"purged": n, "cutoff": cutoff.Format(time.RFC3339)}).Info("purged finished attempts")
	return n, nil
}
