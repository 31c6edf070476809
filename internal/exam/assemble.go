package exam

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
)

// Rand is the randomness used for shuffling. *rand.Rand satisfies it but is
// not safe for concurrent use; wrap it with NewRand.
type Rand interface {
	Intn(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand returns a goroutine-safe Rand seeded with seed.
func NewRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// shuffle is an in-place Fisher–Yates permutation.
func shuffle[T any](r Rand, xs []T) {
	for i := len(xs) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		xs[i], xs[j] = xs[j], xs[i]
	}
}

// Assembler freezes a paper's questions into per-attempt snapshots.
type Assembler struct {
	store Store
	rnd   Rand
	log   *logrus.Entry
}

func NewAssembler(store Store, rnd Rand, log *logrus.Entry) *Assembler {
	return &Assembler{store: store, rnd: rnd, log: log}
}

// Assemble returns the attempt's snapshot, building it on first call.
// Later calls return the stored rows unchanged even if the bank has moved.
func (as *Assembler) Assemble(ctx context.Context, paper Paper, attemptID string) ([]AttemptQuestion, error) {
	existing, err := as.store.ListAttemptQuestions(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	out, err := as.build(ctx, paper, attemptID)
	if err != nil {
		return nil, err
	}
	err = as.store.InsertAttemptQuestions(ctx, attemptID, out)
	if errors.Is(err, errSnapshotExists) {
		return as.store.ListAttemptQuestions(ctx, attemptID)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// build draws a fresh snapshot for attemptID without storing it.
func (as *Assembler) build(ctx context.Context, paper Paper, attemptID string) ([]AttemptQuestion, error) {
	sections, err := as.store.ListSections(ctx, paper.ID)
	if err != nil {
		return nil, err
	}
	placements, err := as.store.ListPaperQuestions(ctx, paper.ID)
	if err != nil {
		return nil, err
	}
	bySection := make(map[string][]PaperQuestion, len(sections))
	ids := make([]string, 0, len(placements))
	for _, pq := range placements {
		bySection[pq.SectionID] = append(bySection[pq.SectionID], pq)
		ids = append(ids, pq.QuestionID)
	}
	bank, err := as.store.GetQuestions(ctx, ids)
	if err != nil {
		return nil, err
	}

	var out []AttemptQuestion
	for _, sec := range sections {
		group := bySection[sec.ID]
		if paper.ShuffleQuestions {
			shuffle(as.rnd, group)
		}
		for _, pq := range group {
			q, ok := bank[pq.QuestionID]
			if !ok {
				as.log.WithFields(logrus.Fields{"paper_id": paper.ID, "question_id": pq.QuestionID}).
					Warn("paper references missing question")
				continue
			}
			snap := freeze(q)
			if paper.ShuffleOptions {
				shuffle(as.rnd, snap.Options)
			}
			out = append(out, AttemptQuestion{
				AttemptID:  attemptID,
				QuestionID: q.ID,
				SectionID:  sec.ID,
				Position:   len(out) + 1,
				Snapshot:   snap,
			})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("paper %s has no questions", paper.ID)
	}
	return out, nil
}

func freeze(q Question) Snapshot {
	opts := make([]SnapshotOption, len(q.Options))
	for i, o := range q.Options {
		opts[i] = SnapshotOption{ID: o.ID, Label: o.Label, Text: o.Text, MediaRef: o.MediaRef, IsCorrect: o.IsCorrect}
	}
	return Snapshot{
		Stem:        q.Stem,
		MediaRef:    q.MediaRef,
		Subject:     q.Subject,
		Topic:       q.Topic,
		Subtopic:    q.Subtopic,
		Difficulty:  q.Difficulty,
		Explanation: q.Explanation,
		Options:     opts,
	}
}
