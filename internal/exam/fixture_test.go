package exam

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-exams/internal/db"
	"github.com/mind-engage/mindengage-exams/internal/grading"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func strPtr(s string) *string      { return &s }
func intPtr(i int) *int            { return &i }
func secs(f float64) *float64      { return &f }
func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func marks(c, i, u string) grading.Marks {
	return grading.Marks{Correct: dec(c), Incorrect: dec(i), Unanswered: dec(u)}
}

func question(id, subject, topic, difficulty string) Question {
	return Question{
		ID:          id,
		Stem:        "Stem of " + id,
		Subject:     subject,
		Topic:       topic,
		Difficulty:  difficulty,
		Explanation: "because",
		Options: []Option{
			{ID: id + "a", Label: "A", Text: "right", IsCorrect: true},
			{ID: id + "b", Label: "B", Text: "wrong"},
			{ID: id + "c", Label: "C", Text: "also wrong"},
		},
	}
}

// samplePaper: section s1 (+4/-1/0) holds q1 and q2, section s2 (+2/0/0)
// holds q3. Option "<qid>a" is always the correct one.
func samplePaper() PaperDefinition {
	return PaperDefinition{
		Paper: Paper{
			ID:              "p1",
			Title:           "Physics Mock 1",
			Status:          PaperPublished,
			DurationMinutes: 60,
			AttemptsAllowed: 2,
			CreatedAt:       t0.Add(-48 * time.Hour),
		},
		Sections: []Section{
			{ID: "s1", Name: "Mechanics", Marks: marks("4", "-1", "0"), DisplayOrder: 1},
			{ID: "s2", Name: "Optics", Marks: marks("2", "0", "0"), DisplayOrder: 2},
		},
		Questions: []Question{
			question("q1", "Physics", "Kinematics", "easy"),
			question("q2", "Physics", "", "Very-Hard"),
			question("q3", "Physics", "Lenses", "4"),
		},
		Placements: []PaperQuestion{
			{QuestionID: "q1", SectionID: "s1", Position: 1},
			{QuestionID: "q2", SectionID: "s1", Position: 2},
			{QuestionID: "q3", SectionID: "s2", Position: 3},
		},
	}
}

type storeFactory func(t *testing.T) Store

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "exams.db") + "?_pragma=busy_timeout(5000)"
	sqlDB, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewSQLStore(sqlDB, string(db.DriverSQLite))
}

var storeFactories = map[string]storeFactory{
	"memory": func(*testing.T) Store { return NewInMemoryStore() },
	"sqlite": newSQLiteStore,
}

// forEachStore runs fn once per Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	for name, f := range storeFactories {
		f := f
		t.Run(name, func(t *testing.T) { fn(t, f) })
	}
}

type harness struct {
	store  Store
	clock  *fakeClock
	engine *Engine
	ids    int
}

func newHarness(t *testing.T, store Store, def PaperDefinition) *harness {
	t.Helper()
	h := &harness{store: store, clock: newClock()}
	var mu sync.Mutex
	h.engine = NewEngine(store,
		WithClock(h.clock.Now),
		WithRand(NewRand(7)),
		WithLogger(quietLog()),
	)
	h.engine.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		h.ids++
		return fmt.Sprintf("att-%d", h.ids)
	}
	if def.Paper.ID != "" {
		require.NoError(t, store.PutPaper(context.Background(), def))
	}
	return h
}

func (h *harness) start(t *testing.T, userID string) StartView {
	t.Helper()
	v, err := h.engine.Start(context.Background(), StartRequest{UserID: userID, PaperID: "p1"})
	require.NoError(t, err)
	return v
}

func answer(qid, opt string, spent float64) grading.RawResponse {
	r := grading.RawResponse{QuestionID: qid, TimeSpentSeconds: secs(spent)}
	if opt != "" {
		r.SelectedOptionID = strPtr(opt)
	}
	return r
}
