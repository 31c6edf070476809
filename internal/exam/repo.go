package exam

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mind-engage/mindengage-exams/internal/grading"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
)

// errSnapshotExists is returned by InsertAttemptQuestions when another
// request already froze the attempt's questions.
var errSnapshotExists = errors.New("attempt questions already assembled")

// PaperDefinition is a full authoring payload for one paper.
type PaperDefinition struct {
	Paper       Paper           `json:"paper"`
	Sections    []Section       `json:"sections"`
	Questions   []Question      `json:"questions"`
	Placements  []PaperQuestion `json:"placements"`
	Assignments []Assignment    `json:"assignments"`
}

// Finalization is everything written when an attempt leaves in_progress.
type Finalization struct {
	AttemptID        string
	Status           AttemptStatus
	SubmittedAt      time.Time
	Score            decimal.Decimal
	CorrectCount     int
	WrongCount       int
	UnansweredCount  int
	TotalTimeSeconds int
	Responses        []Response
	Sections         []AttemptSection
	Event            syncx.Event
}

// Store is the persistence boundary. Every mutating method is atomic: it
// either applies fully or leaves the attempt untouched.
type Store interface {
	GetPaper(ctx context.Context, id string) (Paper, error)
	ListPapers(ctx context.Context) ([]Paper, error) // published only
	ListSections(ctx context.Context, paperID string) ([]Section, error)
	ListPaperQuestions(ctx context.Context, paperID string) ([]PaperQuestion, error)
	GetQuestions(ctx context.Context, ids []string) (map[string]Question, error)
	ListAssignments(ctx context.Context, paperID string) ([]Assignment, error)
	ListMemberships(ctx context.Context, userID string) ([]Membership, error)
	PutPaper(ctx context.Context, def PaperDefinition) error
	PutSeries(ctx context.Context, s Series) error
	ListSeries(ctx context.Context) ([]Series, error) // published only

	FindActiveAttempt(ctx context.Context, userID, paperID string) (Attempt, bool, error)
	CountFinishedAttempts(ctx context.Context, userID, paperID string) (int, error)
	// CreateAttempt inserts a together with its question snapshot; neither is
	// written without the other. If an in_progress attempt for the same user
	// and paper already exists, that attempt is returned with created=false
	// and qs is discarded.
	CreateAttempt(ctx context.Context, a Attempt, qs []AttemptQuestion) (Attempt, bool, error)
	GetAttempt(ctx context.Context, id string) (Attempt, error)
	SetAttemptEndsAt(ctx context.Context, id string, endsAt time.Time) error
	ListUserAttempts(ctx context.Context, userID string) ([]Attempt, error)
	ListFinishedAttempts(ctx context.Context, paperID string) ([]Attempt, error)
	ListOverdueAttempts(ctx context.Context, now time.Time) ([]Attempt, error)

	ListAttemptQuestions(ctx context.Context, attemptID string) ([]AttemptQuestion, error)
	InsertAttemptQuestions(ctx context.Context, attemptID string, qs []AttemptQuestion) error

	// SaveResponses replaces the given questions' responses, then recomputes
	// section and attempt time totals from every stored response. Fails with
	// a state error unless the attempt is in_progress.
	SaveResponses(ctx context.Context, attemptID string, rows []Response, layout []grading.Item, now time.Time) error
	// FinalizeAttempt moves an in_progress attempt to a terminal status
	// exactly once and appends f.Event in the same transaction.
	FinalizeAttempt(ctx context.Context, f Finalization) (Attempt, error)
	Touch(ctx context.Context, attemptID string, now time.Time, clientElapsed *int) error
	RecordFocusLoss(ctx context.Context, attemptID string, now time.Time) (int, error)
	ListResponses(ctx context.Context, attemptID string) ([]Response, error)
	ListAttemptSections(ctx context.Context, attemptID string) ([]AttemptSection, error)

	// PurgeFinishedBefore deletes terminal attempts submitted before cutoff
	// and everything hanging off them.
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// sectionTotals sums response time per section in layout order. Sections
// with no time still get a zero row.
func sectionTotals(attemptID string, layout []grading.Item, all []Response) ([]AttemptSection, int) {
	timeByQ := make(map[string]int, len(all))
	for _, r := range all {
		timeByQ[r.QuestionID] = r.TimeSpentSeconds
	}
	idx := map[string]int{}
	var out []AttemptSection
	total := 0
	for _, it := range layout {
		i, ok := idx[it.SectionID]
		if !ok {
			i = len(out)
			idx[it.SectionID] = i
			out = append(out, AttemptSection{AttemptID: attemptID, SectionID: it.SectionID})
		}
		t := timeByQ[it.QuestionID]
		out[i].TimeSpentSeconds += t
		total += t
	}
	return out, total
}
