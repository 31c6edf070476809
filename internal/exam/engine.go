package exam

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-exams/internal/grading"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
)

// Observer receives lifecycle signals, typically to feed metrics.
type Observer interface {
	AttemptStarted(resumed bool)
	ResponsesSaved(n int)
	AttemptFinalized(status string, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) AttemptStarted(bool)                    {}
func (nopObserver) ResponsesSaved(int)                     {}
func (nopObserver) AttemptFinalized(string, time.Duration) {}

// Engine owns the attempt state machine.
type Engine struct {
	store Store
	asm   *Assembler
	now   func() time.Time
	rnd   Rand
	log   *logrus.Entry
	obs   Observer
	newID func() string
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption { return func(e *Engine) { e.now = now } }
func WithRand(r Rand) EngineOption                { return func(e *Engine) { e.rnd = r } }
func WithLogger(l *logrus.Entry) EngineOption     { return func(e *Engine) { e.log = l } }
func WithObserver(o Observer) EngineOption        { return func(e *Engine) { e.obs = o } }

func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store: store,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Second) },
		log:   logrus.NewEntry(logrus.StandardLogger()),
		obs:   nopObserver{},
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	if e.rnd == nil {
		e.rnd = NewRand(e.now().UnixNano())
	}
	e.asm = NewAssembler(store, e.rnd, e.log)
	return e
}

func (e *Engine) Store() Store { return e.store }

type StartRequest struct {
	UserID            string
	PaperID           string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
}

type OptionView struct {
	ID       string `json:"id"`
	Label    string `json:"label,omitempty"`
	Text     string `json:"text"`
	MediaRef string `json:"mediaRef,omitempty"`
}

// QuestionView is a snapshot question with correctness and explanation removed.
type QuestionView struct {
	ID         string       `json:"id"`
	SectionID  string       `json:"sectionId"`
	Position   int          `json:"position"`
	Stem       string       `json:"stem"`
	MediaRef   string       `json:"mediaRef,omitempty"`
	Subject    string       `json:"subject,omitempty"`
	Topic      string       `json:"topic,omitempty"`
	Subtopic   string       `json:"subtopic,omitempty"`
	Difficulty string       `json:"difficulty,omitempty"`
	Options    []OptionView `json:"options"`
}

type StartView struct {
	Attempt    Attempt        `json:"attempt"`
	Resumed    bool           `json:"resumed"`
	ServerTime time.Time      `json:"serverTime"`
	Paper      Paper          `json:"paper"`
	Sections   []Section      `json:"sections"`
	Questions  []QuestionView `json:"questions"`
	Responses  []Response     `json:"responses"`
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Start creates or resumes the user's attempt on a paper.
func (e *Engine) Start(ctx context.Context, req StartRequest) (StartView, error) {
	if req.UserID == "" {
		return StartView{}, newErr(KindAuthentication, "unauthenticated", "no user")
	}
	if req.PaperID == "" {
		return StartView{}, Validation("invalid_paper_id", "paper id required")
	}
	paper, err := e.store.GetPaper(ctx, req.PaperID)
	if err != nil {
		return StartView{}, err
	}
	if !paper.Published() {
		return StartView{}, errPaperNotFound(req.PaperID)
	}
	now := e.now()
	if !paper.WindowOpen(now) {
		return StartView{}, newErr(KindWindowClosed, "paper_window_closed", "paper %s is not open", paper.ID)
	}
	if err := e.checkAssigned(ctx, paper.ID, req.UserID); err != nil {
		return StartView{}, err
	}

	a, resumed, err := e.createOrResume(ctx, paper, req, now)
	if err != nil {
		return StartView{}, err
	}
	snap, err := e.asm.Assemble(ctx, paper, a.ID)
	if err != nil {
		return StartView{}, err
	}
	if a.Expired(now) {
		return StartView{}, newErr(KindWindowClosed, "attempt_expired", "attempt %s has expired; submit it", a.ID)
	}

	sections, err := e.store.ListSections(ctx, paper.ID)
	if err != nil {
		return StartView{}, err
	}
	saved, err := e.store.ListResponses(ctx, a.ID)
	if err != nil {
		return StartView{}, err
	}
	for i := range saved {
		saved[i].IsCorrect = nil
	}

	e.obs.AttemptStarted(resumed)
	msg := "attempt started"
	if resumed {
		msg = "attempt resumed"
	}
	e.log.WithFields(logrus.Fields{
		"attempt_id": a.ID, "paper_id": paper.ID, "user_id": req.UserID, "attempt_number": a.AttemptNumber,
	}).Info(msg)

	return StartView{
		Attempt:    a,
		Resumed:    resumed,
		ServerTime: now,
		Paper:      paper,
		Sections:   sections,
		Questions:  questionViews(snap),
		Responses:  saved,
	}, nil
}

func (e *Engine) checkAssigned(ctx context.Context, paperID, userID string) error {
	assignments, err := e.store.ListAssignments(ctx, paperID)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		return nil
	}
	memberships, err := e.store.ListMemberships(ctx, userID)
	if err != nil {
		return err
	}
	if !Satisfied(assignments, memberships, userID) {
		return newErr(KindAuthorization, "not_assigned", "paper %s is not assigned to you", paperID)
	}
	return nil
}

func (e *Engine) createOrResume(ctx context.Context, paper Paper, req StartRequest, now time.Time) (Attempt, bool, error) {
	if a, ok, err := e.store.FindActiveAttempt(ctx, req.UserID, paper.ID); err != nil {
		return Attempt{}, false, err
	} else if ok {
		a, err := e.repairDeadline(ctx, paper, a)
		return a, true, err
	}

	finished, err := e.store.CountFinishedAttempts(ctx, req.UserID, paper.ID)
	if err != nil {
		return Attempt{}, false, err
	}
	if paper.AttemptsAllowed > 0 && finished >= paper.AttemptsAllowed {
		return Attempt{}, false, newErr(KindAttemptsExhausted, "attempts_exhausted",
			"%d of %d attempts used", finished, paper.AttemptsAllowed)
	}

	a := Attempt{
		ID:                e.newID(),
		PaperID:           paper.ID,
		UserID:            req.UserID,
		Status:            StatusInProgress,
		AttemptNumber:     finished + 1,
		StartedAt:         now,
		LastActiveAt:      &now,
		IPAddress:         clip(req.IPAddress, 45),
		UserAgent:         clip(req.UserAgent, 512),
		DeviceFingerprint: clip(req.DeviceFingerprint, 200),
	}
	if paper.DurationMinutes > 0 {
		end := now.Add(time.Duration(paper.DurationMinutes) * time.Minute)
		a.EndsAt = &end
	}
	snap, err := e.asm.build(ctx, paper, a.ID)
	if err != nil {
		return Attempt{}, false, err
	}
	got, created, err := e.store.CreateAttempt(ctx, a, snap)
	if err != nil {
		return Attempt{}, false, err
	}
	if !created {
		got, err = e.repairDeadline(ctx, paper, got)
	}
	return got, !created, err
}

// repairDeadline fills in endsAt for timed papers on attempts created
// without one.
func (e *Engine) repairDeadline(ctx context.Context, paper Paper, a Attempt) (Attempt, error) {
	if a.EndsAt != nil || paper.DurationMinutes <= 0 {
		return a, nil
	}
	end := a.StartedAt.Add(time.Duration(paper.DurationMinutes) * time.Minute)
	if err := e.store.SetAttemptEndsAt(ctx, a.ID, end); err != nil {
		return Attempt{}, err
	}
	a.EndsAt = &end
	return a, nil
}

func questionViews(snap []AttemptQuestion) []QuestionView {
	out := make([]QuestionView, len(snap))
	for i, aq := range snap {
		s := aq.Snapshot
		opts := make([]OptionView, len(s.Options))
		for j, o := range s.Options {
			opts[j] = OptionView{ID: o.ID, Label: o.Label, Text: o.Text, MediaRef: o.MediaRef}
		}
		out[i] = QuestionView{
			ID:         aq.QuestionID,
			SectionID:  aq.SectionID,
			Position:   aq.Position,
			Stem:       s.Stem,
			MediaRef:   s.MediaRef,
			Subject:    s.Subject,
			Topic:      s.Topic,
			Subtopic:   s.Subtopic,
			Difficulty: s.Difficulty,
			Options:    opts,
		}
	}
	return out
}

// owned loads an attempt and checks that userID owns it.
func (e *Engine) owned(ctx context.Context, userID, attemptID string) (Attempt, error) {
	if userID == "" {
		return Attempt{}, newErr(KindAuthentication, "unauthenticated", "no user")
	}
	if attemptID == "" {
		return Attempt{}, Validation("invalid_attempt_id", "attempt id required")
	}
	a, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return Attempt{}, err
	}
	if a.UserID != userID {
		return Attempt{}, newErr(KindAuthorization, "not_owner", "attempt %s belongs to another user", attemptID)
	}
	return a, nil
}

// openForWrites checks status and both time boundaries.
func (e *Engine) openForWrites(ctx context.Context, a Attempt, now time.Time) (Paper, error) {
	if a.Status != StatusInProgress {
		return Paper{}, errNotInProgress(a.ID, a.Status)
	}
	paper, err := e.store.GetPaper(ctx, a.PaperID)
	if err != nil {
		return Paper{}, err
	}
	if paper.Closed(now) {
		return Paper{}, newErr(KindWindowClosed, "paper_window_closed", "paper %s has closed", paper.ID)
	}
	if a.Expired(now) {
		return Paper{}, newErr(KindWindowClosed, "attempt_expired", "attempt %s has expired; submit it", a.ID)
	}
	return paper, nil
}

// layout derives everything scoring and sanitizing need from a snapshot.
type layout struct {
	items   []grading.Item
	allowed grading.IDSet
	options map[string]grading.IDSet
	correct map[string]grading.IDSet
}

func layoutOf(snap []AttemptQuestion) layout {
	l := layout{
		items:   make([]grading.Item, len(snap)),
		allowed: make(grading.IDSet, len(snap)),
		options: make(map[string]grading.IDSet, len(snap)),
		correct: make(map[string]grading.IDSet, len(snap)),
	}
	for i, aq := range snap {
		l.items[i] = grading.Item{QuestionID: aq.QuestionID, SectionID: aq.SectionID}
		l.allowed.Add(aq.QuestionID)
		l.options[aq.QuestionID] = aq.Snapshot.OptionIDs()
		l.correct[aq.QuestionID] = grading.NewIDSet(aq.Snapshot.CorrectOptionIDs()...)
	}
	return l
}

type SaveResult struct {
	Updated          int `json:"updated"`
	TotalTimeSeconds int `json:"totalTimeSeconds"`
}

// Save replaces the responses for the submitted questions.
func (e *Engine) Save(ctx context.Context, userID, attemptID string, raw []grading.RawResponse) (SaveResult, error) {
	a, err := e.owned(ctx, userID, attemptID)
	if err != nil {
		return SaveResult{}, err
	}
	if len(raw) == 0 {
		return SaveResult{}, Validation("empty_payload", "responses required")
	}
	now := e.now()
	paper, err := e.openForWrites(ctx, a, now)
	if err != nil {
		return SaveResult{}, err
	}
	snap, err := e.asm.Assemble(ctx, paper, a.ID)
	if err != nil {
		return SaveResult{}, err
	}
	l := layoutOf(snap)
	answers := grading.Sanitize(raw, l.allowed, l.options)
	if len(answers) == 0 {
		return SaveResult{}, Validation("no_valid_responses", "no response matched a question of this attempt")
	}

	rows := make([]Response, 0, len(answers))
	for _, it := range l.items {
		ans, ok := answers[it.QuestionID]
		if !ok {
			continue
		}
		rows = append(rows, Response{
			AttemptID:        a.ID,
			QuestionID:       ans.QuestionID,
			SelectedOptionID: ans.SelectedOptionID,
			TimeSpentSeconds: ans.TimeSpentSeconds,
			Flagged:          ans.Flagged,
		})
	}
	if err := e.store.SaveResponses(ctx, a.ID, rows, l.items, now); err != nil {
		return SaveResult{}, err
	}
	updated, err := e.store.GetAttempt(ctx, a.ID)
	if err != nil {
		return SaveResult{}, err
	}
	e.obs.ResponsesSaved(len(rows))
	return SaveResult{Updated: len(rows), TotalTimeSeconds: updated.TotalTimeSeconds}, nil
}

type SubmitResult struct {
	AttemptID       string          `json:"attemptId"`
	Status          AttemptStatus   `json:"status"`
	Score           decimal.Decimal `json:"score"`
	CorrectCount    int             `json:"correctCount"`
	WrongCount      int             `json:"wrongCount"`
	UnansweredCount int             `json:"unansweredCount"`
	SubmittedAt     time.Time       `json:"submittedAt"`
}

// Submit scores and finalizes an attempt exactly once. A non-empty payload
// is the complete final answer set; an empty one scores what was saved.
func (e *Engine) Submit(ctx context.Context, userID, attemptID string, raw []grading.RawResponse) (SubmitResult, error) {
	a, err := e.owned(ctx, userID, attemptID)
	if err != nil {
		return SubmitResult{}, err
	}
	if a.Status != StatusInProgress {
		return SubmitResult{}, errNotInProgress(a.ID, a.Status)
	}
	paper, err := e.store.GetPaper(ctx, a.PaperID)
	if err != nil {
		return SubmitResult{}, err
	}
	now := e.now()
	status := StatusSubmitted
	if paper.Closed(now) || a.Expired(now) {
		status = StatusExpired
	}
	if len(raw) == 0 {
		if raw, err = e.storedAsRaw(ctx, a.ID); err != nil {
			return SubmitResult{}, err
		}
	}
	return e.finalize(ctx, a, paper, raw, status, now)
}

func (e *Engine) storedAsRaw(ctx context.Context, attemptID string) ([]grading.RawResponse, error) {
	saved, err := e.store.ListResponses(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	raw := make([]grading.RawResponse, len(saved))
	for i, r := range saved {
		secs := float64(r.TimeSpentSeconds)
		raw[i] = grading.RawResponse{
			QuestionID:       r.QuestionID,
			SelectedOptionID: r.SelectedOptionID,
			TimeSpentSeconds: &secs,
			Flagged:          r.Flagged,
		}
	}
	return raw, nil
}

var eventTypes = map[AttemptStatus]string{
	StatusSubmitted:     syncx.TypeAttemptSubmitted,
	StatusExpired:       syncx.TypeAttemptExpired,
	StatusAutoSubmitted: syncx.TypeAttemptAutoSubmitted,
}

func (e *Engine) finalize(ctx context.Context, a Attempt, paper Paper, raw []grading.RawResponse, status AttemptStatus, now time.Time) (SubmitResult, error) {
	began := time.Now()
	snap, err := e.asm.Assemble(ctx, paper, a.ID)
	if err != nil {
		return SubmitResult{}, err
	}
	sections, err := e.store.ListSections(ctx, paper.ID)
	if err != nil {
		return SubmitResult{}, err
	}
	marks := make(map[string]grading.Marks, len(sections))
	for _, s := range sections {
		marks[s.ID] = s.Marks
	}

	l := layoutOf(snap)
	res := grading.Score(l.items, grading.Sanitize(raw, l.allowed, l.options), marks, l.correct)

	rows := make([]Response, len(res.Rows))
	for i, r := range res.Rows {
		rows[i] = Response{
			AttemptID:        a.ID,
			QuestionID:       r.QuestionID,
			SelectedOptionID: r.SelectedOptionID,
			TimeSpentSeconds: r.TimeSpentSeconds,
			Flagged:          r.Flagged,
			IsCorrect:        r.IsCorrect,
		}
	}
	secs := make([]AttemptSection, len(res.Sections))
	for i, s := range res.Sections {
		secs[i] = AttemptSection{AttemptID: a.ID, SectionID: s.SectionID, TimeSpentSeconds: s.TimeSpentSeconds}
	}

	data, err := json.Marshal(map[string]any{
		"attemptId":        a.ID,
		"paperId":          a.PaperID,
		"userId":           a.UserID,
		"status":           status,
		"score":            res.Score,
		"correctCount":     res.CorrectCount,
		"wrongCount":       res.WrongCount,
		"unansweredCount":  res.UnansweredCount,
		"totalTimeSeconds": res.TotalTimeSeconds,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	done, err := e.store.FinalizeAttempt(ctx, Finalization{
		AttemptID:        a.ID,
		Status:           status,
		SubmittedAt:      now,
		Score:            res.Score,
		CorrectCount:     res.CorrectCount,
		WrongCount:       res.WrongCount,
		UnansweredCount:  res.UnansweredCount,
		TotalTimeSeconds: res.TotalTimeSeconds,
		Responses:        rows,
		Sections:         secs,
		Event: syncx.Event{
			Type:      eventTypes[status],
			Key:       a.ID,
			DataJSON:  string(data),
			CreatedAt: now.Unix(),
		},
	})
	if err != nil {
		return SubmitResult{}, err
	}

	e.obs.AttemptFinalized(string(status), time.Since(began))
	e.log.WithFields(logrus.Fields{
		"attempt_id": a.ID,
		"paper_id":   a.PaperID,
		"user_id":    a.UserID,
		"status":     status,
		"score":      res.Score.String(),
		"correct":    res.CorrectCount,
		"wrong":      res.WrongCount,
		"unanswered": res.UnansweredCount,
		"total_time": res.TotalTimeSeconds,
	}).Info("attempt finalized")

	at := now
	if done.SubmittedAt != nil {
		at = *done.SubmittedAt
	}
	return SubmitResult{
		AttemptID:       a.ID,
		Status:          status,
		Score:           res.Score,
		CorrectCount:    res.CorrectCount,
		WrongCount:      res.WrongCount,
		UnansweredCount: res.UnansweredCount,
		SubmittedAt:     at,
	}, nil
}

type HeartbeatResult struct {
	ServerTime       time.Time  `json:"serverTime"`
	EndsAt           *time.Time `json:"endsAt,omitempty"`
	RemainingSeconds *int       `json:"remainingSeconds,omitempty"`
}

// Heartbeat records liveness. clientElapsed is stored for audit only.
func (e *Engine) Heartbeat(ctx context.Context, userID, attemptID string, clientElapsed *int) (HeartbeatResult, error) {
	a, err := e.owned(ctx, userID, attemptID)
	if err != nil {
		return HeartbeatResult{}, err
	}
	now := e.now()
	if _, err := e.openForWrites(ctx, a, now); err != nil {
		return HeartbeatResult{}, err
	}
	if clientElapsed != nil && *clientElapsed < 0 {
		clientElapsed = nil
	}
	if err := e.store.Touch(ctx, a.ID, now, clientElapsed); err != nil {
		return HeartbeatResult{}, err
	}
	out := HeartbeatResult{ServerTime: now, EndsAt: a.EndsAt}
	if a.EndsAt != nil {
		left := int(a.EndsAt.Sub(now).Seconds())
		out.RemainingSeconds = &left
	}
	return out, nil
}

// RecordFocusLoss counts a tab/window blur while the attempt is running.
func (e *Engine) RecordFocusLoss(ctx context.Context, userID, attemptID string) (int, error) {
	a, err := e.owned(ctx, userID, attemptID)
	if err != nil {
		return 0, err
	}
	if a.Status != StatusInProgress {
		return 0, errNotInProgress(a.ID, a.Status)
	}
	return e.store.RecordFocusLoss(ctx, a.ID, e.now())
}
