package exam

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

const (
	FilterFlagged    = "flagged"
	FilterWrong      = "wrong"
	FilterCorrect    = "correct"
	FilterUnanswered = "unanswered"
	FilterSlow       = "slow"
	FilterHardest    = "hardest"

	defaultSlowSeconds = 60
)

// ReviewQuery narrows review items. Filters combine with AND; unknown
// names are ignored. MinTimeSeconds <= 0 means the default slow threshold.
type ReviewQuery struct {
	Filters        []string
	MinTimeSeconds int
}

// ParseFilters splits a comma-separated filter list.
func ParseFilters(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			out = append(out, f)
		}
	}
	return out
}

type ReviewQuestion struct {
	ID               string           `json:"id"`
	SectionID        string           `json:"sectionId"`
	Position         int              `json:"position"`
	Stem             string           `json:"stem"`
	MediaRef         string           `json:"mediaRef,omitempty"`
	Subject          string           `json:"subject,omitempty"`
	Topic            string           `json:"topic,omitempty"`
	Subtopic         string           `json:"subtopic,omitempty"`
	Difficulty       string           `json:"difficulty,omitempty"`
	Explanation      string           `json:"explanation,omitempty"`
	Options          []SnapshotOption `json:"options"`
	CorrectOptionIDs []string         `json:"correctOptionIds"`
}

type ReviewResponse struct {
	SelectedOptionID *string `json:"selectedOptionId"`
	IsCorrect        *bool   `json:"isCorrect"`
	TimeSpentSeconds int     `json:"timeSpentSeconds"`
	Flagged          bool    `json:"flagged"`
}

type ReviewItem struct {
	Question ReviewQuestion  `json:"question"`
	Response *ReviewResponse `json:"response"`
}

type AttemptSummary struct {
	ID               string              `json:"id"`
	PaperID          string              `json:"paperId"`
	Status           AttemptStatus       `json:"status"`
	Score            decimal.NullDecimal `json:"score"`
	CorrectCount     int                 `json:"correctCount"`
	WrongCount       int                 `json:"wrongCount"`
	UnansweredCount  int                 `json:"unansweredCount"`
	TotalTimeSeconds int                 `json:"totalTimeSeconds"`
	StartedAt        time.Time           `json:"startedAt"`
	SubmittedAt      *time.Time          `json:"submittedAt,omitempty"`
}

func summarize(a Attempt) AttemptSummary {
	return AttemptSummary{
		ID:               a.ID,
		PaperID:          a.PaperID,
		Status:           a.Status,
		Score:            a.Score,
		CorrectCount:     a.CorrectCount,
		WrongCount:       a.WrongCount,
		UnansweredCount:  a.UnansweredCount,
		TotalTimeSeconds: a.TotalTimeSeconds,
		StartedAt:        a.StartedAt,
		SubmittedAt:      a.SubmittedAt,
	}
}

type Review struct {
	Attempt AttemptSummary `json:"attempt"`
	Items   []ReviewItem   `json:"items"`
}

// Review returns the frozen questions of a finished attempt with the
// user's responses and the correct answers.
func (e *Engine) Review(ctx context.Context, v Viewer, attemptID string, q ReviewQuery) (Review, error) {
	a, err := e.finished(ctx, v, attemptID)
	if err != nil {
		return Review{}, err
	}
	items, err := e.reviewItems(ctx, a.ID)
	if err != nil {
		return Review{}, err
	}
	return Review{Attempt: summarize(a), Items: filterItems(items, q)}, nil
}

func (e *Engine) reviewItems(ctx context.Context, attemptID string) ([]ReviewItem, error) {
	snap, err := e.store.ListAttemptQuestions(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	responses, err := e.store.ListResponses(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	byQ := make(map[string]Response, len(responses))
	for _, r := range responses {
		byQ[r.QuestionID] = r
	}
	items := make([]ReviewItem, len(snap))
	for i, aq := range snap {
		s := aq.Snapshot
		item := ReviewItem{Question: ReviewQuestion{
			ID:               aq.QuestionID,
			SectionID:        aq.SectionID,
			Position:         aq.Position,
			Stem:             s.Stem,
			MediaRef:         s.MediaRef,
			Subject:          s.Subject,
			Topic:            s.Topic,
			Subtopic:         s.Subtopic,
			Difficulty:       s.Difficulty,
			Explanation:      s.Explanation,
			Options:          append([]SnapshotOption(nil), s.Options...),
			CorrectOptionIDs: s.CorrectOptionIDs(),
		}}
		if r, ok := byQ[aq.QuestionID]; ok {
			item.Response = &ReviewResponse{
				SelectedOptionID: r.SelectedOptionID,
				IsCorrect:        r.IsCorrect,
				TimeSpentSeconds: r.TimeSpentSeconds,
				Flagged:          r.Flagged,
			}
		}
		items[i] = item
	}
	return items, nil
}

func filterItems(items []ReviewItem, q ReviewQuery) []ReviewItem {
	slow := q.MinTimeSeconds
	if slow <= 0 {
		slow = defaultSlowSeconds
	}
	out := make([]ReviewItem, 0, len(items))
	for _, it := range items {
		if matchesAll(it, q.Filters, slow) {
			out = append(out, it)
		}
	}
	return out
}

func matchesAll(it ReviewItem, filters []string, slow int) bool {
	r := it.Response
	for _, f := range filters {
		var ok bool
		switch f {
		case FilterFlagged:
			ok = r != nil && r.Flagged
		case FilterWrong:
			ok = r != nil && r.IsCorrect != nil && !*r.IsCorrect
		case FilterCorrect:
			ok = r != nil && r.IsCorrect != nil && *r.IsCorrect
		case FilterUnanswered:
			ok = r == nil || r.SelectedOptionID == nil
		case FilterSlow:
			ok = r != nil && r.TimeSpentSeconds >= slow
		case FilterHardest:
			ok = isHard(it.Question.Difficulty)
		default:
			ok = true
		}
		if !ok {
			return false
		}
	}
	return true
}

// isHard accepts named levels in any case or punctuation ("Very-Hard") and
// numeric levels of 4 and up.
func isHard(d string) bool {
	norm := strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, d)
	switch norm {
	case "hard", "veryhard", "expert", "advanced":
		return true
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(d), 64)
	return err == nil && n >= 4
}

type ReportSection struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	QuestionCount    int             `json:"questionCount"`
	MarksCorrect     decimal.Decimal `json:"marksCorrect"`
	MarksIncorrect   decimal.Decimal `json:"marksIncorrect"`
	MarksUnanswered  decimal.Decimal `json:"marksUnanswered"`
	TimeSpentSeconds int             `json:"timeSpentSeconds"`
	Items            []ReviewItem    `json:"items"`
}

// Report is the data behind printable result sheets. Rendering happens
// elsewhere.
type Report struct {
	Paper    Paper           `json:"paper"`
	Attempt  AttemptSummary  `json:"attempt"`
	Sections []ReportSection `json:"sections"`
}

func (e *Engine) Report(ctx context.Context, v Viewer, attemptID string) (Report, error) {
	a, err := e.finished(ctx, v, attemptID)
	if err != nil {
		return Report{}, err
	}
	paper, err := e.store.GetPaper(ctx, a.PaperID)
	if err != nil {
		return Report{}, err
	}
	sections, err := e.store.ListSections(ctx, a.PaperID)
	if err != nil {
		return Report{}, err
	}
	times, err := e.store.ListAttemptSections(ctx, a.ID)
	if err != nil {
		return Report{}, err
	}
	items, err := e.reviewItems(ctx, a.ID)
	if err != nil {
		return Report{}, err
	}

	timeBySection := make(map[string]int, len(times))
	for _, t := range times {
		timeBySection[t.SectionID] = t.TimeSpentSeconds
	}
	idx := make(map[string]int, len(sections))
	out := Report{Paper: paper, Attempt: summarize(a), Sections: make([]ReportSection, len(sections))}
	for i, s := range sections {
		idx[s.ID] = i
		out.Sections[i] = ReportSection{
			ID:               s.ID,
			Name:             s.Name,
			QuestionCount:    s.QuestionCount,
			MarksCorrect:     s.Marks.Correct,
			MarksIncorrect:   s.Marks.Incorrect,
			MarksUnanswered:  s.Marks.Unanswered,
			TimeSpentSeconds: timeBySection[s.ID],
			Items:            []ReviewItem{},
		}
	}
	for _, it := range items {
		i, ok := idx[it.Question.SectionID]
		if !ok {
			continue
		}
		out.Sections[i].Items = append(out.Sections[i].Items, it)
	}
	return out, nil
}
