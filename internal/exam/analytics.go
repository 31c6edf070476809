package exam

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Viewer is who is reading a finished attempt. ViewAll lets staff read
// attempts they do not own.
type Viewer struct {
	UserID  string
	ViewAll bool
}

// finished loads a terminal attempt readable by v.
func (e *Engine) finished(ctx context.Context, v Viewer, attemptID string) (Attempt, error) {
	if v.UserID == "" {
		return Attempt{}, newErr(KindAuthentication, "unauthenticated", "no user")
	}
	if attemptID == "" {
		return Attempt{}, Validation("invalid_attempt_id", "attempt id required")
	}
	a, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return Attempt{}, err
	}
	if !v.ViewAll && a.UserID != v.UserID {
		return Attempt{}, newErr(KindAuthorization, "not_owner", "attempt %s belongs to another user", attemptID)
	}
	if !a.Status.Terminal() {
		return Attempt{}, newErr(KindState, "attempt_in_progress", "attempt %s has not been submitted", attemptID)
	}
	return a, nil
}

func score(a Attempt) decimal.Decimal {
	if a.Score.Valid {
		return a.Score.Decimal
	}
	return decimal.Zero
}

func submittedAt(a Attempt) time.Time {
	if a.SubmittedAt != nil {
		return *a.SubmittedAt
	}
	return time.Time{}
}

// rankCompare orders by score desc, total time asc, submission time asc.
// It returns 0 only for a true tie.
func rankCompare(x, y Attempt) int {
	if c := score(y).Cmp(score(x)); c != 0 {
		return c
	}
	if x.TotalTimeSeconds != y.TotalTimeSeconds {
		if x.TotalTimeSeconds < y.TotalTimeSeconds {
			return -1
		}
		return 1
	}
	sx, sy := submittedAt(x), submittedAt(y)
	switch {
	case sx.Before(sy):
		return -1
	case sy.Before(sx):
		return 1
	}
	return 0
}

// sortRanked sorts in rank order; ids break exact ties so output is stable.
func sortRanked(as []Attempt) {
	sort.SliceStable(as, func(i, j int) bool {
		if c := rankCompare(as[i], as[j]); c != 0 {
			return c < 0
		}
		return as[i].ID < as[j].ID
	})
}

func accuracy(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(correct) / float64(total))
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

// Breakdown is one row of a grouping. Topic rows are scoped by subject and
// subtopic rows by subject and topic, so Key is "subject::topic" or
// "subject::topic::subtopic" there.
type Breakdown struct {
	Key              string  `json:"key"`
	Label            string  `json:"label,omitempty"`
	Subject          string  `json:"subject,omitempty"`
	Topic            string  `json:"topic,omitempty"`
	Subtopic         string  `json:"subtopic,omitempty"`
	TotalQuestions   int     `json:"totalQuestions"`
	Correct          int     `json:"correct"`
	Wrong            int     `json:"wrong"`
	Unanswered       int     `json:"unanswered"`
	TotalTimeSeconds int     `json:"totalTimeSeconds"`
	Accuracy         float64 `json:"accuracy"`
}

type Totals struct {
	TotalQuestions     int             `json:"totalQuestions"`
	Correct            int             `json:"correct"`
	Wrong              int             `json:"wrong"`
	Unanswered         int             `json:"unanswered"`
	Accuracy           float64         `json:"accuracy"`
	TotalTimeSeconds   int             `json:"totalTimeSeconds"`
	AverageTimeSeconds float64         `json:"averageTimeSeconds"`
	Score              decimal.Decimal `json:"score"`
}

type TopperStats struct {
	Score            decimal.Decimal `json:"score"`
	TotalTimeSeconds int             `json:"totalTimeSeconds"`
	Accuracy         float64         `json:"accuracy"`
}

type AverageStats struct {
	Score            decimal.Decimal `json:"score"`
	TotalTimeSeconds float64         `json:"totalTimeSeconds"`
}

type Analytics struct {
	AttemptID         string        `json:"attemptId"`
	Status            AttemptStatus `json:"status"`
	Rank              int           `json:"rank"`
	Percentile        float64       `json:"percentile"`
	TotalParticipants int           `json:"totalParticipants"`
	Totals            Totals        `json:"totals"`
	Topper            *TopperStats  `json:"topperStats"`
	Average           AverageStats  `json:"averageStats"`
	BySubject         []Breakdown   `json:"bySubject"`
	ByTopic           []Breakdown   `json:"byTopic"`
	BySubtopic        []Breakdown   `json:"bySubtopic"`
	BySection         []Breakdown   `json:"bySection"`
}

// Analytics ranks a finished attempt among all finished attempts on the
// same paper and breaks its responses down by subject, topic, subtopic and
// section.
func (e *Engine) Analytics(ctx context.Context, v Viewer, attemptID string) (Analytics, error) {
	a, err := e.finished(ctx, v, attemptID)
	if err != nil {
		return Analytics{}, err
	}
	peers, err := e.store.ListFinishedAttempts(ctx, a.PaperID)
	if err != nil {
		return Analytics{}, err
	}
	sortRanked(peers)

	out := Analytics{AttemptID: a.ID, Status: a.Status, TotalParticipants: len(peers)}
	below := 0
	sum := decimal.Zero
	timeSum := 0
	for i, p := range peers {
		if p.ID == a.ID {
			out.Rank = i + 1
		}
		if score(p).LessThan(score(a)) {
			below++
		}
		sum = sum.Add(score(p))
		timeSum += p.TotalTimeSeconds
	}
	if len(peers) <= 1 {
		out.Percentile = 100
	} else {
		out.Percentile = round2(100 * float64(below) / float64(len(peers)))
	}
	if len(peers) > 0 {
		top := peers[0]
		out.Topper = &TopperStats{
			Score:            score(top),
			TotalTimeSeconds: top.TotalTimeSeconds,
			Accuracy:         accuracy(top.CorrectCount, top.CorrectCount+top.WrongCount+top.UnansweredCount),
		}
		n := decimal.NewFromInt(int64(len(peers)))
		out.Average = AverageStats{
			Score:            sum.DivRound(n, 2),
			TotalTimeSeconds: round2(float64(timeSum) / float64(len(peers))),
		}
	} else {
		out.Average.Score = decimal.Zero
	}

	snap, err := e.store.ListAttemptQuestions(ctx, a.ID)
	if err != nil {
		return Analytics{}, err
	}
	responses, err := e.store.ListResponses(ctx, a.ID)
	if err != nil {
		return Analytics{}, err
	}
	sections, err := e.store.ListSections(ctx, a.PaperID)
	if err != nil {
		return Analytics{}, err
	}
	names := make(map[string]string, len(sections))
	for _, s := range sections {
		names[s.ID] = s.Name
	}

	byQ := make(map[string]Response, len(responses))
	for _, r := range responses {
		byQ[r.QuestionID] = r
	}
	var subject, topic, subtopic, section grouper
	for _, aq := range snap {
		r, has := byQ[aq.QuestionID]
		subj := orGeneral(aq.Snapshot.Subject)
		top := orGeneral(aq.Snapshot.Topic)
		sub := orGeneral(aq.Snapshot.Subtopic)
		subject.add(Breakdown{Key: subj, Label: subj, Subject: subj}, r, has)
		topic.add(Breakdown{Key: subj + "::" + top, Label: top, Subject: subj, Topic: top}, r, has)
		subtopic.add(Breakdown{
			Key:      subj + "::" + top + "::" + sub,
			Label:    sub,
			Subject:  subj,
			Topic:    top,
			Subtopic: sub,
		}, r, has)
		section.add(Breakdown{Key: aq.SectionID, Label: names[aq.SectionID]}, r, has)
	}
	out.BySubject = subject.result()
	out.ByTopic = topic.result()
	out.BySubtopic = subtopic.result()
	out.BySection = section.result()

	total := a.CorrectCount + a.WrongCount + a.UnansweredCount
	out.Totals = Totals{
		TotalQuestions:   len(snap),
		Correct:          a.CorrectCount,
		Wrong:            a.WrongCount,
		Unanswered:       a.UnansweredCount,
		Accuracy:         accuracy(a.CorrectCount, total),
		TotalTimeSeconds: a.TotalTimeSeconds,
		Score:            score(a),
	}
	if len(snap) > 0 {
		out.Totals.AverageTimeSeconds = round2(float64(a.TotalTimeSeconds) / float64(len(snap)))
	}
	return out, nil
}

func orGeneral(s string) string {
	if s == "" {
		return "General"
	}
	return s
}

// grouper accumulates breakdowns in first-seen key order. The zero value
// is ready to use.
type grouper struct {
	idx  map[string]int
	rows []Breakdown
}

// add counts r against the row keyed by row.Key, creating it from row on
// first sight.
func (g *grouper) add(row Breakdown, r Response, has bool) {
	if g.idx == nil {
		g.idx = map[string]int{}
	}
	i, ok := g.idx[row.Key]
	if !ok {
		i = len(g.rows)
		g.idx[row.Key] = i
		g.rows = append(g.rows, row)
	}
	b := &g.rows[i]
	b.TotalQuestions++
	switch {
	case !has || r.IsCorrect == nil:
		b.Unanswered++
	case *r.IsCorrect:
		b.Correct++
	default:
		b.Wrong++
	}
	if has {
		b.TotalTimeSeconds += r.TimeSpentSeconds
	}
}

func (g *grouper) result() []Breakdown {
	out := make([]Breakdown, len(g.rows))
	for i, b := range g.rows {
		b.Accuracy = accuracy(b.Correct, b.Correct+b.Wrong+b.Unanswered)
		out[i] = b
	}
	return out
}

type LeaderboardEntry struct {
	Rank             int             `json:"rank"`
	Percentile       int             `json:"percentile"`
	AttemptID        string          `json:"attemptId"`
	UserID           string          `json:"userId"`
	Score            decimal.Decimal `json:"score"`
	TotalTimeSeconds int             `json:"totalTimeSeconds"`
	SubmittedAt      *time.Time      `json:"submittedAt,omitempty"`
}

type Leaderboard struct {
	PaperID          string             `json:"paperId"`
	TotalSubmissions int                `json:"totalSubmissions"`
	Entries          []LeaderboardEntry `json:"entries"`
}

// Leaderboard lists the top finished attempts on a paper. Exact ties share
// a rank (competition ranking).
func (e *Engine) Leaderboard(ctx context.Context, paperID string, limit, maxLimit int) (Leaderboard, error) {
	paper, err := e.store.GetPaper(ctx, paperID)
	if err != nil {
		return Leaderboard{}, err
	}
	if !paper.Published() {
		return Leaderboard{}, errPaperNotFound(paperID)
	}
	if maxLimit < 1 {
		maxLimit = 200
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	all, err := e.store.ListFinishedAttempts(ctx, paperID)
	if err != nil {
		return Leaderboard{}, err
	}
	sortRanked(all)

	out := Leaderboard{PaperID: paperID, TotalSubmissions: len(all), Entries: []LeaderboardEntry{}}
	n := len(all)
	rank := 0
	for i, a := range all {
		if i == 0 || rankCompare(all[i-1], a) != 0 {
			rank = i + 1
		}
		if i >= limit {
			break
		}
		pr := 0.0
		if n > 1 {
			pr = float64(rank-1) / float64(n-1)
		}
		out.Entries = append(out.Entries, LeaderboardEntry{
			Rank:             rank,
			Percentile:       int(math.Round((1 - pr) * 100)),
			AttemptID:        a.ID,
			UserID:           a.UserID,
			Score:            score(a),
			TotalTimeSeconds: a.TotalTimeSeconds,
			SubmittedAt:      a.SubmittedAt,
		})
	}
	return out, nil
}
