package grading

import (
	"math"
	"strings"
)

// IDSet is a set of question or option ids.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id string) { s[id] = struct{}{} }

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// RawResponse is a client-supplied answer before any validation.
type RawResponse struct {
	QuestionID       string   `json:"questionId"`
	SelectedOptionID *string  `json:"selectedOptionId,omitempty"`
	TimeSpentSeconds *float64 `json:"timeSpentSeconds,omitempty"`
	Flagged          bool     `json:"flagged,omitempty"`
}

// Answer is a sanitized response. SelectedOptionID is nil when unanswered.
type Answer struct {
	QuestionID       string
	SelectedOptionID *string
	TimeSpentSeconds int
	Flagged          bool
}

// Sanitize filters raw responses against the attempt's frozen question and
// option sets. Unknown questions are dropped; an option id that does not
// belong to its question degrades to unanswered instead of failing the
// request. Later entries for the same question replace earlier ones.
func Sanitize(raw []RawResponse, allowed IDSet, optionsByQuestion map[string]IDSet) map[string]Answer {
	out := make(map[string]Answer, len(raw))
	for _, r := range raw {
		qid := strings.TrimSpace(r.QuestionID)
		if qid == "" || !allowed.Has(qid) {
			continue
		}
		a := Answer{
			QuestionID:       qid,
			TimeSpentSeconds: coerceSeconds(r.TimeSpentSeconds),
			Flagged:          r.Flagged,
		}
		if r.SelectedOptionID != nil {
			if opt := strings.TrimSpace(*r.SelectedOptionID); opt != "" && optionsByQuestion[qid].Has(opt) {
				a.SelectedOptionID = &opt
			}
		}
		out[qid] = a
	}
	return out
}

func coerceSeconds(v *float64) int {
	if v == nil {
		return 0
	}
	f := *v
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}
