package exam

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mind-engage/mindengage-exams/internal/grading"
)

type AttemptStatus string

const (
	StatusNotStarted    AttemptStatus = "not_started"
	StatusInProgress    AttemptStatus = "in_progress"
	StatusSubmitted     AttemptStatus = "submitted"
	StatusExpired       AttemptStatus = "expired"
	StatusAutoSubmitted AttemptStatus = "auto_submitted"
)

// Terminal reports whether no further transitions are allowed.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case StatusSubmitted, StatusExpired, StatusAutoSubmitted:
		return true
	}
	return false
}

const PaperPublished = "published"

// Series groups papers into a test series.
type Series struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Published   bool      `json:"published"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Paper struct {
	ID               string     `json:"id"`
	SeriesID         string     `json:"seriesId,omitempty"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           string     `json:"status"` // draft|published
	DurationMinutes  int        `json:"durationMinutes"`
	AttemptsAllowed  int        `json:"attemptsAllowed"` // 0 = unlimited
	StartsAt         *time.Time `json:"startsAt,omitempty"`
	EndsAt           *time.Time `json:"endsAt,omitempty"`
	ShuffleQuestions bool       `json:"shuffleQuestions"`
	ShuffleOptions   bool       `json:"shuffleOptions"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func (p Paper) Published() bool { return p.Status == PaperPublished }

// WindowOpen reports whether now lies inside [StartsAt, EndsAt].
func (p Paper) WindowOpen(now time.Time) bool {
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return false
	}
	return !p.Closed(now)
}

// Closed reports whether the paper's availability window has ended.
func (p Paper) Closed(now time.Time) bool {
	return p.EndsAt != nil && p.EndsAt.Before(now)
}

type Section struct {
	ID              string        `json:"id"`
	PaperID         string        `json:"paperId"`
	Name            string        `json:"name"`
	Marks           grading.Marks `json:"marks"`
	DisplayOrder    int           `json:"displayOrder"`
	DurationMinutes int           `json:"durationMinutes,omitempty"`
	QuestionCount   int           `json:"questionCount"`
}

// Option is a canonical bank option.
type Option struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	Text      string `json:"text"`
	MediaRef  string `json:"mediaRef,omitempty"`
	IsCorrect bool   `json:"isCorrect"`
}

// Question is a canonical bank question. It may change after a paper is
// published; attempts only ever read their own Snapshot.
type Question struct {
	ID          string   `json:"id"`
	Stem        string   `json:"stem"`
	MediaRef    string   `json:"mediaRef,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Topic       string   `json:"topic,omitempty"`
	Subtopic    string   `json:"subtopic,omitempty"`
	Difficulty  string   `json:"difficulty,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
	Options     []Option `json:"options"`
}

// PaperQuestion places a bank question in a paper section.
type PaperQuestion struct {
	PaperID    string `json:"paperId"`
	QuestionID string `json:"questionId"`
	SectionID  string `json:"sectionId"`
	Position   int    `json:"position"`
}

// Assignment restricts a paper to a user, an organization, or one class
// section of an organization.
type Assignment struct {
	PaperID        string `json:"paperId"`
	UserID         string `json:"userId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	ClassSection   string `json:"classSection,omitempty"`
}

type Membership struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	ClassSection   string `json:"classSection,omitempty"`
}

// Satisfied reports whether the user matches any assignment. An empty list
// means the paper is open to everyone.
func Satisfied(assignments []Assignment, memberships []Membership, userID string) bool {
	if len(assignments) == 0 {
		return true
	}
	for _, a := range assignments {
		if a.UserID != "" && a.UserID == userID {
			return true
		}
		if a.OrganizationID == "" {
			continue
		}
		for _, m := range memberships {
			if m.OrganizationID != a.OrganizationID {
				continue
			}
			if a.ClassSection == "" || m.ClassSection == a.ClassSection {
				return true
			}
		}
	}
	return false
}

type Attempt struct {
	ID                   string              `json:"id"`
	PaperID              string              `json:"paperId"`
	UserID               string              `json:"userId"`
	Status               AttemptStatus       `json:"status"`
	AttemptNumber        int                 `json:"attemptNumber"`
	StartedAt            time.Time           `json:"startedAt"`
	EndsAt               *time.Time          `json:"endsAt,omitempty"`
	SubmittedAt          *time.Time          `json:"submittedAt,omitempty"`
	LastActiveAt         *time.Time          `json:"lastActiveAt,omitempty"`
	Score                decimal.NullDecimal `json:"score"`
	CorrectCount         int                 `json:"correctCount"`
	WrongCount           int                 `json:"wrongCount"`
	UnansweredCount      int                 `json:"unansweredCount"`
	TotalTimeSeconds     int                 `json:"totalTimeSeconds"`
	ClientElapsedSeconds *int                `json:"clientElapsedSeconds,omitempty"`
	FocusLossCount       int                 `json:"focusLossCount"`
	LastFocusLossAt      *time.Time          `json:"lastFocusLossAt,omitempty"`
	IPAddress            string              `json:"-"`
	UserAgent            string              `json:"-"`
	DeviceFingerprint    string              `json:"-"`
}

// Expired reports whether the attempt's own deadline has passed.
func (a Attempt) Expired(now time.Time) bool {
	return a.EndsAt != nil && a.EndsAt.Before(now)
}

// SnapshotOption is an option frozen at assembly time, correctness included.
type SnapshotOption struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	Text      string `json:"text"`
	MediaRef  string `json:"mediaRef,omitempty"`
	IsCorrect bool   `json:"isCorrect"`
}

// Snapshot is the frozen copy of a question stored per attempt.
type Snapshot struct {
	Stem        string           `json:"stem"`
	MediaRef    string           `json:"mediaRef,omitempty"`
	Subject     string           `json:"subject,omitempty"`
	Topic       string           `json:"topic,omitempty"`
	Subtopic    string           `json:"subtopic,omitempty"`
	Difficulty  string           `json:"difficulty,omitempty"`
	Explanation string           `json:"explanation,omitempty"`
	Options     []SnapshotOption `json:"options"`
}

// Validate checks the snapshot before it is written.
func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.Stem) == "" && s.MediaRef == "" {
		return errors.New("snapshot: empty stem")
	}
	if len(s.Options) == 0 {
		return errors.New("snapshot: no options")
	}
	seen := make(map[string]bool, len(s.Options))
	for _, o := range s.Options {
		if o.ID == "" {
			return errors.New("snapshot: option without id")
		}
		if seen[o.ID] {
			return fmt.Errorf("snapshot: duplicate option %s", o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

func (s Snapshot) OptionIDs() grading.IDSet {
	set := make(grading.IDSet, len(s.Options))
	for _, o := range s.Options {
		set.Add(o.ID)
	}
	return set
}

func (s Snapshot) CorrectOptionIDs() []string {
	var ids []string
	for _, o := range s.Options {
		if o.IsCorrect {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// AttemptQuestion is written once per attempt and question, never updated.
type AttemptQuestion struct {
	AttemptID  string   `json:"attemptId"`
	QuestionID string   `json:"questionId"`
	SectionID  string   `json:"sectionId"`
	Position   int      `json:"position"`
	Snapshot   Snapshot `json:"snapshot"`
}

// Response is the current answer for one question of an attempt.
type Response struct {
	AttemptID        string  `json:"attemptId"`
	QuestionID       string  `json:"questionId"`
	SelectedOptionID *string `json:"selectedOptionId"`
	TimeSpentSeconds int     `json:"timeSpentSeconds"`
	Flagged          bool    `json:"flagged"`
	IsCorrect        *bool   `json:"isCorrect"`
}

// AttemptSection is derived from responses on every save and submit.
type AttemptSection struct {
	AttemptID        string `json:"attemptId"`
	SectionID        string `json:"sectionId"`
	TimeSpentSeconds int    `json:"timeSpentSeconds"`
}
