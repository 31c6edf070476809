package exam

import (
	"context"
	"strings"
)

const (
	CatalogAvailable = "available"
	CatalogUpcoming  = "upcoming"
	CatalogCompleted = "completed"
	CatalogAll       = "all"
)

// CatalogQuery filters the paper catalogue. Zero MinDuration and
// MaxDuration leave the duration unbounded on that side.
type CatalogQuery struct {
	Status      string
	Q           string
	SeriesID    string
	MinDuration int
	MaxDuration int
	Page        int
	PageSize    int
}

type PaperSummary struct {
	Paper
	SectionCount   int `json:"sectionCount"`
	TotalQuestions int `json:"totalQuestions"`
}

type Catalog struct {
	Data     []PaperSummary `json:"data"`
	Page     int            `json:"page"`
	PageSize int            `json:"pageSize"`
	Total    int            `json:"total"`
}

// ListPapers returns published papers assigned to userID, filtered by
// series, duration, availability and a title/description search, one page
// at a time.
func (e *Engine) ListPapers(ctx context.Context, userID string, q CatalogQuery) (Catalog, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	if q.PageSize > 100 {
		q.PageSize = 100
	}
	status := strings.ToLower(strings.TrimSpace(q.Status))
	needle := strings.ToLower(strings.TrimSpace(q.Q))
	now := e.now()

	papers, err := e.store.ListPapers(ctx)
	if err != nil {
		return Catalog{}, err
	}
	memberships, err := e.store.ListMemberships(ctx, userID)
	if err != nil {
		return Catalog{}, err
	}

	var visible []PaperSummary
	for _, p := range papers {
		if q.SeriesID != "" && p.SeriesID != q.SeriesID {
			continue
		}
		if q.MinDuration > 0 && p.DurationMinutes < q.MinDuration {
			continue
		}
		if q.MaxDuration > 0 && p.DurationMinutes > q.MaxDuration {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(p.Title), needle) &&
			!strings.Contains(strings.ToLower(p.Description), needle) {
			continue
		}
		upcoming := p.StartsAt != nil && p.StartsAt.After(now)
		completed := p.Closed(now)
		switch status {
		case CatalogAll:
		case CatalogUpcoming:
			if !upcoming {
				continue
			}
		case CatalogCompleted:
			if !completed {
				continue
			}
		default:
			if upcoming || completed {
				continue
			}
		}
		assignments, err := e.store.ListAssignments(ctx, p.ID)
		if err != nil {
			return Catalog{}, err
		}
		if !Satisfied(assignments, memberships, userID) {
			continue
		}
		sections, err := e.store.ListSections(ctx, p.ID)
		if err != nil {
			return Catalog{}, err
		}
		sum := PaperSummary{Paper: p, SectionCount: len(sections)}
		for _, s := range sections {
			sum.TotalQuestions += s.QuestionCount
		}
		visible = append(visible, sum)
	}

	out := Catalog{Page: q.Page, PageSize: q.PageSize, Total: len(visible), Data: []PaperSummary{}}
	from := (q.Page - 1) * q.PageSize
	if from < len(visible) {
		to := from + q.PageSize
		if to > len(visible) {
			to = len(visible)
		}
		out.Data = visible[from:to]
	}
	return out, nil
}

// ListSeries returns published test series ordered by id.
func (e *Engine) ListSeries(ctx context.Context) ([]Series, error) {
	out, err := e.store.ListSeries(ctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Series{}
	}
	return out, nil
}

// PutSeries creates or replaces a test series.
func (e *Engine) PutSeries(ctx context.Context, s Series) error {
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Title) == "" {
		return Validation("invalid_series", "series id and title are required")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = e.now()
	}
	return e.store.PutSeries(ctx, s)
}

type PaperDetail struct {
	Paper    Paper     `json:"paper"`
	Sections []Section `json:"sections"`
}

// GetPaper returns a published paper with its sections in display order.
func (e *Engine) GetPaper(ctx context.Context, paperID string) (PaperDetail, error) {
	p, err := e.store.GetPaper(ctx, paperID)
	if err != nil {
		return PaperDetail{}, err
	}
	if !p.Published() {
		return PaperDetail{}, errPaperNotFound(paperID)
	}
	sections, err := e.store.ListSections(ctx, paperID)
	if err != nil {
		return PaperDetail{}, err
	}
	return PaperDetail{Paper: p, Sections: sections}, nil
}

// ValidateDefinition checks an authoring payload for internal consistency.
func ValidateDefinition(def PaperDefinition) error {
	p := def.Paper
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Title) == "" {
		return Validation("invalid_paper", "paper id and title are required")
	}
	if p.Status != "draft" && p.Status != PaperPublished {
		return Validation("invalid_paper", "status must be draft or published")
	}
	if p.DurationMinutes < 0 || p.AttemptsAllowed < 0 {
		return Validation("invalid_paper", "duration and attempts allowed must not be negative")
	}
	if p.StartsAt != nil && p.EndsAt != nil && !p.StartsAt.Before(*p.EndsAt) {
		return Validation("invalid_window", "startsAt must be before endsAt")
	}

	sections := map[string]bool{}
	for _, s := range def.Sections {
		if s.ID == "" || strings.TrimSpace(s.Name) == "" {
			return Validation("invalid_section", "section id and name are required")
		}
		if sections[s.ID] {
			return Validation("duplicate_section", "section %s declared twice", s.ID)
		}
		if s.DurationMinutes < 0 {
			return Validation("invalid_section", "section %s has a negative duration", s.ID)
		}
		sections[s.ID] = true
	}

	questions := map[string]bool{}
	for _, q := range def.Questions {
		if q.ID == "" {
			return Validation("invalid_question", "question id is required")
		}
		if questions[q.ID] {
			return Validation("duplicate_question", "question %s declared twice", q.ID)
		}
		questions[q.ID] = true
		if strings.TrimSpace(q.Stem) == "" && q.MediaRef == "" {
			return Validation("invalid_question", "question %s has no stem", q.ID)
		}
		if len(q.Options) < 2 {
			return Validation("invalid_question", "question %s needs at least two options", q.ID)
		}
		opts := map[string]bool{}
		correct := 0
		for _, o := range q.Options {
			if o.ID == "" || opts[o.ID] {
				return Validation("invalid_option", "question %s has a missing or duplicate option id", q.ID)
			}
			opts[o.ID] = true
			if o.IsCorrect {
				correct++
			}
		}
		if correct == 0 {
			return Validation("invalid_question", "question %s has no correct option", q.ID)
		}
	}

	placed := map[string]bool{}
	for _, pq := range def.Placements {
		if !sections[pq.SectionID] {
			return Validation("invalid_placement", "question %s placed in undeclared section %s", pq.QuestionID, pq.SectionID)
		}
		if !questions[pq.QuestionID] {
			return Validation("invalid_placement", "question %s is placed but not defined", pq.QuestionID)
		}
		if placed[pq.QuestionID] {
			return Validation("invalid_placement", "question %s placed twice", pq.QuestionID)
		}
		placed[pq.QuestionID] = true
	}
	if p.Status == PaperPublished && len(placed) == 0 {
		return Validation("invalid_paper", "a published paper needs at least one question")
	}

	for _, a := range def.Assignments {
		if a.UserID == "" && a.OrganizationID == "" {
			return Validation("invalid_assignment", "assignment needs a user or an organization")
		}
	}
	return nil
}

// PutPaper validates and stores a full paper definition.
func (e *Engine) PutPaper(ctx context.Context, def PaperDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	if def.Paper.CreatedAt.IsZero() {
		def.Paper.CreatedAt = e.now()
	}
	return e.store.PutPaper(ctx, def)
}

// ListAttempts returns the user's attempts, most recent first.
func (e *Engine) ListAttempts(ctx context.Context, userID string) ([]AttemptSummary, error) {
	if userID == "" {
		return nil, newErr(KindAuthentication, "unauthenticated", "no user")
	}
	all, err := e.store.ListUserAttempts(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]AttemptSummary, len(all))
	for i, a := range all {
		out[i] = summarize(a)
	}
	return out, nil
}
