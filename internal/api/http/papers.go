package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/formats"
	"github.com/mind-engage/mindengage-exams/internal/grading"
)

// GET /papers?status=available|upcoming|completed|all&q=...&seriesId=...&minDuration=&maxDuration=&page=1&pageSize=20
func ListPapersHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		status := strings.ToLower(strings.TrimSpace(q.Get("status")))
		if err := validate.Var(status, "omitempty,oneof=available upcoming completed all"); err != nil {
			badRequest(w, "invalid_status", "status must be available, upcoming, completed or all")
			return
		}
		minDur, maxDur := parseIntDefault(q.Get("minDuration"), 0), parseIntDefault(q.Get("maxDuration"), 0)
		if maxDur > 0 && minDur > maxDur {
			badRequest(w, "invalid_duration", "minDuration must not exceed maxDuration")
			return
		}
		cat, err := eng.ListPapers(r.Context(), subject(r), exam.CatalogQuery{
			Status:      status,
			Q:           strings.TrimSpace(q.Get("q")),
			SeriesID:    strings.TrimSpace(q.Get("seriesId")),
			MinDuration: minDur,
			MaxDuration: maxDur,
			Page:        parseIntDefault(q.Get("page"), 1),
			PageSize:    parseIntDefault(q.Get("pageSize"), 20),
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, cat)
	}
}

// GET /series lists published test series.
func ListSeriesHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		series, err := eng.ListSeries(r.Context())
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": series})
	}
}

type putSeriesRequest struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description"`
	Published   bool   `json:"published"`
}

// PUT /series/{seriesID}
func PutSeriesHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "seriesID"))
		if err := validate.Var(id, "required,max=64"); err != nil {
			badRequest(w, "invalid_series", "series id is required")
			return
		}
		var req putSeriesRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		s := exam.Series{ID: id, Title: strings.TrimSpace(req.Title), Description: req.Description, Published: req.Published}
		if err := eng.PutSeries(r.Context(), s); err != nil {
			writeError(w, log, err)
			return
		}
		log.WithField("series_id", id).WithField("by", subject(r)).Info("series saved")
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "published": req.Published})
	}
}

func GetPaperHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := eng.GetPaper(r.Context(), chi.URLParam(r, "paperID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

type sectionDTO struct {
	ID              string        `json:"id" validate:"required,max=64"`
	Name            string        `json:"name" validate:"required,max=200"`
	Scheme          string        `json:"scheme" validate:"max=32"` // formats profile, used when marks are all zero
	Marks           grading.Marks `json:"marks"`
	DisplayOrder    int           `json:"displayOrder"`
	DurationMinutes int           `json:"durationMinutes" validate:"gte=0"`
}

type optionDTO struct {
	ID        string `json:"id" validate:"required,max=64"`
	Label     string `json:"label" validate:"max=16"`
	Text      string `json:"text"`
	MediaRef  string `json:"mediaRef"`
	IsCorrect bool   `json:"isCorrect"`
}

type questionDTO struct {
	ID          string      `json:"id" validate:"required,max=64"`
	Stem        string      `json:"stem"`
	MediaRef    string      `json:"mediaRef"`
	Subject     string      `json:"subject" validate:"max=100"`
	Topic       string      `json:"topic" validate:"max=100"`
	Subtopic    string      `json:"subtopic" validate:"max=100"`
	Difficulty  string      `json:"difficulty" validate:"max=32"`
	Explanation string      `json:"explanation"`
	Options     []optionDTO `json:"options" validate:"min=2,dive"`
}

type placementDTO struct {
	QuestionID string `json:"questionId" validate:"required"`
	SectionID  string `json:"sectionId" validate:"required"`
	Position   int    `json:"position" validate:"gte=0"`
}

type assignmentDTO struct {
	UserID         string `json:"userId" validate:"required_without=OrganizationID"`
	OrganizationID string `json:"organizationId"`
	ClassSection   string `json:"classSection"`
}

// putPaperRequest is the authoring payload. Cross-field rules (placements
// pointing at declared sections, one correct option, window order) are
// checked by exam.ValidateDefinition.
type putPaperRequest struct {
	SeriesID         string          `json:"seriesId" validate:"max=64"`
	Title            string          `json:"title" validate:"required,max=200"`
	Description      string          `json:"description"`
	Status           string          `json:"status" validate:"required,oneof=draft published"`
	DurationMinutes  int             `json:"durationMinutes" validate:"gte=0"`
	AttemptsAllowed  int             `json:"attemptsAllowed" validate:"gte=0"`
	StartsAt         *time.Time      `json:"startsAt"`
	EndsAt           *time.Time      `json:"endsAt"`
	ShuffleQuestions bool            `json:"shuffleQuestions"`
	ShuffleOptions   bool            `json:"shuffleOptions"`
	Sections         []sectionDTO    `json:"sections" validate:"dive"`
	Questions        []questionDTO   `json:"questions" validate:"dive"`
	Placements       []placementDTO  `json:"placements" validate:"dive"`
	Assignments      []assignmentDTO `json:"assignments" validate:"dive"`
}

func (p putPaperRequest) definition(id string) (exam.PaperDefinition, error) {
	def := exam.PaperDefinition{
		Paper: exam.Paper{
			ID:               id,
			SeriesID:         strings.TrimSpace(p.SeriesID),
			Title:            strings.TrimSpace(p.Title),
			Description:      p.Description,
			Status:           p.Status,
			DurationMinutes:  p.DurationMinutes,
			AttemptsAllowed:  p.AttemptsAllowed,
			StartsAt:         p.StartsAt,
			EndsAt:           p.EndsAt,
			ShuffleQuestions: p.ShuffleQuestions,
			ShuffleOptions:   p.ShuffleOptions,
		},
	}
	for _, s := range p.Sections {
		m, err := formats.Resolve(s.Scheme, s.Marks)
		if err != nil {
			return exam.PaperDefinition{}, exam.Validation("invalid_scheme", "section %s: %v", s.ID, err)
		}
		def.Sections = append(def.Sections, exam.Section{
			ID:              s.ID,
			PaperID:         id,
			Name:            s.Name,
			Marks:           m,
			DisplayOrder:    s.DisplayOrder,
			DurationMinutes: s.DurationMinutes,
		})
	}
	for _, q := range p.Questions {
		eq := exam.Question{
			ID:          q.ID,
			Stem:        q.Stem,
			MediaRef:    q.MediaRef,
			Subject:     q.Subject,
			Topic:       q.Topic,
			Subtopic:    q.Subtopic,
			Difficulty:  q.Difficulty,
			Explanation: q.Explanation,
		}
		for _, o := range q.Options {
			eq.Options = append(eq.Options, exam.Option(o))
		}
		def.Questions = append(def.Questions, eq)
	}
	for _, pl := range p.Placements {
		def.Placements = append(def.Placements, exam.PaperQuestion{
			PaperID:    id,
			QuestionID: pl.QuestionID,
			SectionID:  pl.SectionID,
			Position:   pl.Position,
		})
	}
	for _, a := range p.Assignments {
		def.Assignments = append(def.Assignments, exam.Assignment{
			PaperID:        id,
			UserID:         a.UserID,
			OrganizationID: a.OrganizationID,
			ClassSection:   a.ClassSection,
		})
	}
	return def, nil
}

// PUT /papers/{paperID}
func PutPaperHandler(eng *exam.Engine, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "paperID"))
		if err := validate.Var(id, "required,max=64"); err != nil {
			badRequest(w, "invalid_paper", "paper id is required")
			return
		}
		var req putPaperRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		def, err := req.definition(id)
		if err != nil {
			writeError(w, log, err)
			return
		}
		if err := eng.PutPaper(r.Context(), def); err != nil {
			writeError(w, log, err)
			return
		}
		log.WithField("paper_id", id).WithField("by", subject(r)).Info("paper saved")
		if req.Status != exam.PaperPublished {
			writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
			return
		}
		detail, err := eng.GetPaper(r.Context(), id)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}
