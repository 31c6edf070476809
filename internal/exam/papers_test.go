package exam

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefinition(t *testing.T) {
	require.NoError(t, ValidateDefinition(samplePaper()))

	start, end := t0, t0.Add(-time.Minute)
	cases := map[string]func(*PaperDefinition){
		"missing title":      func(d *PaperDefinition) { d.Paper.Title = " " },
		"bad status":         func(d *PaperDefinition) { d.Paper.Status = "archived" },
		"negative duration":  func(d *PaperDefinition) { d.Paper.DurationMinutes = -1 },
		"inverted window":    func(d *PaperDefinition) { d.Paper.StartsAt, d.Paper.EndsAt = &start, &end },
		"duplicate section":  func(d *PaperDefinition) { d.Sections[1].ID = "s1" },
		"duplicate question": func(d *PaperDefinition) { d.Questions[1].ID = "q1" },
		"one option":         func(d *PaperDefinition) { d.Questions[0].Options = d.Questions[0].Options[:1] },
		"duplicate option":   func(d *PaperDefinition) { d.Questions[0].Options[1].ID = "q1a" },
		"no correct option":  func(d *PaperDefinition) { d.Questions[0].Options[0].IsCorrect = false },
		"undeclared section": func(d *PaperDefinition) { d.Placements[0].SectionID = "s9" },
		"undefined question": func(d *PaperDefinition) { d.Placements[0].QuestionID = "q9" },
		"placed twice":       func(d *PaperDefinition) { d.Placements[1].QuestionID = "q1" },
		"empty published":    func(d *PaperDefinition) { d.Placements = nil },
		"empty assignment":   func(d *PaperDefinition) { d.Assignments = []Assignment{{ClassSection: "A"}} },
	}
	for name, edit := range cases {
		def := samplePaper()
		edit(&def)
		err := ValidateDefinition(def)
		assert.ErrorIs(t, err, ErrValidation, name)
	}
}

func TestPutPaper_ComputesQuestionCounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		h := newHarness(t, newStore(t), PaperDefinition{})
		ctx := context.Background()
		require.NoError(t, h.engine.PutPaper(ctx, samplePaper()))

		got, err := h.engine.GetPaper(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Physics Mock 1", got.Paper.Title)
		require.Len(t, got.Sections, 2)
		assert.Equal(t, 2, got.Sections[0].QuestionCount)
		assert.Equal(t, 1, got.Sections[1].QuestionCount)
		assert.True(t, got.Sections[0].Marks.Incorrect.Equal(dec("-1")))

		bad := samplePaper()
		bad.Questions[0].Options = nil
		assert.ErrorIs(t, h.engine.PutPaper(ctx, bad), ErrValidation)
	})
}

func catalogPaper(id, title string, edit func(*Paper)) PaperDefinition {
	def := samplePaper()
	def.Paper.ID = id
	def.Paper.Title = title
	if edit != nil {
		edit(&def.Paper)
	}
	return def
}

func TestListPapers(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		h := newHarness(t, newStore(t), PaperDefinition{})
		ctx := context.Background()
		later, earlier := t0.Add(time.Hour), t0.Add(-time.Hour)

		restricted := catalogPaper("p5", "Restricted", nil)
		restricted.Assignments = []Assignment{{UserID: "someone-else"}}
		for _, def := range []PaperDefinition{
			catalogPaper("p1", "Optics drill", func(p *Paper) { p.SeriesID = "jee-main" }),
			catalogPaper("p2", "Upcoming mock", func(p *Paper) { p.StartsAt = &later }),
			catalogPaper("p3", "Last week", func(p *Paper) {
				p.EndsAt = &earlier
				p.SeriesID = "jee-main"
				p.DurationMinutes = 180
			}),
			catalogPaper("p4", "Draft", func(p *Paper) { p.Status = "draft" }),
			restricted,
		} {
			require.NoError(t, h.store.PutPaper(ctx, def))
		}

		ids := func(q CatalogQuery) []string {
			c, err := h.engine.ListPapers(ctx, "u1", q)
			require.NoError(t, err)
			out := []string{}
			for _, p := range c.Data {
				out = append(out, p.ID)
			}
			return out
		}
		assert.Equal(t, []string{"p1"}, ids(CatalogQuery{}))
		assert.Equal(t, []string{"p2"}, ids(CatalogQuery{Status: "upcoming"}))
		assert.Equal(t, []string{"p3"}, ids(CatalogQuery{Status: "completed"}))
		assert.Equal(t, []string{"p1", "p2", "p3"}, ids(CatalogQuery{Status: "all"}))
		assert.Equal(t, []string{"p1"}, ids(CatalogQuery{Status: "all", Q: "OPTICS"}))
		assert.Equal(t, []string{"p2"}, ids(CatalogQuery{Status: "all", Page: 2, PageSize: 1}))
		assert.Equal(t, []string{}, ids(CatalogQuery{Status: "all", Page: 9, PageSize: 1}))
		assert.Equal(t, []string{"p1", "p3"}, ids(CatalogQuery{Status: "all", SeriesID: "jee-main"}))
		assert.Equal(t, []string{"p1"}, ids(CatalogQuery{SeriesID: "jee-main"}))
		assert.Equal(t, []string{}, ids(CatalogQuery{Status: "all", SeriesID: "neet"}))
		assert.Equal(t, []string{"p3"}, ids(CatalogQuery{Status: "all", MinDuration: 61}))
		assert.Equal(t, []string{"p1", "p2"}, ids(CatalogQuery{Status: "all", MaxDuration: 60}))
		assert.Equal(t, []string{"p1", "p2", "p3"}, ids(CatalogQuery{Status: "all", MinDuration: 60, MaxDuration: 180}))
		assert.Equal(t, []string{}, ids(CatalogQuery{Status: "all", MinDuration: 90, MaxDuration: 120}))

		c, err := h.engine.ListPapers(ctx, "u1", CatalogQuery{})
		require.NoError(t, err)
		assert.Equal(t, 1, c.Total)
		assert.Equal(t, 2, c.Data[0].SectionCount)
		assert.Equal(t, 3, c.Data[0].TotalQuestions)
	})
}

func TestListSeries_PublishedOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		h := newHarness(t, newStore(t), PaperDefinition{})
		ctx := context.Background()

		got, err := h.engine.ListSeries(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)

		require.NoError(t, h.engine.PutSeries(ctx, Series{ID: "neet", Title: "NEET 2025", Published: true}))
		require.NoError(t, h.engine.PutSeries(ctx, Series{ID: "draft", Title: "Unreleased"}))
		require.NoError(t, h.engine.PutSeries(ctx, Series{ID: "jee-main", Title: "JEE Main", Published: true}))
		require.NoError(t, h.engine.PutSeries(ctx, Series{ID: "neet", Title: "NEET 2025 Full", Published: true}))

		got, err = h.engine.ListSeries(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "jee-main", got[0].ID)
		assert.Equal(t, "NEET 2025 Full", got[1].Title)
		assert.True(t, got[1].CreatedAt.Equal(t0), got[1].CreatedAt)

		err = h.engine.PutSeries(ctx, Series{ID: "x"})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestListAttempts_MostRecentFirst(t *testing.T) {
	def := samplePaper()
	def.Paper.AttemptsAllowed = 0
	h := newHarness(t, NewInMemoryStore(), def)

	first := submitAs(t, h, "u1")
	h.clock.Advance(time.Hour)
	second := submitAs(t, h, "u1")
	h.clock.Advance(time.Hour)
	running := h.start(t, "u1")

	got, err := h.engine.ListAttempts(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{running.Attempt.ID, second, first}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, StatusInProgress, got[0].Status)

	_, err = h.engine.ListAttempts(context.Background(), "")
	assert.ErrorIs(t, err, ErrAuthentication)
}
