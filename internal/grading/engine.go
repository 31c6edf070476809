package grading

import "github.com/shopspring/decimal"

// Marks is a section's marking scheme. Incorrect is usually negative.
type Marks struct {
	Correct    decimal.Decimal `json:"correct"`
	Incorrect  decimal.Decimal `json:"incorrect"`
	Unanswered decimal.Decimal `json:"unanswered"`
}

// Item places a question in a section. Scoring walks items in order.
type Item struct {
	QuestionID string
	SectionID  string
}

// Row is the finalized response for one item.
type Row struct {
	QuestionID       string  `json:"questionId"`
	SelectedOptionID *string `json:"selectedOptionId"`
	IsCorrect        *bool   `json:"isCorrect"`
	TimeSpentSeconds int     `json:"timeSpentSeconds"`
	Flagged          bool    `json:"flagged"`
}

// SectionTime is the time accumulated in one section.
type SectionTime struct {
	SectionID        string `json:"sectionId"`
	TimeSpentSeconds int    `json:"timeSpentSeconds"`
}

// Result is the full outcome of scoring an attempt.
type Result struct {
	Rows             []Row           `json:"rows"`
	Sections         []SectionTime   `json:"sections"`
	TotalTimeSeconds int             `json:"totalTimeSeconds"`
	Score            decimal.Decimal `json:"score"`
	CorrectCount     int             `json:"correctCount"`
	WrongCount       int             `json:"wrongCount"`
	UnansweredCount  int             `json:"unansweredCount"`
}

// Score grades answers against the correct option sets using each item's
// section marks. Sections without a scheme score zero. The result depends
// only on the arguments: rows follow item order and sections follow the
// order in which they first appear among the items.
func Score(items []Item, answers map[string]Answer, marks map[string]Marks, correct map[string]IDSet) Result {
	res := Result{
		Rows:  make([]Row, 0, len(items)),
		Score: decimal.Zero,
	}
	sectionIdx := map[string]int{}
	addTime := func(sectionID string, secs int) {
		i, ok := sectionIdx[sectionID]
		if !ok {
			i = len(res.Sections)
			sectionIdx[sectionID] = i
			res.Sections = append(res.Sections, SectionTime{SectionID: sectionID})
		}
		res.Sections[i].TimeSpentSeconds += secs
		res.TotalTimeSeconds += secs
	}

	for _, it := range items {
		m := marks[it.SectionID]
		a, has := answers[it.QuestionID]
		row := Row{QuestionID: it.QuestionID}
		if has {
			row.TimeSpentSeconds = a.TimeSpentSeconds
			row.Flagged = a.Flagged
		}
		addTime(it.SectionID, row.TimeSpentSeconds)

		if !has || a.SelectedOptionID == nil {
			res.UnansweredCount++
			res.Score = res.Score.Add(m.Unanswered)
			res.Rows = append(res.Rows, row)
			continue
		}

		sel := *a.SelectedOptionID
		ok := correct[it.QuestionID].Has(sel)
		row.SelectedOptionID = &sel
		row.IsCorrect = &ok
		if ok {
			res.CorrectCount++
			res.Score = res.Score.Add(m.Correct)
		} else {
			res.WrongCount++
			res.Score = res.Score.Add(m.Incorrect)
		}
		res.Rows = append(res.Rows, row)
	}
	return res
}
