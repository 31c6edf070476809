// Package formats holds the marking schemes of common competitive exam
// profiles so authors can name one instead of spelling out marks.
package formats

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mind-engage/mindengage-exams/internal/grading"
)

// Profile is a named marking scheme.
type Profile struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Marks       grading.Marks `json:"marks"`
}

func marks(c, i, u int64) grading.Marks {
	return grading.Marks{
		Correct:    decimal.NewFromInt(c),
		Incorrect:  decimal.NewFromInt(i),
		Unanswered: decimal.NewFromInt(u),
	}
}

var profiles = map[string]Profile{
	"jee":   {Name: "jee", Description: "JEE Main single-correct MCQ", Marks: marks(4, -1, 0)},
	"neet":  {Name: "neet", Description: "NEET MCQ", Marks: marks(4, -1, 0)},
	"cat":   {Name: "cat", Description: "CAT MCQ", Marks: marks(3, -1, 0)},
	"sat":   {Name: "sat", Description: "SAT raw score, no penalty", Marks: marks(1, 0, 0)},
	"plain": {Name: "plain", Description: "one mark per correct answer", Marks: marks(1, 0, 0)},
}

// Lookup returns the profile by case-insensitive name.
func Lookup(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("unknown marking scheme %q", name)
	}
	return p, nil
}

// Names lists the known profiles, sorted.
func Names() []string {
	out := make([]string, 0, len(profiles))
	for n := range profiles {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Resolve picks the section marks. Non-zero explicit marks win over the
// named scheme; with no scheme the explicit marks are returned as given.
func Resolve(scheme string, explicit grading.Marks) (grading.Marks, error) {
	if scheme == "" || !isZero(explicit) {
		return explicit, nil
	}
	p, err := Lookup(scheme)
	if err != nil {
		return grading.Marks{}, err
	}
	return p.Marks, nil
}

func isZero(m grading.Marks) bool {
	return m.Correct.IsZero() && m.Incorrect.IsZero() && m.Unanswered.IsZero()
}
