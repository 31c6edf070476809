package exam

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mind-engage/mindengage-exams/internal/grading"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
)

// MemoryStore keeps everything behind one mutex, which makes every method
// trivially atomic. Used by tests and by offline demos.
type MemoryStore struct {
	mu          sync.RWMutex
	series      map[string]Series
	papers      map[string]Paper
	sections    map[string][]Section
	placements  map[string][]PaperQuestion
	questions   map[string]Question
	assignments map[string][]Assignment
	memberships map[string][]Membership
	attempts    map[string]Attempt
	snapshots   map[string][]AttemptQuestion
	responses   map[string]map[string]Response
	attemptSecs map[string][]AttemptSection
	events      []syncx.Event
}

func NewInMemoryStore() *MemoryStore {
	return &MemoryStore{
		series:      map[string]Series{},
		papers:      map[string]Paper{},
		sections:    map[string][]Section{},
		placements:  map[string][]PaperQuestion{},
		questions:   map[string]Question{},
		assignments: map[string][]Assignment{},
		memberships: map[string][]Membership{},
		attempts:    map[string]Attempt{},
		snapshots:   map[string][]AttemptQuestion{},
		responses:   map[string]map[string]Response{},
		attemptSecs: map[string][]AttemptSection{},
	}
}

// AddMembership registers a user in an organization.
func (m *MemoryStore) AddMembership(mb Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[mb.UserID] = append(m.memberships[mb.UserID], mb)
}

// Events returns a copy of the appended event log.
func (m *MemoryStore) Events() []syncx.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]syncx.Event(nil), m.events...)
}

func (m *MemoryStore) GetPaper(_ context.Context, id string) (Paper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.papers[id]
	if !ok {
		return Paper{}, errPaperNotFound(id)
	}
	return p, nil
}

func (m *MemoryStore) ListPapers(_ context.Context) ([]Paper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Paper
	for _, p := range m.papers {
		if p.Published() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListSections(_ context.Context, paperID string) ([]Section, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Section(nil), m.sections[paperID]...), nil
}

func (m *MemoryStore) ListPaperQuestions(_ context.Context, paperID string) ([]PaperQuestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PaperQuestion(nil), m.placements[paperID]...), nil
}

func (m *MemoryStore) GetQuestions(_ context.Context, ids []string) (map[string]Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Question, len(ids))
	for _, id := range ids {
		if q, ok := m.questions[id]; ok {
			q.Options = append([]Option(nil), q.Options...)
			out[id] = q
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAssignments(_ context.Context, paperID string) ([]Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Assignment(nil), m.assignments[paperID]...), nil
}

func (m *MemoryStore) ListMemberships(_ context.Context, userID string) ([]Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Membership(nil), m.memberships[userID]...), nil
}

func (m *MemoryStore) PutSeries(_ context.Context, sr Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.series[sr.ID]; ok {
		sr.CreatedAt = old.CreatedAt
	} else if sr.CreatedAt.IsZero() {
		sr.CreatedAt = time.Now().UTC()
	}
	m.series[sr.ID] = sr
	return nil
}

func (m *MemoryStore) ListSeries(_ context.Context) ([]Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Series
	for _, sr := range m.series {
		if sr.Published {
			out = append(out, sr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) PutPaper(_ context.Context, def PaperDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := def.Paper
	if old, ok := m.papers[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.papers[p.ID] = p

	perSection := map[string]int{}
	for _, pq := range def.Placements {
		perSection[pq.SectionID]++
	}
	secs := make([]Section, len(def.Sections))
	for i, s := range def.Sections {
		s.PaperID = p.ID
		s.QuestionCount = perSection[s.ID]
		secs[i] = s
	}
	sort.SliceStable(secs, func(i, j int) bool {
		if secs[i].DisplayOrder != secs[j].DisplayOrder {
			return secs[i].DisplayOrder < secs[j].DisplayOrder
		}
		return secs[i].ID < secs[j].ID
	})
	m.sections[p.ID] = secs

	for _, q := range def.Questions {
		q.Options = append([]Option(nil), q.Options...)
		m.questions[q.ID] = q
	}
	pqs := make([]PaperQuestion, len(def.Placements))
	for i, pq := range def.Placements {
		pq.PaperID = p.ID
		pqs[i] = pq
	}
	sort.SliceStable(pqs, func(i, j int) bool {
		if pqs[i].Position != pqs[j].Position {
			return pqs[i].Position < pqs[j].Position
		}
		return pqs[i].QuestionID < pqs[j].QuestionID
	})
	m.placements[p.ID] = pqs
	m.assignments[p.ID] = append([]Assignment(nil), def.Assignments...)
	return nil
}

func (m *MemoryStore) findActiveLocked(userID, paperID string) (Attempt, bool) {
	for _, a := range m.attempts {
		if a.UserID == userID && a.PaperID == paperID && a.Status == StatusInProgress {
			return a, true
		}
	}
	return Attempt{}, false
}

func (m *MemoryStore) FindActiveAttempt(_ context.Context, userID, paperID string) (Attempt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.findActiveLocked(userID, paperID)
	return a, ok, nil
}

func (m *MemoryStore) CountFinishedAttempts(_ context.Context, userID, paperID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attempts {
		if a.UserID == userID && a.PaperID == paperID && a.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateAttempt(_ context.Context, a Attempt, qs []AttemptQuestion) (Attempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ex, ok := m.findActiveLocked(a.UserID, a.PaperID); ok {
		return ex, false, nil
	}
	if err := m.putSnapshotLocked(a.ID, qs); err != nil {
		return Attempt{}, false, err
	}
	m.attempts[a.ID] = a
	return a, true, nil
}

func (m *MemoryStore) GetAttempt(_ context.Context, id string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	if !ok {
		return Attempt{}, errAttemptNotFound(id)
	}
	return a, nil
}

func (m *MemoryStore) SetAttemptEndsAt(_ context.Context, id string, endsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return errAttemptNotFound(id)
	}
	if a.EndsAt == nil {
		a.EndsAt = &endsAt
		m.attempts[id] = a
	}
	return nil
}

func (m *MemoryStore) filterAttempts(keep func(Attempt) bool) []Attempt {
	var out []Attempt
	for _, a := range m.attempts {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (m *MemoryStore) ListUserAttempts(_ context.Context, userID string) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterAttempts(func(a Attempt) bool { return a.UserID == userID })
	key := func(a Attempt) time.Time {
		if a.SubmittedAt != nil {
			return *a.SubmittedAt
		}
		return a.StartedAt
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := key(out[i]), key(out[j])
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListFinishedAttempts(_ context.Context, paperID string) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterAttempts(func(a Attempt) bool {
		return a.PaperID == paperID && a.Status.Terminal() && a.Score.Valid
	}), nil
}

func (m *MemoryStore) ListOverdueAttempts(_ context.Context, now time.Time) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterAttempts(func(a Attempt) bool {
		if a.Status != StatusInProgress {
			return false
		}
		return a.Expired(now) || m.papers[a.PaperID].Closed(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) ListAttemptQuestions(_ context.Context, attemptID string) ([]AttemptQuestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AttemptQuestion(nil), m.snapshots[attemptID]...), nil
}

func (m *MemoryStore) InsertAttemptQuestions(_ context.Context, attemptID string, qs []AttemptQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots[attemptID]) > 0 {
		return errSnapshotExists
	}
	return m.putSnapshotLocked(attemptID, qs)
}

func (m *MemoryStore) putSnapshotLocked(attemptID string, qs []AttemptQuestion) error {
	for _, aq := range qs {
		if err := aq.Snapshot.Validate(); err != nil {
			return err
		}
	}
	cp := make([]AttemptQuestion, len(qs))
	for i, aq := range qs {
		aq.Snapshot.Options = append([]SnapshotOption(nil), aq.Snapshot.Options...)
		cp[i] = aq
	}
	m.snapshots[attemptID] = cp
	return nil
}

func (m *MemoryStore) inProgressLocked(attemptID string) (Attempt, error) {
	a, ok := m.attempts[attemptID]
	if !ok {
		return Attempt{}, errAttemptNotFound(attemptID)
	}
	if a.Status != StatusInProgress {
		return Attempt{}, errNotInProgress(attemptID, a.Status)
	}
	return a, nil
}

func (m *MemoryStore) SaveResponses(_ context.Context, attemptID string, rows []Response, layout []grading.Item, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.inProgressLocked(attemptID)
	if err != nil {
		return err
	}
	cur := m.responses[attemptID]
	if cur == nil {
		cur = map[string]Response{}
		m.responses[attemptID] = cur
	}
	for _, r := range rows {
		r.AttemptID = attemptID
		cur[r.QuestionID] = r
	}
	all := make([]Response, 0, len(cur))
	for _, r := range cur {
		all = append(all, r)
	}
	secs, total := sectionTotals(attemptID, layout, all)
	m.attemptSecs[attemptID] = secs
	a.TotalTimeSeconds = total
	a.LastActiveAt = &now
	m.attempts[attemptID] = a
	return nil
}

func (m *MemoryStore) FinalizeAttempt(_ context.Context, f Finalization) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.inProgressLocked(f.AttemptID)
	if err != nil {
		return Attempt{}, err
	}
	at := f.SubmittedAt
	a.Status = f.Status
	a.SubmittedAt = &at
	a.LastActiveAt = &at
	a.Score = decimal.NullDecimal{Decimal: f.Score, Valid: true}
	a.CorrectCount = f.CorrectCount
	a.WrongCount = f.WrongCount
	a.UnansweredCount = f.UnansweredCount
	a.TotalTimeSeconds = f.TotalTimeSeconds
	m.attempts[a.ID] = a

	cur := make(map[string]Response, len(f.Responses))
	for _, r := range f.Responses {
		r.AttemptID = a.ID
		cur[r.QuestionID] = r
	}
	m.responses[a.ID] = cur
	m.attemptSecs[a.ID] = append([]AttemptSection(nil), f.Sections...)
	if f.Event.Type != "" {
		ev := f.Event
		ev.Seq = int64(len(m.events) + 1)
		m.events = append(m.events, ev)
	}
	return a, nil
}

func (m *MemoryStore) Touch(_ context.Context, attemptID string, now time.Time, clientElapsed *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.inProgressLocked(attemptID)
	if err != nil {
		return err
	}
	a.LastActiveAt = &now
	if clientElapsed != nil {
		v := *clientElapsed
		a.ClientElapsedSeconds = &v
	}
	m.attempts[attemptID] = a
	return nil
}

func (m *MemoryStore) RecordFocusLoss(_ context.Context, attemptID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.inProgressLocked(attemptID)
	if err != nil {
		return 0, err
	}
	a.FocusLossCount++
	a.LastFocusLossAt = &now
	m.attempts[attemptID] = a
	return a.FocusLossCount, nil
}

func (m *MemoryStore) ListResponses(_ context.Context, attemptID string) ([]Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Response, 0, len(m.responses[attemptID]))
	for _, r := range m.responses[attemptID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (m *MemoryStore) ListAttemptSections(_ context.Context, attemptID string) ([]AttemptSection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]AttemptSection(nil), m.attemptSecs[attemptID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].SectionID < out[j].SectionID })
	return out, nil
}

func (m *MemoryStore) PurgeFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, a := range m.attempts {
		if !a.Status.Terminal() || a.SubmittedAt == nil || !a.SubmittedAt.Before(cutoff) {
			continue
		}
		delete(m.attempts, id)
		delete(m.snapshots, id)
		delete(m.responses, id)
		delete(m.attemptSecs, id)
		n++
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
