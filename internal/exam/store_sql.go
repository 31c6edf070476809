package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-exams/internal/db"
	"github.com/mind-engage/mindengage-exams/internal/grading"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
}

func NewSQLStore(sqlDB *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: sqlDB, driver: driver}
}

const paperCols = `id,series_id,title,description,status,duration_minutes,attempts_allowed,starts_at,ends_at,shuffle_questions,shuffle_options,created_at`

type scanner interface{ Scan(dest ...any) error }

func scanPaper(r scanner) (Paper, error) {
	var p Paper
	var starts, ends sql.NullInt64
	var created int64
	if err := r.Scan(&p.ID, &p.SeriesID, &p.Title, &p.Description, &p.Status, &p.DurationMinutes, &p.AttemptsAllowed,
		&starts, &ends, &p.ShuffleQuestions, &p.ShuffleOptions, &created); err != nil {
		return Paper{}, err
	}
	p.StartsAt = db.FromNullUnix(starts)
	p.EndsAt = db.FromNullUnix(ends)
	p.CreatedAt = time.Unix(created, 0).UTC()
	return p, nil
}

func (s *SQLStore) GetPaper(ctx context.Context, id string) (Paper, error) {
	p, err := scanPaper(s.db.QueryRowContext(ctx, `SELECT `+paperCols+` FROM papers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Paper{}, errPaperNotFound(id)
	}
	if err != nil {
		return Paper{}, fmt.Errorf("get paper: %w", err)
	}
	return p, nil
}

func (s *SQLStore) ListPapers(ctx context.Context) ([]Paper, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paperCols+` FROM papers WHERE status=$1 ORDER BY id`, PaperPublished)
	if err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}
	defer rows.Close()
	var out []Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListSections(ctx context.Context, paperID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id,paper_id,name,marks_correct,marks_incorrect,marks_unanswered,display_order,duration_minutes,question_count
		  FROM sections WHERE paper_id=$1 ORDER BY display_order, id`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()
	var out []Section
	for rows.Next() {
		var sec Section
		if err := rows.Scan(&sec.ID, &sec.PaperID, &sec.Name, &sec.Marks.Correct, &sec.Marks.Incorrect,
			&sec.Marks.Unanswered, &sec.DisplayOrder, &sec.DurationMinutes, &sec.QuestionCount); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListPaperQuestions(ctx context.Context, paperID string) ([]PaperQuestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT paper_id,question_id,section_id,position FROM paper_questions
		 WHERE paper_id=$1 ORDER BY position, question_id`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list paper questions: %w", err)
	}
	defer rows.Close()
	var out []PaperQuestion
	for rows.Next() {
		var pq PaperQuestion
		if err := rows.Scan(&pq.PaperID, &pq.QuestionID, &pq.SectionID, &pq.Position); err != nil {
			return nil, err
		}
		out = append(out, pq)
	}
	return out, rows.Err()
}

// placeholders returns "$from,$from+1,..." for n arguments.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(parts, ",")
}

func (s *SQLStore) GetQuestions(ctx context.Context, ids []string) (map[string]Question, error) {
	out := make(map[string]Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	in := placeholders(1, len(ids))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id,stem,media_ref,subject,topic,subtopic,difficulty,explanation
		  FROM questions WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get questions: %w", err)
	}
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.Stem, &q.MediaRef, &q.Subject, &q.Topic, &q.Subtopic, &q.Difficulty, &q.Explanation); err != nil {
			rows.Close()
			return nil, err
		}
		out[q.ID] = q
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orows, err := s.db.QueryContext(ctx, `
		SELECT question_id,id,label,text,media_ref,is_correct
		  FROM options WHERE question_id IN (`+in+`) ORDER BY question_id, position`, args...)
	if err != nil {
		return nil, fmt.Errorf("get options: %w", err)
	}
	defer orows.Close()
	for orows.Next() {
		var qid string
		var o Option
		if err := orows.Scan(&qid, &o.ID, &o.Label, &o.Text, &o.MediaRef, &o.IsCorrect); err != nil {
			return nil, err
		}
		if q, ok := out[qid]; ok {
			q.Options = append(q.Options, o)
			out[qid] = q
		}
	}
	return out, orows.Err()
}

func (s *SQLStore) ListAssignments(ctx context.Context, paperID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT paper_id,user_id,organization_id,class_section FROM paper_assignments WHERE paper_id=$1`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.PaperID, &a.UserID, &a.OrganizationID, &a.ClassSection); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id,organization_id,class_section FROM organization_members WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &m.ClassSection); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutSeries(ctx context.Context, sr Series) error {
	created := sr.CreatedAt.Unix()
	if sr.CreatedAt.IsZero() {
		created = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_series (id,title,description,published,created_at) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, description=EXCLUDED.description,
		  published=EXCLUDED.published`,
		sr.ID, sr.Title, sr.Description, sr.Published, created)
	if err != nil {
		return fmt.Errorf("upsert series %s: %w", sr.ID, err)
	}
	return nil
}

func (s *SQLStore) ListSeries(ctx context.Context) ([]Series, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id,title,description,published,created_at FROM test_series WHERE published=$1 ORDER BY id`, true)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()
	var out []Series
	for rows.Next() {
		var sr Series
		var created int64
		if err := rows.Scan(&sr.ID, &sr.Title, &sr.Description, &sr.Published, &created); err != nil {
			return nil, err
		}
		sr.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutPaper(ctx context.Context, def PaperDefinition) error {
	p := def.Paper
	now := time.Now().Unix()
	created := p.CreatedAt.Unix()
	if p.CreatedAt.IsZero() {
		created = now
	}
	perSection := map[string]int{}
	for _, pq := range def.Placements {
		perSection[pq.SectionID]++
	}
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO papers (`+paperCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (id) DO UPDATE SET series_id=EXCLUDED.series_id, title=EXCLUDED.title, description=EXCLUDED.description,
			  status=EXCLUDED.status, duration_minutes=EXCLUDED.duration_minutes,
			  attempts_allowed=EXCLUDED.attempts_allowed, starts_at=EXCLUDED.starts_at, ends_at=EXCLUDED.ends_at,
			  shuffle_questions=EXCLUDED.shuffle_questions, shuffle_options=EXCLUDED.shuffle_options`,
			p.ID, p.SeriesID, p.Title, p.Description, p.Status, p.DurationMinutes, p.AttemptsAllowed,
			db.NullUnix(p.StartsAt), db.NullUnix(p.EndsAt), p.ShuffleQuestions, p.ShuffleOptions, created); err != nil {
			return fmt.Errorf("upsert paper: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE paper_id=$1`, p.ID); err != nil {
			return err
		}
		for _, sec := range def.Sections {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sections (paper_id,id,name,marks_correct,marks_incorrect,marks_unanswered,display_order,duration_minutes,question_count)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				p.ID, sec.ID, sec.Name, sec.Marks.Correct, sec.Marks.Incorrect, sec.Marks.Unanswered,
				sec.DisplayOrder, sec.DurationMinutes, perSection[sec.ID]); err != nil {
				return fmt.Errorf("insert section %s: %w", sec.ID, err)
			}
		}

		for _, q := range def.Questions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO questions (id,stem,media_ref,subject,topic,subtopic,difficulty,explanation,updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (id) DO UPDATE SET stem=EXCLUDED.stem, media_ref=EXCLUDED.media_ref,
				  subject=EXCLUDED.subject, topic=EXCLUDED.topic, subtopic=EXCLUDED.subtopic,
				  difficulty=EXCLUDED.difficulty, explanation=EXCLUDED.explanation, updated_at=EXCLUDED.updated_at`,
				q.ID, q.Stem, q.MediaRef, q.Subject, q.Topic, q.Subtopic, q.Difficulty, q.Explanation, now); err != nil {
				return fmt.Errorf("upsert question %s: %w", q.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM options WHERE question_id=$1`, q.ID); err != nil {
				return err
			}
			for i, o := range q.Options {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO options (question_id,id,position,label,text,media_ref,is_correct)
					VALUES ($1,$2,$3,$4,$5,$6,$7)`,
					q.ID, o.ID, i, o.Label, o.Text, o.MediaRef, o.IsCorrect); err != nil {
					return fmt.Errorf("insert option %s/%s: %w", q.ID, o.ID, err)
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM paper_questions WHERE paper_id=$1`, p.ID); err != nil {
			return err
		}
		for _, pq := range def.Placements {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO paper_questions (paper_id,question_id,section_id,position) VALUES ($1,$2,$3,$4)`,
				p.ID, pq.QuestionID, pq.SectionID, pq.Position); err != nil {
				return fmt.Errorf("place question %s: %w", pq.QuestionID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM paper_assignments WHERE paper_id=$1`, p.ID); err != nil {
			return err
		}
		for _, a := range def.Assignments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO paper_assignments (paper_id,user_id,organization_id,class_section) VALUES ($1,$2,$3,$4)`,
				p.ID, a.UserID, a.OrganizationID, a.ClassSection); err != nil {
				return err
			}
		}
		return nil
	})
}

const attemptCols = `a.id,a.paper_id,a.user_id,a.status,a.attempt_number,a.started_at,a.ends_at,a.submitted_at,
	a.last_active_at,a.score,a.correct_count,a.wrong_count,a.unanswered_count,a.total_time_seconds,
	a.client_elapsed_seconds,a.focus_loss_count,a.last_focus_loss_at,a.ip_address,a.user_agent,a.device_fingerprint`

func scanAttempt(r scanner) (Attempt, error) {
	var a Attempt
	var started int64
	var ends, submitted, lastActive, lastFocus, clientElapsed sql.NullInt64
	if err := r.Scan(&a.ID, &a.PaperID, &a.UserID, &a.Status, &a.AttemptNumber, &started, &ends, &submitted,
		&lastActive, &a.Score, &a.CorrectCount, &a.WrongCount, &a.UnansweredCount, &a.TotalTimeSeconds,
		&clientElapsed, &a.FocusLossCount, &lastFocus, &a.IPAddress, &a.UserAgent, &a.DeviceFingerprint); err != nil {
		return Attempt{}, err
	}
	a.StartedAt = time.Unix(started, 0).UTC()
	a.EndsAt = db.FromNullUnix(ends)
	a.SubmittedAt = db.FromNullUnix(submitted)
	a.LastActiveAt = db.FromNullUnix(lastActive)
	a.LastFocusLossAt = db.FromNullUnix(lastFocus)
	if clientElapsed.Valid {
		v := int(clientElapsed.Int64)
		a.ClientElapsedSeconds = &v
	}
	return a, nil
}

func queryAttempts(ctx context.Context, q querier, query string, args ...any) ([]Attempt, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func findActive(ctx context.Context, q querier, userID, paperID string) (Attempt, bool, error) {
	a, err := scanAttempt(q.QueryRowContext(ctx,
		`SELECT `+attemptCols+` FROM attempts a WHERE a.user_id=$1 AND a.paper_id=$2 AND a.status=$3`,
		userID, paperID, StatusInProgress))
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, false, nil
	}
	if err != nil {
		return Attempt{}, false, err
	}
	return a, true, nil
}

func (s *SQLStore) FindActiveAttempt(ctx context.Context, userID, paperID string) (Attempt, bool, error) {
	a, ok, err := findActive(ctx, s.db, userID, paperID)
	if err != nil {
		return Attempt{}, false, fmt.Errorf("find active attempt: %w", err)
	}
	return a, ok, nil
}

func (s *SQLStore) CountFinishedAttempts(ctx context.Context, userID, paperID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM attempts WHERE user_id=$1 AND paper_id=$2 AND status IN ($3,$4,$5)`,
		userID, paperID, StatusSubmitted, StatusAutoSubmitted, StatusExpired).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count finished attempts: %w", err)
	}
	return n, nil
}

func (s *SQLStore) CreateAttempt(ctx context.Context, a Attempt, qs []AttemptQuestion) (Attempt, bool, error) {
	var existing Attempt
	found := false
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		ex, ok, err := findActive(ctx, tx, a.UserID, a.PaperID)
		if err != nil {
			return err
		}
		if ok {
			existing, found = ex, true
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attempts (id,paper_id,user_id,status,attempt_number,started_at,ends_at,last_active_at,
			  ip_address,user_agent,device_fingerprint)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			a.ID, a.PaperID, a.UserID, a.Status, a.AttemptNumber, a.StartedAt.Unix(), db.NullUnix(a.EndsAt),
			db.NullUnix(a.LastActiveAt), a.IPAddress, a.UserAgent, a.DeviceFingerprint)
		if err != nil {
			return err
		}
		return insertSnapshot(ctx, tx, a.ID, qs)
	})
	if err != nil {
		// A concurrent start won the attempts_one_active index.
		if ex, ok, ferr := findActive(ctx, s.db, a.UserID, a.PaperID); ferr == nil && ok {
			return ex, false, nil
		}
		return Attempt{}, false, fmt.Errorf("create attempt: %w", err)
	}
	if found {
		return existing, false, nil
	}
	return a, true, nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts a WHERE a.id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, errAttemptNotFound(id)
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

func (s *SQLStore) SetAttemptEndsAt(ctx context.Context, id string, endsAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE attempts SET ends_at=$1 WHERE id=$2 AND ends_at IS NULL`, endsAt.Unix(), id)
	return err
}

func (s *SQLStore) ListUserAttempts(ctx context.Context, userID string) ([]Attempt, error) {
	out, err := queryAttempts(ctx, s.db, `
		SELECT `+attemptCols+` FROM attempts a WHERE a.user_id=$1
		 ORDER BY COALESCE(a.submitted_at, a.started_at) DESC, a.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user attempts: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListFinishedAttempts(ctx context.Context, paperID string) ([]Attempt, error) {
	out, err := queryAttempts(ctx, s.db, `
		SELECT `+attemptCols+` FROM attempts a
		 WHERE a.paper_id=$1 AND a.status IN ($2,$3,$4) AND a.score IS NOT NULL`,
		paperID, StatusSubmitted, StatusAutoSubmitted, StatusExpired)
	if err != nil {
		return nil, fmt.Errorf("list finished attempts: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListOverdueAttempts(ctx context.Context, now time.Time) ([]Attempt, error) {
	ts := now.Unix()
	out, err := queryAttempts(ctx, s.db, `
		SELECT `+attemptCols+` FROM attempts a JOIN papers p ON p.id = a.paper_id
		 WHERE a.status=$1
		   AND ((a.ends_at IS NOT NULL AND a.ends_at < $2) OR (p.ends_at IS NOT NULL AND p.ends_at < $3))
		 ORDER BY a.started_at, a.id`, StatusInProgress, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("list overdue attempts: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListAttemptQuestions(ctx context.Context, attemptID string) ([]AttemptQuestion, error) {
	return listAttemptQuestions(ctx, s.db, attemptID)
}

func listAttemptQuestions(ctx context.Context, q querier, attemptID string) ([]AttemptQuestion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT attempt_id,question_id,section_id,position,snapshot
		  FROM attempt_questions WHERE attempt_id=$1 ORDER BY position`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list attempt questions: %w", err)
	}
	defer rows.Close()
	var out []AttemptQuestion
	for rows.Next() {
		var aq AttemptQuestion
		var snap string
		if err := rows.Scan(&aq.AttemptID, &aq.QuestionID, &aq.SectionID, &aq.Position, &snap); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(snap), &aq.Snapshot); err != nil {
			return nil, fmt.Errorf("snapshot %s/%s: %w", attemptID, aq.QuestionID, err)
		}
		out = append(out, aq)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertAttemptQuestions(ctx context.Context, attemptID string, qs []AttemptQuestion) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM attempt_questions WHERE attempt_id=$1`, attemptID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return errSnapshotExists
		}
		return insertSnapshot(ctx, tx, attemptID, qs)
	})
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, attemptID string, qs []AttemptQuestion) error {
	for _, aq := range qs {
		if err := aq.Snapshot.Validate(); err != nil {
			return fmt.Errorf("question %s: %w", aq.QuestionID, err)
		}
		buf, err := json.Marshal(aq.Snapshot)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attempt_questions (attempt_id,question_id,section_id,position,snapshot)
			VALUES ($1,$2,$3,$4,$5)`, attemptID, aq.QuestionID, aq.SectionID, aq.Position, string(buf)); err != nil {
			return fmt.Errorf("insert attempt question: %w", err)
		}
	}
	return nil
}

// lockInProgress fails unless the attempt exists and is in_progress. On
// Postgres the row stays locked until the transaction ends; SQLite is
// already serialized by the single-connection pool.
func (s *SQLStore) lockInProgress(ctx context.Context, q querier, attemptID string) error {
	query := `SELECT status FROM attempts WHERE id=$1`
	if s.driver == "postgres" {
		query += ` FOR UPDATE`
	}
	var st AttemptStatus
	err := q.QueryRowContext(ctx, query, attemptID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return errAttemptNotFound(attemptID)
	}
	if err != nil {
		return err
	}
	if st != StatusInProgress {
		return errNotInProgress(attemptID, st)
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullBool(p *bool) sql.NullBool {
	if p == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *p, Valid: true}
}

func insertResponse(ctx context.Context, tx *sql.Tx, attemptID string, r Response, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO responses (attempt_id,question_id,selected_option_id,time_spent_seconds,flagged,is_correct,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		attemptID, r.QuestionID, nullString(r.SelectedOptionID), r.TimeSpentSeconds, r.Flagged, nullBool(r.IsCorrect), now)
	if err != nil {
		return fmt.Errorf("insert response %s: %w", r.QuestionID, err)
	}
	return nil
}

func replaceSections(ctx context.Context, tx *sql.Tx, attemptID string, secs []AttemptSection) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM attempt_sections WHERE attempt_id=$1`, attemptID); err != nil {
		return err
	}
	for _, sec := range secs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attempt_sections (attempt_id,section_id,time_spent_seconds) VALUES ($1,$2,$3)`,
			attemptID, sec.SectionID, sec.TimeSpentSeconds); err != nil {
			return fmt.Errorf("insert attempt section: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) SaveResponses(ctx context.Context, attemptID string, rows []Response, layout []grading.Item, now time.Time) error {
	ts := now.Unix()
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.lockInProgress(ctx, tx, attemptID); err != nil {
			return err
		}
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE attempt_id=$1 AND question_id=$2`, attemptID, r.QuestionID); err != nil {
				return err
			}
			if err := insertResponse(ctx, tx, attemptID, r, ts); err != nil {
				return err
			}
		}
		all, err := listResponses(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		secs, total := sectionTotals(attemptID, layout, all)
		if err := replaceSections(ctx, tx, attemptID, secs); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE attempts SET total_time_seconds=$1, last_active_at=$2 WHERE id=$3`,
			total, ts, attemptID)
		return err
	})
}

func (s *SQLStore) FinalizeAttempt(ctx context.Context, f Finalization) (Attempt, error) {
	ts := f.SubmittedAt.Unix()
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE attempts SET status=$1, submitted_at=$2, last_active_at=$3, score=$4, correct_count=$5,
			  wrong_count=$6, unanswered_count=$7, total_time_seconds=$8
			 WHERE id=$9 AND status=$10`,
			f.Status, ts, ts, f.Score.String(), f.CorrectCount, f.WrongCount, f.UnansweredCount,
			f.TotalTimeSeconds, f.AttemptID, StatusInProgress)
		if err != nil {
			return fmt.Errorf("finalize attempt: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			if err := s.lockInProgress(ctx, tx, f.AttemptID); err != nil {
				return err
			}
			return errNotInProgress(f.AttemptID, "")
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE attempt_id=$1`, f.AttemptID); err != nil {
			return err
		}
		for _, r := range f.Responses {
			if err := insertResponse(ctx, tx, f.AttemptID, r, ts); err != nil {
				return err
			}
		}
		if err := replaceSections(ctx, tx, f.AttemptID, f.Sections); err != nil {
			return err
		}
		if f.Event.Type == "" {
			return nil
		}
		return syncx.Append(ctx, tx, f.Event)
	})
	if err != nil {
		return Attempt{}, err
	}
	return s.GetAttempt(ctx, f.AttemptID)
}

func (s *SQLStore) Touch(ctx context.Context, attemptID string, now time.Time, clientElapsed *int) error {
	var elapsed sql.NullInt64
	if clientElapsed != nil {
		elapsed = sql.NullInt64{Int64: int64(*clientElapsed), Valid: true}
	}
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.lockInProgress(ctx, tx, attemptID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE attempts SET last_active_at=$1, client_elapsed_seconds=COALESCE($2, client_elapsed_seconds)
			 WHERE id=$3`, now.Unix(), elapsed, attemptID)
		return err
	})
}

func (s *SQLStore) RecordFocusLoss(ctx context.Context, attemptID string, now time.Time) (int, error) {
	var count int
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.lockInProgress(ctx, tx, attemptID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE attempts SET focus_loss_count=focus_loss_count+1, last_focus_loss_at=$1 WHERE id=$2`,
			now.Unix(), attemptID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT focus_loss_count FROM attempts WHERE id=$1`, attemptID).Scan(&count)
	})
	return count, err
}

func (s *SQLStore) ListResponses(ctx context.Context, attemptID string) ([]Response, error) {
	return listResponses(ctx, s.db, attemptID)
}

func listResponses(ctx context.Context, q querier, attemptID string) ([]Response, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT question_id,selected_option_id,time_spent_seconds,flagged,is_correct
		  FROM responses WHERE attempt_id=$1 ORDER BY question_id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()
	var out []Response
	for rows.Next() {
		r := Response{AttemptID: attemptID}
		var sel sql.NullString
		var correct sql.NullBool
		if err := rows.Scan(&r.QuestionID, &sel, &r.TimeSpentSeconds, &r.Flagged, &correct); err != nil {
			return nil, err
		}
		if sel.Valid {
			v := sel.String
			r.SelectedOptionID = &v
		}
		if correct.Valid {
			v := correct.Bool
			r.IsCorrect = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListAttemptSections(ctx context.Context, attemptID string) ([]AttemptSection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id,section_id,time_spent_seconds FROM attempt_sections WHERE attempt_id=$1 ORDER BY section_id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list attempt sections: %w", err)
	}
	defer rows.Close()
	var out []AttemptSection
	for rows.Next() {
		var sec AttemptSection
		if err := rows.Scan(&sec.AttemptID, &sec.SectionID, &sec.TimeSpentSeconds); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *SQLStore) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const victims = `SELECT id FROM attempts WHERE status IN ($1,$2,$3) AND submitted_at IS NOT NULL AND submitted_at < $4`
	args := []any{StatusSubmitted, StatusAutoSubmitted, StatusExpired, cutoff.Unix()}
	var purged int64
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, child := range []string{"responses", "attempt_sections", "attempt_questions"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+child+` WHERE attempt_id IN (`+victims+`)`, args...); err != nil {
				return fmt.Errorf("purge %s: %w", child, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE id IN (`+victims+`)`, args...)
		if err != nil {
			return fmt.Errorf("purge attempts: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return int(purged), err
}

var _ Store = (*SQLStore)(nil)
