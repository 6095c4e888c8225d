// Package grading runs the streaming graders for essays and question-bank
// submissions. Both share one skeleton: resolve the scoring model, stream the
// grade with a cancellable key, parse the verdict tags, and persist the
// outcome in a single transaction.
package grading

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/workspace"
)

// Essay is one essay draft with its cached grade.
type Essay struct {
	ID        string
	Prompt    string
	Draft     string
	Feedback  string
	Score     *int
	GradedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Question is one question-bank entry. IsCorrect stays nil until the first
// grade lands; MasteryCount only moves on that first transition.
type Question struct {
	ID           string
	Content      string
	Answer       string
	Feedback     string
	Score        *int
	IsCorrect    *bool
	MasteryCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Submission is one attempt at a question.
type Submission struct {
	ID         string
	QuestionID string
	Content    string
	IsCorrect  *bool
	Feedback   string
	Score      *int
	CreatedAt  time.Time
}

// QuestionStats are derived counters refreshed outside the grading
// transaction.
type QuestionStats struct {
	Attempts int
	Correct  int
}

// Store persists essays, questions, and submissions.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS essays (
	id         TEXT PRIMARY KEY,
	prompt     TEXT NOT NULL,
	draft      TEXT NOT NULL,
	feedback   TEXT NOT NULL DEFAULT '',
	score      INTEGER,
	graded_at  TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS qbank_questions (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	answer        TEXT NOT NULL DEFAULT '',
	feedback      TEXT NOT NULL DEFAULT '',
	score         INTEGER,
	is_correct    INTEGER,
	mastery_count INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS qbank_submissions (
	id          TEXT PRIMARY KEY,
	question_id TEXT NOT NULL REFERENCES qbank_questions(id) ON DELETE CASCADE,
	content     TEXT NOT NULL,
	is_correct  INTEGER,
	feedback    TEXT NOT NULL DEFAULT '',
	score       INTEGER,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submissions_question ON qbank_submissions(question_id);
`

// NewStore initializes the grading tables.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Database("grading.NewStore", err)
	}
	return &Store{db: db}, nil
}

// =============================================================================
// ESSAYS
// =============================================================================

// CreateEssay stores a draft and returns its id.
func (s *Store) CreateEssay(prompt, draft string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := workspace.FormatTime(time.Now())
	_, err := s.db.Exec(
		"INSERT INTO essays (id, prompt, draft, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, prompt, draft, now, now)
	if err != nil {
		return "", apperr.Database("grading.CreateEssay", err)
	}
	return id, nil
}

// GetEssay loads one essay.
func (s *Store) GetEssay(id string) (*Essay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e Essay
	var score sql.NullInt64
	var gradedAt sql.NullString
	var created, updated string
	err := s.db.QueryRow(
		"SELECT id, prompt, draft, feedback, score, graded_at, created_at, updated_at FROM essays WHERE id = ?", id).
		Scan(&e.ID, &e.Prompt, &e.Draft, &e.Feedback, &score, &gradedAt, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("grading.GetEssay", "essay %s", id)
	}
	if err != nil {
		return nil, apperr.Database("grading.GetEssay", err)
	}
	if score.Valid {
		v := int(score.Int64)
		e.Score = &v
	}
	if gradedAt.Valid {
		t := workspace.ParseTime(gradedAt.String)
		e.GradedAt = &t
	}
	e.CreatedAt = workspace.ParseTime(created)
	e.UpdatedAt = workspace.ParseTime(updated)
	return &e, nil
}

// saveEssayGrade writes the cached grade in one transaction.
func (s *Store) saveEssayGrade(id string, score int, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Database("grading.saveEssayGrade", err)
	}
	defer tx.Rollback()

	now := workspace.FormatTime(time.Now())
	res, err := tx.Exec(
		"UPDATE essays SET feedback = ?, score = ?, graded_at = ?, updated_at = ? WHERE id = ?",
		feedback, score, now, now, id)
	if err != nil {
		return apperr.Database("grading.saveEssayGrade", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("grading.saveEssayGrade", "essay %s", id)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Database("grading.saveEssayGrade", err)
	}
	return nil
}

// =============================================================================
// QUESTION BANK
// =============================================================================

// CreateQuestion stores a question and returns its id.
func (s *Store) CreateQuestion(content, answer string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := workspace.FormatTime(time.Now())
	_, err := s.db.Exec(
		"INSERT INTO qbank_questions (id, content, answer, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, content, answer, now, now)
	if err != nil {
		return "", apperr.Database("grading.CreateQuestion", err)
	}
	return id, nil
}

// GetQuestion loads one question.
func (s *Store) GetQuestion(id string) (*Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getQuestionLocked(id)
}

func (s *Store) getQuestionLocked(id string) (*Question, error) {
	var q Question
	var score sql.NullInt64
	var correct sql.NullBool
	var created, updated string
	err := s.db.QueryRow(
		`SELECT id, content, answer, feedback, score, is_correct, mastery_count, created_at, updated_at
		 FROM qbank_questions WHERE id = ?`, id).
		Scan(&q.ID, &q.Content, &q.Answer, &q.Feedback, &score, &correct, &q.MasteryCount, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("grading.GetQuestion", "question %s", id)
	}
	if err != nil {
		return nil, apperr.Database("grading.GetQuestion", err)
	}
	if score.Valid {
		v := int(score.Int64)
		q.Score = &v
	}
	if correct.Valid {
		v := correct.Bool
		q.IsCorrect = &v
	}
	q.CreatedAt = workspace.ParseTime(created)
	q.UpdatedAt = workspace.ParseTime(updated)
	return &q, nil
}

// CreateSubmission records an attempt at a question.
func (s *Store) CreateSubmission(questionID, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(
		"INSERT INTO qbank_submissions (id, question_id, content, created_at) VALUES (?, ?, ?, ?)",
		id, questionID, content, workspace.FormatTime(time.Now()))
	if err != nil {
		return "", apperr.Database("grading.CreateSubmission", err)
	}
	return id, nil
}

// GetSubmission loads one attempt.
func (s *Store) GetSubmission(id string) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sub Submission
	var score sql.NullInt64
	var correct sql.NullBool
	var created string
	err := s.db.QueryRow(
		"SELECT id, question_id, content, is_correct, feedback, score, created_at FROM qbank_submissions WHERE id = ?", id).
		Scan(&sub.ID, &sub.QuestionID, &sub.Content, &correct, &sub.Feedback, &score, &created)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("grading.GetSubmission", "submission %s", id)
	}
	if err != nil {
		return nil, apperr.Database("grading.GetSubmission", err)
	}
	if score.Valid {
		v := int(score.Int64)
		sub.Score = &v
	}
	if correct.Valid {
		v := correct.Bool
		sub.IsCorrect = &v
	}
	sub.CreatedAt = workspace.ParseTime(created)
	return &sub, nil
}

// ListSubmissions returns a question's attempts, oldest first.
func (s *Store) ListSubmissions(questionID string) ([]Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id, question_id, content, is_correct, feedback, score, created_at FROM qbank_submissions WHERE question_id = ? ORDER BY created_at ASC, id ASC",
		questionID)
	if err != nil {
		return nil, apperr.Database("grading.ListSubmissions", err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var sub Submission
		var score sql.NullInt64
		var correct sql.NullBool
		var created string
		if err := rows.Scan(&sub.ID, &sub.QuestionID, &sub.Content, &correct, &sub.Feedback, &score, &created); err != nil {
			return nil, apperr.Database("grading.ListSubmissions", err)
		}
		if score.Valid {
			v := int(score.Int64)
			sub.Score = &v
		}
		if correct.Valid {
			v := correct.Bool
			sub.IsCorrect = &v
		}
		sub.CreatedAt = workspace.ParseTime(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// saveSubmissionGrade persists one grade atomically: the submission's
// correctness, the question's cached feedback and score, and the mastery
// counter. The counter only increments when the question's correctness
// transitions from NULL to correct, so re-grades never double-count.
func (s *Store) saveSubmissionGrade(submissionID string, correct bool, score int, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Database("grading.saveSubmissionGrade", err)
	}
	defer tx.Rollback()

	var questionID string
	err = tx.QueryRow("SELECT question_id FROM qbank_submissions WHERE id = ?", submissionID).Scan(&questionID)
	if err == sql.ErrNoRows {
		return apperr.NotFound("grading.saveSubmissionGrade", "submission %s", submissionID)
	}
	if err != nil {
		return apperr.Database("grading.saveSubmissionGrade", err)
	}

	if _, err := tx.Exec(
		"UPDATE qbank_submissions SET is_correct = ?, feedback = ?, score = ? WHERE id = ?",
		correct, feedback, score, submissionID); err != nil {
		return apperr.Database("grading.saveSubmissionGrade", err)
	}

	_, err = tx.Exec(
		`UPDATE qbank_questions SET
			mastery_count = mastery_count + CASE WHEN is_correct IS NULL AND ? THEN 1 ELSE 0 END,
			is_correct = ?, feedback = ?, score = ?, updated_at = ?
		 WHERE id = ?`,
		correct, correct, feedback, score, workspace.FormatTime(time.Now()), questionID)
	if err != nil {
		return apperr.Database("grading.saveSubmissionGrade", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Database("grading.saveSubmissionGrade", err)
	}
	return nil
}

// Stats recomputes a question's derived counters. Runs outside the grading
// transaction.
func (s *Store) Stats(questionID string) (QuestionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st QuestionStats
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_correct = 1 THEN 1 ELSE 0 END), 0)
		 FROM qbank_submissions WHERE question_id = ? AND is_correct IS NOT NULL`,
		questionID).Scan(&st.Attempts, &st.Correct)
	if err != nil {
		return st, apperr.Database("grading.Stats", err)
	}
	return st, nil
}
