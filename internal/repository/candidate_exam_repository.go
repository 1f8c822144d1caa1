package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stemsi/certexam-backend/internal/model"
)

// CandidateExamRepository handles candidate exam session data access.
type CandidateExamRepository struct {
	q querier
}

// NewCandidateExamRepository creates a new CandidateExamRepository.
func NewCandidateExamRepository(q querier) *CandidateExamRepository {
	return &CandidateExamRepository{q: q}
}

const sessionColumns = `id, candidate_id, template_id, question_ids, answers, status, started_at, ended_at,
	time_allowed_secs, time_elapsed_secs, score, version, created_at, updated_at`

func scanSession(row pgx.Row) (*model.CandidateExam, error) {
	var (
		s       model.CandidateExam
		answers []byte
	)
	err := row.Scan(
		&s.ID, &s.CandidateID, &s.TemplateID, &s.QuestionIDs, &answers, &s.Status, &s.StartedAt, &s.EndedAt,
		&s.TimeAllowedSecs, &s.TimeElapsedSecs, &s.Score, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	s.Answers = map[string]int{}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &s.Answers); err != nil {
			return nil, fmt.Errorf("decode answers of session %s: %w", s.ID, err)
		}
	}
	return &s, nil
}

// GetSession retrieves a session by ID.
func (r *CandidateExamRepository) GetSession(ctx context.Context, id uuid.UUID) (*model.CandidateExam, error) {
	return scanSession(r.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM candidate_exams WHERE id = $1`, id))
}

// FindLatestInProgress returns the candidate's most recently started in-progress session.
func (r *CandidateExamRepository) FindLatestInProgress(ctx context.Context, candidateID string) (*model.CandidateExam, error) {
	return scanSession(r.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM candidate_exams
		 WHERE candidate_id = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`,
		candidateID, model.SessionStatusInProgress))
}

// ListExpiredSessionIDs returns in-progress sessions whose allowed time has
// run out by now, oldest first.
func (r *CandidateExamRepository) ListExpiredSessionIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id FROM candidate_exams
		 WHERE status = $1
		   AND (started_at + make_interval(secs => time_allowed_secs) <= $2
		        OR time_elapsed_secs >= time_allowed_secs)
		 ORDER BY started_at
		 LIMIT $3`,
		model.SessionStatusInProgress, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListResults retrieves the sessions of a template, newest first, with the total count.
func (r *CandidateExamRepository) ListResults(ctx context.Context, templateID uuid.UUID, limit, offset int) ([]model.TemplateResultRow, int64, error) {
	var total int64
	if err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM candidate_exams WHERE template_id = $1`, templateID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.q.Query(ctx,
		`SELECT id, candidate_id, status, score, started_at, ended_at, time_elapsed_secs
		 FROM candidate_exams
		 WHERE template_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`,
		templateID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results := []model.TemplateResultRow{}
	for rows.Next() {
		var row model.TemplateResultRow
		if err := rows.Scan(&row.SessionID, &row.CandidateID, &row.Status, &row.Score, &row.StartedAt, &row.EndedAt, &row.TimeElapsedSecs); err != nil {
			return nil, 0, err
		}
		results = append(results, row)
	}
	return results, total, rows.Err()
}

// LockCandidate takes a transaction-scoped advisory lock keyed by the candidate.
func (r *CandidateExamRepository) LockCandidate(ctx context.Context, candidateID string) error {
	_, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, candidateID)
	return err
}

// FindInProgressForUpdate locks and returns the candidate's in-progress session.
func (r *CandidateExamRepository) FindInProgressForUpdate(ctx context.Context, candidateID string) (*model.CandidateExam, error) {
	return scanSession(r.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM candidate_exams
		 WHERE candidate_id = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1
		 FOR UPDATE`,
		candidateID, model.SessionStatusInProgress))
}

// GetSessionForUpdate locks and returns a session by ID.
func (r *CandidateExamRepository) GetSessionForUpdate(ctx context.Context, id uuid.UUID) (*model.CandidateExam, error) {
	return scanSession(r.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM candidate_exams WHERE id = $1 FOR UPDATE`, id))
}

// CreateSession inserts a new session. s.ID must already be set.
func (r *CandidateExamRepository) CreateSession(ctx context.Context, s *model.CandidateExam) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}

	err = r.q.QueryRow(ctx,
		`INSERT INTO candidate_exams
		   (id, candidate_id, template_id, question_ids, answers, status, started_at, time_allowed_secs, time_elapsed_secs, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		 RETURNING version, created_at, updated_at`,
		s.ID, s.CandidateID, s.TemplateID, s.QuestionIDs, answers, s.Status, s.StartedAt, s.TimeAllowedSecs, s.TimeElapsedSecs,
	).Scan(&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrActiveSessionExists
	}
	return err
}

// UpdateSession persists the mutable fields of s when the stored version
// matches s.Version, then advances s.Version.
func (r *CandidateExamRepository) UpdateSession(ctx context.Context, s *model.CandidateExam) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}

	err = r.q.QueryRow(ctx,
		`UPDATE candidate_exams
		 SET answers = $1, status = $2, ended_at = $3, time_elapsed_secs = $4, score = $5,
		     version = version + 1, updated_at = NOW()
		 WHERE id = $6 AND version = $7
		 RETURNING version, updated_at`,
		answers, s.Status, s.EndedAt, s.TimeElapsedSecs, s.Score, s.ID, s.Version,
	).Scan(&s.Version, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleSession
	}
	return err
}
