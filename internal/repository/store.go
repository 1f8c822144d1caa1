package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/certexam-backend/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("repository: not found")
	// ErrStaleSession is returned when a version-conditional update matched no row.
	ErrStaleSession = errors.New("repository: session modified concurrently")
	// ErrActiveSessionExists is returned when inserting a second in-progress
	// session for a candidate.
	ErrActiveSessionExists = errors.New("repository: candidate already has an in-progress session")
)

const uniqueViolation = "23505"

// SessionStore is the durable state behind the exam session engine.
type SessionStore interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*model.ExamTemplate, error)
	ListQuestionsByTemplate(ctx context.Context, templateID uuid.UUID) ([]model.Question, error)
	GetAssignment(ctx context.Context, templateID uuid.UUID, email string) (*model.Assignment, error)
	ListAvailableExams(ctx context.Context, email string) ([]model.AvailableExam, error)

	GetSession(ctx context.Context, id uuid.UUID) (*model.CandidateExam, error)
	FindLatestInProgress(ctx context.Context, candidateID string) (*model.CandidateExam, error)
	ListExpiredSessionIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListResults(ctx context.Context, templateID uuid.UUID, limit, offset int) ([]model.TemplateResultRow, int64, error)

	// InTx runs fn in one transaction. fn's error rolls the transaction back.
	InTx(ctx context.Context, fn func(tx SessionTx) error) error
}

// SessionTx is the set of row-locking operations available inside InTx.
type SessionTx interface {
	// LockCandidate serializes session creation for one candidate until commit.
	LockCandidate(ctx context.Context, candidateID string) error
	FindInProgressForUpdate(ctx context.Context, candidateID string) (*model.CandidateExam, error)
	GetSessionForUpdate(ctx context.Context, id uuid.UUID) (*model.CandidateExam, error)
	CreateSession(ctx context.Context, s *model.CandidateExam) error
	// UpdateSession writes s if its version still matches and bumps s.Version.
	UpdateSession(ctx context.Context, s *model.CandidateExam) error
	SetAssignmentStatus(ctx context.Context, templateID uuid.UUID, email string, status model.AssignmentStatus) error
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL SessionStore.
type Store struct {
	pool *pgxpool.Pool
	*TemplateRepository
	*CandidateExamRepository
}

// NewStore creates a new Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:                    pool,
		TemplateRepository:      NewTemplateRepository(pool),
		CandidateExamRepository: NewCandidateExamRepository(pool),
	}
}

// InTx runs fn inside a read-committed transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx SessionTx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&sessionTx{
			CandidateExamRepository: &CandidateExamRepository{q: tx},
			assignments:             &TemplateRepository{q: tx},
		})
	})
}

type sessionTx struct {
	*CandidateExamRepository
	assignments *TemplateRepository
}

func (t *sessionTx) SetAssignmentStatus(ctx context.Context, templateID uuid.UUID, email string, status model.AssignmentStatus) error {
	return t.assignments.SetAssignmentStatus(ctx, templateID, email, status)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
