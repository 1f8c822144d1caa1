package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/stemsi/certexam-backend/internal/model"
)

// TemplateRepository handles templates, their question catalog and assignments.
type TemplateRepository struct {
	q querier
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(q querier) *TemplateRepository {
	return &TemplateRepository{q: q}
}

const templateColumns = `id, title, language, question_count, time_allowed_secs, is_active, created_by, created_at`

// GetTemplate retrieves a template by ID.
func (r *TemplateRepository) GetTemplate(ctx context.Context, id uuid.UUID) (*model.ExamTemplate, error) {
	t := &model.ExamTemplate{}
	err := r.q.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM exam_templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Title, &t.Language, &t.QuestionCount, &t.TimeAllowedSecs, &t.IsActive, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// CreateTemplate inserts a template. Used by seeding.
func (r *TemplateRepository) CreateTemplate(ctx context.Context, t *model.ExamTemplate) error {
	return r.q.QueryRow(ctx,
		`INSERT INTO exam_templates (title, language, question_count, time_allowed_secs, is_active, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		t.Title, t.Language, t.QuestionCount, t.TimeAllowedSecs, t.IsActive, t.CreatedBy,
	).Scan(&t.ID, &t.CreatedAt)
}

// ListQuestionsByTemplate retrieves the full catalog of a template, answer keys included.
func (r *TemplateRepository) ListQuestionsByTemplate(ctx context.Context, templateID uuid.UUID) ([]model.Question, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, template_id, text, choices, answer_index, difficulty
		 FROM questions WHERE template_id = $1
		 ORDER BY created_at, id`, templateID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var (
			q    model.Question
			diff *string
		)
		if err := rows.Scan(&q.ID, &q.TemplateID, &q.Text, &q.Choices, &q.AnswerIndex, &diff); err != nil {
			return nil, err
		}
		if diff != nil {
			d := model.Difficulty(*diff)
			q.Difficulty = &d
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// CreateQuestion inserts a catalog question. Used by seeding.
func (r *TemplateRepository) CreateQuestion(ctx context.Context, q *model.Question) error {
	var diff *string
	if q.Difficulty != nil {
		s := string(*q.Difficulty)
		diff = &s
	}
	return r.q.QueryRow(ctx,
		`INSERT INTO questions (template_id, text, choices, answer_index, difficulty)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		q.TemplateID, q.Text, q.Choices, q.AnswerIndex, diff,
	).Scan(&q.ID)
}

// GetAssignment retrieves the assignment of a template to a candidate email.
func (r *TemplateRepository) GetAssignment(ctx context.Context, templateID uuid.UUID, email string) (*model.Assignment, error) {
	a := &model.Assignment{}
	err := r.q.QueryRow(ctx,
		`SELECT template_id, candidate_email, status, assigned_at
		 FROM exam_assignments
		 WHERE template_id = $1 AND candidate_email = $2`, templateID, email,
	).Scan(&a.TemplateID, &a.CandidateEmail, &a.Status, &a.AssignedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// UpsertAssignment assigns a template to a candidate, leaving an existing status untouched.
func (r *TemplateRepository) UpsertAssignment(ctx context.Context, a *model.Assignment) error {
	return r.q.QueryRow(ctx,
		`INSERT INTO exam_assignments (template_id, candidate_email, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (template_id, candidate_email) DO UPDATE SET candidate_email = EXCLUDED.candidate_email
		 RETURNING status, assigned_at`,
		a.TemplateID, a.CandidateEmail, model.AssignmentAssigned,
	).Scan(&a.Status, &a.AssignedAt)
}

// SetAssignmentStatus updates an assignment's status. A missing assignment is not an error.
func (r *TemplateRepository) SetAssignmentStatus(ctx context.Context, templateID uuid.UUID, email string, status model.AssignmentStatus) error {
	_, err := r.q.Exec(ctx,
		`UPDATE exam_assignments SET status = $1
		 WHERE template_id = $2 AND candidate_email = $3`,
		status, templateID, email)
	return err
}

// ListAvailableExams lists active templates assigned to a candidate together
// with the candidate's in-progress session on each, if any.
func (r *TemplateRepository) ListAvailableExams(ctx context.Context, email string) ([]model.AvailableExam, error) {
	rows, err := r.q.Query(ctx,
		`SELECT t.id, t.title, t.language, t.question_count, t.time_allowed_secs, t.is_active, t.created_by, t.created_at,
		        a.status, ce.id
		 FROM exam_assignments a
		 JOIN exam_templates t ON t.id = a.template_id
		 LEFT JOIN candidate_exams ce
		        ON ce.template_id = t.id AND ce.candidate_id = a.candidate_email AND ce.status = 'in_progress'
		 WHERE a.candidate_email = $1 AND t.is_active
		 ORDER BY a.assigned_at DESC`, email,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exams := []model.AvailableExam{}
	for rows.Next() {
		var e model.AvailableExam
		if err := rows.Scan(
			&e.ID, &e.Title, &e.Language, &e.QuestionCount, &e.TimeAllowedSecs, &e.IsActive, &e.CreatedBy, &e.CreatedAt,
			&e.AssignmentStatus, &e.InProgressID,
		); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}
