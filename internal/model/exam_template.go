package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamTemplate is the reusable definition of an exam offering.
type ExamTemplate struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	Language        string    `json:"language"`
	QuestionCount   int       `json:"question_count"`
	TimeAllowedSecs int       `json:"time_allowed_secs"`
	IsActive        bool      `json:"is_active"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
}

// TemplatePool is a template together with its full question catalog,
// answer keys included. It is the unit cached in Redis.
type TemplatePool struct {
	Template  ExamTemplate `json:"template"`
	Questions []Question   `json:"questions"`
}

// Index maps canonical question ids to questions.
func (p *TemplatePool) Index() map[string]*Question {
	idx := make(map[string]*Question, len(p.Questions))
	for i := range p.Questions {
		idx[p.Questions[i].Key()] = &p.Questions[i]
	}
	return idx
}

// AnswerKey maps canonical question ids to the correct choice index.
func (p *TemplatePool) AnswerKey() map[string]int {
	key := make(map[string]int, len(p.Questions))
	for _, q := range p.Questions {
		key[q.Key()] = q.AnswerIndex
	}
	return key
}

// AvailableExam is a template as listed to an assigned candidate.
type AvailableExam struct {
	ExamTemplate
	AssignmentStatus AssignmentStatus `json:"assignment_status"`
	InProgressID     *uuid.UUID       `json:"in_progress_session_id,omitempty"`
}
