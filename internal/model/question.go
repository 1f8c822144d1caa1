package model

import (
	"strings"

	"github.com/google/uuid"
)

// Difficulty tags a catalog question for balanced selection.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Difficulties lists the tags in selection priority order.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// Valid reports whether d is one of the known tags.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Question is an immutable catalog entry.
type Question struct {
	ID          uuid.UUID   `json:"id"`
	TemplateID  *uuid.UUID  `json:"template_id,omitempty"`
	Text        string      `json:"text"`
	Choices     []string    `json:"choices"`
	AnswerIndex int         `json:"answer_index"`
	Difficulty  *Difficulty `json:"difficulty,omitempty"`
}

// Key returns the canonical answer-map key for the question.
func (q *Question) Key() string {
	return q.ID.String()
}

// ValidChoice reports whether idx addresses one of the question's choices.
func (q *Question) ValidChoice(idx int) bool {
	return idx >= 0 && idx < len(q.Choices)
}

// ForCandidate strips the answer key.
func (q *Question) ForCandidate() QuestionForCandidate {
	return QuestionForCandidate{
		ID:         q.ID,
		Text:       q.Text,
		Choices:    q.Choices,
		Difficulty: q.Difficulty,
	}
}

// QuestionForCandidate is a question without the correct answer, sent to candidates.
type QuestionForCandidate struct {
	ID         uuid.UUID   `json:"id"`
	Text       string      `json:"text"`
	Choices    []string    `json:"choices"`
	Difficulty *Difficulty `json:"difficulty,omitempty"`
}

// CanonicalQuestionID normalizes a question id into the single key form used
// by answers, answer keys and question_ids. Non-UUID input is trimmed and
// lower-cased so lookups still agree with themselves.
func CanonicalQuestionID(raw string) string {
	raw = strings.TrimSpace(raw)
	if id, err := uuid.Parse(raw); err == nil {
		return id.String()
	}
	return strings.ToLower(raw)
}
