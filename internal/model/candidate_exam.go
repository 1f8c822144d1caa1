package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates candidate exam states. not_started is implicit:
// no row exists before Start.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusTimedOut   SessionStatus = "timed_out"
)

// Terminal reports whether no transition may leave the status.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusTimedOut
}

// CandidateExam is one candidate's single timed attempt at a template.
type CandidateExam struct {
	ID              uuid.UUID      `json:"id"`
	CandidateID     string         `json:"candidate_id"`
	TemplateID      uuid.UUID      `json:"template_id"`
	QuestionIDs     []string       `json:"question_ids"`
	Answers         map[string]int `json:"answers"`
	Status          SessionStatus  `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	TimeAllowedSecs int            `json:"time_allowed_secs"`
	TimeElapsedSecs int            `json:"time_elapsed_secs"`
	Score           *int           `json:"score,omitempty"`
	Version         int            `json:"-"`
	CreatedAt       time.Time      `json:"-"`
	UpdatedAt       time.Time      `json:"-"`
}

// HasQuestion reports whether the canonical id belongs to the session.
func (e *CandidateExam) HasQuestion(key string) bool {
	for _, id := range e.QuestionIDs {
		if id == key {
			return true
		}
	}
	return false
}

// ─── Requests ──────────────────────────────────────────────────────────

// MaxElapsedSecs is the largest elapsed time the store can hold (INT column).
const MaxElapsedSecs = 2147483647

// SaveAnswerRequest is the payload for saving a single answer.
type SaveAnswerRequest struct {
	QuestionID        string `json:"question_id" binding:"required,canonical_qid"`
	SelectedIndex     *int   `json:"selected_index" binding:"required,min=0"`
	ClientElapsedSecs int    `json:"time_elapsed" binding:"min=0,max=2147483647"`
}

// SubmitRequest is the payload for submitting a session.
type SubmitRequest struct {
	FinalElapsedSecs int `json:"final_time_elapsed" binding:"min=0,max=2147483647"`
}

// ─── Views ─────────────────────────────────────────────────────────────

// StartedSession is returned by start.
type StartedSession struct {
	SessionID       uuid.UUID `json:"id"`
	QuestionIDs     []string  `json:"question_ids"`
	TimeAllowedSecs int       `json:"time_allowed_secs"`
}

// SessionView is returned by getSession and resume. It never carries answer keys.
type SessionView struct {
	SessionID        uuid.UUID              `json:"id"`
	TemplateID       uuid.UUID              `json:"template_id"`
	Questions        []QuestionForCandidate `json:"questions"`
	Answers          map[string]int         `json:"answers"`
	TimeAllowedSecs  int                    `json:"time_allowed_secs"`
	TimeElapsedSecs  int                    `json:"time_elapsed"`
	TimeRemainingSec int                    `json:"time_remaining"`
	Status           SessionStatus          `json:"status"`
}

// SavedAnswer is returned by saveAnswer.
type SavedAnswer struct {
	TimeElapsedSecs  int `json:"time_elapsed"`
	TimeRemainingSec int `json:"time_remaining"`
}

// SubmitResult is returned by submit.
type SubmitResult struct {
	SessionID uuid.UUID     `json:"id"`
	Score     int           `json:"score"`
	Status    SessionStatus `json:"status"`
}

// ResultDetail is one graded question in a result.
type ResultDetail struct {
	QuestionID   string   `json:"question_id"`
	Question     string   `json:"question"`
	Choices      []string `json:"choices"`
	Selected     *int     `json:"selected"`
	CorrectIndex int      `json:"correct_index"`
	IsCorrect    bool     `json:"is_correct"`
}

// SessionResult is returned by getResult.
type SessionResult struct {
	SessionID uuid.UUID      `json:"id"`
	Score     int            `json:"score"`
	Status    SessionStatus  `json:"status"`
	Details   []ResultDetail `json:"details"`
}

// TemplateResultRow is one line of an admin results listing.
type TemplateResultRow struct {
	SessionID       uuid.UUID     `json:"session_id"`
	CandidateID     string        `json:"candidate_id"`
	Status          SessionStatus `json:"status"`
	Score           *int          `json:"score"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at"`
	TimeElapsedSecs int           `json:"time_elapsed"`
}
