package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionEventType names a lifecycle transition shown on the live monitor.
type SessionEventType string

const (
	EventSessionStarted   SessionEventType = "session_started"
	EventAnswerSaved      SessionEventType = "answer_saved"
	EventSessionFinalized SessionEventType = "session_finalized"
)

// SessionEvent is published after a session change has been committed.
type SessionEvent struct {
	Type        SessionEventType `json:"type"`
	SessionID   uuid.UUID        `json:"session_id"`
	TemplateID  uuid.UUID        `json:"template_id"`
	CandidateID string           `json:"candidate_id"`
	Status      SessionStatus    `json:"status"`
	Answered    int              `json:"answered_count"`
	Total       int              `json:"total_questions"`
	Score       *int             `json:"score,omitempty"`
	At          time.Time        `json:"at"`
}
