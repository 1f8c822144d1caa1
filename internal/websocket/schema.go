package websocket

import (
	"github.com/google/uuid"

	"github.com/stemsi/certexam-backend/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AutosaveRequest is sent by the client to save a single answer.
type AutosaveRequest struct {
	Action Action `json:"action"`
	model.SaveAnswerRequest
}

// SubmitRequest is sent by the client to finish and grade the exam.
type SubmitRequest struct {
	Action Action `json:"action"`
	model.SubmitRequest
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError  Event = "error"
	EventSaved  Event = "saved"
	EventGraded Event = "graded"
	EventPong   Event = "pong"
)

type SavedResponse struct {
	Event         Event  `json:"event"`
	QuestionID    string `json:"question_id"`
	TimeElapsed   int    `json:"time_elapsed"`
	TimeRemaining int    `json:"time_remaining"`
}

type GradedResponse struct {
	Event     Event               `json:"event"`
	SessionID uuid.UUID           `json:"id"`
	Status    model.SessionStatus `json:"status"`
	Score     int                 `json:"score"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event         Event               `json:"event"`
	Status        model.SessionStatus `json:"status"`
	TimeRemaining int                 `json:"time_remaining"`
}
