package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stemsi/certexam-backend/internal/middleware"
	"github.com/stemsi/certexam-backend/internal/model"
	"github.com/stemsi/certexam-backend/internal/response"
	"github.com/stemsi/certexam-backend/internal/validator"
)

// SessionEngine is the slice of the exam session service the candidate
// surfaces (HTTP and WebSocket) depend on.
type SessionEngine interface {
	Start(ctx context.Context, candidateID string, templateID uuid.UUID) (*model.StartedSession, error)
	Resume(ctx context.Context, candidateID string) (*model.SessionView, error)
	GetSession(ctx context.Context, sessionID uuid.UUID, candidateID string) (*model.SessionView, error)
	SaveAnswer(ctx context.Context, sessionID uuid.UUID, candidateID, questionID string, choice, clientElapsed int) (*model.SavedAnswer, error)
	Submit(ctx context.Context, sessionID uuid.UUID, candidateID string, finalElapsed int) (*model.SubmitResult, error)
	GetResult(ctx context.Context, sessionID uuid.UUID, candidateID string) (*model.SessionResult, error)
	ListAvailableExams(ctx context.Context, candidateID string) ([]model.AvailableExam, error)
}

// CandidateHandler serves the candidate exam API.
type CandidateHandler struct {
	engine SessionEngine
}

// NewCandidateHandler creates a new CandidateHandler.
func NewCandidateHandler(engine SessionEngine) *CandidateHandler {
	return &CandidateHandler{engine: engine}
}

// ListExams godoc
// GET /api/v1/candidate/exams
// Returns active templates assigned to the candidate.
func (h *CandidateHandler) ListExams(c *gin.Context) {
	candidateID, ok := candidateFrom(c)
	if !ok {
		return
	}

	exams, err := h.engine.ListAvailableExams(c.Request.Context(), candidateID)
	if err != nil {
		response.FailError(c, err)
		return
	}
	if exams == nil {
		exams = []model.AvailableExam{}
	}

	response.Success(c, http.StatusOK, gin.H{"exams": exams})
}

// StartExam godoc
// POST /api/v1/candidate/exams/:template_id/start
// Draws a question set and opens a new session.
func (h *CandidateHandler) StartExam(c *gin.Context) {
	candidateID, ok := candidateFrom(c)
	if !ok {
		return
	}

	templateID, ok := uuidParam(c, "template_id")
	if !ok {
		return
	}

	started, err := h.engine.Start(c.Request.Context(), candidateID, templateID)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, started)
}

// ResumeSession godoc
// GET /api/v1/candidate/sessions/resume
// Returns the candidate's latest in-progress session.
func (h *CandidateHandler) ResumeSession(c *gin.Context) {
	candidateID, ok := candidateFrom(c)
	if !ok {
		return
	}

	view, err := h.engine.Resume(c.Request.Context(), candidateID)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// GetSession godoc
// GET /api/v1/candidate/sessions/:session_id
// Reloads the session state: questions, saved answers and remaining time.
func (h *CandidateHandler) GetSession(c *gin.Context) {
	candidateID, ok := candidateFrom(c)
	if !ok {
		return
	}

	sessionID, ok := uuidParam(c, "session_id")
	if !ok {
		return
	}

	view, err := h.engine.GetSession(c.Request.Context(), sessionID, candidateID)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// SaveAnswer godoc
// POST /api/v1/candidate/sessions/:session_id/answers
func (h *CandidateHandler) SaveAnswer(c *gin.Context) {
	candidateID, ok := candidateFrom(c)
	if !ok {
		return
	}

	sessionID, ok := uuidParam(c, "session_id")
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	saved, err := h.engine.SaveAnswer(c.Request.Context(), sessionID, candidateID,
		req.QuestionID, *req.SelectedIndex, req.ClientElapsedSecs)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, saved)
}

// Submit godoc
// POST /api/v1/candidate/sessions/:session_id/submit
// Finalizes and grades the session. The body is optional.
func (h *CandidateHandler) Submit(c *gin.Context) {
	candidateID, ok := candidateFrom(c)
	if !ok {
		return
	}

	sessionID, ok := uuidParam(c, "session_id")
	if !ok {
		return
	}

	var req model.SubmitRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	result, err := h.engine.Submit(c.Request.Context(), sessionID, candidateID, req.FinalElapsedSecs)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// GetResult godoc
// GET /api/v1/candidate/sessions/:session_id/result
func (h *CandidateHandler) GetResult(c *gin.Context) {
	candidateID, ok := candidateFrom(c)
	if !ok {
		return
	}

	sessionID, ok := uuidParam(c, "session_id")
	if !ok {
		return
	}

	result, err := h.engine.GetResult(c.Request.Context(), sessionID, candidateID)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// candidateFrom reads the authenticated candidate id, failing the request
// when the JWT middleware did not run.
func candidateFrom(c *gin.Context) (string, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil || claims.CandidateID() == "" {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return "", false
	}
	return claims.CandidateID(), true
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
