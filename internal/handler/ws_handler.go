package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/certexam-backend/internal/apperr"
	"github.com/stemsi/certexam-backend/internal/middleware"
	"github.com/stemsi/certexam-backend/internal/model"
	"github.com/stemsi/certexam-backend/internal/response"
	"github.com/stemsi/certexam-backend/internal/validator"
	ws "github.com/stemsi/certexam-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// FrameLimiter meters write frames per principal.
type FrameLimiter interface {
	Allow(ctx context.Context, principal string) bool
}

// WSHandler streams autosaves and submits for one session over a WebSocket.
// Every frame goes through the same engine operations as the HTTP API, and
// write frames count against the same rate limit as the HTTP writes.
type WSHandler struct {
	engine   SessionEngine
	limiter  FrameLimiter
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. A nil limiter leaves frames unmetered.
func NewWSHandler(engine SessionEngine, limiter FrameLimiter, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		engine:   engine,
		limiter:  limiter,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/candidate/sessions/:session_id/stream?token=...
func (h *WSHandler) SessionStream(c *gin.Context) {
	candidateID, ok := candidateFrom(c)
	if !ok {
		return
	}

	sessionID, ok := uuidParam(c, "session_id")
	if !ok {
		return
	}

	// Reject unknown or foreign sessions before upgrading.
	view, err := h.engine.GetSession(c.Request.Context(), sessionID, candidateID)
	if err != nil {
		response.FailError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("candidate_id", candidateID).
		Str("session_id", sessionID.String()).
		Logger()

	wsLog.Info().Str("status", string(view.Status)).Msg("Candidate connected")

	stream := &sessionStream{
		engine:      h.engine,
		limiter:     h.limiter,
		principal:   middleware.Principal(c),
		conn:        conn,
		log:         wsLog,
		sessionID:   sessionID,
		candidateID: candidateID,
	}

	for {
		data, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		if done := stream.dispatch(c.Request.Context(), data); done {
			return
		}
	}
}

// sessionStream carries the per-connection state of one stream.
type sessionStream struct {
	engine      SessionEngine
	limiter     FrameLimiter
	principal   string
	conn        *websocket.Conn
	log         zerolog.Logger
	sessionID   uuid.UUID
	candidateID string
}

// dispatch handles one frame. It reports true once the session is graded
// and the connection should close.
func (s *sessionStream) dispatch(ctx context.Context, data []byte) bool {
	var env ws.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.writeError(string(response.ErrInvalidPayload), "malformed frame")
		return false
	}

	if (env.Action == ws.ActionAutosave || env.Action == ws.ActionSubmit) &&
		s.limiter != nil && !s.limiter.Allow(ctx, s.principal) {
		s.writeError(string(response.ErrRateLimitExceeded), response.GetMessage(response.ErrRateLimitExceeded))
		return false
	}

	switch env.Action {
	case ws.ActionAutosave:
		s.handleAutosave(ctx, data)
	case ws.ActionSubmit:
		return s.handleSubmit(ctx, data)
	case ws.ActionPing:
		s.handlePing(ctx)
	default:
		s.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		s.writeError(string(response.ErrInvalidPayload), "unknown action: "+string(env.Action))
	}
	return false
}

func (s *sessionStream) handleAutosave(ctx context.Context, data []byte) {
	var req ws.AutosaveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError(string(response.ErrInvalidPayload), "malformed autosave frame")
		return
	}
	if fields := validator.Struct(&req.SaveAnswerRequest); fields != nil {
		s.writeError(string(response.ErrValidation), joinFields(fields))
		return
	}

	saved, err := s.engine.SaveAnswer(ctx, s.sessionID, s.candidateID,
		req.QuestionID, *req.SelectedIndex, req.ClientElapsedSecs)
	if err != nil {
		s.writeEngineError(err)
		return
	}

	s.write(ws.SavedResponse{
		Event:         ws.EventSaved,
		QuestionID:    model.CanonicalQuestionID(req.QuestionID),
		TimeElapsed:   saved.TimeElapsedSecs,
		TimeRemaining: saved.TimeRemainingSec,
	})
}

func (s *sessionStream) handleSubmit(ctx context.Context, data []byte) bool {
	var req ws.SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError(string(response.ErrInvalidPayload), "malformed submit frame")
		return false
	}
	if fields := validator.Struct(&req.SubmitRequest); fields != nil {
		s.writeError(string(response.ErrValidation), joinFields(fields))
		return false
	}

	result, err := s.engine.Submit(ctx, s.sessionID, s.candidateID, req.FinalElapsedSecs)
	if err != nil {
		s.writeEngineError(err)
		return false
	}

	s.log.Info().Int("score", result.Score).Str("status", string(result.Status)).Msg("Session graded over stream")
	s.write(ws.GradedResponse{
		Event:     ws.EventGraded,
		SessionID: result.SessionID,
		Status:    result.Status,
		Score:     result.Score,
	})
	return true
}

func (s *sessionStream) handlePing(ctx context.Context) {
	view, err := s.engine.GetSession(ctx, s.sessionID, s.candidateID)
	if err != nil {
		s.writeEngineError(err)
		return
	}
	s.write(ws.PongResponse{
		Event:         ws.EventPong,
		Status:        view.Status,
		TimeRemaining: view.TimeRemainingSec,
	})
}

func (s *sessionStream) writeEngineError(err error) {
	e := apperr.Convert(err)
	msg := e.Message
	if e.Kind == apperr.KindInternal {
		msg = response.GetMessage(response.ErrInternal)
	}
	s.writeError(string(response.CodeForKind(e.Kind)), msg)
}

func (s *sessionStream) writeError(code, msg string) {
	if err := ws.WriteError(s.conn, code, msg); err != nil {
		s.log.Debug().Err(err).Msg("Write error frame failed")
	}
}

func (s *sessionStream) write(v any) {
	if err := ws.WriteTyped(s.conn, v); err != nil {
		s.log.Debug().Err(err).Msg("Write frame failed")
	}
}

func joinFields(fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for _, msg := range fields {
		parts = append(parts, msg)
	}
	slices.Sort(parts)
	return strings.Join(parts, "; ")
}
