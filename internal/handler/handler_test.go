package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/certexam-backend/internal/apperr"
	"github.com/stemsi/certexam-backend/internal/middleware"
	"github.com/stemsi/certexam-backend/internal/model"
	"github.com/stemsi/certexam-backend/internal/response"
	"github.com/stemsi/certexam-backend/internal/service"
	"github.com/stemsi/certexam-backend/internal/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

const candidate = "ana@example.com"

// fakeEngine records the arguments it was called with and returns canned values.
type fakeEngine struct {
	err     error
	saveErr error

	gotSession  uuid.UUID
	gotQuestion string
	gotChoice   int
	gotElapsed  int

	view *model.SessionView
}

func (f *fakeEngine) Start(_ context.Context, _ string, templateID uuid.UUID) (*model.StartedSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.StartedSession{SessionID: uuid.New(), QuestionIDs: []string{"q1"}, TimeAllowedSecs: 1800}, nil
}

func (f *fakeEngine) Resume(context.Context, string) (*model.SessionView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.view, nil
}

func (f *fakeEngine) GetSession(_ context.Context, sessionID uuid.UUID, _ string) (*model.SessionView, error) {
	f.gotSession = sessionID
	if f.err != nil {
		return nil, f.err
	}
	return f.view, nil
}

func (f *fakeEngine) SaveAnswer(_ context.Context, sessionID uuid.UUID, _ string, questionID string, choice, clientElapsed int) (*model.SavedAnswer, error) {
	f.gotSession, f.gotQuestion, f.gotChoice, f.gotElapsed = sessionID, questionID, choice, clientElapsed
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.SavedAnswer{TimeElapsedSecs: clientElapsed, TimeRemainingSec: 1800 - clientElapsed}, nil
}

func (f *fakeEngine) Submit(_ context.Context, sessionID uuid.UUID, _ string, finalElapsed int) (*model.SubmitResult, error) {
	f.gotSession, f.gotElapsed = sessionID, finalElapsed
	if f.err != nil {
		return nil, f.err
	}
	return &model.SubmitResult{SessionID: sessionID, Score: 50, Status: model.SessionStatusCompleted}, nil
}

func (f *fakeEngine) GetResult(_ context.Context, sessionID uuid.UUID, _ string) (*model.SessionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.SessionResult{SessionID: sessionID, Score: 50, Status: model.SessionStatusCompleted}, nil
}

func (f *fakeEngine) ListAvailableExams(context.Context, string) ([]model.AvailableExam, error) {
	return nil, f.err
}

func withCandidate(c *gin.Context) {
	c.Set(middleware.ContextKeyClaims, &service.Claims{TokenType: service.TokenTypeCandidate, Email: candidate})
	c.Next()
}

func candidateRouter(engine SessionEngine) *gin.Engine {
	h := NewCandidateHandler(engine)
	r := gin.New()
	g := r.Group("/api/v1/candidate", withCandidate)
	g.GET("/exams", h.ListExams)
	g.POST("/exams/:template_id/start", h.StartExam)
	g.GET("/sessions/resume", h.ResumeSession)
	g.GET("/sessions/:session_id", h.GetSession)
	g.POST("/sessions/:session_id/answers", h.SaveAnswer)
	g.POST("/sessions/:session_id/submit", h.Submit)
	g.GET("/sessions/:session_id/result", h.GetResult)
	return r
}

type envelope struct {
	Data       json.RawMessage      `json:"data"`
	Error      *response.ErrorBody  `json:"error"`
	Pagination *response.Pagination `json:"pagination"`
}

func call(t *testing.T, r http.Handler, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestStartExam(t *testing.T) {
	r := candidateRouter(&fakeEngine{})

	w, env := call(t, r, http.MethodPost, "/api/v1/candidate/exams/"+uuid.NewString()+"/start", "")
	require.Equal(t, http.StatusCreated, w.Code)
	var started model.StartedSession
	require.NoError(t, json.Unmarshal(env.Data, &started))
	require.Equal(t, 1800, started.TimeAllowedSecs)

	w, env = call(t, r, http.MethodPost, "/api/v1/candidate/exams/not-a-uuid/start", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, response.ErrInvalidID, env.Error.Code)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   response.ErrCode
		msg    string
	}{
		{"not found", apperr.NotFound("Exam template not found"), http.StatusNotFound, response.ErrNotFound, "Exam template not found"},
		{"forbidden", apperr.Forbidden("Exam not assigned to candidate"), http.StatusForbidden, response.ErrForbidden, "Exam not assigned to candidate"},
		{"conflict", apperr.Conflict("Another exam is already in progress"), http.StatusConflict, response.ErrConflict, "Another exam is already in progress"},
		{"invalid state", apperr.InvalidState("Exam not in progress"), http.StatusConflict, response.ErrInvalidState, "Exam not in progress"},
		{"transient", apperr.Transient(errors.New("conn reset"), "Storage temporarily unavailable"), http.StatusServiceUnavailable, response.ErrUnavailable, "Storage temporarily unavailable"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, response.ErrInternal, response.GetMessage(response.ErrInternal)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := candidateRouter(&fakeEngine{err: tt.err})
			w, env := call(t, r, http.MethodPost, "/api/v1/candidate/exams/"+uuid.NewString()+"/start", "")
			require.Equal(t, tt.status, w.Code)
			require.Equal(t, tt.code, env.Error.Code)
			require.Equal(t, tt.msg, env.Error.Message)
		})
	}
}

func TestSaveAnswer(t *testing.T) {
	engine := &fakeEngine{}
	r := candidateRouter(engine)
	sid := uuid.New()
	qid := uuid.New()
	target := "/api/v1/candidate/sessions/" + sid.String() + "/answers"

	t.Run("valid", func(t *testing.T) {
		body := `{"question_id":"` + strings.ToUpper(qid.String()) + `","selected_index":0,"time_elapsed":90}`
		w, env := call(t, r, http.MethodPost, target, body)
		require.Equal(t, http.StatusOK, w.Code, env.Error)
		require.Equal(t, sid, engine.gotSession)
		require.Equal(t, strings.ToUpper(qid.String()), engine.gotQuestion)
		require.Equal(t, 0, engine.gotChoice)
		require.Equal(t, 90, engine.gotElapsed)

		var saved model.SavedAnswer
		require.NoError(t, json.Unmarshal(env.Data, &saved))
		require.Equal(t, 90, saved.TimeElapsedSecs)
		require.Equal(t, 1710, saved.TimeRemainingSec)
	})

	t.Run("missing selected index", func(t *testing.T) {
		w, env := call(t, r, http.MethodPost, target, `{"question_id":"`+qid.String()+`"}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, response.ErrValidation, env.Error.Code)
		require.Contains(t, env.Error.Fields, "selected_index")
	})

	t.Run("negative index", func(t *testing.T) {
		w, env := call(t, r, http.MethodPost, target, `{"question_id":"`+qid.String()+`","selected_index":-1}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, env.Error.Fields, "selected_index")
	})

	t.Run("question id is not a uuid", func(t *testing.T) {
		w, env := call(t, r, http.MethodPost, target, `{"question_id":"q-1","selected_index":1}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, "question_id must be a question UUID", env.Error.Fields["question_id"])
	})

	t.Run("elapsed beyond the stored range", func(t *testing.T) {
		engine.gotElapsed = 0
		body := `{"question_id":"` + qid.String() + `","selected_index":0,"time_elapsed":3000000000}`
		w, env := call(t, r, http.MethodPost, target, body)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, response.ErrValidation, env.Error.Code)
		require.Contains(t, env.Error.Fields, "time_elapsed")
		require.Zero(t, engine.gotElapsed, "the engine is never called")
	})
}

func TestSubmitRejectsOutOfRangeElapsed(t *testing.T) {
	engine := &fakeEngine{}
	r := candidateRouter(engine)
	target := "/api/v1/candidate/sessions/" + uuid.NewString() + "/submit"

	w, env := call(t, r, http.MethodPost, target, `{"final_time_elapsed":3000000000}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, response.ErrValidation, env.Error.Code)
	require.Contains(t, env.Error.Fields, "final_time_elapsed")
	require.Equal(t, uuid.Nil, engine.gotSession)
}

func TestSubmitBodyIsOptional(t *testing.T) {
	engine := &fakeEngine{}
	r := candidateRouter(engine)
	sid := uuid.New()
	target := "/api/v1/candidate/sessions/" + sid.String() + "/submit"

	w, env := call(t, r, http.MethodPost, target, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 0, engine.gotElapsed)

	var result model.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Equal(t, 50, result.Score)
	require.Equal(t, model.SessionStatusCompleted, result.Status)

	w, _ = call(t, r, http.MethodPost, target, `{"final_time_elapsed":600}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 600, engine.gotElapsed)
}

func TestResumeIsNotShadowedBySessionID(t *testing.T) {
	engine := &fakeEngine{view: &model.SessionView{SessionID: uuid.New(), Status: model.SessionStatusInProgress}}
	r := candidateRouter(engine)

	w, env := call(t, r, http.MethodGet, "/api/v1/candidate/sessions/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, uuid.Nil, engine.gotSession)

	var view model.SessionView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Equal(t, engine.view.SessionID, view.SessionID)
}

func TestListExamsReturnsEmptyArray(t *testing.T) {
	r := candidateRouter(&fakeEngine{})

	w, env := call(t, r, http.MethodGet, "/api/v1/candidate/exams", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"exams":[]}`, string(env.Data))
}

func TestMissingClaims(t *testing.T) {
	h := NewCandidateHandler(&fakeEngine{})
	r := gin.New()
	r.GET("/sessions/:session_id", h.GetSession)

	w, env := call(t, r, http.MethodGet, "/sessions/"+uuid.NewString(), "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, response.ErrTokenRequired, env.Error.Code)
}

type fakeResults struct {
	page, perPage int
	swept         int
}

func (f *fakeResults) ListTemplateResults(_ context.Context, _ uuid.UUID, page, perPage int) ([]model.TemplateResultRow, *response.Pagination, error) {
	f.page, f.perPage = page, perPage
	return []model.TemplateResultRow{}, &response.Pagination{Page: page, PerPage: perPage}, nil
}

func (f *fakeResults) SweepExpired(context.Context, int, int) (int, error) {
	return f.swept, nil
}

type fakeRefresher struct{}

func (fakeRefresher) Refresh(_ context.Context, templateID uuid.UUID) (int, error) {
	return 0, apperr.NotFound("Exam template not found")
}

func TestAdminHandler(t *testing.T) {
	results := &fakeResults{swept: 3}
	h := NewAdminHandler(results, fakeRefresher{}, 100, 4)
	r := gin.New()
	r.GET("/templates/:template_id/results", h.ListTemplateResults)
	r.POST("/templates/:template_id/catalog/refresh", h.RefreshCatalog)
	r.POST("/sessions/sweep", h.SweepSessions)

	w, env := call(t, r, http.MethodGet, "/templates/"+uuid.NewString()+"/results?page=2&per_page=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, results.page)
	require.Equal(t, 5, results.perPage)
	require.NotNil(t, env.Pagination)
	require.Equal(t, 2, env.Pagination.Page)

	w, env = call(t, r, http.MethodPost, "/sessions/sweep", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"timed_out":3}`, string(env.Data))

	w, env = call(t, r, http.MethodPost, "/templates/"+uuid.NewString()+"/catalog/refresh", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, response.ErrNotFound, env.Error.Code)
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("dial tcp: refused") }

	r := gin.New()
	r.GET("/health", NewHealthHandler(map[string]Pinger{"postgres": ok, "redis": ok}, zerolog.Nop()).Health)
	w, env := call(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok","dependencies":{"postgres":"ok","redis":"ok"}}`, string(env.Data))

	r = gin.New()
	r.GET("/health", NewHealthHandler(map[string]Pinger{"postgres": ok, "redis": down}, zerolog.Nop()).Health)
	w, env = call(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.JSONEq(t, `{"status":"degraded","dependencies":{"postgres":"ok","redis":"down"}}`, string(env.Data))
}

type fakeFeed struct {
	events []model.SessionEvent
	err    error
}

func (f *fakeFeed) Subscribe(context.Context, uuid.UUID) (<-chan model.SessionEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan model.SessionEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func TestMonitorTemplateSSE(t *testing.T) {
	sid := uuid.New()
	feed := &fakeFeed{events: []model.SessionEvent{
		{Type: model.EventAnswerSaved, SessionID: sid, Answered: 1, Total: 9},
		{Type: model.EventSessionFinalized, SessionID: sid, Status: model.SessionStatusCompleted},
	}}
	h := NewMonitorHandler(&fakeResults{}, feed, zerolog.Nop())
	r := gin.New()
	r.GET("/templates/:template_id/monitor", h.MonitorTemplateSSE)

	req := httptest.NewRequest(http.MethodGet, "/templates/"+uuid.NewString()+"/monitor", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames := strings.Split(strings.TrimSpace(w.Body.String()), "\n\n")
	require.Len(t, frames, 3)
	require.Contains(t, frames[0], `"type":"snapshot"`)
	require.Contains(t, frames[1], `"type":"answer_saved"`)
	require.Contains(t, frames[2], `"type":"session_finalized"`)
	for _, f := range frames {
		require.True(t, strings.HasPrefix(f, "data: "))
	}
}

func TestMonitorTemplateSSESubscribeFailure(t *testing.T) {
	h := NewMonitorHandler(&fakeResults{}, &fakeFeed{err: errors.New("redis down")}, zerolog.Nop())
	r := gin.New()
	r.GET("/templates/:template_id/monitor", h.MonitorTemplateSSE)

	w, env := call(t, r, http.MethodGet, "/templates/"+uuid.NewString()+"/monitor", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, response.ErrUnavailable, env.Error.Code)
}
