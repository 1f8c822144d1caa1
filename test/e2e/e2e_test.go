//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"

	"github.com/stemsi/certexam-backend/internal/config"
	"github.com/stemsi/certexam-backend/internal/model"
	"github.com/stemsi/certexam-backend/internal/repository"
	"github.com/stemsi/certexam-backend/internal/service"
)

const (
	defaultBaseURL = "http://localhost:8080/api/v1"
	candidateEmail = "e2e_candidate@example.com"
	adminEmail     = "e2e_admin@example.com"
	poolSize       = 9
)

var (
	baseURL        string
	templateID     string
	answerKey      = map[string]int{}
	candidateToken string
	adminToken     string
	sessionID      string
	questionIDs    []string
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	baseURL = os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	cfg := config.Load()
	if err := seed(cfg); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}

	// Tokens are minted with the server's secret, as the identity service would.
	auth := service.NewAuthService(cfg)
	var err error
	if candidateToken, err = auth.IssueToken(candidateEmail, service.TokenTypeCandidate); err != nil {
		fmt.Printf("Issue token failed: %v\n", err)
		os.Exit(1)
	}
	if adminToken, err = auth.IssueToken(adminEmail, service.TokenTypeAdmin); err != nil {
		fmt.Printf("Issue token failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func seed(cfg *config.Config) error {
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer conn.Close(ctx)

	// Cleanup previous test data (order matters due to FK)
	if _, err := conn.Exec(ctx, `DELETE FROM candidate_exams WHERE candidate_id = $1`, candidateEmail); err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}

	repo := repository.NewTemplateRepository(conn)
	tpl := &model.ExamTemplate{
		Title:           "E2E Exam",
		Language:        "en",
		QuestionCount:   poolSize,
		TimeAllowedSecs: 1800,
		IsActive:        true,
		CreatedBy:       adminEmail,
	}
	if err := repo.CreateTemplate(ctx, tpl); err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	templateID = tpl.ID.String()

	for i := 0; i < poolSize; i++ {
		d := model.Difficulties[i%len(model.Difficulties)]
		q := &model.Question{
			TemplateID:  &tpl.ID,
			Text:        fmt.Sprintf("E2E question %d", i),
			Choices:     []string{"a", "b", "c", "d"},
			AnswerIndex: i % 4,
			Difficulty:  &d,
		}
		if err := repo.CreateQuestion(ctx, q); err != nil {
			return fmt.Errorf("create question: %w", err)
		}
		answerKey[q.ID.String()] = q.AnswerIndex
	}

	return repo.UpsertAssignment(ctx, &model.Assignment{TemplateID: tpl.ID, CandidateEmail: candidateEmail})
}

func TestE2EFlow(t *testing.T) {
	t.Run("ListExams", func(t *testing.T) {
		resp := mustDo(t, http.MethodGet, "/candidate/exams", nil, candidateToken, http.StatusOK)
		var body struct {
			Data struct {
				Exams []model.AvailableExam `json:"exams"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)

		found := false
		for _, e := range body.Data.Exams {
			if e.ID.String() == templateID {
				found = true
			}
		}
		if !found {
			t.Fatalf("template %s not listed", templateID)
		}
	})

	t.Run("Start", func(t *testing.T) {
		resp := mustDo(t, http.MethodPost, "/candidate/exams/"+templateID+"/start", nil, candidateToken, http.StatusCreated)
		var body struct {
			Data model.StartedSession `json:"data"`
		}
		decodeJSON(t, resp, &body)
		sessionID = body.Data.SessionID.String()
		questionIDs = body.Data.QuestionIDs
		if len(questionIDs) != poolSize {
			t.Fatalf("expected %d questions, got %d", poolSize, len(questionIDs))
		}
	})

	t.Run("StartAgainReturnsSameSession", func(t *testing.T) {
		resp := mustDo(t, http.MethodPost, "/candidate/exams/"+templateID+"/start", nil, candidateToken, http.StatusCreated)
		var body struct {
			Data model.StartedSession `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if body.Data.SessionID.String() != sessionID {
			t.Fatalf("expected session %s, got %s", sessionID, body.Data.SessionID)
		}
	})

	t.Run("SaveAnswers", func(t *testing.T) {
		// Five right, four wrong.
		for i, qid := range questionIDs {
			choice := answerKey[qid]
			if i >= 5 {
				choice = (choice + 1) % 4
			}
			req := map[string]any{"question_id": qid, "selected_index": choice, "time_elapsed": 10 * (i + 1)}
			mustDo(t, http.MethodPost, "/candidate/sessions/"+sessionID+"/answers", req, candidateToken, http.StatusOK).Body.Close()
		}
	})

	t.Run("InvalidChoiceRejected", func(t *testing.T) {
		req := map[string]any{"question_id": questionIDs[0], "selected_index": 9}
		mustDo(t, http.MethodPost, "/candidate/sessions/"+sessionID+"/answers", req, candidateToken, http.StatusBadRequest).Body.Close()
	})

	t.Run("Resume", func(t *testing.T) {
		resp := mustDo(t, http.MethodGet, "/candidate/sessions/resume", nil, candidateToken, http.StatusOK)
		var body struct {
			Data model.SessionView `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if len(body.Data.Answers) != poolSize {
			t.Fatalf("expected %d saved answers, got %d", poolSize, len(body.Data.Answers))
		}
		if body.Data.TimeRemainingSec <= 0 {
			t.Fatalf("expected time remaining, got %d", body.Data.TimeRemainingSec)
		}
	})

	t.Run("Submit", func(t *testing.T) {
		resp := mustDo(t, http.MethodPost, "/candidate/sessions/"+sessionID+"/submit", map[string]int{"final_time_elapsed": 120}, candidateToken, http.StatusOK)
		var body struct {
			Data model.SubmitResult `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if body.Data.Score != 55 {
			t.Fatalf("expected score 55, got %d", body.Data.Score)
		}
		if body.Data.Status != model.SessionStatusCompleted {
			t.Fatalf("expected completed, got %s", body.Data.Status)
		}
	})

	t.Run("SubmitTwiceConflicts", func(t *testing.T) {
		mustDo(t, http.MethodPost, "/candidate/sessions/"+sessionID+"/submit", nil, candidateToken, http.StatusConflict).Body.Close()
	})

	t.Run("Result", func(t *testing.T) {
		resp := mustDo(t, http.MethodGet, "/candidate/sessions/"+sessionID+"/result", nil, candidateToken, http.StatusOK)
		var body struct {
			Data model.SessionResult `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if len(body.Data.Details) != poolSize {
			t.Fatalf("expected %d details, got %d", poolSize, len(body.Data.Details))
		}
	})

	t.Run("AdminResults", func(t *testing.T) {
		resp := mustDo(t, http.MethodGet, "/admin/templates/"+templateID+"/results?page=1&per_page=10", nil, adminToken, http.StatusOK)
		var body struct {
			Data []model.TemplateResultRow `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if len(body.Data) != 1 || body.Data[0].Score == nil || *body.Data[0].Score != 55 {
			t.Fatalf("unexpected results: %+v", body.Data)
		}
	})

	t.Run("CandidateTokenRejectedOnAdminAPI", func(t *testing.T) {
		mustDo(t, http.MethodGet, "/admin/templates/"+templateID+"/results", nil, candidateToken, http.StatusForbidden).Body.Close()
	})
}

// Helpers

func mustDo(t *testing.T, method, path string, body any, token string, want int) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest(method, baseURL+path, bodyReader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, readBody(resp))
	}
	return resp
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}
