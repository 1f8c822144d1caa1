package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/certexam-backend/internal/apperr"
	"github.com/stemsi/certexam-backend/internal/config"
	"github.com/stemsi/certexam-backend/internal/metrics"
	"github.com/stemsi/certexam-backend/internal/model"
	"github.com/stemsi/certexam-backend/internal/repository"
	"github.com/stemsi/certexam-backend/internal/response"
	"github.com/stemsi/certexam-backend/internal/scoring"
	"github.com/stemsi/certexam-backend/internal/selector"
	"github.com/stemsi/certexam-backend/internal/timing"
)

// Catalog supplies a template's question pool, answer keys included.
type Catalog interface {
	GetPool(ctx context.Context, templateID uuid.UUID) (*model.TemplatePool, error)
}

// EventPublisher receives session events once their change is committed.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.SessionEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.SessionEvent) {}

// ExamSessionService drives the lifecycle of one timed exam attempt.
// State is reloaded from the store on every call; nothing is kept in memory.
type ExamSessionService struct {
	store    repository.SessionStore
	catalog  Catalog
	selector *selector.Selector
	metrics  *metrics.Metrics
	events   EventPublisher
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	store repository.SessionStore,
	catalog Catalog,
	sel *selector.Selector,
	m *metrics.Metrics,
	cfg *config.Config,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		store:    store,
		catalog:  catalog,
		selector: sel,
		metrics:  m,
		events:   nopPublisher{},
		timeout:  cfg.StoreTimeout,
		now:      time.Now,
		log:      log.With().Str("component", "exam_session_service").Logger(),
	}
}

// SetEventPublisher routes committed session events to p, such as the live monitor.
func (s *ExamSessionService) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = nopPublisher{}
	}
	s.events = p
}

// Start creates a session for the candidate on the template, or returns the
// candidate's in-progress session on the same template.
func (s *ExamSessionService) Start(ctx context.Context, candidateID string, templateID uuid.UUID) (*model.StartedSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	candidateID = NormalizeEmail(candidateID)

	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, s.reject("start", s.storeErr(err, "Exam template not found"))
	}
	if !tpl.IsActive {
		return nil, s.reject("start", apperr.NotFound("Exam template not found"))
	}

	if _, err := s.store.GetAssignment(ctx, templateID, candidateID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.reject("start", apperr.Forbidden("Exam is not assigned to this candidate"))
		}
		return nil, s.reject("start", s.storeErr(err, ""))
	}

	pool, err := s.catalog.GetPool(ctx, templateID)
	if err != nil {
		return nil, s.reject("start", s.storeErr(err, "Exam template not found"))
	}

	// Catalog reads never run inside the transaction: a cache miss needs a
	// pool connection of its own. Preload the pool of any session Start may
	// have to time out.
	pools := map[uuid.UUID]*model.TemplatePool{templateID: pool}
	prev, err := s.store.FindLatestInProgress(ctx, candidateID)
	switch {
	case err == nil && prev.TemplateID != templateID:
		prevPool, err := s.catalog.GetPool(ctx, prev.TemplateID)
		if err != nil {
			return nil, s.reject("start", s.storeErr(err, "Exam template not found"))
		}
		pools[prev.TemplateID] = prevPool
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return nil, s.reject("start", s.storeErr(err, ""))
	}

	var (
		sess    *model.CandidateExam
		created bool
		expired *model.CandidateExam
	)
	err = s.store.InTx(ctx, func(tx repository.SessionTx) error {
		if err := tx.LockCandidate(ctx, candidateID); err != nil {
			return err
		}

		existing, err := tx.FindInProgressForUpdate(ctx, candidateID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		now := s.now()
		if existing != nil && timing.Expired(existing, now) {
			existingPool, ok := pools[existing.TemplateID]
			if !ok {
				return apperr.Transient(nil, "Exam state changed, retry")
			}
			if err := s.finalize(ctx, tx, existing, existingPool, model.SessionStatusTimedOut, existing.TimeElapsedSecs, now); err != nil {
				return err
			}
			expired, existing = existing, nil
		}

		if existing != nil {
			if existing.TemplateID != templateID {
				return apperr.Conflict("Another exam is already in progress")
			}
			sess = existing
			return nil
		}

		ids := s.selector.Select(pool.Questions, tpl.QuestionCount)
		if len(ids) == 0 {
			return apperr.InvalidState("Exam template has no questions")
		}

		sess = &model.CandidateExam{
			ID:              uuid.Must(uuid.NewV7()),
			CandidateID:     candidateID,
			TemplateID:      templateID,
			QuestionIDs:     ids,
			Answers:         map[string]int{},
			Status:          model.SessionStatusInProgress,
			StartedAt:       now,
			TimeAllowedSecs: tpl.TimeAllowedSecs,
		}
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}
		created = true
		return tx.SetAssignmentStatus(ctx, templateID, candidateID, model.AssignmentStarted)
	})
	if err != nil {
		return nil, s.reject("start", s.storeErr(err, ""))
	}

	if expired != nil {
		s.finalized(ctx, expired)
	}
	if created {
		s.announce(ctx, model.EventSessionStarted, sess)
		s.metrics.SessionStarted()
		s.log.Info().
			Str("session_id", sess.ID.String()).
			Str("template_id", templateID.String()).
			Int("questions", len(sess.QuestionIDs)).
			Msg("Session started")
	}

	return &model.StartedSession{
		SessionID:       sess.ID,
		QuestionIDs:     sess.QuestionIDs,
		TimeAllowedSecs: sess.TimeAllowedSecs,
	}, nil
}

// Resume returns the candidate's most recently started in-progress session.
// An expired session is timed out first and returned in its terminal state.
func (s *ExamSessionService) Resume(ctx context.Context, candidateID string) (*model.SessionView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sess, err := s.store.FindLatestInProgress(ctx, NormalizeEmail(candidateID))
	if err != nil {
		return nil, s.reject("resume", s.storeErr(err, "No exam in progress"))
	}

	sess, err = s.reconcile(ctx, sess)
	if err != nil {
		return nil, s.reject("resume", err)
	}
	return s.view(ctx, sess)
}

// GetSession returns the candidate's session with questions (without keys),
// saved answers and authoritative remaining time.
func (s *ExamSessionService) GetSession(ctx context.Context, sessionID uuid.UUID, candidateID string) (*model.SessionView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sess, err := s.owned(ctx, sessionID, candidateID)
	if err != nil {
		return nil, s.reject("get_session", err)
	}

	sess, err = s.reconcile(ctx, sess)
	if err != nil {
		return nil, s.reject("get_session", err)
	}
	return s.view(ctx, sess)
}

// SaveAnswer records the candidate's choice for one question of the session.
// Repeating a save that changes nothing writes nothing and publishes nothing.
func (s *ExamSessionService) SaveAnswer(ctx context.Context, sessionID uuid.UUID, candidateID, questionID string, choice, clientElapsed int) (*model.SavedAnswer, error) {
	if clientElapsed > model.MaxElapsedSecs {
		return nil, s.reject("save_answer", apperr.InvalidArgument("Elapsed time %d is out of range", clientElapsed))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	candidateID = NormalizeEmail(candidateID)
	key := model.CanonicalQuestionID(questionID)

	pool, err := s.sessionPool(ctx, sessionID, candidateID)
	if err != nil {
		return nil, s.reject("save_answer", err)
	}

	var (
		saved     model.SavedAnswer
		expired   bool
		unchanged bool
		sess      *model.CandidateExam
	)
	err = s.store.InTx(ctx, func(tx repository.SessionTx) error {
		var err error
		sess, err = tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.CandidateID != candidateID {
			return repository.ErrNotFound
		}
		if sess.Status != model.SessionStatusInProgress {
			return apperr.InvalidState("Exam not in progress")
		}

		now := s.now()
		if timing.Expired(sess, now) {
			expired = true
			return s.finalize(ctx, tx, sess, pool, model.SessionStatusTimedOut, sess.TimeElapsedSecs, now)
		}

		if !sess.HasQuestion(key) {
			return apperr.InvalidArgument("Question %s is not part of this exam", questionID)
		}
		if err := validateChoice(pool, key, choice); err != nil {
			return err
		}

		prev, answered := sess.Answers[key]
		unchanged = answered && prev == choice && clientElapsed <= sess.TimeElapsedSecs
		if !unchanged {
			sess.Answers[key] = choice
			sess.TimeElapsedSecs = max(sess.TimeElapsedSecs, clientElapsed)
			if err := tx.UpdateSession(ctx, sess); err != nil {
				return err
			}
		}
		saved.TimeElapsedSecs = sess.TimeElapsedSecs
		saved.TimeRemainingSec = timing.RemainingSeconds(sess, now)
		return nil
	})
	if err != nil {
		return nil, s.reject("save_answer", s.storeErr(err, "Exam not found"))
	}
	if expired {
		s.finalized(ctx, sess)
		return nil, s.reject("save_answer", apperr.InvalidState("Exam not in progress"))
	}
	if unchanged {
		return &saved, nil
	}

	s.announce(ctx, model.EventAnswerSaved, sess)
	s.metrics.AnswerSaved()
	return &saved, nil
}

// Submit finalizes the session as completed and returns its score. A session
// whose time already ran out is finalized as timed_out instead.
func (s *ExamSessionService) Submit(ctx context.Context, sessionID uuid.UUID, candidateID string, finalElapsed int) (*model.SubmitResult, error) {
	if finalElapsed > model.MaxElapsedSecs {
		return nil, s.reject("submit", apperr.InvalidArgument("Elapsed time %d is out of range", finalElapsed))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	candidateID = NormalizeEmail(candidateID)

	pool, err := s.sessionPool(ctx, sessionID, candidateID)
	if err != nil {
		return nil, s.reject("submit", err)
	}

	var sess *model.CandidateExam
	err = s.store.InTx(ctx, func(tx repository.SessionTx) error {
		var err error
		sess, err = tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.CandidateID != candidateID {
			return repository.ErrNotFound
		}
		if sess.Status != model.SessionStatusInProgress {
			return apperr.InvalidState("Exam already %s", sess.Status)
		}

		now := s.now()
		status := model.SessionStatusCompleted
		if timing.Expired(sess, now) {
			status = model.SessionStatusTimedOut
		}
		return s.finalize(ctx, tx, sess, pool, status, max(sess.TimeElapsedSecs, finalElapsed), now)
	})
	if err != nil {
		return nil, s.reject("submit", s.storeErr(err, "Exam not found"))
	}

	s.finalized(ctx, sess)
	return &model.SubmitResult{
		SessionID: sess.ID,
		Score:     scoreOf(sess),
		Status:    sess.Status,
	}, nil
}

// CheckTimeout times out the session if it is in progress and its allowed
// time has run out. It reports whether this call performed the transition.
func (s *ExamSessionService) CheckTimeout(ctx context.Context, sessionID uuid.UUID) (*model.CandidateExam, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, s.storeErr(err, "Exam not found")
	}
	if sess.Status != model.SessionStatusInProgress || !timing.Expired(sess, s.now()) {
		return sess, false, nil
	}
	return s.checkTimeout(ctx, sess)
}

// checkTimeout re-reads snap under lock and times it out if still due.
func (s *ExamSessionService) checkTimeout(ctx context.Context, snap *model.CandidateExam) (*model.CandidateExam, bool, error) {
	pool, err := s.catalog.GetPool(ctx, snap.TemplateID)
	if err != nil {
		return nil, false, s.storeErr(err, "Exam template not found")
	}

	var (
		sess     *model.CandidateExam
		timedOut bool
	)
	err = s.store.InTx(ctx, func(tx repository.SessionTx) error {
		var err error
		sess, err = tx.GetSessionForUpdate(ctx, snap.ID)
		if err != nil {
			return err
		}
		now := s.now()
		if sess.Status != model.SessionStatusInProgress || !timing.Expired(sess, now) {
			return nil
		}
		timedOut = true
		return s.finalize(ctx, tx, sess, pool, model.SessionStatusTimedOut, sess.TimeElapsedSecs, now)
	})
	if err != nil {
		return nil, false, s.storeErr(err, "Exam not found")
	}
	if timedOut {
		s.finalized(ctx, sess)
	}
	return sess, timedOut, nil
}

// GetResult returns the score and per-question breakdown of a finished session.
func (s *ExamSessionService) GetResult(ctx context.Context, sessionID uuid.UUID, candidateID string) (*model.SessionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sess, err := s.owned(ctx, sessionID, candidateID)
	if err != nil {
		return nil, s.reject("get_result", err)
	}
	sess, err = s.reconcile(ctx, sess)
	if err != nil {
		return nil, s.reject("get_result", err)
	}
	if !sess.Status.Terminal() {
		return nil, s.reject("get_result", apperr.InvalidState("Exam still in progress"))
	}

	pool, err := s.catalog.GetPool(ctx, sess.TemplateID)
	if err != nil {
		return nil, s.reject("get_result", s.storeErr(err, "Exam template not found"))
	}

	return &model.SessionResult{
		SessionID: sess.ID,
		Score:     scoreOf(sess),
		Status:    sess.Status,
		Details:   scoring.Details(sess.QuestionIDs, pool.Index(), sess.Answers),
	}, nil
}

// ListAvailableExams lists the active templates assigned to the candidate.
func (s *ExamSessionService) ListAvailableExams(ctx context.Context, candidateID string) ([]model.AvailableExam, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exams, err := s.store.ListAvailableExams(ctx, NormalizeEmail(candidateID))
	if err != nil {
		return nil, s.storeErr(err, "")
	}
	return exams, nil
}

// ListTemplateResults pages through the sessions recorded for a template.
func (s *ExamSessionService) ListTemplateResults(ctx context.Context, templateID uuid.UUID, page, perPage int) ([]model.TemplateResultRow, *response.Pagination, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	if _, err := s.store.GetTemplate(ctx, templateID); err != nil {
		return nil, nil, s.storeErr(err, "Exam template not found")
	}

	rows, total, err := s.store.ListResults(ctx, templateID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, s.storeErr(err, "")
	}

	return rows, &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: int(total),
		TotalPages: (int(total) + perPage - 1) / perPage,
	}, nil
}

// ─── Internals ─────────────────────────────────────────────────────────

// finalize moves sess into a terminal status, scores it once against pool and
// mirrors the assignment as completed, all inside tx.
func (s *ExamSessionService) finalize(ctx context.Context, tx repository.SessionTx, sess *model.CandidateExam, pool *model.TemplatePool, status model.SessionStatus, elapsed int, now time.Time) error {
	if status == model.SessionStatusTimedOut {
		elapsed = max(elapsed, sess.TimeAllowedSecs)
	}
	score := scoring.Score(sess.QuestionIDs, pool.AnswerKey(), sess.Answers)
	ended := now

	sess.Status = status
	sess.TimeElapsedSecs = max(sess.TimeElapsedSecs, elapsed)
	sess.EndedAt = &ended
	sess.Score = &score

	if err := tx.UpdateSession(ctx, sess); err != nil {
		return err
	}
	if err := tx.SetAssignmentStatus(ctx, sess.TemplateID, sess.CandidateID, model.AssignmentCompleted); err != nil {
		return err
	}
	return nil
}

// finalized records a committed finalization of sess.
func (s *ExamSessionService) finalized(ctx context.Context, sess *model.CandidateExam) {
	s.metrics.SessionFinalized(string(sess.Status))
	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("template_id", sess.TemplateID.String()).
		Str("status", string(sess.Status)).
		Int("score", scoreOf(sess)).
		Int("time_elapsed", sess.TimeElapsedSecs).
		Msg("Session finalized")
	s.announce(ctx, model.EventSessionFinalized, sess)
}

// reconcile runs the timeout check for a session read outside a transaction
// and returns its current state.
func (s *ExamSessionService) reconcile(ctx context.Context, sess *model.CandidateExam) (*model.CandidateExam, error) {
	if sess.Status != model.SessionStatusInProgress || !timing.Expired(sess, s.now()) {
		return sess, nil
	}
	updated, _, err := s.checkTimeout(ctx, sess)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// owned loads a session and hides sessions of other candidates as not found.
func (s *ExamSessionService) owned(ctx context.Context, sessionID uuid.UUID, candidateID string) (*model.CandidateExam, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, s.storeErr(err, "Exam not found")
	}
	if sess.CandidateID != NormalizeEmail(candidateID) {
		return nil, apperr.NotFound("Exam not found")
	}
	return sess, nil
}

// sessionPool loads the question pool of the candidate's session ahead of
// the locking transaction. The template of a session never changes.
func (s *ExamSessionService) sessionPool(ctx context.Context, sessionID uuid.UUID, candidateID string) (*model.TemplatePool, error) {
	sess, err := s.owned(ctx, sessionID, candidateID)
	if err != nil {
		return nil, err
	}
	pool, err := s.catalog.GetPool(ctx, sess.TemplateID)
	if err != nil {
		return nil, s.storeErr(err, "Exam template not found")
	}
	return pool, nil
}

func validateChoice(pool *model.TemplatePool, key string, choice int) error {
	if choice < 0 {
		return apperr.InvalidArgument("Choice index must not be negative")
	}
	q, ok := pool.Index()[key]
	if !ok {
		return apperr.InvalidArgument("Question %s is no longer in the catalog", key)
	}
	if !q.ValidChoice(choice) {
		return apperr.InvalidArgument("Choice index %d is out of range", choice)
	}
	return nil
}

func (s *ExamSessionService) view(ctx context.Context, sess *model.CandidateExam) (*model.SessionView, error) {
	pool, err := s.catalog.GetPool(ctx, sess.TemplateID)
	if err != nil {
		return nil, s.storeErr(err, "Exam template not found")
	}
	index := pool.Index()

	questions := make([]model.QuestionForCandidate, 0, len(sess.QuestionIDs))
	for _, id := range sess.QuestionIDs {
		if q, ok := index[model.CanonicalQuestionID(id)]; ok {
			questions = append(questions, q.ForCandidate())
		}
	}

	now := s.now()
	v := &model.SessionView{
		SessionID:        sess.ID,
		TemplateID:       sess.TemplateID,
		Questions:        questions,
		Answers:          sess.Answers,
		TimeAllowedSecs:  sess.TimeAllowedSecs,
		TimeElapsedSecs:  timing.ElapsedSeconds(sess, now),
		TimeRemainingSec: timing.RemainingSeconds(sess, now),
		Status:           sess.Status,
	}
	if sess.Status.Terminal() {
		v.TimeElapsedSecs = sess.TimeElapsedSecs
		v.TimeRemainingSec = 0
	}
	return v, nil
}

// storeErr translates repository and infrastructure failures into engine
// error kinds. Errors that already carry a kind pass through.
func (s *ExamSessionService) storeErr(err error, notFoundMsg string) error {
	var ae *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, repository.ErrNotFound):
		if notFoundMsg == "" {
			notFoundMsg = "Not found"
		}
		return apperr.NotFound("%s", notFoundMsg)
	case errors.Is(err, repository.ErrActiveSessionExists):
		return apperr.Conflict("Another exam is already in progress")
	case errors.Is(err, repository.ErrStaleSession):
		return apperr.Transient(err, "Exam was modified concurrently, retry")
	default:
		s.log.Error().Err(err).Msg("Storage operation failed")
		return apperr.Transient(err, "Storage temporarily unavailable")
	}
}

// announce publishes a committed change of sess.
func (s *ExamSessionService) announce(ctx context.Context, typ model.SessionEventType, sess *model.CandidateExam) {
	s.events.Publish(ctx, model.SessionEvent{
		Type:        typ,
		SessionID:   sess.ID,
		TemplateID:  sess.TemplateID,
		CandidateID: sess.CandidateID,
		Status:      sess.Status,
		Answered:    len(sess.Answers),
		Total:       len(sess.QuestionIDs),
		Score:       sess.Score,
		At:          s.now(),
	})
}

func (s *ExamSessionService) reject(op string, err error) error {
	s.metrics.Rejected(op, string(apperr.KindOf(err)))
	return err
}

func scoreOf(sess *model.CandidateExam) int {
	if sess.Score == nil {
		return 0
	}
	return *sess.Score
}
