package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/certexam-backend/internal/model"
	"github.com/stemsi/certexam-backend/internal/repository"
)

type assignmentKey struct {
	template uuid.UUID
	email    string
}

type memState struct {
	sessions    map[uuid.UUID]*model.CandidateExam
	assignments map[assignmentKey]*model.Assignment
}

func (m *memState) clone() *memState {
	out := &memState{
		sessions:    make(map[uuid.UUID]*model.CandidateExam, len(m.sessions)),
		assignments: make(map[assignmentKey]*model.Assignment, len(m.assignments)),
	}
	for id, s := range m.sessions {
		out.sessions[id] = copySession(s)
	}
	for k, a := range m.assignments {
		cp := *a
		out.assignments[k] = &cp
	}
	return out
}

func copySession(s *model.CandidateExam) *model.CandidateExam {
	cp := *s
	cp.QuestionIDs = append([]string(nil), s.QuestionIDs...)
	cp.Answers = make(map[string]int, len(s.Answers))
	for k, v := range s.Answers {
		cp.Answers[k] = v
	}
	if s.Score != nil {
		v := *s.Score
		cp.Score = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		cp.EndedAt = &v
	}
	return &cp
}

// memStore is an in-memory SessionStore. InTx runs transactions one at a
// time against a copy of the state and publishes the copy on success.
type memStore struct {
	mu        sync.Mutex
	templates map[uuid.UUID]*model.ExamTemplate
	state     *memState
	failWith  error
	txOpen    atomic.Bool
}

func newMemStore() *memStore {
	return &memStore{
		templates: map[uuid.UUID]*model.ExamTemplate{},
		state: &memState{
			sessions:    map[uuid.UUID]*model.CandidateExam{},
			assignments: map[assignmentKey]*model.Assignment{},
		},
	}
}

func (m *memStore) addTemplate(t *model.ExamTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

func (m *memStore) assign(templateID uuid.UUID, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.assignments[assignmentKey{templateID, email}] = &model.Assignment{
		TemplateID:     templateID,
		CandidateEmail: email,
		Status:         model.AssignmentAssigned,
		AssignedAt:     time.Now(),
	}
}

func (m *memStore) assignment(templateID uuid.UUID, email string) model.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state.assignments[assignmentKey{templateID, email}]
}

func (m *memStore) session(id uuid.UUID) *model.CandidateExam {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySession(m.state.sessions[id])
}

func (m *memStore) GetTemplate(_ context.Context, id uuid.UUID) (*model.ExamTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	t, ok := m.templates[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListQuestionsByTemplate(context.Context, uuid.UUID) ([]model.Question, error) {
	return nil, nil
}

func (m *memStore) GetAssignment(_ context.Context, templateID uuid.UUID, email string) (*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.assignments[assignmentKey{templateID, email}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListAvailableExams(_ context.Context, email string) ([]model.AvailableExam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.AvailableExam{}
	for k, a := range m.state.assignments {
		t, ok := m.templates[k.template]
		if k.email != email || !ok || !t.IsActive {
			continue
		}
		e := model.AvailableExam{ExamTemplate: *t, AssignmentStatus: a.Status}
		for _, s := range m.state.sessions {
			if s.CandidateID == email && s.TemplateID == t.ID && s.Status == model.SessionStatusInProgress {
				id := s.ID
				e.InProgressID = &id
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) GetSession(_ context.Context, id uuid.UUID) (*model.CandidateExam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySession(s), nil
}

func (m *memStore) FindLatestInProgress(_ context.Context, candidateID string) (*model.CandidateExam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return latestInProgress(m.state, candidateID)
}

func latestInProgress(st *memState, candidateID string) (*model.CandidateExam, error) {
	var latest *model.CandidateExam
	for _, s := range st.sessions {
		if s.CandidateID != candidateID || s.Status != model.SessionStatusInProgress {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return copySession(latest), nil
}

func (m *memStore) ListExpiredSessionIDs(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*model.CandidateExam
	for _, s := range m.state.sessions {
		deadline := s.StartedAt.Add(time.Duration(s.TimeAllowedSecs) * time.Second)
		if s.Status == model.SessionStatusInProgress && (!deadline.After(now) || s.TimeElapsedSecs >= s.TimeAllowedSecs) {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].StartedAt.Before(expired[j].StartedAt) })
	ids := []uuid.UUID{}
	for i := 0; i < len(expired) && i < limit; i++ {
		ids = append(ids, expired[i].ID)
	}
	return ids, nil
}

func (m *memStore) ListResults(_ context.Context, templateID uuid.UUID, limit, offset int) ([]model.TemplateResultRow, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []model.TemplateResultRow
	for _, s := range m.state.sessions {
		if s.TemplateID != templateID {
			continue
		}
		rows = append(rows, model.TemplateResultRow{
			SessionID:       s.ID,
			CandidateID:     s.CandidateID,
			Status:          s.Status,
			Score:           s.Score,
			StartedAt:       s.StartedAt,
			EndedAt:         s.EndedAt,
			TimeElapsedSecs: s.TimeElapsedSecs,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartedAt.After(rows[j].StartedAt) })
	total := int64(len(rows))
	if offset >= len(rows) {
		return []model.TemplateResultRow{}, total, nil
	}
	end := min(offset+limit, len(rows))
	return rows[offset:end], total, nil
}

func (m *memStore) InTx(_ context.Context, fn func(tx repository.SessionTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}

	m.txOpen.Store(true)
	defer m.txOpen.Store(false)

	work := m.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

type memTx struct {
	state *memState
}

func (t *memTx) LockCandidate(context.Context, string) error { return nil }

func (t *memTx) FindInProgressForUpdate(_ context.Context, candidateID string) (*model.CandidateExam, error) {
	return latestInProgress(t.state, candidateID)
}

func (t *memTx) GetSessionForUpdate(_ context.Context, id uuid.UUID) (*model.CandidateExam, error) {
	s, ok := t.state.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySession(s), nil
}

func (t *memTx) CreateSession(_ context.Context, s *model.CandidateExam) error {
	for _, other := range t.state.sessions {
		if other.CandidateID == s.CandidateID && other.Status == model.SessionStatusInProgress {
			return repository.ErrActiveSessionExists
		}
	}
	s.Version = 1
	t.state.sessions[s.ID] = copySession(s)
	return nil
}

func (t *memTx) UpdateSession(_ context.Context, s *model.CandidateExam) error {
	cur, ok := t.state.sessions[s.ID]
	if !ok || cur.Version != s.Version {
		return repository.ErrStaleSession
	}
	s.Version++
	t.state.sessions[s.ID] = copySession(s)
	return nil
}

func (t *memTx) SetAssignmentStatus(_ context.Context, templateID uuid.UUID, email string, status model.AssignmentStatus) error {
	if a, ok := t.state.assignments[assignmentKey{templateID, email}]; ok {
		a.Status = status
	}
	return nil
}

// memCatalog serves fixed pools. When inTx is set, loads made while it
// reports true are counted in loadsInTx.
type memCatalog struct {
	mu        sync.Mutex
	pools     map[uuid.UUID]*model.TemplatePool
	inTx      func() bool
	loadsInTx int
}

func (c *memCatalog) GetPool(_ context.Context, templateID uuid.UUID) (*model.TemplatePool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx != nil && c.inTx() {
		c.loadsInTx++
	}
	p, ok := c.pools[templateID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}
