package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

// MemoryStore keeps every record in process memory. Used for local runs
// (DB_DRIVER=memory) and tests.
type MemoryStore struct {
	clock clock.PassiveClock

	mu          sync.RWMutex
	assignments map[uuid.UUID]*entity.Assignment
	submissions map[uuid.UUID]*entity.Submission
}

func NewMemoryStore(c clock.PassiveClock) *MemoryStore {
	if c == nil {
		c = clock.RealClock{}
	}
	return &MemoryStore{
		clock:       c,
		assignments: make(map[uuid.UUID]*entity.Assignment),
		submissions: make(map[uuid.UUID]*entity.Submission),
	}
}

func cloneAssignment(a *entity.Assignment) *entity.Assignment {
	c := *a
	c.Models = append([]string(nil), a.Models...)
	return &c
}

func cloneSubmission(s *entity.Submission) *entity.Submission {
	c := *s
	c.Results = append([]entity.ConsensusResult(nil), s.Results...)
	return &c
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a *entity.Assignment) error {
	if a.ID == uuid.Nil {
		return common.NewAppError("INVALID_ASSIGNMENT", "id is required", common.ErrInvalidInput)
	}
	now := m.clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.ID]; ok {
		return common.NewAppError("DUPLICATE", "assignment "+a.ID.String(), common.ErrConflict)
	}
	a.ApplyDefaults(now)
	m.assignments[a.ID] = cloneAssignment(a)
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id uuid.UUID) (*entity.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, notFound("assignment", id)
	}
	return cloneAssignment(a), nil
}

func (m *MemoryStore) ListAssignments(_ context.Context) ([]*entity.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entity.Assignment, 0, len(m.assignments))
	for _, a := range m.assignments {
		out = append(out, cloneAssignment(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteAssignment(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[id]; !ok {
		return notFound("assignment", id)
	}
	delete(m.assignments, id)
	for sid, s := range m.submissions {
		if s.AssignmentID == id {
			delete(m.submissions, sid)
		}
	}
	return nil
}

func (m *MemoryStore) CreateSubmission(_ context.Context, s *entity.Submission) error {
	if s.ID == uuid.Nil {
		return common.NewAppError("INVALID_SUBMISSION", "id is required", common.ErrInvalidInput)
	}
	now := m.clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[s.AssignmentID]; !ok {
		return notFound("assignment", s.AssignmentID)
	}
	if _, ok := m.submissions[s.ID]; ok {
		return common.NewAppError("DUPLICATE", "submission "+s.ID.String(), common.ErrConflict)
	}
	s.ApplyDefaults(now)
	m.submissions[s.ID] = cloneSubmission(s)
	return nil
}

func (m *MemoryStore) GetSubmission(_ context.Context, id uuid.UUID) (*entity.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, notFound("submission", id)
	}
	return cloneSubmission(s), nil
}

func (m *MemoryStore) ListSubmissions(_ context.Context, assignmentID uuid.UUID) ([]*entity.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entity.Submission
	for _, s := range m.submissions {
		if s.AssignmentID == assignmentID {
			out = append(out, cloneSubmission(s))
		}
	}
	sortSubmissions(out)
	return out, nil
}

func (m *MemoryStore) DeleteSubmission(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.submissions[id]; !ok {
		return notFound("submission", id)
	}
	delete(m.submissions, id)
	return nil
}

// docLocked returns a pointer to the stored state of ref's document.
func (m *MemoryStore) docLocked(id uuid.UUID, role constants.Role) (*entity.DocState, error) {
	if role == constants.RoleSubmission {
		s, ok := m.submissions[id]
		if !ok {
			return nil, notFound("submission", id)
		}
		return &s.Processing, nil
	}
	a, ok := m.assignments[id]
	if !ok {
		return nil, notFound("assignment", id)
	}
	switch role {
	case constants.RoleRubric:
		return &a.Rubric, nil
	case constants.RoleSolution:
		return &a.Solution, nil
	default:
		return &a.Assignment, nil
	}
}

func (m *MemoryStore) touchLocked(id uuid.UUID, role constants.Role) {
	now := m.clock.Now().UTC()
	if role == constants.RoleSubmission {
		m.submissions[id].UpdatedAt = now
		return
	}
	m.assignments[id].UpdatedAt = now
}

func (m *MemoryStore) UpdateStatus(_ context.Context, ref DocRef, to constants.ProcessingStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.docLocked(ref.ID, ref.Role)
	if err != nil {
		return err
	}
	if err := checkWrite(ref, *st, to); err != nil {
		return err
	}
	st.Status = to
	st.Error = errMsg
	st.UpdatedAt = m.clock.Now().UTC()
	m.touchLocked(ref.ID, ref.Role)
	return nil
}

func (m *MemoryStore) UpdateProcessedData(_ context.Context, ref DocRef, data ProcessedData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.docLocked(ref.ID, ref.Role)
	if err != nil {
		return err
	}
	if err := checkProcessing(ref, *st); err != nil {
		return err
	}
	a := m.assignments[ref.ID]
	switch ref.Role {
	case constants.RoleAssignment:
		a.ProcessedData = data.Assignment
	case constants.RoleRubric:
		a.ProcessedRubric = data.Rubric
		a.RubricSource = data.RubricSource
	case constants.RoleSolution:
		a.ProcessedSolution = data.Solution
	default:
		return common.NewAppError("INVALID_ROLE", string(ref.Role)+" has no processed data", common.ErrInvalidInput)
	}
	m.touchLocked(ref.ID, ref.Role)
	return nil
}

func (m *MemoryStore) ResetStatus(_ context.Context, id uuid.UUID, role constants.Role) (entity.DocState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.docLocked(id, role)
	if err != nil {
		return entity.DocState{}, err
	}
	if err := checkReset(id, role, *st); err != nil {
		return entity.DocState{}, err
	}
	*st = entity.DocState{
		Status:     constants.StatusPending,
		Generation: st.Generation + 1,
		UpdatedAt:  m.clock.Now().UTC(),
	}
	m.touchLocked(id, role)
	return *st, nil
}

func (m *MemoryStore) SetReadiness(_ context.Context, id uuid.UUID, status constants.EvaluationReadyStatus) (constants.EvaluationReadyStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return "", notFound("assignment", id)
	}
	prev := a.EvaluationReadyStatus
	if prev != status {
		a.EvaluationReadyStatus = status
		a.UpdatedAt = m.clock.Now().UTC()
	}
	return prev, nil
}

func (m *MemoryStore) TransitionEvaluation(_ context.Context, id uuid.UUID, from []constants.EvaluationStatus, to constants.EvaluationStatus, message, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return false, notFound("submission", id)
	}
	if !containsEval(from, s.EvaluationStatus) {
		return false, nil
	}
	now := m.clock.Now().UTC()
	s.EvaluationStatus = to
	s.EvaluationMessage = message
	s.EvaluationError = errMsg
	s.EvaluationUpdatedAt = now
	s.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) AppendEvaluationResult(_ context.Context, id uuid.UUID, result entity.ConsensusResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return notFound("submission", id)
	}
	m.appendResultLocked(s, result)
	return nil
}

func (m *MemoryStore) CompleteEvaluation(_ context.Context, id uuid.UUID, result entity.ConsensusResult, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return false, notFound("submission", id)
	}
	if s.EvaluationStatus != constants.EvalEvaluating {
		return false, nil
	}
	m.appendResultLocked(s, result)
	s.EvaluationStatus = constants.EvalCompleted
	s.EvaluationMessage = message
	s.EvaluationError = ""
	s.EvaluationUpdatedAt = s.UpdatedAt
	return true, nil
}

func (m *MemoryStore) appendResultLocked(s *entity.Submission, result entity.ConsensusResult) {
	now := m.clock.Now().UTC()
	result.SubmissionID = s.ID
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.GradeResult = result.GradeResult.Clone()
	s.Results = append(s.Results, result)
	s.UpdatedAt = now
}

func (m *MemoryStore) ListUnfinished(_ context.Context) (Unfinished, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out Unfinished
	for _, a := range m.assignments {
		if active(a.Assignment.Status) || active(a.Rubric.Status) || active(a.Solution.Status) {
			out.Assignments = append(out.Assignments, cloneAssignment(a))
		}
	}
	for _, s := range m.submissions {
		if active(s.Processing.Status) ||
			s.EvaluationStatus == constants.EvalQueued || s.EvaluationStatus == constants.EvalEvaluating {
			out.Submissions = append(out.Submissions, cloneSubmission(s))
		}
	}
	sort.Slice(out.Assignments, func(i, j int) bool {
		return out.Assignments[i].CreatedAt.Before(out.Assignments[j].CreatedAt)
	})
	sortSubmissions(out.Submissions)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortSubmissions(s []*entity.Submission) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID.String() < s[j].ID.String()
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}
