package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

// DocRef addresses one document role. Generation is the generation the
// writer started from; a write against a newer stored generation is stale.
type DocRef struct {
	ID         uuid.UUID
	Role       constants.Role
	Generation int64
}

func (r DocRef) String() string {
	return fmt.Sprintf("%s/%s@%d", r.Role, r.ID, r.Generation)
}

// ProcessedData carries the structured output of a stage. Only the field
// matching the role being written is used.
type ProcessedData struct {
	Assignment   *entity.AssignmentData
	Rubric       *entity.RubricData
	RubricSource constants.RubricSource
	Solution     *entity.SolutionData
}

// Unfinished lists every record a restart has to pick back up.
type Unfinished struct {
	// Assignments with at least one document pending or processing.
	Assignments []*entity.Assignment
	// Submissions whose processing is pending or processing, or whose
	// evaluation is queued or evaluating.
	Submissions []*entity.Submission
}

// Store is the document store the pipeline reads from and reports status to.
// Calls for different ids are safe to run concurrently.
type Store interface {
	CreateAssignment(ctx context.Context, a *entity.Assignment) error
	GetAssignment(ctx context.Context, id uuid.UUID) (*entity.Assignment, error)
	ListAssignments(ctx context.Context) ([]*entity.Assignment, error)
	DeleteAssignment(ctx context.Context, id uuid.UUID) error

	CreateSubmission(ctx context.Context, s *entity.Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*entity.Submission, error)
	ListSubmissions(ctx context.Context, assignmentID uuid.UUID) ([]*entity.Submission, error)
	DeleteSubmission(ctx context.Context, id uuid.UUID) error

	// UpdateStatus moves a document along its lifecycle. It fails with
	// common.ErrStale when ref.Generation is behind the stored generation and
	// with common.ErrConflict when the transition is not allowed.
	UpdateStatus(ctx context.Context, ref DocRef, to constants.ProcessingStatus, errMsg string) error
	// UpdateProcessedData stores stage output. The document must be processing
	// at ref.Generation.
	UpdateProcessedData(ctx context.Context, ref DocRef, data ProcessedData) error
	// ResetStatus moves a terminal document back to pending and bumps its generation.
	ResetStatus(ctx context.Context, id uuid.UUID, role constants.Role) (entity.DocState, error)
	// SetReadiness stores the derived readiness and returns the previous value.
	SetReadiness(ctx context.Context, assignmentID uuid.UUID, status constants.EvaluationReadyStatus) (constants.EvaluationReadyStatus, error)

	// TransitionEvaluation sets the evaluation status when the current status is
	// one of from. It reports whether the transition happened.
	TransitionEvaluation(ctx context.Context, submissionID uuid.UUID, from []constants.EvaluationStatus, to constants.EvaluationStatus, message, errMsg string) (bool, error)
	AppendEvaluationResult(ctx context.Context, submissionID uuid.UUID, result entity.ConsensusResult) error
	// CompleteEvaluation appends result and marks the evaluation completed in one
	// step, only while the submission is still evaluating. It reports whether
	// the result was stored.
	CompleteEvaluation(ctx context.Context, submissionID uuid.UUID, result entity.ConsensusResult, message string) (bool, error)

	ListUnfinished(ctx context.Context) (Unfinished, error)
	Close() error
}

// checkWrite validates a status write of ref against the stored state.
func checkWrite(ref DocRef, cur entity.DocState, to constants.ProcessingStatus) error {
	if ref.Generation != cur.Generation {
		return common.NewAppError("STALE_WRITE",
			fmt.Sprintf("%s: stored generation is %d", ref, cur.Generation), common.ErrStale)
	}
	if err := constants.ValidateTransition(cur.Status, to); err != nil {
		return common.NewAppError("ILLEGAL_TRANSITION", ref.String(), fmt.Errorf("%w: %v", common.ErrConflict, err))
	}
	return nil
}

func checkProcessing(ref DocRef, cur entity.DocState) error {
	if ref.Generation != cur.Generation {
		return common.NewAppError("STALE_WRITE",
			fmt.Sprintf("%s: stored generation is %d", ref, cur.Generation), common.ErrStale)
	}
	if cur.Status != constants.StatusProcessing {
		return common.NewAppError("NOT_PROCESSING",
			fmt.Sprintf("%s is %s", ref, cur.Status), common.ErrConflict)
	}
	return nil
}

func checkReset(id uuid.UUID, role constants.Role, cur entity.DocState) error {
	if !cur.Status.Terminal() {
		return common.NewAppError("RESET_IN_PROGRESS",
			fmt.Sprintf("%s/%s is %s", role, id, cur.Status), common.ErrConflict)
	}
	return nil
}

func notFound(kind string, id uuid.UUID) error {
	return common.NewAppError("NOT_FOUND", fmt.Sprintf("%s %s", kind, id), common.ErrNotFound)
}

func containsEval(set []constants.EvaluationStatus, s constants.EvaluationStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func active(s constants.ProcessingStatus) bool {
	return s == constants.StatusPending || s == constants.StatusProcessing
}
