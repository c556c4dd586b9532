package constants

import "fmt"

// ProcessingStatus is the per-document-role status (assignment, rubric, solution, submission).
// Stable values; stored verbatim in the database.
type ProcessingStatus string

const (
	StatusPending       ProcessingStatus = "pending"
	StatusProcessing    ProcessingStatus = "processing"
	StatusCompleted     ProcessingStatus = "completed"
	StatusFailed        ProcessingStatus = "failed"
	StatusNotApplicable ProcessingStatus = "not_applicable" // optional document never supplied
)

// AllProcessingStatuses lists every ProcessingStatus value.
var AllProcessingStatuses = []ProcessingStatus{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusNotApplicable,
}

func (s ProcessingStatus) Valid() bool {
	for _, v := range AllProcessingStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusNotApplicable
}

// CanTransition reports whether the natural lifecycle allows from -> to.
// Processing -> Pending is the requeue edge used between retry attempts.
// Leaving a terminal state requires an explicit reset, which is not a transition.
func CanTransition(from, to ProcessingStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	default:
		return false
	}
}

// ValidateTransition returns an error describing an illegal transition.
func ValidateTransition(from, to ProcessingStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return nil
}

// EvaluationReadyStatus is derived from an assignment's document statuses.
type EvaluationReadyStatus string

const (
	ReadyNotReady EvaluationReadyStatus = "not_ready"
	ReadyPartial  EvaluationReadyStatus = "partial"
	ReadyReady    EvaluationReadyStatus = "ready"
)

// AllowsEvaluation reports whether submissions may be evaluated.
func (r EvaluationReadyStatus) AllowsEvaluation() bool {
	return r == ReadyReady || r == ReadyPartial
}

// EvaluationStatus tracks a submission's grading lifecycle.
type EvaluationStatus string

const (
	EvalPending    EvaluationStatus = "pending"    // waiting for the assignment to become ready
	EvalQueued     EvaluationStatus = "queued"     // evaluation job created
	EvalEvaluating EvaluationStatus = "evaluating" // grader running
	EvalCompleted  EvaluationStatus = "completed"
	EvalFailed     EvaluationStatus = "failed"
)

// JobStatus is the lifecycle of a queue job.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Role names the document a status belongs to.
type Role string

const (
	RoleAssignment Role = "assignment"
	RoleRubric     Role = "rubric"
	RoleSolution   Role = "solution"
	RoleSubmission Role = "submission"
)

func (r Role) Valid() bool {
	return QueueForRole(r) != ""
}

// RubricSource records where the rubric came from.
type RubricSource string

const (
	RubricFromFile       RubricSource = "file"
	RubricFromAssignment RubricSource = "assignment"
)
