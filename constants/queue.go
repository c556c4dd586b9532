package constants

import "time"

// Queue names, one per pipeline stage.
const (
	QueueAssignment = "assignment"
	QueueRubric     = "rubric"
	QueueSolution   = "solution"
	QueueSubmission = "submission"
	QueueEvaluation = "evaluation"
)

// StageQueues lists the stage queues in pipeline order.
var StageQueues = []string{QueueAssignment, QueueRubric, QueueSolution, QueueSubmission, QueueEvaluation}

// QueueForRole maps a document role to the queue that processes it.
func QueueForRole(r Role) string {
	switch r {
	case RoleAssignment:
		return QueueAssignment
	case RoleRubric:
		return QueueRubric
	case RoleSolution:
		return QueueSolution
	case RoleSubmission:
		return QueueSubmission
	}
	return ""
}

const (
	DefaultQueueConcurrency = 2
	DefaultJobMaxAttempts   = 3
	DefaultJobBaseDelay     = 5 * time.Second

	DefaultMinRequestInterval = 12 * time.Second // 5 requests per minute
	DefaultModelMaxAttempts   = 3
	DefaultModelBaseDelay     = 15 * time.Second
	DefaultRateLimitDelay     = 30 * time.Second
	DefaultModelMaxDelay      = 2 * time.Minute
	DefaultModelCallTimeout   = 300 * time.Second
)

// Job payload keys.
const (
	PayloadAssignmentID = "assignment_id"
	PayloadSubmissionID = "submission_id"
	PayloadGeneration   = "generation"
	PayloadRubricSource = "rubric_source"
)
