package entity

import (
	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
)

// SubmissionCounts summarises the evaluation progress of an assignment's submissions.
type SubmissionCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Queued     int `json:"queued"`
	Evaluating int `json:"evaluating"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Add counts one submission.
func (c *SubmissionCounts) Add(s *Submission) {
	c.Total++
	switch s.EvaluationStatus {
	case constants.EvalQueued:
		c.Queued++
	case constants.EvalEvaluating:
		c.Evaluating++
	case constants.EvalCompleted:
		c.Completed++
	case constants.EvalFailed:
		c.Failed++
	default:
		c.Pending++
	}
}

// AssignmentStatus is the payload status polling reads.
type AssignmentStatus struct {
	AssignmentID               uuid.UUID                       `json:"assignment_id"`
	AssignmentProcessingStatus constants.ProcessingStatus      `json:"assignment_processing_status"`
	RubricProcessingStatus     constants.ProcessingStatus      `json:"rubric_processing_status"`
	SolutionProcessingStatus   constants.ProcessingStatus      `json:"solution_processing_status"`
	EvaluationReadyStatus      constants.EvaluationReadyStatus `json:"evaluation_ready_status"`
	ProcessingError            string                          `json:"processing_error,omitempty"`
	RubricProcessingError      string                          `json:"rubric_processing_error,omitempty"`
	SolutionProcessingError    string                          `json:"solution_processing_error,omitempty"`
	RubricSource               constants.RubricSource          `json:"rubric_source,omitempty"`
	TotalPoints                float64                         `json:"total_points"`
	Submissions                SubmissionCounts                `json:"submissions"`
}

// StatusOf builds the polling view of a and its submissions.
func StatusOf(a *Assignment, subs []*Submission) AssignmentStatus {
	st := AssignmentStatus{
		AssignmentID:               a.ID,
		AssignmentProcessingStatus: a.Assignment.Status,
		RubricProcessingStatus:     a.Rubric.Status,
		SolutionProcessingStatus:   a.Solution.Status,
		EvaluationReadyStatus:      a.EvaluationReadyStatus,
		ProcessingError:            a.Assignment.Error,
		RubricProcessingError:      a.Rubric.Error,
		SolutionProcessingError:    a.Solution.Error,
		RubricSource:               a.RubricSource,
		TotalPoints:                a.ResolveTotalPoints(),
	}
	for _, s := range subs {
		st.Submissions.Add(s)
	}
	return st
}
