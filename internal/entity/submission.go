package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
)

// Submission is one student's uploaded work for an assignment.
type Submission struct {
	ID           uuid.UUID `json:"id"`
	AssignmentID uuid.UUID `json:"assignment_id"`
	StudentID    string    `json:"student_id"`
	FilePath     string    `json:"file_path"`

	Processing DocState `json:"processing_state"`

	EvaluationStatus    constants.EvaluationStatus `json:"evaluation_status"`
	EvaluationMessage   string                     `json:"evaluation_message,omitempty"`
	EvaluationError     string                     `json:"evaluation_error,omitempty"`
	EvaluationUpdatedAt time.Time                  `json:"evaluation_updated_at"`

	// Results holds every consensus result in creation order; re-evaluation appends.
	Results []ConsensusResult `json:"results,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LatestResult returns the most recent consensus result, if any.
func (s *Submission) LatestResult() (ConsensusResult, bool) {
	if len(s.Results) == 0 {
		return ConsensusResult{}, false
	}
	return s.Results[len(s.Results)-1], true
}

// ApplyDefaults fills the creation timestamps and the initial states.
func (s *Submission) ApplyDefaults(now time.Time) {
	s.CreatedAt, s.UpdatedAt = now, now
	initState(&s.Processing, constants.StatusPending, now)
	if s.EvaluationStatus == "" {
		s.EvaluationStatus = constants.EvalPending
	}
	if s.EvaluationUpdatedAt.IsZero() {
		s.EvaluationUpdatedAt = now
	}
}
