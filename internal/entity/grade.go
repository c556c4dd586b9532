package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
)

// GradeResult is one model's grade for one submission.
type GradeResult struct {
	Score       float64               `json:"score"`
	MaxScore    float64               `json:"max_score"`
	LetterGrade constants.LetterGrade `json:"letter_grade"`
	Feedback    string                `json:"feedback"`
	Strengths   []string              `json:"strengths"`
	Weaknesses  []string              `json:"weaknesses"`
	ModelUsed   string                `json:"model_used"`
}

// Clone returns a deep copy.
func (g GradeResult) Clone() GradeResult {
	g.Strengths = append([]string(nil), g.Strengths...)
	g.Weaknesses = append([]string(nil), g.Weaknesses...)
	return g
}

// ModelFailure records a model excluded from consensus.
type ModelFailure struct {
	Model string `json:"model"`
	Error string `json:"error"`
}

// ConsensusResult is the final grade for a submission. It is never mutated after
// construction; re-evaluation produces a new value.
type ConsensusResult struct {
	ID           uuid.UUID `json:"id"`
	SubmissionID uuid.UUID `json:"submission_id"`
	GradeResult
	Models    []string       `json:"models"`
	Failures  []ModelFailure `json:"failures,omitempty"`
	Averaged  bool           `json:"averaged"`
	CreatedAt time.Time      `json:"created_at"`
}
