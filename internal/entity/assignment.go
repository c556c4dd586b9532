package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
)

// DocState is the processing state of one document role. Generation is bumped
// by every explicit reset; writes carrying an older generation are rejected.
type DocState struct {
	Status     constants.ProcessingStatus `json:"status"`
	Error      string                     `json:"error,omitempty"`
	Generation int64                      `json:"generation"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// Assignment is the unit of work whose readiness gates evaluation.
// TotalPoints of 0 means unset; see ResolveTotalPoints.
type Assignment struct {
	ID                uuid.UUID `json:"id"`
	Title             string    `json:"title"`
	Description       string    `json:"description,omitempty"`
	TotalPoints       float64   `json:"total_points,omitempty"`
	Models            []string  `json:"models,omitempty"`
	UseAverageGrading bool      `json:"use_average_grading"`

	AssignmentFile string `json:"assignment_file"`
	RubricFile     string `json:"rubric_file,omitempty"`
	SolutionFile   string `json:"solution_file,omitempty"`

	Assignment DocState `json:"assignment_state"`
	Rubric     DocState `json:"rubric_state"`
	Solution   DocState `json:"solution_state"`

	RubricSource      constants.RubricSource `json:"rubric_source,omitempty"`
	ProcessedData     *AssignmentData        `json:"processed_data,omitempty"`
	ProcessedRubric   *RubricData            `json:"processed_rubric,omitempty"`
	ProcessedSolution *SolutionData          `json:"processed_solution,omitempty"`

	EvaluationReadyStatus constants.EvaluationReadyStatus `json:"evaluation_ready_status"`
	CreatedAt             time.Time                       `json:"created_at"`
	UpdatedAt             time.Time                       `json:"updated_at"`
}

// State returns the state of the given document role.
func (a *Assignment) State(role constants.Role) DocState {
	switch role {
	case constants.RoleRubric:
		return a.Rubric
	case constants.RoleSolution:
		return a.Solution
	default:
		return a.Assignment
	}
}

// SetState replaces the state of the given document role.
func (a *Assignment) SetState(role constants.Role, st DocState) {
	switch role {
	case constants.RoleRubric:
		a.Rubric = st
	case constants.RoleSolution:
		a.Solution = st
	default:
		a.Assignment = st
	}
}

// ResolveTotalPoints returns the configured total, else the processed question
// structure sum, else the rubric criterion weights, else the default of 100.
func (a *Assignment) ResolveTotalPoints() float64 {
	if a.TotalPoints > 0 {
		return a.TotalPoints
	}
	if a.ProcessedData != nil {
		if a.ProcessedData.TotalPoints > 0 {
			return a.ProcessedData.TotalPoints
		}
		if sum := a.ProcessedData.QuestionPoints(); sum > 0 {
			return sum
		}
	}
	if a.ProcessedRubric != nil {
		if sum := a.ProcessedRubric.WeightSum(); sum > 0 {
			return sum
		}
	}
	return constants.DefaultTotalPoints
}

// GradingModels returns the configured models, or defaults when none are set.
func (a *Assignment) GradingModels(defaults []string) []string {
	if len(a.Models) > 0 {
		return a.Models
	}
	return defaults
}

// ApplyDefaults fills the creation timestamps and the initial document states.
// The solution starts not applicable when no solution file was supplied.
func (a *Assignment) ApplyDefaults(now time.Time) {
	a.CreatedAt, a.UpdatedAt = now, now
	initState(&a.Assignment, constants.StatusPending, now)
	initState(&a.Rubric, constants.StatusPending, now)
	if a.SolutionFile == "" {
		initState(&a.Solution, constants.StatusNotApplicable, now)
	} else {
		initState(&a.Solution, constants.StatusPending, now)
	}
	if a.EvaluationReadyStatus == "" {
		a.EvaluationReadyStatus = constants.ReadyNotReady
	}
}

func initState(st *DocState, def constants.ProcessingStatus, now time.Time) {
	if st.Status == "" {
		st.Status = def
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = now
	}
}
