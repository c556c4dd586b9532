// Package readiness derives whether an assignment's materials are processed far
// enough for submissions to be evaluated.
package readiness

import (
	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

// Compute maps the (primary, rubric, solution) statuses to a readiness value.
// It is total over all status combinations and has no hidden state.
//
// A solution that failed or was never supplied does not hold back Ready: the
// grader runs without a reference solution in both cases. Only a solution that
// may still arrive (pending or processing) yields Partial.
func Compute(primary, rubric, solution constants.ProcessingStatus) constants.EvaluationReadyStatus {
	if primary != constants.StatusCompleted {
		return constants.ReadyNotReady
	}
	if rubric != constants.StatusCompleted {
		return constants.ReadyNotReady
	}
	switch solution {
	case constants.StatusPending, constants.StatusProcessing:
		return constants.ReadyPartial
	default:
		return constants.ReadyReady
	}
}

// ForAssignment computes readiness from an assignment record.
func ForAssignment(a *entity.Assignment) constants.EvaluationReadyStatus {
	solution := a.Solution.Status
	if a.SolutionFile == "" {
		solution = constants.StatusNotApplicable
	}
	return Compute(a.Assignment.Status, a.Rubric.Status, solution)
}
