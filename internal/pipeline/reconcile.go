package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
	"github.com/joseph-ayodele/assignment-grader/internal/repository"
)

const (
	msgTimedOut  = "processing timed out"
	msgCancelled = "job cancelled"
)

// ReconcileReport counts what a reconciliation pass touched.
type ReconcileReport struct {
	Reset       int
	Enqueued    int
	Evaluations int
	Refreshed   int
}

// Reconcile picks up work a previous process left behind. Run it once at
// startup, before the stage processors are registered: documents stuck in
// processing go back to pending, every pending document is queued again and
// queued or evaluating evaluations get a fresh job.
func (p *Pipeline) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	var errs *multierror.Error

	u, err := p.store.ListUnfinished(ctx)
	if err != nil {
		return rep, err
	}

	for _, a := range u.Assignments {
		for _, role := range []constants.Role{constants.RoleAssignment, constants.RoleRubric, constants.RoleSolution} {
			st := a.State(role)
			ref := repository.DocRef{ID: a.ID, Role: role, Generation: st.Generation}
			switch st.Status {
			case constants.StatusProcessing:
				if err := p.store.UpdateStatus(ctx, ref, constants.StatusPending, ""); err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				rep.Reset++
			case constants.StatusPending:
			default:
				continue
			}
			// the embedded rubric is queued by the assignment stage
			if role == constants.RoleRubric && a.RubricFile == "" && a.Assignment.Status != constants.StatusCompleted {
				continue
			}
			if err := p.enqueue(ctx, role, a.ID, st.Generation); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			rep.Enqueued++
		}
		p.invalidate(ctx, a.ID)
	}

	for _, s := range u.Submissions {
		ref := repository.DocRef{ID: s.ID, Role: constants.RoleSubmission, Generation: s.Processing.Generation}
		switch s.Processing.Status {
		case constants.StatusProcessing:
			if err := p.store.UpdateStatus(ctx, ref, constants.StatusPending, ""); err != nil {
				errs = multierror.Append(errs, err)
				break
			}
			rep.Reset++
			fallthrough
		case constants.StatusPending:
			if err := p.enqueue(ctx, constants.RoleSubmission, s.ID, s.Processing.Generation); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				rep.Enqueued++
			}
		}

		switch s.EvaluationStatus {
		case constants.EvalEvaluating, constants.EvalQueued:
			if _, err := p.store.TransitionEvaluation(ctx, s.ID,
				[]constants.EvaluationStatus{constants.EvalEvaluating}, constants.EvalQueued, msgQueued, ""); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if err := p.enqueueEvaluation(ctx, s.ID); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			rep.Evaluations++
		}
		p.invalidate(ctx, s.AssignmentID)
	}

	// readiness may have been left behind by a crash between a status write and its refresh
	all, err := p.store.ListAssignments(ctx)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, a := range all {
		if err := p.refreshReadiness(ctx, a.ID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		rep.Refreshed++
	}

	p.logger.Info("pipeline.reconciled",
		"reset", rep.Reset,
		"enqueued", rep.Enqueued,
		"evaluations", rep.Evaluations,
		"refreshed", rep.Refreshed,
	)
	return rep, errs.ErrorOrNil()
}

// SweepStale fails documents and evaluations that have been in flight longer
// than the configured limit. It returns how many it failed.
func (p *Pipeline) SweepStale(ctx context.Context) (int, error) {
	if p.staleAfter <= 0 {
		return 0, nil
	}
	u, err := p.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	stale := func(t time.Time) bool { return p.clock.Since(t) > p.staleAfter }

	var errs *multierror.Error
	swept := 0
	for _, a := range u.Assignments {
		touched := false
		for _, role := range []constants.Role{constants.RoleAssignment, constants.RoleRubric, constants.RoleSolution} {
			st := a.State(role)
			if st.Status != constants.StatusProcessing || !stale(st.UpdatedAt) {
				continue
			}
			ref := repository.DocRef{ID: a.ID, Role: role, Generation: st.Generation}
			if err := p.store.UpdateStatus(ctx, ref, constants.StatusFailed, msgTimedOut); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			p.logger.Warn("pipeline.sweep.failed_document", "assignment_id", a.ID, "role", role, "since", st.UpdatedAt)
			outcome(string(role), "timed_out")
			swept++
			touched = true
		}
		if touched {
			p.afterSweep(ctx, a)
		}
	}

	for _, s := range u.Submissions {
		if s.Processing.Status == constants.StatusProcessing && stale(s.Processing.UpdatedAt) {
			ref := repository.DocRef{ID: s.ID, Role: constants.RoleSubmission, Generation: s.Processing.Generation}
			if err := p.store.UpdateStatus(ctx, ref, constants.StatusFailed, msgTimedOut); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				outcome(string(constants.RoleSubmission), "timed_out")
				swept++
			}
		}
		if s.EvaluationStatus == constants.EvalEvaluating && stale(s.EvaluationUpdatedAt) {
			ok, err := p.store.TransitionEvaluation(ctx, s.ID,
				[]constants.EvaluationStatus{constants.EvalEvaluating}, constants.EvalFailed, "", msgTimedOut)
			if err != nil {
				errs = multierror.Append(errs, err)
			} else if ok {
				outcome("evaluation", "timed_out")
				swept++
			}
		}
		p.invalidate(ctx, s.AssignmentID)
	}
	if swept > 0 {
		p.logger.Warn("pipeline.sweep", "failed", swept, "stale_after", p.staleAfter)
	}
	return swept, errs.ErrorOrNil()
}

func (p *Pipeline) afterSweep(ctx context.Context, a *entity.Assignment) {
	cur, err := p.store.GetAssignment(ctx, a.ID)
	if err != nil {
		return
	}
	p.afterDocument(ctx, cur, constants.RoleAssignment, cur.Assignment.Status, p.logger)
}

// RunSweeper calls SweepStale every interval until ctx ends.
func (p *Pipeline) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || p.staleAfter <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.SweepStale(ctx); err != nil {
				p.logger.Error("pipeline.sweep_failed", "error", err)
			}
		}
	}
}

// Reprocess is the explicit reset: a finished document goes back to pending
// under a new generation and its stage runs again. Jobs still carrying the
// old generation are dropped when they run.
func (p *Pipeline) Reprocess(ctx context.Context, id uuid.UUID, role constants.Role) error {
	if !role.Valid() {
		return common.NewAppError("INVALID_ROLE", string(role), common.ErrInvalidInput)
	}
	if role == constants.RoleSubmission {
		return p.reprocessSubmission(ctx, id)
	}
	a, err := p.store.GetAssignment(ctx, id)
	if err != nil {
		return err
	}
	if role == constants.RoleSolution && a.SolutionFile == "" {
		return common.NewAppError("NO_SOLUTION", "assignment has no solution file", common.ErrInvalidInput)
	}

	roles := []constants.Role{role}
	if role == constants.RoleAssignment && a.RubricFile == "" && a.Rubric.Status.Terminal() {
		// the embedded rubric is re-read from the new assignment run
		roles = append(roles, constants.RoleRubric)
	}
	states := make(map[constants.Role]entity.DocState, len(roles))
	for _, r := range roles {
		st, err := p.store.ResetStatus(ctx, id, r)
		if err != nil {
			return err
		}
		states[r] = st
	}
	p.invalidate(ctx, id)
	if err := p.refreshReadiness(ctx, id); err != nil {
		p.logger.Error("pipeline.readiness_failed", "assignment_id", id, "error", err)
	}

	for _, r := range roles {
		if r == constants.RoleRubric && a.RubricFile == "" && role == constants.RoleAssignment {
			continue
		}
		if err := p.enqueue(ctx, r, id, states[r].Generation); err != nil {
			return err
		}
	}
	p.logger.Info("pipeline.reprocess", "assignment_id", id, "roles", roles)
	return nil
}

func (p *Pipeline) reprocessSubmission(ctx context.Context, id uuid.UUID) error {
	sub, err := p.store.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if sub.EvaluationStatus == constants.EvalQueued || sub.EvaluationStatus == constants.EvalEvaluating {
		return common.NewAppError("EVALUATION_IN_PROGRESS", "submission "+id.String()+" is being evaluated", common.ErrConflict)
	}
	st, err := p.store.ResetStatus(ctx, id, constants.RoleSubmission)
	if err != nil {
		return err
	}
	if _, err := p.store.TransitionEvaluation(ctx, id,
		[]constants.EvaluationStatus{constants.EvalCompleted, constants.EvalFailed}, constants.EvalPending, "", ""); err != nil {
		return err
	}
	p.invalidate(ctx, sub.AssignmentID)
	p.logger.Info("pipeline.reprocess", "submission_id", id, "generation", st.Generation)
	return p.enqueue(ctx, constants.RoleSubmission, id, st.Generation)
}

// Reevaluate grades a submission again. The new consensus result is appended
// next to the earlier ones.
func (p *Pipeline) Reevaluate(ctx context.Context, id uuid.UUID) error {
	sub, err := p.store.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if sub.Processing.Status != constants.StatusCompleted {
		return common.NewAppError("NOT_PROCESSED", "submission "+id.String()+" is "+string(sub.Processing.Status), common.ErrConflict)
	}
	ok, err := p.store.TransitionEvaluation(ctx, id,
		[]constants.EvaluationStatus{constants.EvalCompleted, constants.EvalFailed}, constants.EvalPending, "", "")
	if err != nil {
		return err
	}
	if !ok {
		return common.NewAppError("EVALUATION_IN_PROGRESS", "submission "+id.String()+" is "+string(sub.EvaluationStatus), common.ErrConflict)
	}
	p.invalidate(ctx, sub.AssignmentID)
	return p.refreshReadiness(ctx, sub.AssignmentID)
}
