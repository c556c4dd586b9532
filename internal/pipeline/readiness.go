package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/readiness"
)

// refreshReadiness recomputes and stores an assignment's readiness. While
// evaluation is allowed every processed submission still waiting on the
// assignment is claimed and queued; the claim keeps repeated refreshes from
// queueing a submission twice.
func (p *Pipeline) refreshReadiness(ctx context.Context, id uuid.UUID) error {
	a, err := p.store.GetAssignment(ctx, id)
	if err != nil {
		return err
	}
	next := readiness.ForAssignment(a)
	prev, err := p.store.SetReadiness(ctx, id, next)
	if err != nil {
		return err
	}
	p.invalidate(ctx, id)
	logger := p.logger.With("assignment_id", id)
	if prev != next {
		logger.Info("pipeline.readiness.changed", "from", prev, "to", next)
	}
	if !next.AllowsEvaluation() {
		return nil
	}

	subs, err := p.store.ListSubmissions(ctx, id)
	if err != nil {
		return err
	}
	queued := 0
	for _, s := range subs {
		if s.Processing.Status != constants.StatusCompleted || s.EvaluationStatus != constants.EvalPending {
			continue
		}
		ok, err := p.claimAndQueue(ctx, s.ID)
		if err != nil {
			logger.Error("pipeline.fanout.enqueue_failed", "submission_id", s.ID, "error", err)
			continue
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		p.invalidate(ctx, id)
		logger.Info("pipeline.fanout", "queued", queued, "readiness", next)
	}
	return nil
}
