package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/async"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
	"github.com/joseph-ayodele/assignment-grader/internal/grading"
	"github.com/joseph-ayodele/assignment-grader/internal/llm"
	"github.com/joseph-ayodele/assignment-grader/internal/repository"
)

const (
	msgWaiting    = "waiting for assignment processing"
	msgQueued     = "queued for evaluation"
	msgEvaluating = "evaluating"
)

// handleSubmission checks the submission file can be sent to a model, then
// either queues evaluation or parks the submission until the assignment is ready.
func (p *Pipeline) handleSubmission(ctx context.Context, job async.Job) error {
	id, err := job.Payload.UUID(constants.PayloadSubmissionID)
	if err != nil {
		return async.Permanent(err)
	}
	gen, _ := job.Payload.Int64(constants.PayloadGeneration)
	ref := repository.DocRef{ID: id, Role: constants.RoleSubmission, Generation: gen}
	stage := string(constants.RoleSubmission)
	logger := common.LoggerFrom(ctx, p.logger).With("stage", stage, "submission_id", id, "generation", gen)

	sub, err := p.store.GetSubmission(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		logger.Info("pipeline.skip.deleted")
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Processing.Generation != gen || sub.Processing.Status != constants.StatusPending {
		logger.Info("pipeline.skip", "status", sub.Processing.Status, "stored_generation", sub.Processing.Generation)
		outcome(stage, "skipped")
		return nil
	}
	if err := p.store.UpdateStatus(ctx, ref, constants.StatusProcessing, ""); err != nil {
		if skippable(err) {
			outcome(stage, "skipped")
			return nil
		}
		return err
	}
	p.invalidate(ctx, sub.AssignmentID)

	_, err = p.loader.Load(ctx, sub.FilePath)
	if err == nil {
		err = p.store.UpdateStatus(ctx, ref, constants.StatusCompleted, "")
	}
	if err != nil {
		return p.fail(ctx, job, ref, err, logger, func(ctx context.Context) {
			if _, err := p.store.TransitionEvaluation(ctx, id,
				[]constants.EvaluationStatus{constants.EvalPending}, constants.EvalFailed,
				"", "submission processing failed"); err != nil {
				logger.Error("pipeline.eval_write_failed", "error", err)
			}
		})
	}
	outcome(stage, constants.StatusCompleted)
	logger.Info("pipeline.stage.completed")

	a, err := p.store.GetAssignment(ctx, sub.AssignmentID)
	if err != nil {
		logger.Error("pipeline.reload_failed", "error", err)
		return nil
	}
	if !a.EvaluationReadyStatus.AllowsEvaluation() {
		if _, err := p.store.TransitionEvaluation(ctx, id,
			[]constants.EvaluationStatus{constants.EvalPending}, constants.EvalPending, msgWaiting, ""); err != nil {
			logger.Error("pipeline.eval_write_failed", "error", err)
		}
		logger.Info("pipeline.evaluation.parked", "readiness", a.EvaluationReadyStatus)
		return nil
	}
	if _, err := p.claimAndQueue(ctx, id); err != nil {
		logger.Error("pipeline.enqueue_failed", "queue", constants.QueueEvaluation, "error", err)
		return err
	}
	return nil
}

// claimAndQueue moves a pending evaluation to queued and creates its job. The
// compare-and-set makes concurrent claims for one submission create one job.
func (p *Pipeline) claimAndQueue(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := p.store.TransitionEvaluation(ctx, id,
		[]constants.EvaluationStatus{constants.EvalPending}, constants.EvalQueued, msgQueued, "")
	if err != nil || !ok {
		return false, err
	}
	if err := p.enqueueEvaluation(ctx, id); err != nil {
		_, _ = p.store.TransitionEvaluation(context.WithoutCancel(ctx), id,
			[]constants.EvaluationStatus{constants.EvalQueued}, constants.EvalPending, msgWaiting, "")
		return false, err
	}
	return true, nil
}

// handleEvaluation grades a queued submission and stores the consensus result.
func (p *Pipeline) handleEvaluation(ctx context.Context, job async.Job) error {
	id, err := job.Payload.UUID(constants.PayloadSubmissionID)
	if err != nil {
		return async.Permanent(err)
	}
	const stage = "evaluation"
	logger := common.LoggerFrom(ctx, p.logger).With("stage", stage, "submission_id", id)

	ok, err := p.store.TransitionEvaluation(ctx, id,
		[]constants.EvaluationStatus{constants.EvalQueued}, constants.EvalEvaluating, msgEvaluating, "")
	if errors.Is(err, common.ErrNotFound) {
		logger.Info("pipeline.skip.deleted")
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("pipeline.skip", "reason", "evaluation not queued")
		outcome(stage, "skipped")
		return nil
	}

	sub, err := p.store.GetSubmission(ctx, id)
	if err != nil {
		return p.failEvaluation(ctx, job, id, uuid.Nil, err, logger)
	}
	p.invalidate(ctx, sub.AssignmentID)
	a, err := p.store.GetAssignment(ctx, sub.AssignmentID)
	if err != nil {
		return p.failEvaluation(ctx, job, id, sub.AssignmentID, err, logger)
	}
	if !a.EvaluationReadyStatus.AllowsEvaluation() {
		// assignment material was reset after the claim
		p.settleEvaluation(ctx, id, constants.EvalPending, msgWaiting, "", logger)
		p.invalidate(ctx, a.ID)
		outcome(stage, "parked")
		return nil
	}

	res, err := p.grade(ctx, a, sub)
	if err != nil {
		return p.failEvaluation(ctx, job, id, a.ID, err, logger)
	}

	msg := fmt.Sprintf("graded %s/%s (%s)", formatScore(res.Score), formatScore(res.MaxScore), res.LetterGrade)
	ok, err = p.store.CompleteEvaluation(context.WithoutCancel(ctx), id, res, msg)
	if errors.Is(err, common.ErrNotFound) {
		logger.Info("pipeline.skip.deleted")
		return nil
	}
	if err != nil {
		return p.failEvaluation(ctx, job, id, a.ID, err, logger)
	}
	p.invalidate(ctx, a.ID)
	if !ok {
		// swept or reset while grading; the result is dropped
		logger.Warn("pipeline.skip", "reason", "evaluation no longer evaluating", "score", res.Score)
		outcome(stage, "skipped")
		return nil
	}
	outcome(stage, constants.EvalCompleted)
	logger.Info("pipeline.evaluation.completed", "score", res.Score, "letter", res.LetterGrade, "model_used", res.ModelUsed)
	return nil
}

func (p *Pipeline) grade(ctx context.Context, a *entity.Assignment, sub *entity.Submission) (entity.ConsensusResult, error) {
	doc, err := p.loader.Load(ctx, sub.FilePath)
	if err != nil {
		return entity.ConsensusResult{}, err
	}
	sc := llm.SubmissionContext{
		Title:       a.Title,
		Description: a.Description,
		StudentID:   sub.StudentID,
		Assignment:  a.ProcessedData,
		Rubric:      a.ProcessedRubric,
		Solution:    a.ProcessedSolution,
	}
	if a.ProcessedData != nil {
		if sc.Title == "" {
			sc.Title = a.ProcessedData.Title
		}
		if sc.Description == "" {
			sc.Description = a.ProcessedData.Description
		}
	}
	return p.grader.Grade(ctx, grading.GradeRequest{
		SubmissionID: sub.ID,
		Models:       a.GradingModels(p.defaultModels),
		Average:      a.UseAverageGrading,
		TotalPoints:  a.ResolveTotalPoints(),
		Context:      sc,
		Attachments:  []llm.Attachment{doc.Attachment},
	})
}

// failEvaluation hands the evaluation back to the queue or marks it failed.
func (p *Pipeline) failEvaluation(ctx context.Context, job async.Job, id, assignmentID uuid.UUID, cause error, logger *slog.Logger) error {
	const stage = "evaluation"
	defer func() {
		if assignmentID != uuid.Nil {
			p.invalidate(ctx, assignmentID)
		}
	}()

	if async.Cancelled(ctx) {
		p.settleEvaluation(ctx, id, constants.EvalFailed, "", msgCancelled, logger)
		outcome(stage, "cancelled")
		logger.Warn("pipeline.evaluation.cancelled", "attempt", job.Attempts)
		return ctx.Err()
	}
	if ctx.Err() != nil || !lastAttempt(job, cause) {
		p.settleEvaluation(ctx, id, constants.EvalQueued, msgQueued, "", logger)
		outcome(stage, "retried")
		logger.Warn("pipeline.evaluation.retry", "attempt", job.Attempts, "error", cause)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cause
	}
	if errors.Is(cause, llm.ErrRetriesExhausted) {
		logger.Error("pipeline.evaluation.gave_up", "attempt", job.Attempts, "error", cause)
	} else {
		logger.Error("pipeline.evaluation.rejected", "attempt", job.Attempts, "error", cause)
	}
	p.settleEvaluation(ctx, id, constants.EvalFailed, "", cause.Error(), logger)
	outcome(stage, constants.EvalFailed)
	return async.Permanent(cause)
}

// settleEvaluation moves an evaluation out of evaluating, even when ctx is done.
func (p *Pipeline) settleEvaluation(ctx context.Context, id uuid.UUID, to constants.EvaluationStatus, msg, errMsg string, logger *slog.Logger) {
	_, err := p.store.TransitionEvaluation(context.WithoutCancel(ctx), id,
		[]constants.EvaluationStatus{constants.EvalEvaluating}, to, msg, errMsg)
	if err != nil {
		logger.Error("pipeline.eval_write_failed", "to", to, "error", err)
	}
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
