package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/async"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
	"github.com/joseph-ayodele/assignment-grader/internal/extract"
	"github.com/joseph-ayodele/assignment-grader/internal/llm"
	"github.com/joseph-ayodele/assignment-grader/internal/repository"
)

func (p *Pipeline) documentHandler(role constants.Role) async.HandlerFunc {
	return func(ctx context.Context, job async.Job) error {
		id, err := job.Payload.UUID(constants.PayloadAssignmentID)
		if err != nil {
			return async.Permanent(err)
		}
		gen, _ := job.Payload.Int64(constants.PayloadGeneration)
		return p.processDocument(ctx, job, repository.DocRef{ID: id, Role: role, Generation: gen})
	}
}

// processDocument runs one assignment, rubric or solution stage. The job only
// proceeds when the document is still pending at the generation it was created for.
func (p *Pipeline) processDocument(ctx context.Context, job async.Job, ref repository.DocRef) error {
	stage := string(ref.Role)
	logger := common.LoggerFrom(ctx, p.logger).With("stage", stage, "assignment_id", ref.ID, "generation", ref.Generation)

	a, err := p.store.GetAssignment(ctx, ref.ID)
	if errors.Is(err, common.ErrNotFound) {
		logger.Info("pipeline.skip.deleted")
		return nil
	}
	if err != nil {
		return err
	}
	if st := a.State(ref.Role); st.Generation != ref.Generation || st.Status != constants.StatusPending {
		logger.Info("pipeline.skip", "status", st.Status, "stored_generation", st.Generation)
		outcome(stage, "skipped")
		return nil
	}
	if err := p.store.UpdateStatus(ctx, ref, constants.StatusProcessing, ""); err != nil {
		if skippable(err) {
			logger.Info("pipeline.skip", "error", err)
			outcome(stage, "skipped")
			return nil
		}
		return err
	}
	p.invalidate(ctx, a.ID)
	logger.Info("pipeline.stage.start", "attempt", job.Attempts)

	data, err := p.extractDocument(ctx, a, ref.Role)
	if err == nil {
		err = p.store.UpdateProcessedData(ctx, ref, data)
	}
	if err == nil {
		err = p.store.UpdateStatus(ctx, ref, constants.StatusCompleted, "")
	}
	if err != nil {
		return p.fail(ctx, job, ref, err, logger, func(ctx context.Context) {
			p.afterDocument(ctx, a, ref.Role, constants.StatusFailed, logger)
		})
	}

	outcome(stage, constants.StatusCompleted)
	logger.Info("pipeline.stage.completed", "rubric_source", data.RubricSource)
	p.afterDocument(ctx, a, ref.Role, constants.StatusCompleted, logger)
	return nil
}

// fail settles a document whose stage run failed. Unless the failure is final
// the document goes back to pending and the queue retries the job.
func (p *Pipeline) fail(ctx context.Context, job async.Job, ref repository.DocRef, cause error, logger *slog.Logger, onFailed func(context.Context)) error {
	stage := string(ref.Role)
	bg := context.WithoutCancel(ctx)

	if skippable(cause) {
		// the document was swept or reset while this run was in flight
		logger.Warn("pipeline.stage.superseded", "error", cause)
		outcome(stage, "skipped")
		return nil
	}
	if async.Cancelled(ctx) {
		// no job is left to pick a pending document up again
		if err := p.store.UpdateStatus(bg, ref, constants.StatusFailed, msgCancelled); err != nil {
			logger.Error("pipeline.fail_write_failed", "error", err)
		}
		p.invalidateRef(bg, ref)
		outcome(stage, "cancelled")
		logger.Warn("pipeline.stage.cancelled", "attempt", job.Attempts)
		if onFailed != nil {
			onFailed(bg)
		}
		return ctx.Err()
	}
	if ctx.Err() != nil || !lastAttempt(job, cause) {
		if err := p.store.UpdateStatus(bg, ref, constants.StatusPending, ""); err != nil {
			logger.Error("pipeline.requeue_failed", "error", err)
		}
		p.invalidateRef(bg, ref)
		outcome(stage, "retried")
		logger.Warn("pipeline.stage.retry", "attempt", job.Attempts, "error", cause)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cause
	}

	if errors.Is(cause, llm.ErrRetriesExhausted) {
		logger.Error("pipeline.stage.gave_up", "attempt", job.Attempts, "error", cause)
	} else {
		logger.Error("pipeline.stage.rejected", "attempt", job.Attempts, "error", cause)
	}
	if err := p.store.UpdateStatus(bg, ref, constants.StatusFailed, cause.Error()); err != nil {
		logger.Error("pipeline.fail_write_failed", "error", err)
	}
	p.invalidateRef(bg, ref)
	outcome(stage, constants.StatusFailed)
	if onFailed != nil {
		onFailed(bg)
	}
	return async.Permanent(cause)
}

func (p *Pipeline) invalidateRef(ctx context.Context, ref repository.DocRef) {
	if ref.Role != constants.RoleSubmission {
		p.invalidate(ctx, ref.ID)
		return
	}
	if sub, err := p.store.GetSubmission(ctx, ref.ID); err == nil {
		p.invalidate(ctx, sub.AssignmentID)
	}
}

// afterDocument chains the embedded rubric onto the assignment stage and
// refreshes readiness.
func (p *Pipeline) afterDocument(ctx context.Context, a *entity.Assignment, role constants.Role, status constants.ProcessingStatus, logger *slog.Logger) {
	if role == constants.RoleAssignment && a.RubricFile == "" {
		cur, err := p.store.GetAssignment(ctx, a.ID)
		if err != nil {
			logger.Error("pipeline.reload_failed", "error", err)
			return
		}
		rubric := repository.DocRef{ID: a.ID, Role: constants.RoleRubric, Generation: cur.Rubric.Generation}
		if cur.Rubric.Status == constants.StatusPending {
			if status == constants.StatusCompleted {
				if err := p.enqueue(ctx, constants.RoleRubric, a.ID, rubric.Generation); err != nil {
					logger.Error("pipeline.enqueue_failed", "role", constants.RoleRubric, "error", err)
				}
			} else if err := p.store.UpdateStatus(ctx, rubric, constants.StatusFailed, "assignment processing failed; no document to read the rubric from"); err != nil {
				logger.Error("pipeline.fail_write_failed", "role", constants.RoleRubric, "error", err)
			}
		}
	}
	if err := p.refreshReadiness(ctx, a.ID); err != nil {
		logger.Error("pipeline.readiness_failed", "error", err)
	}
}

// extractDocument turns the document behind role into structured data.
func (p *Pipeline) extractDocument(ctx context.Context, a *entity.Assignment, role constants.Role) (repository.ProcessedData, error) {
	switch role {
	case constants.RoleAssignment:
		doc, err := p.loader.Load(ctx, a.AssignmentFile)
		if err != nil {
			return repository.ProcessedData{}, err
		}
		out, err := llm.GenerateJSON[entity.AssignmentData](ctx, p.client, p.request(llm.BuildAssignmentPrompt(), doc), llm.AssignmentSchema)
		if err != nil {
			return repository.ProcessedData{}, err
		}
		return repository.ProcessedData{Assignment: &out}, nil

	case constants.RoleRubric:
		path, source := a.RubricFile, constants.RubricFromFile
		if path == "" {
			path, source = a.AssignmentFile, constants.RubricFromAssignment
		}
		doc, err := p.loader.Load(ctx, path)
		if err != nil {
			return repository.ProcessedData{}, err
		}
		total := a.ResolveTotalPoints()
		prompt := llm.BuildRubricPrompt(total, source == constants.RubricFromAssignment)
		out, err := llm.GenerateJSON[entity.RubricData](ctx, p.client, p.request(prompt, doc), llm.RubricSchema)
		if err != nil {
			return repository.ProcessedData{}, err
		}
		if source == constants.RubricFromFile {
			out.HasEmbeddedRubric = false
		}
		if out.TotalPoints <= 0 {
			out.TotalPoints = total
		}
		return repository.ProcessedData{Rubric: &out, RubricSource: source}, nil

	case constants.RoleSolution:
		doc, err := p.loader.Load(ctx, a.SolutionFile)
		if err != nil {
			return repository.ProcessedData{}, err
		}
		out, err := llm.GenerateJSON[entity.SolutionData](ctx, p.client, p.request(llm.BuildSolutionPrompt(), doc), llm.SolutionSchema)
		if err != nil {
			return repository.ProcessedData{}, err
		}
		return repository.ProcessedData{Solution: &out}, nil
	}
	return repository.ProcessedData{}, common.NewAppError("INVALID_ROLE", string(role), common.ErrInvalidInput)
}

func (p *Pipeline) request(prompt string, doc extract.Document) llm.Request {
	return llm.Request{
		Model:       p.extractionModel,
		System:      llm.SystemPrompt,
		Prompt:      prompt,
		Attachments: []llm.Attachment{doc.Attachment},
		Temperature: p.temperature,
	}
}
