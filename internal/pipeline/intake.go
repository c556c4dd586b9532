package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

// AddAssignment stores a new assignment and queues its documents. An
// assignment without a rubric file gets its rubric read from the brief once
// the assignment stage completes.
func (p *Pipeline) AddAssignment(ctx context.Context, a *entity.Assignment) error {
	if err := common.NewValidator().
		Field("title", a.Title, common.Required, common.MaxLength(200)).
		Field("assignment_file", a.AssignmentFile, common.Required, common.DocumentFile).
		Field("rubric_file", a.RubricFile, common.DocumentFile).
		Field("solution_file", a.SolutionFile, common.DocumentFile).
		Field("total_points", a.TotalPoints, common.NonNegative).
		Err(); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if err := p.store.CreateAssignment(ctx, a); err != nil {
		return err
	}

	roles := []constants.Role{constants.RoleAssignment}
	if a.RubricFile != "" {
		roles = append(roles, constants.RoleRubric)
	}
	if a.SolutionFile != "" {
		roles = append(roles, constants.RoleSolution)
	}
	var errs []error
	for _, role := range roles {
		if err := p.enqueue(ctx, role, a.ID, a.State(role).Generation); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("pipeline.assignment.added", "assignment_id", a.ID, "roles", roles)
	return errors.Join(errs...)
}

// AddSubmission stores a submission and queues its processing.
func (p *Pipeline) AddSubmission(ctx context.Context, s *entity.Submission) error {
	if err := common.NewValidator().
		Field("student_id", s.StudentID, common.Required, common.MaxLength(100)).
		Field("file_path", s.FilePath, common.Required, common.DocumentFile).
		Err(); err != nil {
		return err
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if err := p.store.CreateSubmission(ctx, s); err != nil {
		return err
	}
	p.invalidate(ctx, s.AssignmentID)
	if err := p.enqueue(ctx, constants.RoleSubmission, s.ID, s.Processing.Generation); err != nil {
		return err
	}
	p.logger.Info("pipeline.submission.added", "submission_id", s.ID, "assignment_id", s.AssignmentID, "student_id", s.StudentID)
	return nil
}

// Status returns the polling view of an assignment, read through the cache.
func (p *Pipeline) Status(ctx context.Context, id uuid.UUID) (entity.AssignmentStatus, error) {
	if st, ok := p.cache.Get(ctx, id); ok {
		return st, nil
	}
	a, err := p.store.GetAssignment(ctx, id)
	if err != nil {
		return entity.AssignmentStatus{}, err
	}
	subs, err := p.store.ListSubmissions(ctx, id)
	if err != nil {
		return entity.AssignmentStatus{}, err
	}
	st := entity.StatusOf(a, subs)
	p.cache.Set(ctx, st)
	return st, nil
}

// Delete removes an assignment with its submissions, or a single submission.
func (p *Pipeline) Delete(ctx context.Context, id uuid.UUID, role constants.Role) error {
	if role != constants.RoleSubmission {
		if err := p.store.DeleteAssignment(ctx, id); err != nil {
			return err
		}
		p.invalidate(ctx, id)
		return nil
	}
	sub, err := p.store.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if err := p.store.DeleteSubmission(ctx, id); err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	p.invalidate(ctx, sub.AssignmentID)
	return nil
}
