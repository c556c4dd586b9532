// Package pipeline runs the stage processors that move documents from upload to
// a final grade, and keeps assignment readiness and submission evaluation in step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/async"
	"github.com/joseph-ayodele/assignment-grader/internal/cache"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
	"github.com/joseph-ayodele/assignment-grader/internal/extract"
	"github.com/joseph-ayodele/assignment-grader/internal/grading"
	"github.com/joseph-ayodele/assignment-grader/internal/llm"
	"github.com/joseph-ayodele/assignment-grader/internal/metrics"
	"github.com/joseph-ayodele/assignment-grader/internal/repository"
)

// JobQueue is the producer side of the job queue.
type JobQueue interface {
	CreateJob(ctx context.Context, queue string, payload async.Payload) (async.Job, error)
}

// Registrar attaches handlers to queues.
type Registrar interface {
	RegisterProcessor(queue string, h async.HandlerFunc) error
}

// Grader produces the consensus grade of a submission.
type Grader interface {
	Grade(ctx context.Context, req grading.GradeRequest) (entity.ConsensusResult, error)
}

type Pipeline struct {
	store  repository.Store
	jobs   JobQueue
	client *llm.Client
	grader Grader
	loader extract.Loader
	cache  cache.StatusCache
	logger *slog.Logger
	clock  clock.PassiveClock

	extractionModel string
	defaultModels   []string
	temperature     float32
	staleAfter      time.Duration
}

type Option func(*Pipeline)

func WithCache(c cache.StatusCache) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.cache = c
		}
	}
}

func WithClock(c clock.PassiveClock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithExtractionModel sets the model that turns assignment, rubric and
// solution documents into structured data.
func WithExtractionModel(model string) Option {
	return func(p *Pipeline) {
		if model != "" {
			p.extractionModel = model
		}
	}
}

// WithDefaultModels sets the grading models used when an assignment names none.
func WithDefaultModels(models []string) Option {
	return func(p *Pipeline) {
		if len(models) > 0 {
			p.defaultModels = models
		}
	}
}

func WithTemperature(t float32) Option {
	return func(p *Pipeline) { p.temperature = t }
}

// WithStaleAfter sets how long a document may stay processing before SweepStale fails it.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Pipeline) { p.staleAfter = d }
}

func New(store repository.Store, jobs JobQueue, client *llm.Client, grader Grader, loader extract.Loader, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:           store,
		jobs:            jobs,
		client:          client,
		grader:          grader,
		loader:          loader,
		cache:           cache.Nop{},
		logger:          logger,
		clock:           clock.RealClock{},
		extractionModel: constants.DefaultModels[0],
		defaultModels:   constants.DefaultModels,
		temperature:     0.1,
		staleAfter:      30 * time.Minute,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Register attaches one handler per stage queue.
func (p *Pipeline) Register(r Registrar) error {
	handlers := map[string]async.HandlerFunc{
		constants.QueueAssignment: p.documentHandler(constants.RoleAssignment),
		constants.QueueRubric:     p.documentHandler(constants.RoleRubric),
		constants.QueueSolution:   p.documentHandler(constants.RoleSolution),
		constants.QueueSubmission: p.handleSubmission,
		constants.QueueEvaluation: p.handleEvaluation,
	}
	for _, q := range constants.StageQueues {
		if err := r.RegisterProcessor(q, handlers[q]); err != nil {
			return fmt.Errorf("register %s: %w", q, err)
		}
	}
	return nil
}

// enqueue creates the stage job of a document at generation gen.
func (p *Pipeline) enqueue(ctx context.Context, role constants.Role, id uuid.UUID, gen int64) error {
	key := constants.PayloadAssignmentID
	if role == constants.RoleSubmission {
		key = constants.PayloadSubmissionID
	}
	job, err := p.jobs.CreateJob(ctx, constants.QueueForRole(role), async.Payload{
		key:                         id,
		constants.PayloadGeneration: gen,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s %s: %w", role, id, err)
	}
	p.logger.Debug("pipeline.enqueued", "role", role, "id", id, "generation", gen, "job_id", job.ID)
	return nil
}

func (p *Pipeline) enqueueEvaluation(ctx context.Context, submissionID uuid.UUID) error {
	_, err := p.jobs.CreateJob(ctx, constants.QueueEvaluation, async.Payload{constants.PayloadSubmissionID: submissionID})
	return err
}

func (p *Pipeline) invalidate(ctx context.Context, assignmentID uuid.UUID) {
	p.cache.Invalidate(context.WithoutCancel(ctx), assignmentID)
}

func outcome(stage string, status any) {
	metrics.StageOutcomes.WithLabelValues(stage, fmt.Sprint(status)).Inc()
}

// permanent reports whether retrying the job cannot help.
func permanent(err error) bool {
	switch {
	case errors.Is(err, llm.ErrRetriesExhausted),
		errors.Is(err, extract.ErrUnsupportedFile),
		errors.Is(err, extract.ErrFileTooLarge),
		errors.Is(err, extract.ErrEmptyFile),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, grading.ErrNoModels),
		errors.Is(err, common.ErrNotFound):
		return true
	}
	var me *llm.ModelError
	if errors.As(err, &me) {
		return me.Kind == llm.Terminal
	}
	return false
}

// lastAttempt reports whether a failure of job will not be retried by the queue.
func lastAttempt(job async.Job, err error) bool {
	return permanent(err) || job.Attempts >= job.MaxAttempts
}

// skippable reports store errors that mean another writer got there first.
func skippable(err error) bool {
	return errors.Is(err, common.ErrStale) || errors.Is(err, common.ErrConflict)
}
