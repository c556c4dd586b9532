// Package grading asks one or more models for a grade and merges the replies
// into a single consensus result.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
	"github.com/joseph-ayodele/assignment-grader/internal/llm"
)

var ErrNoModels = errors.New("no grading models configured")

// GradeRequest describes one submission to grade.
type GradeRequest struct {
	SubmissionID uuid.UUID
	Models       []string
	Average      bool
	// TotalPoints of zero or less falls back to constants.DefaultTotalPoints.
	TotalPoints float64
	Context     llm.SubmissionContext
	Attachments []llm.Attachment
}

// gradeReply is the shape GradeSchema normalizes a model reply into.
type gradeReply struct {
	Score       float64  `json:"score"`
	MaxScore    float64  `json:"max_score"`
	LetterGrade string   `json:"letter_grade"`
	Feedback    string   `json:"feedback"`
	Strengths   []string `json:"strengths"`
	Weaknesses  []string `json:"weaknesses"`
}

type Grader struct {
	client      *llm.Client
	logger      *slog.Logger
	clock       clock.PassiveClock
	temperature float32
}

type Option func(*Grader)

func WithTemperature(t float32) Option {
	return func(g *Grader) { g.temperature = t }
}

func WithClock(c clock.PassiveClock) Option {
	return func(g *Grader) {
		if c != nil {
			g.clock = c
		}
	}
}

func NewGrader(client *llm.Client, logger *slog.Logger, opts ...Option) *Grader {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Grader{client: client, logger: logger, clock: clock.RealClock{}, temperature: 0.1}
	for _, o := range opts {
		o(g)
	}
	return g
}

type outcome struct {
	result entity.GradeResult
	err    error
}

// Grade produces the consensus result for req. With averaging off, or a single
// model, the first model that succeeds is returned as-is; later models are only
// tried when earlier ones fail. With averaging on every model runs in parallel
// and the successes are merged. Only when every model fails is an error returned.
func (g *Grader) Grade(ctx context.Context, req GradeRequest) (entity.ConsensusResult, error) {
	models := dedupe(req.Models)
	if len(models) == 0 {
		return entity.ConsensusResult{}, ErrNoModels
	}
	total := req.TotalPoints
	if total <= 0 {
		total = constants.DefaultTotalPoints
	}
	logger := common.LoggerFrom(ctx, g.logger).With("submission_id", req.SubmissionID)

	sc := req.Context
	sc.TotalPoints = total
	base := llm.Request{
		System:      llm.SystemPrompt,
		Prompt:      llm.BuildEvaluationPrompt(sc),
		Attachments: req.Attachments,
		Temperature: g.temperature,
	}

	var outcomes []outcome
	averaging := req.Average && len(models) > 1
	if averaging {
		outcomes = g.gradeAll(ctx, base, models, total)
	} else {
		outcomes = g.gradeFirst(ctx, base, models, total)
	}
	if err := ctx.Err(); err != nil {
		return entity.ConsensusResult{}, err
	}

	res := entity.ConsensusResult{
		ID:           uuid.New(),
		SubmissionID: req.SubmissionID,
		Models:       models,
		CreatedAt:    g.clock.Now(),
	}
	var successes []entity.GradeResult
	var errs *multierror.Error
	for i, o := range outcomes {
		if o.err != nil {
			logger.Error("grading.model.failed", "model", models[i], "error", o.err)
			res.Failures = append(res.Failures, entity.ModelFailure{Model: models[i], Error: o.err.Error()})
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", models[i], o.err))
			continue
		}
		successes = append(successes, o.result)
	}

	switch len(successes) {
	case 0:
		logger.Error("grading.all_models_failed", "models", models)
		return entity.ConsensusResult{}, fmt.Errorf("all %d grading models failed: %w", len(outcomes), errs.ErrorOrNil())
	case 1:
		res.GradeResult = successes[0]
	default:
		res.GradeResult = Merge(successes, total)
		res.Averaged = true
	}

	logger.Info("grading.done",
		"score", res.Score,
		"max_score", res.MaxScore,
		"letter", res.LetterGrade,
		"model_used", res.ModelUsed,
		"failures", len(res.Failures),
	)
	return res, nil
}

// gradeFirst tries the models in order and stops at the first success.
func (g *Grader) gradeFirst(ctx context.Context, base llm.Request, models []string, total float64) []outcome {
	var out []outcome
	for _, m := range models {
		r, err := g.gradeOne(ctx, base, m, total)
		out = append(out, outcome{result: r, err: err})
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	return out
}

// gradeAll runs every model concurrently. Each model still goes through its
// provider's invoker, so the rate ceiling holds.
func (g *Grader) gradeAll(ctx context.Context, base llm.Request, models []string, total float64) []outcome {
	out := make([]outcome, len(models))
	var eg errgroup.Group
	for i, m := range models {
		i, m := i, m
		eg.Go(func() error {
			r, err := g.gradeOne(ctx, base, m, total)
			out[i] = outcome{result: r, err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

func (g *Grader) gradeOne(ctx context.Context, base llm.Request, model string, total float64) (entity.GradeResult, error) {
	req := base
	req.Model = model
	reply, err := llm.GenerateJSON[gradeReply](ctx, g.client, req, llm.GradeSchema)
	if err != nil {
		return entity.GradeResult{}, err
	}
	return toResult(reply, model, total), nil
}

// toResult clamps the reply onto [0, total] and pins MaxScore to total.
func toResult(r gradeReply, model string, total float64) entity.GradeResult {
	score := math.Max(0, math.Min(r.Score, total))
	letter := constants.LetterGrade(strings.ToUpper(strings.TrimSpace(r.LetterGrade)))
	if !letter.Valid() {
		letter = LetterGrade(score, total)
	}
	return entity.GradeResult{
		Score:       score,
		MaxScore:    total,
		LetterGrade: letter,
		Feedback:    strings.TrimSpace(r.Feedback),
		Strengths:   nonNil(r.Strengths),
		Weaknesses:  nonNil(r.Weaknesses),
		ModelUsed:   model,
	}
}

// Merge averages results produced for the same submission. The score is the
// rounded mean, the letter grade is recomputed from it, and lists are unioned
// in first-seen order up to constants.MaxConsensusListItems.
func Merge(results []entity.GradeResult, total float64) entity.GradeResult {
	var sum float64
	models := make([]string, 0, len(results))
	feedback := make([]string, 0, len(results))
	var strengths, weaknesses [][]string
	for _, r := range results {
		sum += r.Score
		models = append(models, r.ModelUsed)
		feedback = append(feedback, "["+r.ModelUsed+"] "+r.Feedback)
		strengths = append(strengths, r.Strengths)
		weaknesses = append(weaknesses, r.Weaknesses)
	}
	score := math.Round(sum / float64(len(results)))
	return entity.GradeResult{
		Score:       score,
		MaxScore:    total,
		LetterGrade: LetterGrade(score, total),
		Feedback:    strings.Join(feedback, "\n\n"),
		Strengths:   union(constants.MaxConsensusListItems, strengths...),
		Weaknesses:  union(constants.MaxConsensusListItems, weaknesses...),
		ModelUsed:   "Average: " + strings.Join(models, ", "),
	}
}

// LetterGrade bands score as a percentage of total: 90 A, 80 B, 70 C, 60 D.
func LetterGrade(score, total float64) constants.LetterGrade {
	if total <= 0 {
		total = constants.DefaultTotalPoints
	}
	pct := score * 100 / total
	switch {
	case pct >= 90:
		return constants.GradeA
	case pct >= 80:
		return constants.GradeB
	case pct >= 70:
		return constants.GradeC
	case pct >= 60:
		return constants.GradeD
	default:
		return constants.GradeF
	}
}

func union(limit int, lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, item := range list {
			key := strings.ToLower(strings.TrimSpace(item))
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, strings.TrimSpace(item))
			if len(out) == limit {
				return out
			}
		}
	}
	return out
}

func dedupe(models []string) []string {
	seen := make(map[string]bool, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
