package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/async"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
	"github.com/joseph-ayodele/assignment-grader/internal/export"
	"github.com/joseph-ayodele/assignment-grader/internal/extract"
	"github.com/joseph-ayodele/assignment-grader/internal/grading"
	"github.com/joseph-ayodele/assignment-grader/internal/ingest"
	"github.com/joseph-ayodele/assignment-grader/internal/llm/providers"
	"github.com/joseph-ayodele/assignment-grader/internal/pipeline"
	repo "github.com/joseph-ayodele/assignment-grader/internal/repository"
)

const pollInterval = 2 * time.Second

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		assignmentFile = flag.String("assignment", "", "assignment brief (required)")
		rubricFile     = flag.String("rubric", "", "rubric file (optional, read from the brief when omitted)")
		solutionFile   = flag.String("solution", "", "model solution (optional)")
		dir            = flag.String("dir", "", "directory of submissions (required)")
		out            = flag.String("out", "", "output XLSX file path (optional, defaults to parent directory)")
		title          = flag.String("title", "", "assignment title (defaults to the brief's file name)")
		models         = flag.String("models", "", "comma separated grading models (defaults to DEFAULT_MODELS)")
		average        = flag.Bool("average", false, "average the grading models instead of taking the first success")
		points         = flag.Float64("points", 0, "total points (0 derives them from the brief or rubric)")
		timeout        = flag.Duration("timeout", 2*time.Hour, "give up after this long")
	)
	flag.Parse()

	if *assignmentFile == "" || *dir == "" {
		printError("Error: --assignment and --dir are required\n")
		os.Exit(1)
	}
	if *out == "" {
		*out = filepath.Join(filepath.Dir(filepath.Clean(*dir)), "grades.xlsx")
	}
	if *title == "" {
		*title = strings.TrimSuffix(filepath.Base(*assignmentFile), filepath.Ext(*assignmentFile))
	}

	cfg := common.LoadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var store repo.Store = repo.NewMemoryStore(nil)
	if cfg.Database.Driver != "memory" && cfg.Database.DSN != "" {
		sqlStore, err := repo.Open(ctx, repo.ConfigFrom(cfg.Database), logger)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		store = sqlStore
	}
	defer store.Close()

	client := providers.NewClient(cfg.LLM, logger)
	defer client.Close()

	queue, err := async.NewQueue(logger, async.OptionsFromConfig(cfg.Queue)...)
	if err != nil {
		logger.Error("failed to start queue", "error", err)
		os.Exit(1)
	}
	defer queue.Shutdown(context.Background())

	grader := grading.NewGrader(client, logger, grading.WithTemperature(cfg.LLM.Temperature))
	p := pipeline.New(store, queue, client, grader, extract.NewFileLoader(logger), logger,
		pipeline.WithExtractionModel(cfg.LLM.ExtractionModel),
		pipeline.WithDefaultModels(cfg.LLM.DefaultModels),
		pipeline.WithTemperature(cfg.LLM.Temperature),
	)
	if err := p.Register(queue); err != nil {
		logger.Error("failed to register stage processors", "error", err)
		os.Exit(1)
	}

	a := &entity.Assignment{
		Title:             *title,
		TotalPoints:       *points,
		UseAverageGrading: *average,
		AssignmentFile:    *assignmentFile,
		RubricFile:        *rubricFile,
		SolutionFile:      *solutionFile,
	}
	if *models != "" {
		for _, m := range strings.Split(*models, ",") {
			if m = strings.TrimSpace(m); m != "" {
				a.Models = append(a.Models, m)
			}
		}
	}
	if err := p.AddAssignment(ctx, a); err != nil {
		logger.Error("failed to add assignment", "error", err)
		os.Exit(1)
	}

	ingestor, err := ingest.NewFSIngestor(p, logger)
	if err != nil {
		logger.Error("failed to create ingestor", "error", err)
		os.Exit(1)
	}
	var stats ingest.DirStats
	err = filepath.WalkDir(*dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || ingest.IsHidden(path) || !ingest.AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++
		res, err := ingestor.IngestPath(ctx, a.ID, path)
		switch {
		case err != nil:
			stats.Failed++
			logger.Error("failed to ingest submission", "path", path, "error", err)
		case res.Deduplicated:
			stats.Deduplicated++
		default:
			stats.Succeeded++
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to walk submissions", "dir", *dir, "error", err)
		os.Exit(1)
	}
	logger.Info("ingestion complete",
		"assignment_id", a.ID,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"deduplicated", stats.Deduplicated,
		"failed", stats.Failed)

	st, err := waitForGrades(ctx, p, a.ID, logger)
	if err != nil {
		logger.Error("grading did not finish", "error", err)
	}

	xlsx, err := export.NewService(store, logger).ExportGradesXLSX(context.Background(), a.ID)
	if err != nil {
		logger.Error("failed to export grades", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsx, 0o644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Batch grading complete!\n")
	fmt.Printf("- Assignment: %s (%s)\n", st.AssignmentProcessingStatus, st.EvaluationReadyStatus)
	if st.ProcessingError != "" {
		fmt.Printf("- Assignment error: %s\n", st.ProcessingError)
	}
	fmt.Printf("- Submissions: %d\n", st.Submissions.Total)
	fmt.Printf("- Graded: %d\n", st.Submissions.Completed)
	fmt.Printf("- Failed: %d\n", st.Submissions.Failed)
	fmt.Printf("- Output: %s\n", *out)
}

// waitForGrades polls the assignment status until every submission reached a
// final evaluation status, or until evaluation can no longer start.
func waitForGrades(ctx context.Context, p *pipeline.Pipeline, id uuid.UUID, logger *slog.Logger) (entity.AssignmentStatus, error) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		st, err := p.Status(ctx, id)
		if err != nil {
			return st, err
		}
		if finished(st) {
			return st, nil
		}
		logger.Info("batch.progress",
			"assignment", st.AssignmentProcessingStatus,
			"rubric", st.RubricProcessingStatus,
			"readiness", st.EvaluationReadyStatus,
			"completed", st.Submissions.Completed,
			"failed", st.Submissions.Failed,
			"total", st.Submissions.Total)
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

func finished(st entity.AssignmentStatus) bool {
	if st.EvaluationReadyStatus.AllowsEvaluation() {
		return st.Submissions.Completed+st.Submissions.Failed == st.Submissions.Total
	}
	// grading can never start once the brief or the rubric failed
	return st.AssignmentProcessingStatus == constants.StatusFailed ||
		st.RubricProcessingStatus == constants.StatusFailed
}
