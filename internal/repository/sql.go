package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/clock"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

const (
	tableAssignments = "assignments"
	tableSubmissions = "submissions"
	tableResults     = "evaluation_results"

	// fixed width so text ordering matches time ordering
	tsLayout = "2006-01-02T15:04:05.000000000Z"
)

var assignmentColumns = []string{
	"id", "title", "description", "total_points", "models", "use_average_grading",
	"assignment_file", "rubric_file", "solution_file",
	"assignment_status", "assignment_error", "assignment_generation", "assignment_updated_at",
	"rubric_status", "rubric_error", "rubric_generation", "rubric_updated_at",
	"solution_status", "solution_error", "solution_generation", "solution_updated_at",
	"rubric_source", "processed_data", "processed_rubric", "processed_solution",
	"evaluation_ready_status", "created_at", "updated_at",
}

var submissionColumns = []string{
	"id", "assignment_id", "student_id", "file_path",
	"processing_status", "processing_error", "processing_generation", "processing_updated_at",
	"evaluation_status", "evaluation_message", "evaluation_error", "evaluation_updated_at",
	"created_at", "updated_at",
}

// SQLStore implements Store on Postgres or SQLite through ent's SQL builder.
type SQLStore struct {
	drv    *entsql.Driver
	db     *sql.DB
	pool   *pgxpool.Pool
	logger *slog.Logger
	clock  clock.PassiveClock
}

type SQLOption func(*SQLStore)

func WithStoreClock(c clock.PassiveClock) SQLOption {
	return func(s *SQLStore) {
		if c != nil {
			s.clock = c
		}
	}
}

func NewSQLStore(drv *entsql.Driver, logger *slog.Logger, opts ...SQLOption) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{drv: drv, db: drv.DB(), logger: logger, clock: clock.RealClock{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SQLStore) b() *entsql.DialectBuilder { return entsql.Dialect(s.drv.Dialect()) }

func (s *SQLStore) now() time.Time { return s.clock.Now().UTC() }

// Migrate creates the tables when they do not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	text := func(name string) string { return name + " TEXT NOT NULL DEFAULT ''" }
	num := func(name string) string { return name + " DOUBLE PRECISION NOT NULL DEFAULT 0" }
	bigint := func(name string) string { return name + " BIGINT NOT NULL DEFAULT 0" }
	doc := func(prefix string) []string {
		return []string{text(prefix + "_status"), text(prefix + "_error"), bigint(prefix + "_generation"), text(prefix + "_updated_at")}
	}

	assignments := []string{
		text("id"), text("title"), text("description"), num("total_points"), text("models"),
		"use_average_grading BOOLEAN NOT NULL DEFAULT FALSE",
		text("assignment_file"), text("rubric_file"), text("solution_file"),
	}
	assignments = append(assignments, doc("assignment")...)
	assignments = append(assignments, doc("rubric")...)
	assignments = append(assignments, doc("solution")...)
	assignments = append(assignments,
		text("rubric_source"), text("processed_data"), text("processed_rubric"), text("processed_solution"),
		text("evaluation_ready_status"), text("created_at"), text("updated_at"),
	)

	submissions := []string{text("id"), text("assignment_id"), text("student_id"), text("file_path")}
	submissions = append(submissions, doc("processing")...)
	submissions = append(submissions,
		text("evaluation_status"), text("evaluation_message"), text("evaluation_error"), text("evaluation_updated_at"),
		text("created_at"), text("updated_at"),
	)

	results := []string{text("id"), text("submission_id"), bigint("seq"), text("data"), text("created_at")}

	stmts := make([]string, 0, 5)
	for _, t := range []struct {
		name string
		cols []string
	}{
		{tableAssignments, assignments},
		{tableSubmissions, submissions},
		{tableResults, results},
	} {
		stmts = append(stmts, createTableDDL(t.name, t.cols))
	}
	stmts = append(stmts,
		"CREATE INDEX IF NOT EXISTS submissions_assignment_id ON submissions (assignment_id)",
		"CREATE INDEX IF NOT EXISTS evaluation_results_submission_id ON evaluation_results (submission_id, seq)",
	)
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			s.logger.Error("migration failed", "statement", q, "error", err)
			return common.WrapError(fmt.Errorf("%w: %v", common.ErrDatabase, err), "migrate")
		}
	}
	s.logger.Debug("schema ready")
	return nil
}

func createTableDDL(table string, cols []string) string {
	return "CREATE TABLE IF NOT EXISTS " + table + " (" + strings.Join(cols, ", ") + ", PRIMARY KEY (id))"
}

type scanner interface {
	Scan(dest ...any) error
}

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(v string) time.Time {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

func decodeJSON[T any](v string) (*T, error) {
	if v == "" {
		return nil, nil
	}
	out := new(T)
	if err := json.Unmarshal([]byte(v), out); err != nil {
		return nil, err
	}
	return out, nil
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return common.NewAppError("DB_ERROR", op, fmt.Errorf("%w: %v", common.ErrDatabase, err))
}

func docPrefix(role constants.Role) (table, prefix string) {
	switch role {
	case constants.RoleSubmission:
		return tableSubmissions, "processing"
	case constants.RoleRubric:
		return tableAssignments, "rubric"
	case constants.RoleSolution:
		return tableAssignments, "solution"
	default:
		return tableAssignments, "assignment"
	}
}

func scanDoc(dst []any, st *entity.DocState, updated *string) []any {
	return append(dst, (*string)(&st.Status), &st.Error, &st.Generation, updated)
}

func scanAssignment(r scanner) (*entity.Assignment, error) {
	var (
		a                           entity.Assignment
		id, models                  string
		aUpd, rUpd, sUpd            string
		pData, pRubric, pSolution   string
		source, ready, created, upd string
	)
	dst := []any{&id, &a.Title, &a.Description, &a.TotalPoints, &models, &a.UseAverageGrading,
		&a.AssignmentFile, &a.RubricFile, &a.SolutionFile}
	dst = scanDoc(dst, &a.Assignment, &aUpd)
	dst = scanDoc(dst, &a.Rubric, &rUpd)
	dst = scanDoc(dst, &a.Solution, &sUpd)
	dst = append(dst, &source, &pData, &pRubric, &pSolution, &ready, &created, &upd)
	if err := r.Scan(dst...); err != nil {
		return nil, err
	}

	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if models != "" {
		if err := json.Unmarshal([]byte(models), &a.Models); err != nil {
			return nil, err
		}
	}
	a.Assignment.UpdatedAt = parseTS(aUpd)
	a.Rubric.UpdatedAt = parseTS(rUpd)
	a.Solution.UpdatedAt = parseTS(sUpd)
	a.RubricSource = constants.RubricSource(source)
	a.EvaluationReadyStatus = constants.EvaluationReadyStatus(ready)
	a.CreatedAt = parseTS(created)
	a.UpdatedAt = parseTS(upd)
	if a.ProcessedData, err = decodeJSON[entity.AssignmentData](pData); err != nil {
		return nil, err
	}
	if a.ProcessedRubric, err = decodeJSON[entity.RubricData](pRubric); err != nil {
		return nil, err
	}
	if a.ProcessedSolution, err = decodeJSON[entity.SolutionData](pSolution); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSubmission(r scanner) (*entity.Submission, error) {
	var (
		sub                       entity.Submission
		id, assignmentID          string
		pUpd, evalStatus, evalUpd string
		created, upd              string
	)
	dst := []any{&id, &assignmentID, &sub.StudentID, &sub.FilePath}
	dst = scanDoc(dst, &sub.Processing, &pUpd)
	dst = append(dst, &evalStatus, &sub.EvaluationMessage, &sub.EvaluationError, &evalUpd, &created, &upd)
	if err := r.Scan(dst...); err != nil {
		return nil, err
	}
	var err error
	if sub.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if sub.AssignmentID, err = uuid.Parse(assignmentID); err != nil {
		return nil, err
	}
	sub.Processing.UpdatedAt = parseTS(pUpd)
	sub.EvaluationStatus = constants.EvaluationStatus(evalStatus)
	sub.EvaluationUpdatedAt = parseTS(evalUpd)
	sub.CreatedAt = parseTS(created)
	sub.UpdatedAt = parseTS(upd)
	return &sub, nil
}

func (s *SQLStore) queryAssignments(ctx context.Context, where *entsql.Predicate) ([]*entity.Assignment, error) {
	sel := s.b().Select(assignmentColumns...).From(entsql.Table(tableAssignments))
	if where != nil {
		sel = sel.Where(where)
	}
	q, args := sel.OrderBy("created_at", "id").Query()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr("query assignments", err)
	}
	defer rows.Close()

	var out []*entity.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, dbErr("scan assignment", err)
		}
		out = append(out, a)
	}
	return out, dbErr("iterate assignments", rows.Err())
}

func (s *SQLStore) querySubmissions(ctx context.Context, where *entsql.Predicate) ([]*entity.Submission, error) {
	q, args := s.b().Select(submissionColumns...).From(entsql.Table(tableSubmissions)).
		Where(where).OrderBy("created_at", "id").Query()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr("query submissions", err)
	}
	var out []*entity.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			rows.Close()
			return nil, dbErr("scan submission", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, dbErr("iterate submissions", err)
	}
	rows.Close()

	if err := s.attachResults(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachResults loads the consensus results of subs in append order.
func (s *SQLStore) attachResults(ctx context.Context, subs []*entity.Submission) error {
	if len(subs) == 0 {
		return nil
	}
	ids := make([]any, 0, len(subs))
	byID := make(map[string]*entity.Submission, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.ID.String())
		byID[sub.ID.String()] = sub
	}
	q, args := s.b().Select("submission_id", "data").From(entsql.Table(tableResults)).
		Where(entsql.In("submission_id", ids...)).OrderBy("submission_id", "seq").Query()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return dbErr("query results", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sid, data string
		if err := rows.Scan(&sid, &data); err != nil {
			return dbErr("scan result", err)
		}
		var res entity.ConsensusResult
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return dbErr("decode result", err)
		}
		if sub := byID[sid]; sub != nil {
			sub.Results = append(sub.Results, res)
		}
	}
	return dbErr("iterate results", rows.Err())
}

func (s *SQLStore) CreateAssignment(ctx context.Context, a *entity.Assignment) error {
	if a.ID == uuid.Nil {
		return common.NewAppError("INVALID_ASSIGNMENT", "id is required", common.ErrInvalidInput)
	}
	a.ApplyDefaults(s.now())

	models, err := encodeJSON(a.Models)
	if err != nil {
		return err
	}
	pData, err := encodeJSON(a.ProcessedData)
	if err != nil {
		return err
	}
	pRubric, err := encodeJSON(a.ProcessedRubric)
	if err != nil {
		return err
	}
	pSolution, err := encodeJSON(a.ProcessedSolution)
	if err != nil {
		return err
	}
	values := []any{a.ID.String(), a.Title, a.Description, a.TotalPoints, models, a.UseAverageGrading,
		a.AssignmentFile, a.RubricFile, a.SolutionFile}
	for _, st := range []entity.DocState{a.Assignment, a.Rubric, a.Solution} {
		values = append(values, string(st.Status), st.Error, st.Generation, ts(st.UpdatedAt))
	}
	values = append(values, string(a.RubricSource), pData, pRubric, pSolution,
		string(a.EvaluationReadyStatus), ts(a.CreatedAt), ts(a.UpdatedAt))

	q, args := s.b().Insert(tableAssignments).Columns(assignmentColumns...).Values(values...).Query()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		s.logger.Error("failed to create assignment", "assignment_id", a.ID, "error", err)
		return dbErr("create assignment", err)
	}
	s.logger.Info("assignment created", "assignment_id", a.ID, "title", a.Title)
	return nil
}

func (s *SQLStore) GetAssignment(ctx context.Context, id uuid.UUID) (*entity.Assignment, error) {
	out, err := s.queryAssignments(ctx, entsql.EQ("id", id.String()))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound("assignment", id)
	}
	return out[0], nil
}

func (s *SQLStore) ListAssignments(ctx context.Context) ([]*entity.Assignment, error) {
	return s.queryAssignments(ctx, nil)
}

func (s *SQLStore) DeleteAssignment(ctx context.Context, id uuid.UUID) error {
	subs, err := s.querySubmissions(ctx, entsql.EQ("assignment_id", id.String()))
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(subs) > 0 {
		ids := make([]any, 0, len(subs))
		for _, sub := range subs {
			ids = append(ids, sub.ID.String())
		}
		q, args := s.b().Delete(tableResults).Where(entsql.In("submission_id", ids...)).Query()
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return dbErr("delete results", err)
		}
	}
	q, args := s.b().Delete(tableSubmissions).Where(entsql.EQ("assignment_id", id.String())).Query()
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return dbErr("delete submissions", err)
	}
	q, args = s.b().Delete(tableAssignments).Where(entsql.EQ("id", id.String())).Query()
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return dbErr("delete assignment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("assignment", id)
	}
	if err := tx.Commit(); err != nil {
		return dbErr("commit", err)
	}
	s.logger.Info("assignment deleted", "assignment_id", id, "submissions", len(subs))
	return nil
}

func (s *SQLStore) CreateSubmission(ctx context.Context, sub *entity.Submission) error {
	if sub.ID == uuid.Nil {
		return common.NewAppError("INVALID_SUBMISSION", "id is required", common.ErrInvalidInput)
	}
	if _, err := s.GetAssignment(ctx, sub.AssignmentID); err != nil {
		return err
	}
	sub.ApplyDefaults(s.now())
	st := sub.Processing
	q, args := s.b().Insert(tableSubmissions).Columns(submissionColumns...).Values(
		sub.ID.String(), sub.AssignmentID.String(), sub.StudentID, sub.FilePath,
		string(st.Status), st.Error, st.Generation, ts(st.UpdatedAt),
		string(sub.EvaluationStatus), sub.EvaluationMessage, sub.EvaluationError, ts(sub.EvaluationUpdatedAt),
		ts(sub.CreatedAt), ts(sub.UpdatedAt),
	).Query()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		s.logger.Error("failed to create submission", "submission_id", sub.ID, "error", err)
		return dbErr("create submission", err)
	}
	return nil
}

func (s *SQLStore) GetSubmission(ctx context.Context, id uuid.UUID) (*entity.Submission, error) {
	out, err := s.querySubmissions(ctx, entsql.EQ("id", id.String()))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound("submission", id)
	}
	return out[0], nil
}

func (s *SQLStore) ListSubmissions(ctx context.Context, assignmentID uuid.UUID) ([]*entity.Submission, error) {
	return s.querySubmissions(ctx, entsql.EQ("assignment_id", assignmentID.String()))
}

func (s *SQLStore) DeleteSubmission(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	q, args := s.b().Delete(tableResults).Where(entsql.EQ("submission_id", id.String())).Query()
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return dbErr("delete results", err)
	}
	q, args = s.b().Delete(tableSubmissions).Where(entsql.EQ("id", id.String())).Query()
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return dbErr("delete submission", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("submission", id)
	}
	return dbErr("commit", tx.Commit())
}

func (s *SQLStore) readDoc(ctx context.Context, id uuid.UUID, role constants.Role) (entity.DocState, error) {
	table, p := docPrefix(role)
	q, args := s.b().Select(p+"_status", p+"_error", p+"_generation", p+"_updated_at").
		From(entsql.Table(table)).Where(entsql.EQ("id", id.String())).Query()

	var st entity.DocState
	var updated string
	err := s.db.QueryRowContext(ctx, q, args...).Scan(scanDoc(nil, &st, &updated)...)
	if errors.Is(err, sql.ErrNoRows) {
		kind := "assignment"
		if role == constants.RoleSubmission {
			kind = "submission"
		}
		return entity.DocState{}, notFound(kind, id)
	}
	if err != nil {
		return entity.DocState{}, dbErr("read status", err)
	}
	st.UpdatedAt = parseTS(updated)
	return st, nil
}

// casDoc applies set to the document row only while it still holds cur.
func (s *SQLStore) casDoc(ctx context.Context, id uuid.UUID, role constants.Role, cur entity.DocState, set func(u *entsql.UpdateBuilder, p string)) (bool, error) {
	table, p := docPrefix(role)
	now := ts(s.now())
	u := s.b().Update(table).Set(p+"_updated_at", now).Set("updated_at", now)
	set(u, p)
	q, args := u.Where(entsql.And(
		entsql.EQ("id", id.String()),
		entsql.EQ(p+"_status", string(cur.Status)),
		entsql.EQ(p+"_generation", cur.Generation),
	)).Query()
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, dbErr("update "+p, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("update "+p, err)
	}
	return n == 1, nil
}

func raced(ref DocRef) error {
	return common.NewAppError("CONCURRENT_UPDATE", ref.String(), common.ErrConflict)
}

func (s *SQLStore) UpdateStatus(ctx context.Context, ref DocRef, to constants.ProcessingStatus, errMsg string) error {
	cur, err := s.readDoc(ctx, ref.ID, ref.Role)
	if err != nil {
		return err
	}
	if err := checkWrite(ref, cur, to); err != nil {
		return err
	}
	ok, err := s.casDoc(ctx, ref.ID, ref.Role, cur, func(u *entsql.UpdateBuilder, p string) {
		u.Set(p+"_status", string(to)).Set(p+"_error", errMsg)
	})
	if err != nil {
		return err
	}
	if !ok {
		return raced(ref)
	}
	return nil
}

func (s *SQLStore) UpdateProcessedData(ctx context.Context, ref DocRef, data ProcessedData) error {
	var (
		column  string
		payload any
	)
	switch ref.Role {
	case constants.RoleAssignment:
		column, payload = "processed_data", data.Assignment
	case constants.RoleRubric:
		column, payload = "processed_rubric", data.Rubric
	case constants.RoleSolution:
		column, payload = "processed_solution", data.Solution
	default:
		return common.NewAppError("INVALID_ROLE", string(ref.Role)+" has no processed data", common.ErrInvalidInput)
	}
	encoded, err := encodeJSON(payload)
	if err != nil {
		return err
	}

	cur, err := s.readDoc(ctx, ref.ID, ref.Role)
	if err != nil {
		return err
	}
	if err := checkProcessing(ref, cur); err != nil {
		return err
	}
	ok, err := s.casDoc(ctx, ref.ID, ref.Role, cur, func(u *entsql.UpdateBuilder, _ string) {
		u.Set(column, encoded)
		if ref.Role == constants.RoleRubric {
			u.Set("rubric_source", string(data.RubricSource))
		}
	})
	if err != nil {
		return err
	}
	if !ok {
		return raced(ref)
	}
	return nil
}

func (s *SQLStore) ResetStatus(ctx context.Context, id uuid.UUID, role constants.Role) (entity.DocState, error) {
	cur, err := s.readDoc(ctx, id, role)
	if err != nil {
		return entity.DocState{}, err
	}
	if err := checkReset(id, role, cur); err != nil {
		return entity.DocState{}, err
	}
	next := entity.DocState{Status: constants.StatusPending, Generation: cur.Generation + 1, UpdatedAt: s.now()}
	ok, err := s.casDoc(ctx, id, role, cur, func(u *entsql.UpdateBuilder, p string) {
		u.Set(p+"_status", string(next.Status)).Set(p+"_error", "").Set(p+"_generation", next.Generation)
	})
	if err != nil {
		return entity.DocState{}, err
	}
	if !ok {
		return entity.DocState{}, raced(DocRef{ID: id, Role: role, Generation: cur.Generation})
	}
	return next, nil
}

func (s *SQLStore) SetReadiness(ctx context.Context, id uuid.UUID, status constants.EvaluationReadyStatus) (constants.EvaluationReadyStatus, error) {
	q, args := s.b().Select("evaluation_ready_status").From(entsql.Table(tableAssignments)).
		Where(entsql.EQ("id", id.String())).Query()
	var prev string
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("assignment", id)
	}
	if err != nil {
		return "", dbErr("read readiness", err)
	}
	if constants.EvaluationReadyStatus(prev) == status {
		return status, nil
	}
	q, args = s.b().Update(tableAssignments).
		Set("evaluation_ready_status", string(status)).
		Set("updated_at", ts(s.now())).
		Where(entsql.EQ("id", id.String())).Query()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return "", dbErr("update readiness", err)
	}
	return constants.EvaluationReadyStatus(prev), nil
}

func (s *SQLStore) TransitionEvaluation(ctx context.Context, id uuid.UUID, from []constants.EvaluationStatus, to constants.EvaluationStatus, message, errMsg string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	states := make([]any, 0, len(from))
	for _, f := range from {
		states = append(states, string(f))
	}
	now := ts(s.now())
	q, args := s.b().Update(tableSubmissions).
		Set("evaluation_status", string(to)).
		Set("evaluation_message", message).
		Set("evaluation_error", errMsg).
		Set("evaluation_updated_at", now).
		Set("updated_at", now).
		Where(entsql.And(entsql.EQ("id", id.String()), entsql.In("evaluation_status", states...))).Query()
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, dbErr("transition evaluation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("transition evaluation", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.readDoc(ctx, id, constants.RoleSubmission); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) AppendEvaluationResult(ctx context.Context, id uuid.UUID, result entity.ConsensusResult) error {
	if _, err := s.readDoc(ctx, id, constants.RoleSubmission); err != nil {
		return err
	}
	return s.insertResult(ctx, s.db, id, result)
}

func (s *SQLStore) CompleteEvaluation(ctx context.Context, id uuid.UUID, result entity.ConsensusResult, message string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, dbErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := ts(s.now())
	q, args := s.b().Update(tableSubmissions).
		Set("evaluation_status", string(constants.EvalCompleted)).
		Set("evaluation_message", message).
		Set("evaluation_error", "").
		Set("evaluation_updated_at", now).
		Set("updated_at", now).
		Where(entsql.And(
			entsql.EQ("id", id.String()),
			entsql.EQ("evaluation_status", string(constants.EvalEvaluating)),
		)).Query()
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return false, dbErr("complete evaluation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("complete evaluation", err)
	}
	if n != 1 {
		_ = tx.Rollback()
		if _, err := s.readDoc(ctx, id, constants.RoleSubmission); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := s.insertResult(ctx, tx, id, result); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, dbErr("commit", err)
	}
	return true, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) insertResult(ctx context.Context, db execQuerier, id uuid.UUID, result entity.ConsensusResult) error {
	result.SubmissionID = id
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.now()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	q, args := s.b().Select(entsql.Count("*")).From(entsql.Table(tableResults)).
		Where(entsql.EQ("submission_id", id.String())).Query()
	var seq int64
	if err := db.QueryRowContext(ctx, q, args...).Scan(&seq); err != nil {
		return dbErr("count results", err)
	}

	q, args = s.b().Insert(tableResults).Columns("id", "submission_id", "seq", "data", "created_at").
		Values(result.ID.String(), id.String(), seq, string(data), ts(result.CreatedAt)).Query()
	if _, err := db.ExecContext(ctx, q, args...); err != nil {
		return dbErr("append result", err)
	}
	return nil
}

func (s *SQLStore) ListUnfinished(ctx context.Context) (Unfinished, error) {
	docActive := []any{string(constants.StatusPending), string(constants.StatusProcessing)}
	assignments, err := s.queryAssignments(ctx, entsql.Or(
		entsql.In("assignment_status", docActive...),
		entsql.In("rubric_status", docActive...),
		entsql.In("solution_status", docActive...),
	))
	if err != nil {
		return Unfinished{}, err
	}
	submissions, err := s.querySubmissions(ctx, entsql.Or(
		entsql.In("processing_status", docActive...),
		entsql.In("evaluation_status", string(constants.EvalQueued), string(constants.EvalEvaluating)),
	))
	if err != nil {
		return Unfinished{}, err
	}
	return Unfinished{Assignments: assignments, Submissions: submissions}, nil
}
