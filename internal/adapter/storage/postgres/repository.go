package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	postgresConfig "github.com/yeepay/aigc-broker/config/storage/postgresql"
	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
)

// uniqueViolation is pgconn's code for a duplicate primary key
const uniqueViolation = "23505"

var taskColumns = []string{
	"id", "mode", "status", "description", "reference", "parameters",
	"engine_submission_id", "result", "error", "progress", "is_favorited",
	"created_at", "updated_at",
}

var terminalStatuses = []string{string(domain.TaskStatusCompleted), string(domain.TaskStatusFailed)}

type taskRepository struct {
	db  *postgresConfig.DB
	qb  squirrel.StatementBuilderType
	log *zap.Logger
}

// NewTaskRepository creates a new postgres repository
func NewTaskRepository(db *postgresConfig.DB, log *zap.Logger) port.TaskRepository {
	return &taskRepository{
		db:  db,
		qb:  *db.QueryBuilder,
		log: log,
	}
}

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	task.Status = domain.TaskStatusPending

	sql, args, err := r.qb.Insert("tasks").
		Columns(taskColumns...).
		Values(task.ID, string(task.Mode), string(task.Status), task.Description, nullable(task.Reference), task.Parameters,
			nil, nil, nil, 0, task.IsFavorited, task.CreatedAt, task.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		if postgresConfig.ErrorCode(err) == uniqueViolation {
			return domain.NewError(domain.ErrDuplicateID, "task %s already exists", task.ID)
		}
		r.log.Error("Failed to save task", zap.String("task_id", task.ID), zap.Error(err))
		return err
	}
	return nil
}

func (r *taskRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, update domain.StatusUpdate) error {
	if !status.Valid() {
		return domain.NewError(domain.ErrInvalidParameters, "unknown status %q", status)
	}
	if status == domain.TaskStatusCompleted && len(update.Result) == 0 {
		return domain.NewError(domain.ErrNoOutput, "completed task %s needs a result", id)
	}
	if status == domain.TaskStatusFailed && update.Error == "" {
		update.Error = string(domain.ErrEngine)
	}

	builder := r.qb.Update("tasks").
		Set("status", string(status)).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.NotEq{"status": terminalStatuses})

	if update.SubmissionID != "" {
		// first writer wins, the id is never overwritten
		builder = builder.Set("engine_submission_id", squirrel.Expr("COALESCE(engine_submission_id, ?)", update.SubmissionID))
	}
	switch status {
	case domain.TaskStatusCompleted:
		builder = builder.Set("result", domain.EncodePathList(update.Result)).Set("progress", 100)
	case domain.TaskStatusFailed:
		builder = builder.Set("error", update.Error).
			Set("progress", squirrel.Expr("LEAST(progress, 99)"))
	default:
		if update.Progress != nil {
			builder = builder.Set("progress", squirrel.Expr("GREATEST(progress, ?)", clampProgress(*update.Progress)))
		}
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.explainMiss(ctx, id)
	}
	return nil
}

func (r *taskRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress >= 100 {
		return domain.NewError(domain.ErrInvalidParameters, "progress 100 is only written on completion")
	}
	sql, args, err := r.qb.Update("tasks").
		Set("progress", squirrel.Expr("GREATEST(progress, ?)", clampProgress(progress))).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.NotEq{"status": terminalStatuses}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.explainMiss(ctx, id)
	}
	return nil
}

// explainMiss tells a missing row from a terminal one after a zero-row update
func (r *taskRepository) explainMiss(ctx context.Context, id string) error {
	task, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return domain.NewError(domain.ErrTerminalState, "task %s is already %s", id, task.Status)
}

func (r *taskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	sql, args, err := r.qb.Select(taskColumns...).From("tasks").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	task, err := scanTask(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewError(domain.ErrNotFound, "task %s not found", id)
	}
	return task, err
}

func (r *taskRepository) List(ctx context.Context, query domain.ListQuery) (*domain.TaskPage, error) {
	query = query.Normalize()

	where := squirrel.And{}
	switch query.Favorite {
	case domain.FavoriteYes:
		where = append(where, squirrel.Eq{"is_favorited": true})
	case domain.FavoriteNo:
		where = append(where, squirrel.Eq{"is_favorited": false})
	}
	if since := query.Window.Since(time.Now()); !since.IsZero() {
		where = append(where, squirrel.GtOrEq{"created_at": since.UTC()})
	}
	if len(query.Statuses) > 0 {
		statuses := make([]string, len(query.Statuses))
		for i, s := range query.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, squirrel.Eq{"status": statuses})
	}

	countSQL, countArgs, err := r.qb.Select("COUNT(*)").From("tasks").Where(where).ToSql()
	if err != nil {
		return nil, err
	}

	// the count and the page come from one snapshot so the total is stable
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var total int
	if err := tx.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, err
	}

	order := "created_at DESC, id DESC"
	if query.Order == domain.OrderAsc {
		order = "created_at ASC, id ASC"
	}
	pageSQL, pageArgs, err := r.qb.Select(taskColumns...).From("tasks").Where(where).
		OrderBy(order).
		Limit(uint64(query.Limit)).
		Offset(uint64(query.Offset)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &domain.TaskPage{Total: total, Tasks: []*domain.Task{}}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		page.Tasks = append(page.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return page, tx.Commit(ctx)
}

func (r *taskRepository) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	sql, args, err := r.qb.Update("tasks").
		Set("is_favorited", squirrel.Expr("NOT is_favorited")).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING is_favorited").
		ToSql()
	if err != nil {
		return false, err
	}
	var value bool
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.NewError(domain.ErrNotFound, "task %s not found", id)
		}
		return false, err
	}
	return value, nil
}

func (r *taskRepository) Delete(ctx context.Context, id string) (string, error) {
	sql, args, err := r.qb.Delete("tasks").Where(squirrel.Eq{"id": id}).Suffix("RETURNING COALESCE(result, '')").ToSql()
	if err != nil {
		return "", err
	}
	var result string
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&result); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.NewError(domain.ErrNotFound, "task %s not found", id)
		}
		return "", err
	}
	return result, nil
}

func (r *taskRepository) ListUnfinished(ctx context.Context) ([]*domain.Task, error) {
	sql, args, err := r.qb.Select(taskColumns...).From("tasks").
		Where(squirrel.NotEq{"status": terminalStatuses}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *taskRepository) Ping(ctx context.Context) error {
	return r.db.DBHealth(ctx)
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t                                  domain.Task
		mode, status                       string
		reference, submission, result, msg *string
	)
	if err := row.Scan(&t.ID, &mode, &status, &t.Description, &reference, &t.Parameters,
		&submission, &result, &msg, &t.Progress, &t.IsFavorited, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Mode = domain.Mode(mode)
	t.Status = domain.TaskStatus(status)
	t.Reference = deref(reference)
	t.EngineSubmissionID = deref(submission)
	t.Result = deref(result)
	t.Error = deref(msg)
	return &t, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 99 {
		return 99
	}
	return p
}
