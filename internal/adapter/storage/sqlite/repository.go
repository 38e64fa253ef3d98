// Package sqlite provides the gorm backed task store for single-node deployments.
package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	sqliteConfig "github.com/yeepay/aigc-broker/config/storage/sqlite"
	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var terminalStatuses = []string{string(domain.TaskStatusCompleted), string(domain.TaskStatusFailed)}

// taskRow mirrors the tasks table
type taskRow struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	Mode               string    `gorm:"column:mode"`
	Status             string    `gorm:"column:status"`
	Description        string    `gorm:"column:description"`
	Reference          *string   `gorm:"column:reference"`
	Parameters         string    `gorm:"column:parameters"`
	EngineSubmissionID *string   `gorm:"column:engine_submission_id"`
	Result             *string   `gorm:"column:result"`
	Error              *string   `gorm:"column:error"`
	Progress           int       `gorm:"column:progress"`
	IsFavorited        bool      `gorm:"column:is_favorited"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (taskRow) TableName() string {
	return "tasks"
}

func (r taskRow) toDomain() *domain.Task {
	return &domain.Task{
		ID:                 r.ID,
		Mode:               domain.Mode(r.Mode),
		Status:             domain.TaskStatus(r.Status),
		Description:        r.Description,
		Reference:          deref(r.Reference),
		Parameters:         r.Parameters,
		EngineSubmissionID: deref(r.EngineSubmissionID),
		Result:             deref(r.Result),
		Error:              deref(r.Error),
		Progress:           r.Progress,
		IsFavorited:        r.IsFavorited,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

type taskRepository struct {
	db  *sqliteConfig.DB
	log *zap.Logger
}

// NewTaskRepository creates a new sqlite repository
func NewTaskRepository(db *sqliteConfig.DB, log *zap.Logger) port.TaskRepository {
	return &taskRepository{
		db:  db,
		log: log,
	}
}

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.CreatedAt
	task.Status = domain.TaskStatusPending

	row := taskRow{
		ID:          task.ID,
		Mode:        string(task.Mode),
		Status:      string(task.Status),
		Description: task.Description,
		Reference:   nullable(task.Reference),
		Parameters:  task.Parameters,
		IsFavorited: task.IsFavorited,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
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

	values := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if update.SubmissionID != "" {
		// first writer wins, the id is never overwritten
		values["engine_submission_id"] = gorm.Expr("COALESCE(engine_submission_id, ?)", update.SubmissionID)
	}
	switch status {
	case domain.TaskStatusCompleted:
		values["result"] = domain.EncodePathList(update.Result)
		values["progress"] = 100
	case domain.TaskStatusFailed:
		values["error"] = update.Error
		values["progress"] = gorm.Expr("MIN(progress, 99)")
	default:
		if update.Progress != nil {
			values["progress"] = gorm.Expr("MAX(progress, ?)", clampProgress(*update.Progress))
		}
	}

	res := r.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.explainMiss(ctx, id)
	}
	return nil
}

func (r *taskRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress >= 100 {
		return domain.NewError(domain.ErrInvalidParameters, "progress 100 is only written on completion")
	}
	res := r.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]any{
			"progress":   gorm.Expr("MAX(progress, ?)", clampProgress(progress)),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.explainMiss(ctx, id)
	}
	return nil
}

func (r *taskRepository) explainMiss(ctx context.Context, id string) error {
	task, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return domain.NewError(domain.ErrTerminalState, "task %s is already %s", id, task.Status)
}

func (r *taskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	var row taskRow
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewError(domain.ErrNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (r *taskRepository) List(ctx context.Context, query domain.ListQuery) (*domain.TaskPage, error) {
	query = query.Normalize()

	page := &domain.TaskPage{Tasks: []*domain.Task{}}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := func() *gorm.DB {
			q := tx.Model(&taskRow{})
			switch query.Favorite {
			case domain.FavoriteYes:
				q = q.Where("is_favorited = ?", true)
			case domain.FavoriteNo:
				q = q.Where("is_favorited = ?", false)
			}
			if since := query.Window.Since(time.Now()); !since.IsZero() {
				q = q.Where("created_at >= ?", since.UTC())
			}
			if len(query.Statuses) > 0 {
				statuses := make([]string, len(query.Statuses))
				for i, s := range query.Statuses {
					statuses[i] = string(s)
				}
				q = q.Where("status IN ?", statuses)
			}
			return q
		}

		var total int64
		if err := scope().Count(&total).Error; err != nil {
			return err
		}
		page.Total = int(total)

		order := "created_at DESC, id DESC"
		if query.Order == domain.OrderAsc {
			order = "created_at ASC, id ASC"
		}
		var rows []taskRow
		if err := scope().Order(order).Limit(query.Limit).Offset(query.Offset).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			page.Tasks = append(page.Tasks, row.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (r *taskRepository) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	var value bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&taskRow{}).Where("id = ?", id).Updates(map[string]any{
			"is_favorited": gorm.Expr("NOT is_favorited"),
			"updated_at":   time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.NewError(domain.ErrNotFound, "task %s not found", id)
		}
		var row taskRow
		if err := tx.Select("is_favorited").Where("id = ?", id).Take(&row).Error; err != nil {
			return err
		}
		value = row.IsFavorited
		return nil
	})
	return value, err
}

func (r *taskRepository) Delete(ctx context.Context, id string) (string, error) {
	var result string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row taskRow
		err := tx.Select("id", "result").Where("id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NewError(domain.ErrNotFound, "task %s not found", id)
		}
		if err != nil {
			return err
		}
		result = deref(row.Result)
		return tx.Where("id = ?", id).Delete(&taskRow{}).Error
	})
	return result, err
}

func (r *taskRepository) ListUnfinished(ctx context.Context) ([]*domain.Task, error) {
	var rows []taskRow
	if err := r.db.WithContext(ctx).Where("status NOT IN ?", terminalStatuses).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	tasks := make([]*domain.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.toDomain())
	}
	return tasks, nil
}

func (r *taskRepository) Ping(ctx context.Context) error {
	return r.db.DBHealth(ctx)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: tasks.id")
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
