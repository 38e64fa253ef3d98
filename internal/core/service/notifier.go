package service

import (
	"context"
	"time"

	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
)

const notifyTimeout = 2 * time.Second

// notifyingRepository invalidates cached views and publishes a lifecycle
// event after every successful task write. Notification failures are logged only.
type notifyingRepository struct {
	port.TaskRepository
	cache     port.CacheInvalidator
	publisher port.EventPublisher
	log       *zap.Logger
}

// NewNotifyingRepository decorates repo; cache and publisher may each be nil
func NewNotifyingRepository(repo port.TaskRepository, cache port.CacheInvalidator, publisher port.EventPublisher, log *zap.Logger) port.TaskRepository {
	if cache == nil && publisher == nil {
		return repo
	}
	return &notifyingRepository{
		TaskRepository: repo,
		cache:          cache,
		publisher:      publisher,
		log:            log,
	}
}

func (n *notifyingRepository) Create(ctx context.Context, task *domain.Task) error {
	if err := n.TaskRepository.Create(ctx, task); err != nil {
		return err
	}
	n.notify(ctx, task.ID, &domain.TaskEvent{TaskID: task.ID, Status: domain.TaskStatusPending})
	return nil
}

func (n *notifyingRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, update domain.StatusUpdate) error {
	if err := n.TaskRepository.UpdateStatus(ctx, id, status, update); err != nil {
		return err
	}
	event := &domain.TaskEvent{TaskID: id, Status: status, Error: update.Error}
	if status == domain.TaskStatusCompleted {
		event.Progress = 100
	} else if update.Progress != nil {
		event.Progress = *update.Progress
	}
	n.notify(ctx, id, event)
	return nil
}

func (n *notifyingRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	if err := n.TaskRepository.UpdateProgress(ctx, id, progress); err != nil {
		return err
	}
	n.notify(ctx, id, &domain.TaskEvent{TaskID: id, Status: domain.TaskStatusProcessing, Progress: progress})
	return nil
}

func (n *notifyingRepository) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	v, err := n.TaskRepository.ToggleFavorite(ctx, id)
	if err != nil {
		return v, err
	}
	// not a lifecycle change, views only
	n.notify(ctx, id, nil)
	return v, nil
}

func (n *notifyingRepository) Delete(ctx context.Context, id string) (string, error) {
	result, err := n.TaskRepository.Delete(ctx, id)
	if err != nil {
		return result, err
	}
	n.notify(ctx, id, &domain.TaskEvent{TaskID: id, Deleted: true})
	return result, nil
}

func (n *notifyingRepository) notify(ctx context.Context, id string, event *domain.TaskEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if n.cache != nil {
		if err := n.cache.InvalidateTask(ctx, id); err != nil {
			n.log.Warn("Failed to invalidate cached views", zap.String("task_id", id), zap.Error(err))
		}
	}
	if n.publisher != nil && event != nil {
		if err := n.publisher.PublishTaskEvent(ctx, *event); err != nil {
			n.log.Warn("Failed to publish task event", zap.String("task_id", id), zap.Error(err))
		}
	}
}
