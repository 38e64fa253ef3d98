// Package port provides behavior interfaces that connect services, storage and the engine.
package port

import (
	"context"
	"time"

	"github.com/yeepay/aigc-broker/internal/core/domain"
)

// TaskRepository defines how tasks are persisted. Implementations enforce the
// absorbing terminal states and the progress ceiling.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, update domain.StatusUpdate) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, query domain.ListQuery) (*domain.TaskPage, error)
	ToggleFavorite(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) (string, error)
	ListUnfinished(ctx context.Context) ([]*domain.Task, error)
	Ping(ctx context.Context) error
}

// ConfigSource is the administrative store the resolver reads from
type ConfigSource interface {
	ListModels(ctx context.Context) ([]domain.ModelRecord, error)
	ListLoras(ctx context.Context) ([]domain.LoraRecord, error)
	ListGraphTemplates(ctx context.Context) ([]domain.GraphTemplate, error)
	GenerationDefaults(ctx context.Context) (domain.GenerationDefaults, error)
}

// Engine is the external node-graph execution service
type Engine interface {
	Submit(ctx context.Context, graph domain.Graph) (string, error)
	History(ctx context.Context, submissionID string) (domain.HistoryView, error)
	Queue(ctx context.Context) (domain.QueueView, error)
	Health(ctx context.Context) error
}

// ImageStager makes a reference image readable by the engine
type ImageStager interface {
	Stage(ctx context.Context, source string) (string, error)
}

// CacheInvalidator drops downstream cached views after a task write
type CacheInvalidator interface {
	InvalidateTask(ctx context.Context, taskID string) error
}

// ViewCache is the read-through cache for facade views
type ViewCache interface {
	CacheInvalidator
	GetTask(ctx context.Context, taskID string) ([]byte, bool, error)
	SetTask(ctx context.Context, taskID string, data []byte, ttl time.Duration) error
	GetHistory(ctx context.Context, key string) ([]byte, bool, error)
	SetHistory(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// EventPublisher fans task lifecycle events out to other services
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, event domain.TaskEvent) error
}

// InvalidationSource delivers admin change signals to the config resolver
type InvalidationSource interface {
	ConsumeInvalidations(ctx context.Context, handler func(reason string)) error
}

// ArtifactMirror copies resolved artifacts to secondary storage
type ArtifactMirror interface {
	Mirror(ctx context.Context, taskID string, localPath, relPath string) error
	Remove(ctx context.Context, taskID string) error
}
