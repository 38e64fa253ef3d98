package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
)

// BrokerConfig holds the facade level settings
type BrokerConfig struct {
	// PublicBaseURL prefixes result paths in task views
	PublicBaseURL string
	TaskTTL       time.Duration
	HistoryTTL    time.Duration
}

// Broker is the facade callers submit and inspect tasks through. It is the
// only place runners are spawned.
type Broker struct {
	store     port.TaskRepository
	resolver  *ConfigResolver
	composer  *Composer
	runner    *Runner
	engine    port.Engine
	artifacts *ArtifactResolver
	cache     port.ViewCache
	cfg       BrokerConfig
	log       *zap.Logger

	root context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewBroker wires the facade. cache may be nil.
func NewBroker(
	store port.TaskRepository,
	resolver *ConfigResolver,
	composer *Composer,
	runner *Runner,
	engine port.Engine,
	artifacts *ArtifactResolver,
	cache port.ViewCache,
	cfg BrokerConfig,
	log *zap.Logger,
) *Broker {
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = time.Hour
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 30 * time.Second
	}
	root, stop := context.WithCancelCause(context.Background())
	log.Info("Broker initialized", zap.Stringer("runner", runner.cfg), zap.Bool("view_cache", cache != nil))
	return &Broker{
		store:     store,
		resolver:  resolver,
		composer:  composer,
		runner:    runner,
		engine:    engine,
		artifacts: artifacts,
		cache:     cache,
		cfg:       cfg,
		log:       log,
		root:      root,
		stop:      stop,
		running:   map[string]context.CancelCauseFunc{},
	}
}

// SubmitRequest is a generation request as the caller sends it
type SubmitRequest struct {
	Mode        domain.Mode     `json:"mode"`
	Description string          `json:"description"`
	References  []string        `json:"references,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Submit validates the request, writes the task row and starts its runner.
// Validation errors return before anything is written.
func (b *Broker) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if b.root.Err() != nil {
		return "", domain.NewError(domain.ErrUpstreamUnavailable, "broker is shutting down")
	}
	if !req.Mode.Valid() {
		return "", domain.NewError(domain.ErrInvalidParameters, "unknown mode %q", req.Mode)
	}
	params, err := domain.DecodeParameters(req.Mode, req.Parameters)
	if err != nil {
		return "", err
	}
	refs := make([]string, 0, len(req.References))
	for _, ref := range req.References {
		if ref = strings.TrimSpace(ref); ref != "" {
			refs = append(refs, ref)
		}
	}

	snap, err := b.resolver.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	plan, err := b.composer.Plan(snap, PlanRequest{Mode: req.Mode, Params: params, References: refs})
	if err != nil {
		return "", err
	}

	task := &domain.Task{
		ID:          uuid.NewString(),
		Mode:        req.Mode,
		Status:      domain.TaskStatusPending,
		Description: req.Description,
		Reference:   domain.EncodePathList(refs),
		Parameters:  params.Encode(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := b.store.Create(ctx, task); err != nil {
		return "", err
	}
	b.log.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("mode", string(task.Mode)),
		zap.String("model", plan.Model.Code),
		zap.String("strategy", string(plan.Strategy)),
		zap.Int("submissions", plan.Submissions()))

	job := Job{Task: task, Plan: plan}
	if params.Edit != nil {
		job.Mask = params.Edit.Mask
	}
	b.spawn(job)
	return task.ID, nil
}

// spawn starts the runner under a per-task cancel handle. A task cancelled
// for deletion is purged once its runner has stopped writing.
func (b *Broker) spawn(job Job) {
	id := job.Task.ID
	ctx, cancel := context.WithCancelCause(b.root)

	b.mu.Lock()
	b.running[id] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel(nil)

		b.runner.Run(ctx, job)

		b.mu.Lock()
		delete(b.running, id)
		deleted := errors.Is(context.Cause(ctx), ErrTaskCancelled)
		b.mu.Unlock()

		if deleted {
			pctx, pcancel := writeContext(ctx)
			defer pcancel()
			if err := b.purge(pctx, id); err != nil && !domain.IsKind(err, domain.ErrNotFound) {
				b.log.Error("Failed to purge cancelled task", zap.String("task_id", id), zap.Error(err))
			}
		}
	}()
}

// TaskView is the caller facing rendering of a task
type TaskView struct {
	ID           string            `json:"id"`
	Mode         domain.Mode       `json:"mode"`
	Status       domain.TaskStatus `json:"status"`
	Description  string            `json:"description"`
	References   []string          `json:"references,omitempty"`
	Progress     int               `json:"progress"`
	Result       []string          `json:"result,omitempty"`
	ResultURLs   []string          `json:"result_urls,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorDetail  string            `json:"error_detail,omitempty"`
	IsFavorited  bool              `json:"is_favorited"`
	SubmissionID string            `json:"engine_submission_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TaskPageView is one listing page
type TaskPageView struct {
	Tasks  []TaskView `json:"tasks"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

func (b *Broker) viewOf(t *domain.Task) TaskView {
	v := TaskView{
		ID:           t.ID,
		Mode:         t.Mode,
		Status:       t.Status,
		Description:  t.Description,
		References:   t.References(),
		Progress:     t.Progress,
		IsFavorited:  t.IsFavorited,
		SubmissionID: t.EngineSubmissionID,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.Status == domain.TaskStatusCompleted {
		v.Result = t.ResultPaths()
		base := strings.TrimRight(b.cfg.PublicBaseURL, "/")
		for _, p := range v.Result {
			v.ResultURLs = append(v.ResultURLs, base+"/"+strings.TrimLeft(p, "/"))
		}
	}
	if t.Status == domain.TaskStatusFailed {
		v.ErrorCode, v.ErrorDetail = domain.SplitError(t.Error)
	}
	return v
}

// GetTask returns the task view. Terminal views are served from the view cache.
func (b *Broker) GetTask(ctx context.Context, id string) (*TaskView, error) {
	if b.cache != nil {
		if data, ok, err := b.cache.GetTask(ctx, id); err != nil {
			b.log.Debug("View cache read failed", zap.String("task_id", id), zap.Error(err))
		} else if ok {
			var v TaskView
			if err := json.Unmarshal(data, &v); err == nil {
				return &v, nil
			}
		}
	}

	task, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := b.viewOf(task)
	if b.cache != nil && task.Status.Terminal() {
		if data, err := json.Marshal(v); err == nil {
			if err := b.cache.SetTask(ctx, id, data, b.cfg.TaskTTL); err != nil {
				b.log.Debug("View cache write failed", zap.String("task_id", id), zap.Error(err))
			}
		}
	}
	return &v, nil
}

// ListTasks returns one page of tasks, read through the history cache
func (b *Broker) ListTasks(ctx context.Context, query domain.ListQuery) (*TaskPageView, error) {
	query = query.Normalize()
	key := historyKey(query)
	if b.cache != nil {
		if data, ok, err := b.cache.GetHistory(ctx, key); err != nil {
			b.log.Debug("History cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			var page TaskPageView
			if err := json.Unmarshal(data, &page); err == nil {
				return &page, nil
			}
		}
	}

	page, err := b.store.List(ctx, query)
	if err != nil {
		return nil, err
	}
	view := &TaskPageView{
		Tasks:  make([]TaskView, 0, len(page.Tasks)),
		Total:  page.Total,
		Limit:  query.Limit,
		Offset: query.Offset,
	}
	for _, t := range page.Tasks {
		view.Tasks = append(view.Tasks, b.viewOf(t))
	}
	if b.cache != nil {
		if data, err := json.Marshal(view); err == nil {
			if err := b.cache.SetHistory(ctx, key, data, b.cfg.HistoryTTL); err != nil {
				b.log.Debug("History cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return view, nil
}

func historyKey(q domain.ListQuery) string {
	statuses := make([]string, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses = append(statuses, string(s))
	}
	return fmt.Sprintf("limit=%d:offset=%d:order=%s:fav=%s:window=%s:status=%s",
		q.Limit, q.Offset, q.Order, q.Favorite, q.Window, strings.Join(statuses, ","))
}

// ToggleFavorite flips the favorite flag in any state
func (b *Broker) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	return b.store.ToggleFavorite(ctx, id)
}

// DeleteTask removes a terminal task with its artifacts right away. A running
// task is cancelled and removed once its runner stops.
func (b *Broker) DeleteTask(ctx context.Context, id string) error {
	b.mu.Lock()
	if cancel, ok := b.running[id]; ok {
		cancel(ErrTaskCancelled)
		b.mu.Unlock()
		b.log.Info("Cancelling running task", zap.String("task_id", id))
		return nil
	}
	b.mu.Unlock()
	return b.purge(ctx, id)
}

func (b *Broker) purge(ctx context.Context, id string) error {
	result, err := b.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	paths := (&domain.Task{Result: result}).ResultPaths()
	b.artifacts.Discard(ctx, id, paths)
	b.log.Info("Task deleted", zap.String("task_id", id), zap.Int("artifacts", len(paths)))
	return nil
}

// Recover handles tasks a previous process left unfinished. A single
// submission still known to the engine is resumed; everything else is failed
// as lost. It returns the number of resumed tasks.
func (b *Broker) Recover(ctx context.Context) (int, error) {
	tasks, err := b.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, task := range tasks {
		log := b.log.With(zap.String("task_id", task.ID))
		if job, ok := b.resumable(ctx, task, log); ok {
			log.Info("Resuming task", zap.String("submission_id", task.EngineSubmissionID))
			b.spawn(job)
			resumed++
			continue
		}
		err := domain.NewError(domain.ErrLost, "broker restarted")
		if uerr := b.store.UpdateStatus(ctx, task.ID, domain.TaskStatusFailed, domain.StatusUpdate{Error: err.Error()}); uerr != nil {
			if !domain.IsKind(uerr, domain.ErrTerminalState) && !domain.IsKind(uerr, domain.ErrNotFound) {
				return resumed, fmt.Errorf("fail task %s: %w", task.ID, uerr)
			}
			continue
		}
		log.Info("Task status updated", zap.String("status", string(domain.TaskStatusFailed)), zap.String("error", err.Error()))
	}
	if len(tasks) > 0 {
		b.log.Info("Recovery finished", zap.Int("unfinished", len(tasks)), zap.Int("resumed", resumed))
	}
	return resumed, nil
}

func (b *Broker) resumable(ctx context.Context, task *domain.Task, log *zap.Logger) (Job, bool) {
	if task.Status != domain.TaskStatusProcessing || task.EngineSubmissionID == "" {
		return Job{}, false
	}
	b.mu.Lock()
	_, live := b.running[task.ID]
	b.mu.Unlock()
	if live {
		return Job{}, false
	}
	plan := &Plan{Mode: task.Mode, Strategy: domain.FamilyTextToImage, Count: 1}
	if params, err := domain.DecodeParameters(task.Mode, []byte(task.Parameters)); err == nil {
		if snap, err := b.resolver.Snapshot(ctx); err == nil {
			if p, err := b.composer.Plan(snap, PlanRequest{Mode: task.Mode, Params: params, References: task.References()}); err == nil {
				plan = p
			} else {
				log.Warn("Recovered task no longer plans, resolving with defaults", zap.Error(err))
			}
		}
	}
	if plan.Submissions() != 1 {
		return Job{}, false
	}

	id := task.EngineSubmissionID
	view, err := b.engine.History(ctx, id)
	if err != nil {
		log.Warn("Engine history unavailable during recovery", zap.Error(err))
		return Job{}, false
	}
	if !view.Present {
		queue, err := b.engine.Queue(ctx)
		if err != nil || !queue.Contains(id) {
			return Job{}, false
		}
	}
	return Job{Task: task, Plan: plan, Resume: id}, true
}

// HealthReport is the state of each collaborator, empty strings mean healthy
type HealthReport struct {
	Engine string `json:"engine,omitempty"`
	Store  string `json:"store,omitempty"`
	Config string `json:"config,omitempty"`
}

func (h HealthReport) OK() bool {
	return h.Engine == "" && h.Store == "" && h.Config == ""
}

// Health probes the engine, the store and the admin source
func (b *Broker) Health(ctx context.Context) HealthReport {
	var h HealthReport
	if err := b.engine.Health(ctx); err != nil {
		h.Engine = err.Error()
	}
	if err := b.store.Ping(ctx); err != nil {
		h.Store = err.Error()
	}
	if _, err := b.resolver.Snapshot(ctx); err != nil {
		h.Config = err.Error()
	}
	return h
}

// Running reports how many runners are live
func (b *Broker) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.running)
}

// Shutdown cancels every runner and waits for them to stop. Interrupted tasks
// stay non-terminal for the next Recover.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.stop(ErrShutdown)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.log.Info("All runners stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
