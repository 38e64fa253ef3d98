package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yeepay/aigc-broker/config/tracing"
	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrTaskCancelled is the cancel cause of a task deleted while running
	ErrTaskCancelled = errors.New("task deleted while running")
	// ErrShutdown is the cancel cause of every runner when the broker stops
	ErrShutdown = errors.New("broker shutting down")

	errTaskTimeout = errors.New("task timeout")
)

// RunnerConfig bounds a task run
type RunnerConfig struct {
	MaxConcurrent int64
	PollInterval  time.Duration
	TaskTimeout   time.Duration
	LostGrace     time.Duration
	SubmitRetries int
	RetryBase     time.Duration
	RetryCap      time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 600 * time.Second
	}
	if c.LostGrace <= 0 {
		c.LostGrace = 10 * time.Second
	}
	if c.SubmitRetries < 0 {
		c.SubmitRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 8 * time.Second
	}
	return c
}

// Job is one task handed to the runner
type Job struct {
	Task *domain.Task
	Plan *Plan
	// Mask is the mask image source for inpainting
	Mask string
	// Resume is a submission made by an earlier broker process
	Resume string
}

// Runner drives one task through compose, submit, poll and resolve
type Runner struct {
	store     port.TaskRepository
	engine    port.Engine
	composer  *Composer
	stager    port.ImageStager
	artifacts *ArtifactResolver
	sem       *semaphore.Weighted
	cfg       RunnerConfig
	log       *zap.Logger
}

func NewRunner(
	store port.TaskRepository,
	engine port.Engine,
	composer *Composer,
	stager port.ImageStager,
	artifacts *ArtifactResolver,
	cfg RunnerConfig,
	log *zap.Logger,
) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		store:     store,
		engine:    engine,
		composer:  composer,
		stager:    stager,
		artifacts: artifacts,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:       cfg,
		log:       log,
	}
}

// Run executes the job until the task is terminal or ctx is cancelled.
// Cancelling ctx with ErrTaskCancelled fails the task as cancelled; any other
// cancellation leaves it for the next startup recovery.
func (r *Runner) Run(ctx context.Context, job Job) {
	log := r.log.With(zap.String("task_id", job.Task.ID))

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.abandon(ctx, job, nil, log)
		return
	}
	defer r.sem.Release(1)

	runCtx, cancel := context.WithTimeoutCause(ctx, r.cfg.TaskTimeout, errTaskTimeout)
	defer cancel()

	spanCtx, span := tracing.StartSpan(runCtx, "runner.task",
		attribute.String("task.id", job.Task.ID),
		attribute.String("task.strategy", string(job.Plan.Strategy)),
		attribute.Int("task.count", job.Plan.Count),
	)
	defer span.End()

	paths, err := r.execute(spanCtx, job, log)
	if err == nil {
		err = r.complete(ctx, job, paths, log)
		if err == nil {
			return
		}
	}

	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, ErrTaskCancelled):
		err = domain.NewError(domain.ErrCancelled, "task deleted while running")
	case cause != nil && !errors.Is(cause, errTaskTimeout):
		span.SetStatus(codes.Error, "interrupted")
		r.abandon(ctx, job, paths, log)
		return
	case errors.Is(cause, errTaskTimeout):
		err = domain.NewError(domain.ErrTimeout, "task exceeded %s", r.cfg.TaskTimeout)
	case domain.KindOf(err) == "":
		err = domain.WrapError(domain.ErrEngine, err, err.Error())
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(domain.KindOf(err)))
	r.fail(ctx, job, paths, err, log)
}

// execute runs every submission of the plan and returns the collected result paths
func (r *Runner) execute(ctx context.Context, job Job, log *zap.Logger) ([]string, error) {
	plan := job.Plan
	var images []string
	var mask string
	if job.Resume == "" {
		staged, m, err := r.stage(ctx, job)
		if err != nil {
			return nil, err
		}
		images, mask = staged, m
	}

	n := plan.Submissions()
	claimed := map[string]bool{}
	usedSeeds := map[int64]bool{}
	var results []string
	for i := 0; i < n; i++ {
		submissionID := job.Resume
		if i > 0 || submissionID == "" {
			seed := r.seedFor(plan, usedSeeds)
			graph, err := r.compose(ctx, plan, ComposeInput{
				Description: job.Task.Description,
				Images:      images,
				Mask:        mask,
				Seed:        seed,
			})
			if err != nil {
				return results, err
			}
			submissionID, err = r.submit(ctx, job.Task.ID, graph, log)
			if err != nil {
				return results, err
			}
			log.Info("Submitted graph",
				zap.String("submission_id", submissionID),
				zap.Int("image", i+1),
				zap.Int("of", n),
				zap.Int64("seed", seed))
		}

		if i == 0 && job.Resume == "" {
			if err := r.store.UpdateStatus(ctx, job.Task.ID, domain.TaskStatusProcessing,
				domain.StatusUpdate{SubmissionID: submissionID}); err != nil {
				return results, err
			}
			log.Info("Task status updated",
				zap.String("status", string(domain.TaskStatusProcessing)),
				zap.String("submission_id", submissionID))
		}

		view, err := r.poll(ctx, submissionID, log)
		if err != nil {
			return results, err
		}

		paths, err := r.resolve(ctx, job, view, len(results), claimed)
		if err != nil {
			return results, err
		}
		results = append(results, paths...)

		if n > 1 && i < n-1 {
			progress := min(100*(i+1)/n, 99)
			if err := r.store.UpdateProgress(ctx, job.Task.ID, progress); err != nil {
				return results, err
			}
			log.Debug("Task progress updated", zap.Int("progress", progress))
		}
	}
	return results, nil
}

func (r *Runner) stage(ctx context.Context, job Job) ([]string, string, error) {
	ctx, span := tracing.StartSpan(ctx, "runner.stage")
	defer span.End()

	refs := job.Task.References()
	images := make([]string, 0, len(refs))
	for _, ref := range refs {
		name, err := r.stager.Stage(ctx, ref)
		if err != nil {
			return nil, "", stageError(err)
		}
		images = append(images, name)
	}
	var mask string
	if job.Plan.HasMask {
		name, err := r.stager.Stage(ctx, job.Mask)
		if err != nil {
			return nil, "", stageError(err)
		}
		mask = name
	}
	return images, mask, nil
}

func stageError(err error) error {
	if domain.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.WrapError(domain.ErrInvalidParameters, err, err.Error())
}

func (r *Runner) seedFor(plan *Plan, used map[int64]bool) int64 {
	if plan.Seed != nil {
		return *plan.Seed
	}
	for {
		seed := r.composer.DrawSeed()
		if !used[seed] {
			used[seed] = true
			return seed
		}
	}
}

func (r *Runner) compose(ctx context.Context, plan *Plan, in ComposeInput) (domain.Graph, error) {
	_, span := tracing.StartSpan(ctx, "runner.compose", attribute.Int64("seed", in.Seed))
	defer span.End()
	return r.composer.Compose(plan, in)
}

// submit retries transport failures with capped exponential backoff
func (r *Runner) submit(ctx context.Context, taskID string, graph domain.Graph, log *zap.Logger) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "runner.submit")
	defer span.End()

	for attempt := 0; ; attempt++ {
		id, err := r.engine.Submit(ctx, graph)
		if err == nil {
			span.SetAttributes(attribute.String("submission.id", id))
			return id, nil
		}
		if !domain.IsKind(err, domain.ErrTransport) || attempt >= r.cfg.SubmitRetries || ctx.Err() != nil {
			return "", err
		}
		delay := r.backoff(attempt)
		log.Warn("Engine submit failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

func (r *Runner) backoff(attempt int) time.Duration {
	d := r.cfg.RetryBase << attempt
	if d <= 0 || d > r.cfg.RetryCap {
		return r.cfg.RetryCap
	}
	return d
}

// poll waits for the submission to finish. A submission missing from both
// history and queue for longer than the lost grace fails the task.
func (r *Runner) poll(ctx context.Context, submissionID string, log *zap.Logger) (domain.HistoryView, error) {
	ctx, span := tracing.StartSpan(ctx, "runner.poll", attribute.String("submission.id", submissionID))
	defer span.End()

	var missingSince time.Time
	for {
		view, err := r.engine.History(ctx, submissionID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return view, ctx.Err()
			}
			log.Debug("History lookup failed", zap.String("submission_id", submissionID), zap.Error(err))
		case view.Succeeded():
			return view, nil
		case view.Failed():
			msg := view.Message
			if msg == "" {
				msg = "engine reported an execution error"
			}
			return view, domain.NewError(domain.ErrEngine, "%s", msg)
		case view.Present:
			missingSince = time.Time{}
		default:
			queue, qerr := r.engine.Queue(ctx)
			switch {
			case qerr != nil:
				if ctx.Err() != nil {
					return view, ctx.Err()
				}
				log.Debug("Queue lookup failed", zap.Error(qerr))
			case queue.Contains(submissionID):
				missingSince = time.Time{}
			case missingSince.IsZero():
				missingSince = time.Now()
			case time.Since(missingSince) >= r.cfg.LostGrace:
				return view, domain.NewError(domain.ErrLost, "submission %s is in neither history nor queue", submissionID)
			}
		}

		if err := sleep(ctx, r.cfg.PollInterval); err != nil {
			return domain.HistoryView{}, err
		}
	}
}

func (r *Runner) resolve(ctx context.Context, job Job, view domain.HistoryView, next int, claimed map[string]bool) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "runner.resolve")
	defer span.End()

	paths, err := r.artifacts.Resolve(ctx, ResolveRequest{
		TaskID:    job.Task.ID,
		CreatedAt: job.Task.CreatedAt,
		Strategy:  job.Plan.Strategy,
		View:      view,
		Next:      next,
		Claimed:   claimed,
	})
	if err != nil && domain.KindOf(err) == "" && ctx.Err() == nil {
		return nil, domain.WrapError(domain.ErrNoOutput, err, err.Error())
	}
	return paths, err
}

func (r *Runner) complete(ctx context.Context, job Job, paths []string, log *zap.Logger) error {
	if !r.artifacts.Readable(paths) {
		return domain.NewError(domain.ErrNoOutput, "resolved artifacts are not readable")
	}
	wctx, cancel := writeContext(ctx)
	defer cancel()
	if err := r.store.UpdateStatus(wctx, job.Task.ID, domain.TaskStatusCompleted, domain.StatusUpdate{Result: paths}); err != nil {
		log.Warn("Failed to record completion", zap.Error(err))
		r.artifacts.Discard(wctx, job.Task.ID, paths)
		// the row is gone or already terminal; nothing left to write
		return nil
	}
	log.Info("Task status updated",
		zap.String("status", string(domain.TaskStatusCompleted)),
		zap.Int("artifacts", len(paths)))
	log.Info("Task finished successfully", zap.Strings("result", paths))
	return nil
}

func (r *Runner) fail(ctx context.Context, job Job, paths []string, err error, log *zap.Logger) {
	wctx, cancel := writeContext(ctx)
	defer cancel()
	r.artifacts.Discard(wctx, job.Task.ID, paths)

	if uerr := r.store.UpdateStatus(wctx, job.Task.ID, domain.TaskStatusFailed, domain.StatusUpdate{Error: err.Error()}); uerr != nil {
		if !domain.IsKind(uerr, domain.ErrNotFound) && !domain.IsKind(uerr, domain.ErrTerminalState) {
			log.Error("Failed to record task failure", zap.Error(uerr))
		}
		return
	}
	log.Info("Task status updated",
		zap.String("status", string(domain.TaskStatusFailed)),
		zap.String("error", err.Error()))
}

// abandon leaves the task non-terminal for recovery and drops partial artifacts
func (r *Runner) abandon(ctx context.Context, job Job, paths []string, log *zap.Logger) {
	wctx, cancel := writeContext(ctx)
	defer cancel()
	r.artifacts.Discard(wctx, job.Task.ID, paths)
	log.Info("Task interrupted", zap.Error(context.Cause(ctx)))
}

// writeContext survives the run's cancellation so terminal writes still land
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func (c RunnerConfig) String() string {
	return fmt.Sprintf("concurrency=%d poll=%s timeout=%s lost=%s retries=%d",
		c.MaxConcurrent, c.PollInterval, c.TaskTimeout, c.LostGrace, c.SubmitRetries)
}
