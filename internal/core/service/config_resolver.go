package service

import (
	"context"
	"sync"
	"time"

	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultConfigTTL = 300 * time.Second
	refreshTimeout   = 30 * time.Second
)

// ConfigResolver caches the administrative records as whole-list snapshots
type ConfigResolver struct {
	source port.ConfigSource
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	snap    *domain.ConfigSnapshot
	expires time.Time
}

func NewConfigResolver(source port.ConfigSource, ttl time.Duration, log *zap.Logger) *ConfigResolver {
	if ttl <= 0 {
		ttl = defaultConfigTTL
	}
	return &ConfigResolver{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		log:    log,
	}
}

// Snapshot returns the current snapshot, refreshing it when expired. Callers
// must treat the result as read-only.
func (r *ConfigResolver) Snapshot(ctx context.Context) (*domain.ConfigSnapshot, error) {
	r.mu.RLock()
	snap, expires := r.snap, r.expires
	r.mu.RUnlock()
	if snap != nil && r.now().Before(expires) {
		return snap, nil
	}

	ch := r.group.DoChan("snapshot", func() (any, error) {
		// the refresh outlives the caller that triggered it
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return r.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*domain.ConfigSnapshot), nil
		}
		if snap != nil {
			r.log.Warn("Config refresh failed, serving previous snapshot",
				zap.Time("taken_at", snap.TakenAt), zap.Error(res.Err))
			return snap, nil
		}
		return nil, domain.WrapError(domain.ErrUpstreamUnavailable, res.Err, "config source: "+res.Err.Error())
	}
}

func (r *ConfigResolver) refresh(ctx context.Context) (*domain.ConfigSnapshot, error) {
	models, err := r.source.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	loras, err := r.source.ListLoras(ctx)
	if err != nil {
		return nil, err
	}
	templates, err := r.source.ListGraphTemplates(ctx)
	if err != nil {
		return nil, err
	}
	defaults, err := r.source.GenerationDefaults(ctx)
	if err != nil {
		// older admin backends have no defaults endpoint
		r.log.Warn("Generation defaults unavailable, using built-in values", zap.Error(err))
		defaults = domain.GenerationDefaults{}
	}
	defaults = defaults.WithFallbacks()
	domain.SortTemplates(templates, defaults.BaseModelOrder)

	snap := &domain.ConfigSnapshot{
		Models:    models,
		Loras:     loras,
		Templates: templates,
		Defaults:  defaults,
		TakenAt:   r.now(),
	}

	r.mu.Lock()
	r.snap = snap
	r.expires = snap.TakenAt.Add(r.ttl)
	r.mu.Unlock()

	r.log.Info("Config snapshot refreshed",
		zap.Int("models", len(models)),
		zap.Int("loras", len(loras)),
		zap.Int("templates", len(templates)))
	return snap, nil
}

// Invalidate expires the snapshot; the stale copy is kept as the failure fallback
func (r *ConfigResolver) Invalidate() {
	r.mu.Lock()
	r.expires = time.Time{}
	r.mu.Unlock()
}

func (r *ConfigResolver) GetModel(ctx context.Context, code string) (*domain.ModelRecord, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := snap.Model(code)
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "model %s not found", code)
	}
	return m, nil
}

func (r *ConfigResolver) GetLora(ctx context.Context, code string) (*domain.LoraRecord, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	l, ok := snap.Lora(code)
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "lora %s not found", code)
	}
	return l, nil
}

func (r *ConfigResolver) GetGraphTemplate(ctx context.Context, code string) (*domain.GraphTemplate, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i := range snap.Templates {
		if snap.Templates[i].Code == code {
			return &snap.Templates[i], nil
		}
	}
	return nil, domain.NewError(domain.ErrNotFound, "graph template %s not found", code)
}

// ListGraphTemplates returns the templates of one family in base model order
func (r *ConfigResolver) ListGraphTemplates(ctx context.Context, family domain.Family) ([]domain.GraphTemplate, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.GraphTemplate
	for _, t := range snap.Templates {
		if family == "" || t.WorkflowType == family {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *ConfigResolver) GenerationDefaults(ctx context.Context) (domain.GenerationDefaults, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return domain.GenerationDefaults{}, err
	}
	return snap.Defaults, nil
}

// HandleInvalidation adapts Invalidate to the invalidation consumer's callback
func (r *ConfigResolver) HandleInvalidation(reason string) {
	r.log.Info("Config invalidated", zap.String("reason", reason))
	r.Invalidate()
}
