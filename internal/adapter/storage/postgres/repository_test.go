package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	postgresConfig "github.com/yeepay/aigc-broker/config/storage/postgresql"
	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
)

func newIntegrationRepository(t *testing.T) port.TaskRepository {
	t.Helper()
	dsn := os.Getenv("BROKER_PG_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("BROKER_PG_DSN_INTEGRATION not set")
	}
	db, err := postgresConfig.Open(context.Background(), dsn, 4, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewTaskRepository(db, zap.NewNop())
}

func uniqueID(t *testing.T, suffix string) string {
	return fmt.Sprintf("%s-%d-%s", t.Name(), time.Now().UnixNano(), suffix)
}

func TestTaskRepository_Lifecycle(t *testing.T) {
	repo := newIntegrationRepository(t)
	ctx := context.Background()
	id := uniqueID(t, "a")
	t.Cleanup(func() { repo.Delete(context.Background(), id) })

	if err := repo.Create(ctx, &domain.Task{ID: id, Mode: domain.ModeTextOnly, Description: "a cat", Parameters: "{}"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, &domain.Task{ID: id, Mode: domain.ModeTextOnly, Parameters: "{}"}); !domain.IsKind(err, domain.ErrDuplicateID) {
		t.Fatalf("expected duplicate-id, got %v", err)
	}

	if err := repo.UpdateStatus(ctx, id, domain.TaskStatusProcessing, domain.StatusUpdate{SubmissionID: "p-1"}); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := repo.UpdateStatus(ctx, id, domain.TaskStatusProcessing, domain.StatusUpdate{SubmissionID: "p-2"}); err != nil {
		t.Fatalf("second processing: %v", err)
	}
	if err := repo.UpdateProgress(ctx, id, 50); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := repo.UpdateProgress(ctx, id, 20); err != nil {
		t.Fatalf("lower progress: %v", err)
	}
	if err := repo.UpdateProgress(ctx, id, 100); !domain.IsKind(err, domain.ErrInvalidParameters) {
		t.Fatalf("expected progress 100 to be rejected, got %v", err)
	}
	if err := repo.UpdateStatus(ctx, id, domain.TaskStatusCompleted, domain.StatusUpdate{Result: []string{"outputs/a.png", "outputs/b.png"}}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := repo.UpdateStatus(ctx, id, domain.TaskStatusFailed, domain.StatusUpdate{Error: "timeout: late"}); !domain.IsKind(err, domain.ErrTerminalState) {
		t.Fatalf("expected terminal-state, got %v", err)
	}

	got, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskStatusCompleted || got.Progress != 100 || got.EngineSubmissionID != "p-1" {
		t.Fatalf("unexpected task %+v", got)
	}
	if paths := got.ResultPaths(); len(paths) != 2 || paths[1] != "outputs/b.png" {
		t.Fatalf("unexpected result %q", got.Result)
	}

	fav, err := repo.ToggleFavorite(ctx, id)
	if err != nil || !fav {
		t.Fatalf("toggle on terminal task: %v %v", fav, err)
	}

	result, err := repo.Delete(ctx, id)
	if err != nil || result != got.Result {
		t.Fatalf("delete returned %q %v", result, err)
	}
	if _, err := repo.Get(ctx, id); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestTaskRepository_ListUnfinished(t *testing.T) {
	repo := newIntegrationRepository(t)
	ctx := context.Background()
	pending, done := uniqueID(t, "pending"), uniqueID(t, "done")
	t.Cleanup(func() {
		repo.Delete(context.Background(), pending)
		repo.Delete(context.Background(), done)
	})

	for _, id := range []string{pending, done} {
		if err := repo.Create(ctx, &domain.Task{ID: id, Mode: domain.ModeTextOnly, Parameters: "{}"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := repo.UpdateStatus(ctx, done, domain.TaskStatusFailed, domain.StatusUpdate{Error: "lost: gone"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	tasks, err := repo.ListUnfinished(ctx)
	if err != nil {
		t.Fatalf("list unfinished: %v", err)
	}
	found := map[string]bool{}
	for _, task := range tasks {
		found[task.ID] = true
	}
	if !found[pending] || found[done] {
		t.Fatalf("unexpected unfinished set %v", found)
	}
}
