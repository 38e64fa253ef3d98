package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yeepay/aigc-broker/internal/core/domain"
)

func TestBroker_TextToImage(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, domain.ModeSingle, "A red cat", nil,
		`{"model": "qwen-image", "size": "1024x1024", "steps": 20, "count": 1, "seed": 12345}`)

	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.Error)
	}
	if task.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", task.Progress)
	}
	paths := task.ResultPaths()
	if len(paths) != 1 || !strings.HasPrefix(paths[0], "outputs/"+id+"_0_") {
		t.Fatalf("unexpected result %v", paths)
	}
	if !h.artifacts.Readable(paths) {
		t.Fatal("result is not readable")
	}
	if task.EngineSubmissionID != "prompt-001" {
		t.Fatalf("unexpected submission id %q", task.EngineSubmissionID)
	}
	if !task.CreatedAt.Before(task.UpdatedAt) && !task.CreatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("created_at %s after updated_at %s", task.CreatedAt, task.UpdatedAt)
	}

	_, statuses := h.store.snapshot()
	if len(statuses) != 2 || statuses[0] != domain.TaskStatusProcessing || statuses[1] != domain.TaskStatusCompleted {
		t.Fatalf("unexpected transitions %v", statuses)
	}

	graphs := h.engine.submitted()
	if len(graphs) != 1 {
		t.Fatalf("expected one submission, got %d", len(graphs))
	}
	if graphs[0]["8"].Inputs["seed"] != float64(12345) || graphs[0]["5"].Inputs["text"] != "A red cat" {
		t.Fatalf("unexpected graph %+v %+v", graphs[0]["8"].Inputs, graphs[0]["5"].Inputs)
	}

	view, err := h.broker.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(view.ResultURLs) != 1 || view.ResultURLs[0] != "http://cdn.test/"+paths[0] {
		t.Fatalf("unexpected urls %v", view.ResultURLs)
	}
	again, _ := h.broker.GetTask(context.Background(), id)
	if again.Result[0] != view.Result[0] {
		t.Fatal("result paths changed between reads")
	}
}

func TestBroker_PerImageSeeds(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "count": 3}`)

	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.Error)
	}
	paths := task.ResultPaths()
	if len(paths) != 3 {
		t.Fatalf("expected three artifacts, got %v", paths)
	}
	seen := map[string]bool{}
	for _, p := range paths {
		if seen[p] {
			t.Fatalf("duplicate artifact %s", p)
		}
		seen[p] = true
	}

	graphs := h.engine.submitted()
	if len(graphs) != 3 {
		t.Fatalf("expected three submissions, got %d", len(graphs))
	}
	seeds := map[any]bool{}
	for _, g := range graphs {
		seeds[g["8"].Inputs["seed"]] = true
		if g["7"].Inputs["batch_size"] != float64(1) {
			t.Fatalf("per-image submission with batch_size %v", g["7"].Inputs["batch_size"])
		}
	}
	if len(seeds) != 3 {
		t.Fatalf("expected distinct seeds, got %v", seeds)
	}

	progress, _ := h.store.snapshot()
	want := []int{33, 66, 100}
	if len(progress) != len(want) {
		t.Fatalf("unexpected progress %v", progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("unexpected progress %v", progress)
		}
	}
}

func TestBroker_FixedSeedBatch(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, domain.ModeTextOnly, "two cats", nil, `{"model": "qwen-image", "count": 2, "seed": 7}`)

	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.Error)
	}
	graphs := h.engine.submitted()
	if len(graphs) != 1 {
		t.Fatalf("expected a single batch submission, got %d", len(graphs))
	}
	if graphs[0]["7"].Inputs["batch_size"] != float64(2) || graphs[0]["8"].Inputs["seed"] != float64(7) {
		t.Fatalf("unexpected batch graph %+v %+v", graphs[0]["7"].Inputs, graphs[0]["8"].Inputs)
	}
}

func TestBroker_FusionTwoImages(t *testing.T) {
	h := newHarness(t)
	h.upload(t, "A.png")
	h.upload(t, "B.png")
	id := h.submit(t, domain.ModeFusion, "Combine", []string{"A.png", "B.png"}, `{"model": "qwen-image"}`)

	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.Error)
	}
	if len(task.ResultPaths()) != 1 {
		t.Fatalf("expected one artifact, got %v", task.ResultPaths())
	}
	if refs := task.References(); len(refs) != 2 || refs[0] != "A.png" || refs[1] != "B.png" {
		t.Fatalf("unexpected references %v", refs)
	}

	graphs := h.engine.submitted()
	if len(graphs) != 1 {
		t.Fatalf("expected one submission, got %d", len(graphs))
	}
	g := graphs[0]
	if g["23"].Inputs["inputcount"] != float64(2) {
		t.Fatalf("unexpected inputcount %v", g["23"].Inputs["inputcount"])
	}
	if g["20"].Inputs["image"] != "A.png" || g["21"].Inputs["image"] != "B.png" {
		t.Fatalf("loaders not wired: %+v %+v", g["20"].Inputs, g["21"].Inputs)
	}
	for _, name := range []string{"A.png", "B.png"} {
		if _, err := os.Stat(filepath.Join(h.inputDir, name)); err != nil {
			t.Fatalf("%s was not staged: %v", name, err)
		}
	}
}

func TestBroker_GraphRejected(t *testing.T) {
	h := newHarness(t)
	h.engine.set(func(e *fakeEngine) { e.reject = true })
	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "seed": 1}`)

	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if !strings.HasPrefix(task.Error, "graph-rejected: ") || !strings.Contains(task.Error, "value not in list") {
		t.Fatalf("unexpected error %q", task.Error)
	}
	if n := h.engine.submitCount(); n != 1 {
		t.Fatalf("a rejected graph must not be retried, got %d submits", n)
	}
	if files := h.artifactFiles(t); len(files) != 0 {
		t.Fatalf("unexpected artifacts %v", files)
	}
	if task.Progress == 100 || task.EngineSubmissionID != "" {
		t.Fatalf("unexpected row %+v", task)
	}

	view, err := h.broker.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if view.ErrorCode != "graph-rejected" || view.ErrorDetail == "" || len(view.ResultURLs) != 0 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestBroker_TransportRetries(t *testing.T) {
	h := newHarness(t)
	h.engine.set(func(e *fakeEngine) { e.failSubmits = 2 })
	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "seed": 1}`)
	if task := h.waitTerminal(t, id); task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completion after retries, got %s (%s)", task.Status, task.Error)
	}
	if n := h.engine.submitCount(); n != 3 {
		t.Fatalf("expected 3 submit attempts, got %d", n)
	}

	h.engine.set(func(e *fakeEngine) { e.failSubmits = 10 })
	id = h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "seed": 1}`)
	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusFailed || !strings.HasPrefix(task.Error, "transport-error: ") {
		t.Fatalf("expected transport-error, got %s (%s)", task.Status, task.Error)
	}
	if n := h.engine.submitCount(); n != 6 {
		t.Fatalf("expected 3 more attempts, got %d total", n)
	}
}

func TestBroker_FilesystemFallback(t *testing.T) {
	h := newHarness(t)
	h.engine.set(func(e *fakeEngine) {
		e.emptyOutputs = true
		e.skipFiles = true
	})
	writeFile(t, filepath.Join(h.engineDir, "yeepay", "yeepay_00042_.png"), time.Now())

	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "seed": 5}`)
	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.Error)
	}
	paths := task.ResultPaths()
	if len(paths) != 1 || !strings.HasSuffix(paths[0], "yeepay_00042_.png") {
		t.Fatalf("unexpected result %v", paths)
	}
}

func TestBroker_NoOutput(t *testing.T) {
	h := newHarness(t)
	h.engine.set(func(e *fakeEngine) {
		e.emptyOutputs = true
		e.skipFiles = true
	})
	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "seed": 5}`)
	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusFailed || !strings.HasPrefix(task.Error, "no-output: ") {
		t.Fatalf("expected no-output, got %s (%s)", task.Status, task.Error)
	}
	if task.EngineSubmissionID == "" {
		t.Fatal("submission id should survive the failure")
	}
}

func TestBroker_EngineError(t *testing.T) {
	h := newHarness(t)
	h.engine.set(func(e *fakeEngine) { e.execError = "CUDA out of memory" })
	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "seed": 5}`)
	task := h.waitTerminal(t, id)
	if task.Error != "engine-error: KSampler: CUDA out of memory" {
		t.Fatalf("unexpected error %q", task.Error)
	}
}

func TestBroker_LostSubmission(t *testing.T) {
	h := newHarness(t)
	h.engine.set(func(e *fakeEngine) { e.vanish = true })
	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "seed": 5}`)
	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusFailed || !strings.HasPrefix(task.Error, "lost: ") {
		t.Fatalf("expected lost, got %s (%s)", task.Status, task.Error)
	}
}

func TestBroker_Timeout(t *testing.T) {
	h := newHarness(t, func(c *RunnerConfig) { c.TaskTimeout = 150 * time.Millisecond })
	h.engine.set(func(e *fakeEngine) { e.hang = true })
	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "seed": 5}`)
	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusFailed || !strings.HasPrefix(task.Error, "timeout: ") {
		t.Fatalf("expected timeout, got %s (%s)", task.Status, task.Error)
	}
	if task.Progress >= 100 {
		t.Fatalf("failed task with progress %d", task.Progress)
	}
}

func TestBroker_CancelRunningTask(t *testing.T) {
	h := newHarness(t)
	h.engine.set(func(e *fakeEngine) { e.hang = true })
	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "count": 2}`)
	h.waitFor(t, id, func(task *domain.Task) bool { return task.Status == domain.TaskStatusProcessing })

	if err := h.broker.DeleteTask(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.waitGone(t, id)

	if files := h.artifactFiles(t); len(files) != 0 {
		t.Fatalf("artifacts left behind: %v", files)
	}
	if _, err := os.Stat(h.artifacts.StagingDir(id)); !os.IsNotExist(err) {
		t.Fatal("staging dir left behind")
	}
	h.engine.mu.Lock()
	unknowns := h.engine.unknowns
	h.engine.mu.Unlock()
	if len(unknowns) != 0 {
		t.Fatalf("the engine submission must be left alone, got %v", unknowns)
	}
	deadline := time.Now().Add(time.Second)
	for h.broker.Running() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("runner did not stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroker_DeleteFinishedTask(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "seed": 1}`)
	task := h.waitTerminal(t, id)
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	// the runner goroutine may still be unwinding
	deadline := time.Now().Add(time.Second)
	for h.broker.Running() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.broker.DeleteTask(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.waitGone(t, id)
	if h.artifacts.Readable(task.ResultPaths()) {
		t.Fatal("artifacts survived deletion")
	}
	if err := h.broker.DeleteTask(context.Background(), id); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found on second delete, got %v", err)
	}
}

func TestBroker_ValidationIsSynchronous(t *testing.T) {
	h := newHarness(t)
	h.upload(t, "A.png")
	cases := []struct {
		name   string
		req    SubmitRequest
		expect domain.ErrorKind
	}{
		{"unknown mode", SubmitRequest{Mode: "remix", Parameters: json.RawMessage(`{"model": "qwen-image"}`)}, domain.ErrInvalidParameters},
		{"unknown field", SubmitRequest{Mode: domain.ModeSingle, Parameters: json.RawMessage(`{"model": "qwen-image", "cfg": 3}`)}, domain.ErrInvalidParameters},
		{"unknown model", SubmitRequest{Mode: domain.ModeSingle, Parameters: json.RawMessage(`{"model": "nope"}`)}, domain.ErrUnknownModel},
		{"disabled model", SubmitRequest{Mode: domain.ModeSingle, Parameters: json.RawMessage(`{"model": "retired"}`)}, domain.ErrModelUnavailable},
		{"one image fusion", SubmitRequest{Mode: domain.ModeFusion, References: []string{"A.png"}, Parameters: json.RawMessage(`{"model": "qwen-image"}`)}, domain.ErrUnsupportedCount},
		{"zero width", SubmitRequest{Mode: domain.ModeSingle, Parameters: json.RawMessage(`{"model": "qwen-image", "size": "0x1024"}`)}, domain.ErrInvalidSize},
		{"zero height", SubmitRequest{Mode: domain.ModeSingle, Parameters: json.RawMessage(`{"model": "qwen-image", "size": "1024x0"}`)}, domain.ErrInvalidSize},
		{"edit without mask", SubmitRequest{Mode: domain.ModeEdit, References: []string{"A.png"}, Parameters: json.RawMessage(`{"model": "flux-fill"}`)}, domain.ErrMissingMask},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.broker.Submit(context.Background(), tc.req)
			if !domain.IsKind(err, tc.expect) {
				t.Fatalf("expected %s, got %v", tc.expect, err)
			}
		})
	}

	page, err := h.broker.ListTasks(context.Background(), domain.ListQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("validation failures wrote %d rows", page.Total)
	}
}

func TestBroker_IdenticalRequestsAreIndependent(t *testing.T) {
	h := newHarness(t)
	params := `{"model": "qwen-image", "seed": 9}`
	a := h.submit(t, domain.ModeSingle, "same", nil, params)
	b := h.submit(t, domain.ModeSingle, "same", nil, params)
	if a == b {
		t.Fatal("identical requests share an id")
	}
	ta, tb := h.waitTerminal(t, a), h.waitTerminal(t, b)
	if ta.Status != domain.TaskStatusCompleted || tb.Status != domain.TaskStatusCompleted {
		t.Fatalf("unexpected statuses %s %s", ta.Status, tb.Status)
	}
	if ta.Result == tb.Result {
		t.Fatalf("results share a filename: %s", ta.Result)
	}

	page, err := h.broker.ListTasks(context.Background(), domain.ListQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 2 || len(page.Tasks) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}

	fav, err := h.broker.ToggleFavorite(context.Background(), a)
	if err != nil || !fav {
		t.Fatalf("toggle: %v %v", fav, err)
	}
	if fav, _ = h.broker.ToggleFavorite(context.Background(), a); fav {
		t.Fatal("second toggle should restore the original value")
	}
}

func TestBroker_Recover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	params := domain.Parameters{CommonParams: domain.CommonParams{Model: "qwen-image"}}

	create := func(id string) {
		t.Helper()
		if err := h.store.Create(ctx, &domain.Task{ID: id, Mode: domain.ModeSingle, Parameters: params.Encode(), CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	create("resumable")
	create("ghost")
	create("never-submitted")

	h.engine.preload(t, "prompt-900", "yeepay_00900_.png")
	if err := h.store.UpdateStatus(ctx, "resumable", domain.TaskStatusProcessing, domain.StatusUpdate{SubmissionID: "prompt-900"}); err != nil {
		t.Fatalf("mark resumable: %v", err)
	}
	if err := h.store.UpdateStatus(ctx, "ghost", domain.TaskStatusProcessing, domain.StatusUpdate{SubmissionID: "prompt-missing"}); err != nil {
		t.Fatalf("mark ghost: %v", err)
	}

	resumed, err := h.broker.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected one resumed task, got %d", resumed)
	}

	task := h.waitTerminal(t, "resumable")
	if task.Status != domain.TaskStatusCompleted || !strings.HasSuffix(task.Result, "yeepay_00900_.png") {
		t.Fatalf("unexpected resumed task %+v", task)
	}
	if task.EngineSubmissionID != "prompt-900" {
		t.Fatalf("submission id changed to %s", task.EngineSubmissionID)
	}
	for _, id := range []string{"ghost", "never-submitted"} {
		task := h.waitTerminal(t, id)
		if task.Status != domain.TaskStatusFailed || task.Error != "lost: broker restarted" {
			t.Fatalf("%s: unexpected %s (%s)", id, task.Status, task.Error)
		}
	}
	if n := h.engine.submitCount(); n != 0 {
		t.Fatalf("recovery must not resubmit, got %d submits", n)
	}
}

func TestBroker_ShutdownLeavesTasksForRecovery(t *testing.T) {
	h := newHarness(t)
	h.engine.set(func(e *fakeEngine) { e.hang = true })
	id := h.submit(t, domain.ModeSingle, "A red cat", nil, `{"model": "qwen-image", "seed": 3}`)
	h.waitFor(t, id, func(task *domain.Task) bool { return task.Status == domain.TaskStatusProcessing })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.broker.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	task, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != domain.TaskStatusProcessing {
		t.Fatalf("shutdown should leave the task processing, got %s", task.Status)
	}
	if _, err := h.broker.Submit(context.Background(), SubmitRequest{Mode: domain.ModeSingle, Parameters: json.RawMessage(`{"model": "qwen-image"}`)}); !domain.IsKind(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected submit to be refused after shutdown, got %v", err)
	}
}

func TestBroker_Health(t *testing.T) {
	h := newHarness(t)
	h.source.setFail(true)
	if report := h.broker.Health(context.Background()); report.Config == "" || report.Engine != "" || report.Store != "" {
		t.Fatalf("expected only the config source to be reported, got %+v", report)
	}
	h.source.setFail(false)
	if report := h.broker.Health(context.Background()); !report.OK() {
		t.Fatalf("unexpected report %+v", report)
	}
}
