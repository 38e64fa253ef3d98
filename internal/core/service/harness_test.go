package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqliteConfig "github.com/yeepay/aigc-broker/config/storage/sqlite"
	"github.com/yeepay/aigc-broker/internal/adapter/engine/comfyui"
	sqliteStore "github.com/yeepay/aigc-broker/internal/adapter/storage/sqlite"
	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
)

// fakeEngine serves the engine's HTTP surface. Each accepted submission
// writes one image into dir unless skipFiles is set.
type fakeEngine struct {
	dir string

	mu sync.Mutex
	// reject answers /prompt with 400
	reject bool
	// failSubmits answers the next n /prompt calls with 503
	failSubmits int
	// delay is the number of history polls a submission stays queued
	delay int
	// hang keeps every submission queued forever
	hang bool
	// vanish drops submissions from both history and queue
	vanish bool
	// emptyOutputs reports success without outputs
	emptyOutputs bool
	// execError reports an execution error instead of success
	execError string
	skipFiles bool

	seq      int
	graphs   map[string]domain.Graph
	order    []string
	polls    map[string]int
	files    map[string]string
	submits  int
	unknowns []string
}

func newFakeEngine(t *testing.T, dir string) (*fakeEngine, *httptest.Server) {
	t.Helper()
	e := &fakeEngine{
		dir:    dir,
		graphs: map[string]domain.Graph{},
		polls:  map[string]int{},
		files:  map[string]string{},
	}
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return e, srv
}

func (e *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/prompt":
		e.prompt(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/history/"):
		e.history(w, strings.TrimPrefix(r.URL.Path, "/history/"))
	case r.Method == http.MethodGet && r.URL.Path == "/queue":
		e.queue(w)
	case r.Method == http.MethodGet && r.URL.Path == "/system_stats":
		w.Write([]byte(`{"system": {"os": "posix"}}`))
	default:
		e.mu.Lock()
		e.unknowns = append(e.unknowns, r.Method+" "+r.URL.Path)
		e.mu.Unlock()
		http.NotFound(w, r)
	}
}

func (e *fakeEngine) prompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt domain.Graph `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.submits++
	if e.reject {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "prompt_outputs_failed_validation", "message": "value not in list: unet_name"}, "node_errors": {}}`))
		return
	}
	if e.failSubmits > 0 {
		e.failSubmits--
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": "busy"}`))
		return
	}

	e.seq++
	id := fmt.Sprintf("prompt-%03d", e.seq)
	e.graphs[id] = body.Prompt
	e.order = append(e.order, id)
	name := fmt.Sprintf("yeepay_%05d_.png", e.seq)
	e.files[id] = name
	if !e.skipFiles {
		path := filepath.Join(e.dir, "yeepay", name)
		os.MkdirAll(filepath.Dir(path), 0o755)
		os.WriteFile(path, []byte(id), 0o644)
	}
	json.NewEncoder(w).Encode(map[string]any{"prompt_id": id, "number": e.seq, "node_errors": map[string]any{}})
}

// done reports whether the submission has left the queue, counting one poll
func (e *fakeEngine) done(id string) bool {
	if e.hang {
		return false
	}
	e.polls[id]++
	return e.polls[id] > e.delay
}

func (e *fakeEngine) history(w http.ResponseWriter, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.graphs[id]; !ok || e.vanish || !e.done(id) {
		w.Write([]byte(`{}`))
		return
	}

	entry := map[string]any{}
	switch {
	case e.execError != "":
		entry["status"] = map[string]any{"status_str": "error", "completed": false, "messages": []any{
			[]any{"execution_start", map[string]any{"prompt_id": id}},
			[]any{"execution_error", map[string]any{"node_type": "KSampler", "exception_message": e.execError}},
		}}
		entry["outputs"] = map[string]any{}
	case e.emptyOutputs:
		entry["status"] = map[string]any{"status_str": "success", "completed": true}
		entry["outputs"] = map[string]any{}
	default:
		entry["status"] = map[string]any{"status_str": "success", "completed": true}
		entry["outputs"] = map[string]any{
			"10": map[string]any{"images": []any{
				map[string]any{"filename": e.files[id], "subfolder": "yeepay", "type": "output"},
			}},
		}
	}
	json.NewEncoder(w).Encode(map[string]any{id: entry})
}

func (e *fakeEngine) queue(w http.ResponseWriter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	running := []any{}
	if !e.vanish {
		for i, id := range e.order {
			if e.hang || e.polls[id] <= e.delay {
				running = append(running, []any{i, id, map[string]any{}, map[string]any{}, []any{}})
			}
		}
	}
	json.NewEncoder(w).Encode(map[string]any{"queue_running": running, "queue_pending": []any{}})
}

func (e *fakeEngine) set(fn func(e *fakeEngine)) {
	e.mu.Lock()
	fn(e)
	e.mu.Unlock()
}

func (e *fakeEngine) submitted() []domain.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Graph, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.graphs[id])
	}
	return out
}

func (e *fakeEngine) submitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submits
}

// recordingStore remembers progress writes and status transitions
type recordingStore struct {
	port.TaskRepository
	mu       sync.Mutex
	progress []int
	statuses []domain.TaskStatus
}

func (s *recordingStore) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, update domain.StatusUpdate) error {
	err := s.TaskRepository.UpdateStatus(ctx, id, status, update)
	if err == nil {
		s.mu.Lock()
		s.statuses = append(s.statuses, status)
		if status == domain.TaskStatusCompleted {
			s.progress = append(s.progress, 100)
		}
		s.mu.Unlock()
	}
	return err
}

func (s *recordingStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	err := s.TaskRepository.UpdateProgress(ctx, id, progress)
	if err == nil {
		s.mu.Lock()
		s.progress = append(s.progress, progress)
		s.mu.Unlock()
	}
	return err
}

func (s *recordingStore) snapshot() ([]int, []domain.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress...), append([]domain.TaskStatus(nil), s.statuses...)
}

type harness struct {
	broker      *Broker
	store       *recordingStore
	engine      *fakeEngine
	source      *fakeSource
	artifacts   *ArtifactResolver
	engineDir   string
	artifactDir string
	uploadDir   string
	inputDir    string
}

func newHarness(t *testing.T, tune ...func(*RunnerConfig)) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		engineDir:   filepath.Join(root, "engine", "output"),
		inputDir:    filepath.Join(root, "engine", "input"),
		artifactDir: filepath.Join(root, "outputs"),
		uploadDir:   filepath.Join(root, "uploads"),
	}
	log := zap.NewNop()
	ctx := context.Background()

	eng, srv := newFakeEngine(t, h.engineDir)
	h.engine = eng

	db, err := sqliteConfig.New(ctx, filepath.Join(root, "broker.db"), log)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	h.store = &recordingStore{TaskRepository: sqliteStore.NewTaskRepository(db, log)}

	h.source = newFixtureSource(t)
	resolver := NewConfigResolver(h.source, time.Minute, log)
	composer := NewComposer(ComposerOptions{APIKeys: map[string]string{"gemini": "secret"}}, log)
	engine := comfyui.NewEngineClient(srv.URL, "broker-test", 5*time.Second, log)
	stager := NewFileStager(h.inputDir, h.uploadDir, false, log)
	h.artifacts = NewArtifactResolver(h.engineDir, h.artifactDir, 30*time.Minute, nil, log)
	cfg := RunnerConfig{
		MaxConcurrent: 3,
		PollInterval:  10 * time.Millisecond,
		TaskTimeout:   5 * time.Second,
		LostGrace:     100 * time.Millisecond,
		SubmitRetries: 2,
		RetryBase:     5 * time.Millisecond,
		RetryCap:      20 * time.Millisecond,
	}
	for _, fn := range tune {
		fn(&cfg)
	}
	runner := NewRunner(h.store, engine, composer, stager, h.artifacts, cfg, log)
	h.broker = NewBroker(h.store, resolver, composer, runner, engine, h.artifacts, nil,
		BrokerConfig{PublicBaseURL: "http://cdn.test/"}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.broker.Shutdown(ctx)
	})
	return h
}

func (h *harness) upload(t *testing.T, name string) {
	t.Helper()
	writeFile(t, filepath.Join(h.uploadDir, name), zeroTime)
}

func (h *harness) submit(t *testing.T, mode domain.Mode, description string, refs []string, params string) string {
	t.Helper()
	id, err := h.broker.Submit(context.Background(), SubmitRequest{
		Mode:        mode,
		Description: description,
		References:  refs,
		Parameters:  json.RawMessage(params),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

// waitFor polls the task until cond holds or the deadline passes
func (h *harness) waitFor(t *testing.T, id string, cond func(*domain.Task) bool) *domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := h.store.Get(context.Background(), id)
		if err == nil && cond(task) {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s did not reach the expected state: %+v (%v)", id, task, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitTerminal(t *testing.T, id string) *domain.Task {
	t.Helper()
	return h.waitFor(t, id, func(task *domain.Task) bool { return task.Status.Terminal() })
}

func (h *harness) waitGone(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := h.store.Get(context.Background(), id)
		if domain.IsKind(err, domain.ErrNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s still present: %v", id, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// artifactFiles lists committed artifacts, ignoring the staging dir
func (h *harness) artifactFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.artifactDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read artifacts: %v", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// preload registers a finished submission made before the broker started
func (e *fakeEngine) preload(t *testing.T, id, file string) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphs[id] = domain.Graph{}
	e.order = append(e.order, id)
	e.files[id] = file
	writeFile(t, filepath.Join(e.dir, "yeepay", file), zeroTime)
}
