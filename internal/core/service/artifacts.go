package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
)

// ResultPrefix is the relative root recorded in tasks.result
const ResultPrefix = "outputs"

const stagingDir = ".staging"

var artifactPrefixes = []string{"yeepay_", "qwen-edit-", "pl-qwen-edit", "ComfyUI_", "ultimate_upscaled_"}

// IsArtifactName reports whether an engine file name is a real output and not a preview
func IsArtifactName(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, "ComfyUI_temp_") {
		return false
	}
	for _, p := range artifactPrefixes {
		if strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}

// ArtifactResolver moves engine outputs into the broker's artifact directory
type ArtifactResolver struct {
	engineDir   string
	artifactDir string
	scanGrace   time.Duration
	mirror      port.ArtifactMirror
	log         *zap.Logger
}

func NewArtifactResolver(engineDir, artifactDir string, scanGrace time.Duration, mirror port.ArtifactMirror, log *zap.Logger) *ArtifactResolver {
	if scanGrace <= 0 {
		scanGrace = 30 * time.Minute
	}
	return &ArtifactResolver{
		engineDir:   engineDir,
		artifactDir: artifactDir,
		scanGrace:   scanGrace,
		mirror:      mirror,
		log:         log,
	}
}

// ResolveRequest describes one finished submission of a task
type ResolveRequest struct {
	TaskID    string
	CreatedAt time.Time
	Strategy  domain.Family
	View      domain.HistoryView
	// Next is the index the first new artifact is numbered with
	Next int
	// Claimed holds engine paths already taken by earlier submissions of the task
	Claimed map[string]bool
}

// Resolve copies the submission's outputs and returns their result paths in
// the order the engine reported them
func (r *ArtifactResolver) Resolve(ctx context.Context, req ResolveRequest) ([]string, error) {
	if req.Claimed == nil {
		req.Claimed = map[string]bool{}
	}
	var sources []string
	for _, out := range req.View.Outputs {
		for _, f := range out.Files() {
			if f.Type == "temp" || !IsArtifactName(f.Filename) {
				continue
			}
			if path, ok := r.locate(f); ok && !req.Claimed[path] {
				sources = append(sources, path)
			}
		}
	}
	if len(sources) == 0 {
		path, ok, err := r.scan(req)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.NewError(domain.ErrNoOutput, "no output file for task %s", req.TaskID)
		}
		r.log.Info("Resolved artifact by directory scan", zap.String("task_id", req.TaskID), zap.String("file", path))
		sources = []string{path}
	}

	staging := r.StagingDir(req.TaskID)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	type staged struct{ tmp, name, src string }
	var copies []staged
	for i, src := range sources {
		name := fmt.Sprintf("%s_%d_%s", req.TaskID, req.Next+i, filepath.Base(src))
		tmp := filepath.Join(staging, name)
		if err := copyFile(ctx, src, tmp); err != nil {
			if isNotExist(err) {
				// the engine cleaned it up between listing and copying
				r.log.Warn("Artifact vanished before copy", zap.String("task_id", req.TaskID), zap.String("file", src))
				continue
			}
			return nil, fmt.Errorf("copy %s: %w", src, err)
		}
		copies = append(copies, staged{tmp: tmp, name: name, src: src})
	}
	if len(copies) == 0 {
		return nil, domain.NewError(domain.ErrNoOutput, "output files for task %s disappeared", req.TaskID)
	}

	results := make([]string, 0, len(copies))
	for _, c := range copies {
		if err := os.Rename(c.tmp, filepath.Join(r.artifactDir, c.name)); err != nil {
			r.Unlink(results)
			return nil, fmt.Errorf("commit %s: %w", c.name, err)
		}
		req.Claimed[c.src] = true
		results = append(results, ResultPrefix+"/"+c.name)
	}

	if r.mirror != nil {
		for _, rel := range results {
			if err := r.mirror.Mirror(ctx, req.TaskID, r.LocalPath(rel), rel); err != nil {
				r.log.Warn("Failed to mirror artifact", zap.String("task_id", req.TaskID), zap.String("path", rel), zap.Error(err))
			}
		}
	}
	return results, nil
}

// locate tries the reported subfolder, then the family subfolders, then the root
func (r *ArtifactResolver) locate(f domain.OutputFile) (string, bool) {
	var candidates []string
	if f.Subfolder != "" {
		candidates = append(candidates, filepath.Join(r.engineDir, f.Subfolder, f.Filename))
	}
	candidates = append(candidates,
		filepath.Join(r.engineDir, "yeepay", f.Filename),
		filepath.Join(r.engineDir, "video", f.Filename),
		filepath.Join(r.engineDir, f.Filename),
	)
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c, true
		}
	}
	return "", false
}

// scan picks the newest qualifying file written since the task was created
func (r *ArtifactResolver) scan(req ResolveRequest) (string, bool, error) {
	dirs := []string{filepath.Join(r.engineDir, "yeepay"), r.engineDir}
	if req.Strategy == domain.FamilyVideo {
		dirs = []string{filepath.Join(r.engineDir, "video"), r.engineDir}
	}
	since := req.CreatedAt.Add(-r.scanGrace)

	type candidate struct {
		path string
		mod  time.Time
	}
	var found []candidate
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return "", false, fmt.Errorf("scan %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !IsArtifactName(e.Name()) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if req.Claimed[path] {
				continue
			}
			info, err := e.Info()
			if err != nil {
				// written or removed while listing
				continue
			}
			if !info.Mode().IsRegular() || info.ModTime().Before(since) {
				continue
			}
			found = append(found, candidate{path: path, mod: info.ModTime()})
		}
	}
	if len(found) == 0 {
		return "", false, nil
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].mod.Equal(found[j].mod) {
			return found[i].mod.After(found[j].mod)
		}
		return found[i].path > found[j].path
	})
	return found[0].path, true, nil
}

// StagingDir is the task's private directory for in-flight copies
func (r *ArtifactResolver) StagingDir(taskID string) string {
	return filepath.Join(r.artifactDir, stagingDir, taskID)
}

// LocalPath maps a result path onto the artifact directory
func (r *ArtifactResolver) LocalPath(rel string) string {
	name := strings.TrimPrefix(filepath.ToSlash(rel), ResultPrefix+"/")
	return filepath.Join(r.artifactDir, filepath.Base(name))
}

// Readable reports whether every result path points at a regular file
func (r *ArtifactResolver) Readable(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		info, err := os.Stat(r.LocalPath(p))
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}

// Unlink removes result files, ignoring ones already gone
func (r *ArtifactResolver) Unlink(paths []string) {
	for _, p := range paths {
		if err := os.Remove(r.LocalPath(p)); err != nil && !isNotExist(err) {
			r.log.Warn("Failed to remove artifact", zap.String("path", p), zap.Error(err))
		}
	}
}

// Discard drops everything the task owns: result files, staging and mirrored copies
func (r *ArtifactResolver) Discard(ctx context.Context, taskID string, paths []string) {
	r.Unlink(paths)
	if err := os.RemoveAll(r.StagingDir(taskID)); err != nil {
		r.log.Warn("Failed to remove staging dir", zap.String("task_id", taskID), zap.Error(err))
	}
	if r.mirror != nil {
		if err := r.mirror.Remove(ctx, taskID); err != nil {
			r.log.Warn("Failed to remove mirrored artifacts", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}
