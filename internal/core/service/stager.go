package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yeepay/aigc-broker/internal/core/domain"
	"go.uber.org/zap"
)

// FileStager copies reference images into the engine's input directory
type FileStager struct {
	inputDir  string
	uploadDir string
	// shared means the engine reads the upload directory itself
	shared bool
	log    *zap.Logger
}

func NewFileStager(inputDir, uploadDir string, shared bool, log *zap.Logger) *FileStager {
	return &FileStager{
		inputDir:  inputDir,
		uploadDir: uploadDir,
		shared:    shared,
		log:       log,
	}
}

// Stage returns the basename the engine can load the source under. A bare
// name is looked up in the upload directory first, then in the input directory.
func (s *FileStager) Stage(ctx context.Context, source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", domain.NewError(domain.ErrInvalidParameters, "empty reference image path")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	base := filepath.Base(source)
	path, err := s.locate(source)
	if err != nil {
		return "", err
	}
	if s.shared || s.inInputDir(path) {
		return base, nil
	}

	if err := os.MkdirAll(s.inputDir, 0o755); err != nil {
		return "", fmt.Errorf("create input dir: %w", err)
	}
	dst := filepath.Join(s.inputDir, base)
	if err := copyFile(ctx, path, dst); err != nil {
		return "", fmt.Errorf("stage %s: %w", base, err)
	}
	s.log.Debug("Staged reference image", zap.String("source", path), zap.String("name", base))
	return base, nil
}

func (s *FileStager) locate(source string) (string, error) {
	candidates := []string{source}
	if !filepath.IsAbs(source) && !strings.ContainsRune(source, filepath.Separator) && !strings.Contains(source, "/") {
		candidates = []string{filepath.Join(s.uploadDir, source), filepath.Join(s.inputDir, source)}
	} else if !filepath.IsAbs(source) && s.uploadDir != "" {
		// paths recorded against another working dir still resolve by basename
		candidates = append(candidates, filepath.Join(s.uploadDir, filepath.Base(source)))
	}
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err == nil && info.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", domain.NewError(domain.ErrInvalidParameters, "reference image %s not found", source)
}

func (s *FileStager) inInputDir(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	dir, err := filepath.Abs(s.inputDir)
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == dir
}

// copyFile writes through a temp file and renames so readers never see a partial copy
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: in}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
