// Package httpsource reads model, LoRA and workflow records from the admin service's list endpoints.
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
)

const (
	modelsPath   = "/api/admin/models"
	lorasPath    = "/api/admin/loras"
	workflowPath = "/api/admin/workflows"
	defaultsPath = "/api/admin/generation-defaults"
)

type configSource struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

// NewConfigSource builds an admin source rooted at baseURL
func NewConfigSource(baseURL, token string, log *zap.Logger) port.ConfigSource {
	return &configSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

func (s *configSource) ListModels(ctx context.Context) ([]domain.ModelRecord, error) {
	var records []domain.ModelRecord
	err := s.fetch(ctx, modelsPath, &records)
	return records, err
}

func (s *configSource) ListLoras(ctx context.Context) ([]domain.LoraRecord, error) {
	var records []domain.LoraRecord
	err := s.fetch(ctx, lorasPath, &records)
	return records, err
}

func (s *configSource) ListGraphTemplates(ctx context.Context) ([]domain.GraphTemplate, error) {
	var records []domain.GraphTemplate
	err := s.fetch(ctx, workflowPath, &records)
	return records, err
}

func (s *configSource) GenerationDefaults(ctx context.Context) (domain.GenerationDefaults, error) {
	var defaults domain.GenerationDefaults
	err := s.fetch(ctx, defaultsPath, &defaults)
	return defaults, err
}

// fetch decodes either the bare payload or a {"data": payload} envelope
func (s *configSource) fetch(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin source returned status %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(raw)))
	}

	raw = bytes.TrimSpace(raw)
	if bytes.HasPrefix(raw, []byte("{")) {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
			raw = envelope.Data
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	s.log.Debug("Fetched admin records", zap.String("path", path), zap.Int("bytes", len(raw)))
	return nil
}
