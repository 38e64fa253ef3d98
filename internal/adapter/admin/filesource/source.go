// Package filesource serves administrative records from a YAML catalogue on disk.
package filesource

import (
	"context"
	"fmt"
	"os"

	"github.com/yeepay/aigc-broker/internal/core/domain"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"gopkg.in/yaml.v3"
)

// Catalogue is the on-disk layout
type Catalogue struct {
	Models    []domain.ModelRecord      `yaml:"models"`
	Loras     []domain.LoraRecord       `yaml:"loras"`
	Workflows []domain.GraphTemplate    `yaml:"workflows"`
	Defaults  domain.GenerationDefaults `yaml:"generation_defaults"`
}

type configSource struct {
	path string
}

// NewConfigSource re-reads path on every call so edits are picked up on the next refresh
func NewConfigSource(path string) port.ConfigSource {
	return &configSource{path: path}
}

func (s *configSource) load() (*Catalogue, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var c Catalogue
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalogue %s: %w", s.path, err)
	}
	return &c, nil
}

func (s *configSource) ListModels(_ context.Context) ([]domain.ModelRecord, error) {
	c, err := s.load()
	if err != nil {
		return nil, err
	}
	return c.Models, nil
}

func (s *configSource) ListLoras(_ context.Context) ([]domain.LoraRecord, error) {
	c, err := s.load()
	if err != nil {
		return nil, err
	}
	return c.Loras, nil
}

func (s *configSource) ListGraphTemplates(_ context.Context) ([]domain.GraphTemplate, error) {
	c, err := s.load()
	if err != nil {
		return nil, err
	}
	return c.Workflows, nil
}

func (s *configSource) GenerationDefaults(_ context.Context) (domain.GenerationDefaults, error) {
	c, err := s.load()
	if err != nil {
		return domain.GenerationDefaults{}, err
	}
	return c.Defaults, nil
}
