package domain

import (
	"sort"
	"time"
)

// Family tags the composer strategy a model belongs to
type Family string

const (
	FamilyTextToImage Family = "text_to_image"
	FamilyEditing     Family = "editing"
	FamilyFusion      Family = "fusion"
	FamilyInpaint     Family = "inpaint"
	FamilyVideo       Family = "video"
	FamilyCaption     Family = "caption"
	FamilyAPI         Family = "api"
)

// ModelRecord is an administrative model entry, read-only for the broker
type ModelRecord struct {
	Code        string `json:"code" yaml:"code"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	ModelType   Family `json:"model_type" yaml:"model_type"`
	Available   bool   `json:"available" yaml:"available"`
	UnetFile    string `json:"unet_file" yaml:"unet_file"`
	ClipFile    string `json:"clip_file" yaml:"clip_file"`
	VAEFile     string `json:"vae_file" yaml:"vae_file"`
	Description string `json:"description" yaml:"description"`
	SortOrder   int    `json:"sort_order" yaml:"sort_order"`
}

// LoraRecord is an administrative LoRA entry
type LoraRecord struct {
	Code            string             `json:"code" yaml:"code"`
	Name            string             `json:"name" yaml:"name"` // file name the loader node receives
	DisplayName     string             `json:"display_name" yaml:"display_name"`
	BaseModel       string             `json:"base_model" yaml:"base_model"`
	Available       bool               `json:"available" yaml:"available"`
	StrengthDefault map[string]float64 `json:"strength_defaults" yaml:"strength_defaults"`
}

// Strength returns the default model strength, 1.0 when unset
func (l *LoraRecord) Strength() float64 {
	if v, ok := l.StrengthDefault["model"]; ok && v > 0 {
		return v
	}
	if v, ok := l.StrengthDefault["strength"]; ok && v > 0 {
		return v
	}
	return 1.0
}

// CompatibleWith reports whether the LoRA can be applied on top of the model
func (l *LoraRecord) CompatibleWith(m *ModelRecord) bool {
	return l.BaseModel == "" || l.BaseModel == string(m.ModelType) || l.BaseModel == m.Code
}

// GraphTemplate is an administrative workflow: a node graph with {{variable}} tokens
type GraphTemplate struct {
	Code          string `json:"code" yaml:"code"`
	Name          string `json:"name" yaml:"name"`
	BaseModelType string `json:"base_model_type" yaml:"base_model_type"`
	WorkflowType  Family `json:"workflow_type" yaml:"workflow_type"`
	Workflow      Graph  `json:"workflow_json" yaml:"workflow_json"`
	Available     bool   `json:"available" yaml:"available"`
	Description   string `json:"description" yaml:"description"`
}

// Matches reports whether the template serves the model under the given strategy
func (t *GraphTemplate) Matches(m *ModelRecord, strategy Family) bool {
	if !t.Available || t.WorkflowType != strategy {
		return false
	}
	return t.BaseModelType == m.Code || t.BaseModelType == string(m.ModelType)
}

type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

type SizeRatio struct {
	Ratio  string `json:"ratio" yaml:"ratio"`
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
}

// GenerationDefaults fills omitted parameters
type GenerationDefaults struct {
	DefaultSize    Size                `json:"default_size" yaml:"default_size"`
	SizeRatios     []SizeRatio         `json:"size_ratios" yaml:"size_ratios"`
	DefaultSteps   int                 `json:"default_steps" yaml:"default_steps"`
	DefaultCount   int                 `json:"default_count" yaml:"default_count"`
	BaseModelOrder []string            `json:"base_model_order" yaml:"base_model_order"`
	LoraOrder      map[string][]string `json:"lora_order" yaml:"lora_order"`
}

// WithFallbacks returns d with zero values replaced by the built-in defaults
func (d GenerationDefaults) WithFallbacks() GenerationDefaults {
	if d.DefaultSize.Width <= 0 || d.DefaultSize.Height <= 0 {
		d.DefaultSize = Size{Width: 1024, Height: 1024}
	}
	if d.DefaultSteps <= 0 {
		d.DefaultSteps = 20
	}
	if d.DefaultCount <= 0 {
		d.DefaultCount = 1
	}
	return d
}

// ConfigSnapshot is an immutable view of the administrative records captured at task start
type ConfigSnapshot struct {
	Models    []ModelRecord
	Loras     []LoraRecord
	Templates []GraphTemplate
	Defaults  GenerationDefaults
	TakenAt   time.Time
}

func (s *ConfigSnapshot) Model(code string) (*ModelRecord, bool) {
	for i := range s.Models {
		if s.Models[i].Code == code {
			return &s.Models[i], true
		}
	}
	return nil, false
}

func (s *ConfigSnapshot) Lora(code string) (*LoraRecord, bool) {
	for i := range s.Loras {
		if s.Loras[i].Code == code {
			return &s.Loras[i], true
		}
	}
	return nil, false
}

// Template picks the template for model and strategy; the code order breaks ties
func (s *ConfigSnapshot) Template(m *ModelRecord, strategy Family) (*GraphTemplate, bool) {
	var found *GraphTemplate
	for i := range s.Templates {
		t := &s.Templates[i]
		if !t.Matches(m, strategy) {
			continue
		}
		// a template bound to the model code wins over one bound to its family
		if found == nil ||
			(t.BaseModelType == m.Code && found.BaseModelType != m.Code) ||
			(t.BaseModelType == found.BaseModelType && t.Code < found.Code) {
			found = t
		}
	}
	return found, found != nil
}

// SortTemplates orders templates by base model order first and code second
func SortTemplates(templates []GraphTemplate, baseModelOrder []string) {
	rank := make(map[string]int, len(baseModelOrder))
	for i, code := range baseModelOrder {
		rank[code] = i
	}
	pos := func(t GraphTemplate) int {
		if r, ok := rank[t.BaseModelType]; ok {
			return r
		}
		return len(baseModelOrder)
	}
	sort.SliceStable(templates, func(i, j int) bool {
		pi, pj := pos(templates[i]), pos(templates[j])
		if pi != pj {
			return pi < pj
		}
		return templates[i].Code < templates[j].Code
	})
}
