package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/yeepay/aigc-broker/internal/core/domain"
)

// fakeSource is an in-memory admin source whose failure can be toggled
type fakeSource struct {
	mu        sync.Mutex
	models    []domain.ModelRecord
	loras     []domain.LoraRecord
	templates []domain.GraphTemplate
	defaults  domain.GenerationDefaults
	fail      bool
	calls     atomic.Int32
}

var errSourceDown = errors.New("admin source down")

func (s *fakeSource) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *fakeSource) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSourceDown
	}
	return nil
}

func (s *fakeSource) ListModels(context.Context) ([]domain.ModelRecord, error) {
	s.calls.Add(1)
	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]domain.ModelRecord(nil), s.models...), nil
}

func (s *fakeSource) ListLoras(context.Context) ([]domain.LoraRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]domain.LoraRecord(nil), s.loras...), nil
}

func (s *fakeSource) ListGraphTemplates(context.Context) ([]domain.GraphTemplate, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]domain.GraphTemplate(nil), s.templates...), nil
}

func (s *fakeSource) GenerationDefaults(context.Context) (domain.GenerationDefaults, error) {
	if err := s.check(); err != nil {
		return domain.GenerationDefaults{}, err
	}
	return s.defaults, nil
}

func mustGraph(t *testing.T, raw string) domain.Graph {
	t.Helper()
	var g domain.Graph
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		t.Fatalf("decode graph: %v", err)
	}
	return g
}

const textToImageGraph = `{
	"1": {"class_type": "UNETLoader", "inputs": {"unet_name": "{{unet}}", "weight_dtype": "default"}},
	"2": {"class_type": "CLIPLoader", "inputs": {"clip_name": "{{clip}}", "type": "qwen_image"}},
	"3": {"class_type": "VAELoader", "inputs": {"vae_name": "{{vae}}"}},
	"4": {"class_type": "LoraLoaderModelOnly", "inputs": {"model": ["1", 0], "lora_name": "{{lora_01}}", "strength_model": "{{strength_01}}"}},
	"5": {"class_type": "CLIPTextEncode", "inputs": {"clip": ["2", 0], "text": "{{description}}"}},
	"6": {"class_type": "CLIPTextEncode", "inputs": {"clip": ["2", 0], "text": ""}},
	"7": {"class_type": "EmptySD3LatentImage", "inputs": {"width": "{{width}}", "height": "{{height}}", "batch_size": 1}},
	"8": {"class_type": "KSampler", "inputs": {"model": ["4", 0], "positive": ["5", 0], "negative": ["6", 0], "latent_image": ["7", 0],
		"seed": "{{seed}}", "steps": "{{steps}}", "cfg": 2.5, "sampler_name": "euler", "scheduler": "simple", "denoise": 1}},
	"9": {"class_type": "VAEDecode", "inputs": {"samples": ["8", 0], "vae": ["3", 0]}},
	"10": {"class_type": "SaveImage", "inputs": {"images": ["9", 0], "filename_prefix": "ComfyUI"}}
}`

const imageToImageGraph = `{
	"1": {"class_type": "UNETLoader", "inputs": {"unet_name": "{{unet}}", "weight_dtype": "default"}},
	"2": {"class_type": "CLIPLoader", "inputs": {"clip_name": "{{clip}}", "type": "qwen_image"}},
	"3": {"class_type": "VAELoader", "inputs": {"vae_name": "{{vae}}"}},
	"5": {"class_type": "CLIPTextEncode", "inputs": {"clip": ["2", 0], "text": "{{description}}"}},
	"11": {"class_type": "LoadImage", "inputs": {"image": "{{reference_image}}"}},
	"12": {"class_type": "VAEEncode", "inputs": {"pixels": ["11", 0], "vae": ["3", 0]}},
	"8": {"class_type": "KSampler", "inputs": {"model": ["1", 0], "positive": ["5", 0], "negative": ["5", 0], "latent_image": ["12", 0],
		"seed": 0, "steps": 10, "denoise": 1}},
	"9": {"class_type": "VAEDecode", "inputs": {"samples": ["8", 0], "vae": ["3", 0]}},
	"10": {"class_type": "SaveImage", "inputs": {"images": ["9", 0], "filename_prefix": "ComfyUI"}}
}`

const fusionGraph = `{
	"1": {"class_type": "UNETLoader", "inputs": {"unet_name": "{{unet}}"}},
	"5": {"class_type": "CLIPTextEncode", "inputs": {"text": "{{description}}"}},
	"20": {"class_type": "LoadImage", "inputs": {"image": "a.png"}},
	"21": {"class_type": "LoadImage", "inputs": {"image": "b.png"}},
	"22": {"class_type": "LoadImage", "inputs": {"image": "c.png"}},
	"23": {"class_type": "ImageConcatMulti", "inputs": {"inputcount": 3, "image_1": ["20", 0], "image_2": ["21", 0], "image_3": ["22", 0], "direction": "right"}},
	"8": {"class_type": "KSampler", "inputs": {"model": ["1", 0], "positive": ["5", 0], "latent_image": ["23", 0], "seed": "{{seed}}", "steps": "{{steps}}"}},
	"10": {"class_type": "SaveImage", "inputs": {"images": ["8", 0], "filename_prefix": "x"}}
}`

const inpaintGraph = `{
	"1": {"class_type": "UNETLoader", "inputs": {"unet_name": "{{unet}}"}},
	"5": {"class_type": "CLIPTextEncode", "inputs": {"text": "{{description}}"}},
	"30": {"class_type": "LoadImage", "inputs": {"image": "{{reference_image}}"}},
	"31": {"class_type": "LoadImageMask", "inputs": {"image": "placeholder.png", "channel": "red"}},
	"32": {"class_type": "InpaintModelConditioning", "inputs": {"pixels": ["30", 0], "mask": ["31", 0]}},
	"8": {"class_type": "KSampler", "inputs": {"model": ["1", 0], "positive": ["32", 0], "latent_image": ["32", 2], "seed": 1, "steps": 1, "denoise": 1}},
	"10": {"class_type": "SaveImage", "inputs": {"images": ["8", 0], "filename_prefix": "x"}}
}`

const videoGraph = `{
	"1": {"class_type": "UNETLoader", "inputs": {"unet_name": "{{unet}}"}},
	"5": {"class_type": "CLIPTextEncode", "inputs": {"text": "{{description}}"}},
	"7": {"class_type": "EmptyHunyuanLatentVideo", "inputs": {"width": 832, "height": 480, "length": 81, "batch_size": 1}},
	"8": {"class_type": "KSamplerAdvanced", "inputs": {"model": ["1", 0], "positive": ["5", 0], "latent_image": ["7", 0], "noise_seed": 3, "steps": 4}},
	"9": {"class_type": "CreateVideo", "inputs": {"images": ["8", 0], "fps": "{{fps}}"}},
	"10": {"class_type": "SaveVideo", "inputs": {"video": ["9", 0], "filename_prefix": "x", "format": "auto"}}
}`

const apiGraph = `{
	"1": {"class_type": "GeminiImageNode", "inputs": {"prompt": "{{description}}", "seed": "{{seed}}", "api_key": "{{api_key}}", "images": ["2", 0]}},
	"2": {"class_type": "LoadImage", "inputs": {"image": "{{reference_image}}"}},
	"3": {"class_type": "VAELoader", "inputs": {"vae_name": "unused.safetensors"}},
	"10": {"class_type": "SaveImage", "inputs": {"images": ["1", 0], "filename_prefix": "x"}}
}`

// newFixtureSource is a catalogue with one model per family
func newFixtureSource(t *testing.T) *fakeSource {
	t.Helper()
	return &fakeSource{
		models: []domain.ModelRecord{
			{Code: "qwen-image", ModelType: domain.FamilyTextToImage, Available: true,
				UnetFile: "qwen_image_fp8.safetensors", ClipFile: "qwen_2.5_vl_7b.safetensors", VAEFile: "qwen_image_vae.safetensors"},
			{Code: "qwen-edit", ModelType: domain.FamilyEditing, Available: true, UnetFile: "qwen_edit.safetensors"},
			{Code: "flux-fill", ModelType: domain.FamilyInpaint, Available: true, UnetFile: "flux_fill.safetensors"},
			{Code: "wan-video", ModelType: domain.FamilyVideo, Available: true, UnetFile: "wan2.2.safetensors"},
			{Code: "gemini", ModelType: domain.FamilyAPI, Available: true},
			{Code: "retired", ModelType: domain.FamilyTextToImage, Available: false},
		},
		loras: []domain.LoraRecord{
			{Code: "anime", Name: "anime.safetensors", BaseModel: "qwen-image", Available: true, StrengthDefault: map[string]float64{"model": 0.8}},
			{Code: "film", Name: "film.safetensors", BaseModel: string(domain.FamilyTextToImage), Available: true},
			{Code: "sdxl-only", Name: "sdxl.safetensors", BaseModel: "sdxl", Available: true},
		},
		templates: []domain.GraphTemplate{
			{Code: "qwen-t2i", BaseModelType: "qwen-image", WorkflowType: domain.FamilyTextToImage, Available: true, Workflow: mustGraph(t, textToImageGraph)},
			{Code: "qwen-i2i", BaseModelType: "qwen-image", WorkflowType: domain.FamilyEditing, Available: true, Workflow: mustGraph(t, imageToImageGraph)},
			{Code: "qwen-fusion", BaseModelType: "qwen-image", WorkflowType: domain.FamilyFusion, Available: true, Workflow: mustGraph(t, fusionGraph)},
			{Code: "edit-i2i", BaseModelType: string(domain.FamilyEditing), WorkflowType: domain.FamilyEditing, Available: true, Workflow: mustGraph(t, imageToImageGraph)},
			{Code: "fill", BaseModelType: "flux-fill", WorkflowType: domain.FamilyInpaint, Available: true, Workflow: mustGraph(t, inpaintGraph)},
			{Code: "wan", BaseModelType: "wan-video", WorkflowType: domain.FamilyVideo, Available: true, Workflow: mustGraph(t, videoGraph)},
			{Code: "gemini", BaseModelType: "gemini", WorkflowType: domain.FamilyAPI, Available: true, Workflow: mustGraph(t, apiGraph)},
		},
		defaults: domain.GenerationDefaults{
			DefaultSize:  domain.Size{Width: 1024, Height: 1024},
			DefaultSteps: 20,
			DefaultCount: 1,
		},
	}
}
