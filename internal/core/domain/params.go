package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Mode is the kind of request the facade accepts
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeFusion   Mode = "fusion"
	ModeEdit     Mode = "edit"
	ModeVideo    Mode = "video"
	ModeTextOnly Mode = "text_only"
	ModeCaption  Mode = "caption"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeSingle, ModeFusion, ModeEdit, ModeVideo, ModeTextOnly, ModeCaption:
		return true
	}
	return false
}

const (
	MinFusionImages = 2
	MaxFusionImages = 5
)

// LoraSelection is one user requested LoRA
type LoraSelection struct {
	Code     string   `json:"code"`
	Strength *float64 `json:"strength,omitempty"`
}

// CommonParams is the prefix every family shares
type CommonParams struct {
	Model   string          `json:"model"`
	Size    string          `json:"size,omitempty"`
	Steps   int             `json:"steps,omitempty"`
	Seed    *int64          `json:"seed,omitempty"`
	Count   int             `json:"count,omitempty"`
	Loras   []LoraSelection `json:"loras,omitempty"`
	Denoise *float64        `json:"denoise,omitempty"`
}

// VideoParams apply to the video family
type VideoParams struct {
	FPS      int `json:"fps,omitempty"`
	Duration int `json:"duration,omitempty"` // seconds
}

// EditParams apply to mask based inpainting
type EditParams struct {
	Mask string `json:"mask,omitempty"`
}

// CaptionParams apply to captioning
type CaptionParams struct {
	Language string `json:"language,omitempty"`
}

// Parameters is the validated request payload: the shared prefix plus at most
// the arm matching the request mode.
type Parameters struct {
	CommonParams
	Video   *VideoParams   `json:"video,omitempty"`
	Edit    *EditParams    `json:"edit,omitempty"`
	Caption *CaptionParams `json:"caption,omitempty"`
}

// DecodeParameters parses raw JSON rejecting unknown fields and arms that do not fit mode
func DecodeParameters(mode Mode, raw []byte) (Parameters, error) {
	var p Parameters
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, NewError(ErrInvalidParameters, "parameters are required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, WrapError(ErrInvalidParameters, err, err.Error())
	}
	if dec.More() {
		return p, NewError(ErrInvalidParameters, "trailing data after parameters")
	}
	return p, p.Validate(mode)
}

// Validate checks the payload shape; model level checks belong to the composer
func (p *Parameters) Validate(mode Mode) error {
	if strings.TrimSpace(p.Model) == "" {
		return NewError(ErrUnknownModel, "parameters.model is required")
	}
	if p.Steps < 0 {
		return NewError(ErrInvalidParameters, "steps must be positive, got %d", p.Steps)
	}
	if p.Count < 0 {
		return NewError(ErrUnsupportedCount, "count must be positive, got %d", p.Count)
	}
	if p.Seed != nil && (*p.Seed < 0 || *p.Seed > MaxSeed) {
		return NewError(ErrInvalidParameters, "seed %d out of range", *p.Seed)
	}
	if p.Denoise != nil && (*p.Denoise <= 0 || *p.Denoise > 1) {
		return NewError(ErrInvalidParameters, "denoise must be in (0, 1], got %v", *p.Denoise)
	}
	if p.Size != "" {
		if _, err := ParseSize(p.Size); err != nil {
			return err
		}
	}
	if p.Video != nil && mode != ModeVideo {
		return NewError(ErrInvalidParameters, "video parameters are only valid in video mode")
	}
	if p.Edit != nil && mode != ModeEdit {
		return NewError(ErrInvalidParameters, "edit parameters are only valid in edit mode")
	}
	if p.Caption != nil && mode != ModeCaption {
		return NewError(ErrInvalidParameters, "caption parameters are only valid in caption mode")
	}
	if p.Video != nil && (p.Video.FPS < 0 || p.Video.Duration < 0) {
		return NewError(ErrInvalidParameters, "video fps and duration must be positive")
	}
	return nil
}

// Encode renders the parameters for the tasks.parameters column
func (p Parameters) Encode() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// MaxSeed is the largest seed the broker draws
const MaxSeed = 1<<31 - 1

// ParseSize parses "WxH" with positive integers
func ParseSize(s string) (Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Size{}, NewError(ErrInvalidSize, "size %q is not WxH", s)
	}
	width, errW := strconv.Atoi(strings.TrimSpace(w))
	height, errH := strconv.Atoi(strings.TrimSpace(h))
	if errW != nil || errH != nil {
		return Size{}, NewError(ErrInvalidSize, "size %q is not WxH", s)
	}
	if width <= 0 || height <= 0 {
		return Size{}, NewError(ErrInvalidSize, "size %q must have positive sides", s)
	}
	return Size{Width: width, Height: height}, nil
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}
