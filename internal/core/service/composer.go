package service

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yeepay/aigc-broker/internal/core/domain"
	"go.uber.org/zap"
)

const (
	maxLoraSlots   = 4
	imagePrefix    = "yeepay/yeepay"
	videoPrefix    = "video/yeepay"
	defaultDenoise = 0.75
	defaultFPS     = 16
	defaultSeconds = 5
	defaultMaxSide = 4096
	videoMaxSide   = 1920
	noneSlot       = "None"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

var samplerClasses = map[string]bool{
	"KSampler":              true,
	"KSamplerAdvanced":      true,
	"SamplerCustom":         true,
	"SamplerCustomAdvanced": true,
	"ModelSamplingAuraFlow": true,
}

var saveClasses = map[string]bool{
	"SaveImage":        true,
	"SaveVideo":        true,
	"SaveAnimatedWEBP": true,
	"VHS_VideoCombine": true,
}

// local loader classes an API graph must not carry
var localLoaderClasses = map[string]bool{
	"UNETLoader":             true,
	"CLIPLoader":             true,
	"DualCLIPLoader":         true,
	"VAELoader":              true,
	"CheckpointLoaderSimple": true,
	"LoraLoader":             true,
	"LoraLoaderModelOnly":    true,
}

// ComposerOptions carries the deployment level knobs of the composer
type ComposerOptions struct {
	// Denoise maps a model family (or "default") to the img2img denoise
	Denoise map[string]float64
	// APIKeys maps an API model code to its credential
	APIKeys  map[string]string
	MaxCount int
	// Seeds draws a seed in [1, MaxSeed]; nil uses math/rand
	Seeds func() int64
}

// Composer turns a graph template plus parameters into an executable graph
type Composer struct {
	opts ComposerOptions
	log  *zap.Logger
}

func NewComposer(opts ComposerOptions, log *zap.Logger) *Composer {
	if opts.MaxCount <= 0 {
		opts.MaxCount = 4
	}
	if opts.Seeds == nil {
		opts.Seeds = func() int64 { return rand.Int64N(domain.MaxSeed) + 1 }
	}
	return &Composer{opts: opts, log: log}
}

// SlotLora is a LoRA placed in one of the four loader slots
type SlotLora struct {
	Code     string
	Name     string
	Strength float64
}

// Plan is the validated outcome of a request: which template, which family
// strategy and how many submissions the runner makes.
type Plan struct {
	Mode     domain.Mode
	Strategy domain.Family
	Model    domain.ModelRecord
	Template domain.GraphTemplate
	Size     domain.Size
	Steps    int
	Count    int
	Seed     *int64
	Loras    []SlotLora
	Denoise  float64
	APIKey   string
	FPS      int
	Length   int
	Language string
	// Batch runs all images as one submission with batch_size = Count
	Batch bool
	// References is the number of input images the graph consumes
	References int
	HasMask    bool
}

// Submissions is the number of engine submissions the plan needs
func (p *Plan) Submissions() int {
	if p.Batch || p.Count <= 1 {
		return 1
	}
	return p.Count
}

// PlanRequest is what the facade validated from the caller
type PlanRequest struct {
	Mode       domain.Mode
	Params     domain.Parameters
	References []string
}

// Plan validates the request against the snapshot without touching the engine
func (c *Composer) Plan(snap *domain.ConfigSnapshot, req PlanRequest) (*Plan, error) {
	p := req.Params
	model, ok := snap.Model(p.Model)
	if !ok {
		return nil, domain.NewError(domain.ErrUnknownModel, "model %s is not configured", p.Model)
	}
	if !model.Available {
		return nil, domain.NewError(domain.ErrModelUnavailable, "model %s is disabled", model.Code)
	}

	refs := len(req.References)
	strategy, err := strategyFor(req.Mode, model, refs)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Mode:       req.Mode,
		Strategy:   strategy,
		Model:      *model,
		Seed:       p.Seed,
		References: refs,
	}

	tpl, ok := snap.Template(model, strategy)
	if !ok {
		return nil, domain.NewError(domain.ErrConfigMissing, "no %s graph template for model %s", strategy, model.Code)
	}
	plan.Template = *tpl

	defaults := snap.Defaults.WithFallbacks()
	plan.Size = defaults.DefaultSize
	if p.Size != "" {
		if plan.Size, err = domain.ParseSize(p.Size); err != nil {
			return nil, err
		}
	}
	maxSide := defaultMaxSide
	if strategy == domain.FamilyVideo {
		maxSide = videoMaxSide
	}
	if plan.Size.Width > maxSide || plan.Size.Height > maxSide {
		return nil, domain.NewError(domain.ErrInvalidSize, "size %s exceeds %d for %s", plan.Size, maxSide, strategy)
	}

	plan.Steps = p.Steps
	if plan.Steps == 0 {
		plan.Steps = defaults.DefaultSteps
	}

	plan.Count = p.Count
	if plan.Count == 0 {
		plan.Count = defaults.DefaultCount
	}
	switch strategy {
	case domain.FamilyVideo, domain.FamilyCaption:
		// these families produce one artifact per task
		plan.Count = 1
	}
	if plan.Count > c.opts.MaxCount {
		return nil, domain.NewError(domain.ErrUnsupportedCount, "count %d exceeds %d", plan.Count, c.opts.MaxCount)
	}

	plan.Loras = c.selectLoras(snap, model, p.Loras)

	if strategy == domain.FamilyEditing {
		plan.Denoise = c.denoiseFor(model.ModelType)
		if p.Denoise != nil {
			plan.Denoise = *p.Denoise
		}
	} else if p.Denoise != nil {
		plan.Denoise = *p.Denoise
	}

	switch strategy {
	case domain.FamilyInpaint:
		if p.Edit == nil || strings.TrimSpace(p.Edit.Mask) == "" {
			return nil, domain.NewError(domain.ErrMissingMask, "edit mode needs parameters.edit.mask")
		}
		plan.HasMask = true
	case domain.FamilyVideo:
		plan.FPS, plan.Length = defaultFPS, defaultFPS*defaultSeconds
		if p.Video != nil {
			if p.Video.FPS > 0 {
				plan.FPS = p.Video.FPS
			}
			seconds := defaultSeconds
			if p.Video.Duration > 0 {
				seconds = p.Video.Duration
			}
			plan.Length = plan.FPS * seconds
		}
	case domain.FamilyCaption:
		plan.Language = "en"
		if p.Caption != nil && p.Caption.Language != "" {
			plan.Language = p.Caption.Language
		}
	case domain.FamilyAPI:
		plan.APIKey = c.opts.APIKeys[model.Code]
		if plan.APIKey == "" {
			return nil, domain.NewError(domain.ErrConfigMissing, "model %s needs an API key", model.Code)
		}
	}

	plan.Batch = plan.Count > 1 && plan.Seed != nil &&
		strategy == domain.FamilyTextToImage && latentSupportsBatch(plan.Template.Workflow)
	return plan, nil
}

// strategyFor maps the request mode and reference count onto a composer strategy
func strategyFor(mode domain.Mode, model *domain.ModelRecord, refs int) (domain.Family, error) {
	if model.ModelType == domain.FamilyAPI {
		if refs > domain.MaxFusionImages {
			return "", domain.NewError(domain.ErrUnsupportedCount, "%s accepts at most %d images, got %d", model.Code, domain.MaxFusionImages, refs)
		}
		return domain.FamilyAPI, nil
	}
	switch mode {
	case domain.ModeTextOnly:
		if refs != 0 {
			return "", domain.NewError(domain.ErrInvalidParameters, "text_only mode takes no reference images")
		}
		return domain.FamilyTextToImage, nil
	case domain.ModeSingle:
		switch refs {
		case 0:
			return domain.FamilyTextToImage, nil
		case 1:
			return domain.FamilyEditing, nil
		}
		return "", domain.NewError(domain.ErrUnsupportedCount, "single mode takes at most one image, got %d", refs)
	case domain.ModeFusion:
		if refs < domain.MinFusionImages || refs > domain.MaxFusionImages {
			return "", domain.NewError(domain.ErrUnsupportedCount, "fusion needs %d to %d images, got %d",
				domain.MinFusionImages, domain.MaxFusionImages, refs)
		}
		return domain.FamilyFusion, nil
	case domain.ModeEdit:
		if refs != 1 {
			return "", domain.NewError(domain.ErrUnsupportedCount, "edit mode needs exactly one image, got %d", refs)
		}
		return domain.FamilyInpaint, nil
	case domain.ModeVideo:
		if refs > 1 {
			return "", domain.NewError(domain.ErrUnsupportedCount, "video mode takes at most one image, got %d", refs)
		}
		return domain.FamilyVideo, nil
	case domain.ModeCaption:
		if refs != 1 {
			return "", domain.NewError(domain.ErrUnsupportedCount, "caption mode needs exactly one image, got %d", refs)
		}
		return domain.FamilyCaption, nil
	}
	return "", domain.NewError(domain.ErrInvalidParameters, "unknown mode %q", mode)
}

func (c *Composer) denoiseFor(family domain.Family) float64 {
	if v, ok := c.opts.Denoise[string(family)]; ok && v > 0 && v <= 1 {
		return v
	}
	if v, ok := c.opts.Denoise["default"]; ok && v > 0 && v <= 1 {
		return v
	}
	if family == domain.FamilyEditing {
		return 0.6
	}
	return defaultDenoise
}

// selectLoras keeps the first four requested LoRAs the model can carry
func (c *Composer) selectLoras(snap *domain.ConfigSnapshot, model *domain.ModelRecord, requested []domain.LoraSelection) []SlotLora {
	var slots []SlotLora
	for _, sel := range requested {
		lora, ok := snap.Lora(sel.Code)
		switch {
		case !ok:
			c.log.Info("Dropping unknown lora", zap.String("lora", sel.Code), zap.String("model", model.Code))
			continue
		case !lora.Available:
			c.log.Info("Dropping disabled lora", zap.String("lora", sel.Code), zap.String("model", model.Code))
			continue
		case !lora.CompatibleWith(model):
			c.log.Info("Dropping incompatible lora",
				zap.String("lora", sel.Code),
				zap.String("lora_base", lora.BaseModel),
				zap.String("model", model.Code))
			continue
		}
		if len(slots) == maxLoraSlots {
			c.log.Info("Dropping lora beyond the slot limit", zap.String("lora", sel.Code))
			continue
		}
		strength := lora.Strength()
		if sel.Strength != nil {
			strength = *sel.Strength
		}
		name := lora.Name
		if name == "" {
			name = lora.Code
		}
		slots = append(slots, SlotLora{Code: lora.Code, Name: name, Strength: strength})
	}
	return slots
}

// DrawSeed returns a fresh seed in [1, MaxSeed]
func (c *Composer) DrawSeed() int64 {
	return c.opts.Seeds()
}

// ComposeInput is what changes between the submissions of one plan
type ComposeInput struct {
	Description string
	// Images are staged basenames in request order
	Images []string
	Mask   string
	Seed   int64
}

// Compose renders the plan into an executable graph. The template is never
// mutated and equal inputs render equal graphs.
func (c *Composer) Compose(plan *Plan, in ComposeInput) (domain.Graph, error) {
	if len(in.Images) != plan.References {
		return nil, domain.NewError(domain.ErrInvalidParameters, "expected %d staged images, got %d", plan.References, len(in.Images))
	}
	if plan.HasMask && in.Mask == "" {
		return nil, domain.NewError(domain.ErrMissingMask, "mask was not staged")
	}

	g := plan.Template.Workflow.Clone()
	if len(g) == 0 {
		return nil, domain.NewError(domain.ErrConfigMissing, "graph template %s is empty", plan.Template.Code)
	}

	used := substitute(g, c.variables(plan, in))

	switch plan.Strategy {
	case domain.FamilyFusion:
		if err := wireFusion(g, in.Images); err != nil {
			return nil, err
		}
	case domain.FamilyInpaint:
		if err := wireInpaint(g, in.Images[0], in.Mask, used); err != nil {
			return nil, err
		}
	case domain.FamilyVideo:
		writeVideo(g, plan.FPS, plan.Length)
		if len(in.Images) == 1 && !used["reference_image"] {
			wireFirstLoader(g, in.Images[0])
		}
	case domain.FamilyAPI:
		removeLocalLoaders(g)
		wireLoaders(g, in.Images)
	case domain.FamilyEditing, domain.FamilyCaption:
		if !used["reference_image"] {
			wireFirstLoader(g, in.Images[0])
		}
	}

	if plan.Strategy != domain.FamilyAPI {
		writeModelFiles(g, &plan.Model)
	}
	normalizeSamplers(g, plan.Steps, in.Seed, plan.Denoise)
	writeLatents(g, plan)
	writeSavePrefix(g, plan.Strategy)
	return g, nil
}

func (c *Composer) variables(plan *Plan, in ComposeInput) map[string]any {
	vars := map[string]any{
		"description": in.Description,
		"prompt":      in.Description,
		"seed":        in.Seed,
		"width":       plan.Size.Width,
		"height":      plan.Size.Height,
		"steps":       plan.Steps,
		"unet":        plan.Model.UnetFile,
		"clip":        plan.Model.ClipFile,
		"vae":         plan.Model.VAEFile,
	}
	for i := 0; i < maxLoraSlots; i++ {
		name, strength := any(noneSlot), any(1.0)
		if i < len(plan.Loras) {
			name, strength = plan.Loras[i].Name, plan.Loras[i].Strength
		}
		vars[fmt.Sprintf("lora_%02d", i+1)] = name
		vars[fmt.Sprintf("strength_%02d", i+1)] = strength
	}
	if len(in.Images) > 0 {
		vars["reference_image"] = in.Images[0]
		for i, img := range in.Images {
			vars[fmt.Sprintf("reference_image_%d", i+1)] = img
		}
	}
	if in.Mask != "" {
		vars["mask_image"] = in.Mask
	}
	if plan.Strategy == domain.FamilyVideo {
		vars["fps"] = plan.FPS
		vars["length"] = plan.Length
	}
	if plan.Language != "" {
		vars["language"] = plan.Language
	}
	if plan.APIKey != "" {
		vars["api_key"] = plan.APIKey
	}
	return vars
}

// substitute replaces {{tokens}} in every input once. A value that is a single
// token takes the variable's type; unknown tokens are left as written.
func substitute(g domain.Graph, vars map[string]any) map[string]bool {
	used := map[string]bool{}
	for _, id := range g.IDs() {
		node := g[id]
		for key, value := range node.Inputs {
			node.Inputs[key] = substituteValue(value, vars, used)
		}
	}
	return used
}

func substituteValue(v any, vars map[string]any, used map[string]bool) any {
	switch t := v.(type) {
	case string:
		return substituteString(t, vars, used)
	case []any:
		for i := range t {
			t[i] = substituteValue(t[i], vars, used)
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = substituteValue(t[k], vars, used)
		}
		return t
	}
	return v
}

func substituteString(s string, vars map[string]any, used map[string]bool) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if m := tokenPattern.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		name := s[m[2]:m[3]]
		if val, ok := vars[name]; ok {
			used[name] = true
			return val
		}
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(tok string) string {
		name := tokenPattern.FindStringSubmatch(tok)[1]
		val, ok := vars[name]
		if !ok {
			return tok
		}
		used[name] = true
		return formatValue(val)
	})
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// normalizeSamplers writes steps, seed and denoise into every sampler node
func normalizeSamplers(g domain.Graph, steps int, seed int64, denoise float64) {
	for _, id := range g.NodesOf(func(class string) bool { return samplerClasses[class] }) {
		node := g[id]
		ksampler := strings.HasPrefix(node.ClassType, "KSampler")
		if ksampler || g.HasInput(id, "steps") {
			g.SetInput(id, "steps", steps)
		}
		switch {
		case g.HasInput(id, "noise_seed"):
			g.SetInput(id, "noise_seed", seed)
		case ksampler || g.HasInput(id, "seed"):
			g.SetInput(id, "seed", seed)
		}
		if denoise > 0 && (ksampler || g.HasInput(id, "denoise")) {
			g.SetInput(id, "denoise", denoise)
		}
	}
}

func isLatentClass(class string) bool {
	return strings.HasPrefix(class, "Empty") && strings.Contains(class, "Latent")
}

func latentSupportsBatch(g domain.Graph) bool {
	for _, id := range g.NodesOf(isLatentClass) {
		if g.HasInput(id, "batch_size") {
			return true
		}
	}
	return false
}

// writeLatents sizes every empty latent node
func writeLatents(g domain.Graph, plan *Plan) {
	for _, id := range g.NodesOf(isLatentClass) {
		g.SetInput(id, "width", plan.Size.Width)
		g.SetInput(id, "height", plan.Size.Height)
		if g.HasInput(id, "batch_size") {
			batch := 1
			if plan.Batch {
				batch = plan.Count
			}
			g.SetInput(id, "batch_size", batch)
		}
		if plan.Strategy == domain.FamilyVideo && g.HasInput(id, "length") {
			g.SetInput(id, "length", plan.Length)
		}
	}
}

func writeSavePrefix(g domain.Graph, strategy domain.Family) {
	prefix := imagePrefix
	if strategy == domain.FamilyVideo {
		prefix = videoPrefix
	}
	if by, ok := upscaleFactor(g); ok {
		prefix = fmt.Sprintf("ultimate_upscaled_%sx", strconv.FormatFloat(by, 'f', -1, 64))
	}
	for _, id := range g.NodesOf(func(class string) bool { return saveClasses[class] }) {
		g.SetInput(id, "filename_prefix", prefix)
	}
}

func upscaleFactor(g domain.Graph) (float64, bool) {
	for _, id := range g.NodesOf(func(class string) bool { return strings.HasPrefix(class, "UltimateSDUpscale") }) {
		switch v := g[id].Inputs["upscale_by"].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}

func writeModelFiles(g domain.Graph, m *domain.ModelRecord) {
	set := func(class, key, value string) {
		if value == "" {
			return
		}
		for _, id := range g.NodesOf(func(c string) bool { return c == class }) {
			if cur, ok := g[id].Inputs[key].(string); ok && (cur == "" || strings.Contains(cur, "{{")) {
				g.SetInput(id, key, value)
			}
		}
	}
	set("UNETLoader", "unet_name", m.UnetFile)
	set("CLIPLoader", "clip_name", m.ClipFile)
	set("VAELoader", "vae_name", m.VAEFile)
}

func writeVideo(g domain.Graph, fps, length int) {
	for _, id := range g.IDs() {
		if g.HasInput(id, "fps") {
			g.SetInput(id, "fps", fps)
		}
		if g.HasInput(id, "frame_rate") {
			g.SetInput(id, "frame_rate", fps)
		}
		if g.HasInput(id, "length") && !isLatentClass(g[id].ClassType) {
			g.SetInput(id, "length", length)
		}
	}
}

func isImageLoader(class string) bool {
	return class == "LoadImage"
}

func wireFirstLoader(g domain.Graph, image string) {
	if loaders := g.NodesOf(isImageLoader); len(loaders) > 0 {
		g.SetInput(loaders[0], "image", image)
	}
}

// wireLoaders assigns images to existing loaders in id order
func wireLoaders(g domain.Graph, images []string) {
	if len(images) == 0 {
		return
	}
	for i, id := range g.NodesOf(isImageLoader) {
		img := images[0]
		if i < len(images) {
			img = images[i]
		}
		g.SetInput(id, "image", img)
	}
}

// wireFusion points one loader per image at the concat node. Template loaders
// are reused in id order and missing ones are appended; leftover slots are
// wired to the first image so none is left dangling.
func wireFusion(g domain.Graph, images []string) error {
	var concat string
	for _, id := range g.IDs() {
		if g.HasInput(id, "inputcount") {
			concat = id
			break
		}
	}
	if concat == "" {
		return domain.NewError(domain.ErrConfigMissing, "fusion template has no concat node")
	}

	loaders := g.NodesOf(isImageLoader)
	ids := make([]string, len(images))
	for i, img := range images {
		if i < len(loaders) {
			ids[i] = loaders[i]
			g.SetInput(loaders[i], "image", img)
			continue
		}
		id := g.NextID()
		g[id] = domain.Node{
			ClassType: "LoadImage",
			Inputs:    map[string]any{"image": img, "upload": "image"},
		}
		ids[i] = id
	}
	for _, extra := range loaders[min(len(loaders), len(images)):] {
		g.SetInput(extra, "image", images[0])
	}

	g.SetInput(concat, "inputcount", len(images))
	for i, id := range ids {
		g.SetInput(concat, fmt.Sprintf("image_%d", i+1), domain.Edge(id, 0))
	}
	for _, slot := range extraImageSlots(g[concat].Inputs, len(images)) {
		g.SetInput(concat, slot, domain.Edge(ids[0], 0))
	}
	return nil
}

func extraImageSlots(inputs map[string]any, n int) []string {
	var slots []string
	for key := range inputs {
		idx, ok := strings.CutPrefix(key, "image_")
		if !ok {
			continue
		}
		if i, err := strconv.Atoi(idx); err == nil && i > n {
			slots = append(slots, key)
		}
	}
	sort.Strings(slots)
	return slots
}

// wireInpaint loads the image and the mask through two distinct nodes
func wireInpaint(g domain.Graph, image, mask string, used map[string]bool) error {
	if !used["reference_image"] {
		wireFirstLoader(g, image)
	}
	if used["mask_image"] {
		return nil
	}
	masks := g.NodesOf(func(class string) bool { return class == "LoadImageMask" })
	if len(masks) == 0 {
		return domain.NewError(domain.ErrConfigMissing, "inpaint template has no mask loader")
	}
	for _, id := range masks {
		g.SetInput(id, "image", mask)
		g.SetInput(id, "channel", "alpha")
	}
	return nil
}

func removeLocalLoaders(g domain.Graph) {
	g.Remove(g.NodesOf(func(class string) bool { return localLoaderClasses[class] })...)
}
