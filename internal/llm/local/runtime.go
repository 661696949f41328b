package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	goruntime "runtime"
	"strings"

	"go.uber.org/zap"

	"aisort/internal/types"
)

// FallbackDecisionCallback is consulted before reloading a failed GPU setup
// on CPU. Returning false aborts instead of falling back.
type FallbackDecisionCallback func(reason string) bool

// StatusCallback receives runtime status notifications.
type StatusCallback func(Status)

// Options configures the runtime host. A nil Engine selects the system
// llama.cpp engine; Probes replace device queries in tests.
type Options struct {
	Engine           Engine
	Probes           Probes
	FallbackDecision FallbackDecisionCallback
	Status           StatusCallback
	Logger           *zap.Logger
}

// Runtime hosts a local model behind the llm.Client interface. The model
// handle lives for the runtime's lifetime; every generation acquires a fresh
// decode context and sampler and releases them before returning.
type Runtime struct {
	modelPath string
	engine    Engine
	probes    Probes
	fallback  FallbackDecisionCallback
	status    StatusCallback
	log       *zap.Logger
	metal     bool

	model                Model
	ctxParams            ContextParams
	promptLoggingEnabled bool
}

// New selects a backend, loads the model (falling back to CPU when the
// fallback callback permits), and sizes the decode context.
func New(modelPath string, opts Options) (*Runtime, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	engine := opts.Engine
	if engine == nil {
		var err error
		engine, err = NewSystemEngine()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize llama engine: %w", err)
		}
	}

	r := &Runtime{
		modelPath: modelPath,
		engine:    engine,
		probes:    opts.Probes,
		fallback:  opts.FallbackDecision,
		status:    opts.Status,
		log:       log,
		metal:     goruntime.GOOS == "darwin",
	}

	log.Info("Initializing local LLM client", zap.String("model", modelPath))

	engine.SetLogging(llamaLogsEnabled())
	engine.LoadBackends(os.Getenv(envGgmlDir))

	contextLength := clampInt(resolveContextLength(), 512, 8192)
	log.Info("Configured context length for local LLM", zap.Int("tokens", contextLength))

	sel := selector{engine: engine, probes: r.probes, log: log, metal: r.metal}
	modelParams := sel.buildModelParams(modelPath)

	loadedParams, err := r.loadModelWithFallback(modelParams)
	if err != nil {
		return nil, err
	}

	r.ctxParams = ContextParams{
		NCtx:       contextLength,
		NBatch:     contextLength,
		OffloadKQV: r.metal && loadedParams.GPULayers != 0,
	}
	return r, nil
}

// allowGpuFallback consults the fallback callback. When the environment pins
// the runtime to CPU there is nothing to fall back from.
func (r *Runtime) allowGpuFallback(reason string) bool {
	if isCPUBackendRequested() {
		return false
	}
	if r.fallback == nil {
		return true
	}
	allowed := r.fallback(reason)
	if !allowed {
		r.log.Warn("GPU fallback declined", zap.String("reason", reason))
	}
	return allowed
}

func (r *Runtime) notifyStatus(status Status) {
	if r.status != nil {
		r.status(status)
	}
}

// loadModelWithFallback loads the model with the selected parameters; on
// failure with a GPU configuration it retries on CPU when permitted.
func (r *Runtime) loadModelWithFallback(params ModelParams) (ModelParams, error) {
	model, err := r.engine.LoadModel(r.modelPath, params)
	if err == nil {
		r.log.Info("Loaded local model", zap.String("model", r.modelPath))
		r.model = model
		return params, nil
	}

	if params.GPULayers != 0 {
		r.log.Warn("Failed to load model with GPU backend; retrying on CPU", zap.Error(err))
		if !r.allowGpuFallback("model load failure") {
			return params, errors.New("GPU backend failed to initialize and CPU fallback was declined")
		}
		r.notifyStatus(StatusGpuFallbackToCpu)
		os.Setenv(envBackend, "cpu")
		os.Setenv(envLlamaDevice, "cpu")
		params.GPULayers = 0
		model, err = r.engine.LoadModel(r.modelPath, params)
		if err == nil {
			r.log.Info("Loaded local model on CPU", zap.String("model", r.modelPath))
			r.model = model
			return params, nil
		}
	}

	r.log.Error("Failed to load model", zap.String("model", r.modelPath), zap.Error(err))
	return params, fmt.Errorf("failed to load model: %w", err)
}

// Close releases the model handle.
func (r *Runtime) Close() {
	if r.model != nil {
		r.model.Free()
		r.model = nil
	}
}

// SetPromptLoggingEnabled toggles echoing of prompts and replies to stdout.
func (r *Runtime) SetPromptLoggingEnabled(enabled bool) {
	r.promptLoggingEnabled = enabled
}

// CategorizeFile generates a single "<Category> : <Subcategory>" line for
// the entry, with sanitation applied.
func (r *Runtime) CategorizeFile(ctx context.Context, fileName, filePath string, fileType types.FileType, hintContext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.log.Debug("Requesting local categorization",
		zap.String("name", fileName),
		zap.String("type", fileType.String()),
		zap.String("path", filePath))

	prompt := makeCategorizationPrompt(fileName, filePath, fileType, hintContext)
	if r.promptLoggingEnabled {
		fmt.Printf("\n[DEV][PROMPT] Categorization request\n%s\n", prompt)
	}
	response, err := r.generate(prompt, 64, true)
	if err != nil {
		return "", err
	}
	if r.promptLoggingEnabled {
		fmt.Printf("[DEV][RESPONSE] Categorization reply\n%s\n", response)
	}
	return response, nil
}

// CompletePrompt generates up to maxTokens tokens without sanitation.
func (r *Runtime) CompletePrompt(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return r.generate(prompt, maxTokens, false)
}

// contextAttempt is one entry of the descending context retry schedule.
type contextAttempt struct {
	nCtx   int
	nBatch int
}

// buildContextAttempts yields the retry schedule below (nCtx, nBatch),
// skipping duplicates and anything that would exceed the original sizes.
func buildContextAttempts(nCtx, nBatch int) []contextAttempt {
	var attempts []contextAttempt
	add := func(ctx, batch int) {
		if ctx < 512 {
			ctx = 512
		}
		batch = clampInt(batch, 1, ctx)
		if ctx > nCtx || batch > nBatch {
			return
		}
		if ctx == nCtx && batch == nBatch {
			return
		}
		for _, existing := range attempts {
			if existing.nCtx == ctx && existing.nBatch == batch {
				return
			}
		}
		attempts = append(attempts, contextAttempt{ctx, batch})
	}

	add(min(nCtx, 2048), min(nBatch, 1024))
	add(min(nCtx, 1024), min(nBatch, 512))
	add(min(nCtx, 512), min(nBatch, 256))
	return attempts
}

// initContextWithRetries allocates a decode context, walking the retry
// schedule when the first attempt fails. The resolved parameters are
// returned alongside the context.
func (r *Runtime) initContextWithRetries(base ContextParams, cpuAttempt bool) (Context, ContextParams) {
	tryInit := func(nCtx, nBatch int) (Context, ContextParams) {
		attempt := base
		attempt.NCtx = nCtx
		attempt.NBatch = min(nBatch, nCtx)
		c, err := r.model.NewContext(attempt)
		if err != nil {
			return nil, base
		}
		return c, attempt
	}

	if c, resolved := tryInit(base.NCtx, base.NBatch); c != nil {
		return c, resolved
	}
	r.log.Warn("Failed to initialize llama context; retrying with smaller buffers",
		zap.Int("n_ctx", base.NCtx),
		zap.Int("n_batch", base.NBatch),
		zap.Bool("cpu", cpuAttempt))

	for _, attempt := range buildContextAttempts(base.NCtx, base.NBatch) {
		r.log.Warn("Retrying llama context init",
			zap.Int("n_ctx", attempt.nCtx),
			zap.Int("n_batch", attempt.nBatch),
			zap.Bool("cpu", cpuAttempt))
		if c, resolved := tryInit(attempt.nCtx, attempt.nBatch); c != nil {
			return c, resolved
		}
	}
	return nil, base
}

// reloadOnCPU replaces the model handle with a CPU-only load after a GPU
// failure.
func (r *Runtime) reloadOnCPU() bool {
	os.Setenv(envBackend, "cpu")
	os.Setenv(envLlamaDevice, "cpu")
	os.Setenv(envDisableCuda, "1")

	cpuModel, err := r.engine.LoadModel(r.modelPath, ModelParams{GPULayers: 0})
	if err != nil {
		r.log.Error("Failed to reload model on CPU", zap.Error(err))
		return false
	}
	if r.model != nil {
		r.model.Free()
	}
	r.model = cpuModel
	r.ctxParams.OffloadKQV = false
	return true
}

// generate runs one generation: context init (with the retry schedule and a
// CPU fallback), sampler chain setup, chat-template formatting, prompt
// decode, and the sampling loop. Context and sampler are released on every
// exit path.
func (r *Runtime) generate(prompt string, maxTokens int, applySanitizer bool) (string, error) {
	r.log.Debug("Generating response",
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("max_tokens", maxTokens))

	decodeCtx, resolved := r.initContextWithRetries(r.ctxParams, false)

	if decodeCtx == nil && !isCPUBackendRequested() {
		if !r.allowGpuFallback("context initialization failure") {
			return "", errors.New("GPU backend failed during context initialization and CPU fallback was declined")
		}
		r.log.Warn("Context init failed on GPU; reloading model on CPU and retrying")
		r.notifyStatus(StatusGpuFallbackToCpu)
		if r.reloadOnCPU() {
			decodeCtx, resolved = r.initContextWithRetries(r.ctxParams, true)
		}
	}

	if decodeCtx == nil {
		r.log.Error("Failed to initialize llama context")
		return "", nil
	}
	defer decodeCtx.Free()
	r.ctxParams = resolved

	factory, ok := r.engine.(SamplerFactory)
	if !ok {
		return "", errors.New("engine does not provide a sampler")
	}
	sampler, err := factory.NewSampler(SamplerConfig{MinP: 0.05, Temperature: 0.8, Seed: DefaultSeed})
	if err != nil {
		return "", fmt.Errorf("failed to build sampler chain: %w", err)
	}
	defer sampler.Free()

	finalPrompt, err := r.model.FormatPrompt(prompt)
	if err != nil {
		r.log.Error("Failed to apply chat template to prompt", zap.Error(err))
		return "", nil
	}

	promptTokens, err := r.model.Tokenize(finalPrompt)
	if err != nil || len(promptTokens) == 0 {
		r.log.Error("Tokenization failed for prompt", zap.Error(err))
		return "", nil
	}

	output := r.runGenerationLoop(decodeCtx, sampler, promptTokens, maxTokens)
	sampler.Reset()

	r.log.Debug("Generation complete", zap.Int("chars", len(output)))

	if applySanitizer {
		return sanitizeOutput(output), nil
	}
	return output, nil
}

// runGenerationLoop decodes the prompt in batches (dropping the oldest
// tokens when the prompt exceeds the context) and samples tokens until
// end-of-generation or maxTokens.
func (r *Runtime) runGenerationLoop(decodeCtx Context, sampler Sampler, promptTokens []int32, maxTokens int) string {
	nCtx := decodeCtx.NCtx()
	nBatch := decodeCtx.NBatch()
	if nBatch <= 0 {
		nBatch = nCtx
	}

	if nCtx > 0 && len(promptTokens) > nCtx {
		overflow := len(promptTokens) - nCtx
		r.log.Warn("Prompt tokens exceed context; truncating oldest tokens",
			zap.Int("prompt_tokens", len(promptTokens)),
			zap.Int("n_ctx", nCtx),
			zap.Int("overflow", overflow))
		promptTokens = promptTokens[overflow:]
	}

	for pos := 0; pos < len(promptTokens); {
		chunk := min(nBatch, len(promptTokens)-pos)
		if err := decodeCtx.Decode(promptTokens[pos : pos+chunk]); err != nil {
			r.log.Warn("Decode failed during prompt eval; aborting generation", zap.Error(err))
			return ""
		}
		pos += chunk
	}

	var output strings.Builder
	for generated := 0; generated < maxTokens; generated++ {
		token := sampler.Sample(decodeCtx)
		if r.model.IsEndOfGeneration(token) {
			break
		}

		piece, err := r.model.TokenText(token)
		if err != nil {
			break
		}
		output.WriteString(piece)

		if err := decodeCtx.Decode([]int32{token}); err != nil {
			r.log.Warn("Decode failed; aborting generation", zap.Error(err))
			break
		}
	}

	return strings.TrimLeft(output.String(), " \t\n\r\f\v")
}

// makeCategorizationPrompt wraps the entry in the fixed instruction template
// requiring exactly one "<Main category> : <Subcategory>" line.
func makeCategorizationPrompt(fileName, filePath string, fileType types.FileType, hintContext string) string {
	var userSection strings.Builder
	if filePath != "" {
		userSection.WriteString("\nFull path: " + filePath + "\n")
	}
	userSection.WriteString("Name: " + fileName + "\n")

	var prompt string
	if fileType == types.File {
		prompt = "\nCategorize this file:\n" + userSection.String()
	} else {
		prompt = "\nCategorize the directory:\n" + userSection.String()
	}

	if hintContext != "" {
		prompt += "\n" + hintContext + "\n"
	}

	return `<|begin_of_text|><|start_header_id|>system<|end_header_id|>
    You are a file categorization assistant. You must always follow the exact format. If the file is an installer, determine the type of software it installs. Base your answer on the filename, extension, and any directory context provided. The output must be:
    <Main category> : <Subcategory>
    Main category must be broad (one or two words, plural). Subcategory must be specific, relevant, and never just repeat the main category. Output exactly one line. Do not explain, add line breaks, or use words like 'Subcategory'. If uncertain, always make your best guess based on the name only. Do not apologize or state uncertainty. Never say you lack information.
    Examples:
    Texts : Documents
    Productivity : File managers
    Tables : Financial logs
    Utilities : Task managers
    <|eot_id|><|start_header_id|>user<|end_header_id|>
    ` + prompt + `<|eot_id|><|start_header_id|>assistant<|end_header_id|>`
}

var categoryLinePattern = regexp.MustCompile(`[^:\s][^\n:]*?\s*:\s*[^\n]+`)

// sanitizeOutput extracts the first "<left> : <right>" line from a reply and
// strips a trailing parenthetical.
func sanitizeOutput(output string) string {
	output = strings.TrimSpace(output)

	match := categoryLinePattern.FindString(output)
	if match == "" {
		return output
	}

	result := strings.TrimSpace(match)
	if idx := strings.Index(result, " ("); idx >= 0 {
		result = strings.TrimSpace(result[:idx])
	}
	return result
}
