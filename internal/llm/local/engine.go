// Package local hosts a llama.cpp model behind the llm.Client interface:
// backend selection (CPU / CUDA / Vulkan / Metal), GPU layer estimation,
// model load with CPU fallback, and the token generation loop.
package local

// Engine abstracts the llama.cpp/ggml runtime. The production engine binds
// the shared libraries via purego; tests substitute fakes so nothing is
// loaded from disk.
type Engine interface {
	// LoadBackends loads the ggml backend libraries, from dir when non-empty.
	// Safe to call more than once.
	LoadBackends(dir string)

	// BackendAvailable reports whether the named backend is registered with
	// at least one device.
	BackendAvailable(name string) bool

	// BackendMemory returns free/total memory for the named backend's best
	// GPU device, or ok=false when no metrics are available.
	BackendMemory(name string) (BackendMemoryInfo, bool)

	// CudaAvailable reports whether the CUDA backend can be used.
	CudaAvailable() bool

	// CudaMemory returns free/total memory of the CUDA device, or ok=false.
	CudaMemory() (MemoryInfo, bool)

	// LoadModel loads a GGUF model file. GPULayers -1 leaves the split to
	// the backend ("auto").
	LoadModel(path string, params ModelParams) (Model, error)

	// SetLogging leaves backend logs on the library's own stderr output
	// (verbose) or silences them. Backend logs are not passed to the host
	// logger.
	SetLogging(verbose bool)
}

// Model is a loaded model handle. Free must be called exactly once.
type Model interface {
	// NewContext allocates a decode context. Each generation uses a fresh
	// context and releases it before returning.
	NewContext(params ContextParams) (Context, error)

	// FormatPrompt applies the model's chat template to a user prompt.
	FormatPrompt(prompt string) (string, error)

	// Tokenize converts text to tokens.
	Tokenize(text string) ([]int32, error)

	// TokenText returns the textual piece for a token.
	TokenText(token int32) (string, error)

	// IsEndOfGeneration reports whether the token terminates generation.
	IsEndOfGeneration(token int32) bool

	Free()
}

// Context is a per-generation decode context.
type Context interface {
	NCtx() int
	NBatch() int

	// Decode evaluates a batch of tokens.
	Decode(tokens []int32) error

	Free()
}

// Sampler draws the next token from a context's logits.
type Sampler interface {
	Sample(ctx Context) int32
	Reset()
	Free()
}

// SamplerFactory builds the sampling chain for one generation.
type SamplerFactory interface {
	NewSampler(cfg SamplerConfig) (Sampler, error)
}

// SamplerConfig describes the fixed sampling chain: min-p, then temperature,
// then seeded distribution sampling.
type SamplerConfig struct {
	MinP        float32
	Temperature float32
	Seed        uint32
}

// DefaultSeed mirrors LLAMA_DEFAULT_SEED.
const DefaultSeed = 0xFFFFFFFF

// ModelParams configures a model load.
type ModelParams struct {
	// GPULayers is the number of layers to offload: 0 forces CPU, -1 leaves
	// the choice to the backend.
	GPULayers int
}

// ContextParams configures a decode context.
type ContextParams struct {
	NCtx       int
	NBatch     int
	OffloadKQV bool
}

// MemoryInfo carries device memory metrics in bytes.
type MemoryInfo struct {
	FreeBytes  uint64
	TotalBytes uint64
}

// Valid reports whether the metrics carry a usable total.
func (m MemoryInfo) Valid() bool {
	return m.TotalBytes > 0
}

// BackendMemoryInfo is MemoryInfo plus the device classification needed for
// the integrated-GPU memory cap.
type BackendMemoryInfo struct {
	Memory     MemoryInfo
	Integrated bool
	Name       string
}

// Status values reported through the status callback.
type Status int

const (
	// StatusGpuFallbackToCpu is emitted when a GPU failure caused the model
	// to be reloaded on CPU.
	StatusGpuFallbackToCpu Status = iota
)

// Probes allows tests to replace the engine-backed device queries. A nil
// field defers to the engine.
type Probes struct {
	BackendAvailability func(name string) bool
	BackendMemory       func(name string) (BackendMemoryInfo, bool)
	CudaAvailability    func() bool
	CudaMemory          func() (MemoryInfo, bool)
}

func (p Probes) backendAvailable(e Engine, name string) bool {
	if p.BackendAvailability != nil {
		return p.BackendAvailability(name)
	}
	return e.BackendAvailable(name)
}

func (p Probes) backendMemory(e Engine, name string) (BackendMemoryInfo, bool) {
	if p.BackendMemory != nil {
		return p.BackendMemory(name)
	}
	return e.BackendMemory(name)
}

func (p Probes) cudaAvailable(e Engine) bool {
	if p.CudaAvailability != nil {
		return p.CudaAvailability()
	}
	return e.CudaAvailable()
}

func (p Probes) cudaMemory(e Engine) (MemoryInfo, bool) {
	if p.CudaMemory != nil {
		return p.CudaMemory()
	}
	return e.CudaMemory()
}
