//go:build linux || darwin

package local

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ebitengine/purego"
)

// SystemEngine implements Engine on top of the llama.cpp shared libraries,
// loaded at runtime with purego. The original application links libllama
// directly; here the library directory can be pointed at with
// AI_FILE_SORTER_GGML_DIR.

// ggml_backend_dev_type values.
const (
	ggmlBackendDeviceTypeCPU = 0
	ggmlBackendDeviceTypeGPU = 1
)

// llamaModelParams mirrors struct llama_model_params.
type llamaModelParams struct {
	devices                  uintptr
	tensorBuftOverrides      uintptr
	nGpuLayers               int32
	splitMode                int32
	mainGpu                  int32
	tensorSplit              uintptr
	progressCallback         uintptr
	progressCallbackUserData uintptr
	kvOverrides              uintptr
	vocabOnly                bool
	useMmap                  bool
	useMlock                 bool
	checkTensors             bool
}

// llamaContextParams mirrors struct llama_context_params. Only n_ctx,
// n_batch, and offload_kqv are mutated; everything else keeps the library
// defaults.
type llamaContextParams struct {
	nCtx              uint32
	nBatch            uint32
	nUbatch           uint32
	nSeqMax           uint32
	nThreads          int32
	nThreadsBatch     int32
	ropeScalingType   int32
	poolingType       int32
	attentionType     int32
	ropeFreqBase      float32
	ropeFreqScale     float32
	yarnExtFactor     float32
	yarnAttnFactor    float32
	yarnBetaFast      float32
	yarnBetaSlow      float32
	yarnOrigCtx       uint32
	defragThold       float32
	cbEval            uintptr
	cbEvalUserData    uintptr
	typeK             int32
	typeV             int32
	abortCallback     uintptr
	abortCallbackData uintptr
	embeddings        bool
	offloadKQV        bool
	flashAttn         bool
	noPerf            bool
}

// llamaBatch mirrors struct llama_batch.
type llamaBatch struct {
	nTokens int32
	token   *int32
	embd    *float32
	pos     *int32
	nSeqID  *int32
	seqID   **int32
	logits  *int8
}

// llamaChatMessage mirrors struct llama_chat_message.
type llamaChatMessage struct {
	role    *byte
	content *byte
}

type llamaLib struct {
	backendInit            func()
	backendLoadAll         func()
	backendLoadAllFromPath func(string)
	backendRegByName       func(string) uintptr
	backendRegDevCount     func(uintptr) uintptr
	backendRegName         func(uintptr) string
	backendDevCount        func() uintptr
	backendDevGet          func(uintptr) uintptr
	backendDevType         func(uintptr) int32
	backendDevName         func(uintptr) string
	backendDevDescription  func(uintptr) string
	backendDevMemory       func(uintptr, *uint64, *uint64)
	backendDevBackendReg   func(uintptr) uintptr
	logSet                 func(uintptr, uintptr)
	modelDefaultParams     func() llamaModelParams
	modelLoadFromFile      func(string, llamaModelParams) uintptr
	modelFree              func(uintptr)
	modelGetVocab          func(uintptr) uintptr
	modelChatTemplate      func(uintptr, uintptr) uintptr
	chatApplyTemplate      func(uintptr, *llamaChatMessage, uintptr, bool, *byte, int32) int32
	contextDefaultParams   func() llamaContextParams
	initFromModel          func(uintptr, llamaContextParams) uintptr
	free                   func(uintptr)
	nCtx                   func(uintptr) uint32
	nBatch                 func(uintptr) uint32
	tokenize               func(uintptr, string, int32, *int32, int32, bool, bool) int32
	tokenToPiece           func(uintptr, int32, *byte, int32, int32, bool) int32
	vocabIsEOG             func(uintptr, int32) bool
	batchGetOne            func(*int32, int32) llamaBatch
	decode                 func(uintptr, llamaBatch) int32
	samplerChainDefault    func() uintptr
	samplerChainInit       func(uintptr) uintptr
	samplerChainAdd        func(uintptr, uintptr)
	samplerInitMinP        func(float32, uintptr) uintptr
	samplerInitTemp        func(float32) uintptr
	samplerInitDist        func(uint32) uintptr
	samplerSample          func(uintptr, uintptr, int32) int32
	samplerReset           func(uintptr)
	samplerFree            func(uintptr)
}

type systemEngine struct {
	lib *llamaLib

	loadOnce    sync.Once
	backendsDir string
	loaded      bool
}

var (
	systemEngineOnce sync.Once
	systemEngineInst *systemEngine
	systemEngineErr  error
)

// NewSystemEngine loads libllama (and through it the ggml backends) and
// registers the C entry points. The engine is process-wide; repeated calls
// return the same instance.
func NewSystemEngine() (Engine, error) {
	systemEngineOnce.Do(func() {
		systemEngineInst, systemEngineErr = loadSystemEngine()
	})
	if systemEngineErr != nil {
		return nil, systemEngineErr
	}
	return systemEngineInst, nil
}

func libllamaCandidates() []string {
	name := "libllama.so"
	if isDarwin() {
		name = "libllama.dylib"
	}
	var candidates []string
	if dir := os.Getenv(envGgmlDir); dir != "" {
		candidates = append(candidates, filepath.Join(dir, name))
	}
	candidates = append(candidates, name)
	return candidates
}

func loadSystemEngine() (*systemEngine, error) {
	var handle uintptr
	var lastErr error
	for _, candidate := range libllamaCandidates() {
		h, err := purego.Dlopen(candidate, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			handle = h
			break
		}
		lastErr = err
	}
	if handle == 0 {
		return nil, fmt.Errorf("failed to load libllama: %w", lastErr)
	}

	lib := &llamaLib{}
	register := func(fptr any, name string) {
		purego.RegisterLibFunc(fptr, handle, name)
	}

	register(&lib.backendInit, "llama_backend_init")
	register(&lib.backendLoadAll, "ggml_backend_load_all")
	register(&lib.backendLoadAllFromPath, "ggml_backend_load_all_from_path")
	register(&lib.backendRegByName, "ggml_backend_reg_by_name")
	register(&lib.backendRegDevCount, "ggml_backend_reg_dev_count")
	register(&lib.backendRegName, "ggml_backend_reg_name")
	register(&lib.backendDevCount, "ggml_backend_dev_count")
	register(&lib.backendDevGet, "ggml_backend_dev_get")
	register(&lib.backendDevType, "ggml_backend_dev_type")
	register(&lib.backendDevName, "ggml_backend_dev_name")
	register(&lib.backendDevDescription, "ggml_backend_dev_description")
	register(&lib.backendDevMemory, "ggml_backend_dev_memory")
	register(&lib.backendDevBackendReg, "ggml_backend_dev_backend_reg")
	register(&lib.logSet, "llama_log_set")
	register(&lib.modelDefaultParams, "llama_model_default_params")
	register(&lib.modelLoadFromFile, "llama_model_load_from_file")
	register(&lib.modelFree, "llama_model_free")
	register(&lib.modelGetVocab, "llama_model_get_vocab")
	register(&lib.modelChatTemplate, "llama_model_chat_template")
	register(&lib.chatApplyTemplate, "llama_chat_apply_template")
	register(&lib.contextDefaultParams, "llama_context_default_params")
	register(&lib.initFromModel, "llama_init_from_model")
	register(&lib.free, "llama_free")
	register(&lib.nCtx, "llama_n_ctx")
	register(&lib.nBatch, "llama_n_batch")
	register(&lib.tokenize, "llama_tokenize")
	register(&lib.tokenToPiece, "llama_token_to_piece")
	register(&lib.vocabIsEOG, "llama_vocab_is_eog")
	register(&lib.batchGetOne, "llama_batch_get_one")
	register(&lib.decode, "llama_decode")
	register(&lib.samplerChainDefault, "llama_sampler_chain_default_params")
	register(&lib.samplerChainInit, "llama_sampler_chain_init")
	register(&lib.samplerChainAdd, "llama_sampler_chain_add")
	register(&lib.samplerInitMinP, "llama_sampler_init_min_p")
	register(&lib.samplerInitTemp, "llama_sampler_init_temp")
	register(&lib.samplerInitDist, "llama_sampler_init_dist")
	register(&lib.samplerSample, "llama_sampler_sample")
	register(&lib.samplerReset, "llama_sampler_reset")
	register(&lib.samplerFree, "llama_sampler_free")

	lib.backendInit()
	return &systemEngine{lib: lib}, nil
}

func isDarwin() bool {
	return fileExists("/System/Library/CoreServices/SystemVersion.plist")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (e *systemEngine) LoadBackends(dir string) {
	e.loadOnce.Do(func() {
		if dir != "" {
			e.lib.backendLoadAllFromPath(dir)
		} else {
			e.lib.backendLoadAll()
		}
		e.loaded = true
	})
}

func (e *systemEngine) SetLogging(verbose bool) {
	if verbose {
		// Leave the library's default stderr logging in place.
		e.lib.logSet(0, 0)
		return
	}
	silent := purego.NewCallback(func(level int32, text uintptr, user uintptr) uintptr {
		return 0
	})
	e.lib.logSet(silent, 0)
}

func (e *systemEngine) BackendAvailable(name string) bool {
	if name == "" {
		return false
	}
	reg := e.lib.backendRegByName(name)
	if reg == 0 {
		return false
	}
	return e.lib.backendRegDevCount(reg) > 0
}

// BackendMemory picks the named backend's GPU device with the most total
// memory.
func (e *systemEngine) BackendMemory(name string) (BackendMemoryInfo, bool) {
	count := e.lib.backendDevCount()
	var best BackendMemoryInfo
	found := false

	for i := uintptr(0); i < count; i++ {
		dev := e.lib.backendDevGet(i)
		if dev == 0 {
			continue
		}
		if e.lib.backendDevType(dev) != ggmlBackendDeviceTypeGPU {
			continue
		}
		reg := e.lib.backendDevBackendReg(dev)
		if reg == 0 {
			continue
		}
		regName := e.lib.backendRegName(reg)
		if name != "" && !containsFold(regName, name) {
			continue
		}

		var freeBytes, totalBytes uint64
		e.lib.backendDevMemory(dev, &freeBytes, &totalBytes)
		if freeBytes == 0 && totalBytes == 0 {
			continue
		}
		if totalBytes == 0 {
			totalBytes = freeBytes
		}

		info := BackendMemoryInfo{
			Memory:     MemoryInfo{FreeBytes: freeBytes, TotalBytes: totalBytes},
			Integrated: isProbablyIntegratedGPU(e.lib.backendDevName(dev), e.lib.backendDevDescription(dev)),
			Name:       regName,
		}
		if !found || info.Memory.TotalBytes > best.Memory.TotalBytes {
			best = info
			found = true
		}
	}

	return best, found
}

func (e *systemEngine) CudaAvailable() bool {
	return e.BackendAvailable("CUDA")
}

func (e *systemEngine) CudaMemory() (MemoryInfo, bool) {
	info, ok := e.BackendMemory("CUDA")
	if !ok {
		return MemoryInfo{}, false
	}
	return info.Memory, true
}

func (e *systemEngine) LoadModel(path string, params ModelParams) (Model, error) {
	mp := e.lib.modelDefaultParams()
	mp.nGpuLayers = int32(params.GPULayers)

	handle := e.lib.modelLoadFromFile(path, mp)
	if handle == 0 {
		return nil, fmt.Errorf("llama_model_load_from_file failed for %q", path)
	}
	return &systemModel{engine: e, handle: handle, vocab: e.lib.modelGetVocab(handle)}, nil
}

func (e *systemEngine) NewSampler(cfg SamplerConfig) (Sampler, error) {
	chain := e.lib.samplerChainInit(e.lib.samplerChainDefault())
	if chain == 0 {
		return nil, fmt.Errorf("llama_sampler_chain_init failed")
	}
	e.lib.samplerChainAdd(chain, e.lib.samplerInitMinP(cfg.MinP, 1))
	e.lib.samplerChainAdd(chain, e.lib.samplerInitTemp(cfg.Temperature))
	e.lib.samplerChainAdd(chain, e.lib.samplerInitDist(cfg.Seed))
	return &systemSampler{engine: e, handle: chain}, nil
}

// isProbablyIntegratedGPU classifies a device from its reported name and
// description.
func isProbablyIntegratedGPU(name, description string) bool {
	hints := []string{"integrated", "apu", "shared", "uma"}
	for _, text := range []string{name, description} {
		if text == "" {
			continue
		}
		for _, hint := range hints {
			if containsFold(text, hint) {
				return true
			}
		}
	}
	return false
}

func containsFold(text, needle string) bool {
	if needle == "" {
		return true
	}
	return indexFold(text, needle) >= 0
}

func indexFold(text, needle string) int {
	lower := func(b byte) byte {
		if b >= 'A' && b <= 'Z' {
			return b + 'a' - 'A'
		}
		return b
	}
	if len(needle) > len(text) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(text); i++ {
		for j := 0; j < len(needle); j++ {
			if lower(text[i+j]) != lower(needle[j]) {
				continue outer
			}
		}
		return i
	}
	return -1
}

type systemModel struct {
	engine *systemEngine
	handle uintptr
	vocab  uintptr
}

func (m *systemModel) NewContext(params ContextParams) (Context, error) {
	cp := m.engine.lib.contextDefaultParams()
	cp.nCtx = uint32(params.NCtx)
	cp.nBatch = uint32(params.NBatch)
	cp.offloadKQV = params.OffloadKQV

	handle := m.engine.lib.initFromModel(m.handle, cp)
	if handle == 0 {
		return nil, fmt.Errorf("llama_init_from_model failed (n_ctx=%d, n_batch=%d)", params.NCtx, params.NBatch)
	}
	return &systemContext{engine: m.engine, handle: handle}, nil
}

func (m *systemModel) FormatPrompt(prompt string) (string, error) {
	content := append([]byte(prompt), 0)
	role := append([]byte("user"), 0)
	messages := []llamaChatMessage{{role: &role[0], content: &content[0]}}

	tmpl := m.engine.lib.modelChatTemplate(m.handle, 0)
	buf := make([]byte, 8192)
	n := m.engine.lib.chatApplyTemplate(tmpl, &messages[0], uintptr(len(messages)), true, &buf[0], int32(len(buf)))
	if n < 0 {
		return "", fmt.Errorf("llama_chat_apply_template failed")
	}
	if int(n) > len(buf) {
		buf = make([]byte, n)
		n = m.engine.lib.chatApplyTemplate(tmpl, &messages[0], uintptr(len(messages)), true, &buf[0], int32(len(buf)))
		if n < 0 {
			return "", fmt.Errorf("llama_chat_apply_template failed")
		}
	}
	return string(buf[:n]), nil
}

func (m *systemModel) Tokenize(text string) ([]int32, error) {
	// First pass with a nil buffer returns the negated token count.
	n := m.engine.lib.tokenize(m.vocab, text, int32(len(text)), nil, 0, true, true)
	if n >= 0 {
		return nil, fmt.Errorf("failed to determine token count for prompt")
	}
	count := -n
	tokens := make([]int32, count)
	if m.engine.lib.tokenize(m.vocab, text, int32(len(text)), &tokens[0], count, true, true) < 0 {
		return nil, fmt.Errorf("tokenization failed for prompt")
	}
	return tokens, nil
}

func (m *systemModel) TokenText(token int32) (string, error) {
	buf := make([]byte, 128)
	n := m.engine.lib.tokenToPiece(m.vocab, token, &buf[0], int32(len(buf)), 0, true)
	if n < 0 {
		return "", fmt.Errorf("llama_token_to_piece failed for token %d", token)
	}
	return string(buf[:n]), nil
}

func (m *systemModel) IsEndOfGeneration(token int32) bool {
	return m.engine.lib.vocabIsEOG(m.vocab, token)
}

func (m *systemModel) Free() {
	if m.handle != 0 {
		m.engine.lib.modelFree(m.handle)
		m.handle = 0
	}
}

type systemContext struct {
	engine *systemEngine
	handle uintptr
}

func (c *systemContext) NCtx() int {
	return int(c.engine.lib.nCtx(c.handle))
}

func (c *systemContext) NBatch() int {
	return int(c.engine.lib.nBatch(c.handle))
}

func (c *systemContext) Decode(tokens []int32) error {
	if len(tokens) == 0 {
		return nil
	}
	batch := c.engine.lib.batchGetOne(&tokens[0], int32(len(tokens)))
	if status := c.engine.lib.decode(c.handle, batch); status != 0 {
		return fmt.Errorf("llama_decode returned status %d", status)
	}
	return nil
}

func (c *systemContext) Free() {
	if c.handle != 0 {
		c.engine.lib.free(c.handle)
		c.handle = 0
	}
}

type systemSampler struct {
	engine *systemEngine
	handle uintptr
}

func (s *systemSampler) Sample(ctx Context) int32 {
	sc, ok := ctx.(*systemContext)
	if !ok {
		return 0
	}
	return s.engine.lib.samplerSample(s.handle, sc.handle, -1)
}

func (s *systemSampler) Reset() {
	s.engine.lib.samplerReset(s.handle)
}

func (s *systemSampler) Free() {
	if s.handle != 0 {
		s.engine.lib.samplerFree(s.handle)
		s.handle = 0
	}
}
