package local

import (
	"errors"
	"strings"
)

// fakeEngine scripts the engine surface for tests. Model loads fail while
// failLoads > 0, which exercises the CPU fallback paths.
type fakeEngine struct {
	failLoads   int
	loadedWith  []ModelParams
	model       *fakeModel
	backendDirs []string
}

func (e *fakeEngine) LoadBackends(dir string) {
	e.backendDirs = append(e.backendDirs, dir)
}

func (e *fakeEngine) BackendAvailable(name string) bool { return false }

func (e *fakeEngine) BackendMemory(name string) (BackendMemoryInfo, bool) {
	return BackendMemoryInfo{}, false
}

func (e *fakeEngine) CudaAvailable() bool { return false }

func (e *fakeEngine) CudaMemory() (MemoryInfo, bool) { return MemoryInfo{}, false }

func (e *fakeEngine) SetLogging(bool) {}

func (e *fakeEngine) LoadModel(path string, params ModelParams) (Model, error) {
	e.loadedWith = append(e.loadedWith, params)
	if e.failLoads > 0 {
		e.failLoads--
		return nil, errors.New("backend refused the model")
	}
	if e.model == nil {
		e.model = &fakeModel{}
	}
	return e.model, nil
}

func (e *fakeEngine) NewSampler(cfg SamplerConfig) (Sampler, error) {
	if e.model == nil {
		return nil, errors.New("no model loaded")
	}
	return &fakeSampler{model: e.model}, nil
}

// fakeModel emits a scripted piece stream. Tokens index into pieces; the
// end-of-generation token is len(pieces).
type fakeModel struct {
	pieces       []string
	failContexts int
	freed        bool

	contexts []*fakeContext
}

func (m *fakeModel) NewContext(params ContextParams) (Context, error) {
	if m.failContexts > 0 {
		m.failContexts--
		return nil, errors.New("context allocation failed")
	}
	c := &fakeContext{params: params}
	m.contexts = append(m.contexts, c)
	return c, nil
}

func (m *fakeModel) FormatPrompt(prompt string) (string, error) {
	return "<template>" + prompt + "</template>", nil
}

func (m *fakeModel) Tokenize(text string) ([]int32, error) {
	// One synthetic token per 4 characters, minimum one.
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	tokens := make([]int32, n)
	return tokens, nil
}

func (m *fakeModel) TokenText(token int32) (string, error) {
	if int(token) < len(m.pieces) {
		return m.pieces[token], nil
	}
	return "", nil
}

func (m *fakeModel) IsEndOfGeneration(token int32) bool {
	return int(token) >= len(m.pieces)
}

func (m *fakeModel) Free() { m.freed = true }

type fakeContext struct {
	params  ContextParams
	decoded int
	freed   bool
}

func (c *fakeContext) NCtx() int   { return c.params.NCtx }
func (c *fakeContext) NBatch() int { return c.params.NBatch }

func (c *fakeContext) Decode(tokens []int32) error {
	c.decoded += len(tokens)
	return nil
}

func (c *fakeContext) Free() { c.freed = true }

// fakeSampler walks the model's piece list in order.
type fakeSampler struct {
	model *fakeModel
	next  int32
	freed bool
}

func (s *fakeSampler) Sample(ctx Context) int32 {
	token := s.next
	s.next++
	return token
}

func (s *fakeSampler) Reset() { s.next = 0 }
func (s *fakeSampler) Free()  { s.freed = true }

// scriptedPieces splits a reply into one piece per word, preserving spaces.
func scriptedPieces(reply string) []string {
	words := strings.SplitAfter(reply, " ")
	return words
}
