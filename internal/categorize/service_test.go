package categorize

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"aisort/internal/config"
	"aisort/internal/llm"
	"aisort/internal/store"
	"aisort/internal/taxonomy"
	"aisort/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func zapNop() *zap.Logger {
	return zap.NewNop()
}

// fakeResponse scripts one model call.
type fakeResponse struct {
	text  string
	err   error
	delay time.Duration
}

// fakeClient is a scripted llm.Client. The last response repeats once the
// script is exhausted. wg tracks in-flight calls so tests can wait for
// abandoned goroutines before the leak check runs.
type fakeClient struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     int
	contexts  []string
	wg        sync.WaitGroup
}

func (f *fakeClient) CategorizeFile(ctx context.Context, fileName, filePath string, fileType types.FileType, hintContext string) (string, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	response := f.responses[idx]
	f.contexts = append(f.contexts, hintContext)
	f.mu.Unlock()

	if response.delay > 0 {
		time.Sleep(response.delay)
	}
	return response.text, response.err
}

func (f *fakeClient) CompletePrompt(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return "", nil
}

func (f *fakeClient) SetPromptLoggingEnabled(bool) {}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) hintContexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.contexts...)
}

func (f *fakeClient) factory() llm.Factory {
	return func() (llm.Client, error) {
		return f, nil
	}
}

func newTestPipeline(t *testing.T, settings config.Settings) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	resolver, err := taxonomy.NewResolver(st, nil)
	require.NoError(t, err)

	return NewService(&settings, st, resolver, zapNop()), st
}

func localSettings() config.Settings {
	s := config.DefaultSettings()
	s.UseConsistencyHints = false
	return s
}

func fileEntry(dir, name string) types.FileEntry {
	return types.FileEntry{
		FullPath: filepath.Join(dir, name),
		FileName: name,
		Type:     types.File,
	}
}

func TestCacheHitSkipsModel(t *testing.T) {
	service, st := newTestPipeline(t, localSettings())

	resolved := service.resolver.Resolve("Images", "Photos")
	require.Greater(t, resolved.TaxonomyID, int64(0))
	require.NoError(t, st.Upsert("a.jpg", types.File, "/d", resolved, false, "", false, false))

	client := &fakeClient{responses: []fakeResponse{{text: "should not be called"}}}
	var stop atomic.Bool
	var progress []string

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{Progress: func(m string) { progress = append(progress, m) }},
		client.factory())
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "Images", results[0].Category)
	assert.Equal(t, "Photos", results[0].Subcategory)
	assert.Equal(t, resolved.TaxonomyID, results[0].TaxonomyID)
	assert.True(t, results[0].FromCache)

	assert.Equal(t, 0, client.callCount())
	require.Len(t, progress, 1)
	assert.True(t, strings.HasPrefix(progress[0], "[CACHE] a.jpg"), progress[0])
	assert.Contains(t, progress[0], "Category : Images")
	assert.Contains(t, progress[0], "Subcat   : Photos")
}

func TestModelReplyIsParsedAndPersisted(t *testing.T) {
	service, st := newTestPipeline(t, localSettings())

	client := &fakeClient{responses: []fakeResponse{{text: "Documents:Spreadsheets"}}}
	var stop atomic.Bool
	var progress []string

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/docs", "report.xlsx")},
		&stop,
		Callbacks{Progress: func(m string) { progress = append(progress, m) }},
		client.factory())
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "Documents", results[0].Category)
	assert.Equal(t, "Spreadsheets", results[0].Subcategory)
	assert.False(t, results[0].FromCache)
	assert.Equal(t, 1, client.callCount())

	require.Len(t, progress, 1)
	assert.True(t, strings.HasPrefix(progress[0], "[AI] report.xlsx"), progress[0])

	cached, err := st.Get("/docs", "report.xlsx", types.File)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "Documents", cached.Category)
	assert.Equal(t, "Spreadsheets", cached.Subcategory)
}

func TestRateLimitRecoversAfterOneRetry(t *testing.T) {
	service, _ := newTestPipeline(t, localSettings())

	client := &fakeClient{responses: []fakeResponse{
		{err: &llm.RateLimitError{RetryAfter: 2}},
		{text: "Images:Photos"},
	}}
	var stop atomic.Bool
	var progress []string

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{Progress: func(m string) { progress = append(progress, m) }},
		client.factory())
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "Images", results[0].Category)
	assert.Equal(t, "Photos", results[0].Subcategory)
	assert.Equal(t, 2, client.callCount(), "exactly one retry")

	joined := strings.Join(progress, "\n")
	assert.Contains(t, joined, "Rate limit hit. Waiting 2s before retrying a.jpg...")
	assert.Contains(t, joined, "Retrying a.jpg in 2s...")
}

func TestSecondRateLimitPropagates(t *testing.T) {
	service, _ := newTestPipeline(t, localSettings())

	client := &fakeClient{responses: []fakeResponse{
		{err: &llm.RateLimitError{RetryAfter: 1}},
		{err: &llm.RateLimitError{RetryAfter: 1}},
	}}
	var stop atomic.Bool

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{},
		client.factory())

	// The per-entry error is reported and the batch continues.
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 2, client.callCount())
}

func TestValidationRejectionRemovesCacheRowAndFiresHook(t *testing.T) {
	service, st := newTestPipeline(t, localSettings())

	// A stale row for the entry should be gone after the rejection.
	require.NoError(t, st.Upsert("a.jpg", types.File, "/d",
		taxonomy.Resolved{TaxonomyID: 0, Category: "", Subcategory: ""}, false, "stale.jpg", false, false))

	client := &fakeClient{responses: []fakeResponse{{text: "Images:Images"}}}
	var stop atomic.Bool
	var progress []string
	var recategorized []types.CategorizedFile
	var reasons []string

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{
			Progress: func(m string) { progress = append(progress, m) },
			Recategorization: func(entry types.CategorizedFile, reason string) {
				recategorized = append(recategorized, entry)
				reasons = append(reasons, reason)
			},
		},
		client.factory())
	require.NoError(t, err)
	assert.Empty(t, results)

	joined := strings.Join(progress, "\n")
	assert.Contains(t, joined, "[LLM-ERROR] a.jpg")
	assert.Contains(t, joined, "Category and subcategory are identical")

	require.Len(t, recategorized, 1)
	assert.Equal(t, "a.jpg", recategorized[0].FileName)
	assert.Equal(t, int64(-1), recategorized[0].TaxonomyID)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "invalid category/subcategory")

	cached, err := st.Get("/d", "a.jpg", types.File)
	require.NoError(t, err)
	assert.Nil(t, cached, "cache row must be removed on rejection")
}

func TestInvalidCachedRowFallsThroughToModel(t *testing.T) {
	service, st := newTestPipeline(t, localSettings())

	// Equal labels in the cache fail validation and must be treated as a miss.
	require.NoError(t, st.Upsert("a.jpg", types.File, "/d",
		taxonomy.Resolved{TaxonomyID: 0, Category: "Images", Subcategory: "Images"}, false, "", false, false))

	client := &fakeClient{responses: []fakeResponse{{text: "Images : Photos"}}}
	var stop atomic.Bool

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{},
		client.factory())
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "Photos", results[0].Subcategory)
	assert.Equal(t, 1, client.callCount())
}

func TestWhitelistReplacesDisallowedLabels(t *testing.T) {
	settings := localSettings()
	settings.UseWhitelist = true
	settings.AllowedCategories = []string{"Documents", "Archives"}
	service, _ := newTestPipeline(t, settings)

	client := &fakeClient{responses: []fakeResponse{{text: "Images:Photos"}}}
	var stop atomic.Bool

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{},
		client.factory())
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "Documents", results[0].Category, "disallowed category replaced by the first allowed entry")
	assert.Equal(t, "Photos", results[0].Subcategory, "empty subcategory whitelist allows anything")
}

func TestModelTimeoutIsReportedPerEntry(t *testing.T) {
	t.Setenv("AI_FILE_SORTER_LOCAL_LLM_TIMEOUT", "1")
	service, st := newTestPipeline(t, localSettings())

	client := &fakeClient{responses: []fakeResponse{{text: "Images:Photos", delay: 1500 * time.Millisecond}}}
	client.wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.wg.Wait()
	}()

	var stop atomic.Bool
	var progress []string

	wrapped := &waitingClient{inner: client}
	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{Progress: func(m string) { progress = append(progress, m) }},
		func() (llm.Client, error) { return wrapped, nil })
	require.NoError(t, err)
	assert.Empty(t, results)

	joined := strings.Join(progress, "\n")
	assert.Contains(t, joined, "[LLM-ERROR] a.jpg")
	assert.Contains(t, joined, "timed out")

	// No write may land for the timed-out entry.
	cached, err := st.Get("/d", "a.jpg", types.File)
	require.NoError(t, err)
	assert.Nil(t, cached)

	// Wait for the abandoned call before the leak check runs.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned model call did not finish")
	}
}

// waitingClient marks the tracked WaitGroup done when the inner call
// returns, so the test can observe the abandoned goroutine finishing.
type waitingClient struct {
	inner *fakeClient
}

func (w *waitingClient) CategorizeFile(ctx context.Context, fileName, filePath string, fileType types.FileType, hintContext string) (string, error) {
	defer w.inner.wg.Done()
	return w.inner.CategorizeFile(ctx, fileName, filePath, fileType, hintContext)
}

func (w *waitingClient) CompletePrompt(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return w.inner.CompletePrompt(ctx, prompt, maxTokens)
}

func (w *waitingClient) SetPromptLoggingEnabled(enabled bool) {
	w.inner.SetPromptLoggingEnabled(enabled)
}

func TestCancellationReturnsPartialResults(t *testing.T) {
	service, _ := newTestPipeline(t, localSettings())

	client := &fakeClient{responses: []fakeResponse{{text: "Images:Photos"}}}
	var stop atomic.Bool
	stop.Store(true)

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{},
		client.factory())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, client.callCount())
}

func TestMissingCredentialsSkipsEntry(t *testing.T) {
	settings := localSettings()
	settings.LLMChoice = config.ChoiceRemoteOpenAI
	settings.OpenAIAPIKey = ""
	service, _ := newTestPipeline(t, settings)

	client := &fakeClient{responses: []fakeResponse{{text: "Images:Photos"}}}
	var stop atomic.Bool
	var progress []string

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{Progress: func(m string) { progress = append(progress, m) }},
		client.factory())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, client.callCount())

	joined := strings.Join(progress, "\n")
	assert.Contains(t, joined, "[REMOTE] a.jpg (missing OpenAI API key)")
}

func TestNilFactoryIsTerminal(t *testing.T) {
	service, _ := newTestPipeline(t, localSettings())

	var stop atomic.Bool
	_, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{},
		nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create LLM client")
}

func TestConsistencyHintsReachTheModel(t *testing.T) {
	settings := localSettings()
	settings.UseConsistencyHints = true
	service, _ := newTestPipeline(t, settings)

	client := &fakeClient{responses: []fakeResponse{
		{text: "Images:Photos"},
		{text: "Images:Photos"},
	}}
	var stop atomic.Bool

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg"), fileEntry("/d", "b.jpg")},
		&stop,
		Callbacks{},
		client.factory())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].UsedConsistencyHints)

	contexts := client.hintContexts()
	require.Len(t, contexts, 2)
	assert.NotContains(t, contexts[0], "Recent assignments", "no hints for the first entry of a fresh cache")
	assert.Contains(t, contexts[1], "Recent assignments for similar items:")
	assert.Contains(t, contexts[1], "- Images : Photos")
}

func TestQueueCallbackSeesEveryEntry(t *testing.T) {
	service, _ := newTestPipeline(t, localSettings())

	client := &fakeClient{responses: []fakeResponse{{text: "Images:Photos"}}}
	var stop atomic.Bool
	var queued []string

	_, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg"), fileEntry("/d", "b.jpg")},
		&stop,
		Callbacks{Queue: func(entry types.FileEntry) { queued = append(queued, entry.FileName) }},
		client.factory())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, queued)
}

func TestSuggestedNameIsPersisted(t *testing.T) {
	service, st := newTestPipeline(t, localSettings())

	client := &fakeClient{responses: []fakeResponse{{text: "Images:Photos"}}}
	var stop atomic.Bool

	results, err := service.CategorizeEntries(
		[]types.FileEntry{fileEntry("/d", "a.jpg")},
		&stop,
		Callbacks{SuggestedName: func(types.FileEntry) string { return "vacation_01.jpg" }},
		client.factory())
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "vacation_01.jpg", results[0].SuggestedName)

	cached, err := st.Get("/d", "a.jpg", types.File)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "vacation_01.jpg", cached.SuggestedName)
}

func TestMoveObserver(t *testing.T) {
	service, _ := newTestPipeline(t, localSettings())

	var seen []MoveInfo
	service.SetMoveObserver(func(info MoveInfo) { seen = append(seen, info) })
	service.NotifyMove(MoveInfo{Category: "Images", Subcategory: "Photos", FileName: "a.jpg"})

	require.Len(t, seen, 1)
	assert.Equal(t, "Images", seen[0].Category)

	service.SetMoveObserver(nil)
	service.NotifyMove(MoveInfo{FileName: "b.jpg"})
	assert.Len(t, seen, 1)
}
