package categorize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aisort/internal/config"
	"aisort/internal/llm"
	"aisort/internal/store"
	"aisort/internal/taxonomy"
	"aisort/internal/types"
)

// ProgressCallback receives human-readable progress lines.
type ProgressCallback func(message string)

// QueueCallback is invoked when an entry is picked up for processing.
type QueueCallback func(entry types.FileEntry)

// RecategorizationCallback is invoked when an entry needs another pass, with
// the reason it was rejected or came back empty.
type RecategorizationCallback func(entry types.CategorizedFile, reason string)

// PromptOverride substitutes the name and path shown to the model.
type PromptOverride struct {
	Name string
	Path string
}

// PromptOverrideProvider supplies an optional override per entry.
type PromptOverrideProvider func(entry types.FileEntry) *PromptOverride

// SuggestedNameProvider supplies a rename suggestion to persist per entry.
type SuggestedNameProvider func(entry types.FileEntry) string

// MoveInfo describes one categorization-driven file move. The move executor
// reports it through the observer so tests can watch move decisions.
type MoveInfo struct {
	ShowSubcategoryFolders bool
	Category               string
	Subcategory            string
	FileName               string
}

// MoveObserver watches categorization moves.
type MoveObserver func(info MoveInfo)

// Callbacks bundles the optional per-run hooks.
type Callbacks struct {
	Progress         ProgressCallback
	Queue            QueueCallback
	Recategorization RecategorizationCallback
	PromptOverride   PromptOverrideProvider
	SuggestedName    SuggestedNameProvider
}

// Service orchestrates categorization of file entries: cache first, then the
// model, then taxonomy resolution, validation, and persistence. The service
// is single-threaded; each model call runs on a one-shot background
// goroutine only to enforce the wall-clock timeout.
type Service struct {
	settings *config.Settings
	store    *store.Store
	resolver *taxonomy.Resolver
	log      *zap.Logger

	moveObserver MoveObserver
}

// NewService builds a categorization service over the given collaborators.
func NewService(settings *config.Settings, st *store.Store, resolver *taxonomy.Resolver, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{settings: settings, store: st, resolver: resolver, log: log}
}

// SetMoveObserver installs the move observer; nil resets it.
func (s *Service) SetMoveObserver(observer MoveObserver) {
	s.moveObserver = observer
}

// NotifyMove reports a categorization-driven move to the observer.
func (s *Service) NotifyMove(info MoveInfo) {
	if s.moveObserver != nil {
		s.moveObserver(info)
	}
}

// PruneEmptyCachedEntries removes rows in directoryPath that carry no
// decision, returning them for requeueing.
func (s *Service) PruneEmptyCachedEntries(directoryPath string) ([]types.CategorizedFile, error) {
	return s.store.PruneEmpty(directoryPath)
}

// LoadCachedEntries returns the cached rows for directoryPath, recursing
// when the settings include subdirectories.
func (s *Service) LoadCachedEntries(directoryPath string) ([]types.CategorizedFile, error) {
	if s.settings.IncludeSubdirectories {
		return s.store.ListRecursive(directoryPath)
	}
	return s.store.List(directoryPath)
}

// EnsureRemoteCredentials verifies that the selected remote provider has
// usable credentials before a run starts. Local choices always pass.
func (s *Service) EnsureRemoteCredentials() error {
	choice := s.settings.LLMChoice
	if !choice.IsRemote() {
		return nil
	}

	if choice == config.ChoiceRemoteCustom {
		endpoint, ok := s.settings.ActiveCustomEndpoint()
		if ok && endpoint.IsValid() {
			return nil
		}
		s.log.Error("Custom API endpoint selected but is missing required settings")
		return fmt.Errorf("custom API endpoint is missing required settings")
	}

	hasKey := s.settings.GeminiAPIKey != ""
	provider := "Gemini"
	if choice == config.ChoiceRemoteOpenAI {
		hasKey = s.settings.OpenAIAPIKey != ""
		provider = "OpenAI"
	}
	if hasKey {
		return nil
	}
	s.log.Error("Remote LLM selected but API key is not configured", zap.String("provider", provider))
	return fmt.Errorf("remote model credentials are missing: enter your %s API key", provider)
}

// CategorizeEntries processes files in input order under the shared stop
// flag. Per-entry failures are reported and skipped; only a failing client
// factory aborts the run.
func (s *Service) CategorizeEntries(files []types.FileEntry, stop *atomic.Bool, cb Callbacks, factory llm.Factory) ([]types.CategorizedFile, error) {
	if len(files) == 0 || stop.Load() {
		return nil, nil
	}

	if factory == nil {
		return nil, fmt.Errorf("failed to create LLM client: no factory provided")
	}
	client, err := factory()
	if err != nil || client == nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	runID := uuid.NewString()
	s.log.Info("Starting categorization run",
		zap.String("run_id", runID),
		zap.Int("entries", len(files)))

	categorized := make([]types.CategorizedFile, 0, len(files))
	history := make(sessionHistory)

	for _, entry := range files {
		if stop.Load() {
			break
		}

		if cb.Queue != nil {
			cb.Queue(entry)
		}

		suggestedName := ""
		if cb.SuggestedName != nil {
			suggestedName = cb.SuggestedName(entry)
		}
		var override *PromptOverride
		if cb.PromptOverride != nil {
			override = cb.PromptOverride(entry)
		}

		result, err := s.categorizeSingleEntry(client, entry, override, suggestedName, stop, cb, history)
		if err != nil {
			s.log.Error("Categorization failed for entry",
				zap.String("run_id", runID),
				zap.String("name", entry.FileName),
				zap.Error(err))
			continue
		}
		if result != nil {
			categorized = append(categorized, *result)
		}
	}

	return categorized, nil
}

// categorizeSingleEntry runs the per-entry state machine. A nil result with
// a nil error means the entry was skipped (cancelled, missing credentials,
// or rejected).
func (s *Service) categorizeSingleEntry(client llm.Client, entry types.FileEntry,
	override *PromptOverride, suggestedName string, stop *atomic.Bool,
	cb Callbacks, history sessionHistory) (*types.CategorizedFile, error) {

	dirPath := filepath.Dir(entry.FullPath)
	displayPath := abbreviateUserPath(entry.FullPath)
	promptName := entry.FileName
	promptPath := entry.FullPath
	if override != nil {
		promptName = override.Name
		promptPath = override.Path
	}
	promptPathDisplay := abbreviateUserPath(promptPath)

	useConsistencyHints := s.settings.UseConsistencyHints
	extension := extractExtension(entry.FileName)
	signature := makeFileSignature(entry.Type, extension)

	var hintBlock string
	if useConsistencyHints {
		hints := s.collectConsistencyHints(signature, history, extension, entry.Type)
		hintBlock = formatHintBlock(hints)
	}
	combinedContext := s.buildCombinedContext(hintBlock)

	var resolved taxonomy.Resolved
	fromCache := false
	retriedAfterBackoff := false
	for {
		var err error
		resolved, fromCache, err = s.categorizeWithCache(client, entry, displayPath, dirPath,
			promptName, promptPathDisplay, cb, combinedContext)
		if err == nil {
			break
		}

		rateLimit, ok := llm.AsRateLimit(err)
		if !ok {
			return nil, err
		}

		waitSeconds := 60
		if rateLimit.RetryAfter > 0 {
			waitSeconds = rateLimit.RetryAfter
		}
		emitProgress(cb.Progress, fmt.Sprintf(
			"[REMOTE] Rate limit hit. Waiting %ds before retrying %s...",
			waitSeconds, entry.FileName))
		s.log.Warn("Rate limit hit; retrying",
			zap.String("name", entry.FileName),
			zap.Int("wait_seconds", waitSeconds))

		for remaining := waitSeconds; remaining > 0; remaining-- {
			if stop.Load() {
				return nil, nil
			}
			if remaining%10 == 0 || remaining <= 3 {
				emitProgress(cb.Progress, fmt.Sprintf("[REMOTE] Retrying %s in %ds...", entry.FileName, remaining))
			}
			time.Sleep(time.Second)
		}
		if retriedAfterBackoff {
			return nil, err
		}
		retriedAfterBackoff = true
	}

	if skipped := s.handleEmptyResult(entry, dirPath, resolved, useConsistencyHints, cb.Recategorization); skipped {
		return nil, nil
	}

	s.updateStorageWithResult(entry, dirPath, resolved, useConsistencyHints, suggestedName)

	if stop.Load() {
		return nil, nil
	}
	if signature != "" {
		history.recordSessionAssignment(signature, types.CategoryPair{
			Category:    resolved.Category,
			Subcategory: resolved.Subcategory,
		})
	}

	result := types.CategorizedFile{
		DirPath:              dirPath,
		FileName:             entry.FileName,
		Type:                 entry.Type,
		Category:             resolved.Category,
		Subcategory:          resolved.Subcategory,
		TaxonomyID:           resolved.TaxonomyID,
		FromCache:            fromCache,
		UsedConsistencyHints: useConsistencyHints,
		SuggestedName:        suggestedName,
	}
	return &result, nil
}

// categorizeWithCache serves the entry from the cache when the stored labels
// are valid, otherwise checks credentials and asks the model.
func (s *Service) categorizeWithCache(client llm.Client, entry types.FileEntry,
	displayPath, dirPath, promptName, promptPath string,
	cb Callbacks, combinedContext string) (taxonomy.Resolved, bool, error) {

	if cached, ok := s.tryCachedCategorization(entry.FileName, displayPath, dirPath, entry.Type, cb.Progress); ok {
		return cached, true, nil
	}

	if s.settings.LLMChoice.IsRemote() {
		if !s.ensureRemoteCredentialsForRequest(entry.FileName, cb.Progress) {
			return taxonomy.Resolved{TaxonomyID: -1}, false, nil
		}
	}

	resolved, err := s.categorizeViaLLM(client, entry.FileName, displayPath, promptName, promptPath,
		entry.Type, cb.Progress, combinedContext)
	return resolved, false, err
}

// tryCachedCategorization accepts a cache hit only when both stored labels
// sanitize non-empty and pass validation.
func (s *Service) tryCachedCategorization(itemName, itemPath, dirPath string,
	fileType types.FileType, progress ProgressCallback) (taxonomy.Resolved, bool) {

	category, subcategory, ok, err := s.store.CachedLabels(dirPath, itemName, fileType)
	if err != nil {
		s.log.Warn("Cache lookup failed", zap.String("name", itemName), zap.Error(err))
		return taxonomy.Resolved{}, false
	}
	if !ok {
		return taxonomy.Resolved{}, false
	}

	sanitizedCategory := sanitizePathLabel(category)
	sanitizedSubcategory := sanitizePathLabel(subcategory)
	if sanitizedCategory == "" || sanitizedSubcategory == "" {
		s.log.Warn("Ignoring cached categorization with empty values", zap.String("name", itemName))
		return taxonomy.Resolved{}, false
	}
	if valid, reason := validateLabels(sanitizedCategory, sanitizedSubcategory); !valid {
		s.log.Warn("Ignoring cached categorization due to validation error",
			zap.String("name", itemName),
			zap.String("reason", reason),
			zap.String("category", sanitizedCategory),
			zap.String("subcategory", sanitizedSubcategory))
		return taxonomy.Resolved{}, false
	}

	resolved := s.resolver.Resolve(sanitizedCategory, sanitizedSubcategory)
	s.emitProgressMessage(progress, "CACHE", itemName, resolved, itemPath)
	return resolved, true
}

// ensureRemoteCredentialsForRequest emits a [REMOTE] progress line when the
// selected provider has no usable credentials.
func (s *Service) ensureRemoteCredentialsForRequest(itemName string, progress ProgressCallback) bool {
	choice := s.settings.LLMChoice

	if choice == config.ChoiceRemoteCustom {
		endpoint, ok := s.settings.ActiveCustomEndpoint()
		if ok && endpoint.IsValid() {
			return true
		}
		message := fmt.Sprintf("[REMOTE] %s (missing custom API settings)", itemName)
		emitProgress(progress, message)
		s.log.Error(message)
		return false
	}

	hasKey := s.settings.GeminiAPIKey != ""
	provider := "Gemini"
	if choice == config.ChoiceRemoteOpenAI {
		hasKey = s.settings.OpenAIAPIKey != ""
		provider = "OpenAI"
	}
	if hasKey {
		return true
	}

	message := fmt.Sprintf("[REMOTE] %s (missing %s API key)", itemName, provider)
	emitProgress(progress, message)
	s.log.Error(message)
	return false
}

// categorizeViaLLM runs the model with a timeout, parses and resolves the
// reply, enforces the whitelist, and validates the result. Invalid output
// yields taxonomy id -1 with empty labels.
func (s *Service) categorizeViaLLM(client llm.Client, displayName, displayPath,
	promptName, promptPath string, fileType types.FileType,
	progress ProgressCallback, combinedContext string) (taxonomy.Resolved, error) {

	reply, err := s.runLLMWithTimeout(client, promptName, promptPath, fileType, combinedContext)
	if err != nil {
		message := fmt.Sprintf("[LLM-ERROR] %s (%v)", displayName, err)
		emitProgress(progress, message)
		s.log.Error("LLM error while categorizing",
			zap.String("name", displayName), zap.Error(err))
		return taxonomy.Resolved{}, err
	}

	category, subcategory := splitCategorySubcategory(reply)
	resolved := s.resolver.Resolve(category, subcategory)

	if s.settings.UseWhitelist {
		allowedCategories := s.settings.AllowedCategories
		allowedSubcategories := s.settings.AllowedSubcategories
		if !isAllowed(resolved.Category, allowedCategories) {
			resolved.Category = firstAllowedOrBlank(allowedCategories)
		}
		if !isAllowed(resolved.Subcategory, allowedSubcategories) {
			resolved.Subcategory = firstAllowedOrBlank(allowedSubcategories)
		}
	}

	if valid, reason := validateLabels(resolved.Category, resolved.Subcategory); !valid {
		emitProgress(progress, fmt.Sprintf("[LLM-ERROR] %s (invalid category/subcategory: %s)", displayName, reason))
		s.log.Warn("Invalid LLM output",
			zap.String("name", displayName),
			zap.String("reason", reason),
			zap.String("category", resolved.Category),
			zap.String("subcategory", resolved.Subcategory))
		return taxonomy.Resolved{TaxonomyID: -1}, nil
	}

	if resolved.Category == "" {
		resolved.Category = "Uncategorized"
	}
	s.emitProgressMessage(progress, "AI", displayName, resolved, displayPath)
	return resolved, nil
}

// runLLMWithTimeout starts the model call on a one-shot goroutine and waits
// up to the configured timeout. A timed-out call is abandoned; its eventual
// completion lands in the buffered channel and is discarded.
func (s *Service) runLLMWithTimeout(client llm.Client, itemName, itemPath string,
	fileType types.FileType, combinedContext string) (string, error) {

	timeout := s.settings.Timeouts.ForChoice(s.settings.LLMChoice, s.log)

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := client.CategorizeFile(context.Background(), itemName, itemPath, fileType, combinedContext)
		done <- outcome{text: text, err: err}
	}()

	select {
	case out := <-done:
		return out.text, out.err
	case <-time.After(timeout):
		return "", llm.ErrTimeout
	}
}

// handleEmptyResult removes the cache row and fires the recategorization
// callback when the resolution was rejected or came back empty. Returns true
// when the entry should be skipped.
func (s *Service) handleEmptyResult(entry types.FileEntry, dirPath string,
	resolved taxonomy.Resolved, usedConsistencyHints bool,
	recategorization RecategorizationCallback) bool {

	invalid := resolved.TaxonomyID == -1
	if resolved.Category != "" && resolved.Subcategory != "" && !invalid {
		return false
	}

	reason := "Categorization returned no result."
	if invalid {
		reason = "Categorization returned invalid category/subcategory and was skipped."
	}
	s.log.Warn(reason, zap.String("name", entry.FileName))

	if err := s.store.Remove(dirPath, entry.FileName, entry.Type); err != nil {
		s.log.Warn("Failed to remove cache row", zap.String("name", entry.FileName), zap.Error(err))
	}

	if recategorization != nil {
		recategorization(types.CategorizedFile{
			DirPath:              dirPath,
			FileName:             entry.FileName,
			Type:                 entry.Type,
			Category:             resolved.Category,
			Subcategory:          resolved.Subcategory,
			TaxonomyID:           resolved.TaxonomyID,
			UsedConsistencyHints: usedConsistencyHints,
		}, reason)
	}
	return true
}

// updateStorageWithResult persists the decision. Persistence failures are
// logged; the entry remains best-effort.
func (s *Service) updateStorageWithResult(entry types.FileEntry, dirPath string,
	resolved taxonomy.Resolved, usedConsistencyHints bool, suggestedName string) {

	subDisplay := resolved.Subcategory
	if subDisplay == "" {
		subDisplay = "<none>"
	}
	s.log.Info("Categorized entry",
		zap.String("name", entry.FileName),
		zap.String("category", resolved.Category),
		zap.String("subcategory", subDisplay))

	if err := s.store.Upsert(entry.FileName, entry.Type, dirPath, resolved,
		usedConsistencyHints, suggestedName, false, false); err != nil {
		s.log.Warn("Failed to persist categorization",
			zap.String("name", entry.FileName), zap.Error(err))
	}
}

// emitProgressMessage renders the standard multi-line progress block.
func (s *Service) emitProgressMessage(progress ProgressCallback, source, itemName string,
	resolved taxonomy.Resolved, itemPath string) {

	if progress == nil {
		return
	}
	sub := resolved.Subcategory
	if sub == "" {
		sub = "-"
	}
	pathDisplay := itemPath
	if pathDisplay == "" {
		pathDisplay = "-"
	}
	progress(fmt.Sprintf("[%s] %s\n    Category : %s\n    Subcat   : %s\n    Path     : %s",
		source, itemName, resolved.Category, sub, pathDisplay))
}

func emitProgress(progress ProgressCallback, message string) {
	if progress != nil {
		progress(message)
	}
}

func isAllowed(value string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, item := range allowed {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

func firstAllowedOrBlank(allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}
	return allowed[0]
}

// abbreviateUserPath shortens paths under the user's home directory to the
// "~" form for display.
func abbreviateUserPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+string(filepath.Separator)) {
		return "~" + path[len(home):]
	}
	return path
}
