package categorize

import (
	"fmt"
	"strings"

	"aisort/internal/types"
)

// maxConsistencyHints bounds both the session history per file signature and
// the hint block shown to the model.
const maxConsistencyHints = 5

// sessionHistory maps file signatures to their recent assignments, most
// recent first. It lives for one categorization run.
type sessionHistory map[string][]types.CategoryPair

// extractExtension returns the lowercased extension including the dot, or
// "" when the name has none.
func extractExtension(fileName string) string {
	idx := strings.LastIndexByte(fileName, '.')
	if idx < 0 || idx+1 >= len(fileName) {
		return ""
	}
	return strings.ToLower(fileName[idx:])
}

// makeFileSignature buckets entries for consistency hints: "FILE:.ext" for
// files, "DIR:<none>" for directories.
func makeFileSignature(fileType types.FileType, extension string) string {
	typeTag := "FILE"
	if fileType == types.Directory {
		typeTag = "DIR"
	}
	if extension == "" {
		extension = "<none>"
	}
	return typeTag + ":" + extension
}

// normalizeHint sanitizes a hint pair; an empty category invalidates it and
// an empty subcategory mirrors the category.
func normalizeHint(candidate types.CategoryPair) (types.CategoryPair, bool) {
	normalized := types.CategoryPair{
		Category:    sanitizePathLabel(candidate.Category),
		Subcategory: sanitizePathLabel(candidate.Subcategory),
	}
	if normalized.Category == "" {
		return types.CategoryPair{}, false
	}
	if normalized.Subcategory == "" {
		normalized.Subcategory = normalized.Category
	}
	return normalized, true
}

// appendUniqueHint adds a sanitized candidate unless it is invalid or
// already present.
func appendUniqueHint(target []types.CategoryPair, candidate types.CategoryPair) ([]types.CategoryPair, bool) {
	normalized, ok := normalizeHint(candidate)
	if !ok {
		return target, false
	}
	for _, existing := range target {
		if existing == normalized {
			return target, false
		}
	}
	return append(target, normalized), true
}

// recordSessionAssignment pushes an assignment to the front of the
// signature's history, dropping duplicates and keeping at most
// maxConsistencyHints entries.
func (h sessionHistory) recordSessionAssignment(signature string, assignment types.CategoryPair) {
	normalized, ok := normalizeHint(assignment)
	if !ok {
		return
	}

	history := h[signature]
	filtered := history[:0]
	for _, existing := range history {
		if existing != normalized {
			filtered = append(filtered, existing)
		}
	}
	history = append([]types.CategoryPair{normalized}, filtered...)
	if len(history) > maxConsistencyHints {
		history = history[:maxConsistencyHints]
	}
	h[signature] = history
}

// collectConsistencyHints gathers up to maxConsistencyHints unique pairs for
// the signature: session history first (insertion order), then the cache's
// recent categories for the extension.
func (s *Service) collectConsistencyHints(signature string, history sessionHistory, extension string, fileType types.FileType) []types.CategoryPair {
	var hints []types.CategoryPair
	if signature == "" {
		return hints
	}

	for _, entry := range history[signature] {
		var added bool
		hints, added = appendUniqueHint(hints, entry)
		if added && len(hints) == maxConsistencyHints {
			return hints
		}
	}

	if len(hints) < maxConsistencyHints {
		remaining := maxConsistencyHints - len(hints)
		dbHints, err := s.store.RecentCategoriesForExtension(extension, fileType, remaining)
		if err != nil {
			s.log.Warn("Failed to load recent categories for hints")
			return hints
		}
		for _, entry := range dbHints {
			var added bool
			hints, added = appendUniqueHint(hints, entry)
			if added && len(hints) == maxConsistencyHints {
				break
			}
		}
	}

	return hints
}

// formatHintBlock renders the consistency hints for the prompt.
func formatHintBlock(hints []types.CategoryPair) string {
	if len(hints) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Recent assignments for similar items:\n")
	for _, hint := range hints {
		sub := hint.Subcategory
		if sub == "" {
			sub = hint.Category
		}
		fmt.Fprintf(&b, "- %s : %s\n", hint.Category, sub)
	}
	b.WriteString("Prefer one of the above when it fits; otherwise, choose the closest consistent alternative.")
	return b.String()
}

// buildWhitelistContext renders the numbered allow-lists for the prompt.
func (s *Service) buildWhitelistContext() string {
	var b strings.Builder
	cats := s.settings.AllowedCategories
	subs := s.settings.AllowedSubcategories

	if len(cats) > 0 {
		b.WriteString("Allowed main categories (pick exactly one label from the numbered list):\n")
		for i, cat := range cats {
			fmt.Fprintf(&b, "%d) %s\n", i+1, cat)
		}
	}
	if len(subs) > 0 {
		b.WriteString("Allowed subcategories (pick exactly one label from the numbered list):\n")
		for i, sub := range subs {
			fmt.Fprintf(&b, "%d) %s\n", i+1, sub)
		}
	} else {
		b.WriteString("Allowed subcategories: any (pick a specific, relevant subcategory; do not repeat the main category).")
	}
	return b.String()
}

// buildCategoryLanguageContext renders the language directive when the
// configured category language is not English.
func (s *Service) buildCategoryLanguageContext() string {
	lang := s.settings.CategoryLanguage
	if lang == "" || strings.EqualFold(lang, "English") {
		return ""
	}
	return fmt.Sprintf("Use %s for both the main category and subcategory names. Respond in %s.", lang, lang)
}

// buildCombinedContext joins the language directive, whitelist block, and
// hint block with blank lines, omitting absent parts.
func (s *Service) buildCombinedContext(hintBlock string) string {
	var parts []string

	if languageBlock := s.buildCategoryLanguageContext(); languageBlock != "" {
		parts = append(parts, languageBlock)
	}
	if s.settings.UseWhitelist {
		if whitelistBlock := s.buildWhitelistContext(); whitelistBlock != "" {
			s.log.Debug("Applying category whitelist")
			parts = append(parts, whitelistBlock)
		}
	}
	if hintBlock != "" {
		parts = append(parts, hintBlock)
	}

	return strings.Join(parts, "\n\n")
}
