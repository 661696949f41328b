// Package categorize drives the per-entry categorization pipeline: cache
// lookup, prompt assembly, model invocation with timeout, retry on rate
// limit, parsing, validation, taxonomy resolution, and persistence.
package categorize

import (
	"strings"
	"unicode"
)

// sanitizePathLabel strips characters that cannot appear in folder names
// (control characters and <>:"/\|?*) and trims surrounding whitespace.
func sanitizePathLabel(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// stripListPrefix removes leading "- ", "* ", "1. ", "1) " markers.
func stripListPrefix(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return line
	}

	if (line[0] == '-' || line[0] == '*') && len(line) > 1 && isSpaceByte(line[1]) {
		return strings.TrimSpace(line[1:])
	}

	idx := 0
	for idx < len(line) && line[idx] >= '0' && line[idx] <= '9' {
		idx++
	}
	if idx > 0 && idx+1 < len(line) &&
		(line[idx] == '.' || line[idx] == ')') && isSpaceByte(line[idx+1]) {
		return strings.TrimSpace(line[idx+1:])
	}

	return line
}

func isSpaceByte(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func hasAlpha(value string) bool {
	for _, r := range value {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// splitInlinePair splits "left : right" or "left:right" where both sides
// carry at least one letter and the left side has at least two characters.
func splitInlinePair(line string) (category, subcategory string, ok bool) {
	for _, delimiter := range []string{" : ", ":"} {
		pos := strings.Index(line, delimiter)
		if pos < 0 {
			continue
		}
		left := strings.TrimSpace(line[:pos])
		right := strings.TrimSpace(line[pos+len(delimiter):])
		if len(left) < 2 || right == "" {
			continue
		}
		if !hasAlpha(left) || !hasAlpha(right) {
			continue
		}
		return left, right, true
	}
	return "", "", false
}

// splitCategorySubcategory parses a free-form model reply into a
// (category, subcategory) pair. Labeled "key: value" lines win, then the
// first inline pair, then the first non-empty line as category alone. Both
// labels are path-sanitized.
func splitCategorySubcategory(input string) (string, string) {
	var lines []string
	for _, raw := range strings.Split(input, "\n") {
		cleaned := stripListPrefix(raw)
		if cleaned != "" {
			lines = append(lines, cleaned)
		}
	}

	if len(lines) == 0 {
		return sanitizePathLabel(strings.TrimSpace(input)), ""
	}

	var category, subcategory string

	for _, entry := range lines {
		colon := strings.IndexByte(entry, ':')
		if colon < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(entry[:colon]))
		value := strings.TrimSpace(entry[colon+1:])
		if value == "" {
			continue
		}
		switch key {
		case "category", "main category":
			category = value
		case "subcategory", "sub category":
			subcategory = value
		}
	}

	if category == "" || subcategory == "" {
		for _, entry := range lines {
			parsedCategory, parsedSubcategory, ok := splitInlinePair(entry)
			if !ok {
				continue
			}
			if category == "" {
				category = parsedCategory
			}
			if subcategory == "" {
				subcategory = parsedSubcategory
			}
			if category != "" && subcategory != "" {
				break
			}
		}
	}

	if category == "" {
		category = lines[0]
	}

	return sanitizePathLabel(category), sanitizePathLabel(subcategory)
}
