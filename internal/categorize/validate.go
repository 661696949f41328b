package categorize

import (
	"strings"
	"unicode"
)

const maxLabelLength = 80

var reservedWindowsNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// containsOnlyAllowedChars rejects control characters and the filesystem
// specials; everything else (including non-ASCII letters) is allowed.
func containsOnlyAllowedChars(value string) bool {
	for _, r := range value {
		if unicode.IsControl(r) {
			return false
		}
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			return false
		}
	}
	return true
}

// hasLeadingOrTrailingSpace guards only whitespace at the ends; dots are
// allowed.
func hasLeadingOrTrailingSpace(value string) bool {
	if value == "" {
		return false
	}
	return unicode.IsSpace(rune(value[0])) || unicode.IsSpace(rune(value[len(value)-1]))
}

func isReservedWindowsName(value string) bool {
	return reservedWindowsNames[strings.ToLower(value)]
}

// looksLikeExtensionLabel matches labels ending in a 1-5 letter ".xyz" tail.
func looksLikeExtensionLabel(value string) bool {
	dot := strings.LastIndexByte(value, '.')
	if dot < 0 || dot == len(value)-1 {
		return false
	}
	ext := value[dot+1:]
	if ext == "" || len(ext) > 5 {
		return false
	}
	for _, r := range ext {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// validateLabels checks a category/subcategory pair for length, content,
// reserved names, extension-like tails, edge whitespace, and identity.
func validateLabels(category, subcategory string) (bool, string) {
	if category == "" || subcategory == "" {
		return false, "Category or subcategory is empty"
	}
	if len(category) > maxLabelLength || len(subcategory) > maxLabelLength {
		return false, "Category or subcategory exceeds max length"
	}
	if !containsOnlyAllowedChars(category) || !containsOnlyAllowedChars(subcategory) {
		return false, "Category or subcategory contains disallowed characters"
	}
	if looksLikeExtensionLabel(category) || looksLikeExtensionLabel(subcategory) {
		return false, "Category or subcategory looks like a file extension"
	}
	if isReservedWindowsName(category) || isReservedWindowsName(subcategory) {
		return false, "Category or subcategory is a reserved name"
	}
	if hasLeadingOrTrailingSpace(category) || hasLeadingOrTrailingSpace(subcategory) {
		return false, "Category or subcategory has leading/trailing space"
	}
	if strings.EqualFold(category, subcategory) {
		return false, "Category and subcategory are identical"
	}
	return true, ""
}
