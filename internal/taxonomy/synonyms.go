package taxonomy

// canonicalLabel pairs the normalized form of a synonym target with the
// display string to surface for it.
type canonicalLabel struct {
	normalized string
	display    string
}

var categorySynonyms = map[string]canonicalLabel{
	"archive":      {"archives", "Archives"},
	"archives":     {"archives", "Archives"},
	"backup":       {"archives", "Archives"},
	"backups":      {"archives", "Archives"},
	"backup file":  {"archives", "Archives"},
	"backup files": {"archives", "Archives"},

	"document":     {"documents", "Documents"},
	"documents":    {"documents", "Documents"},
	"doc":          {"documents", "Documents"},
	"docs":         {"documents", "Documents"},
	"text":         {"documents", "Documents"},
	"texts":        {"documents", "Documents"},
	"paper":        {"documents", "Documents"},
	"papers":       {"documents", "Documents"},
	"report":       {"documents", "Documents"},
	"reports":      {"documents", "Documents"},
	"spreadsheet":  {"documents", "Documents"},
	"spreadsheets": {"documents", "Documents"},
	"table":        {"documents", "Documents"},
	"tables":       {"documents", "Documents"},
	"office file":  {"documents", "Documents"},
	"office files": {"documents", "Documents"},

	"software":                    {"software", "Software"},
	"application":                 {"software", "Software"},
	"applications":                {"software", "Software"},
	"app":                         {"software", "Software"},
	"apps":                        {"software", "Software"},
	"program":                     {"software", "Software"},
	"programs":                    {"software", "Software"},
	"installer":                   {"software", "Software"},
	"installers":                  {"software", "Software"},
	"installation":                {"software", "Software"},
	"installations":               {"software", "Software"},
	"installation file":           {"software", "Software"},
	"installation files":          {"software", "Software"},
	"software installation":       {"software", "Software"},
	"software installations":      {"software", "Software"},
	"software installation file":  {"software", "Software"},
	"software installation files": {"software", "Software"},
	"setup":                       {"software", "Software"},
	"setups":                      {"software", "Software"},
	"setup file":                  {"software", "Software"},
	"setup files":                 {"software", "Software"},
	"update":                      {"software", "Software"},
	"updates":                     {"software", "Software"},
	"software update":             {"software", "Software"},
	"software updates":            {"software", "Software"},
	"patch":                       {"software", "Software"},
	"patches":                     {"software", "Software"},
	"upgrade":                     {"software", "Software"},
	"upgrades":                    {"software", "Software"},
	"updater":                     {"software", "Software"},
	"updaters":                    {"software", "Software"},

	"image":       {"images", "Images"},
	"images":      {"images", "Images"},
	"image file":  {"images", "Images"},
	"image files": {"images", "Images"},
	"photo":       {"images", "Images"},
	"photos":      {"images", "Images"},
	"graphic":     {"images", "Images"},
	"graphics":    {"images", "Images"},
	"picture":     {"images", "Images"},
	"pictures":    {"images", "Images"},
	"pic":         {"images", "Images"},
	"pics":        {"images", "Images"},
	"screenshot":  {"images", "Images"},
	"screenshots": {"images", "Images"},
	"wallpaper":   {"images", "Images"},
	"wallpapers":  {"images", "Images"},
}

var imageLikeLabels = map[string]bool{
	"image": true, "images": true,
	"image file": true, "image files": true,
	"photo": true, "photos": true,
	"graphic": true, "graphics": true,
	"picture": true, "pictures": true,
	"pic": true, "pics": true,
	"screenshot": true, "screenshots": true,
	"wallpaper": true, "wallpapers": true,
}

func isImageLikeLabel(normalized string) bool {
	if normalized == "" {
		return false
	}
	if imageLikeLabels[normalized] {
		return true
	}
	return imageLikeLabels[StripTrailingStopwords(normalized)]
}

// canonicalizeCategoryLabel rewrites a normalized category through the
// synonym table, first verbatim and then with trailing stopwords removed.
// "Media" is broader than images, so it only collapses to Images when the
// paired subcategory is itself image-like.
func canonicalizeCategoryLabel(normalizedCategory, normalizedSubcategory string) canonicalLabel {
	if target, ok := categorySynonyms[normalizedCategory]; ok {
		return target
	}

	stripped := StripTrailingStopwords(normalizedCategory)
	if target, ok := categorySynonyms[stripped]; ok {
		return target
	}

	if (normalizedCategory == "media" || stripped == "media") &&
		isImageLikeLabel(normalizedSubcategory) {
		return canonicalLabel{"images", "Images"}
	}

	return canonicalLabel{normalizedCategory, ""}
}
