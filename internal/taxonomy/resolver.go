package taxonomy

import (
	"strings"

	"go.uber.org/zap"

	"aisort/internal/types"
)

// similarityThreshold is the minimum averaged category/subcategory score for
// a fuzzy match to claim an existing taxonomy entry.
const similarityThreshold = 0.85

// Entry is one canonical row of the taxonomy catalogue.
type Entry struct {
	ID                    int64
	Category              string
	Subcategory           string
	NormalizedCategory    string
	NormalizedSubcategory string
}

// Alias maps a normalized (category, subcategory) pair onto an existing
// taxonomy entry different from its own canonical form.
type Alias struct {
	CategoryNorm    string
	SubcategoryNorm string
	TaxonomyID      int64
}

// Resolved is the outcome of resolving a raw pair. TaxonomyID > 0 references
// a catalogue entry; 0 means no id was assigned; -1 means the pair was
// rejected.
type Resolved struct {
	TaxonomyID  int64
	Category    string
	Subcategory string
}

// Storage is the narrow persistence surface the resolver needs. The
// categorization store owns the database connection and implements it.
type Storage interface {
	LoadTaxonomy() ([]Entry, error)
	LoadAliases() ([]Alias, error)
	// InsertTaxonomyEntry persists a new catalogue row. When the normalized
	// pair already exists it returns the existing id with inserted=false.
	InsertTaxonomyEntry(e Entry) (id int64, inserted bool, err error)
	InsertAlias(categoryNorm, subcategoryNorm string, taxonomyID int64) error
}

// Resolver canonicalizes raw (category, subcategory) pairs. It keeps the
// taxonomy and alias tables mirrored in memory; the mirrors are only updated
// after the corresponding row has been persisted, so a failed insert leaves
// the caches consistent with the database and retries stay safe.
type Resolver struct {
	storage Storage
	log     *zap.Logger

	entries   []Entry
	index     map[int64]int
	canonical map[string]int64
	aliases   map[string]int64
}

// NewResolver loads the taxonomy and alias tables into memory.
func NewResolver(storage Storage, log *zap.Logger) (*Resolver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Resolver{
		storage:   storage,
		log:       log,
		index:     make(map[int64]int),
		canonical: make(map[string]int64),
		aliases:   make(map[string]int64),
	}

	entries, err := storage.LoadTaxonomy()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		r.index[entry.ID] = len(r.entries)
		r.entries = append(r.entries, entry)
		r.canonical[makeKey(entry.NormalizedCategory, entry.NormalizedSubcategory)] = entry.ID
	}

	aliases, err := storage.LoadAliases()
	if err != nil {
		return nil, err
	}
	for _, alias := range aliases {
		r.aliases[makeKey(alias.CategoryNorm, alias.SubcategoryNorm)] = alias.TaxonomyID
	}

	return r, nil
}

func makeKey(normCategory, normSubcategory string) string {
	return normCategory + "::" + normSubcategory
}

// Resolve maps a raw pair onto the catalogue, creating a new entry when
// nothing matches. Resolving the same raw pair twice returns the same id and
// the same canonical strings.
func (r *Resolver) Resolve(category, subcategory string) Resolved {
	trimmedCategory := strings.TrimSpace(category)
	trimmedSubcategory := strings.TrimSpace(subcategory)

	if trimmedCategory == "" {
		trimmedCategory = "Uncategorized"
	}
	if trimmedSubcategory == "" {
		trimmedSubcategory = "General"
	}

	normCategory := Normalize(trimmedCategory)
	normSubcategory := Normalize(trimmedSubcategory)

	canonical := canonicalizeCategoryLabel(normCategory, normSubcategory)
	normCategory = canonical.normalized
	if canonical.display != "" {
		trimmedCategory = canonical.display
	}

	matchSubcategory := StripTrailingStopwords(normSubcategory)
	key := makeKey(normCategory, matchSubcategory)

	taxonomyID := r.resolveExisting(key, normCategory, matchSubcategory)
	if taxonomyID <= 0 && matchSubcategory != normSubcategory {
		rawKey := makeKey(normCategory, normSubcategory)
		taxonomyID = r.resolveExisting(rawKey, normCategory, normSubcategory)
	}

	return r.buildResolved(taxonomyID, trimmedCategory, trimmedSubcategory, normCategory, matchSubcategory)
}

// resolveExisting checks the alias table, then the canonical table, then
// falls back to a fuzzy scan. Returns 0 when nothing matches.
func (r *Resolver) resolveExisting(key, normCategory, normSubcategory string) int64 {
	if id, ok := r.aliases[key]; ok {
		return id
	}
	if id, ok := r.canonical[key]; ok {
		return id
	}
	id, _ := r.findFuzzyMatch(normCategory, normSubcategory)
	return id
}

// findFuzzyMatch scans the catalogue in insertion order and keeps the first
// entry with the strictly highest averaged score. Returns 0 when the best
// score falls below the threshold.
func (r *Resolver) findFuzzyMatch(normCategory, normSubcategory string) (int64, float64) {
	if len(r.entries) == 0 {
		return 0, 0.0
	}

	bestScore := 0.0
	var bestID int64
	for _, entry := range r.entries {
		categoryScore := Similarity(normCategory, entry.NormalizedCategory)
		subcategoryScore := Similarity(normSubcategory, entry.NormalizedSubcategory)
		combined := (categoryScore + subcategoryScore) / 2.0
		if combined > bestScore {
			bestScore = combined
			bestID = entry.ID
		}
	}

	if bestID > 0 && bestScore >= similarityThreshold {
		return bestID, bestScore
	}
	return 0, bestScore
}

// buildResolved finalizes the outcome: creates a catalogue entry when no id
// was found, records an alias for non-canonical forms, and surfaces the
// canonical display strings when the entry is cached in memory.
func (r *Resolver) buildResolved(taxonomyID int64, fallbackCategory, fallbackSubcategory, normCategory, normSubcategory string) Resolved {
	result := Resolved{TaxonomyID: -1, Category: fallbackCategory, Subcategory: fallbackSubcategory}

	if taxonomyID <= 0 {
		taxonomyID = r.createEntry(fallbackCategory, fallbackSubcategory, normCategory, normSubcategory)
	}

	if taxonomyID > 0 {
		r.ensureAlias(taxonomyID, normCategory, normSubcategory)
		if idx, ok := r.index[taxonomyID]; ok {
			entry := r.entries[idx]
			result.TaxonomyID = entry.ID
			result.Category = entry.Category
			result.Subcategory = entry.Subcategory
		} else {
			result.TaxonomyID = taxonomyID
		}
	}

	return result
}

// createEntry persists a new taxonomy row and mirrors it in memory. On a
// persistence failure the in-memory caches stay untouched and -1 is
// returned, so the caller falls back to the display strings.
func (r *Resolver) createEntry(category, subcategory, normCategory, normSubcategory string) int64 {
	id, inserted, err := r.storage.InsertTaxonomyEntry(Entry{
		Category:              category,
		Subcategory:           subcategory,
		NormalizedCategory:    normCategory,
		NormalizedSubcategory: normSubcategory,
	})
	if err != nil {
		r.log.Error("Failed to insert taxonomy entry",
			zap.String("category", category),
			zap.String("subcategory", subcategory),
			zap.Error(err))
		return -1
	}
	if !inserted {
		// Another writer beat us to this normalized pair; adopt its id
		// without claiming the display strings.
		return id
	}

	entry := Entry{
		ID:                    id,
		Category:              category,
		Subcategory:           subcategory,
		NormalizedCategory:    normCategory,
		NormalizedSubcategory: normSubcategory,
	}
	r.index[id] = len(r.entries)
	r.entries = append(r.entries, entry)
	r.canonical[makeKey(normCategory, normSubcategory)] = id
	return id
}

// ensureAlias records that a non-canonical normalized pair resolves to the
// given taxonomy id. Canonical forms and already-known aliases are skipped.
func (r *Resolver) ensureAlias(taxonomyID int64, normCategory, normSubcategory string) {
	key := makeKey(normCategory, normSubcategory)

	if id, ok := r.canonical[key]; ok && id == taxonomyID {
		return
	}
	if _, ok := r.aliases[key]; ok {
		return
	}

	if err := r.storage.InsertAlias(normCategory, normSubcategory, taxonomyID); err != nil {
		r.log.Error("Failed to insert taxonomy alias",
			zap.String("key", key),
			zap.Int64("taxonomy_id", taxonomyID),
			zap.Error(err))
		return
	}
	r.aliases[key] = taxonomyID
}

// Snapshot returns up to max canonical pairs in catalogue order. max <= 0
// returns everything.
func (r *Resolver) Snapshot(max int) []types.CategoryPair {
	if max <= 0 || max > len(r.entries) {
		max = len(r.entries)
	}
	snapshot := make([]types.CategoryPair, 0, max)
	for _, entry := range r.entries {
		if len(snapshot) >= max {
			break
		}
		snapshot = append(snapshot, types.CategoryPair{Category: entry.Category, Subcategory: entry.Subcategory})
	}
	return snapshot
}
