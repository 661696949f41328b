package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"aisort/internal/taxonomy"
)

// The store implements taxonomy.Storage so the resolver can persist through
// the cache connection without owning a handle of its own.

// LoadTaxonomy returns every catalogue row in insertion order.
func (s *Store) LoadTaxonomy() ([]taxonomy.Entry, error) {
	query := "SELECT id, canonical_category, canonical_subcategory, " +
		"normalized_category, normalized_subcategory FROM category_taxonomy;"
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to load taxonomy: %w", err)
	}
	defer rows.Close()

	var entries []taxonomy.Entry
	for rows.Next() {
		var e taxonomy.Entry
		if err := rows.Scan(&e.ID, &e.Category, &e.Subcategory,
			&e.NormalizedCategory, &e.NormalizedSubcategory); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LoadAliases returns every recorded alias mapping.
func (s *Store) LoadAliases() ([]taxonomy.Alias, error) {
	query := "SELECT alias_category_norm, alias_subcategory_norm, taxonomy_id FROM category_alias;"
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to load category aliases: %w", err)
	}
	defer rows.Close()

	var aliases []taxonomy.Alias
	for rows.Next() {
		var a taxonomy.Alias
		if err := rows.Scan(&a.CategoryNorm, &a.SubcategoryNorm, &a.TaxonomyID); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// InsertTaxonomyEntry persists a new catalogue row. When the normalized pair
// already exists (unique constraint), the existing id is returned with
// inserted=false.
func (s *Store) InsertTaxonomyEntry(e taxonomy.Entry) (int64, bool, error) {
	query := `
	INSERT INTO category_taxonomy
		(canonical_category, canonical_subcategory, normalized_category, normalized_subcategory, frequency)
	VALUES (?, ?, ?, ?, 0);
	`
	result, err := s.db.Exec(query, e.Category, e.Subcategory, e.NormalizedCategory, e.NormalizedSubcategory)
	if err != nil {
		// The unique constraint on the normalized pair means another write
		// already claimed it; resolve to the existing id instead of failing.
		if id, findErr := s.findTaxonomyID(e.NormalizedCategory, e.NormalizedSubcategory); findErr == nil && id > 0 {
			return id, false, nil
		}
		return 0, false, fmt.Errorf("failed to insert taxonomy entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read taxonomy insert id: %w", err)
	}
	return id, true, nil
}

func (s *Store) findTaxonomyID(normCategory, normSubcategory string) (int64, error) {
	query := "SELECT id FROM category_taxonomy WHERE normalized_category = ? AND normalized_subcategory = ? LIMIT 1;"
	var id int64
	err := s.db.QueryRow(query, normCategory, normSubcategory).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertAlias records an alias mapping. Replays of the same alias are
// ignored.
func (s *Store) InsertAlias(categoryNorm, subcategoryNorm string, taxonomyID int64) error {
	query := `
	INSERT OR IGNORE INTO category_alias (alias_category_norm, alias_subcategory_norm, taxonomy_id)
	VALUES (?, ?, ?);
	`
	if _, err := s.db.Exec(query, categoryNorm, subcategoryNorm, taxonomyID); err != nil {
		return fmt.Errorf("failed to insert alias: %w", err)
	}
	return nil
}

// refreshTaxonomyFrequency recomputes an entry's frequency as the count of
// cache rows referencing it.
func (s *Store) refreshTaxonomyFrequency(taxonomyID int64) {
	if taxonomyID <= 0 {
		return
	}
	query := "UPDATE category_taxonomy " +
		"SET frequency = (SELECT COUNT(*) FROM file_categorization WHERE taxonomy_id = ?) " +
		"WHERE id = ?;"
	if _, err := s.db.Exec(query, taxonomyID, taxonomyID); err != nil {
		s.log.Warn("Failed to refresh taxonomy frequency",
			zap.Int64("taxonomy_id", taxonomyID), zap.Error(err))
	}
}
