package store

import (
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"aisort/internal/taxonomy"
	"aisort/internal/types"
)

const categorizedColumns = "dir_path, file_name, file_type, category, subcategory, suggested_name, " +
	"taxonomy_id, categorization_style, rename_only, rename_applied"

// Upsert inserts or updates the cache row keyed by (file_name, file_type,
// dir_path). rename_applied is monotonic: once a row records 1 it never
// reverts to 0. On success the frequency of the referenced taxonomy entry is
// recomputed from the cache.
func (s *Store) Upsert(fileName string, fileType types.FileType, dirPath string,
	resolved taxonomy.Resolved, usedConsistencyHints bool,
	suggestedName string, renameOnly, renameApplied bool) error {

	query := `
	INSERT INTO file_categorization
		(file_name, file_type, dir_path, category, subcategory, suggested_name,
		 taxonomy_id, categorization_style, rename_only, rename_applied)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(file_name, file_type, dir_path)
	DO UPDATE SET
		category = excluded.category,
		subcategory = excluded.subcategory,
		suggested_name = excluded.suggested_name,
		taxonomy_id = excluded.taxonomy_id,
		categorization_style = excluded.categorization_style,
		rename_only = excluded.rename_only,
		rename_applied = CASE
			WHEN excluded.rename_applied = 1 THEN 1
			ELSE rename_applied
		END;
	`

	var taxonomyID any
	if resolved.TaxonomyID > 0 {
		taxonomyID = resolved.TaxonomyID
	}

	if _, err := s.db.Exec(query,
		fileName, fileType.Code(), dirPath,
		resolved.Category, resolved.Subcategory, suggestedName,
		taxonomyID, boolToInt(usedConsistencyHints), boolToInt(renameOnly), boolToInt(renameApplied),
	); err != nil {
		return fmt.Errorf("failed to upsert categorization for %q: %w", fileName, err)
	}

	if resolved.TaxonomyID > 0 {
		s.refreshTaxonomyFrequency(resolved.TaxonomyID)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// scanCategorizedRow builds a CategorizedFile from a row selected with
// categorizedColumns. Rows whose labels and suggestion are all empty and
// rename_only is unset carry no decision and are skipped (nil, nil).
func scanCategorizedRow(scan func(dest ...any) error) (*types.CategorizedFile, error) {
	var (
		dirPath       string
		fileName      string
		fileTypeCode  string
		category      sql.NullString
		subcategory   sql.NullString
		suggestedName sql.NullString
		taxonomyID    sql.NullInt64
		style         sql.NullInt64
		renameOnly    sql.NullInt64
		renameApplied sql.NullInt64
	)
	if err := scan(&dirPath, &fileName, &fileTypeCode, &category, &subcategory,
		&suggestedName, &taxonomyID, &style, &renameOnly, &renameApplied); err != nil {
		return nil, err
	}

	entry := types.CategorizedFile{
		DirPath:              dirPath,
		FileName:             fileName,
		Type:                 types.FileTypeFromCode(fileTypeCode),
		Category:             category.String,
		Subcategory:          subcategory.String,
		TaxonomyID:           taxonomyID.Int64,
		FromCache:            true,
		UsedConsistencyHints: style.Int64 != 0,
		SuggestedName:        suggestedName.String,
		RenameOnly:           renameOnly.Int64 != 0,
		RenameApplied:        renameApplied.Int64 != 0,
	}

	hasLabels := strings.TrimSpace(entry.Category) != "" && strings.TrimSpace(entry.Subcategory) != ""
	hasSuggestion := strings.TrimSpace(entry.SuggestedName) != ""
	if !entry.RenameOnly && !hasLabels && !hasSuggestion {
		return nil, nil
	}
	return &entry, nil
}

// Get returns the cached row for the key, or nil when the row is absent or
// carries no decision.
func (s *Store) Get(dirPath, fileName string, fileType types.FileType) (*types.CategorizedFile, error) {
	query := "SELECT " + categorizedColumns + " FROM file_categorization " +
		"WHERE dir_path = ? AND file_name = ? AND file_type = ? LIMIT 1;"

	row := s.db.QueryRow(query, dirPath, fileName, fileType.Code())
	entry, err := scanCategorizedRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read categorization for %q: %w", fileName, err)
	}
	return entry, nil
}

// CachedLabels returns the raw stored labels for the key without applying
// the empty-row filter. ok is false when no row exists.
func (s *Store) CachedLabels(dirPath, fileName string, fileType types.FileType) (category, subcategory string, ok bool, err error) {
	query := "SELECT IFNULL(category, ''), IFNULL(subcategory, '') FROM file_categorization " +
		"WHERE dir_path = ? AND file_name = ? AND file_type = ?;"

	row := s.db.QueryRow(query, dirPath, fileName, fileType.Code())
	if err := row.Scan(&category, &subcategory); err != nil {
		if err == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("failed to read cached labels for %q: %w", fileName, err)
	}
	return category, subcategory, true, nil
}

func (s *Store) queryCategorized(query string, args ...any) ([]types.CategorizedFile, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.CategorizedFile
	for rows.Next() {
		entry, err := scanCategorizedRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, rows.Err()
}

// List returns the decided rows stored directly under dirPath.
func (s *Store) List(dirPath string) ([]types.CategorizedFile, error) {
	query := "SELECT " + categorizedColumns + " FROM file_categorization WHERE dir_path = ?;"
	entries, err := s.queryCategorized(query, dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list categorizations for %q: %w", dirPath, err)
	}
	return entries, nil
}

// ListRecursive returns the decided rows under dirPath and any of its
// subdirectories.
func (s *Store) ListRecursive(dirPath string) ([]types.CategorizedFile, error) {
	query := "SELECT " + categorizedColumns + " FROM file_categorization " +
		"WHERE dir_path = ? OR dir_path LIKE ? ESCAPE '\\';"
	entries, err := s.queryCategorized(query, dirPath, recursiveDirPattern(dirPath))
	if err != nil {
		return nil, fmt.Errorf("failed to list categorizations under %q: %w", dirPath, err)
	}
	return entries, nil
}

// escapeLikePattern escapes the LIKE metacharacters %, _ and \.
func escapeLikePattern(value string) string {
	var b strings.Builder
	b.Grow(len(value) * 2)
	for _, ch := range []byte(value) {
		if ch == '\\' || ch == '%' || ch == '_' {
			b.WriteByte('\\')
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// recursiveDirPattern builds the LIKE pattern matching subdirectories of
// directoryPath. The separator follows the path's own convention: backslash
// when the path contains one, forward slash otherwise.
func recursiveDirPattern(directoryPath string) string {
	escaped := escapeLikePattern(directoryPath)
	if directoryPath == "" {
		return escaped + "%"
	}
	sep := byte('/')
	if strings.ContainsRune(directoryPath, '\\') {
		sep = '\\'
	}
	if directoryPath[len(directoryPath)-1] == sep {
		return escaped + "%"
	}
	if sep == '\\' {
		escaped += "\\"
	}
	return escaped + string(sep) + "%"
}

// Remove deletes the cache row for the key.
func (s *Store) Remove(dirPath, fileName string, fileType types.FileType) error {
	query := "DELETE FROM file_categorization WHERE dir_path = ? AND file_name = ? AND file_type = ?;"
	if _, err := s.db.Exec(query, dirPath, fileName, fileType.Code()); err != nil {
		return fmt.Errorf("failed to delete cached categorization for %q: %w", fileName, err)
	}
	return nil
}

// ClearDirectory deletes every cache row stored under dirPath (non-recursive).
func (s *Store) ClearDirectory(dirPath string) error {
	if _, err := s.db.Exec("DELETE FROM file_categorization WHERE dir_path = ?;", dirPath); err != nil {
		return fmt.Errorf("failed to clear cached categorizations for %q: %w", dirPath, err)
	}
	return nil
}

// PruneEmpty deletes rows in dirPath whose labels are empty, whose
// suggestion is empty, and whose rename_only flag is unset. The removed rows
// are returned so callers can requeue them.
func (s *Store) PruneEmpty(dirPath string) ([]types.CategorizedFile, error) {
	query := `
	SELECT file_name, file_type, IFNULL(category, ''), IFNULL(subcategory, ''), taxonomy_id
	FROM file_categorization
	WHERE dir_path = ?
	  AND (category IS NULL OR TRIM(category) = '' OR subcategory IS NULL OR TRIM(subcategory) = '')
	  AND (suggested_name IS NULL OR TRIM(suggested_name) = '')
	  AND IFNULL(rename_only, 0) = 0;
	`
	rows, err := s.db.Query(query, dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to query empty categorizations for %q: %w", dirPath, err)
	}

	var removed []types.CategorizedFile
	for rows.Next() {
		var (
			fileName     string
			fileTypeCode string
			category     string
			subcategory  string
			taxonomyID   sql.NullInt64
		)
		if err := rows.Scan(&fileName, &fileTypeCode, &category, &subcategory, &taxonomyID); err != nil {
			rows.Close()
			return nil, err
		}
		removed = append(removed, types.CategorizedFile{
			DirPath:     dirPath,
			FileName:    fileName,
			Type:        types.FileTypeFromCode(fileTypeCode),
			Category:    category,
			Subcategory: subcategory,
			TaxonomyID:  taxonomyID.Int64,
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, entry := range removed {
		if err := s.Remove(entry.DirPath, entry.FileName, entry.Type); err != nil {
			s.log.Warn("Failed to prune empty categorization",
				zap.String("file", entry.FileName), zap.Error(err))
		}
	}
	return removed, nil
}

// DirectoryStyle returns the categorization_style of the first row stored
// under dirPath, or nil when the directory has no rows. NULL styles from
// older rows read as false (refined).
func (s *Store) DirectoryStyle(dirPath string) (*bool, error) {
	query := "SELECT categorization_style FROM file_categorization WHERE dir_path = ? LIMIT 1;"

	var style sql.NullInt64
	if err := s.db.QueryRow(query, dirPath).Scan(&style); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory style for %q: %w", dirPath, err)
	}
	result := style.Valid && style.Int64 != 0
	return &result, nil
}

// RecentCategoriesForExtension scans rows of the given type most-recent
// first and returns up to limit distinct (category, subcategory) pairs whose
// file-name extension matches ext (case-insensitive). ext "" matches names
// without an extension. The scan fetches max(5*limit, limit) rows.
func (s *Store) RecentCategoriesForExtension(ext string, fileType types.FileType, limit int) ([]types.CategoryPair, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := "SELECT file_name, category, subcategory FROM file_categorization " +
		"WHERE file_type = ? ORDER BY timestamp DESC LIMIT ?"

	fetchLimit := limit * 5
	if fetchLimit < limit {
		fetchLimit = limit
	}

	rows, err := s.db.Query(query, fileType.Code(), fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent categories: %w", err)
	}
	defer rows.Close()

	normalizedExt := strings.ToLower(ext)
	hasExtension := normalizedExt != ""

	var results []types.CategoryPair
	for rows.Next() {
		var (
			fileName    string
			category    sql.NullString
			subcategory sql.NullString
		)
		if err := rows.Scan(&fileName, &category, &subcategory); err != nil {
			return nil, err
		}

		candidate, ok := buildRecentCandidate(fileName, category.String, subcategory.String, normalizedExt, hasExtension)
		if !ok || containsPair(results, candidate) {
			continue
		}
		results = append(results, candidate)
		if len(results) >= limit {
			break
		}
	}
	return results, rows.Err()
}

func buildRecentCandidate(fileName, category, subcategory, normalizedExt string, hasExtension bool) (types.CategoryPair, bool) {
	if fileName == "" || category == "" {
		return types.CategoryPair{}, false
	}

	candidateExt := extractExtensionLower(fileName)
	if hasExtension {
		if candidateExt != normalizedExt {
			return types.CategoryPair{}, false
		}
	} else if candidateExt != "" {
		return types.CategoryPair{}, false
	}

	return types.CategoryPair{Category: category, Subcategory: subcategory}, true
}

func containsPair(pairs []types.CategoryPair, candidate types.CategoryPair) bool {
	for _, existing := range pairs {
		if existing == candidate {
			return true
		}
	}
	return false
}

// extractExtensionLower returns the lowercased extension including the dot,
// or "" when the name has none.
func extractExtensionLower(fileName string) string {
	idx := strings.LastIndexByte(fileName, '.')
	if idx < 0 || idx+1 >= len(fileName) {
		return ""
	}
	return strings.ToLower(fileName[idx:])
}

// HasFileName reports whether any row exists for the file name, regardless
// of directory.
func (s *Store) HasFileName(fileName string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM file_categorization WHERE file_name = ? LIMIT 1;", fileName).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Exists reports whether a row exists for the (file name, directory) pair.
func (s *Store) Exists(fileName, dirPath string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM file_categorization WHERE file_name = ? AND dir_path = ? LIMIT 1;",
		fileName, dirPath).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DirContents returns the cached file names stored under dirPath.
func (s *Store) DirContents(dirPath string) ([]string, error) {
	rows, err := s.db.Query("SELECT file_name FROM file_categorization WHERE dir_path = ?;", dirPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
