// Package store implements the categorization cache: a single-writer SQLite
// database holding per-file categorization rows plus the taxonomy catalogue
// and its alias table. The store owns the database connection; the taxonomy
// resolver persists through the narrow Storage surface it exposes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DefaultCacheFileName is used when CATEGORIZATION_CACHE_FILE is unset.
const DefaultCacheFileName = "categorization_results.db"

// Store is the SQLite-backed categorization cache. The connection must not
// be shared across goroutines; the categorization service is the single
// writer.
type Store struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// Open creates or opens the cache database under configDir. The file name
// defaults to categorization_results.db and can be overridden with the
// CATEGORIZATION_CACHE_FILE environment variable.
func Open(configDir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	fileName := os.Getenv("CATEGORIZATION_CACHE_FILE")
	if fileName == "" {
		fileName = DefaultCacheFileName
	}
	path := filepath.Join(configDir, fileName)

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("Failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("Failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("Failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}

	s := &Store{db: db, path: path, log: log}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initializeTaxonomySchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug("Categorization cache ready", zap.String("path", path))
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migration adds one optional column to an existing table. Applying a
// migration that already ran is a no-op.
type migration struct {
	Table  string
	Column string
	Def    string
}

// cacheMigrations lists the columns added to file_categorization after its
// first release. Old databases gain them on startup.
var cacheMigrations = []migration{
	{"file_categorization", "taxonomy_id", "INTEGER"},
	{"file_categorization", "categorization_style", "INTEGER DEFAULT 0"},
	{"file_categorization", "suggested_name", "TEXT"},
	{"file_categorization", "rename_only", "INTEGER DEFAULT 0"},
	{"file_categorization", "rename_applied", "INTEGER DEFAULT 0"},
}

func (s *Store) initializeSchema() error {
	createTable := `
	CREATE TABLE IF NOT EXISTS file_categorization (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_name TEXT NOT NULL,
		file_type TEXT NOT NULL,
		dir_path TEXT NOT NULL,
		category TEXT NOT NULL,
		subcategory TEXT,
		suggested_name TEXT,
		taxonomy_id INTEGER,
		categorization_style INTEGER DEFAULT 0,
		rename_only INTEGER DEFAULT 0,
		rename_applied INTEGER DEFAULT 0,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(file_name, file_type, dir_path)
	);
	`
	if _, err := s.db.Exec(createTable); err != nil {
		return fmt.Errorf("failed to create file_categorization table: %w", err)
	}

	s.runMigrations()

	createIndex := "CREATE INDEX IF NOT EXISTS idx_file_categorization_taxonomy ON file_categorization(taxonomy_id);"
	if _, err := s.db.Exec(createIndex); err != nil {
		return fmt.Errorf("failed to create taxonomy index: %w", err)
	}
	return nil
}

// runMigrations applies add-column migrations for databases created before
// the optional columns existed. Duplicate-column failures are swallowed; any
// other failure is reported and skipped.
func (s *Store) runMigrations() {
	for _, m := range cacheMigrations {
		if s.columnExists(m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(query); err != nil {
			if isDuplicateColumnError(err) {
				continue
			}
			s.log.Warn("Cache migration failed",
				zap.String("table", m.Table),
				zap.String("column", m.Column),
				zap.Error(err))
			continue
		}
		s.log.Debug("Cache migration applied",
			zap.String("table", m.Table),
			zap.String("column", m.Column))
	}
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

// columnExists checks for a column using PRAGMA table_info.
func (s *Store) columnExists(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func (s *Store) initializeTaxonomySchema() error {
	taxonomyTable := `
	CREATE TABLE IF NOT EXISTS category_taxonomy (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_category TEXT NOT NULL,
		canonical_subcategory TEXT NOT NULL,
		normalized_category TEXT NOT NULL,
		normalized_subcategory TEXT NOT NULL,
		frequency INTEGER DEFAULT 0,
		UNIQUE(normalized_category, normalized_subcategory)
	);
	`
	if _, err := s.db.Exec(taxonomyTable); err != nil {
		return fmt.Errorf("failed to create category_taxonomy table: %w", err)
	}

	aliasTable := `
	CREATE TABLE IF NOT EXISTS category_alias (
		alias_category_norm TEXT NOT NULL,
		alias_subcategory_norm TEXT NOT NULL,
		taxonomy_id INTEGER NOT NULL,
		PRIMARY KEY(alias_category_norm, alias_subcategory_norm),
		FOREIGN KEY(taxonomy_id) REFERENCES category_taxonomy(id)
	);
	CREATE INDEX IF NOT EXISTS idx_category_alias_taxonomy ON category_alias(taxonomy_id);
	`
	if _, err := s.db.Exec(aliasTable); err != nil {
		return fmt.Errorf("failed to create category_alias table: %w", err)
	}
	return nil
}
