// Package store provides persistent runtime state backed by an embedded
// SQLite database: the addon registry (which addon names exist and what
// kind of extension they build) and a cache of declared message schemas,
// so a restarted app does not have to re-resolve and re-validate every
// addon's schema from scratch.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — addon registry
	`CREATE TABLE IF NOT EXISTS addons (
		name          TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		go_type       TEXT NOT NULL DEFAULT '',
		registered_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — declared schema cache, keyed by "msg_kind:name:direction"
	`CREATE TABLE IF NOT EXISTS schemas (
		key        TEXT PRIMARY KEY,
		addon_name TEXT NOT NULL,
		json       TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — predefined graph definitions, so a dynamic start_graph naming
	// one by predefined_graph_name survives a restart
	`CREATE TABLE IF NOT EXISTS predefined_graphs (
		name       TEXT PRIMARY KEY,
		json       TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — index for schema lookups scoped to one addon
	`CREATE INDEX IF NOT EXISTS idx_schemas_addon ON schemas(addon_name)`,
	// v5 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes addon/schema persistence.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Enable WAL mode for concurrent readers.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Warn("wal mode", "err", err)
	}
	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warn("busy_timeout", "err", err)
	}

	s := &Store{db: db, log: log.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.Debug("applied migration", "version", v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Addon registry
// ---------------------------------------------------------------------------

// AddonKind distinguishes the three addon categories spec.md §2 names.
type AddonKind string

const (
	AddonKindExtension      AddonKind = "extension"
	AddonKindExtensionGroup AddonKind = "extension_group"
	AddonKindProtocol       AddonKind = "protocol"
)

// AddonRecord is one registered addon's persisted metadata.
type AddonRecord struct {
	Name    string
	Kind    AddonKind
	GoType  string // fully-qualified Go type implementing the addon, for diagnostics
}

// RegisterAddon upserts an addon's registration. Re-registering the same
// name with a different kind is an error: addon identity is fixed once
// created (mirrors the engine's two-addons-same-extension-name rejection).
func (s *Store) RegisterAddon(name string, kind AddonKind, goType string) error {
	var existingKind string
	err := s.db.QueryRow(`SELECT kind FROM addons WHERE name = ?`, name).Scan(&existingKind)
	if err == nil && existingKind != string(kind) {
		return fmt.Errorf("addon %q already registered as kind %q, cannot re-register as %q", name, existingKind, kind)
	}
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO addons(name, kind, go_type) VALUES(?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET go_type = excluded.go_type`,
		name, string(kind), goType,
	)
	return err
}

// ListAddons returns every registered addon, ordered by name.
func (s *Store) ListAddons() ([]AddonRecord, error) {
	rows, err := s.db.Query(`SELECT name, kind, go_type FROM addons ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AddonRecord
	for rows.Next() {
		var r AddonRecord
		var kind string
		if err := rows.Scan(&r.Name, &kind, &r.GoType); err != nil {
			return nil, err
		}
		r.Kind = AddonKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAddon returns the addon record for name. The second return value is
// false when no such addon is registered.
func (s *Store) GetAddon(name string) (AddonRecord, bool, error) {
	var r AddonRecord
	var kind string
	err := s.db.QueryRow(
		`SELECT name, kind, go_type FROM addons WHERE name = ?`, name,
	).Scan(&r.Name, &kind, &r.GoType)
	if err == sql.ErrNoRows {
		return AddonRecord{}, false, nil
	}
	if err != nil {
		return AddonRecord{}, false, err
	}
	r.Kind = AddonKind(kind)
	return r, true, nil
}

// ---------------------------------------------------------------------------
// Declared schema cache
// ---------------------------------------------------------------------------

// SaveSchema caches the declared schema (already serialized to JSON by
// package schema) for one addon's (kind, name, direction) triple, keyed
// the same way schema.Store keys its in-memory lookup.
func (s *Store) SaveSchema(key, addonName, json string) error {
	_, err := s.db.Exec(
		`INSERT INTO schemas(key, addon_name, json) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET json = excluded.json, addon_name = excluded.addon_name`,
		key, addonName, json,
	)
	return err
}

// LoadSchema returns the cached JSON for key. The second return value is
// false on a cache miss.
func (s *Store) LoadSchema(key string) (string, bool, error) {
	var j string
	err := s.db.QueryRow(`SELECT json FROM schemas WHERE key = ?`, key).Scan(&j)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return j, true, nil
}

// SchemasForAddon returns every cached schema key registered under
// addonName, for cache invalidation when an addon is re-registered.
func (s *Store) SchemasForAddon(addonName string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM schemas WHERE addon_name = ?`, addonName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ---------------------------------------------------------------------------
// Predefined graphs
// ---------------------------------------------------------------------------

// SavePredefinedGraph persists a named graph definition (already serialized
// to JSON by the caller) so it survives a restart.
func (s *Store) SavePredefinedGraph(name, json string) error {
	_, err := s.db.Exec(
		`INSERT INTO predefined_graphs(name, json) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET json = excluded.json`,
		name, json,
	)
	return err
}

// LoadPredefinedGraph returns the JSON definition for name, if one exists.
func (s *Store) LoadPredefinedGraph(name string) (string, bool, error) {
	var j string
	err := s.db.QueryRow(`SELECT json FROM predefined_graphs WHERE name = ?`, name).Scan(&j)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return j, true, nil
}

// ListPredefinedGraphs returns every persisted graph name, ordered alphabetically.
func (s *Store) ListPredefinedGraphs() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM predefined_graphs ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
