package storage

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the physical layout version this code reads and writes.
const SchemaVersion = 1

const dbFileName = "book.db"

//go:embed schema.sql
var schemaSQL string

// Book wraps the SQLite database holding one book's pipeline data.
type Book struct {
	label string
	db    *sql.DB

	mu     sync.RWMutex
	closed bool
}

// openBook opens (or creates) the database for label in dir.
// Pass ":memory:" as dir for an in-memory database (used by tests).
func openBook(label, dir string) (*Book, error) {
	var dsn string
	if dir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating book directory: %w", err)
		}
		dsn = filepath.Join(dir, dbFileName)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	b := &Book{label: label, db: db}
	if err := b.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Label returns the book label this database belongs to.
func (b *Book) Label() string {
	return b.label
}

// Close closes the underlying database connection.
func (b *Book) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// checkSchema creates the schema on an empty database and otherwise compares
// the stored schema version with SchemaVersion. There is no migration path.
func (b *Book) checkSchema() error {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if n == 0 {
		tx, err := b.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning schema transaction: %w", err)
		}
		if _, err := tx.Exec(schemaSQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("creating schema: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (id, version) VALUES (1, ?)`, SchemaVersion); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing schema: %w", err)
		}
		return nil
	}

	var found int
	err = b.db.QueryRow(`SELECT version FROM schema_version WHERE id = 1`).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return &SchemaMismatchError{Label: b.label, Found: 0, Expected: SchemaVersion}
	}
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if found != SchemaVersion {
		return &SchemaMismatchError{Label: b.label, Found: found, Expected: SchemaVersion}
	}
	return nil
}

// SchemaVersion returns the version recorded in the database.
func (b *Book) SchemaVersion() (int, error) {
	var v int
	if err := b.db.QueryRow(`SELECT version FROM schema_version WHERE id = 1`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// --- Node data ---

// GetLatest returns the highest version stored for (node, itemID).
func (b *Book) GetLatest(node, itemID string) (Record, error) {
	var r Record
	var data sql.NullString
	err := b.db.QueryRow(`
		SELECT version, data FROM node_data
		WHERE node = ? AND item_id = ?
		ORDER BY version DESC LIMIT 1`, node, itemID,
	).Scan(&r.Version, &data)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading latest %s/%s: %w", node, itemID, err)
	}
	if data.Valid {
		r.Data = json.RawMessage(data.String)
	}
	return r, nil
}

// GetVersion returns the payload of a specific version. A nil payload with a
// nil error is a stored tombstone.
func (b *Book) GetVersion(node, itemID string, version int) (json.RawMessage, error) {
	var data sql.NullString
	err := b.db.QueryRow(`
		SELECT data FROM node_data
		WHERE node = ? AND item_id = ? AND version = ?`, node, itemID, version,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s v%d: %w", node, itemID, version, err)
	}
	if !data.Valid {
		return nil, nil
	}
	return json.RawMessage(data.String), nil
}

// PutNext stores data as the next version of (node, itemID) and returns the
// assigned version. The version is computed and inserted by one statement;
// a primary key collision is reported as ErrVersionConflict.
func (b *Book) PutNext(node, itemID string, data any) (int, error) {
	payload, err := encodePayload(data)
	if err != nil {
		return 0, fmt.Errorf("encoding %s/%s: %w", node, itemID, err)
	}

	var version int
	err = b.db.QueryRow(`
		INSERT INTO node_data (node, item_id, version, data)
		SELECT ?, ?, COALESCE(MAX(version), 0) + 1, ?
		FROM node_data WHERE node = ? AND item_id = ?
		RETURNING version`,
		node, itemID, payload, node, itemID,
	).Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return 0, fmt.Errorf("%w: %s/%s: %v", ErrVersionConflict, node, itemID, err)
		}
		return 0, fmt.Errorf("writing %s/%s: %w", node, itemID, err)
	}
	return version, nil
}

// ListVersions returns all stored versions of (node, itemID) in ascending order.
func (b *Book) ListVersions(node, itemID string) ([]int, error) {
	rows, err := b.db.Query(`
		SELECT version FROM node_data
		WHERE node = ? AND item_id = ?
		ORDER BY version ASC`, node, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ResetVersions drops the whole version history of (node, itemID).
func (b *Book) ResetVersions(node, itemID string) error {
	if _, err := b.db.Exec(`DELETE FROM node_data WHERE node = ? AND item_id = ?`, node, itemID); err != nil {
		return fmt.Errorf("resetting %s/%s: %w", node, itemID, err)
	}
	return nil
}

// ListItems returns the distinct item ids stored for node.
func (b *Book) ListItems(node string) ([]string, error) {
	rows, err := b.db.Query(`SELECT DISTINCT item_id FROM node_data WHERE node = ? ORDER BY item_id`, node)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	return items, rows.Err()
}

// encodePayload converts data into a nullable JSON string. nil, an empty
// json.RawMessage and anything marshalling to JSON null become SQL NULL.
func encodePayload(data any) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	var raw []byte
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return sql.NullString{}, err
		}
		raw = b
	}
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}, nil
	}
	if !json.Valid(raw) {
		return sql.NullString{}, fmt.Errorf("payload is not valid JSON")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
