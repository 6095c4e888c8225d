// Package vfs implements the content-addressed virtual file system: a
// deduplicating blob store keyed by SHA-256 plus SQLite metadata tables for
// every resource kind. Identical bytes are stored exactly once; metadata
// rows hold references and derived fields only.
package vfs

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// Store is the VFS root: one SQLite database plus the blobs directory.
// All writes happen while holding the mutex; multi-step mutations use
// explicit transactions.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	blobsDir string
	events   *Bus
}

// Open initializes the VFS database and blob directory under dataDir.
func Open(dataDir string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryVFS, "vfs.Open")
	defer timer.Stop()

	blobsDir := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(blobsDir, 0755); err != nil {
		return nil, apperr.FileSystem("vfs.Open", err)
	}

	dbPath := filepath.Join(dataDir, "vfs.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, apperr.Database("vfs.Open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.VFSDebug("pragma failed: %s: %v", pragma, err)
		}
	}

	s := &Store{db: db, blobsDir: blobsDir, events: NewBus()}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.VFS("VFS ready at %s", dataDir)
	return s, nil
}

// OpenInMemory is used by tests; blobs go to a temp directory.
func OpenInMemory(blobsDir string) (*Store, error) {
	if err := os.MkdirAll(blobsDir, 0755); err != nil {
		return nil, apperr.FileSystem("vfs.OpenInMemory", err)
	}
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, apperr.Database("vfs.OpenInMemory", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, apperr.Database("vfs.OpenInMemory", err)
	}
	s := &Store{db: db, blobsDir: blobsDir, events: NewBus()}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		ext TEXT NOT NULL DEFAULT 'bin',
		refcount INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	);

	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		display_name TEXT NOT NULL,
		folder_id TEXT,
		favorite INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	);
	CREATE INDEX IF NOT EXISTS idx_resources_type ON resources(type);
	CREATE INDEX IF NOT EXISTS idx_resources_deleted ON resources(deleted_at);

	CREATE TABLE IF NOT EXISTS files (
		resource_id TEXT PRIMARY KEY REFERENCES resources(id) ON DELETE CASCADE,
		file_name TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		page_count INTEGER,
		blob_hash TEXT,
		ocr_json TEXT,
		extracted_text TEXT,
		preview_json TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		tags_json TEXT NOT NULL DEFAULT '[]',
		bookmarks_json TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);
	CREATE INDEX IF NOT EXISTS idx_files_blob ON files(blob_hash);

	CREATE TABLE IF NOT EXISTS notes (
		resource_id TEXT PRIMARY KEY REFERENCES resources(id) ON DELETE CASCADE,
		content TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS exams (
		resource_id TEXT PRIMARY KEY REFERENCES resources(id) ON DELETE CASCADE,
		subject TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		score REAL,
		mastery INTEGER,
		feedback TEXT,
		correct INTEGER
	);

	CREATE TABLE IF NOT EXISTS essays (
		resource_id TEXT PRIMARY KEY REFERENCES resources(id) ON DELETE CASCADE,
		prompt TEXT NOT NULL DEFAULT '',
		draft TEXT NOT NULL DEFAULT '',
		score REAL,
		feedback TEXT
	);

	CREATE TABLE IF NOT EXISTS folders (
		id TEXT PRIMARY KEY,
		parent_id TEXT REFERENCES folders(id),
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS folder_items (
		folder_id TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
		item_type TEXT NOT NULL,
		item_id TEXT NOT NULL,
		UNIQUE(item_type, item_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return apperr.Database("vfs.initialize", err)
	}
	return nil
}

// Close shuts down the database and event bus.
func (s *Store) Close() error {
	s.events.Close()
	return s.db.Close()
}

// Events exposes the change-event bus.
func (s *Store) Events() *Bus { return s.events }

// DB exposes the underlying handle for sibling stores (index registry,
// usage) that share the database file in tests.
func (s *Store) DB() *sql.DB { return s.db }

// =============================================================================
// BLOB STORE - content-addressed, deduplicating, reference-counted
// =============================================================================

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// blobPath computes blobs/<hash[0:2]>/<hash>.<ext>.
func (s *Store) blobPath(hash, ext string) string {
	if ext == "" {
		ext = "bin"
	}
	return filepath.Join(s.blobsDir, hash[:2], hash+"."+ext)
}

// PutBlob writes data once per hash and returns the hash. Re-putting
// identical bytes is a no-op on disk.
func (s *Store) PutBlob(data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", apperr.Validation("vfs.PutBlob", "empty blob")
	}
	hash := HashBytes(data)
	ext := extForMime(mimeType)

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRow("SELECT hash FROM blobs WHERE hash = ?", hash).Scan(&existing)
	if err == nil {
		return hash, nil // dedup hit
	}
	if err != sql.ErrNoRows {
		return "", apperr.Database("vfs.PutBlob", err)
	}

	path := s.blobPath(hash, ext)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", apperr.FileSystem("vfs.PutBlob", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", apperr.FileSystem("vfs.PutBlob", err)
	}

	if _, err := s.db.Exec(
		"INSERT INTO blobs (hash, size, mime_type, ext) VALUES (?, ?, ?, ?)",
		hash, len(data), mimeType, ext,
	); err != nil {
		return "", apperr.Database("vfs.PutBlob", err)
	}
	logging.VFSDebug("stored blob %s (%d bytes, %s)", hash[:12], len(data), mimeType)
	return hash, nil
}

// GetBlobPath returns the on-disk path for a hash, or "" if the blob is
// unknown or already swept.
func (s *Store) GetBlobPath(hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ext string
	err := s.db.QueryRow("SELECT ext FROM blobs WHERE hash = ?", hash).Scan(&ext)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperr.Database("vfs.GetBlobPath", err)
	}
	return s.blobPath(hash, ext), nil
}

// ReadBlob loads the blob bytes for a hash.
func (s *Store) ReadBlob(hash string) ([]byte, error) {
	path, err := s.GetBlobPath(hash)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, apperr.NotFound("vfs.ReadBlob", "blob %s not found", hash)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.FileSystem("vfs.ReadBlob", err)
	}
	return data, nil
}

// retainBlob / releaseBlob adjust refcounts inside an open transaction.
func retainBlob(tx *sql.Tx, hash string) error {
	res, err := tx.Exec("UPDATE blobs SET refcount = refcount + 1 WHERE hash = ?", hash)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("blob %s not found", hash)
	}
	return nil
}

func releaseBlob(tx *sql.Tx, hash string) error {
	_, err := tx.Exec("UPDATE blobs SET refcount = MAX(refcount - 1, 0) WHERE hash = ?", hash)
	return err
}

// SweepBlobs deletes all blobs with refcount 0, returning the number swept.
func (s *Store) SweepBlobs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT hash, ext FROM blobs WHERE refcount = 0")
	if err != nil {
		return 0, apperr.Database("vfs.SweepBlobs", err)
	}
	type victim struct{ hash, ext string }
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.hash, &v.ext); err != nil {
			rows.Close()
			return 0, apperr.Database("vfs.SweepBlobs", err)
		}
		victims = append(victims, v)
	}
	rows.Close()

	swept := 0
	for _, v := range victims {
		if err := os.Remove(s.blobPath(v.hash, v.ext)); err != nil && !os.IsNotExist(err) {
			logging.VFSWarn("sweep: could not remove %s: %v", v.hash[:12], err)
			continue
		}
		if _, err := s.db.Exec("DELETE FROM blobs WHERE hash = ?", v.hash); err != nil {
			return swept, apperr.Database("vfs.SweepBlobs", err)
		}
		swept++
	}
	if swept > 0 {
		logging.VFS("swept %d unreferenced blobs", swept)
	}
	return swept, nil
}

func extForMime(mimeType string) string {
	switch mimeType {
	case "application/pdf":
		return "pdf"
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "text/plain":
		return "txt"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return "docx"
	default:
		if idx := strings.LastIndex(mimeType, "/"); idx >= 0 && idx < len(mimeType)-1 {
			sub := mimeType[idx+1:]
			if len(sub) <= 5 && !strings.ContainsAny(sub, ".+-") {
				return sub
			}
		}
		return "bin"
	}
}

// EscapeLike escapes %, _ and \ in a user-supplied LIKE term. Queries using
// it must add ESCAPE '\'.
func EscapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}
