// Package index is the registry of what to index: per-resource units with
// content-hash idempotency and independent state machines for the text and
// multimodal pipelines. It never talks to embedding backends or vector
// tables; it only records intent and progress.
package index

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// State is the per-modality indexing state of a unit.
type State string

const (
	StateDisabled State = "disabled"
	StatePending  State = "pending"
	StateIndexing State = "indexing"
	StateIndexed  State = "indexed"
	StateFailed   State = "failed"
)

// Modality names the two index pipelines.
type Modality string

const (
	ModalityText Modality = "text"
	ModalityMM   Modality = "multimodal"
)

// Unit describes one indexable piece of a resource (typically a page).
type Unit struct {
	ID            string `json:"id"`
	ResourceID    string `json:"resource_id"`
	UnitIndex     int    `json:"unit_index"`
	ImageBlobHash string `json:"image_blob_hash,omitempty"`
	ImageMime     string `json:"image_mime,omitempty"`
	TextContent   string `json:"text_content,omitempty"`
	TextSource    string `json:"text_source,omitempty"` // extraction | ocr | manual
	ContentHash   string `json:"content_hash"`
	TextState     State  `json:"text_state"`
	MMState       State  `json:"mm_state"`
	TextError     string `json:"text_error,omitempty"`
	MMError       string `json:"mm_error,omitempty"`
	IndexedAt     string `json:"indexed_at,omitempty"`
	ChunkCount    int    `json:"chunk_count"`
	EmbeddingDim  int    `json:"embedding_dim,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// UnitInput is one entry handed to SyncUnits.
type UnitInput struct {
	UnitIndex     int
	ImageBlobHash string
	ImageMime     string
	TextContent   string
	TextSource    string
}

// ContentHash derives the dedup key for a unit. The image hash and text are
// joined with '|' before hashing so either side changing changes the key.
func ContentHash(imageBlobHash, text string) string {
	sum := sha256.Sum256([]byte(imageBlobHash + "|" + text))
	return hex.EncodeToString(sum[:])
}

// Registry persists units and their segments in SQLite.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates the unit and segment tables on the given handle. The
// handle is shared with the VFS store; serialization happens at the driver
// via the single-connection pool.
func NewRegistry(db *sql.DB) (*Registry, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS index_units (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		unit_index INTEGER NOT NULL,
		image_blob_hash TEXT NOT NULL DEFAULT '',
		image_mime TEXT NOT NULL DEFAULT '',
		text_content TEXT NOT NULL DEFAULT '',
		text_source TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		text_state TEXT NOT NULL DEFAULT 'disabled',
		mm_state TEXT NOT NULL DEFAULT 'disabled',
		text_error TEXT NOT NULL DEFAULT '',
		mm_error TEXT NOT NULL DEFAULT '',
		indexed_at TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		embedding_dim INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(resource_id, unit_index)
	);
	CREATE INDEX IF NOT EXISTS idx_units_text_state ON index_units(text_state);
	CREATE INDEX IF NOT EXISTS idx_units_mm_state ON index_units(mm_state);

	CREATE TABLE IF NOT EXISTS index_segments (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL REFERENCES index_units(id) ON DELETE CASCADE,
		modality TEXT NOT NULL,
		lance_row_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL DEFAULT 0,
		embedding_dim INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_segments_unit ON index_segments(unit_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Database("index.NewRegistry", err)
	}
	return &Registry{db: db}, nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// SyncResult is the outcome of a SyncUnits call.
type SyncResult struct {
	Units              []Unit
	OrphanedLanceRowIDs []string
}

// SyncUnits reconciles the stored units for a resource against inputs,
// diffing by unit index. Unchanged content hashes are left untouched;
// changed hashes update the unit in place and reset the affected modality
// states; inputs without a stored unit are created; stored units without an
// input are deleted, and the lance row ids of their segments are returned so
// the caller can clean the external vector tables.
func (r *Registry) SyncUnits(resourceID string, inputs []UnitInput) (*SyncResult, error) {
	if resourceID == "" {
		return nil, apperr.Validation("index.SyncUnits", "resource id required")
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, apperr.Database("index.SyncUnits", err)
	}
	defer tx.Rollback()

	existing, err := unitsByResourceTx(tx, resourceID)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]*Unit, len(existing))
	for i := range existing {
		byIndex[existing[i].UnitIndex] = &existing[i]
	}

	result := &SyncResult{}
	seen := make(map[int]bool, len(inputs))
	ts := now()

	for _, in := range inputs {
		seen[in.UnitIndex] = true
		hash := ContentHash(in.ImageBlobHash, in.TextContent)
		textRequired := in.TextContent != ""
		mmRequired := in.ImageBlobHash != ""

		if cur, ok := byIndex[in.UnitIndex]; ok {
			if cur.ContentHash == hash {
				result.Units = append(result.Units, *cur)
				continue
			}
			// Content changed: update in place, reset states, clear errors,
			// zero chunk count. Prior segments stay until the indexer
			// replaces them; their row ids are not orphans.
			textState := StateDisabled
			if textRequired {
				textState = StatePending
			}
			mmState := StateDisabled
			if mmRequired {
				mmState = StatePending
			}
			if _, err := tx.Exec(`
				UPDATE index_units SET image_blob_hash = ?, image_mime = ?,
					text_content = ?, text_source = ?, content_hash = ?,
					text_state = ?, mm_state = ?, text_error = '', mm_error = '',
					indexed_at = '', chunk_count = 0, embedding_dim = 0, updated_at = ?
				WHERE id = ?`,
				in.ImageBlobHash, in.ImageMime, in.TextContent, in.TextSource, hash,
				string(textState), string(mmState), ts, cur.ID); err != nil {
				return nil, apperr.Database("index.SyncUnits", err)
			}
			updated, err := unitByIDTx(tx, cur.ID)
			if err != nil {
				return nil, err
			}
			result.Units = append(result.Units, *updated)
			continue
		}

		// New unit.
		textState := StateDisabled
		if textRequired {
			textState = StatePending
		}
		mmState := StateDisabled
		if mmRequired {
			mmState = StatePending
		}
		id := uuid.NewString()
		if _, err := tx.Exec(`
			INSERT INTO index_units (id, resource_id, unit_index, image_blob_hash,
				image_mime, text_content, text_source, content_hash,
				text_state, mm_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, resourceID, in.UnitIndex, in.ImageBlobHash, in.ImageMime,
			in.TextContent, in.TextSource, hash,
			string(textState), string(mmState), ts, ts); err != nil {
			return nil, apperr.Database("index.SyncUnits", err)
		}
		created, err := unitByIDTx(tx, id)
		if err != nil {
			return nil, err
		}
		result.Units = append(result.Units, *created)
	}

	// Stored units whose index vanished from the inputs are deleted; their
	// segments' row ids go back to the caller for vector cleanup.
	for idx, cur := range byIndex {
		if seen[idx] {
			continue
		}
		rowIDs, err := segmentRowIDsTx(tx, cur.ID)
		if err != nil {
			return nil, err
		}
		result.OrphanedLanceRowIDs = append(result.OrphanedLanceRowIDs, rowIDs...)
		if _, err := tx.Exec("DELETE FROM index_units WHERE id = ?", cur.ID); err != nil {
			return nil, apperr.Database("index.SyncUnits", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Database("index.SyncUnits", err)
	}
	logging.Index("synced %d units for %s (%d orphaned rows)",
		len(result.Units), resourceID, len(result.OrphanedLanceRowIDs))
	return result, nil
}

// GetByResource returns all units of a resource ordered by unit index.
func (r *Registry) GetByResource(resourceID string) ([]Unit, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, apperr.Database("index.GetByResource", err)
	}
	defer tx.Rollback()
	units, err := unitsByResourceTx(tx, resourceID)
	if err != nil {
		return nil, err
	}
	return units, tx.Commit()
}

// GetByID loads a single unit.
func (r *Registry) GetByID(id string) (*Unit, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, apperr.Database("index.GetByID", err)
	}
	defer tx.Rollback()
	u, err := unitByIDTx(tx, id)
	if err != nil {
		return nil, err
	}
	return u, tx.Commit()
}

// DeleteByResource removes every unit of a resource and returns the lance
// row ids of their segments for vector cleanup.
func (r *Registry) DeleteByResource(resourceID string) ([]string, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, apperr.Database("index.DeleteByResource", err)
	}
	defer tx.Rollback()

	units, err := unitsByResourceTx(tx, resourceID)
	if err != nil {
		return nil, err
	}
	var orphaned []string
	for _, u := range units {
		rowIDs, err := segmentRowIDsTx(tx, u.ID)
		if err != nil {
			return nil, err
		}
		orphaned = append(orphaned, rowIDs...)
	}
	if _, err := tx.Exec("DELETE FROM index_units WHERE resource_id = ?", resourceID); err != nil {
		return nil, apperr.Database("index.DeleteByResource", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Database("index.DeleteByResource", err)
	}
	return orphaned, nil
}

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

func stateColumn(m Modality) (stateCol, errCol string) {
	if m == ModalityMM {
		return "mm_state", "mm_error"
	}
	return "text_state", "text_error"
}

// Claim atomically moves one unit's modality state from pending to indexing.
// The conditional UPDATE guarantees no two schedulers claim the same unit.
func (r *Registry) Claim(id string, m Modality) (bool, error) {
	stateCol, _ := stateColumn(m)
	res, err := r.db.Exec(
		"UPDATE index_units SET "+stateCol+" = 'indexing', updated_at = ? WHERE id = ? AND "+stateCol+" = 'pending'",
		now(), id)
	if err != nil {
		return false, apperr.Database("index.Claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Database("index.Claim", err)
	}
	return n == 1, nil
}

// SetState forces a modality state, recording an error message for failed.
func (r *Registry) SetState(id string, m Modality, state State, errMsg string) error {
	stateCol, errCol := stateColumn(m)
	if state != StateFailed {
		errMsg = ""
	}
	res, err := r.db.Exec(
		"UPDATE index_units SET "+stateCol+" = ?, "+errCol+" = ?, updated_at = ? WHERE id = ?",
		string(state), errMsg, now(), id)
	if err != nil {
		return apperr.Database("index.SetState", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("index.SetState", "unit %s not found", id)
	}
	return nil
}

// SetTextIndexed marks the text pipeline complete for a unit.
func (r *Registry) SetTextIndexed(id string, chunkCount, dim int) error {
	res, err := r.db.Exec(`
		UPDATE index_units SET text_state = 'indexed', text_error = '',
			chunk_count = ?, embedding_dim = ?, indexed_at = ?, updated_at = ?
		WHERE id = ?`,
		chunkCount, dim, now(), now(), id)
	if err != nil {
		return apperr.Database("index.SetTextIndexed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("index.SetTextIndexed", "unit %s not found", id)
	}
	return nil
}

// SetMMIndexed marks the multimodal pipeline complete for a unit.
func (r *Registry) SetMMIndexed(id string, dim int) error {
	res, err := r.db.Exec(`
		UPDATE index_units SET mm_state = 'indexed', mm_error = '',
			embedding_dim = ?, indexed_at = ?, updated_at = ?
		WHERE id = ?`,
		dim, now(), now(), id)
	if err != nil {
		return apperr.Database("index.SetMMIndexed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("index.SetMMIndexed", "unit %s not found", id)
	}
	return nil
}

// ListPending returns pending units of a modality, most recently touched
// first, capped at limit.
func (r *Registry) ListPending(m Modality, limit int) ([]Unit, error) {
	if limit <= 0 {
		limit = 50
	}
	stateCol, _ := stateColumn(m)
	rows, err := r.db.Query(
		"SELECT "+unitColumns+" FROM index_units WHERE "+stateCol+" = 'pending' ORDER BY updated_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, apperr.Database("index.ListPending", err)
	}
	defer rows.Close()
	return scanUnits(rows)
}

// =============================================================================
// STATS
// =============================================================================

// Stats summarizes unit states across the registry.
type Stats struct {
	TotalUnits    int              `json:"total_units"`
	TotalSegments int              `json:"total_segments"`
	TextStates    map[State]int    `json:"text_states"`
	MMStates      map[State]int    `json:"mm_states"`
}

// GetStats counts units per modality state.
func (r *Registry) GetStats() (*Stats, error) {
	st := &Stats{TextStates: map[State]int{}, MMStates: map[State]int{}}

	if err := r.db.QueryRow("SELECT COUNT(*) FROM index_units").Scan(&st.TotalUnits); err != nil {
		return nil, apperr.Database("index.GetStats", err)
	}
	if err := r.db.QueryRow("SELECT COUNT(*) FROM index_segments").Scan(&st.TotalSegments); err != nil {
		return nil, apperr.Database("index.GetStats", err)
	}

	for _, col := range []struct {
		name string
		dst  map[State]int
	}{
		{"text_state", st.TextStates},
		{"mm_state", st.MMStates},
	} {
		rows, err := r.db.Query("SELECT " + col.name + ", COUNT(*) FROM index_units GROUP BY " + col.name)
		if err != nil {
			return nil, apperr.Database("index.GetStats", err)
		}
		for rows.Next() {
			var state string
			var n int
			if err := rows.Scan(&state, &n); err != nil {
				rows.Close()
				return nil, apperr.Database("index.GetStats", err)
			}
			col.dst[State(state)] = n
		}
		rows.Close()
	}
	return st, nil
}

// =============================================================================
// ROW SCANNING
// =============================================================================

const unitColumns = `id, resource_id, unit_index, image_blob_hash, image_mime,
	text_content, text_source, content_hash, text_state, mm_state,
	text_error, mm_error, indexed_at, chunk_count, embedding_dim,
	created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanUnit(row rowScanner) (*Unit, error) {
	var u Unit
	err := row.Scan(&u.ID, &u.ResourceID, &u.UnitIndex, &u.ImageBlobHash, &u.ImageMime,
		&u.TextContent, &u.TextSource, &u.ContentHash, &u.TextState, &u.MMState,
		&u.TextError, &u.MMError, &u.IndexedAt, &u.ChunkCount, &u.EmbeddingDim,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanUnits(rows *sql.Rows) ([]Unit, error) {
	var units []Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, apperr.Database("index.scanUnits", err)
		}
		units = append(units, *u)
	}
	return units, rows.Err()
}

func unitsByResourceTx(tx *sql.Tx, resourceID string) ([]Unit, error) {
	rows, err := tx.Query(
		"SELECT "+unitColumns+" FROM index_units WHERE resource_id = ? ORDER BY unit_index",
		resourceID)
	if err != nil {
		return nil, apperr.Database("index.unitsByResource", err)
	}
	defer rows.Close()
	return scanUnits(rows)
}

func unitByIDTx(tx *sql.Tx, id string) (*Unit, error) {
	u, err := scanUnit(tx.QueryRow("SELECT "+unitColumns+" FROM index_units WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("index.GetByID", "unit %s not found", id)
	}
	if err != nil {
		return nil, apperr.Database("index.GetByID", err)
	}
	return u, nil
}
