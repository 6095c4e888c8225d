package index

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

// Segment records one vector-store row produced from a unit. The lance row
// id is an opaque key owned by the vector backend.
type Segment struct {
	ID           string   `json:"id"`
	UnitID       string   `json:"unit_id"`
	Modality     Modality `json:"modality"`
	LanceRowID   string   `json:"lance_row_id"`
	ChunkIndex   int      `json:"chunk_index"`
	EmbeddingDim int      `json:"embedding_dim"`
}

// SegmentInput is one segment to record.
type SegmentInput struct {
	LanceRowID   string
	ChunkIndex   int
	EmbeddingDim int
}

// ReplaceSegments swaps a unit's segments for one modality, returning the
// lance row ids of the replaced segments so the caller can delete the stale
// vector rows.
func (r *Registry) ReplaceSegments(unitID string, m Modality, inputs []SegmentInput) ([]string, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, apperr.Database("index.ReplaceSegments", err)
	}
	defer tx.Rollback()

	if _, err := unitByIDTx(tx, unitID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(
		"SELECT lance_row_id FROM index_segments WHERE unit_id = ? AND modality = ?",
		unitID, string(m))
	if err != nil {
		return nil, apperr.Database("index.ReplaceSegments", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, apperr.Database("index.ReplaceSegments", err)
		}
		stale = append(stale, id)
	}
	rows.Close()

	if _, err := tx.Exec(
		"DELETE FROM index_segments WHERE unit_id = ? AND modality = ?",
		unitID, string(m)); err != nil {
		return nil, apperr.Database("index.ReplaceSegments", err)
	}
	for _, in := range inputs {
		if _, err := tx.Exec(`
			INSERT INTO index_segments (id, unit_id, modality, lance_row_id, chunk_index, embedding_dim)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), unitID, string(m), in.LanceRowID, in.ChunkIndex, in.EmbeddingDim); err != nil {
			return nil, apperr.Database("index.ReplaceSegments", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Database("index.ReplaceSegments", err)
	}
	return stale, nil
}

// SegmentsByUnit returns a unit's segments ordered by chunk index.
func (r *Registry) SegmentsByUnit(unitID string) ([]Segment, error) {
	rows, err := r.db.Query(`
		SELECT id, unit_id, modality, lance_row_id, chunk_index, embedding_dim
		FROM index_segments WHERE unit_id = ? ORDER BY modality, chunk_index`,
		unitID)
	if err != nil {
		return nil, apperr.Database("index.SegmentsByUnit", err)
	}
	defer rows.Close()

	var segs []Segment
	for rows.Next() {
		var s Segment
		if err := rows.Scan(&s.ID, &s.UnitID, &s.Modality, &s.LanceRowID, &s.ChunkIndex, &s.EmbeddingDim); err != nil {
			return nil, apperr.Database("index.SegmentsByUnit", err)
		}
		segs = append(segs, s)
	}
	return segs, rows.Err()
}

func segmentRowIDsTx(tx *sql.Tx, unitID string) ([]string, error) {
	rows, err := tx.Query("SELECT lance_row_id FROM index_segments WHERE unit_id = ?", unitID)
	if err != nil {
		return nil, apperr.Database("index.segmentRowIDs", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Database("index.segmentRowIDs", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
