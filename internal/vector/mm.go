package vector

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// PageRecord is one row in a multimodal table. LanceRowID is the opaque key
// the index registry tracks for cleanup.
type PageRecord struct {
	LanceRowID   string `json:"lance_row_id"`
	SourceType   string `json:"source_type"`
	SourceID     string `json:"source_id"`
	PageIndex    int    `json:"page_index"`
	Text         string `json:"text,omitempty"`
	ImageHash    string `json:"image_hash,omitempty"`
	SubLibraryID string `json:"sub_library_id,omitempty"`
	MetadataJSON string `json:"metadata_json,omitempty"`
}

// PageInput pairs a record with its embedding for Upsert.
type PageInput struct {
	Record    PageRecord
	Embedding []float32
}

// SearchResult is one hit from a multimodal table. Scores are comparable
// only within one (type, dimension) table.
type SearchResult struct {
	Score  float64    `json:"score"`
	Record PageRecord `json:"record"`
}

// MMStore manages the per-(vector type, dimension) sharded tables.
type MMStore struct {
	db *sql.DB
}

// NewMMStore wraps a handle; tables are created lazily on first upsert.
func NewMMStore(db *sql.DB) *MMStore {
	return &MMStore{db: db}
}

var vectorTypeRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// tableName builds mm_pages_<type>_d<dim>. The type is validated against a
// strict pattern because it is interpolated into SQL.
func tableName(vectorType string, dim int) (string, error) {
	if !vectorTypeRe.MatchString(vectorType) {
		return "", apperr.Validation("vector.tableName", "invalid vector type %q", vectorType)
	}
	if dim <= 0 || dim > 65536 {
		return "", apperr.Validation("vector.tableName", "invalid dimension %d", dim)
	}
	return fmt.Sprintf("mm_pages_%s_d%d", vectorType, dim), nil
}

func (s *MMStore) ensureTable(vectorType string, dim int) (string, error) {
	table, err := tableName(vectorType, dim)
	if err != nil {
		return "", err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS ` + table + ` (
		lance_row_id TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		page_index INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		image_hash TEXT NOT NULL DEFAULT '',
		sub_library_id TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		embedding BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_` + table + `_source ON ` + table + `(source_type, source_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return "", apperr.Database("vector.ensureTable", err)
	}
	return table, nil
}

// Upsert writes records into the (type, dim) table keyed by lance row id,
// creating the table on first use. Every embedding must match dim.
func (s *MMStore) Upsert(vectorType string, dim int, inputs []PageInput) error {
	if len(inputs) == 0 {
		return nil
	}
	table, err := s.ensureTable(vectorType, dim)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Database("vector.Upsert", err)
	}
	defer tx.Rollback()

	for _, in := range inputs {
		if len(in.Embedding) != dim {
			return apperr.Validation("vector.Upsert",
				"embedding dimension %d does not match table dimension %d", len(in.Embedding), dim)
		}
		r := in.Record
		if r.LanceRowID == "" {
			return apperr.Validation("vector.Upsert", "record without lance_row_id")
		}
		if r.MetadataJSON == "" {
			r.MetadataJSON = "{}"
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO `+table+`
				(lance_row_id, source_type, source_id, page_index, text, image_hash, sub_library_id, metadata_json, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.LanceRowID, r.SourceType, r.SourceID, r.PageIndex, r.Text,
			r.ImageHash, r.SubLibraryID, r.MetadataJSON, EncodeF32(in.Embedding)); err != nil {
			return apperr.Database("vector.Upsert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Database("vector.Upsert", err)
	}
	logging.VectorDebug("upserted %d rows into %s", len(inputs), table)
	return nil
}

// ListAvailableDimensionsByType discovers existing shard tables and returns
// type -> sorted dimensions.
func (s *MMStore) ListAvailableDimensionsByType() (map[string][]int, error) {
	rows, err := s.db.Query(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'mm\\_pages\\_%' ESCAPE '\\'")
	if err != nil {
		return nil, apperr.Database("vector.ListAvailableDimensionsByType", err)
	}
	defer rows.Close()

	out := make(map[string][]int)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperr.Database("vector.ListAvailableDimensionsByType", err)
		}
		vt, dim, ok := parseTableName(name)
		if !ok {
			continue
		}
		out[vt] = append(out[vt], dim)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database("vector.ListAvailableDimensionsByType", err)
	}
	for vt := range out {
		sort.Ints(out[vt])
	}
	return out, nil
}

func parseTableName(name string) (vectorType string, dim int, ok bool) {
	rest, found := strings.CutPrefix(name, "mm_pages_")
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(rest, "_d")
	if i <= 0 {
		return "", 0, false
	}
	dim, err := strconv.Atoi(rest[i+2:])
	if err != nil || dim <= 0 {
		return "", 0, false
	}
	return rest[:i], dim, true
}

// SearchInDimensionTyped scans one (type, dim) table by cosine similarity.
// A query embedding whose dimension differs from the table is rejected.
func (s *MMStore) SearchInDimensionTyped(vectorType string, dim int, queryEmb []float32, topK int, subLibraryIDs []string) ([]SearchResult, error) {
	if len(queryEmb) != dim {
		return nil, apperr.Validation("vector.SearchInDimensionTyped",
			"query dimension %d does not match table dimension %d", len(queryEmb), dim)
	}
	if topK <= 0 {
		topK = 10
	}
	table, err := tableName(vectorType, dim)
	if err != nil {
		return nil, err
	}
	if vecSearch {
		return s.searchInDimensionVec(table, queryEmb, topK, subLibraryIDs)
	}

	query := `SELECT lance_row_id, source_type, source_id, page_index, text, image_hash, sub_library_id, metadata_json, embedding FROM ` + table
	var args []any
	if len(subLibraryIDs) > 0 {
		query += " WHERE sub_library_id IN (?" + repeat(",?", len(subLibraryIDs)-1) + ")"
		for _, id := range subLibraryIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		// A table that was never created means no rows of that shape exist.
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, apperr.Database("vector.SearchInDimensionTyped", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r PageRecord
		var blob []byte
		if err := rows.Scan(&r.LanceRowID, &r.SourceType, &r.SourceID, &r.PageIndex,
			&r.Text, &r.ImageHash, &r.SubLibraryID, &r.MetadataJSON, &blob); err != nil {
			return nil, apperr.Database("vector.SearchInDimensionTyped", err)
		}
		emb, err := DecodeF32(blob)
		if err != nil {
			logging.VectorWarn("row %s in %s has a corrupt embedding: %v", r.LanceRowID, table, err)
			continue
		}
		results = append(results, SearchResult{Score: Cosine(queryEmb, emb), Record: r})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database("vector.SearchInDimensionTyped", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DeleteByLanceRowIDs removes rows by key across every shard table and
// returns the number deleted.
func (s *MMStore) DeleteByLanceRowIDs(rowIDs []string) (int, error) {
	if len(rowIDs) == 0 {
		return 0, nil
	}
	dims, err := s.ListAvailableDimensionsByType()
	if err != nil {
		return 0, err
	}

	total := 0
	for vt, ds := range dims {
		for _, d := range ds {
			table, err := tableName(vt, d)
			if err != nil {
				continue
			}
			placeholders := "?" + repeat(",?", len(rowIDs)-1)
			args := make([]any, len(rowIDs))
			for i, id := range rowIDs {
				args[i] = id
			}
			res, err := s.db.Exec("DELETE FROM "+table+" WHERE lance_row_id IN ("+placeholders+")", args...)
			if err != nil {
				return total, apperr.Database("vector.DeleteByLanceRowIDs", err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
	}
	if total > 0 {
		logging.Vector("deleted %d multimodal rows", total)
	}
	return total, nil
}
