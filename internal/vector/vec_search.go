//go:build sqlite_vec && cgo

package vector

import (
	"strings"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

// vecSearch routes similarity queries through the sqlite-vec extension.
// Embeddings are already stored as little-endian float32 blobs, which is
// the raw vector format vec_distance_cosine expects, so the ANN path and
// the portable path share one schema.
const vecSearch = true

func init() {
	// Register sqlite-vec with the mattn/go-sqlite3 driver for every
	// connection opened after this point.
	vec.Auto()
}

func (s *TextStore) searchSimilarVec(queryEmb []float32, topK int, subLibraryIDs []string) ([]TextResult, error) {
	query := `
		SELECT c.chunk_id, c.document_id, c.chunk_index, c.content, c.metadata_json, c.sub_library_id,
		       vec_distance_cosine(v.embedding, ?) AS distance
		FROM rag_chunks c JOIN rag_vectors v ON v.chunk_id = c.chunk_id
		WHERE v.dimension = ?`
	args := []any{EncodeF32(queryEmb), len(queryEmb)}
	if len(subLibraryIDs) > 0 {
		query += " AND c.sub_library_id IN (?" + repeat(",?", len(subLibraryIDs)-1) + ")"
		for _, id := range subLibraryIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY distance ASC LIMIT ?"
	args = append(args, topK)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Database("vector.searchSimilarVec", err)
	}
	defer rows.Close()

	var results []TextResult
	for rows.Next() {
		var c Chunk
		var distance float64
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.MetadataJSON, &c.SubLibraryID, &distance); err != nil {
			return nil, apperr.Database("vector.searchSimilarVec", err)
		}
		results = append(results, TextResult{Chunk: c, Score: 1 - distance})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database("vector.searchSimilarVec", err)
	}
	return results, nil
}

func (s *MMStore) searchInDimensionVec(table string, queryEmb []float32, topK int, subLibraryIDs []string) ([]SearchResult, error) {
	query := `
		SELECT lance_row_id, source_type, source_id, page_index, text, image_hash, sub_library_id, metadata_json,
		       vec_distance_cosine(embedding, ?) AS distance
		FROM ` + table
	args := []any{EncodeF32(queryEmb)}
	if len(subLibraryIDs) > 0 {
		query += " WHERE sub_library_id IN (?" + repeat(",?", len(subLibraryIDs)-1) + ")"
		for _, id := range subLibraryIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY distance ASC LIMIT ?"
	args = append(args, topK)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, apperr.Database("vector.searchInDimensionVec", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r PageRecord
		var distance float64
		if err := rows.Scan(&r.LanceRowID, &r.SourceType, &r.SourceID, &r.PageIndex,
			&r.Text, &r.ImageHash, &r.SubLibraryID, &r.MetadataJSON, &distance); err != nil {
			return nil, apperr.Database("vector.searchInDimensionVec", err)
		}
		results = append(results, SearchResult{Score: 1 - distance, Record: r})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database("vector.searchInDimensionVec", err)
	}
	return results, nil
}
