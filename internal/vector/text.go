package vector

import (
	"database/sql"
	"sort"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// Chunk is one stored text chunk with its provenance.
type Chunk struct {
	ChunkID      string `json:"chunk_id"`
	DocumentID   string `json:"document_id"`
	ChunkIndex   int    `json:"chunk_index"`
	Content      string `json:"content"`
	MetadataJSON string `json:"metadata_json,omitempty"`
	SubLibraryID string `json:"sub_library_id,omitempty"`
}

// ChunkInput pairs a chunk with its embedding for AddChunks.
type ChunkInput struct {
	Chunk     Chunk
	Embedding []float32
}

// TextResult is one similarity hit.
type TextResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// TextStats summarizes the text store.
type TextStats struct {
	ChunkCount int   `json:"chunk_count"`
	Dimensions []int `json:"dimensions"`
}

// TextStore holds RAG text chunks in one namespace.
type TextStore struct {
	db *sql.DB
}

// NewTextStore creates the chunk and vector tables.
func NewTextStore(db *sql.DB) (*TextStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS rag_chunks (
		chunk_id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		sub_library_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_doc ON rag_chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_sublib ON rag_chunks(sub_library_id);

	CREATE TABLE IF NOT EXISTS rag_vectors (
		chunk_id TEXT PRIMARY KEY REFERENCES rag_chunks(chunk_id) ON DELETE CASCADE,
		embedding BLOB NOT NULL,
		dimension INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Database("vector.NewTextStore", err)
	}
	return &TextStore{db: db}, nil
}

// AddChunks stores chunks and their embeddings in one transaction. All
// embeddings in a batch must share one dimension.
func (s *TextStore) AddChunks(inputs []ChunkInput) error {
	if len(inputs) == 0 {
		return nil
	}
	dim := len(inputs[0].Embedding)
	if dim == 0 {
		return apperr.Validation("vector.AddChunks", "empty embedding")
	}
	for _, in := range inputs {
		if len(in.Embedding) != dim {
			return apperr.Validation("vector.AddChunks",
				"mixed dimensions in batch: %d vs %d", len(in.Embedding), dim)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Database("vector.AddChunks", err)
	}
	defer tx.Rollback()

	for _, in := range inputs {
		c := in.Chunk
		if c.ChunkID == "" {
			c.ChunkID = uuid.NewString()
		}
		if c.MetadataJSON == "" {
			c.MetadataJSON = "{}"
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO rag_chunks (chunk_id, document_id, chunk_index, content, metadata_json, sub_library_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ChunkID, c.DocumentID, c.ChunkIndex, c.Content, c.MetadataJSON, c.SubLibraryID); err != nil {
			return apperr.Database("vector.AddChunks", err)
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO rag_vectors (chunk_id, embedding, dimension) VALUES (?, ?, ?)`,
			c.ChunkID, EncodeF32(in.Embedding), dim); err != nil {
			return apperr.Database("vector.AddChunks", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Database("vector.AddChunks", err)
	}
	logging.VectorDebug("added %d text chunks (dim %d)", len(inputs), dim)
	return nil
}

// SearchSimilar ranks chunks by cosine similarity to the query embedding.
// Rows with a different dimension are skipped, never compared. A non-empty
// subLibraryIDs restricts the scan.
func (s *TextStore) SearchSimilar(queryEmb []float32, topK int, subLibraryIDs []string) ([]TextResult, error) {
	if len(queryEmb) == 0 {
		return nil, apperr.Validation("vector.SearchSimilar", "empty query embedding")
	}
	if topK <= 0 {
		topK = 10
	}
	if vecSearch {
		return s.searchSimilarVec(queryEmb, topK, subLibraryIDs)
	}

	query := `
		SELECT c.chunk_id, c.document_id, c.chunk_index, c.content, c.metadata_json, c.sub_library_id,
		       v.embedding, v.dimension
		FROM rag_chunks c JOIN rag_vectors v ON v.chunk_id = c.chunk_id`
	var args []any
	if len(subLibraryIDs) > 0 {
		query += " WHERE c.sub_library_id IN (?" + repeat(",?", len(subLibraryIDs)-1) + ")"
		for _, id := range subLibraryIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Database("vector.SearchSimilar", err)
	}
	defer rows.Close()

	var results []TextResult
	for rows.Next() {
		var c Chunk
		var blob []byte
		var dim int
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.MetadataJSON, &c.SubLibraryID, &blob, &dim); err != nil {
			return nil, apperr.Database("vector.SearchSimilar", err)
		}
		if dim != len(queryEmb) {
			continue
		}
		emb, err := DecodeF32(blob)
		if err != nil {
			logging.VectorWarn("chunk %s has a corrupt embedding: %v", c.ChunkID, err)
			continue
		}
		results = append(results, TextResult{Chunk: c, Score: Cosine(queryEmb, emb)})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database("vector.SearchSimilar", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DeleteChunksByDocumentID removes all chunks of a document, returning the
// number removed. Vectors go with them via the cascade.
func (s *TextStore) DeleteChunksByDocumentID(documentID string) (int, error) {
	res, err := s.db.Exec("DELETE FROM rag_chunks WHERE document_id = ?", documentID)
	if err != nil {
		return 0, apperr.Database("vector.DeleteChunksByDocumentID", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearAll empties the text store.
func (s *TextStore) ClearAll() error {
	if _, err := s.db.Exec("DELETE FROM rag_chunks"); err != nil {
		return apperr.Database("vector.ClearAll", err)
	}
	logging.Vector("text store cleared")
	return nil
}

// GetStats reports chunk count and the distinct stored dimensions.
func (s *TextStore) GetStats() (*TextStats, error) {
	st := &TextStats{}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM rag_chunks").Scan(&st.ChunkCount); err != nil {
		return nil, apperr.Database("vector.GetStats", err)
	}
	rows, err := s.db.Query("SELECT DISTINCT dimension FROM rag_vectors ORDER BY dimension")
	if err != nil {
		return nil, apperr.Database("vector.GetStats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, apperr.Database("vector.GetStats", err)
		}
		st.Dimensions = append(st.Dimensions, d)
	}
	return st, rows.Err()
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
