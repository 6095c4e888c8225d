//go:build !sqlite_vec || !cgo

package vector

// Without the sqlite_vec build tag, similarity queries use the in-process
// scan. The stubs below exist only to satisfy the compiler; they are
// unreachable while vecSearch is false.
const vecSearch = false

func (s *TextStore) searchSimilarVec([]float32, int, []string) ([]TextResult, error) {
	return nil, nil
}

func (s *MMStore) searchInDimensionVec(string, []float32, int, []string) ([]SearchResult, error) {
	return nil, nil
}
