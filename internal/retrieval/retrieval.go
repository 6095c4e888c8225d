// Package retrieval answers multimodal queries with ranked result cards,
// blending every available embedding space via reciprocal rank fusion.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/000haoji/deep-student-sub006/internal/embedding"
	"github.com/000haoji/deep-student-sub006/internal/logging"
	"github.com/000haoji/deep-student-sub006/internal/vector"
)

// rrfK is the reciprocal rank fusion constant.
const rrfK = 60

// vlVectorType is the multimodal table family; every other type is queried
// with the text embedding.
const vlVectorType = "vl"

// =============================================================================
// TYPES
// =============================================================================

// Query carries the user's question, optionally with an image.
type Query struct {
	Text          string
	ImageData     []byte
	ImageMime     string
	SubLibraryIDs []string
}

// Card is one ranked retrieval result.
type Card struct {
	SourceType   string  `json:"source_type"`
	SourceID     string  `json:"source_id"`
	PageIndex    int     `json:"page_index"`
	Text         string  `json:"text,omitempty"`
	ImageHash    string  `json:"image_hash,omitempty"`
	ImageBase64  string  `json:"image_base64,omitempty"`
	SubLibraryID string  `json:"sub_library_id,omitempty"`
	MetadataJSON string  `json:"metadata_json,omitempty"`
	Score        float64 `json:"score"`     // fused RRF score
	RawScore     float64 `json:"raw_score"` // best per-table similarity
}

// Options tunes one retrieval run.
type Options struct {
	PerTableTopK int
	MergeTopK    int
	FinalTopK    int
	EnableRerank bool
}

// DefaultOptions returns the stock retrieval parameters.
func DefaultOptions() Options {
	return Options{PerTableTopK: 20, MergeTopK: 30, FinalTopK: 10}
}

// Reranker re-scores fused candidates, typically with a multimodal model.
type Reranker interface {
	Rerank(ctx context.Context, q Query, cards []Card) ([]Card, error)
}

// ImageLoader resolves an image hash to base64 content for result cards.
type ImageLoader interface {
	LoadImageBase64(hash string) (string, error)
}

// Retriever fans a query out over every populated vector table.
type Retriever struct {
	mm         *vector.MMStore
	textEngine embedding.Engine        // nil disables text tables
	vlEngine   embedding.ImageEmbedder // nil disables vl tables
	vlText     embedding.Engine        // text-only fallback on the vl engine
	reranker   Reranker                // optional
	images     ImageLoader             // optional
}

// NewRetriever wires a retriever. textEngine and vlEngine may each be nil;
// the corresponding table family is then skipped.
func NewRetriever(mm *vector.MMStore, textEngine embedding.Engine, vlEngine embedding.Engine, reranker Reranker, images ImageLoader) *Retriever {
	r := &Retriever{
		mm:         mm,
		textEngine: textEngine,
		reranker:   reranker,
		images:     images,
	}
	if vlEngine != nil {
		r.vlText = vlEngine
		if ie, ok := vlEngine.(embedding.ImageEmbedder); ok {
			r.vlEngine = ie
		}
	}
	return r
}

// =============================================================================
// RETRIEVAL PIPELINE
// =============================================================================

// Retrieve runs the full pipeline: embed, fan out per table, fuse, rerank.
func (r *Retriever) Retrieve(ctx context.Context, q Query, opts Options) ([]Card, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Retrieve")
	defer timer.Stop()

	dims, err := r.mm.ListAvailableDimensionsByType()
	if err != nil {
		return nil, err
	}
	if len(dims) == 0 {
		return nil, nil
	}

	embeds, err := r.queryEmbeddings(ctx, q, dims)
	if err != nil {
		return nil, err
	}
	if len(embeds) == 0 {
		logging.RetrievalWarn("no embedding available for any populated table type")
		return nil, nil
	}

	lists, err := r.searchAll(ctx, q, opts, dims, embeds)
	if err != nil {
		return nil, err
	}

	cards := fuseRRF(lists)
	if opts.MergeTopK > 0 && len(cards) > opts.MergeTopK {
		cards = cards[:opts.MergeTopK]
	}

	if opts.EnableRerank && r.reranker != nil {
		cards, err = r.rerank(ctx, q, cards, opts.FinalTopK)
		if err != nil {
			return nil, err
		}
	} else if opts.FinalTopK > 0 && len(cards) > opts.FinalTopK {
		cards = cards[:opts.FinalTopK]
	}

	r.loadImages(cards)
	return cards, nil
}

// RetrieveFast searches only the text tables and skips fusion and rerank.
func (r *Retriever) RetrieveFast(ctx context.Context, q Query, topK int) ([]Card, error) {
	if r.textEngine == nil || q.Text == "" {
		return nil, nil
	}
	dims, err := r.mm.ListAvailableDimensionsByType()
	if err != nil {
		return nil, err
	}
	vec, err := r.textEngine.Embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	var best []vector.SearchResult
	for vt, dd := range dims {
		if vt == vlVectorType {
			continue
		}
		for _, d := range dd {
			if d != len(vec) {
				continue
			}
			res, err := r.mm.SearchInDimensionTyped(vt, d, vec, topK, q.SubLibraryIDs)
			if err != nil {
				return nil, err
			}
			best = append(best, res...)
		}
	}
	sort.SliceStable(best, func(i, j int) bool { return best[i].Score > best[j].Score })
	if topK > 0 && len(best) > topK {
		best = best[:topK]
	}
	cards := make([]Card, len(best))
	for i, res := range best {
		cards[i] = cardFrom(res)
		cards[i].Score = res.Score
	}
	r.loadImages(cards)
	return cards, nil
}

// queryEmbeddings produces one query vector per table family that both has
// data and has an engine to embed for it.
func (r *Retriever) queryEmbeddings(ctx context.Context, q Query, dims map[string][]int) (map[string][]float32, error) {
	embeds := make(map[string][]float32)
	for vt := range dims {
		if vt == vlVectorType {
			vec, err := r.embedVL(ctx, q)
			if err != nil {
				return nil, err
			}
			if vec != nil {
				embeds[vt] = vec
			}
			continue
		}
		if r.textEngine == nil || q.Text == "" {
			continue
		}
		if existing, ok := embeds["__text"]; ok {
			embeds[vt] = existing
			continue
		}
		vec, err := r.textEngine.Embed(ctx, q.Text)
		if err != nil {
			return nil, err
		}
		embeds[vt] = vec
		embeds["__text"] = vec
	}
	delete(embeds, "__text")
	return embeds, nil
}

func (r *Retriever) embedVL(ctx context.Context, q Query) ([]float32, error) {
	if len(q.ImageData) > 0 && r.vlEngine != nil {
		return r.vlEngine.EmbedImage(ctx, q.ImageData, q.ImageMime, q.Text)
	}
	if q.Text != "" && r.vlText != nil {
		return r.vlText.Embed(ctx, q.Text)
	}
	return nil, nil
}

// searchAll fans out one search per (type, dim) table whose dimension matches
// the query vector, in parallel. Mismatched dimensions are skipped, never
// searched.
func (r *Retriever) searchAll(ctx context.Context, q Query, opts Options, dims map[string][]int, embeds map[string][]float32) ([][]vector.SearchResult, error) {
	topK := opts.PerTableTopK
	if topK <= 0 {
		topK = DefaultOptions().PerTableTopK
	}

	var mu sync.Mutex
	var lists [][]vector.SearchResult
	g, gctx := errgroup.WithContext(ctx)

	for vt, dd := range dims {
		vec, ok := embeds[vt]
		if !ok {
			continue
		}
		for _, d := range dd {
			if d != len(vec) {
				logging.RetrievalDebug("skip %s/d%d: query dim %d", vt, d, len(vec))
				continue
			}
			vt, d, vec := vt, d, vec
			g.Go(func() error {
				res, err := r.mm.SearchInDimensionTyped(vt, d, vec, topK, q.SubLibraryIDs)
				if err != nil {
					return err
				}
				if len(res) == 0 {
					return nil
				}
				mu.Lock()
				lists = append(lists, res)
				mu.Unlock()
				return gctx.Err()
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lists, nil
}

func (r *Retriever) rerank(ctx context.Context, q Query, cards []Card, finalTopK int) ([]Card, error) {
	r.loadImages(cards)
	reranked, err := r.reranker.Rerank(ctx, q, cards)
	if err != nil {
		return nil, err
	}
	if finalTopK > 0 && len(reranked) > finalTopK {
		reranked = reranked[:finalTopK]
	}
	return reranked, nil
}

func (r *Retriever) loadImages(cards []Card) {
	if r.images == nil {
		return
	}
	for i := range cards {
		if cards[i].ImageHash == "" || cards[i].ImageBase64 != "" {
			continue
		}
		b64, err := r.images.LoadImageBase64(cards[i].ImageHash)
		if err != nil {
			logging.RetrievalWarn("image %s not loadable: %v", cards[i].ImageHash, err)
			continue
		}
		cards[i].ImageBase64 = b64
	}
}

// =============================================================================
// RECIPROCAL RANK FUSION
// =============================================================================

// fuseRRF merges ranked per-table result lists. A record appearing in several
// lists accumulates 1/(K + rank + 1) per appearance; the kept payload is the
// one with the highest raw similarity. Output is sorted by fused score, raw
// score as tie-break.
func fuseRRF(lists [][]vector.SearchResult) []Card {
	type acc struct {
		card Card
		raw  float64
	}
	fused := make(map[string]*acc)

	for _, list := range lists {
		for rank, res := range list {
			key := dedupeKey(res.Record)
			a, ok := fused[key]
			if !ok {
				a = &acc{card: cardFrom(res), raw: res.Score}
				fused[key] = a
			}
			a.card.Score += 1.0 / float64(rrfK+rank+1)
			if res.Score > a.raw {
				raw := res.Score
				score := a.card.Score
				a.card = cardFrom(res)
				a.card.Score = score
				a.raw = raw
			}
		}
	}

	cards := make([]Card, 0, len(fused))
	for _, a := range fused {
		a.card.RawScore = a.raw
		cards = append(cards, a.card)
	}
	sort.SliceStable(cards, func(i, j int) bool {
		if cards[i].Score != cards[j].Score {
			return cards[i].Score > cards[j].Score
		}
		return cards[i].RawScore > cards[j].RawScore
	})
	return cards
}

func dedupeKey(r vector.PageRecord) string {
	return fmt.Sprintf("%s:%s:%d", r.SourceType, r.SourceID, r.PageIndex)
}

func cardFrom(res vector.SearchResult) Card {
	return Card{
		SourceType:   res.Record.SourceType,
		SourceID:     res.Record.SourceID,
		PageIndex:    res.Record.PageIndex,
		Text:         res.Record.Text,
		ImageHash:    res.Record.ImageHash,
		SubLibraryID: res.Record.SubLibraryID,
		MetadataJSON: res.Record.MetadataJSON,
		RawScore:     res.Score,
	}
}
