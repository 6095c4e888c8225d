package embedding

import (
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// EstimateTokens approximates the token count of text by character class.
// The weights are deliberately conservative for CJK-heavy inputs so that a
// chunk never lands over a model's real limit.
func EstimateTokens(text string) int {
	if text == "" {
		return 1
	}
	var cost float64
	for _, r := range text {
		switch {
		case isCJK(r):
			cost += 1.5
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			cost += 0.3
		case unicode.IsSpace(r):
			cost += 0.2
		default:
			cost += 1.0
		}
	}
	n := int(math.Ceil(cost))
	if n < 1 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

var (
	encoderMu    sync.Mutex
	encoderCache = map[string]*tiktoken.Tiktoken{}
	encoderMiss  = map[string]bool{}
)

// counterForModel returns an exact tiktoken counter when the model has a
// known encoding, otherwise the conservative heuristic. Misses are cached so
// unknown models do not retry the lookup per chunk.
func counterForModel(model string) func(string) int {
	encoderMu.Lock()
	defer encoderMu.Unlock()

	if enc, ok := encoderCache[model]; ok {
		return func(text string) int { return len(enc.Encode(text, nil, nil)) }
	}
	if encoderMiss[model] {
		return EstimateTokens
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoderMiss[model] = true
		logging.EmbeddingDebug("no tiktoken encoding for %q, using heuristic estimator", model)
		return EstimateTokens
	}
	encoderCache[model] = enc
	return func(text string) int { return len(enc.Encode(text, nil, nil)) }
}

// =============================================================================
// MODEL TOKEN LIMITS
// =============================================================================

// modelLimits maps model-name prefixes to hard token caps. Lookups are
// case-insensitive; longest matching prefix wins.
var modelLimits = []struct {
	prefix string
	limit  int
}{
	{"bge-large", 512},
	{"bge-m3", 8192},
	{"qwen3-embedding", 32768},
	{"text-embedding-3", 8192},
	{"voyage-3", 32000},
}

const (
	defaultTokenLimit    = 512
	defaultSafetyMargin  = 0.9
	defaultOverlapTokens = 50
)

// ModelTokenLimit returns the hard token cap for a model name.
func ModelTokenLimit(model string) int {
	name := strings.ToLower(model)
	// Strip a provider path prefix like "BAAI/bge-m3".
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	best := 0
	limit := defaultTokenLimit
	for _, m := range modelLimits {
		if strings.HasPrefix(name, m.prefix) && len(m.prefix) > best {
			best = len(m.prefix)
			limit = m.limit
		}
	}
	return limit
}

// EffectiveTokenLimit applies the safety margin to the hard cap.
func EffectiveTokenLimit(model string) int {
	n := int(float64(ModelTokenLimit(model)) * defaultSafetyMargin)
	if n < 1 {
		n = 1
	}
	return n
}

// =============================================================================
// HIERARCHICAL CHUNKING
// =============================================================================

var sentenceTerminators = map[rune]bool{
	'。': true, '！': true, '？': true,
	'.': true, '!': true, '?': true,
	'；': true, ';': true, '\n': true,
}

// ChunkForModel splits text to fit the model's effective token limit with
// the default overlap.
func ChunkForModel(text, model string) []string {
	return ChunkText(text, EffectiveTokenLimit(model), defaultOverlapTokens, counterForModel(model))
}

// ChunkText splits text hierarchically: paragraph blocks first, then
// sentences, then a per-character hard cut. All splitting iterates runes,
// never bytes, so UTF-8 sequences stay intact. When overlapTokens > 0 each
// chunk after the first is prefixed with the tail of its predecessor.
func ChunkText(text string, maxTokens, overlapTokens int, count func(string) int) []string {
	if count == nil {
		count = EstimateTokens
	}
	if text == "" || count(text) <= maxTokens {
		return []string{text}
	}
	if maxTokens < 1 {
		maxTokens = 1
	}

	budget := maxTokens
	if overlapTokens > 0 && overlapTokens < maxTokens {
		budget = maxTokens - overlapTokens
	}

	var pieces []string
	for _, para := range strings.Split(text, "\n\n") {
		if para == "" {
			continue
		}
		if count(para) <= budget {
			pieces = append(pieces, para)
			continue
		}
		for _, sent := range splitSentences(para) {
			if count(sent) <= budget {
				pieces = append(pieces, sent)
				continue
			}
			pieces = append(pieces, hardCut(sent, budget, count)...)
		}
	}
	if len(pieces) == 0 {
		return []string{text}
	}

	// Greedily pack pieces into chunks up to the budget.
	var chunks []string
	var cur strings.Builder
	curTokens := 0
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curTokens = 0
		}
	}
	for _, p := range pieces {
		t := count(p)
		if curTokens > 0 && curTokens+t > budget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
		curTokens += t
	}
	flush()

	if overlapTokens > 0 && len(chunks) > 1 {
		chunks = applyOverlap(chunks, overlapTokens, count)
	}
	logging.EmbeddingDebug("chunked %d tokens into %d chunks (budget %d)", count(text), len(chunks), maxTokens)
	return chunks
}

// splitSentences cuts on sentence terminators, keeping the terminator with
// the preceding sentence.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if sentenceTerminators[r] {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// hardCut splits by accumulating per-rune token cost. Each call makes
// progress: a cut always contains at least one rune.
func hardCut(text string, maxTokens int, count func(string) int) []string {
	var out []string
	var cur strings.Builder
	curTokens := 0
	for _, r := range text {
		rt := count(string(r))
		if curTokens > 0 && curTokens+rt > maxTokens {
			out = append(out, cur.String())
			cur.Reset()
			curTokens = 0
		}
		cur.WriteRune(r)
		curTokens += rt
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// applyOverlap prefixes each chunk after the first with the rune tail of
// its predecessor, bounded by overlapTokens.
func applyOverlap(chunks []string, overlapTokens int, count func(string) int) []string {
	out := make([]string, len(chunks))
	out[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		tail := runeTail(chunks[i-1], overlapTokens, count)
		if tail != "" {
			out[i] = tail + "\n" + chunks[i]
		} else {
			out[i] = chunks[i]
		}
	}
	return out
}

func runeTail(text string, maxTokens int, count func(string) int) string {
	runes := []rune(text)
	tokens := 0
	i := len(runes)
	for i > 0 {
		t := count(string(runes[i-1]))
		if tokens+t > maxTokens {
			break
		}
		tokens += t
		i--
	}
	return strings.TrimSpace(string(runes[i:]))
}
