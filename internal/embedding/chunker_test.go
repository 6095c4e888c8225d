package embedding

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEstimateTokensWeights(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 1},
		{"abcd", 2},       // 4 * 0.3 = 1.2 -> 2
		{"你好", 3},         // 2 * 1.5 = 3
		{"a b", 1},        // 0.3 + 0.2 + 0.3 = 0.8 -> 1
		{"!!!", 3},        // punctuation is 1.0 each
		{"日本語テスト", 9},     // 6 CJK runes * 1.5
		{"한국어", 5},        // 3 * 1.5 = 4.5 -> 5
	}
	for _, c := range cases {
		if got := EstimateTokens(c.text); got != c.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestModelTokenLimits(t *testing.T) {
	cases := []struct {
		model string
		want  int
	}{
		{"bge-large-zh-v1.5", 512},
		{"BAAI/bge-m3", 8192},
		{"Qwen3-Embedding-8B", 32768},
		{"text-embedding-3-small", 8192},
		{"voyage-3-lite", 32000},
		{"totally-unknown-model", 512},
	}
	for _, c := range cases {
		if got := ModelTokenLimit(c.model); got != c.want {
			t.Errorf("ModelTokenLimit(%q) = %d, want %d", c.model, got, c.want)
		}
	}

	if got := EffectiveTokenLimit("bge-large"); got != 460 {
		t.Errorf("EffectiveTokenLimit(bge-large) = %d, want 460", got)
	}
}

func TestChunkShortTextUnchanged(t *testing.T) {
	chunks := ChunkText("short", 512, 50, EstimateTokens)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Errorf("chunks = %v", chunks)
	}
	chunks = ChunkText("", 512, 50, EstimateTokens)
	if len(chunks) != 1 || chunks[0] != "" {
		t.Errorf("empty input: %v", chunks)
	}
}

func TestChunkLongChineseParagraph(t *testing.T) {
	// 800 Chinese characters, no sentence terminators, for a 512-token
	// model: expect at least 3 chunks, each at most 460 chars, UTF-8
	// intact, and no character lost.
	text := strings.Repeat("汉", 800)
	chunks := ChunkText(text, EffectiveTokenLimit("bge-large-zh"), 0, EstimateTokens)

	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want >= 3", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		n := utf8.RuneCountInString(c)
		if n > 460 {
			t.Errorf("chunk %d has %d chars, want <= 460", i, n)
		}
		total += n
	}
	if total != 800 {
		t.Errorf("concatenated chars = %d, want 800", total)
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble the input")
	}
}

func TestChunkSplitsOnParagraphsFirst(t *testing.T) {
	para := strings.Repeat("word ", 100) // ~50 tokens per paragraph
	text := para + "\n\n" + para + "\n\n" + para

	chunks := ChunkText(text, 80, 0, EstimateTokens)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want paragraph-level split", len(chunks))
	}
	for i, c := range chunks {
		if got := EstimateTokens(c); got > 80 {
			t.Errorf("chunk %d estimates %d tokens, over the 80 budget", i, got)
		}
	}
}

func TestChunkSplitsSentencesInsideHugeParagraph(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString(strings.Repeat("字", 40))
		b.WriteString("。")
	}
	chunks := ChunkText(b.String(), 100, 0, EstimateTokens)

	if len(chunks) < 10 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d invalid UTF-8", i)
		}
		if EstimateTokens(c) > 100 {
			t.Errorf("chunk %d over budget", i)
		}
	}
}

func TestHardCutMakesProgress(t *testing.T) {
	// maxTokens 1 forces one rune per cut; must still terminate with every
	// rune present.
	chunks := hardCut("龍馬雲", 1, EstimateTokens)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %v, want one rune each", chunks)
	}
	if strings.Join(chunks, "") != "龍馬雲" {
		t.Error("hard cut lost characters")
	}
}

func TestOverlapCarriesContext(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta. ", 60)
	chunks := ChunkText(text, 50, 10, EstimateTokens)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	// Each later chunk starts with the tail of the previous one.
	for i := 1; i < len(chunks); i++ {
		head := strings.SplitN(chunks[i], "\n", 2)[0]
		if head == "" || !strings.Contains(chunks[i-1], head) {
			t.Errorf("chunk %d does not carry overlap from its predecessor", i)
		}
	}
}

func TestAggregate(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}}

	first := Aggregate(vectors, AggFirst)
	if len(first) != 1 || first[0][0] != 1 {
		t.Errorf("AggFirst = %v", first)
	}

	all := Aggregate(vectors, AggKeepAll)
	if len(all) != 2 {
		t.Errorf("AggKeepAll = %v", all)
	}

	mean := Aggregate(vectors, AggMeanPooling)
	if len(mean) != 1 {
		t.Fatalf("AggMeanPooling = %v", mean)
	}
	// Mean of (1,0),(0,1) is (0.5,0.5); L2-normalized ~ (0.7071, 0.7071).
	if diff := mean[0][0] - 0.70710677; diff > 1e-4 || diff < -1e-4 {
		t.Errorf("normalized mean = %v", mean[0])
	}

	single := Aggregate([][]float32{{3, 4}}, AggMeanPooling)
	if len(single) != 1 || single[0][0] != 3 {
		t.Errorf("single vector must pass through: %v", single)
	}
}
