package usage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/000haoji/deep-student-sub006/internal/llm"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	r, err := NewRepository(db)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return r
}

func TestInferProvider(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":            "openai",
		"o3-mini":           "openai",
		"claude-sonnet-4-5": "anthropic",
		"gemini-2.5-pro":    "google",
		"deepseek-chat":     "deepseek",
		"qwen-max":          "alibaba",
		"mystery-model":     "unknown",
	}
	for model, want := range cases {
		if got := InferProvider(model); got != want {
			t.Errorf("InferProvider(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestInsertDerivesDateKeyAndTotal(t *testing.T) {
	r := newTestRepo(t)
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	if err := r.Insert(Record{
		Timestamp: ts, Model: "gpt-4o", Provider: "openai",
		PromptTokens: 100, CompletionTokens: 40,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s, err := r.GetSummary(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if s.Calls != 1 || s.TotalTokens != 140 {
		t.Errorf("summary = %+v", s)
	}

	trends, err := r.GetTrends(36500, GranularityDay)
	if err != nil {
		t.Fatalf("GetTrends: %v", err)
	}
	if len(trends) != 1 || trends[0].Bucket != "2026-03-14" {
		t.Errorf("trends = %+v", trends)
	}
}

func TestInsertBatchAndSummaryWindow(t *testing.T) {
	r := newTestRepo(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var recs []Record
	for i := 0; i < 5; i++ {
		recs = append(recs, Record{
			Timestamp: base.AddDate(0, 0, i), Model: "claude-sonnet-4-5", Provider: "anthropic",
			PromptTokens: 10, CompletionTokens: 5, Success: i != 4, DurationMs: 100,
		})
	}
	if err := r.InsertBatch(recs); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	// Window covering the middle three days.
	s, err := r.GetSummary(base.AddDate(0, 0, 1), base.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if s.Calls != 3 || s.TotalTokens != 45 {
		t.Errorf("windowed summary = %+v", s)
	}

	all, _ := r.GetSummary(time.Time{}, time.Time{})
	if all.Calls != 5 || all.Succeeded != 4 {
		t.Errorf("full summary = %+v", all)
	}
	if all.AvgDurationMs != 100 {
		t.Errorf("avg duration = %v", all.AvgDurationMs)
	}
}

func TestTrendGranularities(t *testing.T) {
	r := newTestRepo(t)
	now := time.Now().UTC()
	for _, d := range []time.Duration{0, time.Hour, 25 * time.Hour} {
		if err := r.Insert(Record{
			Timestamp: now.Add(-d), Model: "gpt-4o", Provider: "openai", PromptTokens: 1,
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	hourly, err := r.GetTrends(7, GranularityHour)
	if err != nil {
		t.Fatalf("hourly: %v", err)
	}
	if len(hourly) < 2 {
		t.Errorf("hourly buckets = %d, want >= 2", len(hourly))
	}

	monthly, err := r.GetTrends(7, GranularityMonth)
	if err != nil {
		t.Fatalf("monthly: %v", err)
	}
	var total int
	for _, p := range monthly {
		total += p.Calls
	}
	if total != 3 {
		t.Errorf("monthly total = %d, want 3", total)
	}

	if _, err := r.GetTrends(7, Granularity("fortnight")); err == nil {
		t.Error("unknown granularity accepted")
	}
}

func TestBreakdowns(t *testing.T) {
	r := newTestRepo(t)
	recs := []Record{
		{Model: "gpt-4o", Provider: "openai", Caller: "chat", PromptTokens: 100},
		{Model: "gpt-4o", Provider: "openai", Caller: "chat", PromptTokens: 50},
		{Model: "claude-sonnet-4-5", Provider: "anthropic", Caller: "grading_essay", PromptTokens: 30},
	}
	if err := r.InsertBatch(recs); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	byModel, err := r.GetByModel()
	if err != nil {
		t.Fatalf("GetByModel: %v", err)
	}
	if len(byModel) != 2 || byModel[0].Key != "gpt-4o" || byModel[0].TotalTokens != 150 {
		t.Errorf("by model = %+v", byModel)
	}

	byCaller, err := r.GetByCaller()
	if err != nil {
		t.Fatalf("GetByCaller: %v", err)
	}
	if len(byCaller) != 2 || byCaller[0].Key != "chat" || byCaller[0].Calls != 2 {
		t.Errorf("by caller = %+v", byCaller)
	}
}

func TestDeleteOldRecords(t *testing.T) {
	r := newTestRepo(t)
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	r.Insert(Record{Timestamp: old, Model: "gpt-4o", Provider: "openai"})
	r.Insert(Record{Timestamp: recent, Model: "gpt-4o", Provider: "openai"})

	n, err := r.DeleteOldRecords("2026-01-01")
	if err != nil {
		t.Fatalf("DeleteOldRecords: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	s, _ := r.GetSummary(time.Time{}, time.Time{})
	if s.Calls != 1 {
		t.Errorf("remaining = %d", s.Calls)
	}
}

func TestRecordLLMUsageInfersProvider(t *testing.T) {
	r := newTestRepo(t)
	var sink llm.UsageSink = r
	sink.RecordLLMUsage(context.Background(), llm.UsageEvent{
		Model: "deepseek-chat", Caller: "chat",
		PromptTokens: 7, CompletionTokens: 3, Success: true, DurationMs: 42,
	})

	byModel, _ := r.GetByModel()
	if len(byModel) != 1 || byModel[0].TotalTokens != 10 {
		t.Fatalf("by model = %+v", byModel)
	}
	rows, err := r.db.Query("SELECT provider FROM usage_records")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		rows.Scan(&p)
		if p != "deepseek" {
			t.Errorf("provider = %q, want deepseek", p)
		}
	}
}
