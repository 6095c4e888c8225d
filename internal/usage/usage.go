// Package usage records per-call LLM token accounting in a single wide
// SQLite table and answers summary, trend, and breakdown queries over it.
// Records are insert-only; readers see eventual consistency.
package usage

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/llm"
	"github.com/000haoji/deep-student-sub006/internal/logging"
	"github.com/000haoji/deep-student-sub006/internal/workspace"
)

// Record is one LLM call. DateKey is derived from Timestamp at insert so
// date-grouped queries never parse timestamps.
type Record struct {
	ID               string
	Timestamp        time.Time
	DateKey          string // YYYY-MM-DD, UTC
	Model            string
	Provider         string
	Caller           string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Success          bool
	DurationMs       int64
}

// Summary is the rolled totals over a period.
type Summary struct {
	Calls            int
	Succeeded        int
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	AvgDurationMs    float64
}

// Granularity selects the trend bucket size.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// TrendPoint is one time bucket in a trend series.
type TrendPoint struct {
	Bucket      string
	Calls       int
	TotalTokens int64
}

// Breakdown is one group row for by-model / by-caller queries.
type Breakdown struct {
	Key         string
	Calls       int
	TotalTokens int64
}

// Repository persists usage records. It implements llm.UsageSink.
type Repository struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id                TEXT PRIMARY KEY,
	timestamp         TEXT NOT NULL,
	date_key          TEXT NOT NULL,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL,
	caller            TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	success           INTEGER NOT NULL DEFAULT 1,
	duration_ms       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_date ON usage_records(date_key);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model);
`

// NewRepository initializes the usage table.
func NewRepository(db *sql.DB) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Database("usage.NewRepository", err)
	}
	return &Repository{db: db}, nil
}

// InferProvider maps a model id to its provider by prefix. Unknown prefixes
// report "unknown" rather than guessing.
func InferProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return "openai"
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	case strings.HasPrefix(m, "deepseek"):
		return "deepseek"
	case strings.HasPrefix(m, "qwen"):
		return "alibaba"
	default:
		return "unknown"
	}
}

// RecordLLMUsage implements llm.UsageSink. Accounting never fails the call
// that produced it; insert errors are logged and dropped.
func (r *Repository) RecordLLMUsage(_ context.Context, ev llm.UsageEvent) {
	provider := ev.Provider
	if provider == "" {
		provider = InferProvider(ev.Model)
	}
	rec := Record{
		Timestamp:        time.Now(),
		Model:            ev.Model,
		Provider:         provider,
		Caller:           ev.Caller,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		TotalTokens:      ev.PromptTokens + ev.CompletionTokens,
		Success:          ev.Success,
		DurationMs:       ev.DurationMs,
	}
	if err := r.Insert(rec); err != nil {
		logging.UsageWarn("dropping usage record for %s: %v", ev.Model, err)
	}
}

// Insert stores one record.
func (r *Repository) Insert(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertWith(r.db.Exec, rec)
}

// InsertBatch stores records in one transaction.
func (r *Repository) InsertBatch(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return apperr.Database("usage.InsertBatch", err)
	}
	defer tx.Rollback()
	for _, rec := range recs {
		if err := r.insertWith(tx.Exec, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Database("usage.InsertBatch", err)
	}
	return nil
}

type execFunc func(query string, args ...any) (sql.Result, error)

func (r *Repository) insertWith(exec execFunc, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	ts := rec.Timestamp.UTC()
	if rec.DateKey == "" {
		rec.DateKey = ts.Format("2006-01-02")
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	_, err := exec(
		`INSERT INTO usage_records
			(id, timestamp, date_key, model, provider, caller,
			 prompt_tokens, completion_tokens, total_tokens, success, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, workspace.FormatTime(ts), rec.DateKey, rec.Model, rec.Provider, rec.Caller,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.Success, rec.DurationMs)
	if err != nil {
		return apperr.Database("usage.insert", err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetSummary rolls totals over [from, to]. Zero bounds are open.
func (r *Repository) GetSummary(from, to time.Time) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := `SELECT COUNT(*),
		COALESCE(SUM(success), 0),
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(AVG(duration_ms), 0)
	FROM usage_records WHERE 1=1`
	var args []any
	if !from.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, workspace.FormatTime(from.UTC()))
	}
	if !to.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, workspace.FormatTime(to.UTC()))
	}

	var s Summary
	err := r.db.QueryRow(query, args...).Scan(
		&s.Calls, &s.Succeeded, &s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.AvgDurationMs)
	if err != nil {
		return s, apperr.Database("usage.GetSummary", err)
	}
	return s, nil
}

// bucketExpr maps a granularity to its SQLite grouping expression.
func bucketExpr(g Granularity) (string, error) {
	switch g {
	case GranularityHour:
		return "strftime('%Y-%m-%dT%H:00', timestamp)", nil
	case GranularityDay:
		return "date_key", nil
	case GranularityWeek:
		return "strftime('%Y-W%W', timestamp)", nil
	case GranularityMonth:
		return "substr(date_key, 1, 7)", nil
	default:
		return "", apperr.Validation("usage.bucketExpr", "unknown granularity %q", g)
	}
}

// GetTrends buckets the last N days of records.
func (r *Repository) GetTrends(days int, g Granularity) ([]TrendPoint, error) {
	expr, err := bucketExpr(g)
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(
		"SELECT "+expr+" AS bucket, COUNT(*), COALESCE(SUM(total_tokens), 0) "+
			"FROM usage_records WHERE date_key >= ? GROUP BY bucket ORDER BY bucket ASC", cutoff)
	if err != nil {
		return nil, apperr.Database("usage.GetTrends", err)
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Bucket, &p.Calls, &p.TotalTokens); err != nil {
			return nil, apperr.Database("usage.GetTrends", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetByModel breaks totals down per model, heaviest first.
func (r *Repository) GetByModel() ([]Breakdown, error) {
	return r.breakdown("model")
}

// GetByCaller breaks totals down per caller, heaviest first.
func (r *Repository) GetByCaller() ([]Breakdown, error) {
	return r.breakdown("caller")
}

func (r *Repository) breakdown(column string) ([]Breakdown, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(
		"SELECT " + column + ", COUNT(*), COALESCE(SUM(total_tokens), 0) " +
			"FROM usage_records GROUP BY " + column + " ORDER BY SUM(total_tokens) DESC")
	if err != nil {
		return nil, apperr.Database("usage.breakdown", err)
	}
	defer rows.Close()

	var out []Breakdown
	for rows.Next() {
		var b Breakdown
		if err := rows.Scan(&b.Key, &b.Calls, &b.TotalTokens); err != nil {
			return nil, apperr.Database("usage.breakdown", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteOldRecords drops everything strictly before the date key (YYYY-MM-DD)
// and reports how many rows went.
func (r *Repository) DeleteOldRecords(beforeDate string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM usage_records WHERE date_key < ?", beforeDate)
	if err != nil {
		return 0, apperr.Database("usage.DeleteOldRecords", err)
	}
	n, _ := res.RowsAffected()
	logging.Usage("deleted %d usage records before %s", n, beforeDate)
	return n, nil
}
