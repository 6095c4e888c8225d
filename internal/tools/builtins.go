package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/chat"
	"github.com/000haoji/deep-student-sub006/internal/retrieval"
	"github.com/000haoji/deep-student-sub006/internal/workspace"
)

// =============================================================================
// RETRIEVAL EXECUTOR
// =============================================================================

// RetrievalExecutor exposes the multimodal retriever as a search tool.
type RetrievalExecutor struct {
	retriever *retrieval.Retriever
}

// NewRetrievalExecutor wires the executor.
func NewRetrievalExecutor(r *retrieval.Retriever) *RetrievalExecutor {
	return &RetrievalExecutor{retriever: r}
}

func (e *RetrievalExecutor) Name() string { return "rag_search" }
func (e *RetrievalExecutor) Description() string {
	return "Search the indexed library for passages relevant to a question"
}
func (e *RetrievalExecutor) Sensitivity() Sensitivity { return SensitivityLow }

func (e *RetrievalExecutor) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":           map[string]any{"type": "string"},
			"top_k":           map[string]any{"type": "integer", "description": "max results, default 5"},
			"sub_library_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"fast":            map[string]any{"type": "boolean", "description": "skip fusion and rerank"},
		},
		"required": []string{"query"},
	}
}

type retrievalArgs struct {
	Query         string   `json:"query"`
	TopK          int      `json:"top_k"`
	SubLibraryIDs []string `json:"sub_library_ids"`
	Fast          bool     `json:"fast"`
}

func (e *RetrievalExecutor) Execute(ctx context.Context, raw json.RawMessage, meta chat.ToolMeta) (string, error) {
	var args retrievalArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", apperr.Validation("tools.rag_search", "malformed arguments: %v", err)
	}
	if args.Query == "" {
		return "", apperr.Validation("tools.rag_search", "query is required")
	}
	topK := args.TopK
	if topK <= 0 {
		topK = 5
	}

	q := retrieval.Query{Text: args.Query, SubLibraryIDs: args.SubLibraryIDs}
	var cards []retrieval.Card
	var err error
	if args.Fast {
		cards, err = e.retriever.RetrieveFast(ctx, q, topK)
	} else {
		opts := retrieval.DefaultOptions()
		opts.FinalTopK = topK
		cards, err = e.retriever.Retrieve(ctx, q, opts)
	}
	if err != nil {
		return "", err
	}

	type hit struct {
		SourceType string  `json:"source_type"`
		SourceID   string  `json:"source_id"`
		PageIndex  int     `json:"page_index"`
		Text       string  `json:"text,omitempty"`
		Score      float64 `json:"score"`
	}
	hits := make([]hit, len(cards))
	for i, c := range cards {
		hits[i] = hit{c.SourceType, c.SourceID, c.PageIndex, c.Text, c.Score}
	}
	return jsonResult(map[string]any{"results": hits}), nil
}

// =============================================================================
// COORDINATOR SLEEP EXECUTOR
// =============================================================================

// SleepExecutor suspends a coordinator until workers report back. The sleep
// block is persisted before any waiting happens.
type SleepExecutor struct {
	manager *workspace.SleepManager
}

// NewSleepExecutor wires the executor.
func NewSleepExecutor(manager *workspace.SleepManager) *SleepExecutor {
	return &SleepExecutor{manager: manager}
}

func (e *SleepExecutor) Name() string { return "coordinator_sleep" }
func (e *SleepExecutor) Description() string {
	return "Suspend this coordinator until worker agents report back or a timeout elapses"
}
func (e *SleepExecutor) Sensitivity() Sensitivity { return SensitivityLow }

func (e *SleepExecutor) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"wake_condition":  map[string]any{"type": "string", "enum": []string{"any_message", "result_message", "all_completed"}},
			"awaiting_agents": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"timeout_ms":      map[string]any{"type": "integer", "description": "default 30 minutes, capped at 60"},
		},
	}
}

type sleepArgs struct {
	WakeCondition  string   `json:"wake_condition"`
	AwaitingAgents []string `json:"awaiting_agents"`
	TimeoutMs      int64    `json:"timeout_ms"`
}

func (e *SleepExecutor) Execute(ctx context.Context, raw json.RawMessage, meta chat.ToolMeta) (string, error) {
	var args sleepArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", apperr.Validation("tools.coordinator_sleep", "malformed arguments: %v", err)
	}
	if meta.WorkspaceID == "" {
		return "", apperr.Validation("tools.coordinator_sleep", "no workspace in tool context")
	}

	// Backlog messages count toward the wake predicate, so no AfterMessageID
	// baseline is set here; a worker that already reported wakes immediately.
	wake, err := e.manager.Sleep(ctx, workspace.SleepRequest{
		WorkspaceID:          meta.WorkspaceID,
		CoordinatorSessionID: meta.SessionID,
		AwaitingAgents:       args.AwaitingAgents,
		WakeCondition:        workspace.WakeCondition(args.WakeCondition),
		Timeout:              time.Duration(args.TimeoutMs) * time.Millisecond,
		MessageID:            meta.MessageID,
		BlockID:              meta.BlockID,
	})
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"status":      string(wake.Status),
		"awakened_by": wake.AwakenedBy,
		"reason":      wake.Reason,
	}
	if wake.Message != nil {
		payload["message"] = map[string]any{
			"sender":  wake.Message.Sender,
			"type":    string(wake.Message.Type),
			"content": wake.Message.Content,
		}
	}
	return jsonResult(payload), nil
}

// =============================================================================
// WEB SEARCH EXECUTOR
// =============================================================================

// WebResult is one hit from an external search backend.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearcher is the pluggable search capability; the app wires a concrete
// backend at startup.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]WebResult, error)
}

// WebSearchExecutor exposes a WebSearcher to the model.
type WebSearchExecutor struct {
	backend WebSearcher
}

// NewWebSearchExecutor wires the executor.
func NewWebSearchExecutor(backend WebSearcher) *WebSearchExecutor {
	return &WebSearchExecutor{backend: backend}
}

func (e *WebSearchExecutor) Name() string        { return "web_search" }
func (e *WebSearchExecutor) Description() string { return "Search the web for current information" }

// Web content leaves the local machine, so the call is gated.
func (e *WebSearchExecutor) Sensitivity() Sensitivity { return SensitivityMedium }

func (e *WebSearchExecutor) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer", "description": "max results, default 5"},
		},
		"required": []string{"query"},
	}
}

type webSearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (e *WebSearchExecutor) Execute(ctx context.Context, raw json.RawMessage, meta chat.ToolMeta) (string, error) {
	if e.backend == nil {
		return "", apperr.Configuration("tools.web_search", "no search backend configured")
	}
	var args webSearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", apperr.Validation("tools.web_search", "malformed arguments: %v", err)
	}
	if args.Query == "" {
		return "", apperr.Validation("tools.web_search", "query is required")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 5
	}
	results, err := e.backend.Search(ctx, args.Query, limit)
	if err != nil {
		return "", err
	}
	return jsonResult(map[string]any{"results": results}), nil
}
