package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/chat"
	"github.com/000haoji/deep-student-sub006/internal/vfs"
	"github.com/000haoji/deep-student-sub006/internal/workspace"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryEntry is one persisted agent memory.
type MemoryEntry struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Tags      string `json:"tags,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MemoryStore persists agent memories.
type MemoryStore struct {
	db *sql.DB
}

// NewMemoryStore initializes the memory table.
func NewMemoryStore(db *sql.DB) (*MemoryStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS agent_memories (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		content    TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON agent_memories(session_id)`)
	if err != nil {
		return nil, apperr.Database("tools.NewMemoryStore", err)
	}
	return &MemoryStore{db: db}, nil
}

// Create stores a memory and returns its id.
func (m *MemoryStore) Create(sessionID, content, tags string) (string, error) {
	id := uuid.NewString()
	now := workspace.FormatTime(time.Now())
	_, err := m.db.Exec(
		"INSERT INTO agent_memories (id, session_id, content, tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, sessionID, content, tags, now, now)
	if err != nil {
		return "", apperr.Database("tools.MemoryStore.Create", err)
	}
	return id, nil
}

// Search returns memories whose content or tags match the query, newest
// first. An empty query lists the session's memories.
func (m *MemoryStore) Search(sessionID, query string, limit int) ([]MemoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + vfs.EscapeLike(query) + "%"
	rows, err := m.db.Query(`SELECT id, session_id, content, tags, created_at, updated_at
		FROM agent_memories
		WHERE session_id = ? AND (content LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\')
		ORDER BY updated_at DESC LIMIT ?`, sessionID, pattern, pattern, limit)
	if err != nil {
		return nil, apperr.Database("tools.MemoryStore.Search", err)
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Content, &e.Tags, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, apperr.Database("tools.MemoryStore.Search", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Update rewrites a memory's content.
func (m *MemoryStore) Update(id, content string) error {
	res, err := m.db.Exec(
		"UPDATE agent_memories SET content = ?, updated_at = ? WHERE id = ?",
		content, workspace.FormatTime(time.Now()), id)
	if err != nil {
		return apperr.Database("tools.MemoryStore.Update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("tools.MemoryStore.Update", "memory %s", id)
	}
	return nil
}

// Delete removes a memory.
func (m *MemoryStore) Delete(id string) error {
	res, err := m.db.Exec("DELETE FROM agent_memories WHERE id = ?", id)
	if err != nil {
		return apperr.Database("tools.MemoryStore.Delete", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("tools.MemoryStore.Delete", "memory %s", id)
	}
	return nil
}

// =============================================================================
// MEMORY EXECUTOR
// =============================================================================

// MemoryExecutor exposes memory CRUD as one tool with an action parameter.
type MemoryExecutor struct {
	store *MemoryStore
	reg   *Registry
}

// NewMemoryExecutor wires the executor; reg provides blocking offload.
func NewMemoryExecutor(store *MemoryStore, reg *Registry) *MemoryExecutor {
	return &MemoryExecutor{store: store, reg: reg}
}

func (e *MemoryExecutor) Name() string { return "memory" }
func (e *MemoryExecutor) Description() string {
	return "Create, search, update, or delete persistent memories for this session"
}
func (e *MemoryExecutor) Sensitivity() Sensitivity { return SensitivityLow }

func (e *MemoryExecutor) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":  map[string]any{"type": "string", "enum": []string{"create", "search", "update", "delete"}},
			"id":      map[string]any{"type": "string", "description": "memory id (update/delete)"},
			"content": map[string]any{"type": "string", "description": "memory text (create/update)"},
			"query":   map[string]any{"type": "string", "description": "search text"},
			"tags":    map[string]any{"type": "string", "description": "comma-separated tags (create)"},
		},
		"required": []string{"action"},
	}
}

type memoryArgs struct {
	Action  string `json:"action"`
	ID      string `json:"id"`
	Content string `json:"content"`
	Query   string `json:"query"`
	Tags    string `json:"tags"`
}

func (e *MemoryExecutor) Execute(ctx context.Context, raw json.RawMessage, meta chat.ToolMeta) (string, error) {
	var args memoryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", apperr.Validation("tools.memory", "malformed arguments: %v", err)
	}

	return e.reg.RunBlocking(ctx, func() (string, error) {
		switch args.Action {
		case "create":
			if args.Content == "" {
				return "", apperr.Validation("tools.memory", "create requires content")
			}
			id, err := e.store.Create(meta.SessionID, args.Content, args.Tags)
			if err != nil {
				return "", err
			}
			return jsonResult(map[string]any{"id": id}), nil
		case "search":
			entries, err := e.store.Search(meta.SessionID, args.Query, 20)
			if err != nil {
				return "", err
			}
			return jsonResult(map[string]any{"memories": entries}), nil
		case "update":
			if args.ID == "" || args.Content == "" {
				return "", apperr.Validation("tools.memory", "update requires id and content")
			}
			if err := e.store.Update(args.ID, args.Content); err != nil {
				return "", err
			}
			return jsonResult(map[string]any{"updated": args.ID}), nil
		case "delete":
			if args.ID == "" {
				return "", apperr.Validation("tools.memory", "delete requires id")
			}
			if err := e.store.Delete(args.ID); err != nil {
				return "", err
			}
			return jsonResult(map[string]any{"deleted": args.ID}), nil
		default:
			return "", apperr.Validation("tools.memory", "unknown action %q", args.Action)
		}
	})
}

func jsonResult(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
