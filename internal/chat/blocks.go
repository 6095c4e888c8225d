// Package chat drives one assistant turn: message and block persistence,
// streaming event emission, tool hops, and coordinator sleep.
package chat

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/workspace"
)

// =============================================================================
// TYPES
// =============================================================================

// BlockType classifies a chat block.
type BlockType string

const (
	BlockText      BlockType = "text"
	BlockReasoning BlockType = "reasoning"
	BlockToolCall  BlockType = "tool_call"
	BlockSleep     BlockType = "sleep"
)

// BlockStatus is a block's lifecycle state. running is the only non-terminal
// state; a block takes exactly one terminal transition.
type BlockStatus string

const (
	StatusRunning   BlockStatus = "running"
	StatusCompleted BlockStatus = "completed"
	StatusError     BlockStatus = "error"
	StatusCancelled BlockStatus = "cancelled"
)

// ChatMessage is one persisted message with an ordered block list.
type ChatMessage struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	BlockIDs  []string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Block is one typed unit of assistant output.
type Block struct {
	ID           string
	MessageID    string
	Type         BlockType
	Status       BlockStatus
	Content      string
	ToolName     string
	ToolInput    string
	ToolOutput   string
	Citations    []string
	BlockIndex   int
	StartedAt    time.Time
	FirstChunkAt *time.Time
	EndedAt      *time.Time
}

// Store persists messages and blocks.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	role           TEXT NOT NULL,
	content        TEXT NOT NULL DEFAULT '',
	block_ids_json TEXT NOT NULL DEFAULT '[]',
	metadata_json  TEXT NOT NULL DEFAULT '{}',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS chat_blocks (
	id             TEXT PRIMARY KEY,
	message_id     TEXT NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
	block_type     TEXT NOT NULL,
	status         TEXT NOT NULL,
	content        TEXT NOT NULL DEFAULT '',
	tool_name      TEXT NOT NULL DEFAULT '',
	tool_input     TEXT NOT NULL DEFAULT '',
	tool_output    TEXT NOT NULL DEFAULT '',
	citations_json TEXT NOT NULL DEFAULT '[]',
	block_index    INTEGER NOT NULL,
	started_at     TEXT NOT NULL,
	first_chunk_at TEXT,
	ended_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_chat_blocks_message ON chat_blocks(message_id, block_index);
`

// NewStore initializes the chat schema on the handle.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Database("chat.NewStore", err)
	}
	return &Store{db: db}, nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// CreateMessage inserts a message row. An empty id is generated.
func (s *Store) CreateMessage(m *ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createMessageTxless(m)
}

func (s *Store) createMessageTxless(m *ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apperr.Internal("chat.CreateMessage", err)
	}
	now := workspace.FormatTime(time.Now())
	_, err = s.db.Exec(`INSERT INTO chat_messages
		(id, session_id, role, content, block_ids_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, '[]', ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, string(metaJSON), now, now)
	if err != nil {
		return apperr.Database("chat.CreateMessage", err)
	}
	return nil
}

// GetMessage loads one message.
func (s *Store) GetMessage(id string) (*ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m ChatMessage
	var blockIDs, meta, created, updated string
	err := s.db.QueryRow(
		"SELECT id, session_id, role, content, block_ids_json, metadata_json, created_at, updated_at FROM chat_messages WHERE id = ?", id).
		Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &blockIDs, &meta, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("chat.GetMessage", "message %s", id)
	}
	if err != nil {
		return nil, apperr.Database("chat.GetMessage", err)
	}
	if err := json.Unmarshal([]byte(blockIDs), &m.BlockIDs); err != nil {
		return nil, apperr.Internal("chat.GetMessage", err)
	}
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		return nil, apperr.Internal("chat.GetMessage", err)
	}
	m.CreatedAt = workspace.ParseTime(created)
	m.UpdatedAt = workspace.ParseTime(updated)
	return &m, nil
}

// ListMessages returns a session's messages, oldest first.
func (s *Store) ListMessages(sessionID string, limit int) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT id, session_id, role, content, block_ids_json, metadata_json, created_at, updated_at
		FROM chat_messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, apperr.Database("chat.ListMessages", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var blockIDs, meta, created, updated string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &blockIDs, &meta, &created, &updated); err != nil {
			return nil, apperr.Database("chat.ListMessages", err)
		}
		json.Unmarshal([]byte(blockIDs), &m.BlockIDs)
		json.Unmarshal([]byte(meta), &m.Metadata)
		m.CreatedAt = workspace.ParseTime(created)
		m.UpdatedAt = workspace.ParseTime(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMessageContent stores the assembled text of an assistant message.
func (s *Store) SetMessageContent(id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE chat_messages SET content = ?, updated_at = ? WHERE id = ?",
		content, workspace.FormatTime(time.Now()), id)
	if err != nil {
		return apperr.Database("chat.SetMessageContent", err)
	}
	return nil
}

// MergeMessageMetadata folds kv pairs into the message metadata.
func (s *Store) MergeMessageMetadata(id string, kv map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Database("chat.MergeMessageMetadata", err)
	}
	defer tx.Rollback()

	var metaJSON string
	if err := tx.QueryRow("SELECT metadata_json FROM chat_messages WHERE id = ?", id).Scan(&metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return apperr.NotFound("chat.MergeMessageMetadata", "message %s", id)
		}
		return apperr.Database("chat.MergeMessageMetadata", err)
	}
	meta := map[string]any{}
	json.Unmarshal([]byte(metaJSON), &meta)
	for k, v := range kv {
		meta[k] = v
	}
	merged, err := json.Marshal(meta)
	if err != nil {
		return apperr.Internal("chat.MergeMessageMetadata", err)
	}
	if _, err := tx.Exec("UPDATE chat_messages SET metadata_json = ?, updated_at = ? WHERE id = ?",
		string(merged), workspace.FormatTime(time.Now()), id); err != nil {
		return apperr.Database("chat.MergeMessageMetadata", err)
	}
	return tx.Commit()
}

// =============================================================================
// BLOCKS
// =============================================================================

// AppendBlock creates a block under the message, creating the message row if
// it does not exist yet, and appends the block id to block_ids_json. A block
// id never appears twice in the list; the block index is the list position.
func (s *Store) AppendBlock(messageID, sessionID string, b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.MessageID = messageID
	if b.Status == "" {
		b.Status = StatusRunning
	}
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Database("chat.AppendBlock", err)
	}
	defer tx.Rollback()

	var blockIDsJSON string
	err = tx.QueryRow("SELECT block_ids_json FROM chat_messages WHERE id = ?", messageID).Scan(&blockIDsJSON)
	if err == sql.ErrNoRows {
		now := workspace.FormatTime(time.Now())
		_, err = tx.Exec(`INSERT INTO chat_messages
			(id, session_id, role, content, block_ids_json, metadata_json, created_at, updated_at)
			VALUES (?, ?, 'assistant', '', '[]', '{}', ?, ?)`, messageID, sessionID, now, now)
		if err != nil {
			return apperr.Database("chat.AppendBlock", err)
		}
		blockIDsJSON = "[]"
	} else if err != nil {
		return apperr.Database("chat.AppendBlock", err)
	}

	var blockIDs []string
	if err := json.Unmarshal([]byte(blockIDsJSON), &blockIDs); err != nil {
		return apperr.Internal("chat.AppendBlock", err)
	}
	for _, id := range blockIDs {
		if id == b.ID {
			return apperr.Validation("chat.AppendBlock", "block %s already attached to message %s", b.ID, messageID)
		}
	}
	b.BlockIndex = len(blockIDs)
	blockIDs = append(blockIDs, b.ID)
	updated, err := json.Marshal(blockIDs)
	if err != nil {
		return apperr.Internal("chat.AppendBlock", err)
	}

	citations, err := json.Marshal(orEmpty(b.Citations))
	if err != nil {
		return apperr.Internal("chat.AppendBlock", err)
	}
	_, err = tx.Exec(`INSERT INTO chat_blocks
		(id, message_id, block_type, status, content, tool_name, tool_input, tool_output, citations_json, block_index, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, messageID, b.Type, b.Status, b.Content, b.ToolName, b.ToolInput, b.ToolOutput,
		string(citations), b.BlockIndex, workspace.FormatTime(b.StartedAt))
	if err != nil {
		return apperr.Database("chat.AppendBlock", err)
	}
	_, err = tx.Exec("UPDATE chat_messages SET block_ids_json = ?, updated_at = ? WHERE id = ?",
		string(updated), workspace.FormatTime(time.Now()), messageID)
	if err != nil {
		return apperr.Database("chat.AppendBlock", err)
	}
	return tx.Commit()
}

// AppendBlockContent appends streamed text to a running block, stamping
// first_chunk_at on the first append.
func (s *Store) AppendBlockContent(blockID, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE chat_blocks
		SET content = content || ?,
		    first_chunk_at = COALESCE(first_chunk_at, ?)
		WHERE id = ? AND status = ?`,
		delta, workspace.FormatTime(time.Now()), blockID, StatusRunning)
	if err != nil {
		return apperr.Database("chat.AppendBlockContent", err)
	}
	return nil
}

// FinishBlock applies the block's single terminal transition. Finishing an
// already-terminal block fails.
func (s *Store) FinishBlock(blockID string, status BlockStatus, toolOutput string) error {
	if status == StatusRunning {
		return apperr.Validation("chat.FinishBlock", "running is not a terminal status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE chat_blocks
		SET status = ?, tool_output = CASE WHEN ? != '' THEN ? ELSE tool_output END, ended_at = ?
		WHERE id = ? AND status = ?`,
		status, toolOutput, toolOutput, workspace.FormatTime(time.Now()), blockID, StatusRunning)
	if err != nil {
		return apperr.Database("chat.FinishBlock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Database("chat.FinishBlock", err)
	}
	if n == 0 {
		return apperr.Validation("chat.FinishBlock", "block %s is not running", blockID)
	}
	return nil
}

// ListBlocks returns a message's blocks in block_index order.
func (s *Store) ListBlocks(messageID string) ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, message_id, block_type, status, content, tool_name, tool_input,
			tool_output, citations_json, block_index, started_at, first_chunk_at, ended_at
		FROM chat_blocks WHERE message_id = ? ORDER BY block_index ASC`, messageID)
	if err != nil {
		return nil, apperr.Database("chat.ListBlocks", err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		var citations, started string
		var firstChunk, ended sql.NullString
		err := rows.Scan(&b.ID, &b.MessageID, &b.Type, &b.Status, &b.Content, &b.ToolName,
			&b.ToolInput, &b.ToolOutput, &citations, &b.BlockIndex, &started, &firstChunk, &ended)
		if err != nil {
			return nil, apperr.Database("chat.ListBlocks", err)
		}
		json.Unmarshal([]byte(citations), &b.Citations)
		b.StartedAt = workspace.ParseTime(started)
		if firstChunk.Valid {
			t := workspace.ParseTime(firstChunk.String)
			b.FirstChunkAt = &t
		}
		if ended.Valid {
			t := workspace.ParseTime(ended.String)
			b.EndedAt = &t
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
