// Package workspace is the typed in-process bus for agents: sessions,
// inter-agent messages with per-recipient inboxes, shared documents and
// context values, and the coordinator sleep manager.
package workspace

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// =============================================================================
// TYPES
// =============================================================================

// AgentRole classifies a session within a workspace.
type AgentRole string

const (
	RoleCoordinator AgentRole = "coordinator"
	RoleWorker      AgentRole = "worker"
)

// AgentSession is one logical chat agent.
type AgentSession struct {
	SessionID   string
	WorkspaceID string
	Role        AgentRole
	SkillID     string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MessageType classifies inter-agent messages. Result messages are what wake
// a sleeping coordinator under the ResultMessage condition.
type MessageType string

const (
	MessageTask   MessageType = "task"
	MessageResult MessageType = "result"
	MessageStatus MessageType = "status"
)

// Message is one inter-agent message.
type Message struct {
	ID          int64
	WorkspaceID string
	Sender      string
	Target      string // empty broadcasts to every other agent
	Type        MessageType
	Content     string
	Status      string
	CreatedAt   time.Time
}

// InboxItem is one per-recipient delivery of a message.
type InboxItem struct {
	ID        int64
	SessionID string
	Message   Message
	Priority  int
	Processed bool
}

// Document is a shared workspace artifact.
type Document struct {
	ID          string
	WorkspaceID string
	Title       string
	Content     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store persists workspace state and fans message notifications out to
// sleeping coordinators.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	notifyMu sync.Mutex
	notify   map[string][]chan struct{} // workspace id -> waiters
}

const schema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	session_id   TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	role         TEXT NOT NULL,
	skill_id     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'active',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agent_sessions(workspace_id);

CREATE TABLE IF NOT EXISTS workspace_messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id TEXT NOT NULL,
	sender       TEXT NOT NULL,
	target       TEXT NOT NULL DEFAULT '',
	msg_type     TEXT NOT NULL,
	content      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'sent',
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_workspace ON workspace_messages(workspace_id, id);

CREATE TABLE IF NOT EXISTS inbox_items (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	message_id INTEGER NOT NULL REFERENCES workspace_messages(id) ON DELETE CASCADE,
	priority   INTEGER NOT NULL DEFAULT 0,
	processed  INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inbox_session ON inbox_items(session_id, processed);

CREATE TABLE IF NOT EXISTS workspace_documents (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	title        TEXT NOT NULL,
	content      TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workspace_context (
	workspace_id TEXT NOT NULL,
	key          TEXT NOT NULL,
	value        TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (workspace_id, key)
);

CREATE TABLE IF NOT EXISTS sleep_blocks (
	id                   TEXT PRIMARY KEY,
	workspace_id         TEXT NOT NULL,
	coordinator_session  TEXT NOT NULL,
	awaiting_agents      TEXT NOT NULL DEFAULT '',
	wake_condition       TEXT NOT NULL,
	status               TEXT NOT NULL,
	timeout_at           TEXT NOT NULL,
	message_id           TEXT NOT NULL DEFAULT '',
	block_id             TEXT NOT NULL DEFAULT '',
	awakened_by          TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sleep_workspace ON sleep_blocks(workspace_id, status);
`

// NewStore initializes the workspace schema on the handle.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Database("workspace.NewStore", err)
	}
	return &Store{db: db, notify: make(map[string][]chan struct{})}, nil
}

// =============================================================================
// AGENTS
// =============================================================================

// CreateAgent registers a session. A workspace holds at most one
// coordinator; a second registration fails.
func (s *Store) CreateAgent(a AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Database("workspace.CreateAgent", err)
	}
	defer tx.Rollback()

	if a.Role == RoleCoordinator {
		var n int
		err := tx.QueryRow(
			"SELECT COUNT(*) FROM agent_sessions WHERE workspace_id = ? AND role = ?",
			a.WorkspaceID, RoleCoordinator).Scan(&n)
		if err != nil {
			return apperr.Database("workspace.CreateAgent", err)
		}
		if n > 0 {
			return apperr.Validation("workspace.CreateAgent",
				"workspace %s already has a coordinator", a.WorkspaceID)
		}
	}

	now := FormatTime(time.Now())
	status := a.Status
	if status == "" {
		status = "active"
	}
	_, err = tx.Exec(`INSERT INTO agent_sessions
		(session_id, workspace_id, role, skill_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.WorkspaceID, a.Role, a.SkillID, status, now, now)
	if err != nil {
		return apperr.Database("workspace.CreateAgent", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Database("workspace.CreateAgent", err)
	}
	logging.Workspace("agent %s (%s) joined workspace %s", a.SessionID, a.Role, a.WorkspaceID)
	return nil
}

// ListAgents returns every session in the workspace.
func (s *Store) ListAgents(workspaceID string) ([]AgentSession, error) {
	return s.listAgents("SELECT session_id, workspace_id, role, skill_id, status, created_at, updated_at FROM agent_sessions WHERE workspace_id = ? ORDER BY created_at", workspaceID)
}

// ListAgentsByRole filters sessions by role.
func (s *Store) ListAgentsByRole(workspaceID string, role AgentRole) ([]AgentSession, error) {
	return s.listAgents("SELECT session_id, workspace_id, role, skill_id, status, created_at, updated_at FROM agent_sessions WHERE workspace_id = ? AND role = ? ORDER BY created_at", workspaceID, role)
}

func (s *Store) listAgents(query string, args ...any) ([]AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Database("workspace.listAgents", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		var a AgentSession
		var created, updated string
		if err := rows.Scan(&a.SessionID, &a.WorkspaceID, &a.Role, &a.SkillID, &a.Status, &created, &updated); err != nil {
			return nil, apperr.Database("workspace.listAgents", err)
		}
		a.CreatedAt = ParseTime(created)
		a.UpdatedAt = ParseTime(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// MESSAGES AND INBOX
// =============================================================================

// SendMessage inserts the message and delivers it to each recipient's inbox
// at the given priority. An empty target broadcasts to every other agent in
// the workspace. Sleeping coordinators in the workspace are notified.
func (s *Store) SendMessage(msg Message, priority int) (int64, error) {
	s.mu.Lock()
	id, err := s.sendLocked(msg, priority)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.wakeWaiters(msg.WorkspaceID)
	return id, nil
}

func (s *Store) sendLocked(msg Message, priority int) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, apperr.Database("workspace.SendMessage", err)
	}
	defer tx.Rollback()

	now := FormatTime(time.Now())
	res, err := tx.Exec(`INSERT INTO workspace_messages
		(workspace_id, sender, target, msg_type, content, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'sent', ?)`,
		msg.WorkspaceID, msg.Sender, msg.Target, msg.Type, msg.Content, now)
	if err != nil {
		return 0, apperr.Database("workspace.SendMessage", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.Database("workspace.SendMessage", err)
	}

	var recipients []string
	if msg.Target != "" {
		recipients = []string{msg.Target}
	} else {
		rows, err := tx.Query(
			"SELECT session_id FROM agent_sessions WHERE workspace_id = ? AND session_id != ?",
			msg.WorkspaceID, msg.Sender)
		if err != nil {
			return 0, apperr.Database("workspace.SendMessage", err)
		}
		for rows.Next() {
			var sid string
			if err := rows.Scan(&sid); err != nil {
				rows.Close()
				return 0, apperr.Database("workspace.SendMessage", err)
			}
			recipients = append(recipients, sid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, apperr.Database("workspace.SendMessage", err)
		}
	}
	for _, sid := range recipients {
		_, err := tx.Exec(
			"INSERT INTO inbox_items (session_id, message_id, priority, created_at) VALUES (?, ?, ?, ?)",
			sid, id, priority, now)
		if err != nil {
			return 0, apperr.Database("workspace.SendMessage", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.Database("workspace.SendMessage", err)
	}
	logging.WorkspaceDebug("message %d from %s delivered to %d inboxes", id, msg.Sender, len(recipients))
	return id, nil
}

// GetUnreadInbox returns unprocessed items, highest priority first, oldest
// first within a priority.
func (s *Store) GetUnreadInbox(sessionID string, limit int) ([]InboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT i.id, i.session_id, i.priority, i.processed,
			m.id, m.workspace_id, m.sender, m.target, m.msg_type, m.content, m.status, m.created_at
		FROM inbox_items i JOIN workspace_messages m ON m.id = i.message_id
		WHERE i.session_id = ? AND i.processed = 0
		ORDER BY i.priority DESC, i.id ASC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, apperr.Database("workspace.GetUnreadInbox", err)
	}
	defer rows.Close()

	var out []InboxItem
	for rows.Next() {
		var it InboxItem
		var processed int
		var created string
		err := rows.Scan(&it.ID, &it.SessionID, &it.Priority, &processed,
			&it.Message.ID, &it.Message.WorkspaceID, &it.Message.Sender, &it.Message.Target,
			&it.Message.Type, &it.Message.Content, &it.Message.Status, &created)
		if err != nil {
			return nil, apperr.Database("workspace.GetUnreadInbox", err)
		}
		it.Processed = processed != 0
		it.Message.CreatedAt = ParseTime(created)
		out = append(out, it)
	}
	return out, rows.Err()
}

// MarkInboxProcessed flags the given inbox item ids as processed.
func (s *Store) MarkInboxProcessed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := "UPDATE inbox_items SET processed = 1 WHERE id IN (?" + strings.Repeat(",?", len(ids)-1) + ")"
	if _, err := s.db.Exec(q, args...); err != nil {
		return apperr.Database("workspace.MarkInboxProcessed", err)
	}
	return nil
}

// MarkInboxProcessedByMessage flags a session's delivery of one message.
func (s *Store) MarkInboxProcessedByMessage(sessionID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE inbox_items SET processed = 1 WHERE session_id = ? AND message_id = ?",
		sessionID, messageID)
	if err != nil {
		return apperr.Database("workspace.MarkInboxProcessedByMessage", err)
	}
	return nil
}

// HasAgentSentMessageSince reports whether the session posted any message
// with an id greater than afterID.
func (s *Store) HasAgentSentMessageSince(sessionID string, afterID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM workspace_messages WHERE sender = ? AND id > ?",
		sessionID, afterID).Scan(&n)
	if err != nil {
		return false, apperr.Database("workspace.HasAgentSentMessageSince", err)
	}
	return n > 0, nil
}

// LatestMessageID returns the highest message id in the workspace, 0 when
// empty. Coordinators record it before dispatching workers so the sleep
// predicate only considers newer traffic.
func (s *Store) LatestMessageID(workspaceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MAX(id) FROM workspace_messages WHERE workspace_id = ?", workspaceID).Scan(&id)
	if err != nil {
		return 0, apperr.Database("workspace.LatestMessageID", err)
	}
	return id.Int64, nil
}

// messagesAfter returns workspace messages with id > afterID addressed to
// everyone or to the given session, oldest first.
func (s *Store) messagesAfter(workspaceID string, afterID int64, forSession string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, workspace_id, sender, target, msg_type, content, status, created_at
		FROM workspace_messages
		WHERE workspace_id = ? AND id > ? AND sender != ? AND (target = '' OR target = ?)
		ORDER BY id ASC`, workspaceID, afterID, forSession, forSession)
	if err != nil {
		return nil, apperr.Database("workspace.messagesAfter", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.Sender, &m.Target, &m.Type, &m.Content, &m.Status, &created); err != nil {
			return nil, apperr.Database("workspace.messagesAfter", err)
		}
		m.CreatedAt = ParseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// DOCUMENTS AND CONTEXT
// =============================================================================

// PutDocument inserts or replaces a shared document.
func (s *Store) PutDocument(d Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := FormatTime(time.Now())
	_, err := s.db.Exec(`INSERT INTO workspace_documents (id, workspace_id, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, content = excluded.content, updated_at = excluded.updated_at`,
		d.ID, d.WorkspaceID, d.Title, d.Content, now, now)
	if err != nil {
		return apperr.Database("workspace.PutDocument", err)
	}
	return nil
}

// GetDocument loads one document.
func (s *Store) GetDocument(id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d Document
	var created, updated string
	err := s.db.QueryRow(
		"SELECT id, workspace_id, title, content, created_at, updated_at FROM workspace_documents WHERE id = ?", id).
		Scan(&d.ID, &d.WorkspaceID, &d.Title, &d.Content, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("workspace.GetDocument", "document %s", id)
	}
	if err != nil {
		return nil, apperr.Database("workspace.GetDocument", err)
	}
	d.CreatedAt = ParseTime(created)
	d.UpdatedAt = ParseTime(updated)
	return &d, nil
}

// ListDocuments returns a workspace's documents, newest first.
func (s *Store) ListDocuments(workspaceID string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id, workspace_id, title, content, created_at, updated_at FROM workspace_documents WHERE workspace_id = ? ORDER BY updated_at DESC", workspaceID)
	if err != nil {
		return nil, apperr.Database("workspace.ListDocuments", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var created, updated string
		if err := rows.Scan(&d.ID, &d.WorkspaceID, &d.Title, &d.Content, &created, &updated); err != nil {
			return nil, apperr.Database("workspace.ListDocuments", err)
		}
		d.CreatedAt = ParseTime(created)
		d.UpdatedAt = ParseTime(updated)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetContext stores a workspace-scoped key/value pair.
func (s *Store) SetContext(workspaceID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO workspace_context (workspace_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		workspaceID, key, value, FormatTime(time.Now()))
	if err != nil {
		return apperr.Database("workspace.SetContext", err)
	}
	return nil
}

// GetContext loads a workspace-scoped value; ok is false when absent.
func (s *Store) GetContext(workspaceID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(
		"SELECT value FROM workspace_context WHERE workspace_id = ? AND key = ?",
		workspaceID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Database("workspace.GetContext", err)
	}
	return value, true, nil
}

// =============================================================================
// NOTIFICATION
// =============================================================================

// subscribeMessages registers a single-shot waiter for new messages in the
// workspace. The returned cancel must be called when done.
func (s *Store) subscribeMessages(workspaceID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.notifyMu.Lock()
	s.notify[workspaceID] = append(s.notify[workspaceID], ch)
	s.notifyMu.Unlock()

	cancel := func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		waiters := s.notify[workspaceID]
		for i, w := range waiters {
			if w == ch {
				s.notify[workspaceID] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(s.notify[workspaceID]) == 0 {
			delete(s.notify, workspaceID)
		}
	}
	return ch, cancel
}

func (s *Store) wakeWaiters(workspaceID string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, ch := range s.notify[workspaceID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
