package workspace

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/goleak"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func addAgent(t *testing.T, s *Store, ws, id string, role AgentRole) {
	t.Helper()
	if err := s.CreateAgent(AgentSession{SessionID: id, WorkspaceID: ws, Role: role}); err != nil {
		t.Fatalf("CreateAgent %s: %v", id, err)
	}
}

// =============================================================================
// AGENTS
// =============================================================================

func TestSecondCoordinatorRejected(t *testing.T) {
	s := newTestStore(t)
	addAgent(t, s, "ws", "c1", RoleCoordinator)

	err := s.CreateAgent(AgentSession{SessionID: "c2", WorkspaceID: "ws", Role: RoleCoordinator})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	// A coordinator in another workspace is fine.
	if err := s.CreateAgent(AgentSession{SessionID: "c3", WorkspaceID: "other", Role: RoleCoordinator}); err != nil {
		t.Fatalf("coordinator in other workspace: %v", err)
	}
}

func TestListAgentsByRole(t *testing.T) {
	s := newTestStore(t)
	addAgent(t, s, "ws", "c1", RoleCoordinator)
	addAgent(t, s, "ws", "w1", RoleWorker)
	addAgent(t, s, "ws", "w2", RoleWorker)

	workers, err := s.ListAgentsByRole("ws", RoleWorker)
	if err != nil {
		t.Fatalf("ListAgentsByRole: %v", err)
	}
	if len(workers) != 2 {
		t.Errorf("got %d workers, want 2", len(workers))
	}
	all, err := s.ListAgents("ws")
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d agents, want 3", len(all))
	}
}

// =============================================================================
// INBOX
// =============================================================================

func TestInboxOrderingPriorityDescIDAsc(t *testing.T) {
	s := newTestStore(t)
	addAgent(t, s, "ws", "c1", RoleCoordinator)
	addAgent(t, s, "ws", "w1", RoleWorker)

	send := func(content string, prio int) {
		t.Helper()
		_, err := s.SendMessage(Message{
			WorkspaceID: "ws", Sender: "w1", Target: "c1", Type: MessageStatus, Content: content,
		}, prio)
		if err != nil {
			t.Fatalf("SendMessage %s: %v", content, err)
		}
	}
	send("low-first", 1)
	send("high-first", 5)
	send("high-second", 5)
	send("low-second", 1)

	items, err := s.GetUnreadInbox("c1", 10)
	if err != nil {
		t.Fatalf("GetUnreadInbox: %v", err)
	}
	got := make([]string, len(items))
	for i, it := range items {
		got[i] = it.Message.Content
	}
	want := []string{"high-first", "high-second", "low-first", "low-second"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestBroadcastReachesAllButSender(t *testing.T) {
	s := newTestStore(t)
	addAgent(t, s, "ws", "c1", RoleCoordinator)
	addAgent(t, s, "ws", "w1", RoleWorker)
	addAgent(t, s, "ws", "w2", RoleWorker)

	if _, err := s.SendMessage(Message{WorkspaceID: "ws", Sender: "c1", Type: MessageTask, Content: "fan out"}, 0); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	for _, sid := range []string{"w1", "w2"} {
		items, err := s.GetUnreadInbox(sid, 10)
		if err != nil {
			t.Fatalf("inbox %s: %v", sid, err)
		}
		if len(items) != 1 {
			t.Errorf("%s inbox has %d items, want 1", sid, len(items))
		}
	}
	items, err := s.GetUnreadInbox("c1", 10)
	if err != nil {
		t.Fatalf("inbox c1: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("sender received its own broadcast")
	}
}

func TestMarkInboxProcessed(t *testing.T) {
	s := newTestStore(t)
	addAgent(t, s, "ws", "c1", RoleCoordinator)
	addAgent(t, s, "ws", "w1", RoleWorker)

	msgID, err := s.SendMessage(Message{WorkspaceID: "ws", Sender: "w1", Target: "c1", Type: MessageResult, Content: "done"}, 0)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	items, err := s.GetUnreadInbox("c1", 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("inbox: %v (%d items)", err, len(items))
	}
	if err := s.MarkInboxProcessed([]int64{items[0].ID}); err != nil {
		t.Fatalf("MarkInboxProcessed: %v", err)
	}
	items, _ = s.GetUnreadInbox("c1", 10)
	if len(items) != 0 {
		t.Error("processed item still unread")
	}

	// By-message variant.
	if _, err := s.SendMessage(Message{WorkspaceID: "ws", Sender: "w1", Target: "c1", Type: MessageResult, Content: "again"}, 0); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	items, _ = s.GetUnreadInbox("c1", 10)
	if err := s.MarkInboxProcessedByMessage("c1", items[0].Message.ID); err != nil {
		t.Fatalf("MarkInboxProcessedByMessage: %v", err)
	}
	items, _ = s.GetUnreadInbox("c1", 10)
	if len(items) != 0 {
		t.Error("by-message processing left item unread")
	}
	_ = msgID
}

func TestHasAgentSentMessageSince(t *testing.T) {
	s := newTestStore(t)
	addAgent(t, s, "ws", "c1", RoleCoordinator)
	addAgent(t, s, "ws", "w1", RoleWorker)

	baseline, err := s.LatestMessageID("ws")
	if err != nil {
		t.Fatalf("LatestMessageID: %v", err)
	}
	sent, err := s.HasAgentSentMessageSince("w1", baseline)
	if err != nil || sent {
		t.Fatalf("before sending: sent=%v err=%v", sent, err)
	}
	if _, err := s.SendMessage(Message{WorkspaceID: "ws", Sender: "w1", Target: "c1", Type: MessageStatus, Content: "hi"}, 0); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent, err = s.HasAgentSentMessageSince("w1", baseline)
	if err != nil || !sent {
		t.Fatalf("after sending: sent=%v err=%v", sent, err)
	}
}

// =============================================================================
// DOCUMENTS AND CONTEXT
// =============================================================================

func TestDocumentUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	doc := Document{ID: "d1", WorkspaceID: "ws", Title: "plan", Content: "v1"}
	if err := s.PutDocument(doc); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}
	doc.Content = "v2"
	if err := s.PutDocument(doc); err != nil {
		t.Fatalf("PutDocument update: %v", err)
	}
	got, err := s.GetDocument("d1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Content != "v2" {
		t.Errorf("content = %q, want v2", got.Content)
	}
	docs, err := s.ListDocuments("ws")
	if err != nil || len(docs) != 1 {
		t.Fatalf("ListDocuments: %v (%d docs)", err, len(docs))
	}
	if _, err := s.GetDocument("missing"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("missing doc err = %v, want not_found", err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetContext("ws", "phase", "research"); err != nil {
		t.Fatalf("SetContext: %v", err)
	}
	if err := s.SetContext("ws", "phase", "writeup"); err != nil {
		t.Fatalf("SetContext update: %v", err)
	}
	v, ok, err := s.GetContext("ws", "phase")
	if err != nil || !ok || v != "writeup" {
		t.Fatalf("GetContext = %q ok=%v err=%v", v, ok, err)
	}
	_, ok, err = s.GetContext("ws", "absent")
	if err != nil || ok {
		t.Fatalf("absent key: ok=%v err=%v", ok, err)
	}
}

// =============================================================================
// TIMESTAMPS
// =============================================================================

func TestParseTimeEpochFallback(t *testing.T) {
	now := time.Now()
	if got := ParseTime(FormatTime(now)); !got.Equal(now.UTC().Truncate(time.Nanosecond)) {
		t.Errorf("round trip = %v, want %v", got, now.UTC())
	}
	if got := ParseTime("not-a-timestamp"); !got.Equal(time.Unix(0, 0).UTC()) {
		t.Errorf("fallback = %v, want epoch", got)
	}
}
