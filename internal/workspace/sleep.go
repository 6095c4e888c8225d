package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// =============================================================================
// SLEEP MANAGER
// =============================================================================

// WakeCondition selects the predicate that ends a coordinator's sleep.
type WakeCondition string

const (
	// WakeAnyMessage wakes on any message addressed to the coordinator.
	WakeAnyMessage WakeCondition = "any_message"
	// WakeResultMessage wakes on a message of type "result".
	WakeResultMessage WakeCondition = "result_message"
	// WakeAllCompleted wakes once every awaited agent has posted a message.
	WakeAllCompleted WakeCondition = "all_completed"
)

// SleepStatus is the lifecycle of a sleep block.
type SleepStatus string

const (
	SleepSleeping  SleepStatus = "sleeping"
	SleepAwakened  SleepStatus = "awakened"
	SleepCancelled SleepStatus = "cancelled"
	SleepTimedOut  SleepStatus = "timed_out"
)

const (
	defaultSleepTimeout = 30 * time.Minute
	maxSleepTimeout     = 60 * time.Minute
)

// SleepRequest describes one coordinator suspension.
type SleepRequest struct {
	WorkspaceID          string
	CoordinatorSessionID string
	// AwaitingAgents defaults to every non-coordinator agent in the
	// workspace when empty.
	AwaitingAgents []string
	WakeCondition  WakeCondition
	Timeout        time.Duration
	// AfterMessageID is the baseline: only messages with a greater id count
	// toward the wake predicate. Zero considers the whole backlog.
	AfterMessageID int64
	// MessageID/BlockID link the sleep block to its chat block.
	MessageID string
	BlockID   string
}

// SleepBlock is the persisted suspension record.
type SleepBlock struct {
	ID                   string
	WorkspaceID          string
	CoordinatorSessionID string
	AwaitingAgents       []string
	WakeCondition        WakeCondition
	Status               SleepStatus
	TimeoutAt            time.Time
	MessageID            string
	BlockID              string
	AwakenedBy           string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// WakeUpPayload reports how a sleep ended.
type WakeUpPayload struct {
	BlockID    string
	Status     SleepStatus
	AwakenedBy string
	Reason     string
	Message    *Message
}

// SleepManager suspends coordinators until a wake predicate holds.
type SleepManager struct {
	store *Store
	// pollInterval bounds predicate staleness if a notification is missed.
	pollInterval time.Duration
}

// NewSleepManager wires a sleep manager over the workspace store.
func NewSleepManager(store *Store) *SleepManager {
	return &SleepManager{store: store, pollInterval: 5 * time.Second}
}

// Sleep persists a sleeping block, then blocks until the wake condition is
// satisfied, the timeout fires, or ctx is cancelled. The block is persisted
// before any waiting happens, and messages already posted before the call
// are scanned first so a wake is never lost.
func (sm *SleepManager) Sleep(ctx context.Context, req SleepRequest) (*WakeUpPayload, error) {
	if req.WorkspaceID == "" || req.CoordinatorSessionID == "" {
		return nil, apperr.Validation("workspace.Sleep", "workspace and coordinator session are required")
	}
	if req.WakeCondition == "" {
		req.WakeCondition = WakeAnyMessage
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultSleepTimeout
	}
	if timeout > maxSleepTimeout {
		timeout = maxSleepTimeout
	}

	awaiting := req.AwaitingAgents
	if len(awaiting) == 0 {
		agents, err := sm.store.ListAgents(req.WorkspaceID)
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			if a.Role != RoleCoordinator {
				awaiting = append(awaiting, a.SessionID)
			}
		}
	}

	block := SleepBlock{
		ID:                   uuid.NewString(),
		WorkspaceID:          req.WorkspaceID,
		CoordinatorSessionID: req.CoordinatorSessionID,
		AwaitingAgents:       awaiting,
		WakeCondition:        req.WakeCondition,
		Status:               SleepSleeping,
		TimeoutAt:            time.Now().Add(timeout),
		MessageID:            req.MessageID,
		BlockID:              req.BlockID,
	}
	if err := sm.store.insertSleepBlock(block); err != nil {
		return nil, err
	}
	logging.Workspace("coordinator %s sleeping in %s (condition=%s timeout=%s)",
		req.CoordinatorSessionID, req.WorkspaceID, req.WakeCondition, timeout)

	// Subscribe before the pre-scan so a message arriving between the scan
	// and the wait still notifies.
	notify, unsubscribe := sm.store.subscribeMessages(req.WorkspaceID)
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(sm.pollInterval)
	defer ticker.Stop()

	for {
		wake, err := sm.evaluate(block, req.AfterMessageID)
		if err != nil {
			return nil, err
		}
		if wake != nil {
			if err := sm.store.finishSleepBlock(block.ID, SleepAwakened, wake.AwakenedBy); err != nil {
				return nil, err
			}
			wake.BlockID = block.ID
			wake.Status = SleepAwakened
			logging.Workspace("coordinator %s awakened by %s (%s)",
				req.CoordinatorSessionID, wake.AwakenedBy, wake.Reason)
			return wake, nil
		}

		select {
		case <-notify:
		case <-ticker.C:
		case <-timer.C:
			if err := sm.store.finishSleepBlock(block.ID, SleepTimedOut, ""); err != nil {
				return nil, err
			}
			logging.WorkspaceWarn("coordinator %s sleep timed out in %s", req.CoordinatorSessionID, req.WorkspaceID)
			return &WakeUpPayload{BlockID: block.ID, Status: SleepTimedOut, Reason: "timeout"}, nil
		case <-ctx.Done():
			if err := sm.store.finishSleepBlock(block.ID, SleepCancelled, ""); err != nil {
				return nil, err
			}
			return nil, apperr.ErrCancelled
		}
	}
}

// evaluate checks the wake predicate against messages newer than afterID.
func (sm *SleepManager) evaluate(block SleepBlock, afterID int64) (*WakeUpPayload, error) {
	msgs, err := sm.store.messagesAfter(block.WorkspaceID, afterID, block.CoordinatorSessionID)
	if err != nil {
		return nil, err
	}

	switch block.WakeCondition {
	case WakeResultMessage:
		for i := range msgs {
			if msgs[i].Type == MessageResult {
				return &WakeUpPayload{AwakenedBy: msgs[i].Sender, Reason: "result_message", Message: &msgs[i]}, nil
			}
		}
	case WakeAllCompleted:
		if len(block.AwaitingAgents) == 0 {
			return nil, nil
		}
		latestBySender := map[string]*Message{}
		for i := range msgs {
			latestBySender[msgs[i].Sender] = &msgs[i]
		}
		var last *Message
		for _, agent := range block.AwaitingAgents {
			m, ok := latestBySender[agent]
			if !ok {
				return nil, nil
			}
			if last == nil || m.ID > last.ID {
				last = m
			}
		}
		return &WakeUpPayload{AwakenedBy: last.Sender, Reason: "all_completed", Message: last}, nil
	default: // WakeAnyMessage
		if len(msgs) > 0 {
			return &WakeUpPayload{AwakenedBy: msgs[0].Sender, Reason: "any_message", Message: &msgs[0]}, nil
		}
	}
	return nil, nil
}

// =============================================================================
// SLEEP BLOCK PERSISTENCE
// =============================================================================

func (s *Store) insertSleepBlock(b SleepBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	awaiting, err := json.Marshal(b.AwaitingAgents)
	if err != nil {
		return apperr.Internal("workspace.insertSleepBlock", err)
	}
	now := FormatTime(time.Now())
	_, err = s.db.Exec(`INSERT INTO sleep_blocks
		(id, workspace_id, coordinator_session, awaiting_agents, wake_condition, status,
		 timeout_at, message_id, block_id, awakened_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		b.ID, b.WorkspaceID, b.CoordinatorSessionID, string(awaiting), b.WakeCondition,
		b.Status, FormatTime(b.TimeoutAt), b.MessageID, b.BlockID, now, now)
	if err != nil {
		return apperr.Database("workspace.insertSleepBlock", err)
	}
	return nil
}

func (s *Store) finishSleepBlock(id string, status SleepStatus, awakenedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A block has exactly one terminal transition.
	res, err := s.db.Exec(
		"UPDATE sleep_blocks SET status = ?, awakened_by = ?, updated_at = ? WHERE id = ? AND status = ?",
		status, awakenedBy, FormatTime(time.Now()), id, SleepSleeping)
	if err != nil {
		return apperr.Database("workspace.finishSleepBlock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Database("workspace.finishSleepBlock", err)
	}
	if n == 0 {
		return apperr.Validation("workspace.finishSleepBlock", "sleep block %s is not sleeping", id)
	}
	return nil
}

// GetSleepBlock loads one sleep block.
func (s *Store) GetSleepBlock(id string) (*SleepBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b SleepBlock
	var awaiting, timeoutAt, created, updated string
	err := s.db.QueryRow(`SELECT id, workspace_id, coordinator_session, awaiting_agents,
			wake_condition, status, timeout_at, message_id, block_id, awakened_by, created_at, updated_at
		FROM sleep_blocks WHERE id = ?`, id).
		Scan(&b.ID, &b.WorkspaceID, &b.CoordinatorSessionID, &awaiting, &b.WakeCondition,
			&b.Status, &timeoutAt, &b.MessageID, &b.BlockID, &b.AwakenedBy, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("workspace.GetSleepBlock", "sleep block %s", id)
	}
	if err != nil {
		return nil, apperr.Database("workspace.GetSleepBlock", err)
	}
	if awaiting != "" {
		if err := json.Unmarshal([]byte(awaiting), &b.AwaitingAgents); err != nil {
			logging.WorkspaceWarn("sleep block %s has malformed awaiting_agents: %v", id, err)
		}
	}
	b.TimeoutAt = ParseTime(timeoutAt)
	b.CreatedAt = ParseTime(created)
	b.UpdatedAt = ParseTime(updated)
	return &b, nil
}

// IsCoordinatorSleeping reports whether the workspace has an active sleep
// block; while true, no coordinator turn may execute.
func (s *Store) IsCoordinatorSleeping(workspaceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sleep_blocks WHERE workspace_id = ? AND status = ?",
		workspaceID, SleepSleeping).Scan(&n)
	if err != nil {
		return false, apperr.Database("workspace.IsCoordinatorSleeping", err)
	}
	return n > 0, nil
}
