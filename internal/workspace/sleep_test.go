package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

func newSleepFixture(t *testing.T) (*Store, *SleepManager) {
	t.Helper()
	s := newTestStore(t)
	addAgent(t, s, "ws", "coord", RoleCoordinator)
	addAgent(t, s, "ws", "worker", RoleWorker)
	sm := NewSleepManager(s)
	sm.pollInterval = 50 * time.Millisecond
	return s, sm
}

func TestSleepWakesOnResultMessage(t *testing.T) {
	s, sm := newSleepFixture(t)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, err := s.SendMessage(Message{
			WorkspaceID: "ws", Sender: "worker", Type: MessageResult, Content: "done",
		}, 0)
		if err != nil {
			t.Errorf("SendMessage: %v", err)
		}
	}()

	start := time.Now()
	wake, err := sm.Sleep(context.Background(), SleepRequest{
		WorkspaceID:          "ws",
		CoordinatorSessionID: "coord",
		WakeCondition:        WakeResultMessage,
		Timeout:              time.Minute,
	})
	if err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("wake took %v, want under 3s", elapsed)
	}
	if wake.Status != SleepAwakened || wake.AwakenedBy != "worker" {
		t.Errorf("wake = %+v, want awakened by worker", wake)
	}
	if wake.Message == nil || wake.Message.Content != "done" {
		t.Errorf("wake payload message = %+v, want the result message", wake.Message)
	}

	block, err := s.GetSleepBlock(wake.BlockID)
	if err != nil {
		t.Fatalf("GetSleepBlock: %v", err)
	}
	if block.Status != SleepAwakened || block.AwakenedBy != "worker" {
		t.Errorf("persisted block = %+v", block)
	}
}

func TestSleepMessagePostedBeforeSleepStillWakes(t *testing.T) {
	s, sm := newSleepFixture(t)

	if _, err := s.SendMessage(Message{
		WorkspaceID: "ws", Sender: "worker", Type: MessageResult, Content: "early",
	}, 0); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	wake, err := sm.Sleep(context.Background(), SleepRequest{
		WorkspaceID:          "ws",
		CoordinatorSessionID: "coord",
		WakeCondition:        WakeResultMessage,
		Timeout:              time.Minute,
	})
	if err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if wake.Status != SleepAwakened || wake.Message == nil || wake.Message.Content != "early" {
		t.Errorf("wake = %+v, want immediate wake on the backlog message", wake)
	}
}

func TestSleepIgnoresMessagesBeforeBaseline(t *testing.T) {
	s, sm := newSleepFixture(t)

	if _, err := s.SendMessage(Message{
		WorkspaceID: "ws", Sender: "worker", Type: MessageResult, Content: "stale",
	}, 0); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	baseline, err := s.LatestMessageID("ws")
	if err != nil {
		t.Fatalf("LatestMessageID: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		if _, err := s.SendMessage(Message{
			WorkspaceID: "ws", Sender: "worker", Type: MessageResult, Content: "fresh",
		}, 0); err != nil {
			t.Errorf("SendMessage: %v", err)
		}
	}()

	wake, err := sm.Sleep(context.Background(), SleepRequest{
		WorkspaceID:          "ws",
		CoordinatorSessionID: "coord",
		WakeCondition:        WakeResultMessage,
		AfterMessageID:       baseline,
		Timeout:              time.Minute,
	})
	if err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if wake.Message == nil || wake.Message.Content != "fresh" {
		t.Errorf("woke on %+v, want the post-baseline message", wake.Message)
	}
}

func TestSleepAnyMessageIgnoresResultsOnlyCondition(t *testing.T) {
	s, sm := newSleepFixture(t)

	go func() {
		time.Sleep(100 * time.Millisecond)
		if _, err := s.SendMessage(Message{
			WorkspaceID: "ws", Sender: "worker", Type: MessageStatus, Content: "working",
		}, 0); err != nil {
			t.Errorf("SendMessage: %v", err)
		}
	}()

	wake, err := sm.Sleep(context.Background(), SleepRequest{
		WorkspaceID:          "ws",
		CoordinatorSessionID: "coord",
		WakeCondition:        WakeAnyMessage,
		Timeout:              time.Minute,
	})
	if err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if wake.Reason != "any_message" || wake.Message.Type != MessageStatus {
		t.Errorf("wake = %+v, want any_message on the status message", wake)
	}
}

func TestSleepAllCompletedWaitsForEveryWorker(t *testing.T) {
	s, sm := newSleepFixture(t)
	addAgent(t, s, "ws", "worker2", RoleWorker)

	go func() {
		time.Sleep(80 * time.Millisecond)
		s.SendMessage(Message{WorkspaceID: "ws", Sender: "worker", Type: MessageResult, Content: "one"}, 0)
		time.Sleep(80 * time.Millisecond)
		s.SendMessage(Message{WorkspaceID: "ws", Sender: "worker2", Type: MessageResult, Content: "two"}, 0)
	}()

	wake, err := sm.Sleep(context.Background(), SleepRequest{
		WorkspaceID:          "ws",
		CoordinatorSessionID: "coord",
		WakeCondition:        WakeAllCompleted,
		Timeout:              time.Minute,
	})
	if err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if wake.Reason != "all_completed" {
		t.Errorf("reason = %s, want all_completed", wake.Reason)
	}
	if wake.AwakenedBy != "worker2" {
		t.Errorf("awakened_by = %s, want the last reporter", wake.AwakenedBy)
	}
}

func TestSleepTimeout(t *testing.T) {
	_, sm := newSleepFixture(t)
	sm.pollInterval = 10 * time.Millisecond

	wake, err := sm.Sleep(context.Background(), SleepRequest{
		WorkspaceID:          "ws",
		CoordinatorSessionID: "coord",
		WakeCondition:        WakeResultMessage,
		Timeout:              80 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if wake.Status != SleepTimedOut {
		t.Errorf("status = %s, want timed_out", wake.Status)
	}
}

func TestSleepCancellation(t *testing.T) {
	s, sm := newSleepFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var wakeErr error
	var blockID string
	go func() {
		defer close(done)
		wake, err := sm.Sleep(ctx, SleepRequest{
			WorkspaceID:          "ws",
			CoordinatorSessionID: "coord",
			WakeCondition:        WakeResultMessage,
			Timeout:              time.Minute,
		})
		wakeErr = err
		if wake != nil {
			blockID = wake.BlockID
		}
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if !apperr.IsCancelled(wakeErr) {
		t.Fatalf("err = %v, want cancelled", wakeErr)
	}
	_ = blockID

	sleeping, err := s.IsCoordinatorSleeping("ws")
	if err != nil {
		t.Fatalf("IsCoordinatorSleeping: %v", err)
	}
	if sleeping {
		t.Error("cancelled sleep block still marked sleeping")
	}
}

func TestWhileSleepingFlagIsVisible(t *testing.T) {
	s, sm := newSleepFixture(t)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		sm.Sleep(context.Background(), SleepRequest{
			WorkspaceID:          "ws",
			CoordinatorSessionID: "coord",
			WakeCondition:        WakeAnyMessage,
			Timeout:              time.Minute,
		})
	}()
	<-started
	// Give the sleeper time to persist its block.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sleeping, err := s.IsCoordinatorSleeping("ws")
		if err != nil {
			t.Fatalf("IsCoordinatorSleeping: %v", err)
		}
		if sleeping {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sleep block never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := s.SendMessage(Message{WorkspaceID: "ws", Sender: "worker", Type: MessageStatus, Content: "ping"}, 0); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	<-done

	sleeping, err := s.IsCoordinatorSleeping("ws")
	if err != nil {
		t.Fatalf("IsCoordinatorSleeping: %v", err)
	}
	if sleeping {
		t.Error("workspace still flagged sleeping after wake")
	}
}
