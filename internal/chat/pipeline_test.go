package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/config"
	"github.com/000haoji/deep-student-sub006/internal/llm"
)

func pipelineManager(baseURL string) *llm.Manager {
	cfg := config.Default()
	cfg.Vendors = append(cfg.Vendors, config.VendorConfig{
		ID: "test", Name: "Test", BaseURL: baseURL, ProviderType: "openai",
	})
	cfg.Models = []config.ModelProfile{{
		ID: "test-model", VendorID: "test", ModelName: "test-model-v1", Adapter: config.AdapterOpenAI,
	}}
	return llm.NewManager(cfg, nil, nil)
}

// scriptedServer replays one SSE body per request.
func scriptedServer(t *testing.T, bodies []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(bodies) {
			t.Errorf("unexpected request %d", n)
			http.Error(w, "no script", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, bodies[n])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

const plainAnswer = `data: {"choices":[{"delta":{"content":"The answer"}}]}` + "\n\n" +
	`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}` + "\n\n" +
	"data: [DONE]\n\n"

const toolCallAnswer = `data: {"choices":[{"delta":{"content":"Looking it up."}}]}` + "\n\n" +
	`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":\"x\"}"}}]}}]}` + "\n\n" +
	"data: [DONE]\n\n"

type fakeDispatcher struct {
	calls   []llm.ToolCall
	metas   []ToolMeta
	output  string
	failErr error
}

func (f *fakeDispatcher) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{Name: "lookup", Description: "test tool"}}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, call llm.ToolCall, meta ToolMeta) (string, error) {
	f.calls = append(f.calls, call)
	f.metas = append(f.metas, meta)
	if f.failErr != nil {
		return "", f.failErr
	}
	return f.output, nil
}

func TestRunTurnPlainResponse(t *testing.T) {
	srv, calls := scriptedServer(t, []string{plainAnswer})
	s := newTestStore(t)
	p := NewPipeline(pipelineManager(srv.URL), s, nil, nil, nil, config.DefaultBudgetConfig())

	var events []Event
	res, err := p.RunTurn(context.Background(), TurnRequest{
		SessionID: "sess", ModelID: "test-model", UserInput: "question",
	}, EventSinkFunc(func(ev Event) { events = append(events, ev) }))
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Content != "The answer" {
		t.Errorf("content = %q", res.Content)
	}
	if calls.Load() != 1 {
		t.Errorf("model calls = %d, want 1", calls.Load())
	}

	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	if kinds[0] != EvMessageStart || kinds[len(kinds)-1] != EvMessageEnd {
		t.Errorf("event kinds = %v", kinds)
	}

	msg, err := s.GetMessage(res.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Content != "The answer" {
		t.Errorf("persisted content = %q", msg.Content)
	}
	blocks, _ := s.ListBlocks(res.MessageID)
	if len(blocks) != 1 || blocks[0].Type != BlockText || blocks[0].Status != StatusCompleted {
		t.Errorf("blocks = %+v", blocks)
	}
	if msg.Metadata["prompt_tokens"] != float64(5) {
		t.Errorf("usage metadata = %v", msg.Metadata)
	}
}

func TestRunTurnWithToolHop(t *testing.T) {
	srv, calls := scriptedServer(t, []string{toolCallAnswer, plainAnswer})
	s := newTestStore(t)
	disp := &fakeDispatcher{output: "lookup result"}
	p := NewPipeline(pipelineManager(srv.URL), s, disp, nil, nil, config.DefaultBudgetConfig())

	var events []Event
	res, err := p.RunTurn(context.Background(), TurnRequest{
		SessionID: "sess", WorkspaceID: "ws", ModelID: "test-model",
		UserInput: "question", UserApproved: true,
	}, EventSinkFunc(func(ev Event) { events = append(events, ev) }))
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("model calls = %d, want 2", calls.Load())
	}
	if res.ToolHops != 1 {
		t.Errorf("hops = %d, want 1", res.ToolHops)
	}
	if len(disp.calls) != 1 || disp.calls[0].Name != "lookup" {
		t.Fatalf("dispatched = %+v", disp.calls)
	}
	if !disp.metas[0].UserApproved || disp.metas[0].WorkspaceID != "ws" {
		t.Errorf("meta = %+v", disp.metas[0])
	}

	blocks, _ := s.ListBlocks(res.MessageID)
	var toolBlock *Block
	for i := range blocks {
		if blocks[i].Type == BlockToolCall {
			toolBlock = &blocks[i]
		}
	}
	if toolBlock == nil {
		t.Fatal("no tool_call block persisted")
	}
	if toolBlock.Status != StatusCompleted || toolBlock.ToolOutput != "lookup result" {
		t.Errorf("tool block = %+v", toolBlock)
	}

	sawStart, sawEnd := false, false
	for _, ev := range events {
		if ev.Kind == EvToolCallStart {
			sawStart = true
		}
		if ev.Kind == EvToolCallEnd && ev.ToolOutput == "lookup result" {
			sawEnd = true
		}
	}
	if !sawStart || !sawEnd {
		t.Errorf("missing tool events: start=%v end=%v", sawStart, sawEnd)
	}
	// Pre-tool text and the final answer both belong to the message.
	if res.Content != "Looking it up.The answer" {
		t.Errorf("final content = %q", res.Content)
	}
}

func TestRunTurnToolFailureFeedsErrorBack(t *testing.T) {
	srv, calls := scriptedServer(t, []string{toolCallAnswer, plainAnswer})
	s := newTestStore(t)
	disp := &fakeDispatcher{failErr: fmt.Errorf("backend unavailable")}
	p := NewPipeline(pipelineManager(srv.URL), s, disp, nil, nil, config.DefaultBudgetConfig())

	res, err := p.RunTurn(context.Background(), TurnRequest{
		SessionID: "sess", ModelID: "test-model", UserInput: "question",
	}, nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("model calls = %d, want 2 (error fed back, loop continued)", calls.Load())
	}
	blocks, _ := s.ListBlocks(res.MessageID)
	var toolBlock *Block
	for i := range blocks {
		if blocks[i].Type == BlockToolCall {
			toolBlock = &blocks[i]
		}
	}
	if toolBlock == nil || toolBlock.Status != StatusError {
		t.Errorf("tool block = %+v, want error status", toolBlock)
	}
}

func TestRunTurnStreamErrorClosesBlocksAsError(t *testing.T) {
	// Stream dies without [DONE].
	srv, _ := scriptedServer(t, []string{
		`data: {"choices":[{"delta":{"content":"part"}}]}` + "\n\n",
	})
	s := newTestStore(t)
	p := NewPipeline(pipelineManager(srv.URL), s, nil, nil, nil, config.DefaultBudgetConfig())

	var errEvents int
	_, err := p.RunTurn(context.Background(), TurnRequest{
		SessionID: "sess", ModelID: "test-model", UserInput: "question",
	}, EventSinkFunc(func(ev Event) {
		if ev.Kind == EvError {
			errEvents++
		}
	}))
	if err == nil {
		t.Fatal("want stream error")
	}
	if errEvents != 1 {
		t.Errorf("error events = %d, want 1", errEvents)
	}

	msgs, _ := s.ListMessages("sess", 0)
	for _, m := range msgs {
		blocks, _ := s.ListBlocks(m.ID)
		for _, b := range blocks {
			if b.Status == StatusRunning {
				t.Errorf("block %s left running after stream error", b.ID)
			}
			if b.Type == BlockText && b.Status != StatusError {
				t.Errorf("text block status = %s, want error", b.Status)
			}
		}
	}
}

func TestRunTurnCancelMidStreamClosesBlocksAsCancelled(t *testing.T) {
	delivered := make(chan struct{})
	resume := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"part"}}]}`+"\n\n")
		fl.Flush()
		close(delivered)
		// Hold the stream open until the cancel lands, then emit one more
		// chunk so the scan loop runs again and observes it.
		<-resume
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"more"}}]}`+"\n\n")
		fl.Flush()
	}))
	t.Cleanup(srv.Close)

	s := newTestStore(t)
	m := pipelineManager(srv.URL)
	p := NewPipeline(m, s, nil, nil, nil, config.DefaultBudgetConfig())

	go func() {
		<-delivered
		m.Cancels().Cancel("turn-1")
		close(resume)
	}()

	_, err := p.RunTurn(context.Background(), TurnRequest{
		SessionID: "sess", ModelID: "test-model", UserInput: "question",
		CancelKey: "turn-1",
	}, nil)
	if !apperr.IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}

	msgs, _ := s.ListMessages("sess", 0)
	sawText := false
	for _, msg := range msgs {
		blocks, _ := s.ListBlocks(msg.ID)
		for _, b := range blocks {
			if b.Status == StatusRunning {
				t.Errorf("block %s left running after cancel", b.ID)
			}
			if b.Type == BlockText {
				sawText = true
				if b.Status != StatusCancelled {
					t.Errorf("text block status = %s, want cancelled", b.Status)
				}
			}
		}
	}
	if !sawText {
		t.Fatal("no text block persisted before cancel")
	}
}

type sleepingGuard struct{ sleeping bool }

func (g sleepingGuard) IsCoordinatorSleeping(string) (bool, error) { return g.sleeping, nil }

func TestRunTurnBlockedWhileCoordinatorSleeps(t *testing.T) {
	srv, calls := scriptedServer(t, []string{plainAnswer})
	s := newTestStore(t)
	p := NewPipeline(pipelineManager(srv.URL), s, nil, nil, sleepingGuard{sleeping: true}, config.DefaultBudgetConfig())

	_, err := p.RunTurn(context.Background(), TurnRequest{
		SessionID: "sess", WorkspaceID: "ws", ModelID: "test-model", UserInput: "question",
	}, nil)
	if err == nil {
		t.Fatal("turn must not run while the coordinator sleeps")
	}
	if calls.Load() != 0 {
		t.Errorf("model was called %d times", calls.Load())
	}
}
