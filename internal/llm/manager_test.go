package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/config"
)

type mapSecrets map[string]string

func (m mapSecrets) GetSecret(key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func testManager(baseURL string, adapter config.AdapterName) *Manager {
	cfg := config.Default()
	cfg.Vendors = append(cfg.Vendors, config.VendorConfig{
		ID: "test", Name: "Test", BaseURL: baseURL, ProviderType: string(adapter),
	})
	cfg.Models = []config.ModelProfile{{
		ID:        "test-model",
		VendorID:  "test",
		ModelName: "test-model-v1",
		Adapter:   adapter,
	}}
	return NewManager(cfg, mapSecrets{"vendor/test": "sk-test"}, nil)
}

func collectEvents(t *testing.T, m *Manager, req ChatRequest) ([]StreamEvent, error) {
	t.Helper()
	var events []StreamEvent
	err := m.StreamChat(context.Background(), req, EmitterFunc(func(ev StreamEvent) {
		events = append(events, ev)
	}))
	return events, err
}

func sseHandler(t *testing.T, wantPath string, lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wantPath {
			t.Errorf("path = %s, want %s", r.URL.Path, wantPath)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}
}

func TestStreamOpenAIContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	m := testManager(srv.URL, config.AdapterOpenAI)
	events, err := collectEvents(t, m, ChatRequest{
		ModelID:  "test-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	var content string
	var usage *Usage
	sawDone := false
	for _, ev := range events {
		switch ev.Kind {
		case EventContentChunk:
			content += ev.Content
		case EventUsage:
			usage = ev.Usage
		case EventDone:
			sawDone = true
		}
	}
	if content != "Hello" {
		t.Errorf("content = %q, want Hello", content)
	}
	if usage == nil || usage.PromptTokens != 10 || usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
	if !sawDone {
		t.Error("missing terminal done event")
	}
}

func TestStreamOpenAIAssemblesFragmentedToolCalls(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, "/chat/completions", []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"read","arguments":"{}"}}]}}]}`,
		`data: [DONE]`,
	}))
	defer srv.Close()

	m := testManager(srv.URL, config.AdapterOpenAI)
	events, err := collectEvents(t, m, ChatRequest{
		ModelID:  "test-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	var calls []ToolCall
	for _, ev := range events {
		if ev.Kind == EventToolCall {
			calls = append(calls, *ev.ToolCall)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Name != "search" || calls[0].Arguments != `{"q":"go"}` {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].ID != "call_b" || calls[1].Name != "read" {
		t.Errorf("call 1 = %+v", calls[1])
	}
}

func TestStreamOpenAIMissingDoneIsError(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, "/chat/completions", []string{
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
	}))
	defer srv.Close()

	m := testManager(srv.URL, config.AdapterOpenAI)
	_, err := collectEvents(t, m, ChatRequest{
		ModelID:  "test-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if !apperr.IsKind(err, apperr.KindLLM) {
		t.Fatalf("truncated stream should be an llm error, got %v", err)
	}
	if !strings.Contains(err.Error(), "[DONE]") {
		t.Errorf("error should name the missing marker: %v", err)
	}
}

func TestStreamAnthropicEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`data: {"type":"message_start","message":{"usage":{"input_tokens":25}}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"answer"}}`,
			`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu_1","name":"lookup"}}`,
			`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"k\":1}"}}`,
			`data: {"type":"content_block_stop","index":2}`,
			`data: {"type":"message_delta","usage":{"output_tokens":7}}`,
			`data: {"type":"message_stop"}`,
		} {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	defer srv.Close()

	m := testManager(srv.URL, config.AdapterAnthropic)
	events, err := collectEvents(t, m, ChatRequest{
		ModelID:  "test-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	var thinking, content string
	var call *ToolCall
	var usage *Usage
	for _, ev := range events {
		switch ev.Kind {
		case EventReasoningChunk:
			thinking += ev.Content
		case EventContentChunk:
			content += ev.Content
		case EventToolCall:
			call = ev.ToolCall
		case EventUsage:
			usage = ev.Usage
		}
	}
	if thinking != "hmm" || content != "answer" {
		t.Errorf("thinking=%q content=%q", thinking, content)
	}
	if call == nil || call.ID != "tu_1" || call.Name != "lookup" || call.Arguments != `{"k":1}` {
		t.Errorf("tool call = %+v", call)
	}
	if usage == nil || usage.PromptTokens != 25 || usage.CompletionTokens != 7 || usage.TotalTokens != 32 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStreamAnthropicMissingStopIsError(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, "/messages", []string{
		`data: {"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"cut off"}}`,
	}))
	defer srv.Close()

	m := testManager(srv.URL, config.AdapterAnthropic)
	_, err := collectEvents(t, m, ChatRequest{
		ModelID:  "test-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if !apperr.IsKind(err, apperr.KindLLM) {
		t.Fatalf("truncated stream should be an llm error, got %v", err)
	}
}

func TestStreamGeminiPartsAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/v1beta/models/test-model-v1:streamGenerateContent"
		if r.URL.Path != wantPath {
			t.Errorf("path = %s, want %s", r.URL.Path, wantPath)
		}
		if got := r.URL.Query().Get("alt"); got != "sse" {
			t.Errorf("alt = %q, want sse", got)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "sk-test" {
			t.Errorf("x-goog-api-key = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"thinking...","thought":true}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"result"}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"calc","args":{"x":2}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4,"totalTokenCount":13}}`+"\n\n")
	}))
	defer srv.Close()

	m := testManager(srv.URL, config.AdapterGoogle)
	events, err := collectEvents(t, m, ChatRequest{
		ModelID:  "test-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	var thinking, content string
	var call *ToolCall
	var usage *Usage
	for _, ev := range events {
		switch ev.Kind {
		case EventReasoningChunk:
			thinking += ev.Content
		case EventContentChunk:
			content += ev.Content
		case EventToolCall:
			call = ev.ToolCall
		case EventUsage:
			usage = ev.Usage
		}
	}
	if thinking != "thinking..." || content != "result" {
		t.Errorf("thinking=%q content=%q", thinking, content)
	}
	if call == nil || call.Name != "calc" || !strings.Contains(call.Arguments, `"x":2`) {
		t.Errorf("tool call = %+v", call)
	}
	if usage == nil || usage.TotalTokens != 13 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStreamGeminiMissingFinishIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}`+"\n\n")
	}))
	defer srv.Close()

	m := testManager(srv.URL, config.AdapterGoogle)
	_, err := collectEvents(t, m, ChatRequest{
		ModelID:  "test-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if !apperr.IsKind(err, apperr.KindLLM) {
		t.Fatalf("truncated stream should be an llm error, got %v", err)
	}
}

func TestStreamChatPreCancelledKeyShortCircuits(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	m := testManager(srv.URL, config.AdapterOpenAI)
	m.Cancels().Cancel("run-9")

	events, err := collectEvents(t, m, ChatRequest{
		ModelID:   "test-model",
		CancelKey: "run-9",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	if !apperr.IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if called {
		t.Error("pre-cancelled request must not reach the provider")
	}
	if len(events) != 1 || events[0].Kind != EventError {
		t.Errorf("events = %+v, want single error event", events)
	}
}

func TestStreamChatProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	m := testManager(srv.URL, config.AdapterOpenAI)
	_, err := collectEvents(t, m, ChatRequest{
		ModelID:  "test-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if !apperr.IsKind(err, apperr.KindLLM) {
		t.Fatalf("err = %v, want llm kind", err)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should carry the status code: %v", err)
	}
}

func TestNonStreamChatAccumulates(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, "/chat/completions", []string{
		`data: {"choices":[{"delta":{"reasoning_content":"think "}}]}`,
		`data: {"choices":[{"delta":{"content":"final"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`,
		`data: [DONE]`,
	}))
	defer srv.Close()

	m := testManager(srv.URL, config.AdapterOpenAI)
	res, err := m.NonStreamChat(context.Background(), ChatRequest{
		ModelID:  "test-model",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("NonStreamChat: %v", err)
	}
	if res.Content != "final" || res.Thinking != "think " {
		t.Errorf("result = %+v", res)
	}
	if res.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestStreamChatEmptyMessagesRejected(t *testing.T) {
	m := testManager("http://unused", config.AdapterOpenAI)
	err := m.StreamChat(context.Background(), ChatRequest{ModelID: "test-model"}, EmitterFunc(func(StreamEvent) {}))
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}
