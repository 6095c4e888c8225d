package llm

import (
	"testing"

	"github.com/000haoji/deep-student-sub006/internal/config"
)

func thinkingProfile(budget int) *config.ModelProfile {
	return &config.ModelProfile{
		ID:              "claude",
		ModelName:       "claude-sonnet-4-5",
		Adapter:         config.AdapterAnthropic,
		ThinkingEnabled: true,
		ThinkingBudget:  budget,
	}
}

func TestAnthropicThinkingStripsSamplingParams(t *testing.T) {
	a := &anthropicAdapter{}
	body := map[string]any{
		"max_tokens":  8192,
		"temperature": 0.7,
		"top_k":       40,
		"top_p":       0.5,
	}
	needsPassback := a.ApplyReasoningConfig(body, thinkingProfile(8000), true)
	if !needsPassback {
		t.Fatal("thinking mode should require reasoning passback")
	}
	if _, ok := body["temperature"]; ok {
		t.Error("temperature must be removed in thinking mode")
	}
	if _, ok := body["top_k"]; ok {
		t.Error("top_k must be removed in thinking mode")
	}
	if body["top_p"] != 0.95 {
		t.Errorf("top_p should clamp to 0.95, got %v", body["top_p"])
	}
	thinking, ok := body["thinking"].(map[string]any)
	if !ok {
		t.Fatal("thinking block missing")
	}
	if thinking["budget_tokens"] != 8000 {
		t.Errorf("budget_tokens = %v, want 8000", thinking["budget_tokens"])
	}
}

func TestAnthropicThinkingBudgetBounds(t *testing.T) {
	a := &anthropicAdapter{}
	cases := []struct {
		name   string
		budget int
		want   int
	}{
		{"below floor", 100, 1024},
		{"above ceiling", 100000, 32768},
		{"in range", 4096, 4096},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := map[string]any{"max_tokens": 64000}
			a.ApplyReasoningConfig(body, thinkingProfile(tc.budget), true)
			got := body["thinking"].(map[string]any)["budget_tokens"]
			if got != tc.want {
				t.Errorf("budget_tokens = %v, want %d", got, tc.want)
			}
		})
	}
}

func TestAnthropicThinkingBudgetDegradesBelowMaxTokens(t *testing.T) {
	a := &anthropicAdapter{}
	body := map[string]any{"max_tokens": 512}
	a.ApplyReasoningConfig(body, thinkingProfile(8000), true)
	got := body["thinking"].(map[string]any)["budget_tokens"]
	if got != 511 {
		t.Errorf("budget_tokens = %v, want 511 (max_tokens - 1)", got)
	}
}

func TestAnthropicThinkingBudgetDegradeFloor(t *testing.T) {
	a := &anthropicAdapter{}
	body := map[string]any{"max_tokens": 1}
	a.ApplyReasoningConfig(body, thinkingProfile(2048), true)
	got := body["thinking"].(map[string]any)["budget_tokens"]
	if got != 1 {
		t.Errorf("budget_tokens = %v, want 1", got)
	}
}

func TestAnthropicTopPClampUpper(t *testing.T) {
	a := &anthropicAdapter{}
	body := map[string]any{"max_tokens": 8192, "top_p": 1.3}
	a.ApplyReasoningConfig(body, thinkingProfile(2048), true)
	if body["top_p"] != 1.0 {
		t.Errorf("top_p = %v, want 1.0", body["top_p"])
	}
}

func TestAnthropicNonThinkingClaude45TemperatureWins(t *testing.T) {
	a := &anthropicAdapter{}
	m := &config.ModelProfile{ModelName: "claude-sonnet-4-5", Adapter: config.AdapterAnthropic}
	body := map[string]any{"temperature": 0.7, "top_p": 0.9}
	needsPassback := a.ApplyReasoningConfig(body, m, false)
	if needsPassback {
		t.Error("non-thinking mode should not require passback")
	}
	if _, ok := body["top_p"]; ok {
		t.Error("claude 4.5: top_p must be dropped when temperature is set")
	}
	if body["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7", body["temperature"])
	}
}

func TestAnthropicNonThinkingOlderModelKeepsBoth(t *testing.T) {
	a := &anthropicAdapter{}
	m := &config.ModelProfile{ModelName: "claude-3-7-sonnet", Adapter: config.AdapterAnthropic}
	body := map[string]any{"temperature": 0.7, "top_p": 0.9}
	a.ApplyReasoningConfig(body, m, false)
	if _, ok := body["top_p"]; !ok {
		t.Error("pre-4.5 models accept temperature and top_p together")
	}
}

func TestAnthropicPenaltyParamsAlwaysRemoved(t *testing.T) {
	a := &anthropicAdapter{}
	m := &config.ModelProfile{ModelName: "claude-3-5-haiku", Adapter: config.AdapterAnthropic}
	body := map[string]any{"frequency_penalty": 0.5, "presence_penalty": 0.5}
	a.ApplyReasoningConfig(body, m, false)
	if _, ok := body["frequency_penalty"]; ok {
		t.Error("frequency_penalty must be removed")
	}
	if _, ok := body["presence_penalty"]; ok {
		t.Error("presence_penalty must be removed")
	}
}

func TestAnthropicThinkingBlockPrecedesToolUse(t *testing.T) {
	a := &anthropicAdapter{}
	msg := a.FormatToolCallMessage([]ToolCall{
		{ID: "tu_1", Name: "search", Arguments: `{"q":"go"}`},
	}, "let me look that up")

	blocks, ok := msg["content"].([]map[string]any)
	if !ok {
		t.Fatalf("content is %T, want block list", msg["content"])
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0]["type"] != "thinking" {
		t.Errorf("first block = %v, want thinking", blocks[0]["type"])
	}
	if blocks[1]["type"] != "tool_use" {
		t.Errorf("second block = %v, want tool_use", blocks[1]["type"])
	}
	input := blocks[1]["input"].(map[string]any)
	if input["q"] != "go" {
		t.Errorf("tool input not preserved: %v", input)
	}
}

func TestAdapterFallbackToOpenAI(t *testing.T) {
	m := &config.ModelProfile{ID: "x", ModelName: "mystery", Adapter: "weird-vendor"}
	a := AdapterFor(m)
	if a.ID() != "openai" {
		t.Errorf("unknown adapter should fall back to openai, got %s", a.ID())
	}
	empty := &config.ModelProfile{ID: "y", ModelName: "plain"}
	if AdapterFor(empty).ID() != "openai" {
		t.Error("empty adapter should fall back to openai")
	}
}
