package llm

import (
	"encoding/json"

	"github.com/000haoji/deep-student-sub006/internal/config"
)

// openAIAdapter is the default adapter, covering every OpenAI-compatible
// provider (GPT, DeepSeek, Qwen, Zhipu, Doubao, MiniMax, Moonshot, ...).
type openAIAdapter struct{}

func (a *openAIAdapter) ID() string    { return "openai" }
func (a *openAIAdapter) Label() string { return "OpenAI compatible" }
func (a *openAIAdapter) Description() string {
	return "chat/completions wire format with data: SSE lines and [DONE] terminator"
}

func (a *openAIAdapter) ApplyReasoningConfig(body map[string]any, m *config.ModelProfile, enableThinking bool) bool {
	if a.ShouldRemoveSamplingParams(m) {
		delete(body, "temperature")
		delete(body, "top_p")
		delete(body, "top_k")
	}
	if enableThinking && m.ReasoningEffort != "" {
		body["reasoning_effort"] = m.ReasoningEffort
	}
	// DeepSeek-style models return reasoning_content deltas and want the
	// text replayed on later turns.
	return a.GetPassbackPolicy(m) == DeepSeekStyle
}

func (a *openAIAdapter) ShouldRemoveSamplingParams(m *config.ModelProfile) bool {
	// Reasoning models reject user sampling params.
	return m.Reasoning && m.Adapter != config.AdapterAnthropic
}

func (a *openAIAdapter) GetPassbackPolicy(m *config.ModelProfile) PassbackPolicy {
	if m.Reasoning {
		return DeepSeekStyle
	}
	return NoPassback
}

func (a *openAIAdapter) FormatToolCallMessage(calls []ToolCall, thinking string) map[string]any {
	wire := make([]map[string]any, len(calls))
	for i, c := range calls {
		wire[i] = map[string]any{
			"id":   c.ID,
			"type": "function",
			"function": map[string]any{
				"name":      c.Name,
				"arguments": ensureJSON(c.Arguments),
			},
		}
	}
	msg := map[string]any{"role": "assistant", "content": nil, "tool_calls": wire}
	if thinking != "" {
		msg["reasoning_content"] = thinking
	}
	return msg
}

func (a *openAIAdapter) RequiresThinkingInHistory(m *config.ModelProfile) bool {
	return m.Reasoning
}

// ensureJSON returns args unchanged when it is valid JSON, otherwise "{}".
func ensureJSON(args string) string {
	if args == "" {
		return "{}"
	}
	if !json.Valid([]byte(args)) {
		return "{}"
	}
	return args
}
