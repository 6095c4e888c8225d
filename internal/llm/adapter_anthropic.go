package llm

import (
	"encoding/json"
	"strings"

	"github.com/000haoji/deep-student-sub006/internal/config"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

const (
	anthropicMinThinkingBudget = 1024
	anthropicMaxThinkingBudget = 32768
)

// anthropicAdapter implements the Messages API rules, including Extended
// Thinking parameter policing.
type anthropicAdapter struct{}

func (a *anthropicAdapter) ID() string    { return "anthropic" }
func (a *anthropicAdapter) Label() string { return "Anthropic" }
func (a *anthropicAdapter) Description() string {
	return "Messages API with extended thinking and content-block tool calls"
}

func (a *anthropicAdapter) ApplyReasoningConfig(body map[string]any, m *config.ModelProfile, enableThinking bool) bool {
	// Anthropic never accepts these.
	delete(body, "frequency_penalty")
	delete(body, "presence_penalty")

	if !enableThinking || !m.ThinkingEnabled {
		delete(body, "thinking")
		// Claude 4.5 non-thinking: temperature and top_p are mutually
		// exclusive; temperature wins.
		if isClaude45(m.ModelName) {
			if _, hasTemp := body["temperature"]; hasTemp {
				if _, hasTopP := body["top_p"]; hasTopP {
					delete(body, "top_p")
					logging.LLMDebug("claude 4.5: dropped top_p in favor of temperature")
				}
			}
		}
		return false
	}

	// Extended thinking: temperature and top_k must go; top_p clamps to
	// [0.95, 1.0] when present.
	delete(body, "temperature")
	delete(body, "top_k")
	if v, ok := body["top_p"]; ok {
		if f, ok := toFloat(v); ok {
			switch {
			case f < 0.95:
				body["top_p"] = 0.95
			case f > 1.0:
				body["top_p"] = 1.0
			}
		}
	}

	budget := m.ThinkingBudget
	if budget < anthropicMinThinkingBudget {
		budget = anthropicMinThinkingBudget
	}
	if budget > anthropicMaxThinkingBudget {
		budget = anthropicMaxThinkingBudget
	}

	// budget_tokens must stay below max_tokens; degrade rather than fail.
	if v, ok := body["max_tokens"]; ok {
		if maxTokens, ok := toInt(v); ok && budget >= maxTokens {
			degraded := maxTokens - 1
			if degraded < 1 {
				degraded = 1
			}
			logging.LLMWarn("thinking budget %d >= max_tokens %d, degraded to %d", budget, maxTokens, degraded)
			budget = degraded
		}
	}

	body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	return true
}

func (a *anthropicAdapter) ShouldRemoveSamplingParams(m *config.ModelProfile) bool {
	return m.ThinkingEnabled
}

func (a *anthropicAdapter) GetPassbackPolicy(m *config.ModelProfile) PassbackPolicy {
	return DeepSeekStyle
}

// FormatToolCallMessage emits thinking blocks strictly before tool_use
// blocks; the API rejects the reverse order.
func (a *anthropicAdapter) FormatToolCallMessage(calls []ToolCall, thinking string) map[string]any {
	var blocks []map[string]any
	if thinking != "" {
		blocks = append(blocks, map[string]any{"type": "thinking", "thinking": thinking})
	}
	for _, c := range calls {
		var input map[string]any
		if err := json.Unmarshal([]byte(ensureJSON(c.Arguments)), &input); err != nil {
			input = map[string]any{}
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    c.ID,
			"name":  c.Name,
			"input": input,
		})
	}
	return map[string]any{"role": "assistant", "content": blocks}
}

func (a *anthropicAdapter) RequiresThinkingInHistory(m *config.ModelProfile) bool {
	return m.ThinkingEnabled
}

func isClaude45(model string) bool {
	name := strings.ToLower(model)
	return strings.Contains(name, "4-5") || strings.Contains(name, "4.5")
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case json.Number:
		n, err := x.Int64()
		return int(n), err == nil
	}
	return 0, false
}
