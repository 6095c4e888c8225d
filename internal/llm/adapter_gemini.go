package llm

import (
	"encoding/json"

	"github.com/000haoji/deep-student-sub006/internal/config"
)

// geminiAdapter targets the generativelanguage streamGenerateContent
// endpoint; multimodal parts travel as inline_data.
type geminiAdapter struct{}

func (a *geminiAdapter) ID() string    { return "google" }
func (a *geminiAdapter) Label() string { return "Google Gemini" }
func (a *geminiAdapter) Description() string {
	return "streamGenerateContent?alt=sse with inline_data multimodal parts"
}

func (a *geminiAdapter) ApplyReasoningConfig(body map[string]any, m *config.ModelProfile, enableThinking bool) bool {
	gc, _ := body["generationConfig"].(map[string]any)
	if gc == nil {
		gc = map[string]any{}
	}
	if enableThinking && m.ThinkingEnabled {
		tc := map[string]any{"includeThoughts": m.IncludeThoughts}
		if m.ThinkingBudget > 0 {
			tc["thinkingBudget"] = m.ThinkingBudget
		}
		gc["thinkingConfig"] = tc
	} else {
		delete(gc, "thinkingConfig")
	}
	if len(gc) > 0 {
		body["generationConfig"] = gc
	}
	return false
}

func (a *geminiAdapter) ShouldRemoveSamplingParams(m *config.ModelProfile) bool { return false }

func (a *geminiAdapter) GetPassbackPolicy(m *config.ModelProfile) PassbackPolicy { return NoPassback }

func (a *geminiAdapter) FormatToolCallMessage(calls []ToolCall, thinking string) map[string]any {
	parts := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": c.Name,
				"args": jsonToMap(c.Arguments),
			},
		})
	}
	return map[string]any{"role": "model", "parts": parts}
}

func (a *geminiAdapter) RequiresThinkingInHistory(m *config.ModelProfile) bool { return false }

func jsonToMap(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(ensureJSON(s)), &m); err != nil {
		return map[string]any{}
	}
	return m
}
