package llm

import (
	"github.com/000haoji/deep-student-sub006/internal/config"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// PassbackPolicy controls how assistant reasoning is re-fed to the model in
// later turns.
type PassbackPolicy string

const (
	// NoPassback drops reasoning after the turn.
	NoPassback PassbackPolicy = "no_passback"
	// DeepSeekStyle preserves the reasoning text across turns.
	DeepSeekStyle PassbackPolicy = "deepseek_style"
)

// RequestAdapter encapsulates one provider family's wire quirks. Adapters
// mutate the outgoing JSON body in place; the manager owns transport.
type RequestAdapter interface {
	ID() string
	Label() string
	Description() string

	// ApplyReasoningConfig injects or removes reasoning fields and enforces
	// the provider's sampling-parameter rules on body. The return value
	// hints whether reasoning passback is required for later turns.
	ApplyReasoningConfig(body map[string]any, m *config.ModelProfile, enableThinking bool) bool

	// ShouldRemoveSamplingParams reports whether temperature/top_p/top_k
	// must be stripped for this model.
	ShouldRemoveSamplingParams(m *config.ModelProfile) bool

	// GetPassbackPolicy selects the reasoning passback behavior.
	GetPassbackPolicy(m *config.ModelProfile) PassbackPolicy

	// FormatToolCallMessage produces the provider-specific assistant message
	// carrying tool calls, with optional preserved thinking.
	FormatToolCallMessage(calls []ToolCall, thinking string) map[string]any

	// RequiresThinkingInHistory reports whether prior thinking blocks must
	// be replayed in the message history.
	RequiresThinkingInHistory(m *config.ModelProfile) bool
}

// adapterRegistry maps adapter names to implementations.
var adapterRegistry = map[config.AdapterName]RequestAdapter{
	config.AdapterOpenAI:    &openAIAdapter{},
	config.AdapterAnthropic: &anthropicAdapter{},
	config.AdapterGoogle:    &geminiAdapter{},
}

// AdapterFor resolves a model's adapter. Unknown or empty adapter ids fall
// back to the OpenAI-compatible adapter.
func AdapterFor(m *config.ModelProfile) RequestAdapter {
	if a, ok := adapterRegistry[m.Adapter]; ok {
		return a
	}
	if m.Adapter != "" {
		logging.LLMWarn("unknown adapter %q for model %s, falling back to openai", m.Adapter, m.ID)
	}
	return adapterRegistry[config.AdapterOpenAI]
}

// Adapters lists the registered adapters for UI enumeration.
func Adapters() []RequestAdapter {
	return []RequestAdapter{
		adapterRegistry[config.AdapterOpenAI],
		adapterRegistry[config.AdapterAnthropic],
		adapterRegistry[config.AdapterGoogle],
	}
}
