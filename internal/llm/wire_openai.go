package llm

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

// =============================================================================
// OPENAI-COMPATIBLE WIRE FORMAT
// =============================================================================

func buildOpenAIBody(r *resolved, req ChatRequest, stream bool) map[string]any {
	msgs := make([]any, 0, len(req.Messages))
	for _, msg := range req.Messages {
		msgs = append(msgs, openAIMessage(r, msg))
	}

	body := map[string]any{
		"model":    r.profile.ModelName,
		"messages": msgs,
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	} else if r.profile.MaxOutputTokens > 0 {
		body["max_tokens"] = r.profile.MaxOutputTokens
	}
	if r.profile.Temperature != nil {
		body["temperature"] = *r.profile.Temperature
	}
	if r.profile.TopP != nil {
		body["top_p"] = *r.profile.TopP
	}
	if len(req.Tools) > 0 {
		tools := make([]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			}
		}
		body["tools"] = tools
	}

	r.adapter.ApplyReasoningConfig(body, r.profile, r.profile.ThinkingEnabled)
	return body
}

func openAIMessage(r *resolved, msg Message) map[string]any {
	switch {
	case len(msg.ToolCalls) > 0:
		return r.adapter.FormatToolCallMessage(msg.ToolCalls, msg.Thinking)
	case msg.ToolCallID != "":
		return map[string]any{"role": "tool", "tool_call_id": msg.ToolCallID, "content": msg.Content}
	case len(msg.Images) > 0:
		parts := []any{}
		if msg.Content != "" {
			parts = append(parts, map[string]any{"type": "text", "text": msg.Content})
		}
		for _, img := range msg.Images {
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": "data:" + img.MimeType + ";base64," + img.Base64},
			})
		}
		return map[string]any{"role": msg.Role, "content": parts}
	default:
		return map[string]any{"role": msg.Role, "content": msg.Content}
	}
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (m *Manager) streamOpenAI(ctx context.Context, r *resolved, req ChatRequest, emitter Emitter, cancelCh <-chan struct{}) (*Usage, error) {
	payload, err := json.Marshal(buildOpenAIBody(r, req, true))
	if err != nil {
		return nil, apperr.Internal("llm.streamOpenAI", err)
	}

	headers := map[string]string{}
	if r.apiKey != "" {
		headers["Authorization"] = "Bearer " + r.apiKey
	}
	scanner, body, err := m.openStream(ctx, strings.TrimRight(r.vendor.BaseURL, "/")+"/chat/completions", payload, headers)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	// Tool-call deltas arrive fragmented by index; assemble and emit when
	// the stream terminates.
	type partialCall struct {
		id, name, args string
	}
	partials := map[int]*partialCall{}
	var usage *Usage
	sawDone := false

	for scanner.Scan() {
		if cancelled(cancelCh) {
			return usage, apperr.ErrCancelled
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			sawDone = true
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return usage, apperr.LLM("llm.streamOpenAI", "malformed stream chunk: %v", err)
		}
		if chunk.Usage != nil {
			usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
			emitter.Emit(StreamEvent{Kind: EventUsage, Usage: usage})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			emitter.Emit(StreamEvent{Kind: EventReasoningChunk, Content: delta.ReasoningContent})
		}
		if delta.Content != "" {
			emitter.Emit(StreamEvent{Kind: EventContentChunk, Content: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			p := partials[tc.Index]
			if p == nil {
				p = &partialCall{}
				partials[tc.Index] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, apperr.Network("llm.streamOpenAI", err)
	}
	if !sawDone {
		return usage, apperr.LLM("llm.streamOpenAI", "stream closed without [DONE]")
	}

	indexes := make([]int, 0, len(partials))
	for i := range partials {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		p := partials[i]
		emitter.Emit(StreamEvent{Kind: EventToolCall, ToolCall: &ToolCall{ID: p.id, Name: p.name, Arguments: p.args}})
	}
	return usage, nil
}
