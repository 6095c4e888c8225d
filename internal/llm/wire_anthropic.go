package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

// =============================================================================
// ANTHROPIC MESSAGES WIRE FORMAT
// =============================================================================

const anthropicDefaultMaxTokens = 4096

func buildAnthropicBody(r *resolved, req ChatRequest, stream bool) map[string]any {
	var system string
	msgs := make([]any, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		msgs = append(msgs, anthropicMessage(r, msg))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.profile.MaxOutputTokens
	}
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	body := map[string]any{
		"model":      r.profile.ModelName,
		"max_tokens": maxTokens,
		"messages":   msgs,
	}
	if stream {
		body["stream"] = true
	}
	if system != "" {
		body["system"] = system
	}
	if r.profile.Temperature != nil {
		body["temperature"] = *r.profile.Temperature
	}
	if r.profile.TopP != nil {
		body["top_p"] = *r.profile.TopP
	}
	if r.profile.TopK != nil {
		body["top_k"] = *r.profile.TopK
	}
	if len(req.Tools) > 0 {
		tools := make([]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			}
		}
		body["tools"] = tools
	}

	r.adapter.ApplyReasoningConfig(body, r.profile, r.profile.ThinkingEnabled)
	return body
}

func anthropicMessage(r *resolved, msg Message) map[string]any {
	switch {
	case len(msg.ToolCalls) > 0:
		return r.adapter.FormatToolCallMessage(msg.ToolCalls, msg.Thinking)
	case msg.ToolCallID != "":
		return map[string]any{
			"role": "user",
			"content": []any{map[string]any{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     msg.Content,
			}},
		}
	case len(msg.Images) > 0:
		parts := []any{}
		for _, img := range msg.Images {
			parts = append(parts, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": img.MimeType,
					"data":       img.Base64,
				},
			})
		}
		if msg.Content != "" {
			parts = append(parts, map[string]any{"type": "text", "text": msg.Content})
		}
		return map[string]any{"role": msg.Role, "content": parts}
	default:
		return map[string]any{"role": msg.Role, "content": msg.Content}
	}
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (m *Manager) streamAnthropic(ctx context.Context, r *resolved, req ChatRequest, emitter Emitter, cancelCh <-chan struct{}) (*Usage, error) {
	payload, err := json.Marshal(buildAnthropicBody(r, req, true))
	if err != nil {
		return nil, apperr.Internal("llm.streamAnthropic", err)
	}

	headers := map[string]string{"anthropic-version": "2023-06-01"}
	if r.apiKey != "" {
		headers["x-api-key"] = r.apiKey
	}
	scanner, body, err := m.openStream(ctx, strings.TrimRight(r.vendor.BaseURL, "/")+"/messages", payload, headers)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	usage := &Usage{}
	var curTool *ToolCall
	var curToolArgs strings.Builder
	sawStop := false

	for scanner.Scan() {
		if cancelled(cancelCh) {
			return usage, apperr.ErrCancelled
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return usage, apperr.LLM("llm.streamAnthropic", "malformed stream event: %v", err)
		}

		switch ev.Type {
		case "message_start":
			usage.PromptTokens = ev.Message.Usage.InputTokens
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				curTool = &ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				curToolArgs.Reset()
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				emitter.Emit(StreamEvent{Kind: EventContentChunk, Content: ev.Delta.Text})
			case "thinking_delta":
				emitter.Emit(StreamEvent{Kind: EventReasoningChunk, Content: ev.Delta.Thinking})
			case "input_json_delta":
				curToolArgs.WriteString(ev.Delta.PartialJSON)
			}
		case "content_block_stop":
			if curTool != nil {
				curTool.Arguments = curToolArgs.String()
				emitter.Emit(StreamEvent{Kind: EventToolCall, ToolCall: curTool})
				curTool = nil
			}
		case "message_delta":
			if ev.Usage.OutputTokens > 0 {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			sawStop = true
		case "error":
			return usage, apperr.LLM("llm.streamAnthropic", "provider error %s: %s", ev.Error.Type, ev.Error.Message)
		}
		if sawStop {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, apperr.Network("llm.streamAnthropic", err)
	}
	if !sawStop {
		return usage, apperr.LLM("llm.streamAnthropic", "stream closed without message_stop")
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	emitter.Emit(StreamEvent{Kind: EventUsage, Usage: usage})
	return usage, nil
}
