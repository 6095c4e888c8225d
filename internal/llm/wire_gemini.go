package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

// =============================================================================
// GEMINI WIRE FORMAT
// =============================================================================

func buildGeminiBody(r *resolved, req ChatRequest) map[string]any {
	var systemParts []any
	var contents []any
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, map[string]any{"text": msg.Content})
			continue
		}
		contents = append(contents, geminiContent(r, msg))
	}

	gc := map[string]any{}
	if req.MaxTokens > 0 {
		gc["maxOutputTokens"] = req.MaxTokens
	} else if r.profile.MaxOutputTokens > 0 {
		gc["maxOutputTokens"] = r.profile.MaxOutputTokens
	}
	if r.profile.Temperature != nil {
		gc["temperature"] = *r.profile.Temperature
	}
	if r.profile.TopP != nil {
		gc["topP"] = *r.profile.TopP
	}
	if r.profile.TopK != nil {
		gc["topK"] = *r.profile.TopK
	}

	body := map[string]any{"contents": contents}
	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{"parts": systemParts}
	}
	if len(gc) > 0 {
		body["generationConfig"] = gc
	}
	if len(req.Tools) > 0 {
		decls := make([]any, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			}
		}
		body["tools"] = []any{map[string]any{"functionDeclarations": decls}}
	}

	r.adapter.ApplyReasoningConfig(body, r.profile, r.profile.ThinkingEnabled)
	return body
}

func geminiContent(r *resolved, msg Message) map[string]any {
	role := msg.Role
	if role == "assistant" {
		role = "model"
	}
	switch {
	case len(msg.ToolCalls) > 0:
		return r.adapter.FormatToolCallMessage(msg.ToolCalls, msg.Thinking)
	case msg.ToolCallID != "":
		return map[string]any{
			"role": "user",
			"parts": []any{map[string]any{
				"functionResponse": map[string]any{
					"name":     msg.ToolCallID,
					"response": map[string]any{"content": msg.Content},
				},
			}},
		}
	default:
		parts := []any{}
		if msg.Content != "" {
			parts = append(parts, map[string]any{"text": msg.Content})
		}
		for _, img := range msg.Images {
			parts = append(parts, map[string]any{
				"inline_data": map[string]any{
					"mime_type": img.MimeType,
					"data":      img.Base64,
				},
			})
		}
		return map[string]any{"role": role, "parts": parts}
	}
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				Thought      bool   `json:"thought"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (m *Manager) streamGemini(ctx context.Context, r *resolved, req ChatRequest, emitter Emitter, cancelCh <-chan struct{}) (*Usage, error) {
	payload, err := json.Marshal(buildGeminiBody(r, req))
	if err != nil {
		return nil, apperr.Internal("llm.streamGemini", err)
	}

	version := r.profile.GeminiAPIVersion
	if version == "" {
		version = "v1beta"
	}
	url := fmt.Sprintf("%s/%s/models/%s:streamGenerateContent?alt=sse",
		strings.TrimRight(r.vendor.BaseURL, "/"), version, r.profile.ModelName)

	headers := map[string]string{}
	if r.apiKey != "" {
		headers["x-goog-api-key"] = r.apiKey
	}
	scanner, body, err := m.openStream(ctx, url, payload, headers)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var usage *Usage
	toolCount := 0
	finished := false

	for scanner.Scan() {
		if cancelled(cancelCh) {
			return usage, apperr.ErrCancelled
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var chunk geminiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return usage, apperr.LLM("llm.streamGemini", "malformed stream chunk: %v", err)
		}
		if chunk.UsageMetadata != nil {
			usage = &Usage{
				PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
				CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				toolCount++
				emitter.Emit(StreamEvent{Kind: EventToolCall, ToolCall: &ToolCall{
					ID:        fmt.Sprintf("call_%d", toolCount),
					Name:      part.FunctionCall.Name,
					Arguments: string(part.FunctionCall.Args),
				}})
			case part.Thought:
				emitter.Emit(StreamEvent{Kind: EventReasoningChunk, Content: part.Text})
			case part.Text != "":
				emitter.Emit(StreamEvent{Kind: EventContentChunk, Content: part.Text})
			}
		}
		if cand.FinishReason != "" {
			finished = true
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, apperr.Network("llm.streamGemini", err)
	}
	if !finished {
		return usage, apperr.LLM("llm.streamGemini", "stream closed without a finish reason")
	}

	if usage != nil {
		emitter.Emit(StreamEvent{Kind: EventUsage, Usage: usage})
	}
	return usage, nil
}
