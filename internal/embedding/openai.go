package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// =============================================================================
// OPENAI-COMPATIBLE EMBEDDING ENGINE
// =============================================================================

// OpenAIEngine talks to any endpoint implementing the OpenAI /embeddings
// contract (OpenAI, SiliconFlow, Ollama's compat layer, vLLM, ...).
type OpenAIEngine struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIEngine creates an engine for an OpenAI-compatible endpoint.
func NewOpenAIEngine(baseURL, apiKey, model string) *OpenAIEngine {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (e *OpenAIEngine) Name() string  { return "openai:" + e.model }
func (e *OpenAIEngine) Model() string { return e.model }

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed generates an embedding for a single text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperr.LLM("embedding.Embed", "backend returned no vectors")
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.post(ctx, embeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, apperr.LLM("embedding.EmbedBatch",
			"backend returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, apperr.LLM("embedding.EmbedBatch", "vector index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// EmbedImage sends a multimodal input (data-URL image plus optional caption)
// to a VL embedding model that accepts structured input parts.
func (e *OpenAIEngine) EmbedImage(ctx context.Context, imageData []byte, mimeType, caption string) ([]float32, error) {
	if len(imageData) == 0 {
		return nil, apperr.Validation("embedding.EmbedImage", "empty image")
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageData))

	parts := []map[string]any{{"type": "image_url", "image_url": map[string]string{"url": dataURL}}}
	if caption != "" {
		parts = append(parts, map[string]any{"type": "text", "text": caption})
	}
	resp, err := e.post(ctx, embeddingRequest{Model: e.model, Input: []any{map[string]any{"content": parts}}})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, apperr.LLM("embedding.EmbedImage", "backend returned no vectors")
	}
	return resp.Data[0].Embedding, nil
}

// HealthCheck embeds a trivial input to verify the endpoint is reachable.
func (e *OpenAIEngine) HealthCheck(ctx context.Context) error {
	_, err := e.Embed(ctx, "ping")
	return err
}

func (e *OpenAIEngine) post(ctx context.Context, body embeddingRequest) (*embeddingResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Internal("embedding.post", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Internal("embedding.post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	started := time.Now()
	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, apperr.Network("embedding.post", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<20))
	if err != nil {
		return nil, apperr.Network("embedding.post", err)
	}
	logging.EmbeddingDebug("POST /embeddings model=%s status=%d in %v", e.model, httpResp.StatusCode, time.Since(started))

	var resp embeddingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperr.LLM("embedding.post", "malformed response (status %d): %v", httpResp.StatusCode, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		msg := string(raw)
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return nil, apperr.LLM("embedding.post", "embedding request failed (status %d): %s", httpResp.StatusCode, msg)
	}
	return &resp, nil
}
