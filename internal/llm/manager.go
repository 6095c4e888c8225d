package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/config"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// SecretSource resolves API keys at call time. The secure store implements
// it; tests substitute a map.
type SecretSource interface {
	GetSecret(key string) (string, bool, error)
}

// Manager is the process-wide LLM entrypoint.
type Manager struct {
	cfg     *config.Config
	secrets SecretSource
	client  *http.Client
	cancels *CancelRegistry
	usage   UsageSink // optional
}

// NewManager wires the manager. usage may be nil.
func NewManager(cfg *config.Config, secrets SecretSource, usage UsageSink) *Manager {
	return &Manager{
		cfg:     cfg,
		secrets: secrets,
		client:  &http.Client{Timeout: 10 * time.Minute},
		cancels: NewCancelRegistry(),
		usage:   usage,
	}
}

// Cancels exposes the cancellation registry.
func (m *Manager) Cancels() *CancelRegistry { return m.cancels }

// Config exposes the model registry for callers that enumerate models.
func (m *Manager) Config() *config.Config { return m.cfg }

// AssignedModel resolves a role to its profile.
func (m *Manager) AssignedModel(role string) (*config.ModelProfile, error) {
	return m.cfg.AssignedModel(role)
}

// resolved bundles everything needed to hit one provider.
type resolved struct {
	profile *config.ModelProfile
	vendor  *config.VendorConfig
	adapter RequestAdapter
	apiKey  string
}

func (m *Manager) resolve(modelID string) (*resolved, error) {
	var profile *config.ModelProfile
	var err error
	if modelID == "" {
		profile, err = m.cfg.AssignedModel("chat")
	} else {
		profile, err = m.cfg.Model(modelID)
	}
	if err != nil {
		return nil, err
	}
	vendor, err := m.cfg.Vendor(profile.VendorID)
	if err != nil {
		return nil, err
	}
	apiKey := ""
	if m.secrets != nil {
		key, ok, err := m.secrets.GetSecret("vendor/" + vendor.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, "llm.resolve", err,
				"secret lookup for vendor %s failed", vendor.ID)
		}
		if ok {
			apiKey = key
		}
	}
	return &resolved{
		profile: profile,
		vendor:  vendor,
		adapter: AdapterFor(profile),
		apiKey:  apiKey,
	}, nil
}

// StreamChat runs one streaming call and feeds events to the emitter in
// provider order. The cancel key (when set) is checked before the first
// byte, per chunk, and once more after the terminal marker.
func (m *Manager) StreamChat(ctx context.Context, req ChatRequest, emitter Emitter) error {
	if len(req.Messages) == 0 {
		return apperr.Validation("llm.StreamChat", "no messages")
	}
	r, err := m.resolve(req.ModelID)
	if err != nil {
		return err
	}

	var cancelCh <-chan struct{}
	if req.CancelKey != "" {
		// Consume-before-subscribe: a cancel posted before this call is
		// still honored.
		if m.cancels.ConsumePending(req.CancelKey) {
			emitter.Emit(StreamEvent{Kind: EventError, Err: apperr.ErrCancelled})
			return apperr.ErrCancelled
		}
		cancelCh = m.cancels.Subscribe(req.CancelKey)
		defer m.cancels.Clear(req.CancelKey)
	}

	started := time.Now()
	usage, err := m.streamOnce(ctx, r, req, emitter, cancelCh)

	// A cancel that landed between the last chunk and here still wins.
	if err == nil && req.CancelKey != "" && m.cancels.ConsumePending(req.CancelKey) {
		err = apperr.ErrCancelled
	}

	m.emitUsage(ctx, r, req, usage, time.Since(started), err == nil)

	if err != nil {
		emitter.Emit(StreamEvent{Kind: EventError, Err: err})
		return err
	}
	emitter.Emit(StreamEvent{Kind: EventDone})
	return nil
}

func (m *Manager) streamOnce(ctx context.Context, r *resolved, req ChatRequest, emitter Emitter, cancelCh <-chan struct{}) (*Usage, error) {
	switch r.adapter.ID() {
	case "anthropic":
		return m.streamAnthropic(ctx, r, req, emitter, cancelCh)
	case "google":
		return m.streamGemini(ctx, r, req, emitter, cancelCh)
	default:
		return m.streamOpenAI(ctx, r, req, emitter, cancelCh)
	}
}

// NonStreamChat runs the same wire path with an accumulating emitter and
// returns the assembled assistant message.
func (m *Manager) NonStreamChat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	var result ChatResult
	err := m.StreamChat(ctx, req, EmitterFunc(func(ev StreamEvent) {
		switch ev.Kind {
		case EventContentChunk:
			result.Content += ev.Content
		case EventReasoningChunk:
			result.Thinking += ev.Content
		case EventToolCall:
			if ev.ToolCall != nil {
				result.ToolCalls = append(result.ToolCalls, *ev.ToolCall)
			}
		case EventUsage:
			if ev.Usage != nil {
				result.Usage = *ev.Usage
			}
		}
	}))
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *Manager) emitUsage(ctx context.Context, r *resolved, req ChatRequest, usage *Usage, elapsed time.Duration, success bool) {
	if m.usage == nil {
		return
	}
	ev := UsageEvent{
		Model:      r.profile.ModelName,
		Provider:   r.vendor.ProviderType,
		Caller:     req.Caller,
		Success:    success,
		DurationMs: elapsed.Milliseconds(),
	}
	if usage != nil {
		ev.PromptTokens = usage.PromptTokens
		ev.CompletionTokens = usage.CompletionTokens
	}
	m.usage.RecordLLMUsage(ctx, ev)
}

// =============================================================================
// SSE TRANSPORT
// =============================================================================

const (
	sseInitialBufSize = 64 * 1024
	sseMaxBufSize     = 1024 * 1024
)

// openStream POSTs the body and hands back a line scanner sized for large
// SSE chunks. Non-2xx responses are drained (bounded) for diagnostics.
func (m *Manager) openStream(ctx context.Context, url string, payload []byte, headers map[string]string) (*bufio.Scanner, io.Closer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, apperr.Internal("llm.openStream", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, nil, apperr.Network("llm.openStream", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		diag, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, nil, apperr.LLM("llm.openStream", "provider returned status %d: %s", resp.StatusCode, string(diag))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, sseInitialBufSize), sseMaxBufSize)
	logging.LLMDebug("stream open: %s", url)
	return scanner, resp.Body, nil
}

// cancelled does a non-blocking poll of the cancel channel.
func cancelled(cancelCh <-chan struct{}) bool {
	if cancelCh == nil {
		return false
	}
	select {
	case <-cancelCh:
		return true
	default:
		return false
	}
}
