// Package tools implements the executor registry the chat pipeline
// dispatches model tool calls through: sensitivity gating, cancellation
// checks, blocking-work offload, and the builtin executors.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/chat"
	"github.com/000haoji/deep-student-sub006/internal/llm"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// Sensitivity classifies how much damage a tool can do. High-sensitivity
// tools only run when the specific call was user-approved.
type Sensitivity int

const (
	SensitivityLow Sensitivity = iota
	SensitivityMedium
	SensitivityHigh
)

func (s Sensitivity) String() string {
	switch s {
	case SensitivityHigh:
		return "high"
	case SensitivityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Executor is one tool implementation.
type Executor interface {
	Name() string
	Description() string
	Sensitivity() Sensitivity
	// Parameters returns the JSON-schema parameter object advertised to the
	// model.
	Parameters() map[string]any
	Execute(ctx context.Context, args json.RawMessage, meta chat.ToolMeta) (string, error)
}

// refusal is the structured hint returned instead of running an unapproved
// high-sensitivity tool.
type refusal struct {
	Refused bool   `json:"refused"`
	Tool    string `json:"tool"`
	Reason  string `json:"reason"`
}

// maxBlockingWorkers bounds concurrent blocking offloads.
const maxBlockingWorkers = 8

// Registry maps tool names to executors and enforces the dispatch rules. It
// implements chat.ToolDispatcher.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	blocking  *semaphore.Weighted
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		blocking:  semaphore.NewWeighted(maxBlockingWorkers),
	}
}

// Register adds an executor. Re-registering a name replaces it.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Name()] = e
	logging.Tools("registered tool %s (%s)", e.Name(), e.Sensitivity())
}

// Definitions lists the registered tools for the model, name-sorted for a
// stable prompt.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.executors))
	for _, e := range r.executors {
		defs = append(defs, llm.ToolDefinition{
			Name:        e.Name(),
			Description: e.Description(),
			Parameters:  e.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch runs one tool call. Cancellation is checked before anything else;
// unapproved high-sensitivity calls return a structured refusal rather than
// an error so the model can explain it to the user.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall, meta chat.ToolMeta) (string, error) {
	select {
	case <-ctx.Done():
		return "", apperr.ErrCancelled
	default:
	}

	r.mu.RLock()
	e, ok := r.executors[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", apperr.NotFound("tools.Dispatch", "tool %s", call.Name)
	}

	if e.Sensitivity() == SensitivityHigh && !meta.UserApproved {
		hint, _ := json.Marshal(refusal{
			Refused: true,
			Tool:    call.Name,
			Reason:  "this action requires explicit user approval",
		})
		logging.ToolsWarn("refused unapproved high-sensitivity tool %s", call.Name)
		return string(hint), nil
	}

	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	out, err := e.Execute(ctx, args, meta)
	if err != nil {
		logging.ToolsWarn("tool %s failed: %v", call.Name, err)
		return "", err
	}
	return out, nil
}

// RunBlocking offloads a blocking closure to a bounded pool and waits for it
// or for ctx. On cancellation the closure keeps running detached; its result
// is discarded.
func (r *Registry) RunBlocking(ctx context.Context, fn func() (string, error)) (string, error) {
	if err := r.blocking.Acquire(ctx, 1); err != nil {
		return "", apperr.ErrCancelled
	}

	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer r.blocking.Release(1)
		out, err := fn()
		ch <- result{out, err}
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-ctx.Done():
		return "", apperr.ErrCancelled
	}
}
