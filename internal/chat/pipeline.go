package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/budget"
	"github.com/000haoji/deep-student-sub006/internal/config"
	"github.com/000haoji/deep-student-sub006/internal/llm"
	"github.com/000haoji/deep-student-sub006/internal/logging"
	"github.com/000haoji/deep-student-sub006/internal/retrieval"
)

// maxToolHops bounds the model-call / tool-execution loop of one turn.
const maxToolHops = 5

// =============================================================================
// DEPENDENCIES
// =============================================================================

// ToolMeta carries per-call context into an executor.
type ToolMeta struct {
	SessionID    string
	WorkspaceID  string
	MessageID    string
	BlockID      string
	UserApproved bool
}

// ToolDispatcher executes tool calls requested by the model.
type ToolDispatcher interface {
	Definitions() []llm.ToolDefinition
	Dispatch(ctx context.Context, call llm.ToolCall, meta ToolMeta) (string, error)
}

// SleepGuard blocks coordinator turns while a sleep block is active.
type SleepGuard interface {
	IsCoordinatorSleeping(workspaceID string) (bool, error)
}

// Pipeline drives assistant turns.
type Pipeline struct {
	llm       *llm.Manager
	blocks    *Store
	tools     ToolDispatcher // optional
	retriever *retrieval.Retriever
	guard     SleepGuard // optional
	budgetCfg config.BudgetConfig
}

// NewPipeline wires a pipeline. tools, retriever, and guard may each be nil.
func NewPipeline(manager *llm.Manager, blocks *Store, tools ToolDispatcher, retriever *retrieval.Retriever, guard SleepGuard, budgetCfg config.BudgetConfig) *Pipeline {
	if budgetCfg.TotalBudget <= 0 {
		budgetCfg = config.DefaultBudgetConfig()
	}
	return &Pipeline{
		llm:       manager,
		blocks:    blocks,
		tools:     tools,
		retriever: retriever,
		guard:     guard,
		budgetCfg: budgetCfg,
	}
}

// TurnRequest is one user turn.
type TurnRequest struct {
	SessionID    string
	WorkspaceID  string
	ModelID      string
	SystemPrompt string
	UserInput    string
	UserApproved bool
	CancelKey    string
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	MessageID string
	Content   string
	Usage     llm.Usage
	ToolHops  int
}

// =============================================================================
// TURN LOOP
// =============================================================================

// RunTurn persists the user input, assembles context, and streams the
// assistant's response into blocks, executing tool calls between model hops
// until the model answers without tools or the hop limit is reached.
func (p *Pipeline) RunTurn(ctx context.Context, req TurnRequest, sink EventSink) (*TurnResult, error) {
	if sink == nil {
		sink = discardSink{}
	}
	if req.UserInput == "" {
		return nil, apperr.Validation("chat.RunTurn", "empty user input")
	}
	if p.guard != nil && req.WorkspaceID != "" {
		sleeping, err := p.guard.IsCoordinatorSleeping(req.WorkspaceID)
		if err != nil {
			return nil, err
		}
		if sleeping {
			return nil, apperr.Validation("chat.RunTurn",
				"workspace %s has a sleeping coordinator", req.WorkspaceID)
		}
	}

	history, err := p.blocks.ListMessages(req.SessionID, 0)
	if err != nil {
		return nil, err
	}
	userMsg := &ChatMessage{SessionID: req.SessionID, Role: "user", Content: req.UserInput}
	if err := p.blocks.CreateMessage(userMsg); err != nil {
		return nil, err
	}

	convo, err := p.assembleContext(ctx, req, history)
	if err != nil {
		return nil, err
	}

	messageID := uuid.NewString()
	sink.Emit(Event{Kind: EvMessageStart, SessionID: req.SessionID, MessageID: messageID})

	st := &turnState{
		pipeline:  p,
		sink:      sink,
		sessionID: req.SessionID,
		messageID: messageID,
	}

	hops := 0
	var usage llm.Usage
	for {
		st.resetForHop()
		err := p.llm.StreamChat(ctx, llm.ChatRequest{
			ModelID:   req.ModelID,
			Messages:  convo,
			Tools:     p.toolDefs(),
			CancelKey: req.CancelKey,
			Caller:    "chat",
		}, llm.EmitterFunc(st.onEvent))
		if err != nil {
			st.closeOpenBlocks(terminalStatusFor(err))
			sink.Emit(Event{Kind: EvError, SessionID: req.SessionID, MessageID: messageID, Err: err})
			return nil, err
		}
		if st.err != nil {
			st.closeOpenBlocks(terminalStatusFor(st.err))
			sink.Emit(Event{Kind: EvError, SessionID: req.SessionID, MessageID: messageID, Err: st.err})
			return nil, st.err
		}
		if st.usage != nil {
			usage.PromptTokens += st.usage.PromptTokens
			usage.CompletionTokens += st.usage.CompletionTokens
			usage.TotalTokens += st.usage.TotalTokens
		}

		if len(st.toolCalls) == 0 {
			break
		}
		hops++
		if hops >= maxToolHops {
			logging.ChatWarn("turn in session %s hit the tool hop limit", req.SessionID)
			break
		}

		convo = append(convo, llm.Message{
			Role:      "assistant",
			ToolCalls: st.toolCalls,
			Thinking:  st.reasoningText.String(),
		})
		results, err := p.runTools(ctx, req, st)
		if err != nil {
			sink.Emit(Event{Kind: EvError, SessionID: req.SessionID, MessageID: messageID, Err: err})
			return nil, err
		}
		convo = append(convo, results...)
	}

	st.closeOpenBlocks(StatusCompleted)
	content := st.contentText.String()
	if err := p.blocks.SetMessageContent(messageID, content); err != nil {
		return nil, err
	}
	if usage.TotalTokens > 0 {
		p.blocks.MergeMessageMetadata(messageID, map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
		})
	}
	sink.Emit(Event{Kind: EvMessageEnd, SessionID: req.SessionID, MessageID: messageID})

	return &TurnResult{MessageID: messageID, Content: content, Usage: usage, ToolHops: hops}, nil
}

// terminalStatusFor distinguishes a cancelled stream from a failed one so
// open blocks close with the status the interruption actually had.
func terminalStatusFor(err error) BlockStatus {
	if apperr.IsCancelled(err) {
		return StatusCancelled
	}
	return StatusError
}

func (p *Pipeline) toolDefs() []llm.ToolDefinition {
	if p.tools == nil {
		return nil
	}
	return p.tools.Definitions()
}

// assembleContext builds the model conversation: system prompt plus budgeted
// retrieved context, then history, then the new user input.
func (p *Pipeline) assembleContext(ctx context.Context, req TurnRequest, history []ChatMessage) ([]llm.Message, error) {
	var items []budget.InjectionItem
	if req.SystemPrompt != "" {
		items = append(items, budget.InjectionItem{
			Type: budget.TypeSystemPrompt, Content: req.SystemPrompt,
			Priority: budget.PriorityCritical, Source: "system",
		})
	}
	if p.retriever != nil {
		cards, err := p.retriever.Retrieve(ctx, retrieval.Query{Text: req.UserInput}, retrieval.DefaultOptions())
		if err != nil {
			logging.ChatWarn("retrieval failed, continuing without context: %v", err)
		}
		for _, c := range cards {
			if c.Text == "" {
				continue
			}
			items = append(items, budget.InjectionItem{
				Type: budget.TypeRag, Content: c.Text,
				Priority: budget.PriorityHigh, Source: c.SourceID,
			})
		}
	}

	alloc := budget.Allocate(p.budgetCfg, items)
	for _, w := range alloc.Warnings {
		logging.ChatDebug("budget: %s", w)
	}

	var system strings.Builder
	var ragParts []string
	for _, it := range alloc.Selected {
		switch it.Type {
		case budget.TypeSystemPrompt:
			system.WriteString(it.Content)
		case budget.TypeRag:
			ragParts = append(ragParts, it.Content)
		}
	}
	if len(ragParts) > 0 {
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString("Reference material:\n")
		system.WriteString(strings.Join(ragParts, "\n---\n"))
	}

	var convo []llm.Message
	if system.Len() > 0 {
		convo = append(convo, llm.Message{Role: "system", Content: system.String()})
	}
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		convo = append(convo, llm.Message{Role: m.Role, Content: m.Content})
	}
	convo = append(convo, llm.Message{Role: "user", Content: req.UserInput})
	return convo, nil
}

// runTools executes the hop's tool calls sequentially, persisting a
// tool_call block per call, and returns the tool-result messages to feed
// back to the model.
func (p *Pipeline) runTools(ctx context.Context, req TurnRequest, st *turnState) ([]llm.Message, error) {
	if p.tools == nil {
		return nil, apperr.Configuration("chat.runTools", "model requested tools but no dispatcher is wired")
	}
	var results []llm.Message
	for _, call := range st.toolCalls {
		block := &Block{Type: BlockToolCall, ToolName: call.Name, ToolInput: call.Arguments}
		if err := p.blocks.AppendBlock(st.messageID, st.sessionID, block); err != nil {
			return nil, err
		}
		st.sink.Emit(Event{
			Kind: EvToolCallStart, SessionID: st.sessionID, MessageID: st.messageID,
			BlockID: block.ID, BlockType: BlockToolCall, ToolName: call.Name,
		})

		output, err := p.tools.Dispatch(ctx, call, ToolMeta{
			SessionID:    req.SessionID,
			WorkspaceID:  req.WorkspaceID,
			MessageID:    st.messageID,
			BlockID:      block.ID,
			UserApproved: req.UserApproved,
		})
		if err != nil {
			if apperr.IsCancelled(err) {
				p.blocks.FinishBlock(block.ID, StatusCancelled, "")
				return nil, err
			}
			output = "tool error: " + err.Error()
			p.blocks.FinishBlock(block.ID, StatusError, output)
		} else {
			p.blocks.FinishBlock(block.ID, StatusCompleted, output)
		}
		st.sink.Emit(Event{
			Kind: EvToolCallEnd, SessionID: st.sessionID, MessageID: st.messageID,
			BlockID: block.ID, BlockType: BlockToolCall, ToolName: call.Name, ToolOutput: output,
		})
		results = append(results, llm.Message{Role: "tool", ToolCallID: call.ID, Content: output})
	}
	return results, nil
}

// =============================================================================
// STREAM STATE
// =============================================================================

// turnState accumulates one hop's streaming output into blocks.
type turnState struct {
	pipeline  *Pipeline
	sink      EventSink
	sessionID string
	messageID string

	textBlock      *Block
	reasoningBlock *Block
	toolCalls      []llm.ToolCall
	contentText    strings.Builder
	reasoningText  strings.Builder
	usage          *llm.Usage
	err            error
}

func (st *turnState) resetForHop() {
	st.toolCalls = nil
	st.usage = nil
}

func (st *turnState) onEvent(ev llm.StreamEvent) {
	if st.err != nil {
		return
	}
	switch ev.Kind {
	case llm.EventContentChunk:
		st.appendTo(&st.textBlock, BlockText, &st.contentText, ev.Content)
	case llm.EventReasoningChunk:
		st.appendTo(&st.reasoningBlock, BlockReasoning, &st.reasoningText, ev.Content)
	case llm.EventToolCall:
		if ev.ToolCall != nil {
			st.closeBlock(&st.textBlock, StatusCompleted)
			st.toolCalls = append(st.toolCalls, *ev.ToolCall)
		}
	case llm.EventUsage:
		st.usage = ev.Usage
	}
}

// appendTo routes a chunk to its block, opening the block on first chunk.
func (st *turnState) appendTo(slot **Block, typ BlockType, acc *strings.Builder, delta string) {
	if delta == "" {
		return
	}
	if *slot == nil {
		b := &Block{Type: typ}
		if err := st.pipeline.blocks.AppendBlock(st.messageID, st.sessionID, b); err != nil {
			st.err = err
			return
		}
		*slot = b
		st.sink.Emit(Event{
			Kind: EvBlockStart, SessionID: st.sessionID, MessageID: st.messageID,
			BlockID: b.ID, BlockType: typ,
		})
	}
	if err := st.pipeline.blocks.AppendBlockContent((*slot).ID, delta); err != nil {
		st.err = err
		return
	}
	acc.WriteString(delta)
	st.sink.Emit(Event{
		Kind: EvBlockDelta, SessionID: st.sessionID, MessageID: st.messageID,
		BlockID: (*slot).ID, BlockType: typ, Delta: delta,
	})
}

func (st *turnState) closeBlock(slot **Block, status BlockStatus) {
	if *slot == nil {
		return
	}
	if err := st.pipeline.blocks.FinishBlock((*slot).ID, status, ""); err != nil {
		logging.ChatWarn("block %s close failed: %v", (*slot).ID, err)
	}
	st.sink.Emit(Event{
		Kind: EvBlockEnd, SessionID: st.sessionID, MessageID: st.messageID,
		BlockID: (*slot).ID, BlockType: (*slot).Type,
	})
	*slot = nil
}

func (st *turnState) closeOpenBlocks(status BlockStatus) {
	st.closeBlock(&st.textBlock, status)
	st.closeBlock(&st.reasoningBlock, status)
}
