package chat

// EventKind tags a pipeline event.
type EventKind string

const (
	EvMessageStart  EventKind = "message_start"
	EvBlockStart    EventKind = "block_start"
	EvBlockDelta    EventKind = "block_delta"
	EvBlockEnd      EventKind = "block_end"
	EvToolCallStart EventKind = "tool_call_start"
	EvToolCallEnd   EventKind = "tool_call_end"
	EvMessageEnd    EventKind = "message_end"
	EvError         EventKind = "error"
)

// Event is one pipeline notification. Delta carries streamed text for
// block_delta; ToolOutput is set on tool_call_end.
type Event struct {
	Kind       EventKind
	SessionID  string
	MessageID  string
	BlockID    string
	BlockType  BlockType
	Delta      string
	ToolName   string
	ToolOutput string
	Err        error
}

// EventSink receives pipeline events in order.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit calls the function.
func (f EventSinkFunc) Emit(ev Event) { f(ev) }

// discardSink swallows events when the caller passes nil.
type discardSink struct{}

func (discardSink) Emit(Event) {}
