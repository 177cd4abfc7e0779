package models

import "time"

// EventType identifies the kind of a broadcast event.
type EventType string

const (
	EventRequestStarted       EventType = "request_started"
	EventStepStarted          EventType = "step_started"
	EventModelChunk           EventType = "model_chunk"
	EventIntentParsed         EventType = "intent_parsed"
	EventToolCallStarted      EventType = "tool_call_started"
	EventToolCallFinished     EventType = "tool_call_finished"
	EventStepFinished         EventType = "step_finished"
	EventRequestFinished      EventType = "request_finished"
	EventRequestFailed        EventType = "request_failed"
	EventToolServerConnected  EventType = "tool_server_connected"
	EventToolServerLost       EventType = "tool_server_disconnected"
	EventToolDropped          EventType = "tool_dropped"
	EventLearningPattern      EventType = "learning_pattern"
	EventCapabilityInvalidate EventType = "capability_invalidate"
	EventConfigReloaded       EventType = "config_reloaded"
)

// Event is a write-once record broadcast to bus subscribers. Events for a
// given request id carry strictly increasing sequence numbers assigned at
// publish time.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Timestamp time.Time `json:"ts"`

	// Step fields.
	Step int `json:"step,omitempty"`

	// Model streaming.
	Model string `json:"model,omitempty"`
	Text  string `json:"text,omitempty"`

	// Intent fields.
	Intent *Intent `json:"intent,omitempty"`

	// Tool call fields.
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// Terminal fields.
	Outcome Outcome `json:"outcome,omitempty"`
	Error   string  `json:"error,omitempty"`

	// Free-form metadata.
	Meta map[string]any `json:"meta,omitempty"`
}

// NewEvent creates an event of the given type for a request.
func NewEvent(eventType EventType, requestID string) *Event {
	return &Event{
		Type:      eventType,
		RequestID: requestID,
		Timestamp: time.Now(),
	}
}

// WithStep sets the step index.
func (e *Event) WithStep(step int) *Event {
	e.Step = step
	return e
}

// WithText sets streamed text.
func (e *Event) WithText(text string) *Event {
	e.Text = text
	return e
}

// WithTool sets the tool name and call id.
func (e *Event) WithTool(name, callID string) *Event {
	e.ToolName = name
	e.ToolCallID = callID
	return e
}

// WithError records an error message on the event.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.IsError = true
	}
	return e
}

// WithMeta attaches a metadata key.
func (e *Event) WithMeta(key string, value any) *Event {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}
