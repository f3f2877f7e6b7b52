// internal/events/models.go
package events

import (
	"time"
)

// Topic names are part of the wire contract with external collaborators.
type Topic string

const (
	TopicAtomGap      Topic = "atom_gap"
	TopicToolCall     Topic = "tool_call"
	TopicToolResult   Topic = "tool_result"
	TopicConversation Topic = "conversation"
	TopicPlanning     Topic = "planning"
)

// AllTopics lists every topic the runtime understands.
var AllTopics = []Topic{TopicAtomGap, TopicToolCall, TopicToolResult, TopicConversation, TopicPlanning}

// ParseTopic maps a string onto a known Topic.
func ParseTopic(s string) (Topic, bool) {
	for _, t := range AllTopics {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Type is the event_type discriminator carried alongside the topic.
type Type string

const (
	// --- conversation ---
	TypeUserTurn     Type = "user_turn"     // Inbound user input or raw FSM trigger.
	TypeTurnComplete Type = "turn_complete" // Terminal-for-the-turn outcome.

	// --- atom_gap / tool_call / tool_result ---
	TypeAtomGap    Type = "atom_gap"
	TypeToolCall   Type = "tool_call"
	TypeToolResult Type = "tool_result"

	// --- planning (creator pipeline outcomes) ---
	TypeToolGenerated    Type = "tool_generated"
	TypeSchemaValidated  Type = "schema_validated"
	TypeSchemaInvalid    Type = "schema_invalid"
	TypeGenerationFailed Type = "generation_failed"
)

// ErrorKind is the error taxonomy carried on outcome and result events.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindTransitionBlocked ErrorKind = "transition_blocked"
	KindGapUnresolved     ErrorKind = "gap_unresolved"
	KindValidationFailure ErrorKind = "validation_failure"
	KindExecutionFailure  ErrorKind = "execution_failure"
	KindFatal             ErrorKind = "fatal"
)

// Event is the only unit of cross-component communication. Events are
// immutable once published: the bus stamps ID, Seq, Timestamp and Origin and
// hands every subscriber its own copy of the envelope.
type Event struct {
	ID             string      `json:"id"`
	Topic          Topic       `json:"topic"`
	Type           Type        `json:"event_type"`
	Source         string      `json:"source_plugin"`
	SessionID      string      `json:"session_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	CorrelationID  string      `json:"correlation_id,omitempty"` // gap_id or tool_call_id
	Seq            uint64      `json:"seq"`                      // Logical timestamp assigned by the bus.
	Timestamp      time.Time   `json:"timestamp"`
	Origin         string      `json:"origin,omitempty"` // Id of the bus instance that first published the event.
	Payload        interface{} `json:"payload,omitempty"`
}

// AtomGap describes a missing capability.
type AtomGap struct {
	MissingTool string `json:"missing_tool"`
	Description string `json:"description"`
	GapID       string `json:"gap_id"`
	Attempt     int    `json:"attempt"`
}

// ToolCall requests execution of a registered tool.
type ToolCall struct {
	ToolCallID  string                 `json:"tool_call_id"`
	ToolName    string                 `json:"tool_name"`
	Parameters  map[string]interface{} `json:"parameters"`
	Description string                 `json:"description,omitempty"` // Used to describe the gap if the tool is missing.
}

// ToolResult is the outcome of a ToolCall, matched by ToolCallID.
type ToolResult struct {
	ToolCallID string                 `json:"tool_call_id"`
	ToolName   string                 `json:"tool_name"`
	Success    bool                   `json:"success"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Kind       ErrorKind              `json:"error_kind,omitempty"`
}

// Intent selects the route a user turn takes through UNDERSTAND.
type Intent string

const (
	IntentRespond    Intent = "respond"
	IntentTool       Intent = "tool"
	IntentCreateTool Intent = "create_tool"
	IntentScript     Intent = "script"
	IntentParallel   Intent = "parallel"
)

// Task is one tool invocation inside a script or a parallel fan-out.
type Task struct {
	Tool       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ConversationInput is the payload of an inbound user_turn. When Trigger is
// set the event is delivered to the state machine as that raw trigger and no
// automatic progression happens.
type ConversationInput struct {
	Trigger     string                 `json:"trigger,omitempty"`
	Intent      Intent                 `json:"intent,omitempty"`
	Text        string                 `json:"text,omitempty"`
	Tool        string                 `json:"tool,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Steps       []Task                 `json:"steps,omitempty"`
	Tasks       []Task                 `json:"tasks,omitempty"`
	Depth       int                    `json:"depth,omitempty"`
}

// Outcome summarises how a turn ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeGapUnresolved    Outcome = "gap_unresolved"
	OutcomeExecutionFailure Outcome = "execution_failure"
	OutcomeFatal            Outcome = "fatal"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeShutdown         Outcome = "shutdown"
)

// TurnOutcome is published on conversation/turn_complete whenever a session
// reaches COMPLETE.
type TurnOutcome struct {
	Outcome    Outcome      `json:"outcome"`
	Kind       ErrorKind    `json:"error_kind,omitempty"`
	Message    string       `json:"message,omitempty"`
	Results    []ToolResult `json:"results,omitempty"`
	Retries    int          `json:"retries"`
	StepBudget int          `json:"step_budget"`
}

// PlanningOutcome reports a creator pipeline stage for a gap.
type PlanningOutcome struct {
	GapID    string    `json:"gap_id"`
	ToolName string    `json:"tool_name"`
	Version  string    `json:"version,omitempty"`
	Error    string    `json:"error,omitempty"`
	Kind     ErrorKind `json:"error_kind,omitempty"`
}
