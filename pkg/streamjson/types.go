// Package streamjson provides types and a client for the stream-json
// protocol spoken by agent CLIs over stdin/stdout. The agent emits
// newline-delimited JSON on stdout and accepts user messages and control
// messages on stdin.
package streamjson

import (
	"encoding/json"
	"strings"
)

// Message types emitted by the agent CLI
const (
	// MessageTypeSystem is a system message (init, status, login prompts)
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries a user prompt or an echoed tool result
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message for a turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent carries partial content while a turn is in progress
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (permission, interrupt)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeHookCallback is a hook callback request
	SubtypeHookCallback = "hook_callback"
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
)

// System message subtypes
const (
	// SubtypeInit is the first system message of a child, carrying session info
	SubtypeInit = "init"
	// SubtypeLoginRequired signals that the agent needs interactive login
	SubtypeLoginRequired = "login_required"
)

// Permission behaviors
const (
	// BehaviorAllow allows the tool use
	BehaviorAllow = "allow"
	// BehaviorDeny denies the tool use
	BehaviorDeny = "deny"
)

// Stream event types nested inside stream_event messages
const (
	EventMessageStart      = "message_start"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
)

// Delta types inside content_block_delta events
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
)

// Message represents a single line of agent CLI stdout.
// The message type determines which fields are populated.
type Message struct {
	// Type is the message type (system, assistant, result, control_request, etc.)
	Type string `json:"type"`

	// UUID is the agent-assigned message id, when present
	UUID string `json:"uuid,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages.
	// Note: request_id is inside the response object, not at the message level.
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For system messages
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For assistant and user messages
	Message         *AssistantMessage `json:"message,omitempty"`
	ParentToolUseID string            `json:"parent_tool_use_id,omitempty"`

	// Replayed messages arrive when the child is resumed with an existing
	// session; synthetic ones are injected by the agent itself.
	IsReplay    bool `json:"isReplay,omitempty"`
	IsSynthetic bool `json:"isSynthetic,omitempty"`

	// Rich sub-agent metadata attached to tool_result user messages
	ToolUseResult json.RawMessage `json:"tool_use_result,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For result messages.
	// Result can be either a string (error message) or an object (ResultData).
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`

	// Raw line for passthrough and advanced parsing
	RawContent json.RawMessage `json:"-"`
}

// StreamEvent is the inner payload of a stream_event message. The agent
// relays streaming events while an assistant turn is in progress.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// For message_start events
	Message *StreamMessageInfo `json:"message,omitempty"`

	// For content_block_start events
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta events
	Delta *Delta `json:"delta,omitempty"`
}

// StreamMessageInfo identifies the in-progress assistant message.
type StreamMessageInfo struct {
	ID    string `json:"id,omitempty"`
	Role  string `json:"role,omitempty"`
	Model string `json:"model,omitempty"`
}

// Delta is a partial content update inside a content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

// AssistantMessage contains the assistant's (or echoed user's) content.
// Content is either a plain string or an array of content blocks, so it is
// kept raw and decoded on demand.
type AssistantMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// GetContentBlocks parses Content as an array of content blocks.
// Returns nil when Content is empty, a plain string, or unparseable.
func (m *AssistantMessage) GetContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// GetContentString returns Content when it is a plain string, or "" otherwise.
func (m *AssistantMessage) GetContentString() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is either a string or an array of
	// text blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// GetContentString flattens a tool_result content field to a string.
// Array-of-text-block content is joined with newlines.
func (b *ContentBlock) GetContentString() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, inner := range blocks {
		if inner.Type == "text" {
			parts = append(parts, inner.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ResultData contains the final result information.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed as ResultData.
func (m *Message) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns the Result field as a string.
// This is used when the result is an error message string.
func (m *Message) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		// Not a string, return empty
		return ""
	}
	return s
}

// ControlRequest represents a control request from the agent CLI.
// This is used for permission requests (can_use_tool) and hook callbacks.
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// For hook_callback requests
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`

	// Permission suggestions from the agent
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate represents a permission rule update.
type PermissionUpdate struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Allow   bool   `json:"allow"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput allows modifying the tool input
	UpdatedInput any `json:"updatedInput,omitempty"`

	// UpdatedPermissions adds permission rules for future requests
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`

	// Message provides feedback to the model
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (for deny)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// IncomingControlResponse is one side's reply to a control request the other
// side sent. The agent answers initialize requests through Response; the
// server answers can_use_tool requests through Result.
type IncomingControlResponse struct {
	Subtype   string                  `json:"subtype"`
	RequestID string                  `json:"request_id,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Response  *InitializeResponseData `json:"response,omitempty"`
	Result    *PermissionResult       `json:"result,omitempty"`
}

// InitializeResponseData is the payload of a successful initialize response.
type InitializeResponseData struct {
	Commands    []CommandInfo `json:"commands,omitempty"`
	Agents      []string      `json:"agents,omitempty"`
	OutputStyle string        `json:"output_style,omitempty"`
}

// CommandInfo describes a slash command exposed by the agent.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SDKControlRequest is a control request sent to the agent CLI.
// Used for initialize, interrupt, and set_permission_mode operations.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	// Subtype identifies the operation (initialize, interrupt, set_permission_mode)
	Subtype string `json:"subtype"`

	// For initialize requests
	Hooks map[string]any `json:"hooks,omitempty"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`
}

// UserMessage is sent to provide a prompt to the agent.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Common tool names that require permission
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
)
