package supervisor

import (
	"time"

	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/streamjson"
)

// Process lifecycle states.
const (
	StateStarting     = "starting"
	StateRunning      = "running"
	StateWaitingInput = "waiting-input"
	StateHold         = "hold"
	StateIdle         = "idle"
	StateTerminated   = "terminated"
)

// Session statuses published on the event bus. Process states double as
// statuses for owned sessions; these cover sessions no process owns.
const (
	StatusExternal = "external" // transcript changing on disk without an owner
	StatusInactive = "inactive" // external activity went quiet
)

// Event types fanned out to process subscribers.
const (
	EventMessage          = "message"
	EventStateChange      = "state-change"
	EventModeChange       = "mode-change"
	EventError            = "error"
	EventSessionIDChanged = "session-id-changed"
	EventComplete         = "complete"
	EventAgentLogin       = "agent-login"
)

// Termination reasons carried on complete events.
const (
	ReasonAborted     = "aborted"
	ReasonCrash       = "crash"
	ReasonIdleEvicted = "idle-evicted"
	ReasonStdioError  = "stdio-error"
	ReasonExited      = "exited"
)

// Event is one item fanned out to process subscribers. Type selects which
// of the optional fields are set.
type Event struct {
	Type      string
	ProcessID string
	SessionID string

	// message
	Message *transcript.Message
	// Stream is set alongside Message when the message wraps a live
	// partial-output event, parsed so consumers need not re-read raw JSON.
	Stream *streamjson.StreamEvent
	// StreamOffset is the accumulator position after a text delta was
	// applied, matching StreamingContent.Offset so late subscribers can
	// tell deltas their catch-up seed covers from fresh ones.
	StreamOffset int64

	// state-change
	State   string
	Request *InputRequest // non-nil when entering waiting-input

	// mode-change
	Mode        string
	ModeVersion int64

	// error
	Code      string
	ErrorText string

	// session-id-changed
	NewSessionID string

	// complete
	Reason string
}

// InputRequest is a pending question or tool approval the child is blocked
// on. At most one exists per process at a time.
type InputRequest struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"` // "tool-approval" or "question"
	ToolName    string         `json:"toolName,omitempty"`
	ToolUseID   string         `json:"toolUseId,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Input request kinds.
const (
	RequestToolApproval = "tool-approval"
	RequestQuestion     = "question"
)

// Responses accepted by RespondToInput.
const (
	ResponseApprove            = "approve"
	ResponseApproveAcceptEdits = "approve_accept_edits"
	ResponseDeny               = "deny"
)

// Permission modes. These are the canonical names carried on mode-change
// events and over REST; providers translate them into their own CLI
// vocabulary via registry.Provider.ModeName.
const (
	ModeDefault           = "default"
	ModePlan              = "plan"
	ModeAcceptEdits       = "accept-edits"
	ModeBypassPermissions = "bypass-permissions"
)
