// Package events provides event types and utilities for the agentdeck event system.
package events

// Event types for watched files
const (
	FileChanged = "watch.file" // Base subject; the file kind is the final token
)

// File kinds appended to FileChanged subjects
const (
	FileKindSession      = "session"       // Main transcript JSONL under a project dir
	FileKindAgentSession = "agent-session" // Subagent transcript JSONL
	FileKindSettings     = "settings"      // Agent settings file
	FileKindCredentials  = "credentials"   // Agent credentials file
	FileKindOther        = "other"         // Anything else under the session root
)

// Event types for session lifecycle
const (
	SessionStatusChanged = "session.status.change" // Ownership or process state changed
)

// Data keys shared by publishers and subscribers
const (
	DataKeyPath      = "path"
	DataKeyOp        = "op"
	DataKeySessionID = "session_id"
	DataKeyProjectID = "project_id"
	DataKeyProcessID = "process_id"
	DataKeyStatus    = "status"
)

// File operation values for the DataKeyOp field
const (
	FileOpCreate = "create"
	FileOpModify = "modify"
	FileOpDelete = "delete"
)

// BuildFileChangedSubject creates a file change subject for a specific file kind
func BuildFileChangedSubject(kind string) string {
	return FileChanged + "." + kind
}

// BuildFileChangedWildcardSubject creates a wildcard subscription for all file change events
func BuildFileChangedWildcardSubject() string {
	return FileChanged + ".*"
}

// BuildSessionStatusSubject creates the subject session status events are published on.
// Session identity travels in the event data so one subscription observes all sessions.
func BuildSessionStatusSubject() string {
	return SessionStatusChanged
}
