// Package transcript reads and writes the append-only JSONL session logs
// that agent CLIs leave under the session root. The log file is the
// authority for a session's messages; everything else in the system is a
// view over it.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/pkg/streamjson"
)

// Message source values
const (
	SourceLog  = "log"  // read back from a transcript file
	SourceLive = "live" // observed on a running process stdout
)

// Entry is a single transcript line. uuid, type and timestamp are
// required; every other field passes through untouched via Extra so
// round-tripping a line never loses data.
type Entry struct {
	UUID            string
	Type            string
	Timestamp       time.Time
	ParentUUID      string
	SessionID       string
	IsSidechain     bool
	IsMeta          bool
	ParentToolUseID string
	Message         json.RawMessage // inner envelope: {role, content, ...}
	ToolUseResult   json.RawMessage
	Extra           map[string]json.RawMessage
}

// Validate reports whether the entry carries the required fields.
func (e *Entry) Validate() error {
	if e.UUID == "" {
		return fmt.Errorf("transcript entry missing uuid")
	}
	if e.Type == "" {
		return fmt.Errorf("transcript entry missing type")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("transcript entry missing timestamp")
	}
	return nil
}

// UnmarshalJSON decodes the known fields and keeps everything else in Extra.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	take := func(key string, v any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		delete(fields, key)
		return json.Unmarshal(raw, v)
	}

	var tsStr string
	if err := take("uuid", &e.UUID); err != nil {
		return fmt.Errorf("uuid: %w", err)
	}
	if err := take("type", &e.Type); err != nil {
		return fmt.Errorf("type: %w", err)
	}
	if err := take("timestamp", &tsStr); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if err := take("parentUuid", &e.ParentUUID); err != nil {
		return fmt.Errorf("parentUuid: %w", err)
	}
	if err := take("sessionId", &e.SessionID); err != nil {
		return fmt.Errorf("sessionId: %w", err)
	}
	if err := take("isSidechain", &e.IsSidechain); err != nil {
		return fmt.Errorf("isSidechain: %w", err)
	}
	if err := take("isMeta", &e.IsMeta); err != nil {
		return fmt.Errorf("isMeta: %w", err)
	}
	if err := take("parentToolUseId", &e.ParentToolUseID); err != nil {
		return fmt.Errorf("parentToolUseId: %w", err)
	}
	if raw, ok := fields["message"]; ok {
		delete(fields, "message")
		e.Message = raw
	}
	if raw, ok := fields["toolUseResult"]; ok {
		delete(fields, "toolUseResult")
		e.ToolUseResult = raw
	}

	if tsStr != "" {
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		e.Timestamp = ts
	}

	if len(fields) > 0 {
		e.Extra = fields
	}
	return nil
}

// MarshalJSON writes the known fields plus the Extra bag back out.
func (e *Entry) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(e.Extra)+8)
	for k, v := range e.Extra {
		fields[k] = v
	}

	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[key] = raw
		return nil
	}

	if err := set("uuid", e.UUID); err != nil {
		return nil, err
	}
	if err := set("type", e.Type); err != nil {
		return nil, err
	}
	if err := set("timestamp", e.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	if e.ParentUUID != "" {
		if err := set("parentUuid", e.ParentUUID); err != nil {
			return nil, err
		}
	}
	if e.SessionID != "" {
		if err := set("sessionId", e.SessionID); err != nil {
			return nil, err
		}
	}
	if e.IsSidechain {
		if err := set("isSidechain", true); err != nil {
			return nil, err
		}
	}
	if e.IsMeta {
		if err := set("isMeta", true); err != nil {
			return nil, err
		}
	}
	if e.ParentToolUseID != "" {
		if err := set("parentToolUseId", e.ParentToolUseID); err != nil {
			return nil, err
		}
	}
	if len(e.Message) > 0 {
		fields["message"] = e.Message
	}
	if len(e.ToolUseResult) > 0 {
		fields["toolUseResult"] = e.ToolUseResult
	}

	return json.Marshal(fields)
}

// ToMessage projects the entry into the message view served to clients.
// The inner envelope is reduced to role and content; the transcript file
// keeps full fidelity.
func (e *Entry) ToMessage() Message {
	m := Message{
		ID:              e.UUID,
		Type:            e.Type,
		ParentID:        e.ParentUUID,
		Timestamp:       e.Timestamp,
		IsSubagent:      e.IsSidechain,
		ParentToolUseID: e.ParentToolUseID,
		Source:          SourceLog,
		Extra:           e.Extra,
	}
	if len(e.Message) > 0 {
		var inner struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(e.Message, &inner); err == nil {
			m.Role = inner.Role
			m.Content = inner.Content
		}
	}
	return m
}

// Message is the client-facing view of one transcript entry or one live
// process event. Content is either a JSON string or an ordered array of
// content blocks.
type Message struct {
	ID              string
	Type            string
	ParentID        string
	Role            string
	Content         json.RawMessage
	Timestamp       time.Time
	IsSubagent      bool
	ParentToolUseID string
	Source          string
	Extra           map[string]json.RawMessage
}

// MarshalJSON writes the message plus any passthrough fields. Known fields
// win on a key collision.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(m.Extra)+8)
	for k, v := range m.Extra {
		fields[k] = v
	}

	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[key] = raw
		return nil
	}

	if err := set("id", m.ID); err != nil {
		return nil, err
	}
	if err := set("type", m.Type); err != nil {
		return nil, err
	}
	if err := set("timestamp", m.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	if err := set("source", m.Source); err != nil {
		return nil, err
	}
	if m.ParentID != "" {
		if err := set("parentId", m.ParentID); err != nil {
			return nil, err
		}
	}
	if m.Role != "" {
		if err := set("role", m.Role); err != nil {
			return nil, err
		}
	}
	if len(m.Content) > 0 {
		fields["content"] = m.Content
	}
	if m.IsSubagent {
		if err := set("isSubagent", true); err != nil {
			return nil, err
		}
	}
	if m.ParentToolUseID != "" {
		if err := set("parentToolUseId", m.ParentToolUseID); err != nil {
			return nil, err
		}
	}

	return json.Marshal(fields)
}

// ContentBlocks decodes content as an ordered block array.
func (m *Message) ContentBlocks() ([]streamjson.ContentBlock, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	var blocks []streamjson.ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// ContentText extracts plain text from string or block content. Block
// content joins the text blocks with newlines.
func (m *Message) ContentText() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	blocks, err := m.ContentBlocks()
	if err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// AgentMapping links a Task tool_use block in the main transcript to the
// subagent transcript it spawned.
type AgentMapping struct {
	ToolUseID string `json:"toolUseId"`
	AgentID   string `json:"agentId"`
}
