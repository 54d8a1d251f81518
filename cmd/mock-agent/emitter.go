package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/streamjson"
)

// emitter serializes everything the agent says. Every line goes to stdout
// for the supervising server; user and assistant entries are also appended
// to the session transcript, the way real agent CLIs maintain theirs.
// Entries chain parentUuid to the previous entry so DAG-ordered readers see
// the conversation in emission order.
type emitter struct {
	mu    sync.Mutex
	enc   *json.Encoder
	tw    *transcript.Writer
	sid   string
	model string
	last  string
}

func newEmitter(out io.Writer, tw *transcript.Writer, sessionID, model string) *emitter {
	return &emitter{
		enc:   json.NewEncoder(out),
		tw:    tw,
		sid:   sessionID,
		model: model,
	}
}

func (e *emitter) send(v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(v)
}

// record stamps the entry's identity, appends it to the transcript and
// mirrors the same JSON to stdout.
func (e *emitter) record(entry *transcript.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry.UUID == "" {
		entry.UUID = uuid.NewString()
	}
	entry.Timestamp = time.Now().UTC()
	entry.SessionID = e.sid
	if entry.ParentUUID == "" {
		entry.ParentUUID = e.last
	}
	e.last = entry.UUID

	if e.tw != nil {
		if err := e.tw.Append(entry); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: transcript: %v\n", err)
		}
	}
	_ = e.enc.Encode(entry)
}

// Init announces the session. Emitted once at startup, stdout only.
func (e *emitter) Init() {
	e.send(&streamjson.Message{
		Type:      streamjson.MessageTypeSystem,
		Subtype:   streamjson.SubtypeInit,
		SessionID: e.sid,
		Model:     e.model,
	})
}

// LoginRequired simulates an agent that lost its credentials.
func (e *emitter) LoginRequired() {
	e.send(&streamjson.Message{
		Type:      streamjson.MessageTypeSystem,
		Subtype:   streamjson.SubtypeLoginRequired,
		SessionID: e.sid,
	})
}

// UserPrompt echoes the prompt the server sent, which also lands it in the
// transcript. Real CLIs do the same in replay-user-messages mode.
func (e *emitter) UserPrompt(text string) {
	body, _ := json.Marshal(streamjson.UserMessageBody{Role: "user", Content: text})
	e.record(&transcript.Entry{Type: "user", Message: body})
}

type assistantOpts struct {
	stopReason      string
	parentToolUseID string
	sidechain       bool
	uuid            string
}

func (e *emitter) assistant(blocks []streamjson.ContentBlock, o assistantOpts) {
	content, _ := json.Marshal(blocks)
	body, _ := json.Marshal(streamjson.AssistantMessage{
		Role:       "assistant",
		Content:    content,
		Model:      e.model,
		StopReason: o.stopReason,
		Usage:      defaultUsage(),
	})
	e.record(&transcript.Entry{
		UUID:            o.uuid,
		Type:            "assistant",
		Message:         body,
		ParentToolUseID: o.parentToolUseID,
		IsSidechain:     o.sidechain,
	})
}

// Text emits a complete assistant text message.
func (e *emitter) Text(text, parentToolUseID string) {
	e.assistant([]streamjson.ContentBlock{{Type: "text", Text: text}}, assistantOpts{
		stopReason:      "end_turn",
		parentToolUseID: parentToolUseID,
		sidechain:       parentToolUseID != "",
	})
}

// Thinking emits an assistant reasoning block.
func (e *emitter) Thinking(thought, parentToolUseID string) {
	e.assistant([]streamjson.ContentBlock{{Type: "thinking", Thinking: thought}}, assistantOpts{
		parentToolUseID: parentToolUseID,
		sidechain:       parentToolUseID != "",
	})
}

// ToolUse emits an assistant tool_use block.
func (e *emitter) ToolUse(toolUseID, name string, input map[string]any, parentToolUseID string) {
	e.assistant([]streamjson.ContentBlock{{
		Type:  "tool_use",
		ID:    toolUseID,
		Name:  name,
		Input: input,
	}}, assistantOpts{
		stopReason:      "tool_use",
		parentToolUseID: parentToolUseID,
		sidechain:       parentToolUseID != "",
	})
}

// ToolResult emits the user-role message carrying a tool's output.
func (e *emitter) ToolResult(toolUseID, output, parentToolUseID string, isError bool) {
	raw, _ := json.Marshal(output)
	blocks := []streamjson.ContentBlock{{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   raw,
		IsError:   isError,
	}}
	content, _ := json.Marshal(blocks)
	body, _ := json.Marshal(map[string]json.RawMessage{
		"role":    json.RawMessage(`"user"`),
		"content": content,
	})
	e.record(&transcript.Entry{
		Type:            "user",
		Message:         body,
		ParentToolUseID: parentToolUseID,
		IsSidechain:     parentToolUseID != "",
	})
}

// StreamedText emits a text message as partial stream events first, then as
// the authoritative assistant message carrying the same uuid.
func (e *emitter) StreamedText(ctx context.Context, text, parentToolUseID string, pause func(context.Context) bool) {
	id := uuid.NewString()

	e.send(&streamjson.Message{
		Type: streamjson.MessageTypeStreamEvent,
		Event: &streamjson.StreamEvent{
			Type:    streamjson.EventMessageStart,
			Message: &streamjson.StreamMessageInfo{ID: id, Role: "assistant", Model: e.model},
		},
	})
	e.send(&streamjson.Message{
		Type: streamjson.MessageTypeStreamEvent,
		Event: &streamjson.StreamEvent{
			Type:         streamjson.EventContentBlockStart,
			ContentBlock: &streamjson.ContentBlock{Type: "text"},
		},
	})
	for _, chunk := range chunkText(text, 32) {
		e.send(&streamjson.Message{
			Type: streamjson.MessageTypeStreamEvent,
			Event: &streamjson.StreamEvent{
				Type:  streamjson.EventContentBlockDelta,
				Delta: &streamjson.Delta{Type: streamjson.DeltaTypeText, Text: chunk},
			},
		})
		if !pause(ctx) {
			break
		}
	}
	e.send(&streamjson.Message{
		Type:  streamjson.MessageTypeStreamEvent,
		Event: &streamjson.StreamEvent{Type: streamjson.EventContentBlockStop},
	})
	e.send(&streamjson.Message{
		Type:  streamjson.MessageTypeStreamEvent,
		Event: &streamjson.StreamEvent{Type: streamjson.EventMessageStop},
	})

	e.assistant([]streamjson.ContentBlock{{Type: "text", Text: text}}, assistantOpts{
		stopReason:      "end_turn",
		parentToolUseID: parentToolUseID,
		sidechain:       parentToolUseID != "",
		uuid:            id,
	})
}

// Result closes a turn. Stdout only; real transcripts do not log results.
func (e *emitter) Result(started time.Time, isError bool, text string) {
	var raw json.RawMessage
	if isError {
		raw, _ = json.Marshal(text)
	} else {
		if text == "" {
			text = "Mock turn completed."
		}
		raw, _ = json.Marshal(streamjson.ResultData{Text: text, SessionID: e.sid})
	}
	e.send(&streamjson.Message{
		Type:       streamjson.MessageTypeResult,
		Result:     raw,
		IsError:    isError,
		DurationMS: time.Since(started).Milliseconds(),
		NumTurns:   1,
		CostUSD:    0.0042,
		Usage:      defaultUsage(),
	})
}

// PermissionRequest asks the server whether a tool may run.
func (e *emitter) PermissionRequest(requestID, toolName, toolUseID string, input map[string]any) {
	e.send(&streamjson.Message{
		Type:      streamjson.MessageTypeControlRequest,
		RequestID: requestID,
		Request: &streamjson.ControlRequest{
			Subtype:   streamjson.SubtypeCanUseTool,
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})
}

// InitializeAck answers an initialize control request.
func (e *emitter) InitializeAck(requestID string, data *streamjson.InitializeResponseData) {
	e.send(&streamjson.Message{
		Type: streamjson.MessageTypeControlResponse,
		Response: &streamjson.IncomingControlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  data,
		},
	})
}

// ControlAck acknowledges a control request with no payload.
func (e *emitter) ControlAck(requestID string) {
	e.send(&streamjson.Message{
		Type: streamjson.MessageTypeControlResponse,
		Response: &streamjson.IncomingControlResponse{
			Subtype:   "success",
			RequestID: requestID,
		},
	})
}

// ControlError rejects a control request.
func (e *emitter) ControlError(requestID, msg string) {
	e.send(&streamjson.Message{
		Type: streamjson.MessageTypeControlResponse,
		Response: &streamjson.IncomingControlResponse{
			Subtype:   "error",
			RequestID: requestID,
			Error:     msg,
		},
	})
}

func defaultUsage() *streamjson.Usage {
	return &streamjson.Usage{InputTokens: 1200, OutputTokens: 350}
}

// chunkText splits text into word-aligned pieces of roughly size bytes for
// streaming deltas. Delta boundaries fall after whole words; joining the
// chunks reproduces the input exactly.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	words := strings.SplitAfter(text, " ")
	var chunks []string
	var b strings.Builder
	for _, w := range words {
		if b.Len() > 0 && b.Len()+len(w) > size {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
