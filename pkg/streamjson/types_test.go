package streamjson

import (
	"encoding/json"
	"testing"
)

func TestMessage_GetResultData(t *testing.T) {
	tests := []struct {
		name     string
		result   json.RawMessage
		wantNil  bool
		wantText string
	}{
		{
			name:    "empty result",
			result:  nil,
			wantNil: true,
		},
		{
			name:    "string result (error)",
			result:  json.RawMessage(`"error message"`),
			wantNil: true, // GetResultData returns nil for strings
		},
		{
			name:     "object result with text",
			result:   json.RawMessage(`{"text":"success message","session_id":"abc123"}`),
			wantNil:  false,
			wantText: "success message",
		},
		{
			name:    "invalid JSON",
			result:  json.RawMessage(`{invalid`),
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Result: tt.result}
			got := msg.GetResultData()
			switch {
			case tt.wantNil:
				if got != nil {
					t.Errorf("GetResultData() = %v, want nil", got)
				}
			case got == nil:
				t.Fatalf("GetResultData() = nil, want non-nil")
			case got.Text != tt.wantText:
				t.Errorf("GetResultData().Text = %q, want %q", got.Text, tt.wantText)
			}
		})
	}
}

func TestMessage_GetResultString(t *testing.T) {
	tests := []struct {
		name   string
		result json.RawMessage
		want   string
	}{
		{
			name:   "empty result",
			result: nil,
			want:   "",
		},
		{
			name:   "string result",
			result: json.RawMessage(`"error message"`),
			want:   "error message",
		},
		{
			name:   "object result",
			result: json.RawMessage(`{"text":"success"}`),
			want:   "", // GetResultString returns empty for objects
		},
		{
			name:   "invalid JSON",
			result: json.RawMessage(`{invalid`),
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Result: tt.result}
			got := msg.GetResultString()
			if got != tt.want {
				t.Errorf("GetResultString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_JSONParsing(t *testing.T) {
	// Test parsing an init system message
	systemJSON := `{"type":"system","subtype":"init","session_id":"abc123","model":"claude-3"}`
	var systemMsg Message
	if err := json.Unmarshal([]byte(systemJSON), &systemMsg); err != nil {
		t.Fatalf("failed to parse system message: %v", err)
	}
	if systemMsg.Type != MessageTypeSystem {
		t.Errorf("Type = %q, want %q", systemMsg.Type, MessageTypeSystem)
	}
	if systemMsg.Subtype != SubtypeInit {
		t.Errorf("Subtype = %q, want %q", systemMsg.Subtype, SubtypeInit)
	}
	if systemMsg.SessionID != "abc123" {
		t.Errorf("SessionID = %q, want %q", systemMsg.SessionID, "abc123")
	}

	// Test parsing an assistant message
	assistantJSON := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}],"model":"claude-3"}}`
	var assistantMsg Message
	if err := json.Unmarshal([]byte(assistantJSON), &assistantMsg); err != nil {
		t.Fatalf("failed to parse assistant message: %v", err)
	}
	if assistantMsg.Type != MessageTypeAssistant {
		t.Errorf("Type = %q, want %q", assistantMsg.Type, MessageTypeAssistant)
	}
	if assistantMsg.Message == nil {
		t.Fatal("Message is nil")
	}
	if assistantMsg.Message.Model != "claude-3" {
		t.Errorf("Message.Model = %q, want %q", assistantMsg.Message.Model, "claude-3")
	}
}

func TestMessage_StreamEventParsing(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		check func(t *testing.T, msg Message)
	}{
		{
			name: "message_start",
			json: `{"type":"stream_event","session_id":"sess-1","event":{"type":"message_start","message":{"id":"msg_01","role":"assistant","model":"claude-3"}}}`,
			check: func(t *testing.T, msg Message) {
				if msg.Event == nil {
					t.Fatal("Event is nil")
				}
				if msg.Event.Type != EventMessageStart {
					t.Errorf("Event.Type = %q, want %q", msg.Event.Type, EventMessageStart)
				}
				if msg.Event.Message == nil || msg.Event.Message.ID != "msg_01" {
					t.Errorf("Event.Message.ID = %v, want %q", msg.Event.Message, "msg_01")
				}
			},
		},
		{
			name: "text delta",
			json: `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}`,
			check: func(t *testing.T, msg Message) {
				if msg.Event == nil || msg.Event.Delta == nil {
					t.Fatal("Event or Delta is nil")
				}
				if msg.Event.Delta.Type != DeltaTypeText {
					t.Errorf("Delta.Type = %q, want %q", msg.Event.Delta.Type, DeltaTypeText)
				}
				if msg.Event.Delta.Text != "Hel" {
					t.Errorf("Delta.Text = %q, want %q", msg.Event.Delta.Text, "Hel")
				}
			},
		},
		{
			name: "input json delta",
			json: `{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"com"}}}`,
			check: func(t *testing.T, msg Message) {
				if msg.Event == nil || msg.Event.Delta == nil {
					t.Fatal("Event or Delta is nil")
				}
				if msg.Event.Index != 1 {
					t.Errorf("Event.Index = %d, want 1", msg.Event.Index)
				}
				if msg.Event.Delta.PartialJSON != `{"com` {
					t.Errorf("Delta.PartialJSON = %q, want %q", msg.Event.Delta.PartialJSON, `{"com`)
				}
			},
		},
		{
			name: "content_block_start with tool_use",
			json: `{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tool123","name":"Bash"}}}`,
			check: func(t *testing.T, msg Message) {
				if msg.Event == nil || msg.Event.ContentBlock == nil {
					t.Fatal("Event or ContentBlock is nil")
				}
				if msg.Event.ContentBlock.Name != ToolBash {
					t.Errorf("ContentBlock.Name = %q, want %q", msg.Event.ContentBlock.Name, ToolBash)
				}
			},
		},
		{
			name: "message_stop",
			json: `{"type":"stream_event","event":{"type":"message_stop"}}`,
			check: func(t *testing.T, msg Message) {
				if msg.Event == nil {
					t.Fatal("Event is nil")
				}
				if msg.Event.Type != EventMessageStop {
					t.Errorf("Event.Type = %q, want %q", msg.Event.Type, EventMessageStop)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			if err := json.Unmarshal([]byte(tt.json), &msg); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if msg.Type != MessageTypeStreamEvent {
				t.Errorf("Type = %q, want %q", msg.Type, MessageTypeStreamEvent)
			}
			tt.check(t, msg)
		})
	}
}

func TestControlRequest_JSONParsing(t *testing.T) {
	// Test can_use_tool request
	jsonStr := `{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls -la"},"tool_use_id":"tool123"}`
	var req ControlRequest
	if err := json.Unmarshal([]byte(jsonStr), &req); err != nil {
		t.Fatalf("failed to parse control request: %v", err)
	}
	if req.Subtype != SubtypeCanUseTool {
		t.Errorf("Subtype = %q, want %q", req.Subtype, SubtypeCanUseTool)
	}
	if req.ToolName != ToolBash {
		t.Errorf("ToolName = %q, want %q", req.ToolName, ToolBash)
	}
	if req.Input["command"] != "ls -la" {
		t.Errorf("Input[command] = %v, want %q", req.Input["command"], "ls -la")
	}
}

func TestControlResponseMessage_JSONMarshal(t *testing.T) {
	resp := &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "req123",
		Response: &ControlResponse{
			Subtype: "success",
			Result: &PermissionResult{
				Behavior: BehaviorAllow,
			},
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}

	if parsed["type"] != MessageTypeControlResponse {
		t.Errorf("type = %v, want %q", parsed["type"], MessageTypeControlResponse)
	}
	if parsed["request_id"] != "req123" {
		t.Errorf("request_id = %v, want %q", parsed["request_id"], "req123")
	}
}

func TestUserMessage_JSONMarshal(t *testing.T) {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: "Hello, agent!",
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	expected := `{"type":"user","message":{"role":"user","content":"Hello, agent!"}}`
	if string(data) != expected {
		t.Errorf("Marshal() = %s, want %s", string(data), expected)
	}
}

func TestContentBlock_Types(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		check func(t *testing.T, block ContentBlock)
	}{
		{
			name: "text block",
			json: `{"type":"text","text":"Hello world"}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != "text" {
					t.Errorf("Type = %q, want %q", block.Type, "text")
				}
				if block.Text != "Hello world" {
					t.Errorf("Text = %q, want %q", block.Text, "Hello world")
				}
			},
		},
		{
			name: "thinking block",
			json: `{"type":"thinking","thinking":"Let me analyze..."}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != "thinking" {
					t.Errorf("Type = %q, want %q", block.Type, "thinking")
				}
				if block.Thinking != "Let me analyze..." {
					t.Errorf("Thinking = %q, want %q", block.Thinking, "Let me analyze...")
				}
			},
		},
		{
			name: "tool_use block",
			json: `{"type":"tool_use","id":"tool123","name":"Bash","input":{"command":"ls"}}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != "tool_use" {
					t.Errorf("Type = %q, want %q", block.Type, "tool_use")
				}
				if block.ID != "tool123" {
					t.Errorf("ID = %q, want %q", block.ID, "tool123")
				}
				if block.Name != "Bash" {
					t.Errorf("Name = %q, want %q", block.Name, "Bash")
				}
			},
		},
		{
			name: "tool_result block",
			json: `{"type":"tool_result","tool_use_id":"tool123","content":"output","is_error":false}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != "tool_result" {
					t.Errorf("Type = %q, want %q", block.Type, "tool_result")
				}
				if block.ToolUseID != "tool123" {
					t.Errorf("ToolUseID = %q, want %q", block.ToolUseID, "tool123")
				}
				if block.GetContentString() != "output" {
					t.Errorf("Content = %q, want %q", block.GetContentString(), "output")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block ContentBlock
			if err := json.Unmarshal([]byte(tt.json), &block); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			tt.check(t, block)
		})
	}
}

func TestAssistantMessage_GetContentBlocks(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantType  string
	}{
		{
			name:      "array of content blocks",
			content:   `[{"type":"text","text":"Hello"},{"type":"text","text":"World"}]`,
			wantCount: 2,
			wantType:  "text",
		},
		{
			name:      "single content block",
			content:   `[{"type":"thinking","thinking":"Let me think..."}]`,
			wantCount: 1,
			wantType:  "thinking",
		},
		{
			name:      "empty array",
			content:   `[]`,
			wantCount: 0,
			wantType:  "",
		},
		{
			name:      "string content (not blocks)",
			content:   `"This is a string"`,
			wantCount: 0,
			wantType:  "",
		},
		{
			name:      "empty content",
			content:   ``,
			wantCount: 0,
			wantType:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &AssistantMessage{
				Content: json.RawMessage(tt.content),
			}
			blocks := msg.GetContentBlocks()
			if len(blocks) != tt.wantCount {
				t.Errorf("GetContentBlocks() returned %d blocks, want %d", len(blocks), tt.wantCount)
			}
			if tt.wantCount > 0 && blocks[0].Type != tt.wantType {
				t.Errorf("GetContentBlocks()[0].Type = %q, want %q", blocks[0].Type, tt.wantType)
			}
		})
	}
}

func TestAssistantMessage_GetContentString(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "plain string content",
			content: `"Hello, World!"`,
			want:    "Hello, World!",
		},
		{
			name:    "string with local-command-stdout tags",
			content: `"<local-command-stdout>Command output here</local-command-stdout>"`,
			want:    "<local-command-stdout>Command output here</local-command-stdout>",
		},
		{
			name:    "empty string",
			content: `""`,
			want:    "",
		},
		{
			name:    "array content (not string)",
			content: `[{"type":"text","text":"Hello"}]`,
			want:    "",
		},
		{
			name:    "empty content",
			content: ``,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &AssistantMessage{
				Content: json.RawMessage(tt.content),
			}
			got := msg.GetContentString()
			if got != tt.want {
				t.Errorf("GetContentString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContentBlock_GetContentString(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "string content",
			json: `{"type":"tool_result","tool_use_id":"t1","content":"hello world"}`,
			want: "hello world",
		},
		{
			name: "array of text blocks",
			json: `{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"line 1"},{"type":"text","text":"line 2"}]}`,
			want: "line 1\nline 2",
		},
		{
			name: "single text block array",
			json: `{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"only line"}]}`,
			want: "only line",
		},
		{
			name: "empty content",
			json: `{"type":"tool_result","tool_use_id":"t1"}`,
			want: "",
		},
		{
			name: "empty string content",
			json: `{"type":"tool_result","tool_use_id":"t1","content":""}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block ContentBlock
			if err := json.Unmarshal([]byte(tt.json), &block); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			got := block.GetContentString()
			if got != tt.want {
				t.Errorf("GetContentString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIncomingControlResponse_JSONParsing(t *testing.T) {
	// Test successful initialize response
	jsonStr := `{
		"subtype": "success",
		"request_id": "req-123",
		"response": {
			"commands": [
				{"name": "cost", "description": "Show cost"},
				{"name": "context", "description": "Show context"}
			],
			"agents": ["Bash", "Explore"]
		}
	}`
	var resp IncomingControlResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if resp.Subtype != "success" {
		t.Errorf("Subtype = %q, want %q", resp.Subtype, "success")
	}
	if resp.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want %q", resp.RequestID, "req-123")
	}
	if resp.Response == nil {
		t.Fatal("Response is nil")
	}
	if len(resp.Response.Commands) != 2 {
		t.Errorf("Commands count = %d, want %d", len(resp.Response.Commands), 2)
	}
	if resp.Response.Commands[0].Name != "cost" {
		t.Errorf("Commands[0].Name = %q, want %q", resp.Response.Commands[0].Name, "cost")
	}
	if len(resp.Response.Agents) != 2 {
		t.Errorf("Agents count = %d, want %d", len(resp.Response.Agents), 2)
	}

	// Test error response
	errorJSON := `{"subtype": "error", "request_id": "req-456", "error": "Something went wrong"}`
	var errorResp IncomingControlResponse
	if err := json.Unmarshal([]byte(errorJSON), &errorResp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if errorResp.Subtype != "error" {
		t.Errorf("Subtype = %q, want %q", errorResp.Subtype, "error")
	}
	if errorResp.Error != "Something went wrong" {
		t.Errorf("Error = %q, want %q", errorResp.Error, "Something went wrong")
	}
}

func TestMessage_IsReplay_IsSynthetic(t *testing.T) {
	tests := []struct {
		name          string
		json          string
		wantReplay    bool
		wantSynthetic bool
	}{
		{
			name:          "replay user message",
			json:          `{"type":"user","uuid":"abc","session_id":"sess-1","isReplay":true,"message":{"role":"user","content":"hello"}}`,
			wantReplay:    true,
			wantSynthetic: false,
		},
		{
			name:          "synthetic user message",
			json:          `{"type":"user","uuid":"abc","session_id":"sess-1","isSynthetic":true,"message":{"role":"user","content":"checkpoint"}}`,
			wantReplay:    false,
			wantSynthetic: true,
		},
		{
			name:          "replay and synthetic",
			json:          `{"type":"user","uuid":"abc","isReplay":true,"isSynthetic":true,"message":{"role":"user","content":"old"}}`,
			wantReplay:    true,
			wantSynthetic: true,
		},
		{
			name:          "neither replay nor synthetic",
			json:          `{"type":"user","uuid":"abc","message":{"role":"user","content":"hello"}}`,
			wantReplay:    false,
			wantSynthetic: false,
		},
		{
			name:          "assistant message has no replay fields",
			json:          `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
			wantReplay:    false,
			wantSynthetic: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			if err := json.Unmarshal([]byte(tt.json), &msg); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if msg.IsReplay != tt.wantReplay {
				t.Errorf("IsReplay = %v, want %v", msg.IsReplay, tt.wantReplay)
			}
			if msg.IsSynthetic != tt.wantSynthetic {
				t.Errorf("IsSynthetic = %v, want %v", msg.IsSynthetic, tt.wantSynthetic)
			}
		})
	}
}

func TestMessage_TotalCostUSD(t *testing.T) {
	// The CLI sends "total_cost_usd", not "cost_usd"
	jsonStr := `{"type":"result","total_cost_usd":0.123,"session_id":"sess-1"}`
	var msg Message
	if err := json.Unmarshal([]byte(jsonStr), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if msg.CostUSD != 0.123 {
		t.Errorf("CostUSD = %f, want %f", msg.CostUSD, 0.123)
	}
}

func TestMessage_ToolUseResult(t *testing.T) {
	// Sub-agent task result with rich metadata
	jsonStr := `{
		"type":"user",
		"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"result"}]},
		"tool_use_result":{"status":"completed","agentId":"abc","totalDurationMs":1500,"totalTokens":4000,"totalToolUseCount":2},
		"session_id":"sess-1"
	}`
	var msg Message
	if err := json.Unmarshal([]byte(jsonStr), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(msg.ToolUseResult) == 0 {
		t.Fatal("ToolUseResult is empty")
	}

	var result map[string]any
	if err := json.Unmarshal(msg.ToolUseResult, &result); err != nil {
		t.Fatalf("failed to parse ToolUseResult: %v", err)
	}
	if result["status"] != "completed" {
		t.Errorf("status = %v, want %q", result["status"], "completed")
	}
	if result["agentId"] != "abc" {
		t.Errorf("agentId = %v, want %q", result["agentId"], "abc")
	}
	if result["totalDurationMs"].(float64) != 1500 {
		t.Errorf("totalDurationMs = %v, want %v", result["totalDurationMs"], 1500)
	}
}

func TestMessage_ParentToolUseID(t *testing.T) {
	// Messages produced inside a Task sub-agent carry the parent tool use id.
	jsonStr := `{"type":"assistant","parent_tool_use_id":"toolu_parent","message":{"role":"assistant","content":[{"type":"text","text":"sub"}]}}`
	var msg Message
	if err := json.Unmarshal([]byte(jsonStr), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if msg.ParentToolUseID != "toolu_parent" {
		t.Errorf("ParentToolUseID = %q, want %q", msg.ParentToolUseID, "toolu_parent")
	}
}
