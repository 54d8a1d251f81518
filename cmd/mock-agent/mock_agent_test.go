package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/streamjson"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []streamjson.Message {
	t.Helper()
	var msgs []streamjson.Message
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var msg streamjson.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("stdout line not valid JSON: %v (%s)", err, scanner.Text())
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestEmitterChainsTranscriptEntries(t *testing.T) {
	dir := t.TempDir()
	tw, err := transcript.NewWriter(filepath.Join(dir, "sess-1.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tw.Close() }()

	var out bytes.Buffer
	e := newEmitter(&out, tw, "sess-1", "mock-default")

	e.UserPrompt("do the thing")
	e.Thinking("thinking about it", "")
	e.Text("done", "")

	data, err := os.ReadFile(filepath.Join(dir, "sess-1.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) != 3 {
		t.Fatalf("transcript lines = %d, want 3", len(lines))
	}

	var entries []transcript.Entry
	for _, line := range lines {
		var entry transcript.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("bad transcript line: %v", err)
		}
		entries = append(entries, entry)
	}

	if entries[0].Type != "user" || entries[1].Type != "assistant" || entries[2].Type != "assistant" {
		t.Fatalf("entry types = %s,%s,%s", entries[0].Type, entries[1].Type, entries[2].Type)
	}
	if entries[0].ParentUUID != "" {
		t.Errorf("first entry should have no parent, got %q", entries[0].ParentUUID)
	}
	if entries[1].ParentUUID != entries[0].UUID || entries[2].ParentUUID != entries[1].UUID {
		t.Error("entries should chain parentUuid to the previous entry")
	}
	for _, entry := range entries {
		if entry.SessionID != "sess-1" {
			t.Errorf("entry sessionId = %q, want sess-1", entry.SessionID)
		}
	}

	// Stdout mirrors the same lines: identical uuids, parseable as protocol
	// messages.
	msgs := decodeLines(t, &out)
	if len(msgs) != 3 {
		t.Fatalf("stdout lines = %d, want 3", len(msgs))
	}
	if msgs[0].Type != "user" || msgs[0].UUID != entries[0].UUID {
		t.Errorf("stdout echo: type=%s uuid=%s, want user/%s", msgs[0].Type, msgs[0].UUID, entries[0].UUID)
	}
	if msgs[2].Message == nil {
		t.Fatal("assistant stdout line missing message body")
	}
	blocks := msgs[2].Message.GetContentBlocks()
	if len(blocks) != 1 || blocks[0].Type != "text" || blocks[0].Text != "done" {
		t.Errorf("unexpected assistant content: %+v", blocks)
	}
}

func TestEmitterWithoutTranscript(t *testing.T) {
	var out bytes.Buffer
	e := newEmitter(&out, nil, "sess-2", "mock-default")
	e.Text("no file backing", "")
	if msgs := decodeLines(t, &out); len(msgs) != 1 {
		t.Fatalf("stdout lines = %d, want 1", len(msgs))
	}
}

func TestEmitterSubagentMarkers(t *testing.T) {
	var out bytes.Buffer
	e := newEmitter(&out, nil, "sess-3", "mock-default")

	e.ToolUse("tool_1", streamjson.ToolTask, map[string]any{"prompt": "go"}, "")
	e.Text("child says hi", "tool_1")
	e.ToolResult("tool_1", "child done", "", false)

	var entry transcript.Entry
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	if err := json.Unmarshal(lines[1], &entry); err != nil {
		t.Fatal(err)
	}
	if entry.ParentToolUseID != "tool_1" || !entry.IsSidechain {
		t.Errorf("child entry parentToolUseId=%q sidechain=%v, want tool_1/true", entry.ParentToolUseID, entry.IsSidechain)
	}
}

func TestEmitterStreamedText(t *testing.T) {
	var out bytes.Buffer
	e := newEmitter(&out, nil, "sess-4", "mock-default")

	text := "streaming chunks across several deltas for the watching client"
	e.StreamedText(context.Background(), text, "", func(context.Context) bool { return true })

	msgs := decodeLines(t, &out)
	if len(msgs) < 5 {
		t.Fatalf("expected stream events plus final message, got %d lines", len(msgs))
	}

	first := msgs[0]
	if first.Type != streamjson.MessageTypeStreamEvent || first.Event == nil || first.Event.Type != streamjson.EventMessageStart {
		t.Fatalf("first line should be message_start, got %+v", first)
	}
	startID := first.Event.Message.ID

	var deltas []string
	sawStop := false
	for _, msg := range msgs[1 : len(msgs)-1] {
		if msg.Type != streamjson.MessageTypeStreamEvent {
			t.Fatalf("expected stream_event, got %s", msg.Type)
		}
		switch msg.Event.Type {
		case streamjson.EventContentBlockDelta:
			deltas = append(deltas, msg.Event.Delta.Text)
		case streamjson.EventMessageStop:
			sawStop = true
		}
	}
	if !sawStop {
		t.Error("missing message_stop event")
	}
	if got := strings.Join(deltas, ""); got != text {
		t.Errorf("joined deltas = %q, want %q", got, text)
	}

	final := msgs[len(msgs)-1]
	if final.Type != "assistant" {
		t.Fatalf("last line should be the authoritative assistant message, got %s", final.Type)
	}
	if final.UUID != startID {
		t.Errorf("assistant uuid %q should match message_start id %q", final.UUID, startID)
	}
}

func TestEmitterResult(t *testing.T) {
	var out bytes.Buffer
	e := newEmitter(&out, nil, "sess-5", "mock-default")

	e.Result(time.Now().Add(-time.Second), false, "")
	e.Result(time.Now(), true, "boom")

	msgs := decodeLines(t, &out)
	if msgs[0].IsError {
		t.Error("success result flagged as error")
	}
	if data := msgs[0].GetResultData(); data == nil || data.SessionID != "sess-5" {
		t.Errorf("result data = %+v, want session sess-5", data)
	}
	if msgs[0].DurationMS <= 0 {
		t.Error("success result should carry a positive duration")
	}
	if !msgs[1].IsError || msgs[1].GetResultString() != "boom" {
		t.Errorf("error result = %+v", msgs[1])
	}
}

func TestChunkText(t *testing.T) {
	if got := chunkText("", 10); got != nil {
		t.Errorf("chunkText(\"\") = %v, want nil", got)
	}

	text := "one two three four five six seven eight nine ten eleven twelve"
	chunks := chunkText(text, 16)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Errorf("chunks do not reassemble the input: %q", strings.Join(chunks, ""))
	}
}

func TestNeedsApproval(t *testing.T) {
	tests := []struct {
		mode string
		tool string
		want bool
	}{
		{modeDefault, streamjson.ToolBash, true},
		{modeDefault, streamjson.ToolEdit, true},
		{modeDefault, streamjson.ToolRead, false},
		{modePlan, streamjson.ToolEdit, true},
		{modeAcceptEdits, streamjson.ToolEdit, false},
		{modeAcceptEdits, streamjson.ToolWrite, false},
		{modeAcceptEdits, streamjson.ToolBash, true},
		{modeBypassPermissions, streamjson.ToolBash, false},
		{modeBypassPermissions, streamjson.ToolEdit, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode+"/"+tt.tool, func(t *testing.T) {
			a := newAgent(newEmitter(&bytes.Buffer{}, nil, "s", "mock-fast"), tt.mode, "mock-fast")
			if got := a.needsApproval(tt.tool); got != tt.want {
				t.Errorf("needsApproval(%s) in %s = %v, want %v", tt.tool, tt.mode, got, tt.want)
			}
		})
	}
}

func TestRequestApprovalRoundTrip(t *testing.T) {
	var out bytes.Buffer
	a := newAgent(newEmitter(&out, nil, "s", "mock-fast"), modeDefault, "mock-fast")

	got := make(chan bool, 1)
	go func() {
		got <- a.requestApproval(context.Background(), streamjson.ToolBash, "tool_9", map[string]any{"command": "ls"})
	}()

	// Wait until the request is registered, then reply the way the server
	// does: request_id at the message level.
	requestID := "perm-tool_9"
	deadline := time.After(2 * time.Second)
	for {
		a.permMu.Lock()
		_, pending := a.perms[requestID]
		a.permMu.Unlock()
		if pending {
			break
		}
		select {
		case <-deadline:
			t.Fatal("permission request never registered")
		case <-time.After(time.Millisecond):
		}
	}

	a.handlePermissionReply(&streamjson.Message{
		Type:      streamjson.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &streamjson.IncomingControlResponse{
			Subtype: "success",
			Result:  &streamjson.PermissionResult{Behavior: streamjson.BehaviorAllow},
		},
	})

	select {
	case allow := <-got:
		if !allow {
			t.Error("approval round trip should allow")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("requestApproval never returned")
	}

	// With the goroutine done the emitted control request is safe to read.
	msgs := decodeLines(t, &out)
	if len(msgs) != 1 || msgs[0].Type != streamjson.MessageTypeControlRequest {
		t.Fatalf("expected one control_request on stdout, got %+v", msgs)
	}
	req := msgs[0].Request
	if msgs[0].RequestID != requestID || req.Subtype != streamjson.SubtypeCanUseTool || req.ToolName != streamjson.ToolBash || req.ToolUseID != "tool_9" {
		t.Errorf("control request = id %q, %+v", msgs[0].RequestID, req)
	}
}

func TestRequestApprovalCancelled(t *testing.T) {
	a := newAgent(newEmitter(&bytes.Buffer{}, nil, "s", "mock-fast"), modeDefault, "mock-fast")

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan bool, 1)
	go func() {
		got <- a.requestApproval(ctx, streamjson.ToolEdit, "tool_10", nil)
	}()
	cancel()

	select {
	case allow := <-got:
		if allow {
			t.Error("cancelled approval should deny")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("requestApproval did not observe cancellation")
	}
}

func TestHandleControlRequest(t *testing.T) {
	t.Run("initialize", func(t *testing.T) {
		var out bytes.Buffer
		a := newAgent(newEmitter(&out, nil, "s", "mock-fast"), modeDefault, "mock-fast")
		a.handleControlRequest("req-1", &streamjson.ControlRequest{Subtype: streamjson.SubtypeInitialize})

		msgs := decodeLines(t, &out)
		if len(msgs) != 1 || msgs[0].Type != streamjson.MessageTypeControlResponse {
			t.Fatalf("expected one control_response, got %+v", msgs)
		}
		resp := msgs[0].Response
		if resp.RequestID != "req-1" || resp.Subtype != "success" {
			t.Errorf("resp = %+v", resp)
		}
		if resp.Response == nil || len(resp.Response.Commands) == 0 {
			t.Error("initialize ack should list commands")
		}
	})

	t.Run("set_permission_mode", func(t *testing.T) {
		var out bytes.Buffer
		a := newAgent(newEmitter(&out, nil, "s", "mock-fast"), modeDefault, "mock-fast")
		a.handleControlRequest("req-2", &streamjson.ControlRequest{
			Subtype: streamjson.SubtypeSetPermissionMode,
			Mode:    modeBypassPermissions,
		})
		if a.Mode() != modeBypassPermissions {
			t.Errorf("mode = %q after set_permission_mode", a.Mode())
		}
		msgs := decodeLines(t, &out)
		if len(msgs) != 1 || msgs[0].Response.Subtype != "success" {
			t.Fatalf("expected success ack, got %+v", msgs)
		}
	})

	t.Run("interrupt cancels the turn", func(t *testing.T) {
		var out bytes.Buffer
		a := newAgent(newEmitter(&out, nil, "s", "mock-fast"), modeDefault, "mock-fast")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		a.setTurnCancel(cancel)

		a.handleControlRequest("req-3", &streamjson.ControlRequest{Subtype: streamjson.SubtypeInterrupt})
		select {
		case <-ctx.Done():
		default:
			t.Error("interrupt should cancel the turn context")
		}
	})

	t.Run("unknown subtype answers an error", func(t *testing.T) {
		var out bytes.Buffer
		a := newAgent(newEmitter(&out, nil, "s", "mock-fast"), modeDefault, "mock-fast")
		a.handleControlRequest("req-4", &streamjson.ControlRequest{Subtype: "no_such_thing"})
		msgs := decodeLines(t, &out)
		if len(msgs) != 1 || msgs[0].Response.Subtype != "error" {
			t.Fatalf("expected error response, got %+v", msgs)
		}
	})
}

func TestRunTurnInterrupted(t *testing.T) {
	var out bytes.Buffer
	a := newAgent(newEmitter(&out, nil, "s", "mock-slow"), modeDefault, "mock-slow")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.runTurn(ctx, "/thinking")

	msgs := decodeLines(t, &out)
	last := msgs[len(msgs)-1]
	if last.Type != streamjson.MessageTypeResult {
		t.Fatalf("interrupted turn should still end with a result, got %s", last.Type)
	}
	if data := last.GetResultData(); data == nil || !strings.Contains(data.Text, "interrupted") {
		t.Errorf("result = %+v, want interruption notice", data)
	}
}

func TestRunTurnEmitsEchoAndResult(t *testing.T) {
	var out bytes.Buffer
	a := newAgent(newEmitter(&out, nil, "sess-t", "mock-fast"), modeBypassPermissions, "mock-fast")

	a.runTurn(context.Background(), "/e2e:multi-turn")

	msgs := decodeLines(t, &out)
	if len(msgs) < 3 {
		t.Fatalf("expected echo, text and result, got %d lines", len(msgs))
	}
	if msgs[0].Type != "user" {
		t.Errorf("first line should echo the prompt, got %s", msgs[0].Type)
	}
	if msgs[len(msgs)-1].Type != streamjson.MessageTypeResult {
		t.Errorf("last line should be the result, got %s", msgs[len(msgs)-1].Type)
	}
}

func TestDelayProfiles(t *testing.T) {
	tests := []struct {
		model string
		lo    time.Duration
		hi    time.Duration
	}{
		{"mock-fast", 10 * time.Millisecond, 50 * time.Millisecond},
		{"mock-slow", 500 * time.Millisecond, 3 * time.Second},
		{"mock-default", 100 * time.Millisecond, 500 * time.Millisecond},
		{"anything-else", 100 * time.Millisecond, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		p := profileFor(tt.model)
		if p.lo != tt.lo || p.hi != tt.hi {
			t.Errorf("profileFor(%q) = %v, want {%v %v}", tt.model, p, tt.lo, tt.hi)
		}
	}
}

func TestWorkspaceDiscovery(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("main.go", "package main")
	write("util.ts", "export {}")
	write("image.png", "fake png")
	write("node_modules/lib.js", "//")

	w := &workspace{root: dir}
	found := map[string]bool{}
	for _, f := range w.all() {
		found[filepath.Base(f.abs)] = true
	}

	if !found["main.go"] || !found["util.ts"] {
		t.Errorf("expected main.go and util.ts, got %v", found)
	}
	if found["image.png"] {
		t.Error("non-text extension should be skipped")
	}
	if found["lib.js"] {
		t.Error("node_modules should be skipped")
	}

	if f := w.pick(); f.abs == "" {
		t.Error("pick returned empty file")
	}
	if paths := w.paths(10); len(paths) != 2 {
		t.Errorf("paths(10) over 2 files = %d entries", len(paths))
	}
}

func TestWorkspaceEmptyTree(t *testing.T) {
	w := &workspace{root: t.TempDir()}
	if f := w.pick(); f.rel != "example.txt" {
		t.Errorf("empty workspace pick = %+v, want placeholder", f)
	}
	if paths := w.paths(3); len(paths) != 1 || paths[0] != "example.txt" {
		t.Errorf("empty workspace paths = %v", paths)
	}
}

func TestFileSnippet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	if err := os.WriteFile(path, []byte("line1\nline2\nline3\nline4\nline5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := fileSnippet(path, 3); got != "line1\nline2\nline3\n" {
		t.Errorf("fileSnippet(3) = %q", got)
	}
	if got := fileSnippet(path, 100); got != "line1\nline2\nline3\nline4\nline5\n" {
		t.Errorf("fileSnippet(100) = %q", got)
	}
	if got := fileSnippet(filepath.Join(dir, "missing.txt"), 10); got != "// (file not readable)\n" {
		t.Errorf("fileSnippet(missing) = %q, want fallback", got)
	}
}

func TestEditFragment(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file falls back", func(t *testing.T) {
		oldStr, newStr := editFragment(filepath.Join(dir, "missing.go"))
		if oldStr != "hello" || newStr != "hello_mock" {
			t.Errorf("editFragment(missing) = (%q, %q)", oldStr, newStr)
		}
	})

	t.Run("short lines fall back", func(t *testing.T) {
		path := filepath.Join(dir, "short.txt")
		if err := os.WriteFile(path, []byte("a\nb\nc\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		oldStr, newStr := editFragment(path)
		if oldStr != "original" || newStr != "modified" {
			t.Errorf("editFragment(short) = (%q, %q)", oldStr, newStr)
		}
	})

	t.Run("mutates one word", func(t *testing.T) {
		path := filepath.Join(dir, "code.go")
		content := "package main\n\nfunc main() {\n\tfmt.Println(\"hello world\")\n}\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		oldStr, newStr := editFragment(path)
		if oldStr == newStr {
			t.Errorf("old and new should differ, both %q", oldStr)
		}
		if oldStr == "" {
			t.Error("old string should not be empty")
		}
	})
}

func TestReadStdinRouting(t *testing.T) {
	var out bytes.Buffer
	a := newAgent(newEmitter(&out, nil, "s", "mock-fast"), modeDefault, "mock-fast")

	stdin := strings.NewReader(
		`{"type":"user","message":{"role":"user","content":"first"}}` + "\n" +
			`{"type":"control_request","request_id":"r1","request":{"subtype":"initialize"}}` + "\n" +
			`not json` + "\n" +
			`{"type":"user","message":{"role":"user","content":"second"}}` + "\n")

	done := make(chan struct{})
	go func() {
		a.readStdin(stdin)
		close(done)
	}()

	var prompts []string
	for p := range a.prompts {
		prompts = append(prompts, p)
	}
	<-done

	if len(prompts) != 2 || prompts[0] != "first" || prompts[1] != "second" {
		t.Errorf("prompts = %v", prompts)
	}
	msgs := decodeLines(t, &out)
	if len(msgs) != 1 || msgs[0].Type != streamjson.MessageTypeControlResponse {
		t.Errorf("expected the initialize ack on stdout, got %+v", msgs)
	}
}
