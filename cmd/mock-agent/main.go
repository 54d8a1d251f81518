// Package main implements a fake agent CLI speaking the stream-json
// protocol over stdin/stdout. The server spawns it through the "mock"
// provider entry; it simulates turns, asks for tool permissions, honors
// interrupts and permission-mode switches, and maintains a real transcript
// file under --session-dir so the whole pipeline behaves as with a live
// agent.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/streamjson"
)

// Canonical permission modes, as spelled in the providers config.
const (
	modeDefault           = "default"
	modePlan              = "plan"
	modeAcceptEdits       = "accept-edits"
	modeBypassPermissions = "bypass-permissions"
)

func main() {
	var (
		sessionID  = flag.String("session-id", "", "session id assigned by the server")
		resume     = flag.String("resume", "", "session id to resume")
		sessionDir = flag.String("session-dir", "", "directory holding this project's transcripts")
		mode       = flag.String("permission-mode", modeDefault, "initial permission mode")
		model      = flag.String("model", "mock-default", "response pacing profile (mock-fast, mock-slow, mock-default)")
	)
	flag.Parse()

	sid := *sessionID
	if sid == "" {
		sid = *resume
	}
	if sid == "" {
		sid = "mock-" + uuid.NewString()
	}

	var tw *transcript.Writer
	if *sessionDir != "" {
		var err error
		tw, err = transcript.NewWriter(filepath.Join(*sessionDir, sid+".jsonl"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: open transcript: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = tw.Close() }()
	}

	a := newAgent(newEmitter(os.Stdout, tw, sid, *model), *mode, *model)
	a.out.Init()

	go a.readStdin(os.Stdin)
	a.run()
}

// agent owns the conversation state: the current permission mode, the turn
// in flight, and permission requests awaiting a server verdict.
type agent struct {
	out     *emitter
	files   *workspace
	profile delayProfile
	prompts chan string

	mu         sync.Mutex
	mode       string
	turnCancel context.CancelFunc

	permMu sync.Mutex
	perms  map[string]chan bool
}

func newAgent(out *emitter, mode, model string) *agent {
	if mode == "" {
		mode = modeDefault
	}
	wd, _ := os.Getwd()
	return &agent{
		out:     out,
		files:   &workspace{root: wd},
		profile: profileFor(model),
		prompts: make(chan string, 16),
		mode:    mode,
		perms:   make(map[string]chan bool),
	}
}

// readStdin routes server traffic: user prompts feed the turn loop, control
// requests are answered inline so they work even while a turn is running.
func (a *agent) readStdin(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg streamjson.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case streamjson.MessageTypeUser:
			if msg.Message != nil {
				a.prompts <- msg.Message.GetContentString()
			}
		case streamjson.MessageTypeControlRequest:
			a.handleControlRequest(msg.RequestID, msg.Request)
		case streamjson.MessageTypeControlResponse:
			a.handlePermissionReply(&msg)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: stdin: %v\n", err)
	}
	close(a.prompts)
}

// run consumes prompts until stdin closes. One turn at a time; an interrupt
// cancels the turn context and the turn winds down with a result.
func (a *agent) run() {
	for prompt := range a.prompts {
		ctx, cancel := context.WithCancel(context.Background())
		a.setTurnCancel(cancel)
		a.runTurn(ctx, prompt)
		a.setTurnCancel(nil)
		cancel()
	}
}

func (a *agent) handleControlRequest(requestID string, req *streamjson.ControlRequest) {
	if req == nil || requestID == "" {
		return
	}
	switch req.Subtype {
	case streamjson.SubtypeInitialize:
		a.out.InitializeAck(requestID, initializeData())
	case streamjson.SubtypeInterrupt:
		a.interruptTurn()
		a.out.ControlAck(requestID)
	case streamjson.SubtypeSetPermissionMode:
		a.setMode(req.Mode)
		a.out.ControlAck(requestID)
	default:
		a.out.ControlError(requestID, "unsupported control request: "+req.Subtype)
	}
}

// handlePermissionReply resolves a pending can_use_tool request. The server
// sends the request id at the message level.
func (a *agent) handlePermissionReply(msg *streamjson.Message) {
	requestID := msg.RequestID
	if requestID == "" && msg.Response != nil {
		requestID = msg.Response.RequestID
	}

	a.permMu.Lock()
	ch, ok := a.perms[requestID]
	delete(a.perms, requestID)
	a.permMu.Unlock()
	if !ok {
		return
	}

	allow := msg.Response != nil &&
		msg.Response.Subtype == "success" &&
		msg.Response.Result != nil &&
		msg.Response.Result.Behavior == streamjson.BehaviorAllow
	ch <- allow
}

// requestApproval asks the server for permission to use a tool and blocks
// until the verdict arrives or the turn is cancelled. The permission mode
// can short-circuit the round trip entirely.
func (a *agent) requestApproval(ctx context.Context, toolName, toolUseID string, input map[string]any) bool {
	if !a.needsApproval(toolName) {
		return true
	}

	requestID := "perm-" + toolUseID
	ch := make(chan bool, 1)
	a.permMu.Lock()
	a.perms[requestID] = ch
	a.permMu.Unlock()

	a.out.PermissionRequest(requestID, toolName, toolUseID, input)

	select {
	case allow := <-ch:
		return allow
	case <-ctx.Done():
		a.permMu.Lock()
		delete(a.perms, requestID)
		a.permMu.Unlock()
		return false
	}
}

// needsApproval applies the permission mode to a tool name.
func (a *agent) needsApproval(tool string) bool {
	switch a.Mode() {
	case modeBypassPermissions:
		return false
	case modeAcceptEdits:
		return tool == streamjson.ToolBash
	default:
		return tool == streamjson.ToolBash || tool == streamjson.ToolEdit || tool == streamjson.ToolWrite
	}
}

func (a *agent) Mode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *agent) setMode(mode string) {
	if mode == "" {
		return
	}
	a.mu.Lock()
	a.mode = mode
	a.mu.Unlock()
}

func (a *agent) setTurnCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	a.turnCancel = cancel
	a.mu.Unlock()
}

func (a *agent) interruptTurn() {
	a.mu.Lock()
	cancel := a.turnCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// initializeData lists the prompts the mock understands, surfaced to
// clients as slash commands.
func initializeData() *streamjson.InitializeResponseData {
	return &streamjson.InitializeResponseData{
		Commands: []streamjson.CommandInfo{
			{Name: "all", Description: "Demo every message type"},
			{Name: "error", Description: "Simulate an error result"},
			{Name: "slow", Description: "Paced response, optional duration (e.g. /slow 30s)"},
			{Name: "thinking", Description: "Extended reasoning blocks"},
			{Name: "login", Description: "Simulate a login-required prompt"},
			{Name: "mermaid", Description: "Rich markdown with mermaid diagrams"},
			{Name: "tool:read", Description: "Single file read"},
			{Name: "tool:edit", Description: "Single file edit (asks permission)"},
			{Name: "tool:exec", Description: "Single shell command (asks permission)"},
			{Name: "tool:search", Description: "Single code search"},
			{Name: "tool:webfetch", Description: "Single web fetch"},
			{Name: "subagent", Description: "Task tool with nested child messages"},
			{Name: "todo", Description: "Todo management sequence"},
			{Name: "e2e:simple-message", Description: "Fixed timing: text only"},
			{Name: "e2e:read-and-edit", Description: "Fixed timing: read, edit, text"},
			{Name: "e2e:permission-flow", Description: "Fixed timing: tool needing permission"},
			{Name: "e2e:error", Description: "Fixed timing: error result"},
			{Name: "e2e:subagent", Description: "Fixed timing: subagent with children"},
			{Name: "e2e:all-tools", Description: "Fixed timing: one of each tool"},
			{Name: "e2e:multi-turn", Description: "Fixed timing: minimal multi-turn reply"},
		},
		Agents: []string{
			streamjson.ToolBash, streamjson.ToolRead, streamjson.ToolEdit,
			streamjson.ToolGrep, streamjson.ToolGlob, streamjson.ToolTask,
		},
		OutputStyle: "default",
	}
}
