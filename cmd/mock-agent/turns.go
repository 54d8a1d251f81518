package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentdeck/agentdeck/pkg/streamjson"
)

var toolCallCounter atomic.Int64

func nextToolID() string {
	return fmt.Sprintf("mock_tool_%04d", toolCallCounter.Add(1))
}

// delayProfile maps the --model knob onto response pacing, so tests can
// choose how slow the fake turns are.
type delayProfile struct {
	lo, hi time.Duration
}

func profileFor(model string) delayProfile {
	switch model {
	case "mock-fast":
		return delayProfile{10 * time.Millisecond, 50 * time.Millisecond}
	case "mock-slow":
		return delayProfile{500 * time.Millisecond, 3 * time.Second}
	default:
		return delayProfile{100 * time.Millisecond, 500 * time.Millisecond}
	}
}

// sleep waits for d unless the turn is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// pause sleeps a random duration within the agent's delay profile.
func (a *agent) pause(ctx context.Context) bool {
	p := a.profile
	return sleep(ctx, p.lo+time.Duration(rand.Int63n(int64(p.hi-p.lo)+1)))
}

// runTurn echoes the prompt, dispatches it to a sequence and closes the
// turn with a result message.
func (a *agent) runTurn(ctx context.Context, prompt string) {
	started := time.Now()
	prompt = strings.TrimSpace(prompt)
	a.out.UserPrompt(prompt)

	// Error turns emit their own result.
	customResult := false

	switch {
	case strings.EqualFold(prompt, "/all"):
		a.turnAllTypes(ctx)
	case strings.EqualFold(prompt, "/error"):
		a.turnError(ctx)
		customResult = true
	case strings.EqualFold(prompt, "/slow") || strings.HasPrefix(strings.ToLower(prompt), "/slow "):
		a.turnSlow(ctx, prompt)
	case strings.EqualFold(prompt, "/thinking"):
		a.turnThinking(ctx)
	case strings.EqualFold(prompt, "/login"):
		a.turnLogin(ctx)
	case strings.EqualFold(prompt, "/mermaid"):
		a.turnMermaid(ctx)
	case strings.HasPrefix(prompt, "/tool:"):
		a.turnTool(ctx, strings.TrimSpace(strings.TrimPrefix(prompt, "/tool:")))
	case strings.HasPrefix(prompt, "/subagent"):
		a.turnSubagent(ctx)
	case strings.HasPrefix(prompt, "/todo"):
		a.turnTodo(ctx)
	case strings.HasPrefix(prompt, "/e2e:"):
		name := strings.TrimSpace(strings.TrimPrefix(prompt, "/e2e:"))
		a.runScenario(ctx, name)
		customResult = name == "error"
	default:
		a.turnDefault(ctx, prompt)
	}

	if ctx.Err() != nil {
		a.out.Result(started, false, "Turn interrupted.")
		return
	}
	if !customResult {
		a.out.Result(started, false, "")
	}
}

// turnDefault mixes a few tool events and streams the closing summary.
func (a *agent) turnDefault(ctx context.Context, prompt string) {
	a.out.Thinking("Analyzing the request and considering the best approach...", "")
	if !a.pause(ctx) {
		return
	}

	events := []func(context.Context){a.toolRead, a.toolSearch, a.toolWebFetch}
	for j, steps := 0, 1+rand.Intn(3); j < steps; j++ {
		events[rand.Intn(len(events))](ctx)
		if !a.pause(ctx) {
			return
		}
	}

	a.out.StreamedText(ctx,
		"I've completed the analysis of your request: \""+prompt+"\". Everything looks good!",
		"", a.pause)
}

// turnAllTypes walks through every message shape the protocol has.
func (a *agent) turnAllTypes(ctx context.Context) {
	a.out.Thinking("Demonstrating every message type...", "")
	steps := []func(context.Context){
		func(context.Context) { a.out.Text("Starting a full walkthrough of the message types.", "") },
		a.toolRead,
		a.toolEdit,
		a.toolExec,
		a.toolSearch,
		a.turnSubagent,
		a.toolTodo,
		a.toolWebFetch,
	}
	for _, step := range steps {
		if !a.pause(ctx) {
			return
		}
		step(ctx)
	}
	if !a.pause(ctx) {
		return
	}
	a.out.Text("All message types demonstrated successfully!", "")
}

func (a *agent) turnThinking(ctx context.Context) {
	thoughts := []string{
		"Let me analyze this problem step by step...",
		"First, I need to consider the architecture and how the components interact.",
		"The key insight is that we need to handle both synchronous and asynchronous flows.",
		"I should also consider edge cases: what happens when the input is empty? What about concurrent access?",
		"After careful analysis, I believe the best approach is a channel-based pattern with proper synchronization.",
	}
	for _, thought := range thoughts {
		if !a.pause(ctx) {
			return
		}
		a.out.Thinking(thought, "")
	}
	if !a.pause(ctx) {
		return
	}
	a.out.Text("After careful reasoning, here is my analysis:\n\n1. The architecture is sound\n2. Error handling covers edge cases\n3. The implementation follows Go best practices", "")
}

func (a *agent) turnError(ctx context.Context) {
	started := time.Now()
	a.pause(ctx)
	a.out.Text("Simulating an error condition...", "")
	a.pause(ctx)
	a.out.Result(started, true, "Mock error: something went wrong during processing")
}

// turnSlow spreads a short sequence over a configurable total duration.
// Accepts "/slow" (5s) or "/slow <duration>" (e.g. "/slow 60s", "/slow 2m").
func (a *agent) turnSlow(ctx context.Context, prompt string) {
	total := 5 * time.Second
	if parts := strings.Fields(prompt); len(parts) >= 2 {
		if d, err := time.ParseDuration(parts[1]); err == nil && d > 0 {
			total = d
		}
	}
	step := total / 5

	a.out.Thinking("Working through a deliberately slow response...", "")
	if !sleep(ctx, step) {
		return
	}
	a.out.Text(fmt.Sprintf("Running slow response (%s total)...", total), "")
	if !sleep(ctx, step) {
		return
	}
	a.toolRead(ctx)
	if !sleep(ctx, step) {
		return
	}
	a.toolSearch(ctx)
	if !sleep(ctx, step) {
		return
	}
	a.out.Text(fmt.Sprintf("Slow response complete after %s.", total), "")
	sleep(ctx, step)
}

func (a *agent) turnLogin(ctx context.Context) {
	a.pause(ctx)
	a.out.LoginRequired()
	a.pause(ctx)
	a.out.Text("Simulated a login prompt; a real agent would now wait for credentials.", "")
}

func (a *agent) turnTool(ctx context.Context, name string) {
	switch strings.ToLower(name) {
	case "read":
		a.toolRead(ctx)
	case "edit":
		a.toolEdit(ctx)
	case "exec", "bash":
		a.toolExec(ctx)
	case "search", "grep":
		a.toolSearch(ctx)
	case "webfetch", "web":
		a.toolWebFetch(ctx)
	default:
		a.out.Text("Unknown tool: "+name+". Available: read, edit, exec, search, webfetch", "")
	}
}

func (a *agent) turnTodo(ctx context.Context) {
	a.out.Thinking("Planning the work items...", "")
	if !a.pause(ctx) {
		return
	}
	a.out.Text("I'll create a task list for this work.", "")
	if !a.pause(ctx) {
		return
	}
	a.toolTodo(ctx)
	if !a.pause(ctx) {
		return
	}
	a.out.Text("Task list has been updated.", "")
}

// --- Tool sequences. Each emits a tool_use and its tool_result, asking the
// server for permission where the real CLI would. ---

// toolRead reads a real workspace file so clients render plausible content.
func (a *agent) toolRead(ctx context.Context) {
	toolID := nextToolID()
	f := a.files.pick()
	a.out.ToolUse(toolID, streamjson.ToolRead, map[string]any{"file_path": f.abs}, "")
	if !a.pause(ctx) {
		return
	}
	a.out.ToolResult(toolID, fileSnippet(f.abs, 30), "", false)
}

func (a *agent) toolEdit(ctx context.Context) {
	toolID := nextToolID()
	f := a.files.pick()
	oldStr, newStr := editFragment(f.abs)
	input := map[string]any{
		"file_path":  f.abs,
		"old_string": oldStr,
		"new_string": newStr,
	}
	a.out.ToolUse(toolID, streamjson.ToolEdit, input, "")

	if a.requestApproval(ctx, streamjson.ToolEdit, toolID, input) {
		a.out.ToolResult(toolID, "File edited successfully: "+f.abs, "", false)
	} else {
		a.out.ToolResult(toolID, "Permission denied", "", true)
		a.out.Text("Permission denied for Edit, skipping.", "")
	}
}

func (a *agent) toolExec(ctx context.Context) {
	toolID := nextToolID()
	input := map[string]any{
		"command":     "go test ./...",
		"description": "Run all tests",
	}
	a.out.ToolUse(toolID, streamjson.ToolBash, input, "")

	if a.requestApproval(ctx, streamjson.ToolBash, toolID, input) {
		a.out.ToolResult(toolID, "ok  \tgithub.com/example/project\t0.042s\nPASS", "", false)
	} else {
		a.out.ToolResult(toolID, "Permission denied", "", true)
		a.out.Text("Permission denied for Bash, skipping.", "")
	}
}

var searchPatterns = []string{"func ", "import ", "TODO", "return ", "error", "type "}

func (a *agent) toolSearch(ctx context.Context) {
	toolID := nextToolID()
	pattern := searchPatterns[int(toolCallCounter.Load())%len(searchPatterns)]
	f := a.files.pick()
	a.out.ToolUse(toolID, streamjson.ToolGrep, map[string]any{"pattern": pattern, "path": f.abs}, "")
	if !a.pause(ctx) {
		return
	}

	var results []string
	for i, p := range a.files.paths(3) {
		results = append(results, fmt.Sprintf("%s:%d:%s found here", p, (i+1)*10, strings.TrimSpace(pattern)))
	}
	a.out.ToolResult(toolID, strings.Join(results, "\n"), "", false)
}

func (a *agent) toolWebFetch(ctx context.Context) {
	toolID := nextToolID()
	a.out.ToolUse(toolID, streamjson.ToolWebFetch, map[string]any{
		"url":    "https://example.com/api/docs",
		"prompt": "Extract the API endpoints and their descriptions",
	}, "")
	if !a.pause(ctx) {
		return
	}
	a.out.ToolResult(toolID, "API Documentation:\n- GET /api/v1/users - List all users\n- POST /api/v1/users - Create a new user\n- GET /api/v1/users/:id - Get user by ID", "", false)
}

func (a *agent) toolTodo(ctx context.Context) {
	toolID := nextToolID()
	a.out.ToolUse(toolID, "TodoWrite", map[string]any{
		"todos": []map[string]any{
			{"id": "1", "content": "Review code changes", "status": "in_progress"},
			{"id": "2", "content": "Run tests", "status": "pending"},
			{"id": "3", "content": "Update documentation", "status": "pending"},
		},
	}, "")
	if !a.pause(ctx) {
		return
	}
	a.out.ToolResult(toolID, "Todo list updated: 3 items (1 in progress, 2 pending)", "", false)
}

// turnSubagent runs a Task tool whose children carry parentToolUseId and
// the sidechain marker.
func (a *agent) turnSubagent(ctx context.Context) {
	taskID := nextToolID()
	a.out.ToolUse(taskID, streamjson.ToolTask, map[string]any{
		"description": "Explore codebase",
		"prompt":      "Find all files and summarize the project structure",
	}, "")
	if !a.pause(ctx) {
		return
	}

	a.out.Thinking("Exploring the project structure...", taskID)
	if !a.pause(ctx) {
		return
	}

	childID := nextToolID()
	a.out.ToolUse(childID, streamjson.ToolGlob, map[string]any{"pattern": "**/*"}, taskID)
	if !a.pause(ctx) {
		return
	}
	paths := a.files.paths(5)
	a.out.ToolResult(childID, strings.Join(paths, "\n"), taskID, false)
	if !a.pause(ctx) {
		return
	}

	a.out.Text(fmt.Sprintf("Found %d files. The project structure looks well-organized.", len(paths)), taskID)
	if !a.pause(ctx) {
		return
	}
	a.out.ToolResult(taskID, fmt.Sprintf("Subagent completed: found %d files across the project.", len(paths)), "", false)
}

func (a *agent) turnMermaid(ctx context.Context) {
	a.out.Thinking("Sketching the architecture diagrams...", "")
	if !a.pause(ctx) {
		return
	}
	a.out.Text("Here's an overview of the system architecture with diagrams:\n\n"+
		"## System Flow\n\n"+
		"The following flowchart shows the request processing pipeline:\n\n"+
		"```mermaid\n"+
		"flowchart TD\n"+
		"    A([Client Request]) --> B{Auth Check}\n"+
		"    B -->|Valid| C[API Gateway]\n"+
		"    B -->|Invalid| D[401 Unauthorized]\n"+
		"    C --> E[Load Balancer]\n"+
		"    E --> F[Service A]\n"+
		"    E --> G[Service B]\n"+
		"    F --> H[(Database)]\n"+
		"    G --> H\n"+
		"    H --> I[Response Builder]\n"+
		"    I --> J([Client Response])\n"+
		"```\n\n"+
		"## Sequence Diagram\n\n"+
		"```mermaid\n"+
		"sequenceDiagram\n"+
		"    participant U as User\n"+
		"    participant FE as Frontend\n"+
		"    participant API as API Server\n"+
		"    participant DB as Database\n"+
		"    U->>FE: Login Request\n"+
		"    FE->>API: POST /auth/login\n"+
		"    API->>DB: Verify Credentials\n"+
		"    DB-->>API: User Record\n"+
		"    API-->>FE: JWT Token\n"+
		"    FE-->>U: Redirect to Dashboard\n"+
		"```\n\n"+
		"### Key Points\n\n"+
		"- All requests go through the **API Gateway** for rate limiting\n"+
		"- Authentication uses **JWT tokens** with a 24h expiry\n"+
		"- Services communicate via `gRPC` internally\n", "")
}
