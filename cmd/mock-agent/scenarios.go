package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/pkg/streamjson"
)

// Named scenarios with fixed timing so end-to-end tests can assert on
// ordering and latency without flaking on the random pacing.

const scenarioStep = 50 * time.Millisecond

func (a *agent) runScenario(ctx context.Context, name string) {
	switch name {
	case "simple-message":
		a.scenarioSimpleMessage(ctx)
	case "read-and-edit":
		a.scenarioReadAndEdit(ctx)
	case "permission-flow":
		a.scenarioPermissionFlow(ctx)
	case "error":
		a.scenarioError(ctx)
	case "subagent":
		a.scenarioSubagent(ctx)
	case "all-tools":
		a.scenarioAllTools(ctx)
	case "multi-turn":
		a.scenarioMultiTurn(ctx)
	default:
		a.out.Text("Unknown e2e scenario: "+name+". Available: simple-message, read-and-edit, permission-flow, error, subagent, all-tools, multi-turn", "")
	}
}

func step(ctx context.Context) bool { return sleep(ctx, scenarioStep) }

// scenarioSimpleMessage streams one text reply.
func (a *agent) scenarioSimpleMessage(ctx context.Context) {
	if !step(ctx) {
		return
	}
	a.out.Thinking("Processing the request...", "")
	if !step(ctx) {
		return
	}
	a.out.StreamedText(ctx, "This is a simple mock response for end-to-end testing.", "", step)
}

func (a *agent) scenarioReadAndEdit(ctx context.Context) {
	f := a.files.pick()
	if !step(ctx) {
		return
	}

	readID := nextToolID()
	a.out.ToolUse(readID, streamjson.ToolRead, map[string]any{"file_path": f.abs}, "")
	if !step(ctx) {
		return
	}
	a.out.ToolResult(readID, fileSnippet(f.abs, 20), "", false)
	if !step(ctx) {
		return
	}

	editID := nextToolID()
	oldStr, newStr := editFragment(f.abs)
	input := map[string]any{"file_path": f.abs, "old_string": oldStr, "new_string": newStr}
	a.out.ToolUse(editID, streamjson.ToolEdit, input, "")

	allowed := a.requestApproval(ctx, streamjson.ToolEdit, editID, input)
	if !step(ctx) {
		return
	}
	if allowed {
		a.out.ToolResult(editID, "File edited successfully: "+f.abs, "", false)
	} else {
		a.out.Text("Edit was denied.", "")
	}

	if !step(ctx) {
		return
	}
	a.out.Text("Read and edit scenario complete.", "")
}

func (a *agent) scenarioPermissionFlow(ctx context.Context) {
	if !step(ctx) {
		return
	}

	bashID := nextToolID()
	input := map[string]any{
		"command":     "echo 'testing permissions'",
		"description": "Test permission flow",
	}
	a.out.ToolUse(bashID, streamjson.ToolBash, input, "")

	allowed := a.requestApproval(ctx, streamjson.ToolBash, bashID, input)
	if !step(ctx) {
		return
	}
	if allowed {
		a.out.ToolResult(bashID, "testing permissions", "", false)
		a.out.Text("Permission was granted and the command executed.", "")
	} else {
		a.out.Text("Permission was denied.", "")
	}
}

func (a *agent) scenarioError(ctx context.Context) {
	started := time.Now()
	step(ctx)
	a.out.Text("About to encounter an error...", "")
	step(ctx)
	a.out.Result(started, true, "E2E test error: simulated failure")
}

func (a *agent) scenarioSubagent(ctx context.Context) {
	taskID := nextToolID()
	if !step(ctx) {
		return
	}
	a.out.ToolUse(taskID, streamjson.ToolTask, map[string]any{
		"description": "E2E subagent test",
		"prompt":      "Run the subagent scenario",
	}, "")
	if !step(ctx) {
		return
	}
	a.out.Text("Subagent working on the task...", taskID)
	if !step(ctx) {
		return
	}
	a.out.ToolResult(taskID, "E2E subagent completed", "", false)
	if !step(ctx) {
		return
	}
	a.out.Text("Subagent scenario complete.", "")
}

func (a *agent) scenarioAllTools(ctx context.Context) {
	seen := map[string]bool{}
	readFile := a.files.pick()
	seen[readFile.abs] = true
	grepFile := a.files.pickExcluding(seen)
	seen[grepFile.abs] = true
	editFile := a.files.pickExcluding(seen)

	if !step(ctx) {
		return
	}
	a.out.Thinking("Running all tools...", "")

	// Read
	if !step(ctx) {
		return
	}
	readID := nextToolID()
	a.out.ToolUse(readID, streamjson.ToolRead, map[string]any{"file_path": readFile.abs}, "")
	if !step(ctx) {
		return
	}
	a.out.ToolResult(readID, fileSnippet(readFile.abs, 20), "", false)

	// Grep
	if !step(ctx) {
		return
	}
	grepID := nextToolID()
	a.out.ToolUse(grepID, streamjson.ToolGrep, map[string]any{"pattern": "func ", "path": grepFile.abs}, "")
	if !step(ctx) {
		return
	}
	var results []string
	for i, p := range a.files.paths(3) {
		results = append(results, fmt.Sprintf("%s:%d: func found here", p, (i+1)*10))
	}
	a.out.ToolResult(grepID, strings.Join(results, "\n"), "", false)

	// Edit, with permission
	if !step(ctx) {
		return
	}
	editID := nextToolID()
	oldStr, newStr := editFragment(editFile.abs)
	editInput := map[string]any{"file_path": editFile.abs, "old_string": oldStr, "new_string": newStr}
	a.out.ToolUse(editID, streamjson.ToolEdit, editInput, "")
	if a.requestApproval(ctx, streamjson.ToolEdit, editID, editInput) {
		a.out.ToolResult(editID, "File edited successfully: "+editFile.abs, "", false)
	} else {
		a.out.Text("Edit denied.", "")
	}

	// Bash, with permission
	if !step(ctx) {
		return
	}
	bashID := nextToolID()
	bashInput := map[string]any{"command": "echo done", "description": "Print done"}
	a.out.ToolUse(bashID, streamjson.ToolBash, bashInput, "")
	if a.requestApproval(ctx, streamjson.ToolBash, bashID, bashInput) {
		a.out.ToolResult(bashID, "done", "", false)
	} else {
		a.out.Text("Bash denied.", "")
	}

	// WebFetch
	if !step(ctx) {
		return
	}
	webID := nextToolID()
	a.out.ToolUse(webID, streamjson.ToolWebFetch, map[string]any{"url": "https://example.com", "prompt": "Summarize"}, "")
	if !step(ctx) {
		return
	}
	a.out.ToolResult(webID, "Example page content", "", false)

	if !step(ctx) {
		return
	}
	a.out.Text("All tools scenario complete.", "")
}

func (a *agent) scenarioMultiTurn(ctx context.Context) {
	if !step(ctx) {
		return
	}
	a.out.Text("Multi-turn response ready. Send another message to continue.", "")
}
