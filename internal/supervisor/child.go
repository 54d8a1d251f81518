package supervisor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/streamjson"
)

// child is the handle a process holds on its spawned agent CLI. Tests
// substitute a fake; production uses execChild.
type child interface {
	Initialize(ctx context.Context, timeout time.Duration) (*streamjson.InitializeResponseData, error)
	SendUserMessage(text string) error
	RespondToPermission(requestID string, result *streamjson.PermissionResult) error
	SetPermissionMode(ctx context.Context, mode string, timeout time.Duration) error
	Interrupt(ctx context.Context, timeout time.Duration) error
	Terminate()
	Kill()
}

// childSink receives everything a child emits. The process implements it
// by enqueueing onto its command channel, so child goroutines never touch
// process state directly.
type childSink interface {
	onChildMessage(msg *streamjson.Message)
	onChildRequest(requestID string, req *streamjson.ControlRequest)
	onChildStderr(line string)
	onChildExit(err error)
}

// spawnFunc starts a child for the given command. Swapped out in tests.
type spawnFunc func(cmd registry.Command, sink childSink, log *logger.Logger) (child, error)

// maxStderrLine bounds a single stderr line; agent CLIs occasionally dump
// whole stack traces on one line.
const maxStderrLine = 1 << 20

// execChild runs the agent CLI as an os/exec subprocess speaking
// stream-json over stdin/stdout.
type execChild struct {
	cmd    *exec.Cmd
	client *streamjson.Client
	cancel context.CancelFunc
	stop   sync.Once
}

func execSpawn(cmd registry.Command, sink childSink, log *logger.Logger) (child, error) {
	ec := exec.Command(cmd.Binary, cmd.Args...)
	ec.Dir = cmd.Dir
	ec.Env = append(os.Environ(), cmd.Env...)

	stdin, err := ec.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := ec.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := ec.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := ec.Start(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := streamjson.NewClient(stdin, stdout, log)
	client.SetMessageHandler(sink.onChildMessage)
	client.SetRequestHandler(sink.onChildRequest)
	client.Start(ctx)

	go readStderr(stderr, sink)
	go func() {
		// Wait also reaps the stdout pipe; the exit lands on the sink
		// after the last message has been handed off.
		err := ec.Wait()
		cancel()
		sink.onChildExit(err)
	}()

	return &execChild{cmd: ec, client: client, cancel: cancel}, nil
}

func readStderr(r io.Reader, sink childSink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStderrLine)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			sink.onChildStderr(line)
		}
	}
}

func (c *execChild) Initialize(ctx context.Context, timeout time.Duration) (*streamjson.InitializeResponseData, error) {
	return c.client.Initialize(ctx, timeout)
}

func (c *execChild) SendUserMessage(text string) error {
	return c.client.SendUserMessage(text)
}

func (c *execChild) RespondToPermission(requestID string, result *streamjson.PermissionResult) error {
	return c.client.RespondToPermission(requestID, result)
}

func (c *execChild) SetPermissionMode(ctx context.Context, mode string, timeout time.Duration) error {
	return c.client.SetPermissionMode(ctx, mode, timeout)
}

func (c *execChild) Interrupt(ctx context.Context, timeout time.Duration) error {
	return c.client.Interrupt(ctx, timeout)
}

// Terminate asks the child to exit; Kill follows if it does not.
func (c *execChild) Terminate() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (c *execChild) Kill() {
	c.stop.Do(func() {
		c.cancel()
		c.client.Stop()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	})
}
