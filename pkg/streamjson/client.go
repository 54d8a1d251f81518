package streamjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// RequestHandler handles incoming control requests from the agent CLI.
// It receives the request ID and control request, and should call SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler handles streaming messages from the agent CLI.
type MessageHandler func(msg *Message)

// pendingRequest tracks a control request waiting for a response.
type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// Client handles agent CLI communication over stdin/stdout streams.
// It reads streaming JSON from stdout and writes control messages to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	// Handlers for incoming messages
	requestHandler RequestHandler
	messageHandler MessageHandler

	// Pending control requests (requests we sent, waiting for responses)
	pendingRequests   map[string]*pendingRequest
	pendingRequestsMu sync.Mutex

	// Writes to stdin are serialized so concurrent control traffic cannot
	// interleave inside a JSON line.
	stdinMu sync.Mutex

	// Synchronization
	mu   sync.RWMutex
	done chan struct{}
}

// NewClient creates a new agent CLI client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "streamjson-client")),
		done:            make(chan struct{}),
		pendingRequests: make(map[string]*pendingRequest),
	}
}

// SetRequestHandler sets the handler for incoming control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for streaming messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop is ready.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop stops the client and closes the done channel.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		// Already closed
	default:
		close(c.done)
	}
}

// Initialize sends the initialize control request to the agent and waits for
// the response. This must be called in streaming mode (input-format=stream-json)
// to get slash commands.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResponseData, error) {
	body := SDKControlRequestBody{
		Subtype: SubtypeInitialize,
		Hooks:   nil, // SDK hooks are not used; permissions go through can_use_tool
	}
	resp, err := c.roundTrip(ctx, body, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Response != nil {
		c.logger.Info("initialize response received",
			zap.Int("commands", len(resp.Response.Commands)),
			zap.Int("agents", len(resp.Response.Agents)))
	}
	return resp.Response, nil
}

// Interrupt asks the agent to stop the in-flight operation and waits for the
// acknowledgement.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	_, err := c.roundTrip(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt}, timeout)
	return err
}

// SetPermissionMode switches the agent's permission mode and waits for the
// acknowledgement.
func (c *Client) SetPermissionMode(ctx context.Context, mode string, timeout time.Duration) error {
	body := SDKControlRequestBody{
		Subtype: SubtypeSetPermissionMode,
		Mode:    mode,
	}
	_, err := c.roundTrip(ctx, body, timeout)
	return err
}

// roundTrip sends a control request and blocks until the matching
// control_response arrives, the timeout fires, or the context is cancelled.
func (c *Client) roundTrip(ctx context.Context, body SDKControlRequestBody, timeout time.Duration) (*IncomingControlResponse, error) {
	requestID := uuid.New().String()

	pending := &pendingRequest{
		ch: make(chan *IncomingControlResponse, 1),
	}

	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()

	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}

	c.logger.Debug("sending control request",
		zap.String("request_id", requestID),
		zap.String("subtype", body.Subtype))

	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", body.Subtype, err)
	}

	select {
	case <-ctx.Done():
		c.logger.Warn("control request cancelled by context", zap.String("subtype", body.Subtype))
		return nil, ctx.Err()
	case <-time.After(timeout):
		c.logger.Warn("control request timed out",
			zap.String("subtype", body.Subtype),
			zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("%s request timed out after %v", body.Subtype, timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
}

// SendControlRequest sends a raw control request to the agent CLI without
// waiting for a response.
func (c *Client) SendControlRequest(req *SDKControlRequest) error {
	return c.send(req)
}

// SendControlResponse sends a control response to the agent CLI.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

// RespondToPermission answers a can_use_tool control request.
func (c *Client) RespondToPermission(requestID string, result *PermissionResult) error {
	return c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: "success",
			Result:  result,
		},
	})
}

// SendUserMessage sends a user message (prompt) to the agent CLI.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.stdinMu.Lock()
	_, err = c.stdin.Write(data)
	c.stdinMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("streamjson: sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	// Signal that we're ready to read
	c.logger.Debug("streamjson: read loop starting")
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err), zap.String("line", string(line)))
		return
	}

	c.logger.Debug("streamjson: parsed message",
		zap.String("type", msg.Type),
		zap.String("request_id", msg.RequestID))

	// Handle control requests (from the agent to us, e.g., permission requests)
	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}

	// Handle control responses (from the agent back to us, e.g., initialize response)
	// Note: request_id is inside the response object, not at the message level.
	if msg.Type == MessageTypeControlResponse && msg.Response != nil {
		c.handleControlResponse(msg.Response)
		return
	}

	// Forward other messages to the message handler
	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		// Store raw line for passthrough
		msg.RawContent = append(json.RawMessage(nil), line...)
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
	} else {
		c.logger.Warn("received control request but no handler registered",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		// Auto-deny if no handler
		if err := c.SendControlResponse(&ControlResponseMessage{
			Type:      MessageTypeControlResponse,
			RequestID: requestID,
			Response: &ControlResponse{
				Subtype: "error",
				Error:   "no handler registered",
			},
		}); err != nil {
			c.logger.Warn("failed to send error response", zap.Error(err))
		}
	}
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	requestID := resp.RequestID

	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[requestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		c.logger.Warn("received control response for unknown request",
			zap.String("request_id", requestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	c.logger.Debug("received control response",
		zap.String("request_id", requestID),
		zap.String("subtype", resp.Subtype))

	// Send response to waiting goroutine
	select {
	case pending.ch <- resp:
	default:
		c.logger.Warn("pending request channel full", zap.String("request_id", requestID))
	}
}
