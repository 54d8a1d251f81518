// Package supervisor owns the agent CLI subprocesses. Each Process wraps
// one child speaking stream-json over stdio; the Supervisor maps sessions
// to processes and enforces single ownership.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/streamjson"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// UserMessage is one inbound message bound for the child.
type UserMessage struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// Mode, when set, switches the permission mode before the message is
	// dispatched.
	Mode string `json:"mode,omitempty"`
	// TempID is a client-side correlation id echoed back on the ack.
	TempID string `json:"tempId,omitempty"`
}

// Attachment references an uploaded file included with a message.
type Attachment struct {
	Path     string `json:"path"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// HoldState is the reply to SetHold.
type HoldState struct {
	State     string     `json:"state"`
	HoldSince *time.Time `json:"holdSince,omitempty"`
}

type cmdKind int

const (
	cmdQueue cmdKind = iota
	cmdRespond
	cmdSetMode
	cmdSetHold
	cmdAbort
	cmdInterrupt
	cmdEvict
	cmdAccumulate
	cmdChildMessage
	cmdChildRequest
	cmdChildStderr
	cmdChildExit
)

// command is one unit of work for the process worker. All state mutation
// funnels through the command channel so transitions are totally ordered
// no matter how many goroutines are poking at the process.
type command struct {
	kind cmdKind

	msg       *UserMessage
	requestID string
	response  string
	answers   map[string]string
	feedback  string
	mode      string
	hold      bool
	reason    string
	messageID string
	delta     string
	child     *streamjson.Message
	request   *streamjson.ControlRequest
	stderr    string
	exitErr   error

	reply chan result
}

type result struct {
	position    int
	mode        string
	modeVersion int64
	hold        HoldState
	interrupted bool
	supported   bool
	err         error
}

const (
	commandBuffer  = 256
	controlTimeout = 10 * time.Second
)

type processConfig struct {
	id             string
	sessionID      string
	projectID      string
	provider       *registry.Provider
	model          string
	permissionMode string
	workingDir     string
	sessionDir     string
	maxHistory     int
	spawn          spawnFunc
	logger         *logger.Logger
}

// Process supervises one agent CLI child. Public methods may be called
// from any goroutine; they enqueue commands for the single worker.
type Process struct {
	id         string
	projectID  string
	provider   *registry.Provider
	workingDir string
	sessionDir string
	spawn      spawnFunc
	logger     *logger.Logger

	commands chan command
	done     chan struct{}

	// Snapshot state. The worker writes under mu; readers take RLock.
	mu             sync.RWMutex
	sessionID      string
	model          string
	state          string
	permissionMode string
	modeVersion    int64
	pending        *InputRequest
	holdSince      time.Time
	idleSince      time.Time
	queueDepth     int
	terminalReason string
	history        *historyRing
	stream         *streamAccumulator

	subMu  sync.Mutex
	subs   map[int]func(Event)
	subSeq int

	// Worker-owned; never touched off the worker goroutine once started.
	child      child
	childAlive bool
	queue      []*UserMessage
}

func newProcess(cfg processConfig) *Process {
	if cfg.spawn == nil {
		cfg.spawn = execSpawn
	}
	if cfg.maxHistory <= 0 {
		cfg.maxHistory = 10000
	}
	if cfg.permissionMode == "" {
		cfg.permissionMode = "default"
	}
	return &Process{
		id:             cfg.id,
		projectID:      cfg.projectID,
		provider:       cfg.provider,
		workingDir:     cfg.workingDir,
		sessionDir:     cfg.sessionDir,
		spawn:          cfg.spawn,
		logger:         cfg.logger.WithProcessID(cfg.id),
		commands:       make(chan command, commandBuffer),
		done:           make(chan struct{}),
		sessionID:      cfg.sessionID,
		model:          cfg.model,
		state:          StateStarting,
		permissionMode: cfg.permissionMode,
		modeVersion:    1,
		history:        newHistoryRing(cfg.maxHistory),
		stream:         newStreamAccumulator(),
		subs:           make(map[int]func(Event)),
	}
}

// start spawns the child and the worker goroutine.
func (p *Process) start(resume bool) error {
	if err := p.spawnChild(resume); err != nil {
		return wire.Errf(wire.CodeSpawnFailed, "spawn %s: %v", p.provider.ID, err)
	}
	go p.run()
	p.logger.Info("process started",
		zap.String("session_id", p.SessionID()),
		zap.String("provider", p.provider.ID),
		zap.Bool("resume", resume))
	return nil
}

func (p *Process) spawnChild(resume bool) error {
	cmd := p.provider.BuildCommand(registry.CommandOptions{
		SessionID:      p.SessionID(),
		SessionDir:     p.sessionDir,
		WorkingDir:     p.workingDir,
		Resume:         resume,
		PermissionMode: p.PermissionMode(),
		Model:          p.Model(),
	})
	ch, err := p.spawn(cmd, p, p.logger)
	if err != nil {
		return err
	}
	// The worker is the only writer, but shutdown reads the handle from
	// another goroutine.
	p.mu.Lock()
	p.child = ch
	p.mu.Unlock()
	p.childAlive = true
	p.initializeChild(ch)
	return nil
}

// initializeChild asks a fresh child for its command inventory. Runs off
// the worker like the mode push; a CLI that never answers times out at
// debug level.
func (p *Process) initializeChild(ch child) {
	log := p.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		info, err := ch.Initialize(ctx, controlTimeout)
		if err != nil {
			log.Debug("initialize not acknowledged", zap.Error(err))
			return
		}
		if info != nil {
			log.Debug("child initialized",
				zap.Int("commands", len(info.Commands)),
				zap.Int("agents", len(info.Agents)))
		}
	}()
}

func (p *Process) childHandle() child {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.child
}

func (p *Process) run() {
	for cmd := range p.commands {
		p.handle(cmd)
		if p.State() == StateTerminated {
			close(p.done)
			return
		}
	}
}

// exec submits a command and waits for the worker's answer. Once the
// worker has exited every caller gets ALREADY_TERMINATED.
func (p *Process) exec(cmd command) result {
	cmd.reply = make(chan result, 1)
	select {
	case p.commands <- cmd:
	case <-p.done:
		return result{err: p.terminatedErr()}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-p.done:
		select {
		case res := <-cmd.reply:
			return res
		default:
			return result{err: p.terminatedErr()}
		}
	}
}

// post submits a command without waiting. Used by child callbacks.
func (p *Process) post(cmd command) {
	select {
	case p.commands <- cmd:
	case <-p.done:
	}
}

func (p *Process) terminatedErr() error {
	return wire.Errf(wire.CodeAlreadyTerminated, "process %s already terminated", p.id)
}

// QueueMessage enqueues a user message and returns its 1-based queue
// position at enqueue time.
func (p *Process) QueueMessage(msg *UserMessage) (int, error) {
	res := p.exec(command{kind: cmdQueue, msg: msg})
	return res.position, res.err
}

// RespondToInput answers the pending input request. Only the first call
// naming the live request id wins.
func (p *Process) RespondToInput(requestID, response string, answers map[string]string, feedback string) error {
	res := p.exec(command{
		kind:      cmdRespond,
		requestID: requestID,
		response:  response,
		answers:   answers,
		feedback:  feedback,
	})
	return res.err
}

// SetPermissionMode switches the permission mode and returns the mode with
// its new version.
func (p *Process) SetPermissionMode(mode string) (string, int64, error) {
	res := p.exec(command{kind: cmdSetMode, mode: mode})
	return res.mode, res.modeVersion, res.err
}

// SetHold pauses or resumes dispatch of queued messages.
func (p *Process) SetHold(hold bool) (HoldState, error) {
	res := p.exec(command{kind: cmdSetHold, hold: hold})
	return res.hold, res.err
}

// Abort kills the child immediately. Aborting an already terminated
// process is a no-op.
func (p *Process) Abort() error {
	res := p.exec(command{kind: cmdAbort, reason: ReasonAborted})
	if res.err != nil && wire.ErrorCode(res.err) == wire.CodeAlreadyTerminated {
		return nil
	}
	return res.err
}

// Evict terminates the process if it is still idle. A process that picked
// up work between the supervisor's scan and this command is left alone.
func (p *Process) Evict() {
	p.exec(command{kind: cmdEvict})
}

// Interrupt cancels the running turn when the provider supports it. The
// returned flags say whether an interrupt was sent and whether the
// provider supports interrupts at all.
func (p *Process) Interrupt() (bool, bool, error) {
	res := p.exec(command{kind: cmdInterrupt})
	return res.interrupted, res.supported, res.err
}

// AccumulateStreamingText folds a text delta into the in-flight stream
// buffer, adopting messageID the way a message_start event would. Deltas
// go through the worker, so they interleave with the child's own stream
// events in arrival order.
func (p *Process) AccumulateStreamingText(messageID, delta string) {
	p.post(command{kind: cmdAccumulate, messageID: messageID, delta: delta})
}

// Subscribe registers a fan-out handler and returns its remover.
// Handlers run synchronously on the worker goroutine and must only
// enqueue; anything slow or re-entrant deadlocks the process.
func (p *Process) Subscribe(fn func(Event)) func() {
	p.subMu.Lock()
	p.subSeq++
	id := p.subSeq
	p.subs[id] = fn
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

// childSink implementation. Child goroutines hand everything to the
// worker; a child that keeps emitting after termination posts into the
// closed-done select and is dropped.

func (p *Process) onChildMessage(msg *streamjson.Message) {
	p.post(command{kind: cmdChildMessage, child: msg})
}

func (p *Process) onChildRequest(requestID string, req *streamjson.ControlRequest) {
	p.post(command{kind: cmdChildRequest, requestID: requestID, request: req})
}

func (p *Process) onChildStderr(line string) {
	p.post(command{kind: cmdChildStderr, stderr: line})
}

func (p *Process) onChildExit(err error) {
	p.post(command{kind: cmdChildExit, exitErr: err})
}

func (p *Process) handle(cmd command) {
	switch cmd.kind {
	case cmdQueue:
		p.handleQueue(cmd)
	case cmdRespond:
		p.handleRespond(cmd)
	case cmdSetMode:
		p.handleSetMode(cmd)
	case cmdSetHold:
		p.handleSetHold(cmd)
	case cmdAbort:
		p.handleAbort(cmd)
	case cmdEvict:
		p.handleEvict(cmd)
	case cmdInterrupt:
		p.handleInterrupt(cmd)
	case cmdAccumulate:
		p.handleAccumulate(cmd)
	case cmdChildMessage:
		p.handleChildMessage(cmd.child)
	case cmdChildRequest:
		p.handleChildRequest(cmd.requestID, cmd.request)
	case cmdChildStderr:
		p.handleStderr(cmd.stderr)
	case cmdChildExit:
		p.handleChildExit(cmd.exitErr)
	}
}

func (p *Process) handleQueue(cmd command) {
	if p.State() == StateTerminated {
		cmd.reply <- result{err: p.terminatedErr()}
		return
	}
	p.queue = append(p.queue, cmd.msg)
	p.setQueueDepth(len(p.queue))
	cmd.reply <- result{position: len(p.queue)}
	p.dispatchQueued()
}

// dispatchQueued forwards queued messages to the child whenever the
// process can accept work. Held and input-blocked processes keep their
// queue intact.
func (p *Process) dispatchQueued() {
	switch p.State() {
	case StateHold, StateWaitingInput, StateTerminated:
		return
	}
	if len(p.queue) == 0 {
		return
	}
	if !p.childAlive {
		// The previous child exited while idle; a queued message revives
		// the session by resuming it in a fresh child.
		if err := p.spawnChild(true); err != nil {
			p.terminate(ReasonCrash, wire.CodeSpawnFailed, fmt.Sprintf("respawn %s: %v", p.provider.ID, err), true)
			return
		}
	}
	for len(p.queue) > 0 {
		msg := p.queue[0]
		if msg.Mode != "" && msg.Mode != p.PermissionMode() {
			p.applyMode(msg.Mode)
		}
		if err := p.child.SendUserMessage(renderMessage(msg)); err != nil {
			p.terminate(ReasonStdioError, wire.CodeStdioError, fmt.Sprintf("write to child: %v", err), true)
			return
		}
		p.queue = p.queue[1:]
	}
	p.setQueueDepth(0)
	if p.State() == StateIdle {
		p.transition(StateRunning)
	}
}

// renderMessage flattens a message and its attachments into the single
// text prompt the agent CLIs accept. Attachments become @-prefixed path
// mentions, which the CLIs resolve themselves.
func renderMessage(msg *UserMessage) string {
	if len(msg.Attachments) == 0 {
		return msg.Text
	}
	var b strings.Builder
	b.WriteString(msg.Text)
	for _, att := range msg.Attachments {
		fmt.Fprintf(&b, "\n@%s", att.Path)
	}
	return b.String()
}

func (p *Process) handleRespond(cmd command) {
	if p.State() == StateTerminated {
		cmd.reply <- result{err: p.terminatedErr()}
		return
	}
	pending := p.PendingRequest()
	if pending == nil {
		cmd.reply <- result{err: wire.Errf(wire.CodeNoPendingRequest, "process %s has no pending input request", p.id)}
		return
	}
	if pending.ID != cmd.requestID {
		cmd.reply <- result{err: wire.Errf(wire.CodeRequestIDMismatch, "pending request is %s, not %s", pending.ID, cmd.requestID)}
		return
	}

	res := permissionResult(cmd.response, cmd.answers, cmd.feedback)
	if res == nil {
		cmd.reply <- result{err: wire.Errf(wire.CodeBadRequest, "unknown response %q", cmd.response)}
		return
	}

	// Clear before writing so no failure path leaves a stale request.
	p.clearPending()
	if err := p.child.RespondToPermission(pending.ID, res); err != nil {
		cmd.reply <- result{err: wire.Errf(wire.CodeStdioError, "write to child: %v", err)}
		p.terminate(ReasonStdioError, wire.CodeStdioError, fmt.Sprintf("write to child: %v", err), true)
		return
	}
	if cmd.response == ResponseApproveAcceptEdits {
		p.applyMode(ModeAcceptEdits)
	}
	cmd.reply <- result{}
	p.transition(StateRunning)
	p.dispatchQueued()
}

func permissionResult(response string, answers map[string]string, feedback string) *streamjson.PermissionResult {
	switch response {
	case ResponseApprove, ResponseApproveAcceptEdits:
		res := &streamjson.PermissionResult{Behavior: streamjson.BehaviorAllow}
		if len(answers) > 0 {
			res.UpdatedInput = map[string]any{"answers": answers}
		}
		return res
	case ResponseDeny:
		return &streamjson.PermissionResult{Behavior: streamjson.BehaviorDeny, Message: feedback}
	default:
		return nil
	}
}

func (p *Process) handleSetMode(cmd command) {
	if p.State() == StateTerminated {
		cmd.reply <- result{err: p.terminatedErr()}
		return
	}
	mode, version := p.applyMode(cmd.mode)
	cmd.reply <- result{mode: mode, modeVersion: version}
}

// applyMode stamps a new mode version and mirrors the mode into the child.
func (p *Process) applyMode(mode string) (string, int64) {
	p.mu.Lock()
	p.permissionMode = mode
	p.modeVersion++
	version := p.modeVersion
	p.mu.Unlock()

	p.emit(Event{Type: EventModeChange, Mode: mode, ModeVersion: version})
	p.pushModeToChild(mode)
	return mode, version
}

// pushModeToChild runs the control round-trip off the worker loop; a slow
// child must not stall command processing. The ack is advisory.
func (p *Process) pushModeToChild(mode string) {
	if !p.childAlive || p.child == nil {
		return
	}
	ch := p.child
	log := p.logger
	wireMode := p.provider.ModeName(mode)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		if err := ch.SetPermissionMode(ctx, wireMode, controlTimeout); err != nil {
			log.Warn("permission mode not acknowledged", zap.String("mode", mode), zap.Error(err))
		}
	}()
}

func (p *Process) handleSetHold(cmd command) {
	state := p.State()
	if cmd.hold {
		if state != StateRunning {
			cmd.reply <- result{err: wire.Errf(wire.CodeNotActive, "process %s is %s, not running", p.id, state)}
			return
		}
		now := time.Now().UTC()
		p.mu.Lock()
		p.holdSince = now
		p.mu.Unlock()
		p.transition(StateHold)
		cmd.reply <- result{hold: HoldState{State: StateHold, HoldSince: &now}}
		return
	}
	if state != StateHold {
		cmd.reply <- result{err: wire.Errf(wire.CodeNotActive, "process %s is not on hold", p.id)}
		return
	}
	p.mu.Lock()
	p.holdSince = time.Time{}
	p.mu.Unlock()
	p.transition(StateRunning)
	cmd.reply <- result{hold: HoldState{State: StateRunning}}
	p.dispatchQueued()
}

func (p *Process) handleAbort(cmd command) {
	if p.State() != StateTerminated {
		p.terminate(cmd.reason, "", "", false)
	}
	cmd.reply <- result{}
}

func (p *Process) handleEvict(cmd command) {
	if p.State() == StateIdle {
		p.terminate(ReasonIdleEvicted, "", "", false)
	}
	cmd.reply <- result{}
}

func (p *Process) handleInterrupt(cmd command) {
	if p.State() == StateTerminated {
		cmd.reply <- result{err: p.terminatedErr()}
		return
	}
	if !p.provider.Capabilities.SupportsInterrupt {
		cmd.reply <- result{supported: false}
		return
	}
	if !p.childAlive || p.child == nil {
		cmd.reply <- result{supported: true}
		return
	}
	ch := p.child
	log := p.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		if err := ch.Interrupt(ctx, controlTimeout); err != nil {
			log.Warn("interrupt not acknowledged", zap.Error(err))
		}
	}()
	cmd.reply <- result{interrupted: true, supported: true}
}

func (p *Process) handleChildMessage(msg *streamjson.Message) {
	if msg == nil {
		return
	}
	if p.State() == StateStarting {
		p.transition(StateRunning)
	}
	// Replays arrive when a session is resumed; the transcript file
	// already holds them and clients read it over REST, so forwarding
	// them again would double every message.
	if msg.IsReplay {
		return
	}

	switch msg.Type {
	case streamjson.MessageTypeSystem:
		p.handleSystemMessage(msg)
	case streamjson.MessageTypeStreamEvent:
		offset := p.handleStreamEvent(msg)
		// Stream events are transient: subscribers get them live, the
		// accumulator covers late joiners, history keeps only the
		// authoritative messages.
		m := liveMessage(msg)
		p.emit(Event{Type: EventMessage, Message: &m, Stream: msg.Event, StreamOffset: offset})
	case streamjson.MessageTypeResult:
		m := liveMessage(msg)
		p.appendHistory(m)
		p.emit(Event{Type: EventMessage, Message: &m})
		p.turnComplete()
	default:
		m := liveMessage(msg)
		if msg.Type == streamjson.MessageTypeAssistant {
			p.resolveStreaming()
		}
		p.appendHistory(m)
		p.emit(Event{Type: EventMessage, Message: &m})
	}
}

func (p *Process) handleSystemMessage(msg *streamjson.Message) {
	switch msg.Subtype {
	case streamjson.SubtypeInit:
		if msg.Model != "" {
			p.mu.Lock()
			p.model = msg.Model
			p.mu.Unlock()
		}
		if sid := msg.SessionID; sid != "" && sid != p.SessionID() {
			old := p.SessionID()
			p.mu.Lock()
			p.sessionID = sid
			p.mu.Unlock()
			p.logger.Info("child reassigned session id",
				zap.String("old", old), zap.String("new", sid))
			p.emit(Event{Type: EventSessionIDChanged, SessionID: old, NewSessionID: sid})
		}
	case streamjson.SubtypeLoginRequired:
		p.emit(Event{Type: EventAgentLogin})
	}
	m := liveMessage(msg)
	p.appendHistory(m)
	p.emit(Event{Type: EventMessage, Message: &m})
}

// handleStreamEvent applies one stream event to the accumulator and
// returns the accumulator offset afterwards, for stamping on the fan-out
// event. Appends and StreamingContent snapshots share p.mu, so a delta is
// never split across a snapshot boundary.
func (p *Process) handleStreamEvent(msg *streamjson.Message) int64 {
	ev := msg.Event
	if ev == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Type {
	case streamjson.EventMessageStart:
		id := ""
		if ev.Message != nil {
			id = ev.Message.ID
		}
		p.stream.adoptID(id)
	case streamjson.EventContentBlockDelta:
		if ev.Delta != nil && ev.Delta.Type == streamjson.DeltaTypeText {
			p.stream.appendText(ev.Index, ev.Delta.Text)
		}
	case streamjson.EventMessageStop:
		p.stream.stop()
	}
	return p.stream.offset
}

// handleAccumulate is the out-of-band twin of handleStreamEvent. External
// deltas carry no block index and land in block zero; an empty id leaves
// whatever id the stream already has.
func (p *Process) handleAccumulate(cmd command) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cmd.messageID != "" {
		p.stream.adoptID(cmd.messageID)
	}
	if cmd.delta != "" {
		p.stream.appendText(0, cmd.delta)
	}
}

// resolveStreaming drops the accumulator once the stream it buffered has
// been superseded by the authoritative assistant message. A stream still
// in flight is left alone.
func (p *Process) resolveStreaming() {
	p.mu.Lock()
	if !p.stream.streaming {
		p.stream.reset()
	}
	p.mu.Unlock()
}

func (p *Process) handleChildRequest(requestID string, req *streamjson.ControlRequest) {
	if req == nil || req.Subtype != streamjson.SubtypeCanUseTool {
		return
	}
	if p.PendingRequest() != nil {
		// The CLI should never stack approvals; refuse the newcomer so
		// the earlier request stays answerable.
		_ = p.child.RespondToPermission(requestID, &streamjson.PermissionResult{
			Behavior: streamjson.BehaviorDeny,
			Message:  "another input request is already pending",
		})
		return
	}

	reqType := RequestToolApproval
	if strings.EqualFold(req.ToolName, "AskUserQuestion") {
		reqType = RequestQuestion
	}
	ir := &InputRequest{
		ID:        requestID,
		Type:      reqType,
		ToolName:  req.ToolName,
		ToolUseID: req.ToolUseID,
		Input:     req.Input,
		CreatedAt: time.Now().UTC(),
	}
	p.mu.Lock()
	p.pending = ir
	p.mu.Unlock()
	p.transition(StateWaitingInput)
}

func (p *Process) handleStderr(line string) {
	p.logger.Debug("child stderr", zap.String("line", line))
	p.emit(Event{Type: EventError, ErrorText: line})
}

func (p *Process) handleChildExit(err error) {
	p.childAlive = false
	switch p.State() {
	case StateTerminated:
		return
	case StateIdle:
		if err == nil {
			// A clean exit while idle keeps the session resumable; the
			// next queued message spawns a fresh child.
			return
		}
	}
	if err != nil {
		p.terminate(ReasonCrash, wire.CodeChildExit, fmt.Sprintf("child crashed: %v", err), true)
		return
	}
	p.terminate(ReasonExited, wire.CodeChildExit, "child exited", false)
}

// turnComplete runs after a result message closes the child's turn.
func (p *Process) turnComplete() {
	if len(p.queue) > 0 {
		p.dispatchQueued()
		return
	}
	if p.State() == StateRunning {
		p.mu.Lock()
		p.idleSince = time.Now().UTC()
		p.mu.Unlock()
		p.transition(StateIdle)
	}
}

// terminate is the single exit path. Subscribers see any final error, the
// terminated state change, then complete; the pending input request never
// survives it.
func (p *Process) terminate(reason, code, text string, emitErr bool) {
	p.denyPending("process terminated")
	p.queue = nil
	p.setQueueDepth(0)

	p.mu.Lock()
	p.terminalReason = reason
	p.mu.Unlock()

	if emitErr && text != "" {
		p.emit(Event{Type: EventError, Code: code, ErrorText: text})
	}
	if p.child != nil {
		p.child.Kill()
		p.childAlive = false
	}
	p.transition(StateTerminated)
	p.emit(Event{Type: EventComplete, Reason: reason})
	p.logger.Info("process terminated", zap.String("reason", reason))
}

// denyPending synthesizes a deny so the child is not left blocked on an
// approval nobody can answer anymore.
func (p *Process) denyPending(message string) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	if pending == nil || p.child == nil || !p.childAlive {
		return
	}
	_ = p.child.RespondToPermission(pending.ID, &streamjson.PermissionResult{
		Behavior: streamjson.BehaviorDeny,
		Message:  message,
	})
}

func (p *Process) clearPending() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

// transition moves the state machine and fans out the change. Entering
// waiting-input carries the pending request so subscribers can render the
// approval prompt without a second read.
func (p *Process) transition(state string) {
	p.mu.Lock()
	if p.state == state {
		p.mu.Unlock()
		return
	}
	p.state = state
	var req *InputRequest
	if state == StateWaitingInput {
		req = p.pending
	}
	p.mu.Unlock()

	p.emit(Event{Type: EventStateChange, State: state, Request: req})
}

// emit fans an event out to subscribers synchronously, preserving the
// worker's transition order.
func (p *Process) emit(ev Event) {
	ev.ProcessID = p.id
	if ev.SessionID == "" {
		ev.SessionID = p.SessionID()
	}
	p.subMu.Lock()
	for _, fn := range p.subs {
		fn(ev)
	}
	p.subMu.Unlock()
}

func (p *Process) appendHistory(m transcript.Message) {
	p.mu.Lock()
	p.history.append(m)
	p.mu.Unlock()
}

func (p *Process) setQueueDepth(n int) {
	p.mu.Lock()
	p.queueDepth = n
	p.mu.Unlock()
}

// liveMessage projects a child stdout line into the client-facing message
// shape. The raw line goes through the transcript entry decoder so unknown
// fields survive the trip.
func liveMessage(msg *streamjson.Message) transcript.Message {
	var e transcript.Entry
	if len(msg.RawContent) > 0 {
		_ = e.UnmarshalJSON(msg.RawContent)
	}
	if e.UUID == "" {
		e.UUID = msg.UUID
	}
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
	if e.Type == "" {
		e.Type = msg.Type
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m := e.ToMessage()
	m.Source = transcript.SourceLive
	return m
}

// Accessors. All return snapshots safe to use off the worker goroutine.

func (p *Process) ID() string        { return p.id }
func (p *Process) ProjectID() string { return p.projectID }

// Provider returns the registry entry this process was spawned from.
func (p *Process) Provider() *registry.Provider { return p.provider }

func (p *Process) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID
}

func (p *Process) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *Process) State() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Process) PermissionMode() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.permissionMode
}

func (p *Process) ModeVersion() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modeVersion
}

// PendingRequest returns the input request the child is blocked on, or nil.
func (p *Process) PendingRequest() *InputRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pending
}

func (p *Process) QueueDepth() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queueDepth
}

func (p *Process) HoldSince() *time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.holdSince.IsZero() {
		return nil
	}
	t := p.holdSince
	return &t
}

// IdleSince reports when the process last went idle; zero when it never has.
func (p *Process) IdleSince() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.idleSince
}

func (p *Process) TerminalReason() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.terminalReason
}

// MessageHistory returns the retained live messages oldest-first.
func (p *Process) MessageHistory() []transcript.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.history.snapshot()
}

// StreamingContent snapshots in-flight assistant text, or nil when nothing
// has streamed since the last authoritative message.
func (p *Process) StreamingContent() *StreamingContent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stream.empty() {
		return nil
	}
	return &StreamingContent{
		MessageID: p.stream.messageID,
		Text:      p.stream.text(),
		Offset:    p.stream.offset,
	}
}

// Done is closed when the worker exits; Shutdown waits on it.
func (p *Process) Done() <-chan struct{} { return p.done }

// shutdown asks the child to exit and escalates to a kill when the
// context gives up first.
func (p *Process) shutdown(ctx context.Context) {
	if p.State() == StateTerminated {
		return
	}
	if ch := p.childHandle(); ch != nil {
		ch.Terminate()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		_ = p.Abort()
	}
}
