package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/pkg/wire"

	"github.com/agentdeck/agentdeck/internal/supervisor"
)

type startSessionRequest struct {
	Message        string                  `json:"message"`
	Attachments    []supervisor.Attachment `json:"attachments,omitempty"`
	TempID         string                  `json:"tempId,omitempty"`
	Provider       string                  `json:"provider,omitempty"`
	Model          string                  `json:"model,omitempty"`
	PermissionMode string                  `json:"permissionMode,omitempty"`
}

// userMessage builds the initial message, or nil when the request carries
// neither text nor attachments.
func (r *startSessionRequest) userMessage() *supervisor.UserMessage {
	if r.Message == "" && len(r.Attachments) == 0 {
		return nil
	}
	return &supervisor.UserMessage{
		Text:        r.Message,
		Attachments: r.Attachments,
		TempID:      r.TempID,
	}
}

func (r *startSessionRequest) startOptions() supervisor.StartOptions {
	return supervisor.StartOptions{
		Provider:       r.Provider,
		Model:          r.Model,
		PermissionMode: r.PermissionMode,
	}
}

// startSession spawns a fresh agent under the project. Without a message it
// only reserves the session id; the client sends the first message later,
// typically after uploads finish.
func (h *Handlers) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, "invalid payload: "+err.Error())
		return
	}
	if req.PermissionMode != "" && !validMode(req.PermissionMode) {
		h.badRequest(c, "unknown permission mode "+req.PermissionMode)
		return
	}

	msg := req.userMessage()
	if msg == nil {
		sess, err := h.sessions.CreateSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"sessionId": sess.SessionID})
		return
	}

	proj, err := h.scanner.GetProject(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	p, err := h.pool.StartSession(proj, msg, req.startOptions())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": p.SessionID(), "processId": p.ID()})
}

// resumeSession routes a message into the session's owner, spawning a
// resumed child when nobody owns it. Resuming a session this server has
// never seen is accepted here; the child reports the failure through the
// event stream.
func (h *Handlers) resumeSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, "invalid payload: "+err.Error())
		return
	}
	if req.PermissionMode != "" && !validMode(req.PermissionMode) {
		h.badRequest(c, "unknown permission mode "+req.PermissionMode)
		return
	}

	proj, err := h.scanner.GetProject(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	p, attached, err := h.pool.ResumeSession(proj, c.Param("sid"), req.userMessage(), req.startOptions())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": p.SessionID(),
		"processId": p.ID(),
		"attached":  attached,
	})
}

// queueMessage enqueues a message on the session's live process. The reply
// reports the 1-based position the message took in the queue at enqueue
// time; the process may still dispatch it in the same turn.
func (h *Handlers) queueMessage(c *gin.Context) {
	var msg supervisor.UserMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		h.badRequest(c, "invalid payload: "+err.Error())
		return
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		h.badRequest(c, "message text or attachments required")
		return
	}
	if msg.Mode != "" && !validMode(msg.Mode) {
		h.badRequest(c, "unknown permission mode "+msg.Mode)
		return
	}

	p, ok := h.liveProcess(c)
	if !ok {
		return
	}
	position, err := p.QueueMessage(&msg)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": true, "position": position})
}

type respondInputRequest struct {
	RequestID string            `json:"requestId"`
	Response  string            `json:"response"`
	Answers   map[string]string `json:"answers,omitempty"`
	Feedback  string            `json:"feedback,omitempty"`
}

// respondToInput answers a pending permission or question request.
func (h *Handlers) respondToInput(c *gin.Context) {
	var req respondInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid payload: "+err.Error())
		return
	}
	if req.RequestID == "" {
		h.badRequest(c, "requestId is required")
		return
	}

	p, ok := h.liveProcess(c)
	if !ok {
		return
	}
	if err := p.RespondToInput(req.RequestID, req.Response, req.Answers, req.Feedback); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

func (h *Handlers) setMode(c *gin.Context) {
	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid payload: "+err.Error())
		return
	}
	if !validMode(req.Mode) {
		h.badRequest(c, "unknown permission mode "+req.Mode)
		return
	}

	p, ok := h.liveProcess(c)
	if !ok {
		return
	}
	mode, version, err := p.SetPermissionMode(req.Mode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "modeVersion": version})
}

type setHoldRequest struct {
	Hold bool `json:"hold"`
}

// setHold pauses or releases queue dispatch for the session.
func (h *Handlers) setHold(c *gin.Context) {
	var req setHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid payload: "+err.Error())
		return
	}

	p, ok := h.liveProcess(c)
	if !ok {
		return
	}
	state, err := p.SetHold(req.Hold)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) abortProcess(c *gin.Context) {
	if err := h.pool.Abort(c.Param("pid")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": true})
}

// interruptProcess stops the current turn without killing the process. The
// supported flag is false when the provider has no interrupt control; the
// client falls back to abort.
func (h *Handlers) interruptProcess(c *gin.Context) {
	interrupted, supported, err := h.pool.Interrupt(c.Param("pid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": interrupted, "supported": supported})
}

// liveProcess resolves the :sid route param to its owning process,
// answering 404 when the session has no live owner.
func (h *Handlers) liveProcess(c *gin.Context) (Process, bool) {
	sid := c.Param("sid")
	p, ok := h.pool.GetProcessForSession(sid)
	if !ok {
		h.respondError(c, wire.Errf(wire.CodeNotFound, "session %s has no live process", sid))
		return nil, false
	}
	return p, true
}

func validMode(mode string) bool {
	switch mode {
	case supervisor.ModeDefault, supervisor.ModePlan,
		supervisor.ModeAcceptEdits, supervisor.ModeBypassPermissions:
		return true
	}
	return false
}
