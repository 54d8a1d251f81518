// Package api implements the REST surface carried inside the relay:
// project discovery, session views and metadata, message queueing, input
// responses, mode and hold switches, and process control. Handlers speak
// the wire error taxonomy; respond.go maps it onto HTTP statuses.
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/httpmw"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/supervisor"
)

// Process is the mutator surface of one live process the handlers drive.
// *supervisor.Process implements it.
type Process interface {
	ID() string
	SessionID() string
	QueueMessage(msg *supervisor.UserMessage) (int, error)
	RespondToInput(requestID, response string, answers map[string]string, feedback string) error
	SetPermissionMode(mode string) (string, int64, error)
	SetHold(hold bool) (supervisor.HoldState, error)
}

// Pool is the supervisor surface behind the session and process routes.
type Pool interface {
	StartSession(proj *project.Project, msg *supervisor.UserMessage, opts supervisor.StartOptions) (Process, error)
	ResumeSession(proj *project.Project, sessionID string, msg *supervisor.UserMessage, opts supervisor.StartOptions) (Process, bool, error)
	GetProcessForSession(sessionID string) (Process, bool)
	Abort(processID string) error
	Interrupt(processID string) (bool, bool, error)
	LiveStates() map[string]string
}

// NewSupervisorPool adapts the concrete supervisor to the Pool interface.
// Interface return types are not covariant in Go, hence the wrapper.
func NewSupervisorPool(s *supervisor.Supervisor) Pool { return supervisorPool{s} }

type supervisorPool struct{ s *supervisor.Supervisor }

func (w supervisorPool) StartSession(proj *project.Project, msg *supervisor.UserMessage, opts supervisor.StartOptions) (Process, error) {
	p, err := w.s.StartSession(proj, msg, opts)
	if p == nil {
		return nil, err
	}
	return p, err
}

func (w supervisorPool) ResumeSession(proj *project.Project, sessionID string, msg *supervisor.UserMessage, opts supervisor.StartOptions) (Process, bool, error) {
	p, attached, err := w.s.ResumeSession(proj, sessionID, msg, opts)
	if p == nil {
		return nil, attached, err
	}
	return p, attached, err
}

func (w supervisorPool) GetProcessForSession(sessionID string) (Process, bool) {
	p, ok := w.s.GetProcessForSession(sessionID)
	if !ok {
		return nil, false
	}
	return p, true
}

func (w supervisorPool) Abort(processID string) error { return w.s.Abort(processID) }

func (w supervisorPool) Interrupt(processID string) (bool, bool, error) {
	return w.s.Interrupt(processID)
}

func (w supervisorPool) LiveStates() map[string]string { return w.s.LiveStates() }

// Handlers owns the route implementations.
type Handlers struct {
	pool     Pool
	sessions *session.Service
	scanner  *project.Scanner
	logger   *logger.Logger
}

// NewHandlers creates the REST handlers.
func NewHandlers(pool Pool, sessions *session.Service, scanner *project.Scanner, log *logger.Logger) *Handlers {
	return &Handlers{
		pool:     pool,
		sessions: sessions,
		scanner:  scanner,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/projects", h.listProjects)
	r.POST("/projects", h.addProject)
	r.GET("/projects/:id/sessions/:sid", h.loadSession)
	r.GET("/projects/:id/sessions/:sid/agents", h.listAgents)
	r.GET("/projects/:id/sessions/:sid/agents/:aid", h.loadAgentSession)
	r.GET("/projects/:id/sessions/:sid/metadata", h.getMetadata)
	r.PUT("/projects/:id/sessions/:sid/metadata", h.updateMetadata)
	r.POST("/projects/:id/sessions", h.startSession)
	r.POST("/projects/:id/sessions/:sid/resume", h.resumeSession)
	r.GET("/sessions", h.listSessions)
	r.POST("/sessions/:sid/messages", h.queueMessage)
	r.POST("/sessions/:sid/input", h.respondToInput)
	r.PUT("/sessions/:sid/mode", h.setMode)
	r.PUT("/sessions/:sid/hold", h.setHold)
	r.POST("/processes/:pid/abort", h.abortProcess)
	r.POST("/processes/:pid/interrupt", h.interruptProcess)
	r.GET("/inbox", h.inbox)
}

// NewRouter builds the engine the relay dispatcher executes requests
// against. It is never bound to a listener; the authenticated relay is
// the only way in.
func NewRouter(pool Pool, sessions *session.Service, scanner *project.Scanner, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(log, "agentdeck-api"))
	r.Use(httpmw.OtelTracing("agentdeck-api"))
	NewHandlers(pool, sessions, scanner, log).Register(r)
	return r
}
