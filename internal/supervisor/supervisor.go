package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// StartOptions select the provider, model and initial permission mode for
// a new or resumed session. Zero values fall back to the server defaults.
type StartOptions struct {
	Provider       string
	Model          string
	PermissionMode string
}

// Supervisor owns every running process and enforces that a session id has
// at most one owner at a time. It also watches transcript activity for
// sessions nobody owns, so a CLI running in someone's terminal shows up in
// the UI as external.
type Supervisor struct {
	registry        *registry.Registry
	bus             bus.EventBus
	logger          *logger.Logger
	idleGrace       time.Duration
	externalQuiet   time.Duration
	maxHistory      int
	defaultProvider string
	defaultModel    string
	defaultMode     string
	spawn           spawnFunc // test seam; nil means exec

	mu          sync.Mutex
	byProcessID map[string]*Process
	bySessionID map[string]*Process
	// everOwned remembers sessions this server has run. The zero time
	// means currently owned; otherwise it is the release time, used to
	// tell a dying child's tail writes apart from a foreign CLI.
	everOwned map[string]time.Time
	// external tracks the last transcript write per un-owned session.
	external map[string]time.Time

	fileSub bus.Subscription
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds a supervisor from the pool and agent config sections.
func New(cfg *config.Config, reg *registry.Registry, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		registry:        reg,
		bus:             eventBus,
		logger:          log.WithFields(zap.String("component", "supervisor")),
		idleGrace:       cfg.Pool.IdleGrace(),
		externalQuiet:   cfg.Pool.ExternalQuiet(),
		maxHistory:      cfg.Pool.MaxHistory,
		defaultProvider: cfg.Agent.Provider,
		defaultModel:    cfg.Agent.Model,
		defaultMode:     cfg.Agent.PermissionMode,
		byProcessID:     make(map[string]*Process),
		bySessionID:     make(map[string]*Process),
		everOwned:       make(map[string]time.Time),
		external:        make(map[string]time.Time),
		done:            make(chan struct{}),
	}
}

// Start subscribes to transcript file events and begins the sweep loop.
func (s *Supervisor) Start() error {
	sub, err := s.bus.Subscribe(events.BuildFileChangedSubject(events.FileKindSession), s.handleFileEvent)
	if err != nil {
		return fmt.Errorf("subscribe session file events: %w", err)
	}
	s.fileSub = sub

	s.wg.Add(1)
	go s.sweep()

	s.logger.Info("supervisor started",
		zap.Duration("idle_grace", s.idleGrace),
		zap.Duration("external_quiet", s.externalQuiet))
	return nil
}

// Shutdown stops the loops and winds the children down, escalating to a
// kill for any child still alive when the context expires.
func (s *Supervisor) Shutdown(ctx context.Context) {
	if s.fileSub != nil {
		_ = s.fileSub.Unsubscribe()
	}
	close(s.done)
	s.wg.Wait()

	procs := s.Processes()
	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			p.shutdown(ctx)
		}(p)
	}
	wg.Wait()
	s.logger.Info("supervisor stopped", zap.Int("processes", len(procs)))
}

// StartSession mints a fresh session id and spawns a process for it.
func (s *Supervisor) StartSession(proj *project.Project, msg *UserMessage, opts StartOptions) (*Process, error) {
	prov, err := s.resolveProvider(opts.Provider)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	p := s.newProcessFor(prov, proj, sessionID, opts)

	s.mu.Lock()
	s.byProcessID[p.ID()] = p
	s.bySessionID[sessionID] = p
	s.everOwned[sessionID] = time.Time{}
	s.mu.Unlock()

	s.attach(p)
	if err := p.start(false); err != nil {
		s.drop(p, sessionID)
		return nil, err
	}
	if msg != nil {
		if _, err := p.QueueMessage(msg); err != nil {
			return p, err
		}
	}
	return p, nil
}

// ResumeSession routes a message into the session's owner, claiming the
// session and spawning a resumed child when nobody owns it. The claim is
// registered before the spawn, so a concurrent resume of the same session
// finds the owner and enqueues instead of double-spawning. The returned
// flag reports whether an existing owner took the message.
func (s *Supervisor) ResumeSession(proj *project.Project, sessionID string, msg *UserMessage, opts StartOptions) (*Process, bool, error) {
	prov, err := s.resolveProvider(opts.Provider)
	if err != nil {
		return nil, false, err
	}

	for {
		s.mu.Lock()
		if owner, ok := s.bySessionID[sessionID]; ok {
			s.mu.Unlock()
			if msg == nil {
				return owner, true, nil
			}
			if _, err := owner.QueueMessage(msg); err != nil {
				if wire.ErrorCode(err) == wire.CodeAlreadyTerminated {
					// The owner died between lookup and enqueue; its
					// complete handler is unregistering it. Re-claim.
					continue
				}
				return owner, true, err
			}
			return owner, true, nil
		}

		p := s.newProcessFor(prov, proj, sessionID, opts)
		s.byProcessID[p.ID()] = p
		s.bySessionID[sessionID] = p
		s.everOwned[sessionID] = time.Time{}
		delete(s.external, sessionID)
		s.mu.Unlock()

		s.attach(p)
		if err := p.start(true); err != nil {
			s.drop(p, sessionID)
			return nil, false, err
		}
		if msg != nil {
			if _, err := p.QueueMessage(msg); err != nil {
				return p, false, err
			}
		}
		return p, false, nil
	}
}

// Get resolves a process id.
func (s *Supervisor) Get(processID string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byProcessID[processID]
	if !ok {
		return nil, wire.Errf(wire.CodeNotFound, "process %s not found", processID)
	}
	return p, nil
}

// GetProcessForSession returns the session's current owner, if any.
func (s *Supervisor) GetProcessForSession(sessionID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.bySessionID[sessionID]
	return p, ok
}

// Processes snapshots all live processes.
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, 0, len(s.byProcessID))
	for _, p := range s.byProcessID {
		out = append(out, p)
	}
	return out
}

// Abort kills the named process.
func (s *Supervisor) Abort(processID string) error {
	p, err := s.Get(processID)
	if err != nil {
		return err
	}
	return p.Abort()
}

// Interrupt cancels the named process's running turn when supported.
func (s *Supervisor) Interrupt(processID string) (bool, bool, error) {
	p, err := s.Get(processID)
	if err != nil {
		return false, false, err
	}
	return p.Interrupt()
}

// SessionStatus reports the live status of one session: its owner's state,
// external when a foreign CLI is writing its transcript, or empty.
func (s *Supervisor) SessionStatus(sessionID string) string {
	s.mu.Lock()
	p, owned := s.bySessionID[sessionID]
	_, ext := s.external[sessionID]
	s.mu.Unlock()
	if owned {
		return p.State()
	}
	if ext {
		return StatusExternal
	}
	return ""
}

// LiveStates snapshots every session with a live status, keyed by session
// id. The session service folds these into list and inbox responses.
func (s *Supervisor) LiveStates() map[string]string {
	s.mu.Lock()
	procs := make(map[string]*Process, len(s.bySessionID))
	for sid, p := range s.bySessionID {
		procs[sid] = p
	}
	ext := make([]string, 0, len(s.external))
	for sid := range s.external {
		ext = append(ext, sid)
	}
	s.mu.Unlock()

	out := make(map[string]string, len(procs)+len(ext))
	for sid, p := range procs {
		out[sid] = p.State()
	}
	for _, sid := range ext {
		if _, owned := out[sid]; !owned {
			out[sid] = StatusExternal
		}
	}
	return out
}

func (s *Supervisor) resolveProvider(id string) (*registry.Provider, error) {
	if id == "" {
		id = s.defaultProvider
	}
	return s.registry.Get(id)
}

func (s *Supervisor) newProcessFor(prov *registry.Provider, proj *project.Project, sessionID string, opts StartOptions) *Process {
	mode := opts.PermissionMode
	if mode == "" {
		mode = s.defaultMode
	}
	model := opts.Model
	if model == "" {
		model = s.defaultModel
	}
	return newProcess(processConfig{
		id:             uuid.NewString(),
		sessionID:      sessionID,
		projectID:      proj.ID,
		provider:       prov,
		model:          model,
		permissionMode: mode,
		workingDir:     proj.AbsolutePath,
		sessionDir:     proj.SessionDirPath,
		maxHistory:     s.maxHistory,
		spawn:          s.spawn,
		logger:         s.logger,
	})
}

// attach registers the supervisor's own observer on a process. It runs on
// the process worker, so it only updates maps and publishes to the bus;
// it must never call back into the process.
func (s *Supervisor) attach(p *Process) {
	p.Subscribe(func(ev Event) {
		switch ev.Type {
		case EventStateChange:
			s.publishStatus(ev.SessionID, ev.ProcessID, ev.State)
		case EventSessionIDChanged:
			s.rekey(p, ev.SessionID, ev.NewSessionID)
		case EventComplete:
			s.release(p)
		}
	})
}

// release unregisters a terminated process and stamps the session's
// release time for the external tracker.
func (s *Supervisor) release(p *Process) {
	s.mu.Lock()
	sid := p.SessionID()
	if s.bySessionID[sid] == p {
		delete(s.bySessionID, sid)
		s.everOwned[sid] = time.Now()
	}
	delete(s.byProcessID, p.ID())
	s.mu.Unlock()
}

// drop rolls back a claim whose spawn failed. Unlike release it forgets
// the session entirely; it never ran here.
func (s *Supervisor) drop(p *Process, sessionID string) {
	s.mu.Lock()
	if s.bySessionID[sessionID] == p {
		delete(s.bySessionID, sessionID)
		delete(s.everOwned, sessionID)
	}
	delete(s.byProcessID, p.ID())
	s.mu.Unlock()
}

// rekey moves a process under the session id its child actually adopted.
func (s *Supervisor) rekey(p *Process, oldID, newID string) {
	s.mu.Lock()
	if s.bySessionID[oldID] == p {
		delete(s.bySessionID, oldID)
		s.everOwned[oldID] = time.Now()
	}
	if cur, ok := s.bySessionID[newID]; ok && cur != p {
		s.logger.Warn("session id collision on rekey",
			zap.String("old", oldID), zap.String("new", newID))
	} else {
		s.bySessionID[newID] = p
		s.everOwned[newID] = time.Time{}
		delete(s.external, newID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) publishStatus(sessionID, processID, status string) {
	if sessionID == "" {
		return
	}
	data := map[string]any{
		events.DataKeySessionID: sessionID,
		events.DataKeyStatus:    status,
	}
	if processID != "" {
		data[events.DataKeyProcessID] = processID
	}
	ev := bus.NewEvent(events.SessionStatusChanged, "supervisor", data)
	if err := s.bus.Publish(context.Background(), events.BuildSessionStatusSubject(), ev); err != nil {
		s.logger.Error("publish session status", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// handleFileEvent stamps external activity for transcript writes to
// sessions nobody here owns.
func (s *Supervisor) handleFileEvent(ctx context.Context, ev *bus.Event) error {
	sid, _ := ev.Data[events.DataKeySessionID].(string)
	if sid == "" {
		return nil
	}

	s.mu.Lock()
	if _, owned := s.bySessionID[sid]; owned {
		s.mu.Unlock()
		return nil
	}
	if released, ever := s.everOwned[sid]; ever && time.Since(released) < s.externalQuiet {
		// Tail writes from a child we just released, not a foreign CLI.
		s.mu.Unlock()
		return nil
	}
	_, already := s.external[sid]
	s.external[sid] = time.Now()
	s.mu.Unlock()

	if !already {
		s.publishStatus(sid, "", StatusExternal)
	}
	return nil
}

// sweep evicts idle processes past the grace window and expires external
// sessions that have gone quiet.
func (s *Supervisor) sweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictIdle()
			s.expireExternal()
		}
	}
}

func (s *Supervisor) evictIdle() {
	cutoff := time.Now().Add(-s.idleGrace)
	for _, p := range s.Processes() {
		if p.State() != StateIdle {
			continue
		}
		if t := p.IdleSince(); !t.IsZero() && t.Before(cutoff) {
			s.logger.Info("evicting idle process",
				zap.String("process_id", p.ID()),
				zap.String("session_id", p.SessionID()))
			p.Evict()
		}
	}
}

func (s *Supervisor) expireExternal() {
	cutoff := time.Now().Add(-s.externalQuiet)
	var quiet []string
	s.mu.Lock()
	for sid, last := range s.external {
		if last.Before(cutoff) {
			delete(s.external, sid)
			quiet = append(quiet, sid)
		}
	}
	s.mu.Unlock()
	for _, sid := range quiet {
		s.publishStatus(sid, "", StatusInactive)
	}
}
