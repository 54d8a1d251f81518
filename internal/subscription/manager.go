package subscription

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/augment"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/supervisor"
	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// Process is the view of a supervised process a session subscription
// needs: snapshot accessors plus event fan-out. *supervisor.Process
// implements it.
type Process interface {
	ID() string
	SessionID() string
	State() string
	HoldSince() *time.Time
	Provider() *registry.Provider
	Model() string
	PermissionMode() string
	ModeVersion() int64
	PendingRequest() *supervisor.InputRequest
	MessageHistory() []transcript.Message
	StreamingContent() *supervisor.StreamingContent
	Subscribe(fn func(supervisor.Event)) func()
}

// ProcessLookup resolves the process that currently owns a session.
type ProcessLookup func(sessionID string) (Process, bool)

// Manager owns every live subscription, keyed by (connection,
// subscription id). Session subscriptions attach to a Process; activity
// subscriptions attach to the event bus.
type Manager struct {
	lookup     ProcessLookup
	bus        bus.EventBus
	logger     *logger.Logger
	renderer   augment.Renderer
	heartbeat  time.Duration
	pendingGap time.Duration

	mu   sync.Mutex
	subs map[subKey]*subscription
}

// NewManager wires the subscription layer. The renderer is shared; each
// session subscription gets its own augmenter state around it.
func NewManager(lookup ProcessLookup, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		lookup:     lookup,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "subscription")),
		renderer:   augment.NewGoldmarkRenderer(),
		heartbeat:  defaultHeartbeat,
		pendingGap: augment.DefaultPendingInterval,
		subs:       make(map[subKey]*subscription),
	}
}

// SetHeartbeat overrides the idle keepalive interval applied to
// subscriptions opened after the call. Non-positive values are ignored.
func (m *Manager) SetHeartbeat(d time.Duration) {
	if d > 0 {
		m.heartbeat = d
	}
}

// Subscribe opens a channel subscription for a connection. For the
// session channel the flow is: verify the process, send connected,
// replay history, catch up on in-flight streaming text, then follow
// live events with a heartbeat. Errors are also surfaced to the client
// as an error event on the requested subscription id.
func (m *Manager) Subscribe(connID, subID, channel, sessionID string, send SendFunc) error {
	key := subKey{connID: connID, subID: subID}
	s := &subscription{
		key:       key,
		channel:   channel,
		sessionID: sessionID,
		send:      send,
		log:       m.logger.WithFields(zap.String("subscription_id", subID), zap.String("connection_id", connID)),
		heartbeat: m.heartbeat,
		ch:        make(chan inbound, subscriptionBuffer),
		done:      make(chan struct{}),
		onDrop:    m.remove,
	}

	m.mu.Lock()
	if _, exists := m.subs[key]; exists {
		m.mu.Unlock()
		// The live subscription under this id keeps flowing; surfacing
		// an event here would collide with its event ids.
		return wire.Errf(wire.CodeBadRequest, "subscription %q already exists", subID)
	}
	m.subs[key] = s
	m.mu.Unlock()

	var err error
	switch channel {
	case ChannelSession:
		err = m.startSession(s)
	case ChannelActivity:
		err = m.startActivity(s)
	default:
		err = wire.Errf(wire.CodeBadRequest, "unknown channel %q", channel)
	}
	if err != nil {
		s.cancel()
		m.sendError(s, err)
		return err
	}

	s.log.Debug("subscription opened",
		zap.String("channel", channel), zap.String("session_id", sessionID))
	return nil
}

// Unsubscribe tears one subscription down: heartbeat stopped, callback
// detached, augmenter state cleared.
func (m *Manager) Unsubscribe(connID, subID string) {
	key := subKey{connID: connID, subID: subID}
	m.mu.Lock()
	s, ok := m.subs[key]
	if ok {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// DropConnection tears down every subscription a connection holds.
// Called when the transport closes.
func (m *Manager) DropConnection(connID string) {
	var dropped []*subscription
	m.mu.Lock()
	for key, s := range m.subs {
		if key.connID == connID {
			dropped = append(dropped, s)
			delete(m.subs, key)
		}
	}
	m.mu.Unlock()
	for _, s := range dropped {
		s.cancel()
	}
}

// Close drops everything. Used at shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[subKey]*subscription)
	m.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
}

func (m *Manager) startSession(s *subscription) error {
	if s.sessionID == "" {
		return wire.Errf(wire.CodeBadRequest, "session channel requires a sessionId")
	}
	p, ok := m.lookup(s.sessionID)
	if !ok {
		return wire.Errf(wire.CodeNotFound, "no active process for session %s", s.sessionID)
	}

	s.aug = augment.New(m.renderer, m.pendingGap, s.augmentEmit, s.log)

	// Attach before snapshotting so nothing published in between is
	// lost; isReplayDuplicate absorbs the history overlap and the
	// stream gate absorbs deltas the catch-up seed already covers.
	s.detach = p.Subscribe(func(ev supervisor.Event) {
		s.enqueue(inbound{proc: &ev})
	})

	history := p.MessageHistory()
	streaming := p.StreamingContent()
	providerID := ""
	if prov := p.Provider(); prov != nil {
		providerID = prov.ID
	}
	connected := ConnectedData{
		ProcessID:      p.ID(),
		SessionID:      p.SessionID(),
		State:          p.State(),
		HoldSince:      p.HoldSince(),
		PermissionMode: p.PermissionMode(),
		ModeVersion:    p.ModeVersion(),
		Provider:       providerID,
		Model:          p.Model(),
		Request:        p.PendingRequest(),
	}
	s.replayed = make(map[string]struct{}, len(history))
	for i := range history {
		s.replayed[history[i].ID] = struct{}{}
	}
	if streaming != nil {
		s.streamGate = streaming.Offset
	}

	go s.run(func(deliver deliverFunc) {
		deliver(EventConnected, connected)
		for i := range history {
			deliver(EventMessage, &history[i])
		}
		if streaming != nil {
			s.aug.ProcessCatchUp(streaming.Text, streaming.MessageID)
		}
	})
	return nil
}

func (m *Manager) startActivity(s *subscription) error {
	forward := func(ctx context.Context, ev *bus.Event) error {
		s.enqueue(inbound{busEv: ev})
		return nil
	}
	fileSub, err := m.bus.Subscribe(events.BuildFileChangedWildcardSubject(), forward)
	if err != nil {
		return err
	}
	statusSub, err := m.bus.Subscribe(events.BuildSessionStatusSubject(), forward)
	if err != nil {
		_ = fileSub.Unsubscribe()
		return err
	}
	s.detach = func() {
		_ = fileSub.Unsubscribe()
		_ = statusSub.Unsubscribe()
	}

	go s.run(func(deliver deliverFunc) {
		deliver(EventConnected, map[string]string{"channel": ChannelActivity})
	})
	return nil
}

// remove clears a self-cancelled subscription (slow consumer) from the
// table without clobbering a replacement under the same key.
func (m *Manager) remove(s *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.subs[s.key]; ok && cur == s {
		delete(m.subs, s.key)
	}
}

// sendError surfaces a failed subscribe to the client on the requested
// subscription id. The pump never started, so event id 0 is free.
func (m *Manager) sendError(s *subscription, err error) {
	code := wire.ErrorCode(err)
	if code == "" {
		code = wire.CodeBadRequest
	}
	s.send(Event{
		SubscriptionID: s.key.subID,
		EventID:        0,
		EventType:      EventError,
		Data:           ErrorData{Code: code, Message: err.Error()},
	})
}
