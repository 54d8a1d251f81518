// Package subscription fans process and bus events out to connected
// clients as ordered per-subscription event streams with heartbeats,
// catch-up replay and markdown augmentation.
package subscription

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentdeck/agentdeck/internal/augment"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/supervisor"
	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/streamjson"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// Channels a client can subscribe to.
const (
	ChannelSession  = "session"
	ChannelActivity = "activity"
)

// Event types emitted on subscription streams.
const (
	EventConnected        = "connected"
	EventMessage          = "message"
	EventStatus           = "status"
	EventModeChange       = "mode-change"
	EventMarkdownAugment  = "markdown-augment"
	EventPending          = "pending"
	EventHeartbeat        = "heartbeat"
	EventError            = "error"
	EventComplete         = "complete"
	EventSessionIDChanged = "session-id-changed"
	EventAgentLogin       = "agent-login"
	EventActivity         = "activity"
)

// subscriptionBuffer bounds how far a subscriber may lag behind its
// event source before it is dropped as a slow consumer.
const subscriptionBuffer = 256

const defaultHeartbeat = 30 * time.Second

// Event is one item delivered to a subscriber. EventID is strictly
// monotonic and contiguous from 0 per subscription, heartbeats included.
type Event struct {
	SubscriptionID string `json:"subscriptionId"`
	EventID        uint64 `json:"eventId"`
	EventType      string `json:"eventType"`
	Data           any    `json:"data,omitempty"`
}

// SendFunc hands one event to the owning connection. It is invoked from
// the subscription's pump goroutine (and once, on a failed subscribe,
// from the subscriber's goroutine). It may block while the connection
// applies backpressure: a persistently blocked send stalls the pump,
// overflows the subscription buffer and ends in a SLOW_CONSUMER drop.
type SendFunc func(Event)

// ConnectedData is the first event on a session subscription.
type ConnectedData struct {
	ProcessID      string                   `json:"processId"`
	SessionID      string                   `json:"sessionId"`
	State          string                   `json:"state"`
	HoldSince      *time.Time               `json:"holdSince,omitempty"`
	PermissionMode string                   `json:"permissionMode"`
	ModeVersion    int64                    `json:"modeVersion"`
	Provider       string                   `json:"provider"`
	Model          string                   `json:"model,omitempty"`
	Request        *supervisor.InputRequest `json:"request,omitempty"`
}

// StatusData mirrors a process state change.
type StatusData struct {
	State   string                   `json:"state"`
	Request *supervisor.InputRequest `json:"request,omitempty"`
}

// ModeData mirrors a permission mode change.
type ModeData struct {
	PermissionMode string `json:"permissionMode"`
	ModeVersion    int64  `json:"modeVersion"`
}

// ErrorData is carried on error events.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// CompleteData is carried on complete events.
type CompleteData struct {
	Reason string `json:"reason,omitempty"`
}

// SessionIDChangedData announces that the child adopted a new session id.
type SessionIDChangedData struct {
	SessionID    string `json:"sessionId"`
	NewSessionID string `json:"newSessionId"`
}

// ActivityData is carried on activity events for filesystem changes.
type ActivityData struct {
	Kind      string `json:"kind"`
	Path      string `json:"path,omitempty"`
	Op        string `json:"op,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

type subKey struct {
	connID string
	subID  string
}

// inbound is one queued item awaiting delivery. Exactly one of proc and
// busEv is set.
type inbound struct {
	proc  *supervisor.Event
	busEv *bus.Event
}

type deliverFunc func(eventType string, data any)

type subscription struct {
	key       subKey
	channel   string
	sessionID string
	send      SendFunc
	log       *logger.Logger
	heartbeat time.Duration

	ch   chan inbound
	done chan struct{}
	stop sync.Once
	slow atomic.Bool

	// Set before the pump starts, torn down by cancel.
	detach func()
	onDrop func(*subscription)

	// Pump-owned state, never touched off the pump goroutine.
	eventID  uint64
	aug      *augment.Augmenter
	deliver  deliverFunc
	replayed map[string]struct{}

	// streamGate holds the StreamingContent offset the catch-up seed was
	// taken at; text deltas stamped at or below it are already in the
	// seed. Zero when the subscriber attached with nothing streaming.
	streamGate int64
}

// enqueue is called from event publishers (process worker, bus dispatch)
// and must never block them.
func (s *subscription) enqueue(in inbound) {
	select {
	case s.ch <- in:
	case <-s.done:
	default:
		s.slow.Store(true)
		s.cancel()
	}
}

// cancel stops the pump and detaches from the event source. Safe to call
// from any goroutine, any number of times.
func (s *subscription) cancel() {
	s.stop.Do(func() {
		close(s.done)
		if s.detach != nil {
			s.detach()
		}
		if s.onDrop != nil {
			s.onDrop(s)
		}
	})
}

// run is the pump: it delivers the seed (connected, history replay,
// catch-up), then forwards queued events, stamping contiguous event ids
// and heartbeating whenever the stream goes quiet.
func (s *subscription) run(seed func(deliver deliverFunc)) {
	hb := time.NewTimer(s.heartbeat)
	defer hb.Stop()

	s.deliver = func(eventType string, data any) {
		s.send(Event{
			SubscriptionID: s.key.subID,
			EventID:        s.eventID,
			EventType:      eventType,
			Data:           data,
		})
		s.eventID++
		hb.Reset(s.heartbeat)
	}

	finish := func() {
		if s.slow.Load() {
			s.deliver(EventError, ErrorData{
				Code:    wire.CodeSlowConsumer,
				Message: "subscriber fell too far behind",
			})
		}
	}

	select {
	case <-s.done:
		finish()
		return
	default:
	}

	if seed != nil {
		seed(s.deliver)
	}

	for {
		// Cancellation wins over queued events.
		select {
		case <-s.done:
			finish()
			return
		default:
		}
		select {
		case in := <-s.ch:
			s.process(in)
		case <-hb.C:
			s.deliver(EventHeartbeat, nil)
		case <-s.done:
			finish()
			return
		}
	}
}

func (s *subscription) process(in inbound) {
	if in.busEv != nil {
		s.processBusEvent(in.busEv)
		return
	}
	if in.proc != nil {
		s.processProcessEvent(in.proc)
	}
}

func (s *subscription) processProcessEvent(ev *supervisor.Event) {
	switch ev.Type {
	case supervisor.EventMessage:
		if ev.Stream == nil && s.isReplayDuplicate(ev.Message) {
			return
		}
		if ev.Stream != nil && s.isSeededDelta(ev) {
			return
		}
		s.deliver(EventMessage, ev.Message)
		s.feedAugmenter(ev)
	case supervisor.EventStateChange:
		s.deliver(EventStatus, StatusData{State: ev.State, Request: ev.Request})
	case supervisor.EventModeChange:
		s.deliver(EventModeChange, ModeData{PermissionMode: ev.Mode, ModeVersion: ev.ModeVersion})
	case supervisor.EventError:
		s.deliver(EventError, ErrorData{Code: ev.Code, Message: ev.ErrorText})
	case supervisor.EventComplete:
		s.deliver(EventComplete, CompleteData{Reason: ev.Reason})
	case supervisor.EventSessionIDChanged:
		s.sessionID = ev.NewSessionID
		s.deliver(EventSessionIDChanged, SessionIDChangedData{
			SessionID:    ev.SessionID,
			NewSessionID: ev.NewSessionID,
		})
	case supervisor.EventAgentLogin:
		s.deliver(EventAgentLogin, nil)
	}
}

// isReplayDuplicate filters the overlap between the history snapshot and
// the live callback. The callback is attached before the snapshot is
// taken so nothing is lost; the price is that messages appended in the
// gap arrive twice. Those duplicates form a prefix of the live stream
// (history order equals emit order), so the filter retires itself at the
// first unseen history-bearing message.
func (s *subscription) isReplayDuplicate(m *transcript.Message) bool {
	if s.replayed == nil || m == nil {
		return false
	}
	if _, ok := s.replayed[m.ID]; ok {
		return true
	}
	s.replayed = nil
	return false
}

// isSeededDelta filters the stream half of the attach overlap: a text
// delta stamped at or below the catch-up snapshot offset is already part
// of the ProcessCatchUp seed, so forwarding it or feeding it to the
// augmenter would double the text. The process serializes accumulator
// appends with the snapshot, so no delta spans the boundary; the gate
// retires at the first delta past it.
func (s *subscription) isSeededDelta(ev *supervisor.Event) bool {
	if s.streamGate == 0 {
		return false
	}
	st := ev.Stream
	if st.Type != streamjson.EventContentBlockDelta || st.Delta == nil || st.Delta.Type != streamjson.DeltaTypeText {
		return false
	}
	if ev.StreamOffset <= s.streamGate {
		return true
	}
	s.streamGate = 0
	return false
}

func (s *subscription) feedAugmenter(ev *supervisor.Event) {
	if s.aug == nil {
		return
	}
	if st := ev.Stream; st != nil {
		switch st.Type {
		case streamjson.EventMessageStart:
			if st.Message != nil {
				s.aug.OnMessageStart(st.Message.ID)
			}
		case streamjson.EventContentBlockDelta:
			if st.Delta != nil && st.Delta.Type == streamjson.DeltaTypeText {
				s.aug.OnTextDelta(st.Delta.Text)
			}
		}
		return
	}
	if m := ev.Message; m != nil && m.Type == streamjson.MessageTypeAssistant {
		s.aug.OnAssistantMessage(m.ID, m.ContentText())
	}
}

// augmentEmit adapts augmenter output onto the stream. Runs on the pump
// goroutine because the augmenter is only fed from there.
func (s *subscription) augmentEmit(a augment.Augment) {
	eventType := EventMarkdownAugment
	if a.Type == augment.TypePending {
		eventType = EventPending
	}
	s.deliver(eventType, a)
}

func (s *subscription) processBusEvent(ev *bus.Event) {
	if ev.Type == events.SessionStatusChanged {
		s.deliver(EventStatus, ev.Data)
		return
	}
	data := ActivityData{Kind: strings.TrimPrefix(ev.Type, events.FileChanged+".")}
	if v, ok := ev.Data[events.DataKeyPath].(string); ok {
		data.Path = v
	}
	if v, ok := ev.Data[events.DataKeyOp].(string); ok {
		data.Op = v
	}
	if v, ok := ev.Data[events.DataKeySessionID].(string); ok {
		data.SessionID = v
	}
	if v, ok := ev.Data[events.DataKeyProjectID].(string); ok {
		data.ProjectID = v
	}
	s.deliver(EventActivity, data)
}
