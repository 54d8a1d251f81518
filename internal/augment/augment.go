package augment

import (
	stdhtml "html"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// Augment kinds. Block fragments are final for their index; pending
// fragments re-render the tail of the message and supersede each other.
const (
	TypeBlock   = "block"
	TypePending = "pending"
)

// DefaultPendingInterval bounds how often the in-progress tail is
// re-rendered while deltas stream in.
const DefaultPendingInterval = 50 * time.Millisecond

// Augment is one rendered fragment pushed to a subscriber.
type Augment struct {
	Type       string `json:"type"`
	MessageID  string `json:"messageId,omitempty"`
	BlockIndex *int   `json:"blockIndex,omitempty"`
	HTML       string `json:"html"`
}

// Augmenter tracks one subscriber's view of the streaming assistant
// message and emits rendered fragments: a block event whenever a
// markdown block completes (blank line outside a code fence), and
// throttled pending events for the unfinished tail. Not safe to share
// across subscriptions; each gets its own.
type Augmenter struct {
	renderer Renderer
	limiter  *rate.Limiter
	emit     func(Augment)
	logger   *logger.Logger

	mu         sync.Mutex
	messageID  string
	buf        string
	blockIndex int
}

// New builds an augmenter. A nil renderer selects goldmark, interval 0
// selects DefaultPendingInterval. emit is invoked on the caller's
// goroutine and must not call back into the augmenter.
func New(renderer Renderer, interval time.Duration, emit func(Augment), log *logger.Logger) *Augmenter {
	if renderer == nil {
		renderer = NewGoldmarkRenderer()
	}
	if interval <= 0 {
		interval = DefaultPendingInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Augmenter{
		renderer: renderer,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		emit:     emit,
		logger:   log,
	}
}

// OnMessageStart begins a new assistant message. Deltas that raced
// ahead of the start event are adopted rather than discarded.
func (a *Augmenter) OnMessageStart(messageID string) {
	a.mu.Lock()
	if a.messageID != "" && a.messageID != messageID {
		a.buf = ""
		a.blockIndex = 0
	}
	a.messageID = messageID
	a.mu.Unlock()
}

// OnTextDelta appends streamed text, emitting a block event for every
// markdown block the delta completes and a throttled pending render of
// whatever remains open.
func (a *Augmenter) OnTextDelta(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	a.buf += text
	blocks, rest := splitCompleteBlocks(a.buf)
	a.buf = rest

	out := make([]Augment, 0, len(blocks)+1)
	for _, block := range blocks {
		out = append(out, a.blockEventLocked(block))
	}
	if rest != "" && a.limiter.Allow() {
		out = append(out, Augment{
			Type:      TypePending,
			MessageID: a.messageID,
			HTML:      a.render(rest),
		})
	}
	a.mu.Unlock()

	for _, ev := range out {
		a.emit(ev)
	}
}

// OnAssistantMessage finalizes the current message. The open tail (or
// the full text when nothing was streamed, as happens for replayed or
// non-streaming turns) is emitted as the closing block, then state
// resets for the next message.
func (a *Augmenter) OnAssistantMessage(messageID, text string) {
	a.mu.Lock()
	source := a.buf
	if strings.TrimSpace(source) == "" && a.blockIndex == 0 {
		source = text
	}
	id := a.messageID
	if id == "" {
		id = messageID
	}
	var out *Augment
	if strings.TrimSpace(source) != "" {
		ev := a.blockEventLocked(source)
		ev.MessageID = id
		out = &ev
	}
	a.buf = ""
	a.messageID = ""
	a.blockIndex = 0
	a.mu.Unlock()

	if out != nil {
		a.emit(*out)
	}
}

// ProcessCatchUp seeds the augmenter with text accumulated before this
// subscriber attached and immediately emits one pending render of it,
// bypassing the throttle so the client paints without waiting for the
// next delta.
func (a *Augmenter) ProcessCatchUp(accumulated, messageID string) {
	if accumulated == "" {
		return
	}
	a.mu.Lock()
	a.messageID = messageID
	a.buf = accumulated
	a.blockIndex = 0
	html := a.render(accumulated)
	a.mu.Unlock()

	a.emit(Augment{Type: TypePending, MessageID: messageID, HTML: html})
}

// Reset drops all buffered state. Called when the subscription detaches.
func (a *Augmenter) Reset() {
	a.mu.Lock()
	a.buf = ""
	a.messageID = ""
	a.blockIndex = 0
	a.mu.Unlock()
}

func (a *Augmenter) blockEventLocked(markdown string) Augment {
	idx := a.blockIndex
	a.blockIndex++
	return Augment{
		Type:       TypeBlock,
		MessageID:  a.messageID,
		BlockIndex: &idx,
		HTML:       a.render(markdown),
	}
}

func (a *Augmenter) render(markdown string) string {
	html, err := a.renderer.Render(markdown)
	if err != nil {
		a.logger.Warn("markdown render failed, falling back to escaped text", zap.Error(err))
		return "<pre>" + stdhtml.EscapeString(markdown) + "</pre>"
	}
	return html
}

// splitCompleteBlocks cuts s at blank lines that sit outside fenced
// code, returning the completed blocks and the unfinished remainder.
// A fence opened by ``` or ~~~ keeps blank lines inside it from
// terminating the block.
func splitCompleteBlocks(s string) ([]string, string) {
	var blocks []string
	var cur strings.Builder
	inFence := false
	rest := s
	for {
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			break
		}
		line := rest[:nl+1]
		rest = rest[nl+1:]
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		cur.WriteString(line)
		if trimmed == "" && !inFence {
			if block := cur.String(); strings.TrimSpace(block) != "" {
				blocks = append(blocks, block)
			}
			cur.Reset()
		}
	}
	return blocks, cur.String() + rest
}
