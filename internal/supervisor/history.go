package supervisor

import (
	"sort"
	"strings"

	"github.com/agentdeck/agentdeck/internal/transcript"
)

// historyRing keeps the most recent messages seen on a process, capped so a
// long-lived session cannot grow server memory without bound. Appends and
// reads happen on different goroutines; the owning Process guards access.
type historyRing struct {
	buf   []transcript.Message
	start int
	size  int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &historyRing{buf: make([]transcript.Message, capacity)}
}

func (r *historyRing) append(m transcript.Message) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = m
		r.size++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns the retained messages oldest-first.
func (r *historyRing) snapshot() []transcript.Message {
	out := make([]transcript.Message, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *historyRing) len() int { return r.size }

// streamAccumulator gathers partial assistant text while the child streams
// it block by block. The buffer survives message_stop so late subscribers
// can still catch up; the authoritative assistant message clears it.
//
// offset counts every text-delta byte ever appended on this process and is
// never reset, so a snapshot's offset tells a late subscriber exactly which
// deltas its catch-up seed already covers.
type streamAccumulator struct {
	messageID string
	blocks    map[int]*strings.Builder
	streaming bool
	offset    int64
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{blocks: make(map[int]*strings.Builder)}
}

func (a *streamAccumulator) begin(messageID string) {
	a.reset()
	a.messageID = messageID
	a.streaming = true
}

// appendText adds a text delta for one content block. A delta arriving
// before message_start opens the accumulator implicitly; the id is filled
// in when message_start eventually shows up.
func (a *streamAccumulator) appendText(index int, text string) {
	if !a.streaming && a.messageID == "" && len(a.blocks) == 0 {
		a.streaming = true
	}
	b, ok := a.blocks[index]
	if !ok {
		b = &strings.Builder{}
		a.blocks[index] = b
	}
	b.WriteString(text)
	a.offset += int64(len(text))
}

// adoptID records the message id without dropping text that already
// arrived, covering the start-after-delta ordering race.
func (a *streamAccumulator) adoptID(messageID string) {
	if a.messageID == "" {
		a.messageID = messageID
		a.streaming = true
		return
	}
	if a.messageID != messageID {
		a.begin(messageID)
	}
}

func (a *streamAccumulator) stop() { a.streaming = false }

func (a *streamAccumulator) reset() {
	a.messageID = ""
	a.blocks = make(map[int]*strings.Builder)
	a.streaming = false
}

func (a *streamAccumulator) empty() bool {
	return a.messageID == "" && len(a.blocks) == 0
}

// text joins the accumulated blocks in index order.
func (a *streamAccumulator) text() string {
	if len(a.blocks) == 0 {
		return ""
	}
	indexes := make([]int, 0, len(a.blocks))
	for i := range a.blocks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var out strings.Builder
	for _, i := range indexes {
		out.WriteString(a.blocks[i].String())
	}
	return out.String()
}

// StreamingContent is a snapshot of in-flight assistant text. Offset is
// the accumulator position the snapshot was taken at; deltas stamped at
// or below it are already part of Text.
type StreamingContent struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	Offset    int64  `json:"-"`
}
