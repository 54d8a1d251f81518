package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/subscription"
	"github.com/agentdeck/agentdeck/internal/upload"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size; upload chunks are the largest frames.
	maxMessageSize = 4 << 20

	// Outbound queue per connection.
	sendBuffer = 256

	// Inbound queue feeding the serialized processor.
	inboundBuffer = 64
)

type authState int

const (
	authStateUnauthenticated authState = iota
	authStateWaitingProof
	authStateAuthenticated
)

// inboundMsg is one decoded inbound frame: JSON bytes or an upload chunk.
type inboundMsg struct {
	json  []byte
	chunk *wire.UploadChunk
}

// outbound is one marshaled message awaiting the write pump. Handshake
// messages are sent as plaintext text frames even after authentication.
type outbound struct {
	payload   []byte
	handshake bool
}

type connConfig struct {
	id                   string
	ws                   *websocket.Conn
	auth                 *Authenticator
	dispatcher           Dispatcher
	subs                 *subscription.Manager
	uploads              *upload.Manager
	compressionThreshold int
	handshakeTimeout     time.Duration
	detach               func()
	logger               *logger.Logger
}

// Conn is one relay client connection: a read pump feeding a serialized
// inbound processor, and a write pump draining the send queue. The processor
// owns the handshake state machine, so SRP messages cannot interleave and
// upload chunks cannot overtake their upload_start.
type Conn struct {
	id     string
	ws     *websocket.Conn
	logger *logger.Logger

	auth       *Authenticator
	dispatcher Dispatcher
	subs       *subscription.Manager
	uploads    *upload.Manager

	compressionThreshold int
	handshakeTimeout     time.Duration
	detach               func()

	send    chan outbound
	inbound chan inboundMsg
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once

	authenticated   atomic.Bool
	compressReplies atomic.Bool
	key             *[32]byte // written before authenticated flips true

	// Processor-owned handshake state.
	state authState
	srv   *srpServer

	handshakeTimer *time.Timer
}

func newConn(cfg connConfig) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:                   cfg.id,
		ws:                   cfg.ws,
		logger:               cfg.logger.WithFields(zap.String("conn_id", cfg.id)),
		auth:                 cfg.auth,
		dispatcher:           cfg.dispatcher,
		subs:                 cfg.subs,
		uploads:              cfg.uploads,
		compressionThreshold: cfg.compressionThreshold,
		handshakeTimeout:     cfg.handshakeTimeout,
		detach:               cfg.detach,
		send:                 make(chan outbound, sendBuffer),
		inbound:              make(chan inboundMsg, inboundBuffer),
		done:                 make(chan struct{}),
		ctx:                  ctx,
		cancel:               cancel,
	}
}

// run starts the pumps and blocks until the connection closes.
func (c *Conn) run() {
	c.handshakeTimer = time.AfterFunc(c.handshakeTimeout, func() {
		if !c.authenticated.Load() {
			c.logger.Info("handshake deadline exceeded")
			c.closeWithCode(wire.CloseAuthRequired, "authentication required")
		}
	})
	go c.writePump()
	go c.processLoop()
	c.readPump()
}

// teardown closes the connection exactly once and releases everything it
// owns: subscriptions, in-flight uploads, the handshake deadline.
func (c *Conn) teardown() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		if c.handshakeTimer != nil {
			c.handshakeTimer.Stop()
		}
		c.ws.Close()
		c.subs.DropConnection(c.id)
		c.uploads.CancelAllForConnection(c.id)
		if c.detach != nil {
			c.detach()
		}
		c.logger.Info("connection closed")
	})
}

// closeWithCode sends a close control frame and tears the connection down.
// WriteControl is safe to call concurrently with the write pump.
func (c *Conn) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(writeWait)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("close frame not delivered", zap.Error(err))
	}
	c.teardown()
}

func (c *Conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		var msg inboundMsg
		switch messageType {
		case websocket.TextMessage:
			msg.json = data
		case websocket.BinaryMessage:
			format, payload, err := c.decodeBinary(data)
			if err != nil {
				c.protocolError(err)
				return
			}
			switch format {
			case wire.FormatJSON:
				msg.json = payload
			case wire.FormatCompressedJSON:
				plain, err := wire.Decompress(payload)
				if err != nil {
					c.protocolError(err)
					return
				}
				msg.json = plain
			case wire.FormatBinaryUpload:
				chunk, err := wire.ParseUploadChunk(payload)
				if err != nil {
					c.protocolError(err)
					return
				}
				msg.chunk = chunk
			}
		default:
			continue
		}

		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

// decodeBinary resolves a binary frame into [format][payload]. Once the
// connection is authenticated, frames that cannot be plain framed JSON are
// treated as encrypted envelopes.
func (c *Conn) decodeBinary(data []byte) (byte, []byte, error) {
	if wire.LooksLikeEnvelope(data, c.authenticated.Load()) {
		return wire.OpenEnvelope(c.key, data)
	}
	return wire.DecodeFrame(data)
}

// protocolError logs an undecodable frame and closes with 4002.
func (c *Conn) protocolError(err error) {
	code := wire.ErrorCode(err)
	if code == "" {
		code = wire.CodeMalformedFrame
	}
	c.logger.Warn("protocol error", zap.String("code", code), zap.Error(err))
	c.closeWithCode(wire.CloseUnsupportedFormat, code)
}

// processLoop serializes all inbound handling for the connection.
func (c *Conn) processLoop() {
	for {
		select {
		case msg := <-c.inbound:
			if msg.chunk != nil {
				c.handleChunk(msg.chunk)
			} else {
				c.handleJSON(msg.json)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) handleJSON(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		c.protocolError(err)
		return
	}

	switch m := msg.(type) {
	case *wire.SRPHello:
		c.handleHello(m)
	case *wire.SRPProof:
		c.handleProof(m)
	case *wire.SRPSessionResume:
		c.handleResume(m)
	case *wire.ClientCapabilities:
		c.handleCapabilities(m)
	default:
		if !c.authenticated.Load() {
			c.closeWithCode(wire.CloseAuthRequired, "authentication required")
			return
		}
		c.handleAuthenticated(msg)
	}
}

func (c *Conn) handleAuthenticated(msg any) {
	switch m := msg.(type) {
	case *wire.Request:
		c.enqueue(c.dispatcher.Dispatch(c.ctx, m))
	case *wire.Subscribe:
		c.handleSubscribe(m)
	case *wire.Unsubscribe:
		c.subs.Unsubscribe(c.id, m.SubscriptionID)
	case *wire.UploadStart:
		c.handleUploadStart(m)
	case *wire.UploadEnd:
		c.handleUploadEnd(m)
	case *wire.UploadCancel:
		if err := c.uploads.Cancel(m.UploadID); err != nil {
			c.logger.Debug("upload cancel", zap.String("upload_id", m.UploadID), zap.Error(err))
		}
	default:
		c.logger.Warn("unexpected message direction",
			zap.String("message_type", fmt.Sprintf("%T", msg)))
	}
}

func (c *Conn) handleHello(m *wire.SRPHello) {
	if c.state != authStateUnauthenticated {
		c.sendSRPError(wire.SRPCodeServerError, "handshake out of order")
		return
	}
	srv, challenge, err := c.auth.Hello(m.Identity)
	if err != nil {
		c.sendSRPError(wire.ErrorCode(err), "identity rejected")
		return
	}
	c.srv = srv
	c.state = authStateWaitingProof
	c.enqueueHandshake(challenge)
}

func (c *Conn) handleProof(m *wire.SRPProof) {
	if c.state != authStateWaitingProof || c.srv == nil {
		c.sendSRPError(wire.SRPCodeServerError, "handshake out of order")
		return
	}
	srv := c.srv
	c.srv = nil
	key, verify, err := c.auth.Proof(srv, m)
	if err != nil {
		c.state = authStateUnauthenticated
		c.sendSRPError(wire.ErrorCode(err), "proof rejected")
		return
	}
	c.finishAuth(key)
	c.enqueueHandshake(verify)
}

func (c *Conn) handleResume(m *wire.SRPSessionResume) {
	if c.state != authStateUnauthenticated {
		c.sendSRPError(wire.SRPCodeServerError, "handshake out of order")
		return
	}
	key, reason := c.auth.Resume(m.SessionID, m.Identity, m.Proof)
	if key == nil {
		c.enqueueHandshake(&wire.SRPSessionInvalid{Type: wire.TypeSRPSessionInvalid, Reason: reason})
		return
	}
	c.finishAuth(key)
	c.enqueueHandshake(&wire.SRPSessionResumed{Type: wire.TypeSRPSessionResumed, SessionID: m.SessionID})
}

// finishAuth installs the session key and stops the handshake deadline. The
// key must be in place before the authenticated flag flips: the read and
// write pumps consult the flag before touching the key.
func (c *Conn) finishAuth(key *[32]byte) {
	c.key = key
	c.state = authStateAuthenticated
	c.authenticated.Store(true)
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.logger.Info("connection authenticated")
}

func (c *Conn) handleCapabilities(m *wire.ClientCapabilities) {
	compress := false
	for _, f := range m.Formats {
		if f >= 0 && f <= 0xff && byte(f) == wire.FormatCompressedJSON {
			compress = true
		}
	}
	c.compressReplies.Store(compress)
}

func (c *Conn) handleSubscribe(m *wire.Subscribe) {
	send := func(ev subscription.Event) {
		wireEv, err := wire.NewEvent(ev.SubscriptionID, ev.EventID, ev.EventType, ev.Data)
		if err != nil {
			c.logger.Error("marshal subscription event",
				zap.String("event_type", ev.EventType), zap.Error(err))
			return
		}
		c.enqueue(wireEv)
	}
	if err := c.subs.Subscribe(c.id, m.SubscriptionID, m.Channel, m.SessionID, send); err != nil {
		// The manager already surfaced the failure on the subscription id.
		c.logger.Debug("subscribe rejected",
			zap.String("subscription_id", m.SubscriptionID), zap.Error(err))
	}
}

func (c *Conn) handleUploadStart(m *wire.UploadStart) {
	err := c.uploads.Start(c.id, m.UploadID, m.ProjectID, m.SessionID, m.Filename, m.Size, m.MimeType)
	if err != nil {
		c.sendUploadError(m.UploadID, err)
		return
	}
	c.enqueue(&wire.UploadProgress{Type: wire.TypeUploadProgress, UploadID: m.UploadID})
}

func (c *Conn) handleChunk(chunk *wire.UploadChunk) {
	if !c.authenticated.Load() {
		c.closeWithCode(wire.CloseAuthRequired, "authentication required")
		return
	}
	uploadID := chunk.UploadID.String()
	received, err := c.uploads.WriteChunk(uploadID, chunk.Offset, chunk.Data)
	if err != nil {
		c.sendUploadError(uploadID, err)
		return
	}
	c.enqueue(&wire.UploadProgress{Type: wire.TypeUploadProgress, UploadID: uploadID, BytesReceived: received})
}

func (c *Conn) handleUploadEnd(m *wire.UploadEnd) {
	ref, err := c.uploads.Complete(m.UploadID)
	if err != nil {
		c.sendUploadError(m.UploadID, err)
		return
	}
	c.enqueue(&wire.UploadComplete{Type: wire.TypeUploadComplete, UploadID: m.UploadID, FileRef: ref.Path})
}

func (c *Conn) sendUploadError(uploadID string, err error) {
	code, message := splitCodeError(err)
	c.enqueue(wire.NewUploadError(uploadID, code, message))
}

func (c *Conn) sendSRPError(code, message string) {
	if code == "" {
		code = wire.SRPCodeServerError
	}
	c.enqueueHandshake(&wire.SRPError{Type: wire.TypeSRPError, Code: code, Message: message})
}

// splitCodeError separates a wire code from its message so upload_error does
// not repeat the code inside the text.
func splitCodeError(err error) (string, string) {
	var ce *wire.CodeError
	if errors.As(err, &ce) {
		return ce.Code, ce.Message
	}
	return wire.CodeBadRequest, err.Error()
}

// enqueue queues a message for the write pump, blocking while the connection
// applies backpressure. Messages are dropped once the connection is gone.
func (c *Conn) enqueue(v any) { c.push(v, false) }

// enqueueHandshake queues a handshake message; these stay plaintext so the
// peer can always read them, key or no key.
func (c *Conn) enqueueHandshake(v any) { c.push(v, true) }

func (c *Conn) push(v any, handshake bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal outbound message", zap.Error(err))
		return
	}
	select {
	case c.send <- outbound{payload: payload, handshake: handshake}:
	case <-c.done:
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case out := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			messageType, frame, err := c.encodeOutbound(out)
			if err != nil {
				c.logger.Error("encode outbound frame", zap.Error(err))
				continue
			}
			if err := c.ws.WriteMessage(messageType, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// encodeOutbound picks the frame for one outbound JSON payload: plaintext
// before authentication and for handshake messages, an encrypted envelope
// afterwards. Inside the envelope the payload is gzipped when the client
// declared COMPRESSED_JSON and the plain form reaches the threshold.
func (c *Conn) encodeOutbound(out outbound) (int, []byte, error) {
	if out.handshake || !c.authenticated.Load() {
		return websocket.TextMessage, out.payload, nil
	}

	format := wire.FormatJSON
	payload := out.payload
	if c.compressReplies.Load() && len(payload) >= c.compressionThreshold {
		if compressed, err := wire.Compress(payload); err == nil && len(compressed) < len(payload) {
			format = wire.FormatCompressedJSON
			payload = compressed
		}
	}
	envelope, err := wire.SealEnvelope(c.key, format, payload)
	if err != nil {
		return 0, nil, err
	}
	return websocket.BinaryMessage, envelope, nil
}
