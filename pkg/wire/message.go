// Package wire defines the relay protocol: the JSON message set carried over
// one bidirectional connection, the binary frame formats, the encrypted
// envelope and the chunked upload payload.
package wire

import (
	"encoding/json"
)

// Type discriminates the JSON messages carried over the relay.
type Type string

const (
	TypeRequest     Type = "request"
	TypeResponse    Type = "response"
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypeEvent       Type = "event"

	TypeUploadStart    Type = "upload_start"
	TypeUploadEnd      Type = "upload_end"
	TypeUploadCancel   Type = "upload_cancel"
	TypeUploadProgress Type = "upload_progress"
	TypeUploadComplete Type = "upload_complete"
	TypeUploadError    Type = "upload_error"

	TypeClientCapabilities Type = "client_capabilities"

	TypeSRPHello          Type = "srp_hello"
	TypeSRPChallenge      Type = "srp_challenge"
	TypeSRPProof          Type = "srp_proof"
	TypeSRPVerify         Type = "srp_verify"
	TypeSRPError          Type = "srp_error"
	TypeSRPSessionResume  Type = "srp_session_resume"
	TypeSRPSessionResumed Type = "srp_session_resumed"
	TypeSRPSessionInvalid Type = "srp_session_invalid"
)

// Subscription channels.
const (
	ChannelSession  = "session"
	ChannelActivity = "activity"
)

// Request carries an HTTP-style request to the in-process dispatcher.
type Request struct {
	Type    Type              `json:"type"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	Type    Type              `json:"type"`
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Subscribe opens a channel subscription. SessionID is required for the
// session channel and ignored for activity.
type Subscribe struct {
	Type           Type   `json:"type"`
	SubscriptionID string `json:"subscriptionId"`
	Channel        string `json:"channel"`
	SessionID      string `json:"sessionId,omitempty"`
}

// Unsubscribe tears down a subscription.
type Unsubscribe struct {
	Type           Type   `json:"type"`
	SubscriptionID string `json:"subscriptionId"`
}

// Event is a server push on a subscription. EventID is strictly increasing
// and contiguous from 0 per subscription, so it is never omitted.
type Event struct {
	Type           Type            `json:"type"`
	SubscriptionID string          `json:"subscriptionId"`
	EventID        uint64          `json:"eventId"`
	EventType      string          `json:"eventType"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// UploadStart declares a chunked upload. Chunks follow as FormatBinaryUpload
// frames carrying the same upload UUID.
type UploadStart struct {
	Type      Type   `json:"type"`
	UploadID  string `json:"uploadId"`
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType,omitempty"`
}

// UploadEnd asks the server to finalize the upload.
type UploadEnd struct {
	Type     Type   `json:"type"`
	UploadID string `json:"uploadId"`
}

// UploadCancel aborts an in-flight upload; partial data is deleted.
type UploadCancel struct {
	Type     Type   `json:"type"`
	UploadID string `json:"uploadId"`
}

// UploadProgress acknowledges received bytes.
type UploadProgress struct {
	Type          Type   `json:"type"`
	UploadID      string `json:"uploadId"`
	BytesReceived int64  `json:"bytesReceived"`
}

// UploadComplete reports the finalized file reference.
type UploadComplete struct {
	Type     Type   `json:"type"`
	UploadID string `json:"uploadId"`
	FileRef  string `json:"fileRef"`
}

// UploadError reports a failed upload; the upload id is dead afterwards.
type UploadError struct {
	Type     Type   `json:"type"`
	UploadID string `json:"uploadId"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

// ClientCapabilities declares the binary formats the client accepts.
// The server picks the most compact declared format for replies.
type ClientCapabilities struct {
	Type    Type  `json:"type"`
	Formats []int `json:"formats"`
}

// SRPHello opens the handshake with the claimed identity.
type SRPHello struct {
	Type     Type   `json:"type"`
	Identity string `json:"identity"`
}

// SRPChallenge carries the salt and the server public value B, hex encoded.
type SRPChallenge struct {
	Type Type   `json:"type"`
	Salt string `json:"salt"`
	B    string `json:"B"`
}

// SRPProof carries the client public value A and evidence M1, hex encoded.
type SRPProof struct {
	Type Type   `json:"type"`
	A    string `json:"A"`
	M1   string `json:"M1"`
}

// SRPVerify carries the server evidence M2 and the resumable auth session id.
type SRPVerify struct {
	Type      Type   `json:"type"`
	M2        string `json:"M2"`
	SessionID string `json:"sessionId,omitempty"`
}

// SRPError aborts the handshake; the connection re-enters unauthenticated.
type SRPError struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// SRPSessionResume binds a previously established auth session without a
// full handshake. Proof is hex(HMAC-SHA256(K, "resume:"+sessionId+":"+identity)).
type SRPSessionResume struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Identity  string `json:"identity"`
	Proof     string `json:"proof"`
}

// SRPSessionResumed confirms a resumed auth session.
type SRPSessionResumed struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
}

// SRPSessionInvalid rejects a resume attempt.
type SRPSessionInvalid struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

type typeProbe struct {
	Type Type `json:"type"`
}

// TypeOf reads the type discriminator without decoding the full message.
func TypeOf(data []byte) (Type, error) {
	var p typeProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return "", Errf(CodeMalformedFrame, "not a relay message: %v", err)
	}
	if p.Type == "" {
		return "", Errf(CodeMalformedFrame, "missing type")
	}
	return p.Type, nil
}

// Decode parses a JSON relay message into its concrete type. The returned
// value is a pointer to one of the structs above.
func Decode(data []byte) (any, error) {
	t, err := TypeOf(data)
	if err != nil {
		return nil, err
	}

	var msg any
	switch t {
	case TypeRequest:
		msg = &Request{}
	case TypeResponse:
		msg = &Response{}
	case TypeSubscribe:
		msg = &Subscribe{}
	case TypeUnsubscribe:
		msg = &Unsubscribe{}
	case TypeEvent:
		msg = &Event{}
	case TypeUploadStart:
		msg = &UploadStart{}
	case TypeUploadEnd:
		msg = &UploadEnd{}
	case TypeUploadCancel:
		msg = &UploadCancel{}
	case TypeUploadProgress:
		msg = &UploadProgress{}
	case TypeUploadComplete:
		msg = &UploadComplete{}
	case TypeUploadError:
		msg = &UploadError{}
	case TypeClientCapabilities:
		msg = &ClientCapabilities{}
	case TypeSRPHello:
		msg = &SRPHello{}
	case TypeSRPChallenge:
		msg = &SRPChallenge{}
	case TypeSRPProof:
		msg = &SRPProof{}
	case TypeSRPVerify:
		msg = &SRPVerify{}
	case TypeSRPError:
		msg = &SRPError{}
	case TypeSRPSessionResume:
		msg = &SRPSessionResume{}
	case TypeSRPSessionResumed:
		msg = &SRPSessionResumed{}
	case TypeSRPSessionInvalid:
		msg = &SRPSessionInvalid{}
	default:
		return nil, Errf(CodeMalformedFrame, "unknown message type %q", t)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, Errf(CodeMalformedFrame, "decode %s: %v", t, err)
	}
	return msg, nil
}

// NewEvent builds an event message, marshaling data.
func NewEvent(subscriptionID string, eventID uint64, eventType string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:           TypeEvent,
		SubscriptionID: subscriptionID,
		EventID:        eventID,
		EventType:      eventType,
		Data:           raw,
	}, nil
}

// NewResponse builds a response message, marshaling body.
func NewResponse(id string, status int, body any) (*Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Response{Type: TypeResponse, ID: id, Status: status, Body: raw}, nil
}

// NewUploadError builds an upload_error message.
func NewUploadError(uploadID, code, message string) *UploadError {
	return &UploadError{Type: TypeUploadError, UploadID: uploadID, Code: code, Message: message}
}
