// Package events defines the realtime signalling frames and their typed payloads.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Name identifies an inbound event.
type Name string

const (
	CallOfferName    Name = "call:offer"
	CallAnswerName   Name = "call:answer"
	ICECandidateName Name = "call:ice-candidate"
	CallEndName      Name = "call:end"
	CallVerifyName   Name = "call:verify"
	MessageSendName  Name = "message:send"
	TypingName       Name = "typing"
)

// Names lists every inbound event.
var Names = []Name{
	CallOfferName,
	CallAnswerName,
	ICECandidateName,
	CallEndName,
	CallVerifyName,
	MessageSendName,
	TypingName,
}

// Envelope carries guard metadata. It never reaches a handler.
type Envelope struct {
	Token     string `json:"token,omitempty"`
	Signature string `json:"signature,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Frame is one inbound realtime message.
type Frame struct {
	Event    Name            `json:"event"`
	Envelope Envelope        `json:"envelope"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ParseFrame decodes a raw frame.
func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrInvalidPayload)
	}
	return f, nil
}

// SigningContent is what a client signs: the event name, the nonce and the
// payload, so a signature cannot be moved to another event or nonce.
func SigningContent(f Frame) map[string]any {
	payload := f.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return map[string]any{
		"event":   string(f.Event),
		"nonce":   f.Envelope.Nonce,
		"payload": payload,
	}
}

// Event is the closed set of typed payloads.
type Event interface {
	Name() Name
	Validate() error
}

// CallOffer starts a call. For 1:1 calls SessionID binds the offer to a
// verified CallSession.
type CallOffer struct {
	To        string                    `json:"to"`
	CallToken string                    `json:"callToken"`
	SessionID string                    `json:"sessionId,omitempty"`
	Kind      string                    `json:"kind"`
	SDP       webrtc.SessionDescription `json:"sdp"`
}

func (CallOffer) Name() Name { return CallOfferName }

func (e CallOffer) Validate() error {
	if e.To == "" || e.CallToken == "" || e.Kind == "" {
		return fmt.Errorf("%w: offer requires to, callToken and kind", ErrInvalidPayload)
	}
	if e.SDP.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: sdp type must be offer", ErrInvalidPayload)
	}
	return nil
}

// CallAnswer answers an offer.
type CallAnswer struct {
	To        string                    `json:"to"`
	SessionID string                    `json:"sessionId,omitempty"`
	SDP       webrtc.SessionDescription `json:"sdp"`
}

func (CallAnswer) Name() Name { return CallAnswerName }

func (e CallAnswer) Validate() error {
	if e.To == "" {
		return fmt.Errorf("%w: answer requires to", ErrInvalidPayload)
	}
	if e.SDP.Type != webrtc.SDPTypeAnswer && e.SDP.Type != webrtc.SDPTypePranswer {
		return fmt.Errorf("%w: sdp type must be answer", ErrInvalidPayload)
	}
	return nil
}

// ICECandidate trickles one candidate to the peer.
type ICECandidate struct {
	To        string                  `json:"to"`
	SessionID string                  `json:"sessionId,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (ICECandidate) Name() Name { return ICECandidateName }

func (e ICECandidate) Validate() error {
	if e.To == "" {
		return fmt.Errorf("%w: candidate requires to", ErrInvalidPayload)
	}
	return nil
}

// CallEnd hangs up.
type CallEnd struct {
	To        string `json:"to"`
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (CallEnd) Name() Name { return CallEndName }

func (e CallEnd) Validate() error {
	if e.To == "" && e.SessionID == "" {
		return fmt.Errorf("%w: end requires to or sessionId", ErrInvalidPayload)
	}
	return nil
}

// CallVerify confirms the sender's role in a 1:1 session.
type CallVerify struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
}

func (CallVerify) Name() Name { return CallVerifyName }

func (e CallVerify) Validate() error {
	if e.SessionID == "" || e.Role == "" {
		return fmt.Errorf("%w: verify requires sessionId and role", ErrInvalidPayload)
	}
	return nil
}

// MessageSend delivers a chat message to a user or group topic.
type MessageSend struct {
	To       string `json:"to"`
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

func (MessageSend) Name() Name { return MessageSendName }

func (e MessageSend) Validate() error {
	if e.To == "" || e.Content == "" {
		return fmt.Errorf("%w: message requires to and content", ErrInvalidPayload)
	}
	return nil
}

// Typing signals typing state.
type Typing struct {
	To     string `json:"to"`
	Active bool   `json:"active"`
}

func (Typing) Name() Name { return TypingName }

func (e Typing) Validate() error {
	if e.To == "" {
		return fmt.Errorf("%w: typing requires to", ErrInvalidPayload)
	}
	return nil
}

// Decode returns the typed payload of f.
func Decode(f Frame) (Event, error) {
	switch f.Event {
	case CallOfferName:
		return decode[CallOffer](f.Payload)
	case CallAnswerName:
		return decode[CallAnswer](f.Payload)
	case ICECandidateName:
		return decode[ICECandidate](f.Payload)
	case CallEndName:
		return decode[CallEnd](f.Payload)
	case CallVerifyName:
		return decode[CallVerify](f.Payload)
	case MessageSendName:
		return decode[MessageSend](f.Payload)
	case TypingName:
		return decode[Typing](f.Payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
}

func decode[T Event](payload json.RawMessage) (Event, error) {
	var e T
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Outbound is a server to client message.
type Outbound struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Security notifications sent to the offending connection.
const (
	NotifyRateLimited    = "security:rate-limited"
	NotifyReauthRequired = "security:reauth-required"
	NotifyViolation      = "security:violation"
	NotifyDisconnected   = "security:disconnected"
	NotifyError          = "error"
)
