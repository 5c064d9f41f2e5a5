// Package signal defines the typed event vocabulary of the Resona call relay
// and the Bus interface the call engine speaks. Wire envelopes are decoded and
// validated here, at the boundary, so the engine only ever sees well-formed
// typed events.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Op identifies the kind of a signaling envelope.
type Op string

// Ops delivered by the relay (relay → client).
const (
	OpOutgoingCall  Op = "outgoing_call"
	OpIncomingCall  Op = "incoming_call"
	OpCallAccepted  Op = "call_accepted"
	OpCallDeclined  Op = "call_declined"
	OpCallMissed    Op = "call_missed"
	OpCallCancelled Op = "call_cancelled"
	OpCallEnded     Op = "call_ended"
)

// Ops emitted by local actions (client → relay).
const (
	OpCallUser    Op = "call_user"
	OpAcceptCall  Op = "accept_call"
	OpDeclineCall Op = "decline_call"
	OpEndCall     Op = "end_call"
)

// Negotiation ops; same names in both directions, the relay just forwards
// them to the other participant and strips the to_id.
const (
	OpOffer     Op = "webrtc_offer"
	OpAnswer    Op = "webrtc_answer"
	OpCandidate Op = "webrtc_ice_candidate"
)

// Envelope is the wire frame. ID is assigned by the sender; the bus is
// at-least-once, so receivers suppress duplicate IDs.
type Envelope struct {
	ID   string          `json:"id,omitempty"`
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is one signaling event, inbound or outbound.
type Event interface {
	Kind() Op
}

// ─── Relay → client ──────────────────────────────────────────────────────────

// OutgoingCall acknowledges a CallUser and carries the call id the relay
// assigned to the new call.
type OutgoingCall struct {
	CallID string `json:"call_id"`
	ToID   string `json:"to_id"`
}

// IncomingCall notifies the callee that a peer is ringing them.
type IncomingCall struct {
	CallID    string `json:"call_id"`
	FromID    string `json:"from_id"`
	FromName  string `json:"from_name,omitempty"`
	FromImage string `json:"from_image,omitempty"`
}

type CallAccepted struct{}
type CallDeclined struct{}
type CallMissed struct{}
type CallCancelled struct{}
type CallEnded struct{}

// ─── Client → relay ──────────────────────────────────────────────────────────

// CallUser starts ringing ToID.
type CallUser struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
}

// AcceptCall accepts the ringing call.
type AcceptCall struct {
	CallID string `json:"call_id"`
	ToID   string `json:"to_id"`
	FromID string `json:"from_id"`
}

// DeclineCall declines a ringing call (also used as the busy reply).
type DeclineCall struct {
	CallID string `json:"call_id"`
	ToID   string `json:"to_id"`
	FromID string `json:"from_id"`
}

// EndCall hangs up an established or pending call.
type EndCall struct {
	ToID   string `json:"to_id"`
	CallID string `json:"call_id"`
}

// ─── Negotiation (both directions) ───────────────────────────────────────────

// Offer carries an SDP offer. ToID is set on the outbound leg only.
type Offer struct {
	ToID   string                    `json:"to_id,omitempty"`
	Offer  webrtc.SessionDescription `json:"offer"`
	CallID string                    `json:"call_id,omitempty"`
}

// Answer carries an SDP answer.
type Answer struct {
	ToID   string                    `json:"to_id,omitempty"`
	Answer webrtc.SessionDescription `json:"answer"`
	CallID string                    `json:"call_id,omitempty"`
}

// Candidate carries one trickled ICE candidate.
type Candidate struct {
	ToID      string                  `json:"to_id,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	CallID    string                  `json:"call_id,omitempty"`
}

func (OutgoingCall) Kind() Op  { return OpOutgoingCall }
func (IncomingCall) Kind() Op  { return OpIncomingCall }
func (CallAccepted) Kind() Op  { return OpCallAccepted }
func (CallDeclined) Kind() Op  { return OpCallDeclined }
func (CallMissed) Kind() Op    { return OpCallMissed }
func (CallCancelled) Kind() Op { return OpCallCancelled }
func (CallEnded) Kind() Op     { return OpCallEnded }
func (CallUser) Kind() Op      { return OpCallUser }
func (AcceptCall) Kind() Op    { return OpAcceptCall }
func (DeclineCall) Kind() Op   { return OpDeclineCall }
func (EndCall) Kind() Op       { return OpEndCall }
func (Offer) Kind() Op         { return OpOffer }
func (Answer) Kind() Op        { return OpAnswer }
func (Candidate) Kind() Op     { return OpCandidate }

// ErrUnknownOp is returned by Decode for ops outside the vocabulary.
var ErrUnknownOp = errors.New("signal: unknown op")

// Decode turns a wire envelope into a typed event, validating the fields the
// engine relies on. Unknown ops and malformed payloads are errors; callers
// log and drop them.
func Decode(env Envelope) (Event, error) {
	unmarshal := func(v any) error {
		if len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			return fmt.Errorf("signal: bad %s payload: %w", env.Op, err)
		}
		return nil
	}

	switch env.Op {
	case OpOutgoingCall:
		var ev OutgoingCall
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		if ev.CallID == "" {
			return nil, fmt.Errorf("signal: %s without call_id", env.Op)
		}
		return &ev, nil

	case OpIncomingCall:
		var ev IncomingCall
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		if ev.CallID == "" || ev.FromID == "" {
			return nil, fmt.Errorf("signal: %s missing call_id or from_id", env.Op)
		}
		return &ev, nil

	case OpCallAccepted:
		return &CallAccepted{}, nil
	case OpCallDeclined:
		return &CallDeclined{}, nil
	case OpCallMissed:
		return &CallMissed{}, nil
	case OpCallCancelled:
		return &CallCancelled{}, nil
	case OpCallEnded:
		return &CallEnded{}, nil

	case OpOffer:
		var ev Offer
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		if ev.Offer.SDP == "" {
			return nil, fmt.Errorf("signal: %s with empty sdp", env.Op)
		}
		return &ev, nil

	case OpAnswer:
		var ev Answer
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		if ev.Answer.SDP == "" {
			return nil, fmt.Errorf("signal: %s with empty sdp", env.Op)
		}
		return &ev, nil

	case OpCandidate:
		var ev Candidate
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		if ev.Candidate.Candidate == "" {
			return nil, fmt.Errorf("signal: %s with empty candidate", env.Op)
		}
		return &ev, nil

	// Client-side ops show up inbound only on loopback buses (tests, demo).
	case OpCallUser:
		var ev CallUser
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case OpAcceptCall:
		var ev AcceptCall
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case OpDeclineCall:
		var ev DeclineCall
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case OpEndCall:
		var ev EndCall
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return &ev, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOp, env.Op)
}

// Encode wraps a typed event into a wire envelope. The envelope ID is left
// empty; the transport assigns it on send.
func Encode(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("signal: encode %s: %w", ev.Kind(), err)
	}
	return Envelope{Op: ev.Kind(), Data: data}, nil
}
