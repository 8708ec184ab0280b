package call

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the wire "type" of a signaling message.
type Kind string

const (
	KindOffer     Kind = "CALL_OFFER"
	KindAnswer    Kind = "CALL_ANSWER"
	KindCandidate Kind = "ICE_CANDIDATE"
	KindEnd       Kind = "CALL_END"
	KindReject    Kind = "CALL_REJECT"
	KindBusy      Kind = "CALL_BUSY"
)

// Signal is one of Offer, Answer, Candidate, End, Reject or Busy.
//
// Callee is the recipient's id: on CALL_OFFER it is the callee, on
// CALL_ANSWER it is the original caller.
type Signal interface {
	Kind() Kind
	Callee() string
	visit(from string, h signalHandler)
}

// signalHandler has one method per kind. A new kind does not compile until
// every handler covers it.
type signalHandler interface {
	onOffer(from string, s Offer)
	onAnswer(from string, s Answer)
	onCandidate(from string, s Candidate)
	onEnd(from string, s End)
	onReject(from string, s Reject)
	onBusy(from string, s Busy)
}

type Offer struct {
	CalleeID string
	Media    MediaKind
	SDP      string
}

type Answer struct {
	CalleeID string
	SDP      string
}

// Candidate carries a JSON-serialized ICE candidate init.
type Candidate struct {
	CalleeID  string
	Candidate string
}

type End struct{ CalleeID string }

type Reject struct{ CalleeID string }

type Busy struct{ CalleeID string }

func (Offer) Kind() Kind     { return KindOffer }
func (Answer) Kind() Kind    { return KindAnswer }
func (Candidate) Kind() Kind { return KindCandidate }
func (End) Kind() Kind       { return KindEnd }
func (Reject) Kind() Kind    { return KindReject }
func (Busy) Kind() Kind      { return KindBusy }

func (s Offer) Callee() string     { return s.CalleeID }
func (s Answer) Callee() string    { return s.CalleeID }
func (s Candidate) Callee() string { return s.CalleeID }
func (s End) Callee() string       { return s.CalleeID }
func (s Reject) Callee() string    { return s.CalleeID }
func (s Busy) Callee() string      { return s.CalleeID }

func (s Offer) visit(from string, h signalHandler)     { h.onOffer(from, s) }
func (s Answer) visit(from string, h signalHandler)    { h.onAnswer(from, s) }
func (s Candidate) visit(from string, h signalHandler) { h.onCandidate(from, s) }
func (s End) visit(from string, h signalHandler)       { h.onEnd(from, s) }
func (s Reject) visit(from string, h signalHandler)    { h.onReject(from, s) }
func (s Busy) visit(from string, h signalHandler)      { h.onBusy(from, s) }

// Inbound is a decoded delivery.
type Inbound struct {
	ID     string
	From   string
	Signal Signal
}

// wireSignal is the JSON shape shared by all kinds.
type wireSignal struct {
	Type      Kind      `json:"type"`
	CalleeID  string    `json:"calleeId"`
	CallType  MediaKind `json:"callType,omitempty"`
	SDP       string    `json:"sdp,omitempty"`
	Candidate string    `json:"candidate,omitempty"`
}

var errMalformed = errors.New("call: malformed signal")

// EncodeSignal renders sig in wire form.
func EncodeSignal(sig Signal) (json.RawMessage, error) {
	w := wireSignal{Type: sig.Kind(), CalleeID: sig.Callee()}
	switch s := sig.(type) {
	case Offer:
		w.CallType = s.Media
		w.SDP = s.SDP
	case Answer:
		w.SDP = s.SDP
	case Candidate:
		w.Candidate = s.Candidate
	}
	return json.Marshal(w)
}

// DecodeSignal parses one wire message.
func DecodeSignal(b []byte) (Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if w.CalleeID == "" {
		return nil, fmt.Errorf("%w: %s without calleeId", errMalformed, w.Type)
	}
	switch w.Type {
	case KindOffer:
		if w.SDP == "" {
			return nil, fmt.Errorf("%w: offer without sdp", errMalformed)
		}
		if !w.CallType.Valid() {
			return nil, fmt.Errorf("%w: callType %q", errMalformed, w.CallType)
		}
		return Offer{CalleeID: w.CalleeID, Media: w.CallType, SDP: w.SDP}, nil
	case KindAnswer:
		if w.SDP == "" {
			return nil, fmt.Errorf("%w: answer without sdp", errMalformed)
		}
		return Answer{CalleeID: w.CalleeID, SDP: w.SDP}, nil
	case KindCandidate:
		if w.Candidate == "" {
			return nil, fmt.Errorf("%w: empty candidate", errMalformed)
		}
		return Candidate{CalleeID: w.CalleeID, Candidate: w.Candidate}, nil
	case KindEnd:
		return End{CalleeID: w.CalleeID}, nil
	case KindReject:
		return Reject{CalleeID: w.CalleeID}, nil
	case KindBusy:
		return Busy{CalleeID: w.CalleeID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", errMalformed, w.Type)
	}
}
