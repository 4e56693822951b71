// Package event defines the signaling wire protocol: one JSON envelope
// with a type discriminant and a typed payload per event type. The
// payload is decoded exhaustively at the transport boundary; nothing
// downstream handles raw JSON.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/mikeyg42/peercall/internal/identity"
)

// Type discriminates the envelope payload.
type Type string

const (
	TypeNewParticipant  Type = "new_participant"
	TypeOffer           Type = "offer"
	TypeAnswer          Type = "answer"
	TypeIceCandidate    Type = "ice_candidate"
	TypeParticipantLeft Type = "participant_left"
	TypeDataMode        Type = "data_mode"
)

// Envelope is the single frame shape on the signaling channel.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewParticipant announces a joiner. Existing participants decide
// locally whether they are the offerer toward it; the joiner does not
// reply.
type NewParticipant struct {
	ParticipantID identity.ParticipantID `json:"participantId"`
}

// Offer carries a JSON-serialized session description plus the sender's
// current bandwidth mode, so the answerer can match modes before
// negotiating.
type Offer struct {
	Offer    string                 `json:"offer"`
	DataMode bool                   `json:"dataMode"`
	From     identity.ParticipantID `json:"from,omitempty"`
	To       identity.ParticipantID `json:"to"`
}

// Answer carries the JSON-serialized answering session description.
type Answer struct {
	Answer string                 `json:"answer"`
	From   identity.ParticipantID `json:"from,omitempty"`
	To     identity.ParticipantID `json:"to"`
}

// IceCandidate carries one JSON-serialized network candidate,
// fire-and-forget, independent of offer/answer sequencing.
type IceCandidate struct {
	IceCandidate string                 `json:"iceCandidate"`
	From         identity.ParticipantID `json:"from,omitempty"`
	To           identity.ParticipantID `json:"to"`
}

// ParticipantLeft reports a departure observed by the relay.
type ParticipantLeft struct {
	ParticipantID identity.ParticipantID `json:"participantId"`
}

// DataMode broadcasts a room-wide bandwidth mode switch.
type DataMode struct {
	IsLowDataMode bool                   `json:"isLowDataMode"`
	From          identity.ParticipantID `json:"from,omitempty"`
}

// New wraps a typed payload in an envelope. Panics on a payload that
// cannot marshal, which would be a programming error: every payload
// type above is plain data.
func New(t Type, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("event: marshal %s payload: %v", t, err))
	}
	return Envelope{Type: t, Payload: raw}
}

// Decode returns the typed payload for the envelope. Unknown types and
// malformed payloads return an error; callers treat that as a
// connection-level failure for the sending peer, not a fatal one.
func (e Envelope) Decode() (any, error) {
	var (
		payload any
		err     error
	)
	switch e.Type {
	case TypeNewParticipant:
		var p NewParticipant
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	case TypeOffer:
		var p Offer
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	case TypeAnswer:
		var p Answer
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	case TypeIceCandidate:
		var p IceCandidate
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	case TypeParticipantLeft:
		var p ParticipantLeft
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	case TypeDataMode:
		var p DataMode
		err = json.Unmarshal(e.Payload, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return payload, nil
}

// Routing is the minimal addressing view the relay needs: it probes the
// payload for to/from without decoding the full event.
type Routing struct {
	From identity.ParticipantID `json:"from"`
	To   identity.ParticipantID `json:"to"`
}

// Route extracts the addressing fields from the payload. An empty To
// means the event is a room broadcast.
func (e Envelope) Route() (Routing, error) {
	var r Routing
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return Routing{}, fmt.Errorf("probe payload routing: %w", err)
	}
	return r, nil
}

// StampFrom rewrites the payload's from field with the authenticated
// sender identity, so clients cannot spoof each other through the relay.
func (e *Envelope) StampFrom(from identity.ParticipantID) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &fields); err != nil {
		return fmt.Errorf("unmarshal payload for stamping: %w", err)
	}
	raw, err := json.Marshal(from)
	if err != nil {
		return fmt.Errorf("marshal sender id: %w", err)
	}
	fields["from"] = raw
	stamped, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("remarshal payload: %w", err)
	}
	e.Payload = stamped
	return nil
}
