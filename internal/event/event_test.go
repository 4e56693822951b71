package event

import (
	"encoding/json"
	"testing"
)

func TestDecodeTypedPayloads(t *testing.T) {
	testCases := []struct {
		name  string
		env   Envelope
		check func(t *testing.T, payload any)
	}{
		{
			name: "offer",
			env:  New(TypeOffer, Offer{Offer: `{"type":"offer","sdp":"v=0"}`, DataMode: true, From: "a", To: "b"}),
			check: func(t *testing.T, payload any) {
				p, ok := payload.(Offer)
				if !ok {
					t.Fatalf("expected Offer, got %T", payload)
				}
				if !p.DataMode || p.From != "a" || p.To != "b" {
					t.Fatalf("offer fields lost in round trip: %+v", p)
				}
			},
		},
		{
			name: "new participant",
			env:  New(TypeNewParticipant, NewParticipant{ParticipantID: "p1"}),
			check: func(t *testing.T, payload any) {
				p, ok := payload.(NewParticipant)
				if !ok {
					t.Fatalf("expected NewParticipant, got %T", payload)
				}
				if p.ParticipantID != "p1" {
					t.Fatalf("unexpected participant id %q", p.ParticipantID)
				}
			},
		},
		{
			name: "data mode",
			env:  New(TypeDataMode, DataMode{IsLowDataMode: true, From: "x"}),
			check: func(t *testing.T, payload any) {
				p, ok := payload.(DataMode)
				if !ok {
					t.Fatalf("expected DataMode, got %T", payload)
				}
				if !p.IsLowDataMode {
					t.Fatal("low data mode flag lost")
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := tc.env.Decode()
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			tc.check(t, payload)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	env := Envelope{Type: "bogus", Payload: json.RawMessage(`{}`)}
	if _, err := env.Decode(); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	env := Envelope{Type: TypeOffer, Payload: json.RawMessage(`{`)}
	if _, err := env.Decode(); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestRouteAndStamp(t *testing.T) {
	env := New(TypeIceCandidate, IceCandidate{IceCandidate: "cand", To: "b"})

	if err := env.StampFrom("a"); err != nil {
		t.Fatalf("StampFrom failed: %v", err)
	}

	r, err := env.Route()
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if r.From != "a" || r.To != "b" {
		t.Fatalf("unexpected routing %+v", r)
	}

	// The stamped payload still decodes as its typed event.
	payload, err := env.Decode()
	if err != nil {
		t.Fatalf("Decode after stamping failed: %v", err)
	}
	if c := payload.(IceCandidate); c.From != "a" || c.IceCandidate != "cand" {
		t.Fatalf("stamping corrupted payload: %+v", c)
	}
}

func TestBroadcastHasEmptyTo(t *testing.T) {
	env := New(TypeNewParticipant, NewParticipant{ParticipantID: "p"})
	r, err := env.Route()
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if r.To != "" {
		t.Fatalf("broadcast events must not carry a to field, got %q", r.To)
	}
}
