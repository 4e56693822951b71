package identity

import (
	"sort"
	"testing"
)

func TestNewParticipantIDIsTimeOrdered(t *testing.T) {
	var ids []string
	for i := 0; i < 10; i++ {
		id, err := NewParticipantID()
		if err != nil {
			t.Fatalf("Failed to generate participant id: %v", err)
		}
		ids = append(ids, id.String())
	}

	if !sort.StringsAreSorted(ids) {
		t.Fatalf("UUIDv7 ids generated in sequence should sort in creation order, got %v", ids)
	}
}

func TestConnectionKeySymmetry(t *testing.T) {
	testCases := []struct {
		name string
		a, b ParticipantID
		want string
	}{
		{"ordered", "aaa", "bbb", "aaa_bbb"},
		{"reversed", "bbb", "aaa", "aaa_bbb"},
		{"uuid-like", "0190a1b2-x", "0190a1b2-y", "0190a1b2-x_0190a1b2-y"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ConnectionKey(tc.a, tc.b)
			if got != tc.want {
				t.Fatalf("ConnectionKey(%s, %s) = %s, want %s", tc.a, tc.b, got, tc.want)
			}
			if got != ConnectionKey(tc.b, tc.a) {
				t.Fatal("ConnectionKey should not depend on argument order")
			}
		})
	}
}

func TestExactlyOneOfferer(t *testing.T) {
	a, err := NewParticipantID()
	if err != nil {
		t.Fatalf("Failed to generate participant id: %v", err)
	}
	b, err := NewParticipantID()
	if err != nil {
		t.Fatalf("Failed to generate participant id: %v", err)
	}

	if IsOfferer(a, b) == IsOfferer(b, a) {
		t.Fatalf("exactly one of (%s, %s) must be the offerer", a, b)
	}

	// The older id always offers.
	if !IsOfferer(a, b) {
		t.Fatal("the participant generated first should be the offerer")
	}
}
