package store

import "testing"

func TestStatusAdvances(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusQueued, StatusSent, true},
		{StatusQueued, StatusDelivered, true},
		{StatusQueued, StatusRead, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusSent, false},
		{StatusSent, StatusSent, false},
		{StatusQueued, StatusFailed, true},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, false},
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{"bogus", StatusRead, false},
		{StatusSent, "bogus", false},
	}

	for _, tt := range tests {
		if got := StatusAdvances(tt.from, tt.to); got != tt.want {
			t.Errorf("StatusAdvances(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanonicalPair(t *testing.T) {
	lo, hi := canonicalPair("bob", "alice")
	if lo != "alice" || hi != "bob" {
		t.Errorf("canonicalPair = %q, %q", lo, hi)
	}
	lo, hi = canonicalPair("alice", "bob")
	if lo != "alice" || hi != "bob" {
		t.Errorf("canonicalPair = %q, %q", lo, hi)
	}
}

func TestConversationPeer(t *testing.T) {
	c := Conversation{ParticipantLo: "alice", ParticipantHi: "bob"}

	if got := c.Peer("alice"); got != "bob" {
		t.Errorf("Peer(alice) = %q", got)
	}
	if got := c.Peer("bob"); got != "alice" {
		t.Errorf("Peer(bob) = %q", got)
	}
	if got := c.Peer("mallory"); got != "" {
		t.Errorf("Peer(mallory) = %q, want empty", got)
	}
	if c.HasParticipant("mallory") {
		t.Error("mallory is not a participant")
	}
}
