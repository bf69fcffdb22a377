package typing

import (
	"sync"
	"testing"
	"time"
)

func TestSetAndIsTyping(t *testing.T) {
	tr := NewTracker(time.Second, nil)

	tr.SetTyping("conv1", "alice")
	if !tr.IsTyping("conv1", "alice") {
		t.Error("expected alice typing in conv1")
	}
	if tr.IsTyping("conv1", "bob") {
		t.Error("bob never typed")
	}
	if tr.IsTyping("conv2", "alice") {
		t.Error("alice never typed in conv2")
	}
}

func TestAutoExpire(t *testing.T) {
	expired := make(chan [2]string, 1)
	tr := NewTracker(50*time.Millisecond, func(convID, userID string) {
		expired <- [2]string{convID, userID}
	})

	tr.SetTyping("conv1", "alice")

	select {
	case got := <-expired:
		if got[0] != "conv1" || got[1] != "alice" {
			t.Errorf("expired %v, want [conv1 alice]", got)
		}
	case <-time.After(time.Second):
		t.Fatal("typing entry did not expire")
	}

	if tr.IsTyping("conv1", "alice") {
		t.Error("entry should be gone after expiry")
	}
}

func TestRefreshExtendsTimer(t *testing.T) {
	expired := make(chan struct{}, 1)
	tr := NewTracker(80*time.Millisecond, func(string, string) {
		expired <- struct{}{}
	})

	tr.SetTyping("conv1", "alice")

	// Keep refreshing past the original deadline; the entry must stay live.
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		tr.SetTyping("conv1", "alice")
	}

	select {
	case <-expired:
		t.Fatal("entry expired despite refreshes")
	default:
	}
	if !tr.IsTyping("conv1", "alice") {
		t.Error("entry should still be live after refreshes")
	}
}

func TestExplicitClearSkipsCallback(t *testing.T) {
	expired := make(chan struct{}, 1)
	tr := NewTracker(50*time.Millisecond, func(string, string) {
		expired <- struct{}{}
	})

	tr.SetTyping("conv1", "alice")
	tr.Clear("conv1", "alice")

	if tr.IsTyping("conv1", "alice") {
		t.Error("entry should be gone after Clear")
	}

	select {
	case <-expired:
		t.Error("Clear must not fire the expiry callback")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStaleExpiryAfterRefreshIsIgnored(t *testing.T) {
	expired := make(chan struct{}, 1)
	tr := NewTracker(time.Hour, func(string, string) {
		expired <- struct{}{}
	})

	// Two refreshes advance the entry's generation past the first timer's.
	tr.SetTyping("conv1", "alice")
	tr.SetTyping("conv1", "alice")

	// A callback from the first timer firing just before the refresh landed
	// carries the old generation and must leave the refreshed entry alone.
	tr.expire("conv1", "alice", 1)

	if !tr.IsTyping("conv1", "alice") {
		t.Error("stale expiry removed the refreshed entry")
	}
	select {
	case <-expired:
		t.Error("stale expiry fired the callback")
	default:
	}

	// The current generation still expires normally.
	tr.expire("conv1", "alice", 2)
	if tr.IsTyping("conv1", "alice") {
		t.Error("current-generation expiry should remove the entry")
	}
	select {
	case <-expired:
	default:
		t.Error("current-generation expiry should fire the callback")
	}
}

func TestConcurrentTypists(t *testing.T) {
	tr := NewTracker(100*time.Millisecond, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := string(rune('a' + n%5))
			for j := 0; j < 50; j++ {
				tr.SetTyping("conv1", user)
				tr.IsTyping("conv1", user)
			}
		}(i)
	}
	wg.Wait()
}
