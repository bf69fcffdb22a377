package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/safetalk/chat-app/internal/protocol"
	"github.com/safetalk/chat-app/internal/store"
)

func event(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return data
}

func TestOptimisticSendThenConfirm(t *testing.T) {
	v := NewView("alice")

	local := v.SendOptimistic("conv1", "bob", "hello", store.ContentText, "")
	if local.State != StatePending || local.Status != store.StatusQueued {
		t.Fatalf("local = %+v", local)
	}

	msgs := v.Messages("conv1")
	if len(msgs) != 1 || msgs[0].State != StatePending {
		t.Fatalf("messages = %+v", msgs)
	}

	// Server confirms with the same id and an advanced status.
	server := local.Message
	server.Status = store.StatusSent
	v.ConfirmSend(server)

	msgs = v.Messages("conv1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after confirm, got %d", len(msgs))
	}
	if msgs[0].State != StateConfirmed || msgs[0].Status != store.StatusSent {
		t.Errorf("confirmed = %+v", msgs[0])
	}
}

func TestConfirmDoesNotRegressStatus(t *testing.T) {
	v := NewView("alice")
	local := v.SendOptimistic("conv1", "bob", "hello", store.ContentText, "")

	// A delivered event raced ahead of the HTTP confirm.
	v.ApplyEvent(event(t, protocol.TypeMessageStatusChanged, protocol.MessageStatusChangedMsg{
		MessageID:      local.ID,
		ConversationID: "conv1",
		Status:         store.StatusDelivered,
	}))

	server := local.Message
	server.Status = store.StatusSent
	v.ConfirmSend(server)

	if got := v.Messages("conv1")[0].Status; got != store.StatusDelivered {
		t.Errorf("status = %q, want delivered preserved", got)
	}
}

func TestFailedSendCanBeMarked(t *testing.T) {
	v := NewView("alice")
	local := v.SendOptimistic("conv1", "bob", "hello", store.ContentText, "")

	v.FailSend("conv1", local.ID)

	m := v.Messages("conv1")[0]
	if m.State != StateFailed || m.Status != store.StatusFailed {
		t.Errorf("message = %+v", m)
	}

	// Confirm after fail (late response) flips it back to confirmed.
	server := local.Message
	server.Status = store.StatusSent
	v.ConfirmSend(server)
	if got := v.Messages("conv1")[0].State; got != StateConfirmed {
		t.Errorf("state = %v, want confirmed", got)
	}
}

func TestReceivedEventDedupe(t *testing.T) {
	v := NewView("bob")

	incoming := protocol.Message{
		ID:             "m1",
		ConversationID: "conv1",
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "hi",
		ContentType:    store.ContentText,
		Status:         store.StatusDelivered,
		CreatedAt:      time.Now(),
	}
	ev := event(t, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Message: incoming})

	v.ApplyEvent(ev)
	v.ApplyEvent(ev) // redelivery

	if got := len(v.Messages("conv1")); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
	if got := v.Unread("conv1"); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
}

func TestUnreadNotBumpedForOpenConversation(t *testing.T) {
	v := NewView("bob")
	v.OpenConversation("conv1")

	v.ApplyEvent(event(t, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		Message: protocol.Message{
			ID:             "m1",
			ConversationID: "conv1",
			SenderID:       "alice",
			ReceiverID:     "bob",
			Content:        "hi",
			ContentType:    store.ContentText,
			Status:         store.StatusDelivered,
			CreatedAt:      time.Now(),
		},
	}))

	if got := v.Unread("conv1"); got != 0 {
		t.Errorf("unread = %d, want 0 for open conversation", got)
	}
}

func TestStatusEventsAreForwardOnly(t *testing.T) {
	v := NewView("alice")
	local := v.SendOptimistic("conv1", "bob", "hi", store.ContentText, "")

	apply := func(status string) {
		v.ApplyEvent(event(t, protocol.TypeMessageStatusChanged, protocol.MessageStatusChangedMsg{
			MessageID:      local.ID,
			ConversationID: "conv1",
			Status:         status,
		}))
	}

	apply(store.StatusRead)
	apply(store.StatusDelivered) // stale, must not regress

	if got := v.Messages("conv1")[0].Status; got != store.StatusRead {
		t.Errorf("status = %q, want read", got)
	}
}

func TestDeletedEventRemovesMessage(t *testing.T) {
	v := NewView("bob")
	v.ApplyEvent(event(t, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		Message: protocol.Message{
			ID:             "m1",
			ConversationID: "conv1",
			SenderID:       "alice",
			ReceiverID:     "bob",
			Content:        "oops",
			ContentType:    store.ContentText,
			Status:         store.StatusDelivered,
			CreatedAt:      time.Now(),
		},
	}))

	v.ApplyEvent(event(t, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID:      "m1",
		ConversationID: "conv1",
	}))

	if got := len(v.Messages("conv1")); got != 0 {
		t.Errorf("messages = %d, want 0 after delete", got)
	}
}

func TestTypingAndPresenceEvents(t *testing.T) {
	v := NewView("bob")

	v.ApplyEvent(event(t, protocol.TypeTypingChanged, protocol.TypingChangedMsg{
		ConversationID: "conv1",
		UserID:         "alice",
		IsTyping:       true,
	}))
	if !v.PeerTyping("conv1") {
		t.Error("expected peer typing")
	}

	// A landing message clears the indicator.
	v.ApplyEvent(event(t, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		Message: protocol.Message{
			ID:             "m1",
			ConversationID: "conv1",
			SenderID:       "alice",
			ReceiverID:     "bob",
			Content:        "done typing",
			ContentType:    store.ContentText,
			Status:         store.StatusDelivered,
			CreatedAt:      time.Now(),
		},
	}))
	if v.PeerTyping("conv1") {
		t.Error("typing should clear when the message arrives")
	}

	v.ApplyEvent(event(t, protocol.TypePresenceChanged, protocol.PresenceChangedMsg{
		UserID: "alice",
		Online: true,
	}))
	if online, _ := v.PeerOnline("alice"); !online {
		t.Error("expected alice online")
	}

	offAt := time.Now().Unix()
	v.ApplyEvent(event(t, protocol.TypePresenceChanged, protocol.PresenceChangedMsg{
		UserID:   "alice",
		Online:   false,
		LastSeen: offAt,
	}))
	online, lastSeen := v.PeerOnline("alice")
	if online || lastSeen.Unix() != offAt {
		t.Errorf("presence = %v %v", online, lastSeen)
	}
}

func TestMergeHistoryPreservesNewerStatus(t *testing.T) {
	v := NewView("alice")
	local := v.SendOptimistic("conv1", "bob", "hi", store.ContentText, "")

	v.ApplyEvent(event(t, protocol.TypeMessageStatusChanged, protocol.MessageStatusChangedMsg{
		MessageID:      local.ID,
		ConversationID: "conv1",
		Status:         store.StatusRead,
	}))

	// A fetch that raced the read event carries the older status.
	stale := local.Message
	stale.Status = store.StatusDelivered
	v.MergeHistory("conv1", []protocol.Message{stale})

	if got := v.Messages("conv1")[0].Status; got != store.StatusRead {
		t.Errorf("status = %q, want read preserved over stale fetch", got)
	}
}

func TestMessagesOrdering(t *testing.T) {
	v := NewView("bob")
	base := time.Now()

	for _, m := range []protocol.Message{
		{ID: "b", ConversationID: "conv1", SenderID: "alice", ReceiverID: "bob", Content: "2", ContentType: store.ContentText, Status: store.StatusDelivered, CreatedAt: base.Add(time.Second)},
		{ID: "a", ConversationID: "conv1", SenderID: "alice", ReceiverID: "bob", Content: "1", ContentType: store.ContentText, Status: store.StatusDelivered, CreatedAt: base},
		{ID: "c", ConversationID: "conv1", SenderID: "alice", ReceiverID: "bob", Content: "tie", ContentType: store.ContentText, Status: store.StatusDelivered, CreatedAt: base},
	} {
		v.ApplyEvent(event(t, protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Message: m}))
	}

	got := v.Messages("conv1")
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	want := []string{"a", "c", "b"}
	if len(ids) != 3 || ids[0] != want[0] || ids[1] != want[1] || ids[2] != want[2] {
		t.Errorf("order = %v, want %v", ids, want)
	}
}

func TestMalformedEventIsIgnored(t *testing.T) {
	v := NewView("bob")
	v.ApplyEvent([]byte("not json"))
	v.ApplyEvent([]byte(`{"type":"unknown_event"}`))
	v.ApplyEvent(mustMarshal(map[string]interface{}{"type": protocol.TypeMessageReceived, "message": "not an object"}))

	if got := len(v.Messages("conv1")); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
