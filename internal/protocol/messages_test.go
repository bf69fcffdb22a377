package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid typing message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","conversation_id":"conv-1","is_typing":true}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, msgType)
	}

	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if tm.ConversationID != "conv-1" {
		t.Errorf("expected conversation_id %q, got %q", "conv-1", tm.ConversationID)
	}
	if !tm.IsTyping {
		t.Error("expected is_typing true")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid mark_read message
// ---------------------------------------------------------------------------

func TestParseClientMessage_MarkRead(t *testing.T) {
	input := []byte(`{"type":"mark_read","message_ids":["m1","m2","m3"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMarkRead {
		t.Fatalf("expected type %q, got %q", TypeMarkRead, msgType)
	}

	mr, ok := msg.(MarkReadMsg)
	if !ok {
		t.Fatalf("expected MarkReadMsg, got %T", msg)
	}
	if len(mr.MessageIDs) != 3 {
		t.Fatalf("expected 3 message ids, got %d", len(mr.MessageIDs))
	}
	expected := []string{"m1", "m2", "m3"}
	for i, v := range expected {
		if mr.MessageIDs[i] != v {
			t.Errorf("message_ids[%d]: expected %q, got %q", i, v, mr.MessageIDs[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a message_received server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MessageReceived(t *testing.T) {
	payload := MessageReceivedMsg{
		Message: Message{
			ID:             "msg-1",
			ConversationID: "conv-1",
			SenderID:       "alice",
			ReceiverID:     "bob",
			Content:        "hello",
			ContentType:    "text",
			Status:         "sent",
			CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	data, err := NewServerMessage(TypeMessageReceived, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMessageReceived {
		t.Errorf("expected type %q, got %v", TypeMessageReceived, result["type"])
	}

	inner, ok := result["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message to be an object, got %T", result["message"])
	}
	if inner["id"] != "msg-1" {
		t.Errorf("expected message id %q, got %v", "msg-1", inner["id"])
	}
	if inner["content"] != "hello" {
		t.Errorf("expected content %q, got %v", "hello", inner["content"])
	}
	if inner["status"] != "sent" {
		t.Errorf("expected status %q, got %v", "sent", inner["status"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// Server-only types must not parse as client messages.
func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"message_received","message":{}}`)
	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for server-only message type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity for a status change event
// ---------------------------------------------------------------------------

func TestRoundTrip_StatusChanged(t *testing.T) {
	original := MessageStatusChangedMsg{
		Type:           TypeMessageStatusChanged,
		MessageID:      "msg-9",
		ConversationID: "conv-3",
		Status:         "read",
	}

	data, err := NewServerMessage(TypeMessageStatusChanged, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	var decoded MessageStatusChangedMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypeMessageStatusChanged {
		t.Errorf("type mismatch: expected %q, got %q", TypeMessageStatusChanged, decoded.Type)
	}
	if decoded.MessageID != original.MessageID {
		t.Errorf("message_id mismatch: expected %q, got %q", original.MessageID, decoded.MessageID)
	}
	if decoded.Status != original.Status {
		t.Errorf("status mismatch: expected %q, got %q", original.Status, decoded.Status)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"typing", `{"type":"typing","conversation_id":"c1","is_typing":true}`, TypeTyping},
		{"mark_read", `{"type":"mark_read","message_ids":["m1"]}`, TypeMarkRead},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
