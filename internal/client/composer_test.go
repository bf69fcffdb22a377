package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/safetalk/chat-app/internal/protocol"
	"github.com/safetalk/chat-app/internal/store"
)

// fakeModerator returns a canned verdict or error.
type fakeModerator struct {
	res   CheckResult
	err   error
	calls int
}

func (f *fakeModerator) Check(ctx context.Context, text string) (CheckResult, error) {
	f.calls++
	return f.res, f.err
}

// fakePoster confirms every message, or fails with err. It records the
// messages and force flags it saw.
type fakePoster struct {
	err    error
	msgs   []protocol.Message
	forces []bool
}

func (f *fakePoster) Post(ctx context.Context, msg protocol.Message, force bool) (protocol.Message, error) {
	f.msgs = append(f.msgs, msg)
	f.forces = append(f.forces, force)
	if f.err != nil {
		return protocol.Message{}, f.err
	}
	confirmed := msg
	confirmed.Status = store.StatusSent
	confirmed.CreatedAt = time.Now()
	return confirmed, nil
}

func TestSendCleanDraftSubmits(t *testing.T) {
	view := NewView("alice")
	mod := &fakeModerator{}
	post := &fakePoster{}
	c := NewComposer(view, mod, post)

	res, err := c.Send(context.Background(), "conv1", "bob", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.State != SendSubmitted {
		t.Fatalf("state = %v, want SendSubmitted", res.State)
	}
	if mod.calls != 1 {
		t.Errorf("moderator calls = %d, want 1", mod.calls)
	}
	if res.Message.State != StateConfirmed || res.Message.Status != store.StatusSent {
		t.Errorf("confirmed message = %+v", res.Message)
	}
	if got := view.Messages("conv1"); len(got) != 1 || got[0].State != StateConfirmed {
		t.Errorf("view messages = %+v", got)
	}
}

func TestSendBlockedDraftNeverTouchesViewOrServer(t *testing.T) {
	view := NewView("alice")
	mod := &fakeModerator{res: CheckResult{Flagged: true, Level: "Critical", Blocked: true, Suggestion: "try rephrasing"}}
	post := &fakePoster{}
	c := NewComposer(view, mod, post)

	res, err := c.Send(context.Background(), "conv1", "bob", "hostile draft")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.State != SendBlocked {
		t.Fatalf("state = %v, want SendBlocked", res.State)
	}
	if res.Level != "Critical" || res.Suggestion != "try rephrasing" {
		t.Errorf("verdict = %+v", res)
	}
	// No optimistic placeholder may flash in the timeline.
	if got := view.Messages("conv1"); len(got) != 0 {
		t.Errorf("view has %d messages after block", len(got))
	}
	if len(post.msgs) != 0 {
		t.Errorf("poster called %d times for a blocked draft", len(post.msgs))
	}
}

func TestSendFlaggedDraftPendsChoiceThenForces(t *testing.T) {
	view := NewView("alice")
	mod := &fakeModerator{res: CheckResult{Flagged: true, Level: "Medium", Suggestion: "softer wording"}}
	post := &fakePoster{}
	c := NewComposer(view, mod, post)

	res, err := c.Send(context.Background(), "conv1", "bob", "blunt draft")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.State != SendPendingChoice || res.Suggestion != "softer wording" {
		t.Fatalf("result = %+v, want pending choice", res)
	}
	if len(post.msgs) != 0 {
		t.Fatal("poster called before the user chose")
	}

	// The user keeps the original wording; the resend must carry force.
	res, err = c.SendChosen(context.Background(), "conv1", "bob", "blunt draft", true)
	if err != nil {
		t.Fatalf("send chosen: %v", err)
	}
	if res.State != SendSubmitted {
		t.Fatalf("state = %v, want SendSubmitted", res.State)
	}
	if len(post.forces) != 1 || !post.forces[0] {
		t.Errorf("forces = %v, want [true]", post.forces)
	}
}

func TestSendPrecheckErrorFailsOpen(t *testing.T) {
	view := NewView("alice")
	mod := &fakeModerator{err: errors.New("classifier down")}
	post := &fakePoster{}
	c := NewComposer(view, mod, post)

	res, err := c.Send(context.Background(), "conv1", "bob", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.State != SendSubmitted {
		t.Errorf("state = %v, want SendSubmitted on pre-check failure", res.State)
	}
}

func TestSendServerBlockAtSubmitMarksFailed(t *testing.T) {
	view := NewView("alice")
	post := &fakePoster{err: &BlockedError{Level: "Critical", Suggestion: "cool off"}}
	c := NewComposer(view, nil, post)

	res, err := c.Send(context.Background(), "conv1", "bob", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.State != SendBlocked || res.Suggestion != "cool off" {
		t.Fatalf("result = %+v, want blocked with suggestion", res)
	}
	// The optimistic copy stays in the view as failed for the UI to act on.
	got := view.Messages("conv1")
	if len(got) != 1 || got[0].State != StateFailed || got[0].Status != store.StatusFailed {
		t.Errorf("view messages = %+v", got)
	}
}

func TestRetryReusesMessageID(t *testing.T) {
	view := NewView("alice")
	post := &fakePoster{err: errors.New("network down")}
	c := NewComposer(view, nil, post)

	res, err := c.Send(context.Background(), "conv1", "bob", "hello")
	if err == nil {
		t.Fatal("expected send error")
	}
	if res.State != SendFailed {
		t.Fatalf("state = %v, want SendFailed", res.State)
	}
	failedID := res.Message.ID

	post.err = nil
	res, err = c.Retry(context.Background(), "conv1", failedID, false)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.State != SendSubmitted {
		t.Fatalf("state = %v, want SendSubmitted", res.State)
	}
	if len(post.msgs) != 2 || post.msgs[1].ID != failedID {
		t.Errorf("retry did not reuse id %s: %+v", failedID, post.msgs)
	}
	// The server deduplicates on that id, so the view must hold one copy.
	if got := view.Messages("conv1"); len(got) != 1 || got[0].State != StateConfirmed {
		t.Errorf("view messages = %+v", got)
	}
}

func TestRetryRejectsNonFailedMessage(t *testing.T) {
	view := NewView("alice")
	post := &fakePoster{}
	c := NewComposer(view, nil, post)

	res, err := c.Send(context.Background(), "conv1", "bob", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := c.Retry(context.Background(), "conv1", res.Message.ID, false); err == nil {
		t.Error("expected error retrying a confirmed message")
	}
}

func TestAPIPostMapsModerationStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-User-ID"); got != "alice" {
			t.Errorf("X-User-ID = %q", got)
		}

		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		switch req["content"] {
		case "hostile":
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "message rejected by moderation", "level": "Critical", "suggestion": "cool off",
			})
		case "blunt":
			if r.URL.Query().Get("force") == "true" {
				w.WriteHeader(http.StatusCreated)
				json.NewEncoder(w).Encode(protocol.Message{ID: req["id"], Content: req["content"], Status: store.StatusSent})
				return
			}
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "message flagged by moderation", "level": "Medium", "suggestion": "softer wording",
			})
		default:
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(protocol.Message{ID: req["id"], Content: req["content"], Status: store.StatusSent})
		}
	}))
	defer srv.Close()

	api := &API{BaseURL: srv.URL, UserID: "alice"}
	ctx := context.Background()

	_, err := api.Post(ctx, protocol.Message{ID: "m1", ReceiverID: "bob", Content: "hostile"}, false)
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Level != "Critical" {
		t.Errorf("hostile: err = %v, want BlockedError Critical", err)
	}

	_, err = api.Post(ctx, protocol.Message{ID: "m2", ReceiverID: "bob", Content: "blunt"}, false)
	var soften *SoftenError
	if !errors.As(err, &soften) || soften.Suggestion != "softer wording" {
		t.Errorf("blunt: err = %v, want SoftenError with suggestion", err)
	}

	msg, err := api.Post(ctx, protocol.Message{ID: "m2", ReceiverID: "bob", Content: "blunt"}, true)
	if err != nil {
		t.Fatalf("forced resend: %v", err)
	}
	if msg.ID != "m2" || msg.Status != store.StatusSent {
		t.Errorf("forced resend message = %+v", msg)
	}
}

func TestAPICheckDecodesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/moderation/check" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["text"] == "" {
			t.Errorf("bad check request: %v %v", req, err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"flagged": true, "level": "Medium", "suggestion": "softer wording", "blocked": false,
		})
	}))
	defer srv.Close()

	api := &API{BaseURL: srv.URL, UserID: "alice"}
	res, err := api.Check(context.Background(), "blunt draft")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Flagged || res.Blocked || res.Level != "Medium" || res.Suggestion != "softer wording" {
		t.Errorf("result = %+v", res)
	}
}
