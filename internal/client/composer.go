package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/safetalk/chat-app/internal/protocol"
	"github.com/safetalk/chat-app/internal/store"
)

// SendState is the terminal state of one pass through the outgoing message
// state machine: composing -> analyzing -> blocked | pending-choice |
// submitting -> submitted | failed.
type SendState int

const (
	// SendSubmitted means the server persisted the message; the view holds
	// the confirmed copy.
	SendSubmitted SendState = iota

	// SendBlocked means moderation refused the text. Nothing was appended to
	// the view and nothing reached the server's store.
	SendBlocked

	// SendPendingChoice means moderation flagged the text at medium severity
	// and offered a rewrite. The UI surfaces the suggestion and calls
	// SendChosen with the user's decision.
	SendPendingChoice

	// SendFailed means the submit errored after the optimistic append. The
	// message stays in the view as failed; Retry reuses its id.
	SendFailed
)

// SendResult is the outcome of Send, SendChosen or Retry. Message is set for
// every state that touched the view; Level and Suggestion carry the
// moderation verdict for SendBlocked and SendPendingChoice.
type SendResult struct {
	State      SendState
	Message    ViewMessage
	Level      string
	Suggestion string
}

// CheckResult is a moderation pre-check verdict as the client consumes it.
type CheckResult struct {
	Flagged    bool
	Level      string
	Suggestion string
	Blocked    bool
}

// Moderator runs the pre-send classifier round-trip.
type Moderator interface {
	Check(ctx context.Context, text string) (CheckResult, error)
}

// Poster submits a composed message to the server. force skips the
// soften-confirmation gate for text the user chose to keep.
type Poster interface {
	Post(ctx context.Context, msg protocol.Message, force bool) (protocol.Message, error)
}

// BlockedError reports a server-side moderation refusal (HTTP 422).
type BlockedError struct {
	Level      string
	Suggestion string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("message blocked by moderation (%s)", e.Level)
}

// SoftenError reports a server-side rewrite request (HTTP 409). The client
// resends with force after an explicit user choice.
type SoftenError struct {
	Level      string
	Suggestion string
}

func (e *SoftenError) Error() string {
	return fmt.Sprintf("message flagged by moderation (%s)", e.Level)
}

// Composer drives the outgoing message state machine on top of the view.
// Text drafts are pre-checked before the optimistic append, so a blocked
// message never flashes in the timeline; the server gate still has the last
// word at submit time.
type Composer struct {
	view *View
	mod  Moderator // nil disables the pre-check
	post Poster
}

// NewComposer creates a Composer. mod may be nil when moderation is not
// configured; every draft then goes straight to submitting.
func NewComposer(view *View, mod Moderator, post Poster) *Composer {
	return &Composer{view: view, mod: mod, post: post}
}

// Send runs a text draft through the full state machine. A blocked verdict
// stops before the optimistic append; a medium-severity flag returns
// SendPendingChoice without submitting, and the UI follows up with
// SendChosen. A pre-check transport error fails open to submitting, matching
// the server gate's fallback.
func (c *Composer) Send(ctx context.Context, conversationID, receiverID, text string) (SendResult, error) {
	if c.mod != nil {
		res, err := c.mod.Check(ctx, text)
		if err == nil {
			if res.Blocked {
				return SendResult{State: SendBlocked, Level: res.Level, Suggestion: res.Suggestion}, nil
			}
			if res.Flagged {
				return SendResult{State: SendPendingChoice, Level: res.Level, Suggestion: res.Suggestion}, nil
			}
		}
	}
	return c.submit(ctx, conversationID, receiverID, text, false)
}

// SendChosen submits the text the user settled on after a pending choice:
// the suggestion as-is, or the original draft with force set.
func (c *Composer) SendChosen(ctx context.Context, conversationID, receiverID, text string, force bool) (SendResult, error) {
	return c.submit(ctx, conversationID, receiverID, text, force)
}

// SendMedia submits a media message. Media bypasses the classifier.
func (c *Composer) SendMedia(ctx context.Context, conversationID, receiverID, contentType, mediaURL string) (SendResult, error) {
	local := c.view.SendOptimistic(conversationID, receiverID, "", contentType, mediaURL)
	return c.finish(ctx, local, false)
}

// Retry resubmits a failed message, reusing its id as the idempotency key so
// the server deduplicates a send that actually landed.
func (c *Composer) Retry(ctx context.Context, conversationID, messageID string, force bool) (SendResult, error) {
	local, ok := c.view.Message(conversationID, messageID)
	if !ok {
		return SendResult{}, fmt.Errorf("client: no message %s in conversation %s", messageID, conversationID)
	}
	if local.State != StateFailed {
		return SendResult{}, fmt.Errorf("client: message %s is not failed", messageID)
	}
	return c.finish(ctx, local, force)
}

func (c *Composer) submit(ctx context.Context, conversationID, receiverID, text string, force bool) (SendResult, error) {
	local := c.view.SendOptimistic(conversationID, receiverID, text, store.ContentText, "")
	return c.finish(ctx, local, force)
}

// finish posts an optimistically appended message and reconciles the view
// with the outcome.
func (c *Composer) finish(ctx context.Context, local ViewMessage, force bool) (SendResult, error) {
	serverMsg, err := c.post.Post(ctx, local.Message, force)
	if err != nil {
		c.view.FailSend(local.ConversationID, local.ID)
		failed, _ := c.view.Message(local.ConversationID, local.ID)

		var blocked *BlockedError
		if errors.As(err, &blocked) {
			return SendResult{State: SendBlocked, Message: failed, Level: blocked.Level, Suggestion: blocked.Suggestion}, nil
		}
		var soften *SoftenError
		if errors.As(err, &soften) {
			return SendResult{State: SendPendingChoice, Message: failed, Level: soften.Level, Suggestion: soften.Suggestion}, nil
		}
		return SendResult{State: SendFailed, Message: failed}, err
	}

	c.view.ConfirmSend(serverMsg)
	confirmed, _ := c.view.Message(serverMsg.ConversationID, serverMsg.ID)
	return SendResult{State: SendSubmitted, Message: confirmed}, nil
}
