package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/safetalk/chat-app/internal/protocol"
)

// API is the REST leg of the client. It implements Moderator and Poster
// against the server's HTTP surface, identifying as UserID on every request.
type API struct {
	BaseURL string
	UserID  string
	HTTP    *http.Client
}

func (a *API) client() *http.Client {
	if a.HTTP != nil {
		return a.HTTP
	}
	return http.DefaultClient
}

// Check runs a draft through POST /api/moderation/check.
func (a *API) Check(ctx context.Context, text string) (CheckResult, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return CheckResult{}, fmt.Errorf("client: marshal check request: %w", err)
	}

	resp, err := a.do(ctx, "POST", a.BaseURL+"/api/moderation/check", body)
	if err != nil {
		return CheckResult{}, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return CheckResult{}, fmt.Errorf("client: moderation check: unexpected status %d", resp.StatusCode)
	}

	var raw struct {
		Flagged    bool   `json:"flagged"`
		Level      string `json:"level"`
		Suggestion string `json:"suggestion"`
		Blocked    bool   `json:"blocked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return CheckResult{}, fmt.Errorf("client: decode check response: %w", err)
	}
	return CheckResult{
		Flagged:    raw.Flagged,
		Level:      raw.Level,
		Suggestion: raw.Suggestion,
		Blocked:    raw.Blocked,
	}, nil
}

// Post submits a message through POST /api/messages, passing the locally
// generated id as the idempotency key. A 422 maps to *BlockedError and a 409
// to *SoftenError so the composer can drive the confirmation flow.
func (a *API) Post(ctx context.Context, msg protocol.Message, force bool) (protocol.Message, error) {
	body, err := json.Marshal(map[string]string{
		"id":           msg.ID,
		"receiver_id":  msg.ReceiverID,
		"content":      msg.Content,
		"content_type": msg.ContentType,
		"media_url":    msg.MediaURL,
	})
	if err != nil {
		return protocol.Message{}, fmt.Errorf("client: marshal send request: %w", err)
	}

	url := a.BaseURL + "/api/messages"
	if force {
		url += "?force=true"
	}
	resp, err := a.do(ctx, "POST", url, body)
	if err != nil {
		return protocol.Message{}, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated:
		var out protocol.Message
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return protocol.Message{}, fmt.Errorf("client: decode message: %w", err)
		}
		return out, nil

	case http.StatusUnprocessableEntity:
		var verdict struct {
			Level      string `json:"level"`
			Suggestion string `json:"suggestion"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&verdict)
		return protocol.Message{}, &BlockedError{Level: verdict.Level, Suggestion: verdict.Suggestion}

	case http.StatusConflict:
		var verdict struct {
			Level      string `json:"level"`
			Suggestion string `json:"suggestion"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&verdict)
		return protocol.Message{}, &SoftenError{Level: verdict.Level, Suggestion: verdict.Suggestion}

	default:
		return protocol.Message{}, fmt.Errorf("client: send message: unexpected status %d", resp.StatusCode)
	}
}

func (a *API) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", a.UserID)

	resp, err := a.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, url, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
