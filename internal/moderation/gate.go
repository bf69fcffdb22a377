// Package moderation is the pre-persistence content gate. It sends candidate
// text to the external toxicity classifier over a single synchronous HTTP
// call and turns the raw verdict into an accept / soften / block decision.
// Media messages never pass through here.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable indicates the classifier could not be reached within the
// gate's timeout. Callers degrade to an unflagged low verdict rather than
// blocking the message; a missed catch beats refusing service on an
// infrastructure failure.
var ErrUnavailable = errors.New("moderation: classifier unavailable")

// Severity is the normalized three-level scale of a verdict.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

// Label returns the presentation name for the severity level.
func (s Severity) Label() string {
	switch s {
	case SeverityHigh:
		return "Critical"
	case SeverityMedium:
		return "Medium"
	default:
		return "Easy"
	}
}

// Decision is the policy outcome derived from a verdict.
type Decision int

const (
	// Allow lets the message through unchanged.
	Allow Decision = iota

	// Soften persists the message but the sending client must offer the
	// user a choice between the original and the suggested rewrite first.
	Soften

	// Block refuses the message outright; it is never persisted.
	Block
)

// Verdict is the transient classifier output. It is never persisted.
type Verdict struct {
	Flagged              bool
	Severity             Severity
	SuggestedAlternative string
}

// Decision maps the verdict onto the gate policy: high severity blocks,
// medium softens, everything else passes.
func (v Verdict) Decision() Decision {
	switch {
	case v.Flagged && v.Severity == SeverityHigh:
		return Block
	case v.Flagged && v.Severity == SeverityMedium:
		return Soften
	default:
		return Allow
	}
}

// Fallback is the verdict applied when the classifier is unreachable:
// unflagged, low severity, no suggestion.
func Fallback() Verdict {
	return Verdict{}
}

// Config holds gate settings.
type Config struct {
	URL     string        // classifier endpoint, e.g. http://localhost:8000/moderate
	Timeout time.Duration // bound on the synchronous call
}

// DefaultConfig returns gate defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "http://localhost:8000/moderate",
		Timeout: 3 * time.Second,
	}
}

// Gate evaluates text against the external classifier.
type Gate struct {
	url    string
	client *http.Client
}

// NewGate creates a Gate with the given configuration.
func NewGate(config Config) *Gate {
	return &Gate{
		url:    config.URL,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// classifierResponse is the raw wire shape. Severity arrives either as a
// number or as a string depending on the classifier version, so it is
// captured raw and normalized afterwards.
type classifierResponse struct {
	IsFlagged            bool            `json:"is_flagged"`
	SeverityLevel        json.RawMessage `json:"severity_level"`
	SuggestedAlternative string          `json:"suggested_alternative"`
}

// Evaluate sends text to the classifier and returns the normalized verdict.
// Transport failures, timeouts and non-200 responses all surface as
// ErrUnavailable; the caller picks the fallback policy.
func (g *Gate) Evaluate(ctx context.Context, text string) (Verdict, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("%w: classifier returned %d", ErrUnavailable, resp.StatusCode)
	}

	var raw classifierResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Verdict{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	return Verdict{
		Flagged:              raw.IsFlagged,
		Severity:             normalizeSeverity(raw.SeverityLevel),
		SuggestedAlternative: raw.SuggestedAlternative,
	}, nil
}

// normalizeSeverity maps the classifier's raw severity onto the three-level
// scale: numeric >=3 is high, ==2 is medium, anything else is low. String
// values "high"/"medium"/"low" are accepted for newer classifier builds.
func normalizeSeverity(raw json.RawMessage) Severity {
	if len(raw) == 0 {
		return SeverityLow
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		switch {
		case num >= 3:
			return SeverityHigh
		case num == 2:
			return SeverityMedium
		default:
			return SeverityLow
		}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			switch {
			case n >= 3:
				return SeverityHigh
			case n == 2:
				return SeverityMedium
			default:
				return SeverityLow
			}
		}
		switch strings.ToLower(s) {
		case "high", "critical":
			return SeverityHigh
		case "medium":
			return SeverityMedium
		}
	}
	return SeverityLow
}
