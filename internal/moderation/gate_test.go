package moderation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestGate spins up a stub classifier returning the given body and wires
// a Gate at it.
func newTestGate(t *testing.T, status int, body string) *Gate {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewGate(Config{URL: srv.URL, Timeout: 2 * time.Second})
}

func TestEvaluateNumericSeverity(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		flagged  bool
		severity Severity
	}{
		{"high", `{"is_flagged": true, "severity_level": 3, "suggested_alternative": "be nice"}`, true, SeverityHigh},
		{"above_high", `{"is_flagged": true, "severity_level": 5}`, true, SeverityHigh},
		{"medium", `{"is_flagged": true, "severity_level": 2}`, true, SeverityMedium},
		{"low", `{"is_flagged": false, "severity_level": 1}`, false, SeverityLow},
		{"string_numeric", `{"is_flagged": true, "severity_level": "2"}`, true, SeverityMedium},
		{"string_word", `{"is_flagged": true, "severity_level": "high"}`, true, SeverityHigh},
		{"missing", `{"is_flagged": false}`, false, SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGate(t, http.StatusOK, tt.body)
			v, err := g.Evaluate(context.Background(), "some text")
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if v.Flagged != tt.flagged {
				t.Errorf("Flagged = %v, want %v", v.Flagged, tt.flagged)
			}
			if v.Severity != tt.severity {
				t.Errorf("Severity = %v, want %v", v.Severity, tt.severity)
			}
		})
	}
}

func TestEvaluateUnavailable(t *testing.T) {
	g := newTestGate(t, http.StatusInternalServerError, "boom")
	_, err := g.Evaluate(context.Background(), "text")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestEvaluateUnreachable(t *testing.T) {
	g := NewGate(Config{URL: "http://127.0.0.1:1/moderate", Timeout: 500 * time.Millisecond})
	_, err := g.Evaluate(context.Background(), "text")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestDecisionPolicy(t *testing.T) {
	tests := []struct {
		verdict  Verdict
		decision Decision
	}{
		{Verdict{Flagged: true, Severity: SeverityHigh}, Block},
		{Verdict{Flagged: true, Severity: SeverityMedium}, Soften},
		{Verdict{Flagged: true, Severity: SeverityLow}, Allow},
		{Verdict{Flagged: false, Severity: SeverityHigh}, Allow},
		{Fallback(), Allow},
	}

	for _, tt := range tests {
		if got := tt.verdict.Decision(); got != tt.decision {
			t.Errorf("Decision(%+v) = %v, want %v", tt.verdict, got, tt.decision)
		}
	}
}

func TestSeverityLabels(t *testing.T) {
	if SeverityHigh.Label() != "Critical" || SeverityMedium.Label() != "Medium" || SeverityLow.Label() != "Easy" {
		t.Errorf("unexpected labels: %q %q %q",
			SeverityHigh.Label(), SeverityMedium.Label(), SeverityLow.Label())
	}
}
