//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel decision
// engine against a running instance.
//
// These tests exercise the complete pipeline:
//
//	Event → Counters → Rules → Risk Band → Decision Matrix → Verdict
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The tests seed their own rules through the management API, so the target
// instance only needs an empty or default rule set. Point KESTREL_TEST_URL
// at the instance under test (default http://localhost:8080).
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL   string
	ProjectID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:   baseURL,
		ProjectID: "test-project",
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// EventRequest is the event sent to POST /events
type EventRequest struct {
	Type              string         `json:"type"`
	ProfileID         string         `json:"profileId,omitempty"`
	DeviceFingerprint string         `json:"deviceFingerprint,omitempty"`
	IPAddress         string         `json:"ipAddress,omitempty"`
	Amount            float64        `json:"amount,omitempty"`
	Data              map[string]any `json:"data,omitempty"`
}

// DecideResponse is what POST /events returns
type DecideResponse struct {
	DecisionID string           `json:"decisionId"`
	EventID    string           `json:"eventId"`
	Action     string           `json:"action"` // allow, deny, review, step_up
	RiskScore  float64          `json:"riskScore"`
	RiskBand   string           `json:"riskBand"` // low, medium, high, critical
	Confidence float64          `json:"confidence"`
	Reasons    []string         `json:"reasons"`
	RulesFired []string         `json:"rulesFired"`
	Metadata   ResponseMetadata `json:"metadata"`
}

type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// RuleRequest creates a rule via POST /rules
type RuleRequest struct {
	Name       string         `json:"name"`
	Kind       string         `json:"kind"`
	Conditions map[string]any `json:"conditions"`
	Priority   int            `json:"priority"`
	Enabled    bool           `json:"enabled"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func doJSON(t *testing.T, config TestConfig, method, path string, payload any, wantStatus int) []byte {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Project-ID", config.ProjectID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != wantStatus {
		t.Fatalf("Expected status %d for %s %s, got %d: %s",
			wantStatus, method, path, resp.StatusCode, string(respBody))
	}

	return respBody
}

func decide(t *testing.T, config TestConfig, req EventRequest) DecideResponse {
	t.Helper()

	respBody := doJSON(t, config, "POST", "/events", req, http.StatusOK)

	var result DecideResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}
	return result
}

func seedRule(t *testing.T, config TestConfig, rule RuleRequest) {
	t.Helper()
	doJSON(t, config, "POST", "/rules", rule, http.StatusCreated)
}

func reloadRules(t *testing.T, config TestConfig) {
	t.Helper()
	doJSON(t, config, "POST", "/rules/reload", nil, http.StatusOK)
}

// ============================================================================
// SCENARIO 1: Benign Login (Allow)
// ============================================================================

func TestBenignLogin_Allowed(t *testing.T) {
	/*
	   SCENARIO: A first login from a clean IP with no prior activity

	   EXPECTED BEHAVIOR:
	   - No rules fire, risk score stays 0 → low band
	   - Matrix cell login:low:new_user → allow

	   FINAL DECISION: allow with low risk
	*/
	config := getTestConfig()

	result := decide(t, config, EventRequest{
		Type:      "login",
		ProfileID: fmt.Sprintf("it-user-%d", time.Now().UnixNano()),
		IPAddress: "203.0.113.50",
	})

	if result.Action != "allow" {
		t.Errorf("Expected action allow, got %s (reasons: %v)", result.Action, result.Reasons)
	}
	if result.RiskBand != "low" {
		t.Errorf("Expected low band, got %s", result.RiskBand)
	}
	if result.DecisionID == "" || result.EventID == "" {
		t.Error("Expected decisionId and eventId in response")
	}
	if result.Metadata.TraceID == "" {
		t.Error("Expected traceId in metadata")
	}
}

// ============================================================================
// SCENARIO 2: Suspicious Payment (Review)
// ============================================================================

func TestSuspiciousPayment_Reviewed(t *testing.T) {
	/*
	   SCENARIO: A payment whose payload contains a configured suspicious
	   keyword

	   EXPECTED BEHAVIOR:
	   - The seeded keyword rule fires at risk 0.6 → high band
	   - Matrix cell payment:high:new_user → review

	   FINAL DECISION: review with the keyword rule in rulesFired
	*/
	config := getTestConfig()

	seedRule(t, config, RuleRequest{
		Name: "it-keyword-rule",
		Kind: "custom",
		Conditions: map[string]any{
			"check_event_data":    true,
			"suspicious_keywords": []string{"stolen-card"},
		},
		Enabled: true,
	})
	reloadRules(t, config)

	result := decide(t, config, EventRequest{
		Type:      "payment",
		ProfileID: fmt.Sprintf("it-payer-%d", time.Now().UnixNano()),
		Amount:    75.00,
		Data:      map[string]any{"note": "paid with stolen-card"},
	})

	if result.Action != "review" {
		t.Errorf("Expected action review, got %s (reasons: %v)", result.Action, result.Reasons)
	}
	if result.RiskBand != "high" {
		t.Errorf("Expected high band, got %s", result.RiskBand)
	}

	found := false
	for _, name := range result.RulesFired {
		if name == "it-keyword-rule" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected it-keyword-rule in rulesFired, got %v", result.RulesFired)
	}
}

// ============================================================================
// SCENARIO 3: Velocity Burst (Rate Limit Rule)
// ============================================================================

func TestLoginBurst_RateLimited(t *testing.T) {
	/*
	   SCENARIO: Many logins from the same IP inside the counting window

	   EXPECTED BEHAVIOR:
	   - Early logins stay under the limit → allow
	   - Once the count exceeds max_events the rate limit rule fires at
	     risk 0.9 → critical band
	   - payment-free critical cells are not configured for login, so the
	     matrix falls back to its default action (review)
	*/
	config := getTestConfig()

	seedRule(t, config, RuleRequest{
		Name: "it-ip-burst",
		Kind: "rate_limit",
		Conditions: map[string]any{
			"scope":      "ip",
			"max_events": 5,
		},
		Enabled: true,
	})
	reloadRules(t, config)

	burstIP := fmt.Sprintf("198.51.100.%d", time.Now().UnixNano()%200+1)

	var last DecideResponse
	for i := 0; i < 7; i++ {
		last = decide(t, config, EventRequest{
			Type:      "login",
			IPAddress: burstIP,
		})
	}

	if last.RiskBand == "low" {
		t.Errorf("Expected elevated band after burst, got %s", last.RiskBand)
	}
	if last.Action == "allow" {
		t.Errorf("Expected restrictive action after burst, got %s", last.Action)
	}
}

// ============================================================================
// SCENARIO 4: Feedback Loop
// ============================================================================

func TestFeedback_Recorded(t *testing.T) {
	/*
	   SCENARIO: An analyst marks a decision as a false positive

	   EXPECTED BEHAVIOR:
	   - POST /decisions/{id}/feedback returns 201
	   - The feedback record carries the decision's matrix key, which is
	     what the escalation guard aggregates over
	*/
	config := getTestConfig()

	result := decide(t, config, EventRequest{
		Type:      "login",
		ProfileID: fmt.Sprintf("it-fb-%d", time.Now().UnixNano()),
	})

	respBody := doJSON(t, config, "POST",
		"/decisions/"+result.DecisionID+"/feedback",
		map[string]bool{"falsePositive": true},
		http.StatusCreated)

	var fb struct {
		MatrixKey     string `json:"matrixKey"`
		FalsePositive bool   `json:"falsePositive"`
	}
	if err := json.Unmarshal(respBody, &fb); err != nil {
		t.Fatalf("Failed to unmarshal feedback: %v", err)
	}
	if fb.MatrixKey == "" {
		t.Error("Expected matrixKey in feedback record")
	}
	if !fb.FalsePositive {
		t.Error("Expected falsePositive to round-trip")
	}
}

// ============================================================================
// SCENARIO 5: Replay
// ============================================================================

func TestReplay_Accepted(t *testing.T) {
	/*
	   SCENARIO: A stored event is re-enqueued for decision under the
	   currently loaded rules

	   EXPECTED BEHAVIOR: POST /replay returns 202 and the async worker
	   picks the event up from the replay topic
	*/
	config := getTestConfig()

	result := decide(t, config, EventRequest{
		Type:      "login",
		ProfileID: fmt.Sprintf("it-replay-%d", time.Now().UnixNano()),
	})

	doJSON(t, config, "POST", "/replay",
		map[string]string{"eventId": result.EventID},
		http.StatusAccepted)
}
