package rules

import (
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testContext() *domain.EvaluationContext {
	return &domain.EvaluationContext{
		Event: domain.EventContext{
			ID:        "ev-001",
			ProjectID: "project-001",
			Type:      domain.EventLogin,
			IPAddress: "203.0.113.7",
			CreatedAt: time.Now().UTC(),
		},
		Counters: map[string]int64{},
	}
}

func TestRateLimitEvaluator(t *testing.T) {
	e := &RateLimitEvaluator{Risk: domain.DefaultRiskConfig()}

	rule := &domain.RuleDefinition{
		Name: "ip-rate",
		Kind: domain.RuleRateLimit,
		Conditions: map[string]any{
			"scope":               domain.ScopeIP,
			"max_events":          float64(5),
			"time_window_minutes": float64(5),
		},
	}

	t.Run("Fires", func(t *testing.T) {
		ectx := testContext()
		ectx.Counters[domain.ScopeIP] = 6

		result := e.Evaluate(rule, ectx)
		if !result.Fired {
			t.Fatalf("expected rule to fire, got: %s", result.Reason)
		}
		if result.Reason != "rate limit exceeded: 6 events in 5 minutes" {
			t.Errorf("unexpected reason: %s", result.Reason)
		}
		// 6/5 = 1.2, capped at the rate limit cap
		if result.RiskScore != 0.9 {
			t.Errorf("expected risk 0.9, got %.2f", result.RiskScore)
		}
	})

	t.Run("UnderLimit", func(t *testing.T) {
		ectx := testContext()
		ectx.Counters[domain.ScopeIP] = 5

		result := e.Evaluate(rule, ectx)
		if result.Fired {
			t.Error("expected rule not to fire at the limit")
		}
		if result.RiskScore != 0 {
			t.Errorf("non-firing result must carry zero risk, got %.2f", result.RiskScore)
		}
	})

	t.Run("ProfileScopeRequiresProfile", func(t *testing.T) {
		profileRule := &domain.RuleDefinition{
			Name: "profile-rate",
			Kind: domain.RuleRateLimit,
			Conditions: map[string]any{
				"scope":      domain.ScopeProfile,
				"max_events": float64(5),
			},
		}

		ectx := testContext()
		ectx.Counters[domain.ScopeProfile] = 100

		result := e.Evaluate(profileRule, ectx)
		if result.Fired {
			t.Error("expected rule not to fire without a profile")
		}
	})

	t.Run("InvalidScope", func(t *testing.T) {
		badRule := &domain.RuleDefinition{
			Name:       "bad-scope",
			Kind:       domain.RuleRateLimit,
			Conditions: map[string]any{"scope": "galaxy"},
		}

		result := e.Evaluate(badRule, testContext())
		if result.Fired {
			t.Error("expected rule not to fire for invalid scope")
		}
	})
}

func TestVelocityEvaluator(t *testing.T) {
	e := &VelocityEvaluator{Risk: domain.DefaultRiskConfig()}

	rule := &domain.RuleDefinition{
		Name: "profile-velocity",
		Kind: domain.RuleVelocity,
		Conditions: map[string]any{
			"max_velocity":        float64(10),
			"time_window_minutes": float64(60),
		},
	}

	t.Run("Fires", func(t *testing.T) {
		ectx := testContext()
		ectx.Profile = &domain.ProfileContext{ID: "profile-001"}
		ectx.Counters[domain.ScopeProfileVelocity] = 25

		result := e.Evaluate(rule, ectx)
		if !result.Fired {
			t.Fatalf("expected rule to fire, got: %s", result.Reason)
		}
		// 25/10 = 2.5, capped at the velocity cap
		if result.RiskScore != 0.8 {
			t.Errorf("expected risk 0.8, got %.2f", result.RiskScore)
		}
	})

	t.Run("RequiresProfile", func(t *testing.T) {
		ectx := testContext()
		ectx.Counters[domain.ScopeProfileVelocity] = 25

		result := e.Evaluate(rule, ectx)
		if result.Fired {
			t.Error("expected rule not to fire without a profile")
		}
	})
}

func TestDeviceEvaluator(t *testing.T) {
	e := &DeviceEvaluator{Risk: domain.DefaultRiskConfig()}

	rule := &domain.RuleDefinition{
		Name: "device-reuse",
		Kind: domain.RuleDevice,
		Conditions: map[string]any{
			"check_device_reuse": true,
			"max_device_uses":    float64(5),
		},
	}

	t.Run("Fires", func(t *testing.T) {
		ectx := testContext()
		ectx.Event.DeviceFingerprint = "fp-001"
		ectx.Counters[domain.ScopeDevice] = 8

		result := e.Evaluate(rule, ectx)
		if !result.Fired {
			t.Fatalf("expected rule to fire, got: %s", result.Reason)
		}
		// 8/10 = 0.8, capped at the device cap
		if result.RiskScore != 0.7 {
			t.Errorf("expected risk 0.7, got %.2f", result.RiskScore)
		}
	})

	t.Run("NoFingerprint", func(t *testing.T) {
		ectx := testContext()
		ectx.Counters[domain.ScopeDevice] = 100

		result := e.Evaluate(rule, ectx)
		if result.Fired {
			t.Error("expected rule not to fire without a fingerprint")
		}
	})
}

func TestCustomEvaluator(t *testing.T) {
	e := &CustomEvaluator{Risk: domain.DefaultRiskConfig()}

	rule := &domain.RuleDefinition{
		Name: "keyword-check",
		Kind: domain.RuleCustom,
		Conditions: map[string]any{
			"check_event_data":    true,
			"suspicious_keywords": []any{"test", "asdf"},
		},
	}

	t.Run("Fires", func(t *testing.T) {
		ectx := testContext()
		ectx.Event.Data = map[string]any{"email": "Test@example.com"}

		result := e.Evaluate(rule, ectx)
		if !result.Fired {
			t.Fatalf("expected rule to fire, got: %s", result.Reason)
		}
		if result.Reason != "suspicious keyword detected: test" {
			t.Errorf("unexpected reason: %s", result.Reason)
		}
		if result.RiskScore != 0.6 {
			t.Errorf("expected risk 0.6, got %.2f", result.RiskScore)
		}
	})

	t.Run("CleanData", func(t *testing.T) {
		ectx := testContext()
		ectx.Event.Data = map[string]any{"email": "alice@example.com"}

		result := e.Evaluate(rule, ectx)
		if result.Fired {
			t.Error("expected rule not to fire on clean data")
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		disabled := &domain.RuleDefinition{
			Name: "keyword-off",
			Kind: domain.RuleCustom,
			Conditions: map[string]any{
				"suspicious_keywords": []any{"test"},
			},
		}

		ectx := testContext()
		ectx.Event.Data = map[string]any{"email": "test@example.com"}

		result := e.Evaluate(disabled, ectx)
		if result.Fired {
			t.Error("expected rule not to fire without check_event_data")
		}
	})
}

func TestGeolocationEvaluator(t *testing.T) {
	e := &GeolocationEvaluator{Risk: domain.DefaultRiskConfig()}

	t.Run("VPN", func(t *testing.T) {
		rule := &domain.RuleDefinition{
			Name:       "vpn-check",
			Kind:       domain.RuleGeolocation,
			Conditions: map[string]any{"enable_vpn_detection": true},
		}

		ectx := testContext()
		ectx.Geo = &domain.GeoContext{IsVPN: true}

		result := e.Evaluate(rule, ectx)
		if !result.Fired {
			t.Fatalf("expected rule to fire, got: %s", result.Reason)
		}
		if result.Reason != "VPN detected" {
			t.Errorf("unexpected reason: %s", result.Reason)
		}
		if result.RiskScore != 0.5 {
			t.Errorf("expected risk 0.5, got %.2f", result.RiskScore)
		}
	})

	t.Run("LocationChanges", func(t *testing.T) {
		rule := &domain.RuleDefinition{
			Name: "location-check",
			Kind: domain.RuleGeolocation,
			Conditions: map[string]any{
				"enable_location_consistency": true,
				"max_location_changes":        float64(3),
			},
		}

		ectx := testContext()
		ectx.Geo = &domain.GeoContext{LocationChanges: 5}

		result := e.Evaluate(rule, ectx)
		if !result.Fired {
			t.Fatalf("expected rule to fire, got: %s", result.Reason)
		}
		if !strings.Contains(result.Reason, "too many location changes: 5") {
			t.Errorf("unexpected reason: %s", result.Reason)
		}
	})

	t.Run("NoGeoData", func(t *testing.T) {
		rule := &domain.RuleDefinition{
			Name:       "vpn-check",
			Kind:       domain.RuleGeolocation,
			Conditions: map[string]any{"enable_vpn_detection": true},
		}

		result := e.Evaluate(rule, testContext())
		if result.Fired {
			t.Error("expected rule not to fire without geo data")
		}
	})
}

func TestBehaviorEvaluator(t *testing.T) {
	e := &BehaviorEvaluator{Risk: domain.DefaultRiskConfig()}

	rule := &domain.RuleDefinition{
		Name: "behavior-check",
		Kind: domain.RuleBehavior,
		Conditions: map[string]any{
			"enable_behavioral_analysis": true,
			"behavior_threshold":         0.7,
		},
	}

	t.Run("Fires", func(t *testing.T) {
		ectx := testContext()
		ectx.BehaviorScore = 0.85

		result := e.Evaluate(rule, ectx)
		if !result.Fired {
			t.Fatalf("expected rule to fire, got: %s", result.Reason)
		}
		// 0.85 capped at the behavior cap
		if result.RiskScore != 0.8 {
			t.Errorf("expected risk 0.8, got %.2f", result.RiskScore)
		}
	})

	t.Run("BelowThreshold", func(t *testing.T) {
		ectx := testContext()
		ectx.BehaviorScore = 0.4

		result := e.Evaluate(rule, ectx)
		if result.Fired {
			t.Error("expected rule not to fire below threshold")
		}
	})
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry(domain.DefaultRiskConfig())

	rule := &domain.RuleDefinition{Name: "mystery", Kind: "quantum"}
	result := r.Evaluate(rule, testContext())

	if result.Fired {
		t.Error("unknown kind must not fire")
	}
	if !strings.Contains(result.Reason, "unknown rule kind") {
		t.Errorf("unexpected reason: %s", result.Reason)
	}
}
