// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"time"
)

// EventType identifies the kind of behavioral event being evaluated.
type EventType string

const (
	EventLogin    EventType = "login"
	EventSignup   EventType = "signup"
	EventCheckout EventType = "checkout"
	EventPayment  EventType = "payment"
	EventCustom   EventType = "custom"
)

// KnownEventType reports whether t is one of the supported event types.
func KnownEventType(t EventType) bool {
	switch t {
	case EventLogin, EventSignup, EventCheckout, EventPayment, EventCustom:
		return true
	}
	return false
}

// EventContext is an immutable snapshot of a single behavioral event.
type EventContext struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Type      EventType `json:"type"`

	// Free-form event payload (form fields, user agent, etc.)
	Data map[string]any `json:"data,omitempty"`

	// Optional identity signals
	ProfileID         string  `json:"profileId,omitempty"`
	DeviceFingerprint string  `json:"deviceFingerprint,omitempty"`
	IPAddress         string  `json:"ipAddress,omitempty"`
	Amount            float64 `json:"amount,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// ProfileContext is an immutable snapshot of a profile, not a live reference.
type ProfileContext struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// GeoContext carries pre-resolved geolocation signals for an event.
type GeoContext struct {
	IsVPN           bool `json:"isVpn"`
	LocationChanges int  `json:"locationChanges"`
}

// Counter scope names used in EvaluationContext.Counters.
const (
	ScopeIP              = "ip"
	ScopeProfile         = "profile"
	ScopeProfileVelocity = "profile_velocity"
	ScopeDevice          = "device"
)

// EvaluationContext aggregates everything the decision core needs for one
// evaluation. It is assembled by the context builder with all I/O already
// resolved; the core never mutates it and performs no I/O of its own.
type EvaluationContext struct {
	Event   EventContext
	Profile *ProfileContext

	// Pre-aggregated event counts keyed by counter scope.
	Counters map[string]int64

	Geo *GeoContext

	// Behavior anomaly score in [0,1].
	BehaviorScore float64

	// Inputs to the decision matrix lookup.
	CustomerSegment string
	CurrentFPR      float64
}

// Counter returns the count for a scope, zero when absent.
func (c *EvaluationContext) Counter(scope string) int64 {
	if c.Counters == nil {
		return 0
	}
	return c.Counters[scope]
}
