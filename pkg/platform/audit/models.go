package audit

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// EventCategory classifies audit events by their primary purpose.
// This drives emission limiting, retention and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: writes,
	// deletions and exports of patient data, logins and logouts.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and forensics.
	// These are emission-limited per subject so an attack cannot flood the store.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine access. These can be sampled.
	CategoryOperations EventCategory = "operations"
)

// EventType is the kind of operation an audit event records.
type EventType string

const (
	EventDataAccess       EventType = "data_access"
	EventDataModification EventType = "data_modification"
	EventDataDeletion     EventType = "data_deletion"
	EventLoginAttempt     EventType = "login_attempt"
	EventLogout           EventType = "logout"
	EventFailedAccess     EventType = "failed_access"
	EventSecurityEvent    EventType = "security_event"
	EventAPIRequest       EventType = "api_request"
	EventSystemAccess     EventType = "system_access"
	EventExportData       EventType = "export_data"
)

// eventCategories maps each event type to its category.
var eventCategories = map[EventType]EventCategory{
	EventDataModification: CategoryCompliance,
	EventDataDeletion:     CategoryCompliance,
	EventExportData:       CategoryCompliance,
	EventLoginAttempt:     CategoryCompliance,
	EventLogout:           CategoryCompliance,

	EventSecurityEvent: CategorySecurity,
	EventFailedAccess:  CategorySecurity,

	EventDataAccess:   CategoryOperations,
	EventAPIRequest:   CategoryOperations,
	EventSystemAccess: CategoryOperations,
}

// Category returns the EventCategory for this event type.
// Unknown types default to CategoryOperations.
func (t EventType) Category() EventCategory {
	if cat, ok := eventCategories[t]; ok {
		return cat
	}
	return CategoryOperations
}

// IsValid reports whether t is one of the known event types.
func (t EventType) IsValid() bool {
	_, ok := eventCategories[t]
	return ok
}

// RiskLevel grades how much compliance or security weight an event carries.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRanks = map[RiskLevel]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// IsValid reports whether r is one of the four risk tiers.
func (r RiskLevel) IsValid() bool {
	_, ok := riskRanks[r]
	return ok
}

// AtLeast reports whether r is as severe as other. Unknown levels rank below low.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRanks[r] >= riskRanks[other]
}

// Max returns the more severe of r and other.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.AtLeast(r) {
		return other
	}
	return r
}

// Event is a single compliance-relevant record of an operation. Events are
// values: once built they are not mutated, and the batch owns them until flush.
type Event struct {
	ID           uuid.UUID      `json:"id"`
	Type         EventType      `json:"event_type"`
	UserID       string         `json:"user_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action"`
	IPAddress    string         `json:"ip_address"`
	UserAgent    string         `json:"user_agent"`
	Success      bool           `json:"success"`
	RiskLevel    RiskLevel      `json:"risk_level"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	RequestID    string         `json:"request_id,omitempty"`
}

// NewEvent fills in the identity and timestamp of e and takes a private copy
// of its details so later changes to the caller's map cannot leak in.
func NewEvent(e Event, now time.Time) Event {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if !e.RiskLevel.IsValid() {
		e.RiskLevel = RiskLow
	}
	if e.Details != nil {
		e.Details = maps.Clone(e.Details)
	}
	return e
}

// Category returns the category of the event's type.
func (e Event) Category() EventCategory { return e.Type.Category() }

// MustRetain reports whether the event is compliance-critical: failed
// operations and high or critical risk events. These are never sampled out
// and are the only events retried after a failed flush.
func (e Event) MustRetain() bool {
	return !e.Success || e.RiskLevel.AtLeast(RiskHigh)
}

// Anonymous is the user id recorded when no authenticated subject is known.
const Anonymous = "anonymous"

// Subject returns the actor an event should be attributed to for limiting:
// the user when known, otherwise the client IP.
func (e Event) Subject() string {
	if e.UserID != "" && e.UserID != Anonymous {
		return e.UserID
	}
	if e.IPAddress != "" {
		return e.IPAddress
	}
	return Anonymous
}
