package store

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

var Statuses = []Status{StatusOpen, StatusInvestigating, StatusResolved, StatusClosed}

func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusClosed:
		return s, true
	}
	return "", false
}

// IsActive reports whether the incident still counts as open work.
func (s Status) IsActive() bool {
	return s == StatusOpen || s == StatusInvestigating
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func ParsePriority(raw string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	if p.Rank() == 0 {
		return "", false
	}
	return p, true
}

// Rank orders priorities Low(1) < Medium(2) < High(3) < Critical(4); unknown is 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

// Next returns the priority one rung up, clamped at Critical.
func (p Priority) Next() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh, PriorityCritical:
		return PriorityCritical
	}
	return p
}

type IncidentType string

const (
	TypeSecurityBreach     IncidentType = "security_breach"
	TypeTheft              IncidentType = "theft"
	TypeVandalism          IncidentType = "vandalism"
	TypeSuspiciousActivity IncidentType = "suspicious_activity"
	TypeEmergency          IncidentType = "emergency"
	TypeTechnicalIssue     IncidentType = "technical_issue"
)

func ParseIncidentType(raw string) (IncidentType, bool) {
	t := IncidentType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TypeSecurityBreach, TypeTheft, TypeVandalism, TypeSuspiciousActivity, TypeEmergency, TypeTechnicalIssue:
		return t, true
	}
	return "", false
}

// SystemActor marks timeline events produced by the engine itself.
const SystemActor int64 = 0

type Incident struct {
	ID              int64             `json:"id"`
	StoreID         string            `json:"store_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Type            IncidentType      `json:"type"`
	Priority        Priority          `json:"priority"`
	Status          Status            `json:"status"`
	AssignedTo      *int64            `json:"assigned_to,omitempty"`
	ReportedBy      int64             `json:"reported_by"`
	Location        string            `json:"location,omitempty"`
	RelatedAlertIDs []string          `json:"related_alert_ids,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	ClosedAt        *time.Time        `json:"closed_at,omitempty"`
	Version         int               `json:"version"`
}

func (i *Incident) IsAssigned() bool {
	return i != nil && i.AssignedTo != nil && *i.AssignedTo > 0
}

const (
	EventStatusChange    = "status_change"
	EventAssignment      = "assignment"
	EventEvidenceAdded   = "evidence_added"
	EventCustodyTransfer = "custody_transfer"
	EventNoteAdded       = "note_added"
	EventEscalation      = "escalation"
	EventAlertLinked     = "alert_linked"
)

type TimelineEvent struct {
	ID          int64           `json:"id"`
	IncidentID  int64           `json:"incident_id"`
	EventType   string          `json:"event_type"`
	Description string          `json:"description"`
	Details     json.RawMessage `json:"details,omitempty"`
	TriggeredBy int64           `json:"triggered_by"`
	Timestamp   time.Time       `json:"timestamp"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DecodeDetails unmarshals the event payload into v; empty payloads leave v untouched.
func (e TimelineEvent) DecodeDetails(v any) error {
	if len(e.Details) == 0 {
		return nil
	}
	return json.Unmarshal(e.Details, v)
}

type StatusChangeDetails struct {
	From    Status `json:"from,omitempty"`
	To      Status `json:"to"`
	Notes   string `json:"notes,omitempty"`
	Created bool   `json:"created,omitempty"`
}

type AssignmentDetails struct {
	From   *int64 `json:"from,omitempty"`
	To     int64  `json:"to"`
	RuleID int64  `json:"rule_id,omitempty"`
	Mode   string `json:"mode"`
}

type EscalationDetails struct {
	Reason        string   `json:"reason"`
	OldPriority   Priority `json:"old_priority"`
	NewPriority   Priority `json:"new_priority"`
	RuleID        int64    `json:"rule_id,omitempty"`
	Triggers      []string `json:"triggers,omitempty"`
	Notified      []string `json:"notified,omitempty"`
	EscalatedTo   []string `json:"escalated_to,omitempty"`
	AutoAssign    string   `json:"auto_assign,omitempty"`
	AssignedTo    *int64   `json:"assigned_to,omitempty"`
	UnableToMatch bool     `json:"unable_to_match,omitempty"`
}

// Assignment modes recorded in AssignmentDetails.Mode.
const (
	AssignManual     = "manual"
	AssignAuto       = "auto"
	AssignEscalation = "escalation"
)

// Auto-assign outcomes recorded in EscalationDetails.AutoAssign.
const (
	AutoAssignAssigned = "assigned"
	AutoAssignNoMatch  = "no_match"
	AutoAssignKept     = "kept"
	AutoAssignFailed   = "failed"
)

type Evidence struct {
	ID          string         `json:"id"`
	IncidentID  int64          `json:"incident_id"`
	Number      int            `json:"evidence_no"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	CollectedBy int64          `json:"collected_by"`
	CollectedAt time.Time      `json:"collected_at"`
	Custody     []CustodyEntry `json:"chain_of_custody"`
	CreatedAt   time.Time      `json:"created_at"`
}

type CustodyEntry struct {
	Seq       int       `json:"seq"`
	Action    string    `json:"action"`
	Person    int64     `json:"person"`
	Role      string    `json:"role,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	PrevHash  string    `json:"prev_hash,omitempty"`
	Hash      string    `json:"hash"`
}

type Alert struct {
	ID         string    `json:"id"`
	StoreID    string    `json:"store_id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	IncidentID *int64    `json:"incident_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const AlertStatusEscalated = "escalated"

type User struct {
	ID         int64      `json:"id"`
	Username   string     `json:"username"`
	FullName   string     `json:"full_name,omitempty"`
	Active     bool       `json:"active"`
	OnDuty     bool       `json:"on_duty"`
	Expertise  []string   `json:"expertise,omitempty"`
	Roles      []string   `json:"roles,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ScopeGlobal is the rule scope that applies to every store.
const ScopeGlobal = "global"

type TimeWindow struct {
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

type AssignmentConditions struct {
	IncidentTypes []IncidentType `json:"incident_types,omitempty" yaml:"incident_types,omitempty"`
	Priorities    []Priority     `json:"priorities,omitempty" yaml:"priorities,omitempty"`
	TimeWindow    *TimeWindow    `json:"time_window,omitempty" yaml:"time_window,omitempty"`
	DaysOfWeek    []string       `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
	Keywords      []string       `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

type AssignmentPolicy struct {
	RolePreference    []string `json:"role_preference,omitempty" yaml:"role_preference,omitempty"`
	Users             []int64  `json:"users,omitempty" yaml:"users,omitempty"`
	WorkloadBalance   bool     `json:"workload_balance" yaml:"workload_balance"`
	RequiredExpertise []string `json:"required_expertise,omitempty" yaml:"required_expertise,omitempty"`
}

type AssignmentRule struct {
	ID         int64                `json:"id"`
	Scope      string               `json:"scope"`
	Name       string               `json:"name"`
	Priority   int                  `json:"priority"`
	Active     bool                 `json:"active"`
	Conditions AssignmentConditions `json:"conditions"`
	Assignment AssignmentPolicy     `json:"assignment"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	// LoadErr is set when the stored definition could not be decoded.
	LoadErr error `json:"-"`
}

type StatusDuration struct {
	Status  Status `json:"status" yaml:"status"`
	Minutes int    `json:"minutes" yaml:"minutes"`
}

type EscalationTriggers struct {
	UnassignedMinutes *int             `json:"unassigned_duration,omitempty" yaml:"unassigned_duration,omitempty"`
	StatusDurations   []StatusDuration `json:"status_durations,omitempty" yaml:"status_durations,omitempty"`
	Priorities        []Priority       `json:"priorities,omitempty" yaml:"priorities,omitempty"`
	NoResponseMinutes *int             `json:"no_response,omitempty" yaml:"no_response,omitempty"`
}

type EscalationActions struct {
	IncreasePriority bool     `json:"increase_priority" yaml:"increase_priority"`
	AutoAssign       bool     `json:"auto_assign" yaml:"auto_assign"`
	Notifications    []string `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	EscalateTo       []string `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"`
}

type EscalationRule struct {
	ID        int64              `json:"id"`
	Scope     string             `json:"scope"`
	Name      string             `json:"name"`
	Active    bool               `json:"active"`
	Triggers  EscalationTriggers `json:"triggers"`
	Actions   EscalationActions  `json:"actions"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	LoadErr   error              `json:"-"`
}

func normalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" || strings.EqualFold(scope, ScopeGlobal) {
		return ScopeGlobal
	}
	return scope
}
