package repository

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// InstanceStatus is the overall status of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusApproved  InstanceStatus = "approved"
	InstanceStatusRejected  InstanceStatus = "rejected"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceStatusPending, InstanceStatusApproved, InstanceStatusRejected, InstanceStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusApproved || s == InstanceStatusRejected || s == InstanceStatusCancelled
}

// StepStatus is the status of one approval level.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusApproved  StepStatus = "approved"
	StepStatusRejected  StepStatus = "rejected"
	StepStatusEscalated StepStatus = "escalated"
	StepStatusSkipped   StepStatus = "skipped"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusApproved, StepStatusRejected, StepStatusEscalated, StepStatusSkipped:
		return true
	}
	return false
}

// IsActive reports whether the step still awaits a decision.
func (s StepStatus) IsActive() bool {
	return s == StepStatusPending || s == StepStatusEscalated
}

// IsTerminal reports whether the step can no longer change.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusApproved || s == StepStatusRejected || s == StepStatusSkipped
}

// Decision is what an approver renders on a step.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision accepts "approve"/"approved" and "reject"/"rejected" in any case.
func ParseDecision(s string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return DecisionApprove, true
	case "reject", "rejected":
		return DecisionReject, true
	}
	return "", false
}

// ActionType classifies an action log entry.
type ActionType string

const (
	ActionApprove    ActionType = "approve"
	ActionReject     ActionType = "reject"
	ActionEscalate   ActionType = "escalate"
	ActionCancel     ActionType = "cancel"
	ActionCompensate ActionType = "compensate"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionEscalate, ActionCancel, ActionCompensate:
		return true
	}
	return false
}

// EscalationReason explains why a step was escalated.
type EscalationReason string

const (
	EscalationDeadlineExceeded EscalationReason = "deadline_exceeded"
	EscalationManual           EscalationReason = "manual"
)

// ── Roles ────────────────────────────────────────────────────────────────────

// Role is a normalized role label. Construct it with NormalizeRole.
type Role string

// NormalizeRole trims and lower-cases a declared role.
func NormalizeRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

func (r Role) String() string { return string(r) }

func (r Role) IsZero() bool { return r == "" }

// SystemActorID identifies engine-initiated actions in the logs.
const SystemActorID = "system"

// Wildcard matches any subject type or business model in requirement rules.
const Wildcard = "*"

// ── Templates & rules ────────────────────────────────────────────────────────

// LevelSpec is one ordered approval level of a template.
type LevelSpec struct {
	Name           string        `json:"name" yaml:"name"`
	RequiredRole   Role          `json:"required_role" yaml:"required_role"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	EscalateToRole Role          `json:"escalate_to_role,omitempty" yaml:"escalate_to_role"`
	// FallbackRoles extend the escalation chain beyond EscalateToRole. The
	// last entry is the final fallback.
	FallbackRoles []Role `json:"fallback_roles,omitempty" yaml:"fallback_roles"`
}

type levelSpecJSON struct {
	Name           string          `json:"name"`
	RequiredRole   Role            `json:"required_role"`
	Timeout        json.RawMessage `json:"timeout"`
	EscalateToRole Role            `json:"escalate_to_role,omitempty"`
	FallbackRoles  []Role          `json:"fallback_roles,omitempty"`
}

// MarshalJSON writes Timeout as a Go duration string such as "24h0m0s".
func (l LevelSpec) MarshalJSON() ([]byte, error) {
	timeout, _ := json.Marshal(l.Timeout.String())
	return json.Marshal(levelSpecJSON{
		Name:           l.Name,
		RequiredRole:   l.RequiredRole,
		Timeout:        timeout,
		EscalateToRole: l.EscalateToRole,
		FallbackRoles:  l.FallbackRoles,
	})
}

// UnmarshalJSON accepts Timeout as a duration string or as nanoseconds.
func (l *LevelSpec) UnmarshalJSON(data []byte) error {
	var raw levelSpecJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = LevelSpec{
		Name:           raw.Name,
		RequiredRole:   raw.RequiredRole,
		EscalateToRole: raw.EscalateToRole,
		FallbackRoles:  raw.FallbackRoles,
	}
	if len(raw.Timeout) == 0 || string(raw.Timeout) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Timeout, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("level %q: invalid timeout: %w", raw.Name, err)
		}
		l.Timeout = d
		return nil
	}
	var ns int64
	if err := json.Unmarshal(raw.Timeout, &ns); err != nil {
		return fmt.Errorf("level %q: timeout must be a duration string or nanoseconds", raw.Name)
	}
	l.Timeout = time.Duration(ns)
	return nil
}

// EscalationTiers is the number of times a step at this level may escalate.
func (l LevelSpec) EscalationTiers() int {
	if l.EscalateToRole.IsZero() {
		return 0
	}
	return 1 + len(l.FallbackRoles)
}

// EscalationRole returns the responsible role for a 1-based escalation tier.
func (l LevelSpec) EscalationRole(tier int) (Role, bool) {
	switch {
	case tier < 1 || tier > l.EscalationTiers():
		return "", false
	case tier == 1:
		return l.EscalateToRole, true
	default:
		return l.FallbackRoles[tier-2], true
	}
}

// WorkflowTemplate is an immutable, versioned level sequence.
type WorkflowTemplate struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Version     int         `json:"version"`
	Description string      `json:"description"`
	Levels      []LevelSpec `json:"levels"`
	Active      bool        `json:"active"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ApprovalRequirementRule maps a subject classification to a template name,
// or explicitly to "no approval required".
type ApprovalRequirementRule struct {
	ID                 string    `json:"id"`
	SubjectType        string    `json:"subject_type"`
	BusinessModel      string    `json:"business_model"`
	TemplateName       string    `json:"template_name"`
	NoApprovalRequired bool      `json:"no_approval_required"`
	Condition          string    `json:"condition"` // expr-lang boolean expression; empty = always
	Priority           int       `json:"priority"`  // lower = evaluated first
	Active             bool      `json:"active"`
	CreatedBy          string    `json:"created_by"`
	CreatedAt          time.Time `json:"created_at"`
}

// Specificity ranks exact matches above wildcard matches.
func (r *ApprovalRequirementRule) Specificity() int {
	n := 0
	if r.SubjectType != Wildcard {
		n += 2
	}
	if r.BusinessModel != Wildcard {
		n++
	}
	return n
}

// ── Instances & steps ────────────────────────────────────────────────────────

// WorkflowInstance is one approval process bound to one subject.
type WorkflowInstance struct {
	ID              string         `json:"id"`
	SubjectType     string         `json:"subject_type"`
	SubjectID       string         `json:"subject_id"`
	TemplateID      *string        `json:"template_id,omitempty"` // nil when no approval was required
	TemplateName    string         `json:"template_name"`
	TemplateVersion int            `json:"template_version"`
	CurrentLevel    int            `json:"current_level"`
	TotalLevels     int            `json:"total_levels"`
	Status          InstanceStatus `json:"status"`
	SubmittedBy     string         `json:"submitted_by"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// StepRecord is one level of a workflow instance.
type StepRecord struct {
	ID                string     `json:"id"`
	InstanceID        string     `json:"instance_id"`
	LevelIndex        int        `json:"level_index"`
	LevelName         string     `json:"level_name"`
	RequiredRole      Role       `json:"required_role"`
	ResponsibleRole   Role       `json:"responsible_role"`
	Status            StepStatus `json:"status"`
	EscalationTier    int        `json:"escalation_tier"`
	MaxEscalationTier int        `json:"max_escalation_tier"`
	Deadline          *time.Time `json:"deadline,omitempty"` // nil for skipped steps that were never activated
	DecidedBy         *string    `json:"decided_by,omitempty"`
	DecidedAt         *time.Time `json:"decided_at,omitempty"`
	Notes             *string    `json:"notes,omitempty"`
	Version           int        `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ── Audit log ────────────────────────────────────────────────────────────────

// ActionLogEntry is one immutable record of an approve/reject/escalate/cancel
// action, or a compensating correction of an earlier entry.
type ActionLogEntry struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instance_id"`
	StepID        *string    `json:"step_id,omitempty"`
	SubjectType   string     `json:"subject_type"`
	SubjectID     string     `json:"subject_id"`
	ActorID       string     `json:"actor_id"`
	ActorRole     Role       `json:"actor_role"`
	Action        ActionType `json:"action"`
	Notes         *string    `json:"notes,omitempty"`
	CompensatesID *string    `json:"compensates_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// EscalationLogEntry is one immutable escalation record.
type EscalationLogEntry struct {
	ID           string           `json:"id"`
	InstanceID   string           `json:"instance_id"`
	StepID       string           `json:"step_id"`
	SubjectType  string           `json:"subject_type"`
	SubjectID    string           `json:"subject_id"`
	Tier         int              `json:"tier"`
	PreviousRole Role             `json:"previous_role"`
	NewRole      Role             `json:"new_role"`
	Reason       EscalationReason `json:"reason"`
	TriggeredBy  string           `json:"triggered_by"`
	TriggeredAt  time.Time        `json:"triggered_at"`
}

// AuditFilter selects log entries. Empty fields do not filter.
type AuditFilter struct {
	SubjectType string
	SubjectID   string
	InstanceID  string
	ActorID     string
	From        *time.Time
	To          *time.Time
	Limit       int
}
