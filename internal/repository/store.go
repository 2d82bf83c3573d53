package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// ErrVersionConflict is returned by conditional updates whose expected
// version no longer matches the stored row.
var ErrVersionConflict = errors.New(errors.ErrCodeConflict, "row was modified concurrently")

// Store is the persistence collaborator of the workflow engine. Reads outside
// a transaction see committed state only. All multi-row writes go through InTx.
type Store interface {
	// InTx runs fn in one transaction; any error rolls back every write.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetTemplateByID(ctx context.Context, id string) (*WorkflowTemplate, error)
	GetLatestTemplate(ctx context.Context, name string) (*WorkflowTemplate, error)
	ListActiveTemplates(ctx context.Context) ([]*WorkflowTemplate, error)

	GetRule(ctx context.Context, id string) (*ApprovalRequirementRule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*ApprovalRequirementRule, error)

	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	// GetPendingInstanceForSubject returns nil, nil when none exists.
	GetPendingInstanceForSubject(ctx context.Context, subjectType, subjectID string) (*WorkflowInstance, error)
	ListInstancesForSubject(ctx context.Context, subjectType, subjectID string) ([]*WorkflowInstance, error)

	GetStep(ctx context.Context, id string) (*StepRecord, error)
	ListSteps(ctx context.Context, instanceID string) ([]*StepRecord, error)
	ListActiveStepsForRole(ctx context.Context, role Role) ([]*StepRecord, error)
	// ListOverdueSteps returns active steps of pending instances whose
	// deadline is at or before now and whose escalation chain is not
	// exhausted, oldest deadline first.
	ListOverdueSteps(ctx context.Context, now time.Time, limit int) ([]*StepRecord, error)

	QueryActions(ctx context.Context, f AuditFilter) ([]*ActionLogEntry, error)
	QueryEscalations(ctx context.Context, f AuditFilter) ([]*EscalationLogEntry, error)
	GetAction(ctx context.Context, id string) (*ActionLogEntry, error)

	Ping(ctx context.Context) error
}

// Tx is the transactional view of the store.
type Tx interface {
	GetTemplateByID(ctx context.Context, id string) (*WorkflowTemplate, error)
	// GetLatestTemplateAnyState returns the highest version regardless of
	// the active flag, or nil, nil when the name is unknown.
	GetLatestTemplateAnyState(ctx context.Context, name string) (*WorkflowTemplate, error)
	CreateTemplate(ctx context.Context, t *WorkflowTemplate) error
	SetTemplateActive(ctx context.Context, name string, active bool) (int, error)

	ListRules(ctx context.Context, activeOnly bool) ([]*ApprovalRequirementRule, error)
	CreateRule(ctx context.Context, r *ApprovalRequirementRule) error
	SetRuleActive(ctx context.Context, id string, active bool) error

	// LockInstance reads an instance and holds a row lock until the
	// transaction ends.
	LockInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	GetPendingInstanceForSubject(ctx context.Context, subjectType, subjectID string) (*WorkflowInstance, error)
	CreateInstance(ctx context.Context, inst *WorkflowInstance) error
	// UpdateInstance writes inst when the stored version equals
	// inst.Version and increments it; ErrVersionConflict otherwise.
	UpdateInstance(ctx context.Context, inst *WorkflowInstance) error

	GetStep(ctx context.Context, id string) (*StepRecord, error)
	ListSteps(ctx context.Context, instanceID string) ([]*StepRecord, error)
	CreateStep(ctx context.Context, s *StepRecord) error
	// UpdateStep is the step counterpart of UpdateInstance.
	UpdateStep(ctx context.Context, s *StepRecord) error

	AppendAction(ctx context.Context, e *ActionLogEntry) error
	AppendEscalation(ctx context.Context, e *EscalationLogEntry) error
}
