package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore is the Store backed by PostgreSQL.
type PostgresStore struct {
	db *database.DB
	repos
}

var _ Store = (*PostgresStore)(nil)

type repos struct {
	templates *WorkflowTemplateRepository
	rules     *ApprovalRulesRepository
	instances *ApprovalWorkflowRepository
	steps     *ApprovalStepsRepository
	audit     *ApprovalAuditRepository
}

func newRepos(q database.Querier) repos {
	return repos{
		templates: NewWorkflowTemplateRepository(q),
		rules:     NewApprovalRulesRepository(q),
		instances: NewApprovalWorkflowRepository(q),
		steps:     NewApprovalStepsRepository(q),
		audit:     NewApprovalAuditRepository(q),
	}
}

// NewPostgresStore creates a store over an open pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, repos: newRepos(db)}
}

// InTx runs fn inside a database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.InTransaction(ctx, func(sqlTx *sql.Tx) error {
		return fn(&pgTx{repos: newRepos(sqlTx)})
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PostgresStore) GetTemplateByID(ctx context.Context, id string) (*WorkflowTemplate, error) {
	return s.templates.GetByID(ctx, id)
}

func (s *PostgresStore) GetLatestTemplate(ctx context.Context, name string) (*WorkflowTemplate, error) {
	t, err := s.templates.GetLatest(ctx, name, true)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.NotFound("workflow_template", name)
	}
	return t, nil
}

func (s *PostgresStore) ListActiveTemplates(ctx context.Context) ([]*WorkflowTemplate, error) {
	return s.templates.ListActive(ctx)
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*ApprovalRequirementRule, error) {
	return s.rules.GetByID(ctx, id)
}

func (s *PostgresStore) ListRules(ctx context.Context, activeOnly bool) ([]*ApprovalRequirementRule, error) {
	return s.rules.List(ctx, activeOnly)
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	return s.instances.GetByID(ctx, id)
}

func (s *PostgresStore) GetPendingInstanceForSubject(ctx context.Context, subjectType, subjectID string) (*WorkflowInstance, error) {
	return s.instances.GetPendingBySubject(ctx, subjectType, subjectID)
}

func (s *PostgresStore) ListInstancesForSubject(ctx context.Context, subjectType, subjectID string) ([]*WorkflowInstance, error) {
	return s.instances.ListBySubject(ctx, subjectType, subjectID)
}

func (s *PostgresStore) GetStep(ctx context.Context, id string) (*StepRecord, error) {
	return s.steps.GetByID(ctx, id)
}

func (s *PostgresStore) ListSteps(ctx context.Context, instanceID string) ([]*StepRecord, error) {
	return s.steps.ListByInstance(ctx, instanceID)
}

func (s *PostgresStore) ListActiveStepsForRole(ctx context.Context, role Role) ([]*StepRecord, error) {
	return s.steps.ListActiveForRole(ctx, role)
}

func (s *PostgresStore) ListOverdueSteps(ctx context.Context, now time.Time, limit int) ([]*StepRecord, error) {
	return s.steps.ListOverdue(ctx, now, limit)
}

func (s *PostgresStore) QueryActions(ctx context.Context, f AuditFilter) ([]*ActionLogEntry, error) {
	return s.audit.QueryActions(ctx, f)
}

func (s *PostgresStore) QueryEscalations(ctx context.Context, f AuditFilter) ([]*EscalationLogEntry, error) {
	return s.audit.QueryEscalations(ctx, f)
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*ActionLogEntry, error) {
	return s.audit.GetAction(ctx, id)
}

// pgTx binds the repositories to one *sql.Tx.
type pgTx struct {
	repos
}

func (tx *pgTx) GetTemplateByID(ctx context.Context, id string) (*WorkflowTemplate, error) {
	return tx.templates.GetByID(ctx, id)
}

func (tx *pgTx) GetLatestTemplateAnyState(ctx context.Context, name string) (*WorkflowTemplate, error) {
	return tx.templates.GetLatest(ctx, name, false)
}

func (tx *pgTx) CreateTemplate(ctx context.Context, t *WorkflowTemplate) error {
	return tx.templates.Create(ctx, t)
}

func (tx *pgTx) SetTemplateActive(ctx context.Context, name string, active bool) (int, error) {
	return tx.templates.SetActive(ctx, name, active)
}

func (tx *pgTx) ListRules(ctx context.Context, activeOnly bool) ([]*ApprovalRequirementRule, error) {
	return tx.rules.List(ctx, activeOnly)
}

func (tx *pgTx) CreateRule(ctx context.Context, r *ApprovalRequirementRule) error {
	return tx.rules.Create(ctx, r)
}

func (tx *pgTx) SetRuleActive(ctx context.Context, id string, active bool) error {
	return tx.rules.SetActive(ctx, id, active)
}

func (tx *pgTx) LockInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	return tx.instances.GetForUpdate(ctx, id)
}

func (tx *pgTx) GetPendingInstanceForSubject(ctx context.Context, subjectType, subjectID string) (*WorkflowInstance, error) {
	return tx.instances.GetPendingBySubject(ctx, subjectType, subjectID)
}

func (tx *pgTx) CreateInstance(ctx context.Context, inst *WorkflowInstance) error {
	return tx.instances.Create(ctx, inst)
}

func (tx *pgTx) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	return tx.instances.Update(ctx, inst)
}

func (tx *pgTx) GetStep(ctx context.Context, id string) (*StepRecord, error) {
	return tx.steps.GetByID(ctx, id)
}

func (tx *pgTx) ListSteps(ctx context.Context, instanceID string) ([]*StepRecord, error) {
	return tx.steps.ListByInstance(ctx, instanceID)
}

func (tx *pgTx) CreateStep(ctx context.Context, st *StepRecord) error {
	return tx.steps.Create(ctx, st)
}

func (tx *pgTx) UpdateStep(ctx context.Context, st *StepRecord) error {
	return tx.steps.Update(ctx, st)
}

func (tx *pgTx) AppendAction(ctx context.Context, e *ActionLogEntry) error {
	return tx.audit.AppendAction(ctx, e)
}

func (tx *pgTx) AppendEscalation(ctx context.Context, e *EscalationLogEntry) error {
	return tx.audit.AppendEscalation(ctx, e)
}
