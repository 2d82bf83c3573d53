package repository

import (
	"context"
	"database/sql"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// ApprovalRulesRepository handles approval_requirement_rules. Rules are
// deactivated rather than deleted so historical resolutions stay explainable.
type ApprovalRulesRepository struct {
	q database.Querier
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(q database.Querier) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{q: q}
}

const ruleColumns = `id, subject_type, business_model, template_name, no_approval_required,
		       condition, priority, is_active, created_by, created_at`

// Create inserts a new rule.
func (r *ApprovalRulesRepository) Create(ctx context.Context, rule *ApprovalRequirementRule) error {
	query := `
		INSERT INTO approval_requirement_rules
		    (id, subject_type, business_model, template_name, no_approval_required,
		     condition, priority, is_active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
	`

	_, err := r.q.ExecContext(ctx, query,
		rule.ID,
		rule.SubjectType,
		rule.BusinessModel,
		rule.TemplateName,
		rule.NoApprovalRequired,
		rule.Condition,
		rule.Priority,
		rule.Active,
		rule.CreatedBy,
		rule.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "an active rule with the same key already exists").
			WithDetail("subject_type", rule.SubjectType).
			WithDetail("business_model", rule.BusinessModel).
			WithDetail("priority", rule.Priority)
	}
	return database.Classify(err, "failed to create approval rule")
}

// GetByID retrieves a rule by primary key.
func (r *ApprovalRulesRepository) GetByID(ctx context.Context, id string) (*ApprovalRequirementRule, error) {
	if !IsEntityID(id) {
		return nil, errors.NotFound("approval_rule", id)
	}
	query := `SELECT ` + ruleColumns + ` FROM approval_requirement_rules WHERE id = $1`

	rule, err := r.scanRule(r.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("approval_rule", id)
	}
	return rule, database.Classify(err, "failed to get approval rule")
}

// List returns rules ordered by priority, optionally filtered to active only.
func (r *ApprovalRulesRepository) List(ctx context.Context, activeOnly bool) ([]*ApprovalRequirementRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_requirement_rules`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY priority ASC, id ASC"

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, database.Classify(err, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRequirementRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, database.Classify(rows.Err(), "failed to list approval rules")
}

// SetActive activates or deactivates a rule.
func (r *ApprovalRulesRepository) SetActive(ctx context.Context, id string, active bool) error {
	if !IsEntityID(id) {
		return errors.NotFound("approval_rule", id)
	}
	query := `UPDATE approval_requirement_rules SET is_active = $2 WHERE id = $1`

	res, err := r.q.ExecContext(ctx, query, id, active)
	if err != nil {
		return database.Classify(err, "failed to update approval rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("approval_rule", id)
	}
	return nil
}

func (r *ApprovalRulesRepository) scanRule(row rowScanner) (*ApprovalRequirementRule, error) {
	rule := &ApprovalRequirementRule{}
	err := row.Scan(
		&rule.ID,
		&rule.SubjectType,
		&rule.BusinessModel,
		&rule.TemplateName,
		&rule.NoApprovalRequired,
		&rule.Condition,
		&rule.Priority,
		&rule.Active,
		&rule.CreatedBy,
		&rule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rule, nil
}
