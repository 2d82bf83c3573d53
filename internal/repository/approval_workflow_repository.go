package repository

import (
	"context"
	"database/sql"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// ApprovalWorkflowRepository manages workflow instances. Updates are
// conditional on the row version so a stale writer never overwrites a newer
// decision.
type ApprovalWorkflowRepository struct {
	q database.Querier
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
func NewApprovalWorkflowRepository(q database.Querier) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{q: q}
}

const instanceColumns = `id, subject_type, subject_id, template_id, template_name, template_version,
		       current_level, total_levels, status, submitted_by, version,
		       created_at, updated_at, completed_at`

// Create inserts a workflow instance.
func (r *ApprovalWorkflowRepository) Create(ctx context.Context, inst *WorkflowInstance) error {
	query := `
		INSERT INTO approval_workflow_instances
		    (id, subject_type, subject_id, template_id, template_name, template_version,
		     current_level, total_levels, status, submitted_by, version,
		     created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11,
		        $12, $13, $14)
	`

	_, err := r.q.ExecContext(ctx, query,
		inst.ID,
		inst.SubjectType,
		inst.SubjectID,
		inst.TemplateID,
		inst.TemplateName,
		inst.TemplateVersion,
		inst.CurrentLevel,
		inst.TotalLevels,
		string(inst.Status),
		inst.SubmittedBy,
		inst.Version,
		inst.CreatedAt,
		inst.UpdatedAt,
		inst.CompletedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "subject already has a pending workflow").
			WithDetail("subject_type", inst.SubjectType).
			WithDetail("subject_id", inst.SubjectID)
	}
	return database.Classify(err, "failed to create workflow instance")
}

// GetByID retrieves an instance by primary key.
func (r *ApprovalWorkflowRepository) GetByID(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_workflow_instances WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetForUpdate retrieves an instance and locks the row for the rest of the
// transaction. Only meaningful when the repository wraps a *sql.Tx.
func (r *ApprovalWorkflowRepository) GetForUpdate(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_workflow_instances WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *ApprovalWorkflowRepository) getOne(ctx context.Context, query, id string) (*WorkflowInstance, error) {
	if !IsEntityID(id) {
		return nil, errors.NotFound("workflow_instance", id)
	}
	inst, err := r.scanInstance(r.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", id)
	}
	return inst, database.Classify(err, "failed to get workflow instance")
}

// GetPendingBySubject returns the pending instance of a subject, or nil when
// none exists.
func (r *ApprovalWorkflowRepository) GetPendingBySubject(ctx context.Context, subjectType, subjectID string) (*WorkflowInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_workflow_instances
		WHERE subject_type = $1 AND subject_id = $2 AND status = 'pending'
		LIMIT 1
	`

	inst, err := r.scanInstance(r.q.QueryRowContext(ctx, query, subjectType, subjectID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inst, database.Classify(err, "failed to get pending workflow instance")
}

// ListBySubject returns every instance of a subject, oldest first.
func (r *ApprovalWorkflowRepository) ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*WorkflowInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_workflow_instances
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY created_at ASC
	`

	rows, err := r.q.QueryContext(ctx, query, subjectType, subjectID)
	if err != nil {
		return nil, database.Classify(err, "failed to list workflow instances")
	}
	defer rows.Close()

	var out []*WorkflowInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow instance")
		}
		out = append(out, inst)
	}
	return out, database.Classify(rows.Err(), "failed to list workflow instances")
}

// Update writes status, level and completion when the stored version still
// equals inst.Version, then bumps inst.Version.
func (r *ApprovalWorkflowRepository) Update(ctx context.Context, inst *WorkflowInstance) error {
	query := `
		UPDATE approval_workflow_instances
		SET current_level = $3,
		    status        = $4,
		    updated_at    = $5,
		    completed_at  = $6,
		    version       = version + 1
		WHERE id = $1 AND version = $2
	`

	res, err := r.q.ExecContext(ctx, query,
		inst.ID,
		inst.Version,
		inst.CurrentLevel,
		string(inst.Status),
		inst.UpdatedAt,
		inst.CompletedAt,
	)
	if err != nil {
		return database.Classify(err, "failed to update workflow instance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return database.Classify(err, "failed to update workflow instance")
	}
	if n == 0 {
		return ErrVersionConflict
	}
	inst.Version++
	return nil
}

func (r *ApprovalWorkflowRepository) scanInstance(row rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.SubjectType,
		&inst.SubjectID,
		&inst.TemplateID,
		&inst.TemplateName,
		&inst.TemplateVersion,
		&inst.CurrentLevel,
		&inst.TotalLevels,
		&inst.Status,
		&inst.SubmittedBy,
		&inst.Version,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
