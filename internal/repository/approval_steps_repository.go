package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// ApprovalStepsRepository manages the per-level step records of instances.
type ApprovalStepsRepository struct {
	q database.Querier
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(q database.Querier) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{q: q}
}

const stepColumns = `s.id, s.instance_id, s.level_index, s.level_name, s.required_role, s.responsible_role,
		       s.status, s.escalation_tier, s.max_escalation_tier, s.deadline,
		       s.decided_by, s.decided_at, s.notes, s.version, s.created_at, s.updated_at`

// Create inserts a step.
func (r *ApprovalStepsRepository) Create(ctx context.Context, st *StepRecord) error {
	query := `
		INSERT INTO approval_steps
		    (id, instance_id, level_index, level_name, required_role, responsible_role,
		     status, escalation_tier, max_escalation_tier, deadline,
		     decided_by, decided_at, notes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16)
	`

	_, err := r.q.ExecContext(ctx, query,
		st.ID,
		st.InstanceID,
		st.LevelIndex,
		st.LevelName,
		string(st.RequiredRole),
		string(st.ResponsibleRole),
		string(st.Status),
		st.EscalationTier,
		st.MaxEscalationTier,
		st.Deadline,
		st.DecidedBy,
		st.DecidedAt,
		st.Notes,
		st.Version,
		st.CreatedAt,
		st.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "approval step already exists for level").
			WithDetail("instance_id", st.InstanceID).
			WithDetail("level_index", st.LevelIndex)
	}
	return database.Classify(err, "failed to create approval step")
}

// GetByID retrieves a step by primary key.
func (r *ApprovalStepsRepository) GetByID(ctx context.Context, id string) (*StepRecord, error) {
	if !IsEntityID(id) {
		return nil, errors.NotFound("approval_step", id)
	}
	query := `SELECT ` + stepColumns + ` FROM approval_steps s WHERE s.id = $1`

	st, err := r.scanStep(r.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("approval_step", id)
	}
	return st, database.Classify(err, "failed to get approval step")
}

// ListByInstance returns the steps of an instance ordered by level.
func (r *ApprovalStepsRepository) ListByInstance(ctx context.Context, instanceID string) ([]*StepRecord, error) {
	if !IsEntityID(instanceID) {
		return nil, nil
	}
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps s
		WHERE s.instance_id = $1
		ORDER BY s.level_index ASC
	`
	return r.list(ctx, "failed to list approval steps", query, instanceID)
}

// ListActiveForRole returns the active steps of pending instances currently
// assigned to role, earliest deadline first.
func (r *ApprovalStepsRepository) ListActiveForRole(ctx context.Context, role Role) ([]*StepRecord, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps s
		JOIN approval_workflow_instances i ON i.id = s.instance_id
		WHERE s.responsible_role = $1
		  AND s.status IN ('pending', 'escalated')
		  AND i.status = 'pending'
		ORDER BY s.deadline ASC NULLS LAST, s.created_at ASC
	`
	return r.list(ctx, "failed to list pending approvals", query, string(role))
}

// ListOverdue returns active steps whose deadline has passed and whose
// escalation chain still has a tier left.
func (r *ApprovalStepsRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*StepRecord, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps s
		JOIN approval_workflow_instances i ON i.id = s.instance_id
		WHERE s.status IN ('pending', 'escalated')
		  AND i.status = 'pending'
		  AND s.deadline <= $1
		  AND s.escalation_tier < s.max_escalation_tier
		ORDER BY s.deadline ASC, s.created_at ASC
		LIMIT $2
	`
	return r.list(ctx, "failed to list overdue steps", query, now, limit)
}

// Update writes the mutable step fields when the stored version still equals
// st.Version, then bumps st.Version.
func (r *ApprovalStepsRepository) Update(ctx context.Context, st *StepRecord) error {
	query := `
		UPDATE approval_steps
		SET responsible_role = $3,
		    status           = $4,
		    escalation_tier  = $5,
		    deadline         = $6,
		    decided_by       = $7,
		    decided_at       = $8,
		    notes            = $9,
		    updated_at       = $10,
		    version          = version + 1
		WHERE id = $1 AND version = $2
	`

	res, err := r.q.ExecContext(ctx, query,
		st.ID,
		st.Version,
		string(st.ResponsibleRole),
		string(st.Status),
		st.EscalationTier,
		st.Deadline,
		st.DecidedBy,
		st.DecidedAt,
		st.Notes,
		st.UpdatedAt,
	)
	if err != nil {
		return database.Classify(err, "failed to update approval step")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return database.Classify(err, "failed to update approval step")
	}
	if n == 0 {
		return ErrVersionConflict
	}
	st.Version++
	return nil
}

func (r *ApprovalStepsRepository) list(ctx context.Context, msg, query string, args ...any) ([]*StepRecord, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.Classify(err, msg)
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		st, err := r.scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, st)
	}
	return steps, database.Classify(rows.Err(), msg)
}

func (r *ApprovalStepsRepository) scanStep(row rowScanner) (*StepRecord, error) {
	st := &StepRecord{}
	err := row.Scan(
		&st.ID,
		&st.InstanceID,
		&st.LevelIndex,
		&st.LevelName,
		&st.RequiredRole,
		&st.ResponsibleRole,
		&st.Status,
		&st.EscalationTier,
		&st.MaxEscalationTier,
		&st.Deadline,
		&st.DecidedBy,
		&st.DecidedAt,
		&st.Notes,
		&st.Version,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return st, nil
}
