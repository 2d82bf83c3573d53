package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// ApprovalAuditRepository appends and reads the action and escalation logs.
// Append is the only mutation it exposes.
type ApprovalAuditRepository struct {
	q database.Querier
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(q database.Querier) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{q: q}
}

const actionColumns = `id, instance_id, step_id, subject_type, subject_id,
		       actor_id, actor_role, action, notes, compensates_id, created_at`

const escalationColumns = `id, instance_id, step_id, subject_type, subject_id,
		       tier, previous_role, new_role, reason, triggered_by, triggered_at`

// AppendAction inserts one action log entry.
func (r *ApprovalAuditRepository) AppendAction(ctx context.Context, e *ActionLogEntry) error {
	query := `
		INSERT INTO approval_action_log
		    (id, instance_id, step_id, subject_type, subject_id,
		     actor_id, actor_role, action, notes, compensates_id, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10, $11)
	`

	_, err := r.q.ExecContext(ctx, query,
		e.ID,
		e.InstanceID,
		e.StepID,
		e.SubjectType,
		e.SubjectID,
		e.ActorID,
		string(e.ActorRole),
		string(e.Action),
		e.Notes,
		e.CompensatesID,
		e.CreatedAt,
	)
	return database.Classify(err, "failed to append action log entry")
}

// AppendEscalation inserts one escalation log entry.
func (r *ApprovalAuditRepository) AppendEscalation(ctx context.Context, e *EscalationLogEntry) error {
	query := `
		INSERT INTO approval_escalation_log
		    (id, instance_id, step_id, subject_type, subject_id,
		     tier, previous_role, new_role, reason, triggered_by, triggered_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10, $11)
	`

	_, err := r.q.ExecContext(ctx, query,
		e.ID,
		e.InstanceID,
		e.StepID,
		e.SubjectType,
		e.SubjectID,
		e.Tier,
		string(e.PreviousRole),
		string(e.NewRole),
		string(e.Reason),
		e.TriggeredBy,
		e.TriggeredAt,
	)
	return database.Classify(err, "failed to append escalation log entry")
}

// GetAction retrieves one action log entry.
func (r *ApprovalAuditRepository) GetAction(ctx context.Context, id string) (*ActionLogEntry, error) {
	query := `SELECT ` + actionColumns + ` FROM approval_action_log WHERE id = $1`

	e, err := r.scanAction(r.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("action_log_entry", id)
	}
	return e, database.Classify(err, "failed to get action log entry")
}

// QueryActions returns action entries matching f, oldest first.
func (r *ApprovalAuditRepository) QueryActions(ctx context.Context, f AuditFilter) ([]*ActionLogEntry, error) {
	if f.InstanceID != "" && !IsEntityID(f.InstanceID) {
		return nil, nil
	}
	where, args := auditWhere(f, "actor_id", "created_at")
	query := `SELECT ` + actionColumns + ` FROM approval_action_log` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.Classify(err, "failed to query action log")
	}
	defer rows.Close()

	var entries []*ActionLogEntry
	for rows.Next() {
		e, err := r.scanAction(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan action log entry")
		}
		entries = append(entries, e)
	}
	return entries, database.Classify(rows.Err(), "failed to query action log")
}

// QueryEscalations returns escalation entries matching f, oldest first. The
// actor filter matches triggered_by.
func (r *ApprovalAuditRepository) QueryEscalations(ctx context.Context, f AuditFilter) ([]*EscalationLogEntry, error) {
	if f.InstanceID != "" && !IsEntityID(f.InstanceID) {
		return nil, nil
	}
	where, args := auditWhere(f, "triggered_by", "triggered_at")
	query := `SELECT ` + escalationColumns + ` FROM approval_escalation_log` + where + ` ORDER BY triggered_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.Classify(err, "failed to query escalation log")
	}
	defer rows.Close()

	var entries []*EscalationLogEntry
	for rows.Next() {
		e, err := r.scanEscalation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan escalation log entry")
		}
		entries = append(entries, e)
	}
	return entries, database.Classify(rows.Err(), "failed to query escalation log")
}

func auditWhere(f AuditFilter, actorCol, timeCol string) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.InstanceID != "" {
		add("instance_id = $%d", f.InstanceID)
	}
	if f.SubjectType != "" {
		add("subject_type = $%d", f.SubjectType)
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.ActorID != "" {
		add(actorCol+" = $%d", f.ActorID)
	}
	if f.From != nil {
		add(timeCol+" >= $%d", *f.From)
	}
	if f.To != nil {
		add(timeCol+" <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *ApprovalAuditRepository) scanAction(row rowScanner) (*ActionLogEntry, error) {
	e := &ActionLogEntry{}
	err := row.Scan(
		&e.ID,
		&e.InstanceID,
		&e.StepID,
		&e.SubjectType,
		&e.SubjectID,
		&e.ActorID,
		&e.ActorRole,
		&e.Action,
		&e.Notes,
		&e.CompensatesID,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *ApprovalAuditRepository) scanEscalation(row rowScanner) (*EscalationLogEntry, error) {
	e := &EscalationLogEntry{}
	err := row.Scan(
		&e.ID,
		&e.InstanceID,
		&e.StepID,
		&e.SubjectType,
		&e.SubjectID,
		&e.Tier,
		&e.PreviousRole,
		&e.NewRole,
		&e.Reason,
		&e.TriggeredBy,
		&e.TriggeredAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}
