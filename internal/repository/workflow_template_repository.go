package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// WorkflowTemplateRepository stores immutable template versions. Levels are
// kept as JSONB and never updated in place; a change is a new version row.
type WorkflowTemplateRepository struct {
	q database.Querier
}

// NewWorkflowTemplateRepository creates a new WorkflowTemplateRepository.
func NewWorkflowTemplateRepository(q database.Querier) *WorkflowTemplateRepository {
	return &WorkflowTemplateRepository{q: q}
}

const templateColumns = `id, name, version, description, levels, is_active, created_by, created_at`

// Create inserts one template version.
func (r *WorkflowTemplateRepository) Create(ctx context.Context, t *WorkflowTemplate) error {
	levelsJSON, err := json.Marshal(t.Levels)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template levels")
	}

	query := `
		INSERT INTO approval_workflow_templates
		    (id, name, version, description, levels, is_active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.q.ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.Version,
		t.Description,
		levelsJSON,
		t.Active,
		t.CreatedBy,
		t.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "workflow template version already exists").
			WithDetail("name", t.Name).
			WithDetail("version", t.Version)
	}
	return database.Classify(err, "failed to create workflow template")
}

// GetByID retrieves one template version by primary key.
func (r *WorkflowTemplateRepository) GetByID(ctx context.Context, id string) (*WorkflowTemplate, error) {
	if !IsEntityID(id) {
		return nil, errors.NotFound("workflow_template", id)
	}
	query := `SELECT ` + templateColumns + ` FROM approval_workflow_templates WHERE id = $1`

	t, err := r.scanTemplate(r.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("workflow_template", id)
	}
	return t, database.Classify(err, "failed to get workflow template")
}

// GetLatest returns the highest version of name. With activeOnly set,
// deactivated names are treated as unknown. Returns nil when nothing matches.
func (r *WorkflowTemplateRepository) GetLatest(ctx context.Context, name string, activeOnly bool) (*WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM approval_workflow_templates WHERE name = $1`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY version DESC LIMIT 1"

	t, err := r.scanTemplate(r.q.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, database.Classify(err, "failed to get workflow template")
}

// ListActive returns the latest active version of every template name.
func (r *WorkflowTemplateRepository) ListActive(ctx context.Context) ([]*WorkflowTemplate, error) {
	query := `
		SELECT DISTINCT ON (name) ` + templateColumns + `
		FROM approval_workflow_templates
		WHERE is_active = TRUE
		ORDER BY name ASC, version DESC
	`

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, database.Classify(err, "failed to list workflow templates")
	}
	defer rows.Close()

	var templates []*WorkflowTemplate
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow template")
		}
		templates = append(templates, t)
	}
	return templates, database.Classify(rows.Err(), "failed to list workflow templates")
}

// SetActive flips the active flag on every version of name and returns the
// number of rows changed.
func (r *WorkflowTemplateRepository) SetActive(ctx context.Context, name string, active bool) (int, error) {
	query := `
		UPDATE approval_workflow_templates
		SET is_active = $2
		WHERE name = $1 AND is_active <> $2
	`

	res, err := r.q.ExecContext(ctx, query, name, active)
	if err != nil {
		return 0, database.Classify(err, "failed to update workflow template")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, database.Classify(err, "failed to update workflow template")
	}
	return int(n), nil
}

func (r *WorkflowTemplateRepository) scanTemplate(row rowScanner) (*WorkflowTemplate, error) {
	t := &WorkflowTemplate{}
	var levelsJSON []byte

	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Version,
		&t.Description,
		&levelsJSON,
		&t.Active,
		&t.CreatedBy,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(levelsJSON, &t.Levels); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal template levels")
	}
	return t, nil
}
