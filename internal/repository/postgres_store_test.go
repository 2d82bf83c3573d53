package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(database.Wrap(db)), mock
}

var instanceCols = []string{
	"id", "subject_type", "subject_id", "template_id", "template_name", "template_version",
	"current_level", "total_levels", "status", "submitted_by", "version",
	"created_at", "updated_at", "completed_at",
}

func TestPostgresStore_GetInstance(t *testing.T) {
	store, mock := newMockStore(t)
	instID := NewID()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_workflow_instances WHERE id = $1")).
		WithArgs(instID).
		WillReturnRows(sqlmock.NewRows(instanceCols).AddRow(
			instID, "internal", "sub-1", "tpl-1", "two_level", 3,
			1, 2, "pending", "u-1", 4,
			now, now, nil,
		))

	inst, err := store.GetInstance(context.Background(), instID)
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusPending, inst.Status)
	require.NotNil(t, inst.TemplateID)
	assert.Equal(t, "tpl-1", *inst.TemplateID)
	assert.Equal(t, 3, inst.TemplateVersion)
	assert.Equal(t, 4, inst.Version)
	assert.Nil(t, inst.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetInstanceNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	missing := NewID()
	mock.ExpectQuery("FROM approval_workflow_instances").
		WithArgs(missing).
		WillReturnRows(sqlmock.NewRows(instanceCols))

	_, err := store.GetInstance(context.Background(), missing)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MalformedIDsSkipTheDatabase(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	_, err := store.GetInstance(ctx, "not-a-uuid")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	assert.Equal(t, "not-a-uuid", errors.DetailsOf(err)["id"])

	_, err = store.GetStep(ctx, "step-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, err = store.GetTemplateByID(ctx, "tpl-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, err = store.GetRule(ctx, "rule-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	steps, err := store.ListSteps(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, steps)

	actions, err := store.QueryActions(ctx, AuditFilter{InstanceID: "inst-1"})
	require.NoError(t, err)
	assert.Empty(t, actions)

	escalations, err := store.QueryEscalations(ctx, AuditFilter{InstanceID: "inst-1"})
	require.NoError(t, err)
	assert.Empty(t, escalations)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = store.InTx(ctx, func(tx Tx) error {
		_, err := tx.LockInstance(ctx, "inst-1")
		return err
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InvalidTextIsInvalidInput(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM approval_steps").
		WillReturnError(&pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"})

	_, err := store.ListOverdueSteps(context.Background(), time.Now(), 10)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	assert.Equal(t, 400, errors.HTTPStatus(errors.CodeOf(err)))
}

func TestPostgresStore_GetPendingInstanceNone(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("status = 'pending'").
		WithArgs("internal", "sub-1").
		WillReturnRows(sqlmock.NewRows(instanceCols))

	inst, err := store.GetPendingInstanceForSubject(context.Background(), "internal", "sub-1")
	assert.NoError(t, err)
	assert.Nil(t, inst)
}

func TestPostgresStore_UpdateInstanceVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND version = $2")).
		WithArgs("inst-1", 2, 1, "pending", sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	inst := &WorkflowInstance{ID: "inst-1", Version: 2, CurrentLevel: 1, Status: InstanceStatusPending, UpdatedAt: now}
	err := store.InTx(context.Background(), func(tx Tx) error {
		return tx.UpdateInstance(context.Background(), inst)
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 2, inst.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStepBumpsVersion(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE approval_steps").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st := &StepRecord{ID: "step-1", Version: 1, Status: StepStatusApproved, ResponsibleRole: "finance", UpdatedAt: now}
	err := store.InTx(context.Background(), func(tx Tx) error {
		return tx.UpdateStep(context.Background(), st)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateInstanceDuplicatePending(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO approval_workflow_instances").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_instance_pending_subject"})
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateInstance(context.Background(), &WorkflowInstance{
			ID: "inst-2", SubjectType: "internal", SubjectID: "sub-1",
			Status: InstanceStatusPending, Version: 1, CreatedAt: now, UpdatedAt: now,
		})
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
	assert.Equal(t, "sub-1", errors.DetailsOf(err)["subject_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransientErrorIsUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM approval_steps").
		WillReturnError(&pgconn.PgError{Code: "08006"})

	_, err := store.ListOverdueSteps(context.Background(), time.Now(), 10)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnavailable))
}

func TestPostgresStore_GetLatestTemplateDecodesLevels(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	levels := `[{"name":"dept","required_role":"dept_head","timeout":86400000000000,"escalate_to_role":"operations_manager"},
		{"name":"fin","required_role":"finance","timeout":3600000000000,"escalate_to_role":"cfo","fallback_roles":["ceo"]}]`

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY version DESC LIMIT 1")).
		WithArgs("two_level").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "description", "levels", "is_active", "created_by", "created_at"}).
			AddRow("tpl-1", "two_level", 2, "", []byte(levels), true, "admin", now))

	tpl, err := store.GetLatestTemplate(context.Background(), "two_level")
	require.NoError(t, err)
	require.Len(t, tpl.Levels, 2)
	assert.Equal(t, 24*time.Hour, tpl.Levels[0].Timeout)
	assert.Equal(t, 2, tpl.Levels[1].EscalationTiers())
	role, ok := tpl.Levels[1].EscalationRole(2)
	assert.True(t, ok)
	assert.Equal(t, Role("ceo"), role)
}

func TestPostgresStore_GetLatestTemplateUnknown(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM approval_workflow_templates").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetLatestTemplate(context.Background(), "nope")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestPostgresStore_QueryActionsFilter(t *testing.T) {
	store, mock := newMockStore(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE subject_type = $1 AND subject_id = $2 AND actor_id = $3 AND created_at >= $4 ORDER BY created_at ASC, id ASC LIMIT $5")).
		WithArgs("internal", "sub-1", "u-9", from, 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "instance_id", "step_id", "subject_type", "subject_id",
			"actor_id", "actor_role", "action", "notes", "compensates_id", "created_at",
		}).AddRow("01J0", "inst-1", "step-1", "internal", "sub-1", "u-9", "finance", "approve", nil, nil, from))

	entries, err := store.QueryActions(context.Background(), AuditFilter{
		SubjectType: "internal",
		SubjectID:   "sub-1",
		ActorID:     "u-9",
		From:        &from,
		Limit:       50,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionApprove, entries[0].Action)
	require.NotNil(t, entries[0].StepID)
	assert.Nil(t, entries[0].Notes)
	assert.NoError(t, mock.ExpectationsWereMet())
}
