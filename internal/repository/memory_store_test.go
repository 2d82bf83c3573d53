package repository

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

func seedInstance(t *testing.T, s *MemoryStore, now time.Time, deadline time.Time, tier, maxTier int) (*WorkflowInstance, *StepRecord) {
	t.Helper()
	inst := &WorkflowInstance{
		ID: NewID(), SubjectType: "internal", SubjectID: NewID(),
		CurrentLevel: 0, TotalLevels: 1, Status: InstanceStatusPending,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	st := &StepRecord{
		ID: NewID(), InstanceID: inst.ID, LevelName: "dept",
		RequiredRole: "dept_head", ResponsibleRole: "dept_head", Status: StepStatusPending,
		EscalationTier: tier, MaxEscalationTier: maxTier, Deadline: &deadline,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		if err := tx.CreateInstance(context.Background(), inst); err != nil {
			return err
		}
		return tx.CreateStep(context.Background(), st)
	}))
	return inst, st
}

func TestMemoryStore_RollbackRestoresState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	inst, st := seedInstance(t, s, now, now.Add(time.Hour), 0, 1)

	boom := stderrors.New("boom")
	err := s.InTx(ctx, func(tx Tx) error {
		locked, err := tx.LockInstance(ctx, inst.ID)
		require.NoError(t, err)
		locked.Status = InstanceStatusApproved
		require.NoError(t, tx.UpdateInstance(ctx, locked))

		step, err := tx.GetStep(ctx, st.ID)
		require.NoError(t, err)
		step.Status = StepStatusApproved
		require.NoError(t, tx.UpdateStep(ctx, step))

		require.NoError(t, tx.AppendAction(ctx, &ActionLogEntry{ID: NewLogID(now), InstanceID: inst.ID, Action: ActionApprove, CreatedAt: now}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusPending, got.Status)
	assert.Equal(t, 1, got.Version)

	gotStep, err := s.GetStep(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StepStatusPending, gotStep.Status)

	actions, err := s.QueryActions(ctx, AuditFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestMemoryStore_UpdateWithStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	inst, _ := seedInstance(t, s, now, now.Add(time.Hour), 0, 1)

	stale := *inst
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		cur, err := tx.LockInstance(ctx, inst.ID)
		if err != nil {
			return err
		}
		cur.CurrentLevel = 1
		return tx.UpdateInstance(ctx, cur)
	}))

	err := s.InTx(ctx, func(tx Tx) error { return tx.UpdateInstance(ctx, &stale) })
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
}

func TestMemoryStore_ListOverdueSteps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	_, overdue := seedInstance(t, s, now, now.Add(-time.Minute), 0, 1)
	seedInstance(t, s, now, now.Add(time.Minute), 0, 1) // not yet due
	seedInstance(t, s, now, now.Add(-time.Hour), 1, 1)  // chain exhausted
	_, older := seedInstance(t, s, now, now.Add(-2*time.Minute), 1, 2)

	steps, err := s.ListOverdueSteps(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, older.ID, steps[0].ID)
	assert.Equal(t, overdue.ID, steps[1].ID)

	steps, err = s.ListOverdueSteps(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestMemoryStore_TemplateVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	for v := 1; v <= 2; v++ {
		tpl := &WorkflowTemplate{ID: NewID(), Name: "flow", Version: v, Active: true, CreatedAt: now,
			Levels: []LevelSpec{{Name: "l1", RequiredRole: "r", Timeout: time.Hour}}}
		require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.CreateTemplate(ctx, tpl) }))
	}

	latest, err := s.GetLatestTemplate(ctx, "flow")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	latest.Levels[0].Name = "mutated"
	again, err := s.GetLatestTemplate(ctx, "flow")
	require.NoError(t, err)
	assert.Equal(t, "l1", again.Levels[0].Name)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		n, err := tx.SetTemplateActive(ctx, "flow", false)
		assert.Equal(t, 2, n)
		return err
	}))
	_, err = s.GetLatestTemplate(ctx, "flow")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	list, err := s.ListActiveTemplates(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
