package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

func TestNextStepStatus(t *testing.T) {
	tests := []struct {
		from repository.StepStatus
		ev   StepEvent
		want repository.StepStatus
	}{
		{repository.StepStatusPending, StepEventApprove, repository.StepStatusApproved},
		{repository.StepStatusPending, StepEventReject, repository.StepStatusRejected},
		{repository.StepStatusPending, StepEventEscalate, repository.StepStatusEscalated},
		{repository.StepStatusPending, StepEventSkip, repository.StepStatusSkipped},
		{repository.StepStatusEscalated, StepEventApprove, repository.StepStatusApproved},
		{repository.StepStatusEscalated, StepEventReject, repository.StepStatusRejected},
		{repository.StepStatusEscalated, StepEventEscalate, repository.StepStatusEscalated},
		{repository.StepStatusEscalated, StepEventSkip, repository.StepStatusSkipped},
	}
	for _, tt := range tests {
		got, err := NextStepStatus(tt.from, tt.ev)
		require.NoError(t, err, "%s + %s", tt.from, tt.ev)
		assert.Equal(t, tt.want, got, "%s + %s", tt.from, tt.ev)
	}

	for _, from := range []repository.StepStatus{repository.StepStatusApproved, repository.StepStatusRejected, repository.StepStatusSkipped} {
		for _, ev := range []StepEvent{StepEventApprove, StepEventReject, StepEventEscalate, StepEventSkip} {
			_, err := NextStepStatus(from, ev)
			assert.True(t, errors.HasCode(err, ErrCodeInvalidState), "%s + %s", from, ev)
		}
	}
}

func TestNextInstanceStatus(t *testing.T) {
	got, err := NextInstanceStatus(repository.InstanceStatusPending, InstanceEventCancel)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceStatusCancelled, got)

	_, err = NextInstanceStatus(repository.InstanceStatusApproved, InstanceEventReject)
	require.True(t, errors.HasCode(err, ErrCodeStaleWorkflow))
	assert.Equal(t, "approved", errors.DetailsOf(err)["instance_status"])
}
