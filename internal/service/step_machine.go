package service

import (
	"fmt"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// StepEvent drives a step transition.
type StepEvent string

const (
	StepEventApprove  StepEvent = "approve"
	StepEventReject   StepEvent = "reject"
	StepEventEscalate StepEvent = "escalate"
	StepEventSkip     StepEvent = "skip"
)

type stepTransition struct {
	from  repository.StepStatus
	event StepEvent
}

var stepTransitions = map[stepTransition]repository.StepStatus{
	{repository.StepStatusPending, StepEventApprove}:  repository.StepStatusApproved,
	{repository.StepStatusPending, StepEventReject}:   repository.StepStatusRejected,
	{repository.StepStatusPending, StepEventEscalate}: repository.StepStatusEscalated,
	{repository.StepStatusPending, StepEventSkip}:     repository.StepStatusSkipped,

	// Escalation changes who decides, not the outcome; a further tier
	// re-enters escalated.
	{repository.StepStatusEscalated, StepEventApprove}:  repository.StepStatusApproved,
	{repository.StepStatusEscalated, StepEventReject}:   repository.StepStatusRejected,
	{repository.StepStatusEscalated, StepEventEscalate}: repository.StepStatusEscalated,
	{repository.StepStatusEscalated, StepEventSkip}:     repository.StepStatusSkipped,
}

// NextStepStatus returns the status reached by applying ev to from.
func NextStepStatus(from repository.StepStatus, ev StepEvent) (repository.StepStatus, error) {
	to, ok := stepTransitions[stepTransition{from, ev}]
	if !ok {
		return "", errInvalidState(fmt.Sprintf("cannot %s a step in status %s", ev, from), nil)
	}
	return to, nil
}

func decisionEvent(d repository.Decision) StepEvent {
	if d == repository.DecisionReject {
		return StepEventReject
	}
	return StepEventApprove
}

// InstanceEvent drives an instance transition.
type InstanceEvent string

const (
	InstanceEventApprove InstanceEvent = "approve"
	InstanceEventReject  InstanceEvent = "reject"
	InstanceEventCancel  InstanceEvent = "cancel"
)

var instanceTransitions = map[InstanceEvent]repository.InstanceStatus{
	InstanceEventApprove: repository.InstanceStatusApproved,
	InstanceEventReject:  repository.InstanceStatusRejected,
	InstanceEventCancel:  repository.InstanceStatusCancelled,
}

// NextInstanceStatus returns the status reached by applying ev to from. Only
// pending instances move.
func NextInstanceStatus(from repository.InstanceStatus, ev InstanceEvent) (repository.InstanceStatus, error) {
	to, ok := instanceTransitions[ev]
	if !ok || from != repository.InstanceStatusPending {
		return "", errors.New(ErrCodeStaleWorkflow, fmt.Sprintf("cannot %s a workflow instance in status %s", ev, from)).
			WithDetail("instance_status", string(from))
	}
	return to, nil
}
