package service

import (
	"net/http"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// Workflow error codes. Each maps to an HTTP status through
// errors.HTTPStatus.
const (
	ErrCodeUnclassifiedSubject errors.Code = "UNCLASSIFIED_SUBJECT"
	ErrCodeUnauthorizedActor   errors.Code = "UNAUTHORIZED_ACTOR"
	ErrCodeInvalidState        errors.Code = "INVALID_STATE"
	ErrCodeStaleWorkflow       errors.Code = "STALE_WORKFLOW"
	ErrCodeStorageUnavailable  errors.Code = "STORAGE_UNAVAILABLE"
)

func init() {
	errors.RegisterHTTPStatus(ErrCodeUnclassifiedSubject, http.StatusUnprocessableEntity)
	errors.RegisterHTTPStatus(ErrCodeUnauthorizedActor, http.StatusForbidden)
	errors.RegisterHTTPStatus(ErrCodeInvalidState, http.StatusConflict)
	errors.RegisterHTTPStatus(ErrCodeStaleWorkflow, http.StatusConflict)
	errors.RegisterHTTPStatus(ErrCodeStorageUnavailable, http.StatusServiceUnavailable)
}

func errUnclassified(subjectType, businessModel, reason string) error {
	return errors.New(ErrCodeUnclassifiedSubject, reason).
		WithDetail("subject_type", subjectType).
		WithDetail("business_model", businessModel)
}

func errUnauthorized(actor Actor, step *repository.StepRecord) error {
	return errors.New(ErrCodeUnauthorizedActor, "actor role does not match the step's responsible role").
		WithDetail("actor_role", actor.Role.String()).
		WithDetail("responsible_role", step.ResponsibleRole.String()).
		WithDetail("step_status", string(step.Status))
}

func errAdminRequired(actor Actor) error {
	return errors.New(ErrCodeUnauthorizedActor, "operation requires an administrative actor").
		WithDetail("actor_role", actor.Role.String())
}

func errInvalidState(msg string, step *repository.StepRecord) error {
	e := errors.New(ErrCodeInvalidState, msg)
	if step != nil {
		e.WithDetail("step_id", step.ID).
			WithDetail("step_status", string(step.Status)).
			WithDetail("responsible_role", step.ResponsibleRole.String())
	}
	return e
}

func errStale(inst *repository.WorkflowInstance) error {
	return errors.New(ErrCodeStaleWorkflow, "workflow instance is already "+string(inst.Status)).
		WithDetail("instance_id", inst.ID).
		WithDetail("instance_status", string(inst.Status))
}

// storageErr maps transient storage failures to STORAGE_UNAVAILABLE and a
// lost optimistic-lock race to INVALID_STATE. Other errors pass through.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrVersionConflict):
		return errors.New(ErrCodeInvalidState, "step was modified concurrently; refresh and retry")
	case errors.HasCode(err, errors.ErrCodeUnavailable):
		return &errors.Error{Code: ErrCodeStorageUnavailable, Message: "storage unavailable", Err: err}
	}
	return err
}
