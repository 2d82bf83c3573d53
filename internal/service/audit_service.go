package service

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// AuditQuery selects log entries. Empty fields do not filter.
type AuditQuery struct {
	SubjectType string
	SubjectID   string
	InstanceID  string
	ActorID     string
	From        *time.Time
	To          *time.Time
	Limit       int
}

// AuditTrail holds both logs in chronological order. Truncated is set when
// either log had more matching entries than the limit; callers page forward
// by querying again with From set to the last entry's timestamp.
type AuditTrail struct {
	Actions     []*repository.ActionLogEntry     `json:"actions"`
	Escalations []*repository.EscalationLogEntry `json:"escalations"`
	Truncated   bool                             `json:"truncated"`
}

// maxAuditLimit caps a single audit query.
const maxAuditLimit = 1000

// AuditService reads the action and escalation logs and appends
// compensating entries. There is no update or delete.
type AuditService struct {
	store repository.Store
	log   *logger.Logger
	now   func() time.Time
}

// NewAuditService creates a new AuditService.
func NewAuditService(store repository.Store, log *logger.Logger) *AuditService {
	return &AuditService{store: store, log: log.Component("audit_service"), now: time.Now}
}

// AppendAction appends a standalone action entry in its own transaction.
// Workflow transitions append theirs inside the transition's transaction.
func (s *AuditService) AppendAction(ctx context.Context, e *repository.ActionLogEntry) error {
	if !e.Action.Valid() {
		return errors.InvalidInput("action", "unknown action type "+string(e.Action))
	}
	if e.InstanceID == "" || e.ActorID == "" {
		return errors.InvalidInput("instance_id", "instance and actor are required")
	}
	stampAction(e, s.now())
	return storageErr(s.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.AppendAction(ctx, e)
	}))
}

// AppendEscalation appends a standalone escalation entry.
func (s *AuditService) AppendEscalation(ctx context.Context, e *repository.EscalationLogEntry) error {
	if e.InstanceID == "" || e.StepID == "" {
		return errors.InvalidInput("step_id", "instance and step are required")
	}
	if e.TriggeredAt.IsZero() {
		e.TriggeredAt = s.now().UTC()
	}
	if e.ID == "" {
		e.ID = repository.NewLogID(e.TriggeredAt)
	}
	return storageErr(s.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.AppendEscalation(ctx, e)
	}))
}

// Query returns the actions and escalations matching q, oldest first.
func (s *AuditService) Query(ctx context.Context, q AuditQuery) (*AuditTrail, error) {
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, errors.InvalidInput("to", "to must not be before from")
	}
	if q.Limit <= 0 || q.Limit > maxAuditLimit {
		q.Limit = maxAuditLimit
	}
	f := repository.AuditFilter{
		SubjectType: normalizeKey(q.SubjectType),
		SubjectID:   strings.TrimSpace(q.SubjectID),
		InstanceID:  strings.TrimSpace(q.InstanceID),
		ActorID:     strings.TrimSpace(q.ActorID),
		From:        q.From,
		To:          q.To,
		Limit:       q.Limit + 1,
	}

	actions, err := s.store.QueryActions(ctx, f)
	if err != nil {
		return nil, storageErr(err)
	}
	escalations, err := s.store.QueryEscalations(ctx, f)
	if err != nil {
		return nil, storageErr(err)
	}
	trail := &AuditTrail{
		Actions:     []*repository.ActionLogEntry{},
		Escalations: []*repository.EscalationLogEntry{},
	}
	// One extra row per log tells a full page from a cut one.
	if len(actions) > q.Limit {
		actions = actions[:q.Limit]
		trail.Truncated = true
	}
	if len(escalations) > q.Limit {
		escalations = escalations[:q.Limit]
		trail.Truncated = true
	}
	trail.Actions = append(trail.Actions, actions...)
	trail.Escalations = append(trail.Escalations, escalations...)
	return trail, nil
}

// Compensate appends a compensate action that corrects entryID. Only
// administrators may correct the log.
func (s *AuditService) Compensate(ctx context.Context, entryID string, actor Actor, notes string) (*repository.ActionLogEntry, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.Admin {
		return nil, errAdminRequired(actor)
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, errors.InvalidInput("notes", "a compensating entry must explain the correction")
	}

	orig, err := s.store.GetAction(ctx, entryID)
	if err != nil {
		return nil, storageErr(err)
	}

	e := &repository.ActionLogEntry{
		InstanceID:    orig.InstanceID,
		StepID:        orig.StepID,
		SubjectType:   orig.SubjectType,
		SubjectID:     orig.SubjectID,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		Action:        repository.ActionCompensate,
		Notes:         &notes,
		CompensatesID: &orig.ID,
	}
	if err := s.AppendAction(ctx, e); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("entry_id", e.ID).
		Str("compensates_id", orig.ID).
		Str("actor_id", actor.ID).
		Msg("Compensating audit entry appended")
	return e, nil
}

func stampAction(e *repository.ActionLogEntry, now time.Time) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	if e.ID == "" {
		e.ID = repository.NewLogID(e.CreatedAt)
	}
}
