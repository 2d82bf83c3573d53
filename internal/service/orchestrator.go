package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/metrics"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// Actor is an already-authenticated caller as supplied by the identity
// collaborator. Role must be normalized with repository.NormalizeRole.
type Actor struct {
	ID    string
	Role  repository.Role
	Admin bool
}

func (a Actor) validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.InvalidInput("actor_id", "actor id is required")
	}
	if a.Role.IsZero() {
		return errors.InvalidInput("actor_role", "actor role is required")
	}
	return nil
}

// Notification event types.
const (
	EventApprovalRequested = "approval_requested"
	EventApprovalEscalated = "approval_escalated"
	EventWorkflowCompleted = "workflow_completed"
)

// Notification is a delivery request for the notification collaborator.
// Either RecipientRole or RecipientID is set.
type Notification struct {
	EventType     string          `json:"event_type"`
	RecipientRole repository.Role `json:"recipient_role,omitempty"`
	RecipientID   string          `json:"recipient_id,omitempty"`
	InstanceID    string          `json:"instance_id"`
	StepID        string          `json:"step_id,omitempty"`
	SubjectType   string          `json:"subject_type"`
	SubjectID     string          `json:"subject_id"`
	Message       string          `json:"message"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Notifier accepts notification requests. Implementations must not block on
// delivery; the engine logs errors and never retries.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// SubjectListener is told when an instance reaches a terminal status so the
// owning subject module can resume its own logic.
type SubjectListener interface {
	OnInstanceFinished(ctx context.Context, view *InstanceView)
}

// InstanceView is an instance with its steps in level order.
type InstanceView struct {
	Instance *repository.WorkflowInstance `json:"instance"`
	Steps    []*repository.StepRecord     `json:"steps"`
}

// ActiveStep returns the step awaiting a decision, or nil.
func (v *InstanceView) ActiveStep() *repository.StepRecord {
	return activeStep(v.Steps)
}

// CreateInstanceRequest submits a subject for approval.
type CreateInstanceRequest struct {
	SubjectType    string                `json:"subject_type"`
	SubjectID      string                `json:"subject_id"`
	Classification SubjectClassification `json:"classification"`
	SubmittedBy    string                `json:"-"`
}

// DecideRequest renders a decision on an instance. When StepID is set it must
// name the active step, which protects a caller from deciding a level it
// never saw.
type DecideRequest struct {
	InstanceID string
	StepID     string
	Actor      Actor
	Decision   repository.Decision
	Notes      string
}

// EscalationTrigger identifies who or what escalated a step.
type EscalationTrigger struct {
	Reason    repository.EscalationReason
	ActorID   string
	ActorRole repository.Role
	Notes     string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics records workflow counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithListeners registers subject listeners.
func WithListeners(ls ...SubjectListener) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, ls...) }
}

// Orchestrator is the workflow engine façade. Every state change runs in one
// store transaction that locks the instance; notifications, listeners and
// metrics run only after commit.
type Orchestrator struct {
	store     repository.Store
	resolver  *RequirementResolver
	notifier  Notifier
	listeners []SubjectListener
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() time.Time
}

// NewOrchestrator creates a new Orchestrator. notifier may be nil.
func NewOrchestrator(store repository.Store, resolver *RequirementResolver, notifier Notifier, log *logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		log:      log.Component("orchestrator"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// effects collects what happens after a transaction commits.
type effects struct {
	notifications []Notification
	finished      *InstanceView
	decision      repository.Decision
	escalation    repository.EscalationReason
}

func (o *Orchestrator) afterCommit(ctx context.Context, fx *effects) {
	if fx.decision != "" {
		o.metrics.Decision(string(fx.decision))
	}
	if fx.escalation != "" {
		o.metrics.Escalated(string(fx.escalation))
	}
	for _, n := range fx.notifications {
		o.notify(ctx, n)
	}
	if fx.finished == nil {
		return
	}
	inst := fx.finished.Instance
	o.metrics.InstanceFinished(string(inst.Status))
	for _, l := range o.listeners {
		l.OnInstanceFinished(ctx, fx.finished)
	}
	o.log.Info().
		Str("instance_id", inst.ID).
		Str("subject_type", inst.SubjectType).
		Str("subject_id", inst.SubjectID).
		Str("status", string(inst.Status)).
		Msg("Approval workflow finished")
}

func (o *Orchestrator) notify(ctx context.Context, n Notification) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, n); err != nil {
		o.log.Warn().Err(err).
			Str("event_type", n.EventType).
			Str("instance_id", n.InstanceID).
			Msg("Notification request failed")
	}
}

// ── Workflow creation ─────────────────────────────────────────────────────────

// CreateInstance resolves the subject's template and persists the instance
// with its first step. A "no approval required" resolution yields an
// instance that is approved on creation and has no steps.
func (o *Orchestrator) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*InstanceView, error) {
	req.SubjectType = normalizeKey(req.SubjectType)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	switch {
	case req.SubjectType == "":
		return nil, errors.InvalidInput("subject_type", "subject type is required")
	case req.SubjectID == "":
		return nil, errors.InvalidInput("subject_id", "subject id is required")
	case strings.TrimSpace(req.SubmittedBy) == "":
		return nil, errors.InvalidInput("submitted_by", "submitter is required")
	}
	cls := req.Classification
	if cls.SubjectType == "" {
		cls.SubjectType = req.SubjectType
	}

	res, err := o.resolver.Resolve(ctx, cls)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	inst := &repository.WorkflowInstance{
		ID:          repository.NewID(),
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
		Status:      repository.InstanceStatusPending,
		SubmittedBy: req.SubmittedBy,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	view := &InstanceView{Instance: inst, Steps: []*repository.StepRecord{}}
	fx := &effects{}

	if res.NoApprovalRequired {
		inst.Status = repository.InstanceStatusApproved
		inst.CompletedAt = &now
		fx.finished = view
	} else {
		tpl := res.Template
		inst.TemplateID = &tpl.ID
		inst.TemplateName = tpl.Name
		inst.TemplateVersion = tpl.Version
		inst.TotalLevels = len(tpl.Levels)
		first := newActiveStep(inst.ID, tpl.Levels[0], 0, now)
		view.Steps = append(view.Steps, first)
		fx.notifications = append(fx.notifications, requestNotification(inst, first, now))
	}

	err = o.store.InTx(ctx, func(tx repository.Tx) error {
		existing, err := tx.GetPendingInstanceForSubject(ctx, inst.SubjectType, inst.SubjectID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.New(errors.ErrCodeConflict, "subject already has a pending approval workflow").
				WithDetail("instance_id", existing.ID).
				WithDetail("instance_status", string(existing.Status))
		}
		if err := tx.CreateInstance(ctx, inst); err != nil {
			return err
		}
		for _, st := range view.Steps {
			if err := tx.CreateStep(ctx, st); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}

	outcome := "pending"
	if res.NoApprovalRequired {
		outcome = "auto_approved"
	}
	o.metrics.InstanceCreated(outcome)
	o.log.Info().
		Str("instance_id", inst.ID).
		Str("subject_type", inst.SubjectType).
		Str("subject_id", inst.SubjectID).
		Str("rule_id", res.Rule.ID).
		Str("template", inst.TemplateName).
		Int("template_version", inst.TemplateVersion).
		Int("total_levels", inst.TotalLevels).
		Str("status", string(inst.Status)).
		Msg("Approval workflow created")
	o.afterCommit(ctx, fx)
	return view, nil
}

func newActiveStep(instanceID string, level repository.LevelSpec, idx int, now time.Time) *repository.StepRecord {
	deadline := now.Add(level.Timeout)
	return &repository.StepRecord{
		ID:                repository.NewID(),
		InstanceID:        instanceID,
		LevelIndex:        idx,
		LevelName:         level.Name,
		RequiredRole:      level.RequiredRole,
		ResponsibleRole:   level.RequiredRole,
		Status:            repository.StepStatusPending,
		MaxEscalationTier: level.EscalationTiers(),
		Deadline:          &deadline,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func newSkippedStep(instanceID string, level repository.LevelSpec, idx int, now time.Time) *repository.StepRecord {
	return &repository.StepRecord{
		ID:                repository.NewID(),
		InstanceID:        instanceID,
		LevelIndex:        idx,
		LevelName:         level.Name,
		RequiredRole:      level.RequiredRole,
		ResponsibleRole:   level.RequiredRole,
		Status:            repository.StepStatusSkipped,
		MaxEscalationTier: level.EscalationTiers(),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func activeStep(steps []*repository.StepRecord) *repository.StepRecord {
	for _, st := range steps {
		if st.Status.IsActive() {
			return st
		}
	}
	return nil
}

// activeStepID returns the committed active step of an instance, or "".
func (o *Orchestrator) activeStepID(ctx context.Context, instanceID string) (string, error) {
	steps, err := o.store.ListSteps(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if st := activeStep(steps); st != nil {
		return st.ID, nil
	}
	return "", nil
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// SubmitDecision decides a specific step.
func (o *Orchestrator) SubmitDecision(ctx context.Context, stepID string, actor Actor, decision repository.Decision, notes string) (*InstanceView, error) {
	st, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, storageErr(err)
	}
	return o.Decide(ctx, DecideRequest{
		InstanceID: st.InstanceID,
		StepID:     stepID,
		Actor:      actor,
		Decision:   decision,
		Notes:      notes,
	})
}

// Decide approves or rejects the active step of an instance. Checks run in
// this order: a targeted step that is already decided is INVALID_STATE, a
// terminal instance is STALE_WORKFLOW, a step other than the active one is
// INVALID_STATE, and a role other than the responsible one is
// UNAUTHORIZED_ACTOR.
func (o *Orchestrator) Decide(ctx context.Context, req DecideRequest) (*InstanceView, error) {
	if err := req.Actor.validate(); err != nil {
		return nil, err
	}
	if req.Decision != repository.DecisionApprove && req.Decision != repository.DecisionReject {
		return nil, errors.InvalidInput("decision", "decision must be approve or reject")
	}
	actorRole := repository.NormalizeRole(string(req.Actor.Role))
	notes := optionalString(req.Notes)

	// Pin the step the caller is deciding before locking. A decision that
	// commits first then leaves this one on a decided step instead of
	// letting it fall through to the next level.
	if req.StepID == "" {
		pinned, err := o.activeStepID(ctx, req.InstanceID)
		if err != nil {
			return nil, storageErr(err)
		}
		req.StepID = pinned
	}

	var view *InstanceView
	fx := &effects{decision: req.Decision}

	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		now := o.now().UTC()
		inst, err := tx.LockInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		steps, err := tx.ListSteps(ctx, inst.ID)
		if err != nil {
			return err
		}

		var target *repository.StepRecord
		if req.StepID != "" {
			target = findStep(steps, req.StepID)
			if target == nil {
				return errors.NotFound("approval_step", req.StepID)
			}
			if target.Status.IsTerminal() {
				return errInvalidState("step has already been decided", target)
			}
		}
		if inst.Status.IsTerminal() {
			return errStale(inst)
		}
		active := activeStep(steps)
		if active == nil {
			return errInvalidState("workflow has no step awaiting a decision", nil)
		}
		if target != nil && target.ID != active.ID {
			return errInvalidState("step is not the active step", target)
		}
		if actorRole != active.ResponsibleRole {
			return errUnauthorized(req.Actor, active)
		}

		next, err := NextStepStatus(active.Status, decisionEvent(req.Decision))
		if err != nil {
			return err
		}
		active.Status = next
		active.DecidedBy = &req.Actor.ID
		active.DecidedAt = &now
		active.Notes = notes
		active.UpdatedAt = now
		if err := tx.UpdateStep(ctx, active); err != nil {
			return err
		}

		tpl, err := o.instanceTemplate(ctx, tx, inst)
		if err != nil {
			return err
		}

		switch {
		case req.Decision == repository.DecisionReject:
			skipped, err := skipRemaining(ctx, tx, inst, tpl, active.LevelIndex+1, now)
			if err != nil {
				return err
			}
			steps = append(steps, skipped...)
			if inst.Status, err = NextInstanceStatus(inst.Status, InstanceEventReject); err != nil {
				return err
			}
			inst.CompletedAt = &now
		case active.LevelIndex+1 < inst.TotalLevels:
			idx := active.LevelIndex + 1
			st := newActiveStep(inst.ID, tpl.Levels[idx], idx, now)
			if err := tx.CreateStep(ctx, st); err != nil {
				return err
			}
			steps = append(steps, st)
			inst.CurrentLevel = idx
			fx.notifications = append(fx.notifications, requestNotification(inst, st, now))
		default:
			if inst.Status, err = NextInstanceStatus(inst.Status, InstanceEventApprove); err != nil {
				return err
			}
			inst.CompletedAt = &now
		}

		inst.UpdatedAt = now
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return err
		}

		entry := newActionEntry(inst, active, req.Actor.ID, actorRole, actionFor(req.Decision), notes, now)
		if err := tx.AppendAction(ctx, entry); err != nil {
			return err
		}

		view = &InstanceView{Instance: inst, Steps: sortSteps(steps)}
		if inst.Status.IsTerminal() {
			fx.finished = view
			fx.notifications = append(fx.notifications, completionNotification(inst, now))
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}

	o.log.Info().
		Str("instance_id", view.Instance.ID).
		Str("actor_id", req.Actor.ID).
		Str("actor_role", actorRole.String()).
		Str("decision", string(req.Decision)).
		Int("current_level", view.Instance.CurrentLevel).
		Str("status", string(view.Instance.Status)).
		Msg("Approval decision recorded")
	o.afterCommit(ctx, fx)
	return view, nil
}

// Cancel withdraws a pending instance. Only administrators may cancel.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string, actor Actor, notes string) (*InstanceView, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.Admin {
		return nil, errAdminRequired(actor)
	}
	n := optionalString(notes)

	var view *InstanceView
	fx := &effects{}

	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		now := o.now().UTC()
		inst, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return errStale(inst)
		}
		steps, err := tx.ListSteps(ctx, inst.ID)
		if err != nil {
			return err
		}
		tpl, err := o.instanceTemplate(ctx, tx, inst)
		if err != nil {
			return err
		}

		from := len(steps)
		active := activeStep(steps)
		if active != nil {
			if active.Status, err = NextStepStatus(active.Status, StepEventSkip); err != nil {
				return err
			}
			active.Notes = n
			active.UpdatedAt = now
			if err := tx.UpdateStep(ctx, active); err != nil {
				return err
			}
			from = active.LevelIndex + 1
		}
		skipped, err := skipRemaining(ctx, tx, inst, tpl, from, now)
		if err != nil {
			return err
		}
		steps = append(steps, skipped...)

		if inst.Status, err = NextInstanceStatus(inst.Status, InstanceEventCancel); err != nil {
			return err
		}
		inst.CompletedAt = &now
		inst.UpdatedAt = now
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return err
		}

		if err := tx.AppendAction(ctx, newActionEntry(inst, active, actor.ID, actor.Role, repository.ActionCancel, n, now)); err != nil {
			return err
		}

		view = &InstanceView{Instance: inst, Steps: sortSteps(steps)}
		fx.finished = view
		fx.notifications = append(fx.notifications, completionNotification(inst, now))
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}

	o.log.Info().
		Str("instance_id", instanceID).
		Str("actor_id", actor.ID).
		Msg("Approval workflow cancelled")
	o.afterCommit(ctx, fx)
	return view, nil
}

func skipRemaining(ctx context.Context, tx repository.Tx, inst *repository.WorkflowInstance, tpl *repository.WorkflowTemplate, from int, now time.Time) ([]*repository.StepRecord, error) {
	var out []*repository.StepRecord
	for idx := from; idx < inst.TotalLevels; idx++ {
		st := newSkippedStep(inst.ID, tpl.Levels[idx], idx, now)
		if err := tx.CreateStep(ctx, st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (o *Orchestrator) instanceTemplate(ctx context.Context, tx repository.Tx, inst *repository.WorkflowInstance) (*repository.WorkflowTemplate, error) {
	if inst.TemplateID == nil {
		return &repository.WorkflowTemplate{}, nil
	}
	tpl, err := tx.GetTemplateByID(ctx, *inst.TemplateID)
	if err != nil {
		return nil, err
	}
	if len(tpl.Levels) != inst.TotalLevels {
		return nil, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("template %s has %d levels, instance expects %d", tpl.ID, len(tpl.Levels), inst.TotalLevels))
	}
	return tpl, nil
}

// ── Escalation ────────────────────────────────────────────────────────────────

// Escalate moves the active step of an instance to its next escalation tier
// regardless of its deadline. Only administrators may escalate manually.
func (o *Orchestrator) Escalate(ctx context.Context, instanceID string, actor Actor, notes string) (*InstanceView, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.Admin {
		return nil, errAdminRequired(actor)
	}
	trigger := EscalationTrigger{
		Reason:    repository.EscalationManual,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Notes:     notes,
	}

	var view *InstanceView
	fx := &effects{}
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		inst, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return errStale(inst)
		}
		steps, err := tx.ListSteps(ctx, inst.ID)
		if err != nil {
			return err
		}
		active := activeStep(steps)
		if active == nil {
			return errInvalidState("workflow has no step awaiting a decision", nil)
		}
		if active.EscalationTier >= active.MaxEscalationTier {
			return errInvalidState("step has no escalation tier left", active)
		}
		if err := o.escalateInTx(ctx, tx, inst, active, trigger, fx); err != nil {
			return err
		}
		view = &InstanceView{Instance: inst, Steps: steps}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	o.afterCommit(ctx, fx)
	return view, nil
}

// OverdueSteps lists escalation candidates for the scheduler.
func (o *Orchestrator) OverdueSteps(ctx context.Context, limit int) ([]*repository.StepRecord, error) {
	steps, err := o.store.ListOverdueSteps(ctx, o.now().UTC(), limit)
	return steps, storageErr(err)
}

// EscalateStep escalates stepID if, inside the locked transaction, it is
// still active, its instance is still pending, its chain has a tier left
// and (for deadline escalations) its deadline has passed. Otherwise it is a
// no-op and reports false.
func (o *Orchestrator) EscalateStep(ctx context.Context, stepID string, trigger EscalationTrigger) (bool, error) {
	if trigger.Reason == "" {
		trigger.Reason = repository.EscalationDeadlineExceeded
	}
	if trigger.ActorID == "" {
		trigger.ActorID = repository.SystemActorID
	}

	escalated := false
	fx := &effects{}
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		st, err := tx.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		inst, err := tx.LockInstance(ctx, st.InstanceID)
		if err != nil {
			return err
		}
		// Re-read under the instance lock; a decision may have committed
		// since the scan listed this step.
		if st, err = tx.GetStep(ctx, stepID); err != nil {
			return err
		}
		now := o.now().UTC()
		if inst.Status != repository.InstanceStatusPending || !st.Status.IsActive() {
			return nil
		}
		if st.EscalationTier >= st.MaxEscalationTier {
			return nil
		}
		if trigger.Reason == repository.EscalationDeadlineExceeded && (st.Deadline == nil || st.Deadline.After(now)) {
			return nil
		}
		if err := o.escalateInTx(ctx, tx, inst, st, trigger, fx); err != nil {
			return err
		}
		escalated = true
		return nil
	})
	if err != nil {
		return false, storageErr(err)
	}
	if escalated {
		o.afterCommit(ctx, fx)
	}
	return escalated, nil
}

func (o *Orchestrator) escalateInTx(ctx context.Context, tx repository.Tx, inst *repository.WorkflowInstance, st *repository.StepRecord, trigger EscalationTrigger, fx *effects) error {
	now := o.now().UTC()
	tpl, err := o.instanceTemplate(ctx, tx, inst)
	if err != nil {
		return err
	}
	level := tpl.Levels[st.LevelIndex]
	tier := st.EscalationTier + 1
	newRole, ok := level.EscalationRole(tier)
	if !ok {
		return errInvalidState("step has no escalation tier left", st)
	}

	next, err := NextStepStatus(st.Status, StepEventEscalate)
	if err != nil {
		return err
	}
	prevRole := st.ResponsibleRole
	deadline := now.Add(level.Timeout)
	st.Status = next
	st.EscalationTier = tier
	st.ResponsibleRole = newRole
	st.Deadline = &deadline
	st.UpdatedAt = now
	if err := tx.UpdateStep(ctx, st); err != nil {
		return err
	}

	if err := tx.AppendEscalation(ctx, &repository.EscalationLogEntry{
		ID:           repository.NewLogID(now),
		InstanceID:   inst.ID,
		StepID:       st.ID,
		SubjectType:  inst.SubjectType,
		SubjectID:    inst.SubjectID,
		Tier:         tier,
		PreviousRole: prevRole,
		NewRole:      newRole,
		Reason:       trigger.Reason,
		TriggeredBy:  trigger.ActorID,
		TriggeredAt:  now,
	}); err != nil {
		return err
	}

	notes := optionalString(trigger.Notes)
	if notes == nil {
		msg := fmt.Sprintf("escalated from %s to %s (%s)", prevRole, newRole, trigger.Reason)
		notes = &msg
	}
	if err := tx.AppendAction(ctx, newActionEntry(inst, st, trigger.ActorID, trigger.ActorRole, repository.ActionEscalate, notes, now)); err != nil {
		return err
	}

	fx.escalation = trigger.Reason
	fx.notifications = append(fx.notifications, Notification{
		EventType:     EventApprovalEscalated,
		RecipientRole: newRole,
		InstanceID:    inst.ID,
		StepID:        st.ID,
		SubjectType:   inst.SubjectType,
		SubjectID:     inst.SubjectID,
		Message:       fmt.Sprintf("Approval of %s %s escalated to %s at level %q", inst.SubjectType, inst.SubjectID, newRole, st.LevelName),
		OccurredAt:    now,
	})

	o.log.Info().
		Str("instance_id", inst.ID).
		Str("step_id", st.ID).
		Int("tier", tier).
		Str("previous_role", prevRole.String()).
		Str("new_role", newRole.String()).
		Str("reason", string(trigger.Reason)).
		Msg("Approval step escalated")
	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetPendingForRole returns the steps currently awaiting role.
func (o *Orchestrator) GetPendingForRole(ctx context.Context, role string) ([]*repository.StepRecord, error) {
	r := repository.NormalizeRole(role)
	if r.IsZero() {
		return nil, errors.InvalidInput("role", "role is required")
	}
	steps, err := o.store.ListActiveStepsForRole(ctx, r)
	if err != nil {
		return nil, storageErr(err)
	}
	if steps == nil {
		steps = []*repository.StepRecord{}
	}
	return steps, nil
}

// GetStatus returns an instance with its step history.
func (o *Orchestrator) GetStatus(ctx context.Context, instanceID string) (*InstanceView, error) {
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, storageErr(err)
	}
	return o.view(ctx, inst)
}

// GetStatusBySubject returns every instance of a subject, oldest first.
func (o *Orchestrator) GetStatusBySubject(ctx context.Context, subjectType, subjectID string) ([]*InstanceView, error) {
	insts, err := o.store.ListInstancesForSubject(ctx, normalizeKey(subjectType), strings.TrimSpace(subjectID))
	if err != nil {
		return nil, storageErr(err)
	}
	if len(insts) == 0 {
		return nil, errors.NotFound("workflow_instance", subjectType+"/"+subjectID)
	}
	views := make([]*InstanceView, 0, len(insts))
	for _, inst := range insts {
		v, err := o.view(ctx, inst)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (o *Orchestrator) view(ctx context.Context, inst *repository.WorkflowInstance) (*InstanceView, error) {
	steps, err := o.store.ListSteps(ctx, inst.ID)
	if err != nil {
		return nil, storageErr(err)
	}
	if steps == nil {
		steps = []*repository.StepRecord{}
	}
	return &InstanceView{Instance: inst, Steps: steps}, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func newActionEntry(inst *repository.WorkflowInstance, st *repository.StepRecord, actorID string, role repository.Role, action repository.ActionType, notes *string, now time.Time) *repository.ActionLogEntry {
	e := &repository.ActionLogEntry{
		InstanceID:  inst.ID,
		SubjectType: inst.SubjectType,
		SubjectID:   inst.SubjectID,
		ActorID:     actorID,
		ActorRole:   role,
		Action:      action,
		Notes:       notes,
	}
	if st != nil {
		id := st.ID
		e.StepID = &id
	}
	stampAction(e, now)
	return e
}

func actionFor(d repository.Decision) repository.ActionType {
	if d == repository.DecisionReject {
		return repository.ActionReject
	}
	return repository.ActionApprove
}

func requestNotification(inst *repository.WorkflowInstance, st *repository.StepRecord, now time.Time) Notification {
	return Notification{
		EventType:     EventApprovalRequested,
		RecipientRole: st.ResponsibleRole,
		InstanceID:    inst.ID,
		StepID:        st.ID,
		SubjectType:   inst.SubjectType,
		SubjectID:     inst.SubjectID,
		Message:       fmt.Sprintf("Approval of %s %s awaits %s at level %q", inst.SubjectType, inst.SubjectID, st.ResponsibleRole, st.LevelName),
		OccurredAt:    now,
	}
}

func completionNotification(inst *repository.WorkflowInstance, now time.Time) Notification {
	return Notification{
		EventType:   EventWorkflowCompleted,
		RecipientID: inst.SubmittedBy,
		InstanceID:  inst.ID,
		SubjectType: inst.SubjectType,
		SubjectID:   inst.SubjectID,
		Message:     fmt.Sprintf("Approval of %s %s finished: %s", inst.SubjectType, inst.SubjectID, inst.Status),
		OccurredAt:  now,
	}
}

func findStep(steps []*repository.StepRecord, id string) *repository.StepRecord {
	for _, st := range steps {
		if st.ID == id {
			return st
		}
	}
	return nil
}

func sortSteps(steps []*repository.StepRecord) []*repository.StepRecord {
	sort.Slice(steps, func(i, j int) bool { return steps[i].LevelIndex < steps[j].LevelIndex })
	return steps
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
