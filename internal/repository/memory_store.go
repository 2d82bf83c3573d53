package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// MemoryStore is an in-process Store used for local development and tests.
// Transactions are serialized by a single mutex and rolled back through an
// undo log, so a failed transaction leaves no partial writes behind.
type MemoryStore struct {
	mu          sync.RWMutex
	templates   map[string]*WorkflowTemplate
	rules       map[string]*ApprovalRequirementRule
	instances   map[string]*WorkflowInstance
	steps       map[string]*StepRecord
	actions     []*ActionLogEntry
	escalations []*EscalationLogEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]*WorkflowTemplate),
		rules:     make(map[string]*ApprovalRequirementRule),
		instances: make(map[string]*WorkflowInstance),
		steps:     make(map[string]*StepRecord),
	}
}

// InTx runs fn with the store locked for writing.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(tx)
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// ── reads ────────────────────────────────────────────────────────────────────

func (s *MemoryStore) GetTemplateByID(_ context.Context, id string) (*WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.templateByID(id)
}

func (s *MemoryStore) GetLatestTemplate(_ context.Context, name string) (*WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.latestTemplate(name, true)
	if t == nil {
		return nil, errors.NotFound("workflow_template", name)
	}
	return cloneTemplate(t), nil
}

func (s *MemoryStore) ListActiveTemplates(_ context.Context) ([]*WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]*WorkflowTemplate)
	for _, t := range s.templates {
		if !t.Active {
			continue
		}
		if cur, ok := latest[t.Name]; !ok || t.Version > cur.Version {
			latest[t.Name] = t
		}
	}
	out := make([]*WorkflowTemplate, 0, len(latest))
	for _, t := range latest {
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetRule(_ context.Context, id string) (*ApprovalRequirementRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, errors.NotFound("approval_rule", id)
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) ListRules(_ context.Context, activeOnly bool) ([]*ApprovalRequirementRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRules(activeOnly), nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.NotFound("workflow_instance", id)
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) GetPendingInstanceForSubject(_ context.Context, subjectType, subjectID string) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingForSubject(subjectType, subjectID), nil
}

func (s *MemoryStore) ListInstancesForSubject(_ context.Context, subjectType, subjectID string) ([]*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*WorkflowInstance
	for _, inst := range s.instances {
		if inst.SubjectType == subjectType && inst.SubjectID == subjectID {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetStep(_ context.Context, id string) (*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stepByID(id)
}

func (s *MemoryStore) ListSteps(_ context.Context, instanceID string) ([]*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSteps(instanceID), nil
}

func (s *MemoryStore) ListActiveStepsForRole(_ context.Context, role Role) ([]*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*StepRecord
	for _, st := range s.steps {
		if !st.Status.IsActive() || st.ResponsibleRole != role {
			continue
		}
		if inst, ok := s.instances[st.InstanceID]; !ok || inst.Status != InstanceStatusPending {
			continue
		}
		out = append(out, cloneStep(st))
	}
	sortByDeadline(out)
	return out, nil
}

func (s *MemoryStore) ListOverdueSteps(_ context.Context, now time.Time, limit int) ([]*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*StepRecord
	for _, st := range s.steps {
		if !st.Status.IsActive() || st.Deadline == nil || st.Deadline.After(now) {
			continue
		}
		if st.EscalationTier >= st.MaxEscalationTier {
			continue
		}
		if inst, ok := s.instances[st.InstanceID]; !ok || inst.Status != InstanceStatusPending {
			continue
		}
		out = append(out, cloneStep(st))
	}
	sortByDeadline(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) QueryActions(_ context.Context, f AuditFilter) ([]*ActionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ActionLogEntry
	for _, e := range s.actions {
		if !matchAudit(f, e.InstanceID, e.SubjectType, e.SubjectID, e.ActorID, e.CreatedAt) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) QueryEscalations(_ context.Context, f AuditFilter) ([]*EscalationLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*EscalationLogEntry
	for _, e := range s.escalations {
		if !matchAudit(f, e.InstanceID, e.SubjectType, e.SubjectID, e.TriggeredBy, e.TriggeredAt) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggeredAt.Before(out[j].TriggeredAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetAction(_ context.Context, id string) (*ActionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.actions {
		if e.ID == id {
			c := *e
			return &c, nil
		}
	}
	return nil, errors.NotFound("action_log_entry", id)
}

// ── helpers (callers hold the lock) ──────────────────────────────────────────

func (s *MemoryStore) templateByID(id string) (*WorkflowTemplate, error) {
	t, ok := s.templates[id]
	if !ok {
		return nil, errors.NotFound("workflow_template", id)
	}
	return cloneTemplate(t), nil
}

func (s *MemoryStore) latestTemplate(name string, activeOnly bool) *WorkflowTemplate {
	var latest *WorkflowTemplate
	for _, t := range s.templates {
		if t.Name != name || (activeOnly && !t.Active) {
			continue
		}
		if latest == nil || t.Version > latest.Version {
			latest = t
		}
	}
	return latest
}

func (s *MemoryStore) listRules(activeOnly bool) []*ApprovalRequirementRule {
	out := make([]*ApprovalRequirementRule, 0, len(s.rules))
	for _, r := range s.rules {
		if activeOnly && !r.Active {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) pendingForSubject(subjectType, subjectID string) *WorkflowInstance {
	for _, inst := range s.instances {
		if inst.SubjectType == subjectType && inst.SubjectID == subjectID && inst.Status == InstanceStatusPending {
			return cloneInstance(inst)
		}
	}
	return nil
}

func (s *MemoryStore) stepByID(id string) (*StepRecord, error) {
	st, ok := s.steps[id]
	if !ok {
		return nil, errors.NotFound("approval_step", id)
	}
	return cloneStep(st), nil
}

func (s *MemoryStore) listSteps(instanceID string) []*StepRecord {
	var out []*StepRecord
	for _, st := range s.steps {
		if st.InstanceID == instanceID {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LevelIndex < out[j].LevelIndex })
	return out
}

func matchAudit(f AuditFilter, instanceID, subjectType, subjectID, actorID string, at time.Time) bool {
	if f.InstanceID != "" && f.InstanceID != instanceID {
		return false
	}
	if f.SubjectType != "" && f.SubjectType != subjectType {
		return false
	}
	if f.SubjectID != "" && f.SubjectID != subjectID {
		return false
	}
	if f.ActorID != "" && f.ActorID != actorID {
		return false
	}
	if f.From != nil && at.Before(*f.From) {
		return false
	}
	if f.To != nil && at.After(*f.To) {
		return false
	}
	return true
}

func sortByDeadline(steps []*StepRecord) {
	sort.Slice(steps, func(i, j int) bool {
		di, dj := steps[i].Deadline, steps[j].Deadline
		switch {
		case di == nil && dj == nil:
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		case di == nil:
			return false
		case dj == nil:
			return true
		case di.Equal(*dj):
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		}
		return di.Before(*dj)
	})
}

func cloneTemplate(t *WorkflowTemplate) *WorkflowTemplate {
	c := *t
	c.Levels = make([]LevelSpec, len(t.Levels))
	for i, l := range t.Levels {
		l.FallbackRoles = append([]Role(nil), l.FallbackRoles...)
		c.Levels[i] = l
	}
	return &c
}

func cloneInstance(inst *WorkflowInstance) *WorkflowInstance {
	c := *inst
	return &c
}

func cloneStep(st *StepRecord) *StepRecord {
	c := *st
	return &c
}

// ── transaction ──────────────────────────────────────────────────────────────

type memoryTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) GetTemplateByID(_ context.Context, id string) (*WorkflowTemplate, error) {
	return tx.s.templateByID(id)
}

func (tx *memoryTx) GetLatestTemplateAnyState(_ context.Context, name string) (*WorkflowTemplate, error) {
	t := tx.s.latestTemplate(name, false)
	if t == nil {
		return nil, nil
	}
	return cloneTemplate(t), nil
}

func (tx *memoryTx) CreateTemplate(_ context.Context, t *WorkflowTemplate) error {
	if _, exists := tx.s.templates[t.ID]; exists {
		return errors.New(errors.ErrCodeConflict, "workflow template id already exists")
	}
	for _, other := range tx.s.templates {
		if other.Name == t.Name && other.Version == t.Version {
			return errors.New(errors.ErrCodeConflict, "workflow template version already exists")
		}
	}
	tx.s.templates[t.ID] = cloneTemplate(t)
	id := t.ID
	tx.undo = append(tx.undo, func() { delete(tx.s.templates, id) })
	return nil
}

func (tx *memoryTx) SetTemplateActive(_ context.Context, name string, active bool) (int, error) {
	n := 0
	for _, t := range tx.s.templates {
		if t.Name != name || t.Active == active {
			continue
		}
		t := t
		prev := t.Active
		t.Active = active
		tx.undo = append(tx.undo, func() { t.Active = prev })
		n++
	}
	return n, nil
}

func (tx *memoryTx) ListRules(_ context.Context, activeOnly bool) ([]*ApprovalRequirementRule, error) {
	return tx.s.listRules(activeOnly), nil
}

func (tx *memoryTx) CreateRule(_ context.Context, r *ApprovalRequirementRule) error {
	if _, exists := tx.s.rules[r.ID]; exists {
		return errors.New(errors.ErrCodeConflict, "approval rule id already exists")
	}
	c := *r
	tx.s.rules[r.ID] = &c
	id := r.ID
	tx.undo = append(tx.undo, func() { delete(tx.s.rules, id) })
	return nil
}

func (tx *memoryTx) SetRuleActive(_ context.Context, id string, active bool) error {
	r, ok := tx.s.rules[id]
	if !ok {
		return errors.NotFound("approval_rule", id)
	}
	prev := r.Active
	r.Active = active
	tx.undo = append(tx.undo, func() { r.Active = prev })
	return nil
}

func (tx *memoryTx) LockInstance(_ context.Context, id string) (*WorkflowInstance, error) {
	inst, ok := tx.s.instances[id]
	if !ok {
		return nil, errors.NotFound("workflow_instance", id)
	}
	return cloneInstance(inst), nil
}

func (tx *memoryTx) GetPendingInstanceForSubject(_ context.Context, subjectType, subjectID string) (*WorkflowInstance, error) {
	return tx.s.pendingForSubject(subjectType, subjectID), nil
}

func (tx *memoryTx) CreateInstance(_ context.Context, inst *WorkflowInstance) error {
	if _, exists := tx.s.instances[inst.ID]; exists {
		return errors.New(errors.ErrCodeConflict, "workflow instance id already exists")
	}
	tx.s.instances[inst.ID] = cloneInstance(inst)
	id := inst.ID
	tx.undo = append(tx.undo, func() { delete(tx.s.instances, id) })
	return nil
}

func (tx *memoryTx) UpdateInstance(_ context.Context, inst *WorkflowInstance) error {
	cur, ok := tx.s.instances[inst.ID]
	if !ok {
		return errors.NotFound("workflow_instance", inst.ID)
	}
	if cur.Version != inst.Version {
		return ErrVersionConflict
	}
	prev := cloneInstance(cur)
	next := cloneInstance(inst)
	next.Version++
	tx.s.instances[inst.ID] = next
	inst.Version = next.Version
	tx.undo = append(tx.undo, func() { tx.s.instances[prev.ID] = prev })
	return nil
}

func (tx *memoryTx) GetStep(_ context.Context, id string) (*StepRecord, error) {
	return tx.s.stepByID(id)
}

func (tx *memoryTx) ListSteps(_ context.Context, instanceID string) ([]*StepRecord, error) {
	return tx.s.listSteps(instanceID), nil
}

func (tx *memoryTx) CreateStep(_ context.Context, st *StepRecord) error {
	if _, exists := tx.s.steps[st.ID]; exists {
		return errors.New(errors.ErrCodeConflict, "approval step id already exists")
	}
	for _, other := range tx.s.steps {
		if other.InstanceID == st.InstanceID && other.LevelIndex == st.LevelIndex {
			return errors.New(errors.ErrCodeConflict, "approval step already exists for level")
		}
	}
	tx.s.steps[st.ID] = cloneStep(st)
	id := st.ID
	tx.undo = append(tx.undo, func() { delete(tx.s.steps, id) })
	return nil
}

func (tx *memoryTx) UpdateStep(_ context.Context, st *StepRecord) error {
	cur, ok := tx.s.steps[st.ID]
	if !ok {
		return errors.NotFound("approval_step", st.ID)
	}
	if cur.Version != st.Version {
		return ErrVersionConflict
	}
	prev := cloneStep(cur)
	next := cloneStep(st)
	next.Version++
	tx.s.steps[st.ID] = next
	st.Version = next.Version
	tx.undo = append(tx.undo, func() { tx.s.steps[prev.ID] = prev })
	return nil
}

func (tx *memoryTx) AppendAction(_ context.Context, e *ActionLogEntry) error {
	c := *e
	tx.s.actions = append(tx.s.actions, &c)
	n := len(tx.s.actions) - 1
	tx.undo = append(tx.undo, func() { tx.s.actions = tx.s.actions[:n] })
	return nil
}

func (tx *memoryTx) AppendEscalation(_ context.Context, e *EscalationLogEntry) error {
	c := *e
	tx.s.escalations = append(tx.s.escalations, &c)
	n := len(tx.s.escalations) - 1
	tx.undo = append(tx.undo, func() { tx.s.escalations = tx.s.escalations[:n] })
	return nil
}
