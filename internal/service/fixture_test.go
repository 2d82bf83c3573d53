package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, msg)
	return nil
}

func (n *recordingNotifier) byType(eventType string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, m := range n.got {
		if m.EventType == eventType {
			out = append(out, m)
		}
	}
	return out
}

type recordingListener struct {
	mu       sync.Mutex
	finished []*InstanceView
}

func (l *recordingListener) OnInstanceFinished(_ context.Context, v *InstanceView) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, v)
}

type fixture struct {
	ctx       context.Context
	store     *repository.MemoryStore
	clock     *fakeClock
	notifier  *recordingNotifier
	listener  *recordingListener
	templates *TemplateService
	resolver  *RequirementResolver
	audit     *AuditService
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()
	f := &fixture{
		ctx:      context.Background(),
		store:    repository.NewMemoryStore(),
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
		listener: &recordingListener{},
	}
	f.templates = NewTemplateService(f.store, log)
	f.templates.now = f.clock.Now
	f.resolver = NewRequirementResolver(f.store, log)
	f.resolver.now = f.clock.Now
	f.audit = NewAuditService(f.store, log)
	f.audit.now = f.clock.Now
	f.orch = NewOrchestrator(f.store, f.resolver, f.notifier, log,
		WithClock(f.clock.Now),
		WithListeners(f.listener),
	)

	f.mustTemplate(t, "internal_supplier",
		repository.LevelSpec{Name: "department", RequiredRole: "dept_head", Timeout: 24 * time.Hour, EscalateToRole: "operations_manager"},
		repository.LevelSpec{Name: "finance", RequiredRole: "finance", Timeout: 48 * time.Hour},
	)
	f.mustTemplate(t, "three_level",
		repository.LevelSpec{Name: "l1", RequiredRole: "r1", Timeout: time.Hour},
		repository.LevelSpec{Name: "l2", RequiredRole: "r2", Timeout: time.Hour},
		repository.LevelSpec{Name: "l3", RequiredRole: "r3", Timeout: time.Hour},
	)
	f.mustRule(t, CreateRuleRequest{SubjectType: "internal", BusinessModel: "supplier", TemplateName: "internal_supplier", Priority: 10})
	f.mustRule(t, CreateRuleRequest{SubjectType: "purchase_request", BusinessModel: "*", TemplateName: "three_level", Priority: 10})
	return f
}

func (f *fixture) mustTemplate(t *testing.T, name string, levels ...repository.LevelSpec) *repository.WorkflowTemplate {
	t.Helper()
	tpl, err := f.templates.Create(f.ctx, CreateTemplateRequest{Name: name, Levels: levels, CreatedBy: "admin-1"})
	require.NoError(t, err)
	return tpl
}

func (f *fixture) mustRule(t *testing.T, req CreateRuleRequest) *repository.ApprovalRequirementRule {
	t.Helper()
	req.CreatedBy = "admin-1"
	rule, err := f.resolver.CreateRule(f.ctx, req)
	require.NoError(t, err)
	return rule
}

func (f *fixture) create(t *testing.T, subjectType, businessModel, subjectID string) *InstanceView {
	t.Helper()
	v, err := f.orch.CreateInstance(f.ctx, CreateInstanceRequest{
		SubjectType:    subjectType,
		SubjectID:      subjectID,
		Classification: SubjectClassification{SubjectType: subjectType, BusinessModel: businessModel},
		SubmittedBy:    "submitter-1",
	})
	require.NoError(t, err)
	return v
}

func actor(id, role string) Actor {
	return Actor{ID: id, Role: repository.NormalizeRole(role)}
}

func admin(id string) Actor {
	return Actor{ID: id, Role: "admin", Admin: true}
}

func countActive(steps []*repository.StepRecord) int {
	n := 0
	for _, st := range steps {
		if st.Status.IsActive() {
			n++
		}
	}
	return n
}
