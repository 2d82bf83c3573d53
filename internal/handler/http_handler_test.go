package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

type apiFixture struct {
	t        *testing.T
	handler  http.Handler
	verifier *client.IdentityVerifier
	store    *repository.MemoryStore
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.Unavailable(nil, "down") }

func newAPIFixture(t *testing.T, pinger Pinger) *apiFixture {
	t.Helper()
	log := logger.Nop()
	store := repository.NewMemoryStore()
	templates := service.NewTemplateService(store, log)
	resolver := service.NewRequirementResolver(store, log)
	audit := service.NewAuditService(store, log)
	orch := service.NewOrchestrator(store, resolver, nil, log)

	ctx := context.Background()
	_, err := templates.Create(ctx, service.CreateTemplateRequest{
		Name: "internal_supplier",
		Levels: []repository.LevelSpec{
			{Name: "department", RequiredRole: "dept_head", Timeout: 24 * time.Hour, EscalateToRole: "operations_manager"},
			{Name: "finance", RequiredRole: "finance", Timeout: 48 * time.Hour},
		},
	})
	require.NoError(t, err)
	_, err = resolver.CreateRule(ctx, service.CreateRuleRequest{
		SubjectType: "internal", BusinessModel: "supplier", TemplateName: "internal_supplier", Priority: 10,
	})
	require.NoError(t, err)

	if pinger == nil {
		pinger = store
	}
	h := NewHTTPHandler(orch, templates, resolver, audit, pinger, log)
	verifier := client.NewIdentityVerifier("test-secret", "plt-identity", "admin")
	mux := http.NewServeMux()
	h.Register(mux)

	var root http.Handler = h.Authenticate(verifier)(mux)
	root = middleware.RequestID(root)
	return &apiFixture{t: t, handler: root, verifier: verifier, store: store}
}

func (f *apiFixture) token(userID, role string, extra ...string) string {
	f.t.Helper()
	tok, err := f.verifier.Issue(userID, role, extra, time.Hour)
	require.NoError(f.t, err)
	return tok
}

func (f *apiFixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

type apiError struct {
	Error struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Details   map[string]any `json:"details"`
		RequestID string         `json:"request_id"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var body apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) service.InstanceView {
	t.Helper()
	var v service.InstanceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHTTP_WorkflowLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)
	submitter := f.token("user-1", "buyer")

	rec := f.do(http.MethodPost, "/api/v1/workflows", submitter, map[string]any{
		"subject_type":   "internal",
		"subject_id":     "vendor-42",
		"classification": map[string]any{"business_model": "supplier"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decodeView(t, rec)
	assert.Equal(t, "user-1", view.Instance.SubmittedBy)
	require.Len(t, view.Steps, 1)
	stepID := view.Steps[0].ID

	rec = f.do(http.MethodPost, "/api/v1/workflows/decide", f.token("u-fin", "finance"), map[string]any{
		"step_id": stepID, "decision": "approve",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, "UNAUTHORIZED_ACTOR", apiErr.Error.Code)
	assert.Equal(t, "dept_head", apiErr.Error.Details["responsible_role"])
	assert.NotEmpty(t, apiErr.Error.RequestID)

	rec = f.do(http.MethodPost, "/api/v1/workflows/decide", f.token("u-dept", "DEPT_HEAD"), map[string]any{
		"instance_id": view.Instance.ID, "step_id": stepID, "decision": "Approved", "notes": "ok",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view = decodeView(t, rec)
	assert.Equal(t, 1, view.Instance.CurrentLevel)

	rec = f.do(http.MethodGet, "/api/v1/approvals/pending", f.token("u-fin", "finance"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending struct {
		Steps []repository.StepRecord `json:"steps"`
		Total int                     `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Equal(t, 1, pending.Total)
	finStep := pending.Steps[0].ID

	rec = f.do(http.MethodPost, "/api/v1/workflows/decide", f.token("u-fin", "finance"), map[string]any{
		"step_id": finStep, "decision": "reject", "notes": "missing tax id",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeView(t, rec)
	assert.Equal(t, repository.InstanceStatusRejected, view.Instance.Status)

	rec = f.do(http.MethodPost, "/api/v1/workflows/decide", f.token("u-fin", "finance"), map[string]any{
		"instance_id": view.Instance.ID, "decision": "approve",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "STALE_WORKFLOW", decodeError(t, rec).Error.Code)

	rec = f.do(http.MethodGet, "/api/v1/workflows/get?id="+view.Instance.ID, submitter, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeView(t, rec).Steps, 2)

	rec = f.do(http.MethodGet, "/api/v1/workflows/by-subject?subject_type=internal&subject_id=vendor-42", submitter, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/audit?instance_id="+view.Instance.ID, submitter, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail service.AuditTrail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	require.Len(t, trail.Actions, 2)
	assert.Equal(t, repository.ActionReject, trail.Actions[1].Action)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t, nil)
	user := f.token("user-1", "buyer")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no token", http.MethodGet, "/api/v1/templates", "", nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad token", http.MethodGet, "/api/v1/templates", "garbage", nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unclassified subject", http.MethodPost, "/api/v1/workflows", user,
			map[string]any{"subject_type": "vehicle", "subject_id": "v-1"}, http.StatusUnprocessableEntity, "UNCLASSIFIED_SUBJECT"},
		{"unknown field", http.MethodPost, "/api/v1/workflows", user,
			map[string]any{"subject": "x"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad decision", http.MethodPost, "/api/v1/workflows/decide", user,
			map[string]any{"step_id": "s", "decision": "maybe"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown workflow", http.MethodGet, "/api/v1/workflows/get?id=missing", user, nil, http.StatusNotFound, "NOT_FOUND"},
		{"missing id", http.MethodGet, "/api/v1/workflows/get", user, nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"cancel needs admin", http.MethodPost, "/api/v1/workflows/cancel", user,
			map[string]any{"instance_id": "x"}, http.StatusForbidden, "UNAUTHORIZED_ACTOR"},
		{"template needs admin", http.MethodPost, "/api/v1/templates", user,
			map[string]any{"name": "x"}, http.StatusForbidden, "UNAUTHORIZED_ACTOR"},
		{"bad audit time", http.MethodGet, "/api/v1/audit?from=yesterday", user, nil, http.StatusBadRequest, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, tt.token, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).Error.Code)
		})
	}

	rec := f.do(http.MethodDelete, "/api/v1/workflows/decide", user, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTP_AdminOperations(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := f.token("admin-1", "ops", "admin")

	rec := f.do(http.MethodPost, "/api/v1/templates", admin, map[string]any{
		"name": "capex",
		"levels": []map[string]any{
			{"name": "manager", "required_role": "manager", "timeout": "8h", "escalate_to_role": "director"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tpl repository.WorkflowTemplate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tpl))
	assert.Equal(t, 8*time.Hour, tpl.Levels[0].Timeout)
	assert.Equal(t, "admin-1", tpl.CreatedBy)

	rec = f.do(http.MethodPost, "/api/v1/rules", admin, map[string]any{
		"subject_type": "capex", "template_name": "capex", "priority": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/v1/rules/resolve", admin, map[string]any{"subject_type": "capex"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"capex"`)

	rec = f.do(http.MethodPost, "/api/v1/workflows", admin, map[string]any{"subject_type": "capex", "subject_id": "c-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	view := decodeView(t, rec)

	rec = f.do(http.MethodPost, "/api/v1/workflows/escalate", admin, map[string]any{"instance_id": view.Instance.ID, "notes": "manager away"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view = decodeView(t, rec)
	assert.Equal(t, repository.Role("director"), view.Steps[0].ResponsibleRole)

	rec = f.do(http.MethodPost, "/api/v1/workflows/cancel", admin, map[string]any{"instance_id": view.Instance.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, repository.InstanceStatusCancelled, decodeView(t, rec).Instance.Status)

	rec = f.do(http.MethodGet, "/api/v1/audit?instance_id="+view.Instance.ID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail service.AuditTrail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	require.Len(t, trail.Escalations, 1)
	require.Len(t, trail.Actions, 2)

	rec = f.do(http.MethodPost, "/api/v1/audit/compensate", admin, map[string]any{
		"entry_id": trail.Actions[0].ID, "notes": "escalated by mistake",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/v1/rules?all=true", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules struct {
		Rules []repository.ApprovalRequirementRule `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules.Rules, 2)

	rec = f.do(http.MethodPost, "/api/v1/templates/deactivate", admin, map[string]any{"name": "capex"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, "/api/v1/templates/get?name=capex", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(http.MethodGet, "/api/v1/templates/get?id="+tpl.ID, admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTP_HealthAndReadiness(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newAPIFixture(t, failingPinger{})
	rec = down.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
