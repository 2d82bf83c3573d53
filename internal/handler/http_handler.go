package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// Pinger reports storage health for /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler serves the approval workflow REST API.
type HTTPHandler struct {
	orch      *service.Orchestrator
	templates *service.TemplateService
	resolver  *service.RequirementResolver
	audit     *service.AuditService
	store     Pinger
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	orch *service.Orchestrator,
	templates *service.TemplateService,
	resolver *service.RequirementResolver,
	audit *service.AuditService,
	store Pinger,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		orch:      orch,
		templates: templates,
		resolver:  resolver,
		audit:     audit,
		store:     store,
		log:       log.Component("http_handler"),
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ready", h.Ready)

	mux.HandleFunc("/api/v1/workflows", post(h.CreateWorkflow))
	mux.HandleFunc("/api/v1/workflows/get", get(h.GetWorkflow))
	mux.HandleFunc("/api/v1/workflows/by-subject", get(h.GetWorkflowsBySubject))
	mux.HandleFunc("/api/v1/workflows/decide", post(h.Decide))
	mux.HandleFunc("/api/v1/workflows/cancel", post(h.Cancel))
	mux.HandleFunc("/api/v1/workflows/escalate", post(h.Escalate))
	mux.HandleFunc("/api/v1/approvals/pending", get(h.PendingApprovals))

	mux.HandleFunc("/api/v1/templates", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListTemplates(w, r)
		case http.MethodPost:
			h.CreateTemplate(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	mux.HandleFunc("/api/v1/templates/get", get(h.GetTemplate))
	mux.HandleFunc("/api/v1/templates/deactivate", post(h.DeactivateTemplate))

	mux.HandleFunc("/api/v1/rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListRules(w, r)
		case http.MethodPost:
			h.CreateRule(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	mux.HandleFunc("/api/v1/rules/deactivate", post(h.DeactivateRule))
	mux.HandleFunc("/api/v1/rules/resolve", post(h.ResolveRule))

	mux.HandleFunc("/api/v1/audit", get(h.QueryAudit))
	mux.HandleFunc("/api/v1/audit/compensate", post(h.Compensate))
}

// ── Health ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *HTTPHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.log.Warn().Err(err).Msg("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ── Workflows ────────────────────────────────────────────────────────────────

// CreateWorkflow submits a subject for approval on behalf of the caller.
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req service.CreateInstanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.SubmittedBy = actor.ID

	view, err := h.orch.CreateInstance(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "Workflow ID is required"))
		return
	}
	view, err := h.orch.GetStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) GetWorkflowsBySubject(w http.ResponseWriter, r *http.Request) {
	subjectType := r.URL.Query().Get("subject_type")
	subjectID := r.URL.Query().Get("subject_id")
	if subjectType == "" || subjectID == "" {
		h.writeError(w, r, errors.InvalidInput("subject_id", "Subject type and subject ID are required"))
		return
	}
	views, err := h.orch.GetStatusBySubject(r.Context(), subjectType, subjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": views})
}

type decideRequest struct {
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
	Decision   string `json:"decision"`
	Notes      string `json:"notes"`
}

// Decide approves or rejects a step. Either instance_id or step_id is
// required; step_id pins the decision to the step the caller saw.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req decideRequest
	if !h.decode(w, r, &req) {
		return
	}
	decision, valid := repository.ParseDecision(req.Decision)
	if !valid {
		h.writeError(w, r, errors.InvalidInput("decision", "decision must be approve or reject"))
		return
	}

	var (
		view *service.InstanceView
		err  error
	)
	switch {
	case req.InstanceID != "":
		view, err = h.orch.Decide(r.Context(), service.DecideRequest{
			InstanceID: req.InstanceID,
			StepID:     req.StepID,
			Actor:      actor,
			Decision:   decision,
			Notes:      req.Notes,
		})
	case req.StepID != "":
		view, err = h.orch.SubmitDecision(r.Context(), req.StepID, actor, decision, req.Notes)
	default:
		err = errors.InvalidInput("instance_id", "instance_id or step_id is required")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type instanceActionRequest struct {
	InstanceID string `json:"instance_id"`
	Notes      string `json:"notes"`
}

func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.instanceAction(w, r, h.orch.Cancel)
}

func (h *HTTPHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	h.instanceAction(w, r, h.orch.Escalate)
}

func (h *HTTPHandler) instanceAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, service.Actor, string) (*service.InstanceView, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req instanceActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.InstanceID == "" {
		h.writeError(w, r, errors.InvalidInput("instance_id", "Workflow ID is required"))
		return
	}
	view, err := fn(r.Context(), req.InstanceID, actor, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// PendingApprovals lists steps awaiting a role, the caller's by default.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role == "" {
		actor, ok := h.actor(w, r)
		if !ok {
			return
		}
		role = actor.Role.String()
	}
	steps, err := h.orch.GetPendingForRole(r.Context(), role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps, "total": len(steps)})
}

// ── Templates & rules ────────────────────────────────────────────────────────

func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.admin(w, r)
	if !ok {
		return
	}
	var req service.CreateTemplateRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CreatedBy = actor.ID
	tpl, err := h.templates.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.templates.ListActive(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

// GetTemplate returns a version by id, or the latest active version by name.
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	var (
		tpl *repository.WorkflowTemplate
		err error
	)
	switch q := r.URL.Query(); {
	case q.Get("id") != "":
		tpl, err = h.templates.GetVersion(r.Context(), q.Get("id"))
	case q.Get("name") != "":
		tpl, err = h.templates.Get(r.Context(), q.Get("name"))
	default:
		err = errors.InvalidInput("name", "Template name or ID is required")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *HTTPHandler) DeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.templates.Deactivate(r.Context(), req.Name); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.admin(w, r)
	if !ok {
		return
	}
	var req service.CreateRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CreatedBy = actor.ID
	rule, err := h.resolver.CreateRule(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	rules, err := h.resolver.ListRules(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *HTTPHandler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.resolver.DeactivateRule(r.Context(), req.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// ResolveRule reports which rule and template a classification would get
// without creating anything.
func (h *HTTPHandler) ResolveRule(w http.ResponseWriter, r *http.Request) {
	var cls service.SubjectClassification
	if !h.decode(w, r, &cls) {
		return
	}
	res, err := h.resolver.Resolve(r.Context(), cls)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rule":                 res.Rule,
		"template":             res.Template,
		"no_approval_required": res.NoApprovalRequired,
	})
}

// ── Audit ────────────────────────────────────────────────────────────────────

// QueryAudit filters the action and escalation logs. from/to are RFC 3339
// timestamps and both bounds are inclusive.
func (h *HTTPHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.AuditQuery{
		SubjectType: q.Get("subject_type"),
		SubjectID:   q.Get("subject_id"),
		InstanceID:  q.Get("instance_id"),
		ActorID:     q.Get("actor_id"),
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &query.From}, {"to", &query.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, errors.InvalidInput(p.name, "must be an RFC 3339 timestamp"))
			return
		}
		*p.dst = &t
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.writeError(w, r, errors.InvalidInput("limit", "must be a non-negative integer"))
			return
		}
		query.Limit = limit
	}

	trail, err := h.audit.Query(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (h *HTTPHandler) Compensate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		EntryID string `json:"entry_id"`
		Notes   string `json:"notes"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.audit.Compensate(r.Context(), req.EntryID, actor, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (service.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, "authentication required"))
		return service.Actor{}, false
	}
	return actor, true
}

func (h *HTTPHandler) admin(w http.ResponseWriter, r *http.Request) (service.Actor, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return actor, false
	}
	if !actor.Admin {
		h.writeError(w, r, errors.New(service.ErrCodeUnauthorizedActor, "operation requires an administrative actor").
			WithDetail("actor_role", actor.Role.String()))
		return actor, false
	}
	return actor, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "Invalid request body: "+err.Error()))
		return false
	}
	return true
}

type errorBody struct {
	Code      errors.Code    `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	body := errorBody{
		Code:      code,
		Details:   errors.DetailsOf(err),
		RequestID: middleware.GetRequestID(r.Context()),
	}
	var coded *errors.Error
	if errors.As(err, &coded) {
		body.Message = coded.Message
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", body.RequestID).
			Str("path", r.URL.Path).
			Msg("Request failed")
		if code == errors.ErrCodeInternal {
			body.Message = "internal server error"
			body.Details = nil
		}
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

func get(fn http.HandlerFunc) http.HandlerFunc {
	return only(http.MethodGet, fn)
}

func post(fn http.HandlerFunc) http.HandlerFunc {
	return only(http.MethodPost, fn)
}

func only(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Method, method) {
			methodNotAllowed(w)
			return
		}
		fn(w, r)
	}
}
