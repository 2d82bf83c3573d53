package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// SubjectClassification is what a subject module supplies when it asks for
// approval. Attributes feed rule conditions.
type SubjectClassification struct {
	SubjectType   string         `json:"subject_type"`
	BusinessModel string         `json:"business_model"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// Resolution is the outcome of resolving a classification. Template is nil
// when NoApprovalRequired is set.
type Resolution struct {
	Rule               *repository.ApprovalRequirementRule
	Template           *repository.WorkflowTemplate
	NoApprovalRequired bool
}

// CreateRuleRequest describes a new requirement rule.
type CreateRuleRequest struct {
	SubjectType        string `json:"subject_type" yaml:"subject_type"`
	BusinessModel      string `json:"business_model" yaml:"business_model"`
	TemplateName       string `json:"template_name" yaml:"template"`
	NoApprovalRequired bool   `json:"no_approval_required" yaml:"no_approval_required"`
	Condition          string `json:"condition" yaml:"condition"`
	Priority           int    `json:"priority" yaml:"priority"`
	CreatedBy          string `json:"-" yaml:"-"`
}

// RequirementResolver maps subject classifications to workflow templates.
// Resolution reads the current rule set and has no side effects.
type RequirementResolver struct {
	store repository.Store
	log   *logger.Logger
	now   func() time.Time

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewRequirementResolver creates a new RequirementResolver.
func NewRequirementResolver(store repository.Store, log *logger.Logger) *RequirementResolver {
	return &RequirementResolver{
		store:    store,
		log:      log.Component("requirement_resolver"),
		now:      time.Now,
		programs: make(map[string]*vm.Program),
	}
}

// normalizeKey canonicalizes subject types and business models. An empty
// business model on a rule means "any".
func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Resolve picks the single rule governing cls. Candidates are active rules
// whose keys match exactly or by wildcard and whose condition holds; the most
// specific wins, then the lowest priority, then the lowest rule ID.
func (r *RequirementResolver) Resolve(ctx context.Context, cls SubjectClassification) (*Resolution, error) {
	subjectType := normalizeKey(cls.SubjectType)
	businessModel := normalizeKey(cls.BusinessModel)
	if subjectType == "" {
		return nil, errors.InvalidInput("subject_type", "subject type is required")
	}

	rules, err := r.store.ListRules(ctx, true)
	if err != nil {
		return nil, storageErr(err)
	}

	env := conditionEnv(subjectType, businessModel, cls.Attributes)
	var candidates []*repository.ApprovalRequirementRule
	for _, rule := range rules {
		if !keyMatches(rule.SubjectType, subjectType) || !keyMatches(rule.BusinessModel, businessModel) {
			continue
		}
		ok, err := r.evaluate(rule.Condition, env)
		if err != nil {
			r.log.Warn().Err(err).Str("rule_id", rule.ID).Msg("Rule condition failed to evaluate; rule skipped")
			continue
		}
		if ok {
			candidates = append(candidates, rule)
		}
	}
	if len(candidates) == 0 {
		return nil, errUnclassified(subjectType, businessModel, "no approval rule matches the subject classification")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Specificity() != b.Specificity() {
			return a.Specificity() > b.Specificity()
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	rule := candidates[0]

	if rule.NoApprovalRequired {
		return &Resolution{Rule: rule, NoApprovalRequired: true}, nil
	}

	tpl, err := r.store.GetLatestTemplate(ctx, rule.TemplateName)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		e := errors.New(ErrCodeUnclassifiedSubject, "matched rule references a template with no active version").
			WithDetail("subject_type", subjectType).
			WithDetail("business_model", businessModel).
			WithDetail("rule_id", rule.ID).
			WithDetail("template_name", rule.TemplateName)
		return nil, e
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &Resolution{Rule: rule, Template: tpl}, nil
}

func keyMatches(ruleKey, value string) bool {
	return ruleKey == repository.Wildcard || ruleKey == value
}

func conditionEnv(subjectType, businessModel string, attrs map[string]any) map[string]any {
	env := make(map[string]any, len(attrs)+3)
	for k, v := range attrs {
		env[k] = v
	}
	env["subject_type"] = subjectType
	env["business_model"] = businessModel
	env["attributes"] = attrs
	return env
}

func (r *RequirementResolver) evaluate(condition string, env map[string]any) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}
	prog, err := r.program(condition)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", condition, out)
	}
	return b, nil
}

func (r *RequirementResolver) program(condition string) (*vm.Program, error) {
	r.mu.RLock()
	prog, ok := r.programs[condition]
	r.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := compileCondition(condition)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.programs[condition] = prog
	r.mu.Unlock()
	return prog, nil
}

func compileCondition(condition string) (*vm.Program, error) {
	return expr.Compile(condition, expr.AsBool(), expr.AllowUndefinedVariables())
}

// ── Rule administration ──────────────────────────────────────────────────────

// CreateRule validates and stores a new rule. Only one active rule may hold a
// given (subject type, business model, priority) key.
func (r *RequirementResolver) CreateRule(ctx context.Context, req CreateRuleRequest) (*repository.ApprovalRequirementRule, error) {
	rule := &repository.ApprovalRequirementRule{
		ID:                 repository.NewID(),
		SubjectType:        normalizeKey(req.SubjectType),
		BusinessModel:      normalizeKey(req.BusinessModel),
		TemplateName:       strings.TrimSpace(req.TemplateName),
		NoApprovalRequired: req.NoApprovalRequired,
		Condition:          strings.TrimSpace(req.Condition),
		Priority:           req.Priority,
		Active:             true,
		CreatedBy:          req.CreatedBy,
		CreatedAt:          r.now().UTC(),
	}
	if rule.BusinessModel == "" {
		rule.BusinessModel = repository.Wildcard
	}
	if err := validateRule(rule); err != nil {
		return nil, err
	}

	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		if rule.TemplateName != "" {
			tpl, err := tx.GetLatestTemplateAnyState(ctx, rule.TemplateName)
			if err != nil {
				return err
			}
			if tpl == nil {
				return errors.InvalidInput("template_name", "unknown workflow template "+rule.TemplateName)
			}
		}
		active, err := tx.ListRules(ctx, true)
		if err != nil {
			return err
		}
		for _, other := range active {
			if other.SubjectType == rule.SubjectType && other.BusinessModel == rule.BusinessModel && other.Priority == rule.Priority {
				return errors.New(errors.ErrCodeConflict, "an active rule with the same key already exists").
					WithDetail("rule_id", other.ID)
			}
		}
		return tx.CreateRule(ctx, rule)
	})
	if err != nil {
		return nil, storageErr(err)
	}

	r.log.Info().
		Str("rule_id", rule.ID).
		Str("subject_type", rule.SubjectType).
		Str("business_model", rule.BusinessModel).
		Str("template_name", rule.TemplateName).
		Bool("no_approval_required", rule.NoApprovalRequired).
		Msg("Approval rule created")
	return rule, nil
}

func validateRule(rule *repository.ApprovalRequirementRule) error {
	if rule.SubjectType == "" {
		return errors.InvalidInput("subject_type", "subject type is required (use * for any)")
	}
	if rule.NoApprovalRequired == (rule.TemplateName != "") {
		return errors.InvalidInput("template_name", "set exactly one of template_name or no_approval_required")
	}
	if rule.Condition != "" {
		if _, err := compileCondition(rule.Condition); err != nil {
			return errors.InvalidInput("condition", "invalid condition: "+err.Error())
		}
	}
	return nil
}

// ListRules returns rules ordered by priority.
func (r *RequirementResolver) ListRules(ctx context.Context, activeOnly bool) ([]*repository.ApprovalRequirementRule, error) {
	rules, err := r.store.ListRules(ctx, activeOnly)
	return rules, storageErr(err)
}

// DeactivateRule removes a rule from resolution. The row is kept.
func (r *RequirementResolver) DeactivateRule(ctx context.Context, id string) error {
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.SetRuleActive(ctx, id, false)
	})
	if err != nil {
		return storageErr(err)
	}
	r.log.Info().Str("rule_id", id).Msg("Approval rule deactivated")
	return nil
}
