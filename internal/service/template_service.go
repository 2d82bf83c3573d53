package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// CreateTemplateRequest describes a template version.
type CreateTemplateRequest struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Levels      []repository.LevelSpec `json:"levels" yaml:"levels"`
	CreatedBy   string                 `json:"-" yaml:"-"`
}

// TemplateService is the workflow definition store. Templates are immutable:
// Create on an existing name adds the next version.
type TemplateService struct {
	store repository.Store
	log   *logger.Logger
	now   func() time.Time
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(store repository.Store, log *logger.Logger) *TemplateService {
	return &TemplateService{store: store, log: log.Component("template_service"), now: time.Now}
}

// Create validates req and stores it as version 1 of a new name or as the
// next version of an existing one.
func (s *TemplateService) Create(ctx context.Context, req CreateTemplateRequest) (*repository.WorkflowTemplate, error) {
	levels, err := normalizeLevels(req.Levels)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.InvalidInput("name", "template name is required")
	}

	tpl := &repository.WorkflowTemplate{
		ID:          repository.NewID(),
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Levels:      levels,
		Active:      true,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   s.now().UTC(),
	}

	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		latest, err := tx.GetLatestTemplateAnyState(ctx, name)
		if err != nil {
			return err
		}
		tpl.Version = 1
		if latest != nil {
			tpl.Version = latest.Version + 1
		}
		return tx.CreateTemplate(ctx, tpl)
	})
	if err != nil {
		return nil, storageErr(err)
	}

	s.log.Info().
		Str("template_id", tpl.ID).
		Str("name", tpl.Name).
		Int("version", tpl.Version).
		Int("levels", len(tpl.Levels)).
		Msg("Workflow template created")
	return tpl, nil
}

func normalizeLevels(in []repository.LevelSpec) ([]repository.LevelSpec, error) {
	if len(in) == 0 {
		return nil, errors.InvalidInput("levels", "a template needs at least one level")
	}
	out := make([]repository.LevelSpec, len(in))
	for i, l := range in {
		field := fmt.Sprintf("levels[%d]", i)
		l.Name = strings.TrimSpace(l.Name)
		l.RequiredRole = repository.NormalizeRole(string(l.RequiredRole))
		l.EscalateToRole = repository.NormalizeRole(string(l.EscalateToRole))

		switch {
		case l.Name == "":
			return nil, errors.InvalidInput(field+".name", "level name is required")
		case l.RequiredRole.IsZero():
			return nil, errors.InvalidInput(field+".required_role", "required role is required")
		case l.Timeout <= 0:
			return nil, errors.InvalidInput(field+".timeout", "timeout must be positive")
		case l.EscalateToRole.IsZero() && len(l.FallbackRoles) > 0:
			return nil, errors.InvalidInput(field+".fallback_roles", "fallback roles need an escalate_to_role")
		}

		fallbacks := make([]repository.Role, 0, len(l.FallbackRoles))
		for _, r := range l.FallbackRoles {
			role := repository.NormalizeRole(string(r))
			if role.IsZero() {
				return nil, errors.InvalidInput(field+".fallback_roles", "fallback role must not be empty")
			}
			fallbacks = append(fallbacks, role)
		}
		l.FallbackRoles = fallbacks
		if len(l.FallbackRoles) == 0 {
			l.FallbackRoles = nil
		}
		out[i] = l
	}
	return out, nil
}

// Get returns the latest active version of name.
func (s *TemplateService) Get(ctx context.Context, name string) (*repository.WorkflowTemplate, error) {
	tpl, err := s.store.GetLatestTemplate(ctx, strings.TrimSpace(name))
	return tpl, storageErr(err)
}

// Latest returns the highest version of name whether or not it is active.
func (s *TemplateService) Latest(ctx context.Context, name string) (*repository.WorkflowTemplate, error) {
	name = strings.TrimSpace(name)
	var tpl *repository.WorkflowTemplate
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		tpl, err = tx.GetLatestTemplateAnyState(ctx, name)
		return err
	})
	if err != nil {
		return nil, storageErr(err)
	}
	if tpl == nil {
		return nil, errors.NotFound("workflow_template", name)
	}
	return tpl, nil
}

// GetVersion returns a concrete version by ID, active or not.
func (s *TemplateService) GetVersion(ctx context.Context, id string) (*repository.WorkflowTemplate, error) {
	tpl, err := s.store.GetTemplateByID(ctx, id)
	return tpl, storageErr(err)
}

// ListActive returns the latest active version of every name.
func (s *TemplateService) ListActive(ctx context.Context) ([]*repository.WorkflowTemplate, error) {
	list, err := s.store.ListActiveTemplates(ctx)
	return list, storageErr(err)
}

// Deactivate hides name from resolution. Instances already bound to one of
// its versions are unaffected.
func (s *TemplateService) Deactivate(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		latest, err := tx.GetLatestTemplateAnyState(ctx, name)
		if err != nil {
			return err
		}
		if latest == nil {
			return errors.NotFound("workflow_template", name)
		}
		_, err = tx.SetTemplateActive(ctx, name, false)
		return err
	})
	if err != nil {
		return storageErr(err)
	}
	s.log.Info().Str("name", name).Msg("Workflow template deactivated")
	return nil
}
