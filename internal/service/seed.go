package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// Seed is the YAML document of templates and rules applied at startup.
type Seed struct {
	Templates []CreateTemplateRequest `yaml:"templates"`
	Rules     []CreateRuleRequest     `yaml:"rules"`
}

// SeedResult counts what Apply changed.
type SeedResult struct {
	TemplatesCreated int
	RulesCreated     int
}

// seedActor is recorded as creator of seeded definitions.
const seedActor = "seed"

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a seed document. Unknown fields are rejected.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid seed document")
	}
	return &seed, nil
}

// Apply creates missing templates and rules. A template whose latest version
// already has the same levels is left alone, and so is a deactivated one; a
// changed active template gets a new version. A rule is skipped when any rule,
// active or not, holds its key.
func (s *Seed) Apply(ctx context.Context, templates *TemplateService, resolver *RequirementResolver) (SeedResult, error) {
	var res SeedResult

	for _, req := range s.Templates {
		levels, err := normalizeLevels(req.Levels)
		if err != nil {
			return res, fmt.Errorf("template %q: %w", req.Name, err)
		}
		current, err := templates.Latest(ctx, req.Name)
		switch {
		case err == nil && !current.Active:
			continue
		case err == nil && reflect.DeepEqual(current.Levels, levels):
			continue
		case err != nil && !errors.HasCode(err, errors.ErrCodeNotFound):
			return res, err
		}
		req.CreatedBy = seedActor
		if _, err := templates.Create(ctx, req); err != nil {
			return res, fmt.Errorf("template %q: %w", req.Name, err)
		}
		res.TemplatesCreated++
	}

	existing, err := resolver.ListRules(ctx, false)
	if err != nil {
		return res, err
	}
	taken := make(map[string]bool, len(existing))
	for _, r := range existing {
		taken[ruleKey(r.SubjectType, r.BusinessModel, r.Priority)] = true
	}

	for i, req := range s.Rules {
		if taken[ruleKey(req.SubjectType, req.BusinessModel, req.Priority)] {
			continue
		}
		req.CreatedBy = seedActor
		_, err := resolver.CreateRule(ctx, req)
		switch {
		case errors.HasCode(err, errors.ErrCodeConflict):
			continue
		case err != nil:
			return res, fmt.Errorf("rule %d (%s/%s): %w", i, req.SubjectType, req.BusinessModel, err)
		}
		res.RulesCreated++
	}
	return res, nil
}

func ruleKey(subjectType, businessModel string, priority int) string {
	bm := normalizeKey(businessModel)
	if bm == "" {
		bm = repository.Wildcard
	}
	return fmt.Sprintf("%s|%s|%d", normalizeKey(subjectType), bm, priority)
}
