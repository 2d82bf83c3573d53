package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

const seedDoc = `
templates:
  - name: internal_supplier
    description: Supplier onboarding
    levels:
      - name: department
        required_role: dept_head
        timeout: 24h
        escalate_to_role: operations_manager
      - name: finance
        required_role: finance
        timeout: 48h
  - name: expense
    levels:
      - name: manager
        required_role: Manager
        timeout: 8h
        escalate_to_role: director
        fallback_roles: [vp]
rules:
  - subject_type: internal
    business_model: supplier
    template: internal_supplier
    priority: 10
  - subject_type: expense_claim
    template: expense
    condition: amount > 100
    priority: 10
  - subject_type: expense_claim
    no_approval_required: true
    priority: 20
`

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(seedDoc))
	require.NoError(t, err)
	require.Len(t, seed.Templates, 2)
	require.Len(t, seed.Rules, 3)

	exp := seed.Templates[1]
	require.Len(t, exp.Levels, 1)
	assert.Equal(t, 8*time.Hour, exp.Levels[0].Timeout)
	assert.Equal(t, []repository.Role{"vp"}, exp.Levels[0].FallbackRoles)
	assert.Equal(t, "expense", seed.Rules[1].TemplateName)
	assert.True(t, seed.Rules[2].NoApprovalRequired)

	_, err = ParseSeed([]byte("templates:\n  - name: x\n    owner: me\n"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	empty, err := ParseSeed(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Templates)
}

func TestSeed_ApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	seed, err := ParseSeed([]byte(seedDoc))
	require.NoError(t, err)

	// internal_supplier and its rule already exist with the same content.
	res, err := seed.Apply(f.ctx, f.templates, f.resolver)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TemplatesCreated)
	assert.Equal(t, 2, res.RulesCreated)

	res, err = seed.Apply(f.ctx, f.templates, f.resolver)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{}, res)

	tpl, err := f.templates.Get(f.ctx, "expense")
	require.NoError(t, err)
	assert.Equal(t, repository.Role("manager"), tpl.Levels[0].RequiredRole)
	assert.Equal(t, "seed", tpl.CreatedBy)

	v := f.create(t, "expense_claim", "", "exp-1")
	assert.Equal(t, repository.InstanceStatusApproved, v.Instance.Status, "no attributes so the exemption applies")

	seed.Templates[0].Levels[0].Timeout = 12 * time.Hour
	res, err = seed.Apply(f.ctx, f.templates, f.resolver)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TemplatesCreated)
	tpl, err = f.templates.Get(f.ctx, "internal_supplier")
	require.NoError(t, err)
	assert.Equal(t, 2, tpl.Version)
}

func TestSeed_ApplyLeavesDeactivatedDefinitionsAlone(t *testing.T) {
	f := newFixture(t)
	seed, err := ParseSeed([]byte(seedDoc))
	require.NoError(t, err)
	_, err = seed.Apply(f.ctx, f.templates, f.resolver)
	require.NoError(t, err)

	rules, err := f.resolver.ListRules(f.ctx, true)
	require.NoError(t, err)
	var exemption string
	for _, r := range rules {
		if r.SubjectType == "expense_claim" && r.NoApprovalRequired {
			exemption = r.ID
		}
	}
	require.NotEmpty(t, exemption)
	require.NoError(t, f.resolver.DeactivateRule(f.ctx, exemption))
	require.NoError(t, f.templates.Deactivate(f.ctx, "expense"))

	// A restart re-applies the same file.
	res, err := seed.Apply(f.ctx, f.templates, f.resolver)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{}, res)

	_, err = f.templates.Get(f.ctx, "expense")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	latest, err := f.templates.Latest(f.ctx, "expense")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
	assert.False(t, latest.Active)

	after, err := f.resolver.ListRules(f.ctx, true)
	require.NoError(t, err)
	assert.Len(t, after, len(rules)-1)
	for _, r := range after {
		assert.NotEqual(t, exemption, r.ID, "deactivated rules stay deactivated")
		assert.False(t, r.SubjectType == "expense_claim" && r.NoApprovalRequired)
	}

	_, err = f.templates.Latest(f.ctx, "never_seeded")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}
