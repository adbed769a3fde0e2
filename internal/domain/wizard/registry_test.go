package wizard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	reg, err := NewRegistry(DefaultSteps(DefaultPolicy()), true)
	require.NoError(t, err)

	assert.Equal(t, 6, reg.TotalSteps())
	assert.Equal(t, 4, reg.SubmissionIndex())
	assert.True(t, reg.IsTerminal(5))
	assert.False(t, reg.IsTerminal(4))
	assert.False(t, reg.IsTerminal(17))

	step, ok := reg.StepByName(StepContactInformation)
	require.True(t, ok)
	assert.Equal(t, 2, step.Index)
	assert.Equal(t, []FieldKey{FieldFirstName, FieldLastName, FieldEmail, FieldPhone}, step.RequiredFields())
	assert.Equal(t, []FieldKey{FieldCompany, FieldMessage}, step.OptionalFields())

	_, ok = reg.Step(-1)
	assert.False(t, ok)
	_, ok = reg.StepByName("shipping")
	assert.False(t, ok)

	assert.True(t, reg.Known(FieldPostalCode))
	assert.False(t, reg.Known("selection.referrer"))
	spec, ok := reg.FieldSpec(FieldPostalCode)
	require.True(t, ok)
	assert.Equal(t, FieldCountry, spec.Rules[1].CountryField)
}

func TestRegistry_IsImmutable(t *testing.T) {
	steps := DefaultSteps(DefaultPolicy())
	reg, err := NewRegistry(steps, true)
	require.NoError(t, err)

	steps[0].Fields[0].Required = false
	steps[0].Name = "renamed"

	step, _ := reg.Step(0)
	assert.Equal(t, StepConsultantSelection, step.Name)
	assert.True(t, step.Fields[0].Required)
}

func TestNewRegistry_RejectsBrokenSequences(t *testing.T) {
	submit := Step{Name: "pay", Submission: true}
	done := Step{Name: "done", Terminal: true}

	tests := []struct {
		name   string
		steps  []Step
		strict bool
	}{
		{"empty", nil, false},
		{"duplicate name", []Step{{Name: "pay"}, submit, done}, false},
		{"terminal not last", []Step{done, submit, {Name: "x", Terminal: true}}, false},
		{"no terminal", []Step{{Name: "a"}, submit}, false},
		{"no submission", []Step{{Name: "a"}, done}, false},
		{"submission not before terminal", []Step{submit, {Name: "a"}, done}, false},
		{"two submissions", []Step{{Name: "a", Submission: true}, submit, done}, false},
		{"field on two steps", []Step{
			{Name: "a", Fields: []FieldSpec{{Key: FieldEmail}}},
			{Name: "pay", Submission: true, Fields: []FieldSpec{{Key: FieldEmail}}},
			done,
		}, false},
		{"unknown rule kind in strict mode", []Step{
			{Name: "a", Fields: []FieldSpec{{Key: FieldEmail, Rules: []Rule{{Kind: "luhn"}}}}},
			submit, done,
		}, true},
		{"unknown field in strict mode", []Step{
			{Name: "a", Fields: []FieldSpec{{Key: "contact.fax"}}},
			submit, done,
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.steps, tt.strict)
			var schemaErr *SchemaIntegrityError
			assert.True(t, errors.As(err, &schemaErr), "got %v", err)
		})
	}
}

func TestNewRegistry_LenientAcceptsUnknownRuleKinds(t *testing.T) {
	steps := []Step{
		{Name: "a", Fields: []FieldSpec{{Key: FieldEmail, Required: true, Rules: []Rule{{Kind: "luhn"}}}}},
		{Name: "pay", Submission: true},
		{Name: "done", Terminal: true},
	}
	reg, err := NewRegistry(steps, false)
	require.NoError(t, err)
	assert.Equal(t, 3, reg.TotalSteps())
}
