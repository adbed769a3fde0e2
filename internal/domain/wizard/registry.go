package wizard

// StepName identifies a step of the wizard.
type StepName string

const (
	StepConsultantSelection StepName = "consultant-selection"
	StepDateTimeSelection   StepName = "date-time-selection"
	StepContactInformation  StepName = "contact-information"
	StepBillingInformation  StepName = "billing-information"
	StepPayment             StepName = "payment"
	StepConfirmation        StepName = "confirmation"
)

// FieldSpec binds validation rules to a field of a step.
type FieldSpec struct {
	Key      FieldKey `json:"key"`
	Required bool     `json:"required"`
	Rules    []Rule   `json:"rules,omitempty"`
}

// Step is one stage of the linear booking sequence.
type Step struct {
	Name   StepName    `json:"name"`
	Index  int         `json:"index"`
	Fields []FieldSpec `json:"fields"`

	// Submission marks the step that calls the Booking API. It is left forward
	// only through a successful submit.
	Submission bool `json:"submission,omitempty"`

	// Terminal marks the success step. Nothing follows it.
	Terminal bool `json:"terminal,omitempty"`
}

// RequiredFields returns the keys that gate leaving the step.
func (s Step) RequiredFields() []FieldKey {
	var keys []FieldKey
	for _, f := range s.Fields {
		if f.Required {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// OptionalFields returns the keys that are validated when filled but never gate.
func (s Step) OptionalFields() []FieldKey {
	var keys []FieldKey
	for _, f := range s.Fields {
		if !f.Required {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// Field returns the spec for key if the step declares it.
func (s Step) Field(key FieldKey) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Registry is the immutable, ordered table of steps.
type Registry struct {
	steps      []Step
	byName     map[StepName]int
	fields     map[FieldKey]FieldSpec
	submission int
}

// NewRegistry validates the step sequence and freezes it. The sequence must end
// in exactly one terminal step preceded by exactly one submission step. In strict
// mode every rule kind must be known.
func NewRegistry(steps []Step, strict bool) (*Registry, error) {
	if len(steps) < 2 {
		return nil, schemaErrorf("a flow needs at least a submission and a terminal step, got %d steps", len(steps))
	}

	r := &Registry{
		steps:      make([]Step, len(steps)),
		byName:     make(map[StepName]int, len(steps)),
		fields:     make(map[FieldKey]FieldSpec),
		submission: -1,
	}

	last := len(steps) - 1
	for i, s := range steps {
		if s.Name == "" {
			return nil, schemaErrorf("step %d has no name", i)
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, schemaErrorf("duplicate step %q", s.Name)
		}
		if s.Terminal && i != last {
			return nil, schemaErrorf("terminal step %q is not last", s.Name)
		}
		if s.Submission {
			if r.submission >= 0 {
				return nil, schemaErrorf("second submission step %q", s.Name)
			}
			r.submission = i
		}

		for _, f := range s.Fields {
			if _, dup := r.fields[f.Key]; dup {
				return nil, schemaErrorf("field %q declared by more than one step", f.Key)
			}
			if strict {
				if !f.Key.Known() {
					return nil, schemaErrorf("step %q declares unknown field %q", s.Name, f.Key)
				}
				for _, rule := range f.Rules {
					if !rule.Kind.Known() {
						return nil, schemaErrorf("field %q uses unknown rule kind %q", f.Key, rule.Kind)
					}
				}
			}
			r.fields[f.Key] = f
		}

		s.Index = i
		s.Fields = append([]FieldSpec(nil), s.Fields...)
		r.steps[i] = s
		r.byName[s.Name] = i
	}

	if !steps[last].Terminal {
		return nil, schemaErrorf("last step %q is not terminal", steps[last].Name)
	}
	if r.submission != last-1 {
		return nil, schemaErrorf("the step before %q must be the only submission step", steps[last].Name)
	}
	return r, nil
}

// Step returns the step at index.
func (r *Registry) Step(index int) (Step, bool) {
	if index < 0 || index >= len(r.steps) {
		return Step{}, false
	}
	return r.steps[index], true
}

// StepByName returns the step called name.
func (r *Registry) StepByName(name StepName) (Step, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Step{}, false
	}
	return r.steps[i], true
}

// Steps returns a copy of the sequence.
func (r *Registry) Steps() []Step {
	return append([]Step(nil), r.steps...)
}

func (r *Registry) TotalSteps() int { return len(r.steps) }

func (r *Registry) IsTerminal(index int) bool {
	return index == len(r.steps)-1
}

func (r *Registry) SubmissionIndex() int { return r.submission }

// Known reports whether any step declares key.
func (r *Registry) Known(key FieldKey) bool {
	_, ok := r.fields[key]
	return ok
}

// FieldSpec returns the spec of key from whichever step declares it.
func (r *Registry) FieldSpec(key FieldKey) (FieldSpec, bool) {
	f, ok := r.fields[key]
	return f, ok
}

// DefaultSteps returns the reference consultation flow for p.
func DefaultSteps(p Policy) []Step {
	return []Step{
		{
			Name: StepConsultantSelection,
			Fields: []FieldSpec{
				{Key: FieldConsultantID, Required: true, Rules: []Rule{Required()}},
				{Key: FieldTopic, Rules: []Rule{MaxLength(500)}},
			},
		},
		{
			Name: StepDateTimeSelection,
			Fields: []FieldSpec{
				{Key: FieldDate, Required: true, Rules: []Rule{Required(), BookingDate(p.WindowDays, p.WeekdaysOnly)}},
				{Key: FieldTimeSlot, Required: true, Rules: []Rule{Required(), TimeSlot(p.Slots...)}},
				{Key: FieldTimezone, Rules: []Rule{MaxLength(64)}},
			},
		},
		{
			Name: StepContactInformation,
			Fields: []FieldSpec{
				{Key: FieldFirstName, Required: true, Rules: []Rule{Required(), MaxLength(100)}},
				{Key: FieldLastName, Required: true, Rules: []Rule{Required(), MaxLength(100)}},
				{Key: FieldEmail, Required: true, Rules: []Rule{Required(), Email()}},
				{Key: FieldPhone, Required: true, Rules: []Rule{Required(), Phone()}},
				{Key: FieldCompany, Rules: []Rule{MaxLength(200)}},
				{Key: FieldMessage, Rules: []Rule{MaxLength(2000)}},
			},
		},
		{
			Name: StepBillingInformation,
			Fields: []FieldSpec{
				{Key: FieldBillingName, Required: true, Rules: []Rule{Required(), MaxLength(200)}},
				{Key: FieldBillingStreet, Required: true, Rules: []Rule{Required(), MinLength(3)}},
				{Key: FieldBillingCity, Required: true, Rules: []Rule{Required()}},
				{Key: FieldPostalCode, Required: true, Rules: []Rule{Required(), PostalCode(FieldCountry)}},
				{Key: FieldCountry, Required: true, Rules: []Rule{Required(), OneOf(p.Countries...)}},
				{Key: FieldVATNumber, Rules: []Rule{MinLength(8), MaxLength(14)}},
			},
		},
		{
			Name:       StepPayment,
			Submission: true,
			Fields: []FieldSpec{
				{Key: FieldPaymentMethod, Required: true, Rules: []Rule{Required(), OneOf(p.PaymentMethods...)}},
				{Key: FieldAcceptTerms, Required: true, Rules: []Rule{OneOf("true")}},
				{Key: FieldPaymentToken},
			},
		},
		{
			Name:     StepConfirmation,
			Terminal: true,
			Fields: []FieldSpec{
				{Key: FieldBookingID},
			},
		},
	}
}
