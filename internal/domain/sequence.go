package domain

import "time"

// ConditionOperator compares a target attribute against a step condition value.
type ConditionOperator string

const (
	OpEquals    ConditionOperator = "equals"
	OpNotEquals ConditionOperator = "not_equals"
	OpContains  ConditionOperator = "contains"
	OpExists    ConditionOperator = "exists"
	OpNotExists ConditionOperator = "not_exists"
)

// Valid reports whether op is a known operator.
func (op ConditionOperator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpExists, OpNotExists:
		return true
	}
	return false
}

// StepCondition gates a sequence step on an attribute of the target.
type StepCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value,omitempty"`
}

// SequenceStep is one timed email in a sequence. DelayDays is measured from
// the sequence start date, not from the previous step.
type SequenceStep struct {
	Order      int             `json:"order"`
	DelayDays  int             `json:"delay_days"`
	TemplateID string          `json:"template_id,omitempty"`
	Subject    string          `json:"subject,omitempty"`
	Conditions []StepCondition `json:"conditions,omitempty"`
}

// Sequence is an ordered set of steps sent to one target over time.
type Sequence struct {
	ID          string         `json:"id" db:"id"`
	CoachID     string         `json:"coach_id" db:"coach_id"`
	Name        string         `json:"name" db:"name"`
	Description string         `json:"description,omitempty" db:"description"`
	IsActive    bool           `json:"is_active" db:"is_active"`
	Steps       []SequenceStep `json:"steps" db:"steps"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}
