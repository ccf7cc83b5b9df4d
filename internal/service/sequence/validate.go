package sequence

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nlc-ai/mailflow/internal/domain"
)

// ValidateSteps checks a step list before it is persisted. Orders must be
// unique and run 1..n, delays must be non-negative and must not decrease
// as the order increases, and every condition must be well formed.
func ValidateSteps(steps []domain.SequenceStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidSteps)
	}

	seen := make(map[int]bool, len(steps))
	for _, st := range steps {
		if seen[st.Order] {
			return fmt.Errorf("%w: duplicate step order %d", ErrInvalidSteps, st.Order)
		}
		seen[st.Order] = true
		if st.DelayDays < 0 {
			return fmt.Errorf("%w: step %d has a negative delay", ErrInvalidSteps, st.Order)
		}
		for _, c := range st.Conditions {
			if strings.TrimSpace(c.Field) == "" {
				return fmt.Errorf("%w: step %d has a condition without a field", ErrInvalidSteps, st.Order)
			}
			if !c.Operator.Valid() {
				return fmt.Errorf("%w: step %d has unknown operator %q", ErrInvalidSteps, st.Order, c.Operator)
			}
		}
	}

	sorted := sortedSteps(steps)
	for i, st := range sorted {
		if st.Order != i+1 {
			return fmt.Errorf("%w: step orders must run from 1 without gaps, found %d at position %d", ErrInvalidSteps, st.Order, i+1)
		}
		if i > 0 && st.DelayDays < sorted[i-1].DelayDays {
			return fmt.Errorf("%w: step %d is scheduled before step %d", ErrInvalidSteps, st.Order, sorted[i-1].Order)
		}
	}
	return nil
}

func sortedSteps(steps []domain.SequenceStep) []domain.SequenceStep {
	out := append([]domain.SequenceStep(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// conditionsMet reports whether every condition holds against attrs.
func conditionsMet(conds []domain.StepCondition, attrs map[string]string) bool {
	for _, c := range conds {
		val, ok := attrs[c.Field]
		present := ok && val != ""
		switch c.Operator {
		case domain.OpEquals:
			if !present || !strings.EqualFold(val, c.Value) {
				return false
			}
		case domain.OpNotEquals:
			if present && strings.EqualFold(val, c.Value) {
				return false
			}
		case domain.OpContains:
			if !present || !strings.Contains(strings.ToLower(val), strings.ToLower(c.Value)) {
				return false
			}
		case domain.OpExists:
			if !present {
				return false
			}
		case domain.OpNotExists:
			if present {
				return false
			}
		default:
			return false
		}
	}
	return true
}
