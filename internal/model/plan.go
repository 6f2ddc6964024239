package model

import "fmt"

// Plan is an ordered list of planned tool invocations plus metadata.
// It is validated once, then immutable; persisted with the Run for audit
// and resume.
type Plan struct {
	Summary string     `json:"summary,omitempty"`
	Steps   []PlanStep `json:"steps"`
}

// PlanStep is one planned tool invocation.
type PlanStep struct {
	Tool    string         `json:"tool"`
	Summary string         `json:"summary,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

// MaxPlanSteps bounds a single plan. A plan larger than this fails
// validation before any tool executes.
const MaxPlanSteps = 50

// Validate checks the plan against the set of tools offered to the model.
// A validation failure means the run fails closed: zero mutations.
func (p *Plan) Validate(allowedTools map[string]bool) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	if len(p.Steps) > MaxPlanSteps {
		return fmt.Errorf("plan has %d steps, maximum is %d", len(p.Steps), MaxPlanSteps)
	}
	for i, s := range p.Steps {
		if s.Tool == "" {
			return fmt.Errorf("plan step %d has no tool", i)
		}
		if !allowedTools[s.Tool] {
			return fmt.Errorf("plan step %d references tool %q outside the selected set", i, s.Tool)
		}
	}
	return nil
}
