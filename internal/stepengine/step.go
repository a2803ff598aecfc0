// Package stepengine runs named workflows of sequential steps with a durable
// checkpoint after every step. A run that is interrupted, retried or handed to
// another process resumes from its first uncompleted step.
package stepengine

import (
	"context"
	"encoding/json"
	"fmt"
)

// StepFunc performs one step. It receives the run payload and the results of
// all earlier steps. The returned value is stored as JSON before the run
// advances, so it must marshal.
type StepFunc func(ctx context.Context, payload json.RawMessage, results Results) (any, error)

// Predicate decides whether a step runs. A step whose predicate returns false
// is recorded as skipped.
type Predicate func(payload json.RawMessage, results Results) bool

// Step is a named unit of work within a workflow.
type Step struct {
	Name string
	Fn   StepFunc
	When Predicate
}

// Workflow is an ordered list of steps registered under a name.
type Workflow struct {
	Name  string
	Steps []Step
}

// Results holds the JSON results of the steps completed so far, keyed by step
// name. Skipped steps map to JSON null.
type Results map[string]json.RawMessage

// Decode unmarshals the stored result of step into v.
func (r Results) Decode(step string, v any) error {
	raw, ok := r[step]
	if !ok {
		return fmt.Errorf("no result for step %q", step)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding result of step %q: %w", step, err)
	}
	return nil
}
