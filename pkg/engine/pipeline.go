package engine

import (
	"context"
	"errors"
	"fmt"
)

// StepError reports which pipeline step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the name of the step that produced err, if any.
func FailedStep(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

type step[T any] struct {
	name string
	run  func(ctx context.Context, state *T) error
}

// Pipeline runs named steps in order over a shared state value. The first
// failing step short-circuits the rest.
type Pipeline[T any] struct {
	steps []step[T]
}

// NewPipeline returns an empty pipeline.
func NewPipeline[T any]() *Pipeline[T] {
	return &Pipeline[T]{}
}

// Step appends a named step.
func (p *Pipeline[T]) Step(name string, fn func(ctx context.Context, state *T) error) *Pipeline[T] {
	p.steps = append(p.steps, step[T]{name: name, run: fn})
	return p
}

// Run executes every step against state. A failure is returned as a
// *StepError wrapping the step's error.
func (p *Pipeline[T]) Run(ctx context.Context, state *T) error {
	for _, s := range p.steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: s.name, Err: err}
		}
		if err := s.run(ctx, state); err != nil {
			return &StepError{Step: s.name, Err: err}
		}
	}
	return nil
}
