// Package recovery runs the startup steps that bring durable state back in line
// after HuddlePipe restarts: releasing claims held by a dead process and
// re-enqueueing work that was lost between two writes.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// StepFunc performs one recovery step and reports how many items it touched.
type StepFunc func(ctx context.Context) (int, error)

type step struct {
	name string
	fn   StepFunc
}

// Manager runs registered recovery steps in order.
type Manager struct {
	steps []step
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register appends a named step.
func (m *Manager) Register(name string, fn StepFunc) {
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Report maps step names to the number of items each recovered.
type Report map[string]int

// RecoverAll runs every step. A failing step does not stop the others; all
// failures are joined into the returned error. Cancellation stops the run.
func (m *Manager) RecoverAll(ctx context.Context) (Report, error) {
	report := make(Report, len(m.steps))
	var errs []error
	for _, s := range m.steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := s.fn(ctx)
		report[s.name] = n
		if err != nil {
			slog.Error("Manager.RecoverAll: step failed", "step", s.name, "error", err)
			errs = append(errs, fmt.Errorf("recover %s: %w", s.name, err))
			continue
		}
		slog.Debug("Manager.RecoverAll: step done", "step", s.name, "recovered", n)
	}
	slog.Info("Manager.RecoverAll: recovery finished", "steps", len(m.steps), "failed", len(errs))
	return report, errors.Join(errs...)
}
