package interview

import (
	"math"
	"sync"
)

// StepMachine tracks the current position in the active step sequence.
// It only reports outcomes; callers decide what a move means for the turn.
type StepMachine struct {
	mu        sync.RWMutex
	steps     []Step
	cursor    int
	completed map[int]bool
}

// NewStepMachine positions a machine on the first active step of t.
func NewStepMachine(t *Table) (*StepMachine, error) {
	steps := t.Active()
	if len(steps) == 0 {
		return nil, ErrNoActiveSteps
	}
	return &StepMachine{steps: steps, completed: make(map[int]bool)}, nil
}

// Current returns the step at the cursor.
func (m *StepMachine) Current() Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.steps[m.cursor]
}

// Index is the zero-based position of the cursor in the active sequence.
func (m *StepMachine) Index() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor
}

// Total is the number of active steps.
func (m *StepMachine) Total() int {
	return len(m.steps)
}

// Advance moves to the next active step. It returns false and stays put
// when the cursor is already on the last step.
func (m *StepMachine) Advance() (Step, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor+1 >= len(m.steps) {
		return m.steps[m.cursor], false
	}
	m.cursor++
	return m.steps[m.cursor], true
}

// IsLast reports whether the cursor is on the final active step.
func (m *StepMachine) IsLast() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor == len(m.steps)-1
}

// MarkComplete records that the current step's criteria were met. It does not advance.
func (m *StepMachine) MarkComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[m.steps[m.cursor].ID] = true
}

// IsComplete reports whether the step with the given id was marked complete.
func (m *StepMachine) IsComplete(id int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completed[id]
}

// ProgressPercentage is round(100 * (index+1) / total).
func (m *StepMachine) ProgressPercentage() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(math.Round(100 * float64(m.cursor+1) / float64(len(m.steps))))
}
