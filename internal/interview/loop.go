package interview

import (
	"sync"
	"time"
)

// MaxLoopItems bounds how many source items a loop iterates.
const MaxLoopItems = 2

// LoopContext describes the current item to the response generator.
// It is always derived from the frozen items and the cursor.
type LoopContext struct {
	CurrentItem LinkedInExperience  `json:"currentJob"`
	Index       int                 `json:"index"`
	Total       int                 `json:"total"`
	HasMore     bool                `json:"hasMoreJobs"`
	NextItem    *LinkedInExperience `json:"nextJob,omitempty"`
}

// LoopSnapshot is a read-only view of the loop for observers.
type LoopSnapshot struct {
	Items           []LinkedInExperience `json:"items"`
	Cursor          int                  `json:"cursor"`
	IsActive        bool                 `json:"isActive"`
	IsComplete      bool                 `json:"isComplete"`
	IsTransitioning bool                 `json:"isTransitioning"`
}

// Loop iterates a bounded, frozen selection of items within one step.
type Loop struct {
	mu            sync.Mutex
	settle        time.Duration
	items         []LinkedInExperience
	cursor        int
	initialized   bool
	active        bool
	complete      bool
	transitioning bool
}

// NewLoop returns an uninitialized loop. settle is the pause taken between
// items before the cursor moves.
func NewLoop(settle time.Duration) *Loop {
	return &Loop{settle: settle}
}

// Init selects the first min(MaxLoopItems, len(source)) items and freezes
// them. Only the first call after construction or Reset has any effect.
func (l *Loop) Init(source []LinkedInExperience) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return
	}
	n := len(source)
	if n > MaxLoopItems {
		n = MaxLoopItems
	}
	l.items = make([]LinkedInExperience, n)
	copy(l.items, source[:n])
	l.cursor = 0
	l.initialized = true
	l.active = n > 0
	l.complete = n == 0
	l.transitioning = false
}

// Reset discards the selection so the next Init starts over.
func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.cursor = 0
	l.initialized = false
	l.active = false
	l.complete = false
	l.transitioning = false
}

// AdvanceItem moves to the next item and reports whether more items remain.
// A call made while another is between items is rejected with the current
// answer. Once exhausted every call returns false.
func (l *Loop) AdvanceItem() bool {
	l.mu.Lock()
	if l.transitioning {
		more := l.hasMoreLocked()
		l.mu.Unlock()
		return more
	}
	if !l.active {
		l.mu.Unlock()
		return false
	}
	if l.cursor+1 >= len(l.items) {
		l.complete = true
		l.active = false
		l.mu.Unlock()
		return false
	}
	l.transitioning = true
	l.mu.Unlock()

	if l.settle > 0 {
		time.Sleep(l.settle)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursor++
	l.transitioning = false
	return true
}

// Context returns the generator context for the current item, or false when
// the loop has nothing current.
func (l *Loop) Context() (LoopContext, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active || l.cursor >= len(l.items) {
		return LoopContext{}, false
	}
	ctx := LoopContext{
		CurrentItem: l.items[l.cursor],
		Index:       l.cursor,
		Total:       len(l.items),
		HasMore:     l.hasMoreLocked(),
	}
	if ctx.HasMore {
		next := l.items[l.cursor+1]
		ctx.NextItem = &next
	}
	return ctx, true
}

// IsComplete is the only signal that the outer step may be left.
func (l *Loop) IsComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.complete
}

// IsInitialized reports whether Init has run since the last Reset.
func (l *Loop) IsInitialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized
}

// Snapshot copies the loop state.
func (l *Loop) Snapshot() LoopSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := make([]LinkedInExperience, len(l.items))
	copy(items, l.items)
	return LoopSnapshot{
		Items:           items,
		Cursor:          l.cursor,
		IsActive:        l.active,
		IsComplete:      l.complete,
		IsTransitioning: l.transitioning,
	}
}

func (l *Loop) hasMoreLocked() bool {
	return l.active && l.cursor+1 < len(l.items)
}
