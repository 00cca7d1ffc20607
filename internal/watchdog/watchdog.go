// Package watchdog implements the global max-runtime enforcement (C9).
// No teacher file has an equivalent (the teacher has no global runtime
// cap); built in the teacher's plain-struct-with-mutex style used
// throughout the rest of this broker.
package watchdog

import (
	"sync"
	"time"
)

// State is the watchdog's view of the protocol loop's lifecycle
// (spec.md §4.1's state machine, the slice of it the watchdog drives).
type State int

const (
	StateServing State = iota
	StateDraining
)

// GracePeriod bounds how long an in-flight dispatch may finish after the
// deadline is crossed (spec.md §4.8).
const GracePeriod = 200 * time.Millisecond

// Watchdog tracks a single deadline for the broker process. Zero value
// with deadline unset means disabled (max_runtime_secs=0).
type Watchdog struct {
	mu       sync.Mutex
	deadline time.Time
	enabled  bool
	state    State
}

// New starts a watchdog with the given max runtime. maxRuntimeSecs<=0
// disables it (spec.md §4.8: "0 disables").
func New(maxRuntimeSecs int, now time.Time) *Watchdog {
	if maxRuntimeSecs <= 0 {
		return &Watchdog{enabled: false}
	}
	return &Watchdog{
		enabled:  true,
		deadline: now.Add(time.Duration(maxRuntimeSecs) * time.Second),
	}
}

// Check is called between frames (spec.md §5: "the watchdog timer runs on
// the same loop via a deadline check between frames"). It reports whether
// the deadline has been crossed and transitions the watchdog to Draining
// exactly once.
func (w *Watchdog) Check(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled || w.state == StateDraining {
		return w.state == StateDraining
	}
	if now.After(w.deadline) || now.Equal(w.deadline) {
		w.state = StateDraining
		return true
	}
	return false
}

// Draining reports whether the watchdog has already tripped.
func (w *Watchdog) Draining() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateDraining
}

// Deadline returns the configured deadline and whether the watchdog is
// enabled at all.
func (w *Watchdog) Deadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline, w.enabled
}
