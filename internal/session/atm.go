package session

import (
	"time"

	"github.com/shopspring/decimal"
)

// atmTracker decides when a spot move is real enough to recenter the live
// window. A single tick across a strike boundary is not enough: the candidate
// ATM must differ from the current one by at least a full step on two
// consecutive underlying ticks spaced by the hysteresis interval. That keeps
// the window from thrashing when spot oscillates around a boundary.
type atmTracker struct {
	hysteresis time.Duration

	armed     bool
	candidate decimal.Decimal
	armedAt   time.Time
}

func newATMTracker(hysteresis time.Duration) *atmTracker {
	return &atmTracker{hysteresis: hysteresis}
}

// Observe feeds one underlying tick's candidate ATM. It returns the shift
// target and true when the rebuild should fire. A tick whose candidate is
// back within one step of current disarms the tracker.
func (t *atmTracker) Observe(candidate, current, step decimal.Decimal, now time.Time) (decimal.Decimal, bool) {
	if step.IsZero() || candidate.Sub(current).Abs().LessThan(step) {
		t.armed = false
		return decimal.Zero, false
	}
	if !t.armed {
		t.armed = true
		t.candidate = candidate
		t.armedAt = now
		return decimal.Zero, false
	}
	// Second qualifying tick: fire once the hysteresis interval has passed,
	// at the latest observed candidate.
	t.candidate = candidate
	if now.Sub(t.armedAt) < t.hysteresis {
		return decimal.Zero, false
	}
	t.armed = false
	return t.candidate, true
}

// Reset clears any armed state, used when the window is rebuilt or the
// underlying switches.
func (t *atmTracker) Reset() {
	t.armed = false
}
