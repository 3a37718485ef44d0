package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Versioned is a clock driven by command timestamps rather than the wall.
// It never moves backwards: an older timestamp leaves it where it is.
type Versioned struct {
	mu  sync.RWMutex
	now time.Time
}

func NewVersioned(start time.Time) *Versioned {
	return &Versioned{now: start}
}

func (v *Versioned) Now() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.now
}

// Advance moves the clock to t if t is later than the current reading and
// returns the resulting reading.
func (v *Versioned) Advance(t time.Time) time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t.After(v.now) {
		v.now = t
	}
	return v.now
}

// Set forces the reading. Tests and snapshot restore only.
func (v *Versioned) Set(t time.Time) {
	v.mu.Lock()
	v.now = t
	v.mu.Unlock()
}
