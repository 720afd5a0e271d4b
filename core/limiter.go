package core

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTooManyGenerations is returned by Limiter.Acquire once the concurrent
// generation budget is exhausted.
var ErrTooManyGenerations = errors.New("too many concurrent generations")

// Limiter enforces a maximum number of generation runs in flight at once.
type Limiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewLimiter creates a new limiter allowing max concurrent runs.
// If max == 0, unlimited runs are allowed.
func NewLimiter(max int) *Limiter {
	return &Limiter{max: max}
}

// Acquire reserves a slot and returns an error if the limit is reached. Every
// successful Acquire must be paired with Release.
func (l *Limiter) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.count >= l.max {
		return fmt.Errorf("%w: limit %d", ErrTooManyGenerations, l.max)
	}
	l.count++

	return nil
}

// Release frees a slot reserved by Acquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count > 0 {
		l.count--
	}
}

// InFlight returns the number of currently reserved slots.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many runs may still start before hitting the limit.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1 // unlimited
	}

	return l.max - l.count
}
