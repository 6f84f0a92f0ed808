// Package clock abstracts the time source used for keepalive and socket
// timeouts so they can be driven deterministically.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// Sleep yields for d. Used between polls while waiting on the network.
	Sleep(d time.Duration)
}

type wall struct{}

// Real is the wall clock.
var Real Clock = wall{}

func (wall) Now() time.Time                  { return time.Now() }
func (wall) Since(t time.Time) time.Duration { return time.Since(t) }
func (wall) Sleep(d time.Duration)           { time.Sleep(d) }

// Manual only moves when told to. Sleep advances it instead of blocking.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual() *Manual {
	return &Manual{now: time.Unix(1600000000, 0)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Manual) Sleep(d time.Duration) {
	m.Advance(d)
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
