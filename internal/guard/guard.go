// Package guard suppresses duplicate handling of the same inbound interaction
// within a short debounce window.
//
// Expiry is checked lazily against an injectable clock: an entry counts as in
// progress while now-markedAt < window, with no background cleanup. Stale
// entries are evicted opportunistically on Mark.
package guard

import (
	"sync"
	"time"

	"github.com/celerix-dev/celerix-moments/internal/clock"
)

// DefaultWindow is the debounce window used when none is configured.
const DefaultWindow = 2 * time.Second

// evictEvery bounds how many marks happen between stale-entry sweeps.
const evictEvery = 256

// Guard is a leaky, time-based set of keys.
type Guard struct {
	mu     sync.Mutex
	window time.Duration
	clock  clock.Clock
	marks  map[string]time.Time
	writes int
}

// New creates a guard with the given window; window <= 0 uses DefaultWindow.
func New(window time.Duration, c clock.Clock) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		window: window,
		clock:  clock.OrSystem(c),
		marks:  make(map[string]time.Time),
	}
}

// InteractionKey keys a raw platform interaction id.
func InteractionKey(id string) string { return "i:" + id }

// ActionKey keys an action of a user, e.g. ActionKey(user, "save").
func ActionKey(userID, action string) string { return "a:" + userID + ":" + action }

// Window returns the debounce window.
func (g *Guard) Window() time.Duration { return g.window }

// Mark records the current time against key.
func (g *Guard) Mark(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markLocked(key, g.clock.Now())
}

// IsProcessing reports whether key was marked less than one window ago.
func (g *Guard) IsProcessing(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeLocked(key, g.clock.Now())
}

// TryMark marks key unless it is already in progress, and reports whether the
// caller won. Check and mark are one step, so concurrent callers cannot both win.
func (g *Guard) TryMark(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	if g.activeLocked(key, now) {
		return false
	}
	g.markLocked(key, now)
	return true
}

// Release forgets key, letting the next attempt through before the window ends.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.marks, key)
}

// Len returns the number of tracked keys, stale ones included.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.marks)
}

func (g *Guard) activeLocked(key string, now time.Time) bool {
	at, ok := g.marks[key]
	return ok && now.Sub(at) < g.window
}

func (g *Guard) markLocked(key string, now time.Time) {
	g.marks[key] = now
	g.writes++
	if g.writes%evictEvery == 0 {
		for k, at := range g.marks {
			if now.Sub(at) >= g.window {
				delete(g.marks, k)
			}
		}
	}
}
