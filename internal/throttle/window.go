// Package throttle provides time-windowed key stores used to suppress repeated events.
package throttle

import (
	"sync"
	"time"
)

// Window remembers when each key last fired and suppresses the key until the
// window has elapsed. Expired entries are removed lazily: a sweep runs at most
// once per sweep interval, triggered from ShouldFire.
type Window struct {
	mu            sync.Mutex
	entries       map[string]time.Time
	window        time.Duration
	sweepInterval time.Duration
	lastSweep     time.Time
}

// WindowConfig configures a Window.
type WindowConfig struct {
	// Window is how long a fired key stays suppressed.
	Window time.Duration
	// SweepInterval bounds how often expired entries are scanned for.
	// Zero means the sweep runs at most once per Window.
	SweepInterval time.Duration
}

// NewWindow constructs an empty Window.
func NewWindow(cfg WindowConfig) *Window {
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = cfg.Window
	}
	return &Window{
		entries:       make(map[string]time.Time),
		window:        cfg.Window,
		sweepInterval: sweepInterval,
	}
}

// ShouldFire reports whether key may fire at now. When it may, now is recorded
// for the key so later calls inside the window return false.
func (w *Window) ShouldFire(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.maybeSweepLocked(now)

	if last, ok := w.entries[key]; ok && now.Sub(last) < w.window {
		return false
	}
	w.entries[key] = now
	return true
}

// sweep removes every entry older than the window regardless of when the last sweep ran.
func (w *Window) sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sweepLocked(now)
}

// size returns the number of tracked keys, expired ones included.
func (w *Window) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) maybeSweepLocked(now time.Time) {
	if w.lastSweep.IsZero() {
		w.lastSweep = now
		return
	}
	if now.Sub(w.lastSweep) < w.sweepInterval {
		return
	}
	w.sweepLocked(now)
}

func (w *Window) sweepLocked(now time.Time) int {
	removed := 0
	for key, last := range w.entries {
		if now.Sub(last) >= w.window {
			delete(w.entries, key)
			removed++
		}
	}
	w.lastSweep = now
	return removed
}
