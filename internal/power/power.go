// Package power keeps the host awake while a run is active.
package power

import (
	gosync "sync"

	"github.com/rs/zerolog"
)

// Gate is a platform wake and network hold. Implementations need not be
// reentrant; Guard takes care of that.
type Gate interface {
	Acquire() error
	Release() error
}

// Nop is a Gate that does nothing. It is used where the platform offers
// no wake lock.
type Nop struct{}

func (Nop) Acquire() error { return nil }
func (Nop) Release() error { return nil }

// Guard holds a Gate at most once. A second Acquire while held is a no-op
// and Release without a matching Acquire does nothing.
type Guard struct {
	mu   gosync.Mutex
	gate Gate
	held bool
	log  zerolog.Logger
}

// NewGuard wraps gate. A nil gate behaves like Nop.
func NewGuard(gate Gate, log zerolog.Logger) *Guard {
	if gate == nil {
		gate = Nop{}
	}
	return &Guard{gate: gate, log: log.With().Str("component", "power").Logger()}
}

// Acquire takes the gate if it is not already held. A failing gate is
// logged and the run continues without it.
func (g *Guard) Acquire() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held {
		return
	}
	if err := g.gate.Acquire(); err != nil {
		g.log.Warn().Err(err).Msg("could not acquire wake lock")
		return
	}
	g.held = true
}

// Release gives the gate back if held.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held {
		return
	}
	if err := g.gate.Release(); err != nil {
		g.log.Warn().Err(err).Msg("could not release wake lock")
	}
	g.held = false
}

// Held reports whether the gate is currently held.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
