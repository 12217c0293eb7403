package raft

import (
	"sync"
	"time"
)

// guardedTimer is a one-shot timer whose callback carries a token captured
// at Reset time. Cancel (or a later Reset) bumps the token, so a callback
// racing a cancellation can recognize it fired for a stale arming and
// no-op instead of acting on it — cancellation is otherwise impossible to
// make race-free against time.AfterFunc's own goroutine.
type guardedTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	token uint64
}

// Reset (re)arms the timer to fire fn(token) after d, invalidating any
// previously armed firing.
func (g *guardedTimer) Reset(d time.Duration, fn func(token uint64)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.token++
	token := g.token
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(d, func() { fn(token) })
}

// Stop disarms the timer. Any firing already in flight will still invoke
// fn, but ValidToken will report it stale.
func (g *guardedTimer) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// ValidToken reports whether token is still the current arming, i.e.
// whether a callback holding it should proceed.
func (g *guardedTimer) ValidToken(token uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return token == g.token
}

// namedTimers is a small registry of guardedTimer instances keyed by name,
// used for the per-transaction commit timers ("commit-%d") and EXECUTING
// transaction expiry timers ("tx-expiry-%d"). Each follower's update timer
// lives on its peer instead.
type namedTimers struct {
	mu     sync.Mutex
	timers map[string]*guardedTimer
}

func newNamedTimers() *namedTimers {
	return &namedTimers{timers: make(map[string]*guardedTimer)}
}

func (n *namedTimers) get(name string) *guardedTimer {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.timers[name]
	if !ok {
		t = &guardedTimer{}
		n.timers[name] = t
	}
	return t
}

func (n *namedTimers) remove(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.timers[name]; ok {
		t.Stop()
		delete(n.timers, name)
	}
}

func (n *namedTimers) stopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.timers {
		t.Stop()
	}
	n.timers = make(map[string]*guardedTimer)
}
