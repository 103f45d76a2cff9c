package worker

import "sync"

// Flag is an event-style signal. Set closes the broadcast channel so
// selects wake up; Clear re-arms it. The redundant flag is used
// one-shot (never cleared); the paused flag is cleared on resume.
type Flag struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewFlag returns an unset flag.
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Set raises the flag and wakes all waiters. Idempotent.
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.set = true
	close(f.ch)
}

// Clear lowers the flag, re-arming the broadcast channel.
func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return
	}
	f.set = false
	f.ch = make(chan struct{})
}

// IsSet reports the current state.
func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Chan returns a channel closed while the flag is set. Callers must
// re-fetch after a Clear since the channel is replaced.
func (f *Flag) Chan() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}
