// Package frontend provides the push-message bus the UI consumes, plus
// a websocket feed broadcasting bus changes to connected clients.
package frontend

import (
	"sync"

	"github.com/mezzanine-av/mezzanine/errors"
)

// Message types accepted by the bus.
const (
	TypeError   = "error"
	TypeWarning = "warning"
	TypeSuccess = "success"
	TypeInfo    = "info"
	TypeStatus  = "status"
)

// Well-known status message ids emitted by the scheduler.
const (
	MessagePluginSettingsChangeWorkersStopped      = "pluginSettingsChangeWorkersStopped"
	MessagePendingTaskHaltedPostProcessorQueueFull = "pendingTaskHaltedPostProcessorQueueFull"
)

var validTypes = map[string]bool{
	TypeError: true, TypeWarning: true, TypeSuccess: true, TypeInfo: true, TypeStatus: true,
}

// Message is one frontend notification. Timeout 0 means persistent
// until removed.
type Message struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Timeout int    `json:"timeout"`
}

// Validate requires all fields present and a known type. Timeout 0 is a
// meaningful value (persistent), so it is not treated as missing.
func (m Message) Validate() error {
	if m.ID == "" || m.Code == "" || m.Message == "" {
		return errors.Wrap(errors.ErrInvalidMessage, "id, code and message are required")
	}
	if !validTypes[m.Type] {
		return errors.Wrapf(errors.ErrInvalidMessage, "unknown type %q", m.Type)
	}
	if m.Timeout < 0 {
		return errors.Wrap(errors.ErrInvalidMessage, "timeout must be >= 0")
	}
	return nil
}

// Bus is the process-wide deduplicated notification queue. Reads do not
// drain; messages live until removed or their timeout elapses on the
// consumer side.
type Bus struct {
	mu       sync.Mutex
	messages map[string]Message
	order    []string
	watchers []chan struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{messages: make(map[string]Message)}
}

// Add inserts a message. A duplicate id is a no-op.
func (b *Bus) Add(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.messages[m.ID]; exists {
		return nil
	}
	b.messages[m.ID] = m
	b.order = append(b.order, m.ID)
	b.notifyLocked()
	return nil
}

// Update replaces the message with the same id, inserting when absent.
func (b *Bus) Update(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.messages[m.ID]; !exists {
		b.order = append(b.order, m.ID)
	}
	b.messages[m.ID] = m
	b.notifyLocked()
	return nil
}

// Remove drops the message with the given id. Idempotent.
func (b *Bus) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.messages[id]; !exists {
		return
	}
	delete(b.messages, id)
	for i, mid := range b.order {
		if mid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.notifyLocked()
}

// ReadAll returns the current messages in insertion order without
// draining them.
func (b *Bus) ReadAll() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.messages[id])
	}
	return out
}

// Has reports whether a message with the id is present.
func (b *Bus) Has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.messages[id]
	return ok
}

// Watch returns a channel that receives a tick whenever the bus
// changes. The feed uses it to push updates to websocket clients.
func (b *Bus) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.watchers = append(b.watchers, ch)
	b.mu.Unlock()
	return ch
}

// Unwatch removes a watcher channel.
func (b *Bus) Unwatch(ch <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.watchers {
		if w == ch {
			b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
			return
		}
	}
}

func (b *Bus) notifyLocked() {
	for _, w := range b.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}
