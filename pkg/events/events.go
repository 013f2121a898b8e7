// Package events implements the notification bus shared by the pipeline
// components.
//
// Listeners are keyed by event [Name] and invoked synchronously, in
// registration order, on the goroutine that calls [Bus.Trigger]. A listener
// that panics is logged and skipped; it never prevents later listeners from
// running.
package events

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Name identifies an event on the bus.
type Name string

// Events produced and consumed by the pipeline.
const (
	SegmentationAdded        Name = "segmentation-added"
	SegmentationModified     Name = "segmentation-modified"
	SegmentationRemoved      Name = "segmentation-removed"
	SegmentationRendered     Name = "segmentation-rendered"
	SegmentationDataModified Name = "segmentation-data-modified"
	WorkerProgress           Name = "worker-progress"
)

// SegmentationPayload accompanies the segmentation-* events.
type SegmentationPayload struct {
	SegmentationID string `json:"segmentationId"`
}

// ViewportPayload accompanies segmentation-rendered.
type ViewportPayload struct {
	ViewportID string `json:"viewportId"`
}

// ProgressPayload accompanies worker-progress.
type ProgressPayload struct {
	Progress float64 `json:"progress"`
	TaskType string  `json:"taskType"`
}

// Listener receives the payload passed to Trigger.
type Listener func(payload any)

// ListenerID identifies a registered listener for removal.
type ListenerID string

type entry struct {
	id ListenerID
	fn Listener
}

// Bus is a named-event notification bus. The zero value is not usable; call NewBus.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Name][]entry
	logger    *log.Logger
}

// NewBus creates an empty bus. A nil logger discards output.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	return &Bus{
		listeners: make(map[Name][]entry),
		logger:    logger,
	}
}

// AddListener registers fn for name and returns an id for RemoveListener.
func (b *Bus) AddListener(name Name, fn Listener) ListenerID {
	id := ListenerID(uuid.NewString())
	b.mu.Lock()
	b.listeners[name] = append(b.listeners[name], entry{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// RemoveListener unregisters the listener with the given id.
// It reports whether a listener was removed.
func (b *Bus) RemoveListener(name Name, id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.listeners[name]
	for i, e := range entries {
		if e.id != id {
			continue
		}
		next := make([]entry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, name)
		} else {
			b.listeners[name] = next
		}
		return true
	}
	return false
}

// Trigger invokes every listener registered for name with payload.
// Listeners added or removed during dispatch take effect on the next Trigger.
func (b *Bus) Trigger(name Name, payload any) {
	b.mu.RLock()
	entries := b.listeners[name]
	b.mu.RUnlock()

	for _, e := range entries {
		b.dispatch(name, e, payload)
	}
}

// ListenerCount returns the number of listeners registered for name.
func (b *Bus) ListenerCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

func (b *Bus) dispatch(name Name, e entry, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "event", name, "listener", e.id, "panic", fmt.Sprint(r))
		}
	}()
	e.fn(payload)
}
