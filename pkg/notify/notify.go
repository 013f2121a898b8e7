// Package notify coalesces bursts of segmentation edits into one
// re-conversion per segmentation.
//
// A [Notifier] listens for segmentation-data-modified events. For every
// segmentation with an installed update function it runs a trailing-edge
// debounce: each event restarts the segmentation's timer and the update only
// runs once the timer expires without another edit. On expiry the notifier
// drops the cached slice geometry of the segmentation, invokes the update and
// emits segmentation-modified.
package notify

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/segrep/pkg/events"
	"github.com/matzehuels/segrep/pkg/segmentation"
)

// DefaultDelay is the debounce period.
const DefaultDelay = 300 * time.Millisecond

// UpdateFunc recomputes the tracked representations of a segmentation.
type UpdateFunc func(ctx context.Context, segmentationID string) error

// Tracker reports the kinds computed at least once for a segmentation.
type Tracker interface {
	Tracked(segmentationID string) []segmentation.Kind
}

// Invalidator drops cached derived data of a segmentation.
type Invalidator interface {
	InvalidateSegmentation(ctx context.Context, segmentationID string) int
}

// InvalidatorFunc adapts a function to the Invalidator interface.
type InvalidatorFunc func(ctx context.Context, segmentationID string) int

// InvalidateSegmentation calls f.
func (f InvalidatorFunc) InvalidateSegmentation(ctx context.Context, segmentationID string) int {
	return f(ctx, segmentationID)
}

type installation struct {
	update UpdateFunc
	timer  *time.Timer
	gen    uint64
}

// Notifier is the debounced change listener. It is safe for concurrent use.
type Notifier struct {
	mu       sync.Mutex
	delay    time.Duration
	installs map[string]*installation
	gen      uint64

	bus          *events.Bus
	tracker      Tracker
	invalidators []Invalidator
	logger       *log.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	listenerID events.ListenerID
	wg         sync.WaitGroup
}

// Config configures a Notifier.
type Config struct {
	Bus          *events.Bus
	Tracker      Tracker
	Invalidators []Invalidator
	// Delay defaults to DefaultDelay.
	Delay  time.Duration
	Logger *log.Logger
}

// New creates a notifier. Call Start to subscribe to the bus.
func New(cfg Config) *Notifier {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewWithOptions(io.Discard, log.Options{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		delay:        cfg.Delay,
		installs:     make(map[string]*installation),
		bus:          cfg.Bus,
		tracker:      cfg.Tracker,
		invalidators: cfg.Invalidators,
		logger:       cfg.Logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start subscribes to segmentation-data-modified. It is a no-op without a bus
// or when already started.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bus == nil || n.listenerID != "" {
		return
	}
	n.listenerID = n.bus.AddListener(events.SegmentationDataModified, func(p any) {
		if sp, ok := p.(events.SegmentationPayload); ok {
			n.Notify(sp.SegmentationID)
		}
	})
}

// Install sets the update function of a segmentation, replacing and
// cancelling any prior installation.
func (n *Notifier) Install(segmentationID string, update UpdateFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if prev, ok := n.installs[segmentationID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	n.installs[segmentationID] = &installation{update: update}
}

// Uninstall removes the installation of a segmentation.
func (n *Notifier) Uninstall(segmentationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if in, ok := n.installs[segmentationID]; ok {
		if in.timer != nil {
			in.timer.Stop()
		}
		delete(n.installs, segmentationID)
	}
}

// Installed reports whether the segmentation has an update function.
func (n *Notifier) Installed(segmentationID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.installs[segmentationID]
	return ok
}

// Notify records an edit and restarts the debounce timer. Segmentations
// without an installation are ignored.
func (n *Notifier) Notify(segmentationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	in, ok := n.installs[segmentationID]
	if !ok || n.ctx.Err() != nil {
		return
	}
	if in.timer != nil {
		in.timer.Stop()
	}
	n.gen++
	gen := n.gen
	in.gen = gen
	in.timer = time.AfterFunc(n.delay, func() { n.fire(segmentationID, gen) })
}

// Pending reports whether a debounce timer is armed for the segmentation.
func (n *Notifier) Pending(segmentationID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	in, ok := n.installs[segmentationID]
	return ok && in.gen != 0
}

func (n *Notifier) fire(segmentationID string, gen uint64) {
	n.mu.Lock()
	in, ok := n.installs[segmentationID]
	if !ok || in.gen != gen || n.ctx.Err() != nil {
		n.mu.Unlock()
		return
	}
	in.gen = 0
	in.timer = nil
	update := in.update
	n.wg.Add(1)
	n.mu.Unlock()
	defer n.wg.Done()

	if n.tracker != nil && len(n.tracker.Tracked(segmentationID)) == 0 {
		return
	}
	for _, inv := range n.invalidators {
		inv.InvalidateSegmentation(n.ctx, segmentationID)
	}
	if update != nil {
		if err := update(n.ctx, segmentationID); err != nil {
			n.logger.Error("representation update failed", "segmentation", segmentationID, "err", err)
		}
	}
	if n.bus != nil {
		n.bus.Trigger(events.SegmentationModified, events.SegmentationPayload{SegmentationID: segmentationID})
	}
}

// Stop cancels every pending timer, unsubscribes from the bus and waits for
// running updates to return.
func (n *Notifier) Stop() {
	n.mu.Lock()
	n.cancel()
	for _, in := range n.installs {
		if in.timer != nil {
			in.timer.Stop()
		}
		in.gen = 0
	}
	if n.bus != nil && n.listenerID != "" {
		n.bus.RemoveListener(events.SegmentationDataModified, n.listenerID)
		n.listenerID = ""
	}
	n.mu.Unlock()
	n.wg.Wait()
}
