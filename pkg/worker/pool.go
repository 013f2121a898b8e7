// Package worker runs named computation tasks on background goroutines.
//
// Tasks are registered under a family. Each family owns one lazily started
// worker goroutine and a weight-1 semaphore, so at most one task of a family
// runs at a time; callers of other families proceed independently. A worker
// exits after the family has been idle for the configured timeout and is
// restarted on the next [Pool.Execute].
package worker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/events"
	"github.com/matzehuels/segrep/pkg/observability"
)

// DefaultIdleTimeout is the idle period after which a worker exits.
const DefaultIdleTimeout = 30 * time.Second

// TaskFunc computes a result from payload. Long tasks report progress and
// incremental results through r.
type TaskFunc func(ctx context.Context, payload any, r *Reporter) (any, error)

// Callbacks receive task progress on the worker goroutine.
type Callbacks struct {
	// Progress receives values in [0, 1].
	Progress func(progress float64)
	// Partial receives incremental results, e.g. one clipped slice.
	Partial func(result any)
}

// Reporter forwards progress and partial results of a running task.
type Reporter struct {
	task string
	bus  *events.Bus
	cb   Callbacks
}

// Progress reports completion in [0, 1] and emits a worker-progress event.
func (r *Reporter) Progress(p float64) {
	if r == nil {
		return
	}
	if r.cb.Progress != nil {
		r.cb.Progress(p)
	}
	if r.bus != nil {
		r.bus.Trigger(events.WorkerProgress, events.ProgressPayload{Progress: p, TaskType: r.task})
	}
}

// Partial delivers an incremental result to the caller.
func (r *Reporter) Partial(v any) {
	if r != nil && r.cb.Partial != nil {
		r.cb.Partial(v)
	}
}

type result struct {
	value any
	err   error
}

type job struct {
	ctx     context.Context
	task    string
	fn      TaskFunc
	payload any
	rep     *Reporter
	done    chan result
}

type family struct {
	name    string
	tasks   map[string]TaskFunc
	sem     *semaphore.Weighted
	jobs    chan job
	running bool
}

// Pool is a set of task families. It is safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	families    map[string]*family
	calls       map[string]int
	idleTimeout time.Duration
	bus         *events.Bus
	logger      *log.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithIdleTimeout sets the worker idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

// WithBus emits worker-progress events on bus.
func WithBus(bus *events.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		families:    make(map[string]*family),
		calls:       make(map[string]int),
		idleTimeout: DefaultIdleTimeout,
		logger:      log.NewWithOptions(io.Discard, log.Options{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds task to a family, creating the family on first use.
// Registering a task name twice in one family fails.
func (p *Pool) Register(familyName, task string, fn TaskFunc) error {
	if fn == nil {
		return errors.New(errors.ErrCodeInvalidInput, "task %s/%s has no function", familyName, task)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.families[familyName]
	if !ok {
		f = &family{
			name:  familyName,
			tasks: make(map[string]TaskFunc),
			sem:   semaphore.NewWeighted(1),
			jobs:  make(chan job, 1),
		}
		p.families[familyName] = f
	}
	if _, dup := f.tasks[task]; dup {
		return errors.New(errors.ErrCodeInvalidInput, "task %s/%s already registered", familyName, task)
	}
	f.tasks[task] = fn
	return nil
}

// Execute runs task of familyName with payload and blocks until it returns
// or ctx is done. An abandoned task keeps running to completion and keeps its
// family busy until then.
func (p *Pool) Execute(ctx context.Context, familyName, task string, payload any, cb Callbacks) (any, error) {
	p.mu.Lock()
	f, ok := p.families[familyName]
	var fn TaskFunc
	if ok {
		fn = f.tasks[task]
	}
	p.mu.Unlock()
	if fn == nil {
		return nil, errors.New(errors.ErrCodeTaskNotFound, "task %s/%s is not registered", familyName, task)
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	j := job{
		ctx:     ctx,
		task:    task,
		fn:      fn,
		payload: payload,
		rep:     &Reporter{task: task, bus: p.bus, cb: cb},
		done:    make(chan result, 1),
	}
	p.mu.Lock()
	p.calls[task]++
	if !f.running {
		f.running = true
		go p.work(f)
		p.logger.Debug("worker started", "family", f.name)
	}
	f.jobs <- j
	p.mu.Unlock()

	select {
	case r := <-j.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Calls returns how many times task was dispatched.
func (p *Pool) Calls(task string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[task]
}

// Workers returns the number of running worker goroutines.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.families {
		if f.running {
			n++
		}
	}
	return n
}

func (p *Pool) work(f *family) {
	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case j := <-f.jobs:
			p.run(f, j)
			idle.Reset(p.idleTimeout)
		case <-idle.C:
			p.mu.Lock()
			select {
			case j := <-f.jobs:
				p.mu.Unlock()
				p.run(f, j)
				idle.Reset(p.idleTimeout)
			default:
				f.running = false
				p.mu.Unlock()
				p.logger.Debug("worker reclaimed", "family", f.name)
				return
			}
		}
	}
}

func (p *Pool) run(f *family, j job) {
	defer f.sem.Release(1)
	start := time.Now()
	v, err := p.call(j)
	observability.Conversion().OnTaskComplete(j.ctx, j.task, time.Since(start), err)
	if err != nil {
		p.logger.Debug("task failed", "family", f.name, "task", j.task, "err", err)
	}
	j.done <- result{v, err}
}

func (p *Pool) call(j job) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrCodeComputeFailed, "task %s panicked: %v", j.task, r)
		}
	}()
	v, err = j.fn(j.ctx, j.payload, j.rep)
	if err != nil && !errors.Is(err, errors.ErrCodeComputeFailed) {
		err = errors.Wrap(errors.ErrCodeComputeFailed, err, "task %s", j.task)
	}
	return v, err
}
