package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Timer is the part of *time.Timer a deferred task needs.
type Timer interface {
	Stop() bool
}

// AfterFunc arranges for f to run after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

const (
	taskPending int32 = iota
	taskFired
	taskCancelled
)

// Task is one scheduled action. Cancel it to keep it from running.
type Task struct {
	Name  string
	Delay time.Duration

	id     uint64
	owner  *Deferred
	status atomic.Int32
	fn     func(ctx context.Context) error

	mu    sync.Mutex
	timer Timer
}

// Cancel stops the task if it has not started. It reports whether this call
// prevented the run.
func (t *Task) Cancel() bool {
	if !t.status.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.mu.Lock()
	timer := t.timer
	t.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	t.owner.forget(t.id)
	return true
}

func (t *Task) Cancelled() bool { return t.status.Load() == taskCancelled }

// Deferred runs actions after a delay, each with its own cancel handle.
type Deferred struct {
	ctx    context.Context
	cancel context.CancelFunc
	after  AfterFunc
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Task
}

type DeferredOption func(*Deferred)

// WithAfterFunc replaces the timer factory; tests use it to fire tasks by hand.
func WithAfterFunc(f AfterFunc) DeferredOption {
	return func(d *Deferred) {
		if f != nil {
			d.after = f
		}
	}
}

func WithDeferredLogger(l *zap.Logger) DeferredOption {
	return func(d *Deferred) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDeferred(opts ...DeferredOption) *Deferred {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Deferred{
		ctx:     ctx,
		cancel:  cancel,
		after:   realAfterFunc,
		logger:  zap.NewNop(),
		pending: make(map[uint64]*Task),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Schedule runs fn after delay unless the returned task is cancelled first.
func (d *Deferred) Schedule(name string, delay time.Duration, fn func(ctx context.Context) error) *Task {
	d.mu.Lock()
	d.nextID++
	t := &Task{Name: name, Delay: delay, id: d.nextID, owner: d, fn: fn}
	d.pending[t.id] = t
	d.mu.Unlock()

	timer := d.after(delay, func() { d.fire(t) })
	t.mu.Lock()
	t.timer = timer
	t.mu.Unlock()
	return t
}

func (d *Deferred) fire(t *Task) {
	if !t.status.CompareAndSwap(taskPending, taskFired) {
		return
	}
	d.forget(t.id)
	if err := t.fn(d.ctx); err != nil {
		d.logger.Error("deferred task failed", zap.String("task", t.Name), zap.Error(err))
		return
	}
	d.logger.Debug("deferred task done", zap.String("task", t.Name))
}

func (d *Deferred) forget(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// Pending returns the names of tasks still waiting to run.
func (d *Deferred) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.pending))
	for _, t := range d.pending {
		out = append(out, t.Name)
	}
	return out
}

// Stop cancels every pending task and the context handed to running ones.
func (d *Deferred) Stop() {
	d.mu.Lock()
	tasks := make([]*Task, 0, len(d.pending))
	for _, t := range d.pending {
		tasks = append(tasks, t)
	}
	d.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	d.cancel()
}
