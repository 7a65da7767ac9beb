package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a unit of work.
type Task func(ctx context.Context) error

type namedTask struct {
	name string
	fn   Task
}

// Stats are the cumulative worker pool counters.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Panicked  uint64 `json:"panicked"`
	Pending   int    `json:"pending"`
}

// Option is a function that configures the executor.
type Option func(*options)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Executor is a bounded worker pool fed by an unbounded queue.
//
// Submitting never blocks and never drops a task: every submitted task runs
// once the pool is running. A backlog above the configured queue size is
// reported as a warning. Tasks are independent, their failures and panics
// are logged and never stop the pool.
type Executor struct {
	cfg *Config

	mu         sync.Mutex
	pending    []namedTask
	backlogged bool
	wakeCh     chan struct{}

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64

	log *zap.SugaredLogger
}

// NewExecutor creates a new executor.
func NewExecutor(cfg *Config, options ...Option) *Executor {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Executor{
		cfg:    cfg,
		wakeCh: make(chan struct{}, 1),
		log:    opts.Log,
	}
}

// Submit enqueues the task.
func (m *Executor) Submit(name string, fn Task) {
	m.mu.Lock()
	m.pending = append(m.pending, namedTask{name: name, fn: fn})
	size := len(m.pending)
	warn := size > m.cfg.QueueSize && !m.backlogged
	if warn {
		m.backlogged = true
	}
	m.mu.Unlock()

	m.submitted.Add(1)
	if warn {
		m.log.Warnw("task queue is above its size, workers are falling behind",
			zap.String("task", name),
			zap.Int("pending", size),
			zap.Int("queue_size", m.cfg.QueueSize),
		)
	}
	m.wake()
}

func (m *Executor) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// pop takes the oldest pending task.
//
// When more tasks remain another worker is woken up.
func (m *Executor) pop() (namedTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return namedTask{}, false
	}
	task := m.pending[0]
	m.pending[0] = namedTask{}
	m.pending = m.pending[1:]

	if len(m.pending) > 0 {
		m.wake()
	}
	if m.backlogged && len(m.pending) <= m.cfg.QueueSize/2 {
		m.backlogged = false
		m.log.Infow("task queue backlog drained", zap.Int("pending", len(m.pending)))
	}
	return task, true
}

// Run runs the workers until the context is canceled.
//
// Tasks still queued at that moment are discarded.
func (m *Executor) Run(ctx context.Context) error {
	m.log.Infow("starting executor", zap.Int("workers", m.cfg.Workers))
	defer m.log.Infow("stopped executor")

	wg, ctx := errgroup.WithContext(ctx)
	for range m.cfg.Workers {
		wg.Go(func() error {
			return m.work(ctx)
		})
	}
	return wg.Wait()
}

func (m *Executor) work(ctx context.Context) error {
	for {
		// A busy queue must not delay the shutdown.
		if err := ctx.Err(); err != nil {
			return err
		}

		task, ok := m.pop()
		if ok {
			m.execute(ctx, task)
			continue
		}

		select {
		case <-m.wakeCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns the current counters.
func (m *Executor) Stats() Stats {
	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()

	return Stats{
		Submitted: m.submitted.Load(),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
		Panicked:  m.panicked.Load(),
		Pending:   pending,
	}
}

func (m *Executor) execute(ctx context.Context, task namedTask) {
	log := m.log.With(zap.String("task", task.name))

	if m.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TaskTimeout)
		defer cancel()
	}

	startedAt := time.Now()
	err := m.call(ctx, task.fn)
	m.completed.Add(1)
	if err != nil {
		m.failed.Add(1)
		log.Warnw("task failed", zap.Error(err), zap.Duration("elapsed", time.Since(startedAt)))
		return
	}
	log.Debugw("task completed", zap.Duration("elapsed", time.Since(startedAt)))
}

func (m *Executor) call(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.panicked.Add(1)
			m.log.Errorw("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return fn(ctx)
}
