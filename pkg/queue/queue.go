// Package queue implements the Queue (C10, spec §4.10): a bounded
// in-memory priority queue feeding a fixed pool of workers, with retry
// backoff, per-task timeout, and drain/immediate shutdown modes.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cursorbot/cursorbot/pkg/logger"
)

// Priority orders pending tasks; higher values run first (spec §4.10
// "Critical > High > Normal > Low").
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status is a task's place in its lifecycle (spec §4.10).
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
	Retrying  Status = "retrying"
)

// Func is the work a submitted task performs.
type Func func(ctx context.Context) (any, error)

// CallbackFunc is invoked once a task reaches a terminal state.
type CallbackFunc func(*Task)

// Task is one queued unit of work (spec §4.10), grounded on
// original_source/src/core/queue.py's Task dataclass.
type Task struct {
	ID       string
	Priority Priority
	Metadata map[string]string

	fn         Func
	timeout    time.Duration
	maxRetries int
	callback   CallbackFunc
	seq        int64
	createdAt  time.Time

	mu          sync.Mutex
	status      Status
	startedAt   time.Time
	completedAt time.Time
	result      any
	lastErr     error
	retries     int
}

// Snapshot is a read-only copy of a task's current state.
type Snapshot struct {
	ID          string
	Priority    Priority
	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Retries     int
	Error       string
	Metadata    map[string]string
}

func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID: t.ID, Priority: t.Priority, Status: t.status,
		CreatedAt: t.createdAt, StartedAt: t.startedAt, CompletedAt: t.completedAt,
		Retries: t.retries, Metadata: t.Metadata,
	}
	if t.lastErr != nil {
		s.Error = t.lastErr.Error()
	}
	return s
}

// taskHeap orders by Priority desc, then seq asc (FIFO within a priority
// tier), implementing container/heap.Interface.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Config tunes queue-wide defaults and worker count (spec §4.10, grounded
// on queue.py's QueueConfig).
type Config struct {
	MaxConcurrent     int
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	// RateLimit is the minimum gap between task starts; zero disables it
	// (spec §4.10 "Global rate-limit ... is optional").
	RateLimit time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	return c
}

// SubmitOptions configures one submitted task (spec §4.10 "submit(fn, args,
// priority, timeout?, max_retries?, callback?)").
type SubmitOptions struct {
	Priority   Priority
	Timeout    time.Duration
	MaxRetries int
	Callback   CallbackFunc
	Metadata   map[string]string
}

// Queue is the bounded priority task queue (spec §4.10 TaskQueue).
// Concurrency is bounded by running exactly cfg.MaxConcurrent worker
// goroutines rather than a semaphore, since an unbuffered dispatch channel
// already gives that bound for free in Go.
type Queue struct {
	cfg  Config
	name string

	mu      sync.Mutex
	tasks   map[string]*Task
	pending taskHeap
	seq     int64

	wake       chan struct{}
	dispatchCh chan *Task
	cancel     context.CancelFunc
	stopping   bool
	activeWG   sync.WaitGroup

	limiter   *rate.Limiter
	callbacks []CallbackFunc
}

func New(cfg Config, name string) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg: cfg, name: name,
		tasks:      map[string]*Task{},
		wake:       make(chan struct{}, 1),
		dispatchCh: make(chan *Task),
	}
	if cfg.RateLimit > 0 {
		q.limiter = rate.NewLimiter(rate.Every(cfg.RateLimit), 1)
	}
	return q
}

// AddCallback registers a queue-wide completion callback (supplements
// queue.py's add_callback; invoked alongside any task-specific callback).
func (q *Queue) AddCallback(cb CallbackFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks = append(q.callbacks, cb)
}

// Start launches the dispatcher and worker pool. Stops when ctx is done or
// Stop is called.
func (q *Queue) Start(ctx context.Context) {
	queueCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.stopping = false
	q.mu.Unlock()

	go q.dispatch(queueCtx)
	for i := 0; i < q.cfg.MaxConcurrent; i++ {
		go q.runWorker(queueCtx)
	}
	logger.InfoCF("queue", "task queue started", map[string]any{"name": q.name, "workers": q.cfg.MaxConcurrent})
}

// Stop halts the queue. In drain mode it waits for in-flight tasks to
// finish before cancelling workers; pending (not-yet-started) tasks are
// abandoned in both modes, and in immediate mode a running task's context
// is cancelled mid-flight (spec §4.10 "drain ... or immediate").
func (q *Queue) Stop(drain bool) {
	q.mu.Lock()
	q.stopping = true
	cancel := q.cancel
	q.mu.Unlock()

	if drain {
		q.activeWG.Wait()
	}
	if cancel != nil {
		cancel()
	}
	logger.InfoCF("queue", "task queue stopped", map[string]any{"name": q.name, "drain": drain})
}

// Submit enqueues a new task and returns its ID (spec §4.10 "submit(fn,
// args, priority, timeout?, max_retries?, callback?) -> task_id").
func (q *Queue) Submit(fn Func, opts SubmitOptions) string {
	id := uuid.New().String()[:8]

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.DefaultMaxRetries
	}

	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.mu.Unlock()

	t := &Task{
		ID: id, Priority: opts.Priority, Metadata: opts.Metadata,
		fn: fn, timeout: timeout, maxRetries: maxRetries, callback: opts.Callback,
		seq: seq, createdAt: time.Now(), status: Pending,
	}

	q.mu.Lock()
	q.tasks[id] = t
	q.mu.Unlock()

	q.enqueue(t)
	return id
}

func (q *Queue) enqueue(t *Task) {
	q.mu.Lock()
	heap.Push(&q.pending, t)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Get returns one task's current snapshot.
func (q *Queue) Get(id string) (Snapshot, bool) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	q.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// Cancel succeeds only for a task still Pending (spec §4.10: "a running
// task cannot be cancelled mid-flight"). The task's heap entry is left in
// place; the dispatcher skips Cancelled entries when it pops them.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	t, ok := q.tasks[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != Pending {
		return false
	}
	t.status = Cancelled
	return true
}

func (q *Queue) dispatch(ctx context.Context) {
	for {
		q.mu.Lock()
		stopping := q.stopping
		if stopping || len(q.pending) == 0 {
			q.mu.Unlock()
			if stopping {
				return
			}
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		t := heap.Pop(&q.pending).(*Task)
		q.mu.Unlock()

		t.mu.Lock()
		skip := t.status == Cancelled
		t.mu.Unlock()
		if skip {
			continue
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}

		select {
		case q.dispatchCh <- t:
		case <-q.wake:
			// a newer task arrived; put t back so the highest priority goes first
			q.mu.Lock()
			heap.Push(&q.pending, t)
			q.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case t := <-q.dispatchCh:
			q.activeWG.Add(1)
			q.execute(ctx, t)
			q.activeWG.Done()
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, t *Task) {
	t.mu.Lock()
	t.status = Running
	t.startedAt = time.Now()
	t.mu.Unlock()

	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		res, err := t.fn(runCtx)
		done <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-runCtx.Done():
		o = outcome{err: runCtx.Err()}
	}

	if o.err != nil {
		q.handleFailure(t, o.err)
	} else {
		t.mu.Lock()
		t.status = Completed
		t.result = o.result
		t.completedAt = time.Now()
		t.mu.Unlock()
		q.notifyCompletion(t)
	}
}

// handleFailure applies spec §4.10's retry policy: "if retries <
// max_retries -> Retrying, re-queue after base_delay * 2^retries
// (capped). On exceeding retries -> Failed."
func (q *Queue) handleFailure(t *Task, err error) {
	t.mu.Lock()
	t.retries++
	retries := t.retries
	maxRetries := t.maxRetries
	t.lastErr = err

	if retries <= maxRetries {
		t.status = Retrying
		t.mu.Unlock()

		delay := q.cfg.RetryBaseDelay * time.Duration(1<<uint(retries-1))
		if delay > q.cfg.RetryMaxDelay {
			delay = q.cfg.RetryMaxDelay
		}
		logger.WarnCF("queue", "task failed, scheduling retry", map[string]any{
			"task_id": t.ID, "retry": retries, "max_retries": maxRetries, "delay": delay.String(), "error": err.Error(),
		})

		time.AfterFunc(delay, func() {
			t.mu.Lock()
			t.status = Pending
			t.startedAt = time.Time{}
			t.mu.Unlock()
			q.enqueue(t)
		})
		return
	}

	t.status = Failed
	t.completedAt = time.Now()
	t.mu.Unlock()

	logger.ErrorCF("queue", "task failed permanently", map[string]any{
		"task_id": t.ID, "retries": maxRetries, "error": err.Error(),
	})
	q.notifyCompletion(t)
}

// notifyCompletion runs the task's own callback plus every queue-wide
// callback, each isolated behind its own recover so one misbehaving
// callback cannot break another or the worker goroutine (spec §4.10
// "callback invoked once, with exceptions isolated").
func (q *Queue) notifyCompletion(t *Task) {
	q.mu.Lock()
	globalCallbacks := append([]CallbackFunc{}, q.callbacks...)
	q.mu.Unlock()

	if t.callback != nil {
		q.runCallback(t, t.callback)
	}
	for _, cb := range globalCallbacks {
		q.runCallback(t, cb)
	}
}

func (q *Queue) runCallback(t *Task, cb CallbackFunc) {
	defer func() {
		if r := recover(); r != nil {
			logger.WarnCF("queue", "task callback panicked", map[string]any{"task_id": t.ID, "panic": fmt.Sprint(r)})
		}
	}()
	cb(t)
}

// Stats summarizes the queue's current state.
type Stats struct {
	Name         string
	QueueSize    int
	TotalTasks   int
	StatusCounts map[Status]int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := map[Status]int{}
	for _, t := range q.tasks {
		counts[t.snapshot().Status]++
	}
	return Stats{
		Name: q.name, QueueSize: len(q.pending), TotalTasks: len(q.tasks),
		StatusCounts: counts,
	}
}

// RecentTasks returns up to limit tasks, most recently created first.
func (q *Queue) RecentTasks(limit int) []Snapshot {
	q.mu.Lock()
	all := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		all = append(all, t)
	}
	q.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.After(all[j].createdAt) })
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]Snapshot, len(all))
	for i, t := range all {
		out[i] = t.snapshot()
	}
	return out
}
