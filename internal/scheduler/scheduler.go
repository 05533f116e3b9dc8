// scheduler.go — Execution scheduler: a global counting semaphore bounds
// in-flight operations; excess operations queue in priority order, ties
// broken by submission order; every operation carries a deadline.
// golang.org/x/sync/semaphore's blocking Acquire/Release fits admission
// here because it is per-call rather than per-batch.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pagegate/browser-gateway/internal/gatewayerr"
)

// Config bounds global concurrency.
type Config struct {
	MaxInFlight     int64
	DefaultTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{MaxInFlight: 16, DefaultTimeout: 30 * time.Second}
}

// Task is one unit of scheduled work.
type Task struct {
	SessionID      string
	OperationClass string
	Priority       int // higher runs first
	Timeout        time.Duration
	Fn             func(ctx context.Context) (any, error)
}

// Result reports scheduling overhead alongside the operation's outcome.
type Result struct {
	Value      any
	Err        error
	QueueWait  time.Duration
	ExecTime   time.Duration
}

type waitingTask struct {
	task      Task
	submitSeq int64
	enqueued  time.Time
	ctx       context.Context
	done      chan Result
}

// priorityQueue orders by Priority desc, then submission order asc.
type priorityQueue []*waitingTask

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].submitSeq < q[j].submitSeq
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)   { *q = append(*q, x.(*waitingTask)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Scheduler admits Tasks against a global concurrency budget, queueing
// excess work by priority and enforcing per-task deadlines.
type Scheduler struct {
	cfg Config
	sem *semaphore.Weighted

	mu       sync.Mutex
	queue    priorityQueue
	nextSeq  int64
	notify   chan struct{}
	inFlight atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxInFlight),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// Submit enqueues task and blocks until it has run (or the caller's ctx is
// done). The returned Result always carries QueueWait/ExecTime even on
// failure, so callers can observe scheduling overhead regardless of outcome.
func (s *Scheduler) Submit(ctx context.Context, task Task) Result {
	if task.Timeout <= 0 {
		task.Timeout = s.cfg.DefaultTimeout
	}
	w := &waitingTask{
		task:     task,
		enqueued: time.Now(),
		ctx:      ctx,
		done:     make(chan Result, 1),
	}

	s.mu.Lock()
	w.submitSeq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.queue, w)
	s.mu.Unlock()
	s.wake()

	select {
	case res := <-w.done:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err(), QueueWait: time.Since(w.enqueued)}
	}
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatchLoop pops the highest-priority waiting task, blocks for a
// semaphore slot, then runs it in its own goroutine.
func (s *Scheduler) dispatchLoop() {
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 {
			s.mu.Unlock()
			select {
			case <-s.stopCh:
				return
			case <-s.notify:
			}
			s.mu.Lock()
		}
		w := heap.Pop(&s.queue).(*waitingTask)
		s.mu.Unlock()

		if w.ctx.Err() != nil {
			// Caller already gave up; drop without consuming a slot.
			continue
		}

		if err := s.sem.Acquire(w.ctx, 1); err != nil {
			w.done <- Result{Err: err, QueueWait: time.Since(w.enqueued)}
			continue
		}
		go s.run(w)
	}
}

func (s *Scheduler) run(w *waitingTask) {
	s.inFlight.Add(1)
	defer func() {
		s.inFlight.Add(-1)
		s.sem.Release(1)
	}()
	queueWait := time.Since(w.enqueued)

	deadlineCtx, cancel := context.WithTimeout(w.ctx, w.task.Timeout)
	defer cancel()

	start := time.Now()
	valueCh := make(chan Result, 1)
	go func() {
		v, err := w.task.Fn(deadlineCtx)
		valueCh <- Result{Value: v, Err: err}
	}()

	select {
	case res := <-valueCh:
		res.QueueWait = queueWait
		res.ExecTime = time.Since(start)
		w.done <- res
	case <-deadlineCtx.Done():
		w.done <- Result{
			Err: gatewayerr.New(gatewayerr.CategoryBrowser, gatewayerr.CodeTimeout,
				"operation exceeded its deadline",
				gatewayerr.WithContext(map[string]any{"session_id": w.task.SessionID, "operation": w.task.OperationClass})),
			QueueWait: queueWait,
			ExecTime:  time.Since(start),
		}
	}
}

// InFlight reports the number of tasks currently executing, for metrics.
func (s *Scheduler) InFlight() int64 {
	return s.inFlight.Load()
}

// QueueDepth reports the number of tasks waiting for a slot, for metrics.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
