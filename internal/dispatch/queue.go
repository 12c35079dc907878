// Package dispatch is a fixed pool of workers that evaluates a batch of jobs
// and blocks the caller until the whole batch has run.
package dispatch

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type Job func()

// ThreadHooks run on the worker goroutine itself, before its first batch and
// after its last one. A worker whose OnStart fails is not started.
type ThreadHooks struct {
	OnStart func(worker int) error
	OnStop  func(worker int)
}

type Options struct {
	// Workers <= 0 uses runtime.NumCPU().
	Workers int
	Hooks   ThreadHooks
	Logger  *zap.Logger
}

var ErrDecommissioned = errors.New("dispatch: queue decommissioned")

type Queue struct {
	want  int
	hooks ThreadHooks
	log   *zap.Logger

	// evalMu serialises Spawn, Evaluate and Decommission.
	evalMu sync.Mutex

	mu       sync.Mutex
	wake     *sync.Cond
	done     *sync.Cond
	gen      uint64
	jobs     []Job
	pending  int
	workers  int
	spawned  bool
	stopping bool
	wg       sync.WaitGroup

	stopOnce sync.Once

	batches atomic.Uint64
	jobsRun atomic.Uint64
	panics  atomic.Uint64
}

func New(opts Options) *Queue {
	n := opts.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{want: n, hooks: opts.Hooks, log: log.Named("dispatch")}
	q.wake = sync.NewCond(&q.mu)
	q.done = sync.NewCond(&q.mu)
	return q
}

// Spawn starts the workers. It fails only when no worker could be started;
// individual hook failures are logged. Calling it again is a no-op.
func (q *Queue) Spawn() error {
	q.evalMu.Lock()
	defer q.evalMu.Unlock()

	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return ErrDecommissioned
	}
	if q.spawned {
		q.mu.Unlock()
		return nil
	}
	q.spawned = true
	q.mu.Unlock()

	ready := make(chan error, q.want)
	for i := 0; i < q.want; i++ {
		q.wg.Add(1)
		go q.worker(i, ready)
	}
	var errs []error
	for i := 0; i < q.want; i++ {
		if err := <-ready; err != nil {
			errs = append(errs, err)
		}
	}
	for _, err := range errs {
		q.log.Warn("worker not started", zap.Error(err))
	}
	if started := q.Workers(); started == 0 {
		return fmt.Errorf("dispatch: no worker started: %w", errors.Join(errs...))
	}
	q.log.Info("spawned", zap.Int("workers", q.Workers()))
	return nil
}

func (q *Queue) Workers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers
}

func (q *Queue) worker(id int, ready chan<- error) {
	defer q.wg.Done()
	if q.hooks.OnStart != nil {
		if err := q.hooks.OnStart(id); err != nil {
			ready <- fmt.Errorf("worker %d: %w", id, err)
			return
		}
	}
	if q.hooks.OnStop != nil {
		defer q.hooks.OnStop(id)
	}

	q.mu.Lock()
	slot := q.workers
	q.workers++
	seen := q.gen
	q.mu.Unlock()
	ready <- nil

	for {
		q.mu.Lock()
		for q.gen == seen && !q.stopping {
			q.wake.Wait()
		}
		if q.stopping {
			q.mu.Unlock()
			return
		}
		seen = q.gen
		jobs, n := q.jobs, q.workers
		q.mu.Unlock()

		lo, hi := chunk(len(jobs), n, slot)
		for _, j := range jobs[lo:hi] {
			q.run(j)
		}

		q.mu.Lock()
		q.pending--
		if q.pending == 0 {
			q.done.Broadcast()
		}
		q.mu.Unlock()
	}
}

// chunk returns the contiguous range of n jobs owned by slot when split across
// workers; the first n%workers slots take one extra job.
func chunk(n, workers, slot int) (int, int) {
	size, rem := n/workers, n%workers
	lo := slot*size + min(slot, rem)
	hi := lo + size
	if slot < rem {
		hi++
	}
	return lo, hi
}

func (q *Queue) run(j Job) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			q.log.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	j()
	q.jobsRun.Add(1)
}

// Evaluate runs every job and returns once all of them have finished. Before
// Spawn or after Decommission the jobs run on the calling goroutine. Jobs must
// not call Evaluate.
func (q *Queue) Evaluate(jobs []Job) {
	if len(jobs) == 0 {
		return
	}
	q.evalMu.Lock()
	defer q.evalMu.Unlock()
	q.batches.Add(1)

	q.mu.Lock()
	if q.workers == 0 || q.stopping {
		q.mu.Unlock()
		for _, j := range jobs {
			q.run(j)
		}
		return
	}
	q.jobs = jobs
	q.pending = q.workers
	q.gen++
	q.wake.Broadcast()
	for q.pending > 0 {
		q.done.Wait()
	}
	q.jobs = nil
	q.mu.Unlock()
}

// Decommission stops and joins every worker. It is safe to call more than once.
func (q *Queue) Decommission() {
	q.stopOnce.Do(func() {
		q.evalMu.Lock()
		defer q.evalMu.Unlock()
		q.mu.Lock()
		q.stopping = true
		q.wake.Broadcast()
		q.mu.Unlock()
		q.wg.Wait()

		q.mu.Lock()
		q.workers = 0
		q.mu.Unlock()
		q.log.Info("decommissioned")
	})
}

func (q *Queue) Close() error {
	q.Decommission()
	return nil
}

type Stats struct {
	Workers int
	Batches uint64
	Jobs    uint64
	Panics  uint64
}

func (q *Queue) Stats() Stats {
	return Stats{
		Workers: q.Workers(),
		Batches: q.batches.Load(),
		Jobs:    q.jobsRun.Load(),
		Panics:  q.panics.Load(),
	}
}
