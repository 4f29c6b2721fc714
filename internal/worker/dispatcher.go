// Package worker runs background jobs on an elastic worker pool. Jobs are
// queued per key and keys are served round robin, so one busy user cannot
// starve the others. At most one job per key runs at a time.
package worker

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// Config sizes the dispatcher.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	// JobTimeout bounds a single job. Zero means no bound.
	JobTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
	running  bool
}

// Dispatcher feeds jobs from per key queues to the worker pool.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	ctx      context.Context
	cancel   context.CancelFunc
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	closed    bool
	pending   sync.WaitGroup
	queues    map[string]*keyQueue
	ready     *list.List // round robin order of idle keys with queued jobs
	positions map[string]*list.Element
	wake      chan struct{}
	quit      chan struct{}
}

// NewDispatcher starts the dispatch loop and warms up MinWorkers workers.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		jobQueue:  make(chan Job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		timeout:   cfg.JobTimeout,
		logger:    logger,
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d.execute)

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if job.Fn == nil {
		return errors.New("job has no function")
	}
	job.Type = Run

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.pending.Add(1)
	select {
	case d.jobQueue <- job:
		return nil
	default:
		d.pending.Done()
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, running jobs see their context cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.cancel()
	close(d.quit)
	d.pool.shutdown()
	return err
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the key at the front of the round robin
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.wake:
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	d.armLocked(job.Key, q)
}

// armLocked puts key at the back of the round robin unless it is already
// there, has a job running or has nothing queued.
func (d *Dispatcher) armLocked(key string, q *keyQueue) {
	if q.enqueued || q.running || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[key] = d.ready.PushBack(key)
}

// next pops the first job of the key at the front. The key leaves the
// round robin until finish reports the job done.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, key)
	return job, true
}

// finish re-arms key after its running job returned.
func (d *Dispatcher) finish(key string) {
	d.mu.Lock()
	q := d.queues[key]
	if q == nil {
		d.mu.Unlock()
		return
	}
	q.running = false
	if len(q.jobs) == 0 {
		delete(d.queues, key)
		d.mu.Unlock()
		return
	}
	d.armLocked(key, q)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.next()
	if !ok {
		return false
	}
	workerChan := d.pool.acquire()
	d.logger.Debug("dispatching job", "job", job.Name, "key", job.Key)
	workerChan <- job
	return true
}

// execute runs on a worker goroutine.
func (d *Dispatcher) execute(job Job) {
	defer d.pending.Done()
	defer d.finish(job.Key)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("background job panicked", "job", job.Name, "key", job.Key, "panic", r)
		}
	}()

	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := job.Fn(ctx); err != nil {
		d.logger.Error("background job failed", "job", job.Name, "key", job.Key, "error", err)
	}
}
