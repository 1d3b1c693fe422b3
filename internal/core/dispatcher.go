package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Transport delivers a job's bytes to a physical or relayed printer. It must
// not mutate the job and must be safe to invoke repeatedly for retries.
type Transport interface {
	Deliver(ctx context.Context, job *PrintJob, target *PrinterTarget) error
}

// Observer receives job lifecycle events. Implementations must not block.
type Observer interface {
	JobQueued(job *PrintJob)
	JobStarted(job *PrintJob)
	JobFinished(job *PrintJob, result DeliveryResult)
}

type DispatcherConfig struct {
	RetryLimit      int
	RetryDelay      time.Duration
	DeliveryTimeout time.Duration
	QueueDepth      int
	// CompletedTTL is how long terminal jobs stay queryable in memory
	// before being evicted; history remains in the store.
	CompletedTTL time.Duration
}

type jobState struct {
	job        *PrintJob
	status     JobStatus
	retries    int
	cancelled  bool
	done       chan DeliveryResult // closed without a send when cancelled
	result     *DeliveryResult
	finishedAt time.Time
}

type JobSnapshot struct {
	Job     *PrintJob
	Status  JobStatus
	Retries int
	Result  *DeliveryResult
}

// Dispatcher sequences jobs per printer target and invokes the transport for
// the target's kind. One sequential worker runs per target: within a target
// delivery happens strictly in enqueue order and the next job does not begin
// until the current one reaches a terminal state. Different targets proceed
// independently.
type Dispatcher struct {
	cfg        DispatcherConfig
	targets    map[string]*PrinterTarget
	transports map[TransportKind]Transport
	observer   Observer

	// enqMu serializes producers so the capacity check stays valid until
	// the channel send, and so the observer sees a job queued before any
	// worker can report it started.
	enqMu sync.Mutex

	mu      sync.Mutex
	jobs    map[string]*jobState
	queues  map[string]chan *PrintJob
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewDispatcher(targets []*PrinterTarget, transports map[TransportKind]Transport, observer Observer, cfg DispatcherConfig) *Dispatcher {
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 128
	}
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = time.Hour
	}

	d := &Dispatcher{
		cfg:        cfg,
		targets:    make(map[string]*PrinterTarget, len(targets)),
		transports: transports,
		observer:   observer,
		jobs:       make(map[string]*jobState),
		queues:     make(map[string]chan *PrintJob, len(targets)),
		stopCh:     make(chan struct{}),
	}
	for _, t := range targets {
		d.targets[t.Name] = t
		d.queues[t.Name] = make(chan *PrintJob, cfg.QueueDepth)
	}
	return d
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	for name, queue := range d.queues {
		d.wg.Add(1)
		go d.worker(d.targets[name], queue)
	}

	d.wg.Add(1)
	go d.evictLoop()
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
}

// CreateJob validates the target and constructs an immutable PrintJob with a
// fresh unique id. It has no side effects beyond construction.
func (d *Dispatcher) CreateJob(payload []byte, target string, opts JobOptions) (*PrintJob, error) {
	if _, ok := d.targets[target]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return newJob(payload, target, opts)
}

// Enqueue appends the job to its target's FIFO queue. The observer runs
// before the job becomes visible to a worker: history must record the job as
// queued before any started/finished write for it can land.
func (d *Dispatcher) Enqueue(job *PrintJob) error {
	queue, ok := d.queues[job.TargetPrinter]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, job.TargetPrinter)
	}

	st := &jobState{
		job:    job,
		status: JobStatusQueued,
		done:   make(chan DeliveryResult, 1),
	}

	d.enqMu.Lock()
	defer d.enqMu.Unlock()

	// Workers only drain the queue, so with producers serialized this
	// check guarantees the send below does not block.
	if len(queue) == cap(queue) {
		return fmt.Errorf("%w: %q", ErrQueueFull, job.TargetPrinter)
	}

	d.mu.Lock()
	d.jobs[job.ID] = st
	d.mu.Unlock()

	if d.observer != nil {
		d.observer.JobQueued(job)
	}
	queue <- job
	return nil
}

// Submit is CreateJob followed by Enqueue.
func (d *Dispatcher) Submit(payload []byte, target string, opts JobOptions) (*PrintJob, error) {
	job, err := d.CreateJob(payload, target, opts)
	if err != nil {
		return nil, err
	}
	if err := d.Enqueue(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel removes a queued job before dispatch. An in-flight job cannot be
// cancelled: a thermal printer mid-write cannot be safely interrupted.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if st.status != JobStatusQueued || st.cancelled {
		return ErrJobNotCancellable
	}

	st.cancelled = true
	st.status = JobStatusCancelled
	st.finishedAt = time.Now()
	close(st.done)
	return nil
}

// Await blocks until the job reaches a terminal state. Returns
// ErrJobCancelled if the job was cancelled before dispatch.
func (d *Dispatcher) Await(ctx context.Context, id string) (DeliveryResult, error) {
	d.mu.Lock()
	st, ok := d.jobs[id]
	if !ok {
		d.mu.Unlock()
		return DeliveryResult{}, ErrJobNotFound
	}
	if st.result != nil {
		res := *st.result
		d.mu.Unlock()
		return res, nil
	}
	if st.cancelled {
		d.mu.Unlock()
		return DeliveryResult{}, ErrJobCancelled
	}
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		return DeliveryResult{}, ctx.Err()
	case res, ok := <-st.done:
		if !ok {
			return DeliveryResult{}, ErrJobCancelled
		}
		return res, nil
	}
}

func (d *Dispatcher) GetJob(id string) (JobSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.jobs[id]
	if !ok {
		return JobSnapshot{}, ErrJobNotFound
	}
	return JobSnapshot{
		Job:     st.job,
		Status:  st.status,
		Retries: st.retries,
		Result:  st.result,
	}, nil
}

func (d *Dispatcher) Targets() []*PrinterTarget {
	targets := make([]*PrinterTarget, 0, len(d.targets))
	for _, t := range d.targets {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets
}

// QueueDepth reports how many jobs are waiting for the given target.
func (d *Dispatcher) QueueDepth(target string) int {
	queue, ok := d.queues[target]
	if !ok {
		return 0
	}
	return len(queue)
}

func (d *Dispatcher) Stats() map[JobStatus]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := make(map[JobStatus]int)
	for _, st := range d.jobs {
		stats[st.status]++
	}
	return stats
}

func (d *Dispatcher) worker(target *PrinterTarget, queue chan *PrintJob) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case job := <-queue:
			d.process(target, job)
		}
	}
}

func (d *Dispatcher) process(target *PrinterTarget, job *PrintJob) {
	d.mu.Lock()
	st, ok := d.jobs[job.ID]
	if !ok || st.cancelled {
		d.mu.Unlock()
		return
	}
	st.status = JobStatusInFlight
	d.mu.Unlock()

	if d.observer != nil {
		d.observer.JobStarted(job)
	}

	transport, ok := d.transports[target.Kind]
	if !ok {
		d.finish(st, DeliveryResult{
			JobID:  job.ID,
			Status: StatusFailed,
			Err:    fmt.Errorf("no transport for kind %q", target.Kind),
		})
		return
	}

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
		err := transport.Deliver(ctx, job, target)
		cancel()

		switch {
		case err == nil:
			d.finish(st, DeliveryResult{JobID: job.ID, Status: StatusDelivered})
			return
		case errors.Is(err, ErrTimeout):
			// Never retried: the printer may already have produced output
			// and a second attempt would print a duplicate ticket.
			d.finish(st, DeliveryResult{JobID: job.ID, Status: StatusTimedOut, Err: err})
			return
		case !isRetryable(err) || attempt >= d.cfg.RetryLimit:
			d.finish(st, DeliveryResult{JobID: job.ID, Status: StatusFailed, Err: err})
			return
		}

		d.mu.Lock()
		st.retries++
		d.mu.Unlock()

		backoff := d.backoff(attempt)
		log.Printf("[dispatcher] retry %d/%d for job %s on %s in %v: %v",
			attempt+1, d.cfg.RetryLimit, job.ID, target.Name, backoff, err)

		select {
		case <-d.stopCh:
			d.finish(st, DeliveryResult{
				JobID:  job.ID,
				Status: StatusFailed,
				Err:    fmt.Errorf("shutdown during retry: %w", err),
			})
			return
		case <-time.After(backoff):
		}
	}
}

func (d *Dispatcher) finish(st *jobState, result DeliveryResult) {
	d.mu.Lock()
	switch result.Status {
	case StatusDelivered:
		st.status = JobStatusDelivered
	case StatusTimedOut:
		st.status = JobStatusTimedOut
	default:
		st.status = JobStatusFailed
	}
	st.result = &result
	st.finishedAt = time.Now()
	d.mu.Unlock()

	st.done <- result
	close(st.done)

	if d.observer != nil {
		d.observer.JobFinished(st.job, result)
	}
}

func (d *Dispatcher) evictLoop() {
	defer d.wg.Done()

	interval := d.cfg.CompletedTTL
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.evictCompleted(time.Now().Add(-d.cfg.CompletedTTL))
		}
	}
}

// evictCompleted drops terminal jobs (and their payload bytes) from memory
// once they age past the retention window. Lookups fall back to the store.
func (d *Dispatcher) evictCompleted(cutoff time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, st := range d.jobs {
		if st.finishedAt.IsZero() || st.finishedAt.After(cutoff) {
			continue
		}
		delete(d.jobs, id)
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.RetryDelay * time.Duration(1<<uint(attempt))
	maxDelay := 5 * time.Minute
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrConnectionRefused) || errors.Is(err, ErrRelayUnavailable)
}
