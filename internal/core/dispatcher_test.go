package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deliveryEvent struct {
	target string
	jobID  string
	kind   string // begin or end
}

// scriptedTransport records delivery attempts and can fail on demand or
// block per target until released.
type scriptedTransport struct {
	mu       sync.Mutex
	events   []deliveryEvent
	attempts map[string]int
	errFn    func(job *PrintJob, target *PrinterTarget) error
	gates    map[string]chan struct{}
	started  chan string
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		attempts: make(map[string]int),
		gates:    make(map[string]chan struct{}),
	}
}

func (f *scriptedTransport) gate(target string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[target] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *scriptedTransport) Deliver(ctx context.Context, job *PrintJob, target *PrinterTarget) error {
	f.mu.Lock()
	f.events = append(f.events, deliveryEvent{target.Name, job.ID, "begin"})
	f.attempts[job.ID]++
	gate := f.gates[target.Name]
	started := f.started
	f.mu.Unlock()

	if started != nil {
		started <- job.ID
	}
	if gate != nil {
		<-gate
	}

	var err error
	if f.errFn != nil {
		err = f.errFn(job, target)
	}

	f.mu.Lock()
	f.events = append(f.events, deliveryEvent{target.Name, job.ID, "end"})
	f.mu.Unlock()
	return err
}

func (f *scriptedTransport) attemptCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[jobID]
}

func (f *scriptedTransport) eventsFor(target string) []deliveryEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []deliveryEvent
	for _, e := range f.events {
		if e.target == target {
			out = append(out, e)
		}
	}
	return out
}

func newTestDispatcher(ft *scriptedTransport, cfg DispatcherConfig) *Dispatcher {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = 2 * time.Second
	}
	transports := map[TransportKind]Transport{
		TransportLocal:     ft,
		TransportMqttRelay: ft,
	}
	return NewDispatcher(testTargets(), transports, nil, cfg)
}

func awaitResult(t *testing.T, d *Dispatcher, jobID string) DeliveryResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := d.Await(ctx, jobID)
	require.NoError(t, err)
	return res
}

func TestDeliverySuccess(t *testing.T) {
	ft := newScriptedTransport()
	d := newTestDispatcher(ft, DispatcherConfig{})
	d.Start()
	defer d.Stop()

	job, err := d.Submit([]byte("ticket"), "front-desk", JobOptions{})
	require.NoError(t, err)

	res := awaitResult(t, d, job.ID)
	assert.Equal(t, StatusDelivered, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, ft.attemptCount(job.ID))

	snap, err := d.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDelivered, snap.Status)
	assert.Equal(t, 0, snap.Retries)
}

func TestPerPrinterFIFO(t *testing.T) {
	ft := newScriptedTransport()
	d := newTestDispatcher(ft, DispatcherConfig{})
	d.Start()
	defer d.Stop()

	var deskJobs, warehouseJobs []string
	for i := 0; i < 3; i++ {
		job, err := d.Submit([]byte(fmt.Sprintf("desk-%d", i)), "front-desk", JobOptions{})
		require.NoError(t, err)
		deskJobs = append(deskJobs, job.ID)
	}
	for i := 0; i < 2; i++ {
		job, err := d.Submit([]byte(fmt.Sprintf("wh-%d", i)), "warehouse", JobOptions{})
		require.NoError(t, err)
		warehouseJobs = append(warehouseJobs, job.ID)
	}

	for _, id := range append(append([]string{}, deskJobs...), warehouseJobs...) {
		res := awaitResult(t, d, id)
		assert.Equal(t, StatusDelivered, res.Status)
	}

	assertStrictFIFO(t, ft.eventsFor("front-desk"), deskJobs)
	assertStrictFIFO(t, ft.eventsFor("warehouse"), warehouseJobs)
}

// assertStrictFIFO checks both submission-order dispatch and head-of-line
// sequencing: each delivery completes before the next begins.
func assertStrictFIFO(t *testing.T, events []deliveryEvent, wantOrder []string) {
	t.Helper()
	require.Len(t, events, len(wantOrder)*2)
	for i, jobID := range wantOrder {
		begin := events[i*2]
		end := events[i*2+1]
		assert.Equal(t, deliveryEvent{begin.target, jobID, "begin"}, begin)
		assert.Equal(t, deliveryEvent{end.target, jobID, "end"}, end)
	}
}

func TestIndependentPrintersProceedConcurrently(t *testing.T) {
	ft := newScriptedTransport()
	release := ft.gate("front-desk")
	defer release()

	ft.started = make(chan string, 4)
	d := newTestDispatcher(ft, DispatcherConfig{})
	d.Start()
	defer d.Stop()

	deskJob, err := d.Submit([]byte("slow"), "front-desk", JobOptions{})
	require.NoError(t, err)
	require.Equal(t, deskJob.ID, <-ft.started)

	// The warehouse delivery must finish while front-desk is still blocked.
	whJob, err := d.Submit([]byte("fast"), "warehouse", JobOptions{})
	require.NoError(t, err)
	<-ft.started

	res := awaitResult(t, d, whJob.ID)
	assert.Equal(t, StatusDelivered, res.Status)

	snap, err := d.GetJob(deskJob.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusInFlight, snap.Status)

	release()
	res = awaitResult(t, d, deskJob.ID)
	assert.Equal(t, StatusDelivered, res.Status)
}

func TestTimeoutNeverRetried(t *testing.T) {
	ft := newScriptedTransport()
	ft.errFn = func(job *PrintJob, target *PrinterTarget) error {
		return fmt.Errorf("%w: await ack", ErrTimeout)
	}
	d := newTestDispatcher(ft, DispatcherConfig{RetryLimit: 5})
	d.Start()
	defer d.Stop()

	job, err := d.Submit([]byte("ticket"), "front-desk", JobOptions{})
	require.NoError(t, err)

	res := awaitResult(t, d, job.ID)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.ErrorIs(t, res.Err, ErrTimeout)

	assert.Equal(t, 1, ft.attemptCount(job.ID))
	snap, err := d.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Retries, "a timeout must not trigger retries")
}

func TestConnectionRefusedRetriedToConfiguredLimit(t *testing.T) {
	ft := newScriptedTransport()
	ft.errFn = func(job *PrintJob, target *PrinterTarget) error {
		return fmt.Errorf("%w: dial", ErrConnectionRefused)
	}
	d := newTestDispatcher(ft, DispatcherConfig{RetryLimit: 2})
	d.Start()
	defer d.Stop()

	job, err := d.Submit([]byte("ticket"), "front-desk", JobOptions{})
	require.NoError(t, err)

	res := awaitResult(t, d, job.ID)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrConnectionRefused)

	assert.Equal(t, 3, ft.attemptCount(job.ID), "initial attempt plus retry limit")
	snap, err := d.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Retries)
}

func TestRetryThenSuccess(t *testing.T) {
	ft := newScriptedTransport()
	var mu sync.Mutex
	failed := false
	ft.errFn = func(job *PrintJob, target *PrinterTarget) error {
		mu.Lock()
		defer mu.Unlock()
		if !failed {
			failed = true
			return fmt.Errorf("%w: broker down", ErrRelayUnavailable)
		}
		return nil
	}
	d := newTestDispatcher(ft, DispatcherConfig{RetryLimit: 3})
	d.Start()
	defer d.Stop()

	job, err := d.Submit([]byte("ticket"), "warehouse", JobOptions{})
	require.NoError(t, err)

	res := awaitResult(t, d, job.ID)
	assert.Equal(t, StatusDelivered, res.Status)
	assert.Equal(t, 2, ft.attemptCount(job.ID))
}

func TestCancelQueuedJob(t *testing.T) {
	ft := newScriptedTransport()
	release := ft.gate("front-desk")
	defer release()
	ft.started = make(chan string, 2)

	d := newTestDispatcher(ft, DispatcherConfig{})
	d.Start()
	defer d.Stop()

	inFlight, err := d.Submit([]byte("in-flight"), "front-desk", JobOptions{})
	require.NoError(t, err)
	require.Equal(t, inFlight.ID, <-ft.started)

	queued, err := d.Submit([]byte("queued"), "front-desk", JobOptions{})
	require.NoError(t, err)

	require.NoError(t, d.Cancel(queued.ID))
	assert.ErrorIs(t, d.Cancel(inFlight.ID), ErrJobNotCancellable)
	assert.ErrorIs(t, d.Cancel("nope"), ErrJobNotFound)

	release()
	res := awaitResult(t, d, inFlight.ID)
	assert.Equal(t, StatusDelivered, res.Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = d.Await(ctx, queued.ID)
	assert.ErrorIs(t, err, ErrJobCancelled)

	assert.Equal(t, 0, ft.attemptCount(queued.ID), "cancelled job must never reach the transport")
	snap, err := d.GetJob(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, snap.Status)
}

func TestEnqueueQueueFull(t *testing.T) {
	ft := newScriptedTransport()
	release := ft.gate("front-desk")
	defer release()
	ft.started = make(chan string, 1)

	d := newTestDispatcher(ft, DispatcherConfig{QueueDepth: 1})
	d.Start()
	defer d.Stop()

	first, err := d.Submit([]byte("a"), "front-desk", JobOptions{})
	require.NoError(t, err)
	require.Equal(t, first.ID, <-ft.started)

	_, err = d.Submit([]byte("b"), "front-desk", JobOptions{})
	require.NoError(t, err)

	_, err = d.Submit([]byte("c"), "front-desk", JobOptions{})
	assert.ErrorIs(t, err, ErrQueueFull)

	// Unblock the gated delivery before the deferred Stop drains workers.
	release()
}

func TestAwaitTwiceReturnsSameResult(t *testing.T) {
	ft := newScriptedTransport()
	d := newTestDispatcher(ft, DispatcherConfig{})
	d.Start()
	defer d.Stop()

	job, err := d.Submit([]byte("ticket"), "front-desk", JobOptions{})
	require.NoError(t, err)

	first := awaitResult(t, d, job.ID)
	second := awaitResult(t, d, job.ID)
	assert.Equal(t, first, second)

	_, err = d.Await(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

type recordingObserver struct {
	mu     sync.Mutex
	queued []string
	start  []string
	finish []DeliveryResult
}

func (o *recordingObserver) JobQueued(job *PrintJob)  { o.record(&o.queued, job.ID) }
func (o *recordingObserver) JobStarted(job *PrintJob) { o.record(&o.start, job.ID) }
func (o *recordingObserver) JobFinished(job *PrintJob, result DeliveryResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finish = append(o.finish, result)
}

func (o *recordingObserver) record(dst *[]string, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*dst = append(*dst, id)
}

// slowQueueObserver delays the queued callback to give the worker every
// chance to overtake it; lifecycle writes must still arrive in order.
type slowQueueObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *slowQueueObserver) JobQueued(job *PrintJob) {
	time.Sleep(50 * time.Millisecond)
	o.append("queued")
}
func (o *slowQueueObserver) JobStarted(job *PrintJob) { o.append("started") }
func (o *slowQueueObserver) JobFinished(job *PrintJob, result DeliveryResult) {
	o.append("finished")
}

func (o *slowQueueObserver) append(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func TestObserverQueuedPrecedesWorkerEvents(t *testing.T) {
	ft := newScriptedTransport()
	obs := &slowQueueObserver{}
	transports := map[TransportKind]Transport{
		TransportLocal:     ft,
		TransportMqttRelay: ft,
	}
	d := NewDispatcher(testTargets(), transports, obs, DispatcherConfig{
		RetryDelay:      time.Millisecond,
		DeliveryTimeout: 2 * time.Second,
	})
	d.Start()
	defer d.Stop()

	job, err := d.Submit([]byte("ticket"), "front-desk", JobOptions{})
	require.NoError(t, err)
	awaitResult(t, d, job.ID)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"queued", "started", "finished"}, obs.events,
		"a job must be recorded as queued before it can be started or finished")
}

func TestTerminalJobsEvictedFromMemory(t *testing.T) {
	ft := newScriptedTransport()
	release := ft.gate("warehouse")
	defer release()
	ft.started = make(chan string, 2)

	d := newTestDispatcher(ft, DispatcherConfig{CompletedTTL: 10 * time.Millisecond})
	d.Start()
	defer d.Stop()

	done, err := d.Submit([]byte("done"), "front-desk", JobOptions{})
	require.NoError(t, err)
	<-ft.started
	awaitResult(t, d, done.ID)

	pending, err := d.Submit([]byte("pending"), "warehouse", JobOptions{})
	require.NoError(t, err)
	<-ft.started

	assert.Eventually(t, func() bool {
		_, err := d.GetJob(done.ID)
		return errors.Is(err, ErrJobNotFound)
	}, 2*time.Second, 5*time.Millisecond, "terminal job should be evicted after the retention window")

	// In-flight jobs are never evicted, however old.
	d.evictCompleted(time.Now())
	snap, err := d.GetJob(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusInFlight, snap.Status)

	release()
	awaitResult(t, d, pending.ID)
}

func TestObserverLifecycle(t *testing.T) {
	ft := newScriptedTransport()
	obs := &recordingObserver{}
	transports := map[TransportKind]Transport{
		TransportLocal:     ft,
		TransportMqttRelay: ft,
	}
	d := NewDispatcher(testTargets(), transports, obs, DispatcherConfig{
		RetryDelay:      time.Millisecond,
		DeliveryTimeout: 2 * time.Second,
	})
	d.Start()
	defer d.Stop()

	job, err := d.Submit([]byte("ticket"), "front-desk", JobOptions{})
	require.NoError(t, err)
	awaitResult(t, d, job.ID)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{job.ID}, obs.queued)
	assert.Equal(t, []string{job.ID}, obs.start)
	require.Len(t, obs.finish, 1)
	assert.Equal(t, StatusDelivered, obs.finish[0].Status)
	assert.Equal(t, job.ID, obs.finish[0].JobID)
}
