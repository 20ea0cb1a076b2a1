// Package worker implements the event loop and job model of spec §4.1: one
// goroutine per worker, a bounded urgent/normal job queue, and timers that
// fire on the loop goroutine. It is the Go rendition of fdbus's CBaseWorker
// / CBaseEventLoop pair, grounded on _examples/adred-codev-ws_poc/ws/worker_pool.go's fixed-goroutine,
// panic-recovering task queue and generalized with priorities, timers, and
// the sync-submission/discarding semantics spec §4.1 requires.
package worker

import (
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Worker is a single thread (goroutine) running a cooperative event loop.
// All mutation of worker-owned state (timers, discarding flag) happens only
// on the loop goroutine itself; external callers only ever touch channels
// and atomics.
type Worker struct {
	name   string
	logger zerolog.Logger

	urgentCh chan *Job
	normalCh chan *Job

	stopCh chan struct{}
	doneCh chan struct{}

	inLoop     atomic.Bool // true while the loop goroutine is executing a Job
	discarding atomic.Bool

	timerMu   sync.Mutex
	timers    []*Timer
	blackList map[int64]struct{}
	nextID    int64

	wg sync.WaitGroup
}

// New creates a worker with the given queue depths. Call Start to begin
// running its loop on a new goroutine.
func New(name string, queueDepth int, logger zerolog.Logger) *Worker {
	return &Worker{
		name:      name,
		logger:    logger.With().Str("worker", name).Logger(),
		urgentCh:  make(chan *Job, queueDepth),
		normalCh:  make(chan *Job, queueDepth),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		blackList: make(map[int64]struct{}),
	}
}

// Start launches the loop goroutine. Must be called once.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop requests the loop to exit and waits for it to drain. Pending sync
// jobs still queued are completed (without running) so their submitters
// never block forever.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// Name returns the worker's label, used in logs and dispatcher tables.
func (w *Worker) Name() string { return w.name }

// QueueDepth returns the number of jobs currently queued (urgent+normal),
// used for worker-queue-depth metrics sampling.
func (w *Worker) QueueDepth() int { return len(w.urgentCh) + len(w.normalCh) }

func (w *Worker) loop() {
	defer w.wg.Done()
	defer close(w.doneCh)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker loop panicked")
		}
	}()

	for {
		timeout := w.nextTimerDelay()

		select {
		case <-w.stopCh:
			w.drainOnStop()
			return
		case job := <-w.urgentCh:
			w.runOrSkip(job)
			w.drainUrgent()
		case job := <-w.normalCh:
			w.runOrSkip(job)
			w.drainUrgent()
		case <-time.After(timeout):
			w.fireTimers()
		}
	}
}

// drainUrgent fully empties the urgent queue between every normal-queue job,
// per spec §4.1.
func (w *Worker) drainUrgent() {
	for {
		select {
		case job := <-w.urgentCh:
			w.runOrSkip(job)
		default:
			return
		}
	}
}

func (w *Worker) drainOnStop() {
	for {
		select {
		case job := <-w.urgentCh:
			job.complete(false)
		case job := <-w.normalCh:
			job.complete(false)
		default:
			return
		}
	}
}

func (w *Worker) runOrSkip(job *Job) {
	if w.discarding.Load() && !job.urgent {
		job.complete(false)
		return
	}
	prev := w.inLoop.Swap(true)
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("job panicked")
			}
		}()
		job.Fn()
	}()
	w.inLoop.Store(prev) // an inline nested run leaves the outer job's flag set
	job.complete(true)
}

// Post submits a fire-and-forget job. Safe from any goroutine.
func (w *Worker) Post(job *Job) {
	if job.urgent {
		w.urgentCh <- job
		return
	}
	w.normalCh <- job
}

// ErrQueueFull-style signal: SendSync returns false on timeout without a
// distinct error type, matching spec §7's "caller decides" resource-error
// policy for a full queue — the caller's timeout expiring is the same
// observable outcome as the queue being persistently full.

// SendSync submits job and waits up to timeout for it to run (timeout<=0
// waits forever). If called from the worker's own loop goroutine it runs
// inline immediately, preventing the self-deadlock spec §4.1 calls out.
// Returns whether the job actually executed.
func (w *Worker) SendSync(job *Job, timeout time.Duration) bool {
	if w.inLoop.Load() {
		job.sync = false // inline execution needs no completion channel
		w.runOrSkip(job)
		return job.success
	}

	if timeout <= 0 {
		w.Post(job)
		return job.Wait()
	}

	// One deadline covers both enqueueing and running, so a full queue also
	// ends in false once timeout expires.
	deadline := time.After(timeout)
	queue := w.normalCh
	if job.urgent {
		queue = w.urgentCh
	}
	select {
	case queue <- job:
	case <-deadline:
		return false
	}
	select {
	case <-job.done:
		return job.success
	case <-deadline:
		return false
	}
}

// BeginDiscarding puts the worker into a state where queued non-urgent jobs
// are skipped (but still completed, so sync waiters unblock) until
// EndDiscarding is called. Used during endpoint quiesce/teardown (spec §3).
func (w *Worker) BeginDiscarding() {
	w.discarding.Store(true)
}

// EndDiscarding exits the discarding state (spec §4.1's "UnlockQueue" job).
func (w *Worker) EndDiscarding() {
	w.discarding.Store(false)
}

// AddTimer schedules fn to run on the loop goroutine after interval elapses.
// If repeat is true it re-arms itself after each fire.
func (w *Worker) AddTimer(interval time.Duration, repeat bool, fn func()) *Timer {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	w.nextID++
	t := &Timer{
		id:       w.nextID,
		interval: interval,
		repeat:   repeat,
		fn:       fn,
		next:     time.Now().Add(interval),
		w:        w,
	}
	w.timers = append(w.timers, t)
	w.sortTimersLocked()

	// Wake an idle loop so it recomputes its wait against the new timer; if
	// the urgent queue is full the loop is about to wake anyway.
	select {
	case w.urgentCh <- NewAsyncJob(func() {}).Urgent():
	default:
	}
	return t
}

func (w *Worker) sortTimersLocked() {
	sort.Slice(w.timers, func(i, j int) bool { return w.timers[i].next.Before(w.timers[j].next) })
}

func (w *Worker) cancelTimer(id int64) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	w.blackList[id] = struct{}{}
	for i, t := range w.timers {
		if t.id == id {
			w.timers = append(w.timers[:i], w.timers[i+1:]...)
			break
		}
	}
}

func (w *Worker) resetTimer(id int64) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	for _, t := range w.timers {
		if t.id == id {
			t.next = time.Now().Add(t.interval)
		}
	}
	w.sortTimersLocked()
}

// nextTimerDelay returns how long the loop should block before the nearest
// timer expiry, per spec §4.1 step (1).
func (w *Worker) nextTimerDelay() time.Duration {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if len(w.timers) == 0 {
		return time.Hour // effectively "wait for a job"; re-evaluated every wake
	}
	d := time.Until(w.timers[0].next)
	if d < 0 {
		return 0
	}
	return d
}

// fireTimers runs every timer whose expiry has passed, in expiry order,
// skipping any that were cancelled (black-listed) during this very pass —
// this is what lets a timer safely cancel a sibling or itself from inside
// its own callback (spec §4.1).
func (w *Worker) fireTimers() {
	now := time.Now()

	w.timerMu.Lock()
	due := make([]*Timer, 0, len(w.timers))
	for len(w.timers) > 0 && !w.timers[0].next.After(now) {
		due = append(due, w.timers[0])
		w.timers = w.timers[1:]
	}
	w.timerMu.Unlock()

	for _, t := range due {
		w.timerMu.Lock()
		_, cancelled := w.blackList[t.id]
		w.timerMu.Unlock()
		if cancelled {
			continue
		}

		w.inLoop.Store(true)
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error().Interface("panic", r).Msg("timer callback panicked")
				}
			}()
			t.fn()
		}()
		w.inLoop.Store(false)

		w.timerMu.Lock()
		_, cancelled = w.blackList[t.id]
		if !cancelled && t.repeat {
			t.next = time.Now().Add(t.interval)
			w.timers = append(w.timers, t)
			w.sortTimersLocked()
		} else {
			delete(w.blackList, t.id)
		}
		w.timerMu.Unlock()
	}
}
