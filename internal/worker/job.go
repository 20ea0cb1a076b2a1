package worker

import "sync"

// Job is a tagged closure delivered through a Worker's queue (spec §4.1).
// Async jobs are fire-and-forget; sync jobs carry a completion signal the
// submitter waits on.
type Job struct {
	Fn      func()
	urgent  bool
	sync    bool
	done    chan struct{}
	once    sync.Once
	success bool
}

// NewAsyncJob wraps fn as a fire-and-forget job.
func NewAsyncJob(fn func()) *Job {
	return &Job{Fn: fn}
}

// NewSyncJob wraps fn as a job whose submitter blocks until it runs (or is
// discarded).
func NewSyncJob(fn func()) *Job {
	return &Job{Fn: fn, sync: true, done: make(chan struct{})}
}

// Urgent marks the job for the urgent queue, which is drained to
// exhaustion between every normal-queue job (spec §4.1).
func (j *Job) Urgent() *Job {
	j.urgent = true
	return j
}

// complete records whether fn ran (false when the job was discarded) and
// unblocks any sync waiter exactly once; safe to call from the worker thread
// only. Running fn itself is the caller's job (Worker.runOrSkip).
func (j *Job) complete(ran bool) {
	j.success = ran
	if j.sync {
		j.once.Do(func() { close(j.done) })
	}
}

// Wait blocks until the job has been executed or discarded. It returns
// whether the job actually ran. Calling Wait on an async job is a no-op
// that returns true immediately.
func (j *Job) Wait() bool {
	if !j.sync {
		return true
	}
	<-j.done
	return j.success
}
