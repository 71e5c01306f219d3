package repository

import (
	"context"
	"sync"
	"time"
)

// job is a coalesced background task: calling Trigger while the task is
// already running, or already queued to run again, schedules at most one
// more run rather than piling up runs (spec.md §4.1/§4.6: "one scan/merge/
// prune/trash background job (each coalesced — at most one instance of
// each runs at a time)"). Adapted from the teacher's NotificationForwarder
// start/stop/single-flight shape (networking/handler/notifier.go), with
// Trigger standing in for its CheckForEvent.
type job struct {
	name string
	run  func(ctx context.Context) error
	log  logger

	wake chan struct{} // buffered 1; a pending send is the queued run

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newJob(name string, log logger, run func(ctx context.Context) error) *job {
	return &job{name: name, run: run, log: log, wake: make(chan struct{}, 1)}
}

// Start launches the job's goroutine, which sleeps until Trigger wakes it
// and exits once Stop cancels its context.
func (j *job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.loop(ctx, j.done)
}

// Stop cancels any in-flight run and waits for the goroutine to exit.
func (j *job) Stop() {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return
	}
	j.started = false
	cancel := j.cancel
	done := j.done
	j.mu.Unlock()

	cancel()
	<-done
}

// Trigger requests a run as soon as possible. A Trigger arriving while a
// run is already queued or in-flight is absorbed into that run — the
// buffered wake channel holds at most one pending signal.
func (j *job) Trigger() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *job) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.wake:
		}

		if err := j.run(ctx); err != nil && j.log != nil {
			j.log.Warn(j.name+" job failed", "error", err)
		}
	}
}

// logger is the minimal subset of log.Logger the job package needs,
// avoiding a hard dependency so tests can pass nil or a stub.
type logger interface {
	Warn(msg string, ctx ...interface{})
}

// periodic triggers j on a fixed interval until ctx is done, used for the
// GC/trash job (spec.md §4.1) which has no natural event to react to
// beyond "some time has passed."
func periodic(ctx context.Context, interval time.Duration, j *job) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.Trigger()
		}
	}
}
