package router

import (
	"context"
	"sync"
	"time"

	"github.com/driftlock/drover/internal/spawn"
)

// spawnJob is one pending launch. done is closed after the spawn attempt
// finished and any registered spawn callbacks ran; it does not wait for the
// remote session itself.
type spawnJob struct {
	agentID    string
	taskCtx    spawn.TaskContext
	enqueuedAt time.Time

	once sync.Once
	done chan struct{}
}

// Done returns a channel closed once the job's spawn attempt (and its
// callbacks) completed.
func (j *spawnJob) Done() <-chan struct{} { return j.done }

func (j *spawnJob) finish() {
	j.once.Do(func() { close(j.done) })
}

// spawnQueue serializes spawn invocations: an in-memory FIFO drained by a
// single worker loop with a fixed inter-spawn delay. Sessions run
// concurrently once launched; only the act of launching is serialized, which
// rate-limits the substrate and keeps spawn order fair.
type spawnQueue struct {
	mu      sync.Mutex
	jobs    []*spawnJob
	wake    chan struct{}
	delay   time.Duration
	execute func(ctx context.Context, job *spawnJob)

	wg sync.WaitGroup
}

func newSpawnQueue(delay time.Duration, execute func(ctx context.Context, job *spawnJob)) *spawnQueue {
	return &spawnQueue{
		wake:    make(chan struct{}, 1),
		delay:   delay,
		execute: execute,
	}
}

// enqueue appends a job and returns it so callers can wait on Done.
func (q *spawnQueue) enqueue(agentID string, taskCtx spawn.TaskContext) *spawnJob {
	job := &spawnJob{
		agentID:    agentID,
		taskCtx:    taskCtx,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job
}

func (q *spawnQueue) pop() *spawnJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job
}

func (q *spawnQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// start launches the single drainer goroutine. On context cancellation any
// jobs still queued are finished unexecuted so waiters unblock.
func (q *spawnQueue) start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			job := q.pop()
			if job == nil {
				select {
				case <-ctx.Done():
					return
				case <-q.wake:
					continue
				}
			}

			select {
			case <-ctx.Done():
				job.finish()
				q.drainRemaining()
				return
			default:
			}

			q.execute(ctx, job)
			job.finish()

			// Inter-spawn pacing. Skipped when shutting down.
			if q.delay > 0 {
				select {
				case <-ctx.Done():
					q.drainRemaining()
					return
				case <-time.After(q.delay):
				}
			}
		}
	}()
}

func (q *spawnQueue) drainRemaining() {
	for {
		job := q.pop()
		if job == nil {
			return
		}
		job.finish()
	}
}

// wait blocks until the drainer goroutine exits.
func (q *spawnQueue) wait() {
	q.wg.Wait()
}
