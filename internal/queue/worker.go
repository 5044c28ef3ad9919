package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"engram/internal/logging"
	"engram/internal/types"
)

// idlePoll bounds how long a dispatcher sleeps with no due work. Delayed
// jobs wake it earlier through the computed wait.
const idlePoll = 5 * time.Second

// dispatch is the per-queue scheduling loop. It pops due jobs whose session
// is not already executing and hands them to workers bounded by the
// queue's concurrency.
func (m *Manager) dispatch(ctx context.Context, q *workQueue) {
	defer m.wg.Done()

	concurrency := q.settings.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	for {
		job, wait := q.next(time.Now().UTC())
		if job != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Shutting down; push the job back for recovery on restart.
				q.settle(job, true)
				return
			}
			m.wg.Add(1)
			go func(job *Job) {
				defer m.wg.Done()
				defer sem.Release(1)
				m.run(ctx, q, job)
			}(job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-time.After(wait):
		}
	}
}

// next pops the first due, unblocked job. A session whose earlier job is
// delayed or executing blocks its later jobs, preserving per-session order.
// When nothing is runnable it returns how long to wait.
func (q *workQueue) next(now time.Time) (*Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wait := idlePoll
	blocked := make(map[string]bool)
	for i, job := range q.pending {
		if job.SessionKey != "" {
			if q.inFlight[job.SessionKey] || blocked[job.SessionKey] {
				blocked[job.SessionKey] = true
				continue
			}
		}
		if job.RunAt.After(now) {
			if d := job.RunAt.Sub(now); d < wait {
				wait = d
			}
			if job.SessionKey != "" {
				blocked[job.SessionKey] = true
			}
			continue
		}

		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		if job.SessionKey != "" {
			q.inFlight[job.SessionKey] = true
		}
		q.running++
		return job, 0
	}
	return nil, wait
}

// run executes one job and settles its outcome: complete, retry with
// backoff, or dead-letter. The job's session stays blocked until the
// outcome is settled, so a retrying job cannot be overtaken by later jobs
// of its session.
func (m *Manager) run(ctx context.Context, q *workQueue, job *Job) {
	timer := logging.StartTimer(logging.CategoryQueue, "run:"+q.name)
	defer timer.StopWithThreshold(time.Second)
	defer q.signal()

	job.Attempts++
	err := q.handler(ctx, job)

	if err == nil {
		q.settle(job, false)
		if derr := m.kv.Delete(ctx, jobsBucket, job.Queue+"/"+job.ID); derr != nil {
			logging.Get(logging.CategoryQueue).Warn("Failed to clear completed job %s: %v", job.ID, derr)
		}
		logging.QueueDebug("Job %s on %s completed (attempt %d)", job.ID, q.name, job.Attempts)
		return
	}
	if ctx.Err() != nil {
		// Shutdown raced the job; leave it persisted for recovery.
		q.settle(job, false)
		return
	}

	job.LastError = err.Error()

	maxAttempts := q.settings.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if !types.IsRetryable(err) || job.Attempts >= maxAttempts {
		q.settle(job, false)
		m.deadLetter(ctx, q, job, err)
		return
	}

	delay := retryDelay(q.settings.BaseDelay, q.settings.MaxDelay, job.Attempts)
	job.RunAt = time.Now().UTC().Add(delay)
	if perr := m.persist(ctx, job); perr != nil {
		logging.Get(logging.CategoryQueue).Warn("Failed to persist retry for job %s: %v", job.ID, perr)
	}
	q.settle(job, true)

	logging.Queue("Job %s on %s failed (attempt %d/%d), retrying in %s: %v",
		job.ID, q.name, job.Attempts, maxAttempts, delay, err)
}

// deadLetter parks a job that is out of attempts or failed terminally.
func (m *Manager) deadLetter(ctx context.Context, q *workQueue, job *Job, cause error) {
	logging.Get(logging.CategoryQueue).Error("Job %s on %s dead-lettered after %d attempts: %v",
		job.ID, q.name, job.Attempts, cause)

	raw, err := jobJSON(job)
	if err == nil {
		if perr := m.kv.Put(ctx, deadLetterBucket, job.Queue+"/"+job.ID, raw); perr != nil {
			logging.Get(logging.CategoryQueue).Error("Failed to write dead letter for %s: %v", job.ID, perr)
		}
	}
	if derr := m.kv.Delete(ctx, jobsBucket, job.Queue+"/"+job.ID); derr != nil {
		logging.Get(logging.CategoryQueue).Warn("Failed to clear dead job %s: %v", job.ID, derr)
	}
}

// retryDelay computes the backoff for the given completed attempt count.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = time.Minute
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.2
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > max {
		d = max
	}
	return d
}
