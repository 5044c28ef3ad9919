// Package queue is the asynchronous work substrate for the ingestion
// pipeline and its post-hooks. Queues are named, bounded, persistent
// across restarts, and strictly FIFO per session key.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/types"
)

// Well-known queue names.
const (
	QueueIngest            = "ingest"
	QueuePreprocess        = "preprocess"
	QueueConversationTitle = "conversation-title"
	QueueSessionCompaction = "session-compaction"
	QueueLabelAssignment   = "label-assignment"
	QueueTitleGeneration   = "title-generation"
	QueueIntegrationRun    = "integration-run"
)

// KV buckets used by the substrate.
const (
	jobsBucket       = "queue:jobs"
	dedupBucket      = "queue:dedup"
	deadLetterBucket = "queue:dead"
)

// Job is one unit of queued work. Jobs sharing a non-empty SessionKey run
// strictly in enqueue order, one at a time.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	SessionKey     string          `json:"sessionKey,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Attempts       int             `json:"attempts"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	RunAt          time.Time       `json:"runAt"`
	LastError      string          `json:"lastError,omitempty"`
}

// Handler processes one job. A nil return completes the job; a retryable
// error reschedules it with backoff; a final error dead-letters it.
type Handler func(ctx context.Context, job *Job) error

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	Queue          string
	SessionKey     string
	IdempotencyKey string
	Payload        any
	// Delay defers the first run.
	Delay time.Duration
}

// Manager owns every queue. Handlers are registered before Start; Enqueue
// is safe from any goroutine afterwards.
type Manager struct {
	cfg config.QueueConfig
	kv  types.KeyValueStore

	mu      sync.Mutex
	queues  map[string]*workQueue
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type workQueue struct {
	name     string
	settings config.QueueSettings
	handler  Handler

	mu       sync.Mutex
	pending  []*Job
	inFlight map[string]bool // session keys currently executing
	running  int
	wake     chan struct{}
}

// NewManager creates a queue manager persisting job state in kv.
func NewManager(cfg config.QueueConfig, kv types.KeyValueStore) *Manager {
	return &Manager{
		cfg:    cfg,
		kv:     kv,
		queues: make(map[string]*workQueue),
	}
}

// Register binds a handler to a queue name. Must precede Start.
func (m *Manager) Register(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		panic("queue: Register after Start")
	}
	m.queues[name] = &workQueue{
		name:     name,
		settings: m.cfg.Settings(name),
		handler:  handler,
		inFlight: make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches one dispatcher per registered queue.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, q := range m.queues {
		m.wg.Add(1)
		go m.dispatch(ctx, q)
	}
	logging.Queue("Queue manager started with %d queues", len(m.queues))
}

// Stop drains dispatchers and waits for in-flight jobs to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	logging.Queue("Queue manager stopped")
}

// Enqueue adds a job. Returns ErrQueueFull at the depth bound; a duplicate
// idempotency key within the dedup window is dropped and returns (nil, nil).
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	m.mu.Lock()
	q, ok := m.queues[req.Queue]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("queue: unknown queue %q", req.Queue)
	}

	if req.IdempotencyKey != "" {
		dup, err := m.checkDedup(ctx, req.Queue, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if dup {
			logging.QueueDebug("Dropped duplicate job on %s (key=%s)", req.Queue, req.IdempotencyKey)
			return nil, nil
		}
	}

	var payload json.RawMessage
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("queue: failed to marshal payload: %w", err)
		}
		payload = raw
	}

	now := time.Now().UTC()
	job := &Job{
		ID:             uuid.NewString(),
		Queue:          req.Queue,
		SessionKey:     req.SessionKey,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        payload,
		EnqueuedAt:     now,
		RunAt:          now.Add(req.Delay),
	}

	q.mu.Lock()
	if q.settings.MaxDepth > 0 && len(q.pending)+q.running >= q.settings.MaxDepth {
		q.mu.Unlock()
		return nil, types.ErrQueueFull
	}
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	if err := m.persist(ctx, job); err != nil {
		logging.Get(logging.CategoryQueue).Warn("Failed to persist job %s: %v", job.ID, err)
	}
	q.signal()

	logging.QueueDebug("Enqueued job %s on %s (session=%s, delay=%s)",
		job.ID, job.Queue, job.SessionKey, req.Delay)
	return job, nil
}

// Depth returns the number of waiting plus running jobs on a queue.
func (m *Manager) Depth(name string) int {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.running
}

// Recover reloads persisted jobs after a restart. Jobs that were running
// when the process died simply run again; handlers are idempotent.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	m.mu.Lock()
	queues := make([]*workQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	recovered := 0
	for _, q := range queues {
		entries, err := m.kv.List(ctx, jobsBucket, q.name+"/")
		if err != nil {
			return recovered, fmt.Errorf("queue: failed to list persisted jobs: %w", err)
		}
		var jobs []*Job
		for key, raw := range entries {
			var job Job
			if err := json.Unmarshal(raw, &job); err != nil {
				logging.Get(logging.CategoryQueue).Warn("Dropping corrupt persisted job %s: %v", key, err)
				_ = m.kv.Delete(ctx, jobsBucket, key)
				continue
			}
			jobs = append(jobs, &job)
		}
		// Enqueue order is what per-session FIFO replays.
		sortJobsByEnqueue(jobs)

		q.mu.Lock()
		q.pending = append(q.pending, jobs...)
		q.mu.Unlock()
		q.signal()
		recovered += len(jobs)
	}
	if recovered > 0 {
		logging.Queue("Recovered %d persisted jobs", recovered)
	}
	return recovered, nil
}

// DeadLetters lists dead-lettered jobs for a queue.
func (m *Manager) DeadLetters(ctx context.Context, queueName string) ([]Job, error) {
	entries, err := m.kv.List(ctx, deadLetterBucket, queueName+"/")
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(entries))
	for _, raw := range entries {
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	sortJobsInPlace(out)
	return out, nil
}

// RetryDeadLetter moves one dead-lettered job back onto its queue with a
// fresh attempt budget.
func (m *Manager) RetryDeadLetter(ctx context.Context, queueName, jobID string) error {
	key := queueName + "/" + jobID
	raw, err := m.kv.Get(ctx, deadLetterBucket, key)
	if err != nil {
		return err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("queue: corrupt dead-letter entry: %w", err)
	}

	m.mu.Lock()
	q, ok := m.queues[queueName]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue: unknown queue %q", queueName)
	}

	job.Attempts = 0
	job.LastError = ""
	job.RunAt = time.Now().UTC()

	q.mu.Lock()
	q.pending = append(q.pending, &job)
	q.mu.Unlock()

	if err := m.persist(ctx, &job); err != nil {
		return err
	}
	if err := m.kv.Delete(ctx, deadLetterBucket, key); err != nil {
		return err
	}
	q.signal()
	logging.Queue("Dead-lettered job %s requeued on %s", jobID, queueName)
	return nil
}

// checkDedup records the idempotency key and reports whether it was already
// seen inside the window.
func (m *Manager) checkDedup(ctx context.Context, queueName, key string) (bool, error) {
	dedupKey := queueName + "/" + key
	raw, err := m.kv.Get(ctx, dedupBucket, dedupKey)
	if err == nil {
		var seen time.Time
		if t, perr := time.Parse(time.RFC3339Nano, string(raw)); perr == nil {
			seen = t
		}
		if time.Since(seen) < m.cfg.DedupWindow {
			return true, nil
		}
	} else if !errors.Is(err, types.ErrNotFound) {
		return false, err
	}
	return false, m.kv.Put(ctx, dedupBucket, dedupKey,
		[]byte(time.Now().UTC().Format(time.RFC3339Nano)))
}

func (m *Manager) persist(ctx context.Context, job *Job) error {
	raw, err := jobJSON(job)
	if err != nil {
		return err
	}
	return m.kv.Put(ctx, jobsBucket, job.Queue+"/"+job.ID, raw)
}

func jobJSON(job *Job) ([]byte, error) {
	return json.Marshal(job)
}

// settle ends a job's execution slot. With requeue the job is first put
// back at its enqueue-order position, before its session unblocks: later
// jobs of the session stay behind a backing-off job, and next() sees its
// future RunAt and keeps the session blocked through the delay.
func (q *workQueue) settle(job *Job, requeue bool) {
	q.mu.Lock()
	if requeue {
		q.pending = insertByEnqueue(q.pending, job)
	}
	if job.SessionKey != "" {
		delete(q.inFlight, job.SessionKey)
	}
	q.running--
	q.mu.Unlock()
}

// insertByEnqueue returns pending with job placed in EnqueuedAt order.
func insertByEnqueue(pending []*Job, job *Job) []*Job {
	i := len(pending)
	for i > 0 && job.EnqueuedAt.Before(pending[i-1].EnqueuedAt) {
		i--
	}
	pending = append(pending, nil)
	copy(pending[i+1:], pending[i:])
	pending[i] = job
	return pending
}

func (q *workQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func sortJobsByEnqueue(jobs []*Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].EnqueuedAt.Before(jobs[j-1].EnqueuedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

func sortJobsInPlace(jobs []Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].EnqueuedAt.Before(jobs[j-1].EnqueuedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}
