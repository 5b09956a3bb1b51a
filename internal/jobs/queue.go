package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
	"github.com/MimeLyc/media-pipeline/internal/metrics"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

// Handler processes one job. A returned error or a panic marks the job failed.
type Handler func(ctx context.Context, payload Payload, job *Job) error

// Notifier is told about every job that reaches a terminal status.
type Notifier interface {
	Notify(ctx context.Context, job *Job) error
}

const storeOpTimeout = 10 * time.Second

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workerCount = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.jobTimeout = d
		}
	}
}

// WithVisibilityTimeout sets how long an active job may go untouched before
// it is handed to another worker.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibilityTimeout = d
		}
	}
}

// WithMaxCompleted bounds the number of completed jobs kept in the store.
func WithMaxCompleted(n int) Option {
	return func(q *Queue) {
		q.maxCompleted = n
	}
}

func WithNotifier(n Notifier) Option {
	return func(q *Queue) {
		q.notifier = n
	}
}

type Queue struct {
	workerCount       int
	pollInterval      time.Duration
	jobTimeout        time.Duration
	visibilityTimeout time.Duration
	maxCompleted      int
	store             Store
	notifier          Notifier

	mu       sync.RWMutex
	handlers map[Kind]Handler
	started  bool

	wake       chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
	wg         sync.WaitGroup
}

func NewQueue(store Store, opts ...Option) *Queue {
	jobsCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		workerCount:       1,
		pollInterval:      time.Second,
		jobTimeout:        10 * time.Minute,
		visibilityTimeout: 30 * time.Minute,
		maxCompleted:      1000,
		store:             store,
		handlers:          make(map[Kind]Handler),
		wake:              make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		jobsCtx:           jobsCtx,
		cancelJobs:        cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RegisterHandler binds the handler for kind. Each kind takes exactly one handler.
func (q *Queue) RegisterHandler(kind Kind, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler for %s is nil", kind)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[kind]; exists {
		return fmt.Errorf("handler for %s already registered", kind)
	}
	q.handlers[kind] = h
	return nil
}

// Enqueue persists a new job and returns it. The job is durable once
// Enqueue returns without error.
func (q *Queue) Enqueue(ctx context.Context, payload Payload, priority Priority) (*Job, error) {
	if err := ValidatePayload(payload); err != nil {
		return nil, apperr.Wrap(err, apperr.Validation, "invalid job payload")
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      payload.Kind(),
		Payload:   payload,
		Priority:  priority,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return nil, apperr.Wrap(err, apperr.BackendUnavailable, "enqueue job").WithContext("kind", job.Kind)
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(string(job.Kind), priority.String()).Inc()
	log.Debug("Enqueued job %s kind=%s priority=%s", job.ID, job.Kind, priority)
	q.signal()
	return cloneJob(job), nil
}

// RetryFailed moves every failed job back to queued with its original
// id, kind, payload and priority.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	return q.requeueFailed(ctx, RequeueFilter{})
}

// RetryFailedKind requeues failed jobs of one kind at the given priority.
func (q *Queue) RetryFailedKind(ctx context.Context, kind Kind, priority Priority) (int, error) {
	return q.requeueFailed(ctx, RequeueFilter{Kind: kind, Priority: &priority})
}

func (q *Queue) requeueFailed(ctx context.Context, filter RequeueFilter) (int, error) {
	n, err := q.store.RequeueFailed(ctx, filter, time.Now())
	if err != nil {
		return 0, apperr.Wrap(err, apperr.BackendUnavailable, "requeue failed jobs")
	}
	if n > 0 {
		metrics.JobsRequeuedTotal.WithLabelValues("retry").Add(float64(n))
		log.Info("Requeued %d failed jobs", n)
		q.signal()
	}
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

func (q *Queue) List(ctx context.Context, status Status) ([]*Job, error) {
	return q.store.ListJobs(ctx, status)
}

// Start recovers jobs abandoned by dead workers and launches the worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	q.maintain(ctx)

	for i := range q.workerCount {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.maintenanceLoop()

	log.Info("Job queue started with %d workers", q.workerCount)
	return nil
}

// Shutdown stops dispatching, waits for in-flight handlers until ctx is done,
// then closes the store. Handlers still running at the deadline are cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Shutdown deadline reached, cancelling in-flight jobs")
		q.cancelJobs()
		waitErr = ctx.Err()
	}
	q.cancelJobs()

	if err := q.store.Close(); err != nil {
		return apperr.Wrap(err, apperr.BackendUnavailable, "close job store")
	}
	return waitErr
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) stopped() bool {
	select {
	case <-q.stopCh:
		return true
	default:
		return false
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		if q.stopped() {
			return
		}

		job, err := q.claim()
		if err != nil {
			log.Error("Worker %d failed to claim job: %v", id, err)
		}
		if job != nil {
			q.run(job)
			continue
		}

		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) claim() (*Job, error) {
	ctx, cancel := context.WithTimeout(q.jobsCtx, storeOpTimeout)
	defer cancel()
	return q.store.ClaimNext(ctx, time.Now())
}

func (q *Queue) run(job *Job) {
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	start := time.Now()
	err := q.execute(job)
	elapsed := time.Since(start)

	job.UpdatedAt = time.Now()
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		log.Error("Job %s (%s) failed after %s: %v", job.ID, job.Kind, elapsed, err)
	} else {
		job.Status = StatusCompleted
		job.Error = ""
		log.Debug("Job %s (%s) completed in %s", job.ID, job.Kind, elapsed)
	}

	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(elapsed.Seconds())
	metrics.JobsProcessedTotal.WithLabelValues(string(job.Kind), string(job.Status)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := q.store.UpdateJob(ctx, job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
	if q.notifier != nil {
		if err := q.notifier.Notify(ctx, cloneJob(job)); err != nil {
			log.Warn("Failed to publish job %s event: %v", job.ID, err)
		}
	}
}

func (q *Queue) execute(job *Job) error {
	q.mu.RLock()
	h, ok := q.handlers[job.Kind]
	q.mu.RUnlock()
	if !ok {
		return apperr.Newf(apperr.Validation, "no handler registered for %s", job.Kind)
	}

	ctx, cancel := context.WithTimeout(q.jobsCtx, q.jobTimeout)
	defer cancel()
	return apperr.SafeExecute(func() error {
		return h(ctx, job.Payload, cloneJob(job))
	})
}

func (q *Queue) maintenanceLoop() {
	defer q.wg.Done()

	interval := q.visibilityTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.maintain(q.jobsCtx)
		}
	}
}

// maintain requeues jobs whose worker went away and prunes old completed jobs.
func (q *Queue) maintain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	now := time.Now()
	n, err := q.store.RequeueStale(ctx, now.Add(-q.visibilityTimeout), now)
	if err != nil {
		log.Error("Failed to requeue stale jobs: %v", err)
	} else if n > 0 {
		metrics.JobsRequeuedTotal.WithLabelValues("stale").Add(float64(n))
		log.Warn("Requeued %d jobs abandoned by their worker", n)
		q.signal()
	}

	if q.maxCompleted > 0 {
		if pruned, err := q.store.PruneCompleted(ctx, q.maxCompleted); err != nil {
			log.Error("Failed to prune completed jobs: %v", err)
		} else if pruned > 0 {
			log.Debug("Pruned %d completed jobs", pruned)
		}
	}
}
