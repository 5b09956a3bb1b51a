package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
)

type failingStore struct {
	*MemoryStore
	insertErr error
}

func (f *failingStore) InsertJob(ctx context.Context, job *Job) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.MemoryStore.InsertJob(ctx, job)
}

func newTestQueue(t *testing.T, store Store, opts ...Option) *Queue {
	t.Helper()
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	q := NewQueue(store, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func waitForStatus(t *testing.T, q *Queue, id string, status Status) *Job {
	t.Helper()
	var got *Job
	require.Eventually(t, func() bool {
		j, err := q.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == status
	}, time.Second, 10*time.Millisecond)
	return got
}

func TestQueue_Enqueue_PersistsBeforeReturn(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, store)

	job, err := q.Enqueue(context.Background(), FacesFind{Title: "a", File: "2020/a.jpg"}, PriorityLow)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stored.Status)
	assert.Equal(t, KindFacesFind, stored.Kind)
	assert.Equal(t, PriorityLow, stored.Priority)
	assert.Equal(t, FacesFind{Title: "a", File: "2020/a.jpg"}, stored.Payload)
}

func TestQueue_Enqueue_StoreFailureIsBackendUnavailable(t *testing.T) {
	q := newTestQueue(t, &failingStore{MemoryStore: NewMemoryStore(), insertErr: assert.AnError})

	_, err := q.Enqueue(context.Background(), UpgradeCheck{}, PriorityNormal)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.BackendUnavailable))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestQueue_Enqueue_RejectsInvalidPayload(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())

	_, err := q.Enqueue(context.Background(), CreateImageFinger{File: "/etc/passwd"}, PriorityNormal)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = q.Enqueue(context.Background(), nil, PriorityNormal)
	require.Error(t, err)
}

func TestQueue_RegisterHandler_RejectsDuplicate(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())
	noop := func(context.Context, Payload, *Job) error { return nil }

	require.NoError(t, q.RegisterHandler(KindImport, noop))
	require.Error(t, q.RegisterHandler(KindImport, noop))
	require.Error(t, q.RegisterHandler(KindFacesFind, nil))
}

func TestQueue_Worker_CompletesJob(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())
	var got Payload
	require.NoError(t, q.RegisterHandler(KindCreateImageFinger, func(_ context.Context, p Payload, job *Job) error {
		got = p
		assert.Equal(t, StatusActive, job.Status)
		return nil
	}))
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), CreateImageFinger{Title: "x", File: "2020/x.jpg"}, PriorityNormal)
	require.NoError(t, err)

	done := waitForStatus(t, q, job.ID, StatusCompleted)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, CreateImageFinger{Title: "x", File: "2020/x.jpg"}, got)
}

func TestQueue_FailedJob_RetryFailedPreservesJob(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())
	var mu sync.Mutex
	calls := 0
	require.NoError(t, q.RegisterHandler(KindFacesFind, func(context.Context, Payload, *Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return apperr.New(apperr.NotFound, "source missing")
		}
		return nil
	}))
	require.NoError(t, q.Start(context.Background()))

	payload := FacesFind{Title: "t", File: "2020/b.jpg"}
	job, err := q.Enqueue(context.Background(), payload, PriorityLow)
	require.NoError(t, err)

	failed := waitForStatus(t, q, job.ID, StatusFailed)
	assert.Contains(t, failed.Error, "source missing")

	n, err := q.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := waitForStatus(t, q, job.ID, StatusCompleted)
	assert.Equal(t, KindFacesFind, done.Kind)
	assert.Equal(t, payload, done.Payload)
	assert.Equal(t, PriorityLow, done.Priority)
	assert.Equal(t, 2, done.Attempts)
	assert.Empty(t, done.Error)

	all, err := q.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestQueue_PanickingHandlerFailsJob(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())
	require.NoError(t, q.RegisterHandler(KindImport, func(context.Context, Payload, *Job) error {
		panic("boom")
	}))
	require.NoError(t, q.RegisterHandler(KindUpgradeCheck, func(context.Context, Payload, *Job) error {
		return nil
	}))
	require.NoError(t, q.Start(context.Background()))

	bad, err := q.Enqueue(context.Background(), Import{File: "a.jpg"}, PriorityNormal)
	require.NoError(t, err)
	failed := waitForStatus(t, q, bad.ID, StatusFailed)
	assert.Contains(t, failed.Error, "boom")

	// the worker survives the panic
	good, err := q.Enqueue(context.Background(), UpgradeCheck{}, PriorityNormal)
	require.NoError(t, err)
	waitForStatus(t, q, good.ID, StatusCompleted)
}

func TestQueue_UnknownKindFails(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore())
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), RetryUnknown{}, PriorityNormal)
	require.NoError(t, err)
	failed := waitForStatus(t, q, job.ID, StatusFailed)
	assert.Contains(t, failed.Error, "no handler registered")
}

func TestQueue_NormalDrainedBeforeLow(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), WithWorkers(1))
	var mu sync.Mutex
	var order []string
	require.NoError(t, q.RegisterHandler(KindFacesFind, func(_ context.Context, p Payload, _ *Job) error {
		mu.Lock()
		order = append(order, p.(FacesFind).File)
		mu.Unlock()
		return nil
	}))

	ctx := context.Background()
	for _, item := range []struct {
		file string
		prio Priority
	}{
		{"low-1", PriorityLow},
		{"normal-1", PriorityNormal},
		{"low-2", PriorityLow},
		{"normal-2", PriorityNormal},
	} {
		_, err := q.Enqueue(ctx, FacesFind{File: item.file}, item.prio)
		require.NoError(t, err)
	}
	require.NoError(t, q.Start(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"normal-1", "normal-2", "low-1", "low-2"}, order)
}

func TestQueue_Start_RedeliversStaleActiveJobs(t *testing.T) {
	store := NewMemoryStore()
	old := time.Now().Add(-time.Hour)
	require.NoError(t, store.InsertJob(context.Background(), &Job{
		ID:        "crashed",
		Kind:      KindFacesFind,
		Payload:   FacesFind{File: "2020/a.jpg"},
		Status:    StatusActive,
		Attempts:  1,
		CreatedAt: old,
		UpdatedAt: old,
	}))

	q := newTestQueue(t, store, WithVisibilityTimeout(time.Minute))
	require.NoError(t, q.RegisterHandler(KindFacesFind, func(context.Context, Payload, *Job) error { return nil }))
	require.NoError(t, q.Start(context.Background()))

	done := waitForStatus(t, q, "crashed", StatusCompleted)
	assert.Equal(t, 2, done.Attempts)
}

func TestQueue_RetryFailedKind_OnlyMatchingKindAtNewPriority(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	for _, j := range []*Job{
		{ID: "f1", Kind: KindFacesFind, Payload: FacesFind{File: "a"}, Priority: PriorityNormal, Status: StatusFailed},
		{ID: "t1", Kind: KindCreateImageFinger, Payload: CreateImageFinger{File: "a"}, Priority: PriorityNormal, Status: StatusFailed},
	} {
		j.CreatedAt, j.UpdatedAt = now, now
		require.NoError(t, store.InsertJob(ctx, j))
	}
	q := newTestQueue(t, store)

	n, err := q.RetryFailedKind(ctx, KindFacesFind, PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f1, err := store.GetJob(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, f1.Status)
	assert.Equal(t, PriorityLow, f1.Priority)

	t1, err := store.GetJob(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, t1.Status)
}

func TestQueue_Shutdown_WaitsForInFlight(t *testing.T) {
	store := NewMemoryStore()
	q := NewQueue(store, WithPollInterval(10*time.Millisecond))
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.RegisterHandler(KindUpgradeCheck, func(context.Context, Payload, *Job) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, q.Start(context.Background()))
	job, err := q.Enqueue(context.Background(), UpgradeCheck{}, PriorityNormal)
	require.NoError(t, err)
	<-started

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdownErr <- q.Shutdown(ctx)
	}()

	select {
	case <-shutdownErr:
		t.Fatal("shutdown returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-shutdownErr)

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestQueue_Shutdown_DeadlineCancelsHandlers(t *testing.T) {
	q := NewQueue(NewMemoryStore(), WithPollInterval(10*time.Millisecond))
	started := make(chan struct{})
	require.NoError(t, q.RegisterHandler(KindUpgradeCheck, func(ctx context.Context, _ Payload, _ *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, q.Start(context.Background()))
	_, err := q.Enqueue(context.Background(), UpgradeCheck{}, PriorityNormal)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = q.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*Job
}

func (r *recordingNotifier) Notify(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func TestQueue_NotifiesTerminalJobs(t *testing.T) {
	n := &recordingNotifier{}
	q := newTestQueue(t, NewMemoryStore(), WithNotifier(n))
	require.NoError(t, q.RegisterHandler(KindRetryUnknown, func(context.Context, Payload, *Job) error { return nil }))
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), RetryUnknown{}, PriorityLow)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 10*time.Millisecond)
	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, StatusCompleted, n.jobs[0].Status)
}
