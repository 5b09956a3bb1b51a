package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned by Store.GetJob for unknown ids.
var ErrJobNotFound = errors.New("job not found")

// RequeueFilter narrows RequeueFailed. Zero values match every failed job and
// keep its priority.
type RequeueFilter struct {
	Kind     Kind
	Priority *Priority
}

// Store persists jobs durably. Implementations must make ClaimNext atomic so
// one queued job is handed to exactly one caller, even across processes.
type Store interface {
	InsertJob(ctx context.Context, job *Job) error
	// ClaimNext marks the oldest queued job of the highest priority active,
	// increments its attempts and returns it. It returns nil when nothing is queued.
	ClaimNext(ctx context.Context, now time.Time) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListJobs returns jobs with the given status, or all jobs when status is empty.
	ListJobs(ctx context.Context, status Status) ([]*Job, error)
	RequeueFailed(ctx context.Context, filter RequeueFilter, now time.Time) (int, error)
	// RequeueStale returns active jobs last touched before olderThan to queued.
	RequeueStale(ctx context.Context, olderThan, now time.Time) (int, error)
	// PruneCompleted deletes all but the keep most recent completed jobs.
	PruneCompleted(ctx context.Context, keep int) (int, error)
	Close() error
}
