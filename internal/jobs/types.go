package jobs

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindCreateImageFinger Kind = "create_image_finger"
	KindImport            Kind = "import"
	KindFacesFind         Kind = "faces_find"
	KindRetryUnknown      Kind = "retry_unknown"
	KindUpgradeCheck      Kind = "upgrade_check"
)

// Kinds lists every job kind the pipeline knows about.
var Kinds = []Kind{
	KindCreateImageFinger,
	KindImport,
	KindFacesFind,
	KindRetryUnknown,
	KindUpgradeCheck,
}

// Priority is a two-level ordering: normal jobs are drained before low ones.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Job struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Payload   Payload   `json:"payload"`
	Priority  Priority  `json:"priority"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	return &tmp
}
