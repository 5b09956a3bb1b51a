// Package bus publishes job lifecycle events to NATS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
	"github.com/MimeLyc/media-pipeline/internal/jobs"
)

// DefaultSubject prefixes every job event subject.
const DefaultSubject = "media.jobs"

// JobEvent is published when a job completes or fails.
type JobEvent struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Status   string    `json:"status"`
	Priority string    `json:"priority"`
	File     string    `json:"file,omitempty"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// NewJobEvent describes job for subscribers.
func NewJobEvent(job *jobs.Job) JobEvent {
	ev := JobEvent{
		ID:       job.ID,
		Kind:     string(job.Kind),
		Status:   string(job.Status),
		Priority: job.Priority.String(),
		Error:    job.Error,
		Attempts: job.Attempts,
		At:       job.UpdatedAt,
	}
	switch p := job.Payload.(type) {
	case jobs.CreateImageFinger:
		ev.File = p.File
	case jobs.Import:
		ev.File = p.File
	case jobs.FacesFind:
		ev.File = p.File
	}
	return ev
}

// Subject is <prefix>.<kind>.<status>.
func Subject(prefix string, job *jobs.Job) string {
	return fmt.Sprintf("%s.%s.%s", prefix, job.Kind, job.Status)
}

type Publisher struct {
	nc      *nats.Conn
	subject string
}

func Connect(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.BackendUnavailable, "connect to nats").WithContext("url", url)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{nc: nc, subject: subject}, nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

func (p *Publisher) Conn() *nats.Conn { return p.nc }

func (p *Publisher) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject, b)
}

// Notify implements jobs.Notifier.
func (p *Publisher) Notify(_ context.Context, job *jobs.Job) error {
	return p.PublishJSON(Subject(p.subject, job), NewJobEvent(job))
}
