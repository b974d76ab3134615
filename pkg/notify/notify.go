// Package notify fans job status snapshots out to interested observers.
//
// Delivery is at-most-once and best-effort. Subscribers that fall behind or
// disconnect miss updates; the durable job record stays the source of truth.
package notify

import (
	"context"
	"time"

	"github.com/3leaps/gotrainer/pkg/jobregistry"
)

// Event types. Job topic subscribers receive job_update; user topic
// subscribers receive the same snapshot as job_status.
const (
	EventJobUpdate = "job_update"
	EventJobStatus = "job_status"
)

// Event is one status snapshot for a job.
type Event struct {
	Type   string                `json:"type"`
	JobID  string                `json:"job_id"`
	UserID string                `json:"user_id,omitempty"`
	Job    jobregistry.JobRecord `json:"job"`
	At     time.Time             `json:"timestamp"`
}

// NewJobEvent builds a job_update event from a record.
func NewJobEvent(rec jobregistry.JobRecord) Event {
	return Event{
		Type:   EventJobUpdate,
		JobID:  rec.JobID,
		UserID: rec.UserID,
		Job:    rec,
		At:     time.Now().UTC(),
	}
}

// Publisher accepts events for delivery. Publish must not block on slow
// consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event)

func (f PublisherFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Multi publishes to every non-nil publisher in order.
func Multi(pubs ...Publisher) Publisher {
	out := make([]Publisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return multi(out)
}

type multi []Publisher

func (m multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) {})

func JobTopic(jobID string) string { return "job:" + jobID }

func UserTopic(userID string) string { return "user:" + userID }
