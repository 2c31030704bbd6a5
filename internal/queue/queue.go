// Package queue is the durable delayed work queue shared by the api and worker processes.
//
// Jobs are identified by kind and reference, so enqueueing the same job twice collapses
// into one entry (the later run-at wins). A claimed job is leased, not removed: if the
// worker dies before Ack, the job becomes due again when the lease expires.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindProcessEvent Kind = "process-event"
	KindMigrate      Kind = "migrate"
	KindCleanup      Kind = "cleanup"
)

// Job references the row a handler must load; it carries no payload of its own.
type Job struct {
	Kind Kind
	Ref  string
}

func (j Job) String() string { return string(j.Kind) + ":" + j.Ref }

// ParseJob is the inverse of Job.String.
func ParseJob(member string) (Job, error) {
	kind, ref, ok := strings.Cut(member, ":")
	if !ok || kind == "" || ref == "" {
		return Job{}, fmt.Errorf("queue: malformed job %q", member)
	}
	return Job{Kind: Kind(kind), Ref: ref}, nil
}

// Queue is the work queue contract.
type Queue interface {
	// Enqueue schedules job to become due at runAt, replacing any existing schedule.
	Enqueue(ctx context.Context, job Job, runAt time.Time) error

	// Claim leases the earliest due job until now+lease. ok=false when nothing is due.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (job Job, ok bool, err error)

	// Ack removes a finished job.
	Ack(ctx context.Context, job Job) error

	Depth(ctx context.Context) (int64, error)
}
