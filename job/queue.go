package job

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/emprops/relay/errors"
	"github.com/emprops/relay/event"
	"github.com/emprops/relay/store"
)

// CancelReason is written into the job record and the failure event when a
// client cancels a job.
const CancelReason = "Job cancelled by user"

// Queue is the admission pipeline: it persists submissions, scores them into
// the pending sorted set, and emits job_submitted through fan-out.
type Queue struct {
	store  *store.Store
	events chan<- event.Event
	logger *zap.SugaredLogger
}

// NewQueue wires the admission pipeline to the store and the fan-out channel
func NewQueue(st *store.Store, events chan<- event.Event, logger *zap.SugaredLogger) *Queue {
	return &Queue{store: st, events: events, logger: logger}
}

// Submit admits a job: assigns an id, persists the hash, scores it into the
// pending queue, and emits job_submitted. Store errors propagate to the
// caller; nothing is enqueued on failure.
func (q *Queue) Submit(ctx context.Context, sub *Submission) (*Job, error) {
	j := &Job{
		ID:               uuid.NewString(),
		ServiceRequired:  sub.ResolveService(),
		Priority:         sub.ResolvePriority(),
		Payload:          sub.Payload,
		Requirements:     sub.Requirements,
		WorkflowID:       sub.WorkflowID,
		WorkflowPriority: sub.WorkflowPriority,
		WorkflowDatetime: sub.WorkflowDatetime,
		StepNumber:       sub.StepNumber,
		CustomerID:       sub.CustomerID,
		Status:           StatusPending,
		CreatedAt:        time.Now().UTC().Format(TimestampFormat),
		MaxRetries:       DefaultMaxRetries,
	}

	if err := q.store.SetHashFields(ctx, store.JobKey(j.ID), j.ToFields()); err != nil {
		return nil, errors.Wrapf(err, "persisting job %s", j.ID)
	}

	score := j.QueueScore()
	if err := q.store.AddToSortedSet(ctx, store.PendingQueueKey, j.ID, score); err != nil {
		return nil, errors.Wrapf(err, "enqueueing job %s", j.ID)
	}

	q.logger.Infow("Job submitted",
		"job_id", j.ID,
		"service_required", j.ServiceRequired,
		"priority", j.Priority,
		"score", score,
		"source", sub.Source(),
	)

	q.emit(event.NewJobSubmitted(j.ID, j.ServiceRequired, j.Priority, j.WorkflowID, sub.Source()))
	return j, nil
}

// Get fetches and decodes a job record
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.store.GetHash(ctx, store.JobKey(jobID))
	if err != nil {
		return nil, err
	}
	return FromFields(jobID, fields)
}

// List enumerates jobs, optionally filtered by status, newest first, with
// limit/offset pagination. It scans the whole job keyspace; listing is an
// operator affordance, not a hot path.
func (q *Queue) List(ctx context.Context, status string, limit, offset int) ([]*Job, error) {
	keys, err := q.store.ScanKeys(ctx, "job:*")
	if err != nil {
		return nil, err
	}

	cmds, err := q.store.Pipeline(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(keys))
	for i, cmd := range cmds {
		fields, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		j, err := FromFields(store.JobIDFromKey(keys[i]), fields)
		if err != nil {
			continue
		}
		if status != "" && string(j.Status) != status {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt > jobs[b].CreatedAt
	})

	if offset >= len(jobs) {
		return []*Job{}, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// cancelMessage is published on the cancel_job channel so the holding worker
// can abandon the job.
type cancelMessage struct {
	JobID     string `json:"job_id"`
	WorkerID  string `json:"worker_id"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// failedIndexEntry is the jobs:failed record for a cancellation
type failedIndexEntry struct {
	JobID     string `json:"job_id"`
	Error     string `json:"error"`
	Cancelled bool   `json:"cancelled"`
	FailedAt  string `json:"failed_at"`
}

// Cancel performs a client-initiated cancellation. Jobs already completed or
// failed cannot be cancelled. The job transitions to failed, any holding
// worker is told to abandon it, pending entries leave the queue, and a
// job_failed event goes out through fan-out.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	j, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if j.Status == StatusCompleted || j.Status == StatusFailed {
		return errors.NewInvalidRequestError("cannot cancel job %s in status %s", jobID, j.Status)
	}

	wasPending := j.Status == StatusPending
	failedAt := time.Now().UTC().Format(TimestampFormat)

	if err := q.store.SetHashFields(ctx, store.JobKey(jobID), map[string]interface{}{
		"status":    string(StatusFailed),
		"error":     CancelReason,
		"failed_at": failedAt,
	}); err != nil {
		return errors.Wrapf(err, "cancelling job %s", jobID)
	}

	if j.WorkerID != "" {
		payload, _ := json.Marshal(cancelMessage{
			JobID:     jobID,
			WorkerID:  j.WorkerID,
			Reason:    CancelReason,
			Timestamp: time.Now().UnixMilli(),
		})
		if err := q.store.Publish(ctx, store.ChannelCancelJob, payload); err != nil {
			// The worker will notice via the hash write eventually; log and continue
			q.logger.Warnw("Failed to publish cancellation",
				"job_id", jobID,
				"worker_id", j.WorkerID,
				"error", err,
			)
		}
	}

	if wasPending {
		if _, err := q.store.RemoveFromSortedSet(ctx, store.PendingQueueKey, jobID); err != nil {
			return errors.Wrapf(err, "dequeueing cancelled job %s", jobID)
		}
	}

	entry, _ := json.Marshal(failedIndexEntry{
		JobID:     jobID,
		Error:     CancelReason,
		Cancelled: true,
		FailedAt:  failedAt,
	})
	if err := q.store.SetHashFields(ctx, store.FailedJobsKey, map[string]interface{}{jobID: string(entry)}); err != nil {
		return errors.Wrapf(err, "recording cancelled job %s", jobID)
	}

	q.logger.Infow("Job cancelled",
		"job_id", jobID,
		"was_pending", wasPending,
		"worker_id", j.WorkerID,
	)

	q.emit(event.NewJobFailed(jobID, j.WorkerID, CancelReason))
	return nil
}

// emit hands an event to fan-out without ever blocking the caller. A full
// channel drops the event; subscribers reconcile from store state.
func (q *Queue) emit(e event.Event) {
	select {
	case q.events <- e:
	default:
		q.logger.Warnw("Event channel full, dropping event", "type", e.EventType())
	}
}
