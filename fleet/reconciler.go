package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/emprops/relay/errors"
	"github.com/emprops/relay/event"
	"github.com/emprops/relay/job"
	"github.com/emprops/relay/store"
)

// DefaultMaxJobAgeMinutes bounds the orphan sweep when the caller does not
// supply an age.
const DefaultMaxJobAgeMinutes = 60

// MachineDeleteReason is stamped on the shutdown event when an operator
// removes a machine.
const MachineDeleteReason = "Machine deleted by user request"

// CleanupOptions selects which recovery actions a cleanup request performs.
// All flags default to off; an empty request is a no-op.
type CleanupOptions struct {
	ResetWorkers        bool   `json:"reset_workers"`
	CleanupOrphanedJobs bool   `json:"cleanup_orphaned_jobs"`
	ResetSpecificWorker string `json:"reset_specific_worker"`
	MaxJobAgeMinutes    int    `json:"max_job_age_minutes"`
}

// CleanupResult summarizes what a cleanup pass touched
type CleanupResult struct {
	WorkersReset int      `json:"workers_reset"`
	JobsCleaned  int      `json:"jobs_cleaned"`
	WorkersFound []string `json:"workers_found"`
	Details      []string `json:"details"`
}

// DeleteMachineResult summarizes a machine removal. WorkersFound lists the
// worker ids that belonged to the machine; WorkersCleaned counts them.
type DeleteMachineResult struct {
	MachineID      string   `json:"machine_id"`
	WorkersFound   []string `json:"workers_found"`
	WorkersCleaned int      `json:"workers_cleaned"`
	JobsRequeued   int      `json:"jobs_requeued"`
	Message        string   `json:"message"`
}

// Reconciler repairs queue state after worker or machine failures. Every
// repair is idempotent: running the same cleanup twice changes nothing the
// second time.
type Reconciler struct {
	store  *store.Store
	events chan<- event.Event
	logger *zap.SugaredLogger
}

// NewReconciler wires the reconciler to the store and the fan-out channel
func NewReconciler(st *store.Store, events chan<- event.Event, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{store: st, events: events, logger: logger}
}

// Cleanup runs the selected recovery actions and reports what changed
func (r *Reconciler) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	result := &CleanupResult{
		WorkersFound: []string{},
		Details:      []string{},
	}

	switch {
	case opts.ResetSpecificWorker != "":
		if err := r.resetWorker(ctx, opts.ResetSpecificWorker, result); err != nil {
			return nil, err
		}
	case opts.ResetWorkers:
		workers, err := r.ListWorkers(ctx)
		if err != nil {
			return nil, err
		}
		for _, w := range workers {
			if err := r.resetWorker(ctx, w.ID, result); err != nil {
				return nil, err
			}
		}
	}

	if opts.CleanupOrphanedJobs {
		maxAge := opts.MaxJobAgeMinutes
		if maxAge <= 0 {
			maxAge = DefaultMaxJobAgeMinutes
		}
		if err := r.sweepOrphans(ctx, maxAge, result); err != nil {
			return nil, err
		}
	}

	r.logger.Infow("Cleanup completed",
		"workers_reset", result.WorkersReset,
		"jobs_cleaned", result.JobsCleaned,
	)
	return result, nil
}

// ListWorkers enumerates all worker records. Companion keys (heartbeat, jobs,
// status) share the worker: prefix and are filtered out by shape.
func (r *Reconciler) ListWorkers(ctx context.Context) ([]*Worker, error) {
	keys, err := r.store.ScanKeys(ctx, "worker:*")
	if err != nil {
		return nil, err
	}

	workers := make([]*Worker, 0, len(keys))
	for _, key := range keys {
		if strings.Count(key, ":") != 1 {
			continue
		}
		fields, err := r.store.GetHash(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		workers = append(workers, WorkerFromFields(store.WorkerIDFromKey(key), fields))
	}
	return workers, nil
}

// ListMachines enumerates all machine records
func (r *Reconciler) ListMachines(ctx context.Context) ([]*Machine, error) {
	keys, err := r.store.ScanKeys(ctx, "machine:*:info")
	if err != nil {
		return nil, err
	}

	machines := make([]*Machine, 0, len(keys))
	for _, key := range keys {
		fields, err := r.store.GetHash(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		machines = append(machines, MachineFromFields(store.MachineIDFromKey(key), fields))
	}
	return machines, nil
}

// resetWorker forces a worker back to idle and requeues every job it held.
// A worker with no record contributes a detail line, not an error, so bulk
// resets survive racing disconnects.
func (r *Reconciler) resetWorker(ctx context.Context, workerID string, result *CleanupResult) error {
	fields, err := r.store.GetHash(ctx, store.WorkerKey(workerID))
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		result.Details = append(result.Details, fmt.Sprintf("worker %s not found", workerID))
		return nil
	}
	w := WorkerFromFields(workerID, fields)

	requeued := 0
	for _, jobID := range r.heldJobIDs(ctx, w) {
		ok, err := r.requeueJob(ctx, jobID)
		if err != nil {
			return err
		}
		if ok {
			requeued++
			result.JobsCleaned++
		}
	}

	if err := r.store.SetHashFields(ctx, store.WorkerKey(workerID), map[string]interface{}{
		"status":          WorkerIdle,
		"previous_status": w.Status,
		"current_job_id":  "",
		"last_activity":   time.Now().UTC().Format(job.TimestampFormat),
	}); err != nil {
		return errors.Wrapf(err, "resetting worker %s", workerID)
	}
	if err := r.store.DeleteKey(ctx, store.ActiveJobsKey(workerID)); err != nil {
		return err
	}

	result.WorkersReset++
	result.WorkersFound = append(result.WorkersFound, workerID)
	result.Details = append(result.Details,
		fmt.Sprintf("worker %s reset from %s, %d job(s) requeued", workerID, w.Status, requeued))

	r.logger.Infow("Worker reset",
		"worker_id", workerID,
		"previous_status", w.Status,
		"jobs_requeued", requeued,
	)
	r.emit(event.NewWorkerStatusChanged(workerID, w.Status, WorkerIdle, ""))
	return nil
}

// heldJobIDs unions the worker's active-jobs hash with its current_job_id
func (r *Reconciler) heldJobIDs(ctx context.Context, w *Worker) []string {
	seen := map[string]bool{}
	var ids []string

	active, err := r.store.GetHash(ctx, store.ActiveJobsKey(w.ID))
	if err == nil {
		for jobID := range active {
			if !seen[jobID] {
				seen[jobID] = true
				ids = append(ids, jobID)
			}
		}
	}
	if w.CurrentJobID != "" && !seen[w.CurrentJobID] {
		ids = append(ids, w.CurrentJobID)
	}
	return ids
}

// requeueJob returns a non-terminal job to the pending queue with a score
// recomputed from its original priority and created_at. Terminal and missing
// jobs are left alone.
func (r *Reconciler) requeueJob(ctx context.Context, jobID string) (bool, error) {
	fields, err := r.store.GetHash(ctx, store.JobKey(jobID))
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, nil
	}
	j, err := job.FromFields(jobID, fields)
	if err != nil {
		return false, nil
	}
	if j.Status.Terminal() || j.Status == job.StatusPending {
		return false, nil
	}

	createdMS := time.Now().UnixMilli()
	if t, err := time.Parse(job.TimestampFormat, j.CreatedAt); err == nil {
		createdMS = t.UnixMilli()
	}
	score := job.Score(j.Priority, createdMS)

	if _, err := r.store.Pipeline(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, store.JobKey(jobID), "status", string(job.StatusPending))
		p.HDel(ctx, store.JobKey(jobID), "worker_id", "assigned_at", "started_at")
		p.ZAdd(ctx, store.PendingQueueKey, redis.Z{Score: score, Member: jobID})
		return nil
	}); err != nil {
		return false, errors.Wrapf(err, "requeueing job %s", jobID)
	}

	r.logger.Infow("Job requeued", "job_id", jobID, "previous_status", j.Status, "score", score)
	r.emit(event.NewJobStatusChanged(jobID, "", string(j.Status), string(job.StatusPending)))
	return true, nil
}

// sweepOrphans requeues active jobs whose holding worker has no live
// heartbeat and whose last activity exceeds the age bound.
func (r *Reconciler) sweepOrphans(ctx context.Context, maxAgeMinutes int, result *CleanupResult) error {
	keys, err := r.store.ScanKeys(ctx, "job:*")
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeMinutes) * time.Minute)

	for _, key := range keys {
		fields, err := r.store.GetHash(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		j, err := job.FromFields(store.JobIDFromKey(key), fields)
		if err != nil || !j.Status.Active() {
			continue
		}
		if j.WorkerID != "" {
			alive, err := r.store.KeyExists(ctx, store.HeartbeatKey(j.WorkerID))
			if err != nil {
				return err
			}
			if alive {
				continue
			}
		}
		if activity := j.LastActivity(); !activity.IsZero() && activity.After(cutoff) {
			continue
		}

		ok, err := r.requeueJob(ctx, j.ID)
		if err != nil {
			return err
		}
		if ok {
			result.JobsCleaned++
			result.Details = append(result.Details,
				fmt.Sprintf("orphaned job %s requeued (worker %s gone)", j.ID, j.WorkerID))
		}
	}
	return nil
}

// DeleteMachine removes a machine record and cleans up every worker that
// belongs to it, requeueing jobs they held. A second delete of the same
// machine returns not-found.
func (r *Reconciler) DeleteMachine(ctx context.Context, machineID string) (*DeleteMachineResult, error) {
	exists, err := r.store.KeyExists(ctx, store.MachineKey(machineID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.NewNotFoundError("machine %s not found", machineID)
	}

	workers, err := r.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	result := &DeleteMachineResult{
		MachineID:    machineID,
		WorkersFound: []string{},
	}
	for _, w := range workers {
		if w.MachineIDFor() != machineID {
			continue
		}
		for _, jobID := range r.heldJobIDs(ctx, w) {
			ok, err := r.requeueJob(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if ok {
				result.JobsRequeued++
			}
		}
		for _, key := range []string{
			store.WorkerKey(w.ID),
			store.HeartbeatKey(w.ID),
			store.WorkerJobsKey(w.ID),
			store.WorkerStatusKey(w.ID),
			store.ActiveJobsKey(w.ID),
		} {
			if err := r.store.DeleteKey(ctx, key); err != nil {
				return nil, err
			}
		}
		result.WorkersFound = append(result.WorkersFound, w.ID)
		result.WorkersCleaned++
		r.emit(event.NewWorkerDisconnected(w.ID, MachineDeleteReason))
	}

	if err := r.store.DeleteKey(ctx, store.MachineKey(machineID)); err != nil {
		return nil, err
	}

	result.Message = fmt.Sprintf("machine %s deleted, %d worker(s) cleaned, %d job(s) requeued",
		machineID, result.WorkersCleaned, result.JobsRequeued)

	r.logger.Infow("Machine deleted",
		"machine_id", machineID,
		"workers_cleaned", result.WorkersCleaned,
		"jobs_requeued", result.JobsRequeued,
	)
	r.emit(event.NewMachineShutdown(machineID, MachineDeleteReason))
	return result, nil
}

// ApplyMachineEvent folds a machine lifecycle event into the machine hash
// before the event is re-broadcast to monitors.
func (r *Reconciler) ApplyMachineEvent(ctx context.Context, e event.Event) error {
	now := time.Now().UTC().Format(job.TimestampFormat)

	switch ev := e.(type) {
	case *event.MachineStartup:
		fields := map[string]interface{}{
			"status":        MachineStarting,
			"started_at":    now,
			"last_activity": now,
		}
		if ev.Hostname != "" {
			fields["hostname"] = ev.Hostname
		}
		return r.store.SetHashFields(ctx, store.MachineKey(ev.MachineID), fields)
	case *event.MachineStartupStep:
		return r.store.SetHashFields(ctx, store.MachineKey(ev.MachineID), map[string]interface{}{
			"last_activity": now,
		})
	case *event.MachineStartupComplete:
		return r.store.SetHashFields(ctx, store.MachineKey(ev.MachineID), map[string]interface{}{
			"status":        MachineReady,
			"last_activity": now,
		})
	case *event.MachineShutdown:
		return r.store.SetHashFields(ctx, store.MachineKey(ev.MachineID), map[string]interface{}{
			"status":        MachineOffline,
			"last_activity": now,
		})
	}
	return nil
}

// MarkMachineOffline is used by the snapshot builder when a machine has no
// remaining live workers.
func (r *Reconciler) MarkMachineOffline(ctx context.Context, machineID string) error {
	return r.store.SetHashFields(ctx, store.MachineKey(machineID), map[string]interface{}{
		"status":        MachineOffline,
		"last_activity": time.Now().UTC().Format(job.TimestampFormat),
	})
}

func (r *Reconciler) emit(e event.Event) {
	select {
	case r.events <- e:
	default:
		r.logger.Warnw("Event channel full, dropping event", "type", e.EventType())
	}
}
