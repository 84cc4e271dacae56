package server

import (
	"context"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/emprops/relay/fleet"
	"github.com/emprops/relay/job"
	"github.com/emprops/relay/store"
)

// snapshotFrame is the full_state_snapshot sent to a freshly attached
// monitor. Deltas may already be in flight; the snapshot is the baseline the
// monitor reconciles them against. MonitorID is stamped by the sender.
type snapshotFrame struct {
	Type      string       `json:"type"`
	Data      snapshotData `json:"data"`
	MonitorID string       `json:"monitor_id"`
	Timestamp int64        `json:"timestamp"`
}

type snapshotData struct {
	Workers     []*fleet.Worker       `json:"workers"`
	Jobs        map[string][]*job.Job `json:"jobs"`
	Machines    []*fleet.Machine      `json:"machines"`
	SystemStats systemStats           `json:"system_stats"`
}

type systemStats struct {
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	SSEClients    int     `json:"sse_clients"`
	DuplexClients int     `json:"duplex_clients"`
	Monitors      int     `json:"monitors"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Snapshot job buckets
const (
	bucketPending   = "pending"
	bucketActive    = "active"
	bucketCompleted = "completed"
	bucketFailed    = "failed"
)

// jobBucket partitions a status into a snapshot bucket. Unknown statuses
// land in pending so nothing silently disappears from monitor views.
func jobBucket(status job.Status) string {
	switch status {
	case job.StatusPending, job.StatusQueued:
		return bucketPending
	case job.StatusAssigned, job.StatusAccepted, job.StatusInProgress:
		return bucketActive
	case job.StatusCompleted:
		return bucketCompleted
	case job.StatusFailed, job.StatusCancelled, job.StatusTimeout, job.StatusUnworkable:
		return bucketFailed
	}
	return bucketPending
}

// buildSnapshot assembles the monitor baseline: live workers, partitioned
// jobs, machines (with offline correction), and gateway host stats.
func (s *Server) buildSnapshot(ctx context.Context) (*snapshotFrame, error) {
	workers, err := s.snapshotWorkers(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := s.snapshotJobs(ctx)
	if err != nil {
		return nil, err
	}
	machines, err := s.snapshotMachines(ctx, workers)
	if err != nil {
		return nil, err
	}

	return &snapshotFrame{
		Type:      frameSnapshot,
		Timestamp: time.Now().UnixMilli(),
		Data: snapshotData{
			Workers:     workers,
			Jobs:        jobs,
			Machines:    machines,
			SystemStats: s.systemStats(),
		},
	}, nil
}

// snapshotWorkers finds live workers through their heartbeat keys, then
// pipelines the hash reads.
func (s *Server) snapshotWorkers(ctx context.Context) ([]*fleet.Worker, error) {
	heartbeats, err := s.store.ScanKeys(ctx, "worker:*:heartbeat")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(heartbeats))
	for _, key := range heartbeats {
		if id := store.WorkerIDFromKey(key); id != "" {
			ids = append(ids, id)
		}
	}

	cmds, err := s.store.Pipeline(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.HGetAll(ctx, store.WorkerKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	workers := make([]*fleet.Worker, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		workers = append(workers, fleet.WorkerFromFields(ids[i], fields))
	}
	return workers, nil
}

// snapshotJobs scans the job keyspace and partitions records by bucket
func (s *Server) snapshotJobs(ctx context.Context) (map[string][]*job.Job, error) {
	keys, err := s.store.ScanKeys(ctx, "job:*")
	if err != nil {
		return nil, err
	}

	cmds, err := s.store.Pipeline(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	buckets := map[string][]*job.Job{
		bucketPending:   {},
		bucketActive:    {},
		bucketCompleted: {},
		bucketFailed:    {},
	}
	for i, cmd := range cmds {
		fields, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		j, err := job.FromFields(store.JobIDFromKey(keys[i]), fields)
		if err != nil {
			continue
		}
		bucket := jobBucket(j.Status)
		buckets[bucket] = append(buckets[bucket], j)
	}
	return buckets, nil
}

// snapshotMachines correlates machine records with live workers and persists
// the offline correction for machines whose workers are all gone.
func (s *Server) snapshotMachines(ctx context.Context, workers []*fleet.Worker) ([]*fleet.Machine, error) {
	keys, err := s.store.ScanKeys(ctx, "machine:*:info")
	if err != nil {
		return nil, err
	}

	byMachine := make(map[string][]string)
	for _, w := range workers {
		machineID := w.MachineIDFor()
		byMachine[machineID] = append(byMachine[machineID], w.ID)
	}

	machines := make([]*fleet.Machine, 0, len(keys))
	for _, key := range keys {
		fields, err := s.store.GetHash(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		m := fleet.MachineFromFields(store.MachineIDFromKey(key), fields)
		m.Workers = byMachine[m.ID]
		if m.Workers == nil {
			m.Workers = []string{}
		}

		switch {
		case len(m.Workers) == 0:
			if m.Status != fleet.MachineOffline && m.Status != fleet.MachineStarting {
				if err := s.reconciler.MarkMachineOffline(ctx, m.ID); err != nil {
					s.logger.Warnw("Failed to persist offline correction",
						"machine_id", m.ID,
						"error", err,
					)
				} else {
					m.Status = fleet.MachineOffline
				}
			}
		case m.Status != fleet.MachineStarting && m.Status != fleet.MachineReady:
			// Live workers contradict a stale offline record
			m.Status = fleet.MachineReady
		}
		machines = append(machines, m)
	}
	return machines, nil
}

func (s *Server) systemStats() systemStats {
	sse, duplex, monitors := s.registry.counts()
	stats := systemStats{
		Goroutines:    runtime.NumGoroutine(),
		SSEClients:    sse,
		DuplexClients: duplex,
		Monitors:      monitors,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
		stats.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
		stats.MemoryPercent = vm.UsedPercent
	}
	return stats
}

// shortID truncates an id for log lines
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
