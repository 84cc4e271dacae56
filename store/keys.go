package store

import "strings"

// Key layout shared with workers. Workers write job/worker/machine hashes
// directly; relay owns the pending sorted set and the failed-jobs index.
const (
	// PendingQueueKey is the sorted set of not-yet-claimed jobs, ordered by
	// score (highest consumed first).
	PendingQueueKey = "jobs:pending"

	// FailedJobsKey indexes terminal failures (including cancellations).
	FailedJobsKey = "jobs:failed"
)

// JobKey returns the hash key for a job record
func JobKey(jobID string) string {
	return "job:" + jobID
}

// ActiveJobsKey returns the hash of jobs currently held by a worker
func ActiveJobsKey(workerID string) string {
	return "jobs:active:" + workerID
}

// WorkerKey returns the hash key for a worker record
func WorkerKey(workerID string) string {
	return "worker:" + workerID
}

// HeartbeatKey returns the TTL key whose presence implies worker liveness
func HeartbeatKey(workerID string) string {
	return "worker:" + workerID + ":heartbeat"
}

// WorkerJobsKey returns the per-worker job bookkeeping hash
func WorkerJobsKey(workerID string) string {
	return "worker:" + workerID + ":jobs"
}

// WorkerStatusKey returns the per-worker status detail hash
func WorkerStatusKey(workerID string) string {
	return "worker:" + workerID + ":status"
}

// MachineKey returns the hash key for a machine info record
func MachineKey(machineID string) string {
	return "machine:" + machineID + ":info"
}

// JobIDFromKey extracts the job id from a "job:{id}" key, or "" if the key
// has a different shape.
func JobIDFromKey(key string) string {
	if !strings.HasPrefix(key, "job:") {
		return ""
	}
	return strings.TrimPrefix(key, "job:")
}

// WorkerIDFromKey extracts the worker id from a "worker:{id}" key or any of
// its companion keys ("worker:{id}:heartbeat" etc.).
func WorkerIDFromKey(key string) string {
	if !strings.HasPrefix(key, "worker:") {
		return ""
	}
	rest := strings.TrimPrefix(key, "worker:")
	if idx := strings.LastIndex(rest, ":"); idx != -1 {
		switch rest[idx+1:] {
		case "heartbeat", "jobs", "status":
			return rest[:idx]
		}
	}
	return rest
}

// MachineIDFromKey extracts the machine id from a "machine:{id}:info" key
func MachineIDFromKey(key string) string {
	if !strings.HasPrefix(key, "machine:") || !strings.HasSuffix(key, ":info") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, "machine:"), ":info")
}

// Pub/sub channels. Workers publish job lifecycle traffic; relay publishes
// only on ChannelCancelJob.
const (
	ChannelJobProgress    = "update_job_progress"
	ChannelWorkerStatus   = "worker_status"
	ChannelCompleteJob    = "complete_job"
	ChannelCancelJob      = "cancel_job"
	ChannelMachineStartup = "machine:startup:events"
	ChannelWorkerEvents   = "worker:events"

	// ChannelLegacyWorkerStartup predates machine:startup:events. Still
	// subscribed; any traffic there is an anomaly.
	ChannelLegacyWorkerStartup = "worker:startup:events"
)

// Pub/sub patterns
const (
	PatternConnectorStatus = "connector_status:*"
	PatternJobKeyspace     = "__keyspace@0__:job:*"
	PatternWorkerKeyspace  = "__keyspace@0__:worker:*"
)

// KeyspaceEventKey strips the "__keyspace@0__:" prefix from a notification
// channel, returning the mutated key name.
func KeyspaceEventKey(channel string) string {
	const prefix = "__keyspace@0__:"
	if !strings.HasPrefix(channel, prefix) {
		return ""
	}
	return strings.TrimPrefix(channel, prefix)
}
