// Package fleet tracks workers and machines and reconciles queue state when
// they vanish: worker resets, orphaned-job sweeps, and machine deletion.
package fleet

import (
	"encoding/json"
	"regexp"
	"strconv"
)

// Worker status closed set. Workers have historically reported ad-hoc values
// here; anything outside this set normalizes to error.
const (
	WorkerIdle    = "idle"
	WorkerBusy    = "busy"
	WorkerOffline = "offline"
	WorkerError   = "error"
)

// Worker is the decoded worker:{id} hash. Relay treats worker records as
// read-only except for the reset path.
type Worker struct {
	ID                 string          `json:"id"`
	Status             string          `json:"status"`
	PreviousStatus     string          `json:"previous_status,omitempty"`
	CurrentJobID       string          `json:"current_job_id,omitempty"`
	MachineID          string          `json:"machine_id,omitempty"`
	TotalJobsCompleted int             `json:"total_jobs_completed"`
	TotalJobsFailed    int             `json:"total_jobs_failed"`
	Capabilities       json.RawMessage `json:"capabilities,omitempty"`
	ConnectorStatuses  json.RawMessage `json:"connector_statuses,omitempty"`
	ConnectedAt        string          `json:"connected_at,omitempty"`
	LastHeartbeat      string          `json:"last_heartbeat,omitempty"`
}

// NormalizeWorkerStatus maps loose status strings into the closed set
func NormalizeWorkerStatus(status string) string {
	switch status {
	case WorkerIdle, WorkerBusy, WorkerOffline, WorkerError:
		return status
	}
	return WorkerError
}

// ValidWorkerStatus reports whether a status is in the closed set
func ValidWorkerStatus(status string) bool {
	switch status {
	case WorkerIdle, WorkerBusy, WorkerOffline, WorkerError:
		return true
	}
	return false
}

// WorkerFromFields decodes a worker hash
func WorkerFromFields(id string, fields map[string]string) *Worker {
	w := &Worker{
		ID:                 id,
		Status:             NormalizeWorkerStatus(fields["status"]),
		PreviousStatus:     fields["previous_status"],
		CurrentJobID:       fields["current_job_id"],
		MachineID:          fields["machine_id"],
		TotalJobsCompleted: atoiDefault(fields["total_jobs_completed"], 0),
		TotalJobsFailed:    atoiDefault(fields["total_jobs_failed"], 0),
		ConnectedAt:        fields["connected_at"],
		LastHeartbeat:      fields["last_heartbeat"],
	}
	if v := fields["capabilities"]; v != "" {
		w.Capabilities = json.RawMessage(v)
	}
	if v := fields["connector_statuses"]; v != "" {
		w.ConnectorStatuses = json.RawMessage(v)
	}
	return w
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

var (
	machineSuffixPattern = regexp.MustCompile(`^(.+)-worker-\d+$`)
	redisDirectPattern   = regexp.MustCompile(`^redis-direct-worker-(.+)-\d+$`)
)

// ExtractMachineID derives a machine id from a worker id when the worker
// record lacks one. Naming conventions, in order:
//
//	{machine}-worker-{n}
//	redis-direct-worker-{machine}-{n}
//
// Anything else yields "unknown".
func ExtractMachineID(workerID string) string {
	if m := machineSuffixPattern.FindStringSubmatch(workerID); m != nil {
		return m[1]
	}
	if m := redisDirectPattern.FindStringSubmatch(workerID); m != nil {
		return m[1]
	}
	return "unknown"
}

// MachineIDFor returns the worker's recorded machine id, falling back to
// id-pattern extraction.
func (w *Worker) MachineIDFor() string {
	if w.MachineID != "" {
		return w.MachineID
	}
	return ExtractMachineID(w.ID)
}
