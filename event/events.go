// Package event defines the closed taxonomy of lifecycle events that flow
// from the bus through fan-out to subscribers. Every event carries a type
// discriminator and a millisecond timestamp; job-scoped events additionally
// expose the job id they concern.
package event

import (
	"encoding/json"
	"time"
)

// Event type discriminators as they appear on the wire
const (
	TypeJobSubmitted           = "job_submitted"
	TypeJobAssigned            = "job_assigned"
	TypeJobStatusChanged       = "job_status_changed"
	TypeJobProgress            = "update_job_progress"
	TypeJobCompleted           = "complete_job"
	TypeJobFailed              = "job_failed"
	TypeWorkerStatusChanged    = "worker_status_changed"
	TypeWorkerConnected        = "worker_connected"
	TypeWorkerDisconnected     = "worker_disconnected"
	TypeConnectorStatusChanged = "connector_status_changed"
	TypeMachineStartup         = "machine_startup"
	TypeMachineStartupStep     = "machine_startup_step"
	TypeMachineStartupComplete = "machine_startup_complete"
	TypeMachineShutdown        = "machine_shutdown"
)

// Topics used for monitor subscription matching
const (
	TopicJobs       = "jobs"
	TopicWorkers    = "workers"
	TopicMachines   = "machines"
	TopicConnectors = "connectors"
)

// Event is a typed lifecycle event routed by fan-out
type Event interface {
	EventType() string
	Topic() string
}

// JobScoped is implemented by events tied to a single job
type JobScoped interface {
	Event
	JobID() string
}

// Base carries the fields every event shares
type Base struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
}

// EventType returns the wire discriminator
func (b Base) EventType() string { return b.Type }

func newBase(eventType string) Base {
	return Base{Type: eventType, Timestamp: time.Now().UnixMilli()}
}

// JobSubmitted is emitted by the admission pipeline after a job is enqueued
type JobSubmitted struct {
	Base
	Job             string `json:"job_id"`
	ServiceRequired string `json:"service_required"`
	Priority        int    `json:"priority"`
	WorkflowID      string `json:"workflow_id,omitempty"`
	Source          string `json:"source"` // provenance hint, not an auth claim
}

func (e *JobSubmitted) Topic() string { return TopicJobs }
func (e *JobSubmitted) JobID() string { return e.Job }

// NewJobSubmitted stamps a submission event
func NewJobSubmitted(jobID, serviceRequired string, priority int, workflowID, source string) *JobSubmitted {
	return &JobSubmitted{
		Base:            newBase(TypeJobSubmitted),
		Job:             jobID,
		ServiceRequired: serviceRequired,
		Priority:        priority,
		WorkflowID:      workflowID,
		Source:          source,
	}
}

// JobAssigned is synthesized when a worker claims a job
type JobAssigned struct {
	Base
	Job      string `json:"job_id"`
	WorkerID string `json:"worker_id"`
}

func (e *JobAssigned) Topic() string { return TopicJobs }
func (e *JobAssigned) JobID() string { return e.Job }

// NewJobAssigned stamps an assignment event
func NewJobAssigned(jobID, workerID string) *JobAssigned {
	return &JobAssigned{Base: newBase(TypeJobAssigned), Job: jobID, WorkerID: workerID}
}

// JobStatusChanged covers non-terminal transitions observed via keyspace
// read-back (accepted, in_progress, and friends)
type JobStatusChanged struct {
	Base
	Job       string `json:"job_id"`
	WorkerID  string `json:"worker_id,omitempty"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status"`
}

func (e *JobStatusChanged) Topic() string { return TopicJobs }
func (e *JobStatusChanged) JobID() string { return e.Job }

// NewJobStatusChanged stamps a status-transition event
func NewJobStatusChanged(jobID, workerID, oldStatus, newStatus string) *JobStatusChanged {
	return &JobStatusChanged{
		Base:      newBase(TypeJobStatusChanged),
		Job:       jobID,
		WorkerID:  workerID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	}
}

// JobProgress relays worker progress updates
type JobProgress struct {
	Base
	Job      string `json:"job_id"`
	WorkerID string `json:"worker_id,omitempty"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

func (e *JobProgress) Topic() string { return TopicJobs }
func (e *JobProgress) JobID() string { return e.Job }

// NewJobProgress stamps a progress event
func NewJobProgress(jobID, workerID string, progress int, message string) *JobProgress {
	return &JobProgress{
		Base:     newBase(TypeJobProgress),
		Job:      jobID,
		WorkerID: workerID,
		Progress: progress,
		Message:  message,
	}
}

// JobCompleted is the terminal success event
type JobCompleted struct {
	Base
	Job      string          `json:"job_id"`
	WorkerID string          `json:"worker_id,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

func (e *JobCompleted) Topic() string { return TopicJobs }
func (e *JobCompleted) JobID() string { return e.Job }

// NewJobCompleted stamps a completion event
func NewJobCompleted(jobID, workerID string, result json.RawMessage) *JobCompleted {
	return &JobCompleted{Base: newBase(TypeJobCompleted), Job: jobID, WorkerID: workerID, Result: result}
}

// JobFailed is the terminal failure event (including cancellations)
type JobFailed struct {
	Base
	Job      string `json:"job_id"`
	WorkerID string `json:"worker_id,omitempty"`
	Error    string `json:"error"`
}

func (e *JobFailed) Topic() string { return TopicJobs }
func (e *JobFailed) JobID() string { return e.Job }

// NewJobFailed stamps a failure event
func NewJobFailed(jobID, workerID, errText string) *JobFailed {
	return &JobFailed{Base: newBase(TypeJobFailed), Job: jobID, WorkerID: workerID, Error: errText}
}

// WorkerStatusChanged relays worker state transitions
type WorkerStatusChanged struct {
	Base
	WorkerID     string `json:"worker_id"`
	OldStatus    string `json:"old_status,omitempty"`
	NewStatus    string `json:"new_status"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

func (e *WorkerStatusChanged) Topic() string { return TopicWorkers }

// NewWorkerStatusChanged stamps a worker status event
func NewWorkerStatusChanged(workerID, oldStatus, newStatus, currentJobID string) *WorkerStatusChanged {
	return &WorkerStatusChanged{
		Base:         newBase(TypeWorkerStatusChanged),
		WorkerID:     workerID,
		OldStatus:    oldStatus,
		NewStatus:    newStatus,
		CurrentJobID: currentJobID,
	}
}

// WorkerConnected announces a worker attaching to the fleet
type WorkerConnected struct {
	Base
	WorkerID  string `json:"worker_id"`
	MachineID string `json:"machine_id,omitempty"`
}

func (e *WorkerConnected) Topic() string { return TopicWorkers }

// NewWorkerConnected stamps a worker-connected event
func NewWorkerConnected(workerID, machineID string) *WorkerConnected {
	return &WorkerConnected{Base: newBase(TypeWorkerConnected), WorkerID: workerID, MachineID: machineID}
}

// WorkerDisconnected announces a worker leaving (heartbeat expiry, explicit
// disconnect, or admin cleanup)
type WorkerDisconnected struct {
	Base
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

func (e *WorkerDisconnected) Topic() string { return TopicWorkers }

// NewWorkerDisconnected stamps a worker-disconnected event
func NewWorkerDisconnected(workerID, reason string) *WorkerDisconnected {
	return &WorkerDisconnected{Base: newBase(TypeWorkerDisconnected), WorkerID: workerID, Reason: reason}
}

// ConnectorStatusChanged relays per-connector health from workers
type ConnectorStatusChanged struct {
	Base
	WorkerID  string `json:"worker_id,omitempty"`
	Connector string `json:"connector"`
	Status    string `json:"status"`
}

func (e *ConnectorStatusChanged) Topic() string { return TopicConnectors }

// NewConnectorStatusChanged stamps a connector status event
func NewConnectorStatusChanged(workerID, connector, status string) *ConnectorStatusChanged {
	return &ConnectorStatusChanged{
		Base:      newBase(TypeConnectorStatusChanged),
		WorkerID:  workerID,
		Connector: connector,
		Status:    status,
	}
}

// MachineStartup announces a machine beginning its boot sequence
type MachineStartup struct {
	Base
	MachineID string `json:"machine_id"`
	Hostname  string `json:"hostname,omitempty"`
}

func (e *MachineStartup) Topic() string { return TopicMachines }

// NewMachineStartup stamps a machine-startup event
func NewMachineStartup(machineID, hostname string) *MachineStartup {
	return &MachineStartup{Base: newBase(TypeMachineStartup), MachineID: machineID, Hostname: hostname}
}

// MachineStartupStep reports one named step of the boot sequence
type MachineStartupStep struct {
	Base
	MachineID string `json:"machine_id"`
	StepName  string `json:"step_name"`
	Phase     string `json:"phase"` // shared_setup, core_infrastructure, ai_services, supporting_services
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

func (e *MachineStartupStep) Topic() string { return TopicMachines }

// NewMachineStartupStep stamps a startup-step event
func NewMachineStartupStep(machineID, stepName, phase string, elapsedMS int64) *MachineStartupStep {
	return &MachineStartupStep{
		Base:      newBase(TypeMachineStartupStep),
		MachineID: machineID,
		StepName:  stepName,
		Phase:     phase,
		ElapsedMS: elapsedMS,
	}
}

// MachineStartupComplete announces a machine reaching ready
type MachineStartupComplete struct {
	Base
	MachineID string `json:"machine_id"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

func (e *MachineStartupComplete) Topic() string { return TopicMachines }

// NewMachineStartupComplete stamps a startup-complete event
func NewMachineStartupComplete(machineID string, elapsedMS int64) *MachineStartupComplete {
	return &MachineStartupComplete{Base: newBase(TypeMachineStartupComplete), MachineID: machineID, ElapsedMS: elapsedMS}
}

// MachineShutdown announces a machine going offline
type MachineShutdown struct {
	Base
	MachineID string `json:"machine_id"`
	Reason    string `json:"reason,omitempty"`
}

func (e *MachineShutdown) Topic() string { return TopicMachines }

// NewMachineShutdown stamps a machine-shutdown event
func NewMachineShutdown(machineID, reason string) *MachineShutdown {
	return &MachineShutdown{Base: newBase(TypeMachineShutdown), MachineID: machineID, Reason: reason}
}

// IsTerminal reports whether an event ends a job's lifecycle. Terminal
// events close job-scoped SSE streams and clear the submitter mapping.
func IsTerminal(e Event) bool {
	switch e.EventType() {
	case TypeJobCompleted, TypeJobFailed:
		return true
	}
	return false
}

// ScopedJobID returns the job id for job-scoped events, or "" otherwise
func ScopedJobID(e Event) string {
	if js, ok := e.(JobScoped); ok {
		return js.JobID()
	}
	return ""
}
