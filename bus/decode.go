package bus

import (
	"encoding/json"
	"strings"

	"github.com/emprops/relay/errors"
	"github.com/emprops/relay/event"
	"github.com/emprops/relay/fleet"
)

// Wire payloads are written by several worker generations, so decoders accept
// field aliases and loose numerics where workers have historically sent them.

type progressWire struct {
	JobID    string      `json:"job_id"`
	WorkerID string      `json:"worker_id"`
	Progress json.Number `json:"progress"`
	Message  string      `json:"message"`
	Status   string      `json:"status"`
}

// DecodeProgress decodes an update_job_progress payload
func DecodeProgress(payload string) (*event.JobProgress, error) {
	var w progressWire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, errors.Wrapf(errors.ErrDecodeFailure, "update_job_progress: %v", err)
	}
	if w.JobID == "" {
		return nil, errors.Wrap(errors.ErrDecodeFailure, "update_job_progress: missing job_id")
	}
	progress := 0
	if n, err := w.Progress.Int64(); err == nil {
		progress = int(n)
	} else if f, err := w.Progress.Float64(); err == nil {
		progress = int(f)
	}
	if w.Message == "" {
		w.Message = w.Status
	}
	return event.NewJobProgress(w.JobID, w.WorkerID, progress, w.Message), nil
}

type workerStatusWire struct {
	WorkerID     string `json:"worker_id"`
	OldStatus    string `json:"old_status"`
	NewStatus    string `json:"new_status"`
	Status       string `json:"status"`
	CurrentJobID string `json:"current_job_id"`
}

// DecodeWorkerStatus decodes a worker_status payload
func DecodeWorkerStatus(payload string) (*event.WorkerStatusChanged, error) {
	var w workerStatusWire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, errors.Wrapf(errors.ErrDecodeFailure, "worker_status: %v", err)
	}
	if w.WorkerID == "" {
		return nil, errors.Wrap(errors.ErrDecodeFailure, "worker_status: missing worker_id")
	}
	newStatus := w.NewStatus
	if newStatus == "" {
		newStatus = w.Status
	}
	return event.NewWorkerStatusChanged(
		w.WorkerID,
		fleet.NormalizeWorkerStatus(w.OldStatus),
		fleet.NormalizeWorkerStatus(newStatus),
		w.CurrentJobID,
	), nil
}

type completeJobWire struct {
	JobID    string          `json:"job_id"`
	WorkerID string          `json:"worker_id"`
	Result   json.RawMessage `json:"result"`
}

// DecodeCompleteJob decodes a complete_job payload
func DecodeCompleteJob(payload string) (*event.JobCompleted, error) {
	var w completeJobWire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, errors.Wrapf(errors.ErrDecodeFailure, "complete_job: %v", err)
	}
	if w.JobID == "" {
		return nil, errors.Wrap(errors.ErrDecodeFailure, "complete_job: missing job_id")
	}
	return event.NewJobCompleted(w.JobID, w.WorkerID, w.Result), nil
}

type machineEventWire struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`
	MachineID string `json:"machine_id"`
	Hostname  string `json:"hostname"`
	StepName  string `json:"step_name"`
	Step      string `json:"step"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Reason    string `json:"reason"`
}

// DecodeMachineEvent decodes a machine:startup:events payload into one of the
// machine lifecycle events.
func DecodeMachineEvent(payload string) (event.Event, error) {
	var w machineEventWire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, errors.Wrapf(errors.ErrDecodeFailure, "machine event: %v", err)
	}
	if w.MachineID == "" {
		return nil, errors.Wrap(errors.ErrDecodeFailure, "machine event: missing machine_id")
	}
	eventType := w.EventType
	if eventType == "" {
		eventType = w.Type
	}
	step := w.StepName
	if step == "" {
		step = w.Step
	}

	switch eventType {
	case "startup", event.TypeMachineStartup:
		return event.NewMachineStartup(w.MachineID, w.Hostname), nil
	case "startup_step", event.TypeMachineStartupStep:
		return event.NewMachineStartupStep(w.MachineID, step, fleet.ClassifyStartupStep(step), w.ElapsedMS), nil
	case "startup_complete", event.TypeMachineStartupComplete:
		return event.NewMachineStartupComplete(w.MachineID, w.ElapsedMS), nil
	case "shutdown", event.TypeMachineShutdown:
		return event.NewMachineShutdown(w.MachineID, w.Reason), nil
	}
	return nil, errors.Wrapf(errors.ErrDecodeFailure, "machine event: unknown type %q", eventType)
}

type workerEventWire struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`
	WorkerID  string `json:"worker_id"`
	MachineID string `json:"machine_id"`
	Reason    string `json:"reason"`
}

// DecodeWorkerEvent decodes a worker:events payload
func DecodeWorkerEvent(payload string) (event.Event, error) {
	var w workerEventWire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, errors.Wrapf(errors.ErrDecodeFailure, "worker event: %v", err)
	}
	if w.WorkerID == "" {
		return nil, errors.Wrap(errors.ErrDecodeFailure, "worker event: missing worker_id")
	}
	eventType := w.EventType
	if eventType == "" {
		eventType = w.Type
	}

	switch eventType {
	case "connected", event.TypeWorkerConnected:
		return event.NewWorkerConnected(w.WorkerID, w.MachineID), nil
	case "disconnected", event.TypeWorkerDisconnected:
		return event.NewWorkerDisconnected(w.WorkerID, w.Reason), nil
	}
	return nil, errors.Wrapf(errors.ErrDecodeFailure, "worker event: unknown type %q", eventType)
}

type connectorStatusWire struct {
	Connector string `json:"connector"`
	Service   string `json:"service"`
	Status    string `json:"status"`
}

// DecodeConnectorStatus decodes a connector_status:{worker_id} payload. The
// worker id rides on the channel name, not the payload.
func DecodeConnectorStatus(channel, payload string) (*event.ConnectorStatusChanged, error) {
	workerID := strings.TrimPrefix(channel, "connector_status:")
	if workerID == channel || workerID == "" {
		return nil, errors.Wrapf(errors.ErrDecodeFailure, "connector status: bad channel %q", channel)
	}

	var w connectorStatusWire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, errors.Wrapf(errors.ErrDecodeFailure, "connector status: %v", err)
	}
	connector := w.Connector
	if connector == "" {
		connector = w.Service
	}
	if connector == "" || w.Status == "" {
		return nil, errors.Wrap(errors.ErrDecodeFailure, "connector status: missing connector or status")
	}
	return event.NewConnectorStatusChanged(workerID, connector, w.Status), nil
}
