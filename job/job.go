// Package job holds the job model, the workflow-aware scoring function, and
// the admission queue that persists submissions into the shared store.
package job

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/emprops/relay/errors"
)

// Status is the job lifecycle state
type Status string

// Job lifecycle states. Workers move jobs through the assigned/accepted/
// in_progress states; relay only writes pending, failed, and the cancel path.
const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
	StatusUnworkable Status = "unworkable"
)

// Terminal reports whether the status is absorbing
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusUnworkable:
		return true
	}
	return false
}

// Active reports whether a worker currently holds the job
func (s Status) Active() bool {
	switch s {
	case StatusAssigned, StatusAccepted, StatusInProgress:
		return true
	}
	return false
}

// Defaults applied on admission
const (
	DefaultPriority   = 50
	DefaultMaxRetries = 3
)

// TimestampFormat is the at-rest encoding for lifecycle timestamps
const TimestampFormat = time.RFC3339Nano

// Job is the full job record as stored in the job:{id} hash
type Job struct {
	ID              string          `json:"id"`
	ServiceRequired string          `json:"service_required"`
	Priority        int             `json:"priority"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Requirements    json.RawMessage `json:"requirements,omitempty"`

	WorkflowID       string `json:"workflow_id,omitempty"`
	WorkflowPriority *int   `json:"workflow_priority,omitempty"`
	WorkflowDatetime *int64 `json:"workflow_datetime,omitempty"` // milliseconds since epoch
	StepNumber       *int   `json:"step_number,omitempty"`
	CustomerID       string `json:"customer_id,omitempty"`

	Status      Status `json:"status"`
	CreatedAt   string `json:"created_at"`
	AssignedAt  string `json:"assigned_at,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	FailedAt    string `json:"failed_at,omitempty"`

	RetryCount       int    `json:"retry_count"`
	MaxRetries       int    `json:"max_retries"`
	LastFailedWorker string `json:"last_failed_worker,omitempty"`

	WorkerID string          `json:"worker_id,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ToFields encodes the job as string hash fields. Empty optional fields are
// omitted so the hash mirrors what workers expect.
func (j *Job) ToFields() map[string]interface{} {
	fields := map[string]interface{}{
		"id":               j.ID,
		"service_required": j.ServiceRequired,
		"priority":         strconv.Itoa(j.Priority),
		"status":           string(j.Status),
		"created_at":       j.CreatedAt,
		"retry_count":      strconv.Itoa(j.RetryCount),
		"max_retries":      strconv.Itoa(j.MaxRetries),
	}

	setIf := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	setIf("payload", string(j.Payload))
	setIf("requirements", string(j.Requirements))
	setIf("workflow_id", j.WorkflowID)
	setIf("step_number", intPtrString(j.StepNumber))
	setIf("customer_id", j.CustomerID)
	setIf("assigned_at", j.AssignedAt)
	setIf("started_at", j.StartedAt)
	setIf("completed_at", j.CompletedAt)
	setIf("failed_at", j.FailedAt)
	setIf("last_failed_worker", j.LastFailedWorker)
	setIf("worker_id", j.WorkerID)
	setIf("result", string(j.Result))
	setIf("error", j.Error)
	if j.WorkflowPriority != nil {
		fields["workflow_priority"] = strconv.Itoa(*j.WorkflowPriority)
	}
	if j.WorkflowDatetime != nil {
		fields["workflow_datetime"] = strconv.FormatInt(*j.WorkflowDatetime, 10)
	}

	return fields
}

// FromFields decodes a job from its hash representation. Unparseable numeric
// fields fall back to defaults rather than failing the whole record: worker
// implementations have written loose values here historically.
func FromFields(id string, fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, errors.NewNotFoundError("job %s", id)
	}

	j := &Job{
		ID:               id,
		ServiceRequired:  fields["service_required"],
		Priority:         atoiDefault(fields["priority"], DefaultPriority),
		Status:           Status(fields["status"]),
		CreatedAt:        fields["created_at"],
		AssignedAt:       fields["assigned_at"],
		StartedAt:        fields["started_at"],
		CompletedAt:      fields["completed_at"],
		FailedAt:         fields["failed_at"],
		RetryCount:       atoiDefault(fields["retry_count"], 0),
		MaxRetries:       atoiDefault(fields["max_retries"], DefaultMaxRetries),
		LastFailedWorker: fields["last_failed_worker"],
		WorkflowID:       fields["workflow_id"],
		CustomerID:       fields["customer_id"],
		WorkerID:         fields["worker_id"],
		Error:            fields["error"],
	}

	if v := fields["payload"]; v != "" {
		j.Payload = json.RawMessage(v)
	}
	if v := fields["requirements"]; v != "" {
		j.Requirements = json.RawMessage(v)
	}
	if v := fields["result"]; v != "" {
		j.Result = json.RawMessage(v)
	}
	if v := fields["workflow_priority"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			j.WorkflowPriority = &n
		}
	}
	if v := fields["workflow_datetime"]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			j.WorkflowDatetime = &n
		}
	}
	if v := fields["step_number"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			j.StepNumber = &n
		}
	}

	return j, nil
}

// LastActivity returns the most recent lifecycle timestamp on the record,
// or the zero time when none parse. Used by the orphan sweep to age jobs.
func (j *Job) LastActivity() time.Time {
	var latest time.Time
	for _, raw := range []string{j.CreatedAt, j.AssignedAt, j.StartedAt} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(TimestampFormat, raw); err == nil && t.After(latest) {
			latest = t
		}
	}
	return latest
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

func intPtrString(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

// Submission is the decoded submit payload. The legacy job_type and type
// aliases survive from earlier API generations.
type Submission struct {
	ServiceRequired string          `json:"service_required"`
	JobType         string          `json:"job_type"`
	LegacyType      string          `json:"type"`
	Priority        *int            `json:"priority"`
	Payload         json.RawMessage `json:"payload"`
	Requirements    json.RawMessage `json:"requirements"`

	WorkflowID       string `json:"workflow_id"`
	WorkflowPriority *int   `json:"workflow_priority"`
	WorkflowDatetime *int64 `json:"workflow_datetime"`
	StepNumber       *int   `json:"step_number"`
	CustomerID       string `json:"customer_id"`
}

// ResolveService picks the capability name with the legacy fallbacks:
// service_required > job_type > type > "unknown".
func (s *Submission) ResolveService() string {
	switch {
	case s.ServiceRequired != "":
		return s.ServiceRequired
	case s.JobType != "":
		return s.JobType
	case s.LegacyType != "":
		return s.LegacyType
	}
	return "unknown"
}

// Source derives the provenance tag carried on job_submitted. Presence of a
// customer_id implies the API path; this is a telemetry hint, not an auth
// boundary.
func (s *Submission) Source() string {
	if s.CustomerID != "" {
		return "emprops_api"
	}
	return "emprops_ui"
}

// ResolvePriority returns the submitted priority or the default
func (s *Submission) ResolvePriority() int {
	if s.Priority != nil {
		return *s.Priority
	}
	return DefaultPriority
}
