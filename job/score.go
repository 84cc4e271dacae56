package job

import "time"

// priorityWeight makes the priority term strictly dominate the timestamp term
// for any priority in [0, 1e15]. Seconds since epoch stay far below 1e15 for
// the lifetime of this system.
const priorityWeight = 1e15

// Score computes the pending-queue score from an effective priority and an
// effective time in milliseconds since epoch:
//
//	score = priority * 10^15 - floor(time_ms / 1000)
//
// Workers consume the sorted set highest score first, so higher priority
// always wins, and within a priority tier older jobs (smaller timestamps)
// score higher and go first.
func Score(effectivePriority int, effectiveTimeMS int64) float64 {
	return float64(effectivePriority)*priorityWeight - float64(effectiveTimeMS/1000)
}

// EffectivePriority prefers the workflow priority over the job's own
func (j *Job) EffectivePriority() int {
	if j.WorkflowPriority != nil {
		return *j.WorkflowPriority
	}
	return j.Priority
}

// EffectiveTimeMS prefers the workflow datetime over the creation timestamp.
// An unparseable created_at falls back to now, which keeps the job at the
// back of its priority tier instead of rejecting it.
func (j *Job) EffectiveTimeMS() int64 {
	if j.WorkflowDatetime != nil {
		return *j.WorkflowDatetime
	}
	if t, err := time.Parse(TimestampFormat, j.CreatedAt); err == nil {
		return t.UnixMilli()
	}
	return time.Now().UnixMilli()
}

// QueueScore computes the job's pending-queue score
func (j *Job) QueueScore() float64 {
	return Score(j.EffectivePriority(), j.EffectiveTimeMS())
}
