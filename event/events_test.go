package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSubmittedWireShape(t *testing.T) {
	e := NewJobSubmitted("j1", "comfyui", 50, "wf-9", "emprops_ui")

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "job_submitted", decoded["type"])
	assert.Equal(t, "j1", decoded["job_id"])
	assert.Equal(t, "comfyui", decoded["service_required"])
	assert.Equal(t, float64(50), decoded["priority"])
	assert.Equal(t, "emprops_ui", decoded["source"])
	assert.InDelta(t, time.Now().UnixMilli(), decoded["timestamp"].(float64), 5000)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, TopicJobs, NewJobProgress("j", "w", 10, "").Topic())
	assert.Equal(t, TopicJobs, NewJobCompleted("j", "w", nil).Topic())
	assert.Equal(t, TopicWorkers, NewWorkerDisconnected("w", "").Topic())
	assert.Equal(t, TopicMachines, NewMachineShutdown("m", "").Topic())
	assert.Equal(t, TopicConnectors, NewConnectorStatusChanged("w", "comfyui", "active").Topic())
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(NewJobCompleted("j", "w", nil)))
	assert.True(t, IsTerminal(NewJobFailed("j", "w", "boom")))
	assert.False(t, IsTerminal(NewJobProgress("j", "w", 99, "")))
	assert.False(t, IsTerminal(NewJobSubmitted("j", "s", 50, "", "emprops_ui")))
	assert.False(t, IsTerminal(NewMachineShutdown("m", "")))
}

func TestScopedJobID(t *testing.T) {
	assert.Equal(t, "j1", ScopedJobID(NewJobFailed("j1", "", "cancelled")))
	assert.Equal(t, "", ScopedJobID(NewWorkerConnected("w1", "m1")))
}

func TestProgressType(t *testing.T) {
	// Progress events keep the channel name as their wire type
	e := NewJobProgress("j1", "w1", 42, "rendering")
	assert.Equal(t, "update_job_progress", e.EventType())

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"update_job_progress"`)
	assert.Contains(t, string(data), `"progress":42`)
}
