package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emprops/relay/errors"
	"github.com/emprops/relay/event"
)

func TestDecodeProgress(t *testing.T) {
	e, err := DecodeProgress(`{"job_id":"j1","worker_id":"w1","progress":42,"message":"rendering"}`)
	require.NoError(t, err)
	assert.Equal(t, "j1", e.JobID())
	assert.Equal(t, "w1", e.WorkerID)
	assert.Equal(t, 42, e.Progress)
	assert.Equal(t, "rendering", e.Message)
}

func TestDecodeProgressLooseNumeric(t *testing.T) {
	// Some worker builds send progress as a float
	e, err := DecodeProgress(`{"job_id":"j1","progress":42.7}`)
	require.NoError(t, err)
	assert.Equal(t, 42, e.Progress)
}

func TestDecodeProgressStatusAlias(t *testing.T) {
	e, err := DecodeProgress(`{"job_id":"j1","progress":10,"status":"warming up"}`)
	require.NoError(t, err)
	assert.Equal(t, "warming up", e.Message)
}

func TestDecodeProgressRejectsMissingJobID(t *testing.T) {
	_, err := DecodeProgress(`{"progress":42}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDecodeFailure))
}

func TestDecodeProgressRejectsGarbage(t *testing.T) {
	_, err := DecodeProgress(`not json`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDecodeFailure))
}

func TestDecodeWorkerStatus(t *testing.T) {
	e, err := DecodeWorkerStatus(`{"worker_id":"w1","old_status":"idle","new_status":"busy","current_job_id":"j1"}`)
	require.NoError(t, err)
	assert.Equal(t, "w1", e.WorkerID)
	assert.Equal(t, "idle", e.OldStatus)
	assert.Equal(t, "busy", e.NewStatus)
	assert.Equal(t, "j1", e.CurrentJobID)
}

func TestDecodeWorkerStatusAliasAndNormalization(t *testing.T) {
	// "status" alias and an out-of-set value
	e, err := DecodeWorkerStatus(`{"worker_id":"w1","status":"working"}`)
	require.NoError(t, err)
	assert.Equal(t, "error", e.NewStatus)
}

func TestDecodeCompleteJob(t *testing.T) {
	e, err := DecodeCompleteJob(`{"job_id":"j1","worker_id":"w1","result":{"url":"s3://out"}}`)
	require.NoError(t, err)
	assert.Equal(t, "j1", e.JobID())
	assert.JSONEq(t, `{"url":"s3://out"}`, string(e.Result))
}

func TestDecodeMachineEvent(t *testing.T) {
	e, err := DecodeMachineEvent(`{"event_type":"startup","machine_id":"m1","hostname":"m1.internal"}`)
	require.NoError(t, err)
	startup, ok := e.(*event.MachineStartup)
	require.True(t, ok)
	assert.Equal(t, "m1.internal", startup.Hostname)

	e, err = DecodeMachineEvent(`{"event_type":"startup_step","machine_id":"m1","step_name":"comfyui_start","elapsed_ms":1200}`)
	require.NoError(t, err)
	step, ok := e.(*event.MachineStartupStep)
	require.True(t, ok)
	assert.Equal(t, "ai_services", step.Phase)
	assert.Equal(t, int64(1200), step.ElapsedMS)

	e, err = DecodeMachineEvent(`{"type":"shutdown","machine_id":"m1","reason":"host reboot"}`)
	require.NoError(t, err)
	shutdown, ok := e.(*event.MachineShutdown)
	require.True(t, ok)
	assert.Equal(t, "host reboot", shutdown.Reason)

	_, err = DecodeMachineEvent(`{"event_type":"dance","machine_id":"m1"}`)
	require.Error(t, err)
}

func TestDecodeWorkerEvent(t *testing.T) {
	e, err := DecodeWorkerEvent(`{"event_type":"connected","worker_id":"w1","machine_id":"m1"}`)
	require.NoError(t, err)
	connected, ok := e.(*event.WorkerConnected)
	require.True(t, ok)
	assert.Equal(t, "m1", connected.MachineID)

	e, err = DecodeWorkerEvent(`{"type":"disconnected","worker_id":"w1","reason":"shutdown"}`)
	require.NoError(t, err)
	_, ok = e.(*event.WorkerDisconnected)
	require.True(t, ok)
}

func TestDecodeConnectorStatus(t *testing.T) {
	e, err := DecodeConnectorStatus("connector_status:w1", `{"connector":"comfyui","status":"degraded"}`)
	require.NoError(t, err)
	assert.Equal(t, "w1", e.WorkerID)
	assert.Equal(t, "comfyui", e.Connector)
	assert.Equal(t, "degraded", e.Status)

	// service alias
	e, err = DecodeConnectorStatus("connector_status:w1", `{"service":"a1111","status":"up"}`)
	require.NoError(t, err)
	assert.Equal(t, "a1111", e.Connector)

	_, err = DecodeConnectorStatus("connector_status:", `{"connector":"x","status":"up"}`)
	require.Error(t, err)
}
