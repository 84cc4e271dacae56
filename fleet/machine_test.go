package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStartupStep(t *testing.T) {
	cases := []struct {
		step string
		want string
	}{
		{"shared_volume_mount", PhaseSharedSetup},
		{"SHARED_env", PhaseSharedSetup},
		{"core_services", PhaseCoreInfrastructure},
		{"redis_connect", PhaseCoreInfrastructure},
		{"nginx_config", PhaseCoreInfrastructure},
		{"infra_health", PhaseCoreInfrastructure},
		{"ai_model_download", PhaseAIServices},
		{"comfyui_start", PhaseAIServices},
		{"ollama_pull", PhaseAIServices},
		{"telemetry_agent", PhaseSupportingServices},
		{"", PhaseSupportingServices},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyStartupStep(tc.step), "step %q", tc.step)
	}
}

func TestMachineFromFields(t *testing.T) {
	m := MachineFromFields("gpu-box", map[string]string{
		"status":       "ready",
		"hostname":     "gpu-box.internal",
		"os":           "linux",
		"cpu_cores":    "32",
		"gpu_count":    "4",
		"gpu_models":   "RTX 4090",
		"total_ram_gb": "128.0",
		"started_at":   "2024-06-01T12:00:00Z",
	})

	assert.Equal(t, "gpu-box", m.ID)
	assert.Equal(t, MachineReady, m.Status)
	assert.Equal(t, 32, m.CPUCores)
	assert.Equal(t, 4, m.GPUCount)
	assert.Equal(t, 128.0, m.TotalRAMGB)
	assert.NotNil(t, m.Workers)
}

func TestMachineFromFieldsDefaultsToOffline(t *testing.T) {
	m := MachineFromFields("ghost", map[string]string{"hostname": "h"})
	assert.Equal(t, MachineOffline, m.Status)
}
