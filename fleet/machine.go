package fleet

import (
	"strconv"
	"strings"
)

// Machine status values written by lifecycle events
const (
	MachineStarting = "starting"
	MachineReady    = "ready"
	MachineOffline  = "offline"
)

// Startup phase buckets for monitor UIs
const (
	PhaseSharedSetup        = "shared_setup"
	PhaseCoreInfrastructure = "core_infrastructure"
	PhaseAIServices         = "ai_services"
	PhaseSupportingServices = "supporting_services"
)

// Machine is the decoded machine:{id}:info hash. Workers is populated by the
// snapshot builder from live worker records, not stored.
type Machine struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	Hostname     string   `json:"hostname,omitempty"`
	OS           string   `json:"os,omitempty"`
	CPUCores     int      `json:"cpu_cores,omitempty"`
	GPUCount     int      `json:"gpu_count,omitempty"`
	GPUModels    string   `json:"gpu_models,omitempty"`
	TotalRAMGB   float64  `json:"total_ram_gb,omitempty"`
	StartedAt    string   `json:"started_at,omitempty"`
	LastActivity string   `json:"last_activity,omitempty"`
	Workers      []string `json:"workers"`
}

// MachineFromFields decodes a machine hash
func MachineFromFields(id string, fields map[string]string) *Machine {
	m := &Machine{
		ID:           id,
		Status:       fields["status"],
		Hostname:     fields["hostname"],
		OS:           fields["os"],
		CPUCores:     atoiDefault(fields["cpu_cores"], 0),
		GPUCount:     atoiDefault(fields["gpu_count"], 0),
		GPUModels:    fields["gpu_models"],
		StartedAt:    fields["started_at"],
		LastActivity: fields["last_activity"],
		Workers:      []string{},
	}
	if v := fields["total_ram_gb"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			m.TotalRAMGB = f
		}
	}
	if m.Status == "" {
		m.Status = MachineOffline
	}
	return m
}

// ClassifyStartupStep buckets a startup step name into a phase by prefix.
// Step names come from machine bootstrap scripts and follow loose naming,
// so matching is prefix-based on the lowercased name.
func ClassifyStartupStep(step string) string {
	s := strings.ToLower(step)
	switch {
	case strings.HasPrefix(s, "shared"):
		return PhaseSharedSetup
	case strings.HasPrefix(s, "core"),
		strings.HasPrefix(s, "redis"),
		strings.HasPrefix(s, "nginx"),
		strings.HasPrefix(s, "infra"):
		return PhaseCoreInfrastructure
	case strings.HasPrefix(s, "ai"),
		strings.HasPrefix(s, "comfy"),
		strings.HasPrefix(s, "ollama"):
		return PhaseAIServices
	}
	return PhaseSupportingServices
}
