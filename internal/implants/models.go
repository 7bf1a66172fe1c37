package implants

import (
	"time"
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusDisconnected Status = "disconnected"
	StatusTerminated   Status = "terminated"
)

// CapabilityGeneral is the wildcard tag: an implant declaring it accepts
// any task type regardless of the task's required capability.
const CapabilityGeneral = "general"

type Implant struct {
	ID   string
	Name string
	// Type is the implant's declared flavor (e.g. "recon", "exploit"),
	// set at bundle generation. The workflow matcher weights it.
	Type              string
	Status            Status
	Capabilities      []string
	AutonomyLevel     string
	MaxConcurrent     int
	ConnectionQuality int
	CertFingerprint   string
	LastHeartbeat     time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasCapability reports whether the implant can run a task requiring cap.
// An empty requirement or a declared wildcard always matches.
func (i *Implant) HasCapability(cap string) bool {
	if cap == "" {
		return true
	}
	for _, c := range i.Capabilities {
		if c == cap || c == CapabilityGeneral {
			return true
		}
	}
	return false
}

// Eligible reports whether the implant may receive new assignments.
func (i *Implant) Eligible() bool {
	return i.Status == StatusConnected || i.Status == StatusIdle
}

type TelemetrySample struct {
	ID               string
	ImplantID        string
	CPUPercent       float64
	MemoryMB         float64
	NetworkLatencyMs int
	TasksCompleted   int
	TasksFailed      int
	Anomaly          bool
	RecordedAt       time.Time
}

// Tuning carries the operator-adjustable implant parameters. Nil fields
// are left unchanged.
type Tuning struct {
	AutonomyLevel *string
	MaxConcurrent *int
	Capabilities  []string
}
