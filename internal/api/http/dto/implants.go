package dto

import "time"

type RegisterImplantRequest struct {
	Name          string   `json:"name" binding:"required"`
	Type          string   `json:"type"`
	AutonomyLevel string   `json:"autonomy_level"`
	Capabilities  []string `json:"capabilities"`
}

type TuneImplantRequest struct {
	AutonomyLevel *string  `json:"autonomy_level"`
	MaxConcurrent *int     `json:"max_concurrent"`
	Capabilities  []string `json:"capabilities"`
}

type TelemetryRequest struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryMB         float64 `json:"memory_mb"`
	NetworkLatencyMs int     `json:"network_latency_ms"`
	TasksCompleted   int     `json:"tasks_completed"`
	TasksFailed      int     `json:"tasks_failed"`
	Anomaly          bool    `json:"anomaly"`
}

type ImplantResponse struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	Status            string    `json:"status"`
	Capabilities      []string  `json:"capabilities"`
	AutonomyLevel     string    `json:"autonomy_level"`
	MaxConcurrent     int       `json:"max_concurrent"`
	ConnectionQuality int       `json:"connection_quality"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	CreatedAt         time.Time `json:"created_at"`
}

type ListImplantsResponse struct {
	Implants []ImplantResponse `json:"implants"`
	Total    int               `json:"total"`
}
