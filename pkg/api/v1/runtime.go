package v1

import "time"

// HealthResponse is the unauthenticated liveness payload
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessorStatusResponse reports the thought processor loop
type ProcessorStatusResponse struct {
	State           string  `json:"state"`
	CurrentRound    int     `json:"current_round"`
	ActiveThoughts  int     `json:"active_thoughts"`
	PendingThoughts int     `json:"pending_thoughts"`
	RoundDuration   float64 `json:"last_round_seconds,omitempty"`
	Paused          bool    `json:"paused"`
}

// SingleStepResponse reports one manually driven round
type SingleStepResponse struct {
	Round             int     `json:"round"`
	ThoughtsProcessed int     `json:"thoughts_processed"`
	DurationSeconds   float64 `json:"duration_seconds"`
}

// QueueStatusResponse summarizes processing backlog
type QueueStatusResponse struct {
	PendingTasks       int `json:"pending_tasks"`
	ActiveTasks        int `json:"active_tasks"`
	PendingThoughts    int `json:"pending_thoughts"`
	ProcessingThoughts int `json:"processing_thoughts"`
}

// ServiceProviderView is one registry provider in API form
type ServiceProviderView struct {
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Handler       string   `json:"handler,omitempty"`
	Priority      string   `json:"priority"`
	PriorityGroup int      `json:"priority_group"`
	Strategy      string   `json:"strategy"`
	Capabilities  []string `json:"capabilities"`
	CircuitState  string   `json:"circuit_state"`
}

// ServiceListResponse wraps the registry routing table
type ServiceListResponse struct {
	Services       []ServiceProviderView `json:"services"`
	TotalProviders int                   `json:"total_providers"`
	OpenCircuits   int                   `json:"open_circuits"`
}

// CircuitResetRequest scopes a breaker reset
type CircuitResetRequest struct {
	Kind string `json:"kind,omitempty"`
}

// CircuitResetResponse reports how many breakers were reset
type CircuitResetResponse struct {
	ResetCount int `json:"reset_count"`
}

// ResourceUsageView is one resource's current standing
type ResourceUsageView struct {
	Current  float64 `json:"current"`
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
	Limit    float64 `json:"limit"`
	Healthy  bool    `json:"healthy"`
}

// ResourceSnapshotResponse is the /system/resources payload
type ResourceSnapshotResponse struct {
	Timestamp      time.Time                    `json:"timestamp"`
	MemoryMB       float64                      `json:"memory_mb"`
	CPUPercent     float64                      `json:"cpu_percent"`
	TokensUsedHour float64                      `json:"tokens_used_hour"`
	TokensUsedDay  float64                      `json:"tokens_used_day"`
	ThoughtsActive int                          `json:"thoughts_active"`
	Resources      map[string]ResourceUsageView `json:"resources"`
	HealthyOverall bool                         `json:"healthy"`
}
