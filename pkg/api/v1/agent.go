package v1

import "time"

// AgentState is one of the agent's cognitive processing states
type AgentState string

const (
	AgentStateShutdown AgentState = "SHUTDOWN"
	AgentStateWakeup   AgentState = "WAKEUP"
	AgentStateWork     AgentState = "WORK"
	AgentStatePlay     AgentState = "PLAY"
	AgentStateSolitude AgentState = "SOLITUDE"
	AgentStateDream    AgentState = "DREAM"
)

// AgentStatusResponse is the /agent/status payload
type AgentStatusResponse struct {
	AgentID         string     `json:"agent_id"`
	Name            string     `json:"name"`
	State           AgentState `json:"state"`
	Uptime          float64    `json:"uptime_seconds"`
	ActiveTasks     int        `json:"active_tasks"`
	PendingTasks    int        `json:"pending_tasks"`
	PendingThoughts int        `json:"pending_thoughts"`
	ProcessorState  string     `json:"processor_state"`
	CurrentRound    int        `json:"current_round"`
	StartedAt       time.Time  `json:"started_at"`
}

// AgentIdentityResponse exposes the identity root minus private material
type AgentIdentityResponse struct {
	AgentID       string    `json:"agent_id"`
	Name          string    `json:"name"`
	Purpose       string    `json:"purpose"`
	IdentityHash  string    `json:"identity_hash"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Restrictions  []string  `json:"restrictions,omitempty"`
	TrustLevel    float64   `json:"trust_level"`
	CreatedAt     time.Time `json:"created_at"`
	LastModified  time.Time `json:"last_modified"`
	VersionNumber int       `json:"version_number"`
}

// StateTransitionRequest asks the runtime to change cognitive state
type StateTransitionRequest struct {
	TargetState AgentState `json:"target_state" binding:"required"`
	Reason      string     `json:"reason,omitempty"`
}

// StateTransitionRecord is one entry of the transition history
type StateTransitionRecord struct {
	FromState AgentState `json:"from_state"`
	ToState   AgentState `json:"to_state"`
	Timestamp time.Time  `json:"timestamp"`
}

// StateHistoryResponse wraps the transition history
type StateHistoryResponse struct {
	Current AgentState              `json:"current"`
	History []StateTransitionRecord `json:"history"`
}
