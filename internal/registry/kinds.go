package registry

// ServiceKind identifies the category a provider is registered under.
// Buses exist for the bussed kinds; the rest are direct-lookup services.
type ServiceKind string

const (
	KindCommunication       ServiceKind = "communication"
	KindWiseAuthority       ServiceKind = "wise_authority"
	KindTool                ServiceKind = "tool"
	KindMemory              ServiceKind = "memory"
	KindAudit               ServiceKind = "audit"
	KindLLM                 ServiceKind = "llm"
	KindTelemetry           ServiceKind = "telemetry"
	KindConfig              ServiceKind = "config"
	KindRuntimeControl      ServiceKind = "runtime_control"
	KindSecrets             ServiceKind = "secrets"
	KindTime                ServiceKind = "time"
	KindShutdown            ServiceKind = "shutdown"
	KindInitialization      ServiceKind = "initialization"
	KindTaskScheduler       ServiceKind = "task_scheduler"
	KindAuthentication      ServiceKind = "authentication"
	KindResourceMonitor     ServiceKind = "resource_monitor"
	KindVisibility          ServiceKind = "visibility"
	KindAdaptiveFilter      ServiceKind = "adaptive_filter"
	KindSelfConfiguration   ServiceKind = "self_configuration"
	KindTSDBConsolidation   ServiceKind = "tsdb_consolidation"
	KindIncidentManagement  ServiceKind = "incident_management"
	KindDatabaseMaintenance ServiceKind = "database_maintenance"
)

// AllKinds lists every service kind in registration order.
func AllKinds() []ServiceKind {
	return []ServiceKind{
		KindCommunication,
		KindWiseAuthority,
		KindTool,
		KindMemory,
		KindAudit,
		KindLLM,
		KindTelemetry,
		KindConfig,
		KindRuntimeControl,
		KindSecrets,
		KindTime,
		KindShutdown,
		KindInitialization,
		KindTaskScheduler,
		KindAuthentication,
		KindResourceMonitor,
		KindVisibility,
		KindAdaptiveFilter,
		KindSelfConfiguration,
		KindTSDBConsolidation,
		KindIncidentManagement,
		KindDatabaseMaintenance,
	}
}

// Valid reports whether k is a known service kind.
func (k ServiceKind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Priority orders providers inside a priority group. Lower values win.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
	PriorityFallback Priority = 9
)

// String returns the uppercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityFallback:
		return "FALLBACK"
	default:
		return "UNKNOWN"
	}
}

// SelectionStrategy chooses among eligible providers inside one group.
type SelectionStrategy string

const (
	// StrategyFallback picks the first provider by priority order.
	StrategyFallback SelectionStrategy = "FALLBACK"

	// StrategyRoundRobin rotates a per-(handler,kind,group) cursor.
	StrategyRoundRobin SelectionStrategy = "ROUND_ROBIN"
)
