package registry

import (
	"sort"

	"github.com/anima-ai/anima/internal/circuit"
)

// ProviderInfo is a read-only snapshot of one registered provider.
type ProviderInfo struct {
	Name          string          `json:"name"`
	Kind          ServiceKind     `json:"kind"`
	Handler       string          `json:"handler,omitempty"`
	Priority      string          `json:"priority"`
	PriorityGroup int             `json:"priority_group"`
	Strategy      string          `json:"strategy"`
	Capabilities  []string        `json:"capabilities"`
	CircuitState  string          `json:"circuit_state"`
	Circuit       circuit.Metrics `json:"circuit"`
	Healthy       bool            `json:"healthy,omitempty"`
}

// KindDescription explains how lookups for one kind resolve.
type KindDescription struct {
	Kind      ServiceKind    `json:"kind"`
	Providers []ProviderInfo `json:"providers"`
}

// Description is the full routing explanation: every kind, every provider,
// in the order lookups consider them.
type Description struct {
	Kinds          []KindDescription `json:"kinds"`
	HandlerScopes  []string          `json:"handler_scopes,omitempty"`
	TotalProviders int               `json:"total_providers"`
	OpenCircuits   int               `json:"open_circuits"`
}

// Describe reports the current routing table. It never selects or rotates;
// listing is side-effect free.
func (r *Registry) Describe() Description {
	r.mu.Lock()
	handlers := make([]string, 0, len(r.scoped))
	for h := range r.scoped {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()
	sort.Strings(handlers)

	desc := Description{HandlerScopes: handlers}
	for _, kind := range AllKinds() {
		providers := r.GetAll(kind)
		if len(providers) == 0 {
			continue
		}
		sort.SliceStable(providers, func(a, b int) bool {
			if providers[a].PriorityGroup != providers[b].PriorityGroup {
				return providers[a].PriorityGroup < providers[b].PriorityGroup
			}
			if providers[a].Priority != providers[b].Priority {
				return providers[a].Priority < providers[b].Priority
			}
			return providers[a].order < providers[b].order
		})

		kd := KindDescription{Kind: kind}
		for _, p := range providers {
			info := ProviderInfo{
				Name:          p.Name,
				Kind:          p.Kind,
				Handler:       p.Handler,
				Priority:      p.Priority.String(),
				PriorityGroup: p.PriorityGroup,
				Strategy:      string(p.Strategy),
				Capabilities:  p.CapabilityList(),
				CircuitState:  p.Breaker.State().String(),
				Circuit:       p.Breaker.Metrics(),
			}
			if info.CircuitState == circuit.StateOpen.String() {
				desc.OpenCircuits++
			}
			kd.Providers = append(kd.Providers, info)
			desc.TotalProviders++
		}
		desc.Kinds = append(desc.Kinds, kd)
	}
	return desc
}
