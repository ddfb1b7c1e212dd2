package registry

import (
	"context"
	"sync"

	"github.com/anima-ai/anima/internal/circuit"
)

// Service is the narrow lifecycle protocol every registered provider
// implements. Per-kind operations (send_message, memorize, ...) live on
// the kind's own interface; buses type-assert the instance to reach them.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
	Capabilities() []string
}

// BaseService carries the common lifecycle fields. Concrete services embed
// it and override what they need.
type BaseService struct {
	name string
	caps []string

	mu      sync.Mutex
	started bool
}

// NewBaseService creates the embeddable lifecycle base.
func NewBaseService(name string, capabilities ...string) BaseService {
	return BaseService{name: name, caps: capabilities}
}

// Name returns the service's registered name.
func (s *BaseService) Name() string { return s.name }

func (s *BaseService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *BaseService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *BaseService) IsHealthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *BaseService) Capabilities() []string {
	out := make([]string, len(s.caps))
	copy(out, s.caps)
	return out
}

// Provider is one registered implementation of a service kind.
type Provider struct {
	Name          string
	Kind          ServiceKind
	Handler       string // empty for global providers
	Instance      Service
	Priority      Priority
	PriorityGroup int
	Strategy      SelectionStrategy
	Breaker       *circuit.Breaker

	capabilities map[string]struct{}
	order        int // registration sequence, tiebreaker inside a group
}

// HasCapabilities reports whether the provider's capability set is a
// superset of required.
func (p *Provider) HasCapabilities(required []string) bool {
	for _, c := range required {
		if _, ok := p.capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// CapabilityList returns the provider's capabilities as a sorted-insertion
// copy for reporting.
func (p *Provider) CapabilityList() []string {
	out := make([]string, 0, len(p.capabilities))
	for c := range p.capabilities {
		out = append(out, c)
	}
	return out
}

// Registration describes a provider being added to the registry.
type Registration struct {
	// Handler scopes the provider to one named caller. Empty registers it
	// globally.
	Handler string

	Kind     ServiceKind
	Name     string
	Instance Service

	Priority      Priority
	PriorityGroup int
	Strategy      SelectionStrategy

	// Capabilities overrides Instance.Capabilities() when non-nil.
	Capabilities []string

	// CircuitConfig overrides the registry's default breaker config.
	CircuitConfig *circuit.Config
}
