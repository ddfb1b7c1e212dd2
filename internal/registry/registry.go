// Package registry implements the typed multi-provider service registry.
// Providers register under a service kind with a priority, priority group,
// selection strategy, capability set, and a circuit breaker; lookups walk
// priority groups lowest-first and skip providers whose breaker is open.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/circuit"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
)

var (
	ErrUnknownKind       = errors.New("unknown service kind")
	ErrNilInstance       = errors.New("provider instance is nil")
	ErrDuplicateProvider = errors.New("provider already registered")
)

// BreakerChangeFunc observes circuit state transitions so they can be
// audited.
type BreakerChangeFunc func(providerName string, kind ServiceKind, from, to circuit.State)

// Config holds registry construction options.
type Config struct {
	// BreakerDefaults is applied to providers that do not override it.
	BreakerDefaults circuit.Config

	// OnBreakerChange, when set, observes every provider breaker
	// transition.
	OnBreakerChange BreakerChangeFunc
}

// Registry maps (handler, kind) to ordered providers. It is process-scoped:
// the runtime owns one instance and passes it to components explicitly.
type Registry struct {
	mu      sync.Mutex
	global  map[ServiceKind][]*Provider
	scoped  map[string]map[ServiceKind][]*Provider
	cursors map[string]int
	nextOrd int

	cfg Config
	clk clock.Clock
	log *logger.Logger
}

// New creates an empty registry.
func New(cfg Config, clk clock.Clock, log *logger.Logger) *Registry {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		global:  make(map[ServiceKind][]*Provider),
		scoped:  make(map[string]map[ServiceKind][]*Provider),
		cursors: make(map[string]int),
		cfg:     cfg,
		clk:     clk,
		log:     log.WithComponent("service_registry"),
	}
}

// Register adds a provider. The returned Provider is live: priority and
// strategy updates through the registry take effect on the next lookup.
func (r *Registry) Register(reg Registration) (*Provider, error) {
	if !reg.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, reg.Kind)
	}
	if reg.Instance == nil {
		return nil, ErrNilInstance
	}
	if reg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if reg.Strategy == "" {
		reg.Strategy = StrategyFallback
	}

	caps := reg.Capabilities
	if caps == nil {
		caps = reg.Instance.Capabilities()
	}
	capSet := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}

	bcfg := r.cfg.BreakerDefaults
	if reg.CircuitConfig != nil {
		bcfg = *reg.CircuitConfig
	}
	kind := reg.Kind
	name := reg.Name
	if hook := r.cfg.OnBreakerChange; hook != nil {
		prev := bcfg.OnStateChange
		bcfg.OnStateChange = func(_ string, from, to circuit.State) {
			if prev != nil {
				prev(name, from, to)
			}
			hook(name, kind, from, to)
		}
	}

	p := &Provider{
		Name:          reg.Name,
		Kind:          reg.Kind,
		Handler:       reg.Handler,
		Instance:      reg.Instance,
		Priority:      reg.Priority,
		PriorityGroup: reg.PriorityGroup,
		Strategy:      reg.Strategy,
		Breaker:       circuit.NewBreaker(reg.Name, bcfg, r.clk),
		capabilities:  capSet,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.listLocked(reg.Handler, reg.Kind)
	for _, existing := range list {
		if existing.Name == p.Name {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateProvider, reg.Kind, reg.Name)
		}
	}
	p.order = r.nextOrd
	r.nextOrd++

	if reg.Handler == "" {
		r.global[reg.Kind] = append(r.global[reg.Kind], p)
	} else {
		byKind, ok := r.scoped[reg.Handler]
		if !ok {
			byKind = make(map[ServiceKind][]*Provider)
			r.scoped[reg.Handler] = byKind
		}
		byKind[reg.Kind] = append(byKind[reg.Kind], p)
	}

	r.log.Info("provider registered",
		zap.String("kind", string(reg.Kind)),
		zap.String("provider", reg.Name),
		zap.String("handler", reg.Handler),
		zap.String("priority", p.Priority.String()),
		zap.Int("priority_group", p.PriorityGroup),
		zap.String("strategy", string(p.Strategy)))

	return p, nil
}

// Unregister removes a provider. It returns false when no such provider
// exists.
func (r *Registry) Unregister(handler string, kind ServiceKind, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.listLocked(handler, kind)
	for i, p := range list {
		if p.Name == name {
			list = append(list[:i], list[i+1:]...)
			if handler == "" {
				r.global[kind] = list
			} else {
				r.scoped[handler][kind] = list
			}
			r.log.Info("provider unregistered",
				zap.String("kind", string(kind)),
				zap.String("provider", name))
			return true
		}
	}
	return false
}

// Acquire returns the single best provider for the lookup, or false when
// none is eligible.
func (r *Registry) Acquire(handler string, kind ServiceKind, required []string) (*Provider, bool) {
	candidates := r.SelectCandidates(handler, kind, required)
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0], true
}

// SelectCandidates returns every eligible provider in selection order:
// handler-scoped providers first, then global; within each scope, priority
// groups ascending; within the first eligible group the strategy applies
// (round-robin rotates and advances its cursor), deeper groups keep
// priority order for fallback retries.
func (r *Registry) SelectCandidates(handler string, kind ServiceKind, required []string) []*Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Provider
	if handler != "" {
		if byKind, ok := r.scoped[handler]; ok {
			out = append(out, r.orderedEligibleLocked(handler, kind, byKind[kind], required, len(out) == 0)...)
		}
	}
	out = append(out, r.orderedEligibleLocked("", kind, r.global[kind], required, len(out) == 0)...)
	return out
}

// orderedEligibleLocked filters and orders one scope's providers. Caller
// holds r.mu. rotateFirst controls whether the first eligible group's
// round-robin cursor applies (only the scope that supplies the winning
// provider rotates).
func (r *Registry) orderedEligibleLocked(handler string, kind ServiceKind, providers []*Provider, required []string, rotateFirst bool) []*Provider {
	if len(providers) == 0 {
		return nil
	}

	groups := make(map[int][]*Provider)
	for _, p := range providers {
		if !p.HasCapabilities(required) {
			continue
		}
		if p.Breaker.State() == circuit.StateOpen {
			continue
		}
		groups[p.PriorityGroup] = append(groups[p.PriorityGroup], p)
	}
	if len(groups) == 0 {
		return nil
	}

	groupNums := make([]int, 0, len(groups))
	for g := range groups {
		groupNums = append(groupNums, g)
	}
	sort.Ints(groupNums)

	var out []*Provider
	for i, g := range groupNums {
		members := groups[g]
		sort.SliceStable(members, func(a, b int) bool {
			if members[a].Priority != members[b].Priority {
				return members[a].Priority < members[b].Priority
			}
			return members[a].order < members[b].order
		})
		if i == 0 && rotateFirst && groupRoundRobin(members) {
			key := cursorKey(handler, kind, g)
			cur := r.cursors[key] % len(members)
			r.cursors[key] = cur + 1
			rotated := make([]*Provider, 0, len(members))
			rotated = append(rotated, members[cur:]...)
			rotated = append(rotated, members[:cur]...)
			members = rotated
		}
		out = append(out, members...)
	}
	return out
}

// groupRoundRobin reports whether every member of the group asked for
// round-robin selection. Mixed groups fall back to priority order.
func groupRoundRobin(members []*Provider) bool {
	for _, p := range members {
		if p.Strategy != StrategyRoundRobin {
			return false
		}
	}
	return len(members) > 0
}

func cursorKey(handler string, kind ServiceKind, group int) string {
	return fmt.Sprintf("%s/%s/%d", handler, kind, group)
}

// GetAll returns every provider registered for kind, scoped and global.
func (r *Registry) GetAll(kind ServiceKind) []*Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Provider
	out = append(out, r.global[kind]...)
	for _, byKind := range r.scoped {
		out = append(out, byKind[kind]...)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].order < out[b].order })
	return out
}

// Kinds returns the kinds that currently have at least one provider.
func (r *Registry) Kinds() []ServiceKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[ServiceKind]struct{})
	for k, list := range r.global {
		if len(list) > 0 {
			seen[k] = struct{}{}
		}
	}
	for _, byKind := range r.scoped {
		for k, list := range byKind {
			if len(list) > 0 {
				seen[k] = struct{}{}
			}
		}
	}
	out := make([]ServiceKind, 0, len(seen))
	for _, k := range AllKinds() {
		if _, ok := seen[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// ResetCircuitBreakers forces breakers closed. An empty kind resets every
// provider.
func (r *Registry) ResetCircuitBreakers(kind ServiceKind) int {
	var targets []*Provider
	r.mu.Lock()
	for k, list := range r.global {
		if kind == "" || k == kind {
			targets = append(targets, list...)
		}
	}
	for _, byKind := range r.scoped {
		for k, list := range byKind {
			if kind == "" || k == kind {
				targets = append(targets, list...)
			}
		}
	}
	r.mu.Unlock()

	for _, p := range targets {
		p.Breaker.Reset()
	}
	return len(targets)
}

// SetPriority updates a provider's priority and group. The change applies
// to the next lookup.
func (r *Registry) SetPriority(name string, priority Priority, group int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findLocked(name)
	if p == nil {
		return fmt.Errorf("provider %q not found", name)
	}
	p.Priority = priority
	p.PriorityGroup = group
	return nil
}

// SetStrategy updates a provider's selection strategy.
func (r *Registry) SetStrategy(name string, strategy SelectionStrategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findLocked(name)
	if p == nil {
		return fmt.Errorf("provider %q not found", name)
	}
	p.Strategy = strategy
	return nil
}

func (r *Registry) findLocked(name string) *Provider {
	for _, list := range r.global {
		for _, p := range list {
			if p.Name == name {
				return p
			}
		}
	}
	for _, byKind := range r.scoped {
		for _, list := range byKind {
			for _, p := range list {
				if p.Name == name {
					return p
				}
			}
		}
	}
	return nil
}

func (r *Registry) listLocked(handler string, kind ServiceKind) []*Provider {
	if handler == "" {
		return r.global[kind]
	}
	if byKind, ok := r.scoped[handler]; ok {
		return byKind[kind]
	}
	return nil
}
