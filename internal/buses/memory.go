package buses

import (
	"context"
	"fmt"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/graph"
	"github.com/anima-ai/anima/internal/registry"
)

// MemoryBus fronts the graph memory service kind. Audit, identity, and
// the observer all reach persistent memory through this bus.
type MemoryBus struct {
	BaseBus
}

// NewMemoryBus creates the memory facade for one handler.
func NewMemoryBus(handler string, reg *registry.Registry, corrs CorrelationStore, clk clock.Clock, log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		BaseBus: NewBaseBus(registry.KindMemory, handler, reg, corrs, clk, log, 0),
	}
}

// Memorize stores a node, failing validation on a missing id or scope.
func (b *MemoryBus) Memorize(ctx context.Context, node *graph.Node, opts MemorizeOptions) (graph.Result, error) {
	if node == nil || node.ID == "" {
		return graph.Result{Status: graph.StatusError}, fmt.Errorf("%w: node id is required", ErrValidation)
	}
	if !node.Scope.Valid() {
		return graph.Result{Status: graph.StatusError}, fmt.Errorf("%w: invalid scope %q", ErrValidation, node.Scope)
	}

	var result graph.Result
	_, err := b.Call(ctx, "memorize", map[string]interface{}{
		"node_id":   node.ID,
		"node_type": string(node.Type),
		"scope":     string(node.Scope),
		"immutable": opts.Immutable,
	}, nil, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		mem, ok := svc.(MemoryService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement MemoryService"))
		}
		var err error
		result, err = mem.Memorize(ctx, node, opts)
		if err != nil {
			return nil, err
		}
		if result.Status == graph.StatusDenied {
			// Denial is a policy outcome, not a provider fault.
			return nil, Permanent(fmt.Errorf("memorize denied: %s", result.Error))
		}
		return map[string]interface{}{"status": string(result.Status)}, nil
	})
	if err != nil {
		if result.Status == "" {
			result.Status = graph.StatusError
			result.Error = err.Error()
		}
		return result, err
	}
	return result, nil
}

// Recall fetches nodes matching the query.
func (b *MemoryBus) Recall(ctx context.Context, query graph.Query) ([]*graph.Node, error) {
	var nodes []*graph.Node
	_, err := b.Call(ctx, "recall", map[string]interface{}{
		"node_id": query.NodeID,
		"type":    string(query.Type),
		"scope":   string(query.Scope),
	}, nil, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		mem, ok := svc.(MemoryService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement MemoryService"))
		}
		var err error
		nodes, err = mem.Recall(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"count": len(nodes)}, nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// Forget removes a node from graph memory.
func (b *MemoryBus) Forget(ctx context.Context, nodeID string, scope graph.Scope) (graph.Result, error) {
	if nodeID == "" {
		return graph.Result{Status: graph.StatusError}, fmt.Errorf("%w: node id is required", ErrValidation)
	}

	var result graph.Result
	_, err := b.Call(ctx, "forget", map[string]interface{}{
		"node_id": nodeID,
		"scope":   string(scope),
	}, nil, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		mem, ok := svc.(MemoryService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement MemoryService"))
		}
		var err error
		result, err = mem.Forget(ctx, nodeID, scope)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": string(result.Status)}, nil
	})
	if err != nil {
		return graph.Result{Status: graph.StatusError, Error: err.Error()}, err
	}
	return result, nil
}

// Search finds nodes whose attributes contain text, narrowed by query.
func (b *MemoryBus) Search(ctx context.Context, text string, query graph.Query) ([]*graph.Node, error) {
	var nodes []*graph.Node
	_, err := b.Call(ctx, "search", map[string]interface{}{
		"text":  text,
		"type":  string(query.Type),
		"scope": string(query.Scope),
	}, nil, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		mem, ok := svc.(MemoryService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement MemoryService"))
		}
		var err error
		nodes, err = mem.Search(ctx, text, query)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"count": len(nodes)}, nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// RecallTimeseries returns datapoints from the trailing time window.
func (b *MemoryBus) RecallTimeseries(ctx context.Context, scope graph.Scope, hours int, correlationTypes []string) ([]*graph.TimeseriesPoint, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("%w: hours must be positive", ErrValidation)
	}

	var points []*graph.TimeseriesPoint
	_, err := b.Call(ctx, "recall_timeseries", map[string]interface{}{
		"scope": string(scope),
		"hours": hours,
	}, nil, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		mem, ok := svc.(MemoryService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement MemoryService"))
		}
		var err error
		points, err = mem.RecallTimeseries(ctx, scope, hours, correlationTypes)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"count": len(points)}, nil
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}
