package buses

import (
	"context"
	"fmt"
	"time"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/registry"
)

// ToolBus fronts the tool service kind.
type ToolBus struct {
	BaseBus
}

// NewToolBus creates the tool facade for one handler. timeout bounds a
// single tool execution; zero selects the 30 s default.
func NewToolBus(handler string, reg *registry.Registry, corrs CorrelationStore, clk clock.Clock, log *logger.Logger, timeout time.Duration) *ToolBus {
	return &ToolBus{
		BaseBus: NewBaseBus(registry.KindTool, handler, reg, corrs, clk, log, timeout),
	}
}

// ExecuteTool runs the named tool with params. A tool reported failure
// (result.Success == false) is still a successful dispatch; only
// transport errors trigger fallback.
func (b *ToolBus) ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: tool name is required", ErrValidation)
	}

	var result *ToolResult
	_, err := b.Call(ctx, "execute_tool", map[string]interface{}{
		"tool": name,
	}, []string{"execute_tool"}, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		tool, ok := svc.(ToolService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement ToolService"))
		}
		var err error
		result, err = tool.ExecuteTool(ctx, name, params)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"success":        result.Success,
			"correlation_id": result.CorrelationID,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetToolResult polls for a previously dispatched tool's outcome.
func (b *ToolBus) GetToolResult(ctx context.Context, correlationID string, timeout time.Duration) (*ToolResult, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("%w: correlation_id is required", ErrValidation)
	}

	var result *ToolResult
	_, err := b.Call(ctx, "get_tool_result", map[string]interface{}{
		"correlation_id": correlationID,
	}, nil, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		tool, ok := svc.(ToolService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement ToolService"))
		}
		var err error
		result, err = tool.GetToolResult(ctx, correlationID, timeout)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": result.Success}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTools returns the union of tool names across eligible providers.
func (b *ToolBus) ListTools(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var names []string
	for _, provider := range b.reg.SelectCandidates(b.handler, registry.KindTool, nil) {
		tool, ok := provider.Instance.(ToolService)
		if !ok {
			continue
		}
		list, err := tool.ListTools(ctx)
		if err != nil {
			continue
		}
		for _, name := range list {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
	}
	return names, nil
}
