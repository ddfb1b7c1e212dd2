package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/registry"
)

// ToolFunc executes one named tool.
type ToolFunc func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// BuiltinTools is the in-process tool provider. Results are retained
// in memory so GetToolResult can answer by correlation id.
type BuiltinTools struct {
	registry.BaseService

	clk clock.Clock

	mu      sync.Mutex
	tools   map[string]ToolFunc
	results map[string]*buses.ToolResult
}

// NewBuiltinTools creates the provider with the default tool set.
func NewBuiltinTools(clk clock.Clock) *BuiltinTools {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	t := &BuiltinTools{
		BaseService: registry.NewBaseService("builtin_tools", "execute_tool", "list_tools"),
		clk:         clk,
		tools:       map[string]ToolFunc{},
		results:     map[string]*buses.ToolResult{},
	}
	t.RegisterTool("echo", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"echo": params["text"]}, nil
	})
	t.RegisterTool("current_time", func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"now": clk.NowISO()}, nil
	})
	return t
}

var _ registry.Service = (*BuiltinTools)(nil)
var _ buses.ToolService = (*BuiltinTools)(nil)

// RegisterTool adds or replaces a named tool.
func (t *BuiltinTools) RegisterTool(name string, fn ToolFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[name] = fn
}

// ExecuteTool runs the named tool synchronously.
func (t *BuiltinTools) ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (*buses.ToolResult, error) {
	t.mu.Lock()
	fn, ok := t.tools[name]
	t.mu.Unlock()

	result := &buses.ToolResult{
		CorrelationID: fmt.Sprintf("corr_%s", uuid.New().String()),
		ToolName:      name,
	}
	if !ok {
		result.Error = fmt.Sprintf("unknown tool %q", name)
		t.store(result)
		return result, nil
	}

	output, err := fn(ctx, params)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.Output = output
	}
	t.store(result)
	return result, nil
}

// GetToolResult returns a completed result by correlation id, polling
// until the timeout elapses.
func (t *BuiltinTools) GetToolResult(ctx context.Context, correlationID string, timeout time.Duration) (*buses.ToolResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		result, ok := t.results[correlationID]
		t.mu.Unlock()
		if ok {
			return result, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no result for correlation %s", correlationID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ListTools names the registered tools, sorted.
func (t *BuiltinTools) ListTools(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.tools))
	for name := range t.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (t *BuiltinTools) store(result *buses.ToolResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Bounded retention: drop oldest arbitrary entries past 1000.
	if len(t.results) >= 1000 {
		for id := range t.results {
			delete(t.results, id)
			break
		}
	}
	t.results[result.CorrelationID] = result
}
