package buses

import (
	"context"
	"time"

	"github.com/anima-ai/anima/internal/graph"
)

// Message is one chat message as seen by communication providers.
type Message struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	ChannelID  string    `json:"channel_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsBot      bool      `json:"is_bot"`
}

// CommunicationService is implemented by adapter-backed providers
// registered under the communication kind.
type CommunicationService interface {
	SendMessage(ctx context.Context, channelID, content string) (bool, error)
	FetchMessages(ctx context.Context, channelID string, limit int) ([]*Message, error)
}

// MemoryService is the graph memory provider contract.
type MemoryService interface {
	Memorize(ctx context.Context, node *graph.Node, opts MemorizeOptions) (graph.Result, error)
	Recall(ctx context.Context, query graph.Query) ([]*graph.Node, error)
	Forget(ctx context.Context, nodeID string, scope graph.Scope) (graph.Result, error)
	Search(ctx context.Context, text string, query graph.Query) ([]*graph.Node, error)
	RecallTimeseries(ctx context.Context, scope graph.Scope, hours int, correlationTypes []string) ([]*graph.TimeseriesPoint, error)
}

// MemorizeOptions carries per-write metadata.
type MemorizeOptions struct {
	// Immutable forbids any later write to the same node id. Audit
	// entry nodes are always immutable.
	Immutable bool

	// UpdatedBy names the actor recorded on the node version.
	UpdatedBy string
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	CorrelationID string                 `json:"correlation_id"`
	ToolName      string                 `json:"tool_name"`
	Success       bool                   `json:"success"`
	Output        map[string]interface{} `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// ToolService executes named tools on behalf of the agent.
type ToolService interface {
	ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error)
	GetToolResult(ctx context.Context, correlationID string, timeout time.Duration) (*ToolResult, error)
	ListTools(ctx context.Context) ([]string, error)
}

// GuidanceContext frames a question for the wise authority.
type GuidanceContext struct {
	ThoughtID             string                 `json:"thought_id"`
	TaskID                string                 `json:"task_id"`
	Question              string                 `json:"question"`
	EthicalConsiderations []string               `json:"ethical_considerations,omitempty"`
	DomainContext         map[string]interface{} `json:"domain_context,omitempty"`
}

// DeferralContext asks the wise authority to resolve a decision the
// agent declines to make itself.
type DeferralContext struct {
	ThoughtID  string                 `json:"thought_id"`
	TaskID     string                 `json:"task_id"`
	Reason     string                 `json:"reason"`
	DeferUntil *time.Time             `json:"defer_until,omitempty"`
	Priority   string                 `json:"priority,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// WiseAuthorityService is the human-oversight provider contract.
type WiseAuthorityService interface {
	// FetchGuidance returns empty string when the authority has no
	// guidance to offer.
	FetchGuidance(ctx context.Context, guidance GuidanceContext) (string, error)
	SubmitDeferral(ctx context.Context, deferral DeferralContext) (bool, error)
}

// LLMMessage is one turn of a model conversation.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMResponse is a structured model completion.
type LLMResponse struct {
	Content      string                 `json:"content"`
	Structured   map[string]interface{} `json:"structured,omitempty"`
	Model        string                 `json:"model"`
	InputTokens  int                    `json:"input_tokens"`
	OutputTokens int                    `json:"output_tokens"`
}

// LLMService is the language-model provider contract.
type LLMService interface {
	CallStructured(ctx context.Context, messages []LLMMessage, schema map[string]interface{}) (*LLMResponse, error)
}
