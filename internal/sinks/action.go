package sinks

import (
	"context"
	"fmt"

	"github.com/anima-ai/anima/internal/audit"
	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/common/logger"
)

// ActionType names one outbound action class.
type ActionType string

const (
	ActionSendMessage ActionType = "send_message"
	ActionRunTool     ActionType = "run_tool"
)

// Action is one generic outbound item.
type Action struct {
	Type      ActionType
	ThoughtID string
	TaskID    string

	// send_message
	ChannelID string
	Content   string

	// run_tool
	ToolName string
	Params   map[string]interface{}
}

// ActionSink delivers generic outbound actions through the
// communication and tool buses.
type ActionSink struct {
	*Sink[*Action]

	comm  *buses.CommunicationBus
	tools *buses.ToolBus
	audit *audit.Service
}

// NewActionSink creates the outbound action queue.
func NewActionSink(size int, comm *buses.CommunicationBus, tools *buses.ToolBus, auditSvc *audit.Service, log *logger.Logger) *ActionSink {
	s := &ActionSink{comm: comm, tools: tools, audit: auditSvc}
	s.Sink = NewSink[*Action]("action_sink", size, log, s.processAction)
	return s
}

func (s *ActionSink) processAction(ctx context.Context, action *Action) error {
	var err error
	switch action.Type {
	case ActionSendMessage:
		_, err = s.comm.SendMessage(ctx, action.ChannelID, action.Content)
	case ActionRunTool:
		_, err = s.tools.ExecuteTool(ctx, action.ToolName, action.Params)
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}

	if s.audit != nil {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		if _, auditErr := s.audit.LogAction(ctx, string(action.Type), audit.ActionContext{
			ThoughtID:   action.ThoughtID,
			TaskID:      action.TaskID,
			HandlerName: "action_sink",
		}, outcome); auditErr != nil {
			return fmt.Errorf("action dispatch: %v (audit also failed: %w)", err, auditErr)
		}
	}
	return err
}
