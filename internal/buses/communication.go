package buses

import (
	"context"
	"fmt"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/registry"
)

// CommunicationBus fronts the communication service kind.
type CommunicationBus struct {
	BaseBus
}

// NewCommunicationBus creates the communication facade for one handler.
func NewCommunicationBus(handler string, reg *registry.Registry, corrs CorrelationStore, clk clock.Clock, log *logger.Logger) *CommunicationBus {
	return &CommunicationBus{
		BaseBus: NewBaseBus(registry.KindCommunication, handler, reg, corrs, clk, log, 0),
	}
}

// SendMessage delivers content to a channel through the selected
// provider. The boolean mirrors the adapter contract: false means the
// adapter accepted the call but could not deliver.
func (b *CommunicationBus) SendMessage(ctx context.Context, channelID, content string) (bool, error) {
	if channelID == "" {
		return false, fmt.Errorf("%w: channel_id is required", ErrValidation)
	}
	if content == "" {
		return false, fmt.Errorf("%w: content is required", ErrValidation)
	}

	var sent bool
	_, err := b.Call(ctx, "send_message", map[string]interface{}{
		"channel_id":     channelID,
		"content_length": len(content),
	}, []string{"send_message"}, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		comm, ok := svc.(CommunicationService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement CommunicationService"))
		}
		var err error
		sent, err = comm.SendMessage(ctx, channelID, content)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"sent": sent}, nil
	})
	if err != nil {
		return false, err
	}
	return sent, nil
}

// FetchMessages retrieves recent channel history from the provider.
func (b *CommunicationBus) FetchMessages(ctx context.Context, channelID string, limit int) ([]*Message, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel_id is required", ErrValidation)
	}
	if limit <= 0 {
		limit = 20
	}

	var messages []*Message
	_, err := b.Call(ctx, "fetch_messages", map[string]interface{}{
		"channel_id": channelID,
		"limit":      limit,
	}, []string{"fetch_messages"}, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		comm, ok := svc.(CommunicationService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement CommunicationService"))
		}
		var err error
		messages, err = comm.FetchMessages(ctx, channelID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"count": len(messages)}, nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}
