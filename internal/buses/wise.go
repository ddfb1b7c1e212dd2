package buses

import (
	"context"
	"fmt"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/registry"
)

// WiseBus fronts the wise_authority service kind.
type WiseBus struct {
	BaseBus
}

// NewWiseBus creates the wise-authority facade for one handler.
func NewWiseBus(handler string, reg *registry.Registry, corrs CorrelationStore, clk clock.Clock, log *logger.Logger) *WiseBus {
	return &WiseBus{
		BaseBus: NewBaseBus(registry.KindWiseAuthority, handler, reg, corrs, clk, log, 0),
	}
}

// FetchGuidance asks the authority a framed question. An empty string
// with nil error means the authority declined to answer.
func (b *WiseBus) FetchGuidance(ctx context.Context, guidance GuidanceContext) (string, error) {
	if guidance.Question == "" {
		return "", fmt.Errorf("%w: question is required", ErrValidation)
	}
	if guidance.ThoughtID == "" || guidance.TaskID == "" {
		return "", fmt.Errorf("%w: thought_id and task_id are required", ErrValidation)
	}

	var answer string
	_, err := b.Call(ctx, "fetch_guidance", map[string]interface{}{
		"thought_id": guidance.ThoughtID,
		"task_id":    guidance.TaskID,
	}, []string{"fetch_guidance"}, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		wa, ok := svc.(WiseAuthorityService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement WiseAuthorityService"))
		}
		var err error
		answer, err = wa.FetchGuidance(ctx, guidance)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"answered": answer != ""}, nil
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}

// SubmitDeferral hands a decision to the authority.
func (b *WiseBus) SubmitDeferral(ctx context.Context, deferral DeferralContext) (bool, error) {
	if deferral.Reason == "" {
		return false, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if deferral.ThoughtID == "" || deferral.TaskID == "" {
		return false, fmt.Errorf("%w: thought_id and task_id are required", ErrValidation)
	}

	var accepted bool
	_, err := b.Call(ctx, "submit_deferral", map[string]interface{}{
		"thought_id": deferral.ThoughtID,
		"task_id":    deferral.TaskID,
		"reason":     deferral.Reason,
	}, []string{"submit_deferral"}, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		wa, ok := svc.(WiseAuthorityService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement WiseAuthorityService"))
		}
		var err error
		accepted, err = wa.SubmitDeferral(ctx, deferral)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"accepted": accepted}, nil
	})
	if err != nil {
		return false, err
	}
	return accepted, nil
}
