package providers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/graph"
	"github.com/anima-ai/anima/internal/registry"
)

// LocalWiseAuthority records deferrals as graph nodes so a human can
// review them out of band. It never volunteers guidance.
type LocalWiseAuthority struct {
	registry.BaseService

	mem *buses.MemoryBus
	clk clock.Clock
	log *logger.Logger
}

// NewLocalWiseAuthority creates the provider.
func NewLocalWiseAuthority(mem *buses.MemoryBus, clk clock.Clock, log *logger.Logger) *LocalWiseAuthority {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	return &LocalWiseAuthority{
		BaseService: registry.NewBaseService("local_wise_authority", "fetch_guidance", "submit_deferral"),
		mem:         mem,
		clk:         clk,
		log:         log.WithComponent("wise-authority"),
	}
}

var _ registry.Service = (*LocalWiseAuthority)(nil)
var _ buses.WiseAuthorityService = (*LocalWiseAuthority)(nil)

// FetchGuidance has no standing guidance to offer.
func (w *LocalWiseAuthority) FetchGuidance(ctx context.Context, guidance buses.GuidanceContext) (string, error) {
	return "", nil
}

// SubmitDeferral persists the deferral for later human review.
func (w *LocalWiseAuthority) SubmitDeferral(ctx context.Context, deferral buses.DeferralContext) (bool, error) {
	node := graph.NewNode(
		fmt.Sprintf("deferral/%s", deferral.ThoughtID),
		graph.NodeTypeObservation,
		graph.ScopeLocal,
		map[string]interface{}{
			"thought_id": deferral.ThoughtID,
			"task_id":    deferral.TaskID,
			"reason":     deferral.Reason,
			"created_at": w.clk.NowISO(),
		},
	)
	result, err := w.mem.Memorize(ctx, node, buses.MemorizeOptions{UpdatedBy: "wise_authority"})
	if err != nil {
		return false, err
	}
	if !result.OK() {
		return false, fmt.Errorf("deferral record rejected: %s", result.Error)
	}
	w.log.Info("deferral recorded",
		zap.String("thought_id", deferral.ThoughtID),
		zap.String("reason", deferral.Reason))
	return true, nil
}
