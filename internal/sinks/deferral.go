package sinks

import (
	"context"
	"fmt"

	"github.com/anima-ai/anima/internal/audit"
	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/common/logger"
)

// DeferralPackage carries one deferral to the wise authority, with the
// channel a formatted report falls back to when no authority provider
// is reachable.
type DeferralPackage struct {
	Deferral        buses.DeferralContext
	FallbackChannel string
}

// DeferralSink routes deferral packages to the wise authority, falling
// back to a communication-channel report so a deferral is never lost
// silently.
type DeferralSink struct {
	*Sink[*DeferralPackage]

	wise  *buses.WiseBus
	comm  *buses.CommunicationBus
	audit *audit.Service
}

// NewDeferralSink creates the deferral queue.
func NewDeferralSink(size int, wise *buses.WiseBus, comm *buses.CommunicationBus, auditSvc *audit.Service, log *logger.Logger) *DeferralSink {
	s := &DeferralSink{wise: wise, comm: comm, audit: auditSvc}
	s.Sink = NewSink[*DeferralPackage]("deferral_sink", size, log, s.processDeferral)
	return s
}

func (s *DeferralSink) processDeferral(ctx context.Context, pkg *DeferralPackage) error {
	accepted, err := s.wise.SubmitDeferral(ctx, pkg.Deferral)

	delivered := err == nil && accepted
	if !delivered && pkg.FallbackChannel != "" {
		report := formatDeferralReport(pkg.Deferral)
		if _, commErr := s.comm.SendMessage(ctx, pkg.FallbackChannel, report); commErr == nil {
			delivered = true
			err = nil
		}
	}

	if s.audit != nil {
		outcome := "delivered"
		if !delivered {
			outcome = "failed"
		}
		_, _ = s.audit.LogEvent(ctx, "defer", audit.EventData{
			Actor:    "deferral_sink",
			EntityID: pkg.Deferral.ThoughtID,
			Outcome:  outcome,
			Details: map[string]interface{}{
				"task_id": pkg.Deferral.TaskID,
				"reason":  pkg.Deferral.Reason,
			},
		})
	}

	if !delivered {
		return fmt.Errorf("deferral for thought %s undeliverable: %w", pkg.Deferral.ThoughtID, err)
	}
	return nil
}

func formatDeferralReport(d buses.DeferralContext) string {
	report := fmt.Sprintf("[DEFERRAL] thought=%s task=%s reason=%s", d.ThoughtID, d.TaskID, d.Reason)
	if d.DeferUntil != nil {
		report += fmt.Sprintf(" until=%s", d.DeferUntil.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if d.Priority != "" {
		report += fmt.Sprintf(" priority=%s", d.Priority)
	}
	return report
}
