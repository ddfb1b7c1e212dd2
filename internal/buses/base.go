// Package buses provides the typed asynchronous facades over the
// service registry. Each bussed kind (communication, memory, tool,
// wise_authority, llm) gets one bus that selects a provider, tracks the
// call as a correlation, classifies failures, and falls back to the
// next eligible provider on transient errors.
package buses

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/registry"
	"github.com/anima-ai/anima/internal/task/models"
)

// DefaultCallTimeout bounds a bus call when the kind does not override it.
const DefaultCallTimeout = 30 * time.Second

// CorrelationStore persists the start and outcome of every bus call.
type CorrelationStore interface {
	CreateCorrelation(ctx context.Context, corr *models.Correlation) error
	ResolveCorrelation(ctx context.Context, id string, status models.CorrelationStatus, responseData map[string]interface{}) error
}

// AuditRecorder receives one event per successful dispatch. The audit
// service satisfies this; it is wired after construction because audit
// itself depends on the memory bus.
type AuditRecorder interface {
	RecordBusCall(kind, provider, actionType, correlationID string, ok bool)
}

// BaseBus carries the plumbing shared by every typed bus.
type BaseBus struct {
	kind    registry.ServiceKind
	handler string
	reg     *registry.Registry
	corrs   CorrelationStore
	clk     clock.Clock
	log     *logger.Logger
	timeout time.Duration

	audit AuditRecorder
}

// NewBaseBus creates the shared bus plumbing for one kind.
func NewBaseBus(kind registry.ServiceKind, handler string, reg *registry.Registry, corrs CorrelationStore, clk clock.Clock, log *logger.Logger, timeout time.Duration) BaseBus {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	return BaseBus{
		kind:    kind,
		handler: handler,
		reg:     reg,
		corrs:   corrs,
		clk:     clk,
		log:     log.WithComponent(string(kind) + "_bus"),
		timeout: timeout,
	}
}

// SetAuditRecorder wires the audit sink. Safe to leave unset in tests.
func (b *BaseBus) SetAuditRecorder(a AuditRecorder) { b.audit = a }

// Kind returns the service kind this bus fronts.
func (b *BaseBus) Kind() registry.ServiceKind { return b.kind }

// callFunc invokes one operation against a selected provider instance.
// The closure type-asserts the instance to the kind's interface.
type callFunc func(ctx context.Context, svc registry.Service) (map[string]interface{}, error)

// Call selects providers in registry order and dispatches fn against
// each until one succeeds or a permanent error surfaces. Every attempt
// is recorded as a correlation; the winning attempt is audited.
func (b *BaseBus) Call(ctx context.Context, actionType string, request map[string]interface{}, required []string, fn callFunc) (map[string]interface{}, error) {
	candidates := b.reg.SelectCandidates(b.handler, b.kind, required)
	if len(candidates) == 0 {
		b.log.Warn("no provider available",
			zap.String("action", actionType),
			zap.Strings("required_capabilities", required))
		return nil, &CallError{Kind: string(b.kind), Class: ClassUnavailable, Err: ErrNoProvider}
	}

	var lastErr error
	for _, provider := range candidates {
		// Re-check after selection: a racing failure may have opened
		// the breaker between lookup and dispatch.
		if !provider.Breaker.AllowCall() {
			continue
		}

		corr := models.NewCorrelation(string(b.kind), b.handler, actionType)
		corr.RequestData = request
		if b.corrs != nil {
			if err := b.corrs.CreateCorrelation(ctx, corr); err != nil {
				b.log.Warn("correlation write failed", zap.Error(err))
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		response, err := fn(callCtx, provider.Instance)
		cancel()

		if err == nil {
			provider.Breaker.RecordSuccess()
			b.resolve(ctx, corr.ID, models.CorrelationStatusCompleted, response)
			if b.audit != nil {
				b.audit.RecordBusCall(string(b.kind), provider.Name, actionType, corr.ID, true)
			}
			return response, nil
		}

		class := Classify(err)
		b.resolve(ctx, corr.ID, models.CorrelationStatusFailed, map[string]interface{}{
			"error": err.Error(),
			"class": class.String(),
		})

		if class == ClassPermanent {
			// No other provider can succeed with the same inputs.
			if b.audit != nil {
				b.audit.RecordBusCall(string(b.kind), provider.Name, actionType, corr.ID, false)
			}
			return nil, &CallError{Kind: string(b.kind), Provider: provider.Name, Class: class, Err: err}
		}

		provider.Breaker.RecordFailure()
		b.log.Warn("provider call failed, trying next",
			zap.String("provider", provider.Name),
			zap.String("action", actionType),
			zap.Error(err))
		lastErr = &CallError{Kind: string(b.kind), Provider: provider.Name, Class: class, Err: err}
	}

	if lastErr == nil {
		lastErr = &CallError{Kind: string(b.kind), Class: ClassUnavailable, Err: ErrNoProvider}
	}
	return nil, lastErr
}

func (b *BaseBus) resolve(ctx context.Context, corrID string, status models.CorrelationStatus, response map[string]interface{}) {
	if b.corrs == nil {
		return
	}
	if err := b.corrs.ResolveCorrelation(ctx, corrID, status, response); err != nil {
		b.log.Warn("correlation resolve failed", zap.String("correlation_id", corrID), zap.Error(err))
	}
}
