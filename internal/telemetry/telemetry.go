// Package telemetry exposes runtime counters and gauges over a
// Prometheus registry. It feeds mostly off the event bus so producers
// stay decoupled from the metrics surface.
package telemetry

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/circuit"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/events"
	"github.com/anima-ai/anima/internal/events/bus"
	"github.com/anima-ai/anima/internal/registry"
)

// Service is the telemetry provider. It owns its own Prometheus
// registry so tests can run several instances side by side.
type Service struct {
	registry.BaseService

	reg      *prometheus.Registry
	eventBus bus.EventBus
	log      *logger.Logger

	busCalls          *prometheus.CounterVec
	thoughtsProcessed *prometheus.CounterVec
	tasksCreated      prometheus.Counter
	processorRounds   prometheus.Counter
	roundDuration     prometheus.Histogram
	observations      *prometheus.CounterVec
	auditEntries      prometheus.Counter
	tokensUsed        prometheus.Counter

	breakerState   *prometheus.GaugeVec
	sinkDepth      *prometheus.GaugeVec
	resourceLevel  *prometheus.GaugeVec
	agentState     *prometheus.GaugeVec
	processorPause prometheus.Gauge

	mu   sync.Mutex
	subs []bus.Subscription
}

// New builds the service and registers its collectors.
func New(eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	reg := prometheus.NewRegistry()
	s := &Service{
		BaseService: registry.NewBaseService("telemetry", "metrics", "record_metric"),
		reg:         reg,
		eventBus:    eventBus,
		log:         log.WithComponent("telemetry"),

		busCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anima_bus_calls_total",
			Help: "Bus dispatches by service kind, provider, and outcome.",
		}, []string{"kind", "provider", "outcome"}),
		thoughtsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anima_thoughts_total",
			Help: "Thoughts reaching a terminal status.",
		}, []string{"status"}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anima_tasks_created_total",
			Help: "Tasks admitted into the queue.",
		}),
		processorRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anima_processor_rounds_total",
			Help: "Completed processing rounds.",
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "anima_processor_round_duration_ms",
			Help:    "Round wall time in milliseconds.",
			Buckets: []float64{1, 5, 25, 100, 500, 2500, 10000},
		}),
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anima_observations_total",
			Help: "Messages admitted by the observer, by adapter.",
		}, []string{"adapter"}),
		auditEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anima_audit_entries_total",
			Help: "Entries appended to the audit chain.",
		}),
		tokensUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anima_llm_tokens_total",
			Help: "Tokens consumed by LLM calls.",
		}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anima_circuit_state",
			Help: "Breaker state per provider: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),
		sinkDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anima_sink_depth",
			Help: "Queued items per sink.",
		}, []string{"sink"}),
		resourceLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anima_resource_level",
			Help: "Last sampled value per tracked resource.",
		}, []string{"resource"}),
		agentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anima_agent_state",
			Help: "1 for the current cognitive state, 0 otherwise.",
		}, []string{"state"}),
		processorPause: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anima_processor_paused",
			Help: "1 while the processor is paused.",
		}),
	}

	reg.MustRegister(
		s.busCalls, s.thoughtsProcessed, s.tasksCreated, s.processorRounds,
		s.roundDuration, s.observations, s.auditEntries, s.tokensUsed,
		s.breakerState, s.sinkDepth, s.resourceLevel, s.agentState,
		s.processorPause,
	)
	return s
}

var _ registry.Service = (*Service)(nil)

// Handler serves the scrape endpoint.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// Start subscribes to the runtime event stream.
func (s *Service) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}
	if s.eventBus == nil {
		return nil
	}
	subjects := map[string]bus.EventHandler{
		events.TaskCreated:          s.onTaskCreated,
		events.ThoughtStatusChanged: s.onThoughtStatus,
		events.ProcessorRound:       s.onRound,
		events.ProcessorPaused:      s.onPaused,
		events.ObservationReceived:  s.onObservation,
		events.AuditEntry:           s.onAuditEntry,
		events.StateTransition:      s.onStateTransition,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handler := range subjects {
		sub, err := s.eventBus.Subscribe(subject, handler)
		if err != nil {
			s.log.Warn("metric subscription failed",
				zap.String("subject", subject), zap.Error(err))
			continue
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Stop drops the subscriptions.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.mu.Unlock()
	return s.BaseService.Stop(ctx)
}

// RecordBusCall is wired behind the audit recorder fan-out.
func (s *Service) RecordBusCall(kind, provider, actionType, correlationID string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	s.busCalls.WithLabelValues(kind, provider, outcome).Inc()
}

// RecordTokens counts LLM token spend.
func (s *Service) RecordTokens(tokens int) {
	if tokens > 0 {
		s.tokensUsed.Add(float64(tokens))
	}
}

// ObserveBreaker is registered as the circuit manager's state callback.
func (s *Service) ObserveBreaker(name string, from, to circuit.State) {
	var level float64
	switch to {
	case circuit.StateHalfOpen:
		level = 1
	case circuit.StateOpen:
		level = 2
	}
	s.breakerState.WithLabelValues(name).Set(level)
}

// SetSinkDepth records a sink's queue length.
func (s *Service) SetSinkDepth(sink string, depth int) {
	s.sinkDepth.WithLabelValues(sink).Set(float64(depth))
}

// SetResourceLevel mirrors the monitor's last sample.
func (s *Service) SetResourceLevel(resource string, value float64) {
	s.resourceLevel.WithLabelValues(resource).Set(value)
}

func (s *Service) onTaskCreated(ctx context.Context, event *bus.Event) error {
	s.tasksCreated.Inc()
	return nil
}

func (s *Service) onThoughtStatus(ctx context.Context, event *bus.Event) error {
	if status, ok := event.Data["status"].(string); ok {
		s.thoughtsProcessed.WithLabelValues(status).Inc()
	}
	return nil
}

func (s *Service) onRound(ctx context.Context, event *bus.Event) error {
	s.processorRounds.Inc()
	if ms, ok := event.Data["elapsed_ms"].(float64); ok {
		s.roundDuration.Observe(ms)
	}
	return nil
}

func (s *Service) onPaused(ctx context.Context, event *bus.Event) error {
	if paused, ok := event.Data["paused"].(bool); ok {
		if paused {
			s.processorPause.Set(1)
		} else {
			s.processorPause.Set(0)
		}
	}
	return nil
}

func (s *Service) onObservation(ctx context.Context, event *bus.Event) error {
	adapter, _ := event.Data["adapter"].(string)
	if adapter == "" {
		adapter = "unknown"
	}
	s.observations.WithLabelValues(adapter).Inc()
	return nil
}

func (s *Service) onAuditEntry(ctx context.Context, event *bus.Event) error {
	s.auditEntries.Inc()
	return nil
}

func (s *Service) onStateTransition(ctx context.Context, event *bus.Event) error {
	to, ok := event.Data["to"].(string)
	if !ok {
		return nil
	}
	for _, state := range []string{"WAKEUP", "WORK", "PLAY", "SOLITUDE", "DREAM", "SHUTDOWN"} {
		value := 0.0
		if state == to {
			value = 1.0
		}
		s.agentState.WithLabelValues(state).Set(value)
	}
	return nil
}
