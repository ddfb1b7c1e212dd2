// Package runtime assembles the agent process. Construction is
// leaves-first: storage, memory, identity (a fatal gate), audit, then
// the registry and buses, the resource monitor, ingress and sinks, the
// processor, and finally the serving boundary. Run drives the long-lived
// loops; Shutdown unwinds them in reverse.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anima-ai/anima/internal/adapters/console"
	"github.com/anima-ai/anima/internal/api"
	"github.com/anima-ai/anima/internal/audit"
	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/circuit"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/config"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/db"
	"github.com/anima-ai/anima/internal/events"
	"github.com/anima-ai/anima/internal/events/bus"
	gwws "github.com/anima-ai/anima/internal/gateway/websocket"
	"github.com/anima-ai/anima/internal/identity"
	"github.com/anima-ai/anima/internal/maintenance"
	"github.com/anima-ai/anima/internal/mcpserver"
	"github.com/anima-ai/anima/internal/memory"
	"github.com/anima-ai/anima/internal/observer"
	"github.com/anima-ai/anima/internal/processor"
	"github.com/anima-ai/anima/internal/providers"
	"github.com/anima-ai/anima/internal/ratelimit"
	"github.com/anima-ai/anima/internal/registry"
	"github.com/anima-ai/anima/internal/resources"
	"github.com/anima-ai/anima/internal/scheduler"
	"github.com/anima-ai/anima/internal/secrets"
	"github.com/anima-ai/anima/internal/sinks"
	"github.com/anima-ai/anima/internal/state"
	"github.com/anima-ai/anima/internal/task/repository"
	"github.com/anima-ai/anima/internal/telemetry"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
	ws "github.com/anima-ai/anima/pkg/websocket"
)

// Startup failures that must abort the process rather than degrade it.
var (
	ErrDatabaseUnavailable = errors.New("database unavailable")
	ErrIdentityUnavailable = errors.New("identity unavailable")
	ErrSigningKeyInit      = errors.New("audit signing key initialization failed")
)

// DeferralChannel is where deferral reports land when no wise-authority
// provider accepts them, and where corrections are read back from.
const DeferralChannel = "wa_deferrals"

// Options carries injection points the config file cannot express.
type Options struct {
	Version string
	Stdin   io.Reader // console adapter input; defaults to os.Stdin
	Stdout  io.Writer // console adapter output; defaults to os.Stdout
}

// Runtime owns every long-lived component of the agent process.
type Runtime struct {
	cfg  *config.EssentialConfig
	opts Options
	clk  clock.Clock
	log  *logger.Logger

	pool      *db.Pool
	auditDB   *sqlx.DB
	secretsDB *sqlx.DB
	repo      repository.Repository
	repoClose func() error
	busClose  func() error

	eventBus  bus.EventBus
	reg       *registry.Registry
	mem       *memory.Service
	memBus    *buses.MemoryBus
	commBus   *buses.CommunicationBus
	wiseBus   *buses.WiseBus
	toolBus   *buses.ToolBus
	llmBus    *buses.LLMBus
	ident     *identity.Manager
	pipeline  *secrets.Pipeline
	auditSvc  *audit.Service
	tel       *telemetry.Service
	signals   *resources.SignalBus
	monitor   *resources.Monitor
	actions   *sinks.ActionSink
	deferrals *sinks.DeferralSink
	feedback  *sinks.FeedbackSink
	obs       *observer.Observer
	consoleA  *console.Adapter
	states    *state.Manager
	proc      *processor.Processor
	sched     *scheduler.Service
	maint     *maintenance.DatabaseMaintenance
	limiter   *ratelimit.Limiter
	hub       *gwws.Hub
	bridge    *gwws.Bridge
	httpSrv   *http.Server
	mcpSrv    *mcpserver.Server

	// providers without their own run loops, started and stopped together
	lifecycle []lifecycleService
}

type lifecycleService struct {
	name string
	svc  registry.Service
}

// activeThoughtCounter adapts the repository to the monitor's view of
// in-flight work: pending plus processing thoughts.
type activeThoughtCounter struct {
	repo repository.Repository
}

func (c activeThoughtCounter) CountActiveThoughts(ctx context.Context) (int, error) {
	pending, err := c.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusPending)
	if err != nil {
		return 0, err
	}
	processing, err := c.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusProcessing)
	if err != nil {
		return 0, err
	}
	return pending + processing, nil
}

// busRecorder fans bus-call audit events out to the audit trail and the
// metrics surface.
type busRecorder struct {
	auditSvc *audit.Service
	tel      *telemetry.Service
}

func (r busRecorder) RecordBusCall(kind, provider, actionType, correlationID string, ok bool) {
	r.auditSvc.RecordBusCall(kind, provider, actionType, correlationID, ok)
	r.tel.RecordBusCall(kind, provider, actionType, correlationID, ok)
}

// tokenRecorder fans LLM token usage out to the monitor and metrics.
type tokenRecorder struct {
	monitor *resources.Monitor
	tel     *telemetry.Service
}

func (r tokenRecorder) RecordTokens(n int) {
	r.monitor.RecordTokens(n)
	r.tel.RecordTokens(n)
}

// New builds the runtime but starts nothing. Errors wrap one of the
// startup sentinels where the failure must abort the process.
func New(ctx context.Context, cfg *config.EssentialConfig, log *logger.Logger, opts Options) (*Runtime, error) {
	if log == nil {
		log = logger.Default()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	r := &Runtime{cfg: cfg, opts: opts, clk: clock.NewSystemClock(), log: log.WithComponent("runtime")}

	if err := r.openStores(); err != nil {
		r.closeStores()
		return nil, err
	}
	if err := r.buildCore(ctx); err != nil {
		r.closeStores()
		return nil, err
	}
	r.buildWorkload()
	r.buildBoundary()

	return r, nil
}

// openStores opens the main, audit, and secrets databases and the event
// bus. The main store is PostgreSQL when a DSN is configured, SQLite
// otherwise; audit and secrets are always local SQLite files.
func (r *Runtime) openStores() error {
	cfg := r.cfg

	if cfg.Database.MainDSN != "" {
		conn, err := db.OpenPostgres(cfg.Database.MainDSN, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return fmt.Errorf("%w: main store: %v", ErrDatabaseUnavailable, err)
		}
		main := sqlx.NewDb(conn, "pgx")
		r.pool = db.NewPool(main, main)
	} else {
		writer, err := db.OpenSQLite(cfg.Database.MainDB)
		if err != nil {
			return fmt.Errorf("%w: main store: %v", ErrDatabaseUnavailable, err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.MainDB)
		if err != nil {
			writer.Close()
			return fmt.Errorf("%w: main store reader: %v", ErrDatabaseUnavailable, err)
		}
		r.pool = db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	}

	auditConn, err := db.OpenSQLite(cfg.Database.AuditDB)
	if err != nil {
		return fmt.Errorf("%w: audit store: %v", ErrDatabaseUnavailable, err)
	}
	r.auditDB = sqlx.NewDb(auditConn, "sqlite3")

	secretsConn, err := db.OpenSQLite(cfg.Database.SecretsDB)
	if err != nil {
		return fmt.Errorf("%w: secrets store: %v", ErrDatabaseUnavailable, err)
	}
	r.secretsDB = sqlx.NewDb(secretsConn, "sqlite3")

	repo, repoClose, err := repository.Provide(r.pool.Writer(), r.pool.Reader())
	if err != nil {
		return fmt.Errorf("%w: repository: %v", ErrDatabaseUnavailable, err)
	}
	r.repo = repo
	r.repoClose = repoClose

	provided, busClose, err := events.Provide(cfg, r.log)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	r.eventBus = provided.Bus
	r.busClose = busClose
	return nil
}

func (r *Runtime) closeStores() {
	if r.busClose != nil {
		_ = r.busClose()
	}
	if r.repoClose != nil {
		_ = r.repoClose()
	}
	if r.secretsDB != nil {
		_ = r.secretsDB.Close()
	}
	if r.auditDB != nil {
		_ = r.auditDB.Close()
	}
	if r.pool != nil {
		_ = r.pool.Close()
	}
}

// buildCore wires memory, identity, secrets, audit, telemetry, the
// registry, and the typed buses. Identity and the audit signing key are
// fatal gates.
func (r *Runtime) buildCore(ctx context.Context) error {
	cfg := r.cfg

	mem, err := memory.New(r.pool.Writer(), r.pool.Reader(), r.clk, r.log)
	if err != nil {
		return fmt.Errorf("%w: memory graph: %v", ErrDatabaseUnavailable, err)
	}
	r.mem = mem

	r.reg = registry.New(registry.Config{
		BreakerDefaults: circuit.DefaultConfig(),
		OnBreakerChange: r.onBreakerChange,
	}, r.clk, r.log)

	if _, err := r.reg.Register(registry.Registration{
		Kind:     registry.KindMemory,
		Name:     mem.Name(),
		Instance: mem,
		Priority: registry.PriorityNormal,
	}); err != nil {
		return fmt.Errorf("register memory provider: %w", err)
	}

	r.memBus = buses.NewMemoryBus("runtime", r.reg, r.repo, r.clk, r.log)

	r.ident = identity.NewManager(r.memBus, cfg.Runtime.TemplateDirectory, r.clk, r.log)
	root, firstBoot, err := r.ident.Initialize(ctx, cfg.Runtime.DefaultTemplate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	r.log.Info("identity established",
		zap.String("agent_id", root.AgentID),
		zap.Bool("first_boot", firstBoot))

	keys, err := secrets.NewMasterKeyProvider(cfg.Security.SecretsKeyPath, cfg.Security.SecretsEncryptionKeyEnv)
	if err != nil {
		return fmt.Errorf("secrets master key: %w", err)
	}
	store, err := secrets.NewStore(r.secretsDB)
	if err != nil {
		return fmt.Errorf("%w: secrets store: %v", ErrDatabaseUnavailable, err)
	}
	r.pipeline = secrets.NewPipeline(store, keys, r.clk, r.log)

	var sigs *audit.SignatureManager
	if cfg.Security.EnableSignedAudit {
		sigs, err = audit.NewSignatureManager(r.auditDB, cfg.Security.AuditKeyPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSigningKeyInit, err)
		}
	}
	chain, err := audit.NewHashChain(r.auditDB, sigs)
	if err != nil {
		return fmt.Errorf("%w: audit chain: %v", ErrDatabaseUnavailable, err)
	}

	// The audit service gets its own memory bus with no audit recorder
	// attached, so mirroring entries into the graph cannot recurse.
	auditMem := buses.NewMemoryBus("audit", r.reg, r.repo, r.clk, r.log)
	auditSvc, err := audit.NewService(chain, auditMem, r.clk, r.log, audit.Config{
		CacheSize:     cfg.Limits.AuditCacheSize,
		ExportPath:    cfg.Limits.AuditExportPath,
		ExportFormat:  cfg.Limits.AuditExportFormat,
		RetentionDays: cfg.Security.AuditRetentionDays,
	})
	if err != nil {
		return fmt.Errorf("audit service: %w", err)
	}
	r.auditSvc = auditSvc

	r.tel = telemetry.New(r.eventBus, r.log)

	r.signals = resources.NewSignalBus(r.log)
	r.monitor = resources.NewMonitor(cfg.Resources, r.signals,
		activeThoughtCounter{repo: r.repo}, cfg.Database.MainDB, r.clk, r.log)

	r.commBus = buses.NewCommunicationBus("runtime", r.reg, r.repo, r.clk, r.log)
	r.wiseBus = buses.NewWiseBus("runtime", r.reg, r.repo, r.clk, r.log)
	r.toolBus = buses.NewToolBus("runtime", r.reg, r.repo, r.clk, r.log, cfg.Limits.ToolCallTimeout())
	r.llmBus = buses.NewLLMBus("runtime", r.reg, r.repo, r.clk, r.log,
		cfg.Services.LLMTimeoutDuration(), tokenRecorder{monitor: r.monitor, tel: r.tel})

	recorder := busRecorder{auditSvc: r.auditSvc, tel: r.tel}
	r.memBus.SetAuditRecorder(recorder)
	r.commBus.SetAuditRecorder(recorder)
	r.wiseBus.SetAuditRecorder(recorder)
	r.toolBus.SetAuditRecorder(recorder)
	r.llmBus.SetAuditRecorder(recorder)

	return nil
}

// buildWorkload wires sinks, the observer ingress, the state machine,
// the processor, and the background services, then registers every
// provider with the registry.
func (r *Runtime) buildWorkload() {
	cfg := r.cfg
	size := cfg.Limits.SinkMaxQueueSize

	r.actions = sinks.NewActionSink(size, r.commBus, r.toolBus, r.auditSvc, r.log)
	r.deferrals = sinks.NewDeferralSink(size, r.wiseBus, r.commBus, r.auditSvc, r.log)
	r.feedback = sinks.NewFeedbackSink(size, r.repo, r.log)

	r.obs = observer.New(observer.Config{
		AdapterName:     "console",
		AgentID:         r.ident.AgentID(),
		DeferralChannel: DeferralChannel,
		WAAuthors:       []string{"operator", "wise_authority"},
		HistoryLimit:    cfg.Limits.PassiveContextLimit,
	}, r.pipeline, r.reg, r.memBus, r.repo, r.feedback, r.log)
	r.obs.SetAdmissionChecker(r.monitor)

	r.consoleA = console.New(r.obs, r.opts.Stdin, r.opts.Stdout, r.clk, r.log)

	r.states = state.NewManager(r.clk, r.log)
	r.installStateHooks()

	r.proc = processor.New(processor.Config{
		MaxActiveThoughts: cfg.Limits.MaxActiveThoughts,
		MaxThoughtDepth:   cfg.Security.MaxThoughtDepth,
		RoundDelay:        cfg.Limits.RoundDelayDuration(),
		MaxRounds:         cfg.Workflow.MaxRounds,
		EnableAutoDefer:   cfg.Workflow.EnableAutoDefer,
	}, r.states, r.repo, processor.NewLLMSelector(r.llmBus), r.actions, r.deferrals,
		r.auditSvc, r.monitor, r.eventBus, r.clk, r.log)

	for _, sig := range []resources.Signal{
		resources.SignalWarn, resources.SignalThrottle, resources.SignalDefer,
		resources.SignalReject, resources.SignalShutdown,
	} {
		r.signals.Register(sig, r.proc.OnResourceSignal)
	}

	r.sched = scheduler.New(r.repo, r.eventBus, time.Minute, r.clk, r.log)
	r.maint = maintenance.NewDatabaseMaintenance(r.mem, r.auditSvc, time.Hour, r.clk, r.log)

	r.registerProviders()
}

// registerProviders publishes every service into the registry so bus
// dispatch and the runtime-control surface see one catalogue.
func (r *Runtime) registerProviders() {
	mockDelay := time.Duration(r.cfg.Limits.MockLLMRoundDelay * float64(time.Second))

	wise := providers.NewLocalWiseAuthority(r.memBus, r.clk, r.log)
	tools := providers.NewBuiltinTools(r.clk)
	llm := providers.NewMockLLM(mockDelay)
	filter := observer.NewKeywordFilter()
	tsdb := maintenance.NewTSDBConsolidation()
	incidents := maintenance.NewIncidentManagement()

	regs := []registry.Registration{
		{Kind: registry.KindCommunication, Name: r.consoleA.Name(), Instance: r.consoleA, Priority: registry.PriorityNormal},
		{Kind: registry.KindWiseAuthority, Name: wise.Name(), Instance: wise, Priority: registry.PriorityNormal},
		{Kind: registry.KindTool, Name: tools.Name(), Instance: tools, Priority: registry.PriorityNormal},
		{Kind: registry.KindLLM, Name: llm.Name(), Instance: llm, Priority: registry.PriorityFallback},
		{Kind: registry.KindAudit, Name: r.auditSvc.Name(), Instance: r.auditSvc, Priority: registry.PriorityCritical},
		{Kind: registry.KindTelemetry, Name: r.tel.Name(), Instance: r.tel, Priority: registry.PriorityNormal},
		{Kind: registry.KindSecrets, Name: r.pipeline.Name(), Instance: r.pipeline, Priority: registry.PriorityCritical},
		{Kind: registry.KindTaskScheduler, Name: r.sched.Name(), Instance: r.sched, Priority: registry.PriorityNormal},
		{Kind: registry.KindResourceMonitor, Name: r.monitor.Name(), Instance: r.monitor, Priority: registry.PriorityHigh},
		{Kind: registry.KindAdaptiveFilter, Name: filter.Name(), Instance: filter, Priority: registry.PriorityFallback},
		{Kind: registry.KindDatabaseMaintenance, Name: r.maint.Name(), Instance: r.maint, Priority: registry.PriorityLow},
		{Kind: registry.KindTSDBConsolidation, Name: tsdb.Name(), Instance: tsdb, Priority: registry.PriorityLow},
		{Kind: registry.KindIncidentManagement, Name: incidents.Name(), Instance: incidents, Priority: registry.PriorityLow},
	}
	for _, reg := range regs {
		if _, err := r.reg.Register(reg); err != nil {
			r.log.Error("provider registration failed",
				zap.String("kind", string(reg.Kind)),
				zap.String("name", reg.Name),
				zap.Error(err))
		}
	}

	r.lifecycle = []lifecycleService{
		{name: wise.Name(), svc: wise},
		{name: tools.Name(), svc: tools},
		{name: llm.Name(), svc: llm},
		{name: filter.Name(), svc: filter},
		{name: tsdb.Name(), svc: tsdb},
		{name: incidents.Name(), svc: incidents},
	}
}

// buildBoundary wires the HTTP API, the WebSocket gateway, and the
// optional embedded MCP server.
func (r *Runtime) buildBoundary() {
	cfg := r.cfg

	r.limiter = ratelimit.New(cfg.Server.RequestsPerMinute, r.clk)

	dispatcher := ws.NewDispatcher()
	gwws.RegisterHealthHandler(dispatcher)
	r.registerWSHandlers(dispatcher)
	r.hub = gwws.NewHub(dispatcher, r.log)
	r.bridge = gwws.NewBridge(r.hub, r.eventBus, r.log)
	wsHandler := gwws.NewHandler(r.hub, r.log)

	handler := api.NewHandler(api.Deps{
		Version:  r.opts.Version,
		States:   r.states,
		Proc:     r.proc,
		Repo:     r.repo,
		Registry: r.reg,
		Audit:    r.auditSvc,
		Monitor:  r.monitor,
		Identity: r.ident,
		Clock:    r.clk,
		Log:      r.log,
	})
	router := api.NewRouter(handler, r.log, api.RouterConfig{
		Limiter:        r.limiter,
		MetricsHandler: r.tel.Handler(),
		WebSocket:      wsHandler.HandleConnection,
	})

	r.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	if cfg.MCP.Enabled {
		mcpCfg := mcpserver.DefaultConfig()
		mcpCfg.Port = cfg.MCP.Port
		if cfg.MCP.RuntimeURL != "" {
			mcpCfg.APIBaseURL = cfg.MCP.RuntimeURL
		} else {
			mcpCfg.APIBaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		r.mcpSrv = mcpserver.NewWithLogger(mcpCfg, r.log)
	}
}

// registerWSHandlers serves the request/response actions the gateway
// exposes beside the event stream.
func (r *Runtime) registerWSHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionRuntimeStatus, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"state":  string(r.states.Current()),
			"paused": r.proc.Paused(),
			"round":  r.proc.Round(),
		})
	})
	d.RegisterFunc(ws.ActionQueueStatus, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		pending, err := r.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusPending)
		if err != nil {
			return nil, err
		}
		processing, err := r.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusProcessing)
		if err != nil {
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"pending_thoughts":    pending,
			"processing_thoughts": processing,
			"action_sink_depth":   r.actions.Len(),
			"deferral_sink_depth": r.deferrals.Len(),
		})
	})
}

// installStateHooks publishes every accepted transition on the event
// bus and records it in the audit trail.
func (r *Runtime) installStateHooks() {
	all := []v1.AgentState{
		v1.AgentStateShutdown, v1.AgentStateWakeup, v1.AgentStateWork,
		v1.AgentStatePlay, v1.AgentStateSolitude, v1.AgentStateDream,
	}
	for _, from := range all {
		for _, to := range all {
			if from == to {
				continue
			}
			from, to := from, to
			r.states.SetHook(from, to, func(f, t v1.AgentState) error {
				event := bus.NewEvent(events.StateTransition, "state_manager", map[string]interface{}{
					"from": string(f),
					"to":   string(t),
				})
				if err := r.eventBus.Publish(context.Background(), events.StateTransition, event); err != nil {
					r.log.Debug("state transition publish failed", zap.Error(err))
				}
				_, _ = r.auditSvc.LogEvent(context.Background(), "state_transition", audit.EventData{
					Actor:    "state_manager",
					EntityID: string(t),
					Outcome:  "accepted",
					Details:  map[string]interface{}{"from": string(f), "to": string(t)},
				})
				return nil
			})
		}
	}
}

// onBreakerChange feeds circuit transitions to metrics, the audit
// trail, and the event stream.
func (r *Runtime) onBreakerChange(providerName string, kind registry.ServiceKind, from, to circuit.State) {
	if r.tel != nil {
		r.tel.ObserveBreaker(providerName, from, to)
	}
	if r.auditSvc != nil {
		_, _ = r.auditSvc.LogEvent(context.Background(), "circuit_state_changed", audit.EventData{
			Actor:    providerName,
			EntityID: string(kind),
			Outcome:  to.String(),
			Details:  map[string]interface{}{"from": from.String(), "to": to.String()},
		})
	}
	if r.eventBus != nil {
		event := bus.NewEvent(events.CircuitChanged, "service_registry", map[string]interface{}{
			"provider": providerName,
			"kind":     string(kind),
			"from":     from.String(),
			"to":       to.String(),
		})
		_ = r.eventBus.Publish(context.Background(), events.CircuitChanged, event)
	}
}

// Run starts every component and blocks until the context is cancelled
// or a component fails, then shuts down in reverse order.
func (r *Runtime) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.auditSvc.Start(runCtx); err != nil {
		return fmt.Errorf("start audit service: %w", err)
	}
	if err := r.tel.Start(runCtx); err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	if err := r.monitor.Start(runCtx); err != nil {
		return fmt.Errorf("start resource monitor: %w", err)
	}
	if err := r.sched.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := r.maint.Start(runCtx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	if err := r.consoleA.Start(runCtx); err != nil {
		return fmt.Errorf("start console adapter: %w", err)
	}
	for _, entry := range r.lifecycle {
		if err := entry.svc.Start(runCtx); err != nil {
			return fmt.Errorf("start %s: %w", entry.name, err)
		}
	}
	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("start event bridge: %w", err)
	}

	_, _ = r.auditSvc.LogEvent(runCtx, "runtime_started", audit.EventData{
		Actor:    "runtime",
		EntityID: r.ident.AgentID(),
		Outcome:  "ok",
		Details:  map[string]interface{}{"version": r.opts.Version},
	})

	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		r.hub.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		r.actions.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		r.deferrals.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		r.feedback.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		if !r.states.TransitionTo(v1.AgentStateWakeup) {
			return errors.New("wakeup transition rejected")
		}
		r.proc.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		r.log.Info("http server listening", zap.String("addr", r.httpSrv.Addr))
		if err := r.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if r.mcpSrv != nil {
		g.Go(func() error {
			if err := r.mcpSrv.Start(gCtx); err != nil {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
	}

	<-gCtx.Done()
	shutdownErr := r.Shutdown(context.Background())
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return shutdownErr
}

// Shutdown unwinds the runtime: the processor drains first so nothing
// new enters the sinks, the boundary closes, the audit trail records
// the shutdown and flushes, and storage closes last.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.log.Info("runtime shutting down")

	r.states.TransitionTo(v1.AgentStateShutdown)
	r.proc.Stop()
	_ = r.consoleA.Stop(ctx)
	_ = r.sched.Stop(ctx)
	_ = r.maint.Stop(ctx)
	_ = r.monitor.Stop(ctx)
	for _, entry := range r.lifecycle {
		_ = entry.svc.Stop(ctx)
	}

	r.actions.Stop()
	r.deferrals.Stop()
	r.feedback.Stop()
	r.actions.Wait()
	r.deferrals.Wait()
	r.feedback.Wait()

	r.bridge.Stop()

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var firstErr error
	if err := r.httpSrv.Shutdown(httpCtx); err != nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}
	if r.mcpSrv != nil {
		if err := r.mcpSrv.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp shutdown: %w", err)
		}
	}

	r.limiter.Stop()
	_ = r.tel.Stop(ctx)

	_, _ = r.auditSvc.LogEvent(ctx, "runtime_stopped", audit.EventData{
		Actor:    "runtime",
		EntityID: r.ident.AgentID(),
		Outcome:  "ok",
	})
	_ = r.auditSvc.Stop(ctx)

	r.closeStores()
	return firstErr
}
