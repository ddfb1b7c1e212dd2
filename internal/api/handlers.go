package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/audit"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/identity"
	"github.com/anima-ai/anima/internal/processor"
	"github.com/anima-ai/anima/internal/registry"
	"github.com/anima-ai/anima/internal/resources"
	"github.com/anima-ai/anima/internal/state"
	"github.com/anima-ai/anima/internal/task/repository"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

// Handler serves the runtime-control API.
type Handler struct {
	version   string
	states    *state.Manager
	proc      *processor.Processor
	repo      repository.Repository
	reg       *registry.Registry
	auditSvc  *audit.Service
	monitor   *resources.Monitor
	ident     *identity.Manager
	clk       clock.Clock
	log       *logger.Logger
	startedAt time.Time
}

// Deps bundles the handler's collaborators.
type Deps struct {
	Version  string
	States   *state.Manager
	Proc     *processor.Processor
	Repo     repository.Repository
	Registry *registry.Registry
	Audit    *audit.Service
	Monitor  *resources.Monitor
	Identity *identity.Manager
	Clock    clock.Clock
	Log      *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = clock.NewSystemClock()
	}
	if d.Log == nil {
		d.Log = logger.Default()
	}
	return &Handler{
		version:   d.Version,
		states:    d.States,
		proc:      d.Proc,
		repo:      d.Repo,
		reg:       d.Registry,
		auditSvc:  d.Audit,
		monitor:   d.Monitor,
		ident:     d.Identity,
		clk:       d.Clock,
		log:       d.Log.WithComponent("api"),
		startedAt: d.Clock.Now(),
	}
}

// GetHealth returns liveness without touching any subsystem.
// GET /v1/system/health
func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Timestamp: h.clk.Now(),
	})
}

// GetAgentStatus summarizes the agent's current standing.
// GET /v1/agent/status
func (h *Handler) GetAgentStatus(c *gin.Context) {
	ctx := c.Request.Context()
	active, _ := h.repo.CountTasksByStatus(ctx, v1.TaskStatusActive)
	pending, _ := h.repo.CountTasksByStatus(ctx, v1.TaskStatusPending)
	pendingThoughts, _ := h.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusPending)

	procState := "running"
	if h.proc.Paused() {
		procState = "paused"
	}
	resp := v1.AgentStatusResponse{
		State:           h.states.Current(),
		Uptime:          h.clk.Now().Sub(h.startedAt).Seconds(),
		ActiveTasks:     active,
		PendingTasks:    pending,
		PendingThoughts: pendingThoughts,
		ProcessorState:  procState,
		CurrentRound:    h.proc.Round(),
		StartedAt:       h.startedAt,
	}
	if root := h.ident.Root(); root != nil {
		resp.AgentID = root.AgentID
		resp.Name = root.CoreProfile.Name
	}
	c.JSON(http.StatusOK, resp)
}

// GetAgentIdentity exposes the identity root minus private material.
// GET /v1/agent/identity
func (h *Handler) GetAgentIdentity(c *gin.Context) {
	root := h.ident.Root()
	if root == nil {
		apiErr := v1.NewError(v1.ErrorServiceUnavailable, "identity not initialized")
		c.JSON(apiErr.Type.HTTPStatus(), apiErr)
		return
	}
	c.JSON(http.StatusOK, v1.AgentIdentityResponse{
		AgentID:       root.AgentID,
		Name:          root.CoreProfile.Name,
		Purpose:       root.CoreProfile.RoleDescription,
		IdentityHash:  root.IdentityHash,
		Capabilities:  root.PermittedActions,
		Restrictions:  root.RestrictedCapabilities,
		CreatedAt:     root.IdentityMetadata.CreatedAt,
		LastModified:  root.IdentityMetadata.LastModified,
		VersionNumber: root.Version,
	})
}

// GetStateHistory returns the cognitive transition log.
// GET /v1/agent/state
func (h *Handler) GetStateHistory(c *gin.Context) {
	history := h.states.History()
	records := make([]v1.StateTransitionRecord, 0, len(history))
	for _, t := range history {
		records = append(records, v1.StateTransitionRecord{
			FromState: t.From,
			ToState:   t.To,
			Timestamp: t.Timestamp,
		})
	}
	c.JSON(http.StatusOK, v1.StateHistoryResponse{
		Current: h.states.Current(),
		History: records,
	})
}

// TransitionState requests a cognitive state change.
// POST /v1/agent/state
func (h *Handler) TransitionState(c *gin.Context) {
	var req v1.StateTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiErr := v1.NewError(v1.ErrorValidation, err.Error())
		c.JSON(apiErr.Type.HTTPStatus(), apiErr)
		return
	}
	if !h.states.TransitionTo(req.TargetState) {
		apiErr := v1.NewError(v1.ErrorValidation, "illegal state transition")
		apiErr.Details = map[string]interface{}{
			"from": string(h.states.Current()),
			"to":   string(req.TargetState),
		}
		c.JSON(apiErr.Type.HTTPStatus(), apiErr)
		return
	}
	h.log.Info("state transition via api",
		zap.String("to", string(req.TargetState)),
		zap.String("reason", req.Reason))
	c.JSON(http.StatusOK, gin.H{"state": h.states.Current()})
}

// GetProcessorStatus reports the round loop.
// GET /v1/runtime/processor
func (h *Handler) GetProcessorStatus(c *gin.Context) {
	ctx := c.Request.Context()
	activeThoughts, _ := h.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusProcessing)
	pendingThoughts, _ := h.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusPending)
	c.JSON(http.StatusOK, v1.ProcessorStatusResponse{
		State:           string(h.states.Current()),
		CurrentRound:    h.proc.Round(),
		ActiveThoughts:  activeThoughts,
		PendingThoughts: pendingThoughts,
		RoundDuration:   h.proc.LastRoundMS() / 1000.0,
		Paused:          h.proc.Paused(),
	})
}

// PauseProcessor stops admitting work.
// POST /v1/runtime/processor/pause
func (h *Handler) PauseProcessor(c *gin.Context) {
	h.proc.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// ResumeProcessor restarts round processing.
// POST /v1/runtime/processor/resume
func (h *Handler) ResumeProcessor(c *gin.Context) {
	h.proc.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// SingleStep runs exactly one round.
// POST /v1/runtime/processor/step
func (h *Handler) SingleStep(c *gin.Context) {
	result, err := h.proc.SingleStep(c.Request.Context())
	if err != nil {
		apiErr := v1.NewError(v1.ErrorInternal, err.Error())
		c.JSON(apiErr.Type.HTTPStatus(), apiErr)
		return
	}
	c.JSON(http.StatusOK, v1.SingleStepResponse{
		Round:             result.Round,
		ThoughtsProcessed: result.ThoughtsProcessed,
		DurationSeconds:   result.ElapsedMS / 1000.0,
	})
}

// GetQueueStatus summarizes the backlog.
// GET /v1/runtime/queue
func (h *Handler) GetQueueStatus(c *gin.Context) {
	ctx := c.Request.Context()
	pendingTasks, _ := h.repo.CountTasksByStatus(ctx, v1.TaskStatusPending)
	activeTasks, _ := h.repo.CountTasksByStatus(ctx, v1.TaskStatusActive)
	pendingThoughts, _ := h.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusPending)
	processing, _ := h.repo.CountThoughtsByStatus(ctx, v1.ThoughtStatusProcessing)
	c.JSON(http.StatusOK, v1.QueueStatusResponse{
		PendingTasks:       pendingTasks,
		ActiveTasks:        activeTasks,
		PendingThoughts:    pendingThoughts,
		ProcessingThoughts: processing,
	})
}

// ListServices dumps the registry routing table.
// GET /v1/system/services
func (h *Handler) ListServices(c *gin.Context) {
	desc := h.reg.Describe()
	services := make([]v1.ServiceProviderView, 0, desc.TotalProviders)
	for _, kind := range desc.Kinds {
		for _, p := range kind.Providers {
			services = append(services, v1.ServiceProviderView{
				Name:          p.Name,
				Kind:          string(p.Kind),
				Handler:       p.Handler,
				Priority:      p.Priority,
				PriorityGroup: p.PriorityGroup,
				Strategy:      p.Strategy,
				Capabilities:  p.Capabilities,
				CircuitState:  p.CircuitState,
			})
		}
	}
	c.JSON(http.StatusOK, v1.ServiceListResponse{
		Services:       services,
		TotalProviders: desc.TotalProviders,
		OpenCircuits:   desc.OpenCircuits,
	})
}

// ResetCircuitBreakers closes breakers, optionally scoped to a kind.
// POST /v1/system/services/circuit-breakers/reset
func (h *Handler) ResetCircuitBreakers(c *gin.Context) {
	var req v1.CircuitResetRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		apiErr := v1.NewError(v1.ErrorValidation, err.Error())
		c.JSON(apiErr.Type.HTTPStatus(), apiErr)
		return
	}
	count := h.reg.ResetCircuitBreakers(registry.ServiceKind(req.Kind))
	c.JSON(http.StatusOK, v1.CircuitResetResponse{ResetCount: count})
}

// GetResources returns the monitor's last snapshot.
// GET /v1/system/resources
func (h *Handler) GetResources(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.ToAPI())
}

// QueryAudit pages through the audit trail.
// GET /v1/audit
func (h *Handler) QueryAudit(c *gin.Context) {
	var req v1.AuditQueryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		apiErr := v1.NewError(v1.ErrorValidation, err.Error())
		c.JSON(apiErr.Type.HTTPStatus(), apiErr)
		return
	}
	entries, err := h.auditSvc.QueryAuditTrail(c.Request.Context(), audit.Query{
		EntityID:   req.EntityID,
		EventType:  req.EventType,
		Actor:      req.Actor,
		Start:      req.Since,
		End:        req.Until,
		Limit:      req.Limit,
		Offset:     req.Offset,
		Descending: true,
	})
	if err != nil {
		apiErr := v1.NewError(v1.ErrorInternal, err.Error())
		c.JSON(apiErr.Type.HTTPStatus(), apiErr)
		return
	}
	out := make([]*v1.AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryView(e))
	}
	c.JSON(http.StatusOK, v1.AuditQueryResponse{Entries: out, Total: len(out)})
}

// VerifyAudit walks the full hash chain.
// POST /v1/audit/verify
func (h *Handler) VerifyAudit(c *gin.Context) {
	report, err := h.auditSvc.VerifyAuditIntegrity()
	if err != nil {
		apiErr := v1.NewError(v1.ErrorIntegrityFailure, err.Error())
		c.JSON(apiErr.Type.HTTPStatus(), apiErr)
		return
	}
	resp := v1.AuditVerifyResponse{
		Valid:           report.Verified,
		EntriesVerified: report.ValidEntries,
		FirstBrokenSeq:  report.FirstInvalidEntry,
		DurationSeconds: report.DurationMS / 1000.0,
	}
	if len(report.Errors) > 0 {
		resp.Reason = report.Errors[0]
	}
	c.JSON(http.StatusOK, resp)
}

// ExportAudit performs a one-shot bounded export.
// POST /v1/audit/export
func (h *Handler) ExportAudit(c *gin.Context) {
	var req v1.AuditExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiErr := v1.NewError(v1.ErrorValidation, err.Error())
		c.JSON(apiErr.Type.HTTPStatus(), apiErr)
		return
	}
	path, count, err := h.auditSvc.ExportAuditData(req.Since, nil, req.Format)
	if err != nil {
		apiErr := v1.NewError(v1.ErrorInternal, err.Error())
		c.JSON(apiErr.Type.HTTPStatus(), apiErr)
		return
	}
	c.JSON(http.StatusOK, v1.AuditExportResponse{
		Path:    path,
		Format:  req.Format,
		Entries: count,
	})
}

func auditEntryView(e *audit.Entry) *v1.AuditEntry {
	details := make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	return &v1.AuditEntry{
		EntryID:           e.EntryID,
		Timestamp:         e.Timestamp,
		EntityID:          e.EntityID,
		EventType:         e.EventType,
		Actor:             e.Actor,
		Details:           details,
		Outcome:           e.Outcome,
		Signature:         e.Signature,
		HashChainPrevHash: e.PreviousHash,
		SequenceNumber:    e.SequenceNumber,
	}
}
