package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anima-ai/anima/internal/common/httpmw"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/ratelimit"
)

// RouterConfig carries the extras the core handler does not own.
type RouterConfig struct {
	Limiter        *ratelimit.Limiter
	MetricsHandler http.Handler
	WebSocket      gin.HandlerFunc
}

// NewRouter builds the gin engine: request logging, tracing, rate
// limiting with the health exemption, then the v1 route tree.
func NewRouter(h *Handler, log *logger.Logger, cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "anima"))
	router.Use(httpmw.OtelTracing("anima-api"))
	if cfg.Limiter != nil {
		router.Use(RateLimit(cfg.Limiter))
	}

	v1 := router.Group("/v1")
	{
		system := v1.Group("/system")
		{
			system.GET("/health", h.GetHealth)
			system.GET("/resources", h.GetResources)
			system.GET("/services", h.ListServices)
			system.POST("/services/circuit-breakers/reset", h.ResetCircuitBreakers)
		}

		agent := v1.Group("/agent")
		{
			agent.GET("/status", h.GetAgentStatus)
			agent.GET("/identity", h.GetAgentIdentity)
			agent.GET("/state", h.GetStateHistory)
			agent.POST("/state", h.TransitionState)
		}

		runtime := v1.Group("/runtime")
		{
			runtime.GET("/processor", h.GetProcessorStatus)
			runtime.POST("/processor/pause", h.PauseProcessor)
			runtime.POST("/processor/resume", h.ResumeProcessor)
			runtime.POST("/processor/step", h.SingleStep)
			runtime.GET("/queue", h.GetQueueStatus)
		}

		auditGroup := v1.Group("/audit")
		{
			auditGroup.GET("", h.QueryAudit)
			auditGroup.POST("/verify", h.VerifyAudit)
			auditGroup.POST("/export", h.ExportAudit)
		}
	}

	if cfg.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}
	if cfg.WebSocket != nil {
		router.GET("/ws", cfg.WebSocket)
	}
	return router
}
