package v1

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/run/agent"
	"github.com/kandev/agentrun/internal/run/dispatch"
)

// SetupRoutes registers the orchestrator's run/continue/cancel endpoints
// under router.
func SetupRoutes(router *gin.RouterGroup, dispatcher *dispatch.Dispatcher, agents *agent.Registry, log *logger.Logger) {
	h := NewHandler(dispatcher, agents, log)

	router.POST("/runs", h.CreateRun)
	router.POST("/runs/stream", h.StreamRun)
	router.GET("/runs/stream/ws", h.StreamRunWS)

	runs := router.Group("/runs/:runID")
	{
		runs.POST("/continue", h.ContinueRun)
		runs.POST("/continue/stream", h.ContinueRunStream)
		runs.POST("/cancel", h.CancelRun)
	}
}
