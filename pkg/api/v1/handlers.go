package v1

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/common/httpmw"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/run/agent"
	"github.com/kandev/agentrun/internal/run/dispatch"
	"github.com/kandev/agentrun/internal/run/types"
)

// Handler adapts HTTP requests onto Dispatcher calls.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	agents     *agent.Registry
	log        *logger.Logger
}

// NewHandler builds a Handler bound to dispatcher and agents.
func NewHandler(dispatcher *dispatch.Dispatcher, agents *agent.Registry, log *logger.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, agents: agents, log: log}
}

func (h *Handler) resolveAgent(c *gin.Context, agentID string) (*agent.Agent, bool) {
	a, err := h.agents.Get(agentID)
	if err != nil {
		httpmw.WriteError(c, err)
		return nil, false
	}
	return a, true
}

// CreateRun handles POST /runs: dispatches a fresh run, buffered or
// background per the resolved options, and returns the resulting record.
// A background run's record has status "pending"; this package registers
// no route for polling it, and its later status is kept in the session
// store.
func (h *Handler) CreateRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, apperrors.BadRequest(err.Error()))
		return
	}

	a, ok := h.resolveAgent(c, req.AgentID)
	if !ok {
		return
	}

	run, err := h.dispatcher.Run(c.Request.Context(), dispatch.RunInput{
		Agent:     a,
		Input:     req.Input,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		RunID:     req.RunID,
		RunContext: &types.RunContext{
			SessionState:     req.SessionState,
			KnowledgeFilters: req.KnowledgeFilters,
			Metadata:         req.Metadata,
			OutputSchema:     req.OutputSchema,
		},
		SessionState:     req.SessionState,
		KnowledgeFilters: req.KnowledgeFilters,
		Metadata:         req.Metadata,
		OutputSchema:     req.OutputSchema,
		Overrides:        req.Overrides,
		DebugMode:        req.DebugMode,
	})
	if err != nil {
		httpmw.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// StreamRun handles POST /runs/stream: dispatches a fresh run in streaming
// mode and forwards each lifecycle event as a server-sent event.
func (h *Handler) StreamRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, apperrors.BadRequest(err.Error()))
		return
	}

	a, ok := h.resolveAgent(c, req.AgentID)
	if !ok {
		return
	}

	overrides := req.Overrides
	streamOn := true
	overrides.Stream = &streamOn

	events, err := h.dispatcher.RunStream(c.Request.Context(), dispatch.RunInput{
		Agent:     a,
		Input:     req.Input,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		RunID:     req.RunID,
		RunContext: &types.RunContext{
			SessionState:     req.SessionState,
			KnowledgeFilters: req.KnowledgeFilters,
			Metadata:         req.Metadata,
			OutputSchema:     req.OutputSchema,
		},
		SessionState:     req.SessionState,
		KnowledgeFilters: req.KnowledgeFilters,
		Metadata:         req.Metadata,
		OutputSchema:     req.OutputSchema,
		Overrides:        overrides,
		DebugMode:        req.DebugMode,
	})
	if err != nil {
		httpmw.WriteError(c, err)
		return
	}

	streamEvents(c, events)
}

// ContinueRun handles POST /runs/:runID/continue: resumes a paused run.
func (h *Handler) ContinueRun(c *gin.Context) {
	runID := c.Param("runID")
	var req ContinueRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, apperrors.BadRequest(err.Error()))
		return
	}

	a, ok := h.resolveAgent(c, c.Query("agent_id"))
	if !ok {
		return
	}

	run, err := h.dispatcher.ContinueRun(c.Request.Context(), dispatch.ContinueInput{
		Agent:        a,
		RunID:        runID,
		SessionID:    req.SessionID,
		UpdatedTools: req.UpdatedTools,
		Requirements: req.Requirements,
		RunContext: &types.RunContext{
			KnowledgeFilters: req.KnowledgeFilters,
			Metadata:         req.Metadata,
		},
		KnowledgeFilters: req.KnowledgeFilters,
		Metadata:         req.Metadata,
		Overrides:        req.Overrides,
		DebugMode:        req.DebugMode,
	})
	if err != nil {
		httpmw.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ContinueRunStream handles POST /runs/:runID/continue/stream.
func (h *Handler) ContinueRunStream(c *gin.Context) {
	runID := c.Param("runID")
	var req ContinueRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, apperrors.BadRequest(err.Error()))
		return
	}

	a, ok := h.resolveAgent(c, c.Query("agent_id"))
	if !ok {
		return
	}

	overrides := req.Overrides
	streamOn := true
	overrides.Stream = &streamOn

	events, err := h.dispatcher.ContinueRunStream(c.Request.Context(), dispatch.ContinueInput{
		Agent:        a,
		RunID:        runID,
		SessionID:    req.SessionID,
		UpdatedTools: req.UpdatedTools,
		Requirements: req.Requirements,
		RunContext: &types.RunContext{
			KnowledgeFilters: req.KnowledgeFilters,
			Metadata:         req.Metadata,
		},
		KnowledgeFilters: req.KnowledgeFilters,
		Metadata:         req.Metadata,
		Overrides:        overrides,
		DebugMode:        req.DebugMode,
	})
	if err != nil {
		httpmw.WriteError(c, err)
		return
	}
	streamEvents(c, events)
}

// CancelRun handles POST /runs/:runID/cancel.
func (h *Handler) CancelRun(c *gin.Context) {
	runID := c.Param("runID")
	cancelled := h.dispatcher.CancelRun(runID)
	c.JSON(http.StatusOK, CancelRunResponse{Cancelled: cancelled})
}

// streamEvents drains events onto the response as server-sent events
// until the channel closes or the client disconnects.
func streamEvents(c *gin.Context, events <-chan types.Event) {
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
