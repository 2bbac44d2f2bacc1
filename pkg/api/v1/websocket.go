package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/common/httpmw"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/run/dispatch"
	"github.com/kandev/agentrun/internal/run/options"
	"github.com/kandev/agentrun/internal/run/types"
)

// upgrader upgrades a single run's event stream to a WebSocket
// connection. Unlike the teacher's streaming.Hub (one hub fanning out to
// many subscribers of the same task), a run has exactly one consumer —
// the caller that dispatched it — so no hub/broadcast layer is needed,
// only the upgrade itself.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamRunWS handles GET /runs/stream/ws: upgrades to a WebSocket and
// forwards a freshly dispatched run's lifecycle events as JSON text
// frames, one event per frame, until the run reaches a terminal state or
// the client disconnects. Request fields that would otherwise be a JSON
// body travel as query parameters, since a WebSocket upgrade carries no
// body.
func (h *Handler) StreamRunWS(c *gin.Context) {
	agentID := c.Query("agent_id")
	a, ok := h.resolveAgent(c, agentID)
	if !ok {
		return
	}

	streamOn := true
	events, err := h.dispatcher.RunStream(c.Request.Context(), dispatch.RunInput{
		Agent:     a,
		Input:     types.RunInput{Text: c.Query("text")},
		UserID:    c.Query("user_id"),
		SessionID: c.Query("session_id"),
		RunID:     c.Query("run_id"),
		Overrides: options.Overrides{Stream: &streamOn},
	})
	if err != nil {
		httpmw.WriteError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		httpmw.WriteError(c, apperrors.Internal("websocket upgrade failed", err))
		return
	}
	defer conn.Close()

	relayEvents(conn, events, h.log)
}

func relayEvents(conn *websocket.Conn, events <-chan types.Event, log *logger.Logger) {
	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			log.Warn("websocket write failed, dropping connection", zap.Error(err))
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
