package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/tidelock/conversant-backend/internal/requestdata"
	"github.com/tidelock/conversant-backend/internal/sse"
)

type SSEHandler struct {
	hub *sse.SSEHub
}

func NewSSEHandler(hub *sse.SSEHub) *SSEHandler {
	return &SSEHandler{hub: hub}
}

// Stream holds the connection open and pushes every live event for one
// conversation: chunks, approval requests, tool completions, terminal
// outcomes. The client is torn down when the request context ends.
func (sh *SSEHandler) Stream(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	rd := requestdata.GetRequestData(c.Request.Context())

	client := sh.hub.NewSSEClient(rd.UserID)
	sh.hub.AddChannel(client, sse.ConversationChannel(id))
	defer sh.hub.RemoveClient(client)

	sh.hub.ServeHTTP(c.Writer, c.Request, client)
}
