package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tidelock/conversant-backend/internal/bus"
	"github.com/tidelock/conversant-backend/internal/repos"
)

type ToolCallHandler struct {
	approvals bus.ApprovalBus
	toolCalls repos.ToolCallRepo
}

func NewToolCallHandler(approvals bus.ApprovalBus, toolCalls repos.ToolCallRepo) *ToolCallHandler {
	return &ToolCallHandler{approvals: approvals, toolCalls: toolCalls}
}

func (th *ToolCallHandler) List(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	calls, err := th.toolCalls.GetByConversationID(c.Request.Context(), nil, id)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	RespondOK(c, gin.H{"tool_calls": calls})
}

// Decide publishes an approve/reject verdict for a pending tool call. The
// waiting orchestrator round picks it up through the approval bus; a late
// decision simply goes nowhere.
func (th *ToolCallHandler) Decide(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	var req struct {
		CallID   string `json:"call_id" binding:"required"`
		Approved *bool  `json:"approved" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	err = th.approvals.Publish(c.Request.Context(), id, bus.Decision{
		CallID:   req.CallID,
		Approved: *req.Approved,
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	RespondOK(c, gin.H{"status": "ok"})
}
