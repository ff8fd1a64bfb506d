package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tidelock/conversant-backend/internal/repos"
	"github.com/tidelock/conversant-backend/internal/requestdata"
	"github.com/tidelock/conversant-backend/internal/services"
)

type ConversationHandler struct {
	svc           *services.ConversationService
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
	chunks        repos.MessageChunkRepo
}

func NewConversationHandler(
	svc *services.ConversationService,
	conversations repos.ConversationRepo,
	messages repos.MessageRepo,
	chunks repos.MessageChunkRepo,
) *ConversationHandler {
	return &ConversationHandler{
		svc:           svc,
		conversations: conversations,
		messages:      messages,
		chunks:        chunks,
	}
}

func (ch *ConversationHandler) Create(c *gin.Context) {
	var req struct {
		Title        string `json:"title"`
		Model        string `json:"model" binding:"required"`
		SystemPrompt string `json:"system_prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	rd := requestdata.GetRequestData(c.Request.Context())
	id, err := ch.svc.Create(c.Request.Context(), rd.UserID, req.Title, req.Model, req.SystemPrompt)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (ch *ConversationHandler) List(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	convs, err := ch.conversations.GetByUserID(c.Request.Context(), nil, rd.UserID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	RespondOK(c, gin.H{"conversations": convs})
}

func (ch *ConversationHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	conv, err := ch.conversations.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		RespondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	RespondOK(c, gin.H{"conversation": conv})
}

func (ch *ConversationHandler) Messages(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	msgs, err := ch.messages.GetByConversationID(c.Request.Context(), nil, id)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	RespondOK(c, gin.H{"messages": msgs})
}

func (ch *ConversationHandler) Chunks(c *gin.Context) {
	messageID, err := pathUUID(c, "message_id")
	if err != nil {
		return
	}
	chunks, err := ch.chunks.GetByMessageID(c.Request.Context(), nil, messageID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	RespondOK(c, gin.H{"chunks": chunks})
}

func (ch *ConversationHandler) PostMessage(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	var req struct {
		Content    string         `json:"content" binding:"required"`
		ToolConfig map[string]any `json:"tool_config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	messageID, err := ch.svc.AddUserMessage(c.Request.Context(), id, req.Content, req.ToolConfig)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message_id": messageID})
}

func (ch *ConversationHandler) StartStream(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	if err := ch.svc.StartStream(c.Request.Context(), id); err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "streaming"})
}

func (ch *ConversationHandler) UpdateTitle(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := ch.svc.UpdateTitle(c.Request.Context(), id, req.Title); err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "ok"})
}

func (ch *ConversationHandler) Archive(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	if err := ch.svc.Archive(c.Request.Context(), id); err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "archived"})
}

func (ch *ConversationHandler) Truncate(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	var req struct {
		MessageID uuid.UUID `json:"message_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := ch.svc.Truncate(c.Request.Context(), id, req.MessageID); err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "ok"})
}

func (ch *ConversationHandler) Fork(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		return
	}
	var req struct {
		MessageID uuid.UUID `json:"message_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	forkID, err := ch.svc.Fork(c.Request.Context(), id, req.MessageID)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": forkID})
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return uuid.Nil, err
	}
	return id, nil
}
