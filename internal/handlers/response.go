package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tidelock/conversant-backend/internal/domain/conversation"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondDomainError maps aggregate rejections onto HTTP statuses. Anything
// that is not a domain error is a server fault.
func RespondDomainError(c *gin.Context, err error) {
	var domErr *conversation.Error
	if !errors.As(err, &domErr) {
		RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	status := http.StatusBadRequest
	switch domErr.Code {
	case conversation.CodeNotCreated, conversation.CodeMessageNotFound:
		status = http.StatusNotFound
	case conversation.CodeConflict, conversation.CodeAlreadyCreated,
		conversation.CodeAlreadyStreaming, conversation.CodeCurrentlyStreaming,
		conversation.CodeConversationArchived, conversation.CodeAlreadyArchived:
		status = http.StatusConflict
	}
	RespondError(c, status, string(domErr.Code), err)
}
