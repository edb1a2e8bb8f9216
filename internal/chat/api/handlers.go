// Package api is the HTTP edge of the sidecar: accepting chat turns,
// serving the SSE event stream and stopping generations.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imryao/cli-sidecar/internal/chat"
	apperrors "github.com/imryao/cli-sidecar/internal/common/errors"
	"github.com/imryao/cli-sidecar/internal/common/logger"
)

// Handler holds the HTTP handlers for the chat surface.
type Handler struct {
	svc *chat.Service
	log *logger.Logger
}

// NewHandler creates the handler set.
func NewHandler(svc *chat.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		svc: svc,
		log: log.WithFields(zap.String("component", "chat-api")),
	}
}

// PostChat accepts a prompt for a session and starts a background turn.
// The session id comes from the X-Session-ID header; X-Sandbox-Name names
// the sandbox and is required only when the session does not exist yet.
func (h *Handler) PostChat(c *gin.Context) {
	sessionID := c.GetHeader("X-Session-ID")
	if sessionID == "" {
		respondError(c, apperrors.BadRequest("X-Session-ID header is required"))
		return
	}
	sandboxName := c.GetHeader("X-Sandbox-Name")

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body"))
		return
	}

	messageID, err := h.svc.InitiateChat(c.Request.Context(), sessionID, sandboxName, req.Prompt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ChatResponse{MessageID: messageID, SessionID: sessionID})
}

// StreamEvents serves the SSE stream for a session: persisted events after
// after_seq first, then the live feed until a terminal event or disconnect.
func (h *Handler) StreamEvents(c *gin.Context) {
	sessionID := c.Param("session_id")

	afterSeq := 0
	if raw := c.Query("after_seq"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respondError(c, apperrors.BadRequest("after_seq must be a non-negative integer"))
			return
		}
		afterSeq = v
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	err := h.svc.Stream(c.Request.Context(), sessionID, afterSeq, func(event string, data []byte) error {
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		// headers are long gone; the stream just ends
		h.log.Warn("event stream ended with error",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// DeleteStream cancels the in-flight generation for a session. Always 204.
func (h *Handler) DeleteStream(c *gin.Context) {
	h.svc.StopStream(c.Request.Context(), c.Param("session_id"))
	c.Status(http.StatusNoContent)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		}})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
		"code":    apperrors.ErrCodeInternalError,
		"message": err.Error(),
	}})
}
