package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imryao/cli-sidecar/internal/chat"
	"github.com/imryao/cli-sidecar/internal/common/logger"
)

// NewRouter builds the gin engine with the chat routes mounted.
func NewRouter(svc *chat.Service, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.Default()
	}
	h := NewHandler(svc, log)

	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware(), requestLogger(log))

	r.GET("/health", h.Health)
	r.POST("/chat", h.PostChat)
	r.GET("/stream/:session_id", h.StreamEvents)
	r.DELETE("/stream/:session_id", h.DeleteStream)

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Session-ID, X-Sandbox-Name")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	log = log.WithFields(zap.String("component", "http"))
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
