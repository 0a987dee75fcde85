// Package server exposes tiled segmentation over HTTP.
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs every request through zap
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("cost", time.Since(start)),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// NewRouter wires the handler's routes. mode is a gin mode ("debug", "release", "test").
func NewRouter(h *Handler, mode string) *gin.Engine {
	gin.SetMode(mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(h.log))

	r.GET("/health", h.Health)
	r.GET("/version", h.Version)

	api := r.Group("/api/v1")
	{
		api.POST("/segment", h.Segment)
	}
	return r
}
