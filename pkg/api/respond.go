package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corralhq/corral/pkg/command"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/queue"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/vision"
)

// respondErr maps component sentinels onto HTTP status codes
func (s *Server) respondErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, vision.ErrNotFound),
		errors.Is(err, vision.ErrNodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrValidation),
		errors.Is(err, queue.ErrValidation),
		errors.Is(err, vision.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, command.ErrTimeout):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// requestMetrics records per-request counters and latency
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.APIRequestsTotal.WithLabelValues(
			c.Request.Method, strconv.Itoa(c.Writer.Status()),
		).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method).
			Observe(time.Since(start).Seconds())
	}
}

// intQuery parses an integer query parameter with a fallback
func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
