package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const RequestIDHeader = "X-Request-ID"

// RequestLog tags each request with an id and writes one access log line through zerolog.
func RequestLog(c *gin.Context) {
	start := time.Now()
	rid := c.GetHeader(RequestIDHeader)
	if rid == "" {
		rid = uuid.NewString()
	}
	c.Set("request_id", rid)
	c.Header(RequestIDHeader, rid)

	c.Next()

	status := c.Writer.Status()
	ev := log.Info()
	if status >= 500 {
		ev = log.Error()
	} else if status >= 400 {
		ev = log.Warn()
	}
	ev.Str("request_id", rid).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Dur("latency", time.Since(start)).
		Str("user", Identity(c)).
		Msg("request")
}
