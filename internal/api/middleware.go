package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500
)

// ZerologLogger is a Gin middleware that logs requests using zerolog.
// Requests that address a single upload carry its id as entry_id.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		evt := levelFor(status)

		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path += "?" + raw
		}
		if id := c.Param("id"); id != "" {
			evt = evt.Str("entry_id", id)
		}
		if route := c.FullPath(); route != "" {
			evt = evt.Str("route", route)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}

		evt.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int64("request_bytes", c.Request.ContentLength).
			Int("bytes", c.Writer.Size()).
			Msg("http request completed")
	}
}

func levelFor(status int) *zerolog.Event {
	switch {
	case status >= statusErrorThreshold:
		return log.Error()
	case status >= statusWarnThreshold:
		return log.Warn()
	default:
		return log.Info()
	}
}
