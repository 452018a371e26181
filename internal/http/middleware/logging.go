// README: Request logging middleware backed by zerolog.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Attach the logger so downstream log.Ctx calls reach the real sink.
		c.Request = c.Request.WithContext(log.Logger.WithContext(c.Request.Context()))

		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}
