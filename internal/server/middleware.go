package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/meterline/meterline/internal/orgcontext"
	"go.uber.org/zap"
)

const (
	headerOrgID = "X-Org-ID"
	headerEnv   = "X-Env"
)

// OrgContext scopes every request to an organization and environment. Rows
// are always read and written under this scope.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(headerOrgID))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing org"})
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid org"})
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		env := strings.TrimSpace(c.GetHeader(headerEnv))
		if env == "" {
			env = orgcontext.EnvLive
		}
		ctx = orgcontext.WithEnv(ctx, env)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
