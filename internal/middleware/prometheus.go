package middleware

import (
	"time"

	"github.com/devicelock/devicelock-agent/internal/metrics"
	"github.com/gin-gonic/gin"
)

// HTTPMetrics HTTP 请求监控中间件
func HTTPMetrics(c *metrics.Collector) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			// unmatched routes share one label
			path = "unmatched"
		}
		c.RecordHTTPRequest(ctx.Request.Method, path, ctx.Writer.Status(), time.Since(start))
	}
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler(c *metrics.Collector) gin.HandlerFunc {
	h := c.Handler()
	return func(ctx *gin.Context) {
		h.ServeHTTP(ctx.Writer, ctx.Request)
	}
}
