package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var startTime = time.Now()

const version = "1.0.0"

// Pinger checks a dependency.
type Pinger func(ctx context.Context) error

// HealthCheck returns server health status. Any failing dependency turns
// the response into a 503.
func HealthCheck(deps map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for name, ping := range deps {
			if err := ping(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		c.JSON(status, gin.H{
			"status":  http.StatusText(status),
			"service": "wordduel-api",
			"version": version,
			"uptime":  time.Since(startTime).String(),
			"checks":  checks,
		})
	}
}
