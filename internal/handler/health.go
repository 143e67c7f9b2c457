package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check probes one dependency. Critical checks turn /healthz into a 503.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// Health reports every check; each probe gets at most timeout.
func Health(timeout time.Duration, checks ...Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		report := gin.H{}
		for _, ch := range checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
			err := ch.Probe(ctx)
			cancel()
			if err != nil {
				report[ch.Name] = err.Error()
				if ch.Critical {
					status = http.StatusServiceUnavailable
				}
				continue
			}
			report[ch.Name] = "ok"
		}
		report["status"] = "ok"
		if status != http.StatusOK {
			report["status"] = "degraded"
		}
		c.JSON(status, report)
	}
}
