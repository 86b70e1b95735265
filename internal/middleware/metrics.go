// Package middleware provides the Gin middleware shared by every pypackage route:
// request identifiers, Prometheus request metrics, structured request logging,
// security headers, and the token bucket guarding the write endpoints.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/packaginator/pypackage/internal/telemetry"
)

// noRouteLabel is recorded for requests that matched no route, keeping raw URLs
// out of the label set.
const noRouteLabel = "<no-route>"

// MetricsMiddleware records telemetry.HTTPRequestsTotal and telemetry.HTTPRequestDuration
// for every request, labelled with the matched route template (c.FullPath()).
//
// Route templates listed in skip are not recorded; the router passes the probe
// endpoints so that kubelet traffic does not dominate the request rate.
//
// Register after gin.Recovery() and RequestIDMiddleware so the final status is seen.
func MetricsMiddleware(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRouteLabel
		}
		if _, ok := skipped[path]; ok {
			return
		}

		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
