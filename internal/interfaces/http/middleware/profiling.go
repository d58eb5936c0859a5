package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/erp/ledger/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
)

// ProfilingConfig holds configuration for the profiling middleware
type ProfilingConfig struct {
	Enabled bool
	// SkipPaths are served without labels
	SkipPaths []string
}

// DefaultProfilingConfig labels everything but the probes
func DefaultProfilingConfig() ProfilingConfig {
	return ProfilingConfig{
		Enabled:   true,
		SkipPaths: []string{"/health", "/ready"},
	}
}

// Profiling attaches Pyroscope labels to the request so profiles can be
// split per resource and action, e.g. journal-entries/post.
func Profiling(cfg ProfilingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if slices.Contains(cfg.SkipPaths, c.Request.URL.Path) {
			c.Next()
			return
		}
		telemetry.WithProfilingLabels(c.Request.Context(), profilingLabels(c.Request.Method, c.FullPath()), func(ctx context.Context) {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}
}

// profilingLabels uses the route pattern rather than the raw path so label
// cardinality stays bounded. Unmatched requests only get the method.
func profilingLabels(method, route string) map[string]string {
	labels := map[string]string{telemetry.ProfilingLabelMethod: method}
	if route == "" {
		return labels
	}
	resource, action := routeAction(method, route)
	labels[telemetry.ProfilingLabelRoute] = route
	labels[telemetry.ProfilingLabelResource] = resource
	labels[telemetry.ProfilingLabelAction] = action
	return labels
}

// routeAction splits a route into the resource it addresses and the action
// taken on it:
//
//	POST /api/v1/journal-entries           -> journal-entries, create
//	POST /api/v1/journal-entries/:id/post  -> journal-entries, post
//	GET  /api/v1/journal-entries/:id       -> journal-entries, get
//	GET  /api/v1/admin/reviews             -> reviews, list
//	POST /api/v1/admin/outbox/:id/retry    -> outbox, retry
func routeAction(method, route string) (resource, action string) {
	var segments []string
	for _, part := range strings.Split(route, "/") {
		if part == "" || part == "api" || part == "admin" || isVersionSegment(part) {
			continue
		}
		segments = append(segments, part)
	}
	if len(segments) == 0 {
		return "", ""
	}

	resource = segments[0]
	last := segments[len(segments)-1]
	switch {
	case len(segments) > 1 && !strings.HasPrefix(last, ":"):
		action = last
	case len(segments) == 1 && method == http.MethodGet:
		action = "list"
	case len(segments) == 1 && method == http.MethodPost:
		action = "create"
	default:
		action = strings.ToLower(method)
	}
	return resource, action
}

func isVersionSegment(segment string) bool {
	if len(segment) < 2 || (segment[0] != 'v' && segment[0] != 'V') {
		return false
	}
	for i := 1; i < len(segment); i++ {
		if segment[i] < '0' || segment[i] > '9' {
			return false
		}
	}
	return true
}
