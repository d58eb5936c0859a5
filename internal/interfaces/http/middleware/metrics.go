package middleware

import (
	"slices"
	"time"

	"github.com/erp/ledger/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTP metric attribute keys
const (
	AttrHTTPMethod     = attribute.Key("http_method")
	AttrHTTPRoute      = attribute.Key("http_route")
	AttrHTTPStatusCode = attribute.Key("http_status_code")
	// AttrErrorCode is the API error code of a rejected request, e.g. ERR_UNBALANCED_ENTRY
	AttrErrorCode = attribute.Key("error_code")
)

const (
	errorCodeKey   = "ledger.error_code"
	unmatchedRoute = "unmatched"
)

// HTTPDurationBuckets are latency boundaries for API requests in seconds
var HTTPDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// SetErrorCode records the API error code written for the request so the
// request metrics can count rejections by cause.
func SetErrorCode(c *gin.Context, code string) {
	c.Set(errorCodeKey, code)
}

// ErrorCode returns the code recorded by SetErrorCode, or ""
func ErrorCode(c *gin.Context) string {
	return c.GetString(errorCodeKey)
}

type httpMetrics struct {
	requests *telemetry.Counter
	duration *telemetry.Histogram
	inFlight metric.Int64UpDownCounter
}

func newHTTPMetrics(meter metric.Meter) (*httpMetrics, error) {
	requests, err := telemetry.NewCounter(meter,
		"http_server_request_total",
		"HTTP requests by route, status and API error code",
		"{request}",
	)
	if err != nil {
		return nil, err
	}
	duration, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
		Name:        "http_server_request_duration_seconds",
		Description: "HTTP request latency in seconds",
		Unit:        "s",
		Boundaries:  HTTPDurationBuckets,
	})
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter(
		"http_server_active_requests",
		metric.WithDescription("HTTP requests being served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	return &httpMetrics{requests: requests, duration: duration, inFlight: inFlight}, nil
}

func passThrough(c *gin.Context) {
	c.Next()
}

// HTTPMetrics measures every route except skipRoutes. A nil or disabled
// provider yields a pass-through middleware.
func HTTPMetrics(mp *telemetry.MeterProvider, skipRoutes ...string) gin.HandlerFunc {
	if mp == nil || !mp.IsEnabled() {
		return passThrough
	}
	return HTTPMetricsWithMeter(mp.Meter("http.server"), skipRoutes...)
}

// HTTPMetricsWithMeter measures requests with instruments from meter
func HTTPMetricsWithMeter(meter metric.Meter, skipRoutes ...string) gin.HandlerFunc {
	m, err := newHTTPMetrics(meter)
	if err != nil {
		otel.Handle(err)
		return passThrough
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if slices.Contains(skipRoutes, route) {
			c.Next()
			return
		}
		if route == "" {
			route = unmatchedRoute
		}

		ctx := c.Request.Context()
		start := time.Now()
		method := AttrHTTPMethod.String(c.Request.Method)
		routeAttr := AttrHTTPRoute.String(route)

		m.inFlight.Add(ctx, 1, metric.WithAttributes(method, routeAttr))
		defer m.inFlight.Add(ctx, -1, metric.WithAttributes(method, routeAttr))
		c.Next()

		attrs := []attribute.KeyValue{method, routeAttr, AttrHTTPStatusCode.Int(c.Writer.Status())}
		if code := ErrorCode(c); code != "" {
			attrs = append(attrs, AttrErrorCode.String(code))
		}
		m.requests.Inc(ctx, attrs...)
		m.duration.RecordDuration(ctx, time.Since(start), method, routeAttr)
	}
}
