package logger

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader carries the caller-supplied or generated request ID
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

// GinOption configures GinMiddleware
type GinOption func(*ginOptions)

type ginOptions struct {
	quietRoutes map[string]struct{}
}

// WithQuietRoutes logs successful requests to these routes at debug level
func WithQuietRoutes(routes ...string) GinOption {
	return func(o *ginOptions) {
		for _, r := range routes {
			o.quietRoutes[r] = struct{}{}
		}
	}
}

// GinMiddleware tags the request with an ID, stores a request-scoped logger
// in its context and writes one access log line when the handler returns.
func GinMiddleware(base *zap.Logger, opts ...GinOption) gin.HandlerFunc {
	o := ginOptions{quietRoutes: make(map[string]struct{})}
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := incomingRequestID(c.GetHeader(RequestIDHeader))
		c.Header(RequestIDHeader, requestID)

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, reqLogger := WithRequestID(c.Request.Context(), base, requestID)
		reqLogger = reqLogger.With(
			zap.String("method", c.Request.Method),
			zap.String("route", route),
		)
		c.Request = c.Request.WithContext(WithContext(ctx, reqLogger))

		c.Next()

		status := c.Writer.Status()
		level := accessLevel(status)
		if _, quiet := o.quietRoutes[route]; quiet && level == zapcore.InfoLevel {
			level = zapcore.DebugLevel
		}
		ce := WithTraceContext(c.Request.Context(), reqLogger).Check(level, "HTTP request")
		if ce == nil {
			return
		}
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
		}
		ce.Write(fields...)
	}
}

// incomingRequestID keeps a caller's ID unless it is missing or oversized
func incomingRequestID(id string) string {
	if id == "" || len(id) > maxRequestIDLen {
		return uuid.NewString()
	}
	return id
}

func accessLevel(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Recovery logs a panic with its stack and lets respond write the 500. A nil
// respond aborts with an empty body. Broken client connections are left to gin.
func Recovery(base *zap.Logger, respond func(c *gin.Context)) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		log := base
		if l, ok := c.Request.Context().Value(loggerKey).(*zap.Logger); ok {
			log = l
		}
		log.Error("panic recovered",
			zap.Any("panic", recovered),
			zap.Stack("stacktrace"),
		)
		if respond == nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		respond(c)
		c.Abort()
	})
}
