package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/infrastructure/logger"
	"github.com/erp/ledger/internal/interfaces/http/dto"
	"github.com/erp/ledger/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BaseHandler writes the response envelope shared by every endpoint
type BaseHandler struct{}

func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

func (h *BaseHandler) SuccessWithMeta(c *gin.Context, data any, total int64, page, pageSize int) {
	c.JSON(http.StatusOK, dto.NewSuccessResponseWithMeta(data, total, page, pageSize))
}

func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

func (h *BaseHandler) NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest rejects a request the handler could not interpret
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.fail(c, dto.ErrCodeBadRequest, message)
}

// BindError rejects a request that failed binding or validation
func (h *BaseHandler) BindError(c *gin.Context, err error) {
	middleware.HandleValidationError(c, err)
}

// HandleError maps an application error onto the API error codes. Domain
// errors keep their message. A timed out statement is reported as
// unavailable; anything else is logged and hidden behind a generic 500.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	var domainErr *shared.DomainError
	switch {
	case errors.As(err, &domainErr):
		h.fail(c, dto.NormalizeErrorCode(domainErr.Code), domainErr.Message)
	case errors.Is(err, context.DeadlineExceeded):
		_ = c.Error(err)
		logger.L(c.Request.Context()).Warn("request timed out", zap.Error(err))
		h.fail(c, dto.ErrCodeTimeout, "The ledger did not answer in time, retry later")
	default:
		_ = c.Error(err)
		logger.L(c.Request.Context()).Error("request failed", zap.Error(err))
		h.fail(c, dto.ErrCodeInternal, "An unexpected error occurred")
	}
}

func (h *BaseHandler) fail(c *gin.Context, code, message string) {
	middleware.SetErrorCode(c, code)
	c.JSON(dto.GetHTTPStatus(code), dto.NewErrorResponseWithRequestID(code, message, middleware.RequestIDFromContext(c)))
}

// parseID reads the :id path parameter, writing a 400 when it is not a UUID
func (h *BaseHandler) parseID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid "+what+" ID")
		return uuid.Nil, false
	}
	return id, true
}
