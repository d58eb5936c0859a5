package handler

import (
	"github.com/erp/ledger/internal/application/saga"
	"github.com/gin-gonic/gin"
)

// AdminHandler lets operators work through manual reviews and dead outbox rows
type AdminHandler struct {
	BaseHandler
	service *saga.AdminService
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(service *saga.AdminService) *AdminHandler {
	return &AdminHandler{service: service}
}

// RegisterRoutes mounts the handler under /admin
func (h *AdminHandler) RegisterRoutes(rg *gin.RouterGroup) {
	admin := rg.Group("/admin")
	admin.GET("/reviews", h.ListReviews)
	admin.POST("/reviews/:id/resolve", h.ResolveReview)
	admin.GET("/outbox/dead", h.ListDeadOutbox)
	admin.POST("/outbox/:id/retry", h.RetryOutbox)
}

type reviewQuery struct {
	Status   string `form:"status" binding:"omitempty,oneof=OPEN RESOLVED"`
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
}

type pageQuery struct {
	Page     int `form:"page" binding:"omitempty,min=1"`
	PageSize int `form:"page_size" binding:"omitempty,min=1,max=100"`
}

// ListReviews handles GET /admin/reviews
func (h *AdminHandler) ListReviews(c *gin.Context) {
	var q reviewQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BindError(c, err)
		return
	}

	result, err := h.service.ListReviews(c.Request.Context(), q.Status, q.Page, q.PageSize)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, result.Items, result.Total, result.Page, result.PageSize)
}

// ResolveReview handles POST /admin/reviews/:id/resolve
func (h *AdminHandler) ResolveReview(c *gin.Context) {
	id, ok := h.parseID(c, "review")
	if !ok {
		return
	}
	var req saga.ResolveReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	review, err := h.service.ResolveReview(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, review)
}

// ListDeadOutbox handles GET /admin/outbox/dead
func (h *AdminHandler) ListDeadOutbox(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BindError(c, err)
		return
	}

	result, err := h.service.ListDeadOutbox(c.Request.Context(), q.Page, q.PageSize)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, result.Items, result.Total, result.Page, result.PageSize)
}

// RetryOutbox handles POST /admin/outbox/:id/retry
func (h *AdminHandler) RetryOutbox(c *gin.Context) {
	id, ok := h.parseID(c, "outbox entry")
	if !ok {
		return
	}

	entry, err := h.service.RetryOutbox(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entry)
}
