package handler

import (
	ledgerapp "github.com/erp/ledger/internal/application/ledger"
	"github.com/gin-gonic/gin"
)

// JournalEntryHandler exposes the journal entry lifecycle over HTTP
type JournalEntryHandler struct {
	BaseHandler
	service *ledgerapp.Service
}

// NewJournalEntryHandler creates a new JournalEntryHandler
func NewJournalEntryHandler(service *ledgerapp.Service) *JournalEntryHandler {
	return &JournalEntryHandler{service: service}
}

// RegisterRoutes mounts the handler under /journal-entries
func (h *JournalEntryHandler) RegisterRoutes(rg *gin.RouterGroup) {
	entries := rg.Group("/journal-entries")
	entries.POST("", h.Create)
	entries.GET("", h.List)
	entries.GET("/:id", h.Get)
	entries.PUT("/:id", h.Update)
	entries.DELETE("/:id", h.Delete)
	entries.POST("/:id/post", h.Post)
	entries.POST("/:id/reverse", h.Reverse)
}

// Create handles POST /journal-entries
func (h *JournalEntryHandler) Create(c *gin.Context) {
	var req ledgerapp.CreateEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	entry, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, entry)
}

// List handles GET /journal-entries
func (h *JournalEntryHandler) List(c *gin.Context) {
	var filter ledgerapp.EntryListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.BindError(c, err)
		return
	}

	result, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, result.Items, result.Total, result.Page, result.PageSize)
}

// Get handles GET /journal-entries/:id
func (h *JournalEntryHandler) Get(c *gin.Context) {
	id, ok := h.parseID(c, "journal entry")
	if !ok {
		return
	}

	entry, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entry)
}

// Update handles PUT /journal-entries/:id
func (h *JournalEntryHandler) Update(c *gin.Context) {
	id, ok := h.parseID(c, "journal entry")
	if !ok {
		return
	}
	var req ledgerapp.UpdateEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	entry, err := h.service.Update(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entry)
}

// Delete handles DELETE /journal-entries/:id
func (h *JournalEntryHandler) Delete(c *gin.Context) {
	id, ok := h.parseID(c, "journal entry")
	if !ok {
		return
	}

	if err := h.service.Remove(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

// Post handles POST /journal-entries/:id/post
func (h *JournalEntryHandler) Post(c *gin.Context) {
	id, ok := h.parseID(c, "journal entry")
	if !ok {
		return
	}

	entry, err := h.service.Post(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entry)
}

// Reverse handles POST /journal-entries/:id/reverse and returns the new
// reversal entry
func (h *JournalEntryHandler) Reverse(c *gin.Context) {
	id, ok := h.parseID(c, "journal entry")
	if !ok {
		return
	}

	reversal, err := h.service.Reverse(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, reversal)
}
