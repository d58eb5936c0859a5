package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/erp/ledger/internal/interfaces/http/dto"
	"github.com/erp/ledger/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unbalanced", ledger.ErrUnbalancedEntry, http.StatusBadRequest, dto.ErrCodeUnbalancedEntry},
		{"empty", ledger.ErrEmptyEntry, http.StatusBadRequest, dto.ErrCodeEmptyEntry},
		{"not found", ledger.ErrEntryNotFound, http.StatusNotFound, dto.ErrCodeNotFound},
		{"not draft", ledger.ErrNotDraft, http.StatusConflict, dto.ErrCodeInvalidState},
		{"already reversed", ledger.ErrAlreadyReversed, http.StatusConflict, dto.ErrCodeInvalidState},
		{"stale version", shared.ErrConcurrencyConflict, http.StatusConflict, dto.ErrCodeConcurrencyConflict},
		{"invalid input", shared.ErrInvalidInput.WithMessage("bad date"), http.StatusBadRequest, dto.ErrCodeInvalidInput},
		{"statement timeout", fmt.Errorf("find entry: %w", context.DeadlineExceeded), http.StatusServiceUnavailable, dto.ErrCodeTimeout},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, dto.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			var h BaseHandler
			h.HandleError(c, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			var resp dto.Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Equal(t, tt.wantCode, middleware.ErrorCode(c))
		})
	}
}

func TestBaseHandler_HandleErrorHidesInternalDetails(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	var h BaseHandler
	h.HandleError(c, errors.New("pq: password authentication failed"))

	assert.NotContains(t, w.Body.String(), "password")
	assert.Len(t, c.Errors, 1)
}

func TestBaseHandler_ParseID(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Params = gin.Params{{Key: "id", Value: "123"}}

	var h BaseHandler
	_, ok := h.parseID(c, "journal entry")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid journal entry ID")
}
