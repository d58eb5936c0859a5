package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erp/ledger/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type lineInput struct {
	AccountID string `json:"account_id" binding:"required,uuid"`
}

type entryInput struct {
	Description string      `json:"description" binding:"max=5"`
	Status      string      `json:"status" binding:"omitempty,oneof=DRAFT POSTED"`
	Lines       []lineInput `json:"lines" binding:"dive"`
}

func newValidationRouter() *gin.Engine {
	SetupValidator()
	router := gin.New()
	router.POST("/test", func(c *gin.Context) {
		var req entryInput
		if err := c.ShouldBindJSON(&req); err != nil {
			HandleValidationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return router
}

func postJSON(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleValidationError_FieldErrors(t *testing.T) {
	router := newValidationRouter()

	w := postJSON(router, `{"description":"too long","status":"VOID","lines":[{"account_id":""},{"account_id":"nope"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, dto.ErrCodeValidation, resp.Error.Code)
	assert.Equal(t, "req-42", resp.Error.RequestID)

	fields := map[string]string{}
	for _, d := range resp.Error.Details {
		fields[d.Field] = d.Message
	}
	assert.Equal(t, "Must be at most 5 characters", fields["description"])
	assert.Equal(t, "Must be one of: DRAFT POSTED", fields["status"])
	assert.Equal(t, "This field is required", fields["lines[0].account_id"])
	assert.Equal(t, "Invalid UUID format", fields["lines[1].account_id"])
}

func TestHandleValidationError_MalformedBody(t *testing.T) {
	router := newValidationRouter()

	w := postJSON(router, `{"description":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), dto.ErrCodeBadRequest)
}

func TestHandleValidationError_ValidInput(t *testing.T) {
	router := newValidationRouter()

	w := postJSON(router, `{"description":"rent","lines":[{"account_id":"7d1f3c9e-2a4b-4c5d-8e6f-0a1b2c3d4e5f"}]}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetValidationMessage(t *testing.T) {
	type input struct {
		Count int `validate:"min=2"`
	}
	err := validator.New().Struct(input{Count: 1})
	require.Error(t, err)
	fieldErr := err.(validator.ValidationErrors)[0]
	assert.Equal(t, "Must be at least 2", getValidationMessage(fieldErr))
}
