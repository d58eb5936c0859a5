package reconciliation

import (
	"errors"
	"testing"

	"github.com/erp/ledger/internal/domain/ledger"
	"github.com/erp/ledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualReview_Resolve(t *testing.T) {
	review := NewManualReview(uuid.New(), uuid.New(), ledger.EventPosted, "payables", "handler timeout", 5, 3)
	assert.Equal(t, ReviewOpen, review.Status)
	assert.Nil(t, review.ResolvedAt)

	err := review.Resolve("   ")
	assert.True(t, errors.Is(err, shared.ErrInvalidInput))

	require.NoError(t, review.Resolve("balance corrected by hand"))
	assert.Equal(t, ReviewResolved, review.Status)
	assert.Equal(t, "balance corrected by hand", review.Resolution)
	assert.NotNil(t, review.ResolvedAt)

	err = review.Resolve("again")
	assert.True(t, errors.Is(err, shared.ErrInvalidState))
}
