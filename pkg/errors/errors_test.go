package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomy_Retryability(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"schema validation", ErrSchemaValidation.WithMessage("amount: not a decimal"), true},
		{"reference resolution", ErrReferenceResolution.WithDetail("ref", "DATA::event::x::amount"), true},
		{"unknown operator", ErrUnknownOperator.WithDetail("operator", "xor"), true},
		{"duplicate ingestion", ErrDuplicateIngestion, true},
		{"storage operation", ErrStorageOperation.WithCause(fmt.Errorf("connection reset")), false},
		{"plain error", fmt.Errorf("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestPredicates_FollowWrapping(t *testing.T) {
	inner := ErrReferenceResolution.WithMessage("event %s not found", "e-1")
	outer := fmt.Errorf("render rule r-1: %w", inner)

	assert.True(t, IsReferenceResolution(outer))
	assert.False(t, IsSchemaValidation(outer))
	assert.True(t, stderrors.Is(outer, ErrReferenceResolution))

	wrapped := ErrInternal.WithCause(ErrNotFound.WithDetail("id", "r-1"))
	assert.True(t, IsNotFound(wrapped))
}

func TestWithDetail_DoesNotMutateSentinel(t *testing.T) {
	_ = ErrValidation.WithDetail("field", "name")
	assert.Empty(t, ErrValidation.Details)
}

func TestToErrorResponse(t *testing.T) {
	err := ErrConflict.WithMessage("event %q already exists", "withdraw")

	resp := ToErrorResponse(err)
	assert.Equal(t, "CONFLICT", resp["error_code"])
	assert.Equal(t, http.StatusConflict, ToHTTPStatus(err))

	resp = ToErrorResponse(fmt.Errorf("unexpected"))
	assert.Equal(t, "INTERNAL_ERROR", resp["error_code"])
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(fmt.Errorf("unexpected")))
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	err := RecoverPanic("nil map write")
	assert.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "nil map write")
}
